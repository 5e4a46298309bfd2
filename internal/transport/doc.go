// Package transport connects websocket clients to the relay.
//
// Conn is the outbound half and satisfies registry.Transport. Serve is the
// inbound half: it reads JSON commands and hands them to a Handler.
//
// Clients send commands shaped like:
//
//	{"type": "pong", "sequence": 12}
//	{"type": "answer", "session_id": "task-1", "question_id": "...", "answer": "main"}
//	{"type": "join_group", "group": "ops"}
package transport
