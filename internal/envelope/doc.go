// Package envelope defines the JSON records pushed to connected clients.
//
// Every message is one JSON object:
//
//	{
//	  "id": "5f0c...",
//	  "type": "progress",
//	  "timestamp": "2026-10-14T09:30:00.123Z",
//	  "session_id": "run-42",
//	  "agent_name": "Planner",
//	  "content": "Drafting outline",
//	  "metadata": {"stage": "outline", "current": 2, "total": 5, "estimated_time_remaining": 40},
//	  "requires_ack": false
//	}
//
// The metadata object is typed per envelope type: StatusPayload, ProgressPayload,
// ResponsePayload, ErrorPayload, SystemPayload and HeartbeatPayload. Payload is a
// closed interface, so an envelope type can never be paired with the wrong metadata.
//
// Heartbeat envelopes omit session_id. agent_name defaults to "System".
package envelope
