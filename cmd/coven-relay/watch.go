// ABOUTME: watch subcommand: a terminal client that prints envelopes, answers heartbeats,
// ABOUTME: and prompts on stdin for interactive questions.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/envelope"
	"github.com/2389/coven-relay/internal/transport"
)

type watchOptions struct {
	clientID string
	group    string
	answer   bool
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	wopts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect as a client and print relayed events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := opts.relayURL()
			if err != nil {
				return err
			}
			wsURL, err := websocketURL(base, wopts.clientID, wopts.group)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), wsURL, wopts.answer, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&wopts.clientID, "client-id", "", "client identifier (generated by the relay when empty)")
	cmd.Flags().StringVar(&wopts.group, "group", "", "group to join on connect")
	cmd.Flags().BoolVar(&wopts.answer, "answer", true, "prompt on stdin for interactive questions")
	return cmd
}

// websocketURL turns an HTTP base URL into the relay's websocket endpoint.
func websocketURL(base, clientID, group string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing relay URL: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	q := u.Query()
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	if group != "" {
		q.Set("group", group)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// questionBatch is one questions event awaiting answers.
type questionBatch struct {
	sessionID string
	questions []envelope.Question
}

type watcher struct {
	ws  *websocket.Conn
	out io.Writer

	writeMu sync.Mutex
	outMu   sync.Mutex
}

func runWatch(ctx context.Context, wsURL string, answer bool, in io.Reader, out io.Writer) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	defer ws.Close()

	w := &watcher{ws: ws, out: out}

	var questions chan questionBatch
	if answer {
		questions = make(chan questionBatch, 8)
		go w.answerLoop(ctx, bufio.NewReader(in), questions)
	}

	stop := context.AfterFunc(ctx, w.closeGracefully)
	defer stop()

	return w.readLoop(ctx, questions)
}

func (w *watcher) send(cmd transport.Command) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.ws.WriteJSON(cmd)
}

func (w *watcher) println(line string) {
	w.outMu.Lock()
	defer w.outMu.Unlock()
	fmt.Fprintln(w.out, line)
}

// closeGracefully sends a close frame and gives the relay a moment to answer it.
func (w *watcher) closeGracefully() {
	w.writeMu.Lock()
	err := w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.writeMu.Unlock()
	if err != nil {
		_ = w.ws.Close()
		return
	}
	time.AfterFunc(2*time.Second, func() { _ = w.ws.Close() })
}

func (w *watcher) readLoop(ctx context.Context, questions chan<- questionBatch) error {
	if questions != nil {
		defer close(questions)
	}
	for {
		_, data, err := w.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("relay closed the connection: %d %s", closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("reading from relay: %w", err)
		}

		env, err := envelope.Decode(data)
		if err != nil {
			w.println(color.YellowString("undecodable message: %v", err))
			continue
		}
		if line := formatEnvelope(env); line != "" {
			w.println(line)
		}

		switch p := env.Payload.(type) {
		case envelope.HeartbeatPayload:
			if err := w.send(transport.Command{Type: transport.CommandPong, Sequence: p.Sequence}); err != nil {
				return fmt.Errorf("answering heartbeat: %w", err)
			}
		case envelope.SystemPayload:
			if p.Event == envelope.EventQuestions && questions != nil {
				select {
				case questions <- questionBatch{sessionID: env.SessionID, questions: p.Questions}:
				default:
					w.println(color.YellowString("too many pending question sets; skipping session %s", env.SessionID))
				}
			}
		}
	}
}

// answerLoop prompts for each question in turn. An empty line skips a question.
func (w *watcher) answerLoop(ctx context.Context, reader *bufio.Reader, questions <-chan questionBatch) {
	for batch := range questions {
		for _, q := range batch.questions {
			w.outMu.Lock()
			fmt.Fprintf(w.out, "%s %s > ", color.CyanString("["+q.AgentName+"]"), q.Text)
			w.outMu.Unlock()

			line, err := reader.ReadString('\n')
			if ctx.Err() != nil {
				return
			}
			line = strings.TrimSpace(line)
			if line != "" {
				cmd := transport.Command{
					Type:       transport.CommandAnswer,
					SessionID:  batch.sessionID,
					QuestionID: q.ID,
					Answer:     line,
				}
				if sendErr := w.send(cmd); sendErr != nil {
					w.println(color.RedString("sending answer: %v", sendErr))
					return
				}
			}
			if err != nil {
				// stdin is exhausted; keep printing events without prompting.
				return
			}
		}
	}
}

// formatEnvelope renders one envelope as a terminal line. Heartbeats render as "".
func formatEnvelope(env *envelope.Envelope) string {
	ts := color.HiBlackString(env.Timestamp.Local().Format("15:04:05"))
	agent := color.CyanString(env.AgentName)

	switch p := env.Payload.(type) {
	case envelope.HeartbeatPayload:
		return ""
	case envelope.StatusPayload:
		return fmt.Sprintf("%s %s %s %s: %s", ts, agent, color.GreenString(p.Status), p.Task, env.Content)
	case envelope.ProgressPayload:
		eta := ""
		if p.EstimatedTimeRemaining != nil {
			eta = fmt.Sprintf(" (eta %s)", time.Duration(*p.EstimatedTimeRemaining*float64(time.Second)).Round(time.Second))
		}
		return fmt.Sprintf("%s %s %s %d/%d%s: %s", ts, agent, p.Stage, p.Current, p.Total, eta, env.Content)
	case envelope.ResponsePayload:
		return fmt.Sprintf("%s %s: %s", ts, agent, env.Content)
	case envelope.ErrorPayload:
		return fmt.Sprintf("%s %s %s: %s", ts, agent, color.RedString("error "+p.ErrorType), env.Content)
	case envelope.SystemPayload:
		return fmt.Sprintf("%s %s", ts, formatSystem(env.SessionID, p, env.Content))
	default:
		return fmt.Sprintf("%s %s [%s]: %s", ts, agent, env.Type, env.Content)
	}
}

func formatSystem(sessionID string, p envelope.SystemPayload, content string) string {
	switch p.Event {
	case envelope.EventWelcome:
		return color.GreenString("connected as %s (group %s)", p.ClientID, p.Group)
	case envelope.EventQuestions:
		return color.YellowString("%d question(s) for session %s", len(p.Questions), sessionID)
	case envelope.EventSessionClosed:
		return fmt.Sprintf("session %s %s (%d answered)", sessionID, p.Status, p.Answered)
	case envelope.EventGroupChanged:
		return "joined group " + p.Group
	default:
		return content
	}
}
