// ABOUTME: Markdown rendering for response envelopes using goldmark.
// ABOUTME: Web clients display metadata.html; terminal clients keep using content.

package envelope

import (
	"bytes"

	"github.com/yuin/goldmark"
)

// Renderer builds response envelopes, optionally rendering their content to HTML.
type Renderer struct {
	md      goldmark.Markdown
	enabled bool
}

// NewRenderer returns a Renderer. When enabled is false, Response behaves like
// the package-level Response.
func NewRenderer(enabled bool) *Renderer {
	return &Renderer{md: goldmark.New(), enabled: enabled}
}

// Response builds a response envelope. Rendering failures fall back to plain text.
func (r *Renderer) Response(sessionID, agentName, content string) *Envelope {
	if r == nil || !r.enabled {
		return Response(sessionID, agentName, content)
	}

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(content), &buf); err != nil {
		return Response(sessionID, agentName, content)
	}
	return New(sessionID, agentName, content, ResponsePayload{
		Format: "markdown",
		HTML:   buf.String(),
	})
}
