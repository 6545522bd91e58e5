package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ansible-dev/ansible/internal/schema"
)

// Envelope is one delivery handed to the host agent runtime.
type Envelope struct {
	Kind          string         `json:"kind"` // "message" or "task"
	ID            string         `json:"id"`
	Receiver      string         `json:"receiver"`
	From          string         `json:"from,omitempty"`
	Intent        string         `json:"intent,omitempty"`
	Subject       string         `json:"subject,omitempty"`
	Text          string         `json:"text"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Attempt       int            `json:"attempt"`
}

// Reply is the host runtime's final answer to a delivery. An empty
// Text means the runtime had nothing to say.
type Reply struct {
	Text string `json:"text"`
}

// AgentRuntime is the host side of dispatch: it runs the receiving
// agent against the envelope and returns its final reply.
type AgentRuntime interface {
	Deliver(ctx context.Context, env Envelope) (Reply, error)
}

// messageEnvelope finalizes the inbound context for a message: sender,
// intent, and correlation id travel with the content.
func messageEnvelope(id string, m *schema.Message, receiver string, attempt int) Envelope {
	var b strings.Builder
	fmt.Fprintf(&b, "Inbound message from %s", m.FromAgent)
	if m.Intent != "" {
		fmt.Fprintf(&b, " (intent: %s)", m.Intent)
	}
	b.WriteString("\n\n")
	b.WriteString(m.Content)
	return Envelope{
		Kind:          "message",
		ID:            id,
		Receiver:      receiver,
		From:          m.FromAgent,
		Intent:        m.Intent,
		Text:          b.String(),
		CorrelationID: correlationID(m.Metadata, id),
		Metadata:      m.Metadata,
		Attempt:       attempt,
	}
}

// taskEnvelope formats an assigned task for the receiving agent.
func taskEnvelope(id string, t *schema.Task, receiver string, attempt int) Envelope {
	var b strings.Builder
	fmt.Fprintf(&b, "Assigned task: %s", t.Title)
	if t.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(t.Description)
	}
	if t.Context != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(t.Context)
	}
	return Envelope{
		Kind:          "task",
		ID:            id,
		Receiver:      receiver,
		From:          t.CreatedByAgent,
		Intent:        t.Intent,
		Subject:       t.Title,
		Text:          b.String(),
		CorrelationID: correlationID(t.Metadata, id),
		Metadata:      t.Metadata,
		Attempt:       attempt,
	}
}

func correlationID(metadata map[string]any, fallback string) string {
	if corr, ok := metadata["corr"].(string); ok && corr != "" {
		return corr
	}
	return fallback
}

// errorPhrases are the transport and model failure signatures that leak
// into agent replies when a run goes sideways. One hit can be a
// legitimate quote; two or more reads as a failure transcript.
var errorPhrases = []*regexp.Regexp{
	regexp.MustCompile(`(?i)http[ /]*[45]\d\d`),
	regexp.MustCompile(`(?i)status(?: code)?[ :]*[45]\d\d`),
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)too many requests`),
	regexp.MustCompile(`(?i)quota exceeded`),
	regexp.MustCompile(`(?i)invalid (?:input|request|params|argument)`),
	regexp.MustCompile(`(?i)context (?:length|window)`),
	regexp.MustCompile(`(?i)maximum (?:context|token)`),
	regexp.MustCompile(`(?i)model is (?:overloaded|unavailable)`),
	regexp.MustCompile(`(?i)internal server error`),
	regexp.MustCompile(`(?i)bad gateway`),
	regexp.MustCompile(`(?i)gateway time.?out`),
	regexp.MustCompile(`(?i)connection (?:refused|reset)`),
	regexp.MustCompile(`(?i)request timed.?out`),
}

// looksLikeErrorTranscript reports whether a reply matches at least two
// distinct failure signatures and should be suppressed rather than
// published back into the mesh.
func looksLikeErrorTranscript(text string) bool {
	hits := 0
	for _, re := range errorPhrases {
		if re.MatchString(text) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}
