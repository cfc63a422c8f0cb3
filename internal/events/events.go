// Package events publishes run outcome events. Publication is best-effort: a
// failed publish is logged by the caller and never changes a run's outcome.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome event kinds.
const (
	KindComplete = "complete"
	KindFail     = "fail"
)

// DefaultNamespace prefixes event types when none is configured.
const DefaultNamespace = "storage-transcribe-audio"

// Type returns the fully qualified event type, e.g.
// "storage-transcribe-audio.v1.complete".
func Type(namespace, kind string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + ".v1." + kind
}

// Event is an outcome notification.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Source  string    `json:"source"`
	Subject string    `json:"subject,omitempty"`
	Time    time.Time `json:"time"`
	Data    any       `json:"data"`
}

// New returns an event with a fresh ID and timestamp.
func New(eventType, source, subject string, data any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Source:  source,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	}
}

// Marshal encodes e as the JSON envelope sent on the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events. Implementations must not block on delivery
// acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// Filter wraps p so that only allowed event types are published. An empty
// allowlist publishes everything. Entries may be full types or bare kinds
// ("complete", "fail").
func Filter(p Publisher, allowed []string) Publisher {
	set := make(map[string]bool)
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a != "" {
			set[a] = true
		}
	}
	if len(set) == 0 {
		return p
	}
	return PublisherFunc(func(ctx context.Context, e Event) error {
		kind := e.Type
		if i := strings.LastIndex(kind, "."); i >= 0 {
			kind = kind[i+1:]
		}
		if !set[e.Type] && !set[kind] {
			return nil
		}
		return p.Publish(ctx, e)
	})
}

// ParseList splits a comma-separated list, dropping blanks.
func ParseList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
