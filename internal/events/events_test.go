package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type recorder struct {
	events []Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e Event) error {
	r.events = append(r.events, e)
	return r.err
}

func TestType(t *testing.T) {
	tests := []struct {
		namespace, kind, want string
	}{
		{"", KindComplete, "storage-transcribe-audio.v1.complete"},
		{"acme.transcribe", KindFail, "acme.transcribe.v1.fail"},
	}
	for _, tt := range tests {
		if got := Type(tt.namespace, tt.kind); got != tt.want {
			t.Errorf("Type(%q, %q) = %q, want %q", tt.namespace, tt.kind, got, tt.want)
		}
	}
}

func TestNew(t *testing.T) {
	e := New("ns.v1.fail", "storage-transcribe", "bucket/a.mp3", map[string]string{"kind": "x"})
	if e.ID == "" {
		t.Error("expected non-empty ID")
	}
	if e.Time.IsZero() {
		t.Error("expected timestamp")
	}

	b, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if decoded["type"] != "ns.v1.fail" {
		t.Errorf("type = %v, want ns.v1.fail", decoded["type"])
	}
	data, ok := decoded["data"].(map[string]any)
	if !ok || data["kind"] != "x" {
		t.Errorf("data = %v, want kind x", decoded["data"])
	}
}

func TestFilter(t *testing.T) {
	complete := New(Type("", KindComplete), "s", "", nil)
	fail := New(Type("", KindFail), "s", "", nil)

	t.Run("empty_allowlist_passes_all", func(t *testing.T) {
		rec := &recorder{}
		p := Filter(rec, nil)
		p.Publish(context.Background(), complete)
		p.Publish(context.Background(), fail)
		if len(rec.events) != 2 {
			t.Errorf("published %d, want 2", len(rec.events))
		}
	})

	t.Run("bare_kind", func(t *testing.T) {
		rec := &recorder{}
		p := Filter(rec, []string{"fail"})
		p.Publish(context.Background(), complete)
		p.Publish(context.Background(), fail)
		if len(rec.events) != 1 || rec.events[0].Type != fail.Type {
			t.Errorf("published %+v, want only fail", rec.events)
		}
	})

	t.Run("full_type", func(t *testing.T) {
		rec := &recorder{}
		p := Filter(rec, []string{" storage-transcribe-audio.v1.complete "})
		p.Publish(context.Background(), complete)
		p.Publish(context.Background(), fail)
		if len(rec.events) != 1 || rec.events[0].Type != complete.Type {
			t.Errorf("published %+v, want only complete", rec.events)
		}
	})

	t.Run("errors_pass_through", func(t *testing.T) {
		rec := &recorder{err: errors.New("down")}
		p := Filter(rec, []string{"fail"})
		if err := p.Publish(context.Background(), fail); err == nil {
			t.Error("expected error from wrapped publisher")
		}
	})
}

func TestParseList(t *testing.T) {
	got := ParseList(" a, ,b,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("ParseList = %v, want [a b]", got)
	}
	if ParseList("") != nil {
		t.Error("expected nil for empty input")
	}
}

func TestTopicFor(t *testing.T) {
	if got := topicFor("", "ns.v1.fail"); got != "ns.v1.fail" {
		t.Errorf("topicFor no prefix = %q", got)
	}
	if got := topicFor("events/transcribe", "ns.v1.fail"); got != "events/transcribe/ns.v1.fail" {
		t.Errorf("topicFor with prefix = %q", got)
	}
}
