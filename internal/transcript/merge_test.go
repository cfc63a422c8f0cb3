package transcript

import (
	"reflect"
	"slices"
	"testing"
)

func seg(tag int, text ...string) Segment {
	s := Segment{ChannelTag: tag}
	for _, t := range text {
		s.Alternatives = append(s.Alternatives, Alternative{Transcript: t})
	}
	return s
}

func tagged(pairs ...any) []TaggedSegment {
	var out []TaggedSegment
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, TaggedSegment{Channel: pairs[i].(int), Text: pairs[i+1].(string)})
	}
	return out
}

func TestGroupByChannel_PreservesPerChannelOrder(t *testing.T) {
	in := tagged(1, "a", 2, "x", 1, "b", 2, "y", 1, "c")

	got := GroupByChannel(slices.Values(in))

	want := Transcripts{1: {"a", "b", "c"}, 2: {"x", "y"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("GroupByChannel = %v, want %v", got, want)
	}
}

func TestGroupByChannel_Empty(t *testing.T) {
	got := GroupByChannel(slices.Values([]TaggedSegment(nil)))
	if got == nil {
		t.Fatal("expected non-nil map")
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}

func TestGroupByChannel_GapsAllowed(t *testing.T) {
	got := GroupByChannel(slices.Values(tagged(3, "c", 1, "a")))
	if len(got) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(got))
	}
	if _, ok := got[2]; ok {
		t.Error("channel 2 produced no segments and should be absent")
	}
}

func TestFilterValid(t *testing.T) {
	in := []Segment{
		seg(1, "a"),
		seg(0, "b"), // untagged
		seg(2),      // no alternatives
	}

	got := slices.Collect(FilterValid(slices.Values(in)))

	want := tagged(1, "a")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FilterValid = %v, want %v", got, want)
	}
}

func TestFilterValid_UsesFirstAlternative(t *testing.T) {
	got := slices.Collect(FilterValid(slices.Values([]Segment{seg(1, "best", "second")})))
	if len(got) != 1 || got[0].Text != "best" {
		t.Errorf("got %v, want first alternative", got)
	}
}

func TestFilterValid_KeepsEmptyTranscript(t *testing.T) {
	got := slices.Collect(FilterValid(slices.Values([]Segment{seg(1, "")})))
	if len(got) != 1 {
		t.Fatalf("expected empty transcript to survive, got %v", got)
	}
}

func TestFilterValid_StopsEarly(t *testing.T) {
	in := []Segment{seg(1, "a"), seg(1, "b"), seg(1, "c")}
	var seen []string
	for ts := range FilterValid(slices.Values(in)) {
		seen = append(seen, ts.Text)
		if len(seen) == 2 {
			break
		}
	}
	if len(seen) != 2 {
		t.Errorf("expected iteration to stop after 2, got %v", seen)
	}
}

func TestMerge(t *testing.T) {
	in := []Segment{
		seg(2, "x"),
		seg(1, "a"),
		{ChannelTag: -1, Alternatives: []Alternative{{Transcript: "noise"}}},
		seg(2, "y"),
		seg(1),
		seg(1, "b"),
	}

	got := Merge(slices.Values(in))

	want := Transcripts{1: {"a", "b"}, 2: {"x", "y"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge = %v, want %v", got, want)
	}
}

func TestGroupByChannel_Idempotent(t *testing.T) {
	in := tagged(1, "a", 2, "x", 1, "b", 3, "q", 2, "y", 1, "c")
	first := GroupByChannel(slices.Values(in))

	second := GroupByChannel(first.Flatten())

	if !reflect.DeepEqual(first, second) {
		t.Errorf("regrouping changed result: %v != %v", first, second)
	}
}

func TestTranscripts_Channels(t *testing.T) {
	tr := Transcripts{4: {"d"}, 1: {"a"}, 2: {"b"}}
	got := tr.Channels()
	want := []int{1, 2, 4}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Channels = %v, want %v", got, want)
	}
}
