// Package transcript turns raw recognition results into per-channel ordered
// transcripts. Everything here is pure: no I/O, no shared state.
package transcript

import (
	"iter"
	"sort"
)

// Segment is one recognition result as reported by a speech backend.
// ChannelTag <= 0 means the backend did not tag the result; an empty
// Alternatives slice means it carried no transcript.
type Segment struct {
	ChannelTag   int
	Alternatives []Alternative
}

// Alternative is one candidate transcript for a segment, best first.
type Alternative struct {
	Transcript string
	Confidence float32
}

// TaggedSegment is a validated segment: a channel tag (>= 1) and its text.
type TaggedSegment struct {
	Channel int
	Text    string
}

// Transcripts maps a channel tag to that channel's text in arrival order.
type Transcripts map[int][]string

// Tagged returns the tagged form of s, or false if s lacks a channel tag or a
// transcript.
func (s Segment) Tagged() (TaggedSegment, bool) {
	if s.ChannelTag <= 0 || len(s.Alternatives) == 0 {
		return TaggedSegment{}, false
	}
	return TaggedSegment{Channel: s.ChannelTag, Text: s.Alternatives[0].Transcript}, true
}

// FilterValid yields only segments that carry both a channel tag and a
// transcript. Informational results without those fields are dropped silently.
func FilterValid(segments iter.Seq[Segment]) iter.Seq[TaggedSegment] {
	return func(yield func(TaggedSegment) bool) {
		for s := range segments {
			ts, ok := s.Tagged()
			if !ok {
				continue
			}
			if !yield(ts) {
				return
			}
		}
	}
}

// GroupByChannel collects tagged text per channel in a single pass. Text
// within a channel keeps its input order.
func GroupByChannel(tagged iter.Seq[TaggedSegment]) Transcripts {
	out := make(Transcripts)
	for ts := range tagged {
		out[ts.Channel] = append(out[ts.Channel], ts.Text)
	}
	return out
}

// Merge is GroupByChannel(FilterValid(segments)).
func Merge(segments iter.Seq[Segment]) Transcripts {
	return GroupByChannel(FilterValid(segments))
}

// Channels returns the channel tags present in t, ascending.
func (t Transcripts) Channels() []int {
	tags := make([]int, 0, len(t))
	for tag := range t {
		tags = append(tags, tag)
	}
	sort.Ints(tags)
	return tags
}

// Flatten yields the tagged pairs of t channel by channel in ascending tag
// order. GroupByChannel(Flatten(t)) reproduces t.
func (t Transcripts) Flatten() iter.Seq[TaggedSegment] {
	return func(yield func(TaggedSegment) bool) {
		for _, tag := range t.Channels() {
			for _, text := range t[tag] {
				if !yield(TaggedSegment{Channel: tag, Text: text}) {
					return
				}
			}
		}
	}
}
