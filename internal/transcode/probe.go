package transcode

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// probeOutput is the subset of `ffprobe -print_format json -show_streams`
// output we use.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
}

type probeStream struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	SampleRate string `json:"sample_rate"` // ffprobe reports this as a string
	Channels   int    `json:"channels"`
}

// AudioInfo describes the first audio stream of a file.
type AudioInfo struct {
	Codec        string
	SampleRate   int
	Channels     int
	AudioStreams int
}

func parseProbe(data []byte) (*AudioInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var info *AudioInfo
	count := 0
	for _, s := range out.Streams {
		if s.CodecType != "audio" {
			continue
		}
		count++
		if info != nil {
			continue
		}
		rate := 0
		if s.SampleRate != "" {
			r, err := strconv.Atoi(s.SampleRate)
			if err != nil {
				return nil, fmt.Errorf("parse sample rate %q: %w", s.SampleRate, err)
			}
			rate = r
		}
		info = &AudioInfo{Codec: s.CodecName, SampleRate: rate, Channels: s.Channels}
	}
	if info == nil {
		return nil, nil
	}
	info.AudioStreams = count
	return info, nil
}
