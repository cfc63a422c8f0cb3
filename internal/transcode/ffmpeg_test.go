package transcode

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/pipeline"
)

type call struct {
	name string
	args []string
}

// fakeRunner answers ffprobe with probeJSON and ffmpeg with ffmpegErr.
type fakeRunner struct {
	probeJSON string
	probeErr  error
	ffmpegErr error
	calls     []call
}

func (r *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, call{name: name, args: args})
	switch name {
	case "ffprobe":
		if r.probeErr != nil {
			return nil, r.probeErr
		}
		return []byte(r.probeJSON), nil
	case "ffmpeg":
		return nil, r.ffmpegErr
	}
	return nil, fmt.Errorf("unexpected command %s", name)
}

func newTestFFmpeg(r *fakeRunner, opts Options) *FFmpeg {
	opts.Log = zerolog.Nop()
	f := NewFFmpeg(opts)
	f.run = r.run
	return f
}

const stereoMP3 = `{"streams":[{"index":0,"codec_type":"audio","codec_name":"mp3","sample_rate":"44100","channels":2}]}`

func TestParseProbe(t *testing.T) {
	t.Run("first_audio_stream", func(t *testing.T) {
		info, err := parseProbe([]byte(`{"streams":[
			{"index":0,"codec_type":"video","codec_name":"h264"},
			{"index":1,"codec_type":"audio","codec_name":"aac","sample_rate":"48000","channels":6},
			{"index":2,"codec_type":"audio","codec_name":"ac3","sample_rate":"44100","channels":2}
		]}`))
		if err != nil {
			t.Fatalf("parseProbe: %v", err)
		}
		if info.Codec != "aac" || info.SampleRate != 48000 || info.Channels != 6 {
			t.Errorf("info = %+v", info)
		}
		if info.AudioStreams != 2 {
			t.Errorf("AudioStreams = %d, want 2", info.AudioStreams)
		}
	})

	t.Run("no_audio", func(t *testing.T) {
		info, err := parseProbe([]byte(`{"streams":[{"codec_type":"video"}]}`))
		if err != nil || info != nil {
			t.Errorf("got %+v, %v; want nil, nil", info, err)
		}
	})

	t.Run("bad_rate", func(t *testing.T) {
		if _, err := parseProbe([]byte(`{"streams":[{"codec_type":"audio","sample_rate":"fast"}]}`)); err == nil {
			t.Error("expected error for non-numeric sample rate")
		}
	})

	t.Run("bad_json", func(t *testing.T) {
		if _, err := parseProbe([]byte(`not json`)); err == nil {
			t.Error("expected error")
		}
	})
}

func TestTranscode_Success(t *testing.T) {
	r := &fakeRunner{probeJSON: stereoMP3}
	f := newTestFFmpeg(r, Options{})

	out, err := f.Transcode(context.Background(), "/tmp/run/meeting.mp3")
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if out.LocalPath != "/tmp/run/meeting.linear16.wav" {
		t.Errorf("LocalPath = %q", out.LocalPath)
	}
	if out.SampleRateHertz != 44100 || out.AudioChannelCount != 2 {
		t.Errorf("params = %d/%d", out.SampleRateHertz, out.AudioChannelCount)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", out.Warnings)
	}

	if len(r.calls) != 2 || r.calls[1].name != "ffmpeg" {
		t.Fatalf("calls = %+v", r.calls)
	}
	args := r.calls[1].args
	for _, want := range [][]string{{"-acodec", "pcm_s16le"}, {"-ar", "44100"}, {"-ac", "2"}, {"-f", "wav"}} {
		i := slices.Index(args, want[0])
		if i < 0 || i+1 >= len(args) || args[i+1] != want[1] {
			t.Errorf("ffmpeg args %v missing %v", args, want)
		}
	}
}

func TestTranscode_Failures(t *testing.T) {
	tests := []struct {
		name string
		r    *fakeRunner
		kind string
	}{
		{"probe_error", &fakeRunner{probeErr: errors.New("exit status 1: Invalid data found")}, pipeline.KindProbeFailed},
		{"probe_garbage", &fakeRunner{probeJSON: "garbage"}, pipeline.KindProbeFailed},
		{"no_audio", &fakeRunner{probeJSON: `{"streams":[]}`}, pipeline.KindNoAudioStream},
		{"zero_channels", &fakeRunner{probeJSON: `{"streams":[{"codec_type":"audio","sample_rate":"8000","channels":0}]}`}, pipeline.KindInvalidChannelCount},
		{"no_rate", &fakeRunner{probeJSON: `{"streams":[{"codec_type":"audio","channels":1}]}`}, pipeline.KindInvalidSampleRate},
		{"ffmpeg_error", &fakeRunner{probeJSON: stereoMP3, ffmpegErr: errors.New("exit status 1")}, pipeline.KindTranscodeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFFmpeg(tt.r, Options{})
			_, err := f.Transcode(context.Background(), "/tmp/x.ogg")
			fail, ok := pipeline.AsFailure(err)
			if !ok {
				t.Fatalf("err = %v, want *pipeline.Failure", err)
			}
			if fail.Kind != tt.kind || fail.Stage != pipeline.StageTranscode {
				t.Errorf("failure = %s/%s, want transcode/%s", fail.Stage, fail.Kind, tt.kind)
			}
		})
	}
}

func TestTranscode_MissingBinaryIsUnexpected(t *testing.T) {
	r := &fakeRunner{probeErr: &exec.Error{Name: "ffprobe", Err: exec.ErrNotFound}}
	f := newTestFFmpeg(r, Options{})

	_, err := f.Transcode(context.Background(), "/tmp/x.ogg")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := pipeline.AsFailure(err); ok {
		t.Error("missing binary should not be a stage failure")
	}
}

func TestTranscode_Warnings(t *testing.T) {
	r := &fakeRunner{probeJSON: `{"streams":[
		{"codec_type":"audio","codec_name":"flac","sample_rate":"96000","channels":2},
		{"codec_type":"audio","codec_name":"flac","sample_rate":"96000","channels":2}
	]}`}
	f := newTestFFmpeg(r, Options{MaxSampleRate: 48000})

	out, err := f.Transcode(context.Background(), "/tmp/x.flac")
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if out.SampleRateHertz != 48000 {
		t.Errorf("rate = %d, want 48000", out.SampleRateHertz)
	}
	var kinds []string
	for _, w := range out.Warnings {
		kinds = append(kinds, w.Kind)
	}
	if !slices.Equal(kinds, []string{WarnMultipleAudioStreams, WarnSampleRateClamped}) {
		t.Errorf("warnings = %v", kinds)
	}
}

func TestTranscode_ForcedSampleRate(t *testing.T) {
	r := &fakeRunner{probeJSON: `{"streams":[{"codec_type":"audio","channels":1}]}`}
	f := newTestFFmpeg(r, Options{SampleRate: 16000})

	out, err := f.Transcode(context.Background(), "/tmp/x.amr")
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if out.SampleRateHertz != 16000 || out.AudioChannelCount != 1 {
		t.Errorf("params = %d/%d", out.SampleRateHertz, out.AudioChannelCount)
	}
}

func TestExtractChannel(t *testing.T) {
	r := &fakeRunner{}
	f := newTestFFmpeg(r, Options{})

	if err := f.ExtractChannel(context.Background(), "/tmp/in.wav", "/tmp/ch2.wav", 2); err != nil {
		t.Fatalf("ExtractChannel: %v", err)
	}
	args := r.calls[0].args
	i := slices.Index(args, "-af")
	if i < 0 || args[i+1] != "pan=mono|c0=c1" {
		t.Errorf("args = %v, want pan filter for c1", args)
	}
	if args[len(args)-1] != "/tmp/ch2.wav" {
		t.Errorf("output = %q", args[len(args)-1])
	}

	if err := f.ExtractChannel(context.Background(), "/tmp/in.wav", "/tmp/x.wav", 0); err == nil {
		t.Error("channel 0 should be rejected")
	}
}
