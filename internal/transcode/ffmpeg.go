// Package transcode converts uploaded audio to LINEAR16 (16-bit signed
// little-endian PCM) WAV using ffprobe and ffmpeg.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/pipeline"
)

// Warning kinds.
const (
	WarnMultipleAudioStreams = "multiple_audio_streams"
	WarnSampleRateClamped    = "sample_rate_clamped"
)

// runner executes a command and returns its stdout. stderr is folded into the
// error on failure.
type runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// Options configures the FFmpeg transcoder.
type Options struct {
	FFmpegPath  string // default "ffmpeg"
	FFprobePath string // default "ffprobe"
	// SampleRate forces the output rate; 0 keeps the probed rate.
	SampleRate int
	// MaxSampleRate resamples anything faster down to it; 0 disables.
	MaxSampleRate int
	Log           zerolog.Logger
}

// FFmpeg implements pipeline.Transcoder by shelling out to ffprobe/ffmpeg.
type FFmpeg struct {
	opts Options
	run  runner
	log  zerolog.Logger
}

func NewFFmpeg(opts Options) *FFmpeg {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	return &FFmpeg{
		opts: opts,
		run:  execRunner,
		log:  opts.Log.With().Str("component", "transcode").Logger(),
	}
}

// Check verifies that ffmpeg and ffprobe are in PATH. Call once at startup.
func (f *FFmpeg) Check() error {
	for _, bin := range []string{f.opts.FFmpegPath, f.opts.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

// Probe reports the first audio stream of inputPath.
func (f *FFmpeg) Probe(ctx context.Context, inputPath string) (*AudioInfo, error) {
	out, err := f.run(ctx, f.opts.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		inputPath,
	)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("ffprobe: %w", err)
		}
		return nil, pipeline.Fail(pipeline.StageTranscode, pipeline.KindProbeFailed,
			"could not read audio file (unreadable, corrupt or unsupported)", err)
	}
	info, err := parseProbe(out)
	if err != nil {
		return nil, pipeline.Fail(pipeline.StageTranscode, pipeline.KindProbeFailed, "unexpected ffprobe output", err)
	}
	return info, nil
}

// Transcode converts inputPath to a LINEAR16 WAV next to it.
func (f *FFmpeg) Transcode(ctx context.Context, inputPath string) (*pipeline.Transcoded, error) {
	info, err := f.Probe(ctx, inputPath)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, pipeline.Fail(pipeline.StageTranscode, pipeline.KindNoAudioStream, "file contains no audio stream", nil)
	}
	if info.Channels <= 0 {
		return nil, pipeline.Fail(pipeline.StageTranscode, pipeline.KindInvalidChannelCount,
			fmt.Sprintf("audio stream reports %d channels", info.Channels), nil)
	}
	if info.SampleRate <= 0 && f.opts.SampleRate <= 0 {
		return nil, pipeline.Fail(pipeline.StageTranscode, pipeline.KindInvalidSampleRate,
			"audio stream has no sample rate", nil)
	}

	var warnings []pipeline.Warning
	if info.AudioStreams > 1 {
		warnings = append(warnings, pipeline.Warning{
			Kind:    WarnMultipleAudioStreams,
			Message: fmt.Sprintf("file has %d audio streams, only the first is transcribed", info.AudioStreams),
		})
	}

	rate := info.SampleRate
	if f.opts.SampleRate > 0 {
		rate = f.opts.SampleRate
	}
	if f.opts.MaxSampleRate > 0 && rate > f.opts.MaxSampleRate {
		warnings = append(warnings, pipeline.Warning{
			Kind:    WarnSampleRateClamped,
			Message: fmt.Sprintf("sample rate %d Hz resampled to %d Hz", rate, f.opts.MaxSampleRate),
		})
		rate = f.opts.MaxSampleRate
	}

	outPath := outputPath(inputPath)
	if _, err := f.run(ctx, f.opts.FFmpegPath, transcodeArgs(inputPath, outPath, rate, info.Channels)...); err != nil {
		os.Remove(outPath)
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("ffmpeg: %w", err)
		}
		return nil, pipeline.Fail(pipeline.StageTranscode, pipeline.KindTranscodeFailed,
			fmt.Sprintf("ffmpeg could not convert %s codec to linear16", info.Codec), err)
	}

	f.log.Debug().
		Str("input", inputPath).
		Str("codec", info.Codec).
		Int("sample_rate", rate).
		Int("channels", info.Channels).
		Msg("transcoded")

	return &pipeline.Transcoded{
		LocalPath:         outPath,
		SampleRateHertz:   rate,
		AudioChannelCount: info.Channels,
		Warnings:          warnings,
	}, nil
}

// ExtractChannel writes channel (1-based) of a WAV file to output as mono
// LINEAR16.
func (f *FFmpeg) ExtractChannel(ctx context.Context, input, output string, channel int) error {
	if channel < 1 {
		return fmt.Errorf("invalid channel %d", channel)
	}
	_, err := f.run(ctx, f.opts.FFmpegPath,
		"-y",
		"-v", "error",
		"-i", input,
		"-af", fmt.Sprintf("pan=mono|c0=c%d", channel-1),
		"-acodec", "pcm_s16le",
		"-f", "wav",
		output,
	)
	if err != nil {
		os.Remove(output)
		return fmt.Errorf("extract channel %d: %w", channel, err)
	}
	return nil
}

func outputPath(inputPath string) string {
	return strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".linear16.wav"
}

// transcodeArgs builds the ffmpeg invocation: first audio stream only,
// 16-bit PCM, channel count preserved.
func transcodeArgs(input, output string, rate, channels int) []string {
	return []string{
		"-y",
		"-v", "error",
		"-i", input,
		"-map", "0:a:0",
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(rate),
		"-ac", strconv.Itoa(channels),
		"-f", "wav",
		output,
	}
}
