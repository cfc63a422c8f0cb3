// Package recognize adapts speech-to-text backends to pipeline.Recognizer.
package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/pipeline"
	"github.com/snarg/storage-transcribe/internal/transcript"
	"golang.org/x/sync/errgroup"
)

// ChannelExtractor splits one channel of a multichannel WAV into a mono file.
type ChannelExtractor interface {
	ExtractChannel(ctx context.Context, input, output string, channel int) error
}

// WhisperOptions configures the Whisper recognizer.
type WhisperOptions struct {
	URL     string // OpenAI-compatible /v1/audio/transcriptions endpoint
	Model   string
	APIKey  string // sent as a bearer token when set
	Timeout time.Duration
	// Parallel bounds concurrent per-channel requests; 0 means 2.
	Parallel int
	// ScratchDir is the parent of per-request channel split dirs; "" = os.TempDir().
	ScratchDir string
	Log        zerolog.Logger
}

// Whisper recognizes audio through an OpenAI-compatible transcription API.
// Multichannel audio is split and each channel is submitted separately, so
// results are tagged with their 1-based channel number.
type Whisper struct {
	opts   WhisperOptions
	split  ChannelExtractor
	client *http.Client
	log    zerolog.Logger
}

// whisperResponse is the verbose_json response body.
type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	AvgLogprob float64 `json:"avg_logprob"`
}

func NewWhisper(opts WhisperOptions, split ChannelExtractor) *Whisper {
	if opts.Parallel <= 0 {
		opts.Parallel = 2
	}
	return &Whisper{
		opts:   opts,
		split:  split,
		client: &http.Client{Timeout: opts.Timeout},
		log:    opts.Log.With().Str("component", "whisper").Logger(),
	}
}

func (w *Whisper) Recognize(ctx context.Context, req pipeline.RecognizeRequest) (iter.Seq[transcript.Segment], error) {
	if req.File.LocalPath == "" {
		return nil, pipeline.Fail(pipeline.StageTranscribe, pipeline.KindUnsupportedAudio,
			"whisper needs a local copy of "+req.File.String(), nil)
	}
	if req.AudioChannelCount < 1 {
		return nil, pipeline.Fail(pipeline.StageTranscribe, pipeline.KindUnsupportedAudio,
			fmt.Sprintf("invalid channel count %d", req.AudioChannelCount), nil)
	}
	lang := whisperLanguage(req.LanguageCode)

	if req.AudioChannelCount == 1 {
		resp, err := w.transcribe(ctx, req.File.LocalPath, lang)
		if err != nil {
			return nil, err
		}
		return slices.Values(toSegments(1, resp)), nil
	}

	tmp, err := os.MkdirTemp(w.opts.ScratchDir, "whisper-*")
	if err != nil {
		return nil, fmt.Errorf("create channel dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	perChannel := make([][]transcript.Segment, req.AudioChannelCount)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Parallel)
	for ch := 1; ch <= req.AudioChannelCount; ch++ {
		g.Go(func() error {
			mono := filepath.Join(tmp, fmt.Sprintf("ch%d.wav", ch))
			if err := w.split.ExtractChannel(gctx, req.File.LocalPath, mono, ch); err != nil {
				return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindUnsupportedAudio,
					fmt.Sprintf("could not split channel %d", ch), err)
			}
			resp, err := w.transcribe(gctx, mono, lang)
			if err != nil {
				return err
			}
			perChannel[ch-1] = toSegments(ch, resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	w.log.Debug().Int("channels", req.AudioChannelCount).Str("file", req.File.String()).Msg("channels transcribed")
	return slices.Values(slices.Concat(perChannel...)), nil
}

// transcribe sends one mono or single-channel file and maps failures to
// transcribe-stage kinds.
func (w *Whisper) transcribe(ctx context.Context, audioPath, lang string) (*whisperResponse, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}
	if w.opts.Model != "" {
		mw.WriteField("model", w.opts.Model)
	}
	if lang != "" {
		mw.WriteField("language", lang)
	}
	mw.WriteField("response_format", "verbose_json")
	mw.WriteField("timestamp_granularities[]", "segment")
	mw.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.opts.URL, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if w.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.opts.APIKey)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, pipeline.Fail(pipeline.StageTranscribe, pipeline.KindBackendUnavailable,
			"whisper endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeline.Fail(pipeline.StageTranscribe, pipeline.KindBackendUnavailable, "read whisper response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusFailure(resp.StatusCode, body)
	}

	var result whisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, pipeline.Fail(pipeline.StageTranscribe, pipeline.KindRecognizeFailed, "decode whisper response", err)
	}
	return &result, nil
}

// statusFailure maps a non-200 HTTP response to a transcribe-stage failure.
func statusFailure(status int, body []byte) *pipeline.Failure {
	cause := errors.New(strings.TrimSpace(string(body)))
	msg := fmt.Sprintf("whisper API error (status %d)", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindAuthFailed, msg, cause)
	case status == http.StatusBadRequest || status == http.StatusUnsupportedMediaType ||
		status == http.StatusRequestEntityTooLarge:
		return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindUnsupportedAudio, msg, cause)
	case status == http.StatusTooManyRequests || status >= 500:
		return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindBackendUnavailable, msg, cause)
	}
	return pipeline.Fail(pipeline.StageTranscribe, pipeline.KindRecognizeFailed, msg, cause)
}

// toSegments converts a response to tagged segments. Servers that omit the
// segment list get the full text as a single segment.
func toSegments(channel int, resp *whisperResponse) []transcript.Segment {
	var out []transcript.Segment
	for _, s := range resp.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		out = append(out, transcript.Segment{
			ChannelTag: channel,
			Alternatives: []transcript.Alternative{{
				Transcript: text,
				Confidence: float32(math.Exp(s.AvgLogprob)),
			}},
		})
	}
	if len(resp.Segments) == 0 {
		if text := strings.TrimSpace(resp.Text); text != "" {
			out = append(out, transcript.Segment{
				ChannelTag:   channel,
				Alternatives: []transcript.Alternative{{Transcript: text}},
			})
		}
	}
	return out
}

// whisperLanguage reduces a BCP-47 tag like "en-US" to the ISO-639-1 code
// Whisper expects.
func whisperLanguage(code string) string {
	lang, _, _ := strings.Cut(code, "-")
	return strings.ToLower(lang)
}
