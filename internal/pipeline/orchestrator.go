// Package pipeline drives a single audio object through download, transcode,
// re-upload, transcription and outcome publication.
//
// Each run is sequential and all-or-nothing: the first stage failure ends the
// run with one "fail" event, a fully successful run ends with one "complete"
// event, and an object rejected by Validate produces no event at all.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/events"
	"github.com/snarg/storage-transcribe/internal/metrics"
	"github.com/snarg/storage-transcribe/internal/transcript"
)

// Outcome labels for runs.
const (
	OutcomeComplete = "complete"
	OutcomeFail     = "fail"
	OutcomeError    = "error"
	OutcomeSkipped  = "skipped"
)

// Options configures an Orchestrator. Publisher may be nil, in which case
// outcomes are only logged.
type Options struct {
	Store      ObjectStore
	Transcoder Transcoder
	Recognizer Recognizer
	Publisher  events.Publisher

	Namespace    string // event type namespace
	Source       string // event source attribute
	OutputBucket string // "" = source object's bucket
	OutputPrefix string // "" = source object's directory
	LanguageCode string
	ScratchDir   string // parent of per-run scratch dirs; "" = os.TempDir()

	Log zerolog.Logger
	Now func() time.Time
}

// Orchestrator runs the pipeline. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	opts Options
	log  zerolog.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Source == "" {
		opts.Source = "storage-transcribe"
	}
	return &Orchestrator{
		opts: opts,
		log:  opts.Log.With().Str("component", "pipeline").Logger(),
	}
}

// ObjectRef identifies the triggering object in event payloads.
type ObjectRef struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// CompletePayload is the data of a "complete" event.
type CompletePayload struct {
	Source            ObjectRef              `json:"source"`
	Transcoded        FileHandle             `json:"transcoded"`
	SampleRateHertz   int                    `json:"sample_rate_hertz"`
	AudioChannelCount int                    `json:"audio_channel_count"`
	Transcripts       transcript.Transcripts `json:"transcripts"`
	Warnings          []Warning              `json:"warnings,omitempty"`
}

// FailurePayload is the data of a "fail" event for a stage failure.
type FailurePayload struct {
	Source  ObjectRef `json:"source"`
	Stage   Stage     `json:"stage"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	Cause   string    `json:"cause,omitempty"`
}

// ErrorPayload is the data of a "fail" event for an unexpected run error.
type ErrorPayload struct {
	Source ObjectRef `json:"source"`
	Error  *RunError `json:"error"`
}

// Handle validates obj and runs it if valid. Skipped objects return
// OutcomeSkipped and a nil error.
func (o *Orchestrator) Handle(ctx context.Context, obj TriggerObject) (string, error) {
	if ok, reason := Validate(obj); !ok {
		metrics.TriggersSkippedTotal.WithLabelValues(string(reason)).Inc()
		o.log.Info().
			Str("bucket", obj.Bucket).
			Str("object", obj.Name).
			Str("content_type", obj.ContentType).
			Str("reason", string(reason)).
			Msg("object skipped")
		return OutcomeSkipped, nil
	}
	return o.Run(ctx, obj)
}

// Run processes a validated object and publishes exactly one outcome event.
// The returned error is nil on success, a *Failure for a stage failure, or a
// *RunError for anything unexpected, including panics; it is informational,
// the outcome has already been published.
func (o *Orchestrator) Run(ctx context.Context, obj TriggerObject) (outcome string, err error) {
	log := o.log.With().Str("bucket", obj.Bucket).Str("object", obj.Name).Logger()
	ref := ObjectRef{Bucket: obj.Bucket, Name: obj.Name}
	start := o.opts.Now()
	log.Info().Msg("run started")

	defer func() {
		if rv := recover(); rv != nil {
			outcome, err = o.unexpected(ctx, log, ref, ErrorFromAny(rv))
		}
		metrics.RunsTotal.WithLabelValues(outcome).Inc()
	}()

	payload, err := o.run(ctx, log, obj)
	if err == nil {
		log.Info().
			Int("channels", len(payload.Transcripts)).
			Dur("elapsed", o.opts.Now().Sub(start)).
			Msg("run complete")
		o.publish(ctx, log, events.KindComplete, obj, payload)
		return OutcomeComplete, nil
	}

	if f, ok := AsFailure(err); ok {
		metrics.StageFailuresTotal.WithLabelValues(string(f.Stage), f.Kind).Inc()
		log.Warn().Err(f.Cause).
			Str("stage", string(f.Stage)).
			Str("kind", f.Kind).
			Str("message", f.Message).
			Msg("stage failed")
		fp := FailurePayload{Source: ref, Stage: f.Stage, Kind: f.Kind, Message: f.Message}
		if f.Cause != nil {
			fp.Cause = f.Cause.Error()
		}
		o.publish(ctx, log, events.KindFail, obj, fp)
		return OutcomeFail, f
	}

	return o.unexpected(ctx, log, ref, ErrorFromAny(err))
}

func (o *Orchestrator) unexpected(ctx context.Context, log zerolog.Logger, ref ObjectRef, runErr *RunError) (string, error) {
	log.Error().Str("error_name", runErr.Name).Str("error", runErr.Message).Msg("run failed unexpectedly")
	o.publish(ctx, log, events.KindFail, TriggerObject{Bucket: ref.Bucket, Name: ref.Name}, ErrorPayload{Source: ref, Error: runErr})
	return OutcomeError, runErr
}

// run executes the stages. Stage failures come back as *Failure values; any
// other error is unexpected.
func (o *Orchestrator) run(ctx context.Context, log zerolog.Logger, obj TriggerObject) (*CompletePayload, error) {
	// 1. Local working copy
	scratch, err := os.MkdirTemp(o.opts.ScratchDir, "transcribe-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn().Err(err).Str("dir", scratch).Msg("failed to remove scratch dir")
		}
	}()
	log.Debug().Str("dir", scratch).Msg("scratch dir created")

	localCopy := filepath.Join(scratch, localBase(obj.Name))
	stageStart := o.opts.Now()
	log.Debug().Str("dst", localCopy).Msg("downloading source object")
	if err := o.opts.Store.Download(ctx, obj.Bucket, obj.Name, localCopy); err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", obj.Bucket, obj.Name, err)
	}
	o.observeStage(StageDownload, stageStart)
	log.Debug().Msg("source object downloaded")

	// 2. Transcode
	stageStart = o.opts.Now()
	tc, err := o.opts.Transcoder.Transcode(ctx, localCopy)
	if err != nil {
		return nil, err
	}
	o.observeStage(StageTranscode, stageStart)
	for _, w := range tc.Warnings {
		log.Warn().Str("kind", w.Kind).Msg(w.Message)
	}
	log.Debug().
		Int("sample_rate_hertz", tc.SampleRateHertz).
		Int("channels", tc.AudioChannelCount).
		Msg("transcoded to linear16")

	// 3. Re-upload under a collision-resistant name
	stageStart = o.opts.Now()
	handle, err := o.upload(ctx, obj, tc)
	if err != nil {
		return nil, err
	}
	o.observeStage(StageUpload, stageStart)
	log.Debug().Str("file", handle.String()).Msg("transcoded file uploaded")

	// 4. Transcribe and merge. The scratch copy stays readable for
	// recognizers that send bytes rather than a store URI.
	file := *handle
	if file.LocalPath == "" {
		file.LocalPath = tc.LocalPath
	}
	stageStart = o.opts.Now()
	segments, err := o.opts.Recognizer.Recognize(ctx, RecognizeRequest{
		File:              file,
		SampleRateHertz:   tc.SampleRateHertz,
		AudioChannelCount: tc.AudioChannelCount,
		LanguageCode:      o.opts.LanguageCode,
	})
	if err != nil {
		return nil, err
	}
	transcripts := transcript.Merge(segments)
	if len(transcripts) == 0 {
		return nil, Fail(StageTranscribe, KindNoTranscription, "recognizer returned no tagged transcripts", nil)
	}
	o.observeStage(StageTranscribe, stageStart)
	log.Debug().Ints("channels", transcripts.Channels()).Msg("transcription merged")

	return &CompletePayload{
		Source:            ObjectRef{Bucket: obj.Bucket, Name: obj.Name},
		Transcoded:        *handle,
		SampleRateHertz:   tc.SampleRateHertz,
		AudioChannelCount: tc.AudioChannelCount,
		Transcripts:       transcripts,
		Warnings:          tc.Warnings,
	}, nil
}

// observeStage records a stage's duration on the orchestrator's clock.
func (o *Orchestrator) observeStage(stage Stage, start time.Time) {
	metrics.ObserveStage(string(stage), o.opts.Now().Sub(start))
}

func (o *Orchestrator) upload(ctx context.Context, obj TriggerObject, tc *Transcoded) (*FileHandle, error) {
	bucket := o.opts.OutputBucket
	if bucket == "" {
		bucket = obj.Bucket
	}
	name := OutputName(o.opts.OutputPrefix, obj.Name, TranscodedFilename(o.opts.Now(), obj.Base()))

	handle, err := o.opts.Store.Upload(ctx, UploadRequest{
		Bucket:      bucket,
		Name:        name,
		LocalPath:   tc.LocalPath,
		ContentType: "audio/wav",
		Metadata:    map[string]string{MetadataTranscodeOutput: "true"},
	})
	if err != nil {
		if f, ok := AsFailure(err); ok {
			return nil, f
		}
		return nil, Fail(StageUpload, KindUploadFailed, fmt.Sprintf("upload %s/%s", bucket, name), err)
	}
	return handle, nil
}

// publish sends an outcome event if a publisher is configured. Errors and
// panics from the publisher are logged and swallowed.
func (o *Orchestrator) publish(ctx context.Context, log zerolog.Logger, kind string, obj TriggerObject, data any) {
	if o.opts.Publisher == nil {
		return
	}
	e := events.New(events.Type(o.opts.Namespace, kind), o.opts.Source, obj.Bucket+"/"+obj.Name, data)

	var err error
	func() {
		defer func() {
			if rv := recover(); rv != nil {
				err = ErrorFromAny(rv)
			}
		}()
		err = o.opts.Publisher.Publish(context.WithoutCancel(ctx), e)
	}()

	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(kind, "error").Inc()
		log.Error().Err(err).Str("event_type", e.Type).Msg("failed to publish outcome event")
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(kind, "ok").Inc()
	log.Debug().Str("event_type", e.Type).Str("event_id", e.ID).Msg("outcome event published")
}

func localBase(name string) string {
	base := path.Base(name)
	if base == "." || base == "/" || base == "" {
		return "source"
	}
	return base
}
