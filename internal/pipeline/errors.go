package pipeline

import (
	"errors"
	"fmt"
)

// Stage names a step of a run.
type Stage string

const (
	StageDownload   Stage = "download"
	StageTranscode  Stage = "transcode"
	StageUpload     Stage = "upload"
	StageTranscribe Stage = "transcribe"
	StagePublish    Stage = "publish"
)

// Failure kinds reported by the stages.
const (
	KindProbeFailed         = "probe_failed"
	KindNoAudioStream       = "no_audio_stream"
	KindInvalidChannelCount = "invalid_channel_count"
	KindInvalidSampleRate   = "invalid_sample_rate"
	KindTranscodeFailed     = "transcode_failed"

	KindUploadFailed = "upload_failed"

	KindBackendUnavailable = "backend_unavailable"
	KindUnsupportedAudio   = "unsupported_audio"
	KindAuthFailed         = "auth_failed"
	KindRecognizeFailed    = "recognize_failed"
	KindNoTranscription    = "no_transcription"
)

// Failure is an expected stage failure. Adapters return it as their error
// value; the orchestrator publishes it and ends the run.
type Failure struct {
	Stage   Stage
	Kind    string
	Message string
	Cause   error
}

// Fail builds a Failure for the given stage.
func Fail(stage Stage, kind, message string, cause error) *Failure {
	return &Failure{Stage: stage, Kind: kind, Message: message, Cause: cause}
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", f.Stage, f.Kind, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", f.Stage, f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Cause }

// AsFailure reports whether err carries a Failure.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// RunError is an unexpected run failure normalized at the run boundary.
type RunError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	cause   error
}

// NonErrorName is the RunError name used for panics with a non-error value.
const NonErrorName = "Thrown non-error object"

func (e *RunError) Error() string { return e.Message }

func (e *RunError) Unwrap() error { return e.cause }

// ErrorFromAny normalizes an arbitrary recovered value or error. Errors keep
// their message; any other value is rendered with fmt.Sprint.
func ErrorFromAny(v any) *RunError {
	switch x := v.(type) {
	case nil:
		return &RunError{Name: "Error", Message: "unknown error"}
	case *RunError:
		return x
	case error:
		return &RunError{Name: errorName(x), Message: x.Error(), cause: x}
	default:
		return &RunError{Name: NonErrorName, Message: fmt.Sprint(x)}
	}
}

func errorName(err error) string {
	if f, ok := AsFailure(err); ok {
		return string(f.Stage) + "_failure"
	}
	return "Error"
}
