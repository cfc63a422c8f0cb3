package pipeline

import (
	"context"
	"iter"

	"github.com/snarg/storage-transcribe/internal/transcript"
)

// ObjectStore is the durable store holding source and derived files.
type ObjectStore interface {
	// Download copies bucket/name to the local path dst.
	Download(ctx context.Context, bucket, name, dst string) error
	// Upload stores a local file and returns a handle to the stored copy.
	Upload(ctx context.Context, req UploadRequest) (*FileHandle, error)
}

// UploadRequest describes a local file to store.
type UploadRequest struct {
	Bucket      string
	Name        string
	LocalPath   string
	ContentType string
	Metadata    map[string]string
}

// Transcoder converts an audio file of any container/codec to LINEAR16 WAV.
// Expected failures are returned as *Failure.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath string) (*Transcoded, error)
}

// RecognizeRequest is the input to a Recognizer.
type RecognizeRequest struct {
	File              FileHandle
	SampleRateHertz   int
	AudioChannelCount int
	LanguageCode      string
}

// Recognizer submits LINEAR16 audio to a speech backend. The returned sequence
// is finite and yields results in backend arrival order. Expected failures are
// returned as *Failure.
type Recognizer interface {
	Recognize(ctx context.Context, req RecognizeRequest) (iter.Seq[transcript.Segment], error)
}
