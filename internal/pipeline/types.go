package pipeline

import (
	"fmt"
	"path"
)

// MetadataTranscodeOutput is the custom metadata key set on every file the
// pipeline writes back to the store.
const MetadataTranscodeOutput = "isTranscodeOutput"

// TriggerObject describes a finalized object in the store. It is supplied once
// per run by the trigger and never modified.
type TriggerObject struct {
	Bucket      string            `json:"bucket"`
	Name        string            `json:"name"`
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Size        int64             `json:"size,omitempty"`
}

// Base returns the object's base filename.
func (o TriggerObject) Base() string { return path.Base(o.Name) }

// IsTranscodeOutput reports whether the object was written by the pipeline.
func (o TriggerObject) IsTranscodeOutput() bool {
	return o.Metadata[MetadataTranscodeOutput] == "true"
}

// FileHandle identifies an uploaded file in the store. LocalPath is set when
// the bytes are also available on local disk.
type FileHandle struct {
	Bucket    string `json:"bucket"`
	Name      string `json:"name"`
	URI       string `json:"uri"`
	LocalPath string `json:"-"`
}

func (h FileHandle) String() string {
	if h.URI != "" {
		return h.URI
	}
	return fmt.Sprintf("%s/%s", h.Bucket, h.Name)
}

// Warning is a non-fatal condition noticed by a stage.
type Warning struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Transcoded is a successful transcode: a LINEAR16 WAV file on local disk
// and the parameters the recognizer needs.
type Transcoded struct {
	LocalPath         string
	SampleRateHertz   int
	AudioChannelCount int
	Warnings          []Warning
}
