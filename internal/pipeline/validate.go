package pipeline

import "strings"

// SkipReason explains why Validate rejected an object.
type SkipReason string

const (
	SkipNone          SkipReason = ""
	SkipAlreadyOutput SkipReason = "already_processed"
	SkipNoContentType SkipReason = "no_content_type"
	SkipNotAudio      SkipReason = "not_audio"
	SkipNoObjectName  SkipReason = "no_object_name"
)

// Validate reports whether obj should be processed. Objects the pipeline wrote
// itself are always rejected so that its output cannot retrigger it.
func Validate(obj TriggerObject) (bool, SkipReason) {
	if obj.IsTranscodeOutput() {
		return false, SkipAlreadyOutput
	}
	if obj.ContentType == "" {
		return false, SkipNoContentType
	}
	if !strings.HasPrefix(obj.ContentType, "audio/") {
		return false, SkipNotAudio
	}
	if obj.Name == "" {
		return false, SkipNoObjectName
	}
	return true, SkipNone
}
