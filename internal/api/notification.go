package api

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/snarg/storage-transcribe/internal/pipeline"
)

// notification is the union of the finalize bodies the endpoint accepts:
//   - the native trigger object (content_type, numeric size)
//   - a GCS object resource (contentType, size as a decimal string)
//   - a Pub/Sub push envelope wrapping a GCS object resource
//   - an S3 event notification (Records[].s3)
type notification struct {
	Bucket           string            `json:"bucket"`
	Name             string            `json:"name"`
	ContentType      string            `json:"content_type"`
	ContentTypeCamel string            `json:"contentType"`
	Metadata         map[string]string `json:"metadata"`
	Size             json.Number       `json:"size"`

	Records []s3Record     `json:"Records"`
	Event   string         `json:"Event"` // "s3:TestEvent" when a notification is configured
	Message *pubsubMessage `json:"message"`
}

type s3Record struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

type pubsubMessage struct {
	Data       []byte            `json:"data"` // base64 in the envelope
	Attributes map[string]string `json:"attributes"`
}

// decodeNotification returns the objects a finalize body refers to. An S3
// test event or a non-create record yields no objects and no error.
func decodeNotification(body []byte) ([]pipeline.TriggerObject, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, err
	}

	switch {
	case n.Event == "s3:TestEvent":
		return nil, nil
	case n.Records != nil:
		return s3Objects(n.Records)
	case n.Message != nil:
		return pubsubObjects(n.Message)
	}
	obj, err := n.object()
	if err != nil {
		return nil, err
	}
	return []pipeline.TriggerObject{obj}, nil
}

func (n notification) object() (pipeline.TriggerObject, error) {
	obj := pipeline.TriggerObject{
		Bucket:      n.Bucket,
		Name:        n.Name,
		ContentType: n.ContentType,
		Metadata:    n.Metadata,
	}
	if obj.ContentType == "" {
		obj.ContentType = n.ContentTypeCamel
	}
	if n.Size != "" {
		size, err := strconv.ParseInt(n.Size.String(), 10, 64)
		if err != nil {
			return obj, fmt.Errorf("invalid size %q", n.Size)
		}
		obj.Size = size
	}
	return obj, nil
}

func s3Objects(records []s3Record) ([]pipeline.TriggerObject, error) {
	var objs []pipeline.TriggerObject
	for _, rec := range records {
		if rec.EventName != "" && !strings.HasPrefix(rec.EventName, "ObjectCreated:") {
			continue
		}
		// Keys arrive form-encoded: spaces as '+', other bytes as %XX.
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("invalid object key %q: %w", rec.S3.Object.Key, err)
		}
		objs = append(objs, pipeline.TriggerObject{
			Bucket: rec.S3.Bucket.Name,
			Name:   key,
			Size:   rec.S3.Object.Size,
		})
	}
	return objs, nil
}

func pubsubObjects(m *pubsubMessage) ([]pipeline.TriggerObject, error) {
	if t := m.Attributes["eventType"]; t != "" && t != "OBJECT_FINALIZE" {
		return nil, nil
	}
	if len(m.Data) == 0 {
		return []pipeline.TriggerObject{{
			Bucket: m.Attributes["bucketId"],
			Name:   m.Attributes["objectId"],
		}}, nil
	}
	var n notification
	if err := json.Unmarshal(m.Data, &n); err != nil {
		return nil, fmt.Errorf("pubsub message data: %w", err)
	}
	obj, err := n.object()
	if err != nil {
		return nil, err
	}
	return []pipeline.TriggerObject{obj}, nil
}
