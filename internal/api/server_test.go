package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/snarg/storage-transcribe/internal/ingest"
	"github.com/snarg/storage-transcribe/internal/pipeline"
	"github.com/snarg/storage-transcribe/internal/storage"
)

type fakeStatter struct {
	obj   *pipeline.TriggerObject
	err   error
	calls int
}

func (s *fakeStatter) Stat(_ context.Context, bucket, name string) (*pipeline.TriggerObject, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	o := *s.obj
	o.Bucket, o.Name = bucket, name
	return &o, nil
}

type fakeQueue struct {
	full bool
	objs []pipeline.TriggerObject
}

func (q *fakeQueue) Enqueue(obj pipeline.TriggerObject, source string) bool {
	if q.full {
		return false
	}
	q.objs = append(q.objs, obj)
	return true
}

func (q *fakeQueue) Stats() ingest.QueueStats {
	return ingest.QueueStats{Pending: len(q.objs), Completed: 3}
}

type fakeConn bool

func (c fakeConn) IsConnected() bool { return bool(c) }

func newTestRouter(store ObjectStatter, q *fakeQueue, token string) http.Handler {
	return NewRouter(ServerOptions{
		Config: &config.Config{AuthToken: token},
		Store:  store,
		Queue:  q,
		Health: HealthOptions{Queue: q, StoreType: "local", Recognizer: "whisper", StartTime: time.Now()},
		Log:    zerolog.Nop(),
	})
}

func postFinalize(h http.Handler, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/objects/finalize", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestFinalize_QueuesCompleteObject(t *testing.T) {
	store := &fakeStatter{obj: &pipeline.TriggerObject{}}
	q := &fakeQueue{}
	h := newTestRouter(store, q, "")

	rec := postFinalize(h, `{"bucket":"calls","name":"a/b.mp3","content_type":"audio/mpeg","metadata":{}}`, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if store.calls != 0 {
		t.Error("complete notification should not hit the store")
	}
	if len(q.objs) != 1 || q.objs[0].Name != "a/b.mp3" || q.objs[0].ContentType != "audio/mpeg" {
		t.Errorf("queued %+v", q.objs)
	}

	var resp FinalizeResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "queued" || len(resp.Objects) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFinalize_NotificationShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []pipeline.TriggerObject
	}{
		{
			name: "gcs_object_resource",
			body: `{"kind":"storage#object","bucket":"uploads","name":"calls/a.mp3",` +
				`"contentType":"audio/mpeg","size":"12345","metadata":{"team":"ops"}}`,
			want: []pipeline.TriggerObject{{
				Bucket: "uploads", Name: "calls/a.mp3", ContentType: "audio/mpeg",
				Size: 12345, Metadata: map[string]string{"team": "ops"},
			}},
		},
		{
			name: "pubsub_push",
			// data is base64 of {"bucket":"uploads","name":"b.wav","contentType":"audio/wav","size":"7","metadata":{}}
			body: `{"message":{"attributes":{"eventType":"OBJECT_FINALIZE"},"data":"` +
				`eyJidWNrZXQiOiJ1cGxvYWRzIiwibmFtZSI6ImIud2F2IiwiY29udGVudFR5cGUiOiJhdWRpby93YXYiLCJzaXplIjoiNyIsIm1ldGFkYXRhIjp7fX0="},` +
				`"subscription":"projects/p/subscriptions/s"}`,
			want: []pipeline.TriggerObject{{
				Bucket: "uploads", Name: "b.wav", ContentType: "audio/wav", Size: 7, Metadata: map[string]string{},
			}},
		},
		{
			name: "s3_records",
			body: `{"Records":[` +
				`{"eventSource":"aws:s3","eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"calls"},"object":{"key":"2024/my+call%281%29.mp3","size":99}}},` +
				`{"eventSource":"aws:s3","eventName":"ObjectRemoved:Delete","s3":{"bucket":{"name":"calls"},"object":{"key":"gone.mp3"}}}]}`,
			want: []pipeline.TriggerObject{{
				Bucket: "calls", Name: "2024/my call(1).mp3", ContentType: "audio/mpeg", Size: 99,
				Metadata: map[string]string{},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStatter{obj: &pipeline.TriggerObject{ContentType: "audio/mpeg", Metadata: map[string]string{}}}
			q := &fakeQueue{}
			rec := postFinalize(newTestRouter(store, q, ""), tt.body, "")
			if rec.Code != http.StatusAccepted {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			if len(q.objs) != len(tt.want) {
				t.Fatalf("queued %+v, want %+v", q.objs, tt.want)
			}
			for i, want := range tt.want {
				got := q.objs[i]
				if got.Bucket != want.Bucket || got.Name != want.Name || got.ContentType != want.ContentType ||
					got.Size != want.Size || len(got.Metadata) != len(want.Metadata) {
					t.Errorf("queued[%d] = %+v, want %+v", i, got, want)
				}
				for k, v := range want.Metadata {
					if got.Metadata[k] != v {
						t.Errorf("metadata[%q] = %q, want %q", k, got.Metadata[k], v)
					}
				}
			}
		})
	}
}

func TestFinalize_GCSResourceSkipsStoreLookup(t *testing.T) {
	store := &fakeStatter{obj: &pipeline.TriggerObject{}}
	q := &fakeQueue{}
	body := `{"bucket":"uploads","name":"a.mp3","contentType":"audio/mpeg","size":"1","metadata":{"isTranscodeOutput":"true"}}`
	if rec := postFinalize(newTestRouter(store, q, ""), body, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.calls != 0 {
		t.Error("complete GCS resource should not hit the store")
	}
	if !q.objs[0].IsTranscodeOutput() {
		t.Error("transcode marker lost in decoding")
	}
}

func TestFinalize_IgnoredNotifications(t *testing.T) {
	for name, body := range map[string]string{
		"s3_test_event": `{"Service":"Amazon S3","Event":"s3:TestEvent","Bucket":"calls"}`,
		"no_records":    `{"Records":[]}`,
		"s3_delete":     `{"Records":[{"eventName":"ObjectRemoved:Delete","s3":{"bucket":{"name":"b"},"object":{"key":"a.mp3"}}}]}`,
		"gcs_delete":    `{"message":{"attributes":{"eventType":"OBJECT_DELETE","bucketId":"b","objectId":"a.mp3"}}}`,
	} {
		t.Run(name, func(t *testing.T) {
			q := &fakeQueue{}
			rec := postFinalize(newTestRouter(&fakeStatter{}, q, ""), body, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			if len(q.objs) != 0 {
				t.Errorf("queued %+v", q.objs)
			}
		})
	}
}

func TestFinalize_EnrichesFromStore(t *testing.T) {
	store := &fakeStatter{obj: &pipeline.TriggerObject{
		ContentType: "audio/wav",
		Metadata:    map[string]string{pipeline.MetadataTranscodeOutput: "true"},
		Size:        42,
	}}
	q := &fakeQueue{}
	rec := postFinalize(newTestRouter(store, q, ""), `{"bucket":"calls","name":"x.wav"}`, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	got := q.objs[0]
	if got.ContentType != "audio/wav" || !got.IsTranscodeOutput() || got.Size != 42 {
		t.Errorf("queued %+v, want store attributes", got)
	}
}

func TestFinalize_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		store  *fakeStatter
		full   bool
		status int
	}{
		{"bad_json", `{`, &fakeStatter{}, false, http.StatusBadRequest},
		{"no_bucket", `{"name":"a.mp3"}`, &fakeStatter{}, false, http.StatusBadRequest},
		{"no_name", `{"bucket":"b"}`, &fakeStatter{}, false, http.StatusBadRequest},
		{"bad_size", `{"bucket":"b","name":"a.mp3","size":"12kb"}`, &fakeStatter{}, false, http.StatusBadRequest},
		{"too_large", `{"bucket":"b","name":"` + strings.Repeat("x", maxFinalizeBody) + `"}`, &fakeStatter{}, false, http.StatusRequestEntityTooLarge},
		{"not_found", `{"bucket":"b","name":"a.mp3"}`, &fakeStatter{err: storage.ErrNotFound}, false, http.StatusNotFound},
		{"store_error", `{"bucket":"b","name":"a.mp3"}`, &fakeStatter{err: errors.New("timeout")}, false, http.StatusBadGateway},
		{"queue_full", `{"bucket":"b","name":"a.mp3","content_type":"audio/ogg","metadata":{}}`, &fakeStatter{}, true, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postFinalize(newTestRouter(tt.store, &fakeQueue{full: tt.full}, ""), tt.body, "")
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body)
			}
		})
	}
}

func TestFinalize_RequiresToken(t *testing.T) {
	q := &fakeQueue{}
	h := newTestRouter(&fakeStatter{obj: &pipeline.TriggerObject{}}, q, "s3cret")
	body := `{"bucket":"b","name":"a.mp3","content_type":"audio/ogg","metadata":{}}`

	if rec := postFinalize(h, body, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := postFinalize(h, body, "s3cret"); rec.Code != http.StatusAccepted {
		t.Errorf("with token: status = %d, want 202", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	t.Run("healthy_without_auth", func(t *testing.T) {
		h := newTestRouter(&fakeStatter{}, &fakeQueue{}, "s3cret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var resp HealthResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Status != "healthy" || resp.Checks["events"] != "not_configured" || resp.Checks["store"] != "local" {
			t.Errorf("resp = %+v", resp)
		}
		if resp.Queue == nil || resp.Queue.Completed != 3 {
			t.Errorf("queue = %+v", resp.Queue)
		}
	})

	t.Run("degraded_when_events_disconnected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHealthHandler(HealthOptions{Queue: &fakeQueue{}, Events: fakeConn(false)}).
			ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
		var resp HealthResponse
		json.NewDecoder(rec.Body).Decode(&resp)
		if rec.Code != http.StatusOK || resp.Status != "degraded" {
			t.Errorf("status = %d/%q, want 200/degraded", rec.Code, resp.Status)
		}
	})

	t.Run("unhealthy_without_queue", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHealthHandler(HealthOptions{}).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(&fakeStatter{}, &fakeQueue{}, "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "storage_transcribe_http_requests_total") {
		t.Error("metrics output missing http request counter")
	}
}
