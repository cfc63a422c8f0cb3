package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/ingest"
	"github.com/snarg/storage-transcribe/internal/pipeline"
	"github.com/snarg/storage-transcribe/internal/storage"
)

// ObjectStatter looks up object attributes in the store.
type ObjectStatter interface {
	Stat(ctx context.Context, bucket, name string) (*pipeline.TriggerObject, error)
}

// FinalizeResponse acknowledges an accepted notification.
type FinalizeResponse struct {
	Status  string                   `json:"status"`
	Objects []pipeline.TriggerObject `json:"objects"`
}

// FinalizeHandler accepts object-finalize notifications from remote stores
// (or anything else that wants an object transcribed) and queues a run.
type FinalizeHandler struct {
	store ObjectStatter
	queue ingest.Enqueuer
	log   zerolog.Logger
}

func NewFinalizeHandler(store ObjectStatter, queue ingest.Enqueuer, log zerolog.Logger) *FinalizeHandler {
	return &FinalizeHandler{
		store: store,
		queue: queue,
		log:   log.With().Str("component", "finalize").Logger(),
	}
}

func (h *FinalizeHandler) Routes(r chi.Router) {
	r.Post("/api/v1/objects/finalize", h.Finalize)
}

// Finalize decodes a finalize notification: a trigger object, a GCS object
// resource (directly or in a Pub/Sub push envelope) or an S3 event. When a
// notification omits the content type or metadata, they are filled in from
// the store so loop prevention and audio filtering see the object's real
// attributes. Validation itself happens in the run, so a skipped object is
// still accepted here.
func (h *FinalizeHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		WriteErrorDetail(w, http.StatusBadRequest, "could not read body", err.Error())
		return
	}
	objs, err := decodeNotification(body)
	if err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid JSON body", err.Error())
		return
	}
	if len(objs) == 0 {
		WriteJSON(w, http.StatusOK, FinalizeResponse{Status: "ignored", Objects: []pipeline.TriggerObject{}})
		return
	}
	for i := range objs {
		if objs[i].Bucket == "" {
			WriteError(w, http.StatusBadRequest, "bucket is required")
			return
		}
		if objs[i].Name == "" {
			WriteError(w, http.StatusBadRequest, "name is required")
			return
		}
	}

	for i := range objs {
		if status, msg, detail := h.enrich(r.Context(), &objs[i]); status != 0 {
			WriteErrorDetail(w, status, msg, detail)
			return
		}
	}

	for i, obj := range objs {
		if !h.queue.Enqueue(obj, ingest.SourceHTTP) {
			WriteErrorDetail(w, http.StatusServiceUnavailable, "run queue full",
				fmt.Sprintf("%d of %d objects queued", i, len(objs)))
			return
		}
	}
	WriteJSON(w, http.StatusAccepted, FinalizeResponse{Status: "queued", Objects: objs})
}

// enrich fills missing attributes from the store. A non-zero status means the
// request should fail with it.
func (h *FinalizeHandler) enrich(ctx context.Context, obj *pipeline.TriggerObject) (int, string, string) {
	if h.store == nil || (obj.ContentType != "" && obj.Metadata != nil) {
		return 0, "", ""
	}
	stat, err := h.store.Stat(ctx, obj.Bucket, obj.Name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "object not found", obj.Bucket + "/" + obj.Name
	case err != nil:
		h.log.Warn().Err(err).Str("bucket", obj.Bucket).Str("object", obj.Name).Msg("stat failed")
		return http.StatusBadGateway, "could not read object attributes", err.Error()
	}
	if obj.ContentType == "" {
		obj.ContentType = stat.ContentType
	}
	if obj.Metadata == nil {
		obj.Metadata = stat.Metadata
	}
	if obj.Size == 0 {
		obj.Size = stat.Size
	}
	return 0, "", ""
}
