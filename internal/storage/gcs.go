package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/snarg/storage-transcribe/internal/pipeline"
	"google.golang.org/api/option"
)

// GCSStore reads and writes objects in Google Cloud Storage.
type GCSStore struct {
	client *gcs.Client
	log    zerolog.Logger
}

// NewGCSStore creates a GCS client. Without a credentials file, application
// default credentials are used.
func NewGCSStore(ctx context.Context, cfg config.GCSConfig, log zerolog.Logger) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &GCSStore{
		client: client,
		log:    log.With().Str("component", "gcs-store").Logger(),
	}, nil
}

func (s *GCSStore) Download(ctx context.Context, bucket, name, dst string) error {
	r, err := s.client.Bucket(bucket).Object(name).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("read gs://%s/%s: %w", bucket, name, err)
	}
	defer r.Close()
	return writeFile(dst, r)
}

func (s *GCSStore) Upload(ctx context.Context, req pipeline.UploadRequest) (*pipeline.FileHandle, error) {
	f, err := os.Open(req.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.LocalPath, err)
	}
	defer f.Close()

	w := s.client.Bucket(req.Bucket).Object(req.Name).NewWriter(ctx)
	w.ContentType = req.ContentType
	w.Metadata = req.Metadata
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return nil, fmt.Errorf("write gs://%s/%s: %w", req.Bucket, req.Name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize gs://%s/%s: %w", req.Bucket, req.Name, err)
	}
	s.log.Debug().Str("bucket", req.Bucket).Str("object", req.Name).Msg("uploaded")

	return &pipeline.FileHandle{
		Bucket: req.Bucket,
		Name:   req.Name,
		URI:    "gs://" + req.Bucket + "/" + req.Name,
	}, nil
}

func (s *GCSStore) Stat(ctx context.Context, bucket, name string) (*pipeline.TriggerObject, error) {
	attrs, err := s.client.Bucket(bucket).Object(name).Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pipeline.TriggerObject{
		Bucket:      bucket,
		Name:        name,
		ContentType: attrs.ContentType,
		Metadata:    normalizeMetadata(attrs.Metadata),
		Size:        attrs.Size,
	}, nil
}

func (s *GCSStore) Type() string { return "gcs" }

func (s *GCSStore) Close() error { return s.client.Close() }
