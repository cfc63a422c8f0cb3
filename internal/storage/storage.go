package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/snarg/storage-transcribe/internal/pipeline"
)

// ErrNotFound is returned by Stat when the object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is an object store backend.
type Store interface {
	pipeline.ObjectStore

	// Stat describes an existing object in trigger form.
	Stat(ctx context.Context, bucket, name string) (*pipeline.TriggerObject, error)

	// Type returns "local", "s3", or "gcs".
	Type() string

	Close() error
}

// New creates a Store based on config. Returns an error if a remote backend
// is configured but unreachable.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (Store, error) {
	switch cfg.StorageBackend {
	case "local":
		return NewLocalStore(cfg.StorageDir), nil
	case "s3":
		s3store, err := NewS3Store(ctx, cfg.S3, log)
		if err != nil {
			return nil, fmt.Errorf("S3 init failed: %w", err)
		}
		if cfg.OutputBucket != "" {
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := s3store.HeadBucket(checkCtx, cfg.OutputBucket); err != nil {
				return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
					cfg.OutputBucket, cfg.S3.Endpoint, err)
			}
			log.Info().Str("bucket", cfg.OutputBucket).Str("endpoint", cfg.S3.Endpoint).Msg("S3 connection verified")
		}
		return s3store, nil
	case "gcs":
		gcs, err := NewGCSStore(ctx, cfg.GCS, log)
		if err != nil {
			return nil, fmt.Errorf("GCS init failed: %w", err)
		}
		return gcs, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

// writeFile streams r into dst atomically: temp file in the same directory,
// then rename.
func writeFile(dst string, r io.Reader) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".object-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// normalizeMetadata restores the canonical spelling of keys that backends
// lowercase (S3 user metadata keys come back lowercased).
func normalizeMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if strings.EqualFold(k, pipeline.MetadataTranscodeOutput) {
			k = pipeline.MetadataTranscodeOutput
		}
		out[k] = v
	}
	return out
}
