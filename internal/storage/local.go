package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/snarg/storage-transcribe/internal/pipeline"
)

// LocalStore keeps objects on the local filesystem as <root>/<bucket>/<name>.
// Content type and custom metadata live in a hidden sidecar next to each object.
type LocalStore struct {
	root string
}

// NewLocalStore creates a local filesystem object store rooted at root.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

// sidecar is the on-disk form of object attributes.
type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IsSidecar reports whether a file name belongs to store bookkeeping rather
// than an object: metadata sidecars and in-flight temp files.
func IsSidecar(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp")
}

func (s *LocalStore) Download(ctx context.Context, bucket, name, dst string) error {
	src, err := s.objectPath(bucket, name)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s/%s: %w", bucket, name, err)
	}
	defer f.Close()
	return writeFile(dst, f)
}

func (s *LocalStore) Upload(ctx context.Context, req pipeline.UploadRequest) (*pipeline.FileHandle, error) {
	dst, err := s.objectPath(req.Bucket, req.Name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(req.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", req.LocalPath, err)
	}
	defer f.Close()

	// Sidecar first so a watcher never sees the object without its metadata.
	if err := s.writeSidecar(dst, sidecar{ContentType: req.ContentType, Metadata: req.Metadata}); err != nil {
		return nil, err
	}
	if err := writeFile(dst, f); err != nil {
		os.Remove(sidecarPath(dst))
		return nil, err
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return &pipeline.FileHandle{
		Bucket:    req.Bucket,
		Name:      req.Name,
		URI:       "file://" + filepath.ToSlash(abs),
		LocalPath: dst,
	}, nil
}

func (s *LocalStore) Stat(ctx context.Context, bucket, name string) (*pipeline.TriggerObject, error) {
	p, err := s.objectPath(bucket, name)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, ErrNotFound
	}

	sc, err := readSidecar(p)
	if err != nil {
		return nil, err
	}
	contentType := sc.ContentType
	if contentType == "" {
		mt, err := mimetype.DetectFile(p)
		if err != nil {
			return nil, fmt.Errorf("detect content type: %w", err)
		}
		contentType = mt.String()
	}
	return &pipeline.TriggerObject{
		Bucket:      bucket,
		Name:        name,
		ContentType: contentType,
		Metadata:    sc.Metadata,
		Size:        fi.Size(),
	}, nil
}

// Locate maps a path under the store root back to its bucket and object name.
func (s *LocalStore) Locate(p string) (bucket, name string, ok bool) {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", "", false
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", "", false
	}
	bucket, name, found := strings.Cut(rel, "/")
	if !found || bucket == "" || name == "" {
		return "", "", false
	}
	return bucket, name, true
}

func (s *LocalStore) Type() string { return "local" }

func (s *LocalStore) Close() error { return nil }

// Root returns the store's root directory.
func (s *LocalStore) Root() string { return s.root }

// objectPath resolves bucket/name under root, rejecting names that escape
// the bucket directory.
func (s *LocalStore) objectPath(bucket, name string) (string, error) {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return "", fmt.Errorf("invalid bucket %q", bucket)
	}
	clean := path.Clean("/" + name)
	if name == "" || clean == "/" {
		return "", fmt.Errorf("invalid object name %q", name)
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(clean[1:])), nil
}

func sidecarPath(objectPath string) string {
	return filepath.Join(filepath.Dir(objectPath), "."+filepath.Base(objectPath)+".meta.json")
}

func (s *LocalStore) writeSidecar(objectPath string, sc sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return writeFile(sidecarPath(objectPath), bytes.NewReader(data))
}

func readSidecar(objectPath string) (sidecar, error) {
	var sc sidecar
	data, err := os.ReadFile(sidecarPath(objectPath))
	if errors.Is(err, fs.ErrNotExist) {
		return sc, nil
	}
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse metadata for %s: %w", filepath.Base(objectPath), err)
	}
	return sc, nil
}
