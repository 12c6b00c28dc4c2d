// Package storage holds the blob and document stores that sit beside the
// relational database: attachment bytes on local disk or S3, and audit
// history in DynamoDB.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ignite/comm-dispatch/internal/config"
	"github.com/ignite/comm-dispatch/internal/domain"
	"github.com/ignite/comm-dispatch/internal/service/sending"
)

// ErrBlobNotFound is returned when an attachment key has no stored bytes.
var ErrBlobNotFound = errors.New("attachment not found")

// BlobStore reads and writes attachment bytes.
type BlobStore interface {
	sending.BlobStore
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
}

// NewBlobStore returns the attachment store selected by cfg. client is only
// used for the s3 backend.
func NewBlobStore(cfg config.AttachmentsConfig, client S3API) (BlobStore, error) {
	switch cfg.Backend {
	case "s3":
		if client == nil {
			return nil, fmt.Errorf("attachments backend s3 requires an S3 client")
		}
		return NewS3BlobStore(client, cfg.Bucket, ""), nil
	case "local", "":
		return NewLocalBlobStore(cfg.LocalPath)
	default:
		return nil, fmt.Errorf("unknown attachments backend %q", cfg.Backend)
	}
}

// LocalBlobStore keeps attachments as files under a root directory.
type LocalBlobStore struct {
	root string
}

// NewLocalBlobStore creates the root directory if needed.
func NewLocalBlobStore(root string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &LocalBlobStore{root: root}, nil
}

// path maps key under root and refuses keys that would escape it.
func (s *LocalBlobStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	p := filepath.Join(s.root, clean)
	if !strings.HasPrefix(p, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid attachment key %q", key)
	}
	return p, nil
}

// Fetch implements sending.BlobStore.
func (s *LocalBlobStore) Fetch(_ context.Context, ref domain.AttachmentRef) (io.ReadCloser, error) {
	p, err := s.path(ref.Key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("open attachment %s: %w", ref.Key, err)
	}
	return f, nil
}

// Put writes r to key, replacing any existing file.
func (s *LocalBlobStore) Put(_ context.Context, key string, r io.Reader, _ string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}
	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create attachment %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write attachment %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close attachment %s: %w", key, err)
	}
	return os.Rename(tmp, p)
}
