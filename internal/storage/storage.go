// Package storage publishes captured documents to object storage and hands
// out time-limited download URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/local/webcapture/internal/config"
	logpkg "github.com/local/webcapture/internal/logger"
	"github.com/local/webcapture/internal/metrics"
)

// Backend is an object store that can sign GET URLs.
type Backend interface {
	Name() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Check(ctx context.Context) error
	Close() error
}

// Published describes an uploaded object.
type Published struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Publisher uploads documents under unique keys and signs them.
type Publisher struct {
	backend Backend
	prefix  string
	expiry  time.Duration
	newID   func() string
}

func NewPublisher(backend Backend, prefix string, expiry time.Duration) *Publisher {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Publisher{
		backend: backend,
		prefix:  strings.Trim(prefix, "/"),
		expiry:  expiry,
		newID:   uuid.NewString,
	}
}

// Publish stores data as <prefix>/<uuid>.<ext> and returns a signed URL for it.
func (p *Publisher) Publish(ctx context.Context, data []byte, ext, contentType string) (*Published, error) {
	key := ObjectKey(p.prefix, p.newID(), ext)
	start := time.Now()
	if err := p.backend.Put(ctx, key, data, contentType); err != nil {
		metrics.IncUpload(p.backend.Name(), "failure")
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	url, err := p.backend.SignedURL(ctx, key, p.expiry)
	if err != nil {
		metrics.IncUpload(p.backend.Name(), "failure")
		return nil, fmt.Errorf("sign %s: %w", key, err)
	}
	metrics.IncUpload(p.backend.Name(), "success")
	clog := logpkg.Component("storage")
	clog.Info().
		Str("backend", p.backend.Name()).
		Str("key", key).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("document published")
	return &Published{Key: key, URL: url, ExpiresAt: start.Add(p.expiry)}, nil
}

// ObjectKey joins prefix, id and extension into an object key.
func ObjectKey(prefix, id, ext string) string {
	name := id
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Open builds the backend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: BUCKET is not set")
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "s3":
		return NewS3(ctx, S3Options{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
	case "gcs":
		return NewGCS(ctx, GCSOptions{Bucket: cfg.Bucket, Endpoint: cfg.Endpoint})
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
