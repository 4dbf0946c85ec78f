package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

var (
	errInvalidBucket = errors.New("storage: bucket name is required")
	errNoWriter      = errors.New("storage: object writer is required")
)

// ObjectWriter stores one object. Implementations must not overwrite an existing object.
type ObjectWriter interface {
	WriteObject(ctx context.Context, bucket, object string, data []byte, metadata map[string]string) error
}

// Archiver keeps raw gateway payloads in Cloud Storage.
type Archiver struct {
	bucket string
	writer ObjectWriter
	now    func() time.Time
}

// ArchiverOption customises archiver behaviour.
type ArchiverOption func(*Archiver)

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) ArchiverOption {
	return func(a *Archiver) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewArchiver constructs an archiver writing to bucket.
func NewArchiver(writer ObjectWriter, bucket string, opts ...ArchiverOption) (*Archiver, error) {
	if writer == nil {
		return nil, errNoWriter
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errInvalidBucket
	}
	a := &Archiver{bucket: bucket, writer: writer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// ArchivePayload writes payload under the dated path for kind. Re-archiving the same key is a no-op.
func (a *Archiver) ArchivePayload(ctx context.Context, kind, key string, payload []byte) error {
	if a == nil || a.writer == nil {
		return errNoWriter
	}
	receivedAt := a.now().UTC()
	object, err := BuildObjectPath(ArchivePurpose(kind), PathParams{ReceivedAt: receivedAt, Key: key})
	if err != nil {
		return err
	}
	metadata := map[string]string{
		"kind":       kind,
		"key":        strings.TrimSpace(key),
		"receivedAt": receivedAt.Format(time.RFC3339),
	}
	if err := a.writer.WriteObject(ctx, a.bucket, object, payload, metadata); err != nil {
		return fmt.Errorf("storage: archive %s: %w", object, err)
	}
	return nil
}

// GCSWriter writes objects with a does-not-exist precondition.
type GCSWriter struct {
	client *gcs.Client
}

// NewGCSWriter wraps a Cloud Storage client.
func NewGCSWriter(client *gcs.Client) (*GCSWriter, error) {
	if client == nil {
		return nil, errors.New("storage writer: client is required")
	}
	return &GCSWriter{client: client}, nil
}

// WriteObject uploads data as application/json. An existing object is left untouched.
func (w *GCSWriter) WriteObject(ctx context.Context, bucket, object string, data []byte, metadata map[string]string) error {
	if w == nil || w.client == nil {
		return errors.New("storage writer: client is not initialised")
	}
	handle := w.client.Bucket(bucket).Object(object).If(gcs.Conditions{DoesNotExist: true})
	writer := handle.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.Metadata = metadata
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return err
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
