package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/googleapi"
)

type writtenObject struct {
	bucket   string
	object   string
	data     string
	metadata map[string]string
}

type fakeWriter struct {
	writes []writtenObject
	err    error
}

func (f *fakeWriter) WriteObject(_ context.Context, bucket, object string, data []byte, metadata map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, writtenObject{bucket: bucket, object: object, data: string(data), metadata: metadata})
	return nil
}

func TestArchiverWritesDatedObject(t *testing.T) {
	writer := &fakeWriter{}
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	archiver, err := NewArchiver(writer, " payments-archive ", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}

	if err := archiver.ArchivePayload(context.Background(), "mpesa_callback", "ws_CO_1", []byte(`{"Body":{}}`)); err != nil {
		t.Fatalf("ArchivePayload: %v", err)
	}

	if len(writer.writes) != 1 {
		t.Fatalf("expected one write, got %d", len(writer.writes))
	}
	got := writer.writes[0]
	if got.bucket != "payments-archive" || got.object != "callbacks/mpesa/2025-03-14/ws_CO_1.json" {
		t.Fatalf("unexpected target %s/%s", got.bucket, got.object)
	}
	if got.data != `{"Body":{}}` {
		t.Fatalf("payload must be stored verbatim, got %s", got.data)
	}
	if got.metadata["kind"] != "mpesa_callback" || got.metadata["receivedAt"] != "2025-03-14T09:30:00Z" {
		t.Fatalf("unexpected metadata %v", got.metadata)
	}
}

func TestArchiverErrors(t *testing.T) {
	if _, err := NewArchiver(nil, "bucket"); err == nil {
		t.Fatalf("expected error without writer")
	}
	if _, err := NewArchiver(&fakeWriter{}, " "); err == nil {
		t.Fatalf("expected error without bucket")
	}

	archiver, err := NewArchiver(&fakeWriter{}, "bucket")
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	if err := archiver.ArchivePayload(context.Background(), "unknown", "k", nil); err == nil {
		t.Fatalf("expected error for unknown kind")
	}

	failing, _ := NewArchiver(&fakeWriter{err: errors.New("quota")}, "bucket")
	if err := failing.ArchivePayload(context.Background(), "stripe_webhook", "evt_1", []byte("{}")); err == nil {
		t.Fatalf("expected writer error to surface")
	}
}

func TestIsPreconditionFailed(t *testing.T) {
	if !isPreconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}) {
		t.Fatalf("412 should be treated as already archived")
	}
	if isPreconditionFailed(&googleapi.Error{Code: http.StatusForbidden}) {
		t.Fatalf("403 is a real failure")
	}
	if isPreconditionFailed(errors.New("boom")) {
		t.Fatalf("plain errors are real failures")
	}
}
