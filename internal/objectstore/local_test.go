package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func TestLocalPutGet(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if err := l.Put(ctx, "item-1", bytes.NewReader([]byte("hello world")), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := l.Get(ctx, "item-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("want 'hello world', got %q", data)
	}
}

func TestLocalGetMissingReturnsErrNotFound(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Get(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestLocalHead(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if _, exists, err := l.Head(ctx, "nope"); err != nil || exists {
		t.Fatalf("want not-exists, got exists=%v err=%v", exists, err)
	}

	if err := l.Put(ctx, "sized", bytes.NewReader([]byte("12345")), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	size, exists, err := l.Head(ctx, "sized")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if !exists || size != 5 {
		t.Fatalf("want exists=true size=5, got exists=%v size=%d", exists, size)
	}
}

func TestLocalGetRange(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	if err := l.Put(ctx, "ranged", bytes.NewReader([]byte("0123456789")), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := l.GetRange(ctx, "ranged", 3, 4)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "3456" {
		t.Fatalf("want '3456', got %q", data)
	}
}

func TestLocalRemoveMissingIsNotError(t *testing.T) {
	l := newTestLocal(t)
	if err := l.Remove(context.Background(), "never-existed"); err != nil {
		t.Fatalf("want nil, got %v", err)
	}
}

func TestLocalMultipartUpload(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	uploadID, err := l.CreateMultipartUpload(ctx, "multi-1", "application/octet-stream")
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}

	etag2, err := l.UploadPart(ctx, "multi-1", uploadID, 2, bytes.NewReader([]byte("-second")))
	if err != nil {
		t.Fatalf("UploadPart 2: %v", err)
	}
	etag1, err := l.UploadPart(ctx, "multi-1", uploadID, 1, bytes.NewReader([]byte("first")))
	if err != nil {
		t.Fatalf("UploadPart 1: %v", err)
	}

	err = l.CompleteMultipartUpload(ctx, "multi-1", uploadID, []Part{
		{PartNumber: 2, ETag: etag2},
		{PartNumber: 1, ETag: etag1},
	})
	if err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}

	r, err := l.Get(ctx, "multi-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "first-second" {
		t.Fatalf("want parts reassembled in order, got %q", data)
	}
}

func TestLocalAbortMultipartUpload(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	uploadID, err := l.CreateMultipartUpload(ctx, "multi-abort", "")
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	if _, err := l.UploadPart(ctx, "multi-abort", uploadID, 1, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("UploadPart: %v", err)
	}
	if err := l.AbortMultipartUpload(ctx, "multi-abort", uploadID); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}

	err = l.CompleteMultipartUpload(ctx, "multi-abort", uploadID, []Part{{PartNumber: 1, ETag: "x"}})
	if err != ErrUploadNotFound {
		t.Fatalf("want ErrUploadNotFound after abort, got %v", err)
	}
}
