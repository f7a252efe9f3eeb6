package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"soundspeed/internal/blob/core"
)

func TestStore_MockedWriteOnceFlow(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if store.Driver() != core.DriverS3 {
		t.Fatalf("expected DriverS3")
	}
	info, err := store.Put(ctx, "raw/2021/05/p1/abc", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "text/plain", Metadata: map[string]string{"format": "cnv"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "raw/2021/05/p1/abc" || info.ContentType != "text/plain" || info.Checksum != core.Checksum([]byte("hello")) {
		t.Fatalf("unexpected info %#v", info)
	}
	if info.Metadata["format"] != "cnv" {
		t.Fatalf("metadata lost: %#v", info.Metadata)
	}
	if _, err := store.Put(ctx, "raw/2021/05/p1/abc", bytes.NewReader([]byte("hello")), core.PutOptions{}); err != nil {
		t.Fatalf("identical put: %v", err)
	}
	if _, err := store.Put(ctx, "raw/2021/05/p1/abc", bytes.NewReader([]byte("changed")), core.PutOptions{}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	_, rc, err := store.Get(ctx, "raw/2021/05/p1/abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Fatalf("get mismatch: %q", string(data))
	}
}

func TestStore_ListPaginates(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	for _, k := range []string{"raw/c", "raw/a", "raw/b", "raw/d", "raw/e", "other/x"} {
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte(k)), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "raw/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 5 || list[0].Key != "raw/a" || list[4].Key != "raw/e" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list, err := store.List(ctx, "none/"); err != nil || len(list) != 0 {
		t.Fatalf("expected empty list: %v %+v", err, list)
	}
}

func TestStore_Prefix(t *testing.T) {
	store := NewMockForTests()
	store.prefix = "archive"
	ctx := context.Background()
	if _, err := store.Put(ctx, "raw/a", bytes.NewReader([]byte("a")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	list, err := store.List(ctx, "")
	if err != nil || len(list) != 1 || list[0].Key != "raw/a" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	if _, err := store.Head(ctx, "raw/a"); err != nil {
		t.Fatalf("head: %v", err)
	}
}

func TestStore_NotFound(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found from get, got %v", err)
	}
	if _, err := store.Put(ctx, "", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
}

func TestStore_New(t *testing.T) {
	s, err := New(context.Background(), Config{Bucket: "bkt", Endpoint: "https://mock.s3.local", PathStyle: true, AccessKeyID: "AKIA", SecretAccessKey: "SECRET"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.bucket != "bkt" {
		t.Fatalf("unexpected bucket %s", s.bucket)
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestDecodeChunked(t *testing.T) {
	if _, ok := decodeChunked([]byte("not-chunked")); ok {
		t.Fatalf("expected failure for plain body")
	}
	if _, ok := decodeChunked([]byte("5\r\nabc\r\n0\r\n")); ok {
		t.Fatalf("size mismatch should fail")
	}
	b, ok := decodeChunked([]byte("5;chunk-signature=x\r\nhello\r\n0\r\nx-amz-checksum-crc32:abc\r\n\r\n"))
	if !ok || string(b) != "hello" {
		t.Fatalf("expected hello, got %q %v", b, ok)
	}
}

func TestMockRoundTripperUnsupported(t *testing.T) {
	rt := &mockRoundTripper{state: make(map[string]mockObj)}
	req, _ := http.NewRequest(http.MethodPatch, "https://mock.s3.local/bucket/key", nil)
	resp, _ := rt.RoundTrip(req)
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
}
