package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"soundspeed/internal/blob/core"
)

func TestMemoryStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	if s.Driver() != core.DriverMemory {
		t.Fatalf("unexpected driver %s", s.Driver())
	}
	info, err := s.Put(ctx, "raw/a", bytes.NewReader([]byte("cast")), core.PutOptions{ContentType: "text/plain", Metadata: map[string]string{"format": "cnv"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 4 || info.Checksum != core.Checksum([]byte("cast")) {
		t.Fatalf("unexpected info %+v", info)
	}
	again, err := s.Put(ctx, "raw/a", bytes.NewReader([]byte("cast")), core.PutOptions{})
	if err != nil {
		t.Fatalf("identical put should succeed: %v", err)
	}
	if again.LastModified != info.LastModified {
		t.Fatalf("identical put must not rewrite the object")
	}
	if _, err := s.Put(ctx, "raw/a", bytes.NewReader([]byte("other")), core.PutOptions{}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, rc, err := s.Get(ctx, "raw/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(b) != "cast" || got.Metadata["format"] != "cnv" {
		t.Fatalf("unexpected get %q %+v", b, got)
	}
	got.Metadata["format"] = "mutated"
	if h, _ := s.Head(ctx, "raw/a"); h.Metadata["format"] != "cnv" {
		t.Fatalf("metadata leaked through Get")
	}
}

func TestMemoryStoreMissingAndList(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, _, err := s.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Put(ctx, " ", bytes.NewReader(nil), core.PutOptions{}); err == nil {
		t.Fatalf("expected empty key error")
	}
	for _, k := range []string{"raw/2021/b", "raw/2021/a", "raw/2022/c", "other"} {
		if _, err := s.Put(ctx, k, bytes.NewReader([]byte(k)), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := s.List(ctx, "raw/2021/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "raw/2021/a" || list[1].Key != "raw/2021/b" {
		t.Fatalf("unexpected list %+v", list)
	}
	all, _ := s.List(ctx, "")
	if len(all) != 4 {
		t.Fatalf("expected 4 blobs, got %d", len(all))
	}
}
