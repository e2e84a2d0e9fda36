package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSegmentWriteAndReadWithCompression(t *testing.T) {
	dir := t.TempDir()
	compressor, err := NewZstdCompressor()
	if err != nil {
		t.Fatalf("compressor: %v", err)
	}
	defer compressor.Close()

	files := SegmentFiles{
		ID:   "seg-1",
		Docs: bytes.Repeat([]byte(`{"id":"1","version":1,"source":{"title":"quick brown fox"}}`+"\n"), 64),
		Meta: []byte(`{"count":64}`),
	}

	if err := WriteSegment(dir, files, compressor); err != nil {
		t.Fatalf("write segment: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "seg-1"+docsExt))
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if len(raw) >= len(files.Docs) {
		t.Fatalf("expected compressed docs to shrink, got %d >= %d", len(raw), len(files.Docs))
	}

	loaded, err := ReadSegment(dir, files.ID, compressor)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}

	if !bytes.Equal(loaded.Docs, files.Docs) || !bytes.Equal(loaded.Meta, files.Meta) {
		t.Fatalf("segment content mismatch: %+v", loaded)
	}

	if err := RemoveSegment(dir, files.ID); err != nil {
		t.Fatalf("remove segment: %v", err)
	}
	if _, err := ReadSegment(dir, files.ID, compressor); err == nil {
		t.Fatalf("expected read of removed segment to fail")
	}
}

func TestSegmentWithoutCompressor(t *testing.T) {
	dir := t.TempDir()
	files := SegmentFiles{ID: "plain", Docs: []byte("docs"), Meta: []byte("meta")}
	if err := WriteSegment(dir, files, nil); err != nil {
		t.Fatalf("write segment: %v", err)
	}
	loaded, err := ReadSegment(dir, "plain", nil)
	if err != nil {
		t.Fatalf("read segment: %v", err)
	}
	if string(loaded.Docs) != "docs" || string(loaded.Meta) != "meta" {
		t.Fatalf("unexpected content %+v", loaded)
	}
	if err := WriteSegment(dir, SegmentFiles{}, nil); err == nil {
		t.Fatalf("expected missing id to fail")
	}
}
