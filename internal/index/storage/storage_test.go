package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEngineStorageRecoveryAndManifest(t *testing.T) {
	base := t.TempDir()

	storage, pending, err := OpenEngineStorage(base)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending records on empty storage")
	}

	// Append a record and reopen to ensure it is replayed.
	walOffset, err := storage.WAL.Append(WALRecord{Operation: OpIndex, ID: "1", Version: 1, Source: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("append record: %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("close storage: %v", err)
	}

	storage, pending, err = OpenEngineStorage(base)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	if got, want := len(pending), 1; got != want {
		t.Fatalf("expected %d pending record, got %d", want, got)
	}

	// Mark WAL offset as applied and persist a checkpoint.
	segmentMeta := SegmentMetadata{ID: "seg-1", DocumentCount: 1}
	if err := WriteSegment(storage.SegmentsPath(), SegmentFiles{ID: segmentMeta.ID}, storage.Compressor); err != nil {
		t.Fatalf("write segment stub: %v", err)
	}
	if err := storage.Manifest.ReplaceSegments(nil, []SegmentMetadata{segmentMeta}, walOffset); err != nil {
		t.Fatalf("add segment: %v", err)
	}

	// Reopen again and ensure no pending records remain.
	storage.Close()
	storage, pending, err = OpenEngineStorage(base)
	if err != nil {
		t.Fatalf("reopen after manifest: %v", err)
	}
	defer storage.Close()

	if len(pending) != 0 {
		t.Fatalf("expected wal to be fully applied, got %d pending", len(pending))
	}

	if storage.Manifest.AppliedWALOffset != walOffset {
		t.Fatalf("expected manifest offset %d, got %d", walOffset, storage.Manifest.AppliedWALOffset)
	}

	if len(storage.Manifest.Segments) != 1 || storage.Manifest.Segments[0].ID != segmentMeta.ID {
		t.Fatalf("unexpected manifest segments %+v", storage.Manifest.Segments)
	}

	if err := storage.RemoveAll(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "wal")); !os.IsNotExist(err) {
		t.Fatalf("expected wal directory to be removed")
	}
}

func TestEngineStorageTruncatesTornTail(t *testing.T) {
	base := t.TempDir()

	storage, _, err := OpenEngineStorage(base)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	good, err := storage.WAL.Append(WALRecord{Operation: OpIndex, ID: "1", Source: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	storage.Close()

	f, err := os.OpenFile(filepath.Join(base, "wal", walFilename), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	storage, pending, err := OpenEngineStorage(base)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending record, got %d", len(pending))
	}
	if _, err := storage.WAL.Append(WALRecord{Operation: OpIndex, ID: "2", Source: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	storage.Close()

	storage, pending, err = OpenEngineStorage(base)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer storage.Close()
	if len(pending) != 2 || pending[1].ID != "2" {
		t.Fatalf("expected appends after the torn tail to survive, got %+v", pending)
	}
	info, err := os.Stat(filepath.Join(base, "wal", walFilename))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() <= good {
		t.Fatalf("expected wal to grow past %d", good)
	}
}
