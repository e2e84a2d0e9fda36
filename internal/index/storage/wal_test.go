package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWALAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	wal, _, err := OpenWAL(dir)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	defer wal.Close()

	first := WALRecord{Operation: OpIndex, ID: "1", Version: 1, Source: json.RawMessage(`{"title":"a"}`)}
	second := WALRecord{Operation: OpDelete, ID: "1", Version: 2}

	offset, err := wal.Append(first)
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	offset, err = wal.Append(second)
	if err != nil {
		t.Fatalf("append second: %v", err)
	}

	records, next, err := wal.Recover(0)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	if got, want := len(records), 2; got != want {
		t.Fatalf("expected %d records, got %d", want, got)
	}
	if records[0].ID != "1" || string(records[0].Source) != `{"title":"a"}` || records[1].Operation != OpDelete {
		t.Fatalf("unexpected records %+v", records)
	}

	if next != offset {
		t.Fatalf("expected recovery offset %d, got %d", offset, next)
	}

	// Simulate partial write to ensure recovery stops cleanly.
	f, err := os.OpenFile(filepath.Join(dir, walFilename), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open wal raw: %v", err)
	}
	if _, err := f.Write([]byte{0xFF}); err != nil {
		t.Fatalf("append garbage: %v", err)
	}
	f.Close()

	records, next, err = wal.Recover(offset)
	if err != nil {
		t.Fatalf("recover after garbage: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no new records after garbage, got %d", len(records))
	}
	if next != offset {
		t.Fatalf("expected offset to remain %d, got %d", offset, next)
	}
}

func TestWALRecoverStopsAtChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	wal, _, err := OpenWAL(dir)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	defer wal.Close()

	good, err := wal.AppendBatch([]WALRecord{{Operation: OpIndex, ID: "1", Source: json.RawMessage(`{}`)}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := wal.Append(WALRecord{Operation: OpIndex, ID: "2", Source: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Flip the last payload byte of the second frame.
	path := filepath.Join(dir, walFilename)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wal: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewrite wal: %v", err)
	}

	records, next, err := wal.Recover(0)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(records) != 1 || records[0].ID != "1" {
		t.Fatalf("expected only the intact record, got %+v", records)
	}
	if next != good {
		t.Fatalf("expected offset %d, got %d", good, next)
	}
}
