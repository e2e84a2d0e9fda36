package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// EngineStorage glues together the WAL, the manifest and the checkpoint directory of one
// index.
type EngineStorage struct {
	WAL        *WAL
	Manifest   *SegmentManifest
	Compressor *ZstdCompressor

	walPath      string
	segmentsPath string
	walOffset    int64
}

// OpenEngineStorage initializes durability primitives and returns pending WAL entries for replay.
func OpenEngineStorage(basePath string) (*EngineStorage, []WALRecord, error) {
	walPath := filepath.Join(basePath, "wal")
	segmentsPath := filepath.Join(basePath, "segments")

	wal, walSize, err := OpenWAL(walPath)
	if err != nil {
		return nil, nil, err
	}

	manifest, err := LoadSegmentManifest(segmentsPath)
	if err != nil {
		_ = wal.Close()
		return nil, nil, err
	}

	// Replay only the portion of the WAL that hasn't been materialized into a checkpoint.
	_, applied := manifest.Snapshot()
	pending, nextOffset, err := wal.Recover(applied)
	if err != nil {
		_ = wal.Close()
		return nil, nil, err
	}

	// A torn tail would hide every later append from the next recovery.
	if nextOffset < walSize {
		if err := wal.Truncate(nextOffset); err != nil {
			_ = wal.Close()
			return nil, nil, err
		}
	}

	compressor, err := NewZstdCompressor()
	if err != nil {
		_ = wal.Close()
		return nil, nil, err
	}

	return &EngineStorage{
		WAL:          wal,
		Manifest:     manifest,
		Compressor:   compressor,
		walPath:      walPath,
		segmentsPath: segmentsPath,
		walOffset:    nextOffset,
	}, pending, nil
}

// SegmentsPath exposes the directory where checkpoint files live.
func (s *EngineStorage) SegmentsPath() string {
	return s.segmentsPath
}

// RecoveredOffset is the WAL offset right after the last intact record found at open.
func (s *EngineStorage) RecoveredOffset() int64 {
	return s.walOffset
}

// Close releases underlying handles.
func (s *EngineStorage) Close() error {
	if s.Compressor != nil {
		s.Compressor.Close()
	}
	if s.WAL != nil {
		return s.WAL.Close()
	}
	return nil
}

// RemoveAll clears the storage directories. Used when an index is deleted.
func (s *EngineStorage) RemoveAll() error {
	if err := os.RemoveAll(s.walPath); err != nil {
		return fmt.Errorf("cleanup wal: %w", err)
	}
	if err := os.RemoveAll(s.segmentsPath); err != nil {
		return fmt.Errorf("cleanup segments: %w", err)
	}
	return nil
}
