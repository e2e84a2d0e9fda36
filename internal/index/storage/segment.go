package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	docsExt = ".docs"
	metaExt = ".meta"
)

// Compressor exposes hooks for optional compression/decompression.
type Compressor interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

// SegmentFiles holds the raw bytes of a checkpoint segment: the stored documents and a
// small metadata blob.
type SegmentFiles struct {
	ID   string
	Docs []byte
	Meta []byte
}

// WriteSegment materializes the checkpoint files to disk.
func WriteSegment(basePath string, files SegmentFiles, compressor Compressor) error {
	if files.ID == "" {
		return fmt.Errorf("segment id is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return fmt.Errorf("create segments dir: %w", err)
	}

	writeBlob := func(ext string, payload []byte) error {
		data := payload
		if compressor != nil {
			compressed, err := compressor.Compress(payload)
			if err != nil {
				return fmt.Errorf("compress %s: %w", ext, err)
			}
			data = compressed
		}

		path := filepath.Join(basePath, files.ID+ext)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write segment %s: %w", path, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("install segment %s: %w", path, err)
		}
		return nil
	}

	if err := writeBlob(docsExt, files.Docs); err != nil {
		return err
	}
	return writeBlob(metaExt, files.Meta)
}

// ReadSegment loads the checkpoint files from disk.
func ReadSegment(basePath, segmentID string, compressor Compressor) (SegmentFiles, error) {
	loadBlob := func(ext string) ([]byte, error) {
		path := filepath.Join(basePath, segmentID+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", path, err)
		}
		if compressor == nil {
			return data, nil
		}
		decoded, err := compressor.Decompress(data)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", path, err)
		}
		return decoded, nil
	}

	docs, err := loadBlob(docsExt)
	if err != nil {
		return SegmentFiles{}, err
	}

	meta, err := loadBlob(metaExt)
	if err != nil {
		return SegmentFiles{}, err
	}

	return SegmentFiles{ID: segmentID, Docs: docs, Meta: meta}, nil
}

// RemoveSegment deletes the files of a superseded checkpoint. Missing files are ignored.
func RemoveSegment(basePath, segmentID string) error {
	for _, ext := range []string{docsExt, metaExt} {
		if err := os.Remove(filepath.Join(basePath, segmentID+ext)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove segment %s: %w", segmentID, err)
		}
	}
	return nil
}
