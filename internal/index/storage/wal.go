package storage

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	walFilename  = "wal.log"
	walHeaderLen = 12
)

// Operations recorded in the WAL.
const (
	OpIndex  = "index"
	OpDelete = "delete"
)

// WALRecord represents a single append-only mutation event. Index records carry the full
// source of the new version so replay never depends on earlier records.
type WALRecord struct {
	Operation string          `json:"op"`
	ID        string          `json:"id"`
	Version   int64           `json:"version,omitempty"`
	Routing   string          `json:"routing,omitempty"`
	Source    json.RawMessage `json:"source,omitempty"`
}

// WAL provides append-only durability for document mutations. Each frame is
// [len uint32][xxhash64 uint64][payload].
type WAL struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenWAL ensures the WAL file exists and is ready for appends.
// It returns the opened WAL and its current size (next offset).
func OpenWAL(basePath string) (*WAL, int64, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, 0, fmt.Errorf("create wal directory: %w", err)
	}

	path := filepath.Join(basePath, walFilename)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open wal: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, fmt.Errorf("stat wal: %w", err)
	}

	return &WAL{path: path, file: file}, info.Size(), nil
}

// Append writes one checksummed frame and fsyncs the file. It returns the offset
// immediately after the frame.
func (w *WAL) Append(record WALRecord) (int64, error) {
	return w.AppendBatch([]WALRecord{record})
}

// AppendBatch writes all records with a single fsync.
func (w *WAL) AppendBatch(records []WALRecord) (int64, error) {
	var buf []byte
	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			return 0, fmt.Errorf("marshal wal record: %w", err)
		}
		var header [walHeaderLen]byte
		binary.LittleEndian.PutUint32(header[:4], uint32(len(data)))
		binary.LittleEndian.PutUint64(header[4:], xxhash.Sum64(data))
		buf = append(buf, header[:]...)
		buf = append(buf, data...)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	offset, err := w.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("seek wal end: %w", err)
	}
	if len(buf) == 0 {
		return offset, nil
	}

	if _, err := w.file.Write(buf); err != nil {
		return 0, fmt.Errorf("write wal frame: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return 0, fmt.Errorf("fsync wal: %w", err)
	}

	return offset + int64(len(buf)), nil
}

// Recover reads records after the provided offset (typically manifest.AppliedWALOffset).
// It stops at the first incomplete or checksum-failing frame, which is where a crash
// interrupted the last append.
func (w *WAL) Recover(fromOffset int64) ([]WALRecord, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(fromOffset, io.SeekStart); err != nil {
		return nil, fromOffset, fmt.Errorf("seek wal: %w", err)
	}

	reader := bufio.NewReader(w.file)
	var records []WALRecord
	currentOffset := fromOffset

	for {
		var header [walHeaderLen]byte
		if _, err := io.ReadFull(reader, header[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return records, currentOffset, nil
			}
			return records, currentOffset, fmt.Errorf("read wal header: %w", err)
		}

		length := binary.LittleEndian.Uint32(header[:4])
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return records, currentOffset, nil
			}
			return records, currentOffset, fmt.Errorf("read wal payload: %w", err)
		}
		if xxhash.Sum64(payload) != binary.LittleEndian.Uint64(header[4:]) {
			return records, currentOffset, nil
		}

		var record WALRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return records, currentOffset, fmt.Errorf("decode wal record: %w", err)
		}

		currentOffset += int64(walHeaderLen) + int64(length)
		records = append(records, record)
	}
}

// Truncate drops everything after offset.
func (w *WAL) Truncate(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file handle.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
