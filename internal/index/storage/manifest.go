package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const manifestFilename = "manifest.json"

// SegmentMetadata describes one checkpoint segment file set.
type SegmentMetadata struct {
	ID            string    `json:"id"`
	DocumentCount int       `json:"documentCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// SegmentManifest tracks checkpoint segments and the WAL offset they cover.
type SegmentManifest struct {
	Segments         []SegmentMetadata `json:"segments"`
	AppliedWALOffset int64             `json:"appliedWalOffset"`

	path string
	mu   sync.Mutex
}

// LoadSegmentManifest reads the manifest file or initializes an empty one when absent.
func LoadSegmentManifest(basePath string) (*SegmentManifest, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}

	path := filepath.Join(basePath, manifestFilename)
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m := &SegmentManifest{path: path}
			if err := m.persist(); err != nil {
				return nil, err
			}
			return m, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest SegmentManifest
	if err := json.Unmarshal(content, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	manifest.path = path
	return &manifest, nil
}

// Snapshot returns a copy of the current segment list and offset.
func (m *SegmentManifest) Snapshot() ([]SegmentMetadata, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SegmentMetadata(nil), m.Segments...), m.AppliedWALOffset
}

// ReplaceSegments swaps the listed segments for add and advances the WAL watermark in a
// single manifest write, so a checkpoint and its offset become visible together.
func (m *SegmentManifest) ReplaceSegments(removeIDs []string, add []SegmentMetadata, appliedOffset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removals := make(map[string]struct{}, len(removeIDs))
	for _, id := range removeIDs {
		removals[id] = struct{}{}
	}

	filtered := make([]SegmentMetadata, 0, len(m.Segments)+len(add))
	for _, seg := range m.Segments {
		if _, drop := removals[seg.ID]; drop {
			continue
		}
		filtered = append(filtered, seg)
	}

	filtered = append(filtered, add...)
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	previous, previousOffset := m.Segments, m.AppliedWALOffset
	m.Segments = filtered
	m.AppliedWALOffset = appliedOffset
	if err := m.persist(); err != nil {
		m.Segments, m.AppliedWALOffset = previous, previousOffset
		return err
	}
	return nil
}

// UpdateOffset updates the WAL watermark without modifying segments.
func (m *SegmentManifest) UpdateOffset(offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppliedWALOffset = offset
	return m.persist()
}

// persist writes through a temp file and rename so a torn write never leaves a half
// manifest behind.
func (m *SegmentManifest) persist() error {
	content, err := json.MarshalIndent(struct {
		Segments         []SegmentMetadata `json:"segments"`
		AppliedWALOffset int64             `json:"appliedWalOffset"`
	}{Segments: m.Segments, AppliedWALOffset: m.AppliedWALOffset}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("install manifest: %w", err)
	}

	return nil
}
