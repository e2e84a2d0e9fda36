package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"

	"asterengine/internal/index/storage"
	"asterengine/internal/mapping"
)

type checkpointMeta struct {
	Index      string    `json:"index"`
	Docs       int       `json:"docs"`
	Generation uint64    `json:"generation"`
	WALOffset  int64     `json:"walOffset"`
	CreatedAt  time.Time `json:"createdAt"`
}

// maybeScheduleMerge is called with writeMu held.
func (s *Store) maybeScheduleMerge() {
	if len(s.current.Load().Segments) >= s.mergeThreshold {
		s.enqueueMerge()
	}
}

func (s *Store) enqueueMerge() {
	select {
	case s.mergeCh <- struct{}{}:
	default:
	}
}

func (s *Store) mergeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.mergeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runMerge()
		case <-s.mergeCh:
			s.runMerge()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) runMerge() {
	if err := s.compact(false); err != nil {
		s.logger.Error("merge failed", "error", err)
	}
}

// Merge compacts all segments into one, dropping tombstoned versions, and writes a
// checkpoint when the store is durable.
func (s *Store) Merge() error {
	return s.compact(true)
}

func (s *Store) isClosed() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

type origin struct {
	seg *Segment
	ord uint32
}

// compact rebuilds the live documents of the current snapshot outside the writer lock,
// then reconciles with writes that landed meanwhile before publishing.
func (s *Store) compact(force bool) error {
	s.mergeMu.Lock()
	defer s.mergeMu.Unlock()
	if s.isClosed() {
		return nil
	}

	base := s.Snapshot()
	needsMerge := len(base.Segments) > 1 || (len(base.Segments) == 1 && !base.Segments[0].Deleted.IsEmpty())
	if !needsMerge {
		if force && s.storage != nil {
			s.writeMu.Lock()
			snap, offset := s.current.Load(), s.walOffset
			s.writeMu.Unlock()
			return s.checkpoint(snap, offset)
		}
		return nil
	}
	start := time.Now()

	var (
		docs    []StoredDoc
		parsed  []*mapping.ParsedDocument
		origins []origin
	)
	for _, v := range base.Segments {
		it := v.Live(v.Segment.Root()).Iterator()
		for it.HasNext() {
			ord := it.Next()
			docs = append(docs, v.Segment.Docs[ord])
			parsed = append(parsed, v.Segment.Parsed[ord])
			origins = append(origins, origin{seg: v.Segment, ord: ord})
		}
	}

	s.writeMu.Lock()
	id := s.newSegmentID()
	s.writeMu.Unlock()

	merged, err := buildSegment(id, docs, parsed, s.mappings, s.analyzers)
	if err != nil {
		return fmt.Errorf("build merged segment: %w", err)
	}

	s.writeMu.Lock()
	cur := s.current.Load()
	replaced := make(map[*Segment]bool, len(base.Segments))
	for _, v := range base.Segments {
		replaced[v.Segment] = true
	}
	curDeleted := make(map[*Segment]*roaring.Bitmap, len(cur.Segments))
	for _, v := range cur.Segments {
		curDeleted[v.Segment] = v.Deleted
	}

	deleted := roaring.New()
	for i, o := range origins {
		if curDeleted[o.seg].Contains(o.ord) {
			deleted.Add(uint32(i))
			continue
		}
		s.ids[docs[i].ID] = location{seg: merged, ord: uint32(i)}
	}

	views := make([]SegmentView, 0, len(cur.Segments))
	if merged.Len() > 0 {
		views = append(views, SegmentView{Segment: merged, Deleted: deleted})
	}
	for _, v := range cur.Segments {
		if !replaced[v.Segment] {
			views = append(views, v)
		}
	}
	snap := &Snapshot{
		Segments:   views,
		Mapping:    s.mappings,
		Analyzers:  s.analyzers,
		Similarity: s.sim,
		Generation: cur.Generation + 1,
	}
	s.current.Store(snap)
	offset := s.walOffset
	s.writeMu.Unlock()

	s.logger.Info("segments compacted", "mergedSegments", len(base.Segments), "docCount", merged.Len(), "segments", len(views), "duration_ms", time.Since(start).Milliseconds())

	if s.storage != nil {
		return s.checkpoint(snap, offset)
	}
	return nil
}

// checkpoint persists every live document of snap and records offset as applied, so the
// next open replays only later WAL records.
func (s *Store) checkpoint(snap *Snapshot, offset int64) error {
	start := time.Now()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	for _, v := range snap.Segments {
		it := v.Live(v.Segment.Root()).Iterator()
		for it.HasNext() {
			if err := enc.Encode(v.Segment.Docs[it.Next()]); err != nil {
				return fmt.Errorf("encode checkpoint: %w", err)
			}
			count++
		}
	}

	meta, err := json.Marshal(checkpointMeta{Index: s.name, Docs: count, Generation: snap.Generation, WALOffset: offset, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode checkpoint meta: %w", err)
	}

	id := "checkpoint-" + uuid.NewString()
	dir := s.storage.SegmentsPath()
	if err := storage.WriteSegment(dir, storage.SegmentFiles{ID: id, Docs: buf.Bytes(), Meta: meta}, s.storage.Compressor); err != nil {
		return err
	}

	previous, _ := s.storage.Manifest.Snapshot()
	removeIDs := make([]string, 0, len(previous))
	for _, seg := range previous {
		removeIDs = append(removeIDs, seg.ID)
	}
	add := storage.SegmentMetadata{ID: id, DocumentCount: count, CreatedAt: time.Now().UTC()}
	if err := s.storage.Manifest.ReplaceSegments(removeIDs, []storage.SegmentMetadata{add}, offset); err != nil {
		return err
	}
	for _, old := range removeIDs {
		if err := storage.RemoveSegment(dir, old); err != nil {
			s.logger.Warn("failed to remove superseded checkpoint", "checkpoint", old, "error", err)
		}
	}

	s.logger.Info("checkpoint written", "checkpoint", id, "docCount", count, "walOffset", offset, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// recover loads the latest checkpoint and replays the WAL tail into a single segment.
func (s *Store) recover(dir string) error {
	start := time.Now()
	st, pending, err := storage.OpenEngineStorage(dir)
	if err != nil {
		return err
	}
	s.storage = st
	s.walOffset = st.RecoveredOffset()

	b := s.newBatch()
	b.replayed = true
	restored, skipped := 0, 0

	segments, _ := st.Manifest.Snapshot()
	for _, meta := range segments {
		files, err := storage.ReadSegment(st.SegmentsPath(), meta.ID, st.Compressor)
		if err != nil {
			_ = st.Close()
			return err
		}
		dec := json.NewDecoder(bytes.NewReader(files.Docs))
		for {
			var doc StoredDoc
			if err := dec.Decode(&doc); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				_ = st.Close()
				return fmt.Errorf("decode checkpoint %s: %w", meta.ID, err)
			}
			rec := storage.WALRecord{Operation: storage.OpIndex, ID: doc.ID, Version: doc.Version, Routing: doc.Routing, Source: doc.Source}
			if err := b.replay(rec); err != nil {
				s.logger.Warn("skipping unreadable checkpoint document", "id", doc.ID, "error", err)
				skipped++
				continue
			}
			restored++
		}
	}

	for _, rec := range pending {
		if err := b.replay(rec); err != nil {
			s.logger.Warn("skipping unreadable wal record", "id", rec.ID, "op", rec.Operation, "error", err)
			skipped++
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := b.commit(); err != nil {
		_ = st.Close()
		return err
	}

	s.logger.Info("index recovered", "checkpointDocs", restored, "walRecords", len(pending), "skipped", skipped, "walOffset", s.walOffset, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
