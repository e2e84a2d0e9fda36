package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"

	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/index/storage"
	"asterengine/internal/mapping"
)

// OpType names a write action.
type OpType string

const (
	OpIndex  OpType = "index"
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Write results reported per operation.
const (
	ResultCreated = "created"
	ResultUpdated = "updated"
	ResultDeleted = "deleted"
	ResultNoop    = "noop"
)

// IndexRequest stores a full document. An empty ID gets a generated one.
type IndexRequest struct {
	ID        string
	Source    json.RawMessage
	Routing   string
	OpType    OpType
	IfVersion *int64
}

// UpdateRequest merges Doc into the stored source of an existing document.
type UpdateRequest struct {
	ID          string
	Doc         json.RawMessage
	DocAsUpsert bool
	Routing     string
	IfVersion   *int64
}

// DeleteRequest removes a document.
type DeleteRequest struct {
	ID        string
	IfVersion *int64
}

// WriteResult describes the outcome of one successful write.
type WriteResult struct {
	ID      string `json:"_id"`
	Version int64  `json:"_version"`
	Result  string `json:"result"`
}

// Document is the retrievable view of a stored document.
type Document struct {
	ID      string          `json:"_id"`
	Version int64           `json:"_version"`
	Routing string          `json:"_routing,omitempty"`
	Found   bool            `json:"found"`
	Source  json.RawMessage `json:"_source,omitempty"`
}

// Options tune a Store.
type Options struct {
	// DataDir enables durability when non-empty.
	DataDir        string
	MergeThreshold int
	MergeInterval  time.Duration
	Similarity     Similarity
	Logger         *slog.Logger
}

type location struct {
	seg     *Segment
	ord     uint32
	pending bool
}

// Store is the inverted index of one named index. Writes are serialized; every successful
// write publishes a new immutable Snapshot that readers load without locking.
type Store struct {
	name      string
	mappings  *mapping.Registry
	analyzers *analysis.Registry
	storage   *storage.EngineStorage
	logger    *slog.Logger
	sim       Similarity

	writeMu     sync.Mutex
	mergeMu     sync.Mutex
	current     atomic.Pointer[Snapshot]
	ids         map[string]location
	walOffset   int64
	nextSegment uint64

	mergeInterval  time.Duration
	mergeThreshold int
	mergeCh        chan struct{}
	stopCh         chan struct{}
	wg             sync.WaitGroup
	closeOnce      sync.Once
}

// Open builds a store for an index, restoring checkpoint and WAL state when opts.DataDir is
// set, and starts the background merge loop.
func Open(name string, mappings *mapping.Registry, analyzers *analysis.Registry, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sim := opts.Similarity
	if sim.K1 == 0 && sim.B == 0 {
		sim = DefaultSimilarity
	}
	mergeInterval := opts.MergeInterval
	if mergeInterval == 0 {
		mergeInterval = 30 * time.Second
	}
	mergeThreshold := opts.MergeThreshold
	if mergeThreshold == 0 {
		mergeThreshold = 4
	}

	s := &Store{
		name:           name,
		mappings:       mappings,
		analyzers:      analyzers,
		logger:         logger.With("component", "store", "index", name),
		sim:            sim,
		ids:            make(map[string]location),
		mergeInterval:  mergeInterval,
		mergeThreshold: mergeThreshold,
		mergeCh:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
	s.current.Store(&Snapshot{Mapping: mappings, Analyzers: analyzers, Similarity: sim})

	if opts.DataDir != "" {
		if err := s.recover(opts.DataDir); err != nil {
			return nil, err
		}
	}

	s.wg.Add(1)
	go s.mergeLoop()
	return s, nil
}

// Name returns the index name.
func (s *Store) Name() string {
	return s.name
}

// Snapshot returns the current point-in-time view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Get returns the latest live version of a document.
func (s *Store) Get(id string) (Document, error) {
	doc, ok := s.Snapshot().Get(id)
	if !ok {
		return Document{ID: id}, apperr.NotFoundf("document [%s] not found", id)
	}
	return Document{ID: doc.ID, Version: doc.Version, Routing: doc.Routing, Found: true, Source: doc.Source}, nil
}

// Index stores or replaces a document.
func (s *Store) Index(ctx context.Context, req IndexRequest) (WriteResult, error) {
	op := req.OpType
	if op == "" {
		op = OpIndex
	}
	res := s.write(ctx, []BulkItem{{Action: op, ID: req.ID, Source: req.Source, Routing: req.Routing, IfVersion: req.IfVersion}})
	return res[0].WriteResult, res[0].err
}

// Update merges a partial document into the stored source.
func (s *Store) Update(ctx context.Context, req UpdateRequest) (WriteResult, error) {
	res := s.write(ctx, []BulkItem{{Action: OpUpdate, ID: req.ID, Source: req.Doc, DocAsUpsert: req.DocAsUpsert, Routing: req.Routing, IfVersion: req.IfVersion}})
	return res[0].WriteResult, res[0].err
}

// Delete tombstones a document.
func (s *Store) Delete(ctx context.Context, req DeleteRequest) (WriteResult, error) {
	res := s.write(ctx, []BulkItem{{Action: OpDelete, ID: req.ID, IfVersion: req.IfVersion}})
	return res[0].WriteResult, res[0].err
}

// Bulk applies items in order. A failing item never aborts its siblings; every item gets
// a status.
func (s *Store) Bulk(ctx context.Context, items []BulkItem) BulkResponse {
	start := time.Now()
	results := s.write(ctx, items)
	resp := BulkResponse{Items: results}
	for _, r := range results {
		if r.Error != nil {
			resp.Errors = true
			break
		}
	}
	resp.Took = time.Since(start).Milliseconds()
	return resp
}

// Stats reports the shape of the current snapshot.
type Stats struct {
	Docs      int   `json:"docs"`
	Deleted   int   `json:"deleted"`
	Segments  int   `json:"segments"`
	WALOffset int64 `json:"walOffset"`
}

func (s *Store) Stats() Stats {
	snap := s.Snapshot()
	s.writeMu.Lock()
	offset := s.walOffset
	s.writeMu.Unlock()
	return Stats{Docs: snap.DocCount(), Deleted: snap.DeletedCount(), Segments: len(snap.Segments), WALOffset: offset}
}

// Close stops the merge loop and releases storage handles.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.mergeMu.Lock()
		defer s.mergeMu.Unlock()
		if s.storage != nil {
			err = s.storage.Close()
		}
	})
	return err
}

// Destroy closes the store and removes its on-disk state.
func (s *Store) Destroy() error {
	if err := s.Close(); err != nil {
		return err
	}
	if s.storage != nil {
		return s.storage.RemoveAll()
	}
	return nil
}

func (s *Store) newSegmentID() string {
	s.nextSegment++
	return fmt.Sprintf("seg-%06d", s.nextSegment)
}

// batch accumulates the effects of a sequence of operations against one base snapshot so
// they can be published as a single new segment plus cloned deletion bitmaps.
type batch struct {
	s        *Store
	base     *Snapshot
	overlay  map[string]location
	deleted  map[*Segment]*roaring.Bitmap
	docs     []StoredDoc
	parsed   []*mapping.ParsedDocument
	pending  *roaring.Bitmap
	records  []storage.WALRecord
	replayed bool
}

func (s *Store) newBatch() *batch {
	return &batch{
		s:       s,
		base:    s.current.Load(),
		overlay: make(map[string]location),
		deleted: make(map[*Segment]*roaring.Bitmap),
		pending: roaring.New(),
	}
}

func (b *batch) lookup(id string) (StoredDoc, location, bool) {
	loc, ok := b.overlay[id]
	if !ok {
		loc, ok = b.s.ids[id]
	}
	if !ok || (loc.seg == nil && !loc.pending) {
		return StoredDoc{}, location{}, false
	}
	if loc.pending {
		return b.docs[loc.ord], loc, true
	}
	return loc.seg.Docs[loc.ord], loc, true
}

func (b *batch) tombstone(loc location) {
	if loc.pending {
		b.pending.Add(loc.ord)
		return
	}
	bm, ok := b.deleted[loc.seg]
	if !ok {
		for _, v := range b.base.Segments {
			if v.Segment == loc.seg {
				bm = v.Deleted.Clone()
				break
			}
		}
		if bm == nil {
			bm = roaring.New()
		}
		b.deleted[loc.seg] = bm
	}
	bm.Add(loc.ord)
}

func (b *batch) put(doc StoredDoc, parsed *mapping.ParsedDocument) {
	ord := uint32(len(b.docs))
	b.docs = append(b.docs, doc)
	b.parsed = append(b.parsed, parsed)
	b.overlay[doc.ID] = location{ord: ord, pending: true}
}

func checkVersion(id string, ifVersion *int64, current StoredDoc, exists bool) error {
	if ifVersion == nil {
		return nil
	}
	if !exists {
		return apperr.Newf(apperr.ErrVersionConflict, "[%s]: version conflict, document does not exist (expected version [%d])", id, *ifVersion)
	}
	if current.Version != *ifVersion {
		return apperr.Newf(apperr.ErrVersionConflict, "[%s]: version conflict, current version [%d] is different than the one provided [%d]", id, current.Version, *ifVersion)
	}
	return nil
}

func decodeSource(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, apperr.Validationf("request body or source parameter is required")
	}
	var source map[string]any
	if err := json.Unmarshal(raw, &source); err != nil {
		return nil, apperr.Validationf("failed to parse document source: %v", err)
	}
	if source == nil {
		return nil, apperr.Validationf("document source must be a JSON object")
	}
	return source, nil
}

func (b *batch) apply(item BulkItem) (WriteResult, error) {
	switch item.Action {
	case OpIndex, OpCreate, "":
		return b.index(item)
	case OpUpdate:
		return b.update(item)
	case OpDelete:
		return b.delete(item)
	default:
		return WriteResult{ID: item.ID}, apperr.Validationf("unknown bulk action [%s]", item.Action)
	}
}

func (b *batch) index(item BulkItem) (WriteResult, error) {
	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	source, err := decodeSource(item.Source)
	if err != nil {
		return WriteResult{ID: id}, err
	}

	current, loc, exists := b.lookup(id)
	if item.Action == OpCreate && exists {
		return WriteResult{ID: id}, apperr.Newf(apperr.ErrVersionConflict, "[%s]: version conflict, document already exists (current version [%d])", id, current.Version)
	}
	if err := checkVersion(id, item.IfVersion, current, exists); err != nil {
		return WriteResult{ID: id}, err
	}
	return b.store(id, item.Routing, item.Source, source, current, loc, exists)
}

func (b *batch) store(id, routing string, raw json.RawMessage, source map[string]any, current StoredDoc, loc location, exists bool) (WriteResult, error) {
	parsed, err := b.s.mappings.Parse(source)
	if err != nil {
		return WriteResult{ID: id}, err
	}

	version := int64(1)
	result := ResultCreated
	if exists {
		version = current.Version + 1
		result = ResultUpdated
		b.tombstone(loc)
	}

	doc := StoredDoc{ID: id, Version: version, Routing: routing, Source: append(json.RawMessage(nil), raw...)}
	b.put(doc, parsed)
	b.records = append(b.records, storage.WALRecord{Operation: storage.OpIndex, ID: id, Version: version, Routing: routing, Source: doc.Source})
	return WriteResult{ID: id, Version: version, Result: result}, nil
}

func (b *batch) update(item BulkItem) (WriteResult, error) {
	if item.ID == "" {
		return WriteResult{}, apperr.Validationf("an id is required for update")
	}
	partial, err := decodeSource(item.Source)
	if err != nil {
		return WriteResult{ID: item.ID}, err
	}

	current, loc, exists := b.lookup(item.ID)
	if err := checkVersion(item.ID, item.IfVersion, current, exists); err != nil {
		return WriteResult{ID: item.ID}, err
	}
	if !exists {
		if !item.DocAsUpsert {
			return WriteResult{ID: item.ID}, apperr.NotFoundf("[%s]: document missing", item.ID)
		}
		return b.store(item.ID, item.Routing, item.Source, partial, current, loc, false)
	}

	existing, err := decodeSource(current.Source)
	if err != nil {
		return WriteResult{ID: item.ID}, err
	}
	merged := mergeSource(cloneSource(existing), partial)
	if reflect.DeepEqual(merged, existing) {
		return WriteResult{ID: item.ID, Version: current.Version, Result: ResultNoop}, nil
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return WriteResult{ID: item.ID}, fmt.Errorf("encode merged source: %w", err)
	}
	routing := item.Routing
	if routing == "" {
		routing = current.Routing
	}
	return b.store(item.ID, routing, raw, merged, current, loc, true)
}

func (b *batch) delete(item BulkItem) (WriteResult, error) {
	current, loc, exists := b.lookup(item.ID)
	if err := checkVersion(item.ID, item.IfVersion, current, exists); err != nil {
		return WriteResult{ID: item.ID}, err
	}
	if !exists {
		return WriteResult{ID: item.ID, Result: "not_found"}, apperr.NotFoundf("document [%s] not found", item.ID)
	}
	b.tombstone(loc)
	b.overlay[item.ID] = location{}
	version := current.Version + 1
	b.records = append(b.records, storage.WALRecord{Operation: storage.OpDelete, ID: item.ID, Version: version})
	return WriteResult{ID: item.ID, Version: version, Result: ResultDeleted}, nil
}

// replay re-applies a recovered record with its recorded version.
func (b *batch) replay(rec storage.WALRecord) error {
	_, loc, exists := b.lookup(rec.ID)
	switch rec.Operation {
	case storage.OpIndex:
		source, err := decodeSource(rec.Source)
		if err != nil {
			return err
		}
		parsed, err := b.s.mappings.Parse(source)
		if err != nil {
			return err
		}
		if exists {
			b.tombstone(loc)
		}
		b.put(StoredDoc{ID: rec.ID, Version: rec.Version, Routing: rec.Routing, Source: rec.Source}, parsed)
	case storage.OpDelete:
		if exists {
			b.tombstone(loc)
			b.overlay[rec.ID] = location{}
		}
	default:
		return fmt.Errorf("unknown wal operation %q for %s", rec.Operation, rec.ID)
	}
	return nil
}

// commit makes the batch durable and visible. Callers hold writeMu.
func (b *batch) commit() error {
	s := b.s
	if len(b.records) == 0 && !b.replayed {
		return nil
	}

	if s.storage != nil && !b.replayed {
		offset, err := s.storage.WAL.AppendBatch(b.records)
		if err != nil {
			return fmt.Errorf("append wal: %w", err)
		}
		s.walOffset = offset
	}

	views := make([]SegmentView, 0, len(b.base.Segments)+1)
	for _, v := range b.base.Segments {
		if bm, ok := b.deleted[v.Segment]; ok {
			v.Deleted = bm
		}
		views = append(views, v)
	}

	var seg *Segment
	if len(b.docs) > 0 {
		var err error
		seg, err = buildSegment(s.newSegmentID(), b.docs, b.parsed, s.mappings, s.analyzers)
		if err != nil {
			return err
		}
		views = append(views, SegmentView{Segment: seg, Deleted: b.pending})
	}

	for id, loc := range b.overlay {
		switch {
		case loc.pending:
			s.ids[id] = location{seg: seg, ord: loc.ord}
		default:
			delete(s.ids, id)
		}
	}

	s.current.Store(&Snapshot{
		Segments:   views,
		Mapping:    s.mappings,
		Analyzers:  s.analyzers,
		Similarity: s.sim,
		Generation: b.base.Generation + 1,
	})
	return nil
}

func (s *Store) write(ctx context.Context, items []BulkItem) []BulkItemResult {
	start := time.Now()
	results := make([]BulkItemResult, len(items))
	for i, item := range items {
		results[i].Action = item.Action
		if results[i].Action == "" {
			results[i].Action = OpIndex
		}
	}

	if err := ctx.Err(); err != nil {
		for i := range results {
			results[i].fail(apperr.Newf(apperr.ErrTimeout, "write aborted: %v", err))
		}
		return results
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	b := s.newBatch()
	var applied []int
	for i, item := range items {
		res, err := b.apply(item)
		results[i].WriteResult = res
		if err != nil {
			results[i].fail(err)
			continue
		}
		results[i].Status = http.StatusOK
		if res.Result == ResultCreated {
			results[i].Status = http.StatusCreated
		}
		applied = append(applied, i)
	}

	if err := b.commit(); err != nil {
		s.logger.Error("write failed", "error", err)
		for _, i := range applied {
			results[i].fail(err)
		}
		return results
	}

	if len(b.records) > 0 {
		s.logger.Debug("documents written", "operations", len(items), "applied", len(applied), "segments", len(s.current.Load().Segments), "duration_ms", time.Since(start).Milliseconds())
		s.maybeScheduleMerge()
	}
	return results
}

func (r *BulkItemResult) fail(err error) {
	r.err = err
	r.Status = apperr.HTTPStatus(err)
	r.Error = &ItemError{Type: apperr.Kind(err), Reason: err.Error()}
	if !errors.Is(err, apperr.ErrNotFound) {
		r.Result = ""
	}
}
