// Package engine ties named indexes together: it owns the definition registry, one store
// per index, and exposes the document, search, aggregation, suggestion and analysis
// operations against an index by name. Every operation on a missing index fails with a
// not-found error; nothing is created implicitly.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"asterengine/internal/analysis"
	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
)

// Options configure an Engine. An empty DataDir keeps everything in memory.
type Options struct {
	DataDir        string
	MergeThreshold int
	MergeInterval  time.Duration
	Similarity     index.Similarity
	Logger         *slog.Logger
}

// Engine serves a set of named indexes.
type Engine struct {
	opts     Options
	registry *index.Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	indexes map[string]*Index
	closed  bool
}

// Index is one open index.
type Index struct {
	def       index.Definition
	analyzers *analysis.Registry
	mappings  *mapping.Registry
	store     *index.Store
}

// Info describes an index with its current mapping and shape.
type Info struct {
	index.Definition
	Stats index.Stats `json:"stats"`
}

// New opens the engine and every index already defined under opts.DataDir.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	var defsDir string
	if opts.DataDir != "" {
		defsDir = filepath.Join(opts.DataDir, "definitions")
	}
	registry, err := index.NewRegistry(defsDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:     opts,
		registry: registry,
		logger:   logger.With("component", "engine"),
		indexes:  make(map[string]*Index),
	}
	for _, def := range registry.List() {
		idx, err := e.open(def)
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("open index %s: %w", def.Name, err)
		}
		e.indexes[def.Name] = idx
	}
	e.logger.Info("engine opened", "indexes", len(e.indexes), "data_dir", opts.DataDir)
	return e, nil
}

// open compiles the analysis chain and mapping of def and opens its store. Configuration
// errors surface here, before anything is persisted.
func (e *Engine) open(def index.Definition) (*Index, error) {
	analyzers, err := analysis.NewRegistry(def.Settings.Analysis)
	if err != nil {
		return nil, err
	}
	mappings, err := mapping.NewRegistry(def.Mappings, analyzers)
	if err != nil {
		return nil, err
	}
	return e.openStore(def, analyzers, mappings)
}

func (e *Engine) openStore(def index.Definition, analyzers *analysis.Registry, mappings *mapping.Registry) (*Index, error) {
	opts := index.Options{
		MergeThreshold: e.opts.MergeThreshold,
		MergeInterval:  e.opts.MergeInterval,
		Similarity:     e.opts.Similarity,
		Logger:         e.opts.Logger,
	}
	if def.Settings.Similarity != nil {
		opts.Similarity = *def.Settings.Similarity
	}
	if def.Settings.MergeThreshold > 0 {
		opts.MergeThreshold = def.Settings.MergeThreshold
	}
	if e.opts.DataDir != "" {
		opts.DataDir = filepath.Join(e.opts.DataDir, "indexes", def.Name)
	}
	store, err := index.Open(def.Name, mappings, analyzers, opts)
	if err != nil {
		return nil, err
	}
	return &Index{def: def, analyzers: analyzers, mappings: mappings, store: store}, nil
}

// CreateIndex validates settings and mappings, persists the definition and opens the
// index. Nothing is left behind when any step fails.
func (e *Engine) CreateIndex(req index.CreateRequest) (index.Definition, error) {
	if err := index.ValidateName(req.Name); err != nil {
		return index.Definition{}, err
	}
	analyzers, err := analysis.NewRegistry(req.Settings.Analysis)
	if err != nil {
		return index.Definition{}, err
	}
	mappings, err := mapping.NewRegistry(req.Mappings, analyzers)
	if err != nil {
		return index.Definition{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return index.Definition{}, apperr.New(apperr.ErrValidation, "engine is closed")
	}

	def, err := e.registry.Create(req)
	if err != nil {
		return index.Definition{}, err
	}
	idx, err := e.openStore(def, analyzers, mappings)
	if err != nil {
		_ = e.registry.Delete(def.Name)
		return index.Definition{}, err
	}
	e.indexes[def.Name] = idx
	e.logger.Info("index created", "index", def.Name, "fields", len(mappings.Fields()))
	return def, nil
}

// Index returns the open index called name.
func (e *Engine) Index(name string) (*Index, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indexes[name]
	if !ok {
		return nil, apperr.NotFoundf("no such index [%s]", name)
	}
	return idx, nil
}

// GetIndex describes an index.
func (e *Engine) GetIndex(name string) (Info, error) {
	idx, err := e.Index(name)
	if err != nil {
		return Info{}, err
	}
	return idx.Info(), nil
}

// ListIndexes describes every index, ordered by name.
func (e *Engine) ListIndexes() []Info {
	e.mu.RLock()
	names := make([]string, 0, len(e.indexes))
	for name := range e.indexes {
		names = append(names, name)
	}
	e.mu.RUnlock()
	sort.Strings(names)

	out := make([]Info, 0, len(names))
	for _, name := range names {
		if info, err := e.GetIndex(name); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// DeleteIndex closes an index and removes its definition and data.
func (e *Engine) DeleteIndex(name string) error {
	e.mu.Lock()
	idx, ok := e.indexes[name]
	if !ok {
		e.mu.Unlock()
		return apperr.NotFoundf("no such index [%s]", name)
	}
	delete(e.indexes, name)
	e.mu.Unlock()

	if err := idx.store.Destroy(); err != nil {
		return fmt.Errorf("destroy index %s: %w", name, err)
	}
	if err := e.registry.Delete(name); err != nil {
		return err
	}
	e.logger.Info("index deleted", "index", name)
	return nil
}

// PutMapping adds fields to an index mapping. Conflicting redeclarations fail without
// changing the mapping.
func (e *Engine) PutMapping(name string, m mapping.Mapping) (mapping.Mapping, error) {
	idx, err := e.Index(name)
	if err != nil {
		return mapping.Mapping{}, err
	}
	if err := idx.mappings.PutMapping(m); err != nil {
		return mapping.Mapping{}, err
	}
	if err := e.persistMapping(idx); err != nil {
		return mapping.Mapping{}, err
	}
	return idx.mappings.Mapping(), nil
}

func (e *Engine) persistMapping(idx *Index) error {
	def := idx.def
	def.Mappings = idx.mappings.Mapping()
	return e.registry.UpdateDefinition(def)
}

// Stats reports the shape of an index.
func (e *Engine) Stats(name string) (index.Stats, error) {
	idx, err := e.Index(name)
	if err != nil {
		return index.Stats{}, err
	}
	return idx.store.Stats(), nil
}

// Refresh forces a merge of the index segments.
func (e *Engine) Refresh(name string) error {
	idx, err := e.Index(name)
	if err != nil {
		return err
	}
	return idx.store.Merge()
}

// Close persists dynamic mapping updates and closes every index. The engine refuses new
// indexes afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var firstErr error
	for name, idx := range e.indexes {
		if err := e.persistMapping(idx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := idx.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close index %s: %w", name, err)
		}
	}
	e.logger.Info("engine closed", "indexes", len(e.indexes))
	return firstErr
}

// Info describes the index with its current mapping.
func (idx *Index) Info() Info {
	def := idx.def
	def.Mappings = idx.mappings.Mapping()
	return Info{Definition: def, Stats: idx.store.Stats()}
}

// Snapshot returns the current point-in-time view of the index.
func (idx *Index) Snapshot() *index.Snapshot {
	return idx.store.Snapshot()
}

// withTimeout bounds ctx by d when d is positive.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
