// Package aggs computes metric and bucket aggregations over the documents matched by a
// search. Top-level aggregations run concurrently; sub-aggregations run once per bucket
// over that bucket's documents.
package aggs

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"asterengine/internal/apperr"
	"asterengine/internal/index"
	"asterengine/internal/mapping"
)

// Aggregation is a node of an aggregation request. The set of implementations is closed.
type Aggregation interface {
	run(r *runner, docs index.DocSet) (Result, error)
}

// Aggs maps aggregation names to their definitions.
type Aggs map[string]Aggregation

// Input is what the aggregations run over.
type Input struct {
	Snapshot *index.Snapshot
	// Docs are the matched root documents; nil aggregates every live document.
	Docs index.DocSet
	// Now anchors date math; zero means the wall clock.
	Now time.Time
}

type runner struct {
	ctx  context.Context
	snap *index.Snapshot
	now  time.Time
}

func (r *runner) check() error {
	if err := r.ctx.Err(); err != nil {
		return apperr.Newf(apperr.ErrTimeout, "aggregation timed out: %v", err)
	}
	return nil
}

// Aggregate runs every top-level aggregation concurrently over in.Docs. Results are
// deterministic for a given snapshot and document set.
func Aggregate(ctx context.Context, in Input, aggs Aggs) (Results, error) {
	docs := in.Docs
	if docs == nil {
		docs = in.Snapshot.AllDocs()
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	g, gctx := errgroup.WithContext(ctx)
	r := &runner{ctx: gctx, snap: in.Snapshot, now: now}

	var mu sync.Mutex
	out := make(Results, len(aggs))
	for _, name := range sortedNames(aggs) {
		agg := aggs[name]
		g.Go(func() error {
			res, err := agg.run(r, docs)
			if err != nil {
				return err
			}
			mu.Lock()
			out[name] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// runSubs evaluates sub-aggregations sequentially over one bucket.
func (r *runner) runSubs(aggs Aggs, docs index.DocSet) (Results, error) {
	if len(aggs) == 0 {
		return nil, nil
	}
	out := make(Results, len(aggs))
	for _, name := range sortedNames(aggs) {
		res, err := aggs[name].run(r, docs)
		if err != nil {
			return nil, err
		}
		out[name] = res
	}
	return out, nil
}

func sortedNames(aggs Aggs) []string {
	names := make([]string, 0, len(aggs))
	for name := range aggs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// field resolves an aggregation field. Unmapped fields report ok=false; text and container
// fields cannot be aggregated.
func (r *runner) field(path, kind string) (mapping.FieldMapping, bool, error) {
	fm, err := r.snap.Mapping.Resolve(path)
	if err != nil {
		return mapping.FieldMapping{}, false, nil
	}
	switch fm.Type {
	case mapping.FieldTypeText:
		return fm, false, apperr.Validationf("text field [%s] has no doc values and cannot be used in a [%s] aggregation; use a keyword field instead", path, kind)
	case mapping.FieldTypeObject, mapping.FieldTypeNested, mapping.FieldTypeCompletion:
		return fm, false, apperr.Validationf("field [%s] of type [%s] is not supported for aggregation [%s]", path, fm.Type, kind)
	}
	return fm, true, nil
}

// numericField is field restricted to types with numeric doc values.
func (r *runner) numericField(path, kind string) (mapping.FieldMapping, bool, error) {
	fm, ok, err := r.field(path, kind)
	if err != nil || !ok {
		return fm, ok, err
	}
	if !fm.Type.IsNumeric() && fm.Type != mapping.FieldTypeDate && fm.Type != mapping.FieldTypeBoolean {
		return fm, false, apperr.Validationf("field [%s] of type [%s] is not supported for aggregation [%s]", path, fm.Type, kind)
	}
	return fm, true, nil
}

func (r *runner) fieldIndex(seg int, path string) *index.FieldIndex {
	return r.snap.Segments[seg].Segment.Root().Field(path)
}

// eachDoc calls fn for every document of docs with the field's index in its segment.
func (r *runner) eachDoc(docs index.DocSet, path string, fn func(seg int, ord uint32, fi *index.FieldIndex)) error {
	for seg, bm := range docs {
		if bm == nil {
			continue
		}
		if err := r.check(); err != nil {
			return err
		}
		fi := r.fieldIndex(seg, path)
		it := bm.Iterator()
		for it.HasNext() {
			fn(seg, it.Next(), fi)
		}
	}
	return nil
}

// numbers gathers every numeric value of path over docs. Documents without a value
// contribute missing when it is set.
func (r *runner) numbers(docs index.DocSet, path string, missing *float64) ([]float64, error) {
	var out []float64
	err := r.eachDoc(docs, path, func(_ int, ord uint32, fi *index.FieldIndex) {
		var values []float64
		if fi != nil {
			values = fi.Numbers[ord]
		}
		if len(values) == 0 && missing != nil {
			out = append(out, *missing)
			return
		}
		out = append(out, values...)
	})
	return out, err
}
