package engine

import (
	"context"

	"asterengine/internal/index"
)

// IndexDocument stores a full document in the named index.
func (e *Engine) IndexDocument(ctx context.Context, name string, req index.IndexRequest) (index.WriteResult, error) {
	idx, err := e.Index(name)
	if err != nil {
		return index.WriteResult{}, err
	}
	return idx.store.Index(ctx, req)
}

// UpdateDocument merges a partial document into a stored one.
func (e *Engine) UpdateDocument(ctx context.Context, name string, req index.UpdateRequest) (index.WriteResult, error) {
	idx, err := e.Index(name)
	if err != nil {
		return index.WriteResult{}, err
	}
	return idx.store.Update(ctx, req)
}

func (e *Engine) DeleteDocument(ctx context.Context, name string, req index.DeleteRequest) (index.WriteResult, error) {
	idx, err := e.Index(name)
	if err != nil {
		return index.WriteResult{}, err
	}
	return idx.store.Delete(ctx, req)
}

// GetDocument returns the latest live version of a document.
func (e *Engine) GetDocument(name, id string) (index.Document, error) {
	idx, err := e.Index(name)
	if err != nil {
		return index.Document{}, err
	}
	return idx.store.Get(id)
}

// Bulk applies items in order against the named index, reporting one result per item.
func (e *Engine) Bulk(ctx context.Context, name string, items []index.BulkItem) (index.BulkResponse, error) {
	idx, err := e.Index(name)
	if err != nil {
		return index.BulkResponse{}, err
	}
	return idx.store.Bulk(ctx, items), nil
}
