package index

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"asterengine/internal/apperr"
)

// BulkItem is one action of a bulk request. For updates Source holds the partial document.
type BulkItem struct {
	Action      OpType
	ID          string
	Routing     string
	Source      json.RawMessage
	DocAsUpsert bool
	IfVersion   *int64
}

// ItemError describes why a bulk item failed.
type ItemError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkItemResult is the per-item outcome of a bulk request.
type BulkItemResult struct {
	Action OpType `json:"-"`
	WriteResult
	Status int        `json:"status"`
	Error  *ItemError `json:"error,omitempty"`

	err error
}

// Err returns the item failure, if any.
func (r BulkItemResult) Err() error {
	return r.err
}

// MarshalJSON nests the result under its action name.
func (r BulkItemResult) MarshalJSON() ([]byte, error) {
	type plain struct {
		WriteResult
		Status int        `json:"status"`
		Error  *ItemError `json:"error,omitempty"`
	}
	return json.Marshal(map[OpType]plain{r.Action: {WriteResult: r.WriteResult, Status: r.Status, Error: r.Error}})
}

// BulkResponse reports one result per submitted item, in order.
type BulkResponse struct {
	Took   int64            `json:"took"`
	Errors bool             `json:"errors"`
	Items  []BulkItemResult `json:"items"`
}

type bulkMeta struct {
	ID        string `json:"_id"`
	Routing   string `json:"routing"`
	IfVersion *int64 `json:"if_version"`
}

// ParseBulk reads newline-delimited action/source pairs. Delete actions carry no source
// line; update sources are {"doc": {...}, "doc_as_upsert": bool}.
func ParseBulk(r io.Reader) ([]BulkItem, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	next := func() ([]byte, bool) {
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) > 0 {
				return append([]byte(nil), line...), true
			}
		}
		return nil, false
	}

	var items []BulkItem
	for line := 1; ; line++ {
		raw, ok := next()
		if !ok {
			break
		}
		var action map[OpType]bulkMeta
		if err := json.Unmarshal(raw, &action); err != nil || len(action) != 1 {
			return nil, apperr.Validationf("malformed bulk action on item %d", line)
		}

		for op, meta := range action {
			item := BulkItem{Action: op, ID: meta.ID, Routing: meta.Routing, IfVersion: meta.IfVersion}
			switch op {
			case OpIndex, OpCreate:
				source, ok := next()
				if !ok {
					return nil, apperr.Validationf("bulk item %d is missing its source", line)
				}
				item.Source = source
			case OpUpdate:
				source, ok := next()
				if !ok {
					return nil, apperr.Validationf("bulk item %d is missing its source", line)
				}
				var body struct {
					Doc         json.RawMessage `json:"doc"`
					DocAsUpsert bool            `json:"doc_as_upsert"`
				}
				if err := json.Unmarshal(source, &body); err != nil {
					return nil, apperr.Validationf("malformed update body on item %d: %v", line, err)
				}
				item.Source = body.Doc
				item.DocAsUpsert = body.DocAsUpsert
			case OpDelete:
			default:
				return nil, apperr.Validationf("unknown bulk action [%s] on item %d", op, line)
			}
			items = append(items, item)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read bulk body: %w", err)
	}
	return items, nil
}

// mergeSource deep-merges partial into dst: objects merge key by key, every other value
// replaces.
func mergeSource(dst, partial map[string]any) map[string]any {
	for key, value := range partial {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeSource(existing, sub)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

func cloneSource(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			out[key] = cloneSource(sub)
			continue
		}
		out[key] = value
	}
	return out
}
