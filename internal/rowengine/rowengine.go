/*
lmtpd - concurrent LMTP delivery agent and search folder engine.
Copyright © 2019-2026 lmtpd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package rowengine materializes table rows for a folder/object set,
// combining a per-object/tag cache, computed properties, a deferred-update
// set routed to the per-row path, and a column-batched fast path for
// everything else (one query per type class, results merged by row key).
package rowengine

import (
	"context"
	"sync"

	"github.com/mailstacks/lmtpd/internal/store"
)

// Backend is the column-batched and per-row query surface a concrete store
// implementation (e.g. SQLBackend in sqlbackend.go) must provide.
type Backend interface {
	// BatchGet fetches tags for every object in objs in as few queries as
	// the backend can manage, one SELECT per type class, UNION-ed. The
	// result is keyed by string(ObjectID); missing (object, tag) pairs are
	// simply absent from the result, not an error.
	BatchGet(ctx context.Context, objs []store.ObjectID, tags []store.PropTag) (map[string]map[store.PropTag]store.Value, error)

	// RowGet streams the full, untruncated value of a single (object, tag)
	// pair via the per-row path.
	RowGet(ctx context.Context, obj store.ObjectID, tag store.PropTag) (store.Value, error)
}

// Computed is a function supplying a property value derived from context
// rather than stored directly (entry-id, instance-key, access-level,
// parent-entry-id, depth, ...).
type Computed func(ctx context.Context, folder store.ObjectID, obj store.ObjectID) (store.Value, bool)

// Row is one materialized output row: obj is the originating object, inst
// is the MVI instance index (zero for non-expanded rows), and Values holds
// every requested tag's value for this row.
type Row struct {
	Obj    store.ObjectID
	Inst   int
	Values map[store.PropTag]store.Value
}

// truncation caps mirror the store's own fast-path column widths; a value
// returned at exactly these lengths is suspect and re-fetched in full.
const (
	stringCap    = 255
	binaryCapLow = 255
	binaryCapHi  = 511
)

// Engine materializes rows for a folder given a requested tag set.
type Engine struct {
	backend Backend

	mu    sync.Mutex
	cache map[string]map[store.PropTag]store.Value

	computed map[uint16]Computed

	// deferred holds objects whose tproperties row is known stale and
	// must always be served via the per-row path rather than the
	// column-batched fast path.
	deferred map[string]struct{}
}

// New returns an Engine backed by backend.
func New(backend Backend) *Engine {
	return &Engine{
		backend:  backend,
		cache:    map[string]map[store.PropTag]store.Value{},
		computed: map[uint16]Computed{},
		deferred: map[string]struct{}{},
	}
}

// RegisterComputed installs a computed-property function for property id.
func (e *Engine) RegisterComputed(id uint16, fn Computed) {
	e.computed[id] = fn
}

// MarkDeferred flags obj's tproperties row as stale, routing all future
// fetches for it through the per-row path until the cache is invalidated
// for that object.
func (e *Engine) MarkDeferred(obj store.ObjectID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferred[string(obj)] = struct{}{}
}

// Invalidate drops any cached values and deferred-update marker for obj.
func (e *Engine) Invalidate(obj store.ObjectID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, string(obj))
	delete(e.deferred, string(obj))
}

func (e *Engine) isDeferred(obj store.ObjectID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.deferred[string(obj)]
	return ok
}

func (e *Engine) cacheGet(obj store.ObjectID, tag store.PropTag) (store.Value, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	row, ok := e.cache[string(obj)]
	if !ok {
		return store.Value{}, false
	}
	v, ok := row[tag]
	return v, ok
}

func (e *Engine) cachePut(obj store.ObjectID, tag store.PropTag, v store.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	row, ok := e.cache[string(obj)]
	if !ok {
		row = map[store.PropTag]store.Value{}
		e.cache[string(obj)] = row
	}
	row[tag] = v
}

// dedupeTags returns tags with duplicates removed, preserving first
// occurrence order, since the engine guarantees only one SQL result per
// (row, tag) and a caller requesting the same tag twice must get the same
// value both times without the backend being asked twice.
func dedupeTags(tags []store.PropTag) []store.PropTag {
	seen := make(map[store.PropTag]struct{}, len(tags))
	out := make([]store.PropTag, 0, len(tags))
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// FetchRows materializes rows for objs against the requested tags, under
// folder. One output Row per obj is produced, except for requests that
// include an MVI-flagged tag, which fan out into one Row per element of
// that tag's multi-value list (non-MVI tags are replicated across the
// fanned-out rows).
func (e *Engine) FetchRows(ctx context.Context, folder store.ObjectID, objs []store.ObjectID, tags []store.PropTag) ([]Row, error) {
	tags = dedupeTags(tags)

	var (
		computedTags []store.PropTag
		storedTags   []store.PropTag
	)
	for _, t := range tags {
		if _, ok := e.computed[t.ID()]; ok {
			computedTags = append(computedTags, t)
		} else {
			storedTags = append(storedTags, t)
		}
	}

	values, err := e.fetchStored(ctx, objs, storedTags)
	if err != nil {
		return nil, err
	}

	for _, obj := range objs {
		row := values[string(obj)]
		if row == nil {
			row = map[store.PropTag]store.Value{}
			values[string(obj)] = row
		}
		for _, t := range computedTags {
			if v, ok := e.computed[t.ID()](ctx, folder, obj); ok {
				row[t] = v
			}
		}
	}

	return expandMVI(objs, tags, values), nil
}

// fetchStored resolves storedTags for objs, splitting between the cache,
// the deferred per-row path and the column-batched fast path, with
// truncation-triggered refetch via the per-row path.
func (e *Engine) fetchStored(ctx context.Context, objs []store.ObjectID, tags []store.PropTag) (map[string]map[store.PropTag]store.Value, error) {
	result := map[string]map[store.PropTag]store.Value{}

	var batchObjs []store.ObjectID
	var perRowObjs []store.ObjectID

	for _, obj := range objs {
		if e.isDeferred(obj) {
			perRowObjs = append(perRowObjs, obj)
			continue
		}
		batchObjs = append(batchObjs, obj)
	}

	if len(batchObjs) > 0 && len(tags) > 0 {
		fetched, err := e.backend.BatchGet(ctx, batchObjs, tags)
		if err != nil {
			return nil, err
		}
		for key, row := range fetched {
			obj := store.ObjectID(key)
			out := map[store.PropTag]store.Value{}
			for tag, v := range row {
				if isTruncated(v) {
					full, err := e.backend.RowGet(ctx, obj, tag)
					if err != nil {
						return nil, err
					}
					v = full
				}
				e.cachePut(obj, tag, v)
				out[tag] = v
			}
			result[key] = out
		}
	}

	allObjs := append(append([]store.ObjectID{}, perRowObjs...), objs...)
	for _, obj := range allObjs {
		if _, ok := result[string(obj)]; ok && !contains(perRowObjs, obj) {
			continue
		}
		out := result[string(obj)]
		if out == nil {
			out = map[store.PropTag]store.Value{}
		}
		for _, tag := range tags {
			if v, ok := out[tag]; ok {
				continue
			} else if v, ok = e.cacheGet(obj, tag); ok {
				out[tag] = v
			} else {
				v, err := e.backend.RowGet(ctx, obj, tag)
				if err != nil {
					continue
				}
				e.cachePut(obj, tag, v)
				out[tag] = v
			}
		}
		result[string(obj)] = out
	}

	return result, nil
}

func contains(objs []store.ObjectID, obj store.ObjectID) bool {
	for _, o := range objs {
		if string(o) == string(obj) {
			return true
		}
	}
	return false
}

// isTruncated detects a value shape suggesting the column-batched fast
// path returned a capped value rather than the full one.
func isTruncated(v store.Value) bool {
	switch v.Tag {
	case store.PTString:
		return len(v.Str) == stringCap
	case store.PTBinary:
		return len(v.Bin) == binaryCapLow || len(v.Bin) == binaryCapHi
	default:
		return false
	}
}

// expandMVI fans rows with an MVI-flagged tag out into one Row per
// instance, replicating non-MVI tag values across the fanned-out rows.
func expandMVI(objs []store.ObjectID, tags []store.PropTag, values map[string]map[store.PropTag]store.Value) []Row {
	var mviTag *store.PropTag
	for i, t := range tags {
		if t.IsMVI() {
			mviTag = &tags[i]
			break
		}
	}

	var rows []Row
	for _, obj := range objs {
		row := values[string(obj)]
		if mviTag == nil {
			rows = append(rows, Row{Obj: obj, Values: row})
			continue
		}

		mv, ok := row[*mviTag]
		n := 0
		switch {
		case ok && mv.Tag == store.PTMVString:
			n = len(mv.MVStr)
		case ok && mv.Tag == store.PTMVInt32:
			n = len(mv.MVInt)
		case ok && mv.Tag == store.PTMVBinary:
			n = len(mv.MVBin)
		}
		if n == 0 {
			rows = append(rows, Row{Obj: obj, Values: row})
			continue
		}
		for i := 0; i < n; i++ {
			instRow := map[store.PropTag]store.Value{}
			for t, v := range row {
				if t == *mviTag {
					continue
				}
				instRow[t] = v
			}
			bare := store.NewPropTag(mviTag.ID(), mviTag.Type())
			instRow[bare] = instanceValue(mv, i)
			rows = append(rows, Row{Obj: obj, Inst: i, Values: instRow})
		}
	}
	return rows
}

func instanceValue(mv store.Value, i int) store.Value {
	switch mv.Tag {
	case store.PTMVString:
		return store.Value{Tag: store.PTString, Str: mv.MVStr[i]}
	case store.PTMVInt32:
		return store.Value{Tag: store.PTInt32, Int: mv.MVInt[i]}
	case store.PTMVBinary:
		return store.Value{Tag: store.PTBinary, Bin: mv.MVBin[i]}
	default:
		return store.Value{}
	}
}
