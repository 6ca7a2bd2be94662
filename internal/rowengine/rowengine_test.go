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

package rowengine

import (
	"context"
	"strings"
	"testing"

	"github.com/mailstacks/lmtpd/internal/store"
)

type fakeBackend struct {
	data map[string]map[store.PropTag]store.Value
	// full holds the untruncated values served by the per-row path.
	full map[string]map[store.PropTag]store.Value

	batchCalls  int
	batchTags   [][]store.PropTag
	rowGetCalls int
}

func (b *fakeBackend) BatchGet(ctx context.Context, objs []store.ObjectID, tags []store.PropTag) (map[string]map[store.PropTag]store.Value, error) {
	b.batchCalls++
	b.batchTags = append(b.batchTags, tags)
	out := map[string]map[store.PropTag]store.Value{}
	for _, obj := range objs {
		row, ok := b.data[string(obj)]
		if !ok {
			continue
		}
		outRow := map[store.PropTag]store.Value{}
		for _, t := range tags {
			if v, ok := row[t]; ok {
				outRow[t] = v
			}
		}
		out[string(obj)] = outRow
	}
	return out, nil
}

func (b *fakeBackend) RowGet(ctx context.Context, obj store.ObjectID, tag store.PropTag) (store.Value, error) {
	b.rowGetCalls++
	if row, ok := b.full[string(obj)]; ok {
		if v, ok := row[tag]; ok {
			return v, nil
		}
	}
	if row, ok := b.data[string(obj)]; ok {
		if v, ok := row[tag]; ok {
			return v, nil
		}
	}
	return store.Value{Tag: store.PTError, IsError: true}, nil
}

var (
	objA = store.ObjectID("a")
	objB = store.ObjectID("b")

	folder = store.ObjectID("folder")
)

func TestDuplicateTagsFetchedOnce(t *testing.T) {
	b := &fakeBackend{data: map[string]map[store.PropTag]store.Value{
		"a": {store.PrSubject: {Tag: store.PTString, Str: "hello"}},
	}}
	e := New(b)

	rows, err := e.FetchRows(context.Background(), folder,
		[]store.ObjectID{objA},
		[]store.PropTag{store.PrSubject, store.PrSubject, store.PrSubject})
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if got := rows[0].Values[store.PrSubject].Str; got != "hello" {
		t.Errorf("subject = %q", got)
	}
	if len(b.batchTags[0]) != 1 {
		t.Errorf("backend asked for %d tags, want deduplicated 1", len(b.batchTags[0]))
	}
}

func TestMVIExpansion(t *testing.T) {
	mvTag := store.NewPropTag(0x8001, store.PTMVString)
	mviTag := store.PropTag(uint32(mvTag) | uint32(store.PTMVIMarker))
	bare := store.NewPropTag(0x8001, store.PTMVString)

	b := &fakeBackend{data: map[string]map[store.PropTag]store.Value{
		"a": {
			mviTag:          {Tag: store.PTMVString, MVStr: []string{"x", "y", "z"}},
			store.PrSubject: {Tag: store.PTString, Str: "subj"},
		},
	}}
	e := New(b)

	rows, err := e.FetchRows(context.Background(), folder,
		[]store.ObjectID{objA}, []store.PropTag{mviTag, store.PrSubject})
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("MVI fan-out produced %d rows, want 3", len(rows))
	}
	for i, want := range []string{"x", "y", "z"} {
		if rows[i].Inst != i {
			t.Errorf("row %d instance = %d", i, rows[i].Inst)
		}
		if got := rows[i].Values[bare].Str; got != want {
			t.Errorf("row %d value = %q, want %q", i, got, want)
		}
		// Non-MVI tags replicate across the fanned-out rows.
		if got := rows[i].Values[store.PrSubject].Str; got != "subj" {
			t.Errorf("row %d subject = %q", i, got)
		}
	}
}

func TestTruncationRefetch(t *testing.T) {
	capped := strings.Repeat("x", 255)
	full := capped + " and the rest"

	b := &fakeBackend{
		data: map[string]map[store.PropTag]store.Value{
			"a": {store.PrSubject: {Tag: store.PTString, Str: capped}},
		},
		full: map[string]map[store.PropTag]store.Value{
			"a": {store.PrSubject: {Tag: store.PTString, Str: full}},
		},
	}
	e := New(b)

	rows, err := e.FetchRows(context.Background(), folder,
		[]store.ObjectID{objA}, []store.PropTag{store.PrSubject})
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	if got := rows[0].Values[store.PrSubject].Str; got != full {
		t.Errorf("truncated value not refetched: got %d bytes, want %d", len(got), len(full))
	}
	if b.rowGetCalls != 1 {
		t.Errorf("per-row path called %d times, want 1", b.rowGetCalls)
	}
}

func TestDeferredRoutedPerRow(t *testing.T) {
	b := &fakeBackend{data: map[string]map[store.PropTag]store.Value{
		"a": {store.PrSubject: {Tag: store.PTString, Str: "stale"}},
		"b": {store.PrSubject: {Tag: store.PTString, Str: "fresh"}},
	}}
	e := New(b)
	e.MarkDeferred(objA)

	rows, err := e.FetchRows(context.Background(), folder,
		[]store.ObjectID{objA, objB}, []store.PropTag{store.PrSubject})
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	// The deferred object must not be part of the column-batched query.
	if b.batchCalls != 1 {
		t.Fatalf("batch path called %d times, want 1", b.batchCalls)
	}
	if b.rowGetCalls == 0 {
		t.Errorf("deferred object was not routed through the per-row path")
	}

	e.Invalidate(objA)
	b.rowGetCalls = 0
	if _, err := e.FetchRows(context.Background(), folder,
		[]store.ObjectID{objA}, []store.PropTag{store.PrSubject}); err != nil {
		t.Fatalf("FetchRows after invalidate: %v", err)
	}
	if b.rowGetCalls != 0 {
		t.Errorf("invalidated object still routed per-row (%d calls)", b.rowGetCalls)
	}
}

func TestComputedProperties(t *testing.T) {
	b := &fakeBackend{data: map[string]map[store.PropTag]store.Value{}}
	e := New(b)
	e.RegisterComputed(store.PrEntryID.ID(), func(ctx context.Context, f, obj store.ObjectID) (store.Value, bool) {
		return store.Value{Tag: store.PTBinary, Bin: append([]byte(f), obj...)}, true
	})

	rows, err := e.FetchRows(context.Background(), folder,
		[]store.ObjectID{objA}, []store.PropTag{store.PrEntryID})
	if err != nil {
		t.Fatalf("FetchRows: %v", err)
	}
	want := string(folder) + string(objA)
	if got := string(rows[0].Values[store.PrEntryID].Bin); got != want {
		t.Errorf("computed entry-id = %q, want %q", got, want)
	}
	if b.batchCalls != 0 {
		t.Errorf("computed-only request still hit the backend batch path")
	}
}
