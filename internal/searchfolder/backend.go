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

package searchfolder

import (
	"context"
	"errors"

	"github.com/mailstacks/lmtpd/internal/restriction"
	"github.com/mailstacks/lmtpd/internal/store"
)

// ErrDeadlock is wrapped (or returned) by Backend.Update when the row lock
// on the search folder's identity property hit a deadlock or lock timeout;
// the engine rolls back and retries up to maxLockRetries times.
var ErrDeadlock = errors.New("searchfolder: row lock deadlock")

// Persisted is one search folder as recovered from the store at startup.
type Persisted struct {
	Store       store.StoreID
	Folder      uint32
	CriteriaXML string
	Status      Status
}

// ResultsTx is the per-folder transaction handed to Backend.Update
// callbacks. All mutations commit atomically with the counter adjustments,
// preserving the counter-consistency invariant.
type ResultsTx interface {
	// Has reports whether obj is present in the search results and, if so,
	// its read flag.
	Has(obj uint32) (present, read bool, err error)
	Insert(obj uint32, read bool) error
	UpdateRead(obj uint32, read bool) error
	// Delete removes obj's row, reporting whether it was present and, if
	// so, its read flag (needed to adjust the unread counter).
	Delete(obj uint32) (present, read bool, err error)
	// AdjustCounters applies a delta to the folder's content and unread
	// counter properties within the same transaction.
	AdjustCounters(dContent, dUnread int) error
}

// Backend is the persistence surface the engine drives: search folder
// status/criteria properties, folder hierarchy lookups, contents listing
// for the table-scan population path, and the row-locked results
// transaction.
type Backend interface {
	// LoadAll scans for folders of type search whose persisted status is
	// not stopped, so a restart re-enters rebuilding for each of them.
	LoadAll(ctx context.Context) ([]Persisted, error)

	SaveStatus(ctx context.Context, st store.StoreID, folder uint32, status Status) error
	SaveCriteria(ctx context.Context, st store.StoreID, folder uint32, criteriaXML string) error
	SaveSuggestion(ctx context.Context, st store.StoreID, folder uint32, suggestion string) error

	// ParentFolder resolves folder's parent from the hierarchy cache; ok is
	// false at the store root or on a missing cache entry (treated by the
	// engine as "not in scope").
	ParentFolder(ctx context.Context, st store.StoreID, folder uint32) (parent uint32, ok bool, err error)
	// Subfolders lists folder's direct children, used to expand a recursive
	// scope before population.
	Subfolders(ctx context.Context, st store.StoreID, folder uint32) ([]uint32, error)
	// ListContents pages through folder's contents table in descending
	// creation order.
	ListContents(ctx context.Context, st store.StoreID, folder uint32, offset, limit int) ([]uint32, error)

	// Update runs fn inside a transaction holding the SQL-level row lock on
	// the search folder's identity property. A deadlock or lock timeout is
	// reported as an error wrapping ErrDeadlock after rollback.
	Update(ctx context.Context, st store.StoreID, folder uint32, fn func(ResultsTx) error) error

	// ClearResults wipes the search results table for folder, used by
	// RemoveSearchFolder and before repopulation.
	ClearResults(ctx context.Context, st store.StoreID, folder uint32) error
}

// RowSource supplies evaluable properties for candidate rows; the live
// wiring backs this with the store object table (C6) so truncation and
// MVI handling stay in one place.
type RowSource interface {
	GetProps(ctx context.Context, st store.StoreID, folder uint32, objs []uint32, tags []store.PropTag) (map[uint32]map[store.PropTag]store.Value, error)
	// Invalidate drops cached rows for folder after a committed change.
	Invalidate(st store.StoreID, folder uint32)
}

// Notifier receives table change notifications after commits. TableChange
// signals a bulk change; the TableRow* calls signal one row. The engine
// additionally emits TableRowModify for the search folder's parent after
// every commit because the folder's counter properties changed.
type Notifier interface {
	TableChange(st store.StoreID, folder uint32)
	TableRowAdd(st store.StoreID, folder, obj uint32)
	TableRowModify(st store.StoreID, folder, obj uint32)
	TableRowDelete(st store.StoreID, folder, obj uint32)
}

// Indexer is the subset of the full-text client (C2) the engine uses for
// the population fast path; nil disables it.
type Indexer interface {
	Props(ctx context.Context) ([]uint16, error)
	Query(ctx context.Context, serverGUID, storeGUID string, folders []uint32, terms []IndexTerm) (matches []uint32, suggestion string, err error)
}

// IndexTerm aliases the normaliser's term type so the Indexer interface is
// satisfied by the full-text client (C2) without an adapter.
type IndexTerm = restriction.IndexTerm
