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

// Package searchfolder maintains materialised views ("search folders") over
// the hierarchical store: initial population against a restriction plus
// folder scope, then a live event stream applied by a single background
// worker, with per-folder SQL row locking, counter maintenance and change
// notifications.
package searchfolder

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mailstacks/lmtpd/framework/log"
	"github.com/mailstacks/lmtpd/internal/restriction"
	"github.com/mailstacks/lmtpd/internal/store"
)

// Op is the kind of store mutation carried by an Event.
type Op int

const (
	OpAdd Op = iota
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpModify:
		return "modify"
	default:
		return "delete"
	}
}

// Event is one store mutation fed into the engine's queue.
type Event struct {
	Store  store.StoreID
	Folder uint32
	Object uint32
	Op     Op
}

const (
	// eventBatchSize caps how many events one worker cycle drains.
	eventBatchSize = 500
	// interBatchPause is the sleep between worker cycles; a liveness
	// heuristic, not a correctness requirement.
	interBatchPause = time.Second

	maxLockRetries = 4
)

// ErrEngineStopped is returned by operations issued after Stop.
var ErrEngineStopped = errors.New("searchfolder: engine stopped")

// SearchFolder is one tracked search folder. Criteria is immutable once
// published into the engine map; a criteria change replaces the record.
type SearchFolder struct {
	Store    store.StoreID
	FolderID uint32
	Criteria Criteria

	status Status

	// cancel is closed to ask a running population goroutine to exit; the
	// goroutine acknowledges by clearing populating under the engine lock
	// and broadcasting threadFree.
	cancel     chan struct{}
	cancelOnce sync.Once
	populating bool
}

// requestCancel sets the per-folder exit flag. Safe to call more than once
// and from any goroutine.
func (sf *SearchFolder) requestCancel() {
	sf.cancelOnce.Do(func() { close(sf.cancel) })
}

// cancelled polls the exit flag without blocking.
func (sf *SearchFolder) cancelled() bool {
	select {
	case <-sf.cancel:
		return true
	default:
		return false
	}
}

// statusLocked returns the folder's current lifecycle state. Must be called with
// the engine lock held; external callers use Engine.Status.
func (sf *SearchFolder) statusLocked() Status { return sf.status }

// Engine is the process-wide search folder engine: the folder map, the
// event queue and the single background worker.
type Engine struct {
	log     log.Logger
	backend Backend
	rows    RowSource
	notify  Notifier
	idx     Indexer

	serverGUID string

	// mu guards folders and every SearchFolder's mutable fields.
	// threadFree is broadcast whenever a population goroutine exits, so
	// cancellation can wait without holding mu across the wait.
	mu         sync.Mutex
	threadFree *sync.Cond
	folders    map[store.StoreID]map[uint32]*SearchFolder

	// qMu/qCond implement the classic mutex+condvar event queue; producers
	// append, the worker drains in batches.
	qMu     sync.Mutex
	qCond   *sync.Cond
	queue   []Event
	stopped bool

	// searchable is the property-id set the indexer advertised via PROPS;
	// empty when no indexer is configured or PROPS failed.
	searchable store.PropSet

	wg sync.WaitGroup
}

// Config wires an Engine's collaborators. Indexer and Notifier may be nil.
type Config struct {
	Log        log.Logger
	Backend    Backend
	Rows       RowSource
	Notifier   Notifier
	Indexer    Indexer
	ServerGUID string
}

// New builds an Engine and starts its background worker. Call Stop to shut
// it down.
func New(cfg Config) *Engine {
	e := &Engine{
		log:        cfg.Log,
		backend:    cfg.Backend,
		rows:       cfg.Rows,
		notify:     cfg.Notifier,
		idx:        cfg.Indexer,
		serverGUID: cfg.ServerGUID,
		folders:    map[store.StoreID]map[uint32]*SearchFolder{},
		searchable: store.PropSet{},
	}
	e.threadFree = sync.NewCond(&e.mu)
	e.qCond = sync.NewCond(&e.qMu)

	if e.idx != nil {
		if ids, err := e.idx.Props(context.Background()); err == nil {
			for _, id := range ids {
				e.searchable[id] = struct{}{}
			}
		}
	}

	e.wg.Add(1)
	go e.worker()
	return e
}

// excludedFor converts the indexer's searchable-properties answer into the
// excluded set the normaliser wants for one restriction: every referenced
// property the indexer did not advertise. With no PROPS answer everything
// is excluded, forcing the table-scan fallback.
func (e *Engine) excludedFor(res restriction.Restriction) store.PropSet {
	exc := store.PropSet{}
	for _, t := range restriction.PropsUsed(res) {
		if !e.searchable.Has(t.ID()) {
			exc[t.ID()] = struct{}{}
		}
	}
	return exc
}

// Resume loads every persisted search folder whose status was not stopped
// and re-enters rebuilding for it, fulfilling the restart half of the
// persistence invariant.
func (e *Engine) Resume(ctx context.Context) error {
	persisted, err := e.backend.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, p := range persisted {
		crit, err := UnmarshalCriteria(p.CriteriaXML)
		if err != nil {
			e.log.Error("dropping search folder with unreadable criteria", err,
				"store", string(p.Store), "folder", p.Folder)
			continue
		}
		if err := e.SetSearchCriteria(ctx, p.Store, p.Folder, crit); err != nil {
			e.log.Error("failed to resume search folder", err,
				"store", string(p.Store), "folder", p.Folder)
		}
	}
	return nil
}

// Enqueue appends events to the engine queue and wakes the worker.
func (e *Engine) Enqueue(events ...Event) {
	e.qMu.Lock()
	defer e.qMu.Unlock()
	if e.stopped {
		return
	}
	e.queue = append(e.queue, events...)
	queueDepth.Set(float64(len(e.queue)))
	e.qCond.Signal()
}

// Stop makes further Enqueue calls no-ops, cancels every population
// goroutine and waits for the worker to process the events already queued
// and exit.
func (e *Engine) Stop() {
	e.qMu.Lock()
	e.stopped = true
	e.qCond.Broadcast()
	e.qMu.Unlock()

	e.mu.Lock()
	for _, byFolder := range e.folders {
		for _, sf := range byFolder {
			if sf.populating {
				sf.requestCancel()
			}
		}
	}
	for anyPopulating(e.folders) {
		e.threadFree.Wait()
	}
	e.mu.Unlock()

	e.wg.Wait()
}

func anyPopulating(folders map[store.StoreID]map[uint32]*SearchFolder) bool {
	for _, byFolder := range folders {
		for _, sf := range byFolder {
			if sf.populating {
				return true
			}
		}
	}
	return false
}

// worker is the single background event loop: wait for events, drain up to
// eventBatchSize, process the batch, pause, repeat.
func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		e.qMu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.qCond.Wait()
		}
		if len(e.queue) == 0 && e.stopped {
			e.qMu.Unlock()
			return
		}
		n := len(e.queue)
		if n > eventBatchSize {
			n = eventBatchSize
		}
		batch := make([]Event, n)
		copy(batch, e.queue[:n])
		e.queue = e.queue[n:]
		queueDepth.Set(float64(len(e.queue)))
		stopped := e.stopped
		e.qMu.Unlock()

		e.processBatch(batch)

		if stopped {
			continue // drain the rest without pausing on shutdown
		}
		time.Sleep(interBatchPause)
	}
}

// processBatch sorts the drained events by folder (stable, preserving op
// order within a folder), groups consecutive (folder, op) runs, dedupes
// object ids inside each group and dispatches to ProcessMessageChange.
func (e *Engine) processBatch(batch []Event) {
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].Store != batch[j].Store {
			return batch[i].Store < batch[j].Store
		}
		return batch[i].Folder < batch[j].Folder
	})

	for i := 0; i < len(batch); {
		j := i
		for j < len(batch) && batch[j].Store == batch[i].Store &&
			batch[j].Folder == batch[i].Folder && batch[j].Op == batch[i].Op {
			j++
		}

		// Deduplicate object ids, keeping the first occurrence: the row
		// engine cannot return the same key twice per call.
		seen := map[uint32]struct{}{}
		objs := make([]uint32, 0, j-i)
		for _, ev := range batch[i:j] {
			if _, ok := seen[ev.Object]; ok {
				continue
			}
			seen[ev.Object] = struct{}{}
			objs = append(objs, ev.Object)
		}

		e.ProcessMessageChange(context.Background(), batch[i].Store, batch[i].Folder, objs, batch[i].Op)
		i = j
	}
}

// snapshotFolders copies the search folder list for one store so event
// processing never holds the map lock across DB I/O.
func (e *Engine) snapshotFolders(st store.StoreID) []*SearchFolder {
	e.mu.Lock()
	defer e.mu.Unlock()
	byFolder := e.folders[st]
	out := make([]*SearchFolder, 0, len(byFolder))
	for _, sf := range byFolder {
		out = append(out, sf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FolderID < out[j].FolderID })
	return out
}

// inScope reports whether folder falls inside sf's scope: direct
// membership, or ancestor membership for recursive searches (walking
// parent ids through the hierarchy cache; a missing cache entry means
// "not in scope").
func (e *Engine) inScope(ctx context.Context, sf *SearchFolder, folder uint32) bool {
	for _, s := range sf.Criteria.Scope {
		if s == folder {
			return true
		}
	}
	if !sf.Criteria.Recursive {
		return false
	}
	cur := folder
	for {
		parent, ok, err := e.backend.ParentFolder(ctx, sf.Store, cur)
		if err != nil || !ok {
			return false
		}
		for _, s := range sf.Criteria.Scope {
			if s == parent {
				return true
			}
		}
		cur = parent
	}
}

// ProcessMessageChange applies one (folder, op) group of object ids to
// every search folder of the store. Exported because the worker is not the
// only caller: an embedding server may apply a change synchronously.
func (e *Engine) ProcessMessageChange(ctx context.Context, st store.StoreID, folder uint32, objs []uint32, op Op) {
	searches := e.snapshotFolders(st)
	if len(searches) == 0 {
		return
	}

	processedEvents.WithLabelValues(op.String()).Add(float64(len(objs)))

	for _, sf := range searches {
		// Deletes always take the not-in-scope branch: the row may be in
		// the results regardless of where the object lived.
		if op != OpDelete && !e.inScope(ctx, sf, folder) {
			continue
		}

		var err error
		switch op {
		case OpDelete:
			err = e.applyDelete(ctx, sf, objs)
		default:
			err = e.applyUpsert(ctx, sf, folder, objs, op)
		}
		if err != nil {
			e.log.Error("search folder update failed", err,
				"store", string(sf.Store), "folder", sf.FolderID, "op", op.String())
		}
	}
}

// lockedUpdate wraps Backend.Update with the deadlock retry policy: the
// first attempt plus up to maxLockRetries retries, counting retries and
// final failures.
func (e *Engine) lockedUpdate(ctx context.Context, sf *SearchFolder, fn func(ResultsTx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.backend.Update(ctx, sf.Store, sf.FolderID, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrDeadlock) {
			return err
		}
		if attempt == maxLockRetries {
			break
		}
		deadlockRetries.Inc()
	}
	lockFailures.Inc()
	return err
}

// evalTags derives the property tags needed to evaluate res, always
// including the message flags so the unread counter can be maintained.
func evalTags(res restriction.Restriction) []store.PropTag {
	tags := restriction.PropsUsed(res)
	for _, t := range tags {
		if t == store.PrMessageFlags {
			return tags
		}
	}
	return append(tags, store.PrMessageFlags)
}

func isRead(props map[store.PropTag]store.Value) bool {
	v, ok := props[store.PrMessageFlags]
	return ok && uint32(v.Int)&store.MsgFlagRead != 0
}

func isDeleted(props map[store.PropTag]store.Value) bool {
	v, ok := props[store.PrMessageFlags]
	return ok && uint32(v.Int)&store.MsgFlagDeleted != 0
}

// applyUpsert handles ADD/MODIFY for one search folder: evaluate the
// restriction on each candidate row and reconcile the results table and
// counters inside one row-locked transaction.
func (e *Engine) applyUpsert(ctx context.Context, sf *SearchFolder, folder uint32, objs []uint32, op Op) error {
	props, err := e.rows.GetProps(ctx, sf.Store, folder, objs, evalTags(sf.Criteria.Restriction))
	if err != nil {
		return err
	}

	type change struct {
		obj   uint32
		added bool
		mod   bool
		del   bool
	}
	var changes []change

	err = e.lockedUpdate(ctx, sf, func(tx ResultsTx) error {
		changes = changes[:0]
		for _, obj := range objs {
			rowProps := props[obj]
			match := rowProps != nil && !isDeleted(rowProps) &&
				restriction.Eval(sf.Criteria.Restriction, rowProps)

			present, prevRead, err := tx.Has(obj)
			if err != nil {
				return err
			}

			switch {
			case match && !present:
				read := isRead(rowProps)
				if err := tx.Insert(obj, read); err != nil {
					return err
				}
				dUnread := 0
				if !read {
					dUnread = 1
				}
				if err := tx.AdjustCounters(1, dUnread); err != nil {
					return err
				}
				changes = append(changes, change{obj: obj, added: true})

			case match && present:
				read := isRead(rowProps)
				if read != prevRead {
					if err := tx.UpdateRead(obj, read); err != nil {
						return err
					}
					d := 1
					if read {
						d = -1
					}
					if err := tx.AdjustCounters(0, d); err != nil {
						return err
					}
				}
				changes = append(changes, change{obj: obj, mod: true})

			case !match && present && op == OpModify:
				if _, _, err := tx.Delete(obj); err != nil {
					return err
				}
				dUnread := 0
				if !prevRead {
					dUnread = -1
				}
				if err := tx.AdjustCounters(-1, dUnread); err != nil {
					return err
				}
				changes = append(changes, change{obj: obj, del: true})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.rows.Invalidate(sf.Store, sf.FolderID)
	for _, ch := range changes {
		switch {
		case ch.added:
			e.notifyRow(sf, ch.obj, OpAdd)
		case ch.del:
			e.notifyRow(sf, ch.obj, OpDelete)
		case ch.mod:
			e.notifyRow(sf, ch.obj, OpModify)
		}
	}
	if len(changes) > 0 {
		e.notifyParent(ctx, sf)
	}
	return nil
}

// applyDelete removes objs from the results table if present, adjusting
// counters.
func (e *Engine) applyDelete(ctx context.Context, sf *SearchFolder, objs []uint32) error {
	var removed []uint32
	err := e.lockedUpdate(ctx, sf, func(tx ResultsTx) error {
		removed = removed[:0]
		for _, obj := range objs {
			present, read, err := tx.Delete(obj)
			if err != nil {
				return err
			}
			if !present {
				continue
			}
			dUnread := 0
			if !read {
				dUnread = -1
			}
			if err := tx.AdjustCounters(-1, dUnread); err != nil {
				return err
			}
			removed = append(removed, obj)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(removed) == 0 {
		return nil
	}
	e.rows.Invalidate(sf.Store, sf.FolderID)
	for _, obj := range removed {
		e.notifyRow(sf, obj, OpDelete)
	}
	e.notifyParent(ctx, sf)
	return nil
}

func (e *Engine) notifyRow(sf *SearchFolder, obj uint32, op Op) {
	if e.notify == nil {
		return
	}
	switch op {
	case OpAdd:
		e.notify.TableRowAdd(sf.Store, sf.FolderID, obj)
	case OpModify:
		e.notify.TableRowModify(sf.Store, sf.FolderID, obj)
	case OpDelete:
		e.notify.TableRowDelete(sf.Store, sf.FolderID, obj)
	}
}

// notifyParent emits TableRowModify for the search folder's own row in its
// parent folder, since the counter properties just changed.
func (e *Engine) notifyParent(ctx context.Context, sf *SearchFolder) {
	if e.notify == nil {
		return
	}
	parent, ok, err := e.backend.ParentFolder(ctx, sf.Store, sf.FolderID)
	if err != nil || !ok {
		return
	}
	e.notify.TableRowModify(sf.Store, parent, sf.FolderID)
}

// Status returns the lifecycle state of one search folder.
func (e *Engine) Status(st store.StoreID, folder uint32) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sf, ok := e.folders[st][folder]
	if !ok {
		return StatusStopped, false
	}
	return sf.statusLocked(), true
}

// GetSearchCriteria returns the criteria of one tracked search folder.
func (e *Engine) GetSearchCriteria(st store.StoreID, folder uint32) (Criteria, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sf, ok := e.folders[st][folder]
	if !ok {
		return Criteria{}, false
	}
	return sf.Criteria, true
}

// SetSearchCriteria installs (or replaces) a search folder's criteria,
// persists it, and starts population: stopped/running -> rebuilding.
func (e *Engine) SetSearchCriteria(ctx context.Context, st store.StoreID, folder uint32, crit Criteria) error {
	xmlCrit, err := MarshalCriteria(crit)
	if err != nil {
		return err
	}

	// Replacing live criteria cancels the previous population first.
	if err := e.cancelPopulation(st, folder); err != nil {
		return err
	}

	e.mu.Lock()
	if e.folders[st] == nil {
		e.folders[st] = map[uint32]*SearchFolder{}
	}
	sf := &SearchFolder{
		Store:    st,
		FolderID: folder,
		Criteria: crit,
		status:   StatusRebuilding,
		cancel:   make(chan struct{}),
	}
	e.folders[st][folder] = sf
	sf.populating = true
	activeSearches.Set(float64(countFolders(e.folders)))
	e.mu.Unlock()

	if err := e.backend.SaveCriteria(ctx, st, folder, xmlCrit); err != nil {
		e.clearPopulating(sf)
		return err
	}
	if err := e.backend.SaveStatus(ctx, st, folder, StatusRebuilding); err != nil {
		e.clearPopulating(sf)
		return err
	}

	go e.populate(sf)
	return nil
}

func countFolders(folders map[store.StoreID]map[uint32]*SearchFolder) int {
	n := 0
	for _, byFolder := range folders {
		n += len(byFolder)
	}
	return n
}

func (e *Engine) clearPopulating(sf *SearchFolder) {
	e.mu.Lock()
	sf.populating = false
	sf.status = StatusStopped
	e.threadFree.Broadcast()
	e.mu.Unlock()
}

// cancelPopulation sets the per-folder exit flag and waits on the
// thread-free condition, with the engine map unlocked during the DB-bound
// part of the wait.
func (e *Engine) cancelPopulation(st store.StoreID, folder uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	sf, ok := e.folders[st][folder]
	if !ok {
		return nil
	}
	if sf.populating {
		sf.requestCancel()
	}
	for sf.populating {
		e.threadFree.Wait()
	}
	return nil
}

// CancelSearchFolder transitions a folder to stopped, cancelling any
// running population. The criteria property is left intact.
func (e *Engine) CancelSearchFolder(ctx context.Context, st store.StoreID, folder uint32) error {
	if err := e.cancelPopulation(st, folder); err != nil {
		return err
	}

	e.mu.Lock()
	sf, ok := e.folders[st][folder]
	if ok {
		sf.status = StatusStopped
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.backend.SaveStatus(ctx, st, folder, StatusStopped)
}

// RemoveSearchFolder cancels the search and wipes its results table, used
// when the folder is deleted or its criteria cleared.
func (e *Engine) RemoveSearchFolder(ctx context.Context, st store.StoreID, folder uint32) error {
	if err := e.CancelSearchFolder(ctx, st, folder); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.folders[st], folder)
	if len(e.folders[st]) == 0 {
		delete(e.folders, st)
	}
	activeSearches.Set(float64(countFolders(e.folders)))
	e.mu.Unlock()

	return e.backend.ClearResults(ctx, st, folder)
}
