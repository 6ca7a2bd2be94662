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
	"sync"
	"testing"
	"time"

	"github.com/mailstacks/lmtpd/internal/restriction"
	"github.com/mailstacks/lmtpd/internal/store"
	"github.com/mailstacks/lmtpd/internal/testutils"
)

type memResults struct {
	rows    map[uint32]bool // object -> read flag
	content int
	unread  int
}

type memBackend struct {
	mu sync.Mutex

	parents  map[uint32]uint32   // folder -> parent
	children map[uint32][]uint32 // folder -> subfolders
	contents map[uint32][]uint32 // folder -> object ids, newest first

	results  map[uint32]*memResults // search folder -> results
	status   map[uint32]Status
	criteria map[uint32]string
	sugg     map[uint32]string

	// deadlocksLeft makes the next N Update calls fail with ErrDeadlock.
	deadlocksLeft int
	updateCalls   int
}

func newMemBackend() *memBackend {
	return &memBackend{
		parents:  map[uint32]uint32{},
		children: map[uint32][]uint32{},
		contents: map[uint32][]uint32{},
		results:  map[uint32]*memResults{},
		status:   map[uint32]Status{},
		criteria: map[uint32]string{},
		sugg:     map[uint32]string{},
	}
}

func (b *memBackend) resultsFor(folder uint32) *memResults {
	r, ok := b.results[folder]
	if !ok {
		r = &memResults{rows: map[uint32]bool{}}
		b.results[folder] = r
	}
	return r
}

func (b *memBackend) LoadAll(ctx context.Context) ([]Persisted, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Persisted
	for folder, status := range b.status {
		if status == StatusStopped {
			continue
		}
		out = append(out, Persisted{
			Store: "st", Folder: folder,
			CriteriaXML: b.criteria[folder], Status: status,
		})
	}
	return out, nil
}

func (b *memBackend) SaveStatus(ctx context.Context, st store.StoreID, folder uint32, status Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status[folder] = status
	return nil
}

func (b *memBackend) SaveCriteria(ctx context.Context, st store.StoreID, folder uint32, xml string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.criteria[folder] = xml
	return nil
}

func (b *memBackend) SaveSuggestion(ctx context.Context, st store.StoreID, folder uint32, s string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sugg[folder] = s
	return nil
}

func (b *memBackend) ParentFolder(ctx context.Context, st store.StoreID, folder uint32) (uint32, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parents[folder]
	return p, ok, nil
}

func (b *memBackend) Subfolders(ctx context.Context, st store.StoreID, folder uint32) ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint32{}, b.children[folder]...), nil
}

func (b *memBackend) ListContents(ctx context.Context, st store.StoreID, folder uint32, offset, limit int) ([]uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.contents[folder]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]uint32{}, all[offset:end]...), nil
}

type memTx struct {
	r *memResults
}

func (t *memTx) Has(obj uint32) (bool, bool, error) {
	read, ok := t.r.rows[obj]
	return ok, read, nil
}

func (t *memTx) Insert(obj uint32, read bool) error {
	t.r.rows[obj] = read
	return nil
}

func (t *memTx) UpdateRead(obj uint32, read bool) error {
	t.r.rows[obj] = read
	return nil
}

func (t *memTx) Delete(obj uint32) (bool, bool, error) {
	read, ok := t.r.rows[obj]
	delete(t.r.rows, obj)
	return ok, read, nil
}

func (t *memTx) AdjustCounters(dContent, dUnread int) error {
	t.r.content += dContent
	t.r.unread += dUnread
	return nil
}

func (b *memBackend) Update(ctx context.Context, st store.StoreID, folder uint32, fn func(ResultsTx) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateCalls++
	if b.deadlocksLeft > 0 {
		b.deadlocksLeft--
		return ErrDeadlock
	}

	// Run fn against a copy so a failed callback rolls back.
	orig := b.resultsFor(folder)
	cp := &memResults{rows: map[uint32]bool{}, content: orig.content, unread: orig.unread}
	for k, v := range orig.rows {
		cp.rows[k] = v
	}
	if err := fn(&memTx{r: cp}); err != nil {
		return err
	}
	b.results[folder] = cp
	return nil
}

func (b *memBackend) ClearResults(ctx context.Context, st store.StoreID, folder uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.results, folder)
	return nil
}

type memRows struct {
	mu    sync.Mutex
	props map[uint32]map[store.PropTag]store.Value
	// fetches counts GetProps object arguments, for the batch-dedup law.
	fetches map[uint32]int
}

func newMemRows() *memRows {
	return &memRows{
		props:   map[uint32]map[store.PropTag]store.Value{},
		fetches: map[uint32]int{},
	}
}

func (r *memRows) setMessage(obj uint32, subject string, flags uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.props[obj] = map[store.PropTag]store.Value{
		store.PrSubject:      {Tag: store.PTString, Str: subject},
		store.PrMessageFlags: {Tag: store.PTInt32, Int: int64(flags)},
	}
}

func (r *memRows) GetProps(ctx context.Context, st store.StoreID, folder uint32, objs []uint32, tags []store.PropTag) (map[uint32]map[store.PropTag]store.Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[uint32]map[store.PropTag]store.Value{}
	for _, obj := range objs {
		r.fetches[obj]++
		if p, ok := r.props[obj]; ok {
			out[obj] = p
		}
	}
	return out, nil
}

func (r *memRows) Invalidate(st store.StoreID, folder uint32) {}

type memNotify struct {
	mu     sync.Mutex
	events []string
}

func (n *memNotify) add(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, s)
}

func (n *memNotify) TableChange(st store.StoreID, folder uint32)          { n.add("change") }
func (n *memNotify) TableRowAdd(st store.StoreID, folder, obj uint32)     { n.add("add") }
func (n *memNotify) TableRowModify(st store.StoreID, folder, obj uint32)  { n.add("modify") }
func (n *memNotify) TableRowDelete(st store.StoreID, folder, obj uint32)  { n.add("delete") }

const (
	testStore  = store.StoreID("st")
	inboxID    = uint32(10)
	searchID   = uint32(99)
	subFolder  = uint32(11)
)

func subjectContains(term string) restriction.Restriction {
	return restriction.Content{
		Prop:  store.PrSubject,
		Value: term,
		Fuzzy: restriction.Substring | restriction.IgnoreCase,
	}
}

func newTestEngine(t *testing.T, b *memBackend, rows *memRows, n Notifier) *Engine {
	t.Helper()
	e := New(Config{
		Log:     testutils.Logger(t, "searchfolder"),
		Backend: b, Rows: rows, Notifier: n,
		ServerGUID: "srv",
	})
	t.Cleanup(e.Stop)
	return e
}

func waitStatus(t *testing.T, e *Engine, folder uint32, want Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := e.Status(testStore, folder); ok && got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := e.Status(testStore, folder)
	t.Fatalf("search folder %d never reached status %v (now %v)", folder, want, got)
}

func setCriteria(t *testing.T, e *Engine, res restriction.Restriction, scope []uint32, recursive bool) {
	t.Helper()
	err := e.SetSearchCriteria(context.Background(), testStore, searchID, Criteria{
		Scope: scope, Recursive: recursive, Restriction: res,
	})
	if err != nil {
		t.Fatalf("SetSearchCriteria: %v", err)
	}
	waitStatus(t, e, searchID, StatusRunning)
}

func TestPopulationTableScan(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	b.contents[inboxID] = []uint32{3, 2, 1}
	rows.setMessage(1, "quarterly report", 0)
	rows.setMessage(2, "lunch", 0)
	rows.setMessage(3, "Report: Q3", store.MsgFlagRead)

	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.resultsFor(searchID)
	if len(r.rows) != 2 {
		t.Fatalf("expected 2 result rows, got %d", len(r.rows))
	}
	if r.content != 2 || r.unread != 1 {
		t.Errorf("counters content=%d unread=%d, want 2/1", r.content, r.unread)
	}
}

// Law 1: counters always equal the materialised cardinalities once the
// queue is drained, across adds, modifies and deletes.
func TestCounterConsistency(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	ctx := context.Background()
	rows.setMessage(1, "report a", 0)
	rows.setMessage(2, "report b", 0)
	rows.setMessage(3, "unrelated", 0)
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1, 2, 3}, OpAdd)

	// Mark one read, drop one from matching, delete one.
	rows.setMessage(1, "report a", store.MsgFlagRead)
	rows.setMessage(2, "something else", 0)
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1, 2}, OpModify)
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1}, OpDelete)

	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.resultsFor(searchID)
	wantContent := len(r.rows)
	wantUnread := 0
	for _, read := range r.rows {
		if !read {
			wantUnread++
		}
	}
	if r.content != wantContent || r.unread != wantUnread {
		t.Errorf("counters content=%d unread=%d, want %d/%d", r.content, r.unread, wantContent, wantUnread)
	}
	if wantContent != 0 {
		t.Errorf("expected empty results after modify+delete, got %v", r.rows)
	}
}

// Law 2: processing the same event twice is observationally equivalent to
// processing it once.
func TestEventIdempotence(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	ctx := context.Background()
	rows.setMessage(1, "report", 0)
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1}, OpAdd)
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1}, OpAdd)

	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.resultsFor(searchID)
	if r.content != 1 || r.unread != 1 || len(r.rows) != 1 {
		t.Errorf("duplicate add not idempotent: content=%d unread=%d rows=%v", r.content, r.unread, r.rows)
	}
}

// Law 3: within one drained batch, duplicate (folder, op, id) events reach
// the row evaluator exactly once.
func TestBatchDeduplication(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	rows.setMessage(7, "report", 0)
	rows.mu.Lock()
	rows.fetches = map[uint32]int{}
	rows.mu.Unlock()

	e.Enqueue(
		Event{Store: testStore, Folder: inboxID, Object: 7, Op: OpAdd},
		Event{Store: testStore, Folder: inboxID, Object: 7, Op: OpAdd},
		Event{Store: testStore, Folder: inboxID, Object: 7, Op: OpAdd},
	)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rows.mu.Lock()
		n := rows.fetches[7]
		rows.mu.Unlock()
		if n > 0 {
			if n != 1 {
				t.Fatalf("object evaluated %d times within one batch, want 1", n)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("event was never processed")
}

func TestRecursiveScope(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	b.parents[subFolder] = inboxID
	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, true)

	ctx := context.Background()
	rows.setMessage(1, "report", 0)
	e.ProcessMessageChange(ctx, testStore, subFolder, []uint32{1}, OpAdd)

	b.mu.Lock()
	r := b.resultsFor(searchID)
	if len(r.rows) != 1 {
		t.Errorf("message in subfolder not picked up by recursive scope")
	}
	b.mu.Unlock()

	// The same event on a non-recursive search is out of scope.
	e2b := newMemBackend()
	e2b.parents[searchID] = 1
	e2b.parents[subFolder] = inboxID
	e2 := newTestEngine(t, e2b, rows, nil)
	setCriteria(t, e2, subjectContains("report"), []uint32{inboxID}, false)
	e2.ProcessMessageChange(ctx, testStore, subFolder, []uint32{1}, OpAdd)

	e2b.mu.Lock()
	defer e2b.mu.Unlock()
	if len(e2b.resultsFor(searchID).rows) != 0 {
		t.Errorf("non-recursive scope matched a subfolder event")
	}
}

func TestDeadlockRetry(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	ctx := context.Background()
	rows.setMessage(1, "report", 0)

	b.mu.Lock()
	b.deadlocksLeft = 2
	b.updateCalls = 0
	b.mu.Unlock()
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1}, OpAdd)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.resultsFor(searchID).rows) != 1 {
		t.Errorf("event lost despite retries remaining")
	}
	if b.updateCalls != 3 {
		t.Errorf("expected 3 update attempts (2 deadlocks + success), got %d", b.updateCalls)
	}
}

func TestDeadlockGiveUp(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	ctx := context.Background()
	rows.setMessage(1, "report", 0)

	b.mu.Lock()
	b.deadlocksLeft = 10
	b.updateCalls = 0
	b.mu.Unlock()
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1}, OpAdd)

	b.mu.Lock()
	defer b.mu.Unlock()
	if got := b.updateCalls; got != maxLockRetries+1 {
		t.Errorf("expected %d attempts (first try plus %d retries) before giving up, got %d", maxLockRetries+1, maxLockRetries, got)
	}
	if len(b.resultsFor(searchID).rows) != 0 {
		t.Errorf("row inserted despite permanent deadlock")
	}
}

func TestReadFlagFlipAdjustsUnread(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	ctx := context.Background()
	rows.setMessage(1, "report", 0)
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1}, OpAdd)

	rows.setMessage(1, "report", store.MsgFlagRead)
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{1}, OpModify)

	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.resultsFor(searchID)
	if r.content != 1 || r.unread != 0 {
		t.Errorf("read flip: content=%d unread=%d, want 1/0", r.content, r.unread)
	}

	// Soft-deleted rows never match.
	rows.setMessage(2, "report", store.MsgFlagDeleted)
	b.mu.Unlock()
	e.ProcessMessageChange(ctx, testStore, inboxID, []uint32{2}, OpAdd)
	b.mu.Lock()
	r = b.resultsFor(searchID)
	if _, ok := r.rows[2]; ok {
		t.Errorf("soft-deleted row inserted into results")
	}
}

func TestCancelAndRemove(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	e := newTestEngine(t, b, rows, nil)
	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	ctx := context.Background()
	if err := e.CancelSearchFolder(ctx, testStore, searchID); err != nil {
		t.Fatalf("CancelSearchFolder: %v", err)
	}
	if got, _ := e.Status(testStore, searchID); got != StatusStopped {
		t.Errorf("status after cancel = %v, want stopped", got)
	}
	b.mu.Lock()
	if b.status[searchID] != StatusStopped {
		t.Errorf("persisted status after cancel = %v, want stopped", b.status[searchID])
	}
	b.mu.Unlock()

	if err := e.RemoveSearchFolder(ctx, testStore, searchID); err != nil {
		t.Fatalf("RemoveSearchFolder: %v", err)
	}
	if _, ok := e.Status(testStore, searchID); ok {
		t.Errorf("folder still tracked after removal")
	}
}

func TestResumeRebuildsPersisted(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	b.contents[inboxID] = []uint32{1}
	rows.setMessage(1, "report", 0)

	critXML, err := MarshalCriteria(Criteria{
		Scope: []uint32{inboxID}, Restriction: subjectContains("report"),
	})
	if err != nil {
		t.Fatalf("MarshalCriteria: %v", err)
	}
	b.criteria[searchID] = critXML
	b.status[searchID] = StatusRebuilding

	e := newTestEngine(t, b, rows, nil)
	if err := e.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitStatus(t, e, searchID, StatusRunning)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.resultsFor(searchID).rows) != 1 {
		t.Errorf("resumed folder was not repopulated")
	}
}

type fakeIndexer struct {
	matches []uint32
	sugg    string
	props   []uint16
	queries int
	failing bool
}

func (f *fakeIndexer) Props(ctx context.Context) ([]uint16, error) {
	return f.props, nil
}

func (f *fakeIndexer) Query(ctx context.Context, serverGUID, storeGUID string, folders []uint32, terms []IndexTerm) ([]uint32, string, error) {
	f.queries++
	if f.failing {
		return nil, "", context.DeadlineExceeded
	}
	return f.matches, f.sugg, nil
}

func TestPopulationIndexerFastPath(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	rows.setMessage(5, "the Q3 report", 0)
	rows.setMessage(6, "report, already read", store.MsgFlagRead)

	idx := &fakeIndexer{
		matches: []uint32{5, 6},
		sugg:    "reports",
		props:   []uint16{store.PrSubject.ID()},
	}
	n := &memNotify{}
	e := New(Config{
		Log:     testutils.Logger(t, "searchfolder"),
		Backend: b, Rows: rows, Notifier: n, Indexer: idx,
		ServerGUID: "srv",
	})
	t.Cleanup(e.Stop)

	// The unread-only property comparison is not indexable, so it stays in
	// the residual restriction re-checked per candidate.
	crit := restriction.And{Children: []restriction.Restriction{
		subjectContains("report"),
		restriction.Property{Op: restriction.OpEQ, Prop: store.PrMessageFlags,
			Value: store.Value{Tag: store.PTInt32, Int: 0}},
	}}
	setCriteria(t, e, crit, []uint32{inboxID}, false)

	if idx.queries != 1 {
		t.Fatalf("indexer queried %d times, want 1", idx.queries)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.resultsFor(searchID)
	// Candidate 6 fails the residual check even though the indexer
	// returned it.
	if len(r.rows) != 1 {
		t.Errorf("fast path rows = %v, want only object 5", r.rows)
	}
	if _, ok := r.rows[5]; !ok {
		t.Errorf("object 5 missing from fast path rows %v", r.rows)
	}
	if b.sugg[searchID] != "reports" {
		t.Errorf("suggestion not persisted, got %q", b.sugg[searchID])
	}
}

func TestPopulationIndexerFallback(t *testing.T) {
	b := newMemBackend()
	rows := newMemRows()
	b.parents[searchID] = 1
	b.contents[inboxID] = []uint32{5}
	rows.setMessage(5, "the Q3 report", 0)

	idx := &fakeIndexer{failing: true, props: []uint16{store.PrSubject.ID()}}
	e := New(Config{
		Log:     testutils.Logger(t, "searchfolder"),
		Backend: b, Rows: rows, Indexer: idx,
		ServerGUID: "srv",
	})
	t.Cleanup(e.Stop)

	setCriteria(t, e, subjectContains("report"), []uint32{inboxID}, false)

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.resultsFor(searchID).rows) != 1 {
		t.Errorf("table-scan fallback did not populate after indexer failure")
	}
}
