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

	"github.com/mailstacks/lmtpd/internal/restriction"
)

const (
	// indexerEvalBatch is the candidate batch handed to the row evaluator
	// on the indexer fast path.
	indexerEvalBatch = 200
	// scanPageSize is the contents-table page size on the table-scan slow
	// path.
	scanPageSize = 20
)

// populate runs the initial population for sf, then transitions it to
// running. It is the per-folder short-lived rebuild goroutine; the exit
// flag is checked between batches and before each DB step.
func (e *Engine) populate(sf *SearchFolder) {
	ctx := context.Background()
	defer func() {
		e.mu.Lock()
		sf.populating = false
		e.threadFree.Broadcast()
		e.mu.Unlock()
	}()

	scope, err := e.expandScope(ctx, sf)
	if err != nil {
		e.log.Error("search population failed expanding scope", err,
			"store", string(sf.Store), "folder", sf.FolderID)
		return
	}

	done := e.populateViaIndexer(ctx, sf, scope)
	if !done {
		if !e.populateViaScan(ctx, sf, scope) {
			return // cancelled or failed; status stays rebuilding for a retry
		}
	}

	if sf.cancelled() {
		return
	}

	e.mu.Lock()
	sf.status = StatusRunning
	e.mu.Unlock()
	if err := e.backend.SaveStatus(ctx, sf.Store, sf.FolderID, StatusRunning); err != nil {
		e.log.Error("failed to persist search folder status", err,
			"store", string(sf.Store), "folder", sf.FolderID)
	}
}

// expandScope resolves the full folder scope, including descendants for
// recursive searches (breadth-first over the hierarchy cache).
func (e *Engine) expandScope(ctx context.Context, sf *SearchFolder) ([]uint32, error) {
	scope := append([]uint32{}, sf.Criteria.Scope...)
	if !sf.Criteria.Recursive {
		return scope, nil
	}

	seen := map[uint32]struct{}{}
	for _, f := range scope {
		seen[f] = struct{}{}
	}
	queue := append([]uint32{}, scope...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := e.backend.Subfolders(ctx, sf.Store, cur)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			scope = append(scope, c)
			queue = append(queue, c)
		}
	}
	return scope, nil
}

// populateViaIndexer is the fast path: extract indexable terms, ask the
// indexer for candidates, evaluate the residual restriction per candidate
// batch, and insert everything inside a single transaction with one bulk
// notification at the end. Returns false when the caller must fall back to
// the table scan.
func (e *Engine) populateViaIndexer(ctx context.Context, sf *SearchFolder, scope []uint32) bool {
	if e.idx == nil {
		return false
	}

	residual, terms, err := restriction.Normalise(sf.Criteria.Restriction, e.excludedFor(sf.Criteria.Restriction))
	if err != nil {
		return false
	}

	matches, suggestion, err := e.idx.Query(ctx, e.serverGUID, string(sf.Store), scope, terms)
	if err != nil {
		e.log.Error("indexer query failed, falling back to table scan", err,
			"store", string(sf.Store), "folder", sf.FolderID)
		return false
	}

	if suggestion != "" {
		if err := e.backend.SaveSuggestion(ctx, sf.Store, sf.FolderID, suggestion); err != nil {
			e.log.Error("failed to persist search suggestion", err,
				"store", string(sf.Store), "folder", sf.FolderID)
		}
	}

	tags := evalTags(residual)
	err = e.lockedUpdate(ctx, sf, func(tx ResultsTx) error {
		for start := 0; start < len(matches); start += indexerEvalBatch {
			if sf.cancelled() {
				return context.Canceled
			}
			end := start + indexerEvalBatch
			if end > len(matches) {
				end = len(matches)
			}
			batch := matches[start:end]

			props, err := e.rows.GetProps(ctx, sf.Store, sf.FolderID, batch, tags)
			if err != nil {
				return err
			}
			for _, obj := range batch {
				rowProps := props[obj]
				if rowProps == nil || isDeleted(rowProps) {
					continue
				}
				if !restriction.Eval(residual, rowProps) {
					continue
				}
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
			}
		}
		return nil
	})
	if err != nil {
		if err != context.Canceled {
			e.log.Error("indexer-backed population failed", err,
				"store", string(sf.Store), "folder", sf.FolderID)
		}
		return false
	}

	e.rows.Invalidate(sf.Store, sf.FolderID)
	if e.notify != nil {
		e.notify.TableChange(sf.Store, sf.FolderID)
	}
	e.notifyParent(ctx, sf)
	return true
}

// populateViaScan is the slow path: walk each scope folder's contents table
// in descending creation order, pull pages of scanPageSize rows, evaluate
// the full restriction and insert, emitting per-batch notifications so
// clients see progressive population.
func (e *Engine) populateViaScan(ctx context.Context, sf *SearchFolder, scope []uint32) bool {
	tags := evalTags(sf.Criteria.Restriction)

	for _, folder := range scope {
		for offset := 0; ; offset += scanPageSize {
			if sf.cancelled() {
				return false
			}
			page, err := e.backend.ListContents(ctx, sf.Store, folder, offset, scanPageSize)
			if err != nil {
				e.log.Error("search population scan failed", err,
					"store", string(sf.Store), "folder", folder)
				return false
			}
			if len(page) == 0 {
				break
			}

			props, err := e.rows.GetProps(ctx, sf.Store, folder, page, tags)
			if err != nil {
				e.log.Error("search population row fetch failed", err,
					"store", string(sf.Store), "folder", folder)
				return false
			}

			inserted := false
			err = e.lockedUpdate(ctx, sf, func(tx ResultsTx) error {
				inserted = false
				for _, obj := range page {
					rowProps := props[obj]
					if rowProps == nil || isDeleted(rowProps) {
						continue
					}
					if !restriction.Eval(sf.Criteria.Restriction, rowProps) {
						continue
					}
					present, _, err := tx.Has(obj)
					if err != nil {
						return err
					}
					if present {
						continue
					}
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
					inserted = true
				}
				return nil
			})
			if err != nil {
				e.log.Error("search population batch failed", err,
					"store", string(sf.Store), "folder", folder)
				return false
			}

			if inserted {
				e.rows.Invalidate(sf.Store, sf.FolderID)
				if e.notify != nil {
					e.notify.TableChange(sf.Store, sf.FolderID)
				}
				e.notifyParent(ctx, sf)
			}
		}
	}
	return true
}
