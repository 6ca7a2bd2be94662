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
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/mailstacks/lmtpd/internal/store"
)

// SQLBackend implements Backend over database/sql. Supported drivers are
// mysql, postgres and sqlite3; the placeholder style and the FOR UPDATE
// row lock clause are adjusted per driver (sqlite serialises writers at
// the connection level, so the explicit row lock is omitted there).
//
// Schema (created by InitSchema):
//
//	folders(store_id, folder_id, parent_id, folder_type, content_count,
//	        unread_count, search_status, search_criteria, suggestion)
//	messages(store_id, folder_id, object_id, flags, created_seq)
//	searchresults(store_id, folder_id, object_id, read_flag)
type SQLBackend struct {
	DB     *sql.DB
	Driver string
}

func (b *SQLBackend) rebind(q string) string {
	if b.Driver != "postgres" {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) forUpdate() string {
	if b.Driver == "sqlite3" {
		return ""
	}
	return " FOR UPDATE"
}

// classifyTxErr maps driver-specific deadlock/lock-timeout errors onto
// ErrDeadlock so the engine's retry policy can recognise them without
// knowing the driver.
func classifyTxErr(err error) error {
	if err == nil {
		return nil
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1213 deadlock, 1205 lock wait timeout.
		if myErr.Number == 1213 || myErr.Number == 1205 {
			return fmt.Errorf("%w: %v", ErrDeadlock, err)
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40P01 deadlock_detected, 55P03 lock_not_available.
		if pqErr.Code == "40P01" || pqErr.Code == "55P03" {
			return fmt.Errorf("%w: %v", ErrDeadlock, err)
		}
	}
	if strings.Contains(err.Error(), "database is locked") {
		return fmt.Errorf("%w: %v", ErrDeadlock, err)
	}
	return err
}

// InitSchema creates the backend tables if missing.
func (b *SQLBackend) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS folders (
			store_id VARCHAR(255) NOT NULL,
			folder_id INTEGER NOT NULL,
			parent_id INTEGER,
			folder_type INTEGER NOT NULL DEFAULT 0,
			content_count INTEGER NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0,
			search_status VARCHAR(16) NOT NULL DEFAULT 'stopped',
			search_criteria TEXT,
			suggestion TEXT,
			PRIMARY KEY (store_id, folder_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			store_id VARCHAR(255) NOT NULL,
			folder_id INTEGER NOT NULL,
			object_id INTEGER NOT NULL,
			flags INTEGER NOT NULL DEFAULT 0,
			created_seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (store_id, folder_id, object_id)
		)`,
		`CREATE TABLE IF NOT EXISTS searchresults (
			store_id VARCHAR(255) NOT NULL,
			folder_id INTEGER NOT NULL,
			object_id INTEGER NOT NULL,
			read_flag INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (store_id, folder_id, object_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("searchfolder: initializing schema: %w", err)
		}
	}
	return nil
}

// folderTypeSearch marks a folder row as a search folder in folder_type.
const folderTypeSearch = 2

func (b *SQLBackend) LoadAll(ctx context.Context) ([]Persisted, error) {
	rows, err := b.DB.QueryContext(ctx, b.rebind(
		`SELECT store_id, folder_id, search_criteria, search_status
		   FROM folders
		  WHERE folder_type = ? AND search_status <> 'stopped'`), folderTypeSearch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Persisted
	for rows.Next() {
		var p Persisted
		var crit sql.NullString
		var status string
		var st string
		if err := rows.Scan(&st, &p.Folder, &crit, &status); err != nil {
			return nil, err
		}
		p.Store = store.StoreID(st)
		p.CriteriaXML = crit.String
		p.Status = ParseStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *SQLBackend) SaveStatus(ctx context.Context, st store.StoreID, folder uint32, status Status) error {
	_, err := b.DB.ExecContext(ctx, b.rebind(
		`UPDATE folders SET search_status = ?, folder_type = ? WHERE store_id = ? AND folder_id = ?`),
		status.String(), folderTypeSearch, string(st), folder)
	return err
}

func (b *SQLBackend) SaveCriteria(ctx context.Context, st store.StoreID, folder uint32, criteriaXML string) error {
	_, err := b.DB.ExecContext(ctx, b.rebind(
		`UPDATE folders SET search_criteria = ?, folder_type = ? WHERE store_id = ? AND folder_id = ?`),
		criteriaXML, folderTypeSearch, string(st), folder)
	return err
}

func (b *SQLBackend) SaveSuggestion(ctx context.Context, st store.StoreID, folder uint32, suggestion string) error {
	_, err := b.DB.ExecContext(ctx, b.rebind(
		`UPDATE folders SET suggestion = ? WHERE store_id = ? AND folder_id = ?`),
		suggestion, string(st), folder)
	return err
}

func (b *SQLBackend) ParentFolder(ctx context.Context, st store.StoreID, folder uint32) (uint32, bool, error) {
	var parent sql.NullInt64
	err := b.DB.QueryRowContext(ctx, b.rebind(
		`SELECT parent_id FROM folders WHERE store_id = ? AND folder_id = ?`),
		string(st), folder).Scan(&parent)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !parent.Valid {
		return 0, false, nil
	}
	return uint32(parent.Int64), true, nil
}

func (b *SQLBackend) Subfolders(ctx context.Context, st store.StoreID, folder uint32) ([]uint32, error) {
	rows, err := b.DB.QueryContext(ctx, b.rebind(
		`SELECT folder_id FROM folders WHERE store_id = ? AND parent_id = ?`),
		string(st), folder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (b *SQLBackend) ListContents(ctx context.Context, st store.StoreID, folder uint32, offset, limit int) ([]uint32, error) {
	rows, err := b.DB.QueryContext(ctx, b.rebind(
		`SELECT object_id FROM messages
		  WHERE store_id = ? AND folder_id = ?
		  ORDER BY created_seq DESC
		  LIMIT ? OFFSET ?`),
		string(st), folder, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type sqlResultsTx struct {
	b      *SQLBackend
	tx     *sql.Tx
	st     string
	folder uint32
}

func (t *sqlResultsTx) Has(obj uint32) (bool, bool, error) {
	var read int
	err := t.tx.QueryRow(t.b.rebind(
		`SELECT read_flag FROM searchresults WHERE store_id = ? AND folder_id = ? AND object_id = ?`),
		t.st, t.folder, obj).Scan(&read)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, read != 0, nil
}

func (t *sqlResultsTx) Insert(obj uint32, read bool) error {
	r := 0
	if read {
		r = 1
	}
	_, err := t.tx.Exec(t.b.rebind(
		`INSERT INTO searchresults (store_id, folder_id, object_id, read_flag) VALUES (?, ?, ?, ?)`),
		t.st, t.folder, obj, r)
	return err
}

func (t *sqlResultsTx) UpdateRead(obj uint32, read bool) error {
	r := 0
	if read {
		r = 1
	}
	_, err := t.tx.Exec(t.b.rebind(
		`UPDATE searchresults SET read_flag = ? WHERE store_id = ? AND folder_id = ? AND object_id = ?`),
		r, t.st, t.folder, obj)
	return err
}

func (t *sqlResultsTx) Delete(obj uint32) (bool, bool, error) {
	present, read, err := t.Has(obj)
	if err != nil || !present {
		return present, read, err
	}
	_, err = t.tx.Exec(t.b.rebind(
		`DELETE FROM searchresults WHERE store_id = ? AND folder_id = ? AND object_id = ?`),
		t.st, t.folder, obj)
	return true, read, err
}

func (t *sqlResultsTx) AdjustCounters(dContent, dUnread int) error {
	_, err := t.tx.Exec(t.b.rebind(
		`UPDATE folders SET content_count = content_count + ?, unread_count = unread_count + ?
		  WHERE store_id = ? AND folder_id = ?`),
		dContent, dUnread, t.st, t.folder)
	return err
}

// Update opens a transaction, takes the SQL-level row lock on the search
// folder's identity row, runs fn and commits. Deadlocks surface as
// ErrDeadlock after rollback.
func (b *SQLBackend) Update(ctx context.Context, st store.StoreID, folder uint32, fn func(ResultsTx) error) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return classifyTxErr(err)
	}

	var dummy uint32
	err = tx.QueryRowContext(ctx, b.rebind(
		`SELECT folder_id FROM folders WHERE store_id = ? AND folder_id = ?`)+b.forUpdate(),
		string(st), folder).Scan(&dummy)
	if err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return fmt.Errorf("searchfolder: folder %d missing in store %s", folder, st)
		}
		return classifyTxErr(err)
	}

	if err := fn(&sqlResultsTx{b: b, tx: tx, st: string(st), folder: folder}); err != nil {
		tx.Rollback()
		return classifyTxErr(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyTxErr(err)
	}
	return nil
}

func (b *SQLBackend) ClearResults(ctx context.Context, st store.StoreID, folder uint32) error {
	tx, err := b.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.rebind(
		`DELETE FROM searchresults WHERE store_id = ? AND folder_id = ?`), string(st), folder); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, b.rebind(
		`UPDATE folders SET content_count = 0, unread_count = 0 WHERE store_id = ? AND folder_id = ?`),
		string(st), folder); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

var _ Backend = (*SQLBackend)(nil)
