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
	"database/sql"
	"fmt"
	"strings"

	"github.com/mailstacks/lmtpd/internal/store"
)

// SQLBackend implements Backend over a denormalised properties table:
//
//	tproperties(object_id BLOB, tag INTEGER, int_val INTEGER,
//	            str_val TEXT, bin_val BLOB)
//
// BatchGet issues a single IN-list query covering every requested tag; it
// does not split or UNION the query per type class. RowGet streams one
// (object, tag) pair. The str/bin columns of the batch
// query are served from the denormalised row and may be capped by the
// store's writer; the Engine's truncation detection reroutes suspect
// values through RowGet, which reads the same row without a cap.
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

// InitSchema creates the properties table if missing.
func (b *SQLBackend) InitSchema(ctx context.Context) error {
	_, err := b.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tproperties (
		object_id BLOB NOT NULL,
		tag INTEGER NOT NULL,
		int_val INTEGER,
		str_val TEXT,
		bin_val BLOB,
		PRIMARY KEY (object_id, tag)
	)`)
	if err != nil {
		return fmt.Errorf("rowengine: initializing schema: %w", err)
	}
	return nil
}

func scanValue(tag store.PropTag, intVal sql.NullInt64, strVal sql.NullString, binVal []byte) store.Value {
	v := store.Value{Tag: tag.Type()}
	switch tag.Type() {
	case store.PTInt32, store.PTInt64, store.PTFiletime:
		v.Int = intVal.Int64
	case store.PTBool:
		v.Bool = intVal.Int64 != 0
	case store.PTString:
		v.Str = strVal.String
	case store.PTBinary:
		v.Bin = binVal
	case store.PTMVString:
		if strVal.Valid && strVal.String != "" {
			v.MVStr = strings.Split(strVal.String, "\x00")
		}
	}
	return v
}

func (b *SQLBackend) BatchGet(ctx context.Context, objs []store.ObjectID, tags []store.PropTag) (map[string]map[store.PropTag]store.Value, error) {
	if len(objs) == 0 || len(tags) == 0 {
		return map[string]map[store.PropTag]store.Value{}, nil
	}

	args := make([]interface{}, 0, len(objs)+len(tags))
	objPh := make([]string, 0, len(objs))
	for _, o := range objs {
		objPh = append(objPh, "?")
		args = append(args, []byte(o))
	}
	tagPh := make([]string, 0, len(tags))
	byNumeric := map[uint32]store.PropTag{}
	for _, t := range tags {
		bare := store.NewPropTag(t.ID(), t.Type())
		tagPh = append(tagPh, "?")
		args = append(args, uint32(bare))
		byNumeric[uint32(bare)] = t
	}

	q := fmt.Sprintf(
		`SELECT object_id, tag, int_val, str_val, bin_val FROM tproperties
		  WHERE object_id IN (%s) AND tag IN (%s)`,
		strings.Join(objPh, ", "), strings.Join(tagPh, ", "))

	rows, err := b.DB.QueryContext(ctx, b.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]map[store.PropTag]store.Value{}
	for rows.Next() {
		var objRaw []byte
		var tagNum uint32
		var intVal sql.NullInt64
		var strVal sql.NullString
		var binVal []byte
		if err := rows.Scan(&objRaw, &tagNum, &intVal, &strVal, &binVal); err != nil {
			return nil, err
		}
		tag, ok := byNumeric[tagNum]
		if !ok {
			continue
		}
		row := out[string(objRaw)]
		if row == nil {
			row = map[store.PropTag]store.Value{}
			out[string(objRaw)] = row
		}
		row[tag] = scanValue(tag, intVal, strVal, binVal)
	}
	return out, rows.Err()
}

func (b *SQLBackend) RowGet(ctx context.Context, obj store.ObjectID, tag store.PropTag) (store.Value, error) {
	bare := store.NewPropTag(tag.ID(), tag.Type())
	var intVal sql.NullInt64
	var strVal sql.NullString
	var binVal []byte
	err := b.DB.QueryRowContext(ctx, b.rebind(
		`SELECT int_val, str_val, bin_val FROM tproperties WHERE object_id = ? AND tag = ?`),
		[]byte(obj), uint32(bare)).Scan(&intVal, &strVal, &binVal)
	if err == sql.ErrNoRows {
		return store.Value{Tag: store.PTError, IsError: true}, nil
	}
	if err != nil {
		return store.Value{}, err
	}
	return scanValue(tag, intVal, strVal, binVal), nil
}

var _ Backend = (*SQLBackend)(nil)
