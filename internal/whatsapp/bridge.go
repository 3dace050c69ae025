package whatsapp

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/wagateway/internal/credstore"
)

// The device link keeps its working state in a local sqlite database managed
// by whatsmeow. The durable copy lives in the credential store: the device
// row becomes the creds blob and every auth row becomes one auxiliary key.
// snapshot copies the working database into an AuthState, hydrate rebuilds a
// fresh working database from one.

const deviceTable = "whatsmeow_device"

// authTables are the tables a restored device needs to stay linked and
// decrypt traffic. Contacts, chat settings, message secrets and the app state
// versions are left out; the server resends them after a restore and they
// grow with every chat.
var authTables = map[string]bool{
	deviceTable:                     true,
	"whatsmeow_identity_keys":       true,
	"whatsmeow_pre_keys":            true,
	"whatsmeow_sessions":            true,
	"whatsmeow_sender_keys":         true,
	"whatsmeow_app_state_sync_keys": true,
}

type cell struct {
	Type  string  `json:"t"`
	Bytes []byte  `json:"b,omitempty"`
	Str   string  `json:"s,omitempty"`
	Int   int64   `json:"i,omitempty"`
	Float float64 `json:"f,omitempty"`
}

type rowRecord struct {
	Table string          `json:"table"`
	Cells map[string]cell `json:"cells"`
}

func encodeCell(v any) cell {
	switch x := v.(type) {
	case nil:
		return cell{Type: "null"}
	case []byte:
		return cell{Type: "bytes", Bytes: append([]byte(nil), x...)}
	case string:
		return cell{Type: "text", Str: x}
	case int64:
		return cell{Type: "int", Int: x}
	case int:
		return cell{Type: "int", Int: int64(x)}
	case float64:
		return cell{Type: "float", Float: x}
	case bool:
		if x {
			return cell{Type: "int", Int: 1}
		}
		return cell{Type: "int", Int: 0}
	case time.Time:
		return cell{Type: "time", Str: x.UTC().Format(time.RFC3339Nano)}
	default:
		return cell{Type: "text", Str: fmt.Sprint(x)}
	}
}

func (c cell) value() (any, error) {
	switch c.Type {
	case "null":
		return nil, nil
	case "bytes":
		if c.Bytes == nil {
			return []byte{}, nil
		}
		return c.Bytes, nil
	case "text":
		return c.Str, nil
	case "int":
		return c.Int, nil
	case "float":
		return c.Float, nil
	case "time":
		return time.Parse(time.RFC3339Nano, c.Str)
	default:
		return nil, fmt.Errorf("unknown cell type %q", c.Type)
	}
}

type tableInfo struct {
	name    string
	columns []string
	pk      []string
}

func listTables(ctx context.Context, db *sql.DB) ([]tableInfo, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'whatsmeow\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		if authTables[name] {
			names = append(names, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]tableInfo, 0, len(names))
	for _, name := range names {
		info, err := describeTable(ctx, db, name)
		if err != nil {
			return nil, err
		}
		tables = append(tables, info)
	}
	return tables, nil
}

func describeTable(ctx context.Context, db *sql.DB, name string) (tableInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(name)))
	if err != nil {
		return tableInfo{}, fmt.Errorf("describe %s: %w", name, err)
	}
	defer rows.Close()

	info := tableInfo{name: name}
	type pkCol struct {
		name string
		pos  int
	}
	var pks []pkCol
	for rows.Next() {
		var (
			cid      int
			col      string
			typ      string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &defValue, &pk); err != nil {
			return tableInfo{}, err
		}
		info.columns = append(info.columns, col)
		if pk > 0 {
			pks = append(pks, pkCol{name: col, pos: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return tableInfo{}, err
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].pos < pks[j].pos })
	for _, p := range pks {
		info.pk = append(info.pk, p.name)
	}
	return info, nil
}

func readRows(ctx context.Context, db *sql.DB, t tableInfo) ([]rowRecord, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(t.name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.name, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []rowRecord
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.name, err)
		}
		rec := rowRecord{Table: t.name, Cells: make(map[string]cell, len(cols))}
		for i, col := range cols {
			rec.Cells[col] = encodeCell(vals[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// rowKey names a row by its table and a digest of its primary key, falling
// back to the whole row for tables without one.
func rowKey(t tableInfo, rec rowRecord) (string, error) {
	id := rec.Cells
	if len(t.pk) > 0 {
		id = make(map[string]cell, len(t.pk))
		for _, col := range t.pk {
			id[col] = rec.Cells[col]
		}
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return t.name + "/" + hex.EncodeToString(sum[:])[:32], nil
}

// snapshot copies the working database into st. Unchanged rows leave st
// untouched, so only real changes are marked dirty.
func snapshot(ctx context.Context, db *sql.DB, st *credstore.AuthState) error {
	tables, err := listTables(ctx, db)
	if err != nil {
		return err
	}
	keys := make(map[string][]byte)
	var device []byte
	for _, t := range tables {
		recs, err := readRows(ctx, db, t)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			raw, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("encode %s row: %w", t.name, err)
			}
			if t.name == deviceTable {
				if device == nil {
					device = raw
				}
				continue
			}
			name, err := rowKey(t, rec)
			if err != nil {
				return err
			}
			keys[name] = raw
		}
	}
	if device == nil {
		// Not paired yet; nothing worth persisting.
		return nil
	}
	st.SetCreds(device)
	for name, raw := range keys {
		st.SetKey(name, raw)
	}
	for _, name := range st.KeyNames() {
		if _, ok := keys[name]; !ok {
			st.RemoveKey(name)
		}
	}
	return nil
}

// hasDevice reports whether the working database already holds a device.
func hasDevice(ctx context.Context, db *sql.DB) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(deviceTable)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count devices: %w", err)
	}
	return n > 0, nil
}

// hydrate writes the durable state into an empty, already migrated working
// database. Columns that no longer exist in the current schema are dropped.
func hydrate(ctx context.Context, db *sql.DB, st *credstore.AuthState) error {
	creds := st.Creds()
	if len(creds) == 0 {
		return nil
	}
	tables, err := listTables(ctx, db)
	if err != nil {
		return err
	}
	schema := make(map[string]tableInfo, len(tables))
	for _, t := range tables {
		schema[t.name] = t
	}

	var device rowRecord
	if err := json.Unmarshal(creds, &device); err != nil {
		return fmt.Errorf("decode device record: %w", err)
	}
	if device.Table != deviceTable {
		return fmt.Errorf("creds record is for table %q", device.Table)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRow(ctx, tx, schema, device); err != nil {
		return err
	}
	for _, name := range st.KeyNames() {
		raw, _ := st.Key(name)
		var rec rowRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode key %s: %w", name, err)
		}
		if err := insertRow(ctx, tx, schema, rec); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRow(ctx context.Context, tx *sql.Tx, schema map[string]tableInfo, rec rowRecord) error {
	t, ok := schema[rec.Table]
	if !ok {
		// Not an auth table, or dropped by a newer schema.
		return nil
	}
	var (
		cols  []string
		marks []string
		args  []any
	)
	for _, col := range t.columns {
		c, ok := rec.Cells[col]
		if !ok {
			continue
		}
		v, err := c.value()
		if err != nil {
			return fmt.Errorf("%s.%s: %w", rec.Table, col, err)
		}
		cols = append(cols, quoteIdent(col))
		marks = append(marks, "?")
		args = append(args, v)
	}
	if len(cols) == 0 {
		return nil
	}
	q := fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		quoteIdent(rec.Table), strings.Join(cols, ", "), strings.Join(marks, ", "))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("restore %s row: %w", rec.Table, err)
	}
	return nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
