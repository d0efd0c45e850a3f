// Package sqlstore is the MySQL row store. All statements are parameterised;
// table and column names are checked against a fixed whitelist before they
// are spliced into SQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"pinecone-agent/internal/domain"
)

// ErrConflict is returned when a write lost a race with another writer.
var ErrConflict = errors.New("sqlstore: conflicting write")

// mysqlErrDuplicateEntry is ER_DUP_ENTRY.
const mysqlErrDuplicateEntry = 1062

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a MySQL-backed row store.
type Store struct {
	db     *sql.DB
	tables map[string][]string
	now    func() time.Time
}

type Option func(*Store)

// WithLiveTable whitelists a read-only table that flow steps may query.
func WithLiveTable(name string, columns ...string) Option {
	return func(s *Store) {
		s.tables[name] = append([]string(nil), columns...)
	}
}

// New wraps an open database handle.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db must not be nil")
	}
	s := &Store{db: db, tables: make(map[string][]string), now: time.Now}
	for name, cols := range schemaColumns {
		s.tables[name] = cols
	}
	for _, opt := range opts {
		opt(s)
	}
	for name, cols := range s.tables {
		if !identRe.MatchString(name) {
			return nil, fmt.Errorf("sqlstore: invalid table name %q", name)
		}
		for _, c := range cols {
			if !identRe.MatchString(c) {
				return nil, fmt.Errorf("sqlstore: invalid column name %q in table %q", c, name)
			}
		}
	}
	return s, nil
}

// PoolConfig tunes the connection pool opened by Open.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to MySQL and verifies the connection. The DSN should set
// parseTime=true.
func Open(ctx context.Context, dsn string, pool PoolConfig, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlstore: dsn is empty")
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: connector: %w", err)
	}
	db := sql.OpenDB(connector)
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping failed: %w", err)
	}
	return New(db, opts...)
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── generic access ───────────────────────────────────────────────────────────

// Where is a conjunction of column equality tests. A nil value tests IS NULL.
type Where map[string]any

// Select describes a Fetch.
type Select struct {
	Table     string
	Columns   []string
	Where     Where
	OrderBy   []string
	Desc      bool
	Limit     int
	ForUpdate bool
}

// Fetch runs a SELECT and returns rows as records in column order.
func (s *Store) Fetch(ctx context.Context, sel Select) ([]domain.Record, error) {
	return s.fetch(ctx, s.db, sel)
}

// Push inserts one row and returns the auto-increment id, if any.
func (s *Store) Push(ctx context.Context, table string, values map[string]any) (int64, error) {
	res, err := s.push(ctx, s.db, table, values)
	if err != nil {
		return 0, err
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// Update sets columns on matching rows and returns the number of rows changed.
func (s *Store) Update(ctx context.Context, table string, set map[string]any, where Where) (int64, error) {
	return s.update(ctx, s.db, table, set, where)
}

// Delete removes matching rows and returns how many were removed.
func (s *Store) Delete(ctx context.Context, table string, where Where) (int64, error) {
	return s.delete(ctx, s.db, table, where)
}

func (s *Store) fetch(ctx context.Context, q querier, sel Select) ([]domain.Record, error) {
	query, args, err := s.selectSQL(sel)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: fetch %s: %w", sel.Table, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		vals := make([]sql.NullString, len(sel.Columns))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlstore: fetch %s scan: %w", sel.Table, err)
		}
		rec := make(domain.Record, len(vals))
		for i, v := range vals {
			rec[i] = domain.Field{Name: sel.Columns[i], Value: v.String, Valid: v.Valid}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: fetch %s: %w", sel.Table, err)
	}
	return out, nil
}

func (s *Store) push(ctx context.Context, q querier, table string, values map[string]any) (sql.Result, error) {
	query, args, err := s.insertSQL(table, values)
	if err != nil {
		return nil, err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: push %s: %w", table, err)
	}
	return res, nil
}

func (s *Store) update(ctx context.Context, q querier, table string, set map[string]any, where Where) (int64, error) {
	query, args, err := s.updateSQL(table, set, where)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: update %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: update %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) delete(ctx context.Context, q querier, table string, where Where) (int64, error) {
	if len(where) == 0 {
		return 0, fmt.Errorf("sqlstore: delete %s: refusing to delete without a condition", table)
	}
	clause, args, err := s.whereSQL(table, where)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, "DELETE FROM "+table+clause, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlstore: delete %s: %w", table, err)
	}
	return n, nil
}

// ── SQL builders ─────────────────────────────────────────────────────────────

func (s *Store) checkColumns(table string, cols ...string) error {
	known, ok := s.tables[table]
	if !ok {
		return fmt.Errorf("sqlstore: unknown table %q", table)
	}
	for _, c := range cols {
		if !slices.Contains(known, c) {
			return fmt.Errorf("sqlstore: unknown column %q in table %q", c, table)
		}
	}
	return nil
}

func (s *Store) selectSQL(sel Select) (string, []any, error) {
	if len(sel.Columns) == 0 {
		return "", nil, fmt.Errorf("sqlstore: select from %q needs columns", sel.Table)
	}
	if err := s.checkColumns(sel.Table, append(slices.Clone(sel.Columns), sel.OrderBy...)...); err != nil {
		return "", nil, err
	}
	clause, args, err := s.whereSQL(sel.Table, sel.Where)
	if err != nil {
		return "", nil, err
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(sel.Columns, ", "))
	b.WriteString(" FROM ")
	b.WriteString(sel.Table)
	b.WriteString(clause)
	if len(sel.OrderBy) > 0 {
		dir := " ASC"
		if sel.Desc {
			dir = " DESC"
		}
		b.WriteString(" ORDER BY ")
		for i, c := range sel.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(c + dir)
		}
	}
	if sel.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, sel.Limit)
	}
	if sel.ForUpdate {
		b.WriteString(" FOR UPDATE")
	}
	return b.String(), args, nil
}

func (s *Store) insertSQL(table string, values map[string]any) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("sqlstore: insert into %q needs values", table)
	}
	cols := sortedKeys(values)
	if err := s.checkColumns(table, cols...); err != nil {
		return "", nil, err
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = values[c]
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + marks + ")", args, nil
}

func (s *Store) updateSQL(table string, set map[string]any, where Where) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, fmt.Errorf("sqlstore: update %q needs values", table)
	}
	cols := sortedKeys(set)
	if err := s.checkColumns(table, cols...); err != nil {
		return "", nil, err
	}
	assigns := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(where))
	for i, c := range cols {
		assigns[i] = c + " = ?"
		args = append(args, set[c])
	}
	clause, whereArgs, err := s.whereSQL(table, where)
	if err != nil {
		return "", nil, err
	}
	return "UPDATE " + table + " SET " + strings.Join(assigns, ", ") + clause, append(args, whereArgs...), nil
}

func (s *Store) whereSQL(table string, where Where) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	cols := sortedKeys(where)
	if err := s.checkColumns(table, cols...); err != nil {
		return "", nil, err
	}
	conds := make([]string, len(cols))
	var args []any
	for i, c := range cols {
		if where[c] == nil {
			conds[i] = c + " IS NULL"
			continue
		}
		conds[i] = c + " = ?"
		args = append(args, where[c])
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isDuplicateEntry(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDuplicateEntry
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}
