package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// Dialect selects the JSON operators used by SQL.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return 0, fmt.Errorf("unsupported sql driver %q", driver)
}

// SQL keeps every collection in one documents table, one JSON column per row.
type SQL struct {
	db      *sqlx.DB
	dialect Dialect
}

// NewSQL wraps an open connection pool.
func NewSQL(db *sqlx.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Migrate creates the documents table when missing.
func (s *SQL) Migrate(ctx context.Context) error {
	var stmts []string
	switch s.dialect {
	case Postgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS documents (
				collection TEXT NOT NULL,
				id         TEXT NOT NULL,
				data       JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (collection, id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_documents_data ON documents USING GIN (data)`,
		}
	default:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS documents (
				collection TEXT NOT NULL,
				id         TEXT NOT NULL,
				data       TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (collection, id)
			)`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate documents: %w", err)
		}
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, collection, id string) (Doc, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, s.db.Rebind(`SELECT data FROM documents WHERE collection = ? AND id = ?`), collection, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return unmarshalDoc(raw)
}

func (s *SQL) Set(ctx context.Context, collection, id string, doc Doc) error {
	raw, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	q := `INSERT INTO documents (collection, id, data) VALUES (?, ?, ` + s.jsonParam() + `)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = ` + s.now()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(q), collection, id, raw)
	return err
}

func (s *SQL) Create(ctx context.Context, collection, id string, doc Doc) error {
	raw, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	q := `INSERT INTO documents (collection, id, data) VALUES (?, ?, ` + s.jsonParam() + `)
		ON CONFLICT (collection, id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), collection, id, raw)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQL) Update(ctx context.Context, collection, id string, patch Doc) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sel := `SELECT data FROM documents WHERE collection = ? AND id = ?`
	if s.dialect == Postgres {
		sel += ` FOR UPDATE`
	}
	var raw []byte
	if err := tx.GetContext(ctx, &raw, tx.Rebind(sel), collection, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	doc, err := unmarshalDoc(raw)
	if err != nil {
		return err
	}
	norm, err := normalize(patch)
	if err != nil {
		return err
	}
	for k, v := range norm {
		doc[k] = v
	}
	merged, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	upd := `UPDATE documents SET data = ` + s.jsonParam() + `, updated_at = ` + s.now() + ` WHERE collection = ? AND id = ?`
	if _, err := tx.ExecContext(ctx, tx.Rebind(upd), merged, collection, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM documents WHERE collection = ? AND id = ?`), collection, id)
	return err
}

func (s *SQL) Query(ctx context.Context, q Query) ([]Doc, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(`SELECT data FROM documents WHERE collection = ?`)
	args := []any{q.Collection}
	for _, f := range q.Where {
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("query value for %s: %w", f.Field, err)
		}
		sb.WriteString(" AND " + s.field(f.Field) + " = " + s.jsonValue())
		args = append(args, string(val))
	}
	sb.WriteString(" ORDER BY ")
	if q.OrderBy != "" {
		sb.WriteString(s.field(q.OrderBy))
		if q.Desc {
			sb.WriteString(" DESC")
		}
		sb.WriteString(", ")
	}
	sb.WriteString("id")
	if q.Limit > 0 {
		sb.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}

	var rows [][]byte
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(sb.String()), args...); err != nil {
		return nil, err
	}
	out := make([]Doc, 0, len(rows))
	for _, raw := range rows {
		doc, err := unmarshalDoc(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// field returns the SQL expression for a top-level JSON field. name has
// already passed validField.
func (s *SQL) field(name string) string {
	if s.dialect == Postgres {
		return "data->'" + name + "'"
	}
	return "json_extract(data, '$." + name + "')"
}

// jsonValue is the placeholder expression comparable with field.
func (s *SQL) jsonValue() string {
	if s.dialect == Postgres {
		return "CAST(? AS JSONB)"
	}
	return "json_extract(?, '$')"
}

func (s *SQL) jsonParam() string {
	if s.dialect == Postgres {
		return "CAST(? AS JSONB)"
	}
	return "?"
}

func (s *SQL) now() string {
	if s.dialect == Postgres {
		return "NOW()"
	}
	return "CURRENT_TIMESTAMP"
}

func marshalDoc(doc Doc) (string, error) {
	if doc == nil {
		doc = Doc{}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return string(raw), nil
}

func unmarshalDoc(raw []byte) (Doc, error) {
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	if doc == nil {
		doc = Doc{}
	}
	return doc, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
