package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rotisserie/eris"
)

// ManticoreConfig addresses a Manticore (or Sphinx) searchd over SphinxQL.
type ManticoreConfig struct {
	Addr     string // host:port of the mysql listener, usually :9306
	MaxConns int
}

// DSN builds a go-sql-driver DSN. searchd has no server-side prepared
// statements, so parameters are interpolated client-side.
func (c ManticoreConfig) DSN() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = c.Addr
	cfg.InterpolateParams = true
	cfg.Timeout = 5 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	cfg.WriteTimeout = 30 * time.Second
	return cfg.FormatDSN()
}

// Manticore implements Text on a real-time index named rt.
type Manticore struct {
	db *sql.DB
}

// NewManticore opens a bounded pool to searchd. The connection is lazy; call
// Ping to verify it.
func NewManticore(cfg ManticoreConfig) (*Manticore, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, eris.Wrap(err, "manticore: open")
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}
	return &Manticore{db: db}, nil
}

func (m *Manticore) Ping(ctx context.Context) error {
	return eris.Wrap(m.db.PingContext(ctx), "manticore: ping")
}

func (m *Manticore) Close() error {
	return m.db.Close()
}

func (m *Manticore) CountDocuments(ctx context.Context) (int64, error) {
	rows, err := m.db.QueryContext(ctx, "SHOW TABLES LIKE 'rt'")
	if err != nil {
		return 0, eris.Wrap(err, "manticore: show tables")
	}
	exists := rows.Next()
	_ = rows.Close()
	if !exists {
		return 0, nil
	}

	var n int64
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rt").Scan(&n); err != nil {
		return 0, eris.Wrap(err, "manticore: count documents")
	}
	return n, nil
}

func (m *Manticore) CreateIndex(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS rt (altnames text, pk bigint)")
	return eris.Wrap(err, "manticore: create index")
}

func (m *Manticore) BeginLoad(ctx context.Context) (TextWriter, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "manticore: begin load")
	}
	return &manticoreWriter{tx: tx}, nil
}

type manticoreWriter struct {
	tx *sql.Tx
}

// Insert keeps the escaped text as is; searchd reads the backslashes the
// same way at query time.
func (w *manticoreWriter) Insert(ctx context.Context, pk int32, text string, fk int32) error {
	if _, err := w.tx.ExecContext(ctx, "INSERT INTO rt (id, altnames, pk) VALUES (?, ?, ?)", pk, text, fk); err != nil {
		return eris.Wrapf(err, "manticore: insert document %d", pk)
	}
	return nil
}

func (w *manticoreWriter) Commit(_ context.Context) error {
	return eris.Wrap(w.tx.Commit(), "manticore: commit load")
}

func (w *manticoreWriter) Rollback(_ context.Context) error {
	err := w.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return eris.Wrap(err, "manticore: rollback load")
}

func (m *Manticore) Match(ctx context.Context, escaped string, limit int) ([]int32, error) {
	if escaped == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := m.db.QueryContext(ctx, "SELECT id FROM rt WHERE MATCH(?) LIMIT ?", escaped, limit)
	if err != nil {
		return nil, eris.Wrap(err, "manticore: match")
	}
	defer rows.Close() //nolint:errcheck

	var ids []int32
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "manticore: scan match")
		}
		ids = append(ids, int32(id))
	}
	return ids, eris.Wrap(rows.Err(), "manticore: match")
}
