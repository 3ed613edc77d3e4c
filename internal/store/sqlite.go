package store

import (
	"context"
	"database/sql"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/citysearch/internal/place"
)

// SQLiteText implements Text on an SQLite FTS5 table.
type SQLiteText struct {
	db *sql.DB
}

// NewSQLiteText opens the database at dsn in WAL mode. Writes go through a
// single connection, which is all SQLite allows anyway.
func NewSQLiteText(dsn string) (*SQLiteText, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteText{db: db}, nil
}

func (s *SQLiteText) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteText) Close() error {
	return s.db.Close()
}

func (s *SQLiteText) CountDocuments(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM rt").Scan(&n); err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, eris.Wrap(err, "sqlite: count documents")
	}
	return n, nil
}

func (s *SQLiteText) CreateIndex(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "CREATE VIRTUAL TABLE IF NOT EXISTS rt USING fts5(altnames, pk UNINDEXED)")
	return eris.Wrap(err, "sqlite: create index")
}

func (s *SQLiteText) BeginLoad(ctx context.Context) (TextWriter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin load")
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO rt (rowid, altnames, pk) VALUES (?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return nil, eris.Wrap(err, "sqlite: prepare insert")
	}
	return &sqliteTextWriter{tx: tx, stmt: stmt}, nil
}

type sqliteTextWriter struct {
	tx   *sql.Tx
	stmt *sql.Stmt
}

// Insert stores the unescaped text; FTS5 has its own query syntax and the
// backslashes would only end up as separators.
func (w *sqliteTextWriter) Insert(ctx context.Context, pk int32, text string, fk int32) error {
	if _, err := w.stmt.ExecContext(ctx, pk, place.Unescape(text), fk); err != nil {
		return eris.Wrapf(err, "sqlite: insert document %d", pk)
	}
	return nil
}

func (w *sqliteTextWriter) Commit(_ context.Context) error {
	_ = w.stmt.Close()
	return eris.Wrap(w.tx.Commit(), "sqlite: commit load")
}

func (w *sqliteTextWriter) Rollback(_ context.Context) error {
	_ = w.stmt.Close()
	err := w.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return eris.Wrap(err, "sqlite: rollback load")
}

func (s *SQLiteText) Match(ctx context.Context, escaped string, limit int) ([]int32, error) {
	q := ftsQuery(escaped)
	if q == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT rowid FROM rt WHERE rt MATCH ? ORDER BY rank LIMIT ?", q, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: match")
	}
	defer rows.Close() //nolint:errcheck

	var ids []int32
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan match")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: match")
}

// ftsQuery turns escaped user text into an FTS5 expression that requires
// every word. Each word is quoted so nothing in it is read as an operator.
func ftsQuery(escaped string) string {
	words := strings.FieldsFunc(place.Unescape(escaped), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}
