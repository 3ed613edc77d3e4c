// Package ingest runs the one-time bulk load: it normalizes the source file,
// populates the relational and text stores concurrently, and builds the
// in-memory structures the query paths read.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/citysearch/internal/place"
	"github.com/sells-group/citysearch/internal/store"
)

// DefaultBatchSize bounds the number of rows per COPY batch.
const DefaultBatchSize = 10_000

// Store names used in errors and logs.
const (
	StoreRelational = "relational"
	StoreText       = "text"
)

// LoadError reports a store write failure. Batch is the 0-based batch that
// failed, or -1 when the failure happened outside a batch.
type LoadError struct {
	Store string
	Op    string
	Batch int
	Err   error
}

func (e *LoadError) Error() string {
	if e.Batch >= 0 {
		return fmt.Sprintf("ingest: %s load: %s batch %d: %v", e.Store, e.Op, e.Batch, e.Err)
	}
	return fmt.Sprintf("ingest: %s load: %s: %v", e.Store, e.Op, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader loads a dataset into one store and reports how many rows it holds.
type Loader interface {
	Load(ctx context.Context, ds *place.Dataset) (int64, error)
}

func batchSize(n int) int {
	if n <= 0 {
		return DefaultBatchSize
	}
	return n
}

// RelationalLoader fills the relational store. A non-empty table counts as
// loaded, whatever its contents.
type RelationalLoader struct {
	Store     store.Relational
	BatchSize int
}

// Load writes every record inside one transaction, BatchSize rows per COPY.
// Any failure rolls the transaction back; nothing is retried.
func (l *RelationalLoader) Load(ctx context.Context, ds *place.Dataset) (int64, error) {
	log := zap.L().With(zap.String("component", "ingest.relational"))
	fail := func(op string, batch int, err error) (int64, error) {
		return 0, &LoadError{Store: StoreRelational, Op: op, Batch: batch, Err: err}
	}

	existing, err := l.Store.CountPlaces(ctx)
	if err != nil {
		return fail("count", -1, err)
	}
	if existing > 0 {
		log.Info("data exists, skipping", zap.Int64("rows", existing))
		return existing, nil
	}

	if err := l.Store.CreateSchema(ctx); err != nil {
		return fail("create schema", -1, err)
	}

	w, err := l.Store.BeginLoad(ctx)
	if err != nil {
		return fail("begin", -1, err)
	}

	start := time.Now()
	size := batchSize(l.BatchSize)
	var total int64
	for b, lo := 0, 0; lo < len(ds.Records); b, lo = b+1, lo+size {
		if err := ctx.Err(); err != nil {
			rollback(ctx, log, w)
			return fail("write", b, err)
		}
		hi := min(lo+size, len(ds.Records))
		n, err := w.WriteBatch(ctx, ds.Records[lo:hi])
		if err != nil {
			rollback(ctx, log, w)
			return fail("write", b, err)
		}
		total += n
		log.Debug("batch written", zap.Int("batch", b), zap.Int64("rows", n), zap.Int64("total", total))
	}

	if err := w.Commit(ctx); err != nil {
		rollback(ctx, log, w)
		return fail("commit", -1, err)
	}

	log.Info("relational load complete",
		zap.Int64("rows", total),
		zap.Duration("elapsed", time.Since(start)),
	)
	return total, nil
}

// TextLoader fills the text store with the records that carry alternate
// names. Idempotency works as for RelationalLoader, keyed on the document
// count.
type TextLoader struct {
	Store       store.Text
	BatchSize   int
	MaxFieldLen int // max escaped runes per document; defaults to place.MaxAltNamesLen
}

// Load inserts (id, escaped alternate names, id) per record inside one
// transaction. The first failed insert aborts the load.
func (l *TextLoader) Load(ctx context.Context, ds *place.Dataset) (int64, error) {
	log := zap.L().With(zap.String("component", "ingest.text"))
	fail := func(op string, batch int, err error) (int64, error) {
		return 0, &LoadError{Store: StoreText, Op: op, Batch: batch, Err: err}
	}

	existing, err := l.Store.CountDocuments(ctx)
	if err != nil {
		return fail("count", -1, err)
	}
	if existing > 0 {
		log.Info("data exists, skipping", zap.Int64("documents", existing))
		return existing, nil
	}

	if err := l.Store.CreateIndex(ctx); err != nil {
		return fail("create index", -1, err)
	}

	w, err := l.Store.BeginLoad(ctx)
	if err != nil {
		return fail("begin", -1, err)
	}

	maxLen := l.MaxFieldLen
	if maxLen <= 0 {
		maxLen = place.MaxAltNamesLen
	}
	size := batchSize(l.BatchSize)

	start := time.Now()
	var total int64
	batch := 0
	for i := range ds.Records {
		r := &ds.Records[i]
		if r.AltNames == nil {
			continue
		}
		if err := w.Insert(ctx, r.ID, place.IndexText(*r.AltNames, maxLen), r.ID); err != nil {
			rollback(ctx, log, w)
			return fail("insert", batch, err)
		}
		total++
		if total%int64(size) == 0 {
			log.Debug("batch inserted", zap.Int("batch", batch), zap.Int64("total", total))
			batch++
			if err := ctx.Err(); err != nil {
				rollback(ctx, log, w)
				return fail("insert", batch, err)
			}
		}
	}

	if err := w.Commit(ctx); err != nil {
		rollback(ctx, log, w)
		return fail("commit", -1, err)
	}

	log.Info("text load complete",
		zap.Int64("documents", total),
		zap.Duration("elapsed", time.Since(start)),
	)
	return total, nil
}

type rollbacker interface {
	Rollback(ctx context.Context) error
}

func rollback(ctx context.Context, log *zap.Logger, w rollbacker) {
	// the load context may already be cancelled
	if err := w.Rollback(context.WithoutCancel(ctx)); err != nil {
		log.Warn("rollback failed", zap.Error(err))
	}
}
