// Package store implements the relational and full-text backing stores that
// the bulk loaders write to and the query paths read from.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/citysearch/internal/place"
)

// ErrNoRows is returned by single-row lookups that match nothing.
var ErrNoRows = errors.New("store: no rows")

// Relational is the contract of the relational place store.
type Relational interface {
	// CountPlaces returns the number of loaded rows; a missing table counts as zero.
	CountPlaces(ctx context.Context) (int64, error)
	CreateSchema(ctx context.Context) error
	// BeginLoad opens a transaction-scoped writer for the initial bulk load.
	BeginLoad(ctx context.Context) (BatchWriter, error)
	// LookupID returns the lowest id whose column equals value, optionally
	// restricted to a country. Column must be one of place.Columns.
	LookupID(ctx context.Context, column string, value any, countryCode string) (int32, error)
	// PlacesByIDs fetches summaries for ids in one round trip, in ids order.
	// Unknown ids are skipped.
	PlacesByIDs(ctx context.Context, ids []int32) ([]place.Summary, error)
	// ProximitySearch ranks the k nearest places to id with the store's
	// proximity_search function. Results carry DistanceKm.
	ProximitySearch(ctx context.Context, id int32, k int, countryCode string) ([]place.Summary, error)
	Ping(ctx context.Context) error
	Close() error
}

// BatchWriter writes records inside one transaction.
type BatchWriter interface {
	WriteBatch(ctx context.Context, recs []place.Record) (int64, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Text is the contract of the full-text store holding alternate names.
type Text interface {
	// CountDocuments returns the number of indexed documents; a missing
	// index counts as zero.
	CountDocuments(ctx context.Context) (int64, error)
	CreateIndex(ctx context.Context) error
	BeginLoad(ctx context.Context) (TextWriter, error)
	// Match returns the ids of documents matching the escaped query text,
	// best match first.
	Match(ctx context.Context, escaped string, limit int) ([]int32, error)
	Ping(ctx context.Context) error
	Close() error
}

// TextWriter inserts documents inside one transaction. pk is the document
// id; fk repeats it in a stored attribute.
type TextWriter interface {
	Insert(ctx context.Context, pk int32, text string, fk int32) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
