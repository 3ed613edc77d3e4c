package store

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/citysearch/internal/db"
	"github.com/sells-group/citysearch/internal/place"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// schemaLockID serializes schema creation across processes sharing a database.
const schemaLockID = 4_162_001

const cityTable = "city"

// summaryColumns are selected, in Scan order, whenever a place.Summary is built.
const summaryColumns = `id, geonameid, name, asciiname, country_code, admin1_code,
	latitude, longitude, COALESCE(population, 0), timezone`

// Postgres implements Relational on a pgx pool.
type Postgres struct {
	pool db.Pool
}

// NewPostgres connects to the database with a bounded pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*Postgres, error) {
	pool, err := db.NewPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) CountPlaces(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM city").Scan(&n)
	if err != nil {
		if db.IsUndefinedTable(err) {
			return 0, nil
		}
		return 0, eris.Wrap(err, "postgres: count places")
	}
	return n, nil
}

// CreateSchema applies the embedded schema files in lexicographic order
// inside one transaction. A transaction-scoped advisory lock serializes
// concurrent callers and is released on commit or rollback. Every statement
// is idempotent, so running it again is harmless.
func (s *Postgres) CreateSchema(ctx context.Context) (err error) {
	log := zap.L().With(zap.String("component", "store.postgres"))

	entries, err := fs.ReadDir(schemaFS, "schema")
	if err != nil {
		return eris.Wrap(err, "postgres: read schema dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin schema")
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			log.Warn("postgres: schema rollback failed", zap.Error(rbErr))
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", schemaLockID); err != nil {
		return eris.Wrap(err, "postgres: acquire schema lock")
	}

	for _, entry := range entries {
		body, readErr := fs.ReadFile(schemaFS, "schema/"+entry.Name())
		if readErr != nil {
			return eris.Wrapf(readErr, "postgres: read %s", entry.Name())
		}
		if _, err = tx.Exec(ctx, string(body)); err != nil {
			return eris.Wrapf(err, "postgres: apply %s", entry.Name())
		}
		log.Debug("schema file applied", zap.String("file", entry.Name()))
	}

	if err = tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit schema")
	}
	return nil
}

// cityColumns are the COPY target columns, in the order recordRow emits them.
var cityColumns = []string{
	"id", "geonameid", "name", "asciiname", "altnames", "latitude", "longitude",
	"feat_class", "feat_code", "country_code", "cc2",
	"admin1_code", "admin2_code", "admin3_code", "admin4_code",
	"population", "elevation", "dem", "timezone", "modified",
}

func recordRow(r *place.Record) []any {
	var alt *string
	if r.AltNames != nil {
		t := place.TruncateRunes(*r.AltNames, place.MaxAltNamesLen)
		alt = &t
	}
	return []any{
		r.ID, r.GeonameID, r.Name, r.ASCIIName, alt, r.Latitude, r.Longitude,
		r.FeatClass, r.FeatCode, r.CountryCode, r.CC2,
		r.Admin1, r.Admin2, r.Admin3, r.Admin4,
		r.Population, r.Elevation, r.DEM, r.Timezone, r.Modified,
	}
}

func (s *Postgres) BeginLoad(ctx context.Context) (BatchWriter, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin load")
	}
	return &pgBatchWriter{tx: tx}, nil
}

type pgBatchWriter struct {
	tx pgx.Tx
}

func (w *pgBatchWriter) WriteBatch(ctx context.Context, recs []place.Record) (int64, error) {
	rows := make([][]any, len(recs))
	for i := range recs {
		rows[i] = recordRow(&recs[i])
	}
	n, err := db.CopyFrom(ctx, w.tx, cityTable, cityColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: write batch")
	}
	return n, nil
}

func (w *pgBatchWriter) Commit(ctx context.Context) error {
	return eris.Wrap(w.tx.Commit(ctx), "postgres: commit load")
}

func (w *pgBatchWriter) Rollback(ctx context.Context) error {
	err := w.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return eris.Wrap(err, "postgres: rollback load")
}

// LookupID runs a parameterized equality query. The column name cannot be a
// parameter, so it is checked against the recognized set and quoted.
func (s *Postgres) LookupID(ctx context.Context, column string, value any, countryCode string) (int32, error) {
	if !place.IsColumn(column) {
		return 0, eris.Wrapf(ErrNoRows, "postgres: unrecognized column %q", column)
	}

	sql := "SELECT id FROM city WHERE " + pgx.Identifier{column}.Sanitize() + " = $1"
	args := []any{value}
	if countryCode != "" {
		sql += " AND country_code = $2"
		args = append(args, countryCode)
	}
	sql += " ORDER BY id LIMIT 1"

	var id int32
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoRows
		}
		return 0, eris.Wrapf(err, "postgres: lookup by %s", column)
	}
	return id, nil
}

func (s *Postgres) PlacesByIDs(ctx context.Context, ids []int32) ([]place.Summary, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, "SELECT "+summaryColumns+" FROM city WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: places by ids")
	}
	defer rows.Close()

	byID := make(map[int32]place.Summary, len(ids))
	for rows.Next() {
		var p place.Summary
		if err := rows.Scan(&p.ID, &p.GeonameID, &p.Name, &p.ASCIIName, &p.CountryCode,
			&p.Admin1, &p.Latitude, &p.Longitude, &p.Population, &p.Timezone); err != nil {
			return nil, eris.Wrap(err, "postgres: scan place")
		}
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: places by ids")
	}

	out := make([]place.Summary, 0, len(byID))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Postgres) ProximitySearch(ctx context.Context, id int32, k int, countryCode string) ([]place.Summary, error) {
	if k <= 0 {
		return nil, nil
	}
	var cc any
	if countryCode != "" {
		cc = countryCode
	}

	rows, err := s.pool.Query(ctx,
		"SELECT id, geonameid, name, asciiname, country_code, admin1_code, latitude, longitude, population, timezone, distance_km FROM proximity_search($1, $2, $3)",
		id, k, cc)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: proximity search")
	}
	defer rows.Close()

	var out []place.Summary
	for rows.Next() {
		var p place.Summary
		var dist float64
		if err := rows.Scan(&p.ID, &p.GeonameID, &p.Name, &p.ASCIIName, &p.CountryCode,
			&p.Admin1, &p.Latitude, &p.Longitude, &p.Population, &p.Timezone, &dist); err != nil {
			return nil, eris.Wrap(err, "postgres: scan proximity row")
		}
		p.DistanceKm = &dist
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: proximity search")
	}
	return out, nil
}
