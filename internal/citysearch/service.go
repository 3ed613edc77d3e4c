// Package citysearch is the query façade over the loaded dataset: key
// lookup, proximity search and text search. Every operation fails with
// ErrNotReady until a bootstrap snapshot has been published.
package citysearch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/citysearch/internal/ingest"
	"github.com/sells-group/citysearch/internal/place"
	"github.com/sells-group/citysearch/internal/resilience"
	"github.com/sells-group/citysearch/internal/resolve"
	"github.com/sells-group/citysearch/internal/spatial"
	"github.com/sells-group/citysearch/internal/store"
)

// DefaultTextLimit caps text search results, matching searchd's default
// LIMIT.
const DefaultTextLimit = 20

var (
	// ErrNotReady is returned before the bootstrap snapshot is published.
	ErrNotReady = errors.New("citysearch: not ready")
	// ErrNotFound is returned when a key resolves to no place.
	ErrNotFound = resolve.ErrNotFound
)

// AmbiguousError is returned when a name matches places in several countries.
type AmbiguousError = resolve.AmbiguousError

// Breaker names for the two backing stores.
const (
	BreakerRelational = "relational"
	BreakerText       = "text"
)

// Options tunes a Service.
type Options struct {
	TextLimit int
	// Breakers guards steady-state store queries. Nil installs breakers that
	// open after five consecutive failures and probe again after 30s.
	Breakers *resilience.Breakers
	// Retry governs retries of transient store errors inside a breaker. The
	// zero value means resilience.DefaultRetryConfig.
	Retry resilience.RetryConfig
}

// storeFailure reports whether err counts against a store's breaker.
// Empty results and caller cancellations do not.
func storeFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, store.ErrNoRows) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// guarded runs one store call through the store's breaker. Inside the
// breaker, transient errors are retried with backoff, so a retried call that
// finally fails counts as a single breaker failure.
func guarded[T any](ctx context.Context, s *Service, breaker, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger(breaker, op)
	return resilience.ExecuteVal(ctx, s.breakers.Get(breaker), func(ctx context.Context) (T, error) {
		return resilience.DoVal(ctx, cfg, fn)
	})
}

// Service answers queries against one published snapshot and the two
// backing stores.
type Service struct {
	rel       store.Relational
	txt       store.Text
	textLimit int
	breakers  *resilience.Breakers
	retry     resilience.RetryConfig

	snap      atomic.Pointer[ingest.Snapshot]
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a Service that is not ready yet.
func New(rel store.Relational, txt store.Text, opts Options) *Service {
	if opts.TextLimit <= 0 {
		opts.TextLimit = DefaultTextLimit
	}
	if opts.Breakers == nil {
		cfg := resilience.DefaultCircuitBreakerConfig()
		cfg.ShouldTrip = storeFailure
		opts.Breakers = resilience.NewBreakers(cfg)
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	opts.Retry.ShouldRetry = resilience.IsTransient
	return &Service{
		rel:       rel,
		txt:       txt,
		textLimit: opts.TextLimit,
		breakers:  opts.Breakers,
		retry:     opts.Retry,
		ready:     make(chan struct{}),
	}
}

// Bootstrap runs the coordinator and publishes its snapshot on success. On
// failure the Service stays not ready.
func (s *Service) Bootstrap(ctx context.Context, c *ingest.Coordinator) error {
	snap, err := c.Bootstrap(ctx)
	if err != nil {
		return err
	}
	s.Publish(snap)
	return nil
}

// Publish makes snap visible to queries. Only the first call has an effect.
func (s *Service) Publish(snap *ingest.Snapshot) {
	if snap == nil {
		return
	}
	s.readyOnce.Do(func() {
		s.snap.Store(snap)
		close(s.ready)
	})
}

// Ready reports whether a snapshot has been published.
func (s *Service) Ready() bool {
	return s.snap.Load() != nil
}

// WaitReady blocks until a snapshot is published or ctx is done.
func (s *Service) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "citysearch: wait ready")
	}
}

// Snapshot returns the published snapshot.
func (s *Service) Snapshot() (*ingest.Snapshot, error) {
	snap := s.snap.Load()
	if snap == nil {
		return nil, ErrNotReady
	}
	return snap, nil
}

func logger(op string) *zap.Logger {
	return zap.L().With(zap.String("component", "citysearch"), zap.String("op", op))
}

// validCountry accepts "" (no filter) or two ASCII letters, returned upper-cased.
func validCountry(cc string) (string, bool) {
	cc = strings.TrimSpace(cc)
	if cc == "" {
		return "", true
	}
	if len(cc) != 2 {
		return "", false
	}
	for i := 0; i < 2; i++ {
		c := cc[i] | 0x20
		if c < 'a' || c > 'z' {
			return "", false
		}
	}
	return strings.ToUpper(cc), true
}

// KeyLookup resolves key=value to a surrogate id. Key must be one of the
// source column names; anything else is not found and never reaches a store.
// geonameid and name are answered in memory, other columns by a
// parameterized equality query on the relational store.
func (s *Service) KeyLookup(ctx context.Context, key, value, countryCode string) (int32, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return 0, err
	}
	kind, ok := place.ColumnKind(key)
	if !ok {
		return 0, ErrNotFound
	}
	cc, ok := validCountry(countryCode)
	if !ok {
		return 0, ErrNotFound
	}

	switch key {
	case "geonameid":
		gid, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, ErrNotFound
		}
		id, err := snap.Resolver.ByExternalID(gid)
		if err != nil {
			return 0, err
		}
		if cc != "" {
			if r, _ := snap.Dataset.Get(id); r == nil || r.CountryCode != cc {
				return 0, ErrNotFound
			}
		}
		return id, nil
	case "name":
		return snap.Resolver.ByName(value, cc)
	}

	var arg any
	switch kind {
	case place.KindInt:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return 0, ErrNotFound
		}
		arg = n
	case place.KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
		if err != nil {
			return 0, ErrNotFound
		}
		arg = float32(f)
	default:
		arg = value
	}

	id, err := guarded(ctx, s, BreakerRelational, "lookup_id", func(ctx context.Context) (int32, error) {
		return s.rel.LookupID(ctx, key, arg, cc)
	})
	if err != nil {
		if !errors.Is(err, store.ErrNoRows) {
			logger("key_lookup").Warn("store lookup failed", zap.String("key", key), zap.Error(err))
		}
		return 0, ErrNotFound
	}
	return id, nil
}

// ProximityMethod selects one of the two proximity implementations. Their
// results may differ slightly: the store ranks by haversine distance, the
// index by chord length over float32 coordinates.
type ProximityMethod int

// Proximity methods.
const (
	ProximityIndex ProximityMethod = iota
	ProximityStore
)

func (m ProximityMethod) String() string {
	switch m {
	case ProximityIndex:
		return "index"
	case ProximityStore:
		return "store"
	default:
		return "unknown"
	}
}

// ParseProximityMethod parses "index" or "store"; empty means index.
func ParseProximityMethod(s string) (ProximityMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "index":
		return ProximityIndex, nil
	case "store":
		return ProximityStore, nil
	default:
		return 0, eris.Errorf("citysearch: unknown proximity method %q", s)
	}
}

// ProximitySearch returns up to k places nearest to the place identified by
// key=value, the origin itself first. A country code restricts both the
// origin lookup and the results; a malformed one yields no results.
func (s *Service) ProximitySearch(ctx context.Context, method ProximityMethod, key, value string, k int, countryCode string) ([]place.Summary, error) {
	switch method {
	case ProximityStore:
		return s.ProximitySearchStore(ctx, key, value, k, countryCode)
	case ProximityIndex:
		return s.ProximitySearchIndex(ctx, key, value, k, countryCode)
	default:
		return nil, eris.Errorf("citysearch: unknown proximity method %d", int(method))
	}
}

// ProximitySearchStore ranks with the relational store's proximity_search
// function. Store failures are logged and produce an empty result.
func (s *Service) ProximitySearchStore(ctx context.Context, key, value string, k int, countryCode string) ([]place.Summary, error) {
	if _, err := s.Snapshot(); err != nil {
		return nil, err
	}
	cc, ok := validCountry(countryCode)
	if !ok || k <= 0 {
		return []place.Summary{}, nil
	}
	id, err := s.KeyLookup(ctx, key, value, cc)
	if err != nil {
		return nil, err
	}

	out, err := guarded(ctx, s, BreakerRelational, "proximity_search", func(ctx context.Context) ([]place.Summary, error) {
		return s.rel.ProximitySearch(ctx, id, k, cc)
	})
	if err != nil {
		logger("proximity_store").Warn("store proximity search failed", zap.Int32("id", id), zap.Error(err))
		return []place.Summary{}, nil
	}
	if out == nil {
		out = []place.Summary{}
	}
	return out, nil
}

// ProximitySearchIndex ranks with the in-memory spatial index and hydrates
// from the in-memory dataset, with no store round trip.
func (s *Service) ProximitySearchIndex(ctx context.Context, key, value string, k int, countryCode string) ([]place.Summary, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	cc, ok := validCountry(countryCode)
	if !ok || k <= 0 {
		return []place.Summary{}, nil
	}
	id, err := s.KeyLookup(ctx, key, value, cc)
	if err != nil {
		return nil, err
	}

	lon, lat, ok := snap.Index.Coord(id)
	if !ok {
		return []place.Summary{}, nil
	}
	var keep func(int32) bool
	if cc != "" {
		keep = func(nid int32) bool {
			r, ok := snap.Dataset.Get(nid)
			return ok && r.CountryCode == cc
		}
	}

	neighbors := snap.Index.Neighbors(lon, lat, k, keep)
	out := make([]place.Summary, 0, len(neighbors))
	for _, n := range neighbors {
		r, ok := snap.Dataset.Get(n.ID)
		if !ok {
			continue
		}
		p := r.Summary()
		d := n.DistanceKm
		p.DistanceKm = &d
		out = append(out, p)
	}
	return out, nil
}

// TextSearch matches query against alternate names in the text store and
// hydrates the hits with one relational fetch, keeping the text store's
// order. Store failures are logged and produce an empty result.
func (s *Service) TextSearch(ctx context.Context, query string) ([]place.Summary, error) {
	if _, err := s.Snapshot(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []place.Summary{}, nil
	}

	log := logger("text_search")
	ids, err := guarded(ctx, s, BreakerText, "match", func(ctx context.Context) ([]int32, error) {
		return s.txt.Match(ctx, place.Escape(query), s.textLimit)
	})
	if err != nil {
		log.Warn("text store match failed", zap.Error(err))
		return []place.Summary{}, nil
	}
	if len(ids) == 0 {
		return []place.Summary{}, nil
	}

	out, err := guarded(ctx, s, BreakerRelational, "places_by_ids", func(ctx context.Context) ([]place.Summary, error) {
		return s.rel.PlacesByIDs(ctx, ids)
	})
	if err != nil {
		log.Warn("relational fetch failed", zap.Int("ids", len(ids)), zap.Error(err))
		return []place.Summary{}, nil
	}
	if out == nil {
		out = []place.Summary{}
	}
	return out, nil
}

// WithinBox returns up to limit places inside b, ordered by id. limit <= 0
// means no limit.
func (s *Service) WithinBox(b spatial.Box, limit int) ([]place.Summary, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	ids, err := snap.Index.Within(b)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]place.Summary, 0, len(ids))
	for _, id := range ids {
		if r, ok := snap.Dataset.Get(id); ok {
			out = append(out, r.Summary())
		}
	}
	return out, nil
}

// Place returns the summary of one place by surrogate id.
func (s *Service) Place(id int32) (place.Summary, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return place.Summary{}, err
	}
	r, ok := snap.Dataset.Get(id)
	if !ok {
		return place.Summary{}, ErrNotFound
	}
	return r.Summary(), nil
}

// Count returns the number of loaded places.
func (s *Service) Count() (int, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return 0, err
	}
	return snap.Dataset.Len(), nil
}

// BreakerStates reports the circuit state of each backing store.
func (s *Service) BreakerStates() map[string]string {
	s.breakers.Get(BreakerRelational)
	s.breakers.Get(BreakerText)
	return s.breakers.States()
}
