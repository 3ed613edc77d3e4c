package citysearch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/citysearch/internal/ingest"
	"github.com/sells-group/citysearch/internal/place"
	"github.com/sells-group/citysearch/internal/resilience"
	"github.com/sells-group/citysearch/internal/spatial"
	"github.com/sells-group/citysearch/internal/store"
	"github.com/sells-group/citysearch/internal/store/storetest"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func row(geonameid, name, alt, lat, lon, cc, admin1 string) string {
	return strings.Join([]string{
		geonameid, name, name, alt, lat, lon, "P", "PPL", cc, "",
		admin1, "", "", "", "1000", "", "10", "Etc/UTC", "2024-01-01",
	}, "\t")
}

// Five places on the equator with distinct names.
var lineRows = []string{
	row("101", "Alpha", "", "0", "0", "AA", "01"),
	row("102", "Bravo", "", "0", "1", "AA", "02"),
	row("103", "Charlie", "", "0", "2", "BB", "03"),
	row("104", "Delta", "", "0", "2.5", "BB", "04"),
	row("105", "Echo", "San Francisco, SF, Frisco", "0", "10", "AA", "05"),
}

var bayRows = []string{
	row("5341430", "Daly City", "Dali-Siti", "37.70577", "-122.46192", "US", "CA"),
	row("5391959", "San Francisco", "San Francisco, SF, Frisco", "37.77493", "-122.41942", "US", "CA"),
	row("5338703", "Colma", "", "37.67688", "-122.45969", "US", "CA"),
	row("3590197", "San Francisco", "San Francisco El Alto", "14.94333", "-91.39624", "GT", "08"),
	row("5378538", "Oakland", "", "37.80437", "-122.27108", "US", "CA"),
}

func writeFixture(t *testing.T, rows []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cities1000.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0o644))
	return path
}

func newReadyService(t *testing.T, rows []string, rel store.Relational, txt store.Text) *Service {
	t.Helper()
	return newReadyServiceWith(t, rows, rel, txt, Options{})
}

func newReadyServiceWith(t *testing.T, rows []string, rel store.Relational, txt store.Text, opts Options) *Service {
	t.Helper()
	svc := New(rel, txt, opts)
	c := &ingest.Coordinator{
		Source:     writeFixture(t, rows),
		Relational: &ingest.RelationalLoader{Store: rel},
		Text:       &ingest.TextLoader{Store: txt},
	}
	require.NoError(t, svc.Bootstrap(context.Background(), c))
	require.True(t, svc.Ready())
	return svc
}

func ids(ps []place.Summary) []int32 {
	out := make([]int32, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestEndToEnd_ProximityIndex(t *testing.T) {
	svc := newReadyService(t, lineRows, storetest.NewRelational(), storetest.NewText())
	ctx := context.Background()

	got, err := svc.ProximitySearchIndex(ctx, "name", "Charlie", 2, "")
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 4}, ids(got))
	require.NotNil(t, got[1].DistanceKm)
	assert.InDelta(t, 55.6, *got[1].DistanceKm, 0.5)

	got, err = svc.ProximitySearchIndex(ctx, "name", "Charlie", 3, "")
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 4, 2}, ids(got))
}

func TestProximity_StoreAndIndexAgreeOnFixture(t *testing.T) {
	svc := newReadyService(t, bayRows, storetest.NewRelational(), storetest.NewText())
	ctx := context.Background()

	byIndex, err := svc.ProximitySearch(ctx, ProximityIndex, "name", "Daly City", 4, "")
	require.NoError(t, err)
	byStore, err := svc.ProximitySearch(ctx, ProximityStore, "name", "Daly City", 4, "")
	require.NoError(t, err)

	assert.Equal(t, []int32{1, 3, 2, 5}, ids(byIndex))
	assert.Equal(t, ids(byIndex), ids(byStore))
	for i := range byIndex {
		assert.InDelta(t, *byStore[i].DistanceKm, *byIndex[i].DistanceKm, 0.01)
	}
}

func TestProximity_CountryFilter(t *testing.T) {
	svc := newReadyService(t, lineRows, storetest.NewRelational(), storetest.NewText())
	ctx := context.Background()

	got, err := svc.ProximitySearchIndex(ctx, "name", "Bravo", 3, "aa")
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 1, 5}, ids(got))

	got, err = svc.ProximitySearchStore(ctx, "name", "Bravo", 3, "AA")
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 1, 5}, ids(got))

	// origin is looked up within the country too
	_, err = svc.ProximitySearchIndex(ctx, "name", "Bravo", 3, "BB")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProximity_InvalidCountryOrK(t *testing.T) {
	svc := newReadyService(t, lineRows, storetest.NewRelational(), storetest.NewText())
	ctx := context.Background()

	for _, m := range []ProximityMethod{ProximityIndex, ProximityStore} {
		got, err := svc.ProximitySearch(ctx, m, "name", "Bravo", 3, "USA")
		require.NoError(t, err)
		assert.Empty(t, got, m.String())

		got, err = svc.ProximitySearch(ctx, m, "name", "Bravo", 0, "")
		require.NoError(t, err)
		assert.Empty(t, got, m.String())
	}
}

func TestProximity_AmbiguousName(t *testing.T) {
	svc := newReadyService(t, bayRows, storetest.NewRelational(), storetest.NewText())

	_, err := svc.ProximitySearchIndex(context.Background(), "name", "San Francisco", 3, "")
	var amb *AmbiguousError
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, []int32{2, 4}, amb.IDs)

	got, err := svc.ProximitySearchIndex(context.Background(), "name", "San Francisco", 1, "GT")
	require.NoError(t, err)
	assert.Equal(t, []int32{4}, ids(got))
}

func TestProximity_StoreFailureDegradesToEmpty(t *testing.T) {
	rel := storetest.NewRelational()
	svc := newReadyService(t, bayRows, rel, storetest.NewText())
	rel.FailQuery = errors.New("connection reset")

	got, err := svc.ProximitySearchStore(context.Background(), "name", "Colma", 3, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKeyLookup_Routes(t *testing.T) {
	rel := storetest.NewRelational()
	svc := newReadyService(t, bayRows, rel, storetest.NewText())
	ctx := context.Background()

	before := rel.Queries
	id, err := svc.KeyLookup(ctx, "geonameid", "5338703", "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), id)
	id, err = svc.KeyLookup(ctx, "name", "oakland", "")
	require.NoError(t, err)
	assert.Equal(t, int32(5), id)
	assert.Equal(t, before, rel.Queries, "geonameid and name never hit the store")

	id, err = svc.KeyLookup(ctx, "admin1_code", "08", "")
	require.NoError(t, err)
	assert.Equal(t, int32(4), id)

	id, err = svc.KeyLookup(ctx, "admin1_code", "CA", "US")
	require.NoError(t, err)
	assert.Equal(t, int32(1), id, "lowest id wins")

	id, err = svc.KeyLookup(ctx, "population", "1000", "GT")
	require.NoError(t, err)
	assert.Equal(t, int32(4), id)

	id, err = svc.KeyLookup(ctx, "latitude", "37.67688", "")
	require.NoError(t, err)
	assert.Equal(t, int32(3), id)
}

func TestKeyLookup_NotFound(t *testing.T) {
	svc := newReadyService(t, bayRows, storetest.NewRelational(), storetest.NewText())
	ctx := context.Background()

	for _, tc := range []struct{ key, value, cc string }{
		{"geonameid", "not-a-number", ""},
		{"geonameid", "5338703", "GT"},
		{"population", "lots", ""},
		{"timezone", "Mars/Olympus", ""},
		{"name", "Colma", "XX"},
		{"name", "Colma", "U1"},
	} {
		_, err := svc.KeyLookup(ctx, tc.key, tc.value, tc.cc)
		assert.ErrorIs(t, err, ErrNotFound, "%+v", tc)
	}
}

func TestKeyLookup_AllowList(t *testing.T) {
	rel := storetest.NewRelational()
	svc := newReadyService(t, bayRows, rel, storetest.NewText())
	before := rel.Queries

	for _, key := range []string{"password; DROP TABLE City", "id", "NAME", "name ", ""} {
		_, err := svc.KeyLookup(context.Background(), key, "x", "")
		assert.ErrorIs(t, err, ErrNotFound, key)
	}
	assert.Equal(t, before, rel.Queries, "rejected keys never reach the store")
}

func TestKeyLookup_StoreFailureIsNotFound(t *testing.T) {
	rel := storetest.NewRelational()
	svc := newReadyService(t, bayRows, rel, storetest.NewText())
	rel.FailQuery = errors.New("connection refused")

	_, err := svc.KeyLookup(context.Background(), "timezone", "Etc/UTC", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTextSearch_Frisco(t *testing.T) {
	svc := newReadyService(t, bayRows, storetest.NewRelational(), storetest.NewText())

	got, err := svc.TextSearch(context.Background(), "Frisco")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int32(2), got[0].ID)
	assert.Equal(t, int64(5391959), got[0].GeonameID)
}

func TestTextSearch_SQLiteRoundTrip(t *testing.T) {
	txt, err := store.NewSQLiteText(filepath.Join(t.TempDir(), "text.db"))
	require.NoError(t, err)
	t.Cleanup(func() { txt.Close() }) //nolint:errcheck

	svc := newReadyService(t, bayRows, storetest.NewRelational(), txt)
	ctx := context.Background()

	got, err := svc.TextSearch(ctx, "Frisco")
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, ids(got))

	got, err = svc.TextSearch(ctx, "San Francisco")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int32{2, 4}, ids(got))

	got, err = svc.TextSearch(ctx, "Dali-Siti")
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, ids(got))
}

func TestTextSearch_EmptyAndFailures(t *testing.T) {
	rel, txt := storetest.NewRelational(), storetest.NewText()
	svc := newReadyService(t, bayRows, rel, txt)
	ctx := context.Background()

	got, err := svc.TextSearch(ctx, "   ")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = svc.TextSearch(ctx, "Atlantis")
	require.NoError(t, err)
	assert.Empty(t, got)

	rel.FailQuery = errors.New("connection refused")
	got, err = svc.TextSearch(ctx, "Frisco")
	require.NoError(t, err)
	assert.Empty(t, got)

	rel.FailQuery = nil
	txt.FailMatch = errors.New("searchd down")
	got, err = svc.TextSearch(ctx, "Frisco")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTextSearch_Limit(t *testing.T) {
	rel, txt := storetest.NewRelational(), storetest.NewText()
	svc := New(rel, txt, Options{TextLimit: 1})
	c := &ingest.Coordinator{
		Source:     writeFixture(t, bayRows),
		Relational: &ingest.RelationalLoader{Store: rel},
		Text:       &ingest.TextLoader{Store: txt},
	}
	require.NoError(t, svc.Bootstrap(context.Background(), c))

	got, err := svc.TextSearch(context.Background(), "San Francisco")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestNotReady(t *testing.T) {
	svc := New(storetest.NewRelational(), storetest.NewText(), Options{})
	ctx := context.Background()

	assert.False(t, svc.Ready())
	_, err := svc.KeyLookup(ctx, "name", "Colma", "")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = svc.ProximitySearchIndex(ctx, "name", "Colma", 2, "")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = svc.ProximitySearchStore(ctx, "name", "Colma", 2, "")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = svc.TextSearch(ctx, "Frisco")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = svc.Count()
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = svc.WithinBox(spatial.Box{MinLon: -1, MinLat: -1, MaxLon: 1, MaxLat: 1}, 0)
	assert.ErrorIs(t, err, ErrNotReady)

	wctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.Error(t, svc.WaitReady(wctx))
}

func TestBootstrapFailureLeavesNotReady(t *testing.T) {
	rel := storetest.NewRelational()
	rel.FailBatch = 1
	svc := New(rel, storetest.NewText(), Options{})
	c := &ingest.Coordinator{
		Source:     writeFixture(t, bayRows),
		Relational: &ingest.RelationalLoader{Store: rel},
		Text:       &ingest.TextLoader{Store: storetest.NewText()},
	}

	err := svc.Bootstrap(context.Background(), c)
	var be *ingest.BootstrapError
	require.True(t, errors.As(err, &be))
	assert.False(t, svc.Ready())
}

func TestWaitReady(t *testing.T) {
	svc := New(storetest.NewRelational(), storetest.NewText(), Options{})
	done := make(chan error, 1)
	go func() { done <- svc.WaitReady(context.Background()) }()

	svc.Publish(&ingest.Snapshot{Dataset: &place.Dataset{}, Index: spatial.Build(nil)})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitReady did not return after Publish")
	}

	n, err := svc.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWithinBoxAndPlace(t *testing.T) {
	svc := newReadyService(t, bayRows, storetest.NewRelational(), storetest.NewText())

	got, err := svc.WithinBox(spatial.Box{MinLon: -122.5, MinLat: 37.6, MaxLon: -122.4, MaxLat: 37.8}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, ids(got))

	got, err = svc.WithinBox(spatial.Box{MinLon: -122.5, MinLat: 37.6, MaxLon: -122.4, MaxLat: 37.8}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, ids(got))

	_, err = svc.WithinBox(spatial.Box{MinLon: 0, MinLat: 5, MaxLon: 1, MaxLat: 1}, 0)
	require.Error(t, err)

	p, err := svc.Place(5)
	require.NoError(t, err)
	assert.Equal(t, "Oakland", p.Name)
	_, err = svc.Place(99)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := svc.Count()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestParseProximityMethod(t *testing.T) {
	m, err := ParseProximityMethod("")
	require.NoError(t, err)
	assert.Equal(t, ProximityIndex, m)
	m, err = ParseProximityMethod("STORE")
	require.NoError(t, err)
	assert.Equal(t, ProximityStore, m)
	_, err = ParseProximityMethod("sphinx")
	require.Error(t, err)
}

func TestStoreBreakerOpensAfterRepeatedFailures(t *testing.T) {
	rel, txt := storetest.NewRelational(), storetest.NewText()
	svc := New(rel, txt, Options{Breakers: resilience.NewBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		ShouldTrip:       storeFailure,
	})})
	c := &ingest.Coordinator{
		Source:     writeFixture(t, bayRows),
		Relational: &ingest.RelationalLoader{Store: rel},
		Text:       &ingest.TextLoader{Store: txt},
	}
	require.NoError(t, svc.Bootstrap(context.Background(), c))
	ctx := context.Background()

	// A miss is not a failure.
	_, err := svc.KeyLookup(ctx, "timezone", "Mars/Olympus", "")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "closed", svc.BreakerStates()[BreakerRelational])

	rel.FailQuery = errors.New("connection refused")
	for range 2 {
		_, err = svc.KeyLookup(ctx, "timezone", "Etc/UTC", "")
		require.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, map[string]string{BreakerRelational: "open", BreakerText: "closed"}, svc.BreakerStates())

	rel.FailQuery = nil
	before := rel.Queries
	got, err := svc.ProximitySearchStore(ctx, "name", "Colma", 3, "")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, before, rel.Queries, "open breaker short-circuits the store")

	// The in-memory path is unaffected.
	got, err = svc.ProximitySearchIndex(ctx, "name", "Colma", 3, "")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

// fastRetry keeps backoff short enough for tests.
var fastRetry = resilience.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     2 * time.Millisecond,
}

func TestKeyLookup_RetriesTransientStoreError(t *testing.T) {
	rel := storetest.NewRelational()
	svc := newReadyServiceWith(t, bayRows, rel, storetest.NewText(), Options{Retry: fastRetry})
	ctx := context.Background()

	want, err := svc.KeyLookup(ctx, "timezone", "Etc/UTC", "")
	require.NoError(t, err)

	rel.FailQuery = resilience.NewTransientError(errors.New("connection reset"))
	rel.FailQueryTimes = 2
	before := rel.Queries

	got, err := svc.KeyLookup(ctx, "timezone", "Etc/UTC", "")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, before+3, rel.Queries, "two failed attempts then one success")
	assert.Equal(t, "closed", svc.BreakerStates()[BreakerRelational])
}

func TestKeyLookup_PermanentStoreErrorIsNotRetried(t *testing.T) {
	rel := storetest.NewRelational()
	svc := newReadyServiceWith(t, bayRows, rel, storetest.NewText(), Options{Retry: fastRetry})
	rel.FailQuery = errors.New(`column "timezone" does not exist`)
	before := rel.Queries

	_, err := svc.KeyLookup(context.Background(), "timezone", "Etc/UTC", "")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before+1, rel.Queries)
}

func TestRetriesExhaustedCountOnceAgainstBreaker(t *testing.T) {
	rel, txt := storetest.NewRelational(), storetest.NewText()
	svc := newReadyServiceWith(t, bayRows, rel, txt, Options{
		Retry: fastRetry,
		Breakers: resilience.NewBreakers(resilience.CircuitBreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Hour,
			ShouldTrip:       storeFailure,
		}),
	})
	rel.FailQuery = resilience.NewTransientError(errors.New("connection reset"))
	before := rel.Queries

	got, err := svc.ProximitySearchStore(context.Background(), "name", "Colma", 3, "")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, before+fastRetry.MaxAttempts, rel.Queries)
	assert.Equal(t, "closed", svc.BreakerStates()[BreakerRelational], "one exhausted call is one breaker failure")
}

func TestTextSearch_RetriesTransientHydration(t *testing.T) {
	rel, txt := storetest.NewRelational(), storetest.NewText()
	svc := newReadyServiceWith(t, bayRows, rel, txt, Options{Retry: fastRetry})
	rel.FailQuery = resilience.NewTransientError(errors.New("database system is starting up"))
	rel.FailQueryTimes = 1

	got, err := svc.TextSearch(context.Background(), "Frisco")
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, ids(got))
}
