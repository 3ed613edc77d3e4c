// Package storetest provides in-memory implementations of the store
// contracts for tests of the packages built on top of them.
package storetest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/sells-group/citysearch/internal/place"
	"github.com/sells-group/citysearch/internal/spatial"
	"github.com/sells-group/citysearch/internal/store"
)

// Relational is an in-memory store.Relational. Fail* fields inject errors.
type Relational struct {
	mu      sync.Mutex
	rows    map[int32]place.Record
	schema  bool
	batches int

	FailCount  error
	FailSchema error
	FailBatch  int // 1-based batch number that fails; 0 never
	FailQuery  error
	Queries    int

	// FailQueryTimes, when > 0, clears FailQuery after that many failed
	// queries.
	FailQueryTimes int
}

var _ store.Relational = (*Relational)(nil)

// NewRelational returns an empty store.
func NewRelational() *Relational {
	return &Relational{rows: make(map[int32]place.Record)}
}

// Batches returns the number of batches written so far, committed or not.
func (m *Relational) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// HasSchema reports whether CreateSchema ran.
func (m *Relational) HasSchema() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schema
}

func (m *Relational) CountPlaces(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCount != nil {
		return 0, m.FailCount
	}
	return int64(len(m.rows)), nil
}

func (m *Relational) CreateSchema(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSchema != nil {
		return m.FailSchema
	}
	m.schema = true
	return nil
}

func (m *Relational) BeginLoad(_ context.Context) (store.BatchWriter, error) {
	return &relWriter{m: m}, nil
}

type relWriter struct {
	m       *Relational
	pending []place.Record
	done    bool
}

func (w *relWriter) WriteBatch(_ context.Context, recs []place.Record) (int64, error) {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.batches++
	if w.m.FailBatch > 0 && w.m.batches == w.m.FailBatch {
		return 0, errors.New("storetest: batch rejected")
	}
	for _, r := range recs {
		if r.AltNames != nil {
			t := place.TruncateRunes(*r.AltNames, place.MaxAltNamesLen)
			r.AltNames = &t
		}
		w.pending = append(w.pending, r)
	}
	return int64(len(recs)), nil
}

func (w *relWriter) Commit(_ context.Context) error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	if w.done {
		return errors.New("storetest: transaction closed")
	}
	w.done = true
	for _, r := range w.pending {
		w.m.rows[r.ID] = r
	}
	return nil
}

func (w *relWriter) Rollback(_ context.Context) error {
	w.done = true
	w.pending = nil
	return nil
}

func columnValue(r *place.Record, column string) any {
	switch column {
	case "geonameid":
		return r.GeonameID
	case "name":
		return r.Name
	case "asciiname":
		return r.ASCIIName
	case "altnames":
		if r.AltNames == nil {
			return nil
		}
		return *r.AltNames
	case "latitude":
		return r.Latitude
	case "longitude":
		return r.Longitude
	case "feat_class":
		return r.FeatClass
	case "feat_code":
		return r.FeatCode
	case "country_code":
		return r.CountryCode
	case "cc2":
		return r.CC2
	case "admin1_code":
		return r.Admin1
	case "admin2_code":
		return r.Admin2
	case "admin3_code":
		return r.Admin3
	case "admin4_code":
		return r.Admin4
	case "population":
		if r.Population == nil {
			return nil
		}
		return *r.Population
	case "elevation":
		if r.Elevation == nil {
			return nil
		}
		return int64(*r.Elevation)
	case "dem":
		if r.DEM == nil {
			return nil
		}
		return int64(*r.DEM)
	case "timezone":
		return r.Timezone
	case "modified":
		return r.Modified
	}
	return nil
}

func (m *Relational) sortedIDs() []int32 {
	ids := make([]int32, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// queryErr counts a query and returns the injected failure for it, if any.
// Callers hold m.mu.
func (m *Relational) queryErr() error {
	m.Queries++
	err := m.FailQuery
	if err != nil && m.FailQueryTimes > 0 {
		m.FailQueryTimes--
		if m.FailQueryTimes == 0 {
			m.FailQuery = nil
		}
	}
	return err
}

func (m *Relational) LookupID(_ context.Context, column string, value any, countryCode string) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.queryErr(); err != nil {
		return 0, err
	}
	if !place.IsColumn(column) {
		return 0, store.ErrNoRows
	}
	for _, id := range m.sortedIDs() {
		r := m.rows[id]
		if countryCode != "" && r.CountryCode != countryCode {
			continue
		}
		if v := columnValue(&r, column); v != nil && v == value {
			return id, nil
		}
	}
	return 0, store.ErrNoRows
}

func (m *Relational) PlacesByIDs(_ context.Context, ids []int32) ([]place.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.queryErr(); err != nil {
		return nil, err
	}
	var out []place.Summary
	for _, id := range ids {
		if r, ok := m.rows[id]; ok {
			out = append(out, r.Summary())
		}
	}
	return out, nil
}

// ProximitySearch ranks by great-circle distance with a full scan.
func (m *Relational) ProximitySearch(_ context.Context, id int32, k int, countryCode string) ([]place.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.queryErr(); err != nil {
		return nil, err
	}
	origin, ok := m.rows[id]
	if !ok || k <= 0 {
		return nil, nil
	}

	var out []place.Summary
	for _, rid := range m.sortedIDs() {
		r := m.rows[rid]
		if countryCode != "" && r.CountryCode != countryCode {
			continue
		}
		s := r.Summary()
		d := spatial.DistanceKm(float64(origin.Longitude), float64(origin.Latitude), float64(r.Longitude), float64(r.Latitude))
		s.DistanceKm = &d
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].DistanceKm < *out[j].DistanceKm })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Relational) Ping(_ context.Context) error { return nil }
func (m *Relational) Close() error                 { return nil }

// Text is an in-memory store.Text. Match requires every query word to occur
// in the document, case-insensitively, and returns ids in ascending order.
type Text struct {
	mu      sync.Mutex
	docs    map[int32]string
	index   bool
	inserts int

	FailCount  error
	FailInsert int // 1-based insert number that fails; 0 never
	FailMatch  error
}

var _ store.Text = (*Text)(nil)

// NewText returns an empty store.
func NewText() *Text {
	return &Text{docs: make(map[int32]string)}
}

// Doc returns the stored text for pk.
func (t *Text) Doc(pk int32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.docs[pk]
	return d, ok
}

// Inserts returns the number of Insert calls so far.
func (t *Text) Inserts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inserts
}

func (t *Text) CountDocuments(_ context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailCount != nil {
		return 0, t.FailCount
	}
	return int64(len(t.docs)), nil
}

func (t *Text) CreateIndex(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.index = true
	return nil
}

func (t *Text) BeginLoad(_ context.Context) (store.TextWriter, error) {
	return &textWriter{t: t, pending: make(map[int32]string)}, nil
}

type textWriter struct {
	t       *Text
	pending map[int32]string
}

func (w *textWriter) Insert(_ context.Context, pk int32, text string, fk int32) error {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	w.t.inserts++
	if w.t.FailInsert > 0 && w.t.inserts == w.t.FailInsert {
		return errors.New("storetest: insert rejected")
	}
	if pk != fk {
		return errors.New("storetest: pk and fk differ")
	}
	if _, dup := w.pending[pk]; dup {
		return errors.New("storetest: duplicate id")
	}
	w.pending[pk] = text
	return nil
}

func (w *textWriter) Commit(_ context.Context) error {
	w.t.mu.Lock()
	defer w.t.mu.Unlock()
	for pk, text := range w.pending {
		w.t.docs[pk] = text
	}
	return nil
}

func (w *textWriter) Rollback(_ context.Context) error {
	w.pending = nil
	return nil
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(place.Unescape(s)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func (t *Text) Match(_ context.Context, escaped string, limit int) ([]int32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailMatch != nil {
		return nil, t.FailMatch
	}
	q := words(escaped)
	if len(q) == 0 || limit <= 0 {
		return nil, nil
	}

	var ids []int32
	for pk, doc := range t.docs {
		have := make(map[string]bool)
		for _, w := range words(doc) {
			have[w] = true
		}
		all := true
		for _, w := range q {
			if !have[w] {
				all = false
				break
			}
		}
		if all {
			ids = append(ids, pk)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (t *Text) Ping(_ context.Context) error { return nil }
func (t *Text) Close() error                 { return nil }
