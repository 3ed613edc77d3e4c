// Package resolve maps human-facing keys (GeoNames id, display name) to
// surrogate ids. A Resolver is built once and read concurrently without locks.
package resolve

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/citysearch/internal/place"
)

// ErrNotFound is returned when no place matches a key.
var ErrNotFound = errors.New("resolve: not found")

// AmbiguousError is returned when a name without a country code matches
// several places.
type AmbiguousError struct {
	Name string
	IDs  []int32
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("resolve: name %q matches %d places", e.Name, len(e.IDs))
}

type extEntry struct {
	geonameID int64
	id        int32
}

type nameEntry struct {
	name    string // folded
	country string
	id      int32
}

// Resolver holds two sorted lookup tables.
type Resolver struct {
	byExt  []extEntry  // sorted by geonameID, then id
	byName []nameEntry // sorted by name, country, id
}

// New builds a Resolver over ds.
func New(ds *place.Dataset) *Resolver {
	n := ds.Len()
	r := &Resolver{
		byExt:  make([]extEntry, 0, n),
		byName: make([]nameEntry, 0, n),
	}
	fold := cases.Fold()
	for i := 0; i < n; i++ {
		rec := &ds.Records[i]
		r.byExt = append(r.byExt, extEntry{geonameID: rec.GeonameID, id: rec.ID})
		r.byName = append(r.byName, nameEntry{
			name:    fold.String(strings.TrimSpace(rec.Name)),
			country: rec.CountryCode,
			id:      rec.ID,
		})
	}

	sort.Slice(r.byExt, func(i, j int) bool {
		a, b := r.byExt[i], r.byExt[j]
		if a.geonameID != b.geonameID {
			return a.geonameID < b.geonameID
		}
		return a.id < b.id
	})
	sort.Slice(r.byName, func(i, j int) bool {
		a, b := r.byName[i], r.byName[j]
		if a.name != b.name {
			return a.name < b.name
		}
		if a.country != b.country {
			return a.country < b.country
		}
		return a.id < b.id
	})
	return r
}

// Len returns the number of indexed places.
func (r *Resolver) Len() int { return len(r.byExt) }

// ByExternalID resolves a GeoNames id. Duplicate GeoNames ids resolve to the
// first loaded row.
func (r *Resolver) ByExternalID(geonameID int64) (int32, error) {
	i := sort.Search(len(r.byExt), func(i int) bool { return r.byExt[i].geonameID >= geonameID })
	if i == len(r.byExt) || r.byExt[i].geonameID != geonameID {
		return 0, ErrNotFound
	}
	return r.byExt[i].id, nil
}

// ByName resolves a display name, compared case-insensitively. With a country
// code the match is restricted to that country and the first loaded row wins.
// Without one, a name shared by several places is ambiguous.
func (r *Resolver) ByName(name, countryCode string) (int32, error) {
	key := cases.Fold().String(strings.TrimSpace(name))
	cc := strings.ToUpper(strings.TrimSpace(countryCode))

	lo := sort.Search(len(r.byName), func(i int) bool {
		e := r.byName[i]
		if e.name != key {
			return e.name >= key
		}
		return e.country >= cc
	})
	if lo == len(r.byName) || r.byName[lo].name != key {
		return 0, ErrNotFound
	}

	if cc != "" {
		if r.byName[lo].country != cc {
			return 0, ErrNotFound
		}
		// entries for one country are sorted by id; rows load in id order
		return r.byName[lo].id, nil
	}

	hi := lo
	for hi < len(r.byName) && r.byName[hi].name == key {
		hi++
	}
	if hi-lo == 1 {
		return r.byName[lo].id, nil
	}

	ids := make([]int32, 0, hi-lo)
	for _, e := range r.byName[lo:hi] {
		ids = append(ids, e.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return 0, &AmbiguousError{Name: name, IDs: ids}
}
