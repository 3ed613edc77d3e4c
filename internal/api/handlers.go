package api

import (
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/sells-group/citysearch/internal/citysearch"
	"github.com/sells-group/citysearch/internal/place"
	"github.com/sells-group/citysearch/internal/spatial"
)

// reserved query parameters; every other parameter is a lookup key.
var reserved = map[string]bool{
	"country_code": true,
	"k":            true,
	"method":       true,
	"format":       true,
	"limit":        true,
}

// lookupKey picks the key=value pair of a lookup request. With several
// candidates the alphabetically first wins, so the choice is stable.
func lookupKey(q url.Values) (string, string, bool) {
	var keys []string
	for k := range q {
		if !reserved[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "", "", false
	}
	sort.Strings(keys)
	return keys[0], q.Get(keys[0]), true
}

func (h *handler) count(w http.ResponseWriter, _ *http.Request) {
	n, err := h.svc.Count()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

func (h *handler) kvsearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, value, ok := lookupKey(q)
	if !ok {
		writeError(w, http.StatusBadRequest, "a key=value parameter is required")
		return
	}

	id, err := h.svc.KeyLookup(r.Context(), key, value, q.Get("country_code"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	p, err := h.svc.Place(id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeLookupError(w http.ResponseWriter, err error) {
	var amb *citysearch.AmbiguousError
	switch {
	case errors.As(err, &amb):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "ambiguous name, add country_code",
			"ids":   amb.IDs,
		})
	case errors.Is(err, citysearch.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *handler) proximitySearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, value, ok := lookupKey(q)
	if !ok {
		writeError(w, http.StatusBadRequest, "a key=value parameter is required")
		return
	}
	k := h.opts.DefaultK
	if s := q.Get("k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "k must be a non-negative integer")
			return
		}
		k = min(n, h.opts.MaxK)
	}
	method, err := citysearch.ParseProximityMethod(q.Get("method"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.svc.ProximitySearch(r.Context(), method, key, value, k, q.Get("country_code"))
	if err != nil {
		var amb *citysearch.AmbiguousError
		if errors.As(err, &amb) || errors.Is(err, citysearch.ErrNotReady) {
			writeLookupError(w, err)
			return
		}
		out = []place.Summary{}
	}
	writePlaces(w, r, out)
}

func (h *handler) textSearch(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.TextSearch(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writePlaces(w, r, out)
}

func (h *handler) bbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var b spatial.Box
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"min_lon", &b.MinLon}, {"min_lat", &b.MinLat},
		{"max_lon", &b.MaxLon}, {"max_lat", &b.MaxLat},
	} {
		v, err := strconv.ParseFloat(q.Get(f.name), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, f.name+" must be a number")
			return
		}
		*f.dst = v
	}
	limit := h.opts.MaxBox
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, h.opts.MaxBox)
	}

	out, err := h.svc.WithinBox(b, limit)
	if err != nil {
		if errors.Is(err, citysearch.ErrNotReady) {
			writeLookupError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writePlaces(w, r, out)
}

func writePlaces(w http.ResponseWriter, r *http.Request, out []place.Summary) {
	if r.URL.Query().Get("format") == "geojson" {
		writeGeoJSON(w, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
