package spatial

import (
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/rotisserie/eris"
)

// pointTol pads each point into a tiny rectangle; rtreego rejects
// zero-length sides.
const pointTol = 1e-7

// Box is a lon/lat bounding box in degrees. MinLon > MaxLon denotes a box
// crossing the antimeridian.
type Box struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Validate checks ranges.
func (b Box) Validate() error {
	switch {
	case b.MinLat < -90 || b.MaxLat > 90:
		return eris.Errorf("spatial: latitude out of range in %+v", b)
	case b.MinLon < -180 || b.MaxLon > 180 || b.MinLon > 180 || b.MaxLon < -180:
		return eris.Errorf("spatial: longitude out of range in %+v", b)
	case b.MinLat > b.MaxLat:
		return eris.Errorf("spatial: min_lat %v above max_lat %v", b.MinLat, b.MaxLat)
	}
	return nil
}

// Contains reports whether the coordinate lies in the box, edges included.
func (b Box) Contains(lon, lat float64) bool {
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.MinLon <= b.MaxLon {
		return lon >= b.MinLon && lon <= b.MaxLon
	}
	return lon >= b.MinLon || lon <= b.MaxLon
}

// split returns one or two non-wrapping boxes covering b.
func (b Box) split() []Box {
	if b.MinLon <= b.MaxLon {
		return []Box{b}
	}
	return []Box{
		{MinLon: b.MinLon, MinLat: b.MinLat, MaxLon: 180, MaxLat: b.MaxLat},
		{MinLon: -180, MinLat: b.MinLat, MaxLon: b.MaxLon, MaxLat: b.MaxLat},
	}
}

func (b Box) rect() (rtreego.Rect, error) {
	return rtreego.NewRectFromPoints(
		rtreego.Point{b.MinLon - pointTol, b.MinLat - pointTol},
		rtreego.Point{b.MaxLon + pointTol, b.MaxLat + pointTol},
	)
}

type boxEntry struct {
	Point
}

func (e boxEntry) Bounds() rtreego.Rect {
	return rtreego.Point{e.Lon, e.Lat}.ToRect(pointTol)
}

func buildRTree(pts []Point) *rtreego.Rtree {
	objs := make([]rtreego.Spatial, len(pts))
	for i, p := range pts {
		objs[i] = boxEntry{p}
	}
	return rtreego.NewTree(2, 25, 50, objs...)
}

// Within returns the ids of points inside b, ordered by id.
func (ix *Index) Within(b Box) ([]int32, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	if ix.boxes == nil {
		var ids []int32
		for _, p := range ix.byID {
			if b.Contains(p.Lon, p.Lat) {
				ids = append(ids, p.ID)
			}
		}
		return ids, nil
	}

	seen := make(map[int32]struct{})
	var ids []int32
	for _, part := range b.split() {
		r, err := part.rect()
		if err != nil {
			return nil, eris.Wrap(err, "spatial: bounding box")
		}
		for _, obj := range ix.boxes.SearchIntersect(r) {
			e := obj.(boxEntry)
			if !b.Contains(e.Lon, e.Lat) {
				continue
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
			ids = append(ids, e.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
