// Package spatial is the in-memory nearest-neighbor index over place
// coordinates. It is built once after the bulk load and never mutated.
package spatial

import (
	"sort"

	"github.com/dhconnelly/rtreego"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/sells-group/citysearch/internal/place"
)

// EarthRadiusKm is the mean Earth radius, shared with the store's haversine.
const EarthRadiusKm = 6371.0088

// Point is one indexed coordinate.
type Point struct {
	ID  int32
	Lon float64
	Lat float64
}

// Neighbor is a kNN result with its approximate great-circle distance.
type Neighbor struct {
	ID         int32
	DistanceKm float64
}

// Index answers k-nearest-neighbor and bounding-box queries.
type Index struct {
	tree  kdTree
	byID  []Point // sorted by ID
	boxes *rtreego.Rtree
}

// Option configures Build.
type Option func(*buildOptions)

type buildOptions struct {
	boxIndex bool
}

// WithBoxIndex toggles the R-tree used by Within. Without it Within scans.
func WithBoxIndex(on bool) Option {
	return func(o *buildOptions) { o.boxIndex = on }
}

// Build indexes pts. The slice is not retained.
func Build(pts []Point, opts ...Option) *Index {
	o := buildOptions{boxIndex: true}
	for _, opt := range opts {
		opt(&o)
	}

	byID := make([]Point, len(pts))
	copy(byID, pts)
	sort.Slice(byID, func(i, j int) bool { return byID[i].ID < byID[j].ID })

	ids := make([]int32, len(pts))
	xyz := make([][3]float64, len(pts))
	for i, p := range byID {
		ids[i] = p.ID
		xyz[i] = unitVector(p.Lon, p.Lat)
	}

	ix := &Index{tree: buildKD(ids, xyz), byID: byID}
	if o.boxIndex && len(byID) > 0 {
		ix.boxes = buildRTree(byID)
	}
	return ix
}

// FromDataset indexes every record of ds.
func FromDataset(ds *place.Dataset, opts ...Option) *Index {
	pts := make([]Point, ds.Len())
	for i := range pts {
		r := &ds.Records[i]
		pts[i] = Point{ID: r.ID, Lon: float64(r.Longitude), Lat: float64(r.Latitude)}
	}
	return Build(pts, opts...)
}

// Len returns the number of indexed points.
func (ix *Index) Len() int {
	return len(ix.byID)
}

// Coord returns the coordinates of id.
func (ix *Index) Coord(id int32) (lon, lat float64, ok bool) {
	i := sort.Search(len(ix.byID), func(i int) bool { return ix.byID[i].ID >= id })
	if i == len(ix.byID) || ix.byID[i].ID != id {
		return 0, 0, false
	}
	return ix.byID[i].Lon, ix.byID[i].Lat, true
}

// Nearest returns the ids of the k points closest to (lon, lat), nearest
// first. Equal distances are ordered by id.
func (ix *Index) Nearest(lon, lat float64, k int) []int32 {
	return ix.NearestFunc(lon, lat, k, nil)
}

// NearestFunc is Nearest restricted to points for which keep returns true.
// Filtering happens inside the search, so the result is still the exact k
// nearest among the kept points.
func (ix *Index) NearestFunc(lon, lat float64, k int, keep func(id int32) bool) []int32 {
	cands := ix.tree.nearest(unitVector(lon, lat), k, keep)
	ids := make([]int32, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

// Neighbors is NearestFunc with distances attached.
func (ix *Index) Neighbors(lon, lat float64, k int, keep func(id int32) bool) []Neighbor {
	cands := ix.tree.nearest(unitVector(lon, lat), k, keep)
	out := make([]Neighbor, len(cands))
	for i, c := range cands {
		out[i] = Neighbor{ID: c.id, DistanceKm: chordKm(c.d2)}
	}
	return out
}

// DistanceKm returns the great-circle distance between two coordinates.
func DistanceKm(lonA, latA, lonB, latB float64) float64 {
	a := s2.LatLngFromDegrees(latA, lonA)
	b := s2.LatLngFromDegrees(latB, lonB)
	return a.Distance(b).Radians() * EarthRadiusKm
}

func chordKm(d2 float64) float64 {
	return s1.ChordAngleFromSquaredLength(d2).Angle().Radians() * EarthRadiusKm
}

func unitVector(lon, lat float64) [3]float64 {
	p := s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lon))
	return [3]float64{p.X, p.Y, p.Z}
}
