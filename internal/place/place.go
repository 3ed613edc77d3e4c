// Package place defines the normalized GeoNames place record, the in-memory
// dataset produced by one normalization pass, and the text escaping used by
// the full-text store.
package place

// MaxAltNamesLen bounds the alternate-names text kept in the relational store.
const MaxAltNamesLen = 200

// NumColumns is the number of tab-separated fields in a GeoNames cities row.
const NumColumns = 19

// Columns lists the source columns in file order. It doubles as the set of
// keys accepted by key lookups.
var Columns = []string{
	"geonameid", "name", "asciiname", "altnames", "latitude", "longitude",
	"feat_class", "feat_code", "country_code", "cc2",
	"admin1_code", "admin2_code", "admin3_code", "admin4_code",
	"population", "elevation", "dem", "timezone", "modified",
}

// Kind describes how a column value is typed in the stores.
type Kind int

// Column kinds.
const (
	KindText Kind = iota
	KindInt
	KindFloat
)

var columnKinds = func() map[string]Kind {
	m := make(map[string]Kind, len(Columns))
	for _, c := range Columns {
		m[c] = KindText
	}
	m["geonameid"] = KindInt
	m["population"] = KindInt
	m["elevation"] = KindInt
	m["dem"] = KindInt
	m["latitude"] = KindFloat
	m["longitude"] = KindFloat
	return m
}()

// IsColumn reports whether name is one of the recognized source columns.
func IsColumn(name string) bool {
	_, ok := columnKinds[name]
	return ok
}

// ColumnKind returns the kind of a recognized column and false otherwise.
func ColumnKind(name string) (Kind, bool) {
	k, ok := columnKinds[name]
	return k, ok
}

// Record is one normalized row of the source dataset.
type Record struct {
	ID          int32 // surrogate, 1-based load order
	GeonameID   int64
	Name        string
	ASCIIName   string
	AltNames    *string // nil when the source field is empty
	Latitude    float32
	Longitude   float32
	FeatClass   string
	FeatCode    string
	CountryCode string
	CC2         string
	Admin1      string
	Admin2      string
	Admin3      string
	Admin4      string
	Population  *int64
	Elevation   *int32
	DEM         *int32
	Timezone    string
	Modified    string
}

// Summary is the plain place representation returned by queries.
type Summary struct {
	ID          int32    `json:"id"`
	GeonameID   int64    `json:"geonameid"`
	Name        string   `json:"name"`
	ASCIIName   string   `json:"asciiname"`
	CountryCode string   `json:"country_code"`
	Admin1      string   `json:"admin1_code"`
	Latitude    float32  `json:"latitude"`
	Longitude   float32  `json:"longitude"`
	Population  int64    `json:"population"`
	Timezone    string   `json:"timezone"`
	DistanceKm  *float64 `json:"distance_km,omitempty"`
}

// Summary converts the record to its query representation.
func (r *Record) Summary() Summary {
	s := Summary{
		ID:          r.ID,
		GeonameID:   r.GeonameID,
		Name:        r.Name,
		ASCIIName:   r.ASCIIName,
		CountryCode: r.CountryCode,
		Admin1:      r.Admin1,
		Latitude:    r.Latitude,
		Longitude:   r.Longitude,
		Timezone:    r.Timezone,
	}
	if r.Population != nil {
		s.Population = *r.Population
	}
	return s
}

// Dataset is the ordered sequence of records produced by one normalization
// pass. It is never mutated after Normalize returns.
type Dataset struct {
	Records []Record
}

// Len returns the number of records.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Records)
}

// Get returns the record with the given surrogate ID.
func (d *Dataset) Get(id int32) (*Record, bool) {
	if d == nil || id < 1 || int(id) > len(d.Records) {
		return nil, false
	}
	return &d.Records[id-1], true
}

// WithAltNames returns the number of records carrying alternate names.
func (d *Dataset) WithAltNames() int {
	n := 0
	for i := range d.Records {
		if d.Records[i].AltNames != nil {
			n++
		}
	}
	return n
}
