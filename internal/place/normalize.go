package place

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/citysearch/internal/fetcher"
)

// SourceUnavailableError reports a missing or unreadable source file.
type SourceUnavailableError struct {
	Path string
	Err  error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("place: source unavailable: %s: %v", e.Path, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// MalformedInputError reports a row that does not match the source schema.
type MalformedInputError struct {
	Line   int
	Column string // empty for column-count mismatches
	Reason string
	Row    []string
}

func (e *MalformedInputError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("place: malformed input at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("place: malformed input at line %d, column %s: %s", e.Line, e.Column, e.Reason)
}

// Normalize reads the GeoNames file at path and returns the normalized dataset.
func Normalize(ctx context.Context, path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SourceUnavailableError{Path: path, Err: err}
	}
	defer f.Close() //nolint:errcheck

	ds, err := NormalizeReader(ctx, f)
	if err != nil {
		var malformed *MalformedInputError
		if errors.As(err, &malformed) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &SourceUnavailableError{Path: path, Err: err}
	}

	zap.L().Info("source normalized",
		zap.String("component", "place.normalize"),
		zap.String("path", path),
		zap.Int("records", ds.Len()),
	)
	return ds, nil
}

// NormalizeReader parses tab-separated GeoNames rows from r. Surrogate IDs are
// assigned as 1 + the row's position among data rows, so the same input always
// yields the same IDs. The first malformed row aborts the pass.
func NormalizeReader(ctx context.Context, r io.Reader) (*Dataset, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows, errs := fetcher.StreamTSV(ctx, r, fetcher.TSVOptions{SkipBlank: true})

	ds := &Dataset{Records: make([]Record, 0, 1024)}
	for row := range rows {
		rec, err := ParseRow(row.Fields, int32(len(ds.Records)+1))
		if err != nil {
			err.Line = row.Line
			return nil, err
		}
		ds.Records = append(ds.Records, rec)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return ds, nil
}

// ParseRow converts one source row into a Record with the given surrogate ID.
// The returned error has no line number; callers fill it in.
func ParseRow(fields []string, id int32) (Record, *MalformedInputError) {
	if len(fields) != NumColumns {
		return Record{}, &MalformedInputError{
			Reason: fmt.Sprintf("expected %d columns, got %d", NumColumns, len(fields)),
			Row:    fields,
		}
	}

	bad := func(col, reason string) *MalformedInputError {
		return &MalformedInputError{Column: col, Reason: reason, Row: fields}
	}

	geonameID, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return Record{}, bad("geonameid", fmt.Sprintf("invalid integer %q", fields[0]))
	}
	lat, err := coordinate(fields[4], 90)
	if err != nil {
		return Record{}, bad("latitude", err.Error())
	}
	lon, err := coordinate(fields[5], 180)
	if err != nil {
		return Record{}, bad("longitude", err.Error())
	}

	rec := Record{
		ID:          id,
		GeonameID:   geonameID,
		Name:        fields[1],
		ASCIIName:   fields[2],
		Latitude:    float32(lat),
		Longitude:   float32(lon),
		FeatClass:   fields[6],
		FeatCode:    fields[7],
		CountryCode: strings.ToUpper(strings.TrimSpace(fields[8])),
		CC2:         fields[9],
		Admin1:      fields[10],
		Admin2:      fields[11],
		Admin3:      fields[12],
		Admin4:      fields[13],
		Timezone:    fields[17],
		Modified:    fields[18],
	}
	if fields[3] != "" {
		alt := fields[3]
		rec.AltNames = &alt
	}

	if rec.Population, err = optionalInt64(fields[14]); err != nil {
		return Record{}, bad("population", err.Error())
	}
	if rec.Elevation, err = optionalInt32(fields[15]); err != nil {
		return Record{}, bad("elevation", err.Error())
	}
	if rec.DEM, err = optionalInt32(fields[16]); err != nil {
		return Record{}, bad("dem", err.Error())
	}
	return rec, nil
}

// coordinate parses a degree value, rejecting NaN, infinities and anything
// outside [-limit, limit].
func coordinate(s string, limit float64) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 32)
	if err != nil {
		return 0, eris.Errorf("invalid float %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > limit {
		return 0, eris.Errorf("coordinate %q outside [-%g, %g]", s, limit, limit)
	}
	return v, nil
}

func optionalInt64(s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, eris.Errorf("invalid integer %q", s)
	}
	return &v, nil
}

func optionalInt32(s string) (*int32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, eris.Errorf("invalid integer %q", s)
	}
	n := int32(v)
	return &n, nil
}
