package api

import (
	"net/http"
	"strconv"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/citysearch/internal/place"
)

// featureCollection renders places as GeoJSON points with their summary
// fields as properties.
func featureCollection(ps []place.Summary) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(ps))}
	for _, p := range ps {
		props := map[string]interface{}{
			"id":           p.ID,
			"geonameid":    p.GeonameID,
			"name":         p.Name,
			"asciiname":    p.ASCIIName,
			"country_code": p.CountryCode,
			"admin1_code":  p.Admin1,
			"population":   p.Population,
			"timezone":     p.Timezone,
		}
		if p.DistanceKm != nil {
			props["distance_km"] = *p.DistanceKm
		}
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         strconv.Itoa(int(p.ID)),
			Geometry:   geom.NewPointFlat(geom.XY, []float64{float64(p.Longitude), float64(p.Latitude)}),
			Properties: props,
		})
	}
	return fc
}

func writeGeoJSON(w http.ResponseWriter, ps []place.Summary) {
	body, err := featureCollection(ps).MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode geojson")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		zap.L().Warn("api: write geojson", zap.Error(err))
	}
}
