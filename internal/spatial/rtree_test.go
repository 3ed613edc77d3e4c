package spatial

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithin_Bay(t *testing.T) {
	ix := Build(bayArea)
	ids, err := ix.Within(Box{MinLon: -122.5, MinLat: 37.6, MaxLon: -122.4, MaxLat: 37.8})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, ids)
}

func TestWithin_EdgesInclusive(t *testing.T) {
	ix := Build([]Point{{ID: 1, Lon: 10, Lat: 20}})
	ids, err := ix.Within(Box{MinLon: 10, MinLat: 20, MaxLon: 10, MaxLat: 20})
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, ids)
}

func TestWithin_Antimeridian(t *testing.T) {
	ix := Build([]Point{
		{ID: 1, Lon: 179.5, Lat: -17},
		{ID: 2, Lon: -179.5, Lat: -17},
		{ID: 3, Lon: 0, Lat: -17},
	})
	ids, err := ix.Within(Box{MinLon: 179, MinLat: -18, MaxLon: -179, MaxLat: -16})
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, ids)
}

func TestWithin_Invalid(t *testing.T) {
	ix := Build(bayArea)
	_, err := ix.Within(Box{MinLon: 0, MinLat: 10, MaxLon: 1, MaxLat: 5})
	require.Error(t, err)
	_, err = ix.Within(Box{MinLon: -200, MinLat: 0, MaxLon: 1, MaxLat: 5})
	require.Error(t, err)
	_, err = ix.Within(Box{MinLon: 0, MinLat: -91, MaxLon: 1, MaxLat: 5})
	require.Error(t, err)
}

func TestWithin_RTreeMatchesScan(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	pts := randomPoints(r, 3000)
	withTree := Build(pts)
	scan := Build(pts, WithBoxIndex(false))

	for range 50 {
		lat1, lat2 := r.Float64()*180-90, r.Float64()*180-90
		if lat1 > lat2 {
			lat1, lat2 = lat2, lat1
		}
		b := Box{MinLon: r.Float64()*360 - 180, MinLat: lat1, MaxLon: r.Float64()*360 - 180, MaxLat: lat2}

		want, err := scan.Within(b)
		require.NoError(t, err)
		got, err := withTree.Within(b)
		require.NoError(t, err)
		assert.Equal(t, want, got, "box %+v", b)
	}
}

func TestBox_Contains(t *testing.T) {
	b := Box{MinLon: 170, MinLat: -10, MaxLon: -170, MaxLat: 10}
	assert.True(t, b.Contains(175, 0))
	assert.True(t, b.Contains(-175, 0))
	assert.False(t, b.Contains(0, 0))
	assert.False(t, b.Contains(175, 11))
}
