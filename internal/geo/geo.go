package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// GeohashPrecision gives cells of roughly 5x5 meters.
const GeohashPrecision = 9

// NewPoint builds a point from optional coordinates. It returns false when
// either is missing, out of range, or both are zero.
func NewPoint(lat, lon *float64) (orb.Point, bool) {
	if lat == nil || lon == nil {
		return orb.Point{}, false
	}
	if !Valid(*lat, *lon) {
		return orb.Point{}, false
	}
	return orb.Point{*lon, *lat}, true
}

// Valid reports whether lat/lon are usable coordinates. (0, 0) is what the
// source sends for "unknown".
func Valid(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	return lat != 0 || lon != 0
}

func Geohash(p orb.Point) string {
	return geohash.EncodeWithPrecision(p.Lat(), p.Lon(), GeohashPrecision)
}

// DistanceMeters is the haversine distance between two points.
func DistanceMeters(a, b orb.Point) float64 {
	return math.Round(orbgeo.DistanceHaversine(a, b)*10) / 10
}
