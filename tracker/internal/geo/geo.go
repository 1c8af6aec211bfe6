// Package geo provides the geometry used for geofence containment and
// movement analysis. All functions are pure.
package geo

import (
	"math"

	"github.com/pilot-net/geotrack/pkg/types"
)

// EarthRadiusMeters is the mean Earth radius used by HaversineMeters.
const EarthRadiusMeters = 6371e3

// HaversineMeters returns the great-circle distance between two points given
// in decimal degrees.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// Rounding can push a just past 1 for antipodal points.
	a = math.Min(1, a)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// PointInCircle reports whether the point lies within radiusMeters of the center.
func PointInCircle(lat, lon, centerLat, centerLon, radiusMeters float64) bool {
	return HaversineMeters(lat, lon, centerLat, centerLon) <= radiusMeters
}

// PointInPolygon runs a ray-casting parity test. Vertices are treated as
// points on a plane, which is fine at zone scale. Fewer than three vertices
// never contain anything.
func PointInPolygon(lat, lon float64, vertices []types.Coordinate) bool {
	n := len(vertices)
	if n < 3 {
		return false
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		yi, xi := vertices[i].Latitude, vertices[i].Longitude
		yj, xj := vertices[j].Latitude, vertices[j].Longitude

		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// Contains dispatches on the fence geometry. Malformed fences contain nothing.
func Contains(g *types.Geofence, lat, lon float64) bool {
	switch g.FenceType {
	case types.FenceTypeCircular:
		if g.CenterLatitude == nil || g.CenterLongitude == nil || g.RadiusMeters == nil {
			return false
		}
		return PointInCircle(lat, lon, *g.CenterLatitude, *g.CenterLongitude, *g.RadiusMeters)
	case types.FenceTypePolygon:
		return PointInPolygon(lat, lon, g.Vertices)
	default:
		return false
	}
}
