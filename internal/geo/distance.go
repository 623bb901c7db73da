// Package geo provides the cheap distance math used by clustering and
// candidate lookup.
package geo

import "math"

// EarthRadiusM is the mean Earth radius in meters.
const EarthRadiusM = 6371008.8

// metersPerDegreeLat is the length of one degree of latitude.
const metersPerDegreeLat = EarthRadiusM * math.Pi / 180

const degToRad = math.Pi / 180

// Distance returns the approximate distance in meters between two points
// using the equirectangular projection. Within ~0.5% of great-circle distance
// under a kilometer; it avoids the trig-heavy haversine on hot paths.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	dLon := lon2 - lon1
	if dLon > 180 {
		dLon -= 360
	} else if dLon < -180 {
		dLon += 360
	}
	x := dLon * degToRad * math.Cos((lat1+lat2)/2*degToRad)
	y := (lat2 - lat1) * degToRad
	return math.Sqrt(x*x+y*y) * EarthRadiusM
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// BoundingBox is a lat/lon rectangle in degrees.
type BoundingBox struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Contains reports whether the point lies inside the box.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Degrees returns the latitude and longitude half-spans, in degrees, that
// cover radiusM around a point at lat. The longitude span uses the pole-ward
// edge of the box and both spans carry 1% slack, so the box never rejects a
// point that Distance would accept.
func Degrees(lat, radiusM float64) (dLat, dLon float64) {
	dLat = radiusM / metersPerDegreeLat * 1.01
	edge := math.Abs(lat) + dLat
	if edge >= 89.9 {
		return dLat, 180
	}
	dLon = dLat / math.Cos(edge*degToRad)
	if dLon > 180 {
		dLon = 180
	}
	return dLat, dLon
}

// Box returns the bounding box covering radiusM around (lat, lon).
func Box(lat, lon, radiusM float64) BoundingBox {
	dLat, dLon := Degrees(lat, radiusM)
	return BoundingBox{
		MinLat: lat - dLat,
		MaxLat: lat + dLat,
		MinLon: lon - dLon,
		MaxLon: lon + dLon,
	}
}

// WithinBox is the cheap pre-filter applied before Distance: false means the
// second point is certainly farther than radiusM from the first.
func WithinBox(lat1, lon1, lat2, lon2, radiusM float64) bool {
	dLat, dLon := Degrees(lat1, radiusM)
	if math.Abs(lat2-lat1) > dLat {
		return false
	}
	d := math.Abs(lon2 - lon1)
	if d > 180 {
		d = 360 - d
	}
	return d <= dLon
}
