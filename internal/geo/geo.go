package geo

import (
	"math"

	"telemetry-engine/internal/telemetry"
)

const (
	earthRadiusKm = 6371.0
	kmToMiles     = 0.621371
)

// HaversineKm returns the great-circle distance between two coordinates in km.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// DistanceMiles sums the distance between consecutive points.
func DistanceMiles(points []telemetry.GpsSample) float64 {
	if len(points) < 2 {
		return 0
	}
	km := 0.0
	for i := 1; i < len(points); i++ {
		km += HaversineKm(points[i-1].Latitude, points[i-1].Longitude, points[i].Latitude, points[i].Longitude)
	}
	return km * kmToMiles
}

type SpeedBand int

const (
	Band0to20 SpeedBand = iota
	Band20to40
	Band40to60
	Band60to70
	Band70to75
	Band75Plus
)

var bandNames = [...]string{"0-20", "20-40", "40-60", "60-70", "70-75", "75+"}

func (b SpeedBand) String() string {
	if b < 0 || int(b) >= len(bandNames) {
		return "unknown"
	}
	return bandNames[b]
}

// SpeedBucket classifies a speed in mph. Lower bounds are inclusive; nil and
// negative speeds fall in the lowest band.
func SpeedBucket(speedMph *float64) SpeedBand {
	if speedMph == nil || *speedMph < 0 {
		return Band0to20
	}
	s := *speedMph
	switch {
	case s < 20:
		return Band0to20
	case s < 40:
		return Band20to40
	case s < 60:
		return Band40to60
	case s < 70:
		return Band60to70
	case s < 75:
		return Band70to75
	default:
		return Band75Plus
	}
}
