package geo

import (
	"math"

	"github.com/example/ride-coordinator/internal/models"
)

const (
	BasePrice       = 2.5
	PricePerKm      = 1.2
	AverageSpeedKmh = 30.0
	earthRadiusM    = 6371000.0
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Distance returns the great-circle distance between a and b in kilometers.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}

// Price is the suggested fare for a trip of distanceKm.
func Price(distanceKm float64) float64 {
	if distanceKm < 0 {
		distanceKm = 0
	}
	return BasePrice + PricePerKm*distanceKm
}

// ETA in minutes at the average city speed.
func ETA(distanceKm float64) float64 {
	return distanceKm / AverageSpeedKmh * 60
}

// Interpolate moves linearly from a to b, fraction in [0,1]. Latitude and
// longitude are interpolated independently.
func Interpolate(a, b models.Coord, fraction float64) models.Coord {
	if fraction <= 0 {
		return a
	}
	if fraction >= 1 {
		return b
	}
	return models.Coord{
		Lat: a.Lat + (b.Lat-a.Lat)*fraction,
		Lng: a.Lng + (b.Lng-a.Lng)*fraction,
	}
}

func Quote(pickup, dest models.Coord) models.Quote {
	d := Distance(pickup, dest)
	return models.Quote{DistanceKm: d, SuggestedPrice: Price(d), ETAMinutes: ETA(d)}
}

func ValidCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180 &&
		!math.IsNaN(c.Lat) && !math.IsNaN(c.Lng)
}
