package warden

import "math"

const earthRadiusKM = 6371.0

// HaversineDistance returns the great-circle distance in kilometers between
// two points given in degrees.
func HaversineDistance(lat1, lng1, lat2, lng2 float64) float64 {
	p1, p2 := radians(lat1), radians(lat2)
	dLat, dLng := radians(lat2-lat1), radians(lng2-lng1)

	a := math.Pow(math.Sin(dLat/2), 2) + math.Cos(p1)*math.Cos(p2)*math.Pow(math.Sin(dLng/2), 2)
	return 2 * earthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// IsNewLocation reports whether curr is more than thresholdKM from prev.
// Without coordinates on both sides it falls back to comparing city and country.
// An unknown previous location never counts as new.
func IsNewLocation(prev, curr LocationInfo, thresholdKM float64) bool {
	if prev.Country == "" && prev.City == "" && !hasCoordinates(prev) {
		return false
	}
	if !hasCoordinates(prev) || !hasCoordinates(curr) {
		return prev.City != curr.City || prev.Country != curr.Country
	}
	return HaversineDistance(prev.Latitude, prev.Longitude, curr.Latitude, curr.Longitude) > thresholdKM
}

func hasCoordinates(l LocationInfo) bool {
	return l.Latitude != 0 || l.Longitude != 0
}
