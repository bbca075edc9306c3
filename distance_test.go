package warden

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineDistance(t *testing.T) {
	tests := []struct {
		name       string
		lat1, lng1 float64
		lat2, lng2 float64
		wantKM     float64
		tolerance  float64 // relative
	}{
		{name: "same point", lat1: 40.7128, lng1: -74.0060, lat2: 40.7128, lng2: -74.0060, wantKM: 0},
		{name: "NYC to London", lat1: 40.7128, lng1: -74.0060, lat2: 51.5074, lng2: -0.1278, wantKM: 5570, tolerance: 0.01},
		{name: "Sydney to Tokyo", lat1: -33.8688, lng1: 151.2093, lat2: 35.6762, lng2: 139.6503, wantKM: 7823, tolerance: 0.01},
		{name: "pole to pole", lat1: 90, lng1: 0, lat2: -90, lng2: 0, wantKM: 20015, tolerance: 0.01},
		{name: "London to Paris", lat1: 51.5074, lng1: -0.1278, lat2: 48.8566, lng2: 2.3522, wantKM: 344, tolerance: 0.02},
		{name: "across the date line", lat1: 35.6762, lng1: 139.6503, lat2: 21.3069, lng2: -157.8583, wantKM: 6199, tolerance: 0.02},
		{name: "within one city", lat1: 40.7484, lng1: -73.9857, lat2: 40.7580, lng2: -73.9855, wantKM: 1.07, tolerance: 0.05},
		{name: "near the pole", lat1: 89.9, lng1: 0, lat2: 89.9, lng2: 180, wantKM: 22.2, tolerance: 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineDistance(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			assert.InDelta(t, tt.wantKM, got, tt.wantKM*tt.tolerance+0.001)

			back := HaversineDistance(tt.lat2, tt.lng2, tt.lat1, tt.lng1)
			assert.InDelta(t, got, back, 0.0001, "distance must be symmetric")
		})
	}
}

func TestIsNewLocation(t *testing.T) {
	nyc := LocationInfo{City: "New York", Country: "United States", Latitude: 40.7128, Longitude: -74.0060}
	newark := LocationInfo{City: "Newark", Country: "United States", Latitude: 40.7357, Longitude: -74.1724}
	london := LocationInfo{City: "London", Country: "United Kingdom", Latitude: 51.5074, Longitude: -0.1278}

	tests := []struct {
		name        string
		prev, curr  LocationInfo
		thresholdKM float64
		want        bool
	}{
		{name: "same place", prev: nyc, curr: nyc, thresholdKM: 100, want: false},
		{name: "within threshold", prev: nyc, curr: newark, thresholdKM: 100, want: false},
		{name: "beyond threshold", prev: nyc, curr: london, thresholdKM: 100, want: true},
		{name: "large threshold", prev: nyc, curr: london, thresholdKM: 10000, want: false},
		{
			name:        "just under threshold",
			prev:        LocationInfo{Latitude: 10, Longitude: 10},
			curr:        LocationInfo{Latitude: 10.85, Longitude: 10},
			thresholdKM: 100,
			want:        false,
		},
		{
			name:        "just over threshold",
			prev:        LocationInfo{Latitude: 10, Longitude: 10},
			curr:        LocationInfo{Latitude: 11, Longitude: 10},
			thresholdKM: 100,
			want:        true,
		},
		{
			name:        "no coordinates, same city",
			prev:        LocationInfo{City: "Tokyo", Country: "Japan"},
			curr:        LocationInfo{City: "Tokyo", Country: "Japan", Latitude: 35.6762, Longitude: 139.6503},
			thresholdKM: 100,
			want:        false,
		},
		{
			name:        "no coordinates, different city",
			prev:        LocationInfo{City: "Tokyo", Country: "Japan"},
			curr:        LocationInfo{City: "Osaka", Country: "Japan"},
			thresholdKM: 100,
			want:        true,
		},
		{
			name:        "unknown previous location",
			prev:        LocationInfo{IP: "8.8.8.8"},
			curr:        london,
			thresholdKM: 100,
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNewLocation(tt.prev, tt.curr, tt.thresholdKM))
		})
	}
}
