package warden

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPReader provides IP geolocation using MaxMind GeoLite2 database.
type GeoIPReader struct {
	db *geoip2.Reader
}

// NewGeoIPReader opens a MaxMind GeoLite2-City database.
func NewGeoIPReader(dbPath string) (*GeoIPReader, error) {
	if dbPath == "" {
		return nil, ErrGeoIPDatabaseNotConfigured
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: failed to open database: %w", err)
	}
	return &GeoIPReader{db: db}, nil
}

// Lookup returns location information for an IP address.
// Loopback and private addresses resolve to a fixed development location
// without touching the database.
func (r *GeoIPReader) Lookup(ip string) (*LocationInfo, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIP, ip)
	}
	if IsPrivateIP(ip) {
		return &LocationInfo{IP: ip, Country: "Local", City: "Localhost", Region: "Development"}, nil
	}
	if r == nil || r.db == nil {
		return nil, ErrGeoIPDatabaseNotConfigured
	}

	record, err := r.db.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeoIPLookupFailed, err)
	}

	loc := &LocationInfo{
		IP:        ip,
		Country:   englishName(record.Country.Names),
		City:      englishName(record.City.Names),
		Timezone:  record.Location.TimeZone,
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = englishName(record.Subdivisions[0].Names)
	}
	return loc, nil
}

// englishName prefers the English name and falls back to any available one.
func englishName(names map[string]string) string {
	if name, ok := names["en"]; ok {
		return name
	}
	for _, name := range names {
		return name
	}
	return ""
}

// Close closes the GeoIP database.
func (r *GeoIPReader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// LookupWithFallback attempts IP geolocation. On failure the location is
// "Unknown" with just the IP set.
func (r *GeoIPReader) LookupWithFallback(ip string) LocationInfo {
	loc, err := r.Lookup(ip)
	if err != nil {
		return LocationInfo{IP: ip, Country: "Unknown", City: "Unknown", Region: "Unknown"}
	}
	return *loc
}
