package warden

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	uaChromeWindows = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	uaIPhone        = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	uaIPad          = "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	uaGooglebot     = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

func TestClientIP(t *testing.T) {
	proxies := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		trusted []netip.Prefix
		want    string
	}{
		{name: "remote addr", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "remote addr without port", remote: "192.0.2.1", want: "192.0.2.1"},
		{name: "untrusted peer forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.5"}, remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "untrusted peer real ip", headers: map[string]string{"X-Real-IP": "203.0.113.6"}, remote: "192.0.2.1:1234", trusted: proxies, want: "192.0.2.1"},
		{name: "forwarded list", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, remote: "10.0.0.2:80", trusted: proxies, want: "203.0.113.5"},
		{name: "client prefix ignored", headers: map[string]string{"X-Forwarded-For": "198.51.100.1, 203.0.113.5"}, remote: "10.0.0.2:80", trusted: proxies, want: "203.0.113.5"},
		{name: "all hops trusted", headers: map[string]string{"X-Forwarded-For": "10.1.1.1, 10.0.0.1"}, remote: "10.0.0.2:80", trusted: proxies, want: "10.1.1.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "203.0.113.6"}, remote: "10.0.0.2:80", trusted: proxies, want: "203.0.113.6"},
		{name: "cloudflare", headers: map[string]string{"CF-Connecting-IP": "2001:db8::1"}, remote: "10.0.0.2:80", trusted: proxies, want: "2001:db8::1"},
		{name: "mapped v4", headers: map[string]string{"X-Real-IP": "::ffff:203.0.113.7"}, remote: "10.0.0.2:80", trusted: proxies, want: "203.0.113.7"},
		{name: "garbage header", headers: map[string]string{"X-Forwarded-For": "unknown"}, remote: "10.0.0.9:443", trusted: proxies, want: "10.0.0.9"},
		{name: "forwarded wins", headers: map[string]string{"X-Forwarded-For": "203.0.113.8", "X-Real-IP": "203.0.113.9"}, remote: "10.0.0.2:80", trusted: proxies, want: "203.0.113.8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trusted))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	prefixes, err := ParseTrustedProxies(" 10.0.0.0/8, 127.0.0.1 ,, 2001:db8::/32")
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("127.0.0.1/32"),
		netip.MustParsePrefix("2001:db8::/32"),
	}, prefixes)

	prefixes, err = ParseTrustedProxies("")
	require.NoError(t, err)
	assert.Empty(t, prefixes)

	_, err = ParseTrustedProxies("10.0.0.0/99")
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = ParseTrustedProxies("proxy.internal")
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestExtractDeviceInfo(t *testing.T) {
	tests := []struct {
		ua         string
		deviceType string
	}{
		{ua: uaChromeWindows, deviceType: "desktop"},
		{ua: uaIPhone, deviceType: "mobile"},
		{ua: uaIPad, deviceType: "tablet"},
		{ua: uaGooglebot, deviceType: "bot"},
	}

	for _, tt := range tests {
		t.Run(tt.deviceType, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Header.Set("User-Agent", tt.ua)
			r.RemoteAddr = "198.51.100.3:5000"

			info := ExtractDeviceInfo(r, nil)
			assert.Equal(t, tt.deviceType, info.DeviceType)
			assert.Equal(t, tt.ua, info.UserAgent)
			assert.Equal(t, "198.51.100.3", info.IP)
		})
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", uaChromeWindows)
	info := ExtractDeviceInfo(r, nil)
	assert.Contains(t, info.Browser, "Chrome")
	assert.Contains(t, info.OS, "Windows")
}

func TestFingerprint(t *testing.T) {
	newReq := func(lang string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("User-Agent", uaChromeWindows)
		r.Header.Set("Accept-Language", lang)
		r.Header.Set("Accept-Encoding", "gzip, br")
		return r
	}

	a := Fingerprint(newReq("en-US"))
	require.Len(t, a, 64)
	assert.Equal(t, a, Fingerprint(newReq("en-US")))
	assert.NotEqual(t, a, Fingerprint(newReq("de-DE")))
}

func TestIsPrivateIP(t *testing.T) {
	for ip, want := range map[string]bool{
		"127.0.0.1":       true,
		"::1":             true,
		"10.1.2.3":        true,
		"172.16.0.1":      true,
		"192.168.1.1":     true,
		"fd00::1":         true,
		"::ffff:10.0.0.1": true,
		"8.8.8.8":         false,
		"2001:4860::8888": false,
		"not-an-ip":       false,
	} {
		assert.Equal(t, want, IsPrivateIP(ip), ip)
	}
}

func TestGeoIPLookupWithoutDatabase(t *testing.T) {
	var r *GeoIPReader

	loc, err := r.Lookup("192.168.0.10")
	require.NoError(t, err)
	assert.Equal(t, "Local", loc.Country)
	assert.Equal(t, "Localhost", loc.City)

	_, err = r.Lookup("8.8.8.8")
	assert.ErrorIs(t, err, ErrGeoIPDatabaseNotConfigured)

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrInvalidIP)

	fallback := r.LookupWithFallback("8.8.8.8")
	assert.Equal(t, LocationInfo{IP: "8.8.8.8", Country: "Unknown", City: "Unknown", Region: "Unknown"}, fallback)

	_, err = NewGeoIPReader("")
	assert.ErrorIs(t, err, ErrGeoIPDatabaseNotConfigured)
	assert.NoError(t, r.Close())
}

func TestExtractClientInfo(t *testing.T) {
	env := newTestWarden(t, func(c *Config) {
		c.TrustedProxies = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}
	})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", uaIPhone)
	r.Header.Set("X-Forwarded-For", "203.0.113.20")

	info := env.w.ExtractClientInfo(r)
	assert.Equal(t, "203.0.113.20", info.Device.IP)
	assert.Equal(t, "203.0.113.20", info.Location.IP)
	assert.Equal(t, "mobile", info.Device.DeviceType)
	assert.Equal(t, Fingerprint(r), info.Fingerprint)
}
