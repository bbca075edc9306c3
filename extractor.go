package warden

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/mssola/useragent"
)

// proxyHeaders are consulted in order when the peer is a trusted proxy.
var proxyHeaders = []string{"X-Forwarded-For", "X-Real-IP", "CF-Connecting-IP"}

var tabletKeywords = []string{"ipad", "tablet", "playbook", "silk", "kindle"}

// ExtractDeviceInfo extracts device information from an HTTP request. trusted
// is passed to ClientIP.
func ExtractDeviceInfo(r *http.Request, trusted []netip.Prefix) DeviceInfo {
	ua := r.UserAgent()
	parsed := useragent.New(ua)

	browser, version := parsed.Browser()
	if version != "" {
		browser += " " + version
	}
	osInfo := parsed.OSInfo()
	osName := osInfo.Name
	if osInfo.Version != "" {
		osName += " " + osInfo.Version
	}

	return DeviceInfo{
		IP:         ClientIP(r, trusted),
		UserAgent:  ua,
		Browser:    browser,
		OS:         osName,
		DeviceType: deviceClass(parsed, ua),
	}
}

func deviceClass(parsed *useragent.UserAgent, ua string) string {
	switch {
	case parsed.Bot():
		return "bot"
	case isTablet(ua):
		return "tablet"
	case parsed.Mobile():
		return "mobile"
	default:
		return "desktop"
	}
}

func isTablet(ua string) bool {
	ua = strings.ToLower(ua)
	for _, keyword := range tabletKeywords {
		if strings.Contains(ua, keyword) {
			return true
		}
	}
	return false
}

// ClientIP returns the client address of r. Forwarding headers are only
// consulted when the direct peer is inside trusted; otherwise the host part of
// RemoteAddr is used, so a client cannot choose its own address.
//
// X-Forwarded-For is read right to left and the first address that is not a
// trusted proxy wins. X-Real-IP and CF-Connecting-IP are single values set by
// the proxy itself.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := remoteHost(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !inPrefixes(addr.Unmap(), trusted) {
		return peer
	}

	if ip, ok := forwardedFor(r.Header.Values("X-Forwarded-For"), trusted); ok {
		return ip
	}
	for _, h := range proxyHeaders[1:] {
		if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get(h))); err == nil {
			return a.Unmap().String()
		}
	}
	return addr.Unmap().String()
}

func forwardedFor(values []string, trusted []netip.Prefix) (string, bool) {
	hops := strings.Split(strings.Join(values, ","), ",")

	var leftmost string
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		a, err := netip.ParseAddr(hop)
		if err != nil {
			// Anything left of a garbled hop was written by the client.
			break
		}
		a = a.Unmap()
		if !inPrefixes(a, trusted) {
			return a.String(), true
		}
		leftmost = a.String()
	}
	return leftmost, leftmost != ""
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func inPrefixes(addr netip.Addr, prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Fingerprint hashes the headers that identify a browser install:
// User-Agent, Accept-Language and Accept-Encoding.
func Fingerprint(r *http.Request) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		r.UserAgent(),
		r.Header.Get("Accept-Language"),
		r.Header.Get("Accept-Encoding"),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// IsPrivateIP returns true if the IP is loopback or in a private range.
func IsPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate()
}
