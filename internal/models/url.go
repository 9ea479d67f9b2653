package models

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeURL canonicalizes a relay URL: scheme and host
// lowercased, default ports (80/443) elided, empty path coerced to "/",
// trailing "/" stripped except for root, fragment dropped. Returns an
// error for non-ws/wss schemes, bare private-range IP hosts, or hosts
// that fail IDNA normalization.
//
// Normalization is idempotent: NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Scheme = scheme

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("missing host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return "", fmt.Errorf("private-range IP host %q rejected", host)
		}
	} else if !strings.HasSuffix(host, ".onion") && !strings.HasSuffix(host, ".i2p") && !strings.HasSuffix(host, ".loki") {
		// Overlay-network pseudo-TLDs are not valid IDNA labels and are
		// accepted as-is; every other hostname must pass IDNA normalization.
		normalized, err := idna.Lookup.ToASCII(host)
		if err != nil {
			return "", fmt.Errorf("idna normalization failed for %q: %w", host, err)
		}
		host = normalized
	}

	port := u.Port()
	hostPort := host
	if port != "" {
		if (scheme == "ws" && port == "80") || (scheme == "wss" && port == "443") {
			// default port elided
		} else {
			hostPort = net.JoinHostPort(host, port)
		}
	}
	u.Host = hostPort

	path := u.Path
	if path == "" {
		path = "/"
	} else if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	u.Path = path

	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	private4 := []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	private6 := []string{"fc00::/7"}
	ranges := private4
	if ip.To4() == nil {
		ranges = private6
	}
	for _, cidr := range ranges {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil && network.Contains(ip) {
			return true
		}
	}
	return false
}

// HostOf returns the (already-normalized) host component of a relay URL,
// used for network detection without re-parsing scheme/path.
func HostOf(normalizedURL string) string {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// HTTPURLFor upgrades a ws/wss relay URL to the http/https scheme Monitor
// fetches NIP-11 documents and HTTP HEAD checks over.
func HTTPURLFor(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
