// Package netutil holds small networking helpers shared by the fetch and
// rate-limiting layers.
package netutil

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ExtractDomain derives the registrable domain (eTLD+1) a polling target
// belongs to. Rate-limit budgets are keyed by this value, so two targets on
// the same marketplace share one budget regardless of subdomain or port.
// Accepts full URLs, host:port pairs, and bare hosts.
//
// Examples:
//
//	"https://www.ebay.co.uk/sch/i.html?..." -> "ebay.co.uk"
//	"listings.example.com:8443"             -> "example.com"
//	"192.168.1.20:8080"                     -> "192.168.1.20"
//	"localhost:3000"                        -> "localhost"
func ExtractDomain(target string) string {
	if strings.Contains(target, "://") || strings.HasPrefix(target, "//") {
		if u, err := url.Parse(target); err == nil && u.Host != "" {
			target = u.Host
		}
	}

	host := strings.ToLower(target)

	// Split off port. net.SplitHostPort handles both "host:port" and "[ipv6]:port".
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	} else if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}

	// Public Suffix List lookup fails for IPs, localhost, and bare TLDs;
	// those group under the raw host.
	if domain, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return domain
	}
	return host
}

// NormalizeSource canonicalizes a target URL into the source key listings
// and events are stored under: lowercase scheme and host, default port
// stripped, query keys sorted, fragment dropped, trailing slash trimmed.
// Two spellings of the same search URL map to the same source.
func NormalizeSource(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		if (u.Scheme == "http" && p == "80") || (u.Scheme == "https" && p == "443") {
			u.Host = h
		}
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
