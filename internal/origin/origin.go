// Package origin normalizes browser Origin headers and applies the relay's
// origin policy.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize returns the canonical scheme://host[:port] form of an http(s)
// origin. Scheme and host are lowercased and default ports dropped. The
// literal "null" origin is returned unchanged.
func Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "null" {
		return raw, true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host, ok := canonicalHost(u.Host, scheme)
	if !ok {
		return "", false
	}
	return scheme + "://" + host, true
}

// Allowed reports whether a request carrying originHeader may use the relay.
// With an allow-list, the normalized origin must appear in it (or the list
// holds "*"). Without one, the origin's host must match requestHost; the
// scheme is ignored so a TLS-terminating proxy in front of the relay works.
func Allowed(originHeader, requestHost string, allowList []string) bool {
	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	if len(allowList) > 0 {
		for _, a := range allowList {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}

	scheme, rest, ok := strings.Cut(normalized, "://")
	if !ok {
		return false
	}
	reqHost, ok := canonicalHost(requestHost, scheme)
	return ok && rest == reqHost
}

// canonicalHost lowercases host[:port], brackets IPv6 literals and drops the
// scheme's default port.
func canonicalHost(hostport, scheme string) (string, bool) {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	if hostport == "" {
		return "", false
	}

	host, port := hostport, ""
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
		host = hostport[1 : len(hostport)-1]
	} else if strings.Contains(hostport, ":") {
		return "", false
	}
	if host == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return host + ":" + port, true
	}
	return host, true
}
