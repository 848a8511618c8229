package state

import (
	"net"
	"net/url"
	"strings"
)

// IsEndpointAllowed reports whether rawURL passes the environment-sourced
// outbound allowlist. Entries are of the form host[:port] or
// *.suffix[:port]. Rules:
//
//   - an empty allowlist denies everything
//   - only http and https schemes are accepted
//   - IPv6 literals are always denied
//   - an entry without a port matches only the scheme default (443 for
//     https, 80 for http)
//   - wildcard entries match strict subdomains, never the bare suffix
func (s *Store) IsEndpointAllowed(rawURL string) bool {
	if len(s.allowedEndpoints) == 0 {
		return false
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	if s.requireTLS && parsed.Scheme != "https" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		// IPv6 literal
		return false
	}

	port := parsed.Port()
	if port == "" {
		if parsed.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	for _, entry := range s.allowedEndpoints {
		if matchAllowEntry(entry, parsed.Scheme, host, port) {
			return true
		}
	}
	return false
}

// matchAllowEntry matches one allowlist entry against a host and effective
// port. The entry port defaults the same way the URL port does.
func matchAllowEntry(entry, scheme, host, port string) bool {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return false
	}

	entryHost := entry
	entryPort := ""
	if idx := strings.LastIndex(entry, ":"); idx != -1 {
		entryHost = entry[:idx]
		entryPort = entry[idx+1:]
	}
	if entryPort == "" {
		if scheme == "https" {
			entryPort = "443"
		} else {
			entryPort = "80"
		}
	}
	if entryPort != port {
		return false
	}

	if suffix, ok := strings.CutPrefix(entryHost, "*."); ok {
		// Wildcards match strict subdomains only, never the root.
		return strings.HasSuffix(host, "."+suffix) && host != suffix
	}
	return strings.EqualFold(host, entryHost)
}
