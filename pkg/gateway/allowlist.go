package gateway

import (
	"net/url"
	"sort"
	"strings"

	"github.com/mcpfleet/mcpfleet/pkg/state"
)

// MergeAllowEntries combines the persisted global allowlist with
// per-request overrides. Entries sharing an id collapse to the highest
// version; entries disabled after the merge drop out.
func MergeAllowEntries(global, overrides []state.GatewayAllowEntry) []state.GatewayAllowEntry {
	byID := make(map[string]state.GatewayAllowEntry, len(global)+len(overrides))
	for _, entry := range global {
		byID[entry.ID] = entry
	}
	for _, entry := range overrides {
		if current, ok := byID[entry.ID]; !ok || entry.Version > current.Version {
			byID[entry.ID] = entry
		}
	}

	merged := make([]state.GatewayAllowEntry, 0, len(byID))
	for _, entry := range byID {
		if entry.Enabled {
			merged = append(merged, entry)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })
	return merged
}

// URLPermitted reports whether the URL's host matches any merged entry,
// and which entry matched.
func URLPermitted(entries []state.GatewayAllowEntry, rawURL string) (bool, state.GatewayAllowEntry) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false, state.GatewayAllowEntry{}
	}
	host := strings.ToLower(parsed.Hostname())

	for _, entry := range entries {
		if entryMatches(entry, host) {
			return true, entry
		}
	}
	return false, state.GatewayAllowEntry{}
}

func entryMatches(entry state.GatewayAllowEntry, host string) bool {
	value := strings.ToLower(entry.Value)
	switch entry.Type {
	case state.AllowEntryDomain:
		return host == value
	case state.AllowEntryPattern:
		if suffix, ok := strings.CutPrefix(value, "*."); ok {
			return strings.HasSuffix(host, "."+suffix)
		}
		return host == value
	case state.AllowEntryService:
		// A service entry names the first DNS label, e.g. "grafana"
		// matches grafana.internal.example.com.
		label, _, _ := strings.Cut(host, ".")
		return label == value
	default:
		return false
	}
}
