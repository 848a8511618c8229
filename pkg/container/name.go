package container

import "strings"

// maxNameLength is the runtime's container name length cap.
const maxNameLength = 63

// OriginalNameLabel stashes the pre-normalization name when normalization
// changed it.
const OriginalNameLabel = "mcp.original_name"

func isNameChar(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == '-' || r == '_' || r == '.'
}

func isAlphanumeric(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

// NormalizeName maps an arbitrary name onto the runtime's naming grammar:
// runs of disallowed characters collapse to a single dash, boundary
// punctuation is stripped, an "mcp-" prefix is added when the first
// character is not alphanumeric, and the result is truncated to 63
// characters.
func NormalizeName(name string) string {
	var b strings.Builder
	inRun := false
	for _, r := range name {
		if isNameChar(r) {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('-')
			inRun = true
		}
	}

	out := strings.Trim(b.String(), "-_.")
	if out == "" || !isAlphanumeric(rune(out[0])) {
		out = "mcp-" + out
	}
	if len(out) > maxNameLength {
		out = out[:maxNameLength]
	}
	return out
}
