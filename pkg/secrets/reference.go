package secrets

import (
	"regexp"

	"github.com/mcpfleet/mcpfleet/pkg/errors"
)

// referencePattern matches the inline secret notation {{ bw:item:field }}.
// Whitespace is tolerated just inside the braces; the item id cannot contain
// a colon and the field cannot contain a closing brace.
var referencePattern = regexp.MustCompile(`^\{\{\s*bw:([^:{}\s]+):([^}\s][^}]*?)\s*\}\}$`)

// IsValidReference reports whether s is a well-formed secret reference.
func IsValidReference(s string) bool {
	return referencePattern.MatchString(s)
}

// ParseReference splits a secret reference into its item id and field name.
func ParseReference(s string) (itemID, field string, err error) {
	m := referencePattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", errors.NewSecretError("not a valid secret reference: "+s, nil)
	}
	return m[1], m[2], nil
}
