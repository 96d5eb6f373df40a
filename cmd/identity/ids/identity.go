package ids

import (
	"strings"
	"unicode"
)

// MaxIdentityLen bounds identity strings accepted from the wire.
const MaxIdentityLen = 128

// ValidIdentity performs a format-only check on an opaque participant identity.
// Existence is not checked here.
func ValidIdentity(s string) bool {
	if s == "" || len(s) > MaxIdentityLen {
		return false
	}
	if strings.TrimSpace(s) != s {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
