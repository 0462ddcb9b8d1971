// Package identity normalizes join keys so records from unrelated exports can be
// correlated. Normalization is idempotent and an empty result means "no key".
package identity

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// Key is a normalized identifier.
type Key string

// None is the zero Key. Callers must skip records whose key is None.
const None Key = ""

// Valid reports whether k identifies something.
func (k Key) Valid() bool { return k != None }

func (k Key) String() string { return string(k) }

var folder = cases.Fold()

// Email lower-cases and trims an address and folds plus-addressing, so
// "User+promo@X.com" and "user@x.com" produce the same key.
func Email(raw any) Key {
	s := strings.TrimSpace(text(raw))
	if s == "" {
		return None
	}
	s = folder.String(s)
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return Key(s)
	}
	local, domain := s[:at], s[at+1:]
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}
	if local == "" && domain == "" {
		return None
	}
	return Key(local + "@" + domain)
}

// ID trims an opaque identifier. Case is preserved.
func ID(raw any) Key {
	return Key(strings.TrimSpace(text(raw)))
}

func text(raw any) string {
	switch x := raw.(type) {
	case nil:
		return ""
	case string:
		return x
	case Key:
		return string(x)
	case float64:
		// Numeric ids exported from spreadsheets arrive as floats.
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprint(x)
	default:
		return fmt.Sprint(x)
	}
}
