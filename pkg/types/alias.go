package types

import (
	"fmt"
	"strings"
)

// Alias bounds, per the staker registry's alias index.
const (
	MinAliasLen = 3
	MaxAliasLen = 16
)

// Alias is a staker's display name: 3..16 bytes, first byte an ASCII
// letter, remainder letters or digits. Case is preserved for display but
// the registry indexes the lowercased form.
type Alias string

// Valid reports whether the alias satisfies the shape rule.
func (a Alias) Valid() bool {
	s := string(a)
	if len(s) < MinAliasLen || len(s) > MaxAliasLen {
		return false
	}
	if !isASCIILetter(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !isASCIILetter(c) && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

// Lower returns the case-insensitive index key for this alias.
func (a Alias) Lower() string {
	return strings.ToLower(string(a))
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// ParseAlias validates and returns an Alias, or an error describing the
// first shape violation.
func ParseAlias(s string) (Alias, error) {
	a := Alias(s)
	if len(s) < MinAliasLen || len(s) > MaxAliasLen {
		return "", fmt.Errorf("alias length must be in [%d,%d], got %d", MinAliasLen, MaxAliasLen, len(s))
	}
	if !a.Valid() {
		return "", fmt.Errorf("alias %q must start with a letter and contain only letters/digits", s)
	}
	return a, nil
}

// IsDecimalDigits reports whether s consists entirely of ASCII decimal
// digits — used by Purchase parsing to distinguish an alias from an NFT id
//.
func IsDecimalDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
