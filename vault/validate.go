package vault

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input limits.
const (
	MaxIDLength        = 128
	MaxIdentityLength  = 512
	MaxTriggerDays     = 3650
	DefaultMinPassword = 10
	MaxDocumentSize    = 64 << 20
)

// idSymbols are the non-alphanumeric characters allowed in IDs. IDs become
// storage keys and URL path segments, so the set matches what the server
// accepts.
const idSymbols = "-_.@"

func validateID(id, label string) error {
	switch {
	case id == "":
		return validationErrorf("%s is required", label)
	case len(id) > MaxIDLength:
		return validationErrorf("%s is longer than %d bytes", label, MaxIDLength)
	case id == "." || id == "..":
		return validationErrorf("%s %q is reserved", label, id)
	}
	for _, r := range id {
		if r < utf8.RuneSelf && (isAlnum(r) || strings.ContainsRune(idSymbols, r)) {
			continue
		}
		return validationErrorf("%s may only use letters, digits and %q; found %q", label, idSymbols, r)
	}
	return nil
}

func isAlnum(r rune) bool {
	return 'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9'
}

// validateIdentity accepts any printable text: identities are stored in
// record metadata, never in keys.
func validateIdentity(identity string) error {
	switch {
	case strings.TrimSpace(identity) == "":
		return validationErrorf("nominee identity is required")
	case len(identity) > MaxIdentityLength:
		return validationErrorf("nominee identity is longer than %d bytes", MaxIdentityLength)
	case !utf8.ValidString(identity):
		return validationErrorf("nominee identity is not valid UTF-8")
	case strings.ContainsFunc(identity, unicode.IsControl):
		return validationErrorf("nominee identity contains a control character")
	}
	return nil
}

func validateTriggerDays(days int) error {
	if days < 0 || days > MaxTriggerDays {
		return validationErrorf("trigger delay of %d days is outside 0..%d", days, MaxTriggerDays)
	}
	return nil
}

// checkPasswordStrength requires minLen runes drawn from at least two of
// lower case, upper case, digits and everything else.
func checkPasswordStrength(pw string, minLen int) error {
	if utf8.RuneCountInString(pw) < minLen {
		return ErrWeakPassword
	}
	var seen [4]bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			seen[0] = true
		case unicode.IsUpper(r):
			seen[1] = true
		case unicode.IsDigit(r):
			seen[2] = true
		default:
			seen[3] = true
		}
	}
	classes := 0
	for _, ok := range seen {
		if ok {
			classes++
		}
	}
	if classes < 2 {
		return ErrWeakPassword
	}
	return nil
}
