package wa

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// DigitsOnly strips everything but ASCII digits from a phone number.
func DigitsOnly(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NumberCandidates returns the forms of number to try when looking up a
// session: the number as given, then the international form built from
// countryCode when the number is not already prefixed with it.
func NumberCandidates(number, countryCode string) []string {
	digits := DigitsOnly(number)
	if digits == "" {
		return nil
	}
	candidates := []string{digits}
	if countryCode != "" && !strings.HasPrefix(digits, countryCode) {
		local := strings.TrimLeft(digits, "0")
		if local != "" {
			candidates = append(candidates, countryCode+local)
		}
	}
	return candidates
}

// UserJID builds the personal chat JID of a phone number.
func UserJID(number string) types.JID {
	return types.NewJID(DigitsOnly(number), types.DefaultUserServer)
}

// NormalizeRecipient converts a user-supplied number into international form:
// digits only, a leading trunk zero replaced by countryCode, and bare local
// mobile numbers (ten digits starting with 3) prefixed with countryCode.
func NormalizeRecipient(number, countryCode string) string {
	digits := DigitsOnly(number)
	switch {
	case digits == "" || countryCode == "":
		return digits
	case strings.HasPrefix(digits, "0"):
		return countryCode + strings.TrimLeft(digits, "0")
	case len(digits) == 10 && digits[0] == '3':
		return countryCode + digits
	default:
		return digits
	}
}
