package mpesa

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPhone is returned when a phone number cannot be normalised to an MSISDN.
var ErrInvalidPhone = errors.New("mpesa: invalid phone number")

const defaultCountryCode = "254"

// NormalizeMSISDN converts local and international spellings of a subscriber number to the
// country-code-prefixed digits Daraja expects: "0712345678", "+254712345678" and "712345678" all
// become "254712345678".
func NormalizeMSISDN(raw, countryCode string) (string, error) {
	countryCode = strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if countryCode == "" {
		countryCode = defaultCountryCode
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10 && digits[0] == '0':
		return countryCode + digits[1:], nil
	case len(digits) == 9 && digits[0] != '0':
		return countryCode + digits, nil
	case len(digits) == len(countryCode)+9 && strings.HasPrefix(digits, countryCode):
		return digits, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
}
