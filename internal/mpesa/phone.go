package mpesa

import (
	"fmt"
	"regexp"
	"strings"
)

// PhoneFormatHint names the shapes accepted by NormalizePhone.
const PhoneFormatHint = "07XXXXXXXX, 2547XXXXXXXX or +2547XXXXXXXX"

var (
	phoneCharset = regexp.MustCompile(`^\+?[0-9]+$`)
	localPhone   = regexp.MustCompile(`^0([17][0-9]{8})$`)
	intlPhone    = regexp.MustCompile(`^254([17][0-9]{8})$`)
)

// NormalizePhone converts a Kenyan mobile number into the canonical
// +254XXXXXXXXX form. Spaces and hyphens are ignored.
func NormalizePhone(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.NewReplacer(" ", "", "-", "").Replace(cleaned)

	if !phoneCharset.MatchString(cleaned) {
		return "", fmt.Errorf("%w: expected %s", ErrInvalidPhone, PhoneFormatHint)
	}

	digits := strings.TrimPrefix(cleaned, "+")
	hasPlus := len(digits) != len(cleaned)

	if !hasPlus {
		if m := localPhone.FindStringSubmatch(digits); m != nil {
			return "+254" + m[1], nil
		}
	}
	if m := intlPhone.FindStringSubmatch(digits); m != nil {
		return "+254" + m[1], nil
	}
	return "", fmt.Errorf("%w: expected %s", ErrInvalidPhone, PhoneFormatHint)
}

// MSISDN is the canonical number as the gateway expects it, without the plus.
func MSISDN(canonical string) string {
	return strings.TrimPrefix(canonical, "+")
}
