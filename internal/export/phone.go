package export

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DisplayContact renders a fingerprint for humans. Parseable phones come out
// in international format; emails and anything unparseable pass through.
func DisplayContact(fp, region string) string {
	if fp == "" || strings.Contains(fp, "@") {
		return fp
	}

	candidates := []string{fp}
	if !strings.HasPrefix(fp, "0") {
		// Fingerprints drop the '+', so a leading country code is ambiguous.
		candidates = []string{"+" + fp, fp}
	}
	for _, c := range candidates {
		num, err := phonenumbers.Parse(c, region)
		if err != nil || !phonenumbers.IsValidNumber(num) {
			continue
		}
		return phonenumbers.Format(num, phonenumbers.INTERNATIONAL)
	}
	return fp
}
