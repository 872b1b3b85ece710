// Package contact turns raw phone and email values into match fingerprints.
package contact

import "strings"

// Normalize canonicalizes a raw phone or email into a fingerprint.
// Emails (anything containing '@') are trimmed and lowercased. Everything
// else is reduced to its ASCII digits. Country codes are left untouched, so
// "050 123 45 67" and "+380 50 123 45 67" produce different fingerprints.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if strings.Contains(s, "@") {
		return strings.ToLower(s), true
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// NormalizeAll normalizes each value and drops the ones that produce no
// fingerprint. Duplicates are kept in first-seen order only once.
func NormalizeAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		fp, ok := Normalize(r)
		if !ok {
			continue
		}
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, fp)
	}
	return out
}
