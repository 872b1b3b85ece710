// Package cohort assigns ads campaigns to the student or teacher cohort by
// keywords in the campaign name.
package cohort

import (
	"maps"
	"strings"

	"golang.org/x/text/cases"

	"github.com/ecademy/leadfunnel/internal/model"
)

// Filter matches campaign names against per-cohort keyword lists.
type Filter struct {
	keywords map[model.Cohort][]string
}

// NewFilter returns a filter. Keywords match as case-insensitive substrings.
func NewFilter(students, teachers []string) *Filter {
	return &Filter{keywords: map[model.Cohort][]string{
		model.CohortStudents: foldAll(students),
		model.CohortTeachers: foldAll(teachers),
	}}
}

func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func foldAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = fold(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// Matches reports whether campaignName belongs to cohort c.
func (f *Filter) Matches(c model.Cohort, campaignName string) bool {
	name := fold(campaignName)
	for _, k := range f.keywords[c] {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

// Select returns the campaigns of cohort c. The input map is not modified.
func (f *Filter) Select(c model.Cohort, campaigns map[string]model.Campaign) map[string]model.Campaign {
	out := maps.Clone(campaigns)
	maps.DeleteFunc(out, func(_ string, camp model.Campaign) bool {
		return !f.Matches(c, camp.Name)
	})
	if out == nil {
		out = map[string]model.Campaign{}
	}
	return out
}
