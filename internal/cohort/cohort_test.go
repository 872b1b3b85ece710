package cohort

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ecademy/leadfunnel/internal/model"
)

func TestMatches(t *testing.T) {
	f := NewFilter([]string{"Student", " shkolnik "}, []string{"TEACHER", "Vchitel", ""})

	tests := []struct {
		cohort model.Cohort
		name   string
		want   bool
	}{
		{model.CohortStudents, "Student/Anatoly/UA", true},
		{model.CohortStudents, "leadform SHKOLNIK october", true},
		{model.CohortStudents, "Teacher/Kyiv", false},
		{model.CohortTeachers, "teacher/kyiv", true},
		{model.CohortTeachers, "Vchitel 2025", true},
		{model.CohortTeachers, "", false},
		{model.Cohort("unknown"), "Student", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Matches(tt.cohort, tt.name))
		})
	}
}

func TestSelect(t *testing.T) {
	f := NewFilter([]string{"student"}, []string{"teacher"})
	in := map[string]model.Campaign{
		"c1": {ID: "c1", Name: "Student/UA"},
		"c2": {ID: "c2", Name: "Teacher/UA"},
		"c3": {ID: "c3", Name: "Brand awareness"},
	}

	got := f.Select(model.CohortStudents, in)
	assert.Equal(t, map[string]model.Campaign{"c1": in["c1"]}, got)
	assert.Len(t, in, 3, "input untouched")

	assert.Empty(t, f.Select(model.CohortTeachers, map[string]model.Campaign{"c3": in["c3"]}))
	assert.NotNil(t, f.Select(model.CohortTeachers, nil))
}
