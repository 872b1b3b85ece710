package taxonomy

import (
	"maps"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
)

// Canonical teacher stages.
const (
	StageNew                Stage = "New"
	StageContacted          Stage = "Contacted"
	StageTeacherNoAnswer    Stage = "No Answer"
	StageQualified          Stage = "Qualified"
	StageInterviewScheduled Stage = "Interview Scheduled"
	StageInterviewCompleted Stage = "Interview Completed"
	StageOfferSent          Stage = "Offer Sent"
	StageHired              Stage = "Hired"
	StageRejected           Stage = "Rejected"
)

// DefaultStatusField is the NetHunt field that carries a record's status.
const DefaultStatusField = "Status"

var defaultTeacherStatuses = map[string]Stage{
	"new":                 StageNew,
	"contacted":           StageContacted,
	"qualified":           StageQualified,
	"interview_scheduled": StageInterviewScheduled,
	"interview_completed": StageInterviewCompleted,
	"offer_sent":          StageOfferSent,
	"hired":               StageHired,
	"rejected":            StageRejected,
	"no_answer":           StageTeacherNoAnswer,
}

func defaultTeacherFunnel() FunnelSpec {
	return FunnelSpec{
		Stages: []Stage{
			StageNew,
			StageContacted,
			StageTeacherNoAnswer,
			StageQualified,
			StageInterviewScheduled,
			StageInterviewCompleted,
			StageOfferSent,
			StageHired,
			StageRejected,
		},
		Unmatched:   StageNew,
		Fallback:    StageNew,
		Converted:   StageHired,
		TrialDone:   StageInterviewCompleted,
		Unprocessed: StageNew,
		NoAnswer:    []Stage{StageTeacherNoAnswer},
	}
}

// TeacherSpec is the editable description of the teacher taxonomy.
type TeacherSpec struct {
	StatusField string           `yaml:"status_field"`
	Statuses    map[string]Stage `yaml:"statuses"`
}

// DefaultTeacherSpec returns a copy of the compiled-in teacher taxonomy.
func DefaultTeacherSpec() TeacherSpec {
	return TeacherSpec{
		StatusField: DefaultStatusField,
		Statuses:    maps.Clone(defaultTeacherStatuses),
	}
}

// Teacher is the validated NetHunt taxonomy: free-text status names mapped
// by exact key, then by substring, then by title-casing.
type Teacher struct {
	funnel      *Funnel
	statusField string
	statuses    map[string]Stage
	keys        []string
}

// NewTeacher validates spec and builds the read-only taxonomy.
func NewTeacher(spec TeacherSpec) (*Teacher, error) {
	if strings.TrimSpace(spec.StatusField) == "" {
		return nil, eris.New("taxonomy: teacher status field is empty")
	}
	if len(spec.Statuses) == 0 {
		return nil, eris.New("taxonomy: teacher statuses are empty")
	}

	fs := defaultTeacherFunnel()
	t := &Teacher{
		statusField: strings.TrimSpace(spec.StatusField),
		statuses:    make(map[string]Stage, len(spec.Statuses)),
	}
	for name, st := range spec.Statuses {
		key := statusKey(name)
		if key == "" || st == "" {
			return nil, eris.Errorf("taxonomy: invalid teacher status mapping %q -> %q", name, st)
		}
		t.statuses[key] = st
		if !slices.Contains(fs.Stages, st) {
			fs.Stages = append(fs.Stages, st)
		}
	}
	funnel, err := NewFunnel(fs)
	if err != nil {
		return nil, err
	}
	t.funnel = funnel
	t.keys = slices.Sorted(maps.Keys(t.statuses))
	return t, nil
}

// DefaultTeacher returns the compiled-in teacher taxonomy.
func DefaultTeacher() *Teacher {
	t, err := NewTeacher(DefaultTeacherSpec())
	if err != nil {
		panic(err)
	}
	return t
}

// Funnel returns the stage identities of the teacher funnel.
func (t *Teacher) Funnel() *Funnel { return t.funnel }

// StatusField returns the name of the field carrying a record's status.
func (t *Teacher) StatusField() string { return t.statusField }

// Stage maps a free-text status name onto its canonical stage. The second
// result is false when the name was not recognized and the title-cased
// fallback was used.
func (t *Teacher) Stage(name string) (Stage, bool) {
	key := statusKey(name)
	if key == "" {
		return t.funnel.Fallback(), true
	}
	if st, ok := t.statuses[key]; ok {
		return st, true
	}
	if k, ok := t.substringKey(key); ok {
		return t.statuses[k], true
	}
	return Stage(upperFirst(strings.TrimSpace(name))), false
}

// minPartialKey is the shortest status name matched as part of a longer key.
const minPartialKey = 4

// substringKey finds the key for a status name that is not an exact key.
// The longest key contained in the name wins. Failing that, a name of at
// least minPartialKey runes resolves to the single key containing it; a
// name shared by several keys stays unresolved.
func (t *Teacher) substringKey(key string) (string, bool) {
	best := ""
	for _, k := range t.keys {
		if strings.Contains(key, k) && len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return best, true
	}

	if utf8.RuneCountInString(key) < minPartialKey {
		return "", false
	}
	var found string
	for _, k := range t.keys {
		if !strings.Contains(k, key) {
			continue
		}
		if found != "" {
			return "", false
		}
		found = k
	}
	return found, found != ""
}

// statusKey lowercases a status name and joins its words with underscores,
// so "Interview Scheduled" and "interview-scheduled" share a key.
func statusKey(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '-' || r == '_'
	}), "_")
}

func upperFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
