package funnel

import (
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/contact"
	"github.com/ecademy/leadfunnel/internal/crmindex"
	"github.com/ecademy/leadfunnel/internal/journey"
	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

// Resolver is the per-run contract between the aggregator and a CRM. A
// resolver owns the CRM index, the taxonomy and, where the CRM has one, the
// change history.
type Resolver interface {
	// Funnel returns the stage identities the aggregator counts with.
	Funnel() *taxonomy.Funnel
	// Match returns the key of the record holding fingerprint.
	Match(fingerprint string) (string, bool)
	// Journey returns the canonical stages of a matched record, oldest
	// first. An empty journey means the record contributes nothing.
	Journey(key string) []taxonomy.Stage
}

// Marker is implemented by resolvers that tally a matched record under
// stages outside its journey. Marked stages are counted once per lead.
type Marker interface {
	Marks(key string) []taxonomy.Stage
}

// StudentResolver infers journeys from AlfaCRM current statuses.
type StudentResolver struct {
	tax      *taxonomy.Student
	index    *crmindex.Index[model.StudentRecord]
	inferrer *journey.Inferrer
}

// NewStudentResolver indexes recs and returns the student resolver for one
// run.
func NewStudentResolver(tax *taxonomy.Student, recs []model.StudentRecord, log *zap.Logger) *StudentResolver {
	return &StudentResolver{
		tax:      tax,
		index:    crmindex.BuildStudents(recs, log),
		inferrer: journey.NewInferrer(tax, log),
	}
}

func (r *StudentResolver) Funnel() *taxonomy.Funnel { return r.tax.Funnel() }

func (r *StudentResolver) Match(fingerprint string) (string, bool) {
	return r.index.Match(fingerprint)
}

func (r *StudentResolver) Journey(key string) []taxonomy.Stage {
	rec, ok := r.index.Record(key)
	if !ok {
		return nil
	}
	// Archived leads are target audience with a scheduled trial, whatever
	// their status.
	if r.tax.IsArchived(rec.AdsComp) {
		return []taxonomy.Stage{taxonomy.StageScheduled}
	}
	if rec.StatusID == 0 {
		return nil
	}
	return r.inferrer.Stages(rec.StatusID)
}

// Marks tallies archived records under the archived stage.
func (r *StudentResolver) Marks(key string) []taxonomy.Stage {
	rec, ok := r.index.Record(key)
	if !ok || !r.tax.IsArchived(rec.AdsComp) {
		return nil
	}
	return []taxonomy.Stage{taxonomy.StageArchived}
}

// TeacherResolver replays journeys from the NetHunt change stream.
type TeacherResolver struct {
	tax     *taxonomy.Teacher
	index   *crmindex.Index[model.TeacherRecord]
	history *journey.History
	log     *zap.Logger
	warned  map[string]struct{}
}

// NewTeacherResolver indexes recs, groups events by record and returns the
// teacher resolver for one run.
func NewTeacherResolver(tax *taxonomy.Teacher, recs []model.TeacherRecord, events []model.ChangeEvent, ex *contact.Extractor, log *zap.Logger) *TeacherResolver {
	return &TeacherResolver{
		tax:     tax,
		index:   crmindex.BuildTeachers(recs, ex, log),
		history: journey.NewHistory(events, tax.StatusField(), log),
		log:     log,
		warned:  make(map[string]struct{}),
	}
}

func (r *TeacherResolver) Funnel() *taxonomy.Funnel { return r.tax.Funnel() }

func (r *TeacherResolver) Match(fingerprint string) (string, bool) {
	return r.index.Match(fingerprint)
}

func (r *TeacherResolver) Journey(key string) []taxonomy.Stage {
	rec, ok := r.index.Record(key)
	if !ok {
		return nil
	}
	names := r.history.Replay(rec.ID, rec.Status)
	if len(names) == 0 {
		return []taxonomy.Stage{r.tax.Funnel().Fallback()}
	}
	out := make([]taxonomy.Stage, 0, len(names))
	for _, n := range names {
		st, known := r.tax.Stage(n)
		if !known {
			r.noteUnknown(n)
		}
		out = append(out, st)
	}
	return out
}

// noteUnknown is only called from the single-threaded aggregator.
func (r *TeacherResolver) noteUnknown(name string) {
	if _, seen := r.warned[name]; seen {
		return
	}
	r.warned[name] = struct{}{}
	r.log.Warn("funnel: unmapped teacher status, using title-cased stage", zap.String("status", name))
}
