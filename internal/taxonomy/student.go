package taxonomy

import (
	"maps"
	"slices"

	"github.com/rotisserie/eris"
)

// Canonical student stages.
const (
	StageUnprocessed        Stage = "unprocessed"
	StageContactUnknown     Stage = "contact-unknown"
	StageNoAnswer           Stage = "no-answer"
	StageContactEstablished Stage = "contact-established"
	StageInProgress         Stage = "in-progress"
	StageScheduled          Stage = "scheduled"
	StageConducted          Stage = "conducted"
	StageAwaitingPayment    Stage = "awaiting-payment"
	StagePaid               Stage = "paid"
	StageCallLater          Stage = "call-later"
	StageFormerClient       Stage = "former-client"
	StageArchived           Stage = "archived"
)

// DefaultArchiveMarker is the AlfaCRM ads-campaign value that flags an
// archived lead.
const DefaultArchiveMarker = "архів"

var defaultStudentStatuses = map[int]Stage{
	13: StageUnprocessed,

	11: StageNoAnswer,
	10: StageNoAnswer,
	27: StageNoAnswer,
	18: StageNoAnswer,
	40: StageNoAnswer,
	42: StageNoAnswer,

	1: StageContactUnknown,

	32: StageContactEstablished,
	43: StageContactEstablished,
	22: StageContactEstablished,
	26: StageContactEstablished,
	44: StageContactEstablished,

	12: StageInProgress,
	6:  StageInProgress,
	24: StageInProgress,
	34: StageInProgress,
	5:  StageInProgress,
	36: StageInProgress,
	8:  StageInProgress,
	49: StageInProgress,

	2:  StageScheduled,
	35: StageScheduled,
	3:  StageConducted,
	37: StageConducted,
	9:  StageAwaitingPayment,
	38: StageAwaitingPayment,
	4:  StagePaid,
	39: StagePaid,

	29: StageCallLater,
	25: StageCallLater,
	30: StageCallLater,
	31: StageCallLater,
	45: StageCallLater,
	46: StageCallLater,
	47: StageCallLater,
	48: StageCallLater,

	50: StageFormerClient,
}

var (
	defaultMainPipeline      = []int{13, 11, 1, 32, 12, 6, 2, 3, 9, 4}
	defaultSecondaryPipeline = []int{18, 43, 22, 24, 34, 35, 37, 38, 39}
)

func defaultStudentFunnel() FunnelSpec {
	return FunnelSpec{
		Stages: []Stage{
			StageUnprocessed,
			StageContactUnknown,
			StageNoAnswer,
			StageContactEstablished,
			StageInProgress,
			StageScheduled,
			StageConducted,
			StageAwaitingPayment,
			StagePaid,
			StageCallLater,
			StageFormerClient,
			StageArchived,
		},
		Trial:       []Stage{StageScheduled, StageConducted, StageAwaitingPayment, StagePaid},
		Unmatched:   StageUnprocessed,
		Fallback:    StageUnprocessed,
		Converted:   StagePaid,
		TrialDone:   StageConducted,
		Unprocessed: StageUnprocessed,
		NoAnswer:    []Stage{StageNoAnswer},
	}
}

// StudentSpec is the editable description of the student taxonomy.
type StudentSpec struct {
	Statuses          map[int]Stage `yaml:"statuses"`
	MainPipeline      []int         `yaml:"main_pipeline"`
	SecondaryPipeline []int         `yaml:"secondary_pipeline"`
	ArchiveMarker     string        `yaml:"archive_marker"`
}

// DefaultStudentSpec returns a copy of the compiled-in student taxonomy.
func DefaultStudentSpec() StudentSpec {
	return StudentSpec{
		Statuses:          maps.Clone(defaultStudentStatuses),
		MainPipeline:      slices.Clone(defaultMainPipeline),
		SecondaryPipeline: slices.Clone(defaultSecondaryPipeline),
		ArchiveMarker:     DefaultArchiveMarker,
	}
}

type position struct {
	pipeline []int
	depth    int
}

// Student is the validated AlfaCRM taxonomy: numeric status ids, two
// parallel pipelines and the stage each id aggregates into.
type Student struct {
	funnel        *Funnel
	statuses      map[int]Stage
	positions     map[int]position
	archiveMarker string
}

// NewStudent validates spec and builds the read-only taxonomy.
func NewStudent(spec StudentSpec) (*Student, error) {
	fs := defaultStudentFunnel()
	for _, st := range spec.Statuses {
		if !slices.Contains(fs.Stages, st) {
			fs.Stages = append(fs.Stages, st)
		}
	}
	funnel, err := NewFunnel(fs)
	if err != nil {
		return nil, err
	}

	s := &Student{
		funnel:        funnel,
		statuses:      maps.Clone(spec.Statuses),
		positions:     make(map[int]position),
		archiveMarker: spec.ArchiveMarker,
	}
	for id, st := range s.statuses {
		if st == "" {
			return nil, eris.Errorf("taxonomy: status %d maps to an empty stage", id)
		}
	}

	main := slices.Clone(spec.MainPipeline)
	secondary := slices.Clone(spec.SecondaryPipeline)
	if len(main) == 0 {
		return nil, eris.New("taxonomy: main pipeline is empty")
	}
	for _, p := range [][]int{main, secondary} {
		for depth, id := range p {
			if _, ok := s.statuses[id]; !ok {
				return nil, eris.Errorf("taxonomy: pipeline status %d has no stage", id)
			}
			if _, dup := s.positions[id]; dup {
				return nil, eris.Errorf("taxonomy: status %d appears in more than one pipeline position", id)
			}
			s.positions[id] = position{pipeline: p, depth: depth}
		}
	}
	return s, nil
}

// DefaultStudent returns the compiled-in student taxonomy.
func DefaultStudent() *Student {
	s, err := NewStudent(DefaultStudentSpec())
	if err != nil {
		panic(err)
	}
	return s
}

// Funnel returns the stage identities of the student funnel.
func (s *Student) Funnel() *Funnel { return s.funnel }

// Stage maps a status id onto its canonical stage.
func (s *Student) Stage(id int) (Stage, bool) {
	st, ok := s.statuses[id]
	return st, ok
}

// Pipeline returns the pipeline containing id and the id's depth in it.
// The returned slice must not be modified.
func (s *Student) Pipeline(id int) ([]int, int, bool) {
	pos, ok := s.positions[id]
	if !ok {
		return nil, 0, false
	}
	return pos.pipeline, pos.depth, true
}

// IsArchived reports whether an ads-campaign marker flags the record as
// archived.
func (s *Student) IsArchived(adsComp string) bool {
	return s.archiveMarker != "" && adsComp == s.archiveMarker
}

// StatusCount returns the number of mapped status ids.
func (s *Student) StatusCount() int { return len(s.statuses) }
