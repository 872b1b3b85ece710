// Package taxonomy maps CRM-native statuses onto canonical funnel stages.
//
// A taxonomy is built once, validated, and then only read. Every stage the
// aggregator or the metric calculator treats specially (the trial funnel,
// the unmatched fallback, the conversion stage) is referenced through a
// Funnel rather than by string literal.
package taxonomy

import (
	"slices"

	"github.com/rotisserie/eris"
)

// Stage is a canonical, human-readable funnel bucket.
type Stage string

// FunnelSpec declares the stage identities of one funnel.
type FunnelSpec struct {
	// Stages in display order.
	Stages []Stage
	// Trial lists the cumulatively counted stages, shallowest first.
	Trial []Stage
	// Unmatched receives leads that match no CRM record.
	Unmatched Stage
	// Fallback receives matched records whose journey is empty.
	Fallback Stage
	// Converted, TrialDone and Unprocessed feed the metric calculator.
	Converted   Stage
	TrialDone   Stage
	Unprocessed Stage
	// NoAnswer lists every stage that counts as an unreachable lead.
	NoAnswer []Stage
}

// Funnel is the validated, read-only form of a FunnelSpec.
type Funnel struct {
	spec  FunnelSpec
	trial map[Stage]struct{}
	known map[Stage]struct{}
}

// NewFunnel validates spec and returns the read-only funnel.
func NewFunnel(spec FunnelSpec) (*Funnel, error) {
	f := &Funnel{
		spec: FunnelSpec{
			Stages:      slices.Clone(spec.Stages),
			Trial:       slices.Clone(spec.Trial),
			Unmatched:   spec.Unmatched,
			Fallback:    spec.Fallback,
			Converted:   spec.Converted,
			TrialDone:   spec.TrialDone,
			Unprocessed: spec.Unprocessed,
			NoAnswer:    slices.Clone(spec.NoAnswer),
		},
		trial: make(map[Stage]struct{}, len(spec.Trial)),
		known: make(map[Stage]struct{}, len(spec.Stages)),
	}
	if len(spec.Stages) == 0 {
		return nil, eris.New("taxonomy: funnel has no stages")
	}
	for _, s := range spec.Stages {
		if s == "" {
			return nil, eris.New("taxonomy: empty stage name")
		}
		if _, dup := f.known[s]; dup {
			return nil, eris.Errorf("taxonomy: duplicate stage %q", s)
		}
		f.known[s] = struct{}{}
	}
	for _, s := range spec.Trial {
		if !f.Has(s) {
			return nil, eris.Errorf("taxonomy: trial stage %q is not a funnel stage", s)
		}
		f.trial[s] = struct{}{}
	}
	named := map[string]Stage{
		"unmatched":   spec.Unmatched,
		"fallback":    spec.Fallback,
		"converted":   spec.Converted,
		"trial done":  spec.TrialDone,
		"unprocessed": spec.Unprocessed,
	}
	for role, s := range named {
		if !f.Has(s) {
			return nil, eris.Errorf("taxonomy: %s stage %q is not a funnel stage", role, s)
		}
	}
	for _, s := range spec.NoAnswer {
		if !f.Has(s) {
			return nil, eris.Errorf("taxonomy: no-answer stage %q is not a funnel stage", s)
		}
	}
	return f, nil
}

// Has reports whether s is one of the funnel's declared stages.
func (f *Funnel) Has(s Stage) bool {
	_, ok := f.known[s]
	return ok
}

// IsTrial reports whether s is counted cumulatively.
func (f *Funnel) IsTrial(s Stage) bool {
	_, ok := f.trial[s]
	return ok
}

func (f *Funnel) Stages() []Stage    { return slices.Clone(f.spec.Stages) }
func (f *Funnel) Trial() []Stage     { return slices.Clone(f.spec.Trial) }
func (f *Funnel) NoAnswer() []Stage  { return slices.Clone(f.spec.NoAnswer) }
func (f *Funnel) Unmatched() Stage   { return f.spec.Unmatched }
func (f *Funnel) Fallback() Stage    { return f.spec.Fallback }
func (f *Funnel) Converted() Stage   { return f.spec.Converted }
func (f *Funnel) TrialDone() Stage   { return f.spec.TrialDone }
func (f *Funnel) Unprocessed() Stage { return f.spec.Unprocessed }
