// Package funnel reconciles ad-campaign leads against a CRM and counts them
// per canonical stage.
package funnel

import (
	"maps"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/contact"
	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

// ErrNilResolver is returned when Reconcile is called without a resolver.
var ErrNilResolver = eris.New("funnel: nil resolver")

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for data-quality warnings.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithViolationHook registers fn to be called for every invariant
// violation, after it is logged.
func WithViolationHook(fn func(campaignID string, v Violation)) Option {
	return func(e *Engine) { e.onViolation = fn }
}

// Engine is the lead-to-funnel aggregator. It holds no per-run state; every
// run-specific input arrives through Reconcile.
type Engine struct {
	ex          *contact.Extractor
	log         *zap.Logger
	onViolation func(string, Violation)
}

// NewEngine creates an Engine that extracts lead contacts with ex.
func NewEngine(ex *contact.Extractor, opts ...Option) *Engine {
	e := &Engine{ex: ex, log: zap.L()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Reconcile computes the funnel of every campaign against r. It never fails
// on data-quality issues; invariant violations are logged and the result is
// still returned.
func (e *Engine) Reconcile(campaigns map[string]model.Campaign, r Resolver) (map[string]model.CampaignFunnel, error) {
	if r == nil {
		return nil, ErrNilResolver
	}
	out := make(map[string]model.CampaignFunnel, len(campaigns))
	for _, id := range slices.Sorted(maps.Keys(campaigns)) {
		c := campaigns[id]
		cf := e.reconcileCampaign(id, c, r)
		for _, v := range CheckInvariants(r.Funnel(), cf, len(c.Leads)) {
			e.log.Warn("funnel: invariant violated",
				zap.String("campaign_id", id),
				zap.String("invariant", string(v.Kind)),
				zap.String("detail", v.Detail),
				zap.Any("counts", cf.FunnelStats),
			)
			if e.onViolation != nil {
				e.onViolation(id, v)
			}
		}
		out[id] = cf
	}
	return out, nil
}

func (e *Engine) reconcileCampaign(id string, c model.Campaign, r Resolver) model.CampaignFunnel {
	f := r.Funnel()
	unmatched := string(f.Unmatched())

	cf := model.CampaignFunnel{
		CampaignID:     id,
		CampaignName:   c.Name,
		LeadsCount:     len(c.Leads),
		FunnelStats:    make(map[string]int, len(f.Stages())+1),
		TaggedContacts: make(map[string][]model.TaggedContact),
	}
	if cf.CampaignName == "" && len(c.Leads) > 0 {
		cf.CampaignName = c.Leads[0].CampaignName
	}
	for _, st := range f.Stages() {
		cf.FunnelStats[string(st)] = 0
	}
	cf.FunnelStats[model.TotalLeadsKey] = len(c.Leads)

	tagged := newTagSet()
	for _, lead := range c.Leads {
		cands := e.ex.Candidates(lead)
		if len(cands) == 0 {
			e.log.Debug("funnel: lead has no recognizable contact",
				zap.String("campaign_id", id),
				zap.String("lead_id", lead.ID),
			)
			cf.FunnelStats[unmatched]++
			if lead.ID != "" {
				tagged.add(unmatched, lead.ID, model.TagCurrent)
			}
			continue
		}

		fp, key, ok := match(r, cands)
		if !ok {
			cf.FunnelStats[unmatched]++
			tagged.add(unmatched, fp, model.TagCurrent)
			continue
		}
		cf.Matched++

		stages := collapse(r.Journey(key))
		last := len(stages) - 1
		for i, st := range stages {
			tag := model.TagPassed
			if i == last {
				tag = model.TagCurrent
			}
			if i == last || f.IsTrial(st) {
				cf.FunnelStats[string(st)]++
			}
			tagged.add(string(st), fp, tag)
		}
		if mr, ok := r.(Marker); ok {
			for _, st := range mr.Marks(key) {
				cf.FunnelStats[string(st)]++
				tagged.add(string(st), fp, model.TagCurrent)
			}
		}
	}
	cf.TaggedContacts = tagged.lists
	return cf
}

// match probes r with each candidate in order. On a miss the first candidate
// is returned as the lead's fingerprint.
func match(r Resolver, cands []string) (fp, key string, ok bool) {
	for _, c := range cands {
		if k, hit := r.Match(c); hit {
			return c, k, true
		}
	}
	return cands[0], "", false
}

// collapse reduces a journey to distinct stages. The final stage stays last
// and every other stage keeps its first position, so each stage appears once
// with a single role.
func collapse(stages []taxonomy.Stage) []taxonomy.Stage {
	if len(stages) <= 1 {
		return stages
	}
	current := stages[len(stages)-1]
	out := make([]taxonomy.Stage, 0, len(stages))
	seen := map[taxonomy.Stage]struct{}{current: {}}
	for _, st := range stages[:len(stages)-1] {
		if _, dup := seen[st]; dup {
			continue
		}
		seen[st] = struct{}{}
		out = append(out, st)
	}
	return append(out, current)
}

type tagSet struct {
	lists map[string][]model.TaggedContact
	seen  map[[2]string]struct{}
}

func newTagSet() *tagSet {
	return &tagSet{
		lists: make(map[string][]model.TaggedContact),
		seen:  make(map[[2]string]struct{}),
	}
}

func (s *tagSet) add(stage, fp string, tag model.Tag) {
	k := [2]string{stage, fp}
	if _, dup := s.seen[k]; dup {
		return
	}
	s.seen[k] = struct{}{}
	s.lists[stage] = append(s.lists[stage], model.TaggedContact{Fingerprint: fp, Tag: tag})
}
