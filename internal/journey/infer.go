// Package journey reconstructs the ordered stages a CRM record went through.
//
// Student records only expose a current status, so their journey is inferred
// from the static pipeline order. Teacher records expose a change stream, so
// their journey is replayed from it.
package journey

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

// Infer returns the pipeline prefix ending at statusID. The second result
// is false when statusID belongs to no pipeline, in which case the journey
// is the singleton [statusID].
func Infer(tax *taxonomy.Student, statusID int) ([]int, bool) {
	p, depth, ok := tax.Pipeline(statusID)
	if !ok {
		return []int{statusID}, false
	}
	return slices.Clone(p[:depth+1]), true
}

// Inferrer wraps Infer with once-per-run logging of off-pipeline statuses.
type Inferrer struct {
	tax *taxonomy.Student
	log *zap.Logger

	mu     sync.Mutex
	warned map[int]struct{}
}

// NewInferrer creates an Inferrer for a single run.
func NewInferrer(tax *taxonomy.Student, log *zap.Logger) *Inferrer {
	return &Inferrer{tax: tax, log: log, warned: make(map[int]struct{})}
}

// Journey returns the inferred status ids for statusID.
func (in *Inferrer) Journey(statusID int) []int {
	ids, ok := Infer(in.tax, statusID)
	if !ok {
		in.noteOffPipeline(statusID)
	}
	return ids
}

// Stages translates an inferred journey into canonical stages, dropping ids
// the taxonomy does not map.
func (in *Inferrer) Stages(statusID int) []taxonomy.Stage {
	ids := in.Journey(statusID)
	out := make([]taxonomy.Stage, 0, len(ids))
	for _, id := range ids {
		if st, ok := in.tax.Stage(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (in *Inferrer) noteOffPipeline(statusID int) {
	in.mu.Lock()
	_, seen := in.warned[statusID]
	in.warned[statusID] = struct{}{}
	in.mu.Unlock()
	if seen {
		return
	}
	if _, mapped := in.tax.Stage(statusID); mapped {
		in.log.Debug("journey: status outside both pipelines, using singleton journey",
			zap.Int("status_id", statusID),
		)
		return
	}
	in.log.Warn("journey: unknown status id, no stage contribution",
		zap.Int("status_id", statusID),
	)
}
