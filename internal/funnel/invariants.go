package funnel

import (
	"fmt"

	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

// OverflowFactor bounds non-trial counts plus conversions relative to the
// lead total.
const OverflowFactor = 1.1

// InvariantKind names a per-campaign invariant.
type InvariantKind string

const (
	InvariantTrialMonotone InvariantKind = "trial_monotone"
	InvariantOverflow      InvariantKind = "non_trial_overflow"
	InvariantTotal         InvariantKind = "total_leads"
)

// Violation describes one broken invariant.
type Violation struct {
	Kind   InvariantKind
	Detail string
}

// CheckInvariants validates a campaign funnel against the funnel's trial
// ordering, the overflow bound and the expected lead total.
func CheckInvariants(f *taxonomy.Funnel, cf model.CampaignFunnel, leads int) []Violation {
	var out []Violation
	stats := cf.FunnelStats
	trial := f.Trial()

	for i := 0; i+1 < len(trial); i++ {
		hi, lo := trial[i], trial[i+1]
		if stats[string(hi)] < stats[string(lo)] {
			out = append(out, Violation{
				Kind:   InvariantTrialMonotone,
				Detail: fmt.Sprintf("%s=%d < %s=%d", hi, stats[string(hi)], lo, stats[string(lo)]),
			})
		}
	}

	total := stats[model.TotalLeadsKey]
	var sum int
	for k, n := range stats {
		if k == model.TotalLeadsKey || f.IsTrial(taxonomy.Stage(k)) {
			continue
		}
		sum += n
	}
	if len(trial) > 0 {
		sum += stats[string(trial[len(trial)-1])]
	}
	if float64(sum) > OverflowFactor*float64(total) {
		out = append(out, Violation{
			Kind:   InvariantOverflow,
			Detail: fmt.Sprintf("non-trial plus converted %d exceeds %.1fx of %d leads", sum, OverflowFactor, total),
		})
	}

	if total != leads {
		out = append(out, Violation{
			Kind:   InvariantTotal,
			Detail: fmt.Sprintf("total_leads=%d, campaign has %d leads", total, leads),
		})
	}
	return out
}
