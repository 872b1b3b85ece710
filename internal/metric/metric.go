// Package metric derives reporting ratios from campaign funnel counts.
// Every division by zero yields 0 and every result is rounded to two
// decimals.
package metric

import (
	"math"

	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/taxonomy"
)

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Percent returns num/den*100 rounded, or 0 when den is zero.
func Percent(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return Round2(num / den * 100)
}

// Ratio returns num/den rounded, or 0 when den is zero.
func Ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return Round2(num / den)
}

func total(stats map[string]int) int { return stats[model.TotalLeadsKey] }

// ConversionRate is converted leads over all leads, in percent.
func ConversionRate(f *taxonomy.Funnel, stats map[string]int) float64 {
	return Percent(float64(stats[string(f.Converted())]), float64(total(stats)))
}

// TargetLeads counts leads that are neither unprocessed nor unreachable.
// The result is never negative.
func TargetLeads(f *taxonomy.Funnel, stats map[string]int) int {
	n := total(stats) - stats[string(f.Unprocessed())]
	for _, st := range f.NoAnswer() {
		n -= stats[string(st)]
	}
	return max(n, 0)
}

// TargetLeadsShare is target leads over all leads, in percent.
func TargetLeadsShare(f *taxonomy.Funnel, stats map[string]int) float64 {
	return Percent(float64(TargetLeads(f, stats)), float64(total(stats)))
}

// TrialToSale is converted leads over leads whose trial was held, in
// percent.
func TrialToSale(f *taxonomy.Funnel, stats map[string]int) float64 {
	return Percent(float64(stats[string(f.Converted())]), float64(stats[string(f.TrialDone())]))
}

// CostPerLead is spend divided by the lead total.
func CostPerLead(spend float64, leads int) float64 {
	return Ratio(spend, float64(leads))
}

// CostPerTargetLead is spend divided by the target-lead count.
func CostPerTargetLead(spend float64, targetLeads int) float64 {
	return Ratio(spend, float64(targetLeads))
}

// StageShare is the share of all leads sitting in stage, in percent.
func StageShare(stats map[string]int, stage taxonomy.Stage) float64 {
	return Percent(float64(stats[string(stage)]), float64(total(stats)))
}

// Compute derives every metric of one campaign.
func Compute(f *taxonomy.Funnel, cf model.CampaignFunnel, spend float64) model.Metrics {
	target := TargetLeads(f, cf.FunnelStats)
	return model.Metrics{
		TargetLeads:       target,
		NonTargetLeads:    total(cf.FunnelStats) - target,
		TargetShare:       TargetLeadsShare(f, cf.FunnelStats),
		ConversionRate:    ConversionRate(f, cf.FunnelStats),
		TrialToSale:       TrialToSale(f, cf.FunnelStats),
		MatchRate:         Percent(float64(cf.Matched), float64(total(cf.FunnelStats))),
		CostPerLead:       CostPerLead(spend, total(cf.FunnelStats)),
		CostPerTargetLead: CostPerTargetLead(spend, target),
	}
}
