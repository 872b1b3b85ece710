package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Cohort selects which CRM and taxonomy a run reconciles against.
type Cohort string

const (
	CohortStudents Cohort = "students"
	CohortTeachers Cohort = "teachers"
)

// ParseCohort validates a cohort name.
func ParseCohort(s string) (Cohort, error) {
	switch c := Cohort(strings.ToLower(strings.TrimSpace(s))); c {
	case CohortStudents, CohortTeachers:
		return c, nil
	default:
		return "", eris.Errorf("model: unknown cohort %q", s)
	}
}

// TotalLeadsKey is the reserved funnel-stats key holding the lead total.
const TotalLeadsKey = "total_leads"

// Tag marks whether a contact sits in a stage now or passed through it.
type Tag string

const (
	TagCurrent Tag = "current"
	TagPassed  Tag = "passed"
)

// TaggedContact is a matched contact fingerprint listed under a stage.
type TaggedContact struct {
	Fingerprint string `json:"fingerprint"`
	Tag         Tag    `json:"tag"`
}

// CampaignFunnel is the reconciliation result for a single campaign.
type CampaignFunnel struct {
	CampaignID     string                     `json:"campaign_id"`
	CampaignName   string                     `json:"campaign_name"`
	LeadsCount     int                        `json:"leads_count"`
	Matched        int                        `json:"matched"`
	FunnelStats    map[string]int             `json:"funnel_stats"`
	TaggedContacts map[string][]TaggedContact `json:"tagged_contacts"`
}

// Total returns the reserved total-leads count.
func (f CampaignFunnel) Total() int {
	return f.FunnelStats[TotalLeadsKey]
}

// Metrics holds the ratios derived from a campaign funnel.
type Metrics struct {
	TargetLeads       int     `json:"target_leads"`
	NonTargetLeads    int     `json:"non_target_leads"`
	TargetShare       float64 `json:"target_share"`
	ConversionRate    float64 `json:"conversion_rate"`
	TrialToSale       float64 `json:"trial_to_sale"`
	MatchRate         float64 `json:"match_rate"`
	CostPerLead       float64 `json:"cost_per_lead"`
	CostPerTargetLead float64 `json:"cost_per_target_lead"`
}

// CampaignReport pairs a campaign funnel with its spend and derived metrics.
type CampaignReport struct {
	CampaignFunnel
	Insights Insights `json:"insights"`
	Metrics  Metrics  `json:"metrics"`
}
