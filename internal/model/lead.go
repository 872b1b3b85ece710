package model

import "strings"

// FieldData is a single raw form field submitted with a lead.
type FieldData struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Lead is an immutable record from the ads platform.
type Lead struct {
	ID           string      `json:"id"`
	CreatedTime  string      `json:"created_time"`
	AdID         string      `json:"ad_id,omitempty"`
	AdName       string      `json:"ad_name,omitempty"`
	AdsetID      string      `json:"adset_id,omitempty"`
	AdsetName    string      `json:"adset_name,omitempty"`
	CampaignID   string      `json:"campaign_id"`
	CampaignName string      `json:"campaign_name"`
	FormID       string      `json:"form_id,omitempty"`
	FieldData    []FieldData `json:"field_data"`
}

// CreatedDate returns the YYYY-MM-DD prefix of CreatedTime, or "" when the
// timestamp is too short to carry a date.
func (l Lead) CreatedDate() string {
	if len(l.CreatedTime) < 10 {
		return ""
	}
	return l.CreatedTime[:10]
}

// InRange reports whether the lead was created within [start, end]
// (inclusive, YYYY-MM-DD strings).
func (l Lead) InRange(start, end string) bool {
	d := l.CreatedDate()
	if d == "" {
		return false
	}
	return strings.Compare(d, start) >= 0 && strings.Compare(d, end) <= 0
}

// Insights holds the ad-spend metrics the ads platform reports for a campaign.
type Insights struct {
	Spend       float64 `json:"spend"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Reach       int64   `json:"reach"`
	CTR         float64 `json:"ctr"`
	CPM         float64 `json:"cpm"`
}

// Campaign groups the leads of one ads campaign.
type Campaign struct {
	ID       string   `json:"campaign_id"`
	Name     string   `json:"campaign_name"`
	Leads    []Lead   `json:"leads"`
	Insights Insights `json:"insights"`
}
