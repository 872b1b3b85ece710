package model

import "time"

// RunStatus represents the current state of a reconciliation run.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusError
}

// RunRequest describes what a run should reconcile.
type RunRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Cohort    Cohort `json:"campaign_type"`
}

// Run is a persisted reconciliation run.
type Run struct {
	ID             string    `json:"id"`
	Cohort         Cohort    `json:"campaign_type"`
	StartDate      string    `json:"start_date"`
	EndDate        string    `json:"end_date"`
	Status         RunStatus `json:"status"`
	LeadsCount     int       `json:"leads_count"`
	CampaignsCount int       `json:"campaigns_count"`
	MatchedCount   int       `json:"matched_count"`
	Error          string    `json:"error,omitempty"`
	Logs           []RunLog  `json:"logs,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RunLog is a single log line captured during a run.
type RunLog struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// RunResult is everything a finished run produced.
type RunResult struct {
	Run       Run                       `json:"run"`
	Campaigns map[string]CampaignReport `json:"campaigns"`
}
