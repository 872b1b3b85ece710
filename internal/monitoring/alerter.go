package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/config"
	"github.com/ecademy/leadfunnel/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertStuckRuns      AlertType = "stuck_runs"
	AlertLowMatchRate   AlertType = "low_match_rate"
)

// minFinished is the number of finished runs below which rates are noise.
const minFinished = 4

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a RunSnapshot against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	policy resilience.Policy
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		policy: resilience.NewPolicy(3, 2*time.Second),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *RunSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()
	finished := snap.Success + snap.Failed

	if finished >= minFinished && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.Failed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.Stuck > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStuckRuns,
			Severity: "medium",
			Message: fmt.Sprintf("%d run(s) queued or running for over %d minutes",
				snap.Stuck, a.cfg.StuckAfterMins),
			Details: map[string]any{
				"stuck":   snap.Stuck,
				"queued":  snap.Queued,
				"running": snap.Running,
			},
			Timestamp: now,
		})
	}

	if snap.Success >= minFinished && snap.Leads > 0 && a.cfg.MinMatchRate > 0 && snap.MatchRate < a.cfg.MinMatchRate {
		alerts = append(alerts, Alert{
			Type:     AlertLowMatchRate,
			Severity: "medium",
			Message: fmt.Sprintf("Match rate %.1f%% below %.1f%% over %d leads in last %dh",
				snap.MatchRate, a.cfg.MinMatchRate, snap.Leads, snap.LookbackHours),
			Details: map[string]any{
				"match_rate": snap.MatchRate,
				"threshold":  a.cfg.MinMatchRate,
				"leads":      snap.Leads,
				"matched":    snap.Matched,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// webhookPayload is the body posted to the alert webhook.
type webhookPayload struct {
	Source string  `json:"source"`
	Alerts []Alert `json:"alerts"`
}

// SendAlerts posts all alerts in one webhook call, retrying transient
// failures. It returns the number of alerts delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	body, err := json.Marshal(webhookPayload{Source: "leadfunnel", Alerts: alerts})
	if err != nil {
		zap.L().Error("monitoring: marshal alerts", zap.Error(err))
		return 0
	}

	p := a.policy
	p.Notify = resilience.LogRetries(zap.L(), "alert-webhook", "post")
	if err := resilience.Do(ctx, p, func(ctx context.Context) error {
		return a.post(ctx, body)
	}); err != nil {
		zap.L().Error("monitoring: failed to send alerts",
			zap.Int("alerts", len(alerts)),
			zap.Error(err),
		)
		return 0
	}

	for _, alert := range alerts {
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
	}
	return len(alerts)
}

func (a *Alerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return &resilience.StatusError{Service: "alert-webhook", Status: resp.StatusCode}
	}
	return nil
}
