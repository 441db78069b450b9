package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mirror-status/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertErrorRatio      AlertType = "error_ratio"
	AlertStaleSites      AlertType = "stale_sites"
	AlertMonitoringStall AlertType = "monitoring_stalled"
)

// maxListedSites caps the site names quoted in an alert message.
const maxListedSites = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a FleetSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *FleetSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if !snap.HasCheckrun() {
		return nil
	}

	// No new checkrun within the stale window means the fetchers stopped.
	stallAfter := time.Duration(snap.StaleAgeHours) * time.Hour
	if stallAfter > 0 && snap.CollectedAt.Sub(snap.CheckrunTimestamp) > stallAfter {
		alerts = append(alerts, Alert{
			Type:     AlertMonitoringStall,
			Severity: "high",
			Message: fmt.Sprintf("No checkrun since %s (%s)",
				snap.CheckrunTimestamp.UTC().Format(time.RFC3339),
				humanize.RelTime(snap.CheckrunTimestamp, snap.CollectedAt, "ago", "from now"),
			),
			Details: map[string]any{
				"checkrun_id":        snap.CheckrunID,
				"checkrun_timestamp": snap.CheckrunTimestamp,
			},
			Timestamp: now,
		})
	}

	if a.cfg.AlertErrorRatio > 0 && snap.Total > 0 && snap.ErrorRatio > a.cfg.AlertErrorRatio {
		msg := fmt.Sprintf(
			"Error ratio %.1f%% exceeds threshold %.1f%% (%d of %d sites failed in checkrun %d)",
			snap.ErrorRatio*100, a.cfg.AlertErrorRatio*100,
			snap.Errors, snap.Total, snap.CheckrunID,
		)
		if snap.Ignored {
			msg += "; checkrun ignored for scoring"
		}
		alerts = append(alerts, Alert{
			Type:     AlertErrorRatio,
			Severity: "high",
			Message:  msg,
			Details: map[string]any{
				"error_ratio": snap.ErrorRatio,
				"threshold":   a.cfg.AlertErrorRatio,
				"errors":      snap.Errors,
				"total":       snap.Total,
				"ignored":     snap.Ignored,
			},
			Timestamp: now,
		})
	}

	if len(snap.StaleSites) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleSites,
			Severity: "medium",
			Message: fmt.Sprintf("%d site(s) more than %dh behind the master: %s",
				len(snap.StaleSites), snap.StaleAgeHours, listSites(snap.StaleSites)),
			Details: map[string]any{
				"stale_sites":     snap.StaleSites,
				"stale_age_hours": snap.StaleAgeHours,
			},
			Timestamp: now,
		})
	}

	return alerts
}

func listSites(names []string) string {
	if len(names) <= maxListedSites {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(names[:maxListedSites], ", "), len(names)-maxListedSites)
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
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
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
