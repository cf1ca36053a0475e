package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/draftpilot/draftpilot/db/models"
)

// Cooldown is the window in which a second open alert on the same channel
// reuses the first instead of being created.
const Cooldown = 4 * time.Hour

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
)

// AdminNotifier delivers one alert to one administrator.
type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, adminUserID string, alert models.EscalationAlert) error
}

// Guard rate-limits high-risk alerts per channel. Nothing in here ever
// propagates an error: the suggestion path that noticed the risk must not
// be aborted or rolled back by alerting trouble.
type Guard struct {
	db       *gorm.DB
	notifier AdminNotifier
	log      *slog.Logger
	nowFn    func() time.Time
}

type Option func(*Guard)

func WithNow(nowFn func() time.Time) Option {
	return func(g *Guard) { g.nowFn = nowFn }
}

func NewGuard(gdb *gorm.DB, notifier AdminNotifier, log *slog.Logger, opts ...Option) (*Guard, error) {
	if gdb == nil {
		return nil, fmt.Errorf("db is required")
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Guard{db: gdb, notifier: notifier, log: log, nowFn: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// TriggerAlert creates an alert for the channel unless an open one exists
// inside the cooldown window, in which case the existing id is returned.
// An empty id means the alert could not be recorded; the caller continues
// either way.
func (g *Guard) TriggerAlert(ctx context.Context, workspaceID, channelID string, sentimentScore float64, summary string, adminUserIDs []string) string {
	now := g.nowFn().UTC()
	cutoff := now.Add(-Cooldown).UnixMilli()

	var existing models.EscalationAlert
	err := g.db.WithContext(ctx).
		Where("channel_id = ? AND status = ? AND created_at_ms > ?",
			channelID, models.AlertStatusOpen, cutoff).
		Order("created_at_ms DESC").
		First(&existing).Error
	if err == nil {
		g.log.Debug("escalation_cooldown_hit", "channel_id", channelID, "alert_id", existing.ID)
		return existing.ID
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		g.log.Warn("escalation_lookup_error", "channel_id", channelID, "error", err)
		return ""
	}

	alert := models.EscalationAlert{
		WorkspaceID:    workspaceID,
		ChannelID:      channelID,
		Severity:       severityFor(sentimentScore),
		Status:         models.AlertStatusOpen,
		SentimentScore: sentimentScore,
		Summary:        summary,
		CreatedAtMs:    now.UnixMilli(),
	}
	if err := g.db.WithContext(ctx).Create(&alert).Error; err != nil {
		g.log.Warn("escalation_create_error", "channel_id", channelID, "error", err)
		return ""
	}
	g.log.Info("escalation_alert_created",
		"alert_id", alert.ID, "channel_id", channelID, "severity", alert.Severity)

	// One unreachable admin must not keep the rest from hearing about it.
	if g.notifier != nil {
		for _, adminID := range adminUserIDs {
			if err := g.notifier.NotifyAdmin(ctx, adminID, alert); err != nil {
				g.log.Warn("escalation_notify_error",
					"alert_id", alert.ID, "admin_user_id", adminID, "error", err)
			}
		}
	}
	return alert.ID
}

// Resolve closes an open alert so future events on the channel can alert
// again before the cooldown lapses.
func (g *Guard) Resolve(ctx context.Context, alertID string) error {
	res := g.db.WithContext(ctx).
		Model(&models.EscalationAlert{}).
		Where("id = ? AND status = ?", alertID, models.AlertStatusOpen).
		Update("status", models.AlertStatusResolved)
	if res.Error != nil {
		return fmt.Errorf("resolve alert: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %s is not open", alertID)
	}
	return nil
}

func severityFor(score float64) string {
	switch {
	case score <= -0.8:
		return SeverityCritical
	case score <= -0.5:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}
