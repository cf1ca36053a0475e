package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/draftpilot/draftpilot/db/models"
)

// Recorder timestamps a suggestion's lifecycle. The stage calls come from
// unrelated call sites in any order, so every operation is an upsert that
// touches only its own columns, and every failure is logged and swallowed.
type Recorder struct {
	db    *gorm.DB
	log   *slog.Logger
	nowFn func() time.Time
}

type Option func(*Recorder)

func WithNow(nowFn func() time.Time) Option {
	return func(r *Recorder) { r.nowFn = nowFn }
}

func NewRecorder(gdb *gorm.DB, log *slog.Logger, opts ...Option) (*Recorder, error) {
	if gdb == nil {
		return nil, fmt.Errorf("db is required")
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{db: gdb, log: log, nowFn: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Recorder) RecordEventReceived(ctx context.Context, suggestionID, workspaceID, userID, channelID, triggerType string) {
	now := r.nowMs()
	row := models.SuggestionMetrics{
		SuggestionID:    suggestionID,
		WorkspaceID:     workspaceID,
		UserID:          userID,
		ChannelID:       channelID,
		TriggerType:     triggerType,
		EventReceivedAt: &now,
	}
	r.upsert(ctx, "event_received", row,
		"workspace_id", "user_id", "channel_id", "trigger_type", "event_received_at")
}

func (r *Recorder) RecordJobQueued(ctx context.Context, suggestionID string) {
	now := r.nowMs()
	r.upsert(ctx, "job_queued",
		models.SuggestionMetrics{SuggestionID: suggestionID, JobQueuedAt: &now},
		"job_queued_at")
}

func (r *Recorder) RecordAIStarted(ctx context.Context, suggestionID string) {
	now := r.nowMs()
	r.upsert(ctx, "ai_started",
		models.SuggestionMetrics{SuggestionID: suggestionID, AIStartedAt: &now},
		"ai_started_at")
}

// RecordAICompleted stamps completion and derives ai_processing_ms and
// queue_delay_ms from whichever earlier stamps already exist.
func (r *Recorder) RecordAICompleted(ctx context.Context, suggestionID string) {
	now := r.nowMs()
	row := models.SuggestionMetrics{SuggestionID: suggestionID, AICompletedAt: &now}
	columns := []string{"ai_completed_at"}

	existing, ok := r.read(ctx, suggestionID)
	if ok {
		if existing.AIStartedAt != nil {
			processing := now - *existing.AIStartedAt
			row.AIProcessingMs = &processing
			columns = append(columns, "ai_processing_ms")
		}
		if existing.JobQueuedAt != nil && existing.AIStartedAt != nil {
			delay := *existing.AIStartedAt - *existing.JobQueuedAt
			row.QueueDelayMs = &delay
			columns = append(columns, "queue_delay_ms")
		}
	}
	r.upsert(ctx, "ai_completed", row, columns...)
}

// RecordDelivered stamps delivery and derives total_duration_ms when the
// event-received stamp exists.
func (r *Recorder) RecordDelivered(ctx context.Context, suggestionID string) {
	now := r.nowMs()
	row := models.SuggestionMetrics{SuggestionID: suggestionID, DeliveredAt: &now}
	columns := []string{"delivered_at"}

	existing, ok := r.read(ctx, suggestionID)
	if ok && existing.EventReceivedAt != nil {
		total := now - *existing.EventReceivedAt
		row.TotalDurationMs = &total
		columns = append(columns, "total_duration_ms")
	}
	r.upsert(ctx, "delivered", row, columns...)
}

func (r *Recorder) RecordUserAction(ctx context.Context, suggestionID, action string) {
	now := r.nowMs()
	row := models.SuggestionMetrics{SuggestionID: suggestionID, UserAction: &action, UserActionAt: &now}
	r.upsert(ctx, "user_action", row, "user_action", "user_action_at")
}

func (r *Recorder) RecordError(ctx context.Context, suggestionID, errorType string) {
	row := models.SuggestionMetrics{SuggestionID: suggestionID, ErrorType: &errorType}
	r.upsert(ctx, "error", row, "error_type")
}

// Read returns the current row, if any. Used by status surfaces and tests.
func (r *Recorder) Read(ctx context.Context, suggestionID string) (models.SuggestionMetrics, bool) {
	return r.read(ctx, suggestionID)
}

func (r *Recorder) upsert(ctx context.Context, stage string, row models.SuggestionMetrics, columns ...string) {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "suggestion_id"}},
			DoUpdates: clause.AssignmentColumns(append(columns, "updated_at")),
		}).
		Create(&row).Error
	if err != nil {
		r.log.Warn("metrics_record_error", "stage", stage, "suggestion_id", row.SuggestionID, "error", err)
	}
}

func (r *Recorder) read(ctx context.Context, suggestionID string) (models.SuggestionMetrics, bool) {
	var row models.SuggestionMetrics
	err := r.db.WithContext(ctx).Where("suggestion_id = ?", suggestionID).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.log.Warn("metrics_read_error", "suggestion_id", suggestionID, "error", err)
		}
		return models.SuggestionMetrics{}, false
	}
	return row, true
}

func (r *Recorder) nowMs() int64 {
	return r.nowFn().UTC().UnixMilli()
}
