package participation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/draftpilot/draftpilot/db/models"
)

// ActiveWindow is how long after their last message a user still counts as
// participating in a thread. Enforced at read time; rows are never expired,
// so historical analytics stay possible.
const ActiveWindow = 7 * 24 * time.Hour

// Tracker answers who watches which conversations and who is active in
// which threads.
type Tracker struct {
	db    *gorm.DB
	log   *slog.Logger
	nowFn func() time.Time
}

type Option func(*Tracker)

func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.nowFn = now
		}
	}
}

func NewTracker(gdb *gorm.DB, log *slog.Logger, opts ...Option) (*Tracker, error) {
	if gdb == nil {
		return nil, fmt.Errorf("nil db")
	}
	if log == nil {
		log = slog.Default()
	}
	t := &Tracker{db: gdb, log: log, nowFn: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RecordParticipation upserts the author's last-message time for a thread.
// It is a best-effort signal: storage errors are logged, never returned.
func (t *Tracker) RecordParticipation(ctx context.Context, workspaceID, userID, channelID, threadTS string) {
	if t == nil || t.db == nil {
		return
	}
	workspaceID = strings.TrimSpace(workspaceID)
	userID = strings.TrimSpace(userID)
	channelID = strings.TrimSpace(channelID)
	threadTS = strings.TrimSpace(threadTS)
	if workspaceID == "" || userID == "" || channelID == "" || threadTS == "" {
		return
	}
	nowMs := t.nowFn().UTC().UnixMilli()
	row := models.ThreadParticipant{
		WorkspaceID:   workspaceID,
		UserID:        userID,
		ChannelID:     channelID,
		ThreadTS:      threadTS,
		LastMessageAt: nowMs,
	}
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workspace_id"}, {Name: "user_id"}, {Name: "channel_id"}, {Name: "thread_ts"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"last_message_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		t.log.Warn("participation_record_error",
			"workspace_id", workspaceID,
			"user_id", userID,
			"channel_id", channelID,
			"thread_ts", threadTS,
			"error", err.Error(),
		)
	}
}

// IsActiveParticipant reports whether the user posted in the thread inside
// the trailing window, evaluated against now.
func (t *Tracker) IsActiveParticipant(ctx context.Context, workspaceID, userID, channelID, threadTS string) (bool, error) {
	if t == nil || t.db == nil {
		return false, fmt.Errorf("tracker is not initialized")
	}
	cutoff := t.nowFn().UTC().Add(-ActiveWindow).UnixMilli()
	var count int64
	err := t.db.WithContext(ctx).
		Model(&models.ThreadParticipant{}).
		Where("workspace_id = ? AND user_id = ? AND channel_id = ? AND thread_ts = ?",
			strings.TrimSpace(workspaceID), strings.TrimSpace(userID), strings.TrimSpace(channelID), strings.TrimSpace(threadTS)).
		Where("last_message_at > ?", cutoff).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsWatching reports whether the user opted in to suggestions for the
// channel.
func (t *Tracker) IsWatching(ctx context.Context, workspaceID, userID, channelID string) (bool, error) {
	if t == nil || t.db == nil {
		return false, fmt.Errorf("tracker is not initialized")
	}
	var count int64
	err := t.db.WithContext(ctx).
		Model(&models.WatchedConversation{}).
		Where("workspace_id = ? AND user_id = ? AND channel_id = ?",
			strings.TrimSpace(workspaceID), strings.TrimSpace(userID), strings.TrimSpace(channelID)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// WatchersOf returns the user ids watching a channel.
func (t *Tracker) WatchersOf(ctx context.Context, workspaceID, channelID string) ([]string, error) {
	if t == nil || t.db == nil {
		return nil, fmt.Errorf("tracker is not initialized")
	}
	var userIDs []string
	err := t.db.WithContext(ctx).
		Model(&models.WatchedConversation{}).
		Where("workspace_id = ? AND channel_id = ?", strings.TrimSpace(workspaceID), strings.TrimSpace(channelID)).
		Order("user_id asc").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, err
	}
	return userIDs, nil
}

// Watch opts a user in to suggestions for a channel.
func (t *Tracker) Watch(ctx context.Context, workspaceID, userID, channelID, channelName, channelType string, autoRespond bool) error {
	if t == nil || t.db == nil {
		return fmt.Errorf("tracker is not initialized")
	}
	workspaceID = strings.TrimSpace(workspaceID)
	userID = strings.TrimSpace(userID)
	channelID = strings.TrimSpace(channelID)
	if workspaceID == "" {
		return fmt.Errorf("workspace_id is required")
	}
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if channelID == "" {
		return fmt.Errorf("channel_id is required")
	}
	row := models.WatchedConversation{
		WorkspaceID: workspaceID,
		UserID:      userID,
		ChannelID:   channelID,
		ChannelName: strings.TrimSpace(channelName),
		ChannelType: strings.TrimSpace(channelType),
		AutoRespond: autoRespond,
	}
	return t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "workspace_id"}, {Name: "user_id"}, {Name: "channel_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"channel_name", "channel_type", "auto_respond", "updated_at"}),
	}).Create(&row).Error
}

// Watches lists a workspace's watched conversations, optionally filtered
// to one user.
func (t *Tracker) Watches(ctx context.Context, workspaceID, userID string) ([]models.WatchedConversation, error) {
	if t == nil || t.db == nil {
		return nil, fmt.Errorf("tracker is not initialized")
	}
	q := t.db.WithContext(ctx).
		Where("workspace_id = ?", strings.TrimSpace(workspaceID)).
		Order("channel_id asc, user_id asc")
	if userID = strings.TrimSpace(userID); userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	var rows []models.WatchedConversation
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Unwatch removes a user's opt-in for a channel.
func (t *Tracker) Unwatch(ctx context.Context, workspaceID, userID, channelID string) error {
	if t == nil || t.db == nil {
		return fmt.Errorf("tracker is not initialized")
	}
	return t.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ? AND channel_id = ?",
			strings.TrimSpace(workspaceID), strings.TrimSpace(userID), strings.TrimSpace(channelID)).
		Delete(&models.WatchedConversation{}).Error
}
