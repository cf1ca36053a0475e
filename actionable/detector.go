package actionable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/draftpilot/draftpilot/db/models"
)

const (
	KindQuestion = "question"
	KindRequest  = "request"
	KindDeadline = "deadline"
)

var (
	requestPattern  = regexp.MustCompile(`(?i)\b(can|could|would|will|please)\b.*\b(you|someone|anyone)\b|\bplease\b`)
	deadlinePattern = regexp.MustCompile(`(?i)\b(by|before|due|deadline|eod|eow|end of (day|week)|tomorrow|tonight|asap)\b`)
)

// Detector spots follow-ups (questions, requests, deadlines) in trigger
// messages and stores them for the recipient. Runs fire-and-forget off the
// generation path; the unique message key absorbs concurrent detection.
type Detector struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewDetector(gdb *gorm.DB, log *slog.Logger) (*Detector, error) {
	if gdb == nil {
		return nil, fmt.Errorf("db is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Detector{db: gdb, log: log}, nil
}

// Detect classifies text and, when it looks actionable, records one item
// for the recipient. A duplicate insert for the same message is success.
func (d *Detector) Detect(ctx context.Context, workspaceID, userID, channelID, messageTS, text string) {
	kind := Classify(text)
	if kind == "" {
		return
	}

	item := models.ActionableItem{
		WorkspaceID: workspaceID,
		UserID:      userID,
		ChannelID:   channelID,
		MessageTS:   messageTS,
		Kind:        kind,
		Text:        strings.TrimSpace(text),
	}
	err := d.db.WithContext(ctx).Create(&item).Error
	if err != nil {
		if isDuplicateKey(err) {
			return
		}
		d.log.Warn("actionable_store_error",
			"workspace_id", workspaceID, "channel_id", channelID, "message_ts", messageTS, "error", err)
		return
	}
	d.log.Debug("actionable_detected",
		"kind", kind, "user_id", userID, "channel_id", channelID, "message_ts", messageTS)
}

// Classify returns the item kind for text, or "" when nothing actionable
// is found. Deadline cues win over request phrasing, questions are the
// fallback cue.
func Classify(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	switch {
	case deadlinePattern.MatchString(trimmed):
		return KindDeadline
	case requestPattern.MatchString(trimmed):
		return KindRequest
	case strings.Contains(trimmed, "?"):
		return KindQuestion
	default:
		return ""
	}
}

// ListOpen returns the user's open items, newest first.
func (d *Detector) ListOpen(ctx context.Context, workspaceID, userID string) ([]models.ActionableItem, error) {
	var items []models.ActionableItem
	err := d.db.WithContext(ctx).
		Where("workspace_id = ? AND user_id = ? AND status = ?", workspaceID, userID, "open").
		Order("created_at DESC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list actionable items: %w", err)
	}
	return items, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
