package models

// SuggestionMetrics accumulates lifecycle timestamps for one suggestion.
// Stage columns arrive independently and in any order; derived durations are
// filled in only when both endpoints exist. All stamps are UTC unix
// milliseconds.
type SuggestionMetrics struct {
	SuggestionID string `gorm:"primaryKey;type:text"`

	WorkspaceID string `gorm:"type:text;index"`
	UserID      string `gorm:"type:text"`
	ChannelID   string `gorm:"type:text"`
	TriggerType string `gorm:"type:text"`

	EventReceivedAt *int64 `gorm:""`
	JobQueuedAt     *int64 `gorm:""`
	AIStartedAt     *int64 `gorm:""`
	AICompletedAt   *int64 `gorm:""`
	DeliveredAt     *int64 `gorm:""`

	AIProcessingMs  *int64 `gorm:"column:ai_processing_ms"`
	QueueDelayMs    *int64 `gorm:""`
	TotalDurationMs *int64 `gorm:""`

	// accepted|edited|dismissed|ignored
	UserAction   *string `gorm:"type:text"`
	UserActionAt *int64  `gorm:""`

	ErrorType *string `gorm:"type:text"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (SuggestionMetrics) TableName() string { return "suggestion_metrics" }
