package models

// SuggestionJob is a queued generation request for one recipient. Its ID is
// the suggestion id referenced by metrics and delivery.
type SuggestionJob struct {
	ID string `gorm:"primaryKey;type:text"`

	WorkspaceID string `gorm:"type:text;not null;index"`
	UserID      string `gorm:"type:text;not null;index"`
	ChannelID   string `gorm:"type:text;not null"`
	MessageTS   string `gorm:"type:text;not null"`
	ThreadTS    string `gorm:"type:text"`

	// mention|reply|thread|dm|message_action
	TriggerType string `gorm:"type:text;not null"`
	TriggerText string `gorm:"type:text;not null"`

	// JSON-encoded ordered context messages ({user_id, text, ts}).
	ContextJSON string `gorm:"type:text"`
	// JSON-encoded rule labels to avoid on regeneration.
	AvoidTopicsJSON string `gorm:"type:text"`

	// queued|running|delivered|blocked|denied|failed
	Status  string `gorm:"type:text;not null;index"`
	Attempt int    `gorm:"not null;default:0"`

	Error *string `gorm:"type:text"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

const (
	SuggestionStatusQueued    = "queued"
	SuggestionStatusRunning   = "running"
	SuggestionStatusDelivered = "delivered"
	SuggestionStatusBlocked   = "blocked"
	SuggestionStatusDenied    = "denied"
	SuggestionStatusFailed    = "failed"
)
