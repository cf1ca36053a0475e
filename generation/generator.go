package generation

import (
	"context"

	"github.com/draftpilot/draftpilot/trigger"
)

// Prompt is everything the model needs to draft a reply on behalf of one
// recipient.
type Prompt struct {
	SuggestionID    string
	RecipientUserID string
	TriggerType     string
	TriggerText     string
	Context         []trigger.ContextMessage
	// Related messages pulled in by semantic recall, possibly empty.
	Related []trigger.ContextMessage
	// Rule labels the draft must steer clear of; set on regeneration.
	AvoidTopics []string
}

// Result is one generated draft.
type Result struct {
	Text         string
	ProcessingMs int64
	InputTokens  int64
	OutputTokens int64
}

// Generator produces reply drafts. Implementations live under providers/.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (Result, error)
}
