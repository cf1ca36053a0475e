package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/draftpilot/draftpilot/participation"
	"github.com/draftpilot/draftpilot/slackapi"
)

const (
	TypeMention       = "mention"
	TypeReply         = "reply"
	TypeThread        = "thread"
	TypeDM            = "dm"
	TypeMessageAction = "message_action"
)

// ContextMessage is one surrounding message handed to generation.
type ContextMessage struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	TS     string `json:"ts"`
}

// Request is one suggestion to generate for exactly one recipient. The
// SuggestionID is assigned at classification time so every downstream stage
// has a key before any of them runs.
type Request struct {
	SuggestionID string
	WorkspaceID  string
	OrgID        string
	UserID       string
	ChannelID    string
	MessageTS    string
	ThreadTS     string
	TriggerType  string
	TriggerText  string
	Context      []ContextMessage
}

// Workspace is the resolved internal identity for an external team id.
type Workspace struct {
	ID    string
	OrgID string
}

// WorkspaceResolver maps a Slack team id to an internal workspace.
type WorkspaceResolver interface {
	ResolveWorkspace(ctx context.Context, teamID string) (Workspace, error)
}

// HistorySource reads surrounding conversation context.
type HistorySource interface {
	ChannelHistory(ctx context.Context, channelID string, limit int) ([]ContextMessage, error)
	ThreadReplies(ctx context.Context, channelID, threadTS string, limit int) ([]ContextMessage, error)
}

const contextLimit = 20

var mentionPattern = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]+)?>`)

// Classifier turns inbound events into zero or more suggestion requests.
type Classifier struct {
	workspaces WorkspaceResolver
	tracker    *participation.Tracker
	history    HistorySource
	log        *slog.Logger
	botUserID  string
}

func NewClassifier(workspaces WorkspaceResolver, tracker *participation.Tracker, history HistorySource, botUserID string, log *slog.Logger) (*Classifier, error) {
	if workspaces == nil {
		return nil, fmt.Errorf("workspace resolver is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("participation tracker is required")
	}
	if history == nil {
		return nil, fmt.Errorf("history source is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{
		workspaces: workspaces,
		tracker:    tracker,
		history:    history,
		log:        log,
		botUserID:  strings.TrimSpace(botUserID),
	}, nil
}

// Classify decides which recipients, if any, should get a suggestion for
// the event. A lookup failure aborts this event only: the caller logs and
// drops, it never retries.
func (c *Classifier) Classify(ctx context.Context, ev slackapi.InboundEvent) ([]Request, error) {
	if c == nil {
		return nil, fmt.Errorf("classifier is not initialized")
	}
	if ev.IsBotOrSubtype {
		return nil, nil
	}
	author := strings.TrimSpace(ev.UserID)
	if author == "" || author == c.botUserID {
		return nil, nil
	}

	ws, err := c.workspaces.ResolveWorkspace(ctx, ev.TeamID)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace %s: %w", ev.TeamID, err)
	}

	// Participation tracking happens whether or not a suggestion comes out
	// of this event.
	if ev.ThreadTS != "" {
		c.tracker.RecordParticipation(ctx, ws.ID, author, ev.ChannelID, ev.ThreadTS)
	}

	switch {
	case ev.IsAppMention:
		return c.classifyMention(ctx, ws, ev)
	case isDM(ev) && ev.ThreadTS == "":
		return c.classifyDM(ctx, ws, ev)
	case ev.ThreadTS != "":
		return c.classifyThread(ctx, ws, ev)
	default:
		// Plain channel messages without a thread are a deliberate
		// non-trigger; inline-reply detection is deferred.
		return nil, nil
	}
}

func (c *Classifier) classifyDM(ctx context.Context, ws Workspace, ev slackapi.InboundEvent) ([]Request, error) {
	watchers, err := c.tracker.WatchersOf(ctx, ws.ID, ev.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("watchers of %s: %w", ev.ChannelID, err)
	}
	if len(watchers) == 0 {
		return nil, nil
	}
	history, err := c.history.ChannelHistory(ctx, ev.ChannelID, contextLimit)
	if err != nil {
		return nil, fmt.Errorf("channel history %s: %w", ev.ChannelID, err)
	}
	out := make([]Request, 0, len(watchers))
	for _, watcher := range watchers {
		if watcher == ev.UserID {
			continue
		}
		out = append(out, c.newRequest(ws, ev, watcher, TypeDM, history))
	}
	return out, nil
}

func (c *Classifier) classifyThread(ctx context.Context, ws Workspace, ev slackapi.InboundEvent) ([]Request, error) {
	replies, err := c.history.ThreadReplies(ctx, ev.ChannelID, ev.ThreadTS, contextLimit)
	if err != nil {
		return nil, fmt.Errorf("thread replies %s: %w", ev.ThreadTS, err)
	}

	var out []Request
	for _, candidate := range distinctParticipants(replies, ev.UserID, c.botUserID) {
		watching, err := c.tracker.IsWatching(ctx, ws.ID, candidate, ev.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("is watching %s: %w", candidate, err)
		}
		if !watching {
			continue
		}
		// Watching alone is not enough: the recipient must have posted in
		// this specific thread inside the trailing window, or every watcher
		// of a busy channel would be offered replies to unrelated threads.
		active, err := c.tracker.IsActiveParticipant(ctx, ws.ID, candidate, ev.ChannelID, ev.ThreadTS)
		if err != nil {
			return nil, fmt.Errorf("is active participant %s: %w", candidate, err)
		}
		if !active {
			continue
		}
		out = append(out, c.newRequest(ws, ev, candidate, TypeThread, replies))
	}
	return out, nil
}

func (c *Classifier) classifyMention(ctx context.Context, ws Workspace, ev slackapi.InboundEvent) ([]Request, error) {
	recipient := ""
	for _, mentioned := range CollectMentionUsers(ev.Text) {
		if mentioned != ev.UserID && mentioned != c.botUserID {
			recipient = mentioned
			break
		}
	}
	if recipient == "" {
		return nil, nil
	}

	var (
		history []ContextMessage
		err     error
	)
	if ev.ThreadTS != "" {
		history, err = c.history.ThreadReplies(ctx, ev.ChannelID, ev.ThreadTS, contextLimit)
	} else {
		history, err = c.history.ChannelHistory(ctx, ev.ChannelID, contextLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("mention context %s: %w", ev.ChannelID, err)
	}
	return []Request{c.newRequest(ws, ev, recipient, TypeMention, history)}, nil
}

func (c *Classifier) newRequest(ws Workspace, ev slackapi.InboundEvent, recipient, triggerType string, history []ContextMessage) Request {
	return Request{
		SuggestionID: NewSuggestionID(),
		WorkspaceID:  ws.ID,
		OrgID:        ws.OrgID,
		UserID:       recipient,
		ChannelID:    ev.ChannelID,
		MessageTS:    ev.MessageTS,
		ThreadTS:     ev.ThreadTS,
		TriggerType:  triggerType,
		TriggerText:  ev.Text,
		Context:      history,
	}
}

// NewSuggestionID mints the identity all downstream stages key on.
func NewSuggestionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "sug_" + uuid.NewString()
	}
	return "sug_" + id.String()
}

func isDM(ev slackapi.InboundEvent) bool {
	if strings.EqualFold(ev.ChannelType, "im") {
		return true
	}
	return strings.HasPrefix(ev.ChannelID, "D")
}

func distinctParticipants(messages []ContextMessage, author, botUserID string) []string {
	seen := make(map[string]bool, len(messages))
	out := make([]string, 0, len(messages))
	for _, msg := range messages {
		userID := strings.TrimSpace(msg.UserID)
		if userID == "" || userID == author || userID == botUserID || seen[userID] {
			continue
		}
		seen[userID] = true
		out = append(out, userID)
	}
	return out
}

// CollectMentionUsers extracts the distinct user ids addressed in text.
func CollectMentionUsers(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		userID := strings.TrimSpace(match[1])
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		out = append(out, userID)
	}
	return out
}
