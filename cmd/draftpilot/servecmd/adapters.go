package servecmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/draftpilot/draftpilot/db/models"
	"github.com/draftpilot/draftpilot/generation"
	"github.com/draftpilot/draftpilot/slackapi"
	"github.com/draftpilot/draftpilot/trigger"
	"github.com/draftpilot/draftpilot/usage"
)

// slackHistory adapts the Slack web API to the classifier's history source.
// Slack returns newest first; context consumers want chronological order,
// and bot messages are not conversation context.
type slackHistory struct {
	client *slackapi.Client
}

func (h *slackHistory) ChannelHistory(ctx context.Context, channelID string, limit int) ([]trigger.ContextMessage, error) {
	msgs, err := h.client.ConversationHistory(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	return toContextMessages(msgs, true), nil
}

func (h *slackHistory) ThreadReplies(ctx context.Context, channelID, threadTS string, limit int) ([]trigger.ContextMessage, error) {
	msgs, err := h.client.ConversationReplies(ctx, channelID, threadTS, limit)
	if err != nil {
		return nil, err
	}
	// Replies already arrive oldest first.
	return toContextMessages(msgs, false), nil
}

func toContextMessages(msgs []slackapi.Message, reverse bool) []trigger.ContextMessage {
	out := make([]trigger.ContextMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.BotID != "" || msg.UserID == "" {
			continue
		}
		out = append(out, trigger.ContextMessage{UserID: msg.UserID, Text: msg.Text, TS: msg.TS})
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// slackDeliverer posts suggestions as ephemeral messages so only the
// recipient sees the draft.
type slackDeliverer struct {
	client *slackapi.Client
}

func (d *slackDeliverer) Deliver(ctx context.Context, del generation.Delivery) error {
	var b strings.Builder
	fmt.Fprintf(&b, ":speech_balloon: *Suggested reply* (`%s`)\n%s", del.SuggestionID, del.Text)
	if len(del.Warnings) > 0 {
		b.WriteString("\n\n:warning: ")
		b.WriteString(strings.Join(del.Warnings, "; "))
	}
	return d.client.PostEphemeral(ctx, del.ChannelID, del.UserID, b.String(), del.ThreadTS)
}

// slackLimitNotifier surfaces the two intentional user-visible outcomes of
// usage enforcement.
type slackLimitNotifier struct {
	client *slackapi.Client
}

func (n *slackLimitNotifier) NotifyLimitReached(ctx context.Context, channelID, userID string, decision usage.Decision) error {
	text := fmt.Sprintf(":no_entry: You've used all %d suggestions included in your plan this month.", decision.Limit)
	return n.client.PostEphemeral(ctx, channelID, userID, text, "")
}

func (n *slackLimitNotifier) NotifyUsageWarning(ctx context.Context, channelID, userID string, decision usage.Decision) error {
	var text string
	switch decision.WarningLevel {
	case usage.WarningCritical:
		text = fmt.Sprintf(":rotating_light: %d of %d suggestions used this month.", decision.CurrentUsage, decision.Limit)
	case usage.WarningWarning:
		text = fmt.Sprintf(":hourglass_flowing_sand: %d of %d suggestions used this month.", decision.CurrentUsage, decision.Limit)
	default:
		return nil
	}
	return n.client.PostEphemeral(ctx, channelID, userID, text, "")
}

// slackAdminNotifier DMs administrators about escalation alerts. Posting
// to a user id opens the DM channel implicitly.
type slackAdminNotifier struct {
	client *slackapi.Client
}

func (n *slackAdminNotifier) NotifyAdmin(ctx context.Context, adminUserID string, alert models.EscalationAlert) error {
	text := fmt.Sprintf(":rotating_light: *%s* escalation in <#%s>\n> %s",
		strings.ToUpper(alert.Severity), alert.ChannelID, alert.Summary)
	return n.client.PostMessage(ctx, adminUserID, text, "")
}
