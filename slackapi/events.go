package slackapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type SocketEnvelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type eventAuthorization struct {
	TeamID string `json:"team_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	IsBot  bool   `json:"is_bot,omitempty"`
}

type eventsAPIPayload struct {
	TeamID         string               `json:"team_id,omitempty"`
	EventID        string               `json:"event_id,omitempty"`
	EventTime      int64                `json:"event_time,omitempty"`
	Event          json.RawMessage      `json:"event,omitempty"`
	Authorizations []eventAuthorization `json:"authorizations,omitempty"`
}

type rawEvent struct {
	Type        string `json:"type,omitempty"`
	Subtype     string `json:"subtype,omitempty"`
	User        string `json:"user,omitempty"`
	Text        string `json:"text,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChannelType string `json:"channel_type,omitempty"`
	TS          string `json:"ts,omitempty"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
	Team        string `json:"team,omitempty"`
}

// InboundEvent is one qualifying message or app_mention event, already
// stripped of bot traffic and message subtypes.
type InboundEvent struct {
	TeamID       string
	ChannelID    string
	ChannelType  string
	MessageTS    string
	ThreadTS     string
	UserID       string
	Text         string
	EventID      string
	SentAt       time.Time
	IsAppMention bool
	// Set for envelopes that carried a bot sender or a message subtype so
	// callers can count drops; such events never produce suggestions.
	IsBotOrSubtype bool
}

// ParseEnvelope extracts an inbound event from a Socket Mode envelope.
// ok=false means the envelope is not a candidate (acks, hello frames,
// non-message events). Bot echo and message subtypes come back with
// IsBotOrSubtype set so callers can count drops.
func ParseEnvelope(envelope SocketEnvelope, botUserID string) (InboundEvent, bool, error) {
	if strings.TrimSpace(envelope.Type) != "events_api" || len(envelope.Payload) == 0 {
		return InboundEvent{}, false, nil
	}
	var payload eventsAPIPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return InboundEvent{}, false, err
	}
	var event rawEvent
	if err := json.Unmarshal(payload.Event, &event); err != nil {
		return InboundEvent{}, false, err
	}
	eventType := strings.TrimSpace(event.Type)
	if eventType != "message" && eventType != "app_mention" {
		return InboundEvent{}, false, nil
	}
	userID := strings.TrimSpace(event.User)
	if strings.TrimSpace(event.Subtype) != "" || strings.TrimSpace(event.BotID) != "" ||
		(userID != "" && userID == strings.TrimSpace(botUserID)) {
		return InboundEvent{IsBotOrSubtype: true}, true, nil
	}
	if userID == "" {
		return InboundEvent{}, false, nil
	}
	channelID := strings.TrimSpace(event.Channel)
	if channelID == "" {
		return InboundEvent{}, false, nil
	}
	messageTS := strings.TrimSpace(event.TS)
	if messageTS == "" {
		return InboundEvent{}, false, nil
	}
	text := strings.TrimSpace(event.Text)
	if text == "" {
		return InboundEvent{}, false, nil
	}
	teamID := strings.TrimSpace(payload.TeamID)
	if teamID == "" {
		teamID = strings.TrimSpace(event.Team)
	}
	if teamID == "" && len(payload.Authorizations) > 0 {
		teamID = strings.TrimSpace(payload.Authorizations[0].TeamID)
	}
	if teamID == "" {
		return InboundEvent{}, false, fmt.Errorf("missing team_id in slack event")
	}

	sentAt := time.Now().UTC()
	if payload.EventTime > 0 {
		sentAt = time.Unix(payload.EventTime, 0).UTC()
	}

	return InboundEvent{
		TeamID:       teamID,
		ChannelID:    channelID,
		ChannelType:  NormalizeChannelType(event.ChannelType, channelID),
		MessageTS:    messageTS,
		ThreadTS:     strings.TrimSpace(event.ThreadTS),
		UserID:       userID,
		Text:         text,
		EventID:      strings.TrimSpace(payload.EventID),
		SentAt:       sentAt,
		IsAppMention: eventType == "app_mention",
	}, true, nil
}

// NormalizeChannelType resolves the channel type from the event field or,
// when absent, the channel id prefix.
func NormalizeChannelType(channelType, channelID string) string {
	channelType = strings.ToLower(strings.TrimSpace(channelType))
	switch channelType {
	case "im", "mpim", "channel", "private_channel":
		return channelType
	}
	switch {
	case strings.HasPrefix(channelID, "D"):
		return "im"
	case strings.HasPrefix(channelID, "C"):
		return "channel"
	case strings.HasPrefix(channelID, "G"):
		return "private_channel"
	default:
		return "channel"
	}
}

// ConsumeSocket acks and dispatches Socket Mode envelopes until the
// connection drops or ctx is canceled.
func ConsumeSocket(ctx context.Context, conn *websocket.Conn, onEnvelope func(envelope SocketEnvelope) error) error {
	if conn == nil {
		return fmt.Errorf("slack websocket connection is nil")
	}
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope SocketEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if strings.TrimSpace(envelope.EnvelopeID) != "" {
			if err := conn.WriteJSON(map[string]string{"envelope_id": envelope.EnvelopeID}); err != nil {
				return err
			}
		}
		if onEnvelope == nil {
			continue
		}
		if err := onEnvelope(envelope); err != nil {
			return err
		}
	}
}
