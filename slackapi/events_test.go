package slackapi

import (
	"encoding/json"
	"testing"
)

func envelopeFor(t *testing.T, payload map[string]any) SocketEnvelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return SocketEnvelope{EnvelopeID: "env1", Type: "events_api", Payload: raw}
}

func messagePayload(event map[string]any) map[string]any {
	return map[string]any{
		"team_id":    "T1",
		"event_id":   "Ev1",
		"event_time": int64(1760000000),
		"event":      event,
	}
}

func TestParseEnvelope_Message(t *testing.T) {
	t.Parallel()
	env := envelopeFor(t, messagePayload(map[string]any{
		"type":      "message",
		"user":      "U1",
		"text":      "any update on the rollout?",
		"channel":   "C1",
		"ts":        "100.1",
		"thread_ts": "99.5",
	}))

	event, ok, err := ParseEnvelope(env, "UBOT")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok {
		t.Fatalf("want ok")
	}
	if event.TeamID != "T1" || event.ChannelID != "C1" || event.UserID != "U1" {
		t.Fatalf("unexpected event: %+v", event)
	}
	if event.ThreadTS != "99.5" || event.MessageTS != "100.1" {
		t.Fatalf("timestamps: %+v", event)
	}
	if event.IsAppMention || event.IsBotOrSubtype {
		t.Fatalf("flags: %+v", event)
	}
	if event.ChannelType != "channel" {
		t.Fatalf("channel type = %q", event.ChannelType)
	}
	if event.SentAt.Unix() != 1760000000 {
		t.Fatalf("sent_at = %v", event.SentAt)
	}
}

func TestParseEnvelope_AppMention(t *testing.T) {
	t.Parallel()
	env := envelopeFor(t, messagePayload(map[string]any{
		"type":    "app_mention",
		"user":    "U1",
		"text":    "<@UBOT> can <@U2> take a look?",
		"channel": "C1",
		"ts":      "100.1",
	}))

	event, ok, err := ParseEnvelope(env, "UBOT")
	if err != nil || !ok {
		t.Fatalf("parse: ok=%v err=%v", ok, err)
	}
	if !event.IsAppMention {
		t.Fatalf("want IsAppMention")
	}
}

func TestParseEnvelope_NotCandidates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		env  SocketEnvelope
	}{
		{"hello frame", SocketEnvelope{Type: "hello"}},
		{"empty payload", SocketEnvelope{Type: "events_api"}},
		{"reaction event", envelopeFor(t, messagePayload(map[string]any{
			"type": "reaction_added", "user": "U1", "channel": "C1", "ts": "1.1",
		}))},
		{"missing user", envelopeFor(t, messagePayload(map[string]any{
			"type": "message", "text": "hi", "channel": "C1", "ts": "1.1",
		}))},
		{"empty text", envelopeFor(t, messagePayload(map[string]any{
			"type": "message", "user": "U1", "text": "   ", "channel": "C1", "ts": "1.1",
		}))},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, ok, err := ParseEnvelope(tc.env, "UBOT")
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ok {
				t.Fatalf("want ok=false")
			}
		})
	}
}

func TestParseEnvelope_BotAndSubtypeFlagged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		event map[string]any
	}{
		{"message subtype", map[string]any{
			"type": "message", "subtype": "channel_join", "user": "U1", "channel": "C1", "ts": "1.1",
		}},
		{"bot sender", map[string]any{
			"type": "message", "bot_id": "B1", "text": "automated", "channel": "C1", "ts": "1.1",
		}},
		{"self echo", map[string]any{
			"type": "message", "user": "UBOT", "text": "my own reply", "channel": "C1", "ts": "1.1",
		}},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			event, ok, err := ParseEnvelope(envelopeFor(t, messagePayload(tc.event)), "UBOT")
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !ok || !event.IsBotOrSubtype {
				t.Fatalf("want flagged event, got ok=%v %+v", ok, event)
			}
		})
	}
}

func TestParseEnvelope_TeamIDFallback(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"event_id": "Ev1",
		"event": map[string]any{
			"type": "message", "user": "U1", "text": "hi", "channel": "D1", "ts": "1.1", "team": "T9",
		},
	}
	event, ok, err := ParseEnvelope(envelopeFor(t, payload), "UBOT")
	if err != nil || !ok {
		t.Fatalf("parse: ok=%v err=%v", ok, err)
	}
	if event.TeamID != "T9" {
		t.Fatalf("team id = %q, want event-level fallback T9", event.TeamID)
	}

	payload = map[string]any{
		"event_id": "Ev2",
		"authorizations": []map[string]any{
			{"team_id": "T8", "user_id": "UBOT", "is_bot": true},
		},
		"event": map[string]any{
			"type": "message", "user": "U1", "text": "hi", "channel": "D1", "ts": "1.2",
		},
	}
	event, ok, err = ParseEnvelope(envelopeFor(t, payload), "UBOT")
	if err != nil || !ok {
		t.Fatalf("parse: ok=%v err=%v", ok, err)
	}
	if event.TeamID != "T8" {
		t.Fatalf("team id = %q, want authorization fallback T8", event.TeamID)
	}

	payload = map[string]any{
		"event_id": "Ev3",
		"event": map[string]any{
			"type": "message", "user": "U1", "text": "hi", "channel": "D1", "ts": "1.3",
		},
	}
	if _, _, err := ParseEnvelope(envelopeFor(t, payload), "UBOT"); err == nil {
		t.Fatalf("want error for missing team id")
	}
}

func TestNormalizeChannelType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		channelType string
		channelID   string
		want        string
	}{
		{"im", "C1", "im"},
		{"IM", "C1", "im"},
		{"", "D123", "im"},
		{"", "C123", "channel"},
		{"", "G123", "private_channel"},
		{"", "X123", "channel"},
		{"mpim", "D1", "mpim"},
	}
	for _, tc := range tests {
		if got := NormalizeChannelType(tc.channelType, tc.channelID); got != tc.want {
			t.Fatalf("NormalizeChannelType(%q, %q) = %q, want %q", tc.channelType, tc.channelID, got, tc.want)
		}
	}
}
