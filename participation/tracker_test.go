package participation

import (
	"context"
	"testing"
	"time"

	"github.com/draftpilot/draftpilot/db"
	"github.com/draftpilot/draftpilot/db/models"
)

func newTestTracker(t *testing.T, now time.Time) *Tracker {
	t.Helper()
	tracker, err := NewTracker(db.OpenForTest(t), nil, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tracker
}

func TestTracker_IsActiveParticipant_WindowBoundary(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"6d23h ago is active", 6*24*time.Hour + 23*time.Hour, true},
		{"7d01h ago is not", 7*24*time.Hour + time.Hour, false},
		{"just now is active", 0, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tracker := newTestTracker(t, now)
			ctx := context.Background()

			stamp := now.Add(-tc.age).UnixMilli()
			row := models.ThreadParticipant{
				WorkspaceID:   "ws1",
				UserID:        "U1",
				ChannelID:     "C1",
				ThreadTS:      "111.222",
				LastMessageAt: stamp,
			}
			if err := tracker.db.Create(&row).Error; err != nil {
				t.Fatalf("seed participant: %v", err)
			}

			got, err := tracker.IsActiveParticipant(ctx, "ws1", "U1", "C1", "111.222")
			if err != nil {
				t.Fatalf("IsActiveParticipant: %v", err)
			}
			if got != tc.want {
				t.Fatalf("active = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestTracker_IsActiveParticipant_NoRow(t *testing.T) {
	t.Parallel()
	tracker := newTestTracker(t, time.Now())
	got, err := tracker.IsActiveParticipant(context.Background(), "ws1", "U1", "C1", "111.222")
	if err != nil {
		t.Fatalf("IsActiveParticipant: %v", err)
	}
	if got {
		t.Fatalf("expected inactive without a row")
	}
}

func TestTracker_RecordParticipation_Upserts(t *testing.T) {
	t.Parallel()
	first := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	tracker := newTestTracker(t, first)
	ctx := context.Background()

	tracker.RecordParticipation(ctx, "ws1", "U1", "C1", "111.222")

	later := first.Add(48 * time.Hour)
	tracker.nowFn = func() time.Time { return later }
	tracker.RecordParticipation(ctx, "ws1", "U1", "C1", "111.222")

	var rows []models.ThreadParticipant
	if err := tracker.db.Find(&rows).Error; err != nil {
		t.Fatalf("load rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].LastMessageAt != later.UnixMilli() {
		t.Fatalf("last_message_at = %d, want %d", rows[0].LastMessageAt, later.UnixMilli())
	}
}

func TestTracker_WatchUnwatch(t *testing.T) {
	t.Parallel()
	tracker := newTestTracker(t, time.Now())
	ctx := context.Background()

	if err := tracker.Watch(ctx, "ws1", "U1", "C1", "support", "channel", false); err != nil {
		t.Fatalf("Watch U1: %v", err)
	}
	if err := tracker.Watch(ctx, "ws1", "U2", "C1", "support", "channel", true); err != nil {
		t.Fatalf("Watch U2: %v", err)
	}
	// Re-watching the same channel is an update, not a duplicate.
	if err := tracker.Watch(ctx, "ws1", "U1", "C1", "support-eu", "channel", true); err != nil {
		t.Fatalf("re-Watch U1: %v", err)
	}

	watchers, err := tracker.WatchersOf(ctx, "ws1", "C1")
	if err != nil {
		t.Fatalf("WatchersOf: %v", err)
	}
	if len(watchers) != 2 || watchers[0] != "U1" || watchers[1] != "U2" {
		t.Fatalf("watchers = %v, want [U1 U2]", watchers)
	}

	watching, err := tracker.IsWatching(ctx, "ws1", "U1", "C1")
	if err != nil {
		t.Fatalf("IsWatching: %v", err)
	}
	if !watching {
		t.Fatalf("expected U1 watching C1")
	}

	if err := tracker.Unwatch(ctx, "ws1", "U1", "C1"); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	watching, err = tracker.IsWatching(ctx, "ws1", "U1", "C1")
	if err != nil {
		t.Fatalf("IsWatching after Unwatch: %v", err)
	}
	if watching {
		t.Fatalf("expected U1 no longer watching C1")
	}
}

func TestTracker_Watches_FilterByUser(t *testing.T) {
	t.Parallel()
	tracker := newTestTracker(t, time.Now())
	ctx := context.Background()

	for _, pair := range [][2]string{{"U1", "C1"}, {"U1", "C2"}, {"U2", "C1"}} {
		if err := tracker.Watch(ctx, "ws1", pair[0], pair[1], "", "channel", false); err != nil {
			t.Fatalf("Watch %v: %v", pair, err)
		}
	}

	rows, err := tracker.Watches(ctx, "ws1", "U1")
	if err != nil {
		t.Fatalf("Watches: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	all, err := tracker.Watches(ctx, "ws1", "")
	if err != nil {
		t.Fatalf("Watches all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all rows = %d, want 3", len(all))
	}
}
