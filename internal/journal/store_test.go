package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxlabs/voxbridge/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.JournalConfig{RetentionMode: "ephemeral"}
	js, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	if err := js.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := js.RecordUtterance(ctx, Utterance{SessionID: "s", Reason: "completed"}); err != nil {
		t.Fatalf("ephemeral record: %v", err)
	}
	if rows, err := js.RecentUtterances(ctx, 10); err != nil || rows != nil {
		t.Fatalf("ephemeral query returned %v, %v", rows, err)
	}
}

func TestRecordAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.JournalConfig{Path: filepath.Join(tmp, "journal.db"), RetentionMode: "recent"}
	js, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	u := Utterance{
		SessionID:  "session-123",
		Generation: 7,
		Reason:     "completed",
		TextLen:    42,
		AudioBytes: 16000,
		Duration:   1200 * time.Millisecond,
	}
	if err := js.RecordUtterance(context.Background(), u); err != nil {
		t.Fatalf("record utterance: %v", err)
	}
	if err := js.RecordSetting(context.Background(), "param", 2, 80); err != nil {
		t.Fatalf("record setting: %v", err)
	}

	rows, err := js.RecentUtterances(context.Background(), 10)
	if err != nil {
		t.Fatalf("query utterances: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(rows))
	}
	got := rows[0]
	if got.SessionID != u.SessionID || got.Generation != 7 || got.Reason != "completed" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.AudioBytes != 16000 || got.Duration != 1200*time.Millisecond {
		t.Fatalf("unexpected row: %+v", got)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.JournalConfig{
		Path:          filepath.Join(tmp, "journal.db"),
		RetentionMode: "recent",
		RetentionDays: 1,
		MaxUtterances: 2,
	}
	js, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	js.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := js.RecordUtterance(context.Background(), Utterance{SessionID: "old", Reason: "completed"}); err != nil {
		t.Fatalf("record old: %v", err)
	}

	js.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for i, sid := range []string{"a", "b", "c"} {
		u := Utterance{SessionID: sid, Generation: uint32(i + 1), Reason: "completed"}
		u.CreatedAt = js.clock().Add(time.Duration(i) * time.Minute)
		if err := js.RecordUtterance(context.Background(), u); err != nil {
			t.Fatalf("record %s: %v", sid, err)
		}
	}
	if err := js.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	rows, err := js.RecentUtterances(context.Background(), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after prune, got %d", len(rows))
	}
	for _, r := range rows {
		if r.SessionID == "old" {
			t.Fatal("aged-out row survived prune")
		}
		if r.SessionID == "a" {
			t.Fatal("overflow row survived prune")
		}
	}
}

func TestPersistentModeKeepsCount(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.JournalConfig{
		Path:          filepath.Join(tmp, "journal.db"),
		RetentionMode: "persistent",
		MaxUtterances: 1,
	}
	js, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })

	for _, sid := range []string{"a", "b", "c"} {
		if err := js.RecordUtterance(context.Background(), Utterance{SessionID: sid, Reason: "completed"}); err != nil {
			t.Fatalf("record %s: %v", sid, err)
		}
	}
	if err := js.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}
	rows, err := js.RecentUtterances(context.Background(), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("persistent mode pruned by count: %d rows", len(rows))
	}
}
