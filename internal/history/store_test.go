package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.HistoryConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "history.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s, err := Open(context.Background(), config.HistoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Append(context.Background(), Record{ID: "a", Kind: "linked"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	records, err := s.Recent(context.Background(), 10)
	if err != nil || len(records) != 0 {
		t.Fatalf("ephemeral store should keep nothing, got %v %v", records, err)
	}
}

func TestAppendFinishAndRecent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.HistoryConfig{})

	rec := Record{
		ID:        "ann-1",
		Kind:      "linked",
		Reflector: "M17-M17 C",
		Target:    "default",
		Symbols:   []string{"linkedto", "m", " ", "c"},
		Missing:   []string{" "},
		Frames:    12,
	}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Finish(ctx, "ann-1", OutcomeCompleted); err != nil {
		t.Fatalf("finish: %v", err)
	}

	records, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Outcome != OutcomeCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed record, got %+v", got)
	}
	if !reflect.DeepEqual(got.Symbols, rec.Symbols) || !reflect.DeepEqual(got.Missing, rec.Missing) {
		t.Fatalf("symbols did not round trip: %+v", got)
	}
	if got.Reflector != rec.Reflector || got.Frames != 12 {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.HistoryConfig{})

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		at := base.Add(time.Duration(i) * time.Minute)
		s.clock = func() time.Time { return at }
		if err := s.Append(ctx, Record{ID: id, Kind: "unlinked"}); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}

	records, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 2 || records[0].ID != "third" || records[1].ID != "second" {
		t.Fatalf("unexpected order %+v", records)
	}
	if records[0].Outcome != OutcomePending {
		t.Fatalf("expected pending outcome, got %s", records[0].Outcome)
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.HistoryConfig{RetentionDays: 1, MaxAnnouncements: 1})

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Append(ctx, Record{ID: "old", Kind: "linked"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"newer", "newest"} {
		if err := s.Append(ctx, Record{ID: id, Kind: "linked"}); err != nil {
			t.Fatalf("append: %v", err)
		}
		s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 1, 0, 0, time.UTC) }
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	records, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 || records[0].ID != "newest" {
		t.Fatalf("expected only newest record, got %+v", records)
	}
}
