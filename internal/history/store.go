package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

// Record is one announcement as it moved through the player.
type Record struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Reflector   string     `json:"reflector,omitempty"`
	Target      string     `json:"target"`
	Symbols     []string   `json:"symbols"`
	Missing     []string   `json:"missing,omitempty"`
	Frames      int        `json:"frames"`
	Outcome     string     `json:"outcome"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Outcomes stored with a record.
const (
	OutcomePending   = "pending"
	OutcomeCompleted = "completed"
	OutcomeReplaced  = "replaced"
)

// Store keeps announcement history in SQLite. An ephemeral store accepts
// writes and discards them.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history store according to config.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("history vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS announcements (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    reflector TEXT,
    target TEXT,
    symbols TEXT,
    missing TEXT,
    frames INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_announcements_created ON announcements(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores a new pending announcement.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomePending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO announcements(id, kind, reflector, target, symbols, missing, frames, outcome, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Reflector, rec.Target,
		joinSymbols(rec.Symbols), joinSymbols(rec.Missing),
		rec.Frames, rec.Outcome, rec.CreatedAt.UnixNano())
	return err
}

// Finish sets the outcome of announcement id.
func (s *Store) Finish(ctx context.Context, id, outcome string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE announcements SET outcome = ?, completed_at = ? WHERE id = ?`,
		outcome, s.clock().UTC().UnixNano(), id)
	return err
}

// Recent returns up to limit announcements, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, reflector, target, symbols, missing, frames, outcome, created_at, completed_at
		 FROM announcements ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                 Record
			reflector, target sql.NullString
			symbols, missing  sql.NullString
			created           int64
			completed         sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &reflector, &target, &symbols, &missing, &r.Frames, &r.Outcome, &created, &completed); err != nil {
			return nil, err
		}
		r.Reflector = reflector.String
		r.Target = target.String
		r.Symbols = splitSymbols(symbols.String)
		r.Missing = splitSymbols(missing.String)
		r.CreatedAt = time.Unix(0, created).UTC()
		if completed.Valid {
			ts := time.Unix(0, completed.Int64).UTC()
			r.CompletedAt = &ts
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune applies the configured retention.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM announcements WHERE created_at < ?`, cutoff.UTC().UnixNano()); err != nil {
			return err
		}
	}
	if s.cfg.MaxAnnouncements > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM announcements WHERE id IN (
			SELECT id FROM announcements ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxAnnouncements)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// symbolSep joins stored symbols. A symbol may itself be a space or comma.
const symbolSep = "\x1f"

func joinSymbols(symbols []string) string {
	return strings.Join(symbols, symbolSep)
}

func splitSymbols(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, symbolSep)
}
