// Package archive is cold storage for pruned learning outcomes. The live
// knowledge base keeps a bounded window; everything evicted from it lands
// here in a local sqlite database for later analysis.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/botherd/botherd/internal/learning"
)

// Store archives outcomes in sqlite. It satisfies learning.Archiver.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the archive database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("archive: open db: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: wal mode: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "archive")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS outcomes (
			id          TEXT PRIMARY KEY,
			task        TEXT NOT NULL,
			npc         TEXT NOT NULL,
			success     INTEGER NOT NULL,
			yield       REAL NOT NULL DEFAULT 0,
			environment TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			hazards     TEXT NOT NULL DEFAULT '[]',
			recorded_at INTEGER NOT NULL,
			archived_at INTEGER NOT NULL,
			metadata    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_task ON outcomes(task, recorded_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_npc ON outcomes(npc, recorded_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// ArchiveOutcomes inserts pruned outcomes in one transaction. Ids already
// present are ignored so a retried prune cannot duplicate rows.
func (s *Store) ArchiveOutcomes(ctx context.Context, outcomes []learning.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for _, o := range outcomes {
		hazards, err := json.Marshal(o.Hazards)
		if err != nil {
			return fmt.Errorf("archive: marshal hazards: %w", err)
		}
		var metadata any
		if o.Metadata != nil {
			raw, err := json.Marshal(o.Metadata)
			if err != nil {
				return fmt.Errorf("archive: marshal metadata: %w", err)
			}
			metadata = string(raw)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO outcomes(
				id, task, npc, success, yield, environment,
				duration_ms, hazards, recorded_at, archived_at, metadata
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.Task, o.NPC, o.Success, o.Yield, o.Environment,
			o.DurationMs, string(hazards), o.Timestamp.Unix(), now, metadata,
		); err != nil {
			return fmt.Errorf("archive: insert outcome %s: %w", o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}

	s.logger.Debug("outcomes archived", "count", len(outcomes))
	return nil
}

// Count returns the number of archived outcomes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outcomes`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return count, nil
}

// TaskHistory returns archived outcomes of a task, newest first.
func (s *Store) TaskHistory(ctx context.Context, task string, limit int) ([]learning.Outcome, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task, npc, success, yield, environment, duration_ms, hazards, recorded_at, metadata
		 FROM outcomes WHERE task = ? ORDER BY recorded_at DESC LIMIT ?`,
		task, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("archive: query history: %w", err)
	}
	defer rows.Close()

	var out []learning.Outcome
	for rows.Next() {
		var (
			o          learning.Outcome
			hazards    string
			recordedAt int64
			metadata   sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Task, &o.NPC, &o.Success, &o.Yield,
			&o.Environment, &o.DurationMs, &hazards, &recordedAt, &metadata); err != nil {
			return nil, fmt.Errorf("archive: scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(hazards), &o.Hazards); err != nil {
			s.logger.Warn("bad hazards column", "id", o.ID, "error", err)
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &o.Metadata); err != nil {
				s.logger.Warn("bad metadata column", "id", o.ID, "error", err)
			}
		}
		o.Timestamp = time.Unix(recordedAt, 0)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
