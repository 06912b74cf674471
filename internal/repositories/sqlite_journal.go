package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/your-org/checksync/internal/domain"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS sync_journal (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 0,
	attribution  TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	started_at   TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sync_journal_entity ON sync_journal (kind, entity_id, started_at);
`

const (
	defaultJournalLimit = 50

	// fixed width so text order matches time order
	journalTimeFormat = "2006-01-02T15:04:05.000000000Z"
)

// SQLiteJournal is the local audit trail of sync transactions
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (or creates) the journal database at dbPath
func OpenSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the database connection
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record implements domain.SyncJournal
func (j *SQLiteJournal) Record(ctx context.Context, entry domain.JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO sync_journal (id, kind, entity_id, outcome, version, attribution, message, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Kind, entry.EntityID, string(entry.Outcome), entry.Version,
		entry.Attribution, entry.Message,
		entry.StartedAt.UTC().Format(journalTimeFormat), entry.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}
	return nil
}

// Recent implements domain.SyncJournal; newest first
func (j *SQLiteJournal) Recent(ctx context.Context, kind, entityID string, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 {
		limit = defaultJournalLimit
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, entity_id, outcome, version, attribution, message, started_at, duration_ms
		 FROM sync_journal WHERE kind = ? AND entity_id = ?
		 ORDER BY started_at DESC LIMIT ?`,
		kind, entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	entries := []domain.JournalEntry{}
	for rows.Next() {
		var (
			e          domain.JournalEntry
			outcome    string
			startedAt  string
			durationMS int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &outcome, &e.Version,
			&e.Attribution, &e.Message, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.Outcome = domain.SyncOutcome(outcome)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if e.StartedAt, err = time.Parse(journalTimeFormat, startedAt); err != nil {
			return nil, fmt.Errorf("parse journal timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ domain.SyncJournal = (*SQLiteJournal)(nil)
