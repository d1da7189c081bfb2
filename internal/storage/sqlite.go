package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"remibot/internal/recurrence"
	"remibot/internal/schedule"
	logx "remibot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const meetingCols = `id, scope_id, title, occurrence_at, participants, chat_id, thread_id,
	lead_times, fired_lead_times, recurrence, recurrence_end_at, created_at`

func (s *sqliteStore) Insert(ctx context.Context, it *schedule.Item) error {
	endAt := sql.NullString{}
	if !it.RecurrenceEndAt.IsZero() {
		endAt = sql.NullString{String: encodeTime(it.RecurrenceEndAt), Valid: true}
	}
	args := []any{
		it.ScopeID, it.Title, encodeTime(it.OccurrenceAt),
		schedule.FormatParticipants(it.Participants),
		it.NotifyTarget.ChatID, it.NotifyTarget.ThreadID,
		encodeMinutes(it.LeadTimes), encodeMinutes(it.FiredLeadTimes),
		it.Recurrence.String(), endAt, encodeTime(it.CreatedAt),
	}

	if it.ID == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO meetings
			(scope_id, title, occurrence_at, participants, chat_id, thread_id,
			 lead_times, fired_lead_times, recurrence, recurrence_end_at, created_at)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`, args...)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		it.ID = id
		return nil
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO meetings
		(id, scope_id, title, occurrence_at, participants, chat_id, thread_id,
		 lead_times, fired_lead_times, recurrence, recurrence_end_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`, append([]any{it.ID}, args...)...)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return ErrIDTaken
	}
	return err
}

func (s *sqliteStore) GetByID(ctx context.Context, id int64) (*schedule.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+meetingCols+` FROM meetings WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) ListByScope(ctx context.Context, scopeID int64) ([]*schedule.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingCols+` FROM meetings WHERE scope_id = ? ORDER BY occurrence_at, id`, scopeID)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *sqliteStore) ListAll(ctx context.Context) ([]*schedule.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+meetingCols+` FROM meetings ORDER BY occurrence_at, id`)
	if err != nil {
		return nil, err
	}
	return collectItems(rows)
}

func (s *sqliteStore) Update(ctx context.Context, it *schedule.Item) error {
	endAt := sql.NullString{}
	if !it.RecurrenceEndAt.IsZero() {
		endAt = sql.NullString{String: encodeTime(it.RecurrenceEndAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `UPDATE meetings SET
		scope_id = ?, title = ?, occurrence_at = ?, participants = ?,
		chat_id = ?, thread_id = ?, lead_times = ?, fired_lead_times = ?,
		recurrence = ?, recurrence_end_at = ?
		WHERE id = ?`,
		it.ScopeID, it.Title, encodeTime(it.OccurrenceAt),
		schedule.FormatParticipants(it.Participants),
		it.NotifyTarget.ChatID, it.NotifyTarget.ThreadID,
		encodeMinutes(it.LeadTimes), encodeMinutes(it.FiredLeadTimes),
		it.Recurrence.String(), endAt, it.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFired runs the read-check-append inside one transaction so the
// fired set cannot take the same lead twice even with concurrent callers.
func (s *sqliteStore) MarkFired(ctx context.Context, id int64, leadMinutes int) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var fired string
	err = tx.QueryRowContext(ctx, `SELECT fired_lead_times FROM meetings WHERE id = ?`, id).Scan(&fired)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	cur, err := decodeMinutes(fired)
	if err != nil {
		return false, err
	}
	for _, m := range cur {
		if m == leadMinutes {
			return false, nil
		}
	}
	cur = append(cur, leadMinutes)
	if _, err := tx.ExecContext(ctx,
		`UPDATE meetings SET fired_lead_times = ? WHERE id = ?`, encodeMinutes(cur), id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM meetings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*schedule.Item, error) {
	var (
		it           schedule.Item
		occ, created string
		parts        string
		leads, fired string
		rule         string
		endAt        sql.NullString
	)
	err := row.Scan(&it.ID, &it.ScopeID, &it.Title, &occ, &parts,
		&it.NotifyTarget.ChatID, &it.NotifyTarget.ThreadID,
		&leads, &fired, &rule, &endAt, &created)
	if err != nil {
		return nil, err
	}
	if it.OccurrenceAt, err = decodeTime(occ); err != nil {
		return nil, fmt.Errorf("meeting %d: occurrence_at: %w", it.ID, err)
	}
	if it.CreatedAt, err = decodeTime(created); err != nil {
		return nil, fmt.Errorf("meeting %d: created_at: %w", it.ID, err)
	}
	if it.Participants, err = schedule.ParseParticipants(parts); err != nil {
		return nil, fmt.Errorf("meeting %d: participants: %w", it.ID, err)
	}
	if it.LeadTimes, err = decodeMinutes(leads); err != nil {
		return nil, fmt.Errorf("meeting %d: lead_times: %w", it.ID, err)
	}
	if it.FiredLeadTimes, err = decodeMinutes(fired); err != nil {
		return nil, fmt.Errorf("meeting %d: fired_lead_times: %w", it.ID, err)
	}
	if it.Recurrence, err = recurrence.Parse(rule); err != nil {
		return nil, fmt.Errorf("meeting %d: recurrence: %w", it.ID, err)
	}
	if endAt.Valid {
		if it.RecurrenceEndAt, err = decodeTime(endAt.String); err != nil {
			return nil, fmt.Errorf("meeting %d: recurrence_end_at: %w", it.ID, err)
		}
	}
	return &it, nil
}

func collectItems(rows *sql.Rows) ([]*schedule.Item, error) {
	defer rows.Close()
	var out []*schedule.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
