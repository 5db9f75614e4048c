package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"

	"github.com/beingfastian/APD-Listener-Tool/etc"
)

type Migration struct {
	ID          string
	Description string
	Up          func(*sql.Tx) error
}

var migrations = []Migration{
	{
		ID:          "001_initial_schema",
		Description: "Create jobs, instructions and steps tables",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS jobs (
					id TEXT PRIMARY KEY,
					transcription TEXT NOT NULL,
					audio_ref TEXT,
					created_at REAL DEFAULT (julianday('now'))
				);

				CREATE TABLE IF NOT EXISTS instructions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					job_id TEXT NOT NULL,
					position INTEGER NOT NULL,
					text TEXT NOT NULL,
					FOREIGN KEY (job_id) REFERENCES jobs(id)
				);

				CREATE TABLE IF NOT EXISTS steps (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					instruction_id INTEGER NOT NULL,
					position INTEGER NOT NULL,
					text TEXT NOT NULL,
					audio_ref TEXT,
					FOREIGN KEY (instruction_id) REFERENCES instructions(id)
				);

				CREATE TABLE IF NOT EXISTS migration_history (
					id TEXT PRIMARY KEY,
					applied_at REAL DEFAULT (julianday('now'))
				);
			`)
			return err
		},
	},
}

// SQLiteStore is the default job store, backed by a local database file.
type SQLiteStore struct {
	db        *sql.DB
	stmtCache sync.Map
	logger    *log.Logger
}

func OpenSQLite(path string, logger *log.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at REAL DEFAULT (julianday('now'))
		);
	`)
	if err != nil {
		return fmt.Errorf("create migration_history: %w", err)
	}

	for _, m := range migrations {
		var applied int
		err := s.db.QueryRow(
			"SELECT COUNT(*) FROM migration_history WHERE id = ?",
			m.ID,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.ID, err)
		}
		if applied > 0 {
			continue
		}

		s.logger.Info("applying migration", "id", m.ID, "description", m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", m.ID, err)
		}
		if err := m.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", m.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO migration_history (id) VALUES (?)",
			m.ID,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.ID, err)
		}
	}

	return nil
}

// prepareStmt prepares and caches a statement
func (s *SQLiteStore) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, err
	}

	s.stmtCache.Store(query, stmt)
	return stmt, nil
}

func (s *SQLiteStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	s.logger.Debug("sql", "query", query, "args", args)
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return s.db.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	s.logger.Debug("sql", "query", query, "args", args)
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, transcription, audio_ref, created_at)
		VALUES (?, ?, ?, ?)
	`, job.ID, job.Transcription, job.AudioRef, etc.TimeToJulianDay(job.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for i, instruction := range job.Instructions {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO instructions (job_id, position, text)
			VALUES (?, ?, ?)
		`, job.ID, i, instruction.Text)
		if err != nil {
			return fmt.Errorf("insert instruction: %w", err)
		}
		instructionID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("instruction id: %w", err)
		}

		for j, step := range instruction.Steps {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO steps (instruction_id, position, text, audio_ref)
				VALUES (?, ?, ?, ?)
			`, instructionID, j, step.Text, step.AudioRef)
			if err != nil {
				return fmt.Errorf("insert step: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}

	return nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]JobSummary, error) {
	rows, err := s.query(ctx, `
		SELECT j.id, j.transcription, j.created_at, COUNT(i.id)
		FROM jobs j
		LEFT JOIN instructions i ON i.job_id = j.id
		GROUP BY j.id
		ORDER BY j.created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []JobSummary
	for rows.Next() {
		var (
			summary   JobSummary
			createdAt float64
		)
		if err := rows.Scan(
			&summary.ID,
			&summary.Transcription,
			&createdAt,
			&summary.Instructions,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		summary.CreatedAt = etc.JulianDayToTime(createdAt)
		jobs = append(jobs, summary)
	}

	return jobs, rows.Err()
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var (
		job       Job
		audioRef  sql.NullString
		createdAt float64
	)
	err := s.queryRow(ctx, `
		SELECT id, transcription, audio_ref, created_at FROM jobs WHERE id = ?
	`, id).Scan(&job.ID, &job.Transcription, &audioRef, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	job.AudioRef = audioRef.String
	job.CreatedAt = etc.JulianDayToTime(createdAt)

	rows, err := s.query(ctx, `
		SELECT id, text FROM instructions
		WHERE job_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get instructions: %w", err)
	}
	defer rows.Close()

	var instructionIDs []int64
	for rows.Next() {
		var (
			instructionID int64
			text          string
		)
		if err := rows.Scan(&instructionID, &text); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		instructionIDs = append(instructionIDs, instructionID)
		job.Instructions = append(job.Instructions, Instruction{Text: text})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, instructionID := range instructionIDs {
		stepRows, err := s.query(ctx, `
			SELECT text, audio_ref FROM steps
			WHERE instruction_id = ? ORDER BY position
		`, instructionID)
		if err != nil {
			return nil, fmt.Errorf("get steps: %w", err)
		}
		for stepRows.Next() {
			var (
				step     Step
				audioRef sql.NullString
			)
			if err := stepRows.Scan(&step.Text, &audioRef); err != nil {
				stepRows.Close()
				return nil, fmt.Errorf("scan step: %w", err)
			}
			step.AudioRef = audioRef.String
			job.Instructions[i].Steps = append(job.Instructions[i].Steps, step)
		}
		if err := stepRows.Err(); err != nil {
			stepRows.Close()
			return nil, err
		}
		stepRows.Close()
	}

	return &job, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM steps WHERE instruction_id IN
			(SELECT id FROM instructions WHERE job_id = ?)
	`, id)
	if err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}

	_, err = tx.ExecContext(ctx, "DELETE FROM instructions WHERE job_id = ?", id)
	if err != nil {
		return fmt.Errorf("delete instructions: %w", err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListJobsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT id FROM jobs WHERE created_at < ?
	`, etc.TimeToJulianDay(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list old jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// Close closes the database connection and clears the statement cache.
func (s *SQLiteStore) Close() error {
	s.stmtCache.Range(func(_, value interface{}) bool {
		if stmt, ok := value.(*sql.Stmt); ok {
			stmt.Close()
		}
		return true
	})
	return s.db.Close()
}
