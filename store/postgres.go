package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed pg_init.sql
var pgInitFS embed.FS

// PostgresStore is the shared-database alternative to SQLiteStore.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

func OpenPostgres(ctx context.Context, databaseURL string, logger *log.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	initSQL, err := pgInitFS.ReadFile("pg_init.sql")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("read embedded pg_init.sql: %w", err)
	}

	if _, err := pool.Exec(ctx, string(initSQL)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("execute pg_init.sql: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, transcription, audio_ref, created_at)
		VALUES ($1, $2, $3, $4)
	`, job.ID, job.Transcription, nullable(job.AudioRef), job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for i, instruction := range job.Instructions {
		var instructionID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO instructions (job_id, position, text)
			VALUES ($1, $2, $3)
			RETURNING id
		`, job.ID, i, instruction.Text).Scan(&instructionID)
		if err != nil {
			return fmt.Errorf("insert instruction: %w", err)
		}

		for j, step := range instruction.Steps {
			_, err := tx.Exec(ctx, `
				INSERT INTO steps (instruction_id, position, text, audio_ref)
				VALUES ($1, $2, $3, $4)
			`, instructionID, j, step.Text, nullable(step.AudioRef))
			if err != nil {
				return fmt.Errorf("insert step: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]JobSummary, error) {
	rows, err := s.pool.Query(ctx, `
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
		var summary JobSummary
		if err := rows.Scan(
			&summary.ID,
			&summary.Transcription,
			&summary.CreatedAt,
			&summary.Instructions,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, summary)
	}

	return jobs, rows.Err()
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var (
		job      Job
		audioRef *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, transcription, audio_ref, created_at FROM jobs WHERE id = $1
	`, id).Scan(&job.ID, &job.Transcription, &audioRef, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if audioRef != nil {
		job.AudioRef = *audioRef
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, text FROM instructions
		WHERE job_id = $1 ORDER BY position
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
		stepRows, err := s.pool.Query(ctx, `
			SELECT text, audio_ref FROM steps
			WHERE instruction_id = $1 ORDER BY position
		`, instructionID)
		if err != nil {
			return nil, fmt.Errorf("get steps: %w", err)
		}
		for stepRows.Next() {
			var (
				step     Step
				audioRef *string
			)
			if err := stepRows.Scan(&step.Text, &audioRef); err != nil {
				stepRows.Close()
				return nil, fmt.Errorf("scan step: %w", err)
			}
			if audioRef != nil {
				step.AudioRef = *audioRef
			}
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

func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.pool.Exec(ctx, "DELETE FROM jobs WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if res.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListJobsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM jobs WHERE created_at < $1
	`, cutoff)
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nullable(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
