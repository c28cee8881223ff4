// Package history keeps an audit trail of repack attempts. Records carry
// file names and outcomes only; passphrases and bundle bytes never reach it.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"p12bot/internal/models"
)

// Service persists and lists repack job records.
type Service struct {
	db *sql.DB
}

// NewService constructs the history service over an opened database.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Record stores one terminal repack outcome.
func (s *Service) Record(ctx context.Context, job models.RepackJob) (*models.RepackJob, error) {
	if job.ChatID == 0 {
		return nil, errors.New("chat_id is required")
	}
	if job.Status == "" {
		return nil, errors.New("status is required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO repack_jobs (chat_id, input_name, output_name, status, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ChatID, job.InputName, job.OutputName, job.Status, job.Detail, now,
	)
	if err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("job id: %w", err)
	}
	job.ID = id
	job.CreatedAt = now
	return &job, nil
}

// ListRecent returns the chat's newest jobs, most recent first.
func (s *Service) ListRecent(ctx context.Context, chatID int64, limit int) ([]models.RepackJob, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, input_name, output_name, status, detail, created_at
		 FROM repack_jobs WHERE chat_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.RepackJob
	for rows.Next() {
		var j models.RepackJob
		if err := rows.Scan(&j.ID, &j.ChatID, &j.InputName, &j.OutputName, &j.Status, &j.Detail, &j.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
