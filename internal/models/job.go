package models

import "time"

// Repack job outcomes stored in the history table.
const (
	JobStatusOK            = "ok"
	JobStatusDecryptFailed = "decrypt_failed"
	JobStatusInvalidBundle = "invalid_bundle"
	JobStatusFailed        = "failed"
)

// RepackJob is the audit record for one completed repack attempt.
// Passphrases are never part of this record.
type RepackJob struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	InputName  string    `json:"input_name"`
	OutputName string    `json:"output_name"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}
