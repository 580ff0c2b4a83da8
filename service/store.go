package service

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists capture history in SQLite so past runs can be inspected
// after the server restarts.
type Store struct {
	db *sql.DB
}

// CaptureRecord is one finished capture.
type CaptureRecord struct {
	ID       string    `json:"id"`
	Serial   string    `json:"serial"`
	TargetID string    `json:"target_id"`
	Success  bool      `json:"success"`
	Errors   string    `json:"errors,omitempty"`
	EndedAt  time.Time `json:"ended_at"`
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordCapture appends one finished capture to the history.
func (s *Store) RecordCapture(serial, targetID string, success bool, errors string) error {
	_, err := s.db.Exec(
		`INSERT INTO captures (id, serial, target_id, success, errors, ended_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), serial, targetID, success, errors, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording capture: %w", err)
	}
	return nil
}

// History returns the most recent captures for one device, newest first.
func (s *Store) History(serial string, limit int) ([]CaptureRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, serial, target_id, success, errors, ended_at FROM captures
		 WHERE serial = ? ORDER BY ended_at DESC LIMIT ?`, serial, limit)
	if err != nil {
		return nil, fmt.Errorf("querying capture history: %w", err)
	}
	defer rows.Close()

	var records []CaptureRecord
	for rows.Next() {
		var r CaptureRecord
		if err := rows.Scan(&r.ID, &r.Serial, &r.TargetID, &r.Success, &r.Errors, &r.EndedAt); err != nil {
			return nil, fmt.Errorf("scanning capture record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
