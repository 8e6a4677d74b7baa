package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveMeeting inserts or updates a meeting. The sync status of an existing
// meeting is left untouched.
func (s *Store) SaveMeeting(m Meeting) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.EndsAt.IsZero() {
		m.EndsAt = m.ScheduledAt
	}
	_, err := s.db.Exec(`
		INSERT INTO meetings (id, deal_id, account_id, title, scheduled_at, ends_at, sync_status, sync_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', '', ?)
		ON CONFLICT(id) DO UPDATE SET
			deal_id = excluded.deal_id,
			account_id = excluded.account_id,
			title = excluded.title,
			scheduled_at = excluded.scheduled_at,
			ends_at = excluded.ends_at`,
		m.ID, m.DealID, m.AccountID, m.Title,
		formatTime(m.ScheduledAt), formatTime(m.EndsAt), formatTime(m.CreatedAt),
	)
	return err
}

const meetingColumns = `id, deal_id, account_id, title, scheduled_at, ends_at, sync_status, sync_error, created_at`

func scanMeeting(row rowScanner) (Meeting, error) {
	var m Meeting
	var scheduledAt, endsAt, createdAt string
	err := row.Scan(&m.ID, &m.DealID, &m.AccountID, &m.Title, &scheduledAt, &endsAt, &m.SyncStatus, &m.SyncError, &createdAt)
	if err == sql.ErrNoRows {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, err
	}
	if m.ScheduledAt, err = parseTime("scheduled_at", scheduledAt); err != nil {
		return Meeting{}, err
	}
	if m.EndsAt, err = parseTime("ends_at", endsAt); err != nil {
		return Meeting{}, err
	}
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Meeting{}, err
	}
	return m, nil
}

func (s *Store) GetMeeting(id string) (Meeting, error) {
	return scanMeeting(s.db.QueryRow(`SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id))
}

// DeleteMeeting removes a meeting and anything derived from it.
func (s *Store) DeleteMeeting(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM meetings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	for _, stmt := range []string{
		`DELETE FROM transcript_segments WHERE meeting_id = ?`,
		`DELETE FROM transcripts WHERE meeting_id = ?`,
		`DELETE FROM analyses WHERE meeting_id = ?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("deleting meeting %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// PendingMeetings lists meetings of an account that ended before now, have
// no transcript yet and have not been marked unavailable.
func (s *Store) PendingMeetings(accountID string, now time.Time) ([]Meeting, error) {
	rows, err := s.db.Query(`SELECT `+meetingColumns+` FROM meetings
		WHERE account_id = ? AND sync_status = 'pending' AND ends_at <= ?
		ORDER BY ends_at ASC`, accountID, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AccountsWithPendingMeetings returns the distinct accounts that still have
// meetings waiting for a transcript.
func (s *Store) AccountsWithPendingMeetings() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT account_id FROM meetings WHERE sync_status = 'pending' ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkMeetingUnavailable records that the provider will never produce a
// transcript for the meeting.
func (s *Store) MarkMeetingUnavailable(id, reason string) error {
	res, err := s.db.Exec(`UPDATE meetings SET sync_status = 'unavailable', sync_error = ? WHERE id = ?`, reason, id)
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
