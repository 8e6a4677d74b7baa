package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveDeal inserts a deal or updates its name, account and stage.
func (s *Store) SaveDeal(d Deal) error {
	now := s.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO deals (id, account_id, name, stage, signal_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			name = excluded.name,
			stage = excluded.stage,
			updated_at = excluded.updated_at`,
		d.ID, d.AccountID, d.Name, d.Stage, formatTime(d.CreatedAt), formatTime(now),
	)
	return err
}

func (s *Store) GetDeal(id string) (Deal, error) {
	return scanDeal(s.db.QueryRow(`
		SELECT id, account_id, name, stage, signal_seq, created_at, updated_at
		FROM deals WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeal(row rowScanner) (Deal, error) {
	var d Deal
	var createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.AccountID, &d.Name, &d.Stage, &d.SignalSeq, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Deal{}, ErrNotFound
	}
	if err != nil {
		return Deal{}, err
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Deal{}, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return Deal{}, err
	}
	return d, nil
}

// DeleteDeal removes a deal together with its meetings, transcripts,
// analyses, stage history and momentum.
func (s *Store) DeleteDeal(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM deals WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	stmts := []string{
		`DELETE FROM transcript_segments WHERE meeting_id IN (SELECT id FROM meetings WHERE deal_id = ?)`,
		`DELETE FROM transcripts WHERE deal_id = ?`,
		`DELETE FROM analyses WHERE deal_id = ?`,
		`DELETE FROM meetings WHERE deal_id = ?`,
		`DELETE FROM stage_transitions WHERE deal_id = ?`,
		`DELETE FROM momentum WHERE deal_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("deleting deal %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// RecordStageChange moves a deal to a new stage, appends a transition row
// and bumps the deal's signal sequence.
func (s *Store) RecordStageChange(dealID, toStage string, at time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning stage transaction: %w", err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRow(`SELECT stage FROM deals WHERE id = ?`, dealID).Scan(&from)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if from == toStage {
		return nil
	}

	if _, err := tx.Exec(`INSERT INTO stage_transitions (deal_id, from_stage, to_stage, changed_at) VALUES (?, ?, ?, ?)`,
		dealID, from, toStage, formatTime(at)); err != nil {
		return fmt.Errorf("inserting stage transition: %w", err)
	}
	if _, err := tx.Exec(`UPDATE deals SET stage = ?, signal_seq = signal_seq + 1, updated_at = ? WHERE id = ?`,
		toStage, formatTime(s.now()), dealID); err != nil {
		return fmt.Errorf("updating deal stage: %w", err)
	}
	return tx.Commit()
}

// DealHistory reads the deal, its stage transitions and every current
// analysis inside one transaction.
func (s *Store) DealHistory(dealID string) (DealHistory, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return DealHistory{}, fmt.Errorf("beginning history transaction: %w", err)
	}
	defer tx.Rollback()

	deal, err := scanDeal(tx.QueryRow(`
		SELECT id, account_id, name, stage, signal_seq, created_at, updated_at
		FROM deals WHERE id = ?`, dealID))
	if err != nil {
		return DealHistory{}, err
	}

	h := DealHistory{Deal: deal, ReadAt: s.now().UTC()}

	rows, err := tx.Query(`
		SELECT deal_id, from_stage, to_stage, changed_at
		FROM stage_transitions WHERE deal_id = ? ORDER BY changed_at ASC, id ASC`, dealID)
	if err != nil {
		return DealHistory{}, err
	}
	for rows.Next() {
		var t StageTransition
		var changedAt string
		if err := rows.Scan(&t.DealID, &t.FromStage, &t.ToStage, &changedAt); err != nil {
			rows.Close()
			return DealHistory{}, err
		}
		if t.ChangedAt, err = parseTime("changed_at", changedAt); err != nil {
			rows.Close()
			return DealHistory{}, err
		}
		h.Transitions = append(h.Transitions, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DealHistory{}, err
	}

	h.Analyses, err = queryAnalyses(tx, dealID)
	if err != nil {
		return DealHistory{}, err
	}
	return h, tx.Commit()
}
