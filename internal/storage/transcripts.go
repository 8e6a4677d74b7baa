package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveTranscript stores a transcript and its segments atomically. A meeting
// holds at most one transcript: when one already exists the call is a no-op
// and inserted is false. A deleted meeting gives ErrNotFound.
func (s *Store) SaveTranscript(t Transcript) (inserted bool, err error) {
	if len(t.Segments) == 0 {
		return false, fmt.Errorf("transcript %s has no segments", t.MeetingID)
	}
	fetchedAt := t.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = s.now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning transcript transaction: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRow(`SELECT 1 FROM meetings WHERE id = ?`, t.MeetingID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("meeting %s: %w", t.MeetingID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("checking meeting: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO transcripts (meeting_id, deal_id, segment_count, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(meeting_id) DO NOTHING`,
		t.MeetingID, t.DealID, len(t.Segments), formatTime(fetchedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting transcript: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	for i, seg := range t.Segments {
		if _, err := tx.Exec(`
			INSERT INTO transcript_segments (meeting_id, seq, speaker, text, start_offset, end_offset)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.MeetingID, i, seg.Speaker, seg.Text, seg.StartOffset, seg.EndOffset,
		); err != nil {
			return false, fmt.Errorf("inserting segment %d: %w", i, err)
		}
	}

	if _, err := tx.Exec(`UPDATE meetings SET sync_status = 'synced', sync_error = '' WHERE id = ?`, t.MeetingID); err != nil {
		return false, fmt.Errorf("marking meeting synced: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transcript: %w", err)
	}
	return true, nil
}

func (s *Store) GetTranscript(meetingID string) (Transcript, error) {
	t := Transcript{MeetingID: meetingID}
	var fetchedAt string
	err := s.db.QueryRow(`SELECT deal_id, fetched_at FROM transcripts WHERE meeting_id = ?`, meetingID).
		Scan(&t.DealID, &fetchedAt)
	if err == sql.ErrNoRows {
		return Transcript{}, ErrNotFound
	}
	if err != nil {
		return Transcript{}, err
	}
	if t.FetchedAt, err = parseTime("fetched_at", fetchedAt); err != nil {
		return Transcript{}, err
	}

	rows, err := s.db.Query(`
		SELECT speaker, text, start_offset, end_offset
		FROM transcript_segments WHERE meeting_id = ? ORDER BY seq ASC`, meetingID)
	if err != nil {
		return Transcript{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.Speaker, &seg.Text, &seg.StartOffset, &seg.EndOffset); err != nil {
			return Transcript{}, err
		}
		t.Segments = append(t.Segments, seg)
	}
	return t, rows.Err()
}

// CountTranscriptSegments returns how many segment rows exist for a meeting.
func (s *Store) CountTranscriptSegments(meetingID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM transcript_segments WHERE meeting_id = ?`, meetingID).Scan(&n)
	return n, err
}

// --- Analyses ---

// SaveAnalysis overwrites the current analysis of a meeting and bumps the
// owning deal's signal sequence in the same transaction. It returns
// ErrNotFound and writes nothing once the meeting has been deleted.
func (s *Store) SaveAnalysis(a Analysis) error {
	lists := make([]string, 0, 4)
	for _, l := range [][]string{a.PainPoints, a.NextSteps, a.GreenFlags, a.RedFlags} {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encoding analysis list: %w", err)
		}
		lists = append(lists, string(b))
	}
	analyzedAt := a.AnalyzedAt
	if analyzedAt.IsZero() {
		analyzedAt = s.now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning analysis transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO analyses (meeting_id, deal_id, pain_points, next_steps, green_flags, red_flags, quality_score, model, analyzed_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM meetings WHERE id = ?)
		ON CONFLICT(meeting_id) DO UPDATE SET
			deal_id = excluded.deal_id,
			pain_points = excluded.pain_points,
			next_steps = excluded.next_steps,
			green_flags = excluded.green_flags,
			red_flags = excluded.red_flags,
			quality_score = excluded.quality_score,
			model = excluded.model,
			analyzed_at = excluded.analyzed_at`,
		a.MeetingID, a.DealID, lists[0], lists[1], lists[2], lists[3], a.QualityScore, a.Model, formatTime(analyzedAt),
		a.MeetingID,
	)
	if err != nil {
		return fmt.Errorf("upserting analysis: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("meeting %s: %w", a.MeetingID, ErrNotFound)
	}

	if _, err := tx.Exec(`UPDATE deals SET signal_seq = signal_seq + 1, updated_at = ? WHERE id = ?`,
		formatTime(s.now()), a.DealID); err != nil {
		return fmt.Errorf("bumping deal signal: %w", err)
	}
	return tx.Commit()
}

const analysisColumns = `meeting_id, deal_id, pain_points, next_steps, green_flags, red_flags, quality_score, model, analyzed_at`

func scanAnalysis(row rowScanner) (Analysis, error) {
	var a Analysis
	var pain, next, green, red, analyzedAt string
	err := row.Scan(&a.MeetingID, &a.DealID, &pain, &next, &green, &red, &a.QualityScore, &a.Model, &analyzedAt)
	if err == sql.ErrNoRows {
		return Analysis{}, ErrNotFound
	}
	if err != nil {
		return Analysis{}, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{{pain, &a.PainPoints}, {next, &a.NextSteps}, {green, &a.GreenFlags}, {red, &a.RedFlags}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return Analysis{}, fmt.Errorf("decoding analysis list: %w", err)
		}
	}
	if a.AnalyzedAt, err = parseTime("analyzed_at", analyzedAt); err != nil {
		return Analysis{}, err
	}
	return a, nil
}

func (s *Store) GetAnalysis(meetingID string) (Analysis, error) {
	return scanAnalysis(s.db.QueryRow(`SELECT `+analysisColumns+` FROM analyses WHERE meeting_id = ?`, meetingID))
}

func (s *Store) ListAnalyses(dealID string) ([]Analysis, error) {
	return queryAnalyses(s.db, dealID)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryAnalyses(q querier, dealID string) ([]Analysis, error) {
	rows, err := q.Query(`SELECT `+analysisColumns+` FROM analyses WHERE deal_id = ? ORDER BY analyzed_at ASC, meeting_id ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Momentum ---

// SaveMomentum replaces the deal's momentum unless the stored state was
// computed from a newer signal sequence, in which case ErrStale is returned.
func (s *Store) SaveMomentum(m Momentum) error {
	computedAt := m.ComputedAt
	if computedAt.IsZero() {
		computedAt = s.now()
	}
	res, err := s.db.Exec(`
		INSERT INTO momentum (deal_id, score, trend, basis_seq, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(deal_id) DO UPDATE SET
			score = excluded.score,
			trend = excluded.trend,
			basis_seq = excluded.basis_seq,
			computed_at = excluded.computed_at
		WHERE excluded.basis_seq >= momentum.basis_seq`,
		m.DealID, m.Score, string(m.Trend), m.BasisSeq, formatTime(computedAt),
	)
	if err != nil {
		return fmt.Errorf("saving momentum: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (s *Store) GetMomentum(dealID string) (Momentum, error) {
	var m Momentum
	var trend, computedAt string
	err := s.db.QueryRow(`SELECT deal_id, score, trend, basis_seq, computed_at FROM momentum WHERE deal_id = ?`, dealID).
		Scan(&m.DealID, &m.Score, &trend, &m.BasisSeq, &computedAt)
	if err == sql.ErrNoRows {
		return Momentum{}, ErrNotFound
	}
	if err != nil {
		return Momentum{}, err
	}
	m.Trend = Trend(trend)
	if m.ComputedAt, err = parseTime("computed_at", computedAt); err != nil {
		return Momentum{}, err
	}
	return m, nil
}
