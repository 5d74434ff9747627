package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/adaptex/internal/model"
)

// SaveSession upserts the summary columns and full snapshot of a session.
func (s *Store) SaveSession(snap model.SessionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", snap.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO exam_sessions (id, candidate_id, blueprint_id, state, stop_reason, theta, score, max_score,
			percentile, started_at, ended_at, snapshot)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			stop_reason = excluded.stop_reason,
			theta = excluded.theta,
			score = excluded.score,
			max_score = excluded.max_score,
			percentile = excluded.percentile,
			ended_at = excluded.ended_at,
			snapshot = excluded.snapshot`,
		snap.ID, snap.CandidateID, snap.Blueprint.ID, snap.State, snap.StopReason, snap.Theta,
		snap.Score, snap.MaxScore, snap.Percentile, snap.StartedAt, snap.EndedAt, string(data),
	)
	return err
}

// GetSession returns the stored snapshot of a session.
// Returns nil and nil error if not found.
func (s *Store) GetSession(id string) (*model.SessionSnapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT snapshot FROM exam_sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap model.SessionSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &snap, nil
}

// SessionRow is the summary of a stored session.
type SessionRow struct {
	ID          string
	CandidateID string
	BlueprintID string
	State       model.SessionState
	StopReason  model.StopReason
	Theta       float64
	Score       int
	MaxScore    int
	Percentile  *float64
	StartedAt   time.Time
	EndedAt     *time.Time
}

// ListSessions returns session summaries ordered by start time. An empty
// blueprintID lists every blueprint.
func (s *Store) ListSessions(blueprintID string) ([]SessionRow, error) {
	query := `SELECT id, candidate_id, blueprint_id, state, stop_reason, theta, score, max_score,
		percentile, started_at, ended_at FROM exam_sessions`
	var args []any
	if blueprintID != "" {
		query += ` WHERE blueprint_id = ?`
		args = append(args, blueprintID)
	}
	rows, err := s.db.Query(query+` ORDER BY started_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.ID, &r.CandidateID, &r.BlueprintID, &r.State, &r.StopReason, &r.Theta,
			&r.Score, &r.MaxScore, &r.Percentile, &r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

// AppendResponse stores one answered item and returns its row id.
func (s *Store) AppendResponse(r model.Response) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO responses (session_id, question_id, slot, answer, correct, marks, elapsed_ms,
			theta_before, theta_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.QuestionID, r.Slot, r.Answer, r.Correct, r.Marks, r.Elapsed.Milliseconds(),
		r.ThetaBefore, r.ThetaAfter, r.Timestamp,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const responseColumns = `id, session_id, question_id, slot, answer, correct, marks, elapsed_ms,
	theta_before, theta_after, created_at`

// ListResponses returns the responses of a session in answer order. An
// empty sessionID returns every stored response.
func (s *Store) ListResponses(sessionID string) ([]model.Response, error) {
	if sessionID == "" {
		return s.queryResponses(`SELECT ` + responseColumns + ` FROM responses ORDER BY id`)
	}
	return s.queryResponses(`SELECT `+responseColumns+` FROM responses WHERE session_id = ? ORDER BY id`, sessionID)
}

// ListResponsesAfter returns every response with a row id above afterID in
// insertion order.
func (s *Store) ListResponsesAfter(afterID int64) ([]model.Response, error) {
	return s.queryResponses(`SELECT `+responseColumns+` FROM responses WHERE id > ? ORDER BY id`, afterID)
}

// LastResponseID returns the highest response row id, or 0 when no
// response is stored.
func (s *Store) LastResponseID() (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM responses`).Scan(&id)
	return id, err
}

func (s *Store) queryResponses(query string, args ...any) ([]model.Response, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var responses []model.Response
	for rows.Next() {
		var r model.Response
		var elapsedMs int64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.QuestionID, &r.Slot, &r.Answer, &r.Correct, &r.Marks, &elapsedMs,
			&r.ThetaBefore, &r.ThetaAfter, &r.Timestamp); err != nil {
			return nil, err
		}
		r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

// AdministeredCounts returns how many stored sessions were shown each
// question, read from the administered list of every session snapshot.
func (s *Store) AdministeredCounts() (map[int64]int64, error) {
	rows, err := s.db.Query(
		`SELECT CAST(a.value AS INTEGER), COUNT(*)
		 FROM exam_sessions, json_each(exam_sessions.snapshot, '$.administered') AS a
		 WHERE a.type = 'integer'
		 GROUP BY a.value`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}
