package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/adaptex/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: opens its own empty database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		subject TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		subtopic TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		choices TEXT NOT NULL DEFAULT '[]',
		correct_answer TEXT NOT NULL,
		marks INTEGER NOT NULL DEFAULT 1,
		difficulty TEXT NOT NULL,
		calibrated_difficulty REAL,
		calibrated_discrimination REAL,
		exposure_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS exam_sessions (
		id TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		blueprint_id TEXT NOT NULL,
		state TEXT NOT NULL,
		stop_reason TEXT NOT NULL DEFAULT '',
		theta REAL NOT NULL DEFAULT 0,
		score INTEGER NOT NULL DEFAULT 0,
		max_score INTEGER NOT NULL DEFAULT 0,
		percentile REAL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		snapshot TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		question_id INTEGER NOT NULL,
		slot INTEGER NOT NULL,
		answer TEXT NOT NULL,
		correct INTEGER NOT NULL,
		marks INTEGER NOT NULL DEFAULT 0,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		theta_before REAL NOT NULL,
		theta_after REAL NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES exam_sessions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_responses_session ON responses(session_id);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const questionColumns = `id, subject, topic, subtopic, text, choices, correct_answer, marks, difficulty,
	calibrated_difficulty, calibrated_discrimination, exposure_count`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row scanner) (model.Question, error) {
	var q model.Question
	var choices string
	err := row.Scan(&q.ID, &q.Subject, &q.Topic, &q.Subtopic, &q.Text, &choices, &q.CorrectAnswer, &q.Marks,
		&q.Difficulty, &q.CalibratedDifficulty, &q.CalibratedDiscrimination, &q.ExposureCount)
	if err != nil {
		return q, err
	}
	if err := json.Unmarshal([]byte(choices), &q.Choices); err != nil {
		return q, fmt.Errorf("question %d choices: %w", q.ID, err)
	}
	return q, nil
}

func (s *Store) queryQuestions(query string, args ...any) ([]model.Question, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// InsertQuestion stores a question.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	choices, err := json.Marshal(q.Choices)
	if err != nil {
		return 0, err
	}
	if q.Choices == nil {
		choices = []byte("[]")
	}
	res, err := s.db.Exec(
		`INSERT INTO questions (subject, topic, subtopic, text, choices, correct_answer, marks, difficulty,
			calibrated_difficulty, calibrated_discrimination)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.Subject, q.Topic, q.Subtopic, q.Text, string(choices), q.CorrectAnswer, q.Marks, q.Difficulty,
		q.CalibratedDifficulty, q.CalibratedDiscrimination,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListQuestions returns all questions.
func (s *Store) ListQuestions() ([]model.Question, error) {
	return s.queryQuestions(`SELECT ` + questionColumns + ` FROM questions ORDER BY id`)
}

// QuestionCount returns the number of questions in the database.
func (s *Store) QuestionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// ListSubjects returns the distinct subjects in the pool.
func (s *Store) ListSubjects() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT subject FROM questions ORDER BY subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// UpdateExposure writes exposure counts. Counts only ever grow, so a stale
// value never overwrites a newer one.
func (s *Store) UpdateExposure(counts map[int64]int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE questions SET exposure_count = MAX(exposure_count, ?) WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, n := range counts {
		if _, err := stmt.Exec(n, id); err != nil {
			return fmt.Errorf("question %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// UpdateCalibration stores the derived parameters of stable records on
// their questions.
func (s *Store) UpdateCalibration(records []model.CalibrationRecord) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n := 0
	for _, r := range records {
		if !r.Stable {
			continue
		}
		_, err := tx.Exec(
			`UPDATE questions SET calibrated_difficulty = ?, calibrated_discrimination = ? WHERE id = ?`,
			r.Difficulty, r.Discrimination, r.QuestionID,
		)
		if err != nil {
			return 0, fmt.Errorf("question %d: %w", r.QuestionID, err)
		}
		n++
	}
	return n, tx.Commit()
}
