package model

import "time"

// ExamExport is the top-level JSON structure for result export.
type ExamExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Blueprint  string          `json:"blueprint,omitempty"`
	Results    []SessionResult `json:"results"`
}

// SessionResult holds one finished session for export.
type SessionResult struct {
	SessionID   string           `json:"session_id"`
	CandidateID string           `json:"candidate_id"`
	BlueprintID string           `json:"blueprint_id"`
	State       SessionState     `json:"state"`
	StopReason  StopReason       `json:"stop_reason,omitempty"`
	Theta       float64          `json:"theta"`
	Score       int              `json:"score"`
	MaxScore    int              `json:"max_score"`
	Percentile  *float64         `json:"percentile,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	EndedAt     *time.Time       `json:"ended_at,omitempty"`
	Questions   []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	QuestionID int64      `json:"question_id"`
	Subject    string     `json:"subject"`
	Topic      string     `json:"topic"`
	Difficulty Difficulty `json:"difficulty"`
	Answer     string     `json:"answer"`
	Correct    bool       `json:"correct"`
	Marks      int        `json:"marks"`
	ElapsedMs  int64      `json:"elapsed_ms"`
	ThetaAfter float64    `json:"theta_after"`
	At         time.Time  `json:"at"`
}
