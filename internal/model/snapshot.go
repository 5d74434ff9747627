package model

import "time"

// CheckpointVersion is bumped whenever a snapshot type changes shape.
const CheckpointVersion = 2

// SessionSnapshot is the full serializable state of one exam session.
type SessionSnapshot struct {
	ID                string       `json:"id"`
	CandidateID       string       `json:"candidate_id"`
	Blueprint         Blueprint    `json:"blueprint"`
	State             SessionState `json:"state"`
	StopReason        StopReason   `json:"stop_reason,omitempty"`
	Administered      []int64      `json:"administered"`
	SlotFill          []int        `json:"slot_fill"`
	CurrentQuestionID int64        `json:"current_question_id,omitempty"`
	CurrentSlot       int          `json:"current_slot"`
	Theta             float64      `json:"theta"`
	Information       float64      `json:"information"`
	Responses         []Response   `json:"responses"`
	Score             int          `json:"score"`
	MaxScore          int          `json:"max_score"`
	Percentile        *float64     `json:"percentile,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	LastActivity      time.Time    `json:"last_activity"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
}

// CalibrationRecord holds the running sufficient statistics of one question
// and the values last derived from them.
type CalibrationRecord struct {
	QuestionID      int64   `json:"question_id"`
	Attempts        int64   `json:"attempts"`
	Correct         int64   `json:"correct"`
	SumTheta        float64 `json:"sum_theta"`
	SumThetaSq      float64 `json:"sum_theta_sq"`
	SumThetaCorrect float64 `json:"sum_theta_correct"`

	Difficulty         float64    `json:"difficulty"`
	Discrimination     float64    `json:"discrimination"`
	Stable             bool       `json:"stable"`
	CalibratedAttempts int64      `json:"calibrated_attempts"`
	RecalibratedAt     *time.Time `json:"recalibrated_at,omitempty"`
}

// Centroid is one entry of a ranking digest: Weight observations between
// Min and Max. Min equals Max for an exact value.
type Centroid struct {
	Mean   float64 `json:"mean"`
	Weight float64 `json:"weight"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// RankingSummary is the serializable digest of one blueprint category.
type RankingSummary struct {
	Category    string     `json:"category"`
	Count       int64      `json:"count"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`
	Compression float64    `json:"compression"`
	Centroids   []Centroid `json:"centroids"`
}

// Checkpoint bundles every snapshot an external persistence layer needs to
// restore the engine verbatim. LastResponseID is the newest response
// already counted in Calibration.
type Checkpoint struct {
	Version        int                 `json:"version"`
	TakenAt        time.Time           `json:"taken_at"`
	LastResponseID int64               `json:"last_response_id"`
	Sessions       []SessionSnapshot   `json:"sessions,omitempty"`
	Calibration    []CalibrationRecord `json:"calibration,omitempty"`
	Rankings       []RankingSummary    `json:"rankings,omitempty"`
}
