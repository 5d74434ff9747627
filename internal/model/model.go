package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Difficulty is the seed difficulty label attached to a question by its author.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Band is the numeric range a difficulty label covers on the ability scale.
// Lower is inclusive, Upper is exclusive except for the top band.
type Band struct {
	Midpoint float64 `json:"midpoint" mapstructure:"midpoint"`
	Lower    float64 `json:"lower" mapstructure:"lower"`
	Upper    float64 `json:"upper" mapstructure:"upper"`
}

// Contains reports whether v lies inside the band widened by tol on both sides.
func (b Band) Contains(v, tol float64) bool {
	return v >= b.Lower-tol && v <= b.Upper+tol
}

// DifficultyScale maps difficulty labels to numeric bands.
type DifficultyScale map[Difficulty]Band

// DefaultScale returns the built-in label table.
func DefaultScale() DifficultyScale {
	return DifficultyScale{
		DifficultyEasy:   {Midpoint: -1.0, Lower: -3.0, Upper: -0.5},
		DifficultyMedium: {Midpoint: 0.0, Lower: -0.5, Upper: 0.5},
		DifficultyHard:   {Midpoint: 1.0, Lower: 0.5, Upper: 3.0},
	}
}

// Midpoint returns the numeric value for a label, falling back to the medium
// midpoint for unknown labels.
func (s DifficultyScale) Midpoint(d Difficulty) float64 {
	if b, ok := s[d]; ok {
		return b.Midpoint
	}
	return s[DifficultyMedium].Midpoint
}

// Bounds returns the lowest and highest values covered by the scale.
func (s DifficultyScale) Bounds() (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range s {
		lo = math.Min(lo, b.Lower)
		hi = math.Max(hi, b.Upper)
	}
	return lo, hi
}

// Clamp limits v to the scale bounds.
func (s DifficultyScale) Clamp(v float64) float64 {
	lo, hi := s.Bounds()
	return math.Max(lo, math.Min(hi, v))
}

// Classify returns the label whose band contains v.
func (s DifficultyScale) Classify(v float64) Difficulty {
	best, bestDist := DifficultyMedium, math.Inf(1)
	for d, b := range s {
		if v >= b.Lower && v < b.Upper {
			return d
		}
		if dist := math.Abs(v - b.Midpoint); dist < bestDist {
			best, bestDist = d, dist
		}
	}
	return best
}

// Validate checks that every band is well formed.
func (s DifficultyScale) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("difficulty scale is empty")
	}
	for d, b := range s {
		if b.Lower >= b.Upper {
			return fmt.Errorf("difficulty %q: lower %.2f must be below upper %.2f", d, b.Lower, b.Upper)
		}
		if b.Midpoint < b.Lower || b.Midpoint > b.Upper {
			return fmt.Errorf("difficulty %q: midpoint %.2f outside [%.2f, %.2f]", d, b.Midpoint, b.Lower, b.Upper)
		}
	}
	return nil
}

// Question is a scored multiple-choice item from the question pool.
type Question struct {
	ID            int64      `json:"id"`
	Subject       string     `json:"subject"`
	Topic         string     `json:"topic"`
	Subtopic      string     `json:"subtopic,omitempty"`
	Text          string     `json:"text"`
	Choices       []string   `json:"choices,omitempty"`
	CorrectAnswer string     `json:"correct_answer"`
	Marks         int        `json:"marks"`
	Difficulty    Difficulty `json:"difficulty"`

	CalibratedDifficulty     *float64 `json:"calibrated_difficulty,omitempty"`
	CalibratedDiscrimination *float64 `json:"calibrated_discrimination,omitempty"`

	ExposureCount int64 `json:"exposure_count"`
}

// IsCorrect compares a submitted answer to the key, ignoring case and
// surrounding whitespace.
func (q Question) IsCorrect(answer string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.CorrectAnswer))
}

// View strips the answer key for delivery to a candidate.
func (q Question) View() QuestionView {
	return QuestionView{
		ID:       q.ID,
		Subject:  q.Subject,
		Topic:    q.Topic,
		Subtopic: q.Subtopic,
		Text:     q.Text,
		Choices:  q.Choices,
		Marks:    q.Marks,
	}
}

// QuestionView is the candidate-facing part of a question.
type QuestionView struct {
	ID       int64    `json:"id"`
	Subject  string   `json:"subject"`
	Topic    string   `json:"topic"`
	Subtopic string   `json:"subtopic,omitempty"`
	Text     string   `json:"text"`
	Choices  []string `json:"choices,omitempty"`
	Marks    int      `json:"marks"`
}

// QuestionImport is used for loading questions from JSON.
type QuestionImport struct {
	Subject       string     `json:"subject"`
	Topic         string     `json:"topic"`
	Subtopic      string     `json:"subtopic"`
	Text          string     `json:"text"`
	Choices       []string   `json:"choices"`
	CorrectAnswer string     `json:"correct_answer"`
	Marks         int        `json:"marks"`
	Difficulty    Difficulty `json:"difficulty"`
}

// Slot is one blueprint constraint: Count items of the given subject and
// difficulty band, optionally narrowed to a topic and subtopic.
type Slot struct {
	Subject    string     `json:"subject" toml:"subject"`
	Topic      string     `json:"topic,omitempty" toml:"topic"`
	Subtopic   string     `json:"subtopic,omitempty" toml:"subtopic"`
	Difficulty Difficulty `json:"difficulty" toml:"difficulty"`
	Count      int        `json:"count" toml:"count"`
}

// EarlyStop configures the standard-error stopping rule.
type EarlyStop struct {
	Enabled     bool    `json:"enabled" toml:"enabled"`
	SEThreshold float64 `json:"se_threshold" toml:"se_threshold"`
	MinItems    int     `json:"min_items" toml:"min_items"`
}

// Blueprint is the published composition of an exam type.
type Blueprint struct {
	ID        string    `json:"id" toml:"id"`
	Name      string    `json:"name" toml:"name"`
	Category  string    `json:"category,omitempty" toml:"category"`
	Prior     *float64  `json:"prior,omitempty" toml:"prior"`
	EarlyStop EarlyStop `json:"early_stop" toml:"early_stop"`
	Slots     []Slot    `json:"slots" toml:"slots"`
}

// TotalItems is the sum of all slot counts.
func (b Blueprint) TotalItems() int {
	n := 0
	for _, s := range b.Slots {
		n += s.Count
	}
	return n
}

// RankingCategory is the key under which completed sessions are ranked.
func (b Blueprint) RankingCategory() string {
	if b.Category != "" {
		return b.Category
	}
	return b.ID
}

// Validate checks the blueprint against the difficulty scale.
func (b Blueprint) Validate(scale DifficultyScale) error {
	if b.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidBlueprint)
	}
	if len(b.Slots) == 0 {
		return fmt.Errorf("%w: %s has no slots", ErrInvalidBlueprint, b.ID)
	}
	for i, s := range b.Slots {
		if s.Subject == "" {
			return fmt.Errorf("%w: %s slot %d has no subject", ErrInvalidBlueprint, b.ID, i)
		}
		if s.Count <= 0 {
			return fmt.Errorf("%w: %s slot %d has count %d", ErrInvalidBlueprint, b.ID, i, s.Count)
		}
		if _, ok := scale[s.Difficulty]; !ok {
			return fmt.Errorf("%w: %s slot %d has unknown difficulty %q", ErrInvalidBlueprint, b.ID, i, s.Difficulty)
		}
		if s.Subtopic != "" && s.Topic == "" {
			return fmt.Errorf("%w: %s slot %d has subtopic without topic", ErrInvalidBlueprint, b.ID, i)
		}
	}
	return nil
}

// SessionState is a node of the exam session lifecycle.
type SessionState string

const (
	StateCreated    SessionState = "created"
	StateInProgress SessionState = "in_progress"
	StateCompleted  SessionState = "completed"
	StateAbandoned  SessionState = "abandoned"
	StateTimedOut   SessionState = "timed_out"
)

// IsTerminal reports whether no further transitions are possible.
func (s SessionState) IsTerminal() bool {
	return s == StateCompleted || s == StateAbandoned || s == StateTimedOut
}

// CanTransition reports whether from → to is an edge of the lifecycle graph.
func CanTransition(from, to SessionState) bool {
	switch from {
	case StateCreated:
		return to == StateInProgress
	case StateInProgress:
		return to == StateCompleted || to == StateAbandoned || to == StateTimedOut
	}
	return false
}

// StopReason explains why a session left InProgress.
type StopReason string

const (
	StopItemCount     StopReason = "item_count"
	StopEarly         StopReason = "early_stop"
	StopPoolExhausted StopReason = "pool_exhausted"
	StopAbandoned     StopReason = "abandoned"
	StopTimedOut      StopReason = "timed_out"
)

// Response is one recorded answer. Immutable once appended.
type Response struct {
	ID          int64         `json:"id,omitempty"`
	SessionID   string        `json:"session_id"`
	QuestionID  int64         `json:"question_id"`
	Slot        int           `json:"slot"`
	Answer      string        `json:"answer"`
	Correct     bool          `json:"correct"`
	Marks       int           `json:"marks"`
	Elapsed     time.Duration `json:"elapsed"`
	ThetaBefore float64       `json:"theta_before"`
	ThetaAfter  float64       `json:"theta_after"`
	Timestamp   time.Time     `json:"timestamp"`
}

// SessionStatus is the in-flight view returned to callers.
type SessionStatus struct {
	SessionID       string        `json:"session_id"`
	CandidateID     string        `json:"candidate_id"`
	BlueprintID     string        `json:"blueprint_id"`
	State           SessionState  `json:"state"`
	Theta           float64       `json:"theta"`
	StandardError   float64       `json:"standard_error"`
	Answered        int           `json:"answered"`
	Total           int           `json:"total"`
	CurrentQuestion *QuestionView `json:"current_question,omitempty"`
}

// FinalResult is available once a session is terminal.
type FinalResult struct {
	SessionID     string       `json:"session_id"`
	CandidateID   string       `json:"candidate_id"`
	BlueprintID   string       `json:"blueprint_id"`
	Category      string       `json:"category"`
	State         SessionState `json:"state"`
	StopReason    StopReason   `json:"stop_reason"`
	Theta         float64      `json:"theta"`
	StandardError float64      `json:"standard_error"`
	Score         int          `json:"score"`
	MaxScore      int          `json:"max_score"`
	Answered      int          `json:"answered"`
	Percentile    *float64     `json:"percentile,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	EndedAt       time.Time    `json:"ended_at"`
}
