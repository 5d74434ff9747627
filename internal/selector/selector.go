// Package selector maintains a session's ability estimate and picks the next
// question for a blueprint slot.
package selector

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/pavelanni/adaptex/internal/calibration"
	"github.com/pavelanni/adaptex/internal/model"
	"github.com/pavelanni/adaptex/internal/pool"
)

// Config holds the selector tunables.
type Config struct {
	Scale model.DifficultyScale

	BaseStep float64
	Margin   float64
	Floor    float64
	PriorSE  float64

	// Each widening level extends the slot's band by ToleranceStep on both
	// sides, up to MaxWidening levels.
	ToleranceStep float64
	MaxWidening   int

	SEThreshold float64
	MinItems    int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Scale:         model.DefaultScale(),
		BaseStep:      1.0,
		Margin:        0.5,
		Floor:         0.1,
		PriorSE:       1.0,
		ToleranceStep: 0.5,
		MaxWidening:   2,
		SEThreshold:   0.3,
		MinItems:      5,
	}
}

// Estimator exposes published calibration results.
type Estimator interface {
	Estimate(questionID int64) (calibration.Estimate, error)
}

// Ability is a session's running estimate.
type Ability struct {
	Theta       float64 `json:"theta"`
	Information float64 `json:"information"`
	Answered    int     `json:"answered"`
}

// StandardError is the inverse square root of accumulated information.
func (a Ability) StandardError() float64 {
	if a.Information <= 0 {
		return math.Inf(1)
	}
	return 1 / math.Sqrt(a.Information)
}

// Selector is stateless apart from its collaborators and may be shared by
// all sessions.
type Selector struct {
	cfg  Config
	pool pool.Pool
	est  Estimator
}

// New creates a selector. est may be nil, in which case only the pool's
// stored calibration and seed labels are used.
func New(cfg Config, p pool.Pool, est Estimator) (*Selector, error) {
	if cfg.Scale == nil {
		cfg.Scale = model.DefaultScale()
	}
	if err := cfg.Scale.Validate(); err != nil {
		return nil, err
	}
	if _, ok := cfg.Scale[model.DifficultyMedium]; !ok {
		return nil, fmt.Errorf("difficulty scale has no %q band", model.DifficultyMedium)
	}
	if cfg.BaseStep <= 0 || cfg.PriorSE <= 0 {
		return nil, fmt.Errorf("base step and prior standard error must be positive")
	}
	if cfg.Floor <= 0 {
		return nil, fmt.Errorf("floor must be positive")
	}
	return &Selector{cfg: cfg, pool: p, est: est}, nil
}

// Scale returns the difficulty table in use.
func (s *Selector) Scale() model.DifficultyScale {
	return s.cfg.Scale
}

// Start returns the initial estimate for a blueprint.
func (s *Selector) Start(bp model.Blueprint) Ability {
	theta := s.cfg.Scale.Midpoint(model.DifficultyMedium)
	if bp.Prior != nil {
		theta = s.cfg.Scale.Clamp(*bp.Prior)
	}
	return Ability{Theta: theta, Information: 1 / (s.cfg.PriorSE * s.cfg.PriorSE)}
}

// EffectiveDifficulty is the value an item is targeted with: the published
// calibration, else the stored calibration, else the seed label midpoint.
// Calibrated values are clamped to the scale like ability.
func (s *Selector) EffectiveDifficulty(q model.Question) float64 {
	if est, ok := s.estimate(q.ID); ok {
		return s.cfg.Scale.Clamp(est.Difficulty)
	}
	if q.CalibratedDifficulty != nil {
		return s.cfg.Scale.Clamp(*q.CalibratedDifficulty)
	}
	return s.cfg.Scale.Midpoint(q.Difficulty)
}

func (s *Selector) slope(q model.Question) float64 {
	if est, ok := s.estimate(q.ID); ok {
		return est.Slope()
	}
	if q.CalibratedDiscrimination != nil {
		return calibration.Estimate{Discrimination: *q.CalibratedDiscrimination}.Slope()
	}
	return 1
}

func (s *Selector) estimate(id int64) (calibration.Estimate, bool) {
	if s.est == nil {
		return calibration.Estimate{}, false
	}
	est, err := s.est.Estimate(id)
	if err != nil {
		return calibration.Estimate{}, false
	}
	return est, true
}

// Update applies one scored response to a.
func (s *Selector) Update(a Ability, q model.Question, correct bool) Ability {
	b := s.EffectiveDifficulty(q)
	step := s.cfg.BaseStep / float64(1+a.Answered)
	if correct {
		a.Theta += step * math.Max(s.cfg.Floor, b-a.Theta+s.cfg.Margin)
	} else {
		a.Theta -= step * math.Max(s.cfg.Floor, a.Theta-b+s.cfg.Margin)
	}
	a.Theta = s.cfg.Scale.Clamp(a.Theta)

	slope := s.slope(q)
	p := 1 / (1 + math.Exp(-slope*(a.Theta-b)))
	a.Information += slope * slope * p * (1 - p)
	a.Answered++
	return a
}

// ShouldStop reports whether the blueprint's early-stop rule is met.
func (s *Selector) ShouldStop(bp model.Blueprint, a Ability) bool {
	if !bp.EarlyStop.Enabled {
		return false
	}
	threshold, minItems := bp.EarlyStop.SEThreshold, bp.EarlyStop.MinItems
	if threshold <= 0 {
		threshold = s.cfg.SEThreshold
	}
	if minItems <= 0 {
		minItems = s.cfg.MinItems
	}
	return a.Answered >= minItems && a.StandardError() < threshold
}

type scope struct {
	topic, subtopic string
}

// scopes lists the search scopes for a slot from strictest to loosest.
// Subject is always kept.
func scopes(slot model.Slot) []scope {
	out := []scope{{slot.Topic, slot.Subtopic}}
	if slot.Subtopic != "" {
		out = append(out, scope{slot.Topic, ""})
	}
	if slot.Topic != "" {
		out = append(out, scope{"", ""})
	}
	return out
}

// Next picks the unadministered question for slot whose effective
// difficulty is closest to theta. Constraints are relaxed by widening the
// difficulty band first, then dropping subtopic and topic. When nothing
// qualifies it returns ErrBlueprintUnsatisfiable.
func (s *Selector) Next(slot model.Slot, theta float64, exclude map[int64]struct{}) (model.Question, error) {
	return s.pick(slot, theta, exclude, nil)
}

// Pick selects the next item for slot i of bp like Next, but skips any
// candidate whose use would leave the remaining slots unfillable. filled
// holds the number of items already given per slot.
func (s *Selector) Pick(bp model.Blueprint, filled []int, i int, theta float64, exclude map[int64]struct{}) (model.Question, error) {
	need := make([]int, len(bp.Slots))
	rest := 0
	for j, slot := range bp.Slots {
		need[j] = slot.Count - filled[j]
		rest += need[j]
	}
	need[i]--
	rest--

	keep := func(q model.Question) bool {
		if rest <= 0 {
			return true
		}
		excluded := func(id int64) bool {
			_, seen := exclude[id]
			return seen || id == q.ID
		}
		return s.unfillable(bp.Slots, need, excluded) < 0
	}
	return s.pick(bp.Slots[i], theta, exclude, keep)
}

func (s *Selector) pick(slot model.Slot, theta float64, exclude map[int64]struct{}, keep func(model.Question) bool) (model.Question, error) {
	band, ok := s.cfg.Scale[slot.Difficulty]
	if !ok {
		return model.Question{}, fmt.Errorf("%w: unknown difficulty %q", model.ErrInvalidBlueprint, slot.Difficulty)
	}
	rejected := make(map[int64]struct{})
	for i, sc := range scopes(slot) {
		for level := 0; level <= s.cfg.MaxWidening; level++ {
			for _, q := range s.candidates(slot.Subject, sc, slot.Difficulty, band, level, theta, exclude) {
				if _, done := rejected[q.ID]; done {
					continue
				}
				if keep != nil && !keep(q) {
					rejected[q.ID] = struct{}{}
					continue
				}
				if i > 0 || level > 0 {
					slog.Debug("relaxed slot constraints",
						"subject", slot.Subject, "topic", sc.topic, "subtopic", sc.subtopic,
						"widening", level, "question_id", q.ID)
				}
				return q, nil
			}
		}
	}
	return model.Question{}, fmt.Errorf("%w: no question left for subject %q topic %q difficulty %q",
		model.ErrBlueprintUnsatisfiable, slot.Subject, slot.Topic, slot.Difficulty)
}

type candidate struct {
	q    model.Question
	dist float64
}

// candidates returns the questions admitted at one scope and widening level,
// best first.
func (s *Selector) candidates(subject string, sc scope, label model.Difficulty, band model.Band, level int, theta float64, exclude map[int64]struct{}) []model.Question {
	f := pool.Filter{Subject: subject, Topic: sc.topic, Subtopic: sc.subtopic, Exclude: exclude}
	if level == 0 {
		f.Bands = []model.Difficulty{label}
	}
	tol := float64(level) * s.cfg.ToleranceStep

	var found []candidate
	for q := range s.pool.FindCandidates(f) {
		d := s.EffectiveDifficulty(q)
		if level > 0 && q.Difficulty != label && !band.Contains(d, tol) {
			continue
		}
		found = append(found, candidate{q: q, dist: math.Abs(d - theta)})
	}
	slices.SortFunc(found, func(a, b candidate) int {
		switch {
		case better(a.q, a.dist, b.q, b.dist):
			return -1
		case better(b.q, b.dist, a.q, a.dist):
			return 1
		}
		return 0
	})
	out := make([]model.Question, len(found))
	for i, c := range found {
		out[i] = c.q
	}
	return out
}

// better orders candidates by distance, then exposure, then id.
func better(q model.Question, dist float64, cur model.Question, curDist float64) bool {
	if dist != curDist {
		return dist < curDist
	}
	if q.ExposureCount != cur.ExposureCount {
		return q.ExposureCount < cur.ExposureCount
	}
	return q.ID < cur.ID
}

// eligible reports whether q can serve slot at maximum relaxation.
func (s *Selector) eligible(slot model.Slot, q model.Question) bool {
	if q.Subject != slot.Subject {
		return false
	}
	if q.Difficulty == slot.Difficulty {
		return true
	}
	maxTol := float64(s.cfg.MaxWidening) * s.cfg.ToleranceStep
	return s.cfg.Scale[slot.Difficulty].Contains(s.EffectiveDifficulty(q), maxTol)
}

// unfillable matches slot demand to distinct eligible questions and returns
// the index of the first slot that cannot be served, or -1 when need can be
// met in full.
func (s *Selector) unfillable(slots []model.Slot, need []int, excluded func(int64) bool) int {
	elig := make([][]int64, len(slots))
	for i, slot := range slots {
		if need[i] <= 0 {
			continue
		}
		for q := range s.pool.FindCandidates(pool.Filter{Subject: slot.Subject}) {
			if !excluded(q.ID) && s.eligible(slot, q) {
				elig[i] = append(elig[i], q.ID)
			}
		}
		if len(elig[i]) < need[i] {
			return i
		}
	}

	owner := make(map[int64]int)
	var visited map[int64]bool
	var augment func(i int) bool
	augment = func(i int) bool {
		for _, id := range elig[i] {
			if visited[id] {
				continue
			}
			visited[id] = true
			j, taken := owner[id]
			if !taken || augment(j) {
				owner[id] = i
				return true
			}
		}
		return false
	}
	for i := range slots {
		for range need[i] {
			visited = make(map[int64]bool)
			if !augment(i) {
				return i
			}
		}
	}
	return -1
}

// Feasible checks that the pool holds enough distinct questions to fill
// every slot of bp at once, at maximum relaxation.
func (s *Selector) Feasible(bp model.Blueprint) error {
	if err := bp.Validate(s.cfg.Scale); err != nil {
		return err
	}
	need := make([]int, len(bp.Slots))
	for i, slot := range bp.Slots {
		need[i] = slot.Count
	}
	if i := s.unfillable(bp.Slots, need, func(int64) bool { return false }); i >= 0 {
		slot := bp.Slots[i]
		return fmt.Errorf("%w: slot %d (%s/%s, %d items) cannot be filled alongside the other slots",
			model.ErrBlueprintUnsatisfiable, i, slot.Subject, slot.Difficulty, slot.Count)
	}
	return nil
}
