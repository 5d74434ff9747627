// Package calibration re-derives question difficulty and discrimination from
// the responses observed across all sessions.
package calibration

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pavelanni/adaptex/internal/model"
)

// Config holds the engine tunables.
type Config struct {
	MinAttempts   int64
	QueueSize     int
	SweepInterval time.Duration
	Clock         func() time.Time
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		MinAttempts:   30,
		QueueSize:     4096,
		SweepInterval: time.Minute,
	}
}

// Event is one scored response as seen by the calibration engine.
type Event struct {
	QuestionID int64
	Correct    bool
	Theta      float64
}

// Estimate is a published calibration result.
type Estimate struct {
	Difficulty     float64
	Discrimination float64
	Attempts       int64
	At             time.Time
}

// Slope converts the point-biserial discrimination into a logistic slope
// for information calculations. Non-positive correlations map to the
// minimum slope.
func (e Estimate) Slope() float64 {
	const minSlope, maxSlope = 0.25, 3.0
	r := e.Discrimination
	if r <= 0 {
		return minSlope
	}
	if r >= 0.99 {
		return maxSlope
	}
	return math.Max(minSlope, math.Min(maxSlope, r/math.Sqrt(1-r*r)))
}

type stats struct {
	attempts        int64
	correct         int64
	sumTheta        float64
	sumThetaSq      float64
	sumThetaCorrect float64
}

func (s *stats) add(correct bool, theta float64) {
	s.attempts++
	s.sumTheta += theta
	s.sumThetaSq += theta * theta
	if correct {
		s.correct++
		s.sumThetaCorrect += theta
	}
}

type record struct {
	mu                 sync.Mutex
	stats              stats
	calibratedAttempts int64

	published atomic.Pointer[Estimate]
}

// Engine owns the calibration record of every question that has been
// answered at least once. Each record has its own lock.
type Engine struct {
	cfg     Config
	records sync.Map // int64 -> *record
	events  chan Event

	// mu orders Observe against Run exiting; pending counts queued events
	// not yet applied.
	mu      sync.RWMutex
	running atomic.Bool
	pending sync.WaitGroup
}

// New creates an engine. Zero config fields take their defaults.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MinAttempts <= 0 {
		cfg.MinAttempts = def.MinAttempts
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{cfg: cfg, events: make(chan Event, cfg.QueueSize)}
}

func (e *Engine) record(id int64) *record {
	if r, ok := e.records.Load(id); ok {
		return r.(*record)
	}
	r, _ := e.records.LoadOrStore(id, &record{})
	return r.(*record)
}

// RecordResponse adds one response to the question's running statistics.
// Safe for any number of concurrent callers.
func (e *Engine) RecordResponse(questionID int64, correct bool, theta float64) {
	r := e.record(questionID)
	r.mu.Lock()
	r.stats.add(correct, theta)
	r.mu.Unlock()
}

// Observe queues ev for the worker started by Run. When the worker is not
// running or the queue is full the event is applied inline.
func (e *Engine) Observe(ev Event) {
	e.mu.RLock()
	if e.running.Load() {
		e.pending.Add(1)
		select {
		case e.events <- ev:
			e.mu.RUnlock()
			return
		default:
			e.pending.Done()
			slog.Debug("calibration queue full, applying inline", "question_id", ev.QuestionID)
		}
	}
	e.mu.RUnlock()
	e.RecordResponse(ev.QuestionID, ev.Correct, ev.Theta)
}

// Run consumes queued events until ctx is cancelled, then drains the queue.
// Events observed after Run returns are applied inline.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	for {
		select {
		case ev := <-e.events:
			e.apply(ev)
		case <-ctx.Done():
			e.mu.Lock()
			e.running.Store(false)
			e.mu.Unlock()
			e.drain()
			return nil
		}
	}
}

func (e *Engine) apply(ev Event) {
	e.RecordResponse(ev.QuestionID, ev.Correct, ev.Theta)
	e.pending.Done()
}

func (e *Engine) drain() {
	for {
		select {
		case ev := <-e.events:
			e.apply(ev)
		default:
			return
		}
	}
}

// Flush applies every queued event and returns once the worker has applied
// any event it already took. Callers must stop calling Observe first.
func (e *Engine) Flush() {
	e.drain()
	e.pending.Wait()
}

// Recalibrate derives new parameters for one question from a snapshot of its
// statistics and publishes them. Questions below the attempt threshold are
// left unchanged and report ErrCalibrationUnavailable.
func (e *Engine) Recalibrate(questionID int64) (Estimate, error) {
	v, ok := e.records.Load(questionID)
	if !ok {
		return Estimate{}, fmt.Errorf("question %d: %w", questionID, model.ErrCalibrationUnavailable)
	}
	r := v.(*record)

	r.mu.Lock()
	snap := r.stats
	r.mu.Unlock()

	if snap.attempts < e.cfg.MinAttempts {
		return Estimate{}, fmt.Errorf("question %d has %d of %d attempts: %w",
			questionID, snap.attempts, e.cfg.MinAttempts, model.ErrCalibrationUnavailable)
	}
	if cur := r.published.Load(); cur != nil && cur.Attempts >= snap.attempts {
		return *cur, nil
	}

	difficulty, discrimination := derive(snap)
	est := &Estimate{
		Difficulty:     difficulty,
		Discrimination: discrimination,
		Attempts:       snap.attempts,
		At:             e.cfg.Clock(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent recalibration may have published a newer snapshot.
	if cur := r.published.Load(); cur != nil && cur.Attempts >= est.Attempts {
		return *cur, nil
	}
	r.published.Store(est)
	r.calibratedAttempts = est.Attempts
	return *est, nil
}

// derive computes the Rasch-style difficulty and point-biserial
// discrimination from sufficient statistics. Requires attempts > 0.
func derive(s stats) (difficulty, discrimination float64) {
	n := float64(s.attempts)
	mean := s.sumTheta / n
	raw := float64(s.correct) / n

	p := math.Max(1/(2*n), math.Min(1-1/(2*n), raw))
	difficulty = mean - math.Log(p/(1-p))

	varX := raw * (1 - raw)
	varY := s.sumThetaSq/n - mean*mean
	if varX <= 0 || varY <= 1e-12 {
		return difficulty, 0
	}
	cov := s.sumThetaCorrect/n - raw*mean
	r := cov / math.Sqrt(varX*varY)
	return difficulty, math.Max(-1, math.Min(1, r))
}

// Estimate returns the published parameters for a question, or
// ErrCalibrationUnavailable if it has never been calibrated.
func (e *Engine) Estimate(questionID int64) (Estimate, error) {
	if v, ok := e.records.Load(questionID); ok {
		if est := v.(*record).published.Load(); est != nil {
			return *est, nil
		}
	}
	return Estimate{}, fmt.Errorf("question %d: %w", questionID, model.ErrCalibrationUnavailable)
}

// Published returns the number of questions with a published estimate.
func (e *Engine) Published() int {
	n := 0
	e.records.Range(func(_, v any) bool {
		if v.(*record).published.Load() != nil {
			n++
		}
		return true
	})
	return n
}

// Sweep recalibrates every question with new attempts since its last
// calibration and returns how many estimates were published.
func (e *Engine) Sweep(ctx context.Context) int {
	updated := 0
	e.records.Range(func(k, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		id, r := k.(int64), v.(*record)
		r.mu.Lock()
		pending := r.stats.attempts > r.calibratedAttempts && r.stats.attempts >= e.cfg.MinAttempts
		r.mu.Unlock()
		if !pending {
			return true
		}
		if _, err := e.Recalibrate(id); err != nil {
			slog.Warn("recalibration failed, retrying next sweep", "question_id", id, "error", err)
			return true
		}
		updated++
		return true
	})
	return updated
}

// RunSweeper calls Sweep on every tick until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.Sweep(ctx); n > 0 {
				slog.Info("recalibrated questions", "count", n)
			}
		}
	}
}

// Record returns a copy of one question's calibration record.
func (e *Engine) Record(questionID int64) (model.CalibrationRecord, bool) {
	v, ok := e.records.Load(questionID)
	if !ok {
		return model.CalibrationRecord{}, false
	}
	return e.snapshotRecord(questionID, v.(*record)), true
}

func (e *Engine) snapshotRecord(id int64, r *record) model.CalibrationRecord {
	r.mu.Lock()
	rec := model.CalibrationRecord{
		QuestionID:         id,
		Attempts:           r.stats.attempts,
		Correct:            r.stats.correct,
		SumTheta:           r.stats.sumTheta,
		SumThetaSq:         r.stats.sumThetaSq,
		SumThetaCorrect:    r.stats.sumThetaCorrect,
		CalibratedAttempts: r.calibratedAttempts,
	}
	r.mu.Unlock()
	if est := r.published.Load(); est != nil {
		at := est.At
		rec.Difficulty = est.Difficulty
		rec.Discrimination = est.Discrimination
		rec.Stable = true
		rec.RecalibratedAt = &at
	}
	return rec
}

// Snapshot returns every calibration record ordered by question id.
func (e *Engine) Snapshot() []model.CalibrationRecord {
	var out []model.CalibrationRecord
	e.records.Range(func(k, v any) bool {
		out = append(out, e.snapshotRecord(k.(int64), v.(*record)))
		return true
	})
	slices.SortFunc(out, func(a, b model.CalibrationRecord) int {
		return cmp.Compare(a.QuestionID, b.QuestionID)
	})
	return out
}

// Restore replaces the records named in recs. Intended for startup, before
// sessions are accepted.
func (e *Engine) Restore(recs []model.CalibrationRecord) error {
	for _, rec := range recs {
		if rec.Correct < 0 || rec.Correct > rec.Attempts {
			return fmt.Errorf("question %d: correct count %d outside [0, %d]", rec.QuestionID, rec.Correct, rec.Attempts)
		}
	}
	for _, rec := range recs {
		r := &record{
			stats: stats{
				attempts:        rec.Attempts,
				correct:         rec.Correct,
				sumTheta:        rec.SumTheta,
				sumThetaSq:      rec.SumThetaSq,
				sumThetaCorrect: rec.SumThetaCorrect,
			},
			calibratedAttempts: rec.CalibratedAttempts,
		}
		if rec.Stable {
			est := &Estimate{
				Difficulty:     rec.Difficulty,
				Discrimination: rec.Discrimination,
				Attempts:       rec.CalibratedAttempts,
			}
			if rec.RecalibratedAt != nil {
				est.At = *rec.RecalibratedAt
			}
			r.published.Store(est)
		}
		e.records.Store(rec.QuestionID, r)
	}
	return nil
}
