// Package session runs adaptive exam sessions. The manager owns every
// session's lifecycle, asks the selector for items, forwards responses to
// calibration and hands final estimates to ranking.
package session

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/adaptex/internal/calibration"
	"github.com/pavelanni/adaptex/internal/model"
	"github.com/pavelanni/adaptex/internal/pool"
	"github.com/pavelanni/adaptex/internal/selector"
)

// Config holds the manager tunables.
type Config struct {
	// InactivityTimeout is how long an in-progress session may go without a
	// response before the sweep times it out.
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	// Retention drops terminal sessions from memory this long after they
	// end. Zero keeps them for the life of the process.
	Retention time.Duration
	// RankPartial also ranks abandoned and timed-out sessions that have at
	// least one response.
	RankPartial bool

	Clock func() time.Time
	NewID func() string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout: 30 * time.Minute,
		SweepInterval:     time.Minute,
	}
}

// Recorder persists session state and responses. Implemented by the store.
type Recorder interface {
	SaveSession(snap model.SessionSnapshot) error
	AppendResponse(r model.Response) (int64, error)
}

// Observer receives scored responses for calibration.
type Observer interface {
	Observe(ev calibration.Event)
}

// Ranker stores final estimates and answers percentile queries.
type Ranker interface {
	Insert(category string, theta float64)
	PercentileOf(category string, theta float64) (float64, bool)
}

// Listener is told about session lifecycle events.
type Listener interface {
	SessionStarted(blueprintID string)
	ResponseScored(blueprintID string, correct bool, elapsed time.Duration)
	SessionFinished(blueprintID string, state model.SessionState, reason model.StopReason)
}

// Deps are the collaborators of a Manager. Selector and Pool are required.
type Deps struct {
	Selector    *selector.Selector
	Pool        pool.Pool
	Calibration Observer
	Ranking     Ranker
	Recorder    Recorder
	Listener    Listener
}

// Manager is safe for concurrent use. Calls on different sessions never
// contend beyond a brief read lock on the session registry.
type Manager struct {
	cfg  Config
	deps Deps

	// gate is held shared by every call that changes a session and
	// exclusively by Quiesce.
	gate sync.RWMutex

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a manager. Zero config fields take their defaults.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Selector == nil || deps.Pool == nil {
		return nil, fmt.Errorf("session manager needs a selector and a pool")
	}
	def := DefaultConfig()
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Manager{cfg: cfg, deps: deps, sessions: make(map[string]*session)}, nil
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, model.ErrUnknownSession)
	}
	return s, nil
}

func (m *Manager) list() []*session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Quiesce runs fn while no session is being started, answered or finished.
// fn must not call back into the manager except Snapshot and Len.
func (m *Manager) Quiesce(fn func()) {
	m.gate.Lock()
	defer m.gate.Unlock()
	fn()
}

// Len returns the number of sessions held in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartSession checks that the pool can satisfy bp, selects the first item
// and returns the new session in progress. Nothing is registered on error.
func (m *Manager) StartSession(candidateID string, bp model.Blueprint) (model.SessionStatus, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()

	if err := m.deps.Selector.Feasible(bp); err != nil {
		return model.SessionStatus{}, fmt.Errorf("start session for blueprint %s: %w", bp.ID, err)
	}

	s := newSession(m.cfg.NewID(), candidateID, bp, m.deps.Selector.Start(bp), m.cfg.Clock())
	slot := s.nextSlot()
	q, err := m.deps.Selector.Pick(bp, s.slotFill, slot, s.ability.Theta, s.seen)
	if err != nil {
		return model.SessionStatus{}, fmt.Errorf("start session for blueprint %s: %w", bp.ID, err)
	}
	if !s.transition(model.StateInProgress) {
		return model.SessionStatus{}, fmt.Errorf("start session: %w", model.ErrInvalidState)
	}
	s.assign(q, slot)

	if m.deps.Recorder != nil {
		if err := m.deps.Recorder.SaveSession(s.snapshot()); err != nil {
			return model.SessionStatus{}, fmt.Errorf("save session: %w", err)
		}
	}
	m.recordExposure(q.ID)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	if m.deps.Listener != nil {
		m.deps.Listener.SessionStarted(bp.ID)
	}

	slog.Info("session started",
		"session_id", s.id, "candidate_id", candidateID, "blueprint_id", bp.ID,
		"items", bp.TotalItems(), "theta", s.ability.Theta)
	return s.status(), nil
}

func (m *Manager) recordExposure(id int64) {
	if err := m.deps.Pool.RecordExposure(id); err != nil {
		slog.Warn("record exposure failed", "question_id", id, "error", err)
	}
}

// SubmitResponse scores answer against the current item, updates the
// ability estimate and either serves the next item or completes the session.
func (m *Manager) SubmitResponse(id, answer string, elapsed time.Duration) (model.SessionStatus, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()
	s, err := m.get(id)
	if err != nil {
		return model.SessionStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.StateInProgress || s.current == nil {
		return s.status(), fmt.Errorf("submit response to %s session %s: %w", s.state, id, model.ErrInvalidState)
	}

	q := *s.current
	now := m.cfg.Clock()
	correct := q.IsCorrect(answer)
	before := s.ability
	after := m.deps.Selector.Update(before, q, correct)

	resp := model.Response{
		SessionID:   s.id,
		QuestionID:  q.ID,
		Slot:        s.currentSlot,
		Answer:      answer,
		Correct:     correct,
		Elapsed:     elapsed,
		ThetaBefore: before.Theta,
		ThetaAfter:  after.Theta,
		Timestamp:   now,
	}
	if correct {
		resp.Marks = q.Marks
	}
	if m.deps.Recorder != nil {
		rowID, err := m.deps.Recorder.AppendResponse(resp)
		if err != nil {
			return s.status(), fmt.Errorf("record response: %w", err)
		}
		resp.ID = rowID
	}

	s.responses = append(s.responses, resp)
	s.ability = after
	s.slotFill[s.currentSlot]++
	s.lastActivity = now
	s.score += resp.Marks
	s.maxScore += q.Marks
	s.current = nil

	if m.deps.Listener != nil {
		m.deps.Listener.ResponseScored(s.bp.ID, correct, elapsed)
	}
	if m.deps.Calibration != nil {
		m.deps.Calibration.Observe(calibration.Event{QuestionID: q.ID, Correct: correct, Theta: before.Theta})
	}

	switch slot := s.nextSlot(); {
	case slot < 0:
		m.finish(s, model.StateCompleted, model.StopItemCount, now)
	case m.deps.Selector.ShouldStop(s.bp, s.ability):
		m.finish(s, model.StateCompleted, model.StopEarly, now)
	default:
		next, err := m.deps.Selector.Pick(s.bp, s.slotFill, slot, s.ability.Theta, s.seen)
		if err != nil {
			slog.Warn("question pool exhausted, completing session early",
				"session_id", s.id, "slot", slot, "error", err)
			m.finish(s, model.StateCompleted, model.StopPoolExhausted, now)
			break
		}
		s.assign(next, slot)
		m.recordExposure(next.ID)
	}

	m.save(s)
	return s.status(), nil
}

// finish moves s to a terminal state. Sessions that answered the whole
// blueprint or stopped early are ranked; the rest only with RankPartial.
// Callers hold s.mu.
func (m *Manager) finish(s *session, to model.SessionState, reason model.StopReason, now time.Time) bool {
	if !s.transition(to) {
		return false
	}
	s.stop = reason
	s.endedAt = &now
	s.current = nil

	full := to == model.StateCompleted && reason != model.StopPoolExhausted
	ranked := full || (m.cfg.RankPartial && s.ability.Answered > 0)
	if ranked && m.deps.Ranking != nil {
		category := s.bp.RankingCategory()
		m.deps.Ranking.Insert(category, s.ability.Theta)
		if p, ok := m.deps.Ranking.PercentileOf(category, s.ability.Theta); ok {
			s.percentile = &p
		}
	}

	if m.deps.Listener != nil {
		m.deps.Listener.SessionFinished(s.bp.ID, to, reason)
	}
	slog.Info("session finished",
		"session_id", s.id, "state", to, "reason", reason,
		"answered", s.ability.Answered, "theta", s.ability.Theta, "ranked", ranked)
	return true
}

func (m *Manager) save(s *session) {
	if m.deps.Recorder == nil {
		return
	}
	if err := m.deps.Recorder.SaveSession(s.snapshot()); err != nil {
		slog.Warn("persist session failed", "session_id", s.id, "error", err)
	}
}

// Abandon ends an in-progress session. Abandoning a session that is already
// terminal is a no-op.
func (m *Manager) Abandon(id string) (model.SessionStatus, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()
	s, err := m.get(id)
	if err != nil {
		return model.SessionStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return s.status(), nil
	}
	if !m.finish(s, model.StateAbandoned, model.StopAbandoned, m.cfg.Clock()) {
		return s.status(), fmt.Errorf("abandon %s session %s: %w", s.state, id, model.ErrInvalidState)
	}
	m.save(s)
	return s.status(), nil
}

// Status returns the in-flight view of a session.
func (m *Manager) Status(id string) (model.SessionStatus, error) {
	s, err := m.get(id)
	if err != nil {
		return model.SessionStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(), nil
}

// FinalResult returns the outcome of a terminal session.
func (m *Manager) FinalResult(id string) (model.FinalResult, error) {
	s, err := m.get(id)
	if err != nil {
		return model.FinalResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsTerminal() {
		return model.FinalResult{}, fmt.Errorf("session %s is %s: %w", id, s.state, model.ErrNotTerminal)
	}
	return s.result(), nil
}

// SweepTimeouts times out in-progress sessions idle for longer than the
// inactivity window and evicts terminal sessions past retention. It
// returns the number of sessions timed out.
func (m *Manager) SweepTimeouts(now time.Time) int {
	m.gate.RLock()
	defer m.gate.RUnlock()
	timedOut := 0
	var evict []string
	for _, s := range m.list() {
		s.mu.Lock()
		switch {
		case s.state == model.StateInProgress && now.Sub(s.lastActivity) > m.cfg.InactivityTimeout:
			if m.finish(s, model.StateTimedOut, model.StopTimedOut, now) {
				m.save(s)
				timedOut++
			}
		case s.state.IsTerminal() && m.cfg.Retention > 0 && s.endedAt != nil && now.Sub(*s.endedAt) > m.cfg.Retention:
			evict = append(evict, s.id)
		}
		s.mu.Unlock()
	}
	if len(evict) > 0 {
		m.mu.Lock()
		for _, id := range evict {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		slog.Debug("evicted finished sessions", "count", len(evict))
	}
	return timedOut
}

// RunTimeoutSweeper calls SweepTimeouts on every tick until ctx is
// cancelled.
func (m *Manager) RunTimeoutSweeper(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.SweepTimeouts(m.cfg.Clock()); n > 0 {
				slog.Info("timed out idle sessions", "count", n)
			}
		}
	}
}

// Snapshot returns every session in memory ordered by start time.
func (m *Manager) Snapshot() []model.SessionSnapshot {
	var out []model.SessionSnapshot
	for _, s := range m.list() {
		s.mu.Lock()
		out = append(out, s.snapshot())
		s.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b model.SessionSnapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Restore loads sessions from snapshots. In-progress sessions resume with
// the question they were showing.
func (m *Manager) Restore(snaps []model.SessionSnapshot) error {
	restored := make([]*session, 0, len(snaps))
	for _, snap := range snaps {
		s, err := m.fromSnapshot(snap)
		if err != nil {
			return fmt.Errorf("restore session %s: %w", snap.ID, err)
		}
		restored = append(restored, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range restored {
		m.sessions[s.id] = s
	}
	return nil
}

func (m *Manager) fromSnapshot(snap model.SessionSnapshot) (*session, error) {
	switch snap.State {
	case model.StateInProgress, model.StateCompleted, model.StateAbandoned, model.StateTimedOut:
	default:
		return nil, fmt.Errorf("state %q: %w", snap.State, model.ErrInvalidState)
	}
	if len(snap.SlotFill) != len(snap.Blueprint.Slots) {
		return nil, fmt.Errorf("%d slot counters for %d slots", len(snap.SlotFill), len(snap.Blueprint.Slots))
	}

	s := newSession(snap.ID, snap.CandidateID, snap.Blueprint, selector.Ability{
		Theta:       snap.Theta,
		Information: snap.Information,
		Answered:    len(snap.Responses),
	}, snap.StartedAt)
	s.state = snap.State
	s.stop = snap.StopReason
	s.administered = slices.Clone(snap.Administered)
	for _, id := range s.administered {
		if _, dup := s.seen[id]; dup {
			return nil, fmt.Errorf("question %d administered twice", id)
		}
		s.seen[id] = struct{}{}
	}
	copy(s.slotFill, snap.SlotFill)
	s.currentSlot = snap.CurrentSlot
	s.responses = slices.Clone(snap.Responses)
	s.score, s.maxScore = snap.Score, snap.MaxScore
	s.lastActivity = snap.LastActivity
	if snap.Percentile != nil {
		p := *snap.Percentile
		s.percentile = &p
	}
	if snap.EndedAt != nil {
		e := *snap.EndedAt
		s.endedAt = &e
	}

	if snap.State == model.StateInProgress {
		q, err := m.deps.Pool.GetByID(snap.CurrentQuestionID)
		if err != nil {
			return nil, err
		}
		s.current = &q
	}
	return s, nil
}
