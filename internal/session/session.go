package session

import (
	"slices"
	"sync"
	"time"

	"github.com/pavelanni/adaptex/internal/model"
	"github.com/pavelanni/adaptex/internal/selector"
)

// session is the state of one exam attempt. All fields are guarded by mu;
// the manager never holds two session locks at once.
type session struct {
	mu sync.Mutex

	id          string
	candidateID string
	bp          model.Blueprint
	state       model.SessionState
	stop        model.StopReason

	administered []int64
	seen         map[int64]struct{}
	slotFill     []int
	current      *model.Question
	currentSlot  int

	ability   selector.Ability
	responses []model.Response
	score     int
	maxScore  int

	percentile   *float64
	startedAt    time.Time
	lastActivity time.Time
	endedAt      *time.Time
}

func newSession(id, candidateID string, bp model.Blueprint, a selector.Ability, now time.Time) *session {
	return &session{
		id:           id,
		candidateID:  candidateID,
		bp:           bp,
		state:        model.StateCreated,
		seen:         make(map[int64]struct{}),
		slotFill:     make([]int, len(bp.Slots)),
		ability:      a,
		startedAt:    now,
		lastActivity: now,
	}
}

// nextSlot returns the index of the first slot that still needs items, or
// -1 when the blueprint is complete.
func (s *session) nextSlot() int {
	for i, slot := range s.bp.Slots {
		if s.slotFill[i] < slot.Count {
			return i
		}
	}
	return -1
}

// assign makes q the current item for slot.
func (s *session) assign(q model.Question, slot int) {
	s.current, s.currentSlot = &q, slot
	s.administered = append(s.administered, q.ID)
	s.seen[q.ID] = struct{}{}
}

func (s *session) transition(to model.SessionState) bool {
	if !model.CanTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

func (s *session) status() model.SessionStatus {
	st := model.SessionStatus{
		SessionID:     s.id,
		CandidateID:   s.candidateID,
		BlueprintID:   s.bp.ID,
		State:         s.state,
		Theta:         s.ability.Theta,
		StandardError: s.ability.StandardError(),
		Answered:      s.ability.Answered,
		Total:         s.bp.TotalItems(),
	}
	if s.current != nil {
		v := s.current.View()
		st.CurrentQuestion = &v
	}
	return st
}

func (s *session) result() model.FinalResult {
	r := model.FinalResult{
		SessionID:     s.id,
		CandidateID:   s.candidateID,
		BlueprintID:   s.bp.ID,
		Category:      s.bp.RankingCategory(),
		State:         s.state,
		StopReason:    s.stop,
		Theta:         s.ability.Theta,
		StandardError: s.ability.StandardError(),
		Score:         s.score,
		MaxScore:      s.maxScore,
		Answered:      s.ability.Answered,
		Percentile:    s.percentile,
		StartedAt:     s.startedAt,
	}
	if s.endedAt != nil {
		r.EndedAt = *s.endedAt
	}
	return r
}

func (s *session) snapshot() model.SessionSnapshot {
	snap := model.SessionSnapshot{
		ID:           s.id,
		CandidateID:  s.candidateID,
		Blueprint:    s.bp,
		State:        s.state,
		StopReason:   s.stop,
		Administered: slices.Clone(s.administered),
		SlotFill:     slices.Clone(s.slotFill),
		CurrentSlot:  s.currentSlot,
		Theta:        s.ability.Theta,
		Information:  s.ability.Information,
		Responses:    slices.Clone(s.responses),
		Score:        s.score,
		MaxScore:     s.maxScore,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
	}
	if s.current != nil {
		snap.CurrentQuestionID = s.current.ID
	}
	if s.percentile != nil {
		p := *s.percentile
		snap.Percentile = &p
	}
	if s.endedAt != nil {
		e := *s.endedAt
		snap.EndedAt = &e
	}
	return snap
}
