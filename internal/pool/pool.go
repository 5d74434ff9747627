// Package pool defines read access to the question pool and an in-memory
// implementation loaded from the store at startup.
package pool

import (
	"fmt"
	"iter"
	"slices"
	"sync/atomic"

	"github.com/pavelanni/adaptex/internal/model"
)

// Pool is the question pool accessor used by the selector and session manager.
type Pool interface {
	// FindCandidates yields questions matching f in ascending id order. The
	// sequence is finite and may be ranged over more than once.
	FindCandidates(f Filter) iter.Seq[model.Question]
	// GetByID returns model.ErrUnknownQuestion for ids not in the pool.
	GetByID(id int64) (model.Question, error)
	// RecordExposure counts one administration of the question.
	RecordExposure(id int64) error
}

// Filter narrows a candidate search. Empty fields match everything.
type Filter struct {
	Subject  string
	Topic    string
	Subtopic string
	Bands    []model.Difficulty
	Exclude  map[int64]struct{}
}

// Match reports whether q passes the filter.
func (f Filter) Match(q model.Question) bool {
	if f.Subject != "" && q.Subject != f.Subject {
		return false
	}
	if f.Topic != "" && q.Topic != f.Topic {
		return false
	}
	if f.Subtopic != "" && q.Subtopic != f.Subtopic {
		return false
	}
	if len(f.Bands) > 0 && !slices.Contains(f.Bands, q.Difficulty) {
		return false
	}
	if _, skip := f.Exclude[q.ID]; skip {
		return false
	}
	return true
}

// Memory is an immutable set of questions with atomic exposure counters.
type Memory struct {
	questions []model.Question
	index     map[int64]int
	exposure  []atomic.Int64
}

// NewMemory builds a pool from qs. Question ids must be unique.
func NewMemory(qs []model.Question) (*Memory, error) {
	sorted := slices.Clone(qs)
	slices.SortFunc(sorted, func(a, b model.Question) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	m := &Memory{
		questions: sorted,
		index:     make(map[int64]int, len(sorted)),
		exposure:  make([]atomic.Int64, len(sorted)),
	}
	for i, q := range sorted {
		if _, dup := m.index[q.ID]; dup {
			return nil, fmt.Errorf("duplicate question id %d", q.ID)
		}
		m.index[q.ID] = i
		m.exposure[i].Store(q.ExposureCount)
	}
	return m, nil
}

// Len returns the number of questions in the pool.
func (m *Memory) Len() int {
	return len(m.questions)
}

func (m *Memory) FindCandidates(f Filter) iter.Seq[model.Question] {
	return func(yield func(model.Question) bool) {
		for i := range m.questions {
			if !f.Match(m.questions[i]) {
				continue
			}
			if !yield(m.at(i)) {
				return
			}
		}
	}
}

func (m *Memory) GetByID(id int64) (model.Question, error) {
	i, ok := m.index[id]
	if !ok {
		return model.Question{}, fmt.Errorf("question %d: %w", id, model.ErrUnknownQuestion)
	}
	return m.at(i), nil
}

func (m *Memory) RecordExposure(id int64) error {
	i, ok := m.index[id]
	if !ok {
		return fmt.Errorf("question %d: %w", id, model.ErrUnknownQuestion)
	}
	m.exposure[i].Add(1)
	return nil
}

// Exposures returns the current exposure count of every question.
func (m *Memory) Exposures() map[int64]int64 {
	out := make(map[int64]int64, len(m.questions))
	for i, q := range m.questions {
		out[q.ID] = m.exposure[i].Load()
	}
	return out
}

// RaiseExposures lifts each named counter to at least the given count and
// returns how many counters changed. Unknown ids are ignored.
func (m *Memory) RaiseExposures(counts map[int64]int64) int {
	raised := 0
	for id, n := range counts {
		i, ok := m.index[id]
		if !ok {
			continue
		}
		for {
			cur := m.exposure[i].Load()
			if cur >= n {
				break
			}
			if m.exposure[i].CompareAndSwap(cur, n) {
				raised++
				break
			}
		}
	}
	return raised
}

func (m *Memory) at(i int) model.Question {
	q := m.questions[i]
	q.ExposureCount = m.exposure[i].Load()
	return q
}
