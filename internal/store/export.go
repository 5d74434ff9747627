package store

import (
	"fmt"

	"github.com/pavelanni/adaptex/internal/model"
)

// ExportSessions builds export-ready results for terminal sessions. An empty
// blueprintID exports every blueprint.
func (s *Store) ExportSessions(blueprintID string) ([]model.SessionResult, error) {
	sessions, err := s.ListSessions(blueprintID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	questions, err := s.ListQuestions()
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[int64]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	var results []model.SessionResult
	for _, sess := range sessions {
		if !sess.State.IsTerminal() {
			continue
		}

		responses, err := s.ListResponses(sess.ID)
		if err != nil {
			return nil, fmt.Errorf("list responses for %s: %w", sess.ID, err)
		}

		questionResults := make([]model.QuestionResult, 0, len(responses))
		for _, r := range responses {
			q := byID[r.QuestionID]
			questionResults = append(questionResults, model.QuestionResult{
				QuestionID: r.QuestionID,
				Subject:    q.Subject,
				Topic:      q.Topic,
				Difficulty: q.Difficulty,
				Answer:     r.Answer,
				Correct:    r.Correct,
				Marks:      r.Marks,
				ElapsedMs:  r.Elapsed.Milliseconds(),
				ThetaAfter: r.ThetaAfter,
				At:         r.Timestamp,
			})
		}

		results = append(results, model.SessionResult{
			SessionID:   sess.ID,
			CandidateID: sess.CandidateID,
			BlueprintID: sess.BlueprintID,
			State:       sess.State,
			StopReason:  sess.StopReason,
			Theta:       sess.Theta,
			Score:       sess.Score,
			MaxScore:    sess.MaxScore,
			Percentile:  sess.Percentile,
			StartedAt:   sess.StartedAt,
			EndedAt:     sess.EndedAt,
			Questions:   questionResults,
		})
	}

	return results, nil
}
