package store

import (
	"testing"
	"time"

	"github.com/pavelanni/adaptex/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestQuestion(t *testing.T, s *Store, text, subject, topic, difficulty string) int64 {
	t.Helper()
	id, err := s.InsertQuestion(model.Question{
		Subject:       subject,
		Topic:         topic,
		Text:          text,
		Choices:       []string{"A", "B", "C", "D"},
		CorrectAnswer: "A",
		Marks:         1,
		Difficulty:    model.Difficulty(difficulty),
	})
	if err != nil {
		t.Fatalf("insertTestQuestion: %v", err)
	}
	return id
}

func questionByID(t *testing.T, s *Store, id int64) model.Question {
	t.Helper()
	qs, err := s.ListQuestions()
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	for _, q := range qs {
		if q.ID == id {
			return q
		}
	}
	t.Fatalf("question %d not found", id)
	return model.Question{}
}

func TestQuestionCRUD(t *testing.T) {
	s := newTestStore(t)

	// Empty DB should return zero count and empty list.
	count, err := s.QuestionCount()
	if err != nil {
		t.Fatalf("QuestionCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 questions, got %d", count)
	}

	list, err := s.ListQuestions()
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}

	// Insert and retrieve.
	id := insertTestQuestion(t, s, "2x = 4, x = ?", "math", "algebra", "easy")
	q := questionByID(t, s, id)
	if q.Text != "2x = 4, x = ?" {
		t.Errorf("expected text '2x = 4, x = ?', got %q", q.Text)
	}
	if q.Difficulty != model.DifficultyEasy {
		t.Errorf("expected difficulty easy, got %q", q.Difficulty)
	}
	if len(q.Choices) != 4 || q.Choices[3] != "D" {
		t.Errorf("expected 4 choices, got %v", q.Choices)
	}
	if q.CalibratedDifficulty != nil {
		t.Errorf("expected no calibrated difficulty, got %v", *q.CalibratedDifficulty)
	}

	insertTestQuestion(t, s, "sin(0) = ?", "math", "trigonometry", "medium")
	insertTestQuestion(t, s, "Speed of light?", "physics", "optics", "hard")

	count, _ = s.QuestionCount()
	if count != 3 {
		t.Errorf("expected 3 questions, got %d", count)
	}

	subjects, err := s.ListSubjects()
	if err != nil {
		t.Fatalf("ListSubjects: %v", err)
	}
	if len(subjects) != 2 || subjects[0] != "math" || subjects[1] != "physics" {
		t.Errorf("expected [math physics], got %v", subjects)
	}
}

func TestUpdateExposureAndCalibration(t *testing.T) {
	s := newTestStore(t)
	id1 := insertTestQuestion(t, s, "Q1", "math", "algebra", "easy")
	id2 := insertTestQuestion(t, s, "Q2", "math", "algebra", "hard")

	if err := s.UpdateExposure(map[int64]int64{id1: 5, id2: 2}); err != nil {
		t.Fatalf("UpdateExposure: %v", err)
	}
	// A lower count must not overwrite a higher one.
	if err := s.UpdateExposure(map[int64]int64{id1: 3}); err != nil {
		t.Fatalf("UpdateExposure: %v", err)
	}
	q1 := questionByID(t, s, id1)
	if q1.ExposureCount != 5 {
		t.Errorf("expected exposure 5, got %d", q1.ExposureCount)
	}

	n, err := s.UpdateCalibration([]model.CalibrationRecord{
		{QuestionID: id1, Stable: true, Difficulty: -1.2, Discrimination: 0.4},
		{QuestionID: id2, Stable: false, Difficulty: 9},
	})
	if err != nil {
		t.Fatalf("UpdateCalibration: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 updated question, got %d", n)
	}
	q1 = questionByID(t, s, id1)
	if q1.CalibratedDifficulty == nil || *q1.CalibratedDifficulty != -1.2 {
		t.Errorf("expected calibrated difficulty -1.2, got %v", q1.CalibratedDifficulty)
	}
	if q1.CalibratedDiscrimination == nil || *q1.CalibratedDiscrimination != 0.4 {
		t.Errorf("expected calibrated discrimination 0.4, got %v", q1.CalibratedDiscrimination)
	}
	q2 := questionByID(t, s, id2)
	if q2.CalibratedDifficulty != nil {
		t.Errorf("unstable record should not be stored, got %v", *q2.CalibratedDifficulty)
	}
}

func testSnapshot(id string, started time.Time) model.SessionSnapshot {
	return model.SessionSnapshot{
		ID:          id,
		CandidateID: "cand-" + id,
		Blueprint: model.Blueprint{ID: "algebra-101", Slots: []model.Slot{
			{Subject: "math", Difficulty: model.DifficultyEasy, Count: 2},
		}},
		State:        model.StateInProgress,
		SlotFill:     []int{0},
		StartedAt:    started,
		LastActivity: started,
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	qid := insertTestQuestion(t, s, "Q1", "math", "algebra", "easy")
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	// Not found.
	got, err := s.GetSession("missing")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing session, got %+v", got)
	}

	snap := testSnapshot("s1", started)
	snap.Administered = []int64{qid}
	snap.CurrentQuestionID = qid
	if err := s.SaveSession(snap); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	resp := model.Response{
		SessionID:   "s1",
		QuestionID:  qid,
		Answer:      "A",
		Correct:     true,
		Marks:       1,
		Elapsed:     1500 * time.Millisecond,
		ThetaBefore: 0,
		ThetaAfter:  0.5,
		Timestamp:   started.Add(time.Minute),
	}
	if _, err := s.AppendResponse(resp); err != nil {
		t.Fatalf("AppendResponse: %v", err)
	}

	// Complete the session; the upsert replaces the summary.
	ended := started.Add(2 * time.Minute)
	pct := 75.0
	snap.State = model.StateCompleted
	snap.StopReason = model.StopItemCount
	snap.Theta = 0.5
	snap.Score, snap.MaxScore = 1, 1
	snap.Percentile = &pct
	snap.EndedAt = &ended
	snap.Responses = []model.Response{resp}
	if err := s.SaveSession(snap); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err = s.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.State != model.StateCompleted {
		t.Errorf("expected state completed, got %q", got.State)
	}
	if len(got.Responses) != 1 || got.Responses[0].Elapsed != 1500*time.Millisecond {
		t.Errorf("expected one response with 1.5s elapsed, got %+v", got.Responses)
	}

	rows, err := s.ListSessions("")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 session, got %d", len(rows))
	}
	r := rows[0]
	if r.StopReason != model.StopItemCount || r.Score != 1 {
		t.Errorf("unexpected summary %+v", r)
	}
	if r.Percentile == nil || *r.Percentile != 75 {
		t.Errorf("expected percentile 75, got %v", r.Percentile)
	}
	if r.EndedAt == nil || !r.EndedAt.Equal(ended) {
		t.Errorf("expected ended_at %v, got %v", ended, r.EndedAt)
	}
	if !r.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, r.StartedAt)
	}

	other, err := s.ListSessions("other-blueprint")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no sessions for other blueprint, got %d", len(other))
	}

	responses, err := s.ListResponses("s1")
	if err != nil {
		t.Fatalf("ListResponses: %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("expected 1 response, got %d", len(responses))
	}
	if !responses[0].Correct || responses[0].ThetaAfter != 0.5 || responses[0].Elapsed != 1500*time.Millisecond {
		t.Errorf("unexpected response %+v", responses[0])
	}
}

func TestResponsesAfterAndAdministeredCounts(t *testing.T) {
	s := newTestStore(t)
	q1 := insertTestQuestion(t, s, "Q1", "math", "algebra", "easy")
	q2 := insertTestQuestion(t, s, "Q2", "math", "algebra", "easy")
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	last, err := s.LastResponseID()
	if err != nil {
		t.Fatalf("LastResponseID: %v", err)
	}
	if last != 0 {
		t.Errorf("expected last id 0 on empty log, got %d", last)
	}

	a := testSnapshot("a", started)
	a.Administered = []int64{q1, q2}
	b := testSnapshot("b", started.Add(time.Minute))
	b.Administered = []int64{q1}
	empty := testSnapshot("empty", started.Add(2*time.Minute))
	for _, snap := range []model.SessionSnapshot{a, b, empty} {
		if err := s.SaveSession(snap); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}

	var ids []int64
	for i, qid := range []int64{q1, q2, q1} {
		id, err := s.AppendResponse(model.Response{
			SessionID:  []string{"a", "a", "b"}[i],
			QuestionID: qid,
			Answer:     "A",
			Timestamp:  started.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendResponse: %v", err)
		}
		ids = append(ids, id)
	}
	if ids[0] >= ids[1] || ids[1] >= ids[2] {
		t.Fatalf("expected increasing row ids, got %v", ids)
	}

	last, err = s.LastResponseID()
	if err != nil {
		t.Fatalf("LastResponseID: %v", err)
	}
	if last != ids[2] {
		t.Errorf("expected last id %d, got %d", ids[2], last)
	}

	after, err := s.ListResponsesAfter(ids[0])
	if err != nil {
		t.Fatalf("ListResponsesAfter: %v", err)
	}
	if len(after) != 2 || after[0].ID != ids[1] || after[1].ID != ids[2] || after[1].SessionID != "b" {
		t.Errorf("unexpected responses after %d: %+v", ids[0], after)
	}

	counts, err := s.AdministeredCounts()
	if err != nil {
		t.Fatalf("AdministeredCounts: %v", err)
	}
	if len(counts) != 2 || counts[q1] != 2 || counts[q2] != 1 {
		t.Errorf("unexpected administered counts %v", counts)
	}
}

func TestExportSessions(t *testing.T) {
	s := newTestStore(t)
	q1 := insertTestQuestion(t, s, "Q1", "math", "algebra", "easy")
	q2 := insertTestQuestion(t, s, "Q2", "math", "algebra", "hard")
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	done := testSnapshot("done", started)
	done.State = model.StateCompleted
	done.StopReason = model.StopItemCount
	ended := started.Add(time.Hour)
	done.EndedAt = &ended
	if err := s.SaveSession(done); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	live := testSnapshot("live", started.Add(time.Minute))
	if err := s.SaveSession(live); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	for i, qid := range []int64{q1, q2} {
		_, err := s.AppendResponse(model.Response{
			SessionID:  "done",
			QuestionID: qid,
			Answer:     "A",
			Correct:    i == 0,
			Elapsed:    time.Second,
			Timestamp:  started.Add(time.Duration(i+1) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendResponse: %v", err)
		}
	}

	results, err := s.ExportSessions("")
	if err != nil {
		t.Fatalf("ExportSessions: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected only the terminal session, got %d", len(results))
	}
	res := results[0]
	if res.SessionID != "done" || res.CandidateID != "cand-done" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(res.Questions))
	}
	if res.Questions[1].Difficulty != model.DifficultyHard || res.Questions[1].Correct {
		t.Errorf("unexpected second question %+v", res.Questions[1])
	}
	if res.Questions[0].ElapsedMs != 1000 {
		t.Errorf("expected 1000ms, got %d", res.Questions[0].ElapsedMs)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)

	// Unknown path returns empty string.
	hash, err := s.GetImportedFileHash("/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash("/some/path.json", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	hash, err = s.GetImportedFileHash("/some/path.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "abc123" {
		t.Errorf("expected abc123, got %q", hash)
	}

	// Update.
	if err := s.SetImportedFileHash("/some/path.json", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash("/some/path.json")
	if hash != "def456" {
		t.Errorf("expected def456, got %q", hash)
	}
}

func TestCheckpoint(t *testing.T) {
	s := newTestStore(t)

	cp, err := s.LoadCheckpoint()
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected nil checkpoint, got %+v", cp)
	}

	taken := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := model.Checkpoint{
		Version: model.CheckpointVersion,
		TakenAt: taken,
		Sessions: []model.SessionSnapshot{
			testSnapshot("s1", taken.Add(-time.Hour)),
		},
		Calibration: []model.CalibrationRecord{
			{QuestionID: 7, Attempts: 40, Correct: 22, SumTheta: 3.5},
		},
		Rankings: []model.RankingSummary{
			{Category: "algebra", Count: 2, Min: -1, Max: 1, Compression: 100,
				Centroids: []model.Centroid{{Mean: -1, Weight: 1, Min: -1, Max: -1}, {Mean: 1, Weight: 1, Min: 1, Max: 1}}},
		},
	}
	if err := s.SaveCheckpoint(want); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	cp, err = s.LoadCheckpoint()
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if !cp.TakenAt.Equal(taken) {
		t.Errorf("expected taken_at %v, got %v", taken, cp.TakenAt)
	}
	if len(cp.Sessions) != 1 || cp.Sessions[0].ID != "s1" {
		t.Errorf("unexpected sessions %+v", cp.Sessions)
	}
	if len(cp.Calibration) != 1 || cp.Calibration[0].Correct != 22 {
		t.Errorf("unexpected calibration %+v", cp.Calibration)
	}
	if len(cp.Rankings) != 1 || len(cp.Rankings[0].Centroids) != 2 {
		t.Errorf("unexpected rankings %+v", cp.Rankings)
	}

	// A checkpoint from another format version is rejected.
	if err := s.SetMetadata("checkpoint", `{"version": 99}`); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if _, err := s.LoadCheckpoint(); err == nil {
		t.Error("expected error for unknown checkpoint version")
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetMetadata("missing")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty value, got %q", v)
	}
	if err := s.SetMetadata("k", "v1"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata("k", "v2"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	v, _ = s.GetMetadata("k")
	if v != "v2" {
		t.Errorf("expected v2, got %q", v)
	}
}
