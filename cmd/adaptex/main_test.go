package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/adaptex/internal/config"
	"github.com/pavelanni/adaptex/internal/model"
	"github.com/pavelanni/adaptex/internal/store"
)

const questionsJSON = `[
  {"subject": "math", "topic": "algebra", "text": "x + 1 = 2", "choices": ["0", "1"], "correct_answer": "1", "difficulty": "easy"},
  {"subject": "math", "topic": "algebra", "text": "2x = 6", "choices": ["2", "3"], "correct_answer": "3", "marks": 2, "difficulty": "medium"},
  {"subject": "math", "topic": "algebra", "subtopic": "quadratics", "text": "x^2 = 9, x > 0", "choices": ["3", "9"], "correct_answer": "3", "difficulty": "hard"}
]`

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func writeQuestions(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "questions.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadQuestions(t *testing.T) {
	db := newTestDB(t)
	path := writeQuestions(t, questionsJSON)

	require.NoError(t, loadQuestions(db, []string{path}, model.DefaultScale()))
	count, err := db.QuestionCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Unchanged file is skipped.
	require.NoError(t, loadQuestions(db, []string{path}, model.DefaultScale()))
	count, _ = db.QuestionCount()
	assert.Equal(t, 3, count)

	// Changed file is skipped too.
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))
	require.NoError(t, loadQuestions(db, []string{path}, model.DefaultScale()))
	count, _ = db.QuestionCount()
	assert.Equal(t, 3, count)

	qs, err := db.ListQuestions()
	require.NoError(t, err)
	assert.Equal(t, 1, qs[0].Marks, "missing marks default to 1")
	assert.Equal(t, 2, qs[1].Marks)
	assert.Equal(t, "quadratics", qs[2].Subtopic)
}

func TestLoadQuestionsRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown difficulty": `[{"subject": "m", "text": "t", "correct_answer": "a", "difficulty": "expert"}]`,
		"missing subject":    `[{"text": "t", "correct_answer": "a", "difficulty": "easy"}]`,
		"missing answer":     `[{"subject": "m", "text": "t", "difficulty": "easy"}]`,
		"malformed":          `[{`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			db := newTestDB(t)
			err := loadQuestions(db, []string{writeQuestions(t, body)}, model.DefaultScale())
			assert.Error(t, err)
			count, _ := db.QuestionCount()
			assert.Zero(t, count)
		})
	}
}

func seededDB(t *testing.T) *store.Store {
	t.Helper()
	db := newTestDB(t)
	for _, d := range []model.Difficulty{model.DifficultyEasy, model.DifficultyMedium, model.DifficultyHard} {
		for i := range 3 {
			_, err := db.InsertQuestion(model.Question{
				Subject:       "math",
				Topic:         "algebra",
				Text:          fmt.Sprintf("%s %d", d, i),
				CorrectAnswer: "A",
				Marks:         1,
				Difficulty:    d,
			})
			require.NoError(t, err)
		}
	}
	return db
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.FromViper(viper.New())
	require.NoError(t, err)
	return cfg
}

var shortBlueprint = model.Blueprint{
	ID:       "short",
	Category: "algebra",
	Slots: []model.Slot{
		{Subject: "math", Difficulty: model.DifficultyEasy, Count: 1},
		{Subject: "math", Difficulty: model.DifficultyMedium, Count: 1},
		{Subject: "math", Difficulty: model.DifficultyHard, Count: 1},
	},
}

func totalAttempts(eng *engines) int64 {
	var n int64
	for _, r := range eng.calibration.Snapshot() {
		n += r.Attempts
	}
	return n
}

func TestCheckpointRestoreReplaysLaterActivity(t *testing.T) {
	db := seededDB(t)
	cfg := testConfig(t)

	eng, err := buildEngines(cfg, db)
	require.NoError(t, err)

	done, err := eng.sessions.StartSession("c1", shortBlueprint)
	require.NoError(t, err)
	for range 3 {
		_, err = eng.sessions.SubmitResponse(done.SessionID, "A", time.Second)
		require.NoError(t, err)
	}
	live, err := eng.sessions.StartSession("c2", shortBlueprint)
	require.NoError(t, err)
	_, err = eng.sessions.SubmitResponse(live.SessionID, "B", time.Second)
	require.NoError(t, err)

	require.NoError(t, writeCheckpoint(db, eng))

	// Activity after the checkpoint reaches the store only.
	for range 2 {
		_, err = eng.sessions.SubmitResponse(live.SessionID, "A", time.Second)
		require.NoError(t, err)
	}
	st, err := eng.sessions.Status(live.SessionID)
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, st.State)

	restarted, err := buildEngines(cfg, db)
	require.NoError(t, err)
	require.NoError(t, restore(db, restarted))

	assert.Equal(t, 2, restarted.sessions.Len())
	assert.Equal(t, int64(2), restarted.ranking.Count("algebra"))
	assert.Equal(t, int64(6), totalAttempts(restarted))

	res, err := restarted.sessions.FinalResult(live.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Score)
	assert.Equal(t, model.StopItemCount, res.StopReason)

	qs, err := db.ListQuestions()
	require.NoError(t, err)
	var exposures int64
	for _, q := range qs {
		exposures += q.ExposureCount
	}
	assert.Equal(t, int64(5), exposures, "exposures at checkpoint time")

	var restored int64
	for _, n := range restarted.pool.Exposures() {
		restored += n
	}
	assert.Equal(t, int64(6), restored, "exposures rebuilt from stored sessions")
}

func TestCheckpointUnderLoadCountsEveryResponseOnce(t *testing.T) {
	db := seededDB(t)
	cfg := testConfig(t)
	cfg.Calibration.QueueSize = 4

	eng, err := buildEngines(cfg, db)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	worker := make(chan struct{})
	go func() {
		defer close(worker)
		_ = eng.calibration.Run(ctx)
	}()

	var wg sync.WaitGroup
	for c := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := eng.sessions.StartSession(fmt.Sprintf("c%d", c), shortBlueprint)
			if !assert.NoError(t, err) {
				return
			}
			for st.State == model.StateInProgress {
				if st, err = eng.sessions.SubmitResponse(st.SessionID, "A", time.Second); !assert.NoError(t, err) {
					return
				}
			}
		}()
	}
	for range 5 {
		require.NoError(t, writeCheckpoint(db, eng))
	}
	wg.Wait()
	require.NoError(t, writeCheckpoint(db, eng))
	cancel()
	<-worker

	cp, err := db.LoadCheckpoint()
	require.NoError(t, err)
	var counted int64
	for _, r := range cp.Calibration {
		counted += r.Attempts
	}
	logged, err := db.ListResponses("")
	require.NoError(t, err)
	assert.Equal(t, int64(len(logged)), counted)

	restarted, err := buildEngines(cfg, db)
	require.NoError(t, err)
	require.NoError(t, restore(db, restarted))
	assert.Equal(t, int64(len(logged)), totalAttempts(restarted))
	assert.Equal(t, int64(6), restarted.ranking.Count("algebra"))
}

func TestRestoreWithoutCheckpointRebuildsFromLog(t *testing.T) {
	db := seededDB(t)
	cfg := testConfig(t)

	eng, err := buildEngines(cfg, db)
	require.NoError(t, err)
	st, err := eng.sessions.StartSession("c1", shortBlueprint)
	require.NoError(t, err)
	for range 3 {
		st, err = eng.sessions.SubmitResponse(st.SessionID, "A", time.Second)
		require.NoError(t, err)
	}
	require.Equal(t, model.StateCompleted, st.State)

	restarted, err := buildEngines(cfg, db)
	require.NoError(t, err)
	require.NoError(t, restore(db, restarted))

	assert.Equal(t, 1, restarted.sessions.Len())
	assert.Equal(t, int64(1), restarted.ranking.Count("algebra"))
	assert.Equal(t, int64(3), totalAttempts(restarted))
}

func TestRecalibrate(t *testing.T) {
	db := seededDB(t)
	cfg := testConfig(t)
	cfg.Calibration.MinAttempts = 2

	eng, err := buildEngines(cfg, db)
	require.NoError(t, err)
	for i := range 4 {
		st, err := eng.sessions.StartSession(fmt.Sprintf("c%d", i), shortBlueprint)
		require.NoError(t, err)
		answer := "A"
		if i%2 == 1 {
			answer = "B"
		}
		for st.State == model.StateInProgress {
			st, err = eng.sessions.SubmitResponse(st.SessionID, answer, time.Second)
			require.NoError(t, err)
		}
	}

	used, published, err := recalibrate(context.Background(), db, cfg.Calibration)
	require.NoError(t, err)
	assert.Equal(t, 12, used)
	assert.Positive(t, published)

	qs, err := db.ListQuestions()
	require.NoError(t, err)
	calibrated := 0
	for _, q := range qs {
		if q.CalibratedDifficulty != nil {
			calibrated++
		}
	}
	assert.Equal(t, published, calibrated)

	// With a checkpoint, later responses are left for restore to replay.
	require.NoError(t, writeCheckpoint(db, eng))
	st, err := eng.sessions.StartSession("late", shortBlueprint)
	require.NoError(t, err)
	_, err = eng.sessions.SubmitResponse(st.SessionID, "A", time.Second)
	require.NoError(t, err)

	used, _, err = recalibrate(context.Background(), db, cfg.Calibration)
	require.NoError(t, err)
	assert.Equal(t, 12, used)

	cp, err := db.LoadCheckpoint()
	require.NoError(t, err)
	var attempts int64
	for _, r := range cp.Calibration {
		attempts += r.Attempts
	}
	assert.Equal(t, int64(12), attempts)
}
