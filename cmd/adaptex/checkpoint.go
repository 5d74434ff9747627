package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/adaptex/internal/calibration"
	"github.com/pavelanni/adaptex/internal/model"
	"github.com/pavelanni/adaptex/internal/store"
)

// writeCheckpoint saves engine snapshots and copies exposure counts and
// stable calibration onto the question rows. The snapshots are taken while
// the session manager is quiesced, so calibration holds exactly the
// responses up to LastResponseID.
func writeCheckpoint(db *store.Store, eng *engines) error {
	var (
		cp        model.Checkpoint
		exposures map[int64]int64
		err       error
	)
	eng.sessions.Quiesce(func() {
		eng.calibration.Flush()
		var last int64
		if last, err = db.LastResponseID(); err != nil {
			return
		}
		cp = model.Checkpoint{
			Version:        model.CheckpointVersion,
			TakenAt:        time.Now(),
			LastResponseID: last,
			Sessions:       eng.sessions.Snapshot(),
			Calibration:    eng.calibration.Snapshot(),
			Rankings:       eng.ranking.Snapshot(),
		}
		exposures = eng.pool.Exposures()
	})
	if err != nil {
		return fmt.Errorf("read last response id: %w", err)
	}

	if err := db.SaveCheckpoint(cp); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if err := db.UpdateExposure(exposures); err != nil {
		return fmt.Errorf("update exposure: %w", err)
	}
	n, err := db.UpdateCalibration(cp.Calibration)
	if err != nil {
		return fmt.Errorf("update calibration: %w", err)
	}
	slog.Debug("checkpoint written",
		"sessions", len(cp.Sessions), "last_response_id", cp.LastResponseID,
		"calibrated", n, "categories", len(cp.Rankings))
	return nil
}

func runCheckpointer(ctx context.Context, db *store.Store, eng *engines, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := writeCheckpoint(db, eng); err != nil {
				slog.Warn("checkpoint failed, retrying next tick", "error", err)
			}
		}
	}
}

// restore loads the last checkpoint and brings it up to date from the
// response log and stored sessions. Without a checkpoint everything is
// rebuilt from the log.
func restore(db *store.Store, eng *engines) error {
	cp, err := db.LoadCheckpoint()
	if err != nil {
		return err
	}

	var (
		since    time.Time
		afterID  int64
		snaps    = make(map[string]model.SessionSnapshot)
		atCutoff = make(map[string]model.SessionSnapshot)
	)
	if cp != nil {
		if err := eng.calibration.Restore(cp.Calibration); err != nil {
			return fmt.Errorf("calibration: %w", err)
		}
		if err := eng.ranking.Restore(cp.Rankings); err != nil {
			return fmt.Errorf("rankings: %w", err)
		}
		for _, s := range cp.Sessions {
			snaps[s.ID] = s
			atCutoff[s.ID] = s
		}
		since, afterID = cp.TakenAt, cp.LastResponseID
	}

	responses, err := db.ListResponsesAfter(afterID)
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}
	for _, r := range responses {
		eng.calibration.RecordResponse(r.QuestionID, r.Correct, r.ThetaBefore)
	}

	rows, err := db.ListSessions("")
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	reranked := 0
	for _, row := range rows {
		held, inCheckpoint := atCutoff[row.ID]
		endedLater := row.EndedAt != nil && row.EndedAt.After(since)
		if row.State.IsTerminal() && !inCheckpoint && !endedLater {
			continue
		}
		// The recorder writes every change, so the stored snapshot is
		// never older than the checkpoint's copy.
		snap, err := db.GetSession(row.ID)
		if err != nil {
			return fmt.Errorf("session %s: %w", row.ID, err)
		}
		if snap == nil {
			continue
		}
		snaps[row.ID] = *snap
		if snap.Percentile == nil {
			continue
		}
		// A session is ranked after the cutoff if the checkpoint still saw
		// it running, or if it was not in memory then and ended later.
		if (inCheckpoint && held.Percentile == nil) || (!inCheckpoint && endedLater) {
			eng.ranking.Insert(snap.Blueprint.RankingCategory(), snap.Theta)
			reranked++
		}
	}

	list := make([]model.SessionSnapshot, 0, len(snaps))
	for _, s := range snaps {
		list = append(list, s)
	}
	if err := eng.sessions.Restore(list); err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	administered, err := db.AdministeredCounts()
	if err != nil {
		return fmt.Errorf("administered counts: %w", err)
	}
	raised := eng.pool.RaiseExposures(administered)

	slog.Info("restored state",
		"checkpoint", cp != nil, "after_response_id", afterID,
		"sessions", len(list), "replayed_responses", len(responses),
		"reranked_sessions", reranked, "exposures_raised", raised)
	return nil
}

// recalibrate rebuilds calibration records from the response log. With a
// checkpoint present only responses up to its LastResponseID are used, so
// the next restore replays the rest exactly once. It returns the number of
// responses used and of questions with a published estimate.
func recalibrate(ctx context.Context, db *store.Store, cfg calibration.Config) (int, int, error) {
	cp, err := db.LoadCheckpoint()
	if err != nil {
		return 0, 0, fmt.Errorf("load checkpoint: %w", err)
	}
	responses, err := db.ListResponses("")
	if err != nil {
		return 0, 0, fmt.Errorf("list responses: %w", err)
	}

	cal := calibration.New(cfg)
	used := 0
	for _, r := range responses {
		if cp != nil && r.ID > cp.LastResponseID {
			break
		}
		cal.RecordResponse(r.QuestionID, r.Correct, r.ThetaBefore)
		used++
	}
	published := cal.Sweep(ctx)
	if err := ctx.Err(); err != nil {
		return used, published, err
	}

	recs := cal.Snapshot()
	if _, err := db.UpdateCalibration(recs); err != nil {
		return used, published, fmt.Errorf("update calibration: %w", err)
	}
	if cp != nil {
		cp.Calibration = recs
		if err := db.SaveCheckpoint(*cp); err != nil {
			return used, published, fmt.Errorf("save checkpoint: %w", err)
		}
	}
	return used, published, nil
}
