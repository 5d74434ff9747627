package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/adaptex/internal/blueprint"
	"github.com/pavelanni/adaptex/internal/calibration"
	appI18n "github.com/pavelanni/adaptex/internal/i18n"
	"github.com/pavelanni/adaptex/internal/model"
	"github.com/pavelanni/adaptex/internal/ranking"
	"github.com/pavelanni/adaptex/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 16

// QuestionBank describes the stored question pool. Implemented by the store.
type QuestionBank interface {
	ListSubjects() ([]string, error)
	QuestionCount() (int, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sessions    *session.Manager
	blueprints  *blueprint.Catalog
	ranking     *ranking.Engine
	calibration *calibration.Engine
	bank        QuestionBank
}

// New creates a new Handler.
func New(sessions *session.Manager, blueprints *blueprint.Catalog, rk *ranking.Engine, cal *calibration.Engine, bank QuestionBank) (*Handler, error) {
	if sessions == nil || blueprints == nil || rk == nil || cal == nil || bank == nil {
		return nil, errors.New("handler: all dependencies are required")
	}
	return &Handler{sessions: sessions, blueprints: blueprints, ranking: rk, calibration: cal, bank: bank}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/blueprints", h.handleListBlueprints)
	r.Get("/blueprints/{blueprintID}", h.handleGetBlueprint)
	r.Get("/subjects", h.handleSubjects)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleStartSession)
		r.Get("/{sessionID}", h.handleSessionStatus)
		r.Post("/{sessionID}/responses", h.handleSubmitResponse)
		r.Post("/{sessionID}/abandon", h.handleAbandon)
		r.Get("/{sessionID}/result", h.handleResult)
	})

	r.Get("/rankings", h.handleListRankings)
	r.Get("/rankings/{category}/percentile", h.handlePercentile)
	r.Get("/calibration/{questionID}", h.handleCalibration)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

type errResp struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeErr(w http.ResponseWriter, r *http.Request, status int, msgID string, data map[string]any) {
	writeJSON(w, status, errResp{Error: appI18n.Td(r.Context(), msgID, data), Code: msgID})
}

// writeDomainErr maps sentinel errors to a status code and localised message.
func writeDomainErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrUnknownSession):
		writeErr(w, r, http.StatusNotFound, "ErrUnknownSession", nil)
	case errors.Is(err, model.ErrUnknownBlueprint):
		writeErr(w, r, http.StatusNotFound, "ErrUnknownBlueprint", map[string]any{"ID": chi.URLParam(r, "blueprintID")})
	case errors.Is(err, model.ErrUnknownQuestion):
		writeErr(w, r, http.StatusNotFound, "ErrUnknownQuestion", nil)
	case errors.Is(err, model.ErrInvalidState):
		writeErr(w, r, http.StatusConflict, "ErrInvalidState", nil)
	case errors.Is(err, model.ErrNotTerminal):
		writeErr(w, r, http.StatusConflict, "ErrNotTerminal", nil)
	case errors.Is(err, model.ErrCalibrationUnavailable):
		writeErr(w, r, http.StatusConflict, "ErrCalibrationUnavailable", nil)
	case errors.Is(err, model.ErrBlueprintUnsatisfiable):
		writeErr(w, r, http.StatusUnprocessableEntity, "ErrBlueprintUnsatisfiable", nil)
	case errors.Is(err, model.ErrInvalidBlueprint):
		writeErr(w, r, http.StatusUnprocessableEntity, "ErrInvalidBlueprint", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeErr(w, r, http.StatusInternalServerError, "ErrInternal", nil)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		slog.Debug("bad request body", "path", r.URL.Path, "error", err)
		writeErr(w, r, http.StatusBadRequest, "ErrInvalidRequest", nil)
		return false
	}
	return true
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":       appI18n.T(r.Context(), "AppTitle"),
		"status":     "ok",
		"sessions":   h.sessions.Len(),
		"blueprints": h.blueprints.Len(),
	})
}

func (h *Handler) handleListBlueprints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.blueprints.List())
}

func (h *Handler) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	bp, err := h.blueprints.Get(chi.URLParam(r, "blueprintID"))
	if err != nil {
		writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bp)
}

type subjectsResp struct {
	Subjects  []string `json:"subjects"`
	Questions int      `json:"questions"`
}

func (h *Handler) handleSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.bank.ListSubjects()
	if err != nil {
		writeDomainErr(w, r, err)
		return
	}
	n, err := h.bank.QuestionCount()
	if err != nil {
		writeDomainErr(w, r, err)
		return
	}
	if subjects == nil {
		subjects = []string{}
	}
	writeJSON(w, http.StatusOK, subjectsResp{Subjects: subjects, Questions: n})
}

// statusResp adds a localised progress line to the session status.
type statusResp struct {
	model.SessionStatus
	Remaining string `json:"remaining"`
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request, code int, st model.SessionStatus) {
	left := 0
	if !st.State.IsTerminal() {
		left = max(0, st.Total-st.Answered)
	}
	writeJSON(w, code, statusResp{
		SessionStatus: st,
		Remaining:     appI18n.Tp(r.Context(), "QuestionsRemaining", left),
	})
}

type startReq struct {
	CandidateID string `json:"candidate_id"`
	BlueprintID string `json:"blueprint_id"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startReq
	if !decodeBody(w, r, &req) {
		return
	}
	req.CandidateID = strings.TrimSpace(req.CandidateID)
	if req.CandidateID == "" {
		writeErr(w, r, http.StatusBadRequest, "ErrMissingField", map[string]any{"Field": "candidate_id"})
		return
	}
	if req.BlueprintID == "" {
		writeErr(w, r, http.StatusBadRequest, "ErrMissingField", map[string]any{"Field": "blueprint_id"})
		return
	}

	bp, err := h.blueprints.Get(req.BlueprintID)
	if err != nil {
		writeErr(w, r, http.StatusNotFound, "ErrUnknownBlueprint", map[string]any{"ID": req.BlueprintID})
		return
	}
	st, err := h.sessions.StartSession(req.CandidateID, bp)
	if err != nil {
		writeDomainErr(w, r, err)
		return
	}
	w.Header().Set("Location", "/sessions/"+st.SessionID)
	h.writeStatus(w, r, http.StatusCreated, st)
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Status(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainErr(w, r, err)
		return
	}
	h.writeStatus(w, r, http.StatusOK, st)
}

type answerReq struct {
	Answer    string `json:"answer"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (h *Handler) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req answerReq
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Answer) == "" {
		writeErr(w, r, http.StatusBadRequest, "ErrMissingField", map[string]any{"Field": "answer"})
		return
	}
	if req.ElapsedMs < 0 {
		writeErr(w, r, http.StatusBadRequest, "ErrInvalidRequest", nil)
		return
	}

	elapsed := time.Duration(req.ElapsedMs) * time.Millisecond
	st, err := h.sessions.SubmitResponse(chi.URLParam(r, "sessionID"), req.Answer, elapsed)
	if err != nil {
		writeDomainErr(w, r, err)
		return
	}
	h.writeStatus(w, r, http.StatusOK, st)
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Abandon(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainErr(w, r, err)
		return
	}
	h.writeStatus(w, r, http.StatusOK, st)
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.FinalResult(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type rankingResp struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

func (h *Handler) handleListRankings(w http.ResponseWriter, r *http.Request) {
	cats := h.ranking.Categories()
	out := make([]rankingResp, 0, len(cats))
	for _, c := range cats {
		out = append(out, rankingResp{Category: c, Count: h.ranking.Count(c)})
	}
	writeJSON(w, http.StatusOK, out)
}

type percentileResp struct {
	Category   string   `json:"category"`
	Theta      float64  `json:"theta"`
	Count      int64    `json:"count"`
	Percentile *float64 `json:"percentile"`
}

func (h *Handler) handlePercentile(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	theta, err := strconv.ParseFloat(r.URL.Query().Get("theta"), 64)
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, "ErrMissingField", map[string]any{"Field": "theta"})
		return
	}

	resp := percentileResp{Category: category, Theta: theta, Count: h.ranking.Count(category)}
	if p, ok := h.ranking.PercentileOf(category, theta); ok {
		resp.Percentile = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

type calibrationResp struct {
	model.CalibrationRecord
	Slope *float64         `json:"slope,omitempty"`
	Band  model.Difficulty `json:"band,omitempty"`
}

func (h *Handler) handleCalibration(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "questionID"), 10, 64)
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, "ErrInvalidRequest", nil)
		return
	}
	rec, ok := h.calibration.Record(id)
	if !ok {
		writeErr(w, r, http.StatusNotFound, "ErrUnknownQuestion", nil)
		return
	}
	resp := calibrationResp{CalibrationRecord: rec}
	if est, err := h.calibration.Estimate(id); err == nil {
		slope := est.Slope()
		resp.Slope = &slope
		resp.Band = h.blueprints.Scale().Classify(est.Difficulty)
	}
	writeJSON(w, http.StatusOK, resp)
}
