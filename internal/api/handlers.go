package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/kdimtricp/callpilot/internal/database"
	"github.com/kdimtricp/callpilot/internal/events"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/protocol"
	"github.com/kdimtricp/callpilot/internal/session"
	"github.com/kdimtricp/callpilot/internal/storage"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

const maxBodySize = 1 << 20

// DecisionLister is the read side of the decision journal.
type DecisionLister interface {
	List(ctx context.Context, q database.Query) ([]events.Decision, error)
}

// App holds what the monitoring handlers need. Journal, Archive, Metrics and
// Sessions are optional.
type App struct {
	Manager  *session.Manager
	Journal  DecisionLister
	Archive  *storage.Archive
	Metrics  http.Handler
	Sessions http.Handler
	Logger   hclog.Logger
}

func PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("pong"))
}

type sessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
}

func (app *App) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	infos := app.Manager.List()
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: infos, Count: len(infos)})
}

func (app *App) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := app.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// FrameHandler serves the last frame the device sent, as received.
func (app *App) FrameHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := app.session(w, r)
	if !ok {
		return
	}

	data, at, ok := sess.LastFrame()
	if !ok {
		writeError(w, http.StatusNotFound, "no frame received yet")
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

type rulesErrorResponse struct {
	Error string       `json:"error"`
	Rules filter.Rules `json:"rules"`
}

// UpdateRulesHandler merges the given fields onto the session's rules. An
// invalid result is rejected with the rules still in effect.
func (app *App) UpdateRulesHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := app.session(w, r)
	if !ok {
		return
	}

	var settings protocol.FilterSettings
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rules, err := sess.ApplySettings(settings.Patch())
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, rulesErrorResponse{Error: err.Error(), Rules: rules})
		return
	}

	// The device keeps its own copy of the rules for display.
	sess.Send(protocol.NewConfig(rules))
	writeJSON(w, http.StatusOK, rules)
}

// CommandHandler forwards an arbitrary message to the device.
func (app *App) CommandHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := app.session(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	switch err := sess.SendRaw(json.RawMessage(body)); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, session.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

// StrategyHandler switches the session to the named strategy.
func (app *App) StrategyHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := app.session(w, r)
	if !ok {
		return
	}

	var req strategyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if _, err := sess.ForceStrategy(req.Strategy); err != nil {
		if errors.Is(err, strategy.ErrUnknownStrategy) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess.Info().Strategy)
}

func (app *App) ResetStatsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := app.session(w, r)
	if !ok {
		return
	}
	sess.ResetStats()
	writeJSON(w, http.StatusOK, sess.Info().Strategy)
}

func (app *App) StatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, app.Manager.Totals())
}

type decisionsResponse struct {
	Decisions []events.Decision `json:"decisions"`
	Count     int               `json:"count"`
}

// DecisionsHandler lists journaled decisions. Query parameters: session,
// accepted (true|false), since (RFC 3339) and limit.
func (app *App) DecisionsHandler(w http.ResponseWriter, r *http.Request) {
	if app.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "decision journal is disabled")
		return
	}

	q := database.Query{SessionID: r.URL.Query().Get("session")}

	if v := r.URL.Query().Get("accepted"); v != "" {
		accepted, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "accepted must be true or false")
			return
		}
		q.Accepted = &accepted
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		q.Since = since
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	decisions, err := app.Journal.List(r.Context(), q)
	if err != nil {
		app.Logger.Error("failed to list decisions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}
	writeJSON(w, http.StatusOK, decisionsResponse{Decisions: decisions, Count: len(decisions)})
}

// SnapshotHandler serves the archived frame of an accepted decision.
func (app *App) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if app.Archive == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot archive is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid decision id")
		return
	}

	file, contentType, err := app.Archive.Open(id)
	if err != nil {
		if errors.Is(err, storage.ErrSnapshotNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		app.Logger.Error("failed to open snapshot", "decision", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to open snapshot")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, id, time.Time{}, file)
}

func (app *App) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := app.Manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
