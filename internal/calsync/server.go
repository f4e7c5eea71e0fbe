package calsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/calfeed/calfeed/internal/calsync/engine"
	"github.com/calfeed/calfeed/internal/calsync/model"
)

// Store is the repository surface the HTTP layer needs on top of what
// the engine uses.
type Store interface {
	GetCalendar(ctx context.Context, id string) (*model.Calendar, error)
	ListCalendars(ctx context.Context) ([]*model.Calendar, error)
	InsertCalendar(ctx context.Context, cal *model.Calendar) error
	DeleteCalendar(ctx context.Context, id string) error
	WatchCalendar(ctx context.Context, id string, onChange func(*model.Calendar), onError func(error)) (func(), error)
}

// Server exposes the calendar subscription and sync API over JSON.
type Server struct {
	store Store
	orch  *engine.Orchestrator
}

func NewServer(store Store, orch *engine.Orchestrator) *Server {
	return &Server{store: store, orch: orch}
}

func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/calendars", s.attachCalendar).Methods(http.MethodPost)
	r.HandleFunc("/calendars", s.listCalendars).Methods(http.MethodGet)
	r.HandleFunc("/calendars/stale", s.listStale).Methods(http.MethodGet)
	r.HandleFunc("/calendars/{id}", s.getCalendar).Methods(http.MethodGet)
	r.HandleFunc("/calendars/{id}", s.detachCalendar).Methods(http.MethodDelete)
	r.HandleFunc("/calendars/{id}/sync", s.syncNow).Methods(http.MethodPost)
	r.HandleFunc("/calendars/{id}/watch", s.watchCalendar).Methods(http.MethodGet)
	r.HandleFunc("/sync", s.runBatch).Methods(http.MethodPost)
}

type attachRequest struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	Description string `json:"description"`
	FeedAddress string `json:"feedAddress"`
}

func (s *Server) attachCalendar(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.FeedAddress = strings.TrimSpace(req.FeedAddress)
	if req.Name == "" || req.FeedAddress == "" {
		writeError(w, http.StatusBadRequest, "name and feedAddress are required")
		return
	}

	cal := &model.Calendar{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Color:       req.Color,
		Description: req.Description,
		Source:      model.Source{FeedAddress: req.FeedAddress},
		Events:      map[string]model.Event{},
		Sync:        model.SyncState{Status: model.StatusIdle},
	}

	if err := s.store.InsertCalendar(r.Context(), cal); err != nil {
		slog.ErrorContext(r.Context(), "Failed to attach calendar", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to attach calendar")
		return
	}

	// Eager first sync so a fresh calendar shows events without waiting
	// for the staleness cycle.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := s.orch.SyncNow(ctx, cal.ID); err != nil {
			slog.ErrorContext(ctx, "Initial sync failed to start", "calendar_id", cal.ID, "error", err)
		}
	}()

	writeJSON(w, http.StatusCreated, cal)
}

func (s *Server) listCalendars(w http.ResponseWriter, r *http.Request) {
	cals, err := s.store.ListCalendars(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list calendars", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list calendars")
		return
	}
	if cals == nil {
		cals = []*model.Calendar{}
	}
	writeJSON(w, http.StatusOK, cals)
}

func (s *Server) getCalendar(w http.ResponseWriter, r *http.Request) {
	cal, err := s.store.GetCalendar(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to load calendar", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load calendar")
		return
	}
	if cal == nil {
		writeError(w, http.StatusNotFound, "calendar not found")
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *Server) detachCalendar(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCalendar(r.Context(), mux.Vars(r)["id"]); err != nil {
		slog.ErrorContext(r.Context(), "Failed to detach calendar", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to detach calendar")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type syncOutcomeResponse struct {
	Success      bool   `json:"success"`
	EventCount   int    `json:"eventCount"`
	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.orch.SyncNow(r.Context(), mux.Vars(r)["id"])
	switch {
	case errors.Is(err, engine.ErrSyncInFlight):
		writeError(w, http.StatusConflict, "calendar sync already in flight")
		return
	case errors.Is(err, engine.ErrCalendarNotFound):
		writeError(w, http.StatusNotFound, "calendar not found")
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "Manual sync failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}

	writeJSON(w, http.StatusOK, syncOutcomeResponse{
		Success:      outcome.Success,
		EventCount:   outcome.EventCount,
		ErrorType:    string(outcome.ErrorType),
		ErrorMessage: outcome.ErrorMessage,
		Retryable:    outcome.Retryable,
	})
}

func (s *Server) listStale(w http.ResponseWriter, r *http.Request) {
	cals, err := s.store.ListCalendars(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list calendars", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list calendars")
		return
	}

	stale := engine.DetectStale(cals, time.Now())
	if stale == nil {
		stale = []model.StalenessEntry{}
	}
	writeJSON(w, http.StatusOK, stale)
}

func (s *Server) runBatch(w http.ResponseWriter, r *http.Request) {
	cals, err := s.store.ListCalendars(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list calendars", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list calendars")
		return
	}

	result := s.orch.RunBatch(r.Context(), engine.DetectStale(cals, time.Now()))
	writeJSON(w, http.StatusOK, result)
}

// watchCalendar streams calendar updates as server-sent events until the
// client goes away.
func (s *Server) watchCalendar(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := mux.Vars(r)["id"]
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	changes := make(chan *model.Calendar, 8)
	unsubscribe, err := s.store.WatchCalendar(ctx, id,
		func(cal *model.Calendar) {
			select {
			case changes <- cal:
			default:
			}
		},
		func(err error) {
			slog.ErrorContext(ctx, "Calendar watch failed", "calendar_id", id, "error", err)
			cancel()
		},
	)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to watch calendar", "calendar_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to watch calendar")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case cal := <-changes:
			payload, err := json.Marshal(cal)
			if err != nil {
				slog.ErrorContext(ctx, "Failed to encode calendar update", "calendar_id", id, "error", err)
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
