package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/coachrules/clock"
	"github.com/liamcoop/coachrules/internal/config"
	"github.com/liamcoop/coachrules/internal/logger"
	"github.com/liamcoop/coachrules/interventions"
	"github.com/liamcoop/coachrules/scheduler"
	"github.com/liamcoop/coachrules/storage"
	"github.com/liamcoop/coachrules/storage/sqlstore"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	db      Pinger
	store   storage.Store
	manager *interventions.Manager
	clock   clock.Controller
	worker  *scheduler.Worker
	router  *chi.Mux
}

// NewServer wires the ops API. db may be nil when the store is in memory.
func NewServer(db Pinger, store storage.Store, manager *interventions.Manager, clk clock.Controller, worker *scheduler.Worker) *Server {
	s := &Server{
		db:      db,
		store:   store,
		manager: manager,
		clock:   clk,
		worker:  worker,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)

	r.Route("/api/v1/clock", func(r chi.Router) {
		r.Get("/", s.handleGetClock)
		r.Put("/mode", s.handleSetMode)
		r.Post("/jump", s.handleJump)
		r.Put("/fast-forward", s.handleFastForward)
	})

	r.Post("/api/v1/cycles", s.handleRunCycle)

	r.Route("/api/v1/participants/{participantId}", func(r chi.Router) {
		r.Post("/evaluate", s.handleEvaluate)
		r.Get("/messages", s.handleListMessages)
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs every request at debug level and counts failures.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		switch {
		case status >= 500:
			logger.ErrorHttp5xx()
		case status >= 400:
			logger.WarnHttp4xx()
		}
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "status", status,
			"duration", time.Since(start).String(), "request_id", middleware.GetReqID(r.Context()))
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:              "healthy",
		InterventionsLoaded: len(s.manager.List()),
		ClockMode:           string(s.clock.Mode()),
	}
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, logger.Counters())
}

func (s *Server) clockResponse() ClockResponse {
	return ClockResponse{
		Mode:         string(s.clock.Mode()),
		Now:          s.clock.Now(),
		FastForward:  s.clock.FastForward(),
		WakeInterval: s.worker.Interval().String(),
	}
}

func (s *Server) handleGetClock(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.clockResponse())
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req SetModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	mode, err := clock.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid mode", err)
		return
	}
	if err := s.clock.SetMode(mode); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to set mode", err)
		return
	}
	// The running wake timer was armed with the previous mode's interval.
	s.worker.Trigger()
	respondJSON(w, http.StatusOK, s.clockResponse())
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	var req JumpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	size, err := clock.ParseJump(req.Jump)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid jump", err)
		return
	}
	if err := s.clock.Jump(size); err != nil {
		respondClockError(w, "failed to jump", err)
		return
	}
	s.worker.Trigger()
	respondJSON(w, http.StatusOK, s.clockResponse())
}

func (s *Server) handleFastForward(w http.ResponseWriter, r *http.Request) {
	var req FastForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := s.clock.SetFastForward(req.Enabled); err != nil {
		respondClockError(w, "failed to set fast-forward", err)
		return
	}
	respondJSON(w, http.StatusOK, s.clockResponse())
}

// handleRunCycle runs one worker cycle right away and reports its outcome.
func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	report, err := s.worker.RunCycle(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "cycle skipped", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleEvaluate walks a participant's monitoring rules without committing.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantId")

	preview, err := s.worker.Evaluate(r.Context(), participantID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "participant not found", err)
		return
	case errors.Is(err, interventions.ErrUnknownIntervention):
		respondError(w, http.StatusNotFound, "intervention not loaded", err)
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "evaluation failed", err)
		return
	}

	resp := EvaluateResponse{
		ParticipantID:     preview.Participant.ID,
		InterventionID:    preview.Participant.InterventionID,
		Evaluations:       []EvaluationResponse{},
		Directives:        []DirectiveResponse{},
		Variables:         []VariableWriteResponse{},
		Messages:          []MessageResponse{},
		Finish:            preview.Commit.Finish,
		NextEvaluationDue: preview.Commit.NextEvaluationDue,
		Warnings:          toWarningResponses(preview.Warnings),
	}
	if preview.Walk != nil {
		for _, ev := range preview.Walk.Evaluations {
			er := EvaluationResponse{RuleID: ev.RuleID, Outcome: ev.Outcome, Value: ev.Value, Unknown: ev.Unknown}
			if ev.Error != nil {
				er.Error = ev.Error.Error()
			}
			resp.Evaluations = append(resp.Evaluations, er)
		}
		for _, d := range preview.Walk.Directives {
			resp.Directives = append(resp.Directives, DirectiveResponse{Type: string(d.Type()), RuleID: d.Rule(), Detail: d})
		}
	}
	for _, v := range preview.Commit.Variables {
		resp.Variables = append(resp.Variables, VariableWriteResponse{Name: v.Name, Value: v.Value})
	}
	for _, m := range preview.Commit.Messages {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	participantID := chi.URLParam(r, "participantId")

	if _, err := s.store.GetParticipant(r.Context(), participantID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "participant not found", err)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load participant", err)
		return
	}

	msgs, err := s.store.ListMessages(r.Context(), participantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list messages", err)
		return
	}

	resp := MessagesListResponse{Messages: make([]MessageResponse, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	respondJSON(w, http.StatusOK, resp)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

func respondClockError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, clock.ErrNotSimulated) {
		respondError(w, http.StatusConflict, message, err)
		return
	}
	respondError(w, http.StatusInternalServerError, message, err)
}

func main() {
	if err := run(); err != nil {
		logger.Fatal("server failed", "error", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// sqlite databases are usually local and created on first start; postgres
	// schemas are managed with cmd/migrate.
	if cfg.DatabaseDriver == sqlstore.DriverSQLite {
		if err := sqlstore.Migrate(cfg.DatabaseDriver, cfg.DatabaseURL); err != nil {
			return err
		}
	}

	db, err := sqlstore.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	store := sqlstore.NewStore(db, cfg.MaxVariableHistory)
	manager, err := interventions.NewManager(store, sqlstore.NewRuleStore(db))
	if err != nil {
		return err
	}
	if err := manager.LoadAll(ctx); err != nil {
		return err
	}

	clk := clock.NewSimulated(cfg.FastForwardMultiplier)
	if cfg.SimulatedClock {
		if err := clk.SetMode(clock.ModeSimulated); err != nil {
			return err
		}
	}

	schedCfg, err := cfg.Scheduler()
	if err != nil {
		return err
	}
	worker := scheduler.New(schedCfg, store, manager, clk)
	server := NewServer(db, store, manager, clk, worker)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "driver", cfg.DatabaseDriver, "clock_mode", string(clk.Mode()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := logger.Shutdown(flushCtx); ferr != nil && err == nil {
		err = ferr
	}
	return err
}
