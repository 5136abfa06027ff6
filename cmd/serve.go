package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mellox11/opportunity-intel/internal/model"
	"github.com/Mellox11/opportunity-intel/internal/pipeline"
	"github.com/Mellox11/opportunity-intel/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("strategy", env.mode))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(env *env) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/analyses", func(r chi.Router) {
		r.Post("/", handleCreateAnalysis(env))
		r.Get("/", handleListAnalyses(env))
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handleGetAnalysis(env))
			r.Get("/progress", handleGetProgress(env))
			r.Get("/opportunities", handleListOpportunities(env))
			r.Post("/cancel", handleCancelAnalysis(env))
		})
	})

	return r
}

func handleCreateAnalysis(env *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.AnalysisConfig
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if env.mode == pipeline.StrategyDirect {
			// A direct dispatch blocks for the whole run, so detach it.
			a, err := env.Orchestrator.StartAnalysisDetached(r.Context(), req)
			if err != nil {
				writeStartError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, map[string]any{"analysis_id": a.ID, "status": a.Status})
			return
		}

		a, jobID, err := env.Orchestrator.StartAnalysis(r.Context(), req)
		if err != nil {
			writeStartError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"analysis_id": a.ID,
			"job_id":      jobID,
			"status":      a.Status,
		})
	}
}

func handleListAnalyses(env *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.AnalysisFilter{
			Status: model.AnalysisStatus(r.URL.Query().Get("status")),
			Limit:  50,
		}
		analyses, err := env.Store.ListAnalyses(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if analyses == nil {
			analyses = []model.Analysis{}
		}
		writeJSON(w, http.StatusOK, analyses)
	}
}

func handleGetAnalysis(env *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := env.Store.GetAnalysis(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if a == nil {
			writeError(w, http.StatusNotFound, "analysis not found")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleGetProgress(env *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := env.Orchestrator.GetAnalysisProgress(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if p == nil {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleListOpportunities(env *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opps, err := env.Store.ListOpportunities(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if opps == nil {
			opps = []model.Opportunity{}
		}
		writeJSON(w, http.StatusOK, opps)
	}
}

func handleCancelAnalysis(env *env) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := env.Orchestrator.CancelAnalysis(r.Context(), id); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"analysis_id": id, "status": "cancelled"})
	}
}

func writeStartError(w http.ResponseWriter, err error) {
	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, verr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
