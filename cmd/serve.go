package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mirror-status/internal/model"
	"github.com/sells-group/mirror-status/internal/monitoring"
	"github.com/sells-group/mirror-status/internal/store"
)

var servePort int

const maxListLimit = 1000

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled processing passes and the read API",
	Long: `Run a processing pass every schedule.interval_secs, check fleet health
every monitoring.check_interval_secs, and serve a read-only JSON API:

  GET /health
  GET /api/v1/sites
  GET /api/v1/sites/{name}/overviews?limit=N
  GET /api/v1/passes?limit=N
  GET /api/v1/fleet`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		st, err := openStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sc, err := scoringConfig(cfg)
		if err != nil {
			return err
		}
		runner, err := newRunner(st)
		if err != nil {
			return err
		}

		collector := monitoring.NewCollector(st, cfg.Monitoring.StaleAgeHours, sc.IgnoreRun)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildMux(st, collector),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			runner.Loop(gctx, cfg.Schedule.Interval())
			return nil
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// fleetCollector produces the fleet snapshot served at /api/v1/fleet.
type fleetCollector interface {
	Collect(ctx context.Context) (*monitoring.FleetSnapshot, error)
}

// apiStore is the store surface behind the read API.
type apiStore interface {
	Ping(ctx context.Context) error
	GetSiteByName(ctx context.Context, name string) (*model.Site, error)
	LatestOverviews(ctx context.Context) ([]model.SiteOverview, error)
	SiteOverviews(ctx context.Context, siteID int64, limit int) ([]model.SiteOverview, error)
	ListPasses(ctx context.Context, limit int) ([]model.Pass, error)
}

func buildMux(st apiStore, fleet fleetCollector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			zap.L().Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/sites", func(w http.ResponseWriter, r *http.Request) {
			rows, err := st.LatestOverviews(r.Context())
			if err != nil {
				internalError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, nonNil(rows))
		})

		r.Get("/sites/{name}/overviews", func(w http.ResponseWriter, r *http.Request) {
			limit, err := queryLimit(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			name := chi.URLParam(r, "name")
			site, err := st.GetSiteByName(r.Context(), name)
			if eris.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, eris.Errorf("unknown site %s", name))
				return
			}
			if err != nil {
				internalError(w, r, err)
				return
			}
			rows, err := st.SiteOverviews(r.Context(), site.ID, limit)
			if err != nil {
				internalError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, nonNil(rows))
		})

		r.Get("/passes", func(w http.ResponseWriter, r *http.Request) {
			limit, err := queryLimit(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			passes, err := st.ListPasses(r.Context(), limit)
			if err != nil {
				internalError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, nonNil(passes))
		})

		r.Get("/fleet", func(w http.ResponseWriter, r *http.Request) {
			snap, err := fleet.Collect(r.Context())
			if err != nil {
				internalError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
	})

	return r
}

func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 || v > maxListLimit {
		return 0, eris.Errorf("limit must be an integer between 1 and %d", maxListLimit)
	}
	return v, nil
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("api request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
