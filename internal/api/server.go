package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"routemap/internal/db"
	"routemap/internal/editor"
	"routemap/internal/geo"
	"routemap/internal/mapmatch"
	"routemap/internal/pipeline"
	"routemap/internal/polyline"
	"routemap/internal/render"
)

type Matcher interface {
	ProcessRouteWithCoordinates(ctx context.Context, coords geo.Path, apiKey string, applyMapMatching bool) (mapmatch.Result, error)
}

// Pinger reports backend reachability for /healthz. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Options struct {
	APIKey      string
	MapMatching bool // default when a request does not say
	CORSOrigins []string
}

type Server struct {
	scene    *render.Scene
	pipeline *pipeline.Pipeline
	editor   *editor.Manager
	matcher  Matcher
	db       Pinger
	opts     Options

	done      chan struct{}
	closeOnce sync.Once
}

func NewServer(scene *render.Scene, p *pipeline.Pipeline, ed *editor.Manager, m Matcher, pinger Pinger, opts Options) *Server {
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{
		scene:    scene,
		pipeline: p,
		editor:   ed,
		matcher:  m,
		db:       pinger,
		opts:     opts,
		done:     make(chan struct{}),
	}
}

// Close ends open scene streams. http.Server.Shutdown does not wait for
// hijacked websocket connections.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/scene", s.getScene)
		r.Get("/scene/ws", s.streamScene)
		r.Delete("/scene", s.clearScene)

		r.Post("/match", s.match)

		r.Post("/variants/{id}/draw", s.drawVariant)
		r.Delete("/variants/{id}/draw", s.removeVariant)
		r.Post("/variants/{id}/highlight", s.highlightVariant)

		r.Route("/drafts", func(r chi.Router) {
			r.Get("/", s.listDrafts)
			r.Post("/", s.createDraft)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getDraft)
				r.Delete("/", s.discardDraft)
				r.Post("/points", s.addPoint)
				r.Delete("/points", s.clearPoints)
				r.Delete("/points/last", s.undoPoint)
				r.Post("/stops", s.assignStop)
				r.Put("/stops/order", s.moveStop)
				r.Delete("/stops/{stopId}", s.removeStop)
				r.Post("/finish", s.finishDraft)
			})
		})
	})
	return r
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, editor.ErrDraftNotFound), errors.Is(err, db.ErrNotFound), errors.Is(err, editor.ErrUnknownStop):
		status = http.StatusNotFound
	case errors.Is(err, editor.ErrDuplicateStop), errors.Is(err, editor.ErrDraftBusy):
		status = http.StatusConflict
	case errors.Is(err, editor.ErrTooFewPoints), errors.Is(err, editor.ErrNoVariant),
		errors.Is(err, editor.ErrNoStopNearby), errors.Is(err, editor.ErrStopIndex),
		errors.Is(err, mapmatch.ErrNoCoordinates), errors.Is(err, polyline.ErrMalformed):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, err.Error())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":    "error",
				"database":  "disconnected",
				"timestamp": time.Now().UTC(),
				"error":     err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}
