package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/cartlift/cartlift/internal/engine"
	"github.com/cartlift/cartlift/internal/offer"
	"github.com/cartlift/cartlift/internal/stats"
	"github.com/cartlift/cartlift/internal/store"
)

type Server struct {
	store     *store.SQLiteStore
	lifecycle *engine.Lifecycle
	bucketer  *engine.Bucketer
	recorder  *engine.Recorder
	rollout   *engine.Rollout
	results   *stats.Engine

	port      int
	token     string
	log       *zap.Logger
	validate  *validator.Validate
	router    chi.Router
	startTime time.Time
}

// New wires the experiment core against s. An empty token gets a random one
// generated at startup; serve prints it so operators can reach the admin
// API.
func New(s *store.SQLiteStore, port int, token string, log *zap.Logger) *Server {
	if token == "" {
		token = generateToken()
	}

	applier := offer.NewSettingsApplier(s, log)
	rollout := engine.NewRollout(s, applier, log)

	srv := &Server{
		store:     s,
		lifecycle: engine.NewLifecycle(s, rollout, log),
		bucketer:  engine.NewBucketer(s, log),
		recorder:  engine.NewRecorder(s, log),
		rollout:   rollout,
		results:   stats.NewEngine(s),
		port:      port,
		token:     token,
		log:       log,
		validate:  validator.New(),
		startTime: time.Now(),
	}

	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	// Public endpoints
	r.Get("/health", s.handleHealth)
	r.Options("/b/assign", s.handleBeaconPreflight)
	r.Post("/b/assign", s.handleAssign)
	r.Options("/b/track", s.handleBeaconPreflight)
	r.Post("/b/track", s.handleTrack)

	// Admin API (protected)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/experiments", s.handleCreateExperiment)
		r.Get("/experiments", s.handleListExperiments)
		r.Get("/experiments/{id}", s.handleGetExperiment)
		r.Post("/experiments/{id}/start", s.handleTransition(s.lifecycle.Start))
		r.Post("/experiments/{id}/pause", s.handleTransition(s.lifecycle.Pause))
		r.Post("/experiments/{id}/cancel", s.handleTransition(s.lifecycle.Cancel))
		r.Post("/experiments/{id}/complete", s.handleComplete)
		r.Post("/experiments/{id}/rollout", s.handleRollout)
		r.Get("/experiments/{id}/results", s.handleResults)
	})

	return r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)

	fmt.Println()
	fmt.Printf("cartlift running on http://localhost:%d\n", s.port)
	fmt.Printf("Admin API: http://localhost:%d/api/experiments?token=%s\n", s.port, s.token)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	return http.ListenAndServe(addr, s.router)
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func generateToken() string {
	bytes := make([]byte, 4)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a fixed token if crypto/rand fails
		return "a1b2c3d4"
	}
	return hex.EncodeToString(bytes)
}
