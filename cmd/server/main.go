package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pitchey/experiments/internal/api"
	"github.com/pitchey/experiments/internal/cache"
	"github.com/pitchey/experiments/internal/engine"
	"github.com/pitchey/experiments/internal/metrics"
	"github.com/pitchey/experiments/internal/notify"
	"github.com/pitchey/experiments/internal/store"
	"github.com/pitchey/experiments/pkg/otel"
)

type Server struct {
	engine      *engine.Engine
	metrics     *metrics.Metrics
	limiter     *rate.Limiter
	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	ctx := context.Background()

	// Setup store
	storeBackend := getEnv("STORE_BACKEND", "memory")
	var st store.Store
	var err error

	switch storeBackend {
	case "memory":
		st = store.NewMemoryStore()
	case "postgres":
		connStr := getEnv("POSTGRES_CONN", "")
		if connStr == "" {
			log.Fatal("POSTGRES_CONN is required when STORE_BACKEND=postgres")
		}
		st, err = store.NewPostgresStore(ctx, connStr)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown STORE_BACKEND: %s", storeBackend)
	}

	// Setup cache
	cacheBackend := getEnv("CACHE_BACKEND", "memory")
	var c cache.Cache

	switch cacheBackend {
	case "memory":
		c, err = cache.NewLRUCache(getEnvInt("CACHE_SIZE", 4096))
		if err != nil {
			log.Fatalf("Failed to create LRU cache: %v", err)
		}
	case "redis":
		redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
		c, err = cache.NewRedisCache(redisAddr, getEnv("REDIS_PASSWORD", ""), getEnvInt("REDIS_DB", 0))
		if err != nil {
			log.Fatalf("Failed to create Redis cache: %v", err)
		}
	default:
		log.Fatalf("Unknown CACHE_BACKEND: %s", cacheBackend)
	}

	// Setup notifier
	var n notify.Notifier = notify.LogNotifier{}
	if addr := getEnv("NOTIFY_REDIS_ADDR", ""); addr != "" {
		n, err = notify.NewRedisNotifier(addr, getEnv("REDIS_PASSWORD", ""), getEnvInt("REDIS_DB", 0), getEnv("NOTIFY_PREFIX", "experiments:"))
		if err != nil {
			log.Fatalf("Failed to create Redis notifier: %v", err)
		}
	}

	// Tracing
	tracerShutdown := func(context.Context) error { return nil }
	if getEnv("OTEL_ENABLED", "") == "true" {
		cfg := otel.DefaultConfig("experiments")
		cfg.CollectorEndpoint = getEnv("OTEL_ENDPOINT", cfg.CollectorEndpoint)
		tp, err := otel.InitTracer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tracerShutdown = func(ctx context.Context) error { return otel.Shutdown(ctx, tp) }
	}

	// Setup metrics
	m := metrics.New()

	// Rate limiter
	tokenRate := getEnvInt("TOKEN_RATE", 100)
	limiter := rate.NewLimiter(rate.Limit(tokenRate), tokenRate*2)

	eng := engine.New(st, c, n, m, engine.Config{
		ResultsTTL: time.Duration(getEnvInt("RESULTS_TTL_SECONDS", 60)) * time.Second,
	})

	srv := &Server{
		engine:  eng,
		metrics: m,
		limiter: limiter,
	}

	// Metrics auth
	srv.metricsAuth.enabled = getEnv("METRICS_USER", "") != ""
	srv.metricsAuth.user = getEnv("METRICS_USER", "")
	srv.metricsAuth.password = getEnv("METRICS_PASS", "")

	// Setup HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/experiments", srv.handleCreate)
	mux.HandleFunc("GET /v1/experiments", srv.handleList)
	mux.HandleFunc("GET /v1/experiments/{id}", srv.handleGet)
	mux.HandleFunc("POST /v1/experiments/{id}/start", srv.handleStart)
	mux.HandleFunc("POST /v1/experiments/{id}/pause", srv.handlePause)
	mux.HandleFunc("POST /v1/experiments/{id}/resume", srv.handleResume)
	mux.HandleFunc("POST /v1/experiments/{id}/complete", srv.handleComplete)
	mux.HandleFunc("POST /v1/experiments/{id}/archive", srv.handleArchive)
	mux.HandleFunc("POST /v1/experiments/{id}/assign", srv.handleAssign)
	mux.HandleFunc("POST /v1/experiments/{id}/events", srv.handleTrackEvent)
	mux.HandleFunc("GET /v1/experiments/{id}/results", srv.handleResults)
	mux.HandleFunc("GET /v1/experiments/{id}/snapshots", srv.handleSnapshots)
	mux.HandleFunc("DELETE /v1/experiments/{id}/events", srv.handlePruneEvents)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", handleHealth)

	// HTTP server
	port := getEnv("PORT", "8080")
	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on port %s", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if err := tracerShutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down tracing: %v", err)
	}
	if err := n.Close(); err != nil {
		log.Printf("Error closing notifier: %v", err)
	}
	if err := c.Close(); err != nil {
		log.Printf("Error closing cache: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("Error closing store: %v", err)
	}

	log.Println("Server stopped")
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	var req api.CreateExperimentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	exp, err := s.engine.CreateExperiment(r.Context(), req, r.Header.Get("X-User-ID"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	filter := api.ListFilter{
		Status:    r.URL.Query().Get("status"),
		CreatedBy: r.URL.Query().Get("created_by"),
	}

	experiments, total, err := s.engine.ListExperiments(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"experiments": experiments,
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	exp, err := s.engine.GetExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	if err := s.engine.StartExperiment(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	// Body is optional for pause.
	_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body)

	if err := s.engine.PauseExperiment(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	if err := s.engine.ResumeExperiment(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	results, err := s.engine.CompleteExperiment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	if err := s.engine.ArchiveExperiment(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	var req api.AssignRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	assignment, err := s.engine.AssignUser(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if assignment == nil {
		// Not eligible: targeting, allocation, or experiment not active.
		respondJSON(w, http.StatusOK, map[string]interface{}{"assigned": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"assigned":   true,
		"assignment": assignment,
	})
}

func (s *Server) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	var req api.TrackEventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.engine.TrackEvent(r.Context(), r.PathValue("id"), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	results, err := s.engine.GetResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	snapshots, err := s.engine.GetSnapshots(r.Context(), r.PathValue("id"), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snapshots})
}

func (s *Server) handlePruneEvents(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w) {
		return
	}

	before, err := time.Parse(time.RFC3339, r.URL.Query().Get("before"))
	if err != nil {
		http.Error(w, "before must be RFC3339", http.StatusBadRequest)
		return
	}

	removed, err := s.engine.PruneEvents(r.Context(), r.PathValue("id"), before)
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (s *Server) allow(w http.ResponseWriter) bool {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "10")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	// Wrap with Basic Auth
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case api.IsValidation(err):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, api.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, api.ErrInvalidState):
		respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Printf("Internal error: %v", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, defaultValue int) int {
	if value := r.URL.Query().Get(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
