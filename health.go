package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthServer provides health, stats and prometheus metrics endpoints
type HealthServer struct {
	mu        sync.RWMutex
	port      int
	startTime time.Time
	db        *sql.DB
	server    *http.Server

	updatesProcessed uint64
	errorCount       uint64
	lastError        string
	lastErrorTime    time.Time
}

// HealthResponse is the JSON response for /health
type HealthResponse struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	UpdatesProcessed uint64 `json:"updates_processed"`
	ErrorCount       uint64 `json:"error_count"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorTime    string `json:"last_error_time,omitempty"`
}

// NewHealthServer creates a new health server
func NewHealthServer(port int, db *sql.DB) *HealthServer {
	return &HealthServer{
		port:      port,
		startTime: time.Now(),
		db:        db,
	}
}

// Start starts the health HTTP server
func (hs *HealthServer) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/stats", hs.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	hs.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", hs.port),
		Handler: mux,
	}

	log.Info().Int("port", hs.port).Msg("Starting health server")

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Health server error")
		}
	}()
}

// Stop gracefully stops the health server
func (hs *HealthServer) Stop() error {
	if hs.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.server.Shutdown(ctx)
}

// handleHealth handles /health endpoint
func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	hs.mu.RLock()
	resp := HealthResponse{
		Status:           "healthy",
		Uptime:           time.Since(hs.startTime).String(),
		UpdatesProcessed: hs.updatesProcessed,
		ErrorCount:       hs.errorCount,
	}
	if hs.lastError != "" {
		resp.LastError = hs.lastError
		resp.LastErrorTime = hs.lastErrorTime.Format(time.RFC3339)
	}
	hs.mu.RUnlock()

	if err := hs.db.Ping(); err != nil {
		resp.Status = "unhealthy"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(resp)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleStats reports index table row counts
func (hs *HealthServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := indexStats(hs.db)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// RecordUpdate counts one processed account update
func (hs *HealthServer) RecordUpdate() {
	hs.mu.Lock()
	hs.updatesProcessed++
	hs.mu.Unlock()
}

// RecordError records an error for /health reporting
func (hs *HealthServer) RecordError(err error) {
	hs.mu.Lock()
	hs.errorCount++
	hs.lastError = err.Error()
	hs.lastErrorTime = time.Now()
	hs.mu.Unlock()
}
