// Package server exposes the location orchestrator to map clients over HTTP
// and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/idanyas/geofix/internal/data"
	"github.com/idanyas/geofix/internal/geo"
	"github.com/idanyas/geofix/internal/location"
	"github.com/idanyas/geofix/internal/relay"
)

// Server handles HTTP and WebSocket connections.
type Server struct {
	Addr    string
	orch    *location.Orchestrator
	mobile  *relay.MobileStore
	centers []data.Center
	ws      *WSManager
	router  *mux.Router
	srv     *http.Server

	// ctx outlives individual requests; acquisitions started by a request
	// keep running after the response is written.
	ctx context.Context
}

type Option func(*Server)

// WithMobileStore serves GET /api/mobile-gps from store.
func WithMobileStore(store *relay.MobileStore) Option {
	return func(s *Server) { s.mobile = store }
}

func WithCenters(centers []data.Center) Option {
	return func(s *Server) { s.centers = centers }
}

// NewServer creates the server and subscribes it to orch.
func NewServer(addr string, orch *location.Orchestrator, opts ...Option) *Server {
	s := &Server{
		Addr: addr,
		orch: orch,
		ws:   NewWSManager(orch.Snapshot),
		ctx:  context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	orch.Subscribe(s.ws.Notify)
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/location", s.handleGetLocation).Methods(http.MethodGet)
	api.HandleFunc("/location", s.handleClearLocation).Methods(http.MethodDelete)
	api.HandleFunc("/location/automatic", s.handleAutomatic).Methods(http.MethodPost)
	api.HandleFunc("/location/mobile", s.handleMobile).Methods(http.MethodPost)
	api.HandleFunc("/location/manual", s.handleManual).Methods(http.MethodPut)
	api.HandleFunc("/location/nearest", s.handleNearest).Methods(http.MethodGet)
	api.HandleFunc("/mobile-gps", s.handleMobileGPS).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.ws.HandleWebSocket)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.ctx = ctx
	s.ws.Start(ctx)

	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("web server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("web server shutdown error", "error", err)
		}
	}()

	slog.Info("web server listening", "addr", s.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// respond writes the current state, first waiting for the resolution to
// settle when the client asked with ?wait=true.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int) {
	snap := s.orch.Snapshot()
	if r.URL.Query().Get("wait") == "true" {
		var err error
		if snap, err = s.orch.Await(r.Context()); err != nil {
			writeError(w, http.StatusGatewayTimeout, "timeout", "location is still resolving")
			return
		}
		status = http.StatusOK
	}
	writeJSON(w, status, NewLocationView(snap))
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, http.StatusOK)
}

func (s *Server) handleAutomatic(w http.ResponseWriter, r *http.Request) {
	if !s.orch.RequestAutomatic(s.ctx) {
		slog.Debug("automatic request ignored, cascade already running")
	}
	s.respond(w, r, http.StatusAccepted)
}

func (s *Server) handleMobile(w http.ResponseWriter, r *http.Request) {
	s.orch.RequestMobile(s.ctx)
	s.respond(w, r, http.StatusAccepted)
}

type manualRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (s *Server) handleManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request", err.Error())
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeError(w, http.StatusBadRequest, "bad-request", "latitude and longitude are required")
		return
	}

	if _, err := s.orch.SetManual(*req.Latitude, *req.Longitude); err != nil {
		f := data.AsFailure(err, data.ErrInvalidCoordinates)
		writeError(w, http.StatusUnprocessableEntity, f.Code(), f.Error())
		return
	}
	s.respond(w, r, http.StatusOK)
}

func (s *Server) handleClearLocation(w http.ResponseWriter, r *http.Request) {
	s.orch.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	if len(s.centers) == 0 {
		writeError(w, http.StatusNotFound, "no-centers", "no centers configured")
		return
	}
	snap := s.orch.Snapshot()
	if snap.Fix == nil {
		writeError(w, http.StatusConflict, "no-location", "no location resolved yet")
		return
	}

	c, d, _ := geo.Nearest(snap.Fix.Latitude, snap.Fix.Longitude, s.centers)
	writeJSON(w, http.StatusOK, NearestView{Center: c, DistanceMeters: d, From: newFixView(*snap.Fix)})
}

func (s *Server) handleMobileGPS(w http.ResponseWriter, r *http.Request) {
	if s.mobile == nil {
		writeJSON(w, http.StatusServiceUnavailable, location.ProxyResponse{Message: "Mobile relay is not enabled"})
		return
	}
	resp := s.mobile.Response(r.URL.Query().Get("device"))
	status := http.StatusOK
	if !resp.Success {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// LoadCenters reads a JSON array of centers.
func LoadCenters(path string) ([]data.Center, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var centers []data.Center
	if err := json.Unmarshal(raw, &centers); err != nil {
		return nil, fmt.Errorf("parsing centers file %s: %w", path, err)
	}
	for i, c := range centers {
		if !geo.Validate(c.Latitude, c.Longitude) {
			return nil, fmt.Errorf("center %d (%s) has invalid coordinates %v,%v", i, c.Name, c.Latitude, c.Longitude)
		}
	}
	return centers, nil
}
