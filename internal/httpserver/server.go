package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/heimdall-vision/signal-relay/internal/config"
	"github.com/heimdall-vision/signal-relay/internal/metrics"
	"github.com/heimdall-vision/signal-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log     *slog.Logger
	cfg     config.Config
	build   BuildInfo
	metrics *metrics.Metrics
	// turn is nil unless TURN REST is configured.
	turn    *turnrest.Minter
	turnErr error

	ready atomic.Bool

	mux *http.ServeMux
	// app holds routes mounted behind the origin policy.
	app *http.ServeMux
	srv *http.Server
}

// New builds the relay's HTTP server. m may be nil, in which case /metrics is
// not served.
func New(cfg config.Config, logger *slog.Logger, build BuildInfo, m *metrics.Metrics) *Server {
	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		metrics: m,
		mux:     http.NewServeMux(),
		app:     http.NewServeMux(),
	}
	if cfg.TURNREST.Enabled() {
		s.turn, s.turnErr = turnrest.New(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if s.turnErr != nil {
			s.log.Error("turn rest disabled", "err", s.turnErr)
		}
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		accessLogMiddleware(s.log, s.metrics),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Signaling sockets are long-lived; no read/write timeouts here.
	}

	return s
}

// Mount registers browser-facing routes behind the origin policy. It must
// only be used during startup, before Serve.
func (s *Server) Mount(register func(mux *http.ServeMux)) {
	register(s.app)
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.iceError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
		if err := s.iceError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
			return
		}
		if s.turn == nil {
			WriteJSON(w, http.StatusOK, map[string]any{"iceServers": s.cfg.ICEServers})
			return
		}
		servers, creds, err := s.turn.Apply(s.cfg.ICEServers)
		if err != nil {
			s.log.Error("turn rest credential mint failed", "err", err)
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers, "expiresAt": creds.Expires.Unix()})
	}))

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", metrics.Handler(s.metrics))
	}

	// Everything else (signaling socket, detection publish) goes through the
	// origin policy.
	s.mux.Handle("/", s.originMiddleware()(s.app))
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) iceError() error {
	if err := s.cfg.ICEConfigError(); err != nil {
		return err
	}
	return s.turnErr
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}
