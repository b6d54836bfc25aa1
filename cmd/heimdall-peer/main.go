package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/heimdall-vision/signal-relay/internal/auth"
	"github.com/heimdall-vision/signal-relay/internal/client"
	"github.com/heimdall-vision/signal-relay/internal/config"
	"github.com/heimdall-vision/signal-relay/internal/latency"
	"github.com/heimdall-vision/signal-relay/internal/metrics"
	"github.com/heimdall-vision/signal-relay/internal/peerlink"
	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

const envConfigPath = "HEIMDALL_PEER_CONFIG"

var errRelayUnavailable = errors.New("relay unavailable: reconnect attempts exhausted")

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	path, args := splitConfigFlag(os.Args[1:])
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	cfg, err := config.LoadPeer(path, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logCfg, err := cfg.LogConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, logCloser, err := config.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting heimdall-peer", "config", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("peer exited", "err", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("peer stopped")
}

// splitConfigFlag pulls -config/--config out of args so the remaining flags can
// be applied on top of the profile it names.
func splitConfigFlag(args []string) (string, []string) {
	var path string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			rest = append(rest, args[i:]...)
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			rest = append(rest, a)
			continue
		}
		if hasValue {
			path = value
			continue
		}
		if i+1 < len(args) {
			i++
			path = args[i]
		}
	}
	return path, rest
}

func run(ctx context.Context, cfg config.PeerConfig, logger *slog.Logger) error {
	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.New()
	}

	api, err := peerlink.NewAPI(cfg.WebRTC)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}
	iceServers := cfg.PionICEServers()
	linkLogger := logger.With("component", "peerlink")

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set(auth.HeaderAPIKey, cfg.APIKey)
	}

	cl := client.New(client.Config{
		Role:              cfg.Role,
		MaxRetries:        cfg.MaxRetries,
		BaseBackoff:       cfg.BaseBackoff,
		MaxBackoff:        cfg.MaxBackoff,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Dial:              client.WebSocketDialer(nil, header),
		NewLink: client.PeerLinkFactory(func(initiator bool) (*peerlink.Link, error) {
			return peerlink.New(api, peerlink.Config{
				ICEServers: iceServers,
				Initiator:  initiator,
				Logger:     linkLogger,
			})
		}),
		Logger:  logger.With("component", "client"),
		Metrics: m,
	})

	failed := make(chan struct{})
	var failOnce sync.Once
	cl.OnStateChange(func(s client.State) {
		logger.Info("relay connection state changed", "state", s.String(), "identity", cl.Identity())
		if s == client.StatePermanentlyFailed {
			failOnce.Do(func() { close(failed) })
		}
	})
	cl.OnServerError(func(e protocol.ErrorPayload) {
		logger.Warn("relay reported an error", "code", e.Code, "reason", e.Reason)
	})
	cl.OnChat(func(from string, msg protocol.Chat) {
		logger.Info("chat", "from", from, "text", msg.Text)
	})
	cl.OnRoleDeclared(func(from string, role protocol.Role) {
		logger.Info("peer declared role", "from", from, "role", role)
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Role == protocol.RoleInitiator {
		ctrl, closeDetector, err := newCamera(cfg, cl, logger, m)
		if err != nil {
			return err
		}
		defer closeDetector()
		g.Go(func() error { return ctrl.Run(gctx) })
	} else {
		tracker := latency.NewTracker(latency.DefaultWindow)
		clk := clock.New()
		cl.OnDetection(displayHandler(tracker, cl, clk, logger))
		g.Go(func() error {
			tracker.Report(gctx, clk, cfg.LatencyReportInterval, logger)
			return nil
		})
	}

	if m != nil {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr, m, logger) })
	}

	cl.Connect(cfg.RelayURL)
	defer cl.Disconnect()

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-failed:
			return errRelayUnavailable
		}
	})

	return g.Wait()
}

// serveMetrics exposes /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler(m))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics server listening", "addr", addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "err", err)
	}
	return nil
}
