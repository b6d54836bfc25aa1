package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/heimdall-vision/signal-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets anyone join the relay and publish detections",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxPeers <= 0 {
		logger.Warn("startup security warning: MAX_PEERS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_peers_unlimited_in_prod",
			"max_peers", cfg.MaxPeers,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && cfg.TURNREST.TTL > 24*time.Hour {
		logger.Warn("startup security warning: TURN_REST_TTL is very large (leaked TURN credentials stay valid longer)",
			"warning_code", "turn_rest_ttl_large",
			"turn_rest_ttl", cfg.TURNREST.TTL,
			"mode", cfg.Mode,
		)
	}

	// Every relayed envelope is buffered whole before fan-out.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation and fan-out cost)",
			"warning_code", "signaling_message_max_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.LivenessInterval > 5*time.Minute {
		logger.Warn("startup security warning: LIVENESS_INTERVAL is very large (dead peers stay registered and keep receiving broadcasts)",
			"warning_code", "liveness_interval_large",
			"liveness_interval", cfg.LivenessInterval,
			"mode", cfg.Mode,
		)
	}
}
