package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/heimdall-vision/signal-relay/internal/protocol"
)

const (
	CaptureSourceSynthetic = "synthetic"
	CaptureSourceImage     = "image"
)

// PeerConfig is the profile of one camera or viewer endpoint.
type PeerConfig struct {
	RelayURL string        `yaml:"relay_url"`
	Role     protocol.Role `yaml:"role"`
	// APIKey is sent as X-API-Key when the relay requires authentication.
	APIKey string `yaml:"api_key"`

	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	Capture      CaptureConfig `yaml:"capture"`
	InferenceURL string        `yaml:"inference_url"`

	ICEServers []ICEServer   `yaml:"ice_servers"`
	WebRTC     WebRTCNetwork `yaml:"webrtc"`

	Log PeerLogConfig `yaml:"log"`

	MetricsAddr           string        `yaml:"metrics_addr"`
	LatencyReportInterval time.Duration `yaml:"latency_report_interval"`
}

type CaptureConfig struct {
	// Rate is frames per second.
	Rate      float64       `yaml:"rate"`
	Width     int           `yaml:"width"`
	Height    int           `yaml:"height"`
	Timeout   time.Duration `yaml:"timeout"`
	Source    string        `yaml:"source"`
	ImagePath string        `yaml:"image_path"`
}

// Interval is the capture tick period.
func (c CaptureConfig) Interval() time.Duration {
	return time.Duration(float64(time.Second) / c.Rate)
}

// WebRTCNetwork constrains how the peer link gathers and binds candidates.
type WebRTCNetwork struct {
	UDPPortMin  uint16   `yaml:"udp_port_min"`
	UDPPortMax  uint16   `yaml:"udp_port_max"`
	NAT1To1IPs  []string `yaml:"nat_1to1_ips"`
	UDPListenIP string   `yaml:"udp_listen_ip"`
}

// ListenIP returns the parsed listen IP, or nil when unset or unspecified.
func (w WebRTCNetwork) ListenIP() net.IP {
	ip := net.ParseIP(strings.TrimSpace(w.UDPListenIP))
	if ip == nil || ip.IsUnspecified() {
		return nil
	}
	return ip
}

// PeerLogConfig is the YAML form of LogConfig.
type PeerLogConfig struct {
	Format     string `yaml:"format"`
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		RelayURL:          "ws://127.0.0.1:8080/ws",
		Role:              protocol.RoleReceiver,
		MaxRetries:        5,
		BaseBackoff:       time.Second,
		MaxBackoff:        30 * time.Second,
		KeepaliveInterval: 15 * time.Second,
		Capture: CaptureConfig{
			Rate:    12,
			Width:   320,
			Height:  240,
			Timeout: 2 * time.Second,
			Source:  CaptureSourceSynthetic,
		},
		Log: PeerLogConfig{
			Format: string(LogFormatText),
			Level:  "info",
		},
		LatencyReportInterval: 10 * time.Second,
	}
}

// LoadPeer reads a YAML profile at path over DefaultPeerConfig, applies flag
// overrides from args and validates the result. An empty path uses defaults.
func LoadPeer(path string, args []string) (PeerConfig, error) {
	cfg := DefaultPeerConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("open profile: %w", err)
		}
		defer f.Close()
		if err := decodePeer(f, &cfg); err != nil {
			return PeerConfig{}, fmt.Errorf("profile %s: %w", path, err)
		}
	}
	if err := cfg.applyFlags(args); err != nil {
		return PeerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return PeerConfig{}, err
	}
	return cfg, nil
}

// ParsePeer decodes a YAML profile over DefaultPeerConfig and validates it.
func ParsePeer(data []byte) (PeerConfig, error) {
	cfg := DefaultPeerConfig()
	if err := decodePeer(bytes.NewReader(data), &cfg); err != nil {
		return PeerConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return PeerConfig{}, err
	}
	return cfg, nil
}

func decodePeer(r io.Reader, cfg *PeerConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *PeerConfig) applyFlags(args []string) error {
	fs := flag.NewFlagSet("heimdall-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	role := string(c.Role)
	fs.StringVar(&c.RelayURL, "relay-url", c.RelayURL, "Relay WebSocket URL")
	fs.StringVar(&role, "role", role, "Endpoint role: initiator (camera) or receiver (viewer)")
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "Relay API key")
	fs.StringVar(&c.InferenceURL, "inference-url", c.InferenceURL, "Inference worker WebSocket URL (initiator only)")
	fs.StringVar(&c.Capture.Source, "capture-source", c.Capture.Source, "Frame source: synthetic or image")
	fs.StringVar(&c.Capture.ImagePath, "image", c.Capture.ImagePath, "Still image for --capture-source=image")
	fs.Float64Var(&c.Capture.Rate, "capture-rate", c.Capture.Rate, "Capture rate in frames per second")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve /metrics on this address (empty disables)")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return err
	}
	c.Role = protocol.Role(strings.TrimSpace(role))
	return nil
}

// Validate checks the profile and reports every problem found.
func (c PeerConfig) Validate() error {
	var errs []error

	if u, err := url.Parse(c.RelayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("relay_url %q must be a ws:// or wss:// URL", c.RelayURL))
	}
	if !c.Role.Valid() {
		errs = append(errs, fmt.Errorf("role %q must be %s or %s", c.Role, protocol.RoleInitiator, protocol.RoleReceiver))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}
	if c.BaseBackoff <= 0 {
		errs = append(errs, errors.New("base_backoff must be > 0"))
	}
	if c.MaxBackoff < 0 {
		errs = append(errs, errors.New("max_backoff must be >= 0"))
	}
	if c.KeepaliveInterval <= 0 {
		errs = append(errs, errors.New("keepalive_interval must be > 0"))
	}
	if c.Capture.Rate <= 0 {
		errs = append(errs, errors.New("capture.rate must be > 0"))
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		errs = append(errs, errors.New("capture.width and capture.height must be > 0"))
	}
	if c.Capture.Timeout <= 0 {
		errs = append(errs, errors.New("capture.timeout must be > 0"))
	}
	switch c.Capture.Source {
	case CaptureSourceSynthetic:
	case CaptureSourceImage:
		if c.Capture.ImagePath == "" {
			errs = append(errs, errors.New("capture.image_path is required for the image source"))
		}
	default:
		errs = append(errs, fmt.Errorf("capture.source %q must be %s or %s", c.Capture.Source, CaptureSourceSynthetic, CaptureSourceImage))
	}
	if c.InferenceURL != "" {
		if u, err := url.Parse(c.InferenceURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("inference_url %q must be a ws:// or wss:// URL", c.InferenceURL))
		}
	}
	if _, err := ToPion(c.ICEServers); err != nil {
		errs = append(errs, err)
	}
	if err := c.WebRTC.validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.LogConfig(); err != nil {
		errs = append(errs, err)
	}
	if c.LatencyReportInterval < 0 {
		errs = append(errs, errors.New("latency_report_interval must be >= 0"))
	}

	return errors.Join(errs...)
}

func (w WebRTCNetwork) validate() error {
	if (w.UDPPortMin == 0) != (w.UDPPortMax == 0) {
		return errors.New("webrtc.udp_port_min and webrtc.udp_port_max must be set together")
	}
	if w.UDPPortMin > w.UDPPortMax {
		return fmt.Errorf("webrtc.udp_port_min %d is above udp_port_max %d", w.UDPPortMin, w.UDPPortMax)
	}
	for _, raw := range w.NAT1To1IPs {
		if net.ParseIP(strings.TrimSpace(raw)) == nil {
			return fmt.Errorf("webrtc.nat_1to1_ips: invalid ip %q", raw)
		}
	}
	if w.UDPListenIP != "" && net.ParseIP(strings.TrimSpace(w.UDPListenIP)) == nil {
		return fmt.Errorf("webrtc.udp_listen_ip: invalid ip %q", w.UDPListenIP)
	}
	return nil
}

// PionICEServers converts the validated ICE server list.
func (c PeerConfig) PionICEServers() []webrtc.ICEServer {
	servers, _ := ToPion(c.ICEServers)
	return servers
}

// LogConfig converts the YAML log section.
func (c PeerConfig) LogConfig() (LogConfig, error) {
	format, err := parseLogFormat(c.Log.Format)
	if err != nil {
		return LogConfig{}, fmt.Errorf("log.format: %w", err)
	}
	level, err := parseLogLevel(c.Log.Level)
	if err != nil {
		return LogConfig{}, fmt.Errorf("log.level: %w", err)
	}
	return LogConfig{
		Format:     format,
		Level:      level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Compress:   c.Log.Compress,
	}.withDefaults(), nil
}

// LogValue keeps credentials out of startup logs.
func (c PeerConfig) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("relay_url", c.RelayURL),
		slog.String("role", string(c.Role)),
		slog.Bool("api_key_set", c.APIKey != ""),
		slog.Int("max_retries", c.MaxRetries),
		slog.Duration("base_backoff", c.BaseBackoff),
		slog.Float64("capture_rate", c.Capture.Rate),
		slog.String("capture_source", c.Capture.Source),
		slog.Bool("remote_inference", c.InferenceURL != ""),
		slog.Int("ice_servers", len(c.ICEServers)),
	)
}
