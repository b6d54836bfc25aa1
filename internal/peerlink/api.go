package peerlink

import (
	"fmt"
	"net"

	"github.com/pion/webrtc/v4"

	"github.com/heimdall-vision/signal-relay/internal/config"
)

// NewAPI builds a pion API with the endpoint's network constraints applied.
func NewAPI(cfg config.WebRTCNetwork) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.WebRTCNetwork) error {
	if cfg.UDPPortMin != 0 || cfg.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortMin, cfg.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}

	// There is no bind-address knob on SettingEngine; restricting gathering
	// with an IP filter has the same effect.
	if listenIP := cfg.ListenIP(); listenIP != nil {
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
