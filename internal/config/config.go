// Package config holds the runtime configuration of a clipsync process.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/clipsync/internal/clipboard"
	"github.com/1ureka/clipsync/internal/protocol"
	"github.com/1ureka/clipsync/internal/session"
)

// Role represents the process role (hub or peer).
type Role string

const (
	RoleHub  Role = "hub"
	RolePeer Role = "peer"
)

// Config stores every parameter of a run. Zero values are filled in by
// Default and Load.
type Config struct {
	Role              Role          `toml:"role"`
	ListenAddr        string        `toml:"listen"`         // Hub: TCP listen address
	WebSocketAddr     string        `toml:"websocket"`      // Hub: optional HTTP address serving /ws and /metrics
	PeerAddr          string        `toml:"hub"`            // Peer: host:port or ws:// URL of the hub
	SuppressionWindow time.Duration `toml:"suppression"`    // Echo-suppression window per session
	OutboxSize        int           `toml:"outbox_size"`    // Frames queued per session before sends are rejected
	MaxFrameSize      int64         `toml:"max_frame_size"` // Largest accepted payload in bytes, 0 for no limit
	StatsInterval     time.Duration `toml:"stats_interval"` // Traffic report period, 0 disables
	LogLevel          string        `toml:"log_level"`
	Clipboard         string        `toml:"clipboard"` // "system" or "memory"
}

// Default returns the configuration used when no file or flag says otherwise.
func Default() Config {
	return Config{
		Role:              RoleHub,
		ListenAddr:        fmt.Sprintf(":%d", protocol.DefaultPort),
		SuppressionWindow: session.DefaultSuppressionWindow,
		OutboxSize:        session.DefaultOutboxSize,
		MaxFrameSize:      session.DefaultMaxFrameSize,
		StatsInterval:     10 * time.Second,
		LogLevel:          "info",
		Clipboard:         clipboard.BackendSystem,
	}
}

// Load reads a TOML file on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Validate checks the configuration for the selected role.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleHub:
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid listen address %q: %w", c.ListenAddr, err))
		}
		if c.WebSocketAddr != "" {
			if _, _, err := net.SplitHostPort(c.WebSocketAddr); err != nil {
				errs = append(errs, fmt.Errorf("invalid websocket address %q: %w", c.WebSocketAddr, err))
			}
		}
	case RolePeer:
		if err := validatePeerAddr(c.PeerAddr); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleHub, RolePeer))
	}

	if c.SuppressionWindow < 0 {
		errs = append(errs, fmt.Errorf("suppression window must not be negative, got %s", c.SuppressionWindow))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox_size must be positive, got %d", c.OutboxSize))
	}
	if c.MaxFrameSize < 0 {
		errs = append(errs, fmt.Errorf("max_frame_size must not be negative, got %d", c.MaxFrameSize))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("stats_interval must not be negative, got %s", c.StatsInterval))
	}

	return errors.Join(errs...)
}

// Warnings lists settings that are valid but likely to misbehave.
func (c Config) Warnings() []string {
	var warns []string
	if (c.Clipboard == "" || c.Clipboard == clipboard.BackendSystem) && c.SuppressionWindow < clipboard.SystemPollInterval {
		warns = append(warns, fmt.Sprintf(
			"suppression window %s is shorter than the system clipboard poll interval %s; applied content may be echoed back",
			c.SuppressionWindow, clipboard.SystemPollInterval))
	}
	return warns
}

// IsWebSocketURL reports whether addr names a WebSocket endpoint rather
// than a plain TCP host:port.
func IsWebSocketURL(addr string) bool {
	return strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://")
}

func validatePeerAddr(addr string) error {
	if addr == "" {
		return errors.New("missing hub address for peer role")
	}
	if IsWebSocketURL(addr) {
		u, err := url.Parse(addr)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid WebSocket URL: %s", addr)
		}
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid hub address %q: %w", addr, err)
	}
	if host == "" || port == "" {
		return fmt.Errorf("invalid hub address %q: host and port are required", addr)
	}
	return nil
}
