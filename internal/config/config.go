// Package config holds the relay and peer configuration. Values come from
// built-in defaults, then an optional YAML file, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents the peer's side of the rendezvous.
type Role string

const (
	// RoleSender creates the offer and applies relayed answers.
	RoleSender Role = "sender"
	// RoleReceiver answers relayed offers.
	RoleReceiver Role = "receiver"
)

var ErrInvalid = errors.New("invalid configuration")

// Relay configures the signaling relay server.
type Relay struct {
	ListenAddr           string        `yaml:"listen_addr"`
	MaxFrameBytes        int64         `yaml:"max_frame_bytes"`
	MaxConnections       int           `yaml:"max_connections"`
	MaxPendingCandidates int           `yaml:"max_pending_candidates"`
	MaxSendFailures      int           `yaml:"max_send_failures"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	EchoCandidates       bool          `yaml:"echo_candidates"`
	LegacyOfferSniff     bool          `yaml:"legacy_offer_sniff"`
	StatsInterval        time.Duration `yaml:"stats_interval"`
	Debug                bool          `yaml:"debug"`
}

// DefaultRelay returns the relay defaults.
func DefaultRelay() Relay {
	return Relay{
		ListenAddr:           ":8080",
		MaxFrameBytes:        64 * 1024,
		MaxPendingCandidates: 256,
		MaxSendFailures:      3,
		WriteTimeout:         5 * time.Second,
		PingInterval:         20 * time.Second,
		IdleTimeout:          60 * time.Second,
		LegacyOfferSniff:     true,
		StatsInterval:        10 * time.Second,
	}
}

// Validate checks the relay settings.
func (c Relay) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_frame_bytes must be positive, got %d", c.MaxFrameBytes))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections))
	}
	if c.MaxPendingCandidates < 0 {
		errs = append(errs, fmt.Errorf("max_pending_candidates must not be negative, got %d", c.MaxPendingCandidates))
	}
	if c.MaxSendFailures < 1 {
		errs = append(errs, fmt.Errorf("max_send_failures must be at least 1, got %d", c.MaxSendFailures))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write_timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("ping_interval must be positive, got %s", c.PingInterval))
	}
	if c.IdleTimeout <= c.PingInterval {
		errs = append(errs, fmt.Errorf("idle_timeout (%s) must exceed ping_interval (%s)", c.IdleTimeout, c.PingInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LoadRelay builds the relay configuration from args (without the program
// name).
func LoadRelay(args []string) (Relay, error) {
	cfg := DefaultRelay()

	fs := flag.NewFlagSet("sigrelay", flag.ContinueOnError)
	path := fs.String("config", "", "Path to a YAML config file")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.Int64Var(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "Largest accepted inbound frame")
	fs.IntVar(&cfg.MaxConnections, "max-conns", cfg.MaxConnections, "Concurrent connection limit (0 = unlimited)")
	fs.IntVar(&cfg.MaxPendingCandidates, "max-pending", cfg.MaxPendingCandidates, "Undelivered candidates per connection before it is dropped")
	fs.IntVar(&cfg.MaxSendFailures, "max-send-failures", cfg.MaxSendFailures, "Consecutive failed sends before a connection is closed")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for a single frame write")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Keepalive ping interval")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Close connections silent for this long")
	fs.BoolVar(&cfg.EchoCandidates, "echo-candidates", cfg.EchoCandidates, "Relay candidates back to their sender too")
	fs.BoolVar(&cfg.LegacyOfferSniff, "sniff-offers", cfg.LegacyOfferSniff, "Treat untagged frames containing \"v=0\" as offers")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", cfg.StatsInterval, "Traffic report interval (0 disables)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")

	if err := parse(fs, args, path, &cfg); err != nil {
		return Relay{}, err
	}
	return cfg, cfg.Validate()
}

// Peer configures the sigpeer test client.
type Peer struct {
	Role        Role     `yaml:"role"`
	RelayURL    string   `yaml:"relay_url"`
	STUNServers []string `yaml:"stun_servers"`
	TagOffers   bool     `yaml:"tag_offers"`
	Debug       bool     `yaml:"debug"`
}

// DefaultPeer returns the peer defaults. Role and RelayURL have none.
func DefaultPeer() Peer {
	return Peer{
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
	}
}

// Validate checks the peer settings. An empty role or URL is allowed here so
// the caller can prompt for it.
func (c Peer) Validate() error {
	switch c.Role {
	case "", RoleSender, RoleReceiver:
	default:
		return fmt.Errorf("%w: role must be %q or %q, got %q", ErrInvalid, RoleSender, RoleReceiver, c.Role)
	}
	if c.RelayURL != "" {
		if _, err := NormalizeWSURL(c.RelayURL); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return nil
}

// LoadPeer builds the peer configuration from args (without the program
// name).
func LoadPeer(args []string) (Peer, error) {
	cfg := DefaultPeer()

	var role, stun string
	fs := flag.NewFlagSet("sigpeer", flag.ContinueOnError)
	path := fs.String("config", "", "Path to a YAML config file")
	fs.StringVar(&role, "role", "", "Role: sender or receiver")
	fs.StringVar(&cfg.RelayURL, "url", cfg.RelayURL, "Relay WebSocket URL")
	fs.StringVar(&stun, "stun", "", "Comma-separated STUN server URLs")
	fs.BoolVar(&cfg.TagOffers, "tag-offers", cfg.TagOffers, "Send offers with the \"offer:\" prefix")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")

	if err := parse(fs, args, path, &cfg); err != nil {
		return Peer{}, err
	}
	if role != "" {
		cfg.Role = Role(role)
	}
	if stun != "" {
		cfg.STUNServers = splitList(stun)
	}
	return cfg, cfg.Validate()
}

// parse applies flags, then the YAML file named by the config flag, then the
// flags again so that explicit flags win over the file.
func parse(fs *flag.FlagSet, args []string, path *string, out any) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return nil
	}
	if err := loadFile(*path, out); err != nil {
		return err
	}
	return fs.Parse(args)
}

func loadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// NormalizeWSURL validates a relay URL and fills in what users commonly
// leave out: a bare host gets the wss scheme and http(s) is mapped to ws(s).
// An empty path becomes /ws.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
