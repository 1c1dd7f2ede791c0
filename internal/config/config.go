// Package config handles configuration loading and validation for the honeypot.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/honeypot/internal/appdir"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

const (
	MinPort = 1
	MaxPort = 65535
)

// Config represents the complete honeypot configuration.
// It is read-only once the honeypot has started.
type Config struct {
	// MaxEntries is the capacity of each list before the oldest-inserted
	// client is dropped.
	MaxEntries int `yaml:"max_entries"`
	// MaxSequenceLength is the number of most recent ports kept per client.
	MaxSequenceLength int `yaml:"max_sequence_length"`
	// PenaltyTimespan is the age after which a client leaves the lists,
	// and the interval of the periodic sweep.
	PenaltyTimespan time.Duration `yaml:"penalty_timespan"`

	// ListenHost is the address to bind on (empty means all interfaces).
	ListenHost string `yaml:"listen_host"`
	// ListenTo is the list of ports to monitor.
	ListenTo []int `yaml:"listen_to"`
	// WhiteSequence is the port sequence that earns a whitelist entry.
	// Empty disables whitelisting.
	WhiteSequence []int `yaml:"white_sequence"`

	// BlacklistFile and WhitelistFile are the snapshot paths.
	BlacklistFile string `yaml:"blacklist_file"`
	WhitelistFile string `yaml:"whitelist_file"`

	// ResponseDelayMin and ResponseDelayMax bound the random delay before
	// a connection is answered and closed.
	ResponseDelayMin time.Duration `yaml:"response_delay_min"`
	ResponseDelayMax time.Duration `yaml:"response_delay_max"`
	// ResponseMessage is the text sent back, followed by a time-derived number.
	ResponseMessage string `yaml:"response_message"`

	// MetricsAddr is the Prometheus endpoint address. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel         string  `yaml:"log_level"`
	LogJSON          bool    `yaml:"log_json"`
	LogFile          string  `yaml:"log_file"`
	LogMaxSizeMB     int     `yaml:"log_max_size_mb"`
	LogMaxBackups    int     `yaml:"log_max_backups"`
	LogCompress      bool    `yaml:"log_compress"`
	LogRatePerSecond float64 `yaml:"log_rate_per_second"`
	LogBurst         int     `yaml:"log_burst"`
}

// Default returns the built-in configuration. It mirrors the embedded
// config.default.yaml.
func Default() *Config {
	return &Config{
		MaxEntries:        4096,
		MaxSequenceLength: 10,
		PenaltyTimespan:   20 * time.Second,
		ListenTo:          []int{2000, 2001, 2002, 2003, 2004},
		WhiteSequence:     []int{2001, 2003, 2000},
		BlacklistFile:     "list_black.json",
		WhitelistFile:     "list_white.json",
		ResponseDelayMin:  500 * time.Millisecond,
		ResponseDelayMax:  1500 * time.Millisecond,
		ResponseMessage:   "OK",
		LogLevel:          "info",
		LogMaxSizeMB:      10,
		LogMaxBackups:     3,
		LogRatePerSecond:  5,
		LogBurst:          20,
	}
}

// Load reads the configuration file at path on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data on top of the defaults.
// Keys that are absent keep their default value.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the honeypot cannot run with.
func (c *Config) Validate() error {
	if c.MaxEntries < 1 {
		return fmt.Errorf("%w: max_entries must be at least 1, got %d", ErrInvalid, c.MaxEntries)
	}
	if c.MaxSequenceLength < 1 {
		return fmt.Errorf("%w: max_sequence_length must be at least 1, got %d", ErrInvalid, c.MaxSequenceLength)
	}
	if c.PenaltyTimespan <= 0 {
		return fmt.Errorf("%w: penalty_timespan must be positive", ErrInvalid)
	}

	if len(c.ListenTo) == 0 {
		return fmt.Errorf("%w: listen_to must name at least one port", ErrInvalid)
	}
	seen := make(map[int]bool, len(c.ListenTo))
	for _, port := range c.ListenTo {
		if port < MinPort || port > MaxPort {
			return fmt.Errorf("%w: port %d out of range %d-%d", ErrInvalid, port, MinPort, MaxPort)
		}
		if seen[port] {
			return fmt.Errorf("%w: port %d listed twice in listen_to", ErrInvalid, port)
		}
		seen[port] = true
	}

	if len(c.WhiteSequence) > c.MaxSequenceLength {
		return fmt.Errorf("%w: white_sequence has %d ports but max_sequence_length is %d, it could never match",
			ErrInvalid, len(c.WhiteSequence), c.MaxSequenceLength)
	}
	for _, port := range c.WhiteSequence {
		if port < MinPort || port > MaxPort {
			return fmt.Errorf("%w: white_sequence port %d out of range %d-%d", ErrInvalid, port, MinPort, MaxPort)
		}
	}

	if c.BlacklistFile == "" {
		return fmt.Errorf("%w: blacklist_file is required", ErrInvalid)
	}
	if c.WhitelistEnabled() && c.WhitelistFile == "" {
		return fmt.Errorf("%w: whitelist_file is required when white_sequence is set", ErrInvalid)
	}

	if c.ResponseDelayMin < 0 || c.ResponseDelayMax < 0 {
		return fmt.Errorf("%w: response delays must not be negative", ErrInvalid)
	}
	if c.ResponseDelayMax < c.ResponseDelayMin {
		return fmt.Errorf("%w: response_delay_max (%s) is below response_delay_min (%s)",
			ErrInvalid, c.ResponseDelayMax, c.ResponseDelayMin)
	}

	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("%w: metrics_addr: %v", ErrInvalid, err)
		}
	}
	if c.LogRatePerSecond < 0 || c.LogBurst < 0 {
		return fmt.Errorf("%w: log rate settings must not be negative", ErrInvalid)
	}

	return nil
}

// WhitelistEnabled reports whether a whitelist sequence is configured.
func (c *Config) WhitelistEnabled() bool {
	return len(c.WhiteSequence) > 0
}

// ListenAddr returns the bind address for port.
func (c *Config) ListenAddr(port int) string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(port))
}

// ResolvePaths makes relative snapshot and log paths absolute against the
// data directory.
func (c *Config) ResolvePaths() error {
	for _, p := range []*string{&c.BlacklistFile, &c.WhitelistFile, &c.LogFile} {
		resolved, err := appdir.Resolve(*p)
		if err != nil {
			return err
		}
		*p = resolved
	}
	return nil
}
