package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "HONEYPOT_"

// EnvLoader provides type-safe environment variable loading.
type EnvLoader struct {
	prefix string
	vars   map[string]string
}

// NewEnvLoader creates a new environment variable loader with the given prefix.
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		vars:   make(map[string]string),
	}
}

// LoadDotEnv loads a .env file into the process environment. Variables that
// are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// LoadAll loads all environment variables with the configured prefix.
func (e *EnvLoader) LoadAll() {
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if ok && strings.HasPrefix(key, e.prefix) {
			e.vars[key] = value
		}
	}
}

// Has reports whether key is set.
func (e *EnvLoader) Has(key string) bool {
	_, ok := e.vars[e.prefix+key]
	return ok
}

// GetString returns a string value from environment variables.
func (e *EnvLoader) GetString(key string, defaultValue string) string {
	if val, ok := e.vars[e.prefix+key]; ok {
		return val
	}
	return defaultValue
}

// GetInt returns an integer value from environment variables.
func (e *EnvLoader) GetInt(key string, defaultValue int) (int, error) {
	if val := e.GetString(key, ""); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("invalid integer for %s%s: %w", e.prefix, key, err)
		}
		return n, nil
	}
	return defaultValue, nil
}

// GetBool returns a boolean value from environment variables.
func (e *EnvLoader) GetBool(key string, defaultValue bool) bool {
	if val := e.GetString(key, ""); val != "" {
		return strings.ToLower(val) == "true" || val == "1"
	}
	return defaultValue
}

// GetDuration returns a duration value from environment variables.
func (e *EnvLoader) GetDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	if val := e.GetString(key, ""); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s%s: %w", e.prefix, key, err)
		}
		return d, nil
	}
	return defaultValue, nil
}

// GetFloat64 returns a float64 value from environment variables.
func (e *EnvLoader) GetFloat64(key string, defaultValue float64) (float64, error) {
	if val := e.GetString(key, ""); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s%s: %w", e.prefix, key, err)
		}
		return f, nil
	}
	return defaultValue, nil
}

// GetIntList returns a comma-separated list of integers. A variable that is
// set but empty yields an empty list, which is how white_sequence is disabled
// from the environment.
func (e *EnvLoader) GetIntList(key string, defaultValue []int) ([]int, error) {
	val, ok := e.vars[e.prefix+key]
	if !ok {
		return defaultValue, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return []int{}, nil
	}

	parts := strings.Split(val, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid integer list for %s%s: %w", e.prefix, key, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// ApplyEnv overrides cfg with the HONEYPOT_* variables found in the
// environment.
func ApplyEnv(cfg *Config, env *EnvLoader) error {
	var err error

	if cfg.MaxEntries, err = env.GetInt("MAX_ENTRIES", cfg.MaxEntries); err != nil {
		return err
	}
	if cfg.MaxSequenceLength, err = env.GetInt("MAX_SEQUENCE_LENGTH", cfg.MaxSequenceLength); err != nil {
		return err
	}
	if cfg.PenaltyTimespan, err = env.GetDuration("PENALTY_TIMESPAN", cfg.PenaltyTimespan); err != nil {
		return err
	}

	cfg.ListenHost = env.GetString("LISTEN_HOST", cfg.ListenHost)
	if cfg.ListenTo, err = env.GetIntList("LISTEN_TO", cfg.ListenTo); err != nil {
		return err
	}
	if cfg.WhiteSequence, err = env.GetIntList("WHITE_SEQUENCE", cfg.WhiteSequence); err != nil {
		return err
	}

	cfg.BlacklistFile = env.GetString("BLACKLIST_FILE", cfg.BlacklistFile)
	cfg.WhitelistFile = env.GetString("WHITELIST_FILE", cfg.WhitelistFile)

	if cfg.ResponseDelayMin, err = env.GetDuration("RESPONSE_DELAY_MIN", cfg.ResponseDelayMin); err != nil {
		return err
	}
	if cfg.ResponseDelayMax, err = env.GetDuration("RESPONSE_DELAY_MAX", cfg.ResponseDelayMax); err != nil {
		return err
	}
	cfg.ResponseMessage = env.GetString("RESPONSE_MESSAGE", cfg.ResponseMessage)
	cfg.MetricsAddr = env.GetString("METRICS_ADDR", cfg.MetricsAddr)

	cfg.LogLevel = env.GetString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogJSON = env.GetBool("LOG_JSON", cfg.LogJSON)
	cfg.LogFile = env.GetString("LOG_FILE", cfg.LogFile)
	if cfg.LogMaxSizeMB, err = env.GetInt("LOG_MAX_SIZE_MB", cfg.LogMaxSizeMB); err != nil {
		return err
	}
	if cfg.LogMaxBackups, err = env.GetInt("LOG_MAX_BACKUPS", cfg.LogMaxBackups); err != nil {
		return err
	}
	cfg.LogCompress = env.GetBool("LOG_COMPRESS", cfg.LogCompress)
	if cfg.LogRatePerSecond, err = env.GetFloat64("LOG_RATE_PER_SECOND", cfg.LogRatePerSecond); err != nil {
		return err
	}
	if cfg.LogBurst, err = env.GetInt("LOG_BURST", cfg.LogBurst); err != nil {
		return err
	}

	return nil
}

// LoadFromEnvironment applies the process environment on top of cfg.
func LoadFromEnvironment(cfg *Config) error {
	env := NewEnvLoader(EnvPrefix)
	env.LoadAll()
	return ApplyEnv(cfg, env)
}
