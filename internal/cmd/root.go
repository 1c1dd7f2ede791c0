// Package cmd provides the CLI commands for the honeypot.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/honeypot/internal/appdir"
	"github.com/inercia/honeypot/internal/config"
	"github.com/inercia/honeypot/internal/logging"
)

// Version is set at build time with -ldflags "-X .../internal/cmd.Version=...".
var Version = "dev"

var (
	// Global flags
	configPath    string
	envFile       string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string
	logJSON       bool

	// Loaded configuration
	cfg *config.Config
	// cfgSource is the file the configuration was read from, empty for defaults
	cfgSource string
)

// ExitError carries a process exit code, for commands whose result is the
// exit status. Err is nil when there is nothing to report besides the code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error returned by Execute to a process exit code, and
// reports whether the error has a message worth printing.
func ExitCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, exitErr.Err != nil
	}
	return 1, true
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "honeypot",
	Short: "Honeypot - record who knocks on unused ports",
	Long: `Honeypot opens a set of otherwise unused ports and records the address
and port sequence of every connection attempt.

Every client ends up on a blacklist for a while. Clients that open the
configured sequence of ports are also put on a whitelist. Both lists are
written to JSON files that other programs can consult.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that do not need it
		switch cmd.Name() {
		case "help", "completion", "version", "create":
			return nil
		}

		if err := loadConfig(); err != nil {
			return err
		}

		if err := logging.Initialize(loggingConfig(cfg)); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		// Clean up logging resources
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file path (default: config.yaml in $HONEYPOT_DIR, if present)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "File with HONEYPOT_* variables to load before reading the environment")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from configuration)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'registry,listener'). Empty means all components.")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
}

// loadConfig builds the effective configuration. Priority, highest first:
// command line flags, HONEYPOT_* environment (including the .env file),
// the configuration file, built-in defaults.
func loadConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		defaultPath, err := appdir.ConfigPath()
		if err != nil {
			return fmt.Errorf("failed to locate configuration: %w", err)
		}
		if _, err := os.Stat(defaultPath); err == nil {
			path = defaultPath
		}
	}

	loaded := config.Default()
	if path != "" {
		var err error
		loaded, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
	}

	if err := config.LoadFromEnvironment(loaded); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	applyFlagOverrides(loaded)

	if err := loaded.Validate(); err != nil {
		return err
	}
	if err := loaded.ResolvePaths(); err != nil {
		return fmt.Errorf("failed to resolve paths: %w", err)
	}

	cfg = loaded
	cfgSource = path
	return nil
}

// applyFlagOverrides applies the global logging flags on top of c.
// Priority: --log-level flag > --debug flag > configuration.
func applyFlagOverrides(c *config.Config) {
	if logLevel != "" {
		c.LogLevel = logLevel
	} else if debug {
		c.LogLevel = "debug"
	}
	if logFile != "" {
		c.LogFile = logFile
	}
	if logJSON {
		c.LogJSON = true
	}
}

func loggingConfig(c *config.Config) logging.Config {
	lc := logging.Config{
		Level:      c.LogLevel,
		JSON:       c.LogJSON,
		Components: splitList(logComponents),
	}
	if c.LogFile != "" {
		lc.FileLog = &logging.FileLogConfig{
			Path:       c.LogFile,
			MaxSizeMB:  c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
			Compress:   c.LogCompress,
		}
	}
	return lc
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "honeypot %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
