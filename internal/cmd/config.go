package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	embeddedconfig "github.com/inercia/honeypot/config"
	"github.com/inercia/honeypot/internal/appdir"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the honeypot configuration",
	Long: `Manage the honeypot configuration file.

Use the subcommands to create or inspect configuration files.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file in the data directory.

This command writes the embedded default configuration (config.default.yaml)
to config.yaml in $HONEYPOT_DIR or the platform data directory. Every
setting is documented in the file.

Examples:
  honeypot config create                    # Create config.yaml in the data directory
  honeypot config create --output /etc/hp   # Create /etc/hp/config.yaml
  honeypot config create --force            # Overwrite existing file`,
	RunE: runConfigCreate,
}

// configShowCmd represents the config show subcommand
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration the honeypot would run with, after applying
the configuration file, HONEYPOT_* environment variables and flags.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"Directory to write the config file (default: the data directory)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	outputDir := configOutputPath
	if outputDir == "" {
		if err := appdir.EnsureDir(); err != nil {
			return err
		}
		dir, err := appdir.Dir()
		if err != nil {
			return err
		}
		outputDir = dir
	}

	path := filepath.Join(outputDir, appdir.ConfigFileName)

	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Fprintf(out, "Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}

	if err := os.WriteFile(path, embeddedconfig.DefaultConfigYAML, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(out, "Configuration file created: %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Review the ports to monitor and the whitelist sequence")
	fmt.Fprintln(out, "  2. Run 'honeypot serve' to start listening")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	source := cfgSource
	if source == "" {
		source = "(built-in defaults)"
	}
	fmt.Fprintf(out, "# source: %s\n", source)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}
