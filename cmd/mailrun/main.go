package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/envfile"
)

var (
	cfgFile   string
	dotenv    string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailrun",
	Short: "mailrun - bulk email campaign sender",
	Long: `mailrun sends personalized email campaigns through an authenticated
SMTP relay with human-like pacing, stops on provider blocks and reports
progress over an HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return envfile.LoadDotenv(dotenv)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  `Start the campaign API, plus the metrics endpoint and the capture relay when enabled.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailrun %s (commit %s, built %s, %s)\n", version, commit, buildTime, runtime.Version())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when omitted)")
	rootCmd.PersistentFlags().StringVar(&dotenv, "dotenv", ".env", "dotenv file loaded into the process environment (e.g. MAILRUN_PASSWORD)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig reads the -c file, or returns the defaults when none is given
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	envs, err := envfile.NewSet(cfg.Environments, cfg.EnvironmentsDir)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Relay:        %s (%s)\n", cfg.Relay.Addr(), cfg.Relay.TLSMode)
	fmt.Printf("  API:          %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Pacing:       %s base, %d per day, batches of %d\n",
		cfg.Campaign.DelayBase, cfg.Campaign.MaxEmailsPerDay, cfg.Campaign.BatchSize)
	fmt.Printf("  Environments: %d\n", len(envs.Names()))
	if cfg.Sandbox.Enabled {
		fmt.Printf("  Sandbox:      %s\n", cfg.Sandbox.StoragePath)
	}
	if cfg.Sink.Enabled {
		fmt.Printf("  Sink:         %s\n", cfg.Sink.ListenAddr)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:      %s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.Path)
	}
	if cfg.DKIM.Enabled {
		fmt.Printf("  DKIM:         %s._domainkey.%s\n", cfg.DKIM.Selector, cfg.DKIM.Domain)
	}
	return nil
}
