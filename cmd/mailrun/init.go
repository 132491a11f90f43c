package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/email"
)

var (
	initHostname   string
	initRelayHost  string
	initRelayPort  int
	initTLSMode    string
	initDataDir    string
	initOutput     string
	initDKIMDomain string
	initSandbox    bool
	initSink       bool
	initMetrics    bool
	initForce      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a mailrun configuration file",
	Long: `Interactive wizard to create a mailrun configuration file.

Examples:
  # Interactive mode - prompts for missing values
  mailrun init

  # Non-interactive
  mailrun init --relay-host smtp.example.com --tls-mode tls --dkim-domain example.com

  # Rehearsal setup: campaigns are captured, a local relay accepts mail
  mailrun init --relay-host localhost --tls-mode none --relay-port 2525 --sandbox --sink -o rehearse.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initHostname, "hostname", "", "Hostname used in EHLO and Message-IDs (default: this host)")
	initCmd.Flags().StringVar(&initRelayHost, "relay-host", "", "Outbound SMTP relay host")
	initCmd.Flags().IntVar(&initRelayPort, "relay-port", 0, "Relay port (default depends on --tls-mode)")
	initCmd.Flags().StringVar(&initTLSMode, "tls-mode", config.TLSModeStartTLS, "Relay TLS mode: starttls, tls, none")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/mailrun", "Directory for the sandbox database, environments and keys")
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initDKIMDomain, "dkim-domain", "", "Generate a DKIM key for this domain")
	initCmd.Flags().BoolVar(&initSandbox, "sandbox", false, "Capture campaigns instead of sending")
	initCmd.Flags().BoolVar(&initSink, "sink", false, "Enable the capture relay")
	initCmd.Flags().BoolVar(&initMetrics, "metrics", false, "Enable the Prometheus endpoint")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("mailrun Configuration Wizard")
	fmt.Println("============================")
	fmt.Println()

	if initRelayHost == "" {
		initRelayHost = prompt(reader, "SMTP relay host", "smtp.gmail.com")
	}
	if initRelayPort == 0 {
		answer := prompt(reader, "SMTP relay port", strconv.Itoa(config.DefaultRelayPort(initTLSMode)))
		port, err := strconv.Atoi(answer)
		if err != nil {
			return fmt.Errorf("invalid port %q", answer)
		}
		initRelayPort = port
	}
	initDataDir = prompt(reader, "Data directory", initDataDir)

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(filepath.Join(initDataDir, "environments"), 0755); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	var dkimKeyPath, dkimRecord string
	if initDKIMDomain != "" {
		key, err := email.GenerateDKIMKey()
		if err != nil {
			return err
		}
		dkimKeyPath = filepath.Join(initDataDir, "dkim", initDKIMDomain+".key")
		if err := email.WriteDKIMKey(dkimKeyPath, key); err != nil {
			return err
		}
		if dkimRecord, err = email.DKIMRecord(&key.PublicKey); err != nil {
			return err
		}
		fmt.Printf("  DKIM key saved to: %s\n", dkimKeyPath)
	}

	cfg := initialConfig(dkimKeyPath)
	data, err := generateConfig(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(initOutput, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps(cfg, dkimRecord)
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	b := make([]byte, length/2)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// initialConfig applies the init flags over the defaults
func initialConfig(dkimKeyPath string) *config.Config {
	cfg := config.Default()
	if initHostname != "" {
		cfg.Server.Hostname = initHostname
	}
	cfg.Relay.Host = initRelayHost
	cfg.Relay.TLSMode = initTLSMode
	cfg.Relay.Port = initRelayPort
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = config.DefaultRelayPort(initTLSMode)
	}
	cfg.EnvironmentsDir = filepath.Join(initDataDir, "environments")
	cfg.Sandbox.Enabled = initSandbox
	cfg.Sandbox.StoragePath = filepath.Join(initDataDir, "sandbox.db")
	cfg.Metrics.Enabled = initMetrics

	if initSink {
		cfg.Sink.Enabled = true
		cfg.Sink.Users = map[string]string{"mailrun": generateRandomString(16)}
	}

	if dkimKeyPath != "" {
		cfg.DKIM = config.DKIMConfig{
			Enabled:  true,
			Domain:   initDKIMDomain,
			Selector: defaultDKIMSelector,
			KeyFile:  dkimKeyPath,
		}
	}
	return cfg
}

// generateConfig renders cfg as YAML after checking it would load
func generateConfig(cfg *config.Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	header := "# mailrun configuration\n# Generated by `mailrun init`. Unset values take their defaults.\n\n"
	return append([]byte(header), data...), nil
}

func printNextSteps(cfg *config.Config, dkimRecord string) {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Add sender credentials as an environment file:")
	fmt.Printf("   %s\n", filepath.Join(cfg.EnvironmentsDir, "default.env"))
	fmt.Println("   EMAIL_USERNAME=...")
	fmt.Println("   EMAIL_PASSWORD=...")
	fmt.Println("   SENDER_EMAIL=...")
	fmt.Println("   SENDER_NAME=...")
	fmt.Println()

	step := 2
	if dkimRecord != "" {
		fmt.Printf("%d. Publish the DKIM record:\n", step)
		fmt.Printf("   Name:  %s\n", email.DKIMRecordName(cfg.DKIM.Selector, cfg.DKIM.Domain))
		fmt.Printf("   Type:  TXT\n")
		fmt.Printf("   Value: %s\n", dkimRecord)
		fmt.Println()
		step++
	}

	fmt.Printf("%d. Check the relay login:\n", step)
	fmt.Printf("   mailrun test smtp -c %s --env-file %s\n", initOutput, filepath.Join(cfg.EnvironmentsDir, "default.env"))
	fmt.Println()
	step++

	fmt.Printf("%d. Start the server:\n", step)
	fmt.Printf("   mailrun serve -c %s\n", initOutput)
	fmt.Println()

	if cfg.Sink.Enabled {
		fmt.Println("Capture relay")
		fmt.Println("-------------")
		fmt.Printf("Address:  %s\n", cfg.Sink.ListenAddr)
		for user, pass := range cfg.Sink.Users {
			fmt.Printf("User:     %s\n", user)
			fmt.Printf("Password: %s\n", pass)
		}
		fmt.Println()
	}
}
