package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/campaign"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/smtp"
)

var (
	testSender      senderFlags
	testSendTo      string
	testSendSubject string
	testSendHTML    string
	testSendBody    string
	testSMTPHost    string
	testSMTPPort    int
	testSMTPTLSMode string
	testSMTPTimeout time.Duration
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Testing and debugging commands",
}

var testSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a single test email",
	Long:  `Send one message synchronously with the same credentials and transport a campaign would use.`,
	RunE:  runTestSend,
}

var testSMTPCmd = &cobra.Command{
	Use:   "smtp",
	Short: "Test the connection and login to the relay",
	RunE:  runTestSMTP,
}

func init() {
	testSender.register(testSendCmd)
	testSendCmd.Flags().StringVar(&testSendTo, "to", "", "Recipient email address (required)")
	testSendCmd.Flags().StringVar(&testSendSubject, "subject", "", "Email subject (default from config)")
	testSendCmd.Flags().StringVar(&testSendHTML, "html", "", "HTML template file")
	testSendCmd.Flags().StringVar(&testSendBody, "body", "<p>This is a test message sent by mailrun.</p>", "HTML body when --html is not given")
	testSendCmd.MarkFlagRequired("to")

	testSender.register(testSMTPCmd)
	testSMTPCmd.Flags().StringVar(&testSMTPHost, "host", "", "Relay host (default from config)")
	testSMTPCmd.Flags().IntVar(&testSMTPPort, "port", 0, "Relay port (default from config)")
	testSMTPCmd.Flags().StringVar(&testSMTPTLSMode, "tls-mode", "", "starttls, tls or none (default from config)")
	testSMTPCmd.Flags().DurationVar(&testSMTPTimeout, "timeout", 10*time.Second, "Connection timeout")

	testCmd.AddCommand(testSendCmd, testSMTPCmd)
	rootCmd.AddCommand(testCmd)
}

func runTestSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	creds, err := testSender.credentials()
	if err != nil {
		return err
	}

	html := testSendBody
	if testSendHTML != "" {
		data, err := os.ReadFile(testSendHTML)
		if err != nil {
			return fmt.Errorf("failed to read HTML template: %w", err)
		}
		html = string(data)
	}

	svc, _, cleanup, err := cliService(cfg, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("Sending test email to %s via %s...\n", testSendTo, cfg.Relay.Addr())
	err = svc.SendTest(context.Background(), campaign.TestRequest{
		To:          testSendTo,
		Environment: testSender.environment,
		Credentials: creds,
		Subject:     testSendSubject,
		HTML:        html,
	})
	if err != nil {
		return err
	}

	fmt.Println("Test email sent")
	return nil
}

func runTestSMTP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRelayFlags(&cfg.Relay)
	if err := cfg.Validate(); err != nil {
		return err
	}

	creds, err := testSender.credentials()
	if err != nil {
		return err
	}

	transport := smtp.NewTransport(smtp.TransportOptions{
		Relay:    cfg.Relay,
		Hostname: cfg.Server.Hostname,
		Username: creds.Username,
		Password: creds.Password,
		Logger:   app.SetupLogger(cfg.Logging),
	})

	fmt.Printf("Connecting to %s (%s)... ", cfg.Relay.Addr(), cfg.Relay.TLSMode)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Relay.Timeout)
	defer cancel()

	start := time.Now()
	if err := transport.Connect(ctx); err != nil {
		fmt.Println("FAILED")
		return err
	}
	defer transport.Disconnect()

	fmt.Printf("OK (%s)\n", time.Since(start).Round(time.Millisecond))
	if creds.Username != "" {
		fmt.Printf("Authenticated as %s\n", creds.Username)
	}
	return nil
}

func applyRelayFlags(relay *config.RelayConfig) {
	if testSMTPHost != "" {
		relay.Host = testSMTPHost
	}
	if testSMTPTLSMode != "" {
		relay.TLSMode = testSMTPTLSMode
		if testSMTPPort == 0 {
			relay.Port = config.DefaultRelayPort(testSMTPTLSMode)
		}
	}
	if testSMTPPort != 0 {
		relay.Port = testSMTPPort
	}
	relay.Timeout = testSMTPTimeout
}
