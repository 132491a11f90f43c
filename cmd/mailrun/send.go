package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/campaign"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/email"
	"github.com/foxzi/mailrun/internal/envfile"
	"github.com/foxzi/mailrun/internal/recipient"
	"github.com/foxzi/mailrun/internal/sandbox"
)

const (
	followInterval = 500 * time.Millisecond
	stopTimeout    = 30 * time.Second
)

// senderFlags are the credential flags shared by send and test commands
type senderFlags struct {
	envFile     string
	environment string
	username    string
	password    string
	senderEmail string
	senderName  string
}

func (f *senderFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.envFile, "env-file", "", "Env file with EMAIL_USERNAME, EMAIL_PASSWORD, SENDER_EMAIL, SENDER_NAME")
	cmd.Flags().StringVar(&f.environment, "environment", "", "Named environment from the config")
	cmd.Flags().StringVar(&f.username, "username", "", "Relay username")
	cmd.Flags().StringVar(&f.password, "password", "", "Relay password (or MAILRUN_PASSWORD)")
	cmd.Flags().StringVar(&f.senderEmail, "sender-email", "", "From address")
	cmd.Flags().StringVar(&f.senderName, "sender-name", "", "From display name")
}

// credentials merges flags over the env file. Missing fields are left for
// the named environment to fill.
func (f *senderFlags) credentials() (envfile.Credentials, error) {
	creds := envfile.Credentials{
		Username:    f.username,
		Password:    f.password,
		SenderEmail: f.senderEmail,
		SenderName:  f.senderName,
	}
	if creds.Password == "" {
		creds.Password = os.Getenv("MAILRUN_PASSWORD")
	}
	if f.envFile != "" {
		env, err := envfile.ParseFile(f.envFile)
		if err != nil {
			return creds, err
		}
		creds.Merge(env)
	}
	return creds, nil
}

var (
	sendSender        senderFlags
	sendCSV           string
	sendHTML          string
	sendText          string
	sendSubject       string
	sendAttachments   []string
	sendID            string
	sendDelay         time.Duration
	sendMaxPerDay     int
	sendBatchSize     int
	sendResumeFrom    int
	sendNoPersonalize bool
	sendDryRun        bool
	sendNoDelay       bool
	sendSandboxDB     string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Run a campaign in the foreground",
	Long: `Send a campaign from local files and print progress until it ends.

Interrupting the command stops the campaign after the current message and
prints the index to resume from.

Examples:
  mailrun send --csv list.csv --html body.html --subject "Spring news" --env-file prod.env
  mailrun send --csv list.csv --html body.html --env-file prod.env --resume-from 120
  mailrun send --csv list.csv --html body.html --env-file prod.env --dry-run --no-delay`,
	RunE: runSend,
}

func init() {
	sendSender.register(sendCmd)
	sendCmd.Flags().StringVar(&sendCSV, "csv", "", "Recipient CSV file (required)")
	sendCmd.Flags().StringVar(&sendHTML, "html", "", "HTML template file (required)")
	sendCmd.Flags().StringVar(&sendText, "text", "", "Plain-text template file")
	sendCmd.Flags().StringVar(&sendSubject, "subject", "", "Message subject")
	sendCmd.Flags().StringArrayVar(&sendAttachments, "attach", nil, "Attachment file (repeatable)")
	sendCmd.Flags().StringVar(&sendID, "id", "", "Campaign id (generated when empty)")
	sendCmd.Flags().DurationVar(&sendDelay, "delay", 0, "Base delay between messages (default from config)")
	sendCmd.Flags().IntVar(&sendMaxPerDay, "max-per-day", 0, "Daily cap (default from config)")
	sendCmd.Flags().IntVar(&sendBatchSize, "batch-size", 0, "Messages per connection before a break (default from config)")
	sendCmd.Flags().IntVar(&sendResumeFrom, "resume-from", 0, "Index of the first recipient to send to")
	sendCmd.Flags().BoolVar(&sendNoPersonalize, "no-personalize", false, "Send templates without placeholder substitution")
	sendCmd.Flags().BoolVar(&sendDryRun, "dry-run", false, "Capture messages in the sandbox instead of sending")
	sendCmd.Flags().BoolVar(&sendNoDelay, "no-delay", false, "Skip pacing delays and batch breaks")
	sendCmd.Flags().StringVar(&sendSandboxDB, "sandbox-db", "", "Sandbox database path for --dry-run")
	sendCmd.MarkFlagRequired("csv")
	sendCmd.MarkFlagRequired("html")

	rootCmd.AddCommand(sendCmd)
}

// cliService builds a campaign service for a one-shot command. The
// returned cleanup closes the sandbox storage, if any.
func cliService(cfg *config.Config, pacer campaign.Pacer) (*campaign.Service, *sandbox.Storage, func(), error) {
	logger := app.SetupLogger(cfg.Logging)

	var storage *sandbox.Storage
	if cfg.Sandbox.Enabled {
		var err error
		storage, err = sandbox.Open(cfg.Sandbox.StoragePath)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	cleanup := func() {
		if storage != nil {
			storage.Close()
		}
	}

	svc, err := app.NewService(cfg, storage, pacer, logger)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return svc, storage, cleanup, nil
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if sendDryRun {
		cfg.Sandbox.Enabled = true
		if sendSandboxDB != "" {
			cfg.Sandbox.StoragePath = sendSandboxDB
		}
	}

	creds, err := sendSender.credentials()
	if err != nil {
		return err
	}
	records, err := readRecipients(sendCSV)
	if err != nil {
		return err
	}
	html, err := os.ReadFile(sendHTML)
	if err != nil {
		return fmt.Errorf("failed to read HTML template: %w", err)
	}
	var text []byte
	if sendText != "" {
		if text, err = os.ReadFile(sendText); err != nil {
			return fmt.Errorf("failed to read text template: %w", err)
		}
	}
	attachments, err := readAttachments(sendAttachments)
	if err != nil {
		return err
	}

	var pacer campaign.Pacer
	if sendNoDelay {
		pacer = campaign.NoDelay{}
	}
	svc, _, cleanup, err := cliService(cfg, pacer)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := svc.DefaultOptions()
	flags := cmd.Flags()
	if flags.Changed("delay") {
		opts.DelayBase = sendDelay
	}
	if flags.Changed("max-per-day") {
		opts.MaxEmailsPerDay = sendMaxPerDay
	}
	if flags.Changed("batch-size") {
		opts.BatchSize = sendBatchSize
	}
	opts.ResumeFrom = sendResumeFrom
	if sendNoPersonalize {
		opts.Personalize = false
	}

	id, err := svc.Submit(campaign.Request{
		ID:          sendID,
		Environment: sendSender.environment,
		Credentials: creds,
		Subject:     sendSubject,
		HTML:        string(html),
		Text:        string(text),
		Attachments: attachments,
		Recipients:  records,
		Options:     opts,
	})
	if err != nil {
		return err
	}

	mode := "relay " + cfg.Relay.Addr()
	if cfg.Sandbox.Enabled {
		mode = "sandbox " + cfg.Sandbox.StoragePath
	}
	fmt.Printf("Campaign %s started: %d recipients via %s\n", id, len(records), mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snap, err := follow(ctx, svc, id, os.Stdout)
	if err != nil {
		return err
	}
	printSummary(os.Stdout, snap)
	if snap.Status == campaign.StatusFailed {
		return fmt.Errorf("campaign %s failed", id)
	}
	return nil
}

// follow prints progress until the campaign ends. When ctx is canceled
// the campaign is stopped and its paused state returned.
func follow(ctx context.Context, svc *campaign.Service, id string, out io.Writer) (*campaign.Snapshot, error) {
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	type progress struct {
		percent int
		results campaign.Results
	}
	last := progress{percent: -1}
	for {
		snap, err := svc.Get(id)
		if err != nil {
			return nil, err
		}
		if cur := (progress{snap.Progress, snap.Results}); cur != last {
			fmt.Fprintf(out, "[%3d%%] sent %d, failed %d\n", snap.Progress, snap.Results.Success, snap.Results.Failed)
			last = cur
		}
		if snap.Terminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Interrupted, stopping campaign...")
			if err := svc.Stop(id); err != nil && !errors.Is(err, campaign.ErrNotRunning) {
				return nil, err
			}
			waitCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return svc.Wait(waitCtx, id)
		case <-ticker.C:
		}
	}
}

func printSummary(out io.Writer, snap *campaign.Snapshot) {
	fmt.Fprintf(out, "\nCampaign %s %s\n", snap.ID, snap.Status)
	fmt.Fprintf(out, "  Sent:    %d\n", snap.Results.Success)
	fmt.Fprintf(out, "  Failed:  %d\n", snap.Results.Failed)
	fmt.Fprintf(out, "  Skipped: %d\n", snap.Results.Skipped)

	switch snap.HaltReason {
	case campaign.HaltNone:
	case campaign.HaltProviderBlock:
		fmt.Fprintf(out, "\nThe provider is blocking further sends. Wait before resuming with --resume-from %d\n", snap.NextIndex)
	default:
		fmt.Fprintf(out, "\nStopped (%s). Resume with --resume-from %d\n", snap.HaltReason, snap.NextIndex)
	}

	if snap.Status == campaign.StatusFailed && len(snap.Logs) > 0 {
		last := snap.Logs[len(snap.Logs)-1]
		fmt.Fprintf(out, "\nError: %s\n", last.Details)
	}
}

func readRecipients(path string) ([]recipient.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	records, err := recipient.ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return records, nil
}

func readAttachments(paths []string) ([]email.Attachment, error) {
	attachments := make([]email.Attachment, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}
		attachments = append(attachments, email.Attachment{
			Filename:    filepath.Base(path),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Data:        data,
		})
	}
	return attachments, nil
}
