package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/sandbox"
	"github.com/foxzi/mailrun/internal/sink"
)

var (
	sinkListen     string
	sinkBlockAfter int
)

var sinkCmd = &cobra.Command{
	Use:   "sink",
	Short: "Run the capture relay alone",
	Long: `Run an SMTP relay that stores every accepted message in the sandbox
database. Point a campaign's relay at it to rehearse a send end to end.
With --block-after N the relay answers like a provider that has flagged
the account once N messages were accepted.`,
	RunE: runSink,
}

func init() {
	sinkCmd.Flags().StringVar(&sinkListen, "listen", "", "Listen address (default from config)")
	sinkCmd.Flags().IntVar(&sinkBlockAfter, "block-after", 0, "Simulate a provider block after N messages")
	rootCmd.AddCommand(sinkCmd)
}

func runSink(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if sinkListen != "" {
		cfg.Sink.ListenAddr = sinkListen
	}
	if cmd.Flags().Changed("block-after") {
		cfg.Sink.BlockAfter = sinkBlockAfter
	}

	logger := app.SetupLogger(cfg.Logging)
	storage, err := sandbox.Open(cfg.Sandbox.StoragePath)
	if err != nil {
		return err
	}
	defer storage.Close()

	server := sink.NewServer(cfg.Sink, storage, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	fmt.Printf("Capture relay listening on %s, storing in %s\n", cfg.Sink.ListenAddr, cfg.Sandbox.StoragePath)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	fmt.Printf("Accepted %d messages\n", server.Backend().Accepted())
	return nil
}
