package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/sandbox"
)

var (
	sandboxCampaign   string
	sandboxSource     string
	sandboxTo         string
	sandboxListLimit  int
	sandboxShowFormat string
	sandboxOlderThan  time.Duration
	sandboxDB         string
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect captured messages",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages in sandbox",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show sandbox message details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxExportCmd = &cobra.Command{
	Use:   "export <message_id>",
	Short: "Export sandbox message to an .eml file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxExport,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear sandbox messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxCmd.PersistentFlags().StringVar(&sandboxDB, "db", "", "Sandbox database path (default from config)")

	sandboxListCmd.Flags().StringVar(&sandboxCampaign, "campaign", "", "Filter by campaign id")
	sandboxListCmd.Flags().StringVar(&sandboxSource, "source", "", "Filter by source (transport, sink)")
	sandboxListCmd.Flags().StringVar(&sandboxTo, "to", "", "Filter by recipient")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxShowCmd.Flags().StringVar(&sandboxShowFormat, "format", "text", "Output format (text, raw)")

	sandboxClearCmd.Flags().StringVar(&sandboxCampaign, "campaign", "", "Clear only one campaign")
	sandboxClearCmd.Flags().DurationVar(&sandboxOlderThan, "older-than", 0, "Clear only messages older than this (e.g. 72h)")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxExportCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandboxStorage() (*sandbox.Storage, error) {
	path := sandboxDB
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Sandbox.StoragePath
	}
	return sandbox.Open(path)
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	storage, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	messages, err := storage.List(context.Background(), sandbox.ListFilter{
		CampaignID: sandboxCampaign,
		Source:     sandboxSource,
		To:         sandboxTo,
		Limit:      sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	printMessages(cmd.OutOrStdout(), messages)
	return nil
}

func printMessages(out io.Writer, messages []*sandbox.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(out, "No messages in sandbox")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tSOURCE\tTO\tSUBJECT\tCAPTURED")
	fmt.Fprintln(w, "--\t--------\t------\t--\t-------\t--------")

	for _, msg := range messages {
		campaignID := msg.CampaignID
		if campaignID == "" {
			campaignID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncate(msg.ID, 12),
			truncate(campaignID, 16),
			msg.Source,
			truncate(strings.Join(msg.To, ", "), 30),
			truncate(msg.Subject, 30),
			msg.CapturedAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Fprintf(out, "\nTotal: %d messages\n", len(messages))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func getSandboxMessage(id string) (*sandbox.Message, error) {
	storage, err := openSandboxStorage()
	if err != nil {
		return nil, err
	}
	defer storage.Close()

	msg, err := storage.Get(context.Background(), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	return msg, nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	msg, err := getSandboxMessage(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if sandboxShowFormat == "raw" {
		out.Write(msg.Data)
		return nil
	}

	fmt.Fprintf(out, "Message: %s\n\n", msg.ID)
	if msg.CampaignID != "" {
		fmt.Fprintf(out, "Campaign:   %s\n", msg.CampaignID)
	}
	fmt.Fprintf(out, "Source:     %s\n", msg.Source)
	fmt.Fprintf(out, "From:       %s\n", msg.From)
	fmt.Fprintf(out, "To:         %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(out, "Subject:    %s\n", msg.Subject)
	fmt.Fprintf(out, "Captured:   %s\n", msg.CapturedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Size:       %d bytes\n", msg.Size)
	if msg.ClientIP != "" {
		fmt.Fprintf(out, "Client IP:  %s\n", msg.ClientIP)
	}
	if msg.AuthUser != "" {
		fmt.Fprintf(out, "Auth user:  %s\n", msg.AuthUser)
	}
	if msg.SimulatedErr != "" {
		fmt.Fprintf(out, "\nSimulated Error: %s\n", msg.SimulatedErr)
	}

	if len(msg.Data) > 0 {
		fmt.Fprintln(out, "\nMessage Data:")
		fmt.Fprintln(out, "---")
		preview := string(msg.Data)
		if len(preview) > 1000 {
			preview = preview[:1000] + "\n... (truncated, use --format raw for full message)"
		}
		fmt.Fprintln(out, preview)
		fmt.Fprintln(out, "---")
	}
	return nil
}

func runSandboxExport(cmd *cobra.Command, args []string) error {
	msg, err := getSandboxMessage(args[0])
	if err != nil {
		return err
	}

	filename := fmt.Sprintf("%s.eml", msg.ID)
	if err := os.WriteFile(filename, msg.Data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Message exported to: %s\n", filename)
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	storage, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	count, err := storage.Clear(context.Background(), sandboxCampaign, sandboxOlderThan)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	if sandboxCampaign != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d messages of campaign %s\n", count, sandboxCampaign)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d messages from sandbox\n", count)
	}
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	storage, err := openSandboxStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get sandbox stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Sandbox Statistics")
	fmt.Fprintln(out, "==================")
	fmt.Fprintf(out, "Total Messages:   %d\n", stats.Total)
	fmt.Fprintf(out, "Total Size:       %d bytes\n", stats.TotalSize)
	fmt.Fprintf(out, "Simulated Errors: %d\n", stats.Simulated)

	printCounts(out, "By Source", stats.BySource)
	printCounts(out, "By Campaign", stats.ByCampaign)

	if !stats.OldestAt.IsZero() {
		fmt.Fprintf(out, "\nOldest Message: %s\n", stats.OldestAt.Format(time.RFC3339))
	}
	if !stats.NewestAt.IsZero() {
		fmt.Fprintf(out, "Newest Message: %s\n", stats.NewestAt.Format(time.RFC3339))
	}
	return nil
}

func printCounts(out io.Writer, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(out, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %d\n", k, counts[k])
	}
}
