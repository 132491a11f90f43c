package main

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/email"
)

const defaultDKIMSelector = "mailrun"

var (
	dkimDomain   string
	dkimSelector string
	dkimKeyFile  string
	dkimOutDir   string
	dkimForce    bool
)

var dkimCmd = &cobra.Command{
	Use:   "dkim",
	Short: "Manage the key used to sign campaign messages",
}

var dkimGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create an RSA key and print the TXT record to publish",
	RunE:  runDKIMGenerate,
}

var dkimShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the TXT record for an existing key",
	Long: `Print the TXT record for an existing key. Without --key, --domain and
--selector the values come from the dkim section of the config.`,
	RunE: runDKIMShow,
}

func init() {
	dkimGenerateCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain (required)")
	dkimGenerateCmd.Flags().StringVar(&dkimSelector, "selector", defaultDKIMSelector, "Selector")
	dkimGenerateCmd.Flags().StringVar(&dkimOutDir, "out", ".", "Directory for <domain>.key")
	dkimGenerateCmd.Flags().BoolVar(&dkimForce, "force", false, "Replace an existing key file")
	dkimGenerateCmd.MarkFlagRequired("domain")

	dkimShowCmd.Flags().StringVar(&dkimKeyFile, "key", "", "Private key file")
	dkimShowCmd.Flags().StringVar(&dkimDomain, "domain", "", "Signing domain")
	dkimShowCmd.Flags().StringVar(&dkimSelector, "selector", "", "Selector")

	dkimCmd.AddCommand(dkimGenerateCmd, dkimShowCmd)
	rootCmd.AddCommand(dkimCmd)
}

func runDKIMGenerate(cmd *cobra.Command, args []string) error {
	keyPath := filepath.Join(dkimOutDir, dkimDomain+".key")
	if _, err := os.Stat(keyPath); err == nil && !dkimForce {
		return fmt.Errorf("%s already exists (use --force to replace it)", keyPath)
	}

	key, err := email.GenerateDKIMKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := email.WriteDKIMKey(keyPath, key); err != nil {
		return fmt.Errorf("failed to save private key: %w", err)
	}
	record, err := email.DKIMRecord(&key.PublicKey)
	if err != nil {
		return err
	}

	fmt.Printf("Private key written to %s\n\n", keyPath)
	printDKIMRecord(email.DKIMRecordName(dkimSelector, dkimDomain), record)
	fmt.Printf("\nAdd to the config to sign campaign messages:\n\n")
	fmt.Printf("dkim:\n  enabled: true\n  domain: %s\n  selector: %s\n  key_file: %s\n", dkimDomain, dkimSelector, keyPath)
	return nil
}

func runDKIMShow(cmd *cobra.Command, args []string) error {
	keyFile, domain, selector := dkimKeyFile, dkimDomain, dkimSelector
	if keyFile == "" || domain == "" || selector == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keyFile = cmp.Or(keyFile, cfg.DKIM.KeyFile)
		domain = cmp.Or(domain, cfg.DKIM.Domain)
		selector = cmp.Or(selector, cfg.DKIM.Selector)
	}
	if keyFile == "" || domain == "" {
		return errors.New("key file and domain are required (flags or dkim section of the config)")
	}
	if selector == "" {
		selector = defaultDKIMSelector
	}

	signer, err := email.LoadSigner(keyFile, domain, selector)
	if err != nil {
		return err
	}
	record, err := signer.Record()
	if err != nil {
		return err
	}
	printDKIMRecord(signer.RecordName(), record)
	return nil
}

func printDKIMRecord(name, value string) {
	fmt.Printf("%s IN TXT\n", name)
	fmt.Printf("  %q\n", value)
}
