package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/envfile"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Sender environment commands",
}

var envCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate an environment file",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvCheck,
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured environments",
	RunE:  runEnvList,
}

func init() {
	envCmd.AddCommand(envCheckCmd, envListCmd)
	rootCmd.AddCommand(envCmd)
}

func runEnvCheck(cmd *cobra.Command, args []string) error {
	creds, err := envfile.ParseFile(args[0])
	if err != nil {
		return err
	}

	password := "not set"
	if creds.HasPassword() {
		password = "set"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Environment file is valid\n")
	fmt.Fprintf(out, "  Username:     %s\n", creds.Username)
	fmt.Fprintf(out, "  Password:     %s\n", password)
	fmt.Fprintf(out, "  Sender email: %s\n", creds.SenderEmail)
	fmt.Fprintf(out, "  Sender name:  %s\n", creds.SenderName)
	return nil
}

func runEnvList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	set, err := envfile.NewSet(cfg.Environments, cfg.EnvironmentsDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	names := set.Names()
	if len(names) == 0 {
		fmt.Fprintln(out, "No environments configured")
		return nil
	}
	for _, name := range names {
		status := "ok"
		if _, err := set.Load(name); err != nil {
			status = err.Error()
		}
		fmt.Fprintf(out, "%s\t%s\n", name, status)
	}
	return nil
}
