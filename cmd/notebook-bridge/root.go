package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "notebook-bridge",
		Short: "Ask notebook knowledge bases through pooled browser sessions",
		Long: "notebook-bridge serves XML tool calls on stdin and answers them by driving an " +
			"authenticated browser against a notebook web app. Sessions keep their conversation " +
			"context between questions.",
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to configuration file (YAML)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Directory holding profiles, auth state and logs")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.BoolVar(&flags.skipInstall, "skip-install", false, "Do not download the browser driver on start")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newAskCmd(flags),
		newSetupAuthCmd(flags),
		newReAuthCmd(flags),
		newHealthCmd(flags),
		newCleanupCmd(flags),
		newConfigCmd(flags),
		newVersionCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "notebook-bridge v%s\n", version)
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := loadSettings(flags)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(source.Current())
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
