package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arkforge/gputaskd/internal/config"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:     "gputaskd",
		Short:   "GPU task execution and session orchestrator",
		Version: version,
	}

	config.Register(cmd.Flags(), v)
	cmd.PersistentFlags().String("log-level", "info", "debug, info, warn, or error")
	cmd.PersistentFlags().Bool("log-color", true, "enable colored log output")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		logLevel, _ := cmd.Flags().GetString("log-level")
		logColor, _ := cmd.Flags().GetBool("log-color")
		return runServer(v, logLevel, logColor)
	}

	return cmd
}
