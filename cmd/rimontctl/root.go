package main

import (
	"os"

	"github.com/AlvaroZev/rimont-inbox/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rimontctl",
		Short:         "Operate the inbox ingestion service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newGatewayCmd())
	cmd.AddCommand(newDeadLetterCmd())
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("rimontctl failed")
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *logrus.Entry, error) {
	cfg, err := config.NewLoadedConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logrus.NewEntry(logger).WithField("component", "rimontctl"), nil
}
