package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pinecone-agent/internal/config"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "pinecone-agent",
		Short:         "LINE chatbot backend with buffered, human-paced replies",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			return config.Init(v, cfgFile)
		},
	}

	cmd.PersistentFlags().String("config", "", "Config file path (optional).")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error.")
	cmd.PersistentFlags().String("log-format", "", "Log format: text or json.")
	_ = v.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("logging.format", cmd.PersistentFlags().Lookup("log-format"))

	cmd.AddCommand(newServeCmd(v))
	cmd.AddCommand(newWebhookCmd(v))
	cmd.AddCommand(newSimulateCmd(v))
	cmd.AddCommand(newMigrateCmd(v))

	return cmd
}

// loadConfig reads the validated configuration and the logger it describes.
func loadConfig(v *viper.Viper) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, logger, nil
}
