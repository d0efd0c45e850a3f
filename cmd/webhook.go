package main

import (
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pinecone-agent/handler"
)

func newWebhookCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "webhook",
		Short: "Run the LINE webhook receiver as an AWS Lambda function",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(v)
			if err != nil {
				return err
			}
			comp, err := newComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer comp.Close()

			store, err := comp.store(ctx, nil)
			if err != nil {
				return err
			}
			h, err := handler.NewHandler(store, comp.secrets, cfg.SecretPrefix(), handler.WithLogger(logger))
			if err != nil {
				return err
			}
			lambda.Start(h.Handle)
			return nil
		},
	}
}
