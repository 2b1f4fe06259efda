package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/RichardoC/teiqr/internal/config"
	"github.com/RichardoC/teiqr/internal/llm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	model      string
	system     string
	timeout    time.Duration

	rootCmd = &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one prompt to the configured provider and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.Flags().StringVarP(&model, "model", "m", "", "model id (defaults to upstream.default_model)")
	rootCmd.Flags().StringVar(&system, "system", "", "system prompt")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "request timeout")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}

	completer, err := llm.NewCompleter(cfg.Upstream)
	if err != nil {
		logger.Error("failed to initialize completion client", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	reply, err := completer.Complete(ctx, model, system, strings.Join(args, " "))
	if err != nil {
		logger.Error("completion failed", zap.Error(err), zap.String("model", model))
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
