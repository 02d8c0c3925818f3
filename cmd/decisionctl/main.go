// Command decisionctl drives the decision engine from a terminal: it runs
// sessions in-process, indexes context documents and inspects history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/decisionflow/engine/internal/config"
	"github.com/decisionflow/engine/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "decisionctl",
	Short: "Run and inspect decision sessions",
	Long: `decisionctl talks to the same collaborators as decisiond.

It can answer a question end to end, index organizational context into the
vector collection and list past decisions from long-term memory.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := logging.Config{Level: "warn", Format: "console"}
		if verbose {
			cfg.Level = "debug"
		}
		l, err := logging.New(cfg)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (default $CONFIG_PATH or "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(askCmd, ingestCmd, historyCmd, watchCmd, tokenCmd, hashKeyCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.Path()
	}
	return config.Load(path)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
