package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decisionflow/engine/internal/app"
	"github.com/decisionflow/engine/internal/events"
	"github.com/spf13/cobra"
)

var (
	ingestChunk  int
	historyLimit int
	historyJSON  bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Index documents into the organizational context collection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.VectorDB.Enabled {
			return fmt.Errorf("vector retrieval is disabled; set vectordb.enabled")
		}
		engine, err := app.Build(cmd.Context(), cfg, app.Options{}, logger)
		if err != nil {
			return err
		}
		defer engine.Close()

		total := 0
		for _, path := range args {
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			n, err := engine.Retriever.Index(cmd.Context(), filepath.Base(path), string(b), ingestChunk)
			if err != nil {
				return fmt.Errorf("index %s: %w", path, err)
			}
			total += n
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", labelStyle.Render(fmt.Sprintf("%3d chunks", n)), path)
		}
		fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render(fmt.Sprintf("indexed %d chunks into %s", total, cfg.VectorDB.Collection)))
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent decisions from long-term memory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		engine, err := app.Build(cmd.Context(), cfg, app.Options{}, logger)
		if err != nil {
			return err
		}
		defer engine.Close()

		records, err := engine.Memory.Recent(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if historyJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderHistory(records))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print finalized decisions as they are published",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pub, err := events.NewNATSPublisher(cmd.Context(), events.Config{
			URL:     cfg.Events.NATSURL,
			Subject: cfg.Events.Subject,
		}, logger)
		if err != nil {
			return err
		}
		defer pub.Close()

		out := cmd.OutOrStdout()
		return pub.Watch(cmd.Context(), func(evt events.DecisionFinalized) {
			fmt.Fprintf(out, "%s  %s  %s\n    %s\n",
				labelStyle.Render(evt.FinalizedAt.Format("15:04:05")),
				formatConfidence(evt.Confidence),
				titleStyle.Render(oneLine(evt.Question, 80)),
				oneLine(evt.Decision, 100),
			)
		})
	},
}

func init() {
	ingestCmd.Flags().IntVar(&ingestChunk, "chunk", 1200, "maximum characters per chunk")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of decisions to show")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print records as JSON")
}
