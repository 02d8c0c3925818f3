package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/decisionflow/engine/internal/app"
	"github.com/decisionflow/engine/internal/state"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	askDocs     []string
	askJSON     bool
	askProgress bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Run one decision session in-process",
	Long: `Runs the full stage graph for a question and prints the final decision.

Context documents are read from the files given with --doc.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringArrayVarP(&askDocs, "doc", "d", nil, "context document file (repeatable)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the final snapshot as JSON")
	askCmd.Flags().BoolVarP(&askProgress, "progress", "p", false, "print stage transitions while the session runs")
}

func readDocs(paths []string) ([]string, error) {
	docs := make([]string, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read context document: %w", err)
		}
		docs = append(docs, string(b))
	}
	return docs, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	docs, err := readDocs(askDocs)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	engine, err := app.Build(ctx, cfg, app.Options{}, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	out := cmd.OutOrStdout()
	lastStage := ""
	sink := func(snap state.Snapshot) {
		if !askProgress || snap.Final || snap.Stage == lastStage {
			return
		}
		lastStage = snap.Stage
		fmt.Fprintln(out, stageLine(snap))
	}

	s := state.NewSession(uuid.NewString(), strings.Join(args, " "), docs)
	res, runErr := engine.NewDriver(cfg).Run(ctx, s, sink)
	if res == nil {
		return runErr
	}

	if askJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Final); err != nil {
			return err
		}
		return runErr
	}
	if runErr != nil {
		return runErr
	}
	fmt.Fprintln(out, renderDecision(res.Final))
	return nil
}
