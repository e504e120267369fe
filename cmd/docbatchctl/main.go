// Command docbatchctl is a thin demo CLI around the batch execution core:
// it loads a document set from JSON, runs it through one registered
// operation, and prints the resulting BatchResult and engine metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/turtacn/docbatch/internal/config"
	"github.com/turtacn/docbatch/pkg/batch"
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "docbatchctl",
		Short:   "Run document batches through the docbatch execution core",
		Version: fmt.Sprintf("%s (%s)", version, gitCommit),
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file (optional; falls back to defaults)")

	cmd.AddCommand(newRunCommand(opts))
	return cmd
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	if opts.configPath == "" {
		cfg := config.Config{}
		config.ApplyDefaults(&cfg)
		return cfg, nil
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	return *cfg, nil
}

// jsonDocument is the on-disk shape accepted by --input: a JSON array of
// {"id": "...", "payload": "...", "attributes": {...}}.
type jsonDocument struct {
	ID         string            `json:"id"`
	Payload    string            `json:"payload"`
	Attributes map[string]string `json:"attributes"`
}

// doc adapts jsonDocument to batch.Document (the interface's method names
// collide with the struct's JSON-tagged fields, hence the small wrapper).
type doc struct{ jsonDocument }

func (d doc) ID() string                    { return d.jsonDocument.ID }
func (d doc) Payload() []byte               { return []byte(d.jsonDocument.Payload) }
func (d doc) Attributes() map[string]string { return d.jsonDocument.Attributes }

func loadDocuments(path string) ([]batch.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	var entries []jsonDocument
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	out := make([]batch.Document, len(entries))
	for i, e := range entries {
		out[i] = doc{e}
	}
	return out, nil
}

// echoOperation is the docbatchctl demo handler: it uppercases the payload
// and reports its length, standing in for a real document-processing
// pipeline stage.
func echoOperation(ctx context.Context, d batch.Document, params map[string]any) (any, error) {
	text := string(d.Payload())
	return map[string]any{
		"document_id": d.ID(),
		"length":      len(text),
		"transformed": strings.ToUpper(text),
	}, nil
}

func newRunCommand(root *rootOptions) *cobra.Command {
	var inputPath string
	var operationID string
	var concurrency int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a document set through the batch execution core",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			v.SetEnvPrefix("DOCBATCHCTL")
			v.AutomaticEnv()
			if err := v.BindPFlag("user_id", cmd.Flags().Lookup("user-id")); err != nil {
				return err
			}

			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}

			docs, err := loadDocuments(inputPath)
			if err != nil {
				return err
			}

			orch, err := batch.New(cfg)
			if err != nil {
				return fmt.Errorf("orchestrator init: %w", err)
			}
			defer orch.Cleanup()

			if err := orch.RegisterOperation(batch.OperationGenerate, echoOperation, false); err != nil {
				return err
			}

			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			result, err := orch.ProcessBatch(ctx, operationID, docs, batch.OperationGenerate, nil,
				batch.SecurityContext{UserID: v.GetString("user_id")}, concurrency)
			if err != nil {
				return fmt.Errorf("process batch: %w", err)
			}

			return printResult(cmd, result, orch.Metrics())
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "", "path to a JSON document array (required)")
	cmd.Flags().StringVar(&operationID, "operation-id", "docbatchctl-run", "identifier for this batch run")
	cmd.Flags().String("user-id", "", "security context user id (also settable via DOCBATCHCTL_USER_ID)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker count override (0 = derive from memory tier)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall run timeout (0 = no timeout)")
	cmd.MarkFlagRequired("input")

	return cmd
}

func printResult(cmd *cobra.Command, result *batch.BatchResult, metrics map[string]any) error {
	out := struct {
		Result  *batch.BatchResult `json:"result"`
		Metrics map[string]any     `json:"metrics"`
	}{Result: result, Metrics: metrics}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
