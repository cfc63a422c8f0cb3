package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snarg/storage-transcribe/internal/config"
	"github.com/snarg/storage-transcribe/internal/pipeline"
	"github.com/spf13/cobra"
)

type runFlags struct {
	bucket      string
	name        string
	contentType string
}

func newRunCmd(overrides *config.Overrides) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a single object once and exit",
		Long: `Process a single stored object as if its finalize notification had
just arrived. The outcome is published like any other run and printed as
JSON. Exits non-zero unless the run completes or the object is skipped.`,
		Example: `  storage-transcribe run --bucket calls --name 2024/06/interview.mp3`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOnce(cmd.Context(), overrides, f)
		},
	}
	cmd.Flags().StringVar(&f.bucket, "bucket", "", "bucket holding the object")
	cmd.Flags().StringVar(&f.name, "name", "", "object name")
	cmd.Flags().StringVar(&f.contentType, "content-type", "", "override the stored content type")
	cmd.MarkFlagRequired("bucket")
	cmd.MarkFlagRequired("name")
	return cmd
}

type runResult struct {
	Bucket  string `json:"bucket"`
	Name    string `json:"name"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

func runOnce(parent context.Context, overrides *config.Overrides, f runFlags) error {
	cfg, log, err := loadConfig(overrides, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		return err
	}
	defer a.close()

	obj, err := a.store.Stat(ctx, f.bucket, f.name)
	if err != nil {
		return fmt.Errorf("stat %s/%s: %w", f.bucket, f.name, err)
	}
	if f.contentType != "" {
		obj.ContentType = f.contentType
	}

	outcome, runErr := a.orch.Handle(ctx, *obj)
	res := runResult{Bucket: obj.Bucket, Name: obj.Name, Outcome: outcome}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(res)

	switch outcome {
	case pipeline.OutcomeComplete, pipeline.OutcomeSkipped:
		return nil
	}
	return fmt.Errorf("run ended with outcome %s", outcome)
}
