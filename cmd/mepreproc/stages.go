package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mepreproc/internal/models"
	"mepreproc/pkg/config"
	"mepreproc/pkg/masking"
	"mepreproc/pkg/pipeline"
	"mepreproc/pkg/reorder"
	"mepreproc/pkg/tedana"
)

var dryRun bool

var maskCmd = &cobra.Command{
	Use:   "mask",
	Short: "Compute the EPI mask and join it with the grey plus white matter mask",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		subjects, err := selectSubjects(config.StageMask)
		if err != nil {
			return err
		}
		return runMask(cmd.Context(), subjects)
	},
}

var tedanaCmd = &cobra.Command{
	Use:   "tedana",
	Short: "Run tedana for every subject and task/run",
	Long: `Builds one tedana call per subject and task/run from the echo images in
each func folder and runs them with processing.numCores calls at a time.
The console output of each call goes to func/tedana_<task/run>.log.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		subjects, err := selectSubjects(config.StageTedana)
		if err != nil {
			return err
		}
		return runTedana(cmd.Context(), subjects, dryRun, cmd.OutOrStdout())
	},
}

var reorderCmd = &cobra.Command{
	Use:   "reorder",
	Short: "Narrow large tedana outputs to int16 and copy the optimal combinations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		subjects, err := selectSubjects(config.StageReorder)
		if err != nil {
			return err
		}
		return runReorder(cmd.Context(), subjects)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run mask, tedana and reorder in order",
	Long: `Runs every stage in order. A stage that fails for any subject stops the
pipeline before the next stage starts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		subjects, err := selectSubjects(config.StageMask, config.StageTedana, config.StageReorder)
		if err != nil {
			return err
		}

		start := time.Now()
		ctx := cmd.Context()

		if err := runMask(ctx, subjects); err != nil {
			return fmt.Errorf("mask stage: %w", err)
		}
		if err := runTedana(ctx, subjects, false, cmd.OutOrStdout()); err != nil {
			return fmt.Errorf("tedana stage: %w", err)
		}
		if err := runReorder(ctx, subjects); err != nil {
			return fmt.Errorf("reorder stage: %w", err)
		}

		minutes, hours := pipeline.Elapsed(time.Since(start))
		logger.Info("Pipeline finished", zap.Float64("minutes", minutes), zap.Float64("hours", hours))
		return nil
	},
}

func runMask(ctx context.Context, subjects []models.Subject) error {
	masker := masking.NewMasker(&masking.Params{
		Prefix:  cfg.Prefix(),
		Command: cfg.Mask.Command,
		SaveQC:  cfg.Mask.SaveQC,
		Workers: cfg.Processing.NumCores,
	}, logger)

	return masker.Process(ctx, subjects)
}

func runTedana(ctx context.Context, subjects []models.Subject, dry bool, out io.Writer) error {
	params := &tedana.Params{
		Prefix:        cfg.Prefix(),
		Executable:    cfg.Tedana.Executable,
		EchoTimes:     cfg.Tedana.EchoTimes,
		MaxIterations: cfg.Tedana.MaxIterations,
		MaxRestarts:   cfg.Tedana.MaxRestarts,
		PNG:           cfg.Tedana.PNG,
		ExtraArgs:     cfg.Tedana.ExtraArgs,
		SkipCompleted: cfg.Tedana.SkipCompleted,
		NumCores:      cfg.Processing.NumCores,
	}

	calls, err := tedana.BuildCalls(params, subjects, logger)
	if err != nil {
		return err
	}

	runner := tedana.NewRunner(params, logger)
	if dry {
		return runner.DryRun(out, calls)
	}

	_, err = runner.Run(ctx, calls)
	return err
}

func runReorder(ctx context.Context, subjects []models.Subject) error {
	outputs := make([]reorder.Output, len(cfg.Reorder.Outputs))
	for i, o := range cfg.Reorder.Outputs {
		outputs[i] = reorder.Output{Source: o.Source, EchoLabel: o.EchoLabel}
	}

	r := reorder.NewReorderer(&reorder.Params{
		Prefix:          cfg.Prefix(),
		SizeThresholdMB: cfg.Reorder.SizeThresholdMB,
		Workers:         cfg.Reorder.Workers,
		Outputs:         outputs,
	}, logger)

	return r.Process(ctx, subjects)
}
