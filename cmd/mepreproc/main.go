package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mepreproc/internal/models"
	"mepreproc/pkg/bids"
	"mepreproc/pkg/config"
	"mepreproc/pkg/logging"
)

var (
	// Global flags
	configPath   string
	verbose      bool
	subjectsFlag []string

	// Set by PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mepreproc",
	Short: "Multi-echo fMRI preprocessing: EPI masks, tedana, output reordering",
	Long: `mepreproc runs the multi-echo stages of an fMRI preprocessing pipeline
over a derivatives folder of sub-* subjects:

  1. mask     EPI mask from the first-echo images, joined with the
              grey plus white matter mask
  2. tedana   one tedana call per subject and task/run, run in parallel
  3. reorder  large tedana outputs narrowed to int16, optimal
              combinations copied next to the echo images

Settings are read from a YAML file; see "mepreproc config init".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if len(subjectsFlag) > 0 {
			cfg.Subjects.Mode = config.ModeSubset
			cfg.Subjects.List = subjectsFlag
		}

		logger, err = logging.New(verbose || cfg.Output.Verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mepreproc.yaml", "Configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringSliceVarP(&subjectsFlag, "subjects", "s", nil, "Process only these subjects (comma separated)")

	tedanaCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the tedana calls instead of running them")

	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(maskCmd, tedanaCmd, reorderCmd, runCmd, configCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// selectSubjects validates the settings the stages need and lists the
// subjects to process.
func selectSubjects(stages ...string) ([]models.Subject, error) {
	if err := cfg.Validate(stages...); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", configPath, err)
	}

	subjects, err := bids.ListSubjects(cfg.WorkPath, cfg.Subjects.Mode, cfg.Subjects.List)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(subjects))
	for i, s := range subjects {
		ids[i] = s.ID
	}
	logger.Info("Subjects to process", zap.String("workPath", cfg.WorkPath), zap.Strings("subjects", ids))

	return subjects, nil
}
