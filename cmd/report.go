package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/metrics-cli/internal/pipeline"
)

var reportOutput string

var reportCmd = &cobra.Command{
	Use:   "report <step>",
	Short: "Run a single report or import step under the run lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		reg, err := env.registry()
		if err != nil {
			return err
		}
		step, err := reg.Get(args[0])
		if err != nil {
			return fmt.Errorf("%w (available: %v)", err, reg.AllNames())
		}

		res, runErr := env.standalone().Run(ctx, step)
		if res.Step != "" {
			summary := &pipeline.RunSummary{
				Status:         res.Status,
				ElapsedSeconds: res.ElapsedSeconds,
				Steps:          []pipeline.StepResult{res},
			}
			if err := writeSummary(os.Stdout, summary, reportOutput); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportOutput, "output", "o", "table", "result format: table, json or yaml")
	rootCmd.AddCommand(reportCmd)
}
