package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kination/dagrun/internal/executor"
	"github.com/kination/dagrun/internal/report"
	"github.com/kination/dagrun/internal/runner"
	"github.com/kination/dagrun/internal/scheduler"
)

var (
	runFlags  pipelineFlags
	runDate   string
	runParams []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one run of a pipeline",
	Long: `Execute one run of a pipeline for a logical date and print a report.

The command exits with an error when the run failed or was interrupted.`,
	Example: `  dagrun run -p sparkify --date 2020-05-23T04:00:00Z
  dagrun run -p test/dags/sparkify.yaml --param region=us-west-2 --max-parallel 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logicalDate, err := parseDate(runDate)
		if err != nil {
			return err
		}
		params, err := parseParams(runParams)
		if err != nil {
			return err
		}

		p, err := loadPipeline(runFlags.ref)
		if err != nil {
			return err
		}
		sc, err := runFlags.schedulerConfig(cmd, p)
		if err != nil {
			return err
		}
		env, err := newEnvironment(p)
		if err != nil {
			return err
		}
		defer env.Close()
		g, err := compilePipeline(p, env.deps)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := cfg.OpenStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		rc := runner.DefaultRunnerConfig()
		rc.Params = params
		r := runner.NewRunner(g, scheduler.New(sc, executor.NewLocal()), st, rc)

		status, runErr := r.Run(ctx, logicalDate)
		fmt.Fprint(cmd.OutOrStdout(), report.Run(status))
		return runErr
	},
}

// parseDate accepts RFC 3339 or a plain date. Empty means the current minute.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC().Truncate(time.Minute), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().StringVar(&runDate, "date", "", "Logical date of the run (default now)")
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "Run parameter key=value, repeatable")
}
