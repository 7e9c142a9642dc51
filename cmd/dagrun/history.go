package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/report"
	"github.com/kination/dagrun/internal/store"
)

var (
	historyRef   string
	historyRun   string
	historyLimit int
	historyPhase string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs of a pipeline",
	Long: `List past runs of a pipeline, newest first, or show one run with --run.

History survives the process only with the redis store (REDIS_URL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := cfg.OpenStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		out := cmd.OutOrStdout()

		if historyRun != "" {
			run, err := st.GetRun(ctx, historyRun)
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("run %s not found", historyRun)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(out, report.Run(run))
			return nil
		}

		p, err := loadPipeline(historyRef)
		if err != nil {
			return err
		}
		runs, err := st.ListRuns(ctx, p.Name, store.ListOptions{
			Limit: historyLimit,
			Phase: v1.RunPhase(historyPhase),
		})
		if err != nil {
			return err
		}
		fmt.Fprint(out, report.History(runs))
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historyRef, "pipeline", "p", "sparkify", "Pipeline file or builtin name")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show a single run by id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum runs to list")
	historyCmd.Flags().StringVar(&historyPhase, "phase", "", "Only list runs in this phase (Succeeded, Failed, Cancelled)")
}
