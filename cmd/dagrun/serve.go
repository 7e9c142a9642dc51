package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/compiler"
	"github.com/kination/dagrun/internal/executor"
	"github.com/kination/dagrun/internal/report"
	"github.com/kination/dagrun/internal/runner"
	"github.com/kination/dagrun/internal/scheduler"
	"github.com/kination/dagrun/internal/store"
	"github.com/kination/dagrun/internal/store/memory"
	"github.com/kination/dagrun/internal/trigger"
)

var (
	serveFlags    pipelineFlags
	serveParams   []string
	serveSchedule string
	serveCatchup  bool
	serveOverlap  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a pipeline on its schedule until interrupted",
	Long: `Run a pipeline on its cron schedule. At most maxActiveRuns runs are
active at once; extra triggers are skipped or queued per the overlap policy.
SIGINT or SIGTERM cancels the active run and stops the cadence.`,
	Example: `  dagrun serve -p sparkify
  dagrun serve -p test/dags/sparkify.yaml --schedule "@every 10m" --overlap Queue`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseParams(serveParams)
		if err != nil {
			return err
		}
		p, err := loadPipeline(serveFlags.ref)
		if err != nil {
			return err
		}
		sc, err := serveFlags.schedulerConfig(cmd, p)
		if err != nil {
			return err
		}

		tc := compiler.TriggerConfig(p)
		if serveSchedule != "" {
			tc.Schedule = serveSchedule
		}
		if cmd.Flags().Changed("catchup") {
			tc.Catchup = serveCatchup
		}
		if serveOverlap != "" {
			tc.Overlap = v1.OverlapPolicy(serveOverlap)
		}
		if tc.Schedule == "" {
			return fmt.Errorf("pipeline %s has no schedule, pass --schedule", p.Name)
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

		// Events are only streamed to the log, so nothing is retained.
		events := memory.New(memory.WithEventLimit(0))
		defer events.Close()
		go logEvents(ctx, events)

		rc := runner.DefaultRunnerConfig()
		rc.Params = params
		r := runner.NewRunner(g, scheduler.New(sc, executor.NewLocal(), scheduler.WithEvents(events)), st, rc)

		out := cmd.OutOrStdout()
		tr, err := trigger.New(tc, func(ctx context.Context, logicalDate time.Time) error {
			status, err := r.Run(ctx, logicalDate)
			fmt.Fprint(out, report.Run(status))
			return err
		})
		if err != nil {
			return err
		}

		setupLog.Info("Serving pipeline", "pipeline", p.Name, "schedule", tc.Schedule,
			"maxActiveRuns", tc.MaxActiveRuns, "overlap", tc.Overlap, "next", tr.Next(time.Now()))
		return tr.Start(ctx)
	},
}

// logEvents reports retries and failures as they happen.
func logEvents(ctx context.Context, events store.EventStore) {
	ch, err := events.Subscribe(ctx, store.EventFilter{
		Types: []store.EventType{store.EventTypeTaskRetrying, store.EventTypeTaskFailed, store.EventTypeRunFailed},
	})
	if err != nil {
		setupLog.Error(err, "unable to subscribe to events")
		return
	}
	eventLog := setupLog.WithName("events")
	for ev := range ch {
		eventLog.Info(string(ev.Type), "run", ev.RunID, "task", ev.TaskName, "attempt", ev.Attempt, "data", ev.Data)
	}
}

func init() {
	serveFlags.register(serveCmd)
	serveCmd.Flags().StringArrayVar(&serveParams, "param", nil, "Run parameter key=value, repeatable")
	serveCmd.Flags().StringVar(&serveSchedule, "schedule", "", "Cron expression overriding the pipeline schedule")
	serveCmd.Flags().BoolVar(&serveCatchup, "catchup", false, "Run every tick missed since the start date first")
	serveCmd.Flags().StringVar(&serveOverlap, "overlap", "", "Skip or Queue triggers while a run is active")
}
