package sparkify_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/compiler"
	"github.com/kination/dagrun/internal/executor"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/internal/pipelines/sparkify"
	"github.com/kination/dagrun/internal/runner"
	"github.com/kination/dagrun/internal/scheduler"
	"github.com/kination/dagrun/internal/sdk"
	"github.com/kination/dagrun/internal/store/memory"
	"github.com/kination/dagrun/pkg/task"
)

var logicalDate = time.Date(2020, 5, 23, 4, 0, 0, 0, time.UTC)

// stubOps stands in for every warehouse operator. failures maps a task id to
// the number of attempts that fail, -1 for all of them.
type stubOps struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
}

func (s *stubOps) registry() *operator.Registry {
	reg := operator.NewRegistry()
	for _, kind := range []v1.OperatorKind{
		v1.OperatorSQL, v1.OperatorStageToRedshift, v1.OperatorLoadFact,
		v1.OperatorLoadDimension, v1.OperatorDataQuality,
	} {
		reg.Register(kind, s.factory)
	}
	return reg
}

func (s *stubOps) factory(spec v1.TaskSpec, _ operator.Deps) (task.Func, error) {
	name := spec.Name
	return func(ctx context.Context, tc *task.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls = append(s.calls, name)
		if n, ok := s.failures[name]; ok && (n < 0 || tc.Attempt <= n) {
			return fmt.Errorf("%s: attempt %d failed", name, tc.Attempt)
		}
		return nil
	}, nil
}

func (s *stubOps) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

func run(ops *stubOps, cfg scheduler.Config) (*v1.RunStatus, error) {
	g, err := sparkify.Define(ops.registry().Resolver(operator.Deps{}),
		sdk.WithDefaults(task.WithRetryDelay(time.Millisecond))).Build()
	Expect(err).NotTo(HaveOccurred())

	r := runner.NewRunner(g, scheduler.New(cfg, executor.NewLocal()), memory.New(), runner.DefaultRunnerConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Run(ctx, logicalDate)
}

func state(status *v1.RunStatus, id string) v1.TaskState {
	ts, ok := status.Task(id)
	Expect(ok).To(BeTrue(), "task %s missing from status", id)
	return ts.State
}

var dimensions = []string{sparkify.LoadUserDim, sparkify.LoadSongDim, sparkify.LoadArtistDim, sparkify.LoadTimeDim}

var _ = Describe("Sparkify pipeline", func() {
	Describe("definition", func() {
		var g *graph.Graph

		BeforeEach(func() {
			var err error
			g, err = sparkify.Graph((&stubOps{}).registry(), operator.Deps{})
			Expect(err).NotTo(HaveOccurred())
		})

		It("has the eleven tasks of the load", func() {
			Expect(g.Len()).To(Equal(11))
			Expect(g.Roots()).To(Equal([]string{sparkify.BeginExecution}))
		})

		It("stages both sources in parallel after the tables exist", func() {
			deps, err := g.DependenciesOf(sparkify.LoadSongplays)
			Expect(err).NotTo(HaveOccurred())
			Expect(deps).To(ConsistOf(sparkify.StageEvents, sparkify.StageSongs))

			deps, err = g.DependenciesOf(sparkify.StageEvents)
			Expect(err).NotTo(HaveOccurred())
			Expect(deps).To(Equal([]string{sparkify.CreateTable}))
		})

		It("gates the end on every dimension through the quality check", func() {
			deps, err := g.DependenciesOf(sparkify.QualityChecks)
			Expect(err).NotTo(HaveOccurred())
			Expect(deps).To(ConsistOf(dimensions))

			deps, err = g.DependenciesOf(sparkify.StopExecution)
			Expect(err).NotTo(HaveOccurred())
			Expect(deps).To(Equal([]string{sparkify.QualityChecks}))
		})

		It("retries every task three times in total", func() {
			for _, n := range g.Nodes() {
				Expect(n.Options.RetryLimit).To(Equal(3), n.ID)
				Expect(n.Options.RetryDelay).To(Equal(3*time.Minute), n.ID)
			}
		})
	})

	Describe("manifest", func() {
		It("compiles back into the same graph", func() {
			p, err := sparkify.Pipeline()
			Expect(err).NotTo(HaveOccurred())
			Expect(p.Spec.Schedule.Cron).To(Equal("0 * * * *"))
			Expect(p.Spec.Schedule.MaxActiveRuns).To(BeEquivalentTo(1))
			Expect(p.Spec.Tasks).To(HaveLen(11))

			want, err := sparkify.Graph((&stubOps{}).registry(), operator.Deps{})
			Expect(err).NotTo(HaveOccurred())
			got, err := compiler.Compile(p, (&stubOps{}).registry().Resolver(operator.Deps{}))
			Expect(err).NotTo(HaveOccurred())
			Expect(got.TopologicalOrder()).To(Equal(want.TopologicalOrder()))
		})

		It("keeps the warehouse params of each task", func() {
			p, err := sparkify.Pipeline()
			Expect(err).NotTo(HaveOccurred())
			for _, ts := range p.Spec.Tasks {
				if ts.Name == sparkify.LoadArtistDim {
					Expect(ts.Params).To(HaveKeyWithValue("append_insert", "true"))
					Expect(ts.Params).To(HaveKeyWithValue("primary_key", "artistid"))
				}
				if ts.Name == sparkify.QualityChecks {
					Expect(ts.Params).To(HaveKeyWithValue("expected_result", "0"))
				}
			}
		})
	})

	Describe("runs", func() {
		It("succeeds when every task succeeds, in dependency order", func() {
			ops := &stubOps{}
			status, err := run(ops, scheduler.DefaultConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Phase).To(Equal(v1.RunSucceeded))
			Expect(status.TasksIn(v1.StateSucceeded)).To(HaveLen(11))
			for _, ts := range status.Tasks {
				Expect(ts.Attempts).To(HaveLen(1), ts.Name)
			}

			calls := ops.called()
			at := func(id string) int { return slices.Index(calls, id) }
			Expect(at(sparkify.CreateTable)).To(Equal(0))
			for _, stage := range []string{sparkify.StageEvents, sparkify.StageSongs} {
				Expect(at(stage)).To(BeNumerically("<", at(sparkify.LoadSongplays)))
			}
			for _, dim := range dimensions {
				Expect(at(dim)).To(BeNumerically(">", at(sparkify.LoadSongplays)))
				Expect(at(dim)).To(BeNumerically("<", at(sparkify.QualityChecks)))
			}
		})

		It("recovers from a transient staging failure", func() {
			ops := &stubOps{failures: map[string]int{sparkify.StageEvents: 2}}
			status, err := run(ops, scheduler.DefaultConfig())
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Phase).To(Equal(v1.RunSucceeded))

			ts, _ := status.Task(sparkify.StageEvents)
			Expect(ts.Attempts).To(HaveLen(3))
			Expect(ts.Attempts[2].Outcome).To(Equal(v1.OutcomeSucceeded))
		})

		It("skips the quality check and the end when a dimension load fails", func() {
			ops := &stubOps{failures: map[string]int{sparkify.LoadUserDim: -1}}
			status, err := run(ops, scheduler.DefaultConfig())
			Expect(err).To(MatchError(scheduler.ErrRunFailed))
			Expect(status.Phase).To(Equal(v1.RunFailed))

			var runErr *scheduler.RunError
			Expect(errors.As(err, &runErr)).To(BeTrue())
			Expect(runErr.Failed).To(Equal([]string{sparkify.LoadUserDim}))
			Expect(runErr.Skipped).To(ConsistOf(sparkify.QualityChecks, sparkify.StopExecution))
			Expect(err).To(MatchError(scheduler.ErrRetryExhausted))

			ts, _ := status.Task(sparkify.LoadUserDim)
			Expect(ts.State).To(Equal(v1.StateFailed))
			Expect(ts.Attempts).To(HaveLen(3))

			check, _ := status.Task(sparkify.QualityChecks)
			Expect(check.State).To(Equal(v1.StateSkipped))
			Expect(check.SkippedBy).To(Equal(sparkify.LoadUserDim))
			Expect(state(status, sparkify.StopExecution)).To(Equal(v1.StateSkipped))

			for _, dim := range []string{sparkify.LoadSongDim, sparkify.LoadArtistDim, sparkify.LoadTimeDim} {
				Expect(state(status, dim)).To(Equal(v1.StateSucceeded))
			}
			Expect(ops.called()).NotTo(ContainElement(sparkify.QualityChecks))
		})

		It("fails the run on the quality check after its retries", func() {
			ops := &stubOps{failures: map[string]int{sparkify.QualityChecks: -1}}
			status, err := run(ops, scheduler.DefaultConfig())
			Expect(err).To(MatchError(scheduler.ErrRunFailed))
			Expect(err).To(MatchError(scheduler.ErrRetryExhausted))
			Expect(status.Phase).To(Equal(v1.RunFailed))

			var runErr *scheduler.RunError
			Expect(errors.As(err, &runErr)).To(BeTrue())
			Expect(runErr.Failed).To(Equal([]string{sparkify.QualityChecks}))
			Expect(runErr.Skipped).To(Equal([]string{sparkify.StopExecution}))

			check, _ := status.Task(sparkify.QualityChecks)
			Expect(check.State).To(Equal(v1.StateFailed))
			Expect(check.Attempts).To(HaveLen(3))
			for _, a := range check.Attempts {
				Expect(a.Outcome).To(Equal(v1.OutcomeFailed))
			}

			stop, _ := status.Task(sparkify.StopExecution)
			Expect(stop.State).To(Equal(v1.StateSkipped))
			Expect(stop.SkippedBy).To(Equal(sparkify.QualityChecks))
			for _, dim := range dimensions {
				Expect(state(status, dim)).To(Equal(v1.StateSucceeded))
			}
		})

		It("still runs the quality check without fail-fast", func() {
			cfg := scheduler.DefaultConfig()
			cfg.FailFast = false
			ops := &stubOps{failures: map[string]int{sparkify.LoadUserDim: -1}}

			status, err := run(ops, cfg)
			Expect(err).To(MatchError(scheduler.ErrRunFailed))
			Expect(status.Phase).To(Equal(v1.RunFailed))
			Expect(state(status, sparkify.QualityChecks)).To(Equal(v1.StateSucceeded))
			Expect(state(status, sparkify.StopExecution)).To(Equal(v1.StateSucceeded))
			Expect(ops.called()).To(ContainElement(sparkify.QualityChecks))
		})

		It("runs serially with a single worker", func() {
			cfg := scheduler.DefaultConfig()
			cfg.MaxParallelTasks = 1
			ops := &stubOps{}
			status, err := run(ops, cfg)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Phase).To(Equal(v1.RunSucceeded))
			Expect(ops.called()).To(HaveLen(9))
		})
	})
})
