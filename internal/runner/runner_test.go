package runner

import (
	"context"
	"errors"
	"testing"
	"time"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/internal/scheduler"
	"github.com/kination/dagrun/internal/store"
	"github.com/kination/dagrun/internal/store/memory"
	"github.com/kination/dagrun/pkg/task"
)

var logicalDate = time.Date(2019, 1, 12, 0, 0, 0, 0, time.UTC)

func newGraph(t *testing.T, works map[string]task.Func, order []string, edges ...[2]string) *graph.Graph {
	t.Helper()
	b := graph.NewBuilder("sparkify")
	opts := task.DefaultOptions().Apply(task.WithRetryLimit(1))
	for _, id := range order {
		if err := b.AddTask(&graph.Node{ID: id, Work: works[id], Options: opts}); err != nil {
			t.Fatal(err)
		}
	}
	for _, e := range edges {
		if err := b.AddEdge(e[0], e[1]); err != nil {
			t.Fatal(err)
		}
	}
	g, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func ok(context.Context, *task.Context) error { return nil }

func TestRunner_PersistsRun(t *testing.T) {
	g := newGraph(t, map[string]task.Func{"a": ok, "b": ok}, []string{"a", "b"}, [2]string{"a", "b"})
	st := memory.New()
	r := NewRunner(g, scheduler.NewDefault(), st, DefaultRunnerConfig())
	r.newID = func() string { return "run-1" }

	status, err := r.Run(context.Background(), logicalDate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Phase != v1.RunSucceeded {
		t.Errorf("expected Succeeded, got %s", status.Phase)
	}
	if !status.LogicalDate.Time.Equal(logicalDate) {
		t.Errorf("expected logical date %s, got %s", logicalDate, status.LogicalDate)
	}

	saved, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if len(saved.Tasks) != 2 || saved.Tasks[0].Name != "a" {
		t.Errorf("unexpected persisted tasks %+v", saved.Tasks)
	}
}

func TestRunner_FailedRunIsPersisted(t *testing.T) {
	fail := func(context.Context, *task.Context) error { return errors.New("copy failed") }
	g := newGraph(t, map[string]task.Func{"stage": fail, "load": ok}, []string{"stage", "load"}, [2]string{"stage", "load"})
	st := memory.New()
	r := NewRunner(g, scheduler.NewDefault(), st, DefaultRunnerConfig())

	status, err := r.Run(context.Background(), logicalDate)
	if !errors.Is(err, scheduler.ErrRunFailed) {
		t.Fatalf("expected ErrRunFailed, got %v", err)
	}
	if status.Phase != v1.RunFailed {
		t.Errorf("expected Failed, got %s", status.Phase)
	}

	runs, _ := st.ListRuns(context.Background(), "sparkify", store.ListOptions{})
	if len(runs) != 1 {
		t.Fatalf("expected 1 persisted run, got %d", len(runs))
	}
	if runs[0].Message == "" {
		t.Error("expected failure message on persisted run")
	}
}

func TestRunner_CancelledRunIsPersisted(t *testing.T) {
	started := make(chan struct{})
	block := func(ctx context.Context, _ *task.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	g := newGraph(t, map[string]task.Func{"block": block}, []string{"block"})
	st := memory.New()
	r := NewRunner(g, scheduler.NewDefault(), st, DefaultRunnerConfig())
	r.newID = func() string { return "run-c" }

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := r.Run(ctx, logicalDate)
	if !errors.Is(err, scheduler.ErrRunCancelled) {
		t.Fatalf("expected ErrRunCancelled, got %v", err)
	}

	saved, err := st.GetRun(context.Background(), "run-c")
	if err != nil {
		t.Fatalf("cancelled run not persisted: %v", err)
	}
	if saved.Phase != v1.RunCancelled {
		t.Errorf("expected Cancelled, got %s", saved.Phase)
	}
}

func TestRunner_Current(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	block := func(context.Context, *task.Context) error {
		close(started)
		<-release
		return nil
	}
	g := newGraph(t, map[string]task.Func{"block": block}, []string{"block"})
	r := NewDefaultRunner(g, scheduler.NewDefault())

	if _, ok := r.Current(); ok {
		t.Fatal("expected no current run before start")
	}

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), logicalDate)
		done <- err
	}()
	<-started

	cur, ok := r.Current()
	if !ok {
		t.Fatal("expected a current run")
	}
	if cur.Phase != v1.RunRunning {
		t.Errorf("expected Running, got %s", cur.Phase)
	}
	if len(r.Active()) != 1 {
		t.Errorf("expected 1 active run, got %d", len(r.Active()))
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Current(); ok {
		t.Error("expected no current run after completion")
	}
}

func TestRunner_Trigger(t *testing.T) {
	var got time.Time
	capture := func(_ context.Context, tc *task.Context) error {
		got = tc.LogicalDate
		return nil
	}
	g := newGraph(t, map[string]task.Func{"a": capture}, []string{"a"})
	r := NewDefaultRunner(g, scheduler.NewDefault())

	if err := r.Trigger(context.Background(), logicalDate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(logicalDate) {
		t.Errorf("expected logical date %s, got %s", logicalDate, got)
	}
}
