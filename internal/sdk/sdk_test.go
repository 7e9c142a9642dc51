package sdk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/pkg/task"
)

func noop(context.Context, *task.Context) error { return nil }

func resolver(spec v1.TaskSpec) (task.Func, error) {
	if spec.Operator == "broken" {
		return nil, fmt.Errorf("task %s: no operator registered for kind: broken", spec.Name)
	}
	return noop, nil
}

func TestChain_GroupsExpandToCrossProduct(t *testing.T) {
	g := NewWithT(t)
	dag := NewDAG("example")

	begin := dag.Task("begin", noop)
	stage := Group(dag.Task("stage_events", noop), dag.Task("stage_songs", noop))
	fact := dag.Task("fact", noop)
	dag.Chain(begin, stage, fact)

	gr, err := dag.Build()
	g.Expect(err).NotTo(HaveOccurred())

	deps, _ := gr.DependenciesOf("fact")
	g.Expect(deps).To(Equal([]string{"stage_events", "stage_songs"}))
	downs, _ := gr.DependentsOf("begin")
	g.Expect(downs).To(Equal([]string{"stage_events", "stage_songs"}))
	g.Expect(gr.TopologicalOrder()).To(Equal([]string{"begin", "stage_events", "stage_songs", "fact"}))
}

func TestDefaults(t *testing.T) {
	g := NewWithT(t)
	dag := NewDAG("example", WithDefaults(task.WithRetryLimit(3), task.WithRetryDelay(5*time.Minute)))
	dag.Task("a", noop)
	dag.Task("b", noop, task.WithRetryLimit(1))

	gr, err := dag.Build()
	g.Expect(err).NotTo(HaveOccurred())

	a, _ := gr.Node("a")
	g.Expect(a.Options.RetryLimit).To(Equal(3))
	g.Expect(a.Options.RetryDelay).To(Equal(5 * time.Minute))
	b, _ := gr.Node("b")
	g.Expect(b.Options.RetryLimit).To(Equal(1))
	g.Expect(b.Options.RetryDelay).To(Equal(5 * time.Minute))
}

func TestBuild_CollectsErrors(t *testing.T) {
	g := NewWithT(t)
	dag := NewDAG("example")
	a := dag.Task("a", noop)
	dag.Task("a", noop)
	dag.Before(a, Ref{"missing"})

	_, err := dag.Build()
	g.Expect(errors.Is(err, graph.ErrDuplicateID)).To(BeTrue())
	g.Expect(errors.Is(err, graph.ErrUnknownTask)).To(BeTrue())
}

func TestBuild_Cycle(t *testing.T) {
	g := NewWithT(t)
	dag := NewDAG("example")
	a, b := dag.Task("a", noop), dag.Task("b", noop)
	dag.Chain(a, b, a)

	_, err := dag.Build()
	g.Expect(errors.Is(err, graph.ErrCycleDetected)).To(BeTrue())
}

func TestOperator(t *testing.T) {
	g := NewWithT(t)
	limit := int32(2)
	dag := NewDAG("example", WithResolver(resolver), WithDefaults(task.WithRetryDelay(time.Minute)))

	begin := dag.Operator(v1.TaskSpec{Name: "begin", Operator: v1.OperatorNoop})
	load := dag.Operator(v1.TaskSpec{
		Name:       "load",
		Operator:   v1.OperatorLoadFact,
		RetryLimit: &limit,
		Timeout:    &metav1.Duration{Duration: time.Hour},
		Params:     map[string]string{"table": "songplays"},
	})
	dag.Chain(begin, load)

	gr, err := dag.Build()
	g.Expect(err).NotTo(HaveOccurred())
	n, _ := gr.Node("load")
	g.Expect(n.Options.RetryLimit).To(Equal(2))
	g.Expect(n.Options.Timeout).To(Equal(time.Hour))
	g.Expect(n.Options.RetryDelay).To(Equal(time.Minute))

	m, err := dag.Manifest()
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(m.Kind).To(Equal(v1.PipelineKind))
	g.Expect(m.Name).To(Equal("example"))
	g.Expect(m.Spec.Tasks).To(HaveLen(2))
	g.Expect(m.Spec.Tasks[1].Dependencies).To(Equal([]string{"begin"}))
	g.Expect(m.Spec.Tasks[1].Params["table"]).To(Equal("songplays"))
	g.Expect(*m.Spec.Defaults.RetryLimit).To(Equal(int32(3)))
	g.Expect(m.Spec.Defaults.RetryDelay.Duration).To(Equal(time.Minute))
}

func TestOperator_Errors(t *testing.T) {
	g := NewWithT(t)

	dag := NewDAG("example")
	dag.Operator(v1.TaskSpec{Name: "a", Operator: v1.OperatorNoop})
	_, err := dag.Build()
	g.Expect(err).To(MatchError(ContainSubstring("no operator resolver")))

	dag = NewDAG("example", WithResolver(resolver))
	dag.Operator(v1.TaskSpec{Name: "a", Operator: "broken"})
	_, err = dag.Build()
	g.Expect(err).To(MatchError(ContainSubstring("broken")))
}

func TestManifest_GoTask(t *testing.T) {
	g := NewWithT(t)
	dag := NewDAG("example")
	dag.Task("code", noop)
	_, err := dag.Manifest()
	g.Expect(err).To(HaveOccurred())
}

func TestDefaultOptions_RoundTrip(t *testing.T) {
	g := NewWithT(t)
	limit := int32(3)
	args := v1.DefaultArgs{
		RetryLimit:         &limit,
		RetryDelay:         &metav1.Duration{Duration: 3 * time.Minute},
		ExponentialBackoff: true,
		MaxRetryDelay:      &metav1.Duration{Duration: 30 * time.Minute},
	}
	opts := task.DefaultOptions().Apply(DefaultOptions(args)...)

	g.Expect(opts.RetryLimit).To(Equal(3))
	g.Expect(opts.ExponentialBackoff).To(BeTrue())
	g.Expect(opts.MaxRetryDelay).To(Equal(30 * time.Minute))
	g.Expect(DefaultArgs(opts)).To(Equal(args))
}
