package pod

import (
	"context"
	goerrors "errors"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/pkg/task"
)

func newTaskContext() *task.Context {
	return task.NewContext("3f2a9c1e-7d44-4b8e-9a51-0c7c2b1d9e10", "udac_example_dag", "Stage_events", 1,
		time.Date(2019, 1, 12, 0, 0, 0, 0, time.UTC), nil, nil)
}

func podSpec(params map[string]string) v1.TaskSpec {
	return v1.TaskSpec{Name: "Stage_events", Operator: v1.OperatorPod, Params: params}
}

func existingPod(tc *task.Context, phase corev1.PodPhase, terminated *corev1.ContainerStateTerminated) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: Name(tc), Namespace: metav1.NamespaceDefault},
		Status:     corev1.PodStatus{Phase: phase},
	}
	if terminated != nil {
		p.Status.ContainerStatuses = []corev1.ContainerStatus{{
			Name:  "task-runner",
			State: corev1.ContainerState{Terminated: terminated},
		}}
	}
	return p
}

func newWork(t *testing.T, c client.Client, params map[string]string) task.Func {
	t.Helper()
	work, err := New(podSpec(params), operator.Deps{Kube: c})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return work
}

func TestSpecFrom_Bash(t *testing.T) {
	ps, err := SpecFrom(podSpec(map[string]string{
		"command":       "echo hello",
		"env.STAGE":     "events",
		"env.BUCKET":    "udacity-dend",
		"unrelated":     "x",
		"poll_interval": "10ms",
	}))
	if err != nil {
		t.Fatalf("SpecFrom: %v", err)
	}
	if ps.Image != "ubuntu:latest" {
		t.Errorf("expected ubuntu:latest, got %s", ps.Image)
	}
	if len(ps.Command) != 2 || ps.Command[0] != "/bin/bash" {
		t.Errorf("unexpected command %v", ps.Command)
	}
	if len(ps.Args) != 1 || ps.Args[0] != "echo hello" {
		t.Errorf("unexpected args %v", ps.Args)
	}
	if len(ps.Env) != 2 || ps.Env[0].Name != "BUCKET" || ps.Env[1].Name != "STAGE" {
		t.Errorf("unexpected env %v", ps.Env)
	}
	if ps.PollInterval != 10*time.Millisecond {
		t.Errorf("expected 10ms poll interval, got %v", ps.PollInterval)
	}
}

func TestSpecFrom_PythonCustomImage(t *testing.T) {
	ps, err := SpecFrom(podSpec(map[string]string{
		"runtime": "python",
		"command": "print('hi')",
		"image":   "custom/python:1",
	}))
	if err != nil {
		t.Fatalf("SpecFrom: %v", err)
	}
	if ps.Image != "custom/python:1" {
		t.Errorf("expected custom image, got %s", ps.Image)
	}
	if ps.Command[0] != "python" {
		t.Errorf("expected python entrypoint, got %v", ps.Command)
	}
}

func TestSpecFrom_Errors(t *testing.T) {
	cases := map[string]map[string]string{
		"missing command": {"runtime": "bash"},
		"unknown runtime": {"command": "x", "runtime": "ruby"},
		"bad interval":    {"command": "x", "poll_interval": "soon"},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := SpecFrom(podSpec(params)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_RequiresClientAtRunTime(t *testing.T) {
	work, err := New(podSpec(map[string]string{"command": "x"}), operator.Deps{})
	if err != nil {
		t.Fatalf("New without a client should build: %v", err)
	}
	if err := work(context.Background(), newTaskContext()); !goerrors.Is(err, ErrNoClient) {
		t.Errorf("expected ErrNoClient, got %v", err)
	}
}

func TestName(t *testing.T) {
	tc := newTaskContext()
	if got := Name(tc); got != "udac-example-dag-stage-events-3f2a9c1e-1" {
		t.Errorf("unexpected name %s", got)
	}

	tc.TaskID = strings.Repeat("Load_dimension_", 8)
	tc.Attempt = 3
	got := Name(tc)
	if len(got) > 63 {
		t.Errorf("name longer than 63 characters: %s", got)
	}
	if !strings.HasSuffix(got, "-3f2a9c1e-3") {
		t.Errorf("attempt suffix lost: %s", got)
	}
}

func TestBuildPod(t *testing.T) {
	tc := newTaskContext()
	ps := Spec{Image: "ubuntu:latest", Command: []string{"/bin/bash", "-c"}, Args: []string{"true"}}

	p := BuildPod("etl", ps, tc)

	if p.Namespace != "etl" {
		t.Errorf("expected namespace etl, got %s", p.Namespace)
	}
	if p.Spec.RestartPolicy != corev1.RestartPolicyNever {
		t.Errorf("expected RestartPolicyNever, got %s", p.Spec.RestartPolicy)
	}
	if p.Labels["dagrun.kination.io/task"] != "stage-events" {
		t.Errorf("unexpected task label %q", p.Labels["dagrun.kination.io/task"])
	}
	if len(p.Spec.Containers) != 1 || p.Spec.Containers[0].Image != "ubuntu:latest" {
		t.Errorf("unexpected containers %+v", p.Spec.Containers)
	}
}

func TestRun_Succeeded(t *testing.T) {
	tc := newTaskContext()
	c := fake.NewClientBuilder().WithScheme(clientgoscheme.Scheme).
		WithObjects(existingPod(tc, corev1.PodSucceeded, nil)).Build()

	work := newWork(t, c, map[string]string{"command": "true", "poll_interval": "5ms"})
	if err := work(context.Background(), tc); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if tc.Output() != Name(tc) {
		t.Errorf("expected pod name as output, got %v", tc.Output())
	}
}

func TestRun_Failed(t *testing.T) {
	tc := newTaskContext()
	c := fake.NewClientBuilder().WithScheme(clientgoscheme.Scheme).
		WithObjects(existingPod(tc, corev1.PodFailed, &corev1.ContainerStateTerminated{ExitCode: 2, Message: "copy failed"})).
		Build()

	work := newWork(t, c, map[string]string{"command": "false", "poll_interval": "5ms"})
	err := work(context.Background(), tc)
	if err == nil {
		t.Fatal("expected failure")
	}
	if !strings.Contains(err.Error(), "exit code 2: copy failed") {
		t.Errorf("expected termination message in error, got %v", err)
	}
}

func TestRun_CreatesPod(t *testing.T) {
	tc := newTaskContext()
	c := fake.NewClientBuilder().WithScheme(clientgoscheme.Scheme).Build()
	work := newWork(t, c, map[string]string{"command": "sleep 1", "poll_interval": "5ms"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := work(ctx, tc); err == nil {
		t.Fatal("expected error once the deadline passes with the pod still pending")
	}

	// Pods left behind by an interrupted attempt are removed.
	err := c.Get(context.Background(), types.NamespacedName{Name: Name(tc), Namespace: metav1.NamespaceDefault}, &corev1.Pod{})
	if !apierrors.IsNotFound(err) {
		t.Errorf("expected pod to be cleaned up, got %v", err)
	}
}
