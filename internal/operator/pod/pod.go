// Package pod provides the operator that runs a task as a Kubernetes Pod.
package pod

import (
	"context"
	goerrors "errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/pkg/task"
)

const (
	// DefaultPollInterval is how often the pod phase is checked.
	DefaultPollInterval = 2 * time.Second

	envPrefix = "env."
)

// ErrNoClient is returned by pod tasks run without a Kubernetes client.
var ErrNoClient = goerrors.New("pod operator needs a Kubernetes client")

// Runtime selects the default image and entrypoint of the container.
type Runtime string

const (
	RuntimeBash   Runtime = "bash"
	RuntimePython Runtime = "python"
)

// Register adds the pod operator to reg.
func Register(reg *operator.Registry) {
	reg.Register(v1.OperatorPod, New)
}

// Spec is the container a pod task runs.
type Spec struct {
	Image        string
	Command      []string
	Args         []string
	Env          []corev1.EnvVar
	PollInterval time.Duration
}

// New builds the work of a pod task. Params:
//
//	runtime        bash (default) or python
//	command        shell command (bash) or script body (python)
//	image          overrides the runtime's default image
//	poll_interval  Go duration between phase checks
//	env.<NAME>     environment variable NAME
//
// A missing client only fails at run time so pipelines can be compiled
// without a cluster.
func New(spec v1.TaskSpec, deps operator.Deps) (task.Func, error) {
	ps, err := SpecFrom(spec)
	if err != nil {
		return nil, err
	}
	namespace := deps.Namespace
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}

	return func(ctx context.Context, tc *task.Context) error {
		if deps.Kube == nil {
			return ErrNoClient
		}
		return run(ctx, deps.Kube, namespace, ps, tc)
	}, nil
}

// SpecFrom converts task params into a container spec.
func SpecFrom(spec v1.TaskSpec) (Spec, error) {
	p, err := operator.Require(spec, "command")
	if err != nil {
		return Spec{}, err
	}

	ps := Spec{PollInterval: DefaultPollInterval}
	switch rt := Runtime(operator.Param(spec, "runtime", string(RuntimeBash))); rt {
	case RuntimeBash:
		ps.Image = "ubuntu:latest"
		ps.Command = []string{"/bin/bash", "-c"}
	case RuntimePython:
		ps.Image = "python:3.12-slim"
		ps.Command = []string{"python", "-c"}
	default:
		return Spec{}, fmt.Errorf("operator %s: unknown runtime %q", spec.Operator, rt)
	}
	ps.Image = operator.Param(spec, "image", ps.Image)
	ps.Args = []string{p["command"]}

	if raw := operator.Param(spec, "poll_interval", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Spec{}, fmt.Errorf("poll_interval: %w", err)
		}
		ps.PollInterval = d
	}

	for k, v := range spec.Params {
		if name, ok := strings.CutPrefix(k, envPrefix); ok {
			ps.Env = append(ps.Env, corev1.EnvVar{Name: name, Value: v})
		}
	}
	sort.Slice(ps.Env, func(i, j int) bool { return ps.Env[i].Name < ps.Env[j].Name })
	return ps, nil
}

func run(ctx context.Context, c client.Client, namespace string, ps Spec, tc *task.Context) error {
	log := logf.FromContext(ctx)
	pod := BuildPod(namespace, ps, tc)
	key := types.NamespacedName{Name: pod.Name, Namespace: namespace}

	if err := c.Create(ctx, pod); err != nil {
		if !errors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create pod: %w", err)
		}
		log.Info("Pod already exists, resuming", "pod", pod.Name)
	} else {
		log.Info("Created pod", "pod", pod.Name, "image", ps.Image)
	}

	var phase corev1.PodPhase
	var message string
	err := wait.PollUntilContextCancel(ctx, ps.PollInterval, true, func(ctx context.Context) (bool, error) {
		current := &corev1.Pod{}
		if err := c.Get(ctx, key, current); err != nil {
			if errors.IsNotFound(err) {
				return false, fmt.Errorf("pod %s disappeared", key.Name)
			}
			return false, err
		}
		phase = current.Status.Phase
		message = terminationMessage(current)
		return phase == corev1.PodSucceeded || phase == corev1.PodFailed, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			cleanup(context.WithoutCancel(ctx), c, pod)
		}
		return err
	}

	tc.SetOutput(pod.Name)
	if phase == corev1.PodFailed {
		return fmt.Errorf("pod %s failed: %s", pod.Name, message)
	}
	log.Info("Pod succeeded", "pod", pod.Name)
	return nil
}

func cleanup(ctx context.Context, c client.Client, pod *corev1.Pod) {
	if err := c.Delete(ctx, pod); err != nil && !errors.IsNotFound(err) {
		logf.FromContext(ctx).Error(err, "Failed to delete pod", "pod", pod.Name)
	}
}

// BuildPod converts the spec into a Pod for one attempt of tc.
func BuildPod(namespace string, ps Spec, tc *task.Context) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      Name(tc),
			Namespace: namespace,
			Labels: map[string]string{
				"dagrun.kination.io/pipeline": label(tc.Pipeline),
				"dagrun.kination.io/task":     label(tc.TaskID),
				"dagrun.kination.io/run":      label(tc.RunID),
				"app.kubernetes.io/name":      "dagrun",
				"app.kubernetes.io/part-of":   "dagrun",
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{
					Name:    "task-runner",
					Image:   ps.Image,
					Command: ps.Command,
					Args:    ps.Args,
					Env:     ps.Env,
				},
			},
		},
	}
}

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

// Name is the pod name of one attempt: pipeline, task, run and attempt,
// reduced to a valid DNS label.
func Name(tc *task.Context) string {
	run := tc.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	suffix := fmt.Sprintf("-%s-%d", sanitize(run), tc.Attempt)
	base := sanitize(tc.Pipeline + "-" + tc.TaskID)
	if max := 63 - len(suffix); len(base) > max {
		base = strings.TrimRight(base[:max], "-")
	}
	return base + suffix
}

func sanitize(s string) string {
	s = invalidName.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

func label(s string) string {
	s = sanitize(s)
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}

func terminationMessage(p *corev1.Pod) string {
	for _, cs := range p.Status.ContainerStatuses {
		if t := cs.State.Terminated; t != nil {
			if t.Message != "" {
				return fmt.Sprintf("exit code %d: %s", t.ExitCode, t.Message)
			}
			return fmt.Sprintf("exit code %d (%s)", t.ExitCode, t.Reason)
		}
	}
	if p.Status.Message != "" {
		return p.Status.Message
	}
	return string(p.Status.Phase)
}
