package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/compiler"
	"github.com/kination/dagrun/internal/connector"
	"github.com/kination/dagrun/internal/graph"
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/internal/operator/builtin"
	"github.com/kination/dagrun/internal/pipelines/sparkify"
	"github.com/kination/dagrun/internal/scheduler"
	"github.com/kination/dagrun/internal/warehouse"
)

var setupLog = ctrl.Log.WithName("setup")

// builtinPipelines are pipelines defined in Go, selectable by name.
var builtinPipelines = map[string]func() (*v1.Pipeline, error){
	"sparkify":    sparkify.Pipeline,
	sparkify.Name: sparkify.Pipeline,
}

// pipelineFlags are shared by the commands that load a pipeline.
type pipelineFlags struct {
	ref         string
	policy      string
	maxParallel int
	failFast    bool
}

func (f *pipelineFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.ref, "pipeline", "p", "sparkify", "Pipeline file (.yaml, .json, .hcl) or builtin name")
	cmd.Flags().StringVar(&f.policy, "policy", "", "Ready queue policy: FIFO or Priority (default from pipeline)")
	cmd.Flags().IntVar(&f.maxParallel, "max-parallel", 0, "Maximum tasks running at once (default from pipeline)")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", true, "Skip the downstream tasks of a failed task")
}

// loadPipeline resolves a builtin name or reads a definition file.
func loadPipeline(ref string) (*v1.Pipeline, error) {
	if build, ok := builtinPipelines[ref]; ok {
		return build()
	}
	if _, err := os.Stat(ref); err != nil {
		names := make([]string, 0, len(builtinPipelines))
		for name := range builtinPipelines {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("pipeline %q is neither a file nor a builtin (%s): %w", ref, strings.Join(names, ", "), err)
	}
	return compiler.Load(ref)
}

// schedulerConfig applies the command line over the pipeline settings.
func (f *pipelineFlags) schedulerConfig(cmd *cobra.Command, p *v1.Pipeline) (scheduler.Config, error) {
	sc, err := compiler.SchedulerConfig(p)
	if err != nil {
		return sc, err
	}
	if cfg.MaxParallelTasks > 0 {
		sc.MaxParallelTasks = cfg.MaxParallelTasks
	}
	if f.maxParallel > 0 {
		sc.MaxParallelTasks = f.maxParallel
	}
	if f.policy != "" {
		switch pol := scheduler.Policy(f.policy); pol {
		case scheduler.PolicyFIFO, scheduler.PolicyPriority:
			sc.Policy = pol
		default:
			return sc, fmt.Errorf("unknown policy %q", f.policy)
		}
	}
	if cmd.Flags().Changed("fail-fast") {
		sc.FailFast = f.failFast
	}
	return sc, nil
}

// environment holds the collaborators shared by the operators of a process.
type environment struct {
	deps operator.Deps
	pool *warehouse.Pool
}

func (e *environment) Close() error {
	if e.pool != nil {
		return e.pool.Close()
	}
	return nil
}

// newEnvironment loads connections and, for pipelines with pod tasks, a
// Kubernetes client.
func newEnvironment(p *v1.Pipeline) (*environment, error) {
	conns := connector.NewRegistry()
	if cfg.ConnectionsFile != "" {
		if err := conns.LoadFile(cfg.ConnectionsFile); err != nil {
			return nil, err
		}
	}
	if err := conns.LoadEnv(os.Environ()); err != nil {
		return nil, err
	}

	env := &environment{pool: warehouse.NewPool(conns)}
	env.deps = operator.Deps{
		Warehouse:   env.pool,
		Connections: conns,
		Namespace:   cfg.Namespace,
	}

	if needsKube(p) {
		restConfig, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("pipeline %s has pod tasks: %w", p.Name, err)
		}
		kube, err := client.New(restConfig, client.Options{Scheme: clientgoscheme.Scheme})
		if err != nil {
			return nil, fmt.Errorf("unable to create Kubernetes client: %w", err)
		}
		env.deps.Kube = kube
		setupLog.Info("Kubernetes client ready", "namespace", cfg.Namespace)
	}
	return env, nil
}

func needsKube(p *v1.Pipeline) bool {
	for _, t := range p.Spec.Tasks {
		if t.Operator == v1.OperatorPod {
			return true
		}
	}
	return false
}

// compilePipeline builds the runnable graph of p.
func compilePipeline(p *v1.Pipeline, deps operator.Deps) (*graph.Graph, error) {
	g, err := compiler.Compile(p, builtin.Registry().Resolver(deps))
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	return g, nil
}

// parseParams turns key=value pairs into params over the configured ones.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(cfg.Params)+len(pairs))
	for k, v := range cfg.Params {
		params[k] = v
	}
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", kv)
		}
		params[k] = v
	}
	return params, nil
}
