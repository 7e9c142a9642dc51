package compiler

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/kination/dagrun/api/v1"
)

// hclFile is the root of an HCL pipeline definition:
//
//	pipeline "udac_example_dag" {
//	  defaults { retry_limit = 3 }
//	  schedule { cron = "0 * * * *" }
//	  task "Begin_execution" { operator = "noop" }
//	  flow { steps = [["Begin_execution"], ["create_table"]] }
//	}
type hclFile struct {
	Pipeline hclPipeline `hcl:"pipeline,block"`
}

type hclPipeline struct {
	Name             string       `hcl:"name,label"`
	Description      *string      `hcl:"description,optional"`
	MaxParallelTasks *int         `hcl:"max_parallel_tasks,optional"`
	FailFast         *bool        `hcl:"fail_fast,optional"`
	Defaults         *hclDefaults `hcl:"defaults,block"`
	Schedule         *hclSchedule `hcl:"schedule,block"`
	Tasks            []hclTask    `hcl:"task,block"`
	Flows            []hclFlow    `hcl:"flow,block"`
}

type hclDefaults struct {
	Owner              *string `hcl:"owner,optional"`
	RetryLimit         *int    `hcl:"retry_limit,optional"`
	RetryDelay         *string `hcl:"retry_delay,optional"`
	ExponentialBackoff *bool   `hcl:"exponential_backoff,optional"`
	MaxRetryDelay      *string `hcl:"max_retry_delay,optional"`
	Timeout            *string `hcl:"timeout,optional"`
}

type hclSchedule struct {
	Cron          *string `hcl:"cron,optional"`
	MaxActiveRuns *int    `hcl:"max_active_runs,optional"`
	Overlap       *string `hcl:"overlap,optional"`
	StartDate     *string `hcl:"start_date,optional"`
	EndDate       *string `hcl:"end_date,optional"`
	Catchup       *bool   `hcl:"catchup,optional"`
}

type hclTask struct {
	Name               string            `hcl:"name,label"`
	Operator           string            `hcl:"operator"`
	DependsOn          []string          `hcl:"depends_on,optional"`
	RetryLimit         *int              `hcl:"retry_limit,optional"`
	RetryDelay         *string           `hcl:"retry_delay,optional"`
	ExponentialBackoff *bool             `hcl:"exponential_backoff,optional"`
	MaxRetryDelay      *string           `hcl:"max_retry_delay,optional"`
	Timeout            *string           `hcl:"timeout,optional"`
	Priority           *int              `hcl:"priority,optional"`
	Params             map[string]string `hcl:"params,optional"`
}

type hclFlow struct {
	Steps [][]string `hcl:"steps"`
}

// Functions are the functions available to HCL expressions.
var Functions = map[string]function.Function{
	"upper":     stdlib.UpperFunc,
	"lower":     stdlib.LowerFunc,
	"format":    stdlib.FormatFunc,
	"join":      stdlib.JoinFunc,
	"concat":    stdlib.ConcatFunc,
	"coalesce":  stdlib.CoalesceFunc,
	"replace":   stdlib.ReplaceFunc,
	"trimspace": stdlib.TrimSpaceFunc,
}

// EvalContext exposes env as the `env` object and the Functions.
func EvalContext(env map[string]string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(env))
	for k, v := range env {
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
		Functions: Functions,
	}
}

// LoadHCL decodes an HCL pipeline definition into a manifest.
func LoadHCL(filename string, src []byte, env map[string]string) (*v1.Pipeline, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(f.Body, EvalContext(env), &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	p, err := parsed.Pipeline.manifest()
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", parsed.Pipeline.Name, err)
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (hp hclPipeline) manifest() (*v1.Pipeline, error) {
	p := &v1.Pipeline{
		TypeMeta:   metav1.TypeMeta{APIVersion: v1.APIVersion, Kind: v1.PipelineKind},
		ObjectMeta: metav1.ObjectMeta{Name: hp.Name},
	}
	spec := &p.Spec
	spec.Description = deref(hp.Description)
	if hp.MaxParallelTasks != nil {
		spec.MaxParallelTasks = int32(*hp.MaxParallelTasks)
	}
	spec.FailFast = hp.FailFast

	var err error
	if d := hp.Defaults; d != nil {
		spec.Defaults.Owner = deref(d.Owner)
		spec.Defaults.RetryLimit = int32Ptr(d.RetryLimit)
		spec.Defaults.ExponentialBackoff = d.ExponentialBackoff != nil && *d.ExponentialBackoff
		if spec.Defaults.RetryDelay, err = duration("defaults.retry_delay", d.RetryDelay); err != nil {
			return nil, err
		}
		if spec.Defaults.MaxRetryDelay, err = duration("defaults.max_retry_delay", d.MaxRetryDelay); err != nil {
			return nil, err
		}
		if spec.Defaults.Timeout, err = duration("defaults.timeout", d.Timeout); err != nil {
			return nil, err
		}
	}

	if s := hp.Schedule; s != nil {
		spec.Schedule.Cron = deref(s.Cron)
		if s.MaxActiveRuns != nil {
			spec.Schedule.MaxActiveRuns = int32(*s.MaxActiveRuns)
		}
		spec.Schedule.Overlap = v1.OverlapPolicy(deref(s.Overlap))
		spec.Schedule.Catchup = s.Catchup != nil && *s.Catchup
		if spec.Schedule.StartDate, err = timestamp("schedule.start_date", s.StartDate); err != nil {
			return nil, err
		}
		if spec.Schedule.EndDate, err = timestamp("schedule.end_date", s.EndDate); err != nil {
			return nil, err
		}
	}

	for _, t := range hp.Tasks {
		ts := v1.TaskSpec{
			Name:               t.Name,
			Operator:           v1.OperatorKind(t.Operator),
			Dependencies:       t.DependsOn,
			RetryLimit:         int32Ptr(t.RetryLimit),
			ExponentialBackoff: t.ExponentialBackoff,
			Priority:           int32Ptr(t.Priority),
			Params:             t.Params,
		}
		if ts.RetryDelay, err = duration("task "+t.Name+" retry_delay", t.RetryDelay); err != nil {
			return nil, err
		}
		if ts.MaxRetryDelay, err = duration("task "+t.Name+" max_retry_delay", t.MaxRetryDelay); err != nil {
			return nil, err
		}
		if ts.Timeout, err = duration("task "+t.Name+" timeout", t.Timeout); err != nil {
			return nil, err
		}
		spec.Tasks = append(spec.Tasks, ts)
	}

	for _, f := range hp.Flows {
		spec.Flows = append(spec.Flows, v1.FlowSpec{Steps: f.Steps})
	}
	return p, nil
}

func duration(field string, s *string) (*metav1.Duration, error) {
	if s == nil {
		return nil, nil
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &metav1.Duration{Duration: d}, nil
}

// timestamp accepts RFC 3339 or a plain date.
func timestamp(field string, s *string) (*metav1.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		var dateErr error
		if t, dateErr = time.Parse(time.DateOnly, *s); dateErr != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
	}
	return &metav1.Time{Time: t}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func int32Ptr(n *int) *int32 {
	if n == nil {
		return nil
	}
	v := int32(*n)
	return &v
}
