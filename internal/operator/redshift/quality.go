package redshift

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Knetic/govaluate"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	v1 "github.com/kination/dagrun/api/v1"
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/pkg/task"
)

// DataQuality runs test_query and compares its single value with the
// expectation. expected_expr is a boolean expression over "result"
// (for example "result == 0" or "result > 100"); expected_result is shorthand
// for "result == <value>". A mismatch fails the task like any other error.
func DataQuality(spec v1.TaskSpec, deps operator.Deps) (task.Func, error) {
	p, err := operator.Require(spec, "test_query")
	if err != nil {
		return nil, err
	}
	connID := operator.Param(spec, "conn_id", DefaultConnID)

	check, err := NewCheck(operator.Param(spec, "expected_result", ""), operator.Param(spec, "expected_expr", ""))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", spec.Name, err)
	}

	return func(ctx context.Context, tc *task.Context) error {
		db, err := deps.Warehouse.Open(ctx, connID)
		if err != nil {
			return err
		}
		result, err := db.QueryScalar(ctx, p["test_query"])
		if err != nil {
			return fmt.Errorf("quality query: %w", err)
		}
		if err := check.Verify(result); err != nil {
			return err
		}
		logf.FromContext(ctx).Info("Data quality check passed", "query", p["test_query"], "result", result)
		return nil
	}, nil
}

// Check is a compiled expectation over a query result.
type Check struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewCheck compiles an expectation. Exactly one of expected or expr is used;
// expr wins when both are given.
func NewCheck(expected, expr string) (*Check, error) {
	source := expr
	if source == "" {
		if expected == "" {
			return nil, fmt.Errorf("data quality check needs expected_result or expected_expr")
		}
		if _, err := strconv.ParseFloat(expected, 64); err == nil {
			source = "result == " + expected
		} else {
			source = "result == " + strconv.Quote(expected)
		}
	}
	compiled, err := govaluate.NewEvaluableExpression(source)
	if err != nil {
		return nil, fmt.Errorf("parse expectation %q: %w", source, err)
	}
	return &Check{source: source, expr: compiled}, nil
}

// Verify evaluates the expectation against result.
func (c *Check) Verify(result any) error {
	out, err := c.expr.Evaluate(map[string]interface{}{"result": normalize(result)})
	if err != nil {
		return fmt.Errorf("evaluate %q: %w", c.source, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return fmt.Errorf("expectation %q is not boolean (got %v)", c.source, out)
	}
	if !ok {
		return fmt.Errorf("data quality check failed: %s with result=%v", c.source, result)
	}
	return nil
}

// normalize converts driver values into the float64/string/bool forms the
// expression language compares.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case []byte:
		s := string(x)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	case string:
		if f, err := strconv.ParseFloat(x, 64); err == nil {
			return f
		}
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case nil:
		return nil
	}
	return v
}
