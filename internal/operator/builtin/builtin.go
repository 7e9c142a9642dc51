// Package builtin assembles the operator registry with every bundled kind.
package builtin

import (
	"github.com/kination/dagrun/internal/operator"
	"github.com/kination/dagrun/internal/operator/pod"
	"github.com/kination/dagrun/internal/operator/redshift"
)

// Registry returns a registry with noop, the warehouse operators and pod.
func Registry() *operator.Registry {
	reg := operator.NewRegistry()
	redshift.Register(reg)
	pod.Register(reg)
	return reg
}
