// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shard

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/t5train/internal/mesh"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OptimizerType selects which optimizer state is kept per parameter.
type OptimizerType int

const (
	// AdamW keeps the first and second moments.
	AdamW OptimizerType = iota

	// AdamWMultiStep also keeps a gradient accumulation buffer.
	AdamWMultiStep
)

// String implements fmt.Stringer.
func (t OptimizerType) String() string {
	switch t {
	case AdamW:
		return "AdamW"
	case AdamWMultiStep:
		return "AdamWMultiStep"
	default:
		return fmt.Sprintf("OptimizerType(%d)", int(t))
	}
}

// Slot names the optimizer state variables kept per parameter.
type Slot string

const (
	SlotMoment1     Slot = "moment1"
	SlotMoment2     Slot = "moment2"
	SlotAccumulator Slot = "accumulator"
)

// Slots returns the optimizer state variables kept for the optimizer type.
func (t OptimizerType) Slots() []Slot {
	if t == AdamWMultiStep {
		return []Slot{SlotMoment1, SlotMoment2, SlotAccumulator}
	}
	return []Slot{SlotMoment1, SlotMoment2}
}

// Options for NewPlan.
type Options struct {
	OptimizerType OptimizerType

	// MomentsDType is the dtype of the optimizer moments. If invalid, the parameter dtype is used.
	MomentsDType dtypes.DType

	// Scope of the parameters to shard. Defaults to "/model".
	Scope string
}

// OptimizerSpecs holds the sharding spec of each optimizer slot of one parameter.
type OptimizerSpecs map[Slot]*distributed.ShardingSpec

// Plan is the single source of sharding specs for parameters and optimizer state.
//
// ParamSpecs and OptimizerSpecs are keyed by the same parameter paths (Variable.ScopeAndName).
type Plan struct {
	Enabled        bool
	Mesh           *distributed.DeviceMesh
	ParamSpecs     map[string]*distributed.ShardingSpec
	OptimizerSpecs map[string]OptimizerSpecs

	params map[string]*context.Variable
	slots  map[string]map[Slot]*context.Variable
}

// SlotPath returns the path of the optimizer slot variable of a parameter, following the layout of
// the GoMLX Adam optimizer and of train.Trainer gradient accumulation.
func SlotPath(param *context.Variable, slot Slot) (scope, name string) {
	switch slot {
	case SlotMoment1:
		return context.ScopeSeparator + optimizers.AdamDefaultScope + param.Scope(), param.Name() + "_1st_moment"
	case SlotMoment2:
		return context.ScopeSeparator + optimizers.AdamDefaultScope + param.Scope(), param.Name() + "_2nd_moment"
	default:
		return context.ScopeSeparator + train.AccumulatedGradientsScope + param.Scope(), param.Name()
	}
}

// NewPlan computes the sharding of the trainable parameters under the parameters scope.
//
// If the scope is not enabled, it returns a disabled plan with no specs: the optimizer state is then created
// by the optimizer itself, directly against the unsharded parameters.
//
// Otherwise, for each parameter it computes the spec from the rules, creates (or finds) its optimizer slot
// variables and gives them the same spec. It fails if a spec doesn't fit a parameter shape, or if the
// parameter and optimizer paths don't match one to one.
func NewPlan(ctx *context.Context, scope mesh.Scope, rules Rules, opts Options) (*Plan, error) {
	if !scope.Enabled() {
		return &Plan{Enabled: false}, nil
	}
	paramsScope := opts.Scope
	if paramsScope == "" {
		paramsScope = context.ScopeSeparator + "model"
	}
	plan := &Plan{
		Enabled:        true,
		Mesh:           scope.Mesh(),
		ParamSpecs:     make(map[string]*distributed.ShardingSpec),
		OptimizerSpecs: make(map[string]OptimizerSpecs),
		params:         make(map[string]*context.Variable),
		slots:          make(map[string]map[Slot]*context.Variable),
	}

	var params []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && inScope(v.Scope(), paramsScope) {
			params = append(params, v)
		}
	}
	if len(params) == 0 {
		return nil, errors.Errorf("no trainable parameters found under %q to shard", paramsScope)
	}

	for _, param := range params {
		path := param.ScopeAndName()
		axes, _ := rules.Match(path)
		spec, err := distributed.NewShardingSpec(plan.Mesh, axes...)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid sharding rule for %q", path)
		}
		if err = checkFits(spec, param); err != nil {
			return nil, err
		}
		plan.ParamSpecs[path] = spec
		plan.params[path] = param
	}

	err := exceptions.TryCatch[error](func() {
		for path, param := range plan.params {
			specs := make(OptimizerSpecs)
			slotVars := make(map[Slot]*context.Variable)
			for _, slot := range opts.OptimizerType.Slots() {
				slotVars[slot] = createSlot(ctx, param, slot, opts.MomentsDType)
				specs[slot] = plan.ParamSpecs[path]
			}
			plan.OptimizerSpecs[path] = specs
			plan.slots[path] = slotVars
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create optimizer state")
	}

	if err = plan.checkIsomorphic(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Sharding plan: %d parameters (%d sharded), %s optimizer state over %s",
		len(plan.ParamSpecs), plan.numSharded(), opts.OptimizerType, plan.Mesh)
	return plan, nil
}

func inScope(scope, parent string) bool {
	return scope == parent || strings.HasPrefix(scope, parent+context.ScopeSeparator)
}

// createSlot creates the optimizer slot variable, or returns the existing one. It panics on errors.
func createSlot(ctx *context.Context, param *context.Variable, slot Slot, momentsDType dtypes.DType) *context.Variable {
	scope, name := SlotPath(param, slot)
	shape := param.Shape().Clone()
	if slot != SlotAccumulator && momentsDType != dtypes.InvalidDType {
		shape.DType = momentsDType
	}
	return ctx.Checked(false).InAbsPath(scope).
		WithInitializer(initializers.Zero).
		VariableWithShape(name, shape).
		SetTrainable(false)
}

// checkFits verifies the spec rank and that every sharded axis divides evenly over its mesh axes.
func checkFits(spec *distributed.ShardingSpec, param *context.Variable) error {
	shape := param.Shape()
	if spec.Rank() > shape.Rank() {
		return errors.Errorf("sharding spec %s has rank %d, but parameter %q has shape %s",
			spec, spec.Rank(), param.ScopeAndName(), shape)
	}
	for axis := range spec.Rank() {
		numShards := spec.NumDevicesShardingAxis(axis)
		if shape.Dimensions[axis]%numShards != 0 {
			return errors.Errorf("parameter %q axis %d (dimension %d) cannot be split in %d shards",
				param.ScopeAndName(), axis, shape.Dimensions[axis], numShards)
		}
	}
	return nil
}

func (p *Plan) checkIsomorphic() error {
	paramPaths, optPaths := p.ParamPaths(), p.OptimizerPaths()
	if !slices.Equal(paramPaths, optPaths) {
		return errors.Errorf("optimizer state paths don't match parameter paths: %d parameters, %d optimizer entries",
			len(paramPaths), len(optPaths))
	}
	for path, specs := range p.OptimizerSpecs {
		for slot, spec := range specs {
			if spec != p.ParamSpecs[path] {
				return errors.Errorf("optimizer slot %s of %q has a different sharding than its parameter", slot, path)
			}
		}
	}
	return nil
}

func (p *Plan) numSharded() int {
	count := 0
	for _, spec := range p.ParamSpecs {
		if !spec.IsReplicated() {
			count++
		}
	}
	return count
}

// ParamPaths returns the sorted parameter paths.
func (p *Plan) ParamPaths() []string {
	return slices.Sorted(maps.Keys(p.ParamSpecs))
}

// OptimizerPaths returns the sorted parameter paths that have optimizer specs.
func (p *Plan) OptimizerPaths() []string {
	return slices.Sorted(maps.Keys(p.OptimizerSpecs))
}

// SlotVariable returns the optimizer slot variable of the parameter path, or nil.
func (p *Plan) SlotVariable(path string, slot Slot) *context.Variable {
	return p.slots[path][slot]
}

// Apply sets the sharding of the parameters and of their optimizer state in the context.
// It's a no-op for a disabled plan.
func (p *Plan) Apply() error {
	if !p.Enabled {
		return nil
	}
	for path, param := range p.params {
		if err := param.SetShardingSpec(p.ParamSpecs[path]); err != nil {
			return errors.WithMessagef(err, "failed to shard parameter %q", path)
		}
		for slot, v := range p.slots[path] {
			if err := v.SetShardingSpec(p.OptimizerSpecs[path][slot]); err != nil {
				return errors.WithMessagef(err, "failed to shard %s of %q", slot, path)
			}
		}
	}
	return nil
}

// InputSpec shards the batch axis over the data parallel mesh axis. It's nil for a disabled plan.
func (p *Plan) InputSpec() (*distributed.ShardingSpec, error) {
	if !p.Enabled {
		return nil, nil
	}
	return distributed.BuildSpec(p.Mesh).S(mesh.DataAxis).Done()
}

// ReplicatedSpec is used for everything not explicitly sharded. It's nil for a disabled plan.
func (p *Plan) ReplicatedSpec() *distributed.ShardingSpec {
	if !p.Enabled {
		return nil
	}
	return distributed.NewReplicatedShardingSpec(p.Mesh)
}
