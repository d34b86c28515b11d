// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package seq2seq

import (
	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/t5train/internal/data"
	"github.com/gomlx/t5train/internal/shard"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// AdamW constants, other than the learning rate and weight decay which are configurable.
const (
	AdamBeta1   = 0.9
	AdamBeta2   = 0.999
	AdamEpsilon = 1e-6
)

// TrainerOptions configure the optimizer of the Trainer.
type TrainerOptions struct {
	LearningRate float64
	WeightDecay  float64

	// GradAccumSteps is the number of train steps whose gradients are accumulated before an update.
	// Values <= 1 disable accumulation.
	GradAccumSteps int

	// MomentsDType of the optimizer moments. Defaults to float32.
	MomentsDType dtypes.DType
}

// DefaultMomentsDType is used when TrainerOptions.MomentsDType is not set.
const DefaultMomentsDType = dtypes.Float32

// WithDefaults returns a copy of the options with the unset values filled in.
func (opts TrainerOptions) WithDefaults() TrainerOptions {
	if opts.MomentsDType == dtypes.InvalidDType {
		opts.MomentsDType = DefaultMomentsDType
	}
	return opts
}

// PlanOptions returns the options of a sharding plan whose optimizer state matches the one the
// Trainer creates with these options.
func (opts TrainerOptions) PlanOptions() shard.Options {
	opts = opts.WithDefaults()
	return shard.Options{OptimizerType: opts.OptimizerType(), MomentsDType: opts.MomentsDType}
}

// OptimizerType returns the optimizer state layout implied by the options.
func (opts TrainerOptions) OptimizerType() shard.OptimizerType {
	if opts.GradAccumSteps > 1 {
		return shard.AdamWMultiStep
	}
	return shard.AdamW
}

// Trainer trains the Model with AdamW. It embeds the GoMLX train.Trainer, so it can be used directly by
// train.Loop.
//
// It doesn't build any sharding specs itself: the variables are sharded according to the given Plan.
type Trainer struct {
	*train.Trainer

	Model   *Model
	Plan    *shard.Plan
	Options TrainerOptions

	backend backends.Backend
}

// NewTrainer creates the trainer for the model variables in ctx.
//
// The model variables must already be declared (see Model.DeclareVariables) and the plan built over them,
// with the options returned by opts.PlanOptions.
func NewTrainer(backend backends.Backend, ctx *context.Context, model *Model, plan *shard.Plan,
	opts TrainerOptions) (*Trainer, error) {
	if opts.LearningRate <= 0 {
		return nil, errors.Errorf("invalid learning rate %g", opts.LearningRate)
	}
	opts = opts.WithDefaults()
	if err := checkMomentsDType(plan, opts.MomentsDType); err != nil {
		return nil, err
	}
	if err := plan.Apply(); err != nil {
		return nil, err
	}
	optimizer := optimizers.Adam().
		LearningRate(opts.LearningRate).
		WeightDecay(opts.WeightDecay).
		Betas(AdamBeta1, AdamBeta2).
		Epsilon(AdamEpsilon).
		DType(opts.MomentsDType).
		Done()

	t := &Trainer{Model: model, Plan: plan, Options: opts, backend: backend}
	err := exceptions.TryCatch[error](func() {
		t.Trainer = train.NewTrainer(backend, ctx, model.ModelFn, LossFn, optimizer, nil, nil)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create trainer")
	}
	if opts.GradAccumSteps > 1 {
		if err = t.AccumulateGradients(opts.GradAccumSteps); err != nil {
			return nil, errors.WithMessagef(err, "failed to configure gradient accumulation")
		}
	}
	klog.V(1).Infof("Trainer: %s, lr=%g, weight_decay=%g, grad_accum_steps=%d",
		opts.OptimizerType(), opts.LearningRate, opts.WeightDecay, max(opts.GradAccumSteps, 1))
	return t, nil
}

// checkMomentsDType verifies the optimizer moments created by the plan have the dtype the optimizer uses.
func checkMomentsDType(plan *shard.Plan, momentsDType dtypes.DType) error {
	for _, path := range plan.OptimizerPaths() {
		for _, slot := range []shard.Slot{shard.SlotMoment1, shard.SlotMoment2} {
			v := plan.SlotVariable(path, slot)
			if v != nil && v.DType() != momentsDType {
				return errors.Errorf("optimizer %s of %q is %s, but the optimizer moments are %s: build the plan with "+
					"TrainerOptions.PlanOptions()", slot, path, v.DType(), momentsDType)
			}
		}
	}
	return nil
}

// TrainDataset returns the infinite, shuffled train dataset of batchSize examples per train step.
//
// With sharding enabled, each step is assembled from one batch of batchSize/dp examples per data-parallel
// shard, and the inputs and labels are sharded along their batch axis.
func (t *Trainer) TrainDataset(prepared *data.Dataset, batchSize int, seed int64) (train.Dataset, error) {
	if !t.Plan.Enabled {
		ds, err := prepared.NewTrainDataset(t.backend, batchSize, seed)
		if err != nil {
			return nil, err
		}
		return ds, nil
	}
	dataParallel := t.Plan.Mesh.AxesSizes()[0]
	if batchSize%dataParallel != 0 {
		return nil, errors.Errorf("train batch size %d is not divisible by the data parallelism %d",
			batchSize, dataParallel)
	}
	source, err := prepared.NewTrainDataset(t.backend, batchSize/dataParallel, seed)
	if err != nil {
		return nil, err
	}
	inputSpec, err := t.Plan.InputSpec()
	if err != nil {
		return nil, err
	}
	specs := []*distributed.ShardingSpec{inputSpec}
	ds, err := datasets.NewDistributedAccumulator(t.backend, source, distributed.AutoSharding, specs, specs, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create the distributed train dataset")
	}
	return ds, nil
}

// LoadCheckpoint loads the most recent checkpoint in dir into ctx, immediately. It fails if there is none.
func LoadCheckpoint(ctx *context.Context, dir string) error {
	handler, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	klog.Infof("Loaded checkpoint from %s (global step %d)", handler.Dir(), optimizers.GetGlobalStep(ctx))
	return nil
}
