// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shard_test

import (
	"regexp"
	"testing"

	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/t5train/internal/mesh"
	"github.com/gomlx/t5train/internal/seq2seq"
	"github.com/gomlx/t5train/internal/shard"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyModelContext(t *testing.T) *context.Context {
	t.Helper()
	cfg := seq2seq.DefaultConfig()
	cfg.VocabSize = 32
	cfg.DModel = 8
	cfg.DKV = 4
	cfg.DFF = 16
	cfg.NumHeads = 2
	cfg.NumLayers = 1
	cfg.NumDecoderLayers = 1
	cfg.MaxInputLength = 6
	cfg.MaxOutputLength = 5
	model := must.M1(seq2seq.NewModel(cfg))
	ctx := context.New()
	require.NoError(t, model.DeclareVariables(ctx))
	return ctx
}

func TestRulesMatch(t *testing.T) {
	rules := shard.T5Rules()
	axes, found := rules.Match("/model/encoder/layer_0/attention/query/kernel")
	require.True(t, found)
	assert.Equal(t, []distributed.AxisSpec{nil, {mesh.ModelAxis}}, axes)

	axes, found = rules.Match("/model/decoder/layer_3/cross_attention/output/kernel")
	require.True(t, found)
	assert.Equal(t, []distributed.AxisSpec{{mesh.ModelAxis}}, axes)

	for _, path := range []string{"/model/encoder/layer_0/ffn/wi/kernel", "/model/decoder/layer_1/ffn/wi_0/kernel",
		"/model/decoder/layer_1/ffn/wi_1/kernel"} {
		axes, found = rules.Match(path)
		require.True(t, found, path)
		assert.Equal(t, []distributed.AxisSpec{nil, {mesh.ModelAxis}}, axes, path)
	}

	for _, path := range []string{"/model/encoder/layer_0/attention/norm/scale",
		"/model/decoder/relative_attention_bias/embeddings"} {
		_, found = rules.Match(path)
		assert.False(t, found, path)
	}

	// First match wins.
	rules = shard.Rules{
		{regexp.MustCompile(`kernel$`), []distributed.AxisSpec{{mesh.DataAxis}}},
		{regexp.MustCompile(`query/kernel$`), []distributed.AxisSpec{{mesh.ModelAxis}}},
	}
	axes, _ = rules.Match("/model/x/query/kernel")
	assert.Equal(t, []distributed.AxisSpec{{mesh.DataAxis}}, axes)
}

func TestNewPlanDisabled(t *testing.T) {
	ctx := tinyModelContext(t)
	scope := must.M1(mesh.New(mesh.Config{DoPjit: false}, mesh.LocalDevices(1, 0, 1)))
	numVars := ctx.NumVariables()
	plan, err := shard.NewPlan(ctx, scope, shard.T5Rules(), shard.Options{OptimizerType: shard.AdamW})
	require.NoError(t, err)
	assert.False(t, plan.Enabled)
	assert.Nil(t, plan.ParamSpecs)
	assert.Nil(t, plan.OptimizerSpecs)
	assert.Equal(t, numVars, ctx.NumVariables(), "no optimizer state must be created")
	require.NoError(t, plan.Apply())
	spec, err := plan.InputSpec()
	require.NoError(t, err)
	assert.Nil(t, spec)
}

func TestNewPlanIsomorphic(t *testing.T) {
	for _, optimType := range []shard.OptimizerType{shard.AdamW, shard.AdamWMultiStep} {
		t.Run(optimType.String(), func(t *testing.T) {
			ctx := tinyModelContext(t)
			scope := must.M1(mesh.New(mesh.Config{DoPjit: true, DataParallel: 1, ModelParallel: 2}, mesh.LocalDevices(2, 0, 1)))
			plan, err := shard.NewPlan(ctx, scope, shard.T5Rules(), shard.Options{OptimizerType: optimType, MomentsDType: dtypes.Float32})
			require.NoError(t, err)
			require.True(t, plan.Enabled)

			paramPaths := plan.ParamPaths()
			assert.Equal(t, paramPaths, plan.OptimizerPaths())
			var numTrainable int
			for v := range ctx.IterVariables() {
				if v.Trainable {
					numTrainable++
				}
			}
			assert.Len(t, paramPaths, numTrainable)

			require.NoError(t, plan.Apply())
			for _, path := range paramPaths {
				scopeName, name := context.SplitScope(path)
				param := ctx.GetVariableByScopeAndName(scopeName, name)
				require.NotNil(t, param, path)
				assert.Same(t, plan.ParamSpecs[path], param.ShardingSpec(), path)
				require.Len(t, plan.OptimizerSpecs[path], len(optimType.Slots()))
				for _, slot := range optimType.Slots() {
					slotScope, slotName := shard.SlotPath(param, slot)
					slotVar := ctx.GetVariableByScopeAndName(slotScope, slotName)
					require.NotNil(t, slotVar, "%s of %s", slot, path)
					assert.Same(t, slotVar, plan.SlotVariable(path, slot))
					assert.Equal(t, param.Shape().Dimensions, slotVar.Shape().Dimensions)
					assert.False(t, slotVar.Trainable)
					assert.Same(t, param.ShardingSpec(), slotVar.ShardingSpec())
				}
			}

			embeddings := plan.ParamSpecs["/model/shared/embeddings"]
			require.NotNil(t, embeddings)
			assert.Equal(t, 2, embeddings.NumDevicesShardingAxis(1))
			assert.True(t, plan.ParamSpecs["/model/encoder/final_norm/scale"].IsReplicated())
			assert.True(t, plan.ParamSpecs["/model/encoder/relative_attention_bias/embeddings"].IsReplicated())

			inputSpec, err := plan.InputSpec()
			require.NoError(t, err)
			assert.Equal(t, []distributed.AxisSpec{{mesh.DataAxis}}, inputSpec.Axes)
		})
	}
}

func TestNewPlanIndivisible(t *testing.T) {
	ctx := tinyModelContext(t)
	// 2 heads can't be split over 3 devices.
	scope := must.M1(mesh.New(mesh.Config{DoPjit: true, DataParallel: 1, ModelParallel: 3}, mesh.LocalDevices(3, 0, 1)))
	_, err := shard.NewPlan(ctx, scope, shard.T5Rules(), shard.Options{OptimizerType: shard.AdamW})
	require.Error(t, err)
}

func TestNewPlanNoParameters(t *testing.T) {
	scope := must.M1(mesh.New(mesh.Config{DoPjit: true, DataParallel: 1, ModelParallel: 1}, mesh.LocalDevices(1, 0, 1)))
	_, err := shard.NewPlan(context.New(), scope, shard.T5Rules(), shard.Options{})
	require.Error(t, err)
}
