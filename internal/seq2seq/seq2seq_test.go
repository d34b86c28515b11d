// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package seq2seq

import (
	gocontext "context"
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/t5train/internal/data"
	"github.com/gomlx/t5train/internal/mesh"
	"github.com/gomlx/t5train/internal/shard"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.VocabSize = data.ByteTokenizer{}.VocabSize()
	cfg.DModel = 16
	cfg.DKV = 4
	cfg.DFF = 32
	cfg.NumHeads = 2
	cfg.NumLayers = 1
	cfg.NumDecoderLayers = 1
	cfg.MaxInputLength = 8
	cfg.MaxOutputLength = 6
	return cfg
}

var tinyPrepareOptions = data.PrepareOptions{
	MaxInputLength:   8,
	MaxOutputLength:  6,
	TruncInputsLast:  true,
	TruncOutputsLast: true,
}

func tinyDataset(t *testing.T, pairs []data.Pair) *data.Dataset {
	t.Helper()
	ds, err := data.Prepare(gocontext.Background(), data.ByteTokenizer{}, pairs, tinyPrepareOptions)
	require.NoError(t, err)
	return ds
}

// tinySetup creates the model variables and a disabled sharding plan.
func tinySetup(t *testing.T) (backends.Backend, *context.Context, *Model, *shard.Plan) {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	model := must.M1(NewModel(tinyConfig()))
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	require.NoError(t, model.DeclareVariables(ctx))
	scope := must.M1(mesh.New(mesh.Config{DoPjit: false}, mesh.LocalDevices(1, 0, 1)))
	plan := must.M1(shard.NewPlan(ctx, scope, shard.T5Rules(), shard.Options{}))
	return backend, ctx, model, plan
}

func TestParseHFConfig(t *testing.T) {
	cfg, err := ParseHFConfig([]byte(`{"vocab_size": 100, "d_model": 32, "d_kv": 8, "d_ff": 64,
		"num_layers": 3, "num_heads": 4, "decoder_start_token_id": 0, "eos_token_id": 1}`))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.VocabSize)
	assert.Equal(t, 3, cfg.NumLayers)
	assert.Equal(t, 3, cfg.NumDecoderLayers, "num_decoder_layers defaults to num_layers")
	assert.Equal(t, dtypes.Float32, cfg.DType)
	assert.Equal(t, FeedForwardRelu, cfg.FeedForwardProj)
	assert.True(t, cfg.TieWordEmbeddings)
	assert.Equal(t, 32, cfg.RelativeAttentionNumBuckets)

	cfg, err = ParseHFConfig([]byte(`{"vocab_size": 100, "d_model": 32, "d_kv": 8, "d_ff": 64, "num_layers": 2,
		"num_heads": 4, "feed_forward_proj": "gated-gelu", "tie_word_embeddings": false,
		"relative_attention_num_buckets": 16, "relative_attention_max_distance": 64}`))
	require.NoError(t, err)
	assert.True(t, cfg.IsGated())
	assert.Equal(t, "gelu", cfg.activation())
	assert.False(t, cfg.TieWordEmbeddings)
	assert.Equal(t, 16, cfg.RelativeAttentionNumBuckets)
	assert.Equal(t, 64, cfg.RelativeAttentionMaxDistance)

	_, err = ParseHFConfig([]byte(`{"feed_forward_proj": "swish"}`))
	require.Error(t, err)
	_, err = ParseHFConfig([]byte(`{"relative_attention_num_buckets": 32, "relative_attention_max_distance": 8}`))
	require.Error(t, err)

	_, err = ParseHFConfig([]byte(`{"d_model": 0}`))
	require.Error(t, err)
	_, err = ParseHFConfig([]byte(`not json`))
	require.Error(t, err)
}

func TestApplyContextParams(t *testing.T) {
	ctx := context.New()
	ctx.SetParam(ParamDModel, 24)
	ctx.SetParam(ParamNumLayers, 5)
	cfg := tinyConfig().ApplyContextParams(ctx)
	assert.Equal(t, 24, cfg.DModel)
	assert.Equal(t, 5, cfg.NumLayers)
	assert.Equal(t, tinyConfig().NumHeads, cfg.NumHeads)
}

func TestLogitsShape(t *testing.T) {
	backend, ctx, model, _ := tinySetup(t)
	ds := tinyDataset(t, []data.Pair{{InText: "abc", OutText: "de"}, {InText: "f", OutText: "ghijkl"}})
	batch := ds.Tensors()
	exec := must.M1(context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return model.Logits(ctx, inputs[0], inputs[1], inputs[2])
	}))
	logits := must.M1(exec.Exec(batch.Inputs[0], batch.Inputs[1], batch.Inputs[2]))[0]
	assert.Equal(t, dtypes.Float32, logits.DType())
	assert.Equal(t, []int{2, tinyPrepareOptions.DecoderLength(), tinyConfig().VocabSize}, logits.Shape().Dimensions)
}

func TestMaskedCrossEntropy(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const vocab = 4
	exec := must.M1(NewExec(backend, func(logits, targets, mask *Node) *Node {
		return MaskedCrossEntropy(logits, targets, mask)
	}))

	// Uniform logits: the loss is log(vocab) regardless of the targets.
	logits := tensors.FromValue([][][]float32{{{0, 0, 0, 0}, {0, 0, 0, 0}}})
	targets := tensors.FromValue([][]int32{{1, 3}})
	loss := tensors.ToScalar[float32](must.M1(exec.Exec(logits, targets, tensors.FromValue([][]bool{{true, false}})))[0])
	assert.InDelta(t, math.Log(vocab), float64(loss), 1e-5)

	// No target contributes: the loss is 0.
	loss = tensors.ToScalar[float32](must.M1(exec.Exec(logits, targets, tensors.FromValue([][]bool{{false, false}})))[0])
	assert.Equal(t, float32(0), loss)

	// Masked targets don't contribute.
	logits = tensors.FromValue([][][]float32{{{0, 10, 0, 0}, {10, 0, 0, 0}}})
	loss = tensors.ToScalar[float32](must.M1(exec.Exec(logits, targets, tensors.FromValue([][]bool{{true, false}})))[0])
	assert.Less(t, float64(loss), 1e-3)
}

func TestTrainer(t *testing.T) {
	backend, ctx, model, plan := tinySetup(t)
	pairs := []data.Pair{{InText: "ab", OutText: "ba"}, {InText: "cd", OutText: "dc"}}
	ds := tinyDataset(t, pairs)

	trainer, err := NewTrainer(backend, ctx, model, plan, TrainerOptions{LearningRate: 1e-2})
	require.NoError(t, err)
	assert.Equal(t, shard.AdamW, trainer.Options.OptimizerType())
	inference, err := NewInference(backend, ctx, model, plan, data.ByteTokenizer{})
	require.NoError(t, err)

	before, err := inference.EvalLoss(gocontext.Background(), ds, 2, 1)
	require.NoError(t, err)
	trainDS, err := trainer.TrainDataset(ds, 2, 1)
	require.NoError(t, err)
	for range 30 {
		_, inputs, labels, err := trainDS.Yield()
		require.NoError(t, err)
		_, err = trainer.TrainStep(nil, inputs, labels)
		require.NoError(t, err)
	}
	assert.Equal(t, 30, int(trainer.GlobalStep()))
	after, err := inference.EvalLoss(gocontext.Background(), ds, 2, 1)
	require.NoError(t, err)
	assert.Less(t, after.Loss, before.Loss, "memorizing two examples must reduce the loss")
}

func TestTrainerGradientAccumulation(t *testing.T) {
	backend, ctx, model, _ := tinySetup(t)
	scope := must.M1(mesh.New(mesh.Config{DoPjit: false}, mesh.LocalDevices(1, 0, 1)))
	opts := TrainerOptions{LearningRate: 1e-3, GradAccumSteps: 2}
	plan := must.M1(shard.NewPlan(ctx, scope, shard.T5Rules(), shard.Options{OptimizerType: opts.OptimizerType()}))
	trainer, err := NewTrainer(backend, ctx, model, plan, opts)
	require.NoError(t, err)
	assert.Equal(t, shard.AdamWMultiStep, opts.OptimizerType())
	assert.Equal(t, 2, trainer.NumAccumulatingSteps())

	ds := tinyDataset(t, []data.Pair{{InText: "x", OutText: "y"}})
	batch := ds.Tensors()
	for range 4 {
		_, err = trainer.TrainStep(nil, batch.Inputs, batch.Labels)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, int(trainer.GlobalStep()), "one update every two steps")

	_, err = NewTrainer(backend, ctx, model, plan, TrainerOptions{})
	require.Error(t, err, "learning rate must be set")
}

func TestTrainerMomentsDType(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := tinyConfig()
	cfg.DType = dtypes.BFloat16
	model := must.M1(NewModel(cfg))
	opts := TrainerOptions{LearningRate: 1e-3}
	newPlan := func(ctx *context.Context, planOpts shard.Options) *shard.Plan {
		require.NoError(t, model.DeclareVariables(ctx))
		scope := must.M1(mesh.New(mesh.Config{DoPjit: true, DataParallel: 1, ModelParallel: 1}, mesh.LocalDevices(1, 0, 1)))
		return must.M1(shard.NewPlan(ctx, scope, shard.T5Rules(), planOpts))
	}

	ctx := context.New()
	plan := newPlan(ctx, opts.PlanOptions())
	require.NotEmpty(t, plan.OptimizerPaths())
	for _, path := range plan.OptimizerPaths() {
		assert.Equal(t, dtypes.BFloat16, ctx.GetVariableByScopeAndName(context.SplitScope(path)).DType(), path)
		for _, slot := range []shard.Slot{shard.SlotMoment1, shard.SlotMoment2} {
			assert.Equal(t, DefaultMomentsDType, plan.SlotVariable(path, slot).DType(), "%s of %s", slot, path)
		}
	}
	trainer, err := NewTrainer(backend, ctx, model, plan, opts)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, trainer.Options.MomentsDType)

	// Moments created in the parameters dtype don't match the optimizer's.
	ctx = context.New()
	plan = newPlan(ctx, shard.Options{OptimizerType: opts.OptimizerType()})
	_, err = NewTrainer(backend, ctx, model, plan, opts)
	require.Error(t, err)
}

func TestEvalLossVisitsAllExamples(t *testing.T) {
	backend, ctx, model, plan := tinySetup(t)
	inference := must.M1(NewInference(backend, ctx, model, plan, data.ByteTokenizer{}))
	pairs := []data.Pair{
		{InText: "a", OutText: "1"},
		{InText: "b", OutText: "22"},
		{InText: "c", OutText: "333"},
		{InText: "d", OutText: "4444"},
		{InText: "e", OutText: ""},
	}
	ds := tinyDataset(t, pairs)
	var wantTokens int
	for _, example := range ds.Examples {
		wantTokens += len(example.OutputIDs) - 1
	}

	for _, batchSize := range []int{1, 2, 3, 10} {
		metrics, err := inference.EvalLoss(gocontext.Background(), ds, batchSize, 7)
		require.NoError(t, err)
		assert.Equal(t, len(pairs), metrics.NumExamples, "batch size %d", batchSize)
		assert.Equal(t, wantTokens, metrics.NumTokens, "batch size %d", batchSize)
		assert.Greater(t, metrics.Loss, 0.0)
		assert.InDelta(t, math.Exp(metrics.Loss), metrics.Perplexity, 1e-9)
	}

	empty, err := inference.EvalLoss(gocontext.Background(), &data.Dataset{}, 4, 7)
	require.NoError(t, err)
	assert.Zero(t, empty.NumExamples)

	cancelled, cancel := gocontext.WithCancel(gocontext.Background())
	cancel()
	_, err = inference.EvalLoss(cancelled, ds, 2, 7)
	require.Error(t, err)
}

func TestGenerate(t *testing.T) {
	backend, ctx, model, plan := tinySetup(t)
	inference := must.M1(NewInference(backend, ctx, model, plan, data.ByteTokenizer{}))
	prompts := []string{"hello", "a", "a much longer prompt that is truncated"}
	opts := GenerateOptions{MaxInputLength: 8, MaxOutputLength: 6, BatchSize: 2, Seed: 3}

	greedy, err := inference.Generate(gocontext.Background(), prompts, opts)
	require.NoError(t, err)
	require.Len(t, greedy, len(prompts))
	for _, output := range greedy {
		assert.LessOrEqual(t, len(output), opts.MaxOutputLength-1)
	}
	again := must.M1(inference.Generate(gocontext.Background(), prompts, opts))
	assert.Equal(t, greedy, again, "greedy generation is deterministic")

	opts.DoSample = true
	sampled := must.M1(inference.Generate(gocontext.Background(), prompts, opts))
	require.Len(t, sampled, len(prompts))
	assert.Equal(t, sampled, must.M1(inference.Generate(gocontext.Background(), prompts, opts)),
		"sampling with the same seed is reproducible")

	opts.NumBeams = 4
	_, err = inference.Generate(gocontext.Background(), prompts, opts)
	require.Error(t, err)

	opts.NumBeams = 1
	opts.MaxOutputLength = 100
	_, err = inference.Generate(gocontext.Background(), prompts, opts)
	require.Error(t, err)

	none, err := inference.Generate(gocontext.Background(), nil, GenerateOptions{MaxInputLength: 8, MaxOutputLength: 6})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLoadCheckpoint(t *testing.T) {
	_, ctx, _, _ := tinySetup(t)
	err := LoadCheckpoint(ctx, t.TempDir())
	require.Error(t, err, "an empty directory has no checkpoint to load")
}

func TestGenerateTruncatesPrompts(t *testing.T) {
	backend, ctx, model, plan := tinySetup(t)
	inference := must.M1(NewInference(backend, ctx, model, plan, data.ByteTokenizer{}))
	const long = "0123456789abcdef"
	opts := GenerateOptions{MaxInputLength: 8, MaxOutputLength: 6}
	generate := func(prompt string, truncInputsLast bool) string {
		opts.TruncInputsLast = truncInputsLast
		return must.M1(inference.Generate(gocontext.Background(), []string{prompt}, opts))[0]
	}

	// Prompts that fit are not affected by the truncation side.
	assert.Equal(t, generate(long[:8], true), generate(long[:8], false))
	assert.Equal(t, generate(long[8:], true), generate(long[8:], false))

	assert.Equal(t, generate(long[:8], true), generate(long, true), "the start of the prompt is kept")
	assert.Equal(t, generate(long[8:], true), generate(long, false), "the end of the prompt is kept")
}

func TestInferenceKeepsContextRNG(t *testing.T) {
	backend, ctx, model, plan := tinySetup(t)
	inference := must.M1(NewInference(backend, ctx, model, plan, data.ByteTokenizer{}))
	rngState := func() []uint64 {
		v := ctx.GetVariableByScopeAndName(context.RootScope, context.RNGStateVariableName)
		require.NotNil(t, v)
		return tensors.MustCopyFlatData[uint64](must.M1(v.Value()))
	}
	before := rngState()

	ds := tinyDataset(t, []data.Pair{{InText: "ab", OutText: "cd"}})
	_, err := inference.EvalLoss(gocontext.Background(), ds, 1, 5)
	require.NoError(t, err)
	opts := GenerateOptions{MaxInputLength: 8, MaxOutputLength: 6, DoSample: true, Seed: 11}
	prompts := []string{"one", "two", "three"}
	first := must.M1(inference.Generate(gocontext.Background(), prompts, opts))
	assert.Equal(t, before, rngState(), "evaluation and generation must not reseed the training RNG")

	// Each call restarts from its seed, also when the sampling state carries over batches.
	assert.Equal(t, first, must.M1(inference.Generate(gocontext.Background(), prompts, opts)))
	opts.BatchSize = 1
	perPrompt := must.M1(inference.Generate(gocontext.Background(), prompts, opts))
	assert.Equal(t, perPrompt, must.M1(inference.Generate(gocontext.Background(), prompts, opts)))
	assert.Equal(t, before, rngState())
}

func TestGenerateMatchesLogits(t *testing.T) {
	backend, ctx, model, plan := tinySetup(t)
	inference := must.M1(NewInference(backend, ctx, model, plan, data.ByteTokenizer{}))
	prompts := []string{"abc", "hello wo"}
	opts := GenerateOptions{MaxInputLength: 8, MaxOutputLength: 6}
	generated := must.M1(inference.Generate(gocontext.Background(), prompts, opts))

	// Greedy decoding with the full encoder-decoder on the generated prefix picks the same first token.
	tokenizer := data.ByteTokenizer{}
	exec := must.M1(context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		logits := model.Logits(ctx, inputs[0], inputs[1], inputs[2])
		return ArgMax(Slice(logits, AxisRange(), AxisElem(0)), -1, dtypes.Int32)
	}))
	for ii, prompt := range prompts {
		ids := tokenizer.Encode(prompt)
		inputIDs := make([]int32, opts.MaxInputLength)
		inputMask := make([]bool, opts.MaxInputLength)
		for jj, id := range ids {
			inputIDs[jj], inputMask[jj] = int32(id), true
		}
		decoderIDs := make([]int32, opts.MaxOutputLength-1)
		first := must.M1(exec.Exec([][]int32{inputIDs}, [][]bool{inputMask}, [][]int32{decoderIDs}))[0]
		firstID := int(tensors.MustCopyFlatData[int32](first)[0])
		if firstID == tokenizer.EOSID() {
			assert.Empty(t, generated[ii], "prompt %q", prompt)
			continue
		}
		assert.True(t, strings.HasPrefix(generated[ii], tokenizer.Decode([]int{firstID})),
			"prompt %q generated %q, first token %d", prompt, generated[ii], firstID)
	}
}

// twoDeviceBackend returns the test backend, or skips the test if it has fewer than 2 devices.
func twoDeviceBackend(t *testing.T) backends.Backend {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	if backend.NumDevices() < 2 {
		t.Skipf("backend %q has %d device(s), sharding tests require 2", backend.Name(), backend.NumDevices())
	}
	return backend
}

func TestExecutorSharded(t *testing.T) {
	backend := twoDeviceBackend(t)
	_, ctx, _, _ := tinySetup(t)
	scope := must.M1(mesh.New(mesh.Config{DoPjit: true, DataParallel: 2, ModelParallel: 1}, mesh.LocalDevices(2, 0, 1)))
	plan := must.M1(shard.NewPlan(ctx, scope, shard.T5Rules(), shard.Options{}))
	require.True(t, plan.Enabled)
	require.NoError(t, plan.Apply())

	e, err := newExecutor(backend, ctx, plan, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{ReduceAllSum(inputs[0]), MulScalar(inputs[1], 2)}
	})
	require.NoError(t, err)
	require.NotNil(t, e.replicated, "an enabled plan runs over the mesh")
	outputs, err := e.run(tensors.FromValue([][]float32{{1, 2}, {3, 4}}), tensors.FromValue([]int32{5, 6, 7}))
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.Equal(t, float32(10), tensors.ToScalar[float32](outputs[0]))
	assert.Equal(t, []int32{10, 12, 14}, outputs[1].Value())
}

func TestShardedTrainAndInference(t *testing.T) {
	backend := twoDeviceBackend(t)
	pairs := []data.Pair{
		{InText: "ab", OutText: "ba"},
		{InText: "cd", OutText: "dc"},
		{InText: "ef", OutText: "fe"},
		{InText: "gh", OutText: "hg"},
	}
	for _, axes := range []struct {
		name   string
		dp, mp int
	}{
		{"data-parallel", 2, 1},
		{"model-parallel", 1, 2},
	} {
		t.Run(axes.name, func(t *testing.T) {
			model := must.M1(NewModel(tinyConfig()))
			ctx := context.New()
			ctx.SetRNGStateFromSeed(42)
			require.NoError(t, model.DeclareVariables(ctx))
			scope := must.M1(mesh.New(mesh.Config{DoPjit: true, DataParallel: axes.dp, ModelParallel: axes.mp},
				mesh.LocalDevices(2, 0, 1)))
			opts := TrainerOptions{LearningRate: 1e-2}
			plan := must.M1(shard.NewPlan(ctx, scope, shard.T5Rules(), opts.PlanOptions()))
			require.True(t, plan.Enabled)
			ds := tinyDataset(t, pairs)

			require.NoError(t, scope.Within(func() error {
				trainer, err := NewTrainer(backend, ctx, model, plan, opts)
				require.NoError(t, err)
				inference, err := NewInference(backend, ctx, model, plan, data.ByteTokenizer{})
				require.NoError(t, err)
				for path, spec := range plan.ParamSpecs {
					assert.Same(t, spec, ctx.GetVariableByScopeAndName(context.SplitScope(path)).ShardingSpec(), path)
				}

				before, err := inference.EvalLoss(gocontext.Background(), ds, 3, 1)
				require.NoError(t, err)
				assert.Equal(t, len(pairs), before.NumExamples)

				if axes.dp > 1 {
					_, err = trainer.TrainDataset(ds, 3, 1)
					require.Error(t, err, "the batch must split evenly over the data-parallel shards")
				}
				trainDS, err := trainer.TrainDataset(ds, 2, 1)
				require.NoError(t, err)
				_, isDistributed := trainDS.(train.DistributedDataset)
				assert.True(t, isDistributed)
				loop := train.NewLoop(trainer.Trainer)
				_, err = loop.RunSteps(trainDS, 30)
				require.NoError(t, err)
				assert.Equal(t, 30, int(trainer.GlobalStep()))

				after, err := inference.EvalLoss(gocontext.Background(), ds, 3, 1)
				require.NoError(t, err)
				assert.Less(t, after.Loss, before.Loss, "training over the mesh must reduce the loss")

				prompts := []string{"ab", "cd", "ef"}
				genOpts := GenerateOptions{MaxInputLength: 8, MaxOutputLength: 6, BatchSize: 2, Seed: 3}
				greedy, err := inference.Generate(gocontext.Background(), prompts, genOpts)
				require.NoError(t, err)
				require.Len(t, greedy, len(prompts))
				genOpts.DoSample = true
				sampled, err := inference.Generate(gocontext.Background(), prompts, genOpts)
				require.NoError(t, err)
				require.Len(t, sampled, len(prompts))
				return nil
			}))
		})
	}
}
