// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package seq2seq

import (
	gocontext "context"
	"io"
	"math"

	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/dtensor"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/decode/sample"
	"github.com/gomlx/t5train/internal/data"
	"github.com/gomlx/t5train/internal/shard"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GenerateOptions for Inference.Generate.
type GenerateOptions struct {
	// DoSample draws each token from the model distribution. Otherwise, tokens are chosen greedily.
	DoSample bool

	// NumBeams must be 1 (or 0): beam search is not supported.
	NumBeams int

	// MaxInputLength truncates the prompts, MaxOutputLength bounds the generated tokens.
	MaxInputLength  int
	MaxOutputLength int

	// TruncInputsLast keeps the first MaxInputLength tokens of over-length prompts, dropping the end.
	// Otherwise, the start is dropped. It should match data.PrepareOptions.TruncInputsLast of training.
	TruncInputsLast bool

	// BatchSize is the number of prompts generated at once. Defaults to 32.
	BatchSize int

	// Seed of the random number generator used when sampling. The context random number generator,
	// used by training, is not affected.
	Seed int64
}

// LossMetrics is the loss breakdown returned by Inference.EvalLoss.
type LossMetrics struct {
	// Loss is the mean negative log-likelihood per target token.
	Loss       float64
	Perplexity float64

	NumExamples int
	NumTokens   int
}

// Map returns the metrics keyed by name.
func (m LossMetrics) Map() map[string]float64 {
	return map[string]float64{
		"loss":         m.Loss,
		"perplexity":   m.Perplexity,
		"num_examples": float64(m.NumExamples),
		"num_tokens":   float64(m.NumTokens),
	}
}

// Inference computes the evaluation loss and generates outputs with the model variables in the context.
//
// It shares the context (and hence the variables) with the Trainer, so it always uses the latest parameters.
// With sharding enabled, its computations are executed over the mesh of the Plan, with parameters
// sharded as the Plan dictates and everything else replicated.
type Inference struct {
	Model     *Model
	Plan      *shard.Plan
	Tokenizer data.Tokenizer

	backend backends.Backend
	ctx     *context.Context

	lossExec               *executor
	encodeExec             *executor
	greedyExec, sampleExec *executor
}

// NewInference creates the inference object for the model variables in ctx.
func NewInference(backend backends.Backend, ctx *context.Context, model *Model, plan *shard.Plan,
	tokenizer data.Tokenizer) (*Inference, error) {
	if err := plan.Apply(); err != nil {
		return nil, err
	}
	inf := &Inference{Model: model, Plan: plan, Tokenizer: tokenizer, backend: backend, ctx: ctx}
	var err error
	inf.lossExec, err = newExecutor(backend, ctx, plan, inf.lossGraph)
	if err != nil {
		return nil, err
	}
	inf.encodeExec, err = newExecutor(backend, ctx, plan, func(ctx *context.Context, inputs []*Node) []*Node {
		return []*Node{inf.Model.Encode(ctx, inputs[0], inputs[1])}
	})
	if err != nil {
		return nil, err
	}
	inf.greedyExec, err = newExecutor(backend, ctx, plan, func(ctx *context.Context, inputs []*Node) []*Node {
		return inf.nextTokenGraph(ctx, inputs, false)
	})
	if err != nil {
		return nil, err
	}
	inf.sampleExec, err = newExecutor(backend, ctx, plan, func(ctx *context.Context, inputs []*Node) []*Node {
		return inf.nextTokenGraph(ctx, inputs, true)
	})
	if err != nil {
		return nil, err
	}
	return inf, nil
}

// lossGraph returns the sum of the target negative log-likelihoods and the number of targets.
// Inputs are the inputs followed by the labels of a data.Batch.
func (inf *Inference) lossGraph(ctx *context.Context, inputs []*Node) []*Node {
	logits := inf.Model.Logits(ctx, inputs[0], inputs[1], inputs[2])
	nll, weights := TokenLosses(logits, inputs[3], inputs[4])
	return []*Node{ReduceAllSum(nll), ReduceAllSum(weights)}
}

// samplingRNG draws random values from an RNG state carried as a graph input and output, instead of the
// context random number generator.
type samplingRNG struct {
	state *Node
}

// RandomUniform implements sample.RNG.
func (r *samplingRNG) RandomUniform(_ *Graph, shape shapes.Shape) *Node {
	var values *Node
	r.state, values = RandomUniform(r.state, shape)
	return values
}

// nextTokenGraph returns the token [batch] predicted at the given position of the decoder ids.
// Inputs are the encoded inputs, the input mask, the decoder ids and the scalar position. When sampling,
// the RNG state is an extra input, and its updated value an extra output.
func (inf *Inference) nextTokenGraph(ctx *context.Context, inputs []*Node, doSample bool) []*Node {
	encoded, inputMask, decoderIDs, position := inputs[0], inputs[1], inputs[2], inputs[3]
	g := decoderIDs.Graph()
	logits := inf.Model.Decode(ctx, encoded, inputMask, decoderIDs)
	decoderLen := decoderIDs.Shape().Dim(1)
	atPosition := Equal(Iota(g, shapes.Make(dtypes.Int32, decoderLen), 0), position)
	logits = Einsum("blv,l->bv", logits, ConvertDType(atPosition, logits.DType()))
	if doSample {
		rng := &samplingRNG{state: inputs[4]}
		token := sample.Temperature(rng, logits, 1.0)
		return []*Node{token, rng.state}
	}
	return []*Node{sample.Greedy(logits)}
}

// EvalLoss computes the loss over every example of the dataset exactly once, in batches of batchSize.
//
// The loss graph has no randomness: seed only identifies the evaluation in the logs, and the context
// random number generator is left untouched.
func (inf *Inference) EvalLoss(ctx gocontext.Context, ds *data.Dataset, batchSize int, seed int64) (LossMetrics, error) {
	var metrics LossMetrics
	if ds.Len() == 0 {
		return metrics, nil
	}
	evalDS, err := ds.NewEvalDataset(inf.backend, batchSize)
	if err != nil {
		return metrics, err
	}
	var sumNLL, numTokens float64
	for {
		if err := ctx.Err(); err != nil {
			return metrics, errors.Wrap(err, "evaluation loss interrupted")
		}
		_, inputs, labels, err := evalDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return metrics, errors.WithMessagef(err, "failed to read evaluation batch")
		}
		outputs, err := inf.lossExec.run(append(inputs, labels...)...)
		if err != nil {
			return metrics, errors.WithMessagef(err, "failed to compute evaluation loss")
		}
		sumNLL += float64(tensors.ToScalar[float32](outputs[0]))
		numTokens += float64(tensors.ToScalar[float32](outputs[1]))
		metrics.NumExamples += inputs[0].Shape().Dim(0)
		finalize(inputs, labels, outputs)
	}
	metrics.NumTokens = int(numTokens)
	if numTokens > 0 {
		metrics.Loss = sumNLL / numTokens
	}
	metrics.Perplexity = math.Exp(metrics.Loss)
	klog.V(1).Infof("Evaluation loss %.4f over %d examples (%d tokens), seed %d",
		metrics.Loss, metrics.NumExamples, metrics.NumTokens, seed)
	return metrics, nil
}

// Generate outputs for the prompts, in the same order.
//
// Generation of a prompt stops at the end-of-sentence token, which is not included in the output,
// or after MaxOutputLength-1 tokens.
func (inf *Inference) Generate(ctx gocontext.Context, prompts []string, opts GenerateOptions) ([]string, error) {
	if opts.NumBeams > 1 {
		return nil, errors.Errorf("beam search (num_beams=%d) is not supported", opts.NumBeams)
	}
	cfg := inf.Model.Config
	if opts.MaxInputLength <= 0 || opts.MaxInputLength > cfg.MaxInputLength {
		return nil, errors.Errorf("max input length %d must be in [1, %d]", opts.MaxInputLength, cfg.MaxInputLength)
	}
	if opts.MaxOutputLength < 2 || opts.MaxOutputLength > cfg.MaxOutputLength {
		return nil, errors.Errorf("max output length %d must be in [2, %d]", opts.MaxOutputLength, cfg.MaxOutputLength)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	var rngState *tensors.Tensor
	if opts.DoSample {
		var err error
		if rngState, err = RNGStateFromSeed(opts.Seed); err != nil {
			return nil, errors.WithMessagef(err, "failed to seed the sampling")
		}
		defer func() { finalize([]*tensors.Tensor{rngState}) }()
	}

	outputs := make([]string, 0, len(prompts))
	for start := 0; start < len(prompts); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(prompts))
		generated, err := inf.generateBatch(ctx, prompts[start:end], opts, &rngState)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, generated...)
	}
	return outputs, nil
}

// generateBatch encodes the prompts once and then decodes one token per step. If sampling, rngState is
// updated after each step.
func (inf *Inference) generateBatch(ctx gocontext.Context, prompts []string, opts GenerateOptions,
	rngState **tensors.Tensor) ([]string, error) {
	batchSize := len(prompts)
	inputLen := opts.MaxInputLength
	decoderLen := opts.MaxOutputLength - 1
	pad := int32(inf.Tokenizer.PadID())
	eos := int32(inf.Tokenizer.EOSID())

	inputIDs := make([]int32, batchSize*inputLen)
	inputMask := make([]bool, batchSize*inputLen)
	for ii := range inputIDs {
		inputIDs[ii] = pad
	}
	for row, prompt := range prompts {
		ids := data.Truncate(inf.Tokenizer.Encode(prompt), inputLen, opts.TruncInputsLast)
		for ii, id := range ids {
			inputIDs[row*inputLen+ii] = int32(id)
			inputMask[row*inputLen+ii] = true
		}
	}
	inputIDsT := tensors.FromFlatDataAndDimensions(inputIDs, batchSize, inputLen)
	inputMaskT := tensors.FromFlatDataAndDimensions(inputMask, batchSize, inputLen)
	encodedOutputs, err := inf.encodeExec.run(inputIDsT, inputMaskT)
	finalize([]*tensors.Tensor{inputIDsT})
	if err != nil {
		finalize([]*tensors.Tensor{inputMaskT})
		return nil, errors.WithMessagef(err, "failed to encode prompts")
	}
	encoded := encodedOutputs[0]
	defer finalize([]*tensors.Tensor{encoded, inputMaskT})

	// Position 0 holds the decoder start token, the pad token as in training.
	decoderIDs := make([]int32, batchSize*decoderLen)
	for ii := range decoderIDs {
		decoderIDs[ii] = pad
	}
	generated := make([][]int, batchSize)
	done := make([]bool, batchSize)
	numDone := 0
	for position := 0; position < decoderLen && numDone < batchSize; position++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "generation interrupted")
		}
		decoderIDsT := tensors.FromFlatDataAndDimensions(decoderIDs, batchSize, decoderLen)
		positionT := tensors.FromScalar(int32(position))
		var results []*tensors.Tensor
		if opts.DoSample {
			results, err = inf.sampleExec.run(encoded, inputMaskT, decoderIDsT, positionT, *rngState)
			if err == nil {
				finalize([]*tensors.Tensor{*rngState})
				*rngState = results[1]
				results = results[:1]
			}
		} else {
			results, err = inf.greedyExec.run(encoded, inputMaskT, decoderIDsT, positionT)
		}
		finalize([]*tensors.Tensor{decoderIDsT, positionT})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to generate token at position %d", position)
		}
		next := results[0].Value().([]int32)
		for row, token := range next {
			if done[row] {
				continue
			}
			if token == eos {
				done[row] = true
				numDone++
				continue
			}
			generated[row] = append(generated[row], int(token))
			if position+1 < decoderLen {
				decoderIDs[row*decoderLen+position+1] = token
			}
		}
		finalize(results)
	}

	texts := make([]string, batchSize)
	for row, ids := range generated {
		texts[row] = inf.Tokenizer.Decode(ids)
	}
	return texts, nil
}

// executor runs a graph either on a single device or, if the plan is enabled, over its mesh.
type executor struct {
	exec       *context.Exec
	replicated *distributed.ShardingSpec
}

func newExecutor(backend backends.Backend, ctx *context.Context, plan *shard.Plan,
	fn func(ctx *context.Context, inputs []*Node) []*Node) (*executor, error) {
	exec, err := context.NewExec(backend, ctx, fn)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executor")
	}
	e := &executor{exec: exec}
	if !plan.Enabled {
		return e, nil
	}
	e.replicated = plan.ReplicatedSpec()
	e.exec = exec.AutoSharding(plan.Mesh).
		WithInputShardingSpecs(e.replicated).
		WithOutputShardingSpecs(e.replicated)
	if err = e.exec.SetDefaultShardingSpec(e.replicated); err != nil {
		return nil, errors.WithMessagef(err, "failed to configure distributed executor")
	}
	return e, nil
}

// run executes the graph and returns its outputs as local tensors.
func (e *executor) run(args ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	if e.replicated == nil {
		anyArgs := make([]any, len(args))
		for ii, arg := range args {
			anyArgs[ii] = arg
		}
		return e.exec.Exec(anyArgs...)
	}

	anyArgs := make([]any, len(args))
	for ii, arg := range args {
		dt, err := dtensor.ShardTensor(e.replicated, arg)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to replicate input #%d", ii)
		}
		anyArgs[ii] = dt
	}
	distOutputs, err := e.exec.DistributedExec(anyArgs...)
	if err != nil {
		return nil, err
	}
	outputs := make([]*tensors.Tensor, len(distOutputs))
	for ii, dt := range distOutputs {
		outputs[ii], err = dt.Merge()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to merge output #%d", ii)
		}
	}
	return outputs, nil
}

// finalize frees the tensors.
func finalize(groups ...[]*tensors.Tensor) {
	for _, group := range groups {
		for _, t := range group {
			if err := t.FinalizeAll(); err != nil {
				klog.V(2).Infof("failed to finalize tensor: %v", err)
			}
		}
	}
}
