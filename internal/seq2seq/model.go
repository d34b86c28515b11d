// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package seq2seq implements the T5 encoder-decoder model, the loading of its pretrained weights,
// and the trainer and inference objects built around it.
package seq2seq

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// ModelScope is the scope of all model parameters.
const ModelScope = "model"

// Model builds the computation graph of the encoder-decoder.
//
// All parameters are created with explicit shapes, so DeclareVariables can create them without building
// a graph, before they are sharded.
type Model struct {
	Config Config
}

// NewModel returns a model for the configuration.
func NewModel(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{Config: cfg}, nil
}

type attentionParams struct {
	norm                      *context.Variable
	query, key, value, output *context.Variable
}

type blockParams struct {
	self, cross attentionParams
	ffnNorm     *context.Variable

	// wi is used by the plain feed-forward, wiGate and wiLinear by the gated one.
	wi, wiGate, wiLinear, wo *context.Variable
}

type stackParams struct {
	// positionBias [buckets, heads] is shared by the self-attention of all blocks of the stack.
	positionBias *context.Variable
	blocks       []blockParams
	finalNorm    *context.Variable
}

type modelParams struct {
	embeddings       *context.Variable
	encoder, decoder stackParams

	// lmHead is nil when the output projection is tied to the embeddings.
	lmHead *context.Variable
}

// params creates or fetches all the model variables.
//
// Initialization follows T5: since attention scores are not scaled, the query kernels are initialized
// with a 1/sqrt(d_kv) smaller scale.
func (m *Model) params(ctx *context.Context) *modelParams {
	cfg := m.Config
	ctx = ctx.In(ModelScope).Checked(false)
	dtype := cfg.DType
	normal := func(ctx *context.Context, fanIn int) *context.Context {
		return ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0/math.Sqrt(float64(fanIn))))
	}
	kernel := func(ctx *context.Context, name string, fanIn int, dims ...int) *context.Variable {
		return normal(ctx, fanIn).In(name).VariableWithShape("kernel", shapes.Make(dtype, dims...))
	}
	scale := func(ctx *context.Context) *context.Variable {
		return ctx.WithInitializer(initializers.One).VariableWithShape("scale", shapes.Make(dtype, cfg.DModel))
	}
	attention := func(ctx *context.Context) attentionParams {
		return attentionParams{
			norm:   scale(ctx.In("norm")),
			query:  kernel(ctx, "query", cfg.DModel*cfg.DKV, cfg.DModel, cfg.NumHeads, cfg.DKV),
			key:    kernel(ctx, "key", cfg.DModel, cfg.DModel, cfg.NumHeads, cfg.DKV),
			value:  kernel(ctx, "value", cfg.DModel, cfg.DModel, cfg.NumHeads, cfg.DKV),
			output: kernel(ctx, "output", cfg.NumHeads*cfg.DKV, cfg.NumHeads, cfg.DKV, cfg.DModel),
		}
	}
	stack := func(ctx *context.Context, numLayers int, withCross bool) stackParams {
		sp := stackParams{
			positionBias: normal(ctx, cfg.DModel).In("relative_attention_bias").
				VariableWithShape("embeddings", shapes.Make(dtype, cfg.RelativeAttentionNumBuckets, cfg.NumHeads)),
			blocks:    make([]blockParams, numLayers),
			finalNorm: scale(ctx.In("final_norm")),
		}
		for ii := range numLayers {
			layerCtx := ctx.In(fmt.Sprintf("layer_%d", ii))
			block := &sp.blocks[ii]
			block.self = attention(layerCtx.In("attention"))
			if withCross {
				block.cross = attention(layerCtx.In("cross_attention"))
			}
			ffnCtx := layerCtx.In("ffn")
			block.ffnNorm = scale(ffnCtx.In("norm"))
			if cfg.IsGated() {
				block.wiGate = kernel(ffnCtx, "wi_0", cfg.DModel, cfg.DModel, cfg.DFF)
				block.wiLinear = kernel(ffnCtx, "wi_1", cfg.DModel, cfg.DModel, cfg.DFF)
			} else {
				block.wi = kernel(ffnCtx, "wi", cfg.DModel, cfg.DModel, cfg.DFF)
			}
			block.wo = kernel(ffnCtx, "wo", cfg.DFF, cfg.DFF, cfg.DModel)
		}
		return sp
	}
	p := &modelParams{
		embeddings: ctx.In("shared").WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
			VariableWithShape("embeddings", shapes.Make(dtype, cfg.VocabSize, cfg.DModel)),
		encoder: stack(ctx.In("encoder"), cfg.NumLayers, false),
		decoder: stack(ctx.In("decoder"), cfg.NumDecoderLayers, true),
	}
	if !cfg.TieWordEmbeddings {
		p.lmHead = kernel(ctx, "lm_head", cfg.DModel, cfg.DModel, cfg.VocabSize)
	}
	return p
}

// DeclareVariables creates all the model variables in the context, without initializing them.
// Variables already present (e.g. loaded from a checkpoint) are kept, but their shapes must match.
func (m *Model) DeclareVariables(ctx *context.Context) error {
	return exceptions.TryCatch[error](func() { m.params(ctx) })
}

// rmsNorm normalizes the last axis, as T5's layer norm: no centering and no bias.
func (m *Model) rmsNorm(scaleVar *context.Variable, x *Node) *Node {
	g := x.Graph()
	variance := ReduceAndKeep(Square(x), ReduceMean, -1)
	x = Mul(x, Rsqrt(AddScalar(variance, m.Config.LayerNormEpsilon)))
	scale := ExpandLeftToRank(scaleVar.ValueGraph(g), x.Rank())
	return Mul(x, scale)
}

// RelativePositionBucket maps the distance from a query to a key (keyPosition - queryPosition) to one of
// numBuckets buckets: exact for small distances, logarithmic up to maxDistance, and the last bucket beyond.
//
// Bidirectional buckets use half of the buckets for each direction. Otherwise, keys after the query
// all map to bucket 0.
func RelativePositionBucket(relative int, bidirectional bool, numBuckets, maxDistance int) int {
	bucket := 0
	if bidirectional {
		numBuckets /= 2
		if relative > 0 {
			bucket = numBuckets
		}
		if relative < 0 {
			relative = -relative
		}
	} else {
		relative = -min(relative, 0)
	}
	maxExact := numBuckets / 2
	if relative < maxExact {
		return bucket + relative
	}
	logRatio := math.Log(float64(relative)/float64(maxExact)) / math.Log(float64(maxDistance)/float64(maxExact))
	large := maxExact + int(logRatio*float64(numBuckets-maxExact))
	return bucket + min(large, numBuckets-1)
}

// positionBias returns the [heads, queryLen, keyLen] bias added to the attention scores.
func (m *Model) positionBias(biasVar *context.Variable, g *Graph, queryLen, keyLen int, bidirectional bool) *Node {
	cfg := m.Config
	buckets := make([][]int32, queryLen)
	for q := range queryLen {
		buckets[q] = make([]int32, keyLen)
		for k := range keyLen {
			buckets[q][k] = int32(RelativePositionBucket(k-q, bidirectional,
				cfg.RelativeAttentionNumBuckets, cfg.RelativeAttentionMaxDistance))
		}
	}
	bias := Gather(biasVar.ValueGraph(g), ExpandAxes(Const(g, buckets), -1))
	return TransposeAllAxes(bias, 2, 0, 1)
}

// attention with separate queries and keys/values sources. mask is shaped [batch, queryLen, keyLen] and
// bias, if not nil, [heads, queryLen, keyLen]. Scores are not scaled by 1/sqrt(d_kv), as in T5.
func (m *Model) attention(p attentionParams, queries, keysValues, mask, bias *Node) *Node {
	g := queries.Graph()
	query := Einsum("bld,dhk->blhk", queries, p.query.ValueGraph(g))
	key := Einsum("bld,dhk->blhk", keysValues, p.key.ValueGraph(g))
	value := Einsum("bld,dhk->blhk", keysValues, p.value.ValueGraph(g))

	scores := Einsum("bqhk,bvhk->bhqv", query, key)
	if bias != nil {
		scores = Add(scores, InsertAxes(bias, 0))
	}
	mask = BroadcastToShape(InsertAxes(mask, 1), shapes.Make(dtypes.Bool, scores.Shape().Dimensions...))
	scores = Where(mask, scores, BroadcastToShape(ConstAs(scores, -1e9), scores.Shape()))
	probs := Softmax(scores, -1)

	attended := Einsum("bhqv,bvhk->bqhk", probs, value)
	return Einsum("bqhk,hkd->bqd", attended, p.output.ValueGraph(g))
}

// feedForward is either relu(x·wi)·wo, or for the gated variants act(x·wi_0) * (x·wi_1) · wo.
func (m *Model) feedForward(block blockParams, x *Node) *Node {
	g := x.Graph()
	var hidden *Node
	if m.Config.IsGated() {
		gate := Einsum("bld,df->blf", x, block.wiGate.ValueGraph(g))
		if m.Config.activation() == "gelu" {
			gate = activations.GeluApproximate(gate)
		} else {
			gate = activations.Relu(gate)
		}
		hidden = Mul(gate, Einsum("bld,df->blf", x, block.wiLinear.ValueGraph(g)))
	} else {
		hidden = activations.Relu(Einsum("bld,df->blf", x, block.wi.ValueGraph(g)))
	}
	return Einsum("blf,fd->bld", hidden, block.wo.ValueGraph(g))
}

// embed token ids [batch, length]. T5 has no absolute position embeddings.
func (m *Model) embed(p *modelParams, ids *Node) *Node {
	g := ids.Graph()
	return Gather(p.embeddings.ValueGraph(g), ExpandAxes(ids, -1))
}

// Encode the input ids [batch, inputLen] with its mask [batch, inputLen] to [batch, inputLen, d_model].
func (m *Model) Encode(ctx *context.Context, inputIDs, inputMask *Node) *Node {
	p := m.params(ctx)
	g := inputIDs.Graph()
	batchSize, inputLen := inputIDs.Shape().Dim(0), inputIDs.Shape().Dim(1)
	x := m.embed(p, inputIDs)
	selfMask := BroadcastToDims(InsertAxes(inputMask, 1), batchSize, inputLen, inputLen)
	bias := m.positionBias(p.encoder.positionBias, g, inputLen, inputLen, true)
	for _, block := range p.encoder.blocks {
		normed := m.rmsNorm(block.self.norm, x)
		x = Add(x, m.attention(block.self, normed, normed, selfMask, bias))
		x = Add(x, m.feedForward(block, m.rmsNorm(block.ffnNorm, x)))
	}
	return m.rmsNorm(p.encoder.finalNorm, x)
}

// Decode returns the float32 logits [batch, decoderLen, vocab] for the decoder ids [batch, decoderLen],
// attending causally to the decoder ids and to the encoded inputs.
func (m *Model) Decode(ctx *context.Context, encoded, inputMask, decoderIDs *Node) *Node {
	p := m.params(ctx)
	g := decoderIDs.Graph()
	batchSize, decoderLen := decoderIDs.Shape().Dim(0), decoderIDs.Shape().Dim(1)
	inputLen := inputMask.Shape().Dim(1)

	positionsShape := shapes.Make(dtypes.Int32, decoderLen, decoderLen)
	causal := GreaterOrEqual(Iota(g, positionsShape, 0), Iota(g, positionsShape, 1))
	selfMask := BroadcastToDims(InsertAxes(causal, 0), batchSize, decoderLen, decoderLen)
	crossMask := BroadcastToDims(InsertAxes(inputMask, 1), batchSize, decoderLen, inputLen)
	bias := m.positionBias(p.decoder.positionBias, g, decoderLen, decoderLen, false)

	x := m.embed(p, decoderIDs)
	for _, block := range p.decoder.blocks {
		normed := m.rmsNorm(block.self.norm, x)
		x = Add(x, m.attention(block.self, normed, normed, selfMask, bias))
		x = Add(x, m.attention(block.cross, m.rmsNorm(block.cross.norm, x), encoded, crossMask, nil))
		x = Add(x, m.feedForward(block, m.rmsNorm(block.ffnNorm, x)))
	}
	x = m.rmsNorm(p.decoder.finalNorm, x)
	var logits *Node
	if p.lmHead == nil {
		x = MulScalar(x, 1.0/math.Sqrt(float64(m.Config.DModel)))
		logits = Einsum("bld,vd->blv", x, p.embeddings.ValueGraph(g))
	} else {
		logits = Einsum("bld,dv->blv", x, p.lmHead.ValueGraph(g))
	}
	if logits.DType() != dtypes.Float32 {
		logits = ConvertDType(logits, dtypes.Float32)
	}
	return logits
}

// Logits runs the encoder and the teacher-forced decoder.
func (m *Model) Logits(ctx *context.Context, inputIDs, inputMask, decoderIDs *Node) *Node {
	encoded := m.Encode(ctx, inputIDs, inputMask)
	return m.Decode(ctx, encoded, inputMask, decoderIDs)
}

// ModelFn adapts the model to train.NewTrainer. Inputs are the input ids, input mask and decoder ids,
// as built by data.Dataset.Batch.
func (m *Model) ModelFn(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{m.Logits(ctx, inputs[0], inputs[1], inputs[2])}
}

// TokenLosses returns the negative log-likelihood of each target, and the mask converted to float32.
// Both are shaped [batch, decoderLen].
func TokenLosses(logits, targets, targetMask *Node) (nll, weights *Node) {
	g := logits.Graph()
	logProbs := LogSoftmax(logits, -1)
	vocabIDs := Iota(g, shapes.Make(targets.DType(), logits.Shape().Dimensions...), -1)
	selected := Equal(vocabIDs, BroadcastToShape(ExpandAxes(targets, -1), vocabIDs.Shape()))
	oneHot := ConvertDType(selected, logProbs.DType())
	nll = Neg(ReduceSum(Mul(oneHot, logProbs), -1))
	weights = ConvertDType(targetMask, logProbs.DType())
	return Mul(nll, weights), weights
}

// MaskedCrossEntropy is the mean negative log-likelihood over the targets where the mask is true.
// It's 0 if there are no such targets.
func MaskedCrossEntropy(logits, targets, targetMask *Node) *Node {
	nll, weights := TokenLosses(logits, targets, targetMask)
	count := Max(ReduceAllSum(weights), ConstAs(weights, 1.0))
	return Div(ReduceAllSum(nll), count)
}

// LossFn adapts MaskedCrossEntropy to train.NewTrainer. Labels are the targets and their mask.
func LossFn(labels, predictions []*Node) *Node {
	return MaskedCrossEntropy(predictions[0], labels[0], labels[1])
}
