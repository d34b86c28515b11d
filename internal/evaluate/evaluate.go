// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package evaluate measures the model on the evaluation split: the teacher-forced loss over every example,
// and reference metrics comparing generated outputs with the expected ones.
package evaluate

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/t5train/internal/data"
	"github.com/gomlx/t5train/internal/seq2seq"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Inferencer is what the Evaluator needs from the model. It's implemented by seq2seq.Inference.
type Inferencer interface {
	EvalLoss(ctx context.Context, ds *data.Dataset, batchSize int, seed int64) (seq2seq.LossMetrics, error)
	Generate(ctx context.Context, prompts []string, opts seq2seq.GenerateOptions) ([]string, error)
}

var _ Inferencer = (*seq2seq.Inference)(nil)

// Options of the Evaluator.
type Options struct {
	// BatchSize used both for the loss and for generation.
	BatchSize int

	// DoSample samples the generated tokens, instead of choosing them greedily.
	DoSample bool

	MaxInputLength, MaxOutputLength int

	// TruncInputsLast selects which side of over-length prompts is dropped, as in data.PrepareOptions.
	TruncInputsLast bool
}

// Evaluator evaluates an Inferencer over a fixed evaluation split.
type Evaluator struct {
	Dataset *data.Dataset
	Options Options

	seeds *Seeds
}

// New creates an Evaluator over the prepared evaluation split. Each evaluation draws new seeds from seeds.
func New(ds *data.Dataset, seeds *Seeds, opts Options) (*Evaluator, error) {
	if ds == nil {
		return nil, errors.New("evaluation dataset is nil")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("invalid inference batch size %d", opts.BatchSize)
	}
	return &Evaluator{Dataset: ds, Options: opts, seeds: seeds}, nil
}

// Report of one evaluation.
type Report struct {
	// Loss is the mean per-token loss over the evaluation split.
	Loss float64

	// LossMetrics has the loss breakdown: "loss", "perplexity", "num_examples" and "num_tokens".
	LossMetrics map[string]float64

	// ReferenceMetrics compare the generated outputs with the references, see ComputeMetrics.
	ReferenceMetrics map[string]float64

	NumLossExamples int
	NumGenerated    int

	LossSeed, GenSeed int64
}

// Evaluate computes the loss over every evaluation example exactly once, then generates an output for
// every evaluation prompt and compares it with its reference.
//
// An empty evaluation split yields a report with all metrics 0.
func (e *Evaluator) Evaluate(ctx context.Context, inf Inferencer) (Report, error) {
	report := Report{}
	report.LossSeed, report.GenSeed = e.seeds.Split()
	if e.Dataset.Len() == 0 {
		report.LossMetrics = seq2seq.LossMetrics{}.Map()
		report.ReferenceMetrics = ComputeMetrics(nil, nil)
		return report, nil
	}

	lossMetrics, err := inf.EvalLoss(ctx, e.Dataset, e.Options.BatchSize, report.LossSeed)
	if err != nil {
		return report, errors.WithMessagef(err, "failed to evaluate loss")
	}
	report.Loss = lossMetrics.Loss
	report.LossMetrics = lossMetrics.Map()
	report.NumLossExamples = lossMetrics.NumExamples

	prompts := data.Inputs(e.Dataset.Pairs)
	references := data.Outputs(e.Dataset.Pairs)
	predictions, err := inf.Generate(ctx, prompts, seq2seq.GenerateOptions{
		DoSample:        e.Options.DoSample,
		NumBeams:        1,
		MaxInputLength:  e.Options.MaxInputLength,
		MaxOutputLength: e.Options.MaxOutputLength,
		TruncInputsLast: e.Options.TruncInputsLast,
		BatchSize:       e.Options.BatchSize,
		Seed:            report.GenSeed,
	})
	if err != nil {
		return report, errors.WithMessagef(err, "failed to generate evaluation outputs")
	}
	if len(predictions) != len(references) {
		return report, errors.Errorf("generated %d outputs for %d prompts", len(predictions), len(references))
	}
	report.NumGenerated = len(predictions)
	report.ReferenceMetrics = ComputeMetrics(predictions, references)
	if klog.V(2).Enabled() && len(predictions) > 0 {
		klog.Infof("Sample generation: %q -> %q (reference %q)", prompts[0], predictions[0], references[0])
	}
	return report, nil
}

// Flatten returns all metrics in one map, with the keys prefixed by "loss/" or "reference/".
func (r Report) Flatten() map[string]float64 {
	flat := make(map[string]float64, len(r.LossMetrics)+len(r.ReferenceMetrics))
	for key, value := range r.LossMetrics {
		flat["loss/"+key] = value
	}
	for key, value := range r.ReferenceMetrics {
		flat["reference/"+key] = value
	}
	return flat
}

// Table renders the report as a text table.
func (r Report) Table() string {
	var sb strings.Builder
	t := table.NewWriter()
	t.SetOutputMirror(&sb)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Metric", "Value"})
	flat := r.Flatten()
	for _, key := range slices.Sorted(maps.Keys(flat)) {
		t.AppendRow(table.Row{key, formatMetric(key, flat[key])})
	}
	t.Render()
	return sb.String()
}

func formatMetric(key string, value float64) string {
	if strings.HasSuffix(key, "num_examples") || strings.HasSuffix(key, "num_tokens") {
		return fmt.Sprintf("%d", int(value))
	}
	return fmt.Sprintf("%.4f", value)
}
