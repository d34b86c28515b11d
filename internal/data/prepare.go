// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// PrepareOptions configures the tokenization of one split. Both splits of a run use the same options.
type PrepareOptions struct {
	MaxInputLength, MaxOutputLength int

	// TruncInputsLast keeps the first MaxInputLength tokens, dropping the overflow from the end.
	// If false the last MaxInputLength tokens are kept.
	TruncInputsLast bool

	// TruncOutputsLast works like TruncInputsLast, for the output sequences.
	TruncOutputsLast bool

	// Parallelism is the number of concurrent tokenization workers. If <= 0 it uses runtime.NumCPU().
	Parallelism int
}

// Example is one tokenized and truncated pair.
type Example struct {
	// InputIDs are the encoder tokens, at most MaxInputLength long.
	InputIDs []int32

	// OutputIDs starts with the pad token (the decoder start token), unless it was truncated
	// from the front, ends with the end-of-sentence token and is at most MaxOutputLength long.
	OutputIDs []int32
}

// Dataset is a split after tokenization, in the same order as its raw pairs.
type Dataset struct {
	Examples []Example
	Pairs    []Pair
	Options  PrepareOptions

	// PadID of the tokenizer used, used to pad the tensors.
	PadID int

	// NumTruncatedInputs and NumTruncatedOutputs count the examples that didn't fit.
	NumTruncatedInputs, NumTruncatedOutputs int
}

// Len returns the number of examples.
func (ds *Dataset) Len() int { return len(ds.Examples) }

// Truncate returns ids with at most maxLen elements: the first ones if keepFirst, otherwise the last ones.
func Truncate[T any](ids []T, maxLen int, keepFirst bool) []T {
	if len(ids) <= maxLen {
		return ids
	}
	if keepFirst {
		return ids[:maxLen]
	}
	return ids[len(ids)-maxLen:]
}

// Prepare tokenizes and truncates the pairs. Over-length examples are truncated, never rejected.
//
// Tokenization runs concurrently, but the order of the examples is preserved.
func Prepare(ctx context.Context, tok Tokenizer, pairs []Pair, opts PrepareOptions) (*Dataset, error) {
	if opts.MaxInputLength <= 0 || opts.MaxOutputLength <= 0 {
		return nil, errors.Errorf("max lengths must be > 0, got input=%d, output=%d",
			opts.MaxInputLength, opts.MaxOutputLength)
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	ds := &Dataset{
		Examples: make([]Example, len(pairs)),
		Pairs:    pairs,
		Options:  opts,
		PadID:    tok.PadID(),
	}
	var truncatedInputs, truncatedOutputs atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for ii, pair := range pairs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			inputIDs := tok.Encode(pair.InText)
			if len(inputIDs) > opts.MaxInputLength {
				truncatedInputs.Add(1)
			}
			outputIDs := make([]int, 0, len(pair.OutText)+2)
			outputIDs = append(outputIDs, tok.PadID())
			outputIDs = append(outputIDs, tok.Encode(pair.OutText)...)
			if outputIDs[len(outputIDs)-1] != tok.EOSID() {
				outputIDs = append(outputIDs, tok.EOSID())
			}
			if len(outputIDs) > opts.MaxOutputLength {
				truncatedOutputs.Add(1)
			}
			ds.Examples[ii] = Example{
				InputIDs:  toInt32(Truncate(inputIDs, opts.MaxInputLength, opts.TruncInputsLast)),
				OutputIDs: toInt32(truncateOutput(outputIDs, opts.MaxOutputLength, opts.TruncOutputsLast, tok.EOSID())),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "tokenization interrupted")
	}
	ds.NumTruncatedInputs = int(truncatedInputs.Load())
	ds.NumTruncatedOutputs = int(truncatedOutputs.Load())
	if ds.NumTruncatedInputs > 0 || ds.NumTruncatedOutputs > 0 {
		klog.V(1).Infof("Truncated %d inputs (max %d tokens) and %d outputs (max %d tokens) out of %d examples",
			ds.NumTruncatedInputs, opts.MaxInputLength, ds.NumTruncatedOutputs, opts.MaxOutputLength, len(pairs))
	}
	return ds, nil
}

// truncateOutput works like Truncate, but when the end of the sequence is dropped the last kept
// token is replaced by eosID, so every output sequence ends with it.
func truncateOutput(ids []int, maxLen int, keepFirst bool, eosID int) []int {
	if len(ids) <= maxLen || !keepFirst {
		return Truncate(ids, maxLen, keepFirst)
	}
	truncated := append([]int(nil), ids[:maxLen]...)
	if maxLen > 1 {
		truncated[maxLen-1] = eosID
	}
	return truncated
}

func toInt32(ids []int) []int32 {
	converted := make([]int32, len(ids))
	for ii, id := range ids {
		converted[ii] = int32(id)
	}
	return converted
}
