// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"math/rand"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/pkg/errors"
)

// DecoderLength is the length of the teacher-forced decoder sequences: the output sequence minus
// its last token (decoder inputs) or minus its first token (targets).
func (opts PrepareOptions) DecoderLength() int {
	return max(opts.MaxOutputLength-1, 1)
}

// Batch is a contiguous range of examples converted to padded tensors.
//
// Inputs are, in order:
//
//   - input ids: [size, MaxInputLength] int32, padded with the pad id.
//   - input mask: [size, MaxInputLength] bool, true for real tokens.
//   - decoder ids: [size, DecoderLength] int32, output ids without the last token.
//
// Labels are:
//
//   - targets: [size, DecoderLength] int32, output ids without the first token.
//   - target mask: [size, DecoderLength] bool, true for targets that contribute to the loss.
type Batch struct {
	Inputs, Labels []*tensors.Tensor
	Size           int
}

// Batch builds the tensors for the examples in the range [start, end).
func (ds *Dataset) Batch(start, end int) Batch {
	size := end - start
	inLen := ds.Options.MaxInputLength
	decLen := ds.Options.DecoderLength()
	pad := int32(ds.PadID)

	inputIDs := make([]int32, size*inLen)
	inputMask := make([]bool, size*inLen)
	decoderIDs := make([]int32, size*decLen)
	targets := make([]int32, size*decLen)
	targetMask := make([]bool, size*decLen)
	for ii := range inputIDs {
		inputIDs[ii] = pad
	}
	for ii := range decoderIDs {
		decoderIDs[ii] = pad
		targets[ii] = pad
	}

	for row, example := range ds.Examples[start:end] {
		inRow := inputIDs[row*inLen : (row+1)*inLen]
		copy(inRow, example.InputIDs)
		for ii := range len(example.InputIDs) {
			inputMask[row*inLen+ii] = true
		}
		out := example.OutputIDs
		if len(out) < 2 {
			if len(out) == 1 {
				decoderIDs[row*decLen] = out[0]
			}
			continue
		}
		copy(decoderIDs[row*decLen:(row+1)*decLen], out[:len(out)-1])
		copy(targets[row*decLen:(row+1)*decLen], out[1:])
		for ii := range len(out) - 1 {
			targetMask[row*decLen+ii] = true
		}
	}
	return Batch{
		Inputs: []*tensors.Tensor{
			tensors.FromFlatDataAndDimensions(inputIDs, size, inLen),
			tensors.FromFlatDataAndDimensions(inputMask, size, inLen),
			tensors.FromFlatDataAndDimensions(decoderIDs, size, decLen),
		},
		Labels: []*tensors.Tensor{
			tensors.FromFlatDataAndDimensions(targets, size, decLen),
			tensors.FromFlatDataAndDimensions(targetMask, size, decLen),
		},
		Size: size,
	}
}

// Tensors converts the whole split to tensors. See Batch for the layout.
func (ds *Dataset) Tensors() Batch {
	return ds.Batch(0, ds.Len())
}

func (ds *Dataset) inMemory(backend backends.Backend, name string) (*datasets.InMemoryDataset, error) {
	if ds.Len() == 0 {
		return nil, errors.Errorf("%s split has no examples", name)
	}
	all := ds.Tensors()
	inputs := make([]any, len(all.Inputs))
	for ii, t := range all.Inputs {
		inputs[ii] = t
	}
	labels := make([]any, len(all.Labels))
	for ii, t := range all.Labels {
		labels[ii] = t
	}
	mds, err := datasets.InMemoryFromData(backend, name, inputs, labels)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build %s dataset", name)
	}
	return mds, nil
}

// NewTrainDataset returns a shuffled, infinite dataset of batches of batchSize examples.
//
// Incomplete batches are dropped, except when the whole split is smaller than one batch.
func (ds *Dataset) NewTrainDataset(backend backends.Backend, batchSize int, seed int64) (*datasets.InMemoryDataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid train batch size %d", batchSize)
	}
	mds, err := ds.inMemory(backend, "train")
	if err != nil {
		return nil, err
	}
	dropIncomplete := ds.Len() >= batchSize
	mds.BatchSize(batchSize, dropIncomplete).
		WithRand(rand.New(rand.NewSource(seed))).
		Shuffle().
		Infinite(true)
	return mds, nil
}

// NewEvalDataset returns a single pass over the split, in order, in batches of batchSize.
// The last batch may be incomplete.
func (ds *Dataset) NewEvalDataset(backend backends.Backend, batchSize int) (*datasets.InMemoryDataset, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid inference batch size %d", batchSize)
	}
	mds, err := ds.inMemory(backend, "eval")
	if err != nil {
		return nil, err
	}
	mds.BatchSize(batchSize, false)
	return mds, nil
}
