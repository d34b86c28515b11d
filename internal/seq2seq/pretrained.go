// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package seq2seq

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gomlx/pkg/core/dtypes/float16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/t5train/internal/safetensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Files of the pretrained weights in a HuggingFace repository: either a single file, or an index
// listing the shards the weights are split in.
const (
	WeightsFile      = "model.safetensors"
	WeightsIndexFile = "model.safetensors.index.json"
)

// Downloader returns the local path of a file of the model repository, e.g. hub.Repo.DownloadFile.
type Downloader func(fileName string) (string, error)

// weightMapping binds a model variable to the tensor of the HuggingFace T5 checkpoint holding its value.
type weightMapping struct {
	name     string
	variable *context.Variable

	// inputAxes is the number of leading axes of the kernel that form the input of the [out, in] PyTorch
	// linear weight, which is transposed. It's 0 for tensors stored as is.
	inputAxes int
}

// weightMappings lists every model variable with the name of its pretrained tensor.
func (m *Model) weightMappings(p *modelParams) []weightMapping {
	var mappings []weightMapping
	add := func(name string, v *context.Variable, inputAxes int) {
		mappings = append(mappings, weightMapping{name: name, variable: v, inputAxes: inputAxes})
	}
	add("shared.weight", p.embeddings, 0)
	for _, stack := range []struct {
		name     string
		params   stackParams
		ffnLayer int
	}{
		{"encoder", p.encoder, 1},
		{"decoder", p.decoder, 2},
	} {
		add(stack.name+".block.0.layer.0.SelfAttention.relative_attention_bias.weight", stack.params.positionBias, 0)
		for ii, block := range stack.params.blocks {
			layer := func(index int) string { return fmt.Sprintf("%s.block.%d.layer.%d.", stack.name, ii, index) }
			attention := func(prefix string, ap attentionParams) {
				add(prefix+"q.weight", ap.query, 1)
				add(prefix+"k.weight", ap.key, 1)
				add(prefix+"v.weight", ap.value, 1)
				add(prefix+"o.weight", ap.output, 2)
			}
			add(layer(0)+"layer_norm.weight", block.self.norm, 0)
			attention(layer(0)+"SelfAttention.", block.self)
			if stack.name == "decoder" {
				add(layer(1)+"layer_norm.weight", block.cross.norm, 0)
				attention(layer(1)+"EncDecAttention.", block.cross)
			}
			ffn := layer(stack.ffnLayer)
			add(ffn+"layer_norm.weight", block.ffnNorm, 0)
			if block.wi != nil {
				add(ffn+"DenseReluDense.wi.weight", block.wi, 1)
			} else {
				add(ffn+"DenseReluDense.wi_0.weight", block.wiGate, 1)
				add(ffn+"DenseReluDense.wi_1.weight", block.wiLinear, 1)
			}
			add(ffn+"DenseReluDense.wo.weight", block.wo, 1)
		}
		add(stack.name+".final_layer_norm.weight", stack.params.finalNorm, 0)
	}
	if p.lmHead != nil {
		add("lm_head.weight", p.lmHead, 1)
	}
	return mappings
}

// LoadPretrained sets the model variables with the pretrained weights of the repository: "model.safetensors",
// or the shards listed in "model.safetensors.index.json" for larger models.
//
// The variables must have been declared with DeclareVariables.
func (m *Model) LoadPretrained(ctx *context.Context, download Downloader) error {
	files, err := downloadWeights(download)
	if err != nil {
		return err
	}
	return m.LoadSafetensors(ctx, files...)
}

func downloadWeights(download Downloader) ([]*safetensors.File, error) {
	path, err := download(WeightsFile)
	if err == nil {
		f, err := safetensors.Read(path)
		if err != nil {
			return nil, err
		}
		return []*safetensors.File{f}, nil
	}
	indexPath, indexErr := download(WeightsIndexFile)
	if indexErr != nil {
		return nil, errors.WithMessagef(err, "failed to download pretrained weights (nor %q: %v)", WeightsIndexFile, indexErr)
	}
	contents, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", indexPath)
	}
	var index struct {
		WeightMap map[string]string `json:"weight_map"`
	}
	if err = json.Unmarshal(contents, &index); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", indexPath)
	}
	shardNames := make([]string, 0, len(index.WeightMap))
	for _, shardName := range index.WeightMap {
		shardNames = append(shardNames, shardName)
	}
	slices.Sort(shardNames)
	shardNames = slices.Compact(shardNames)
	files := make([]*safetensors.File, 0, len(shardNames))
	for _, shardName := range shardNames {
		shardPath, err := download(shardName)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to download weights shard %q", shardName)
		}
		f, err := safetensors.Read(shardPath)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// LoadSafetensors sets the model variables from the tensors of HuggingFace T5 checkpoint files.
// Every variable must have its tensor, with the matching shape. Values are converted to
// the dtype of the variables.
func (m *Model) LoadSafetensors(ctx *context.Context, files ...*safetensors.File) error {
	var p *modelParams
	if err := exceptions.TryCatch[error](func() { p = m.params(ctx) }); err != nil {
		return err
	}
	byName := make(map[string]*safetensors.Tensor)
	for _, f := range files {
		for name, t := range f.Tensors {
			byName[name] = t
		}
	}
	if _, found := byName["shared.weight"]; !found {
		if t, found := byName["encoder.embed_tokens.weight"]; found {
			byName["shared.weight"] = t
		}
	}

	mappings := m.weightMappings(p)
	var numValues int
	for _, mapping := range mappings {
		t, found := byName[mapping.name]
		if !found {
			return errors.Errorf("pretrained weights have no tensor %q for variable %q",
				mapping.name, mapping.variable.ScopeAndName())
		}
		value, err := mapping.convert(t)
		if err != nil {
			return err
		}
		if err = mapping.variable.SetValue(value); err != nil {
			return errors.WithMessagef(err, "failed to set variable %q", mapping.variable.ScopeAndName())
		}
		numValues += t.Size()
	}
	klog.Infof("Loaded %d pretrained tensors (%d parameters) of %d in the checkpoint", len(mappings), numValues, len(byName))
	return nil
}

// convert the tensor to the shape and dtype of the variable.
func (mapping weightMapping) convert(t *safetensors.Tensor) (*tensors.Tensor, error) {
	shape := mapping.variable.Shape()
	values, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	want := mapping.tensorDims()
	if !slices.Equal(t.Shape, want) {
		return nil, errors.Errorf("tensor %q has shape %v, variable %q of shape %s requires %v",
			t.Name, t.Shape, mapping.variable.ScopeAndName(), shape, want)
	}
	if mapping.inputAxes > 0 {
		values = transpose(values, t.Shape[0], t.Shape[1])
	}
	dims := shape.Dimensions
	switch shape.DType {
	case dtypes.Float32:
		return tensors.FromFlatDataAndDimensions(values, dims...), nil
	case dtypes.BFloat16:
		return tensors.FromFlatDataAndDimensions(convertValues(values, bfloat16.FromFloat32), dims...), nil
	case dtypes.Float16:
		return tensors.FromFlatDataAndDimensions(convertValues(values, float16.FromFloat32), dims...), nil
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(convertValues(values, func(v float32) float64 { return float64(v) }), dims...), nil
	}
	return nil, errors.Errorf("variable %q has unsupported dtype %s", mapping.variable.ScopeAndName(), shape.DType)
}

// tensorDims returns the shape of the checkpoint tensor: the variable shape, or [out, in] for kernels.
func (mapping weightMapping) tensorDims() []int {
	dims := mapping.variable.Shape().Dimensions
	if mapping.inputAxes == 0 {
		return slices.Clone(dims)
	}
	in, out := 1, 1
	for ii, dim := range dims {
		if ii < mapping.inputAxes {
			in *= dim
		} else {
			out *= dim
		}
	}
	return []int{out, in}
}

// ExportSafetensors writes the model variables in the layout of the HuggingFace T5 checkpoints, converted to
// dtype (Float32, BFloat16 or Float16). The output can be read back with LoadSafetensors.
func (m *Model) ExportSafetensors(ctx *context.Context, w io.Writer, dtype dtypes.DType) error {
	var p *modelParams
	if err := exceptions.TryCatch[error](func() { p = m.params(ctx) }); err != nil {
		return err
	}
	mappings := m.weightMappings(p)
	exported := make([]*safetensors.Tensor, 0, len(mappings))
	for _, mapping := range mappings {
		value, err := mapping.variable.Value()
		if err != nil {
			return err
		}
		var values []float32
		switch value.DType() {
		case dtypes.Float32:
			values = tensors.MustCopyFlatData[float32](value)
		case dtypes.BFloat16:
			values = convertValues(tensors.MustCopyFlatData[bfloat16.BFloat16](value), bfloat16.BFloat16.Float32)
		case dtypes.Float16:
			values = convertValues(tensors.MustCopyFlatData[float16.Float16](value), float16.Float16.Float32)
		case dtypes.Float64:
			values = convertValues(tensors.MustCopyFlatData[float64](value), func(v float64) float32 { return float32(v) })
		default:
			return errors.Errorf("variable %q has unsupported dtype %s", mapping.variable.ScopeAndName(), value.DType())
		}
		dims := mapping.tensorDims()
		if mapping.inputAxes > 0 {
			values = transpose(values, dims[1], dims[0])
		}
		t, err := safetensors.FromFloat32s(mapping.name, dtype, values, dims...)
		if err != nil {
			return err
		}
		exported = append(exported, t)
	}
	return safetensors.Write(w, exported, map[string]string{"format": "pt"})
}

// transpose a row-major [rows, cols] matrix.
func transpose(values []float32, rows, cols int) []float32 {
	transposed := make([]float32, len(values))
	for row := range rows {
		for col := range cols {
			transposed[col*rows+row] = values[row*cols+col]
		}
	}
	return transposed
}

func convertValues[From, To any](values []From, fn func(From) To) []To {
	converted := make([]To, len(values))
	for ii, v := range values {
		converted[ii] = fn(v)
	}
	return converted
}
