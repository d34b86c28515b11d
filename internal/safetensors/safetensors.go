// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package safetensors reads and writes the ".safetensors" files HuggingFace models are distributed with.
//
// A file is an 8 bytes little-endian header length, a JSON header describing each tensor (dtype, shape and
// the byte range of its data) and the raw little-endian data of all tensors.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"maps"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const metadataKey = "__metadata__"

// integerDTypes are the safetensors names that differ from the ones in dtypes.MapOfNames.
var integerDTypes = map[string]dtypes.DType{
	"BOOL": dtypes.Bool,
	"I8":   dtypes.Int8,
	"I16":  dtypes.Int16,
	"I32":  dtypes.Int32,
	"I64":  dtypes.Int64,
}

// Tensor is one named tensor of a file, with its raw data.
type Tensor struct {
	Name  string
	DType dtypes.DType
	Shape []int
	Data  []byte
}

// File holds all the tensors of a ".safetensors" file, in memory.
type File struct {
	Metadata map[string]string
	Tensors  map[string]*Tensor
}

type tensorInfo struct {
	DType   string    `json:"dtype"`
	Shape   []int     `json:"shape"`
	Offsets [2]uint64 `json:"data_offsets"`
}

// Read loads the whole file at path.
func Read(path string) (*File, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read safetensors file")
	}
	f, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	return f, nil
}

// Parse the contents of a ".safetensors" file. The tensors data refer to contents, which must not be modified.
func Parse(contents []byte) (*File, error) {
	if len(contents) < 8 {
		return nil, errors.Errorf("safetensors file too small (%d bytes)", len(contents))
	}
	headerLen := binary.LittleEndian.Uint64(contents[:8])
	if headerLen > uint64(len(contents)-8) {
		return nil, errors.Errorf("safetensors header length %d larger than the file", headerLen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(contents[8:8+headerLen], &header); err != nil {
		return nil, errors.Wrap(err, "failed to parse safetensors header")
	}
	data := contents[8+headerLen:]
	f := &File{Tensors: make(map[string]*Tensor, len(header))}
	for name, raw := range header {
		if name == metadataKey {
			if err := json.Unmarshal(raw, &f.Metadata); err != nil {
				return nil, errors.Wrap(err, "failed to parse safetensors metadata")
			}
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, errors.Wrapf(err, "failed to parse header of tensor %q", name)
		}
		dtype, found := integerDTypes[info.DType]
		if !found {
			dtype, found = dtypes.MapOfNames[info.DType]
		}
		if !found {
			return nil, errors.Errorf("tensor %q has unknown dtype %q", name, info.DType)
		}
		start, end := info.Offsets[0], info.Offsets[1]
		if start > end || end > uint64(len(data)) {
			return nil, errors.Errorf("tensor %q data range [%d, %d) out of the %d bytes of data", name, start, end, len(data))
		}
		t := &Tensor{Name: name, DType: dtype, Shape: info.Shape, Data: data[start:end]}
		if want := t.Size() * dtype.Size(); want != len(t.Data) {
			return nil, errors.Errorf("tensor %q of dtype %s and shape %v should have %d bytes, got %d",
				name, dtype, info.Shape, want, len(t.Data))
		}
		f.Tensors[name] = t
	}
	return f, nil
}

// Size is the number of elements of the tensor.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// Float32s decodes the values of a floating point tensor.
func (t *Tensor) Float32s() ([]float32, error) {
	values := make([]float32, t.Size())
	data := t.Data
	switch t.DType {
	case dtypes.Float32:
		for ii := range values {
			values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[ii*4:]))
		}
	case dtypes.Float64:
		for ii := range values {
			values[ii] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[ii*8:])))
		}
	case dtypes.BFloat16:
		for ii := range values {
			values[ii] = bfloat16.FromBits(binary.LittleEndian.Uint16(data[ii*2:])).Float32()
		}
	case dtypes.Float16:
		for ii := range values {
			values[ii] = float16.Frombits(binary.LittleEndian.Uint16(data[ii*2:])).Float32()
		}
	default:
		return nil, errors.Errorf("tensor %q has non-float dtype %s", t.Name, t.DType)
	}
	return values, nil
}

// FromFloat32s creates a tensor of the given dtype (Float32, BFloat16 or Float16) from the values.
func FromFloat32s(name string, dtype dtypes.DType, values []float32, dims ...int) (*Tensor, error) {
	t := &Tensor{Name: name, DType: dtype, Shape: slices.Clone(dims)}
	if t.Size() != len(values) {
		return nil, errors.Errorf("tensor %q has %d values, but shape %v", name, len(values), dims)
	}
	t.Data = make([]byte, len(values)*dtype.Size())
	switch dtype {
	case dtypes.Float32:
		for ii, v := range values {
			binary.LittleEndian.PutUint32(t.Data[ii*4:], math.Float32bits(v))
		}
	case dtypes.BFloat16:
		for ii, v := range values {
			binary.LittleEndian.PutUint16(t.Data[ii*2:], bfloat16.FromFloat32(v).Bits())
		}
	case dtypes.Float16:
		for ii, v := range values {
			binary.LittleEndian.PutUint16(t.Data[ii*2:], float16.Fromfloat32(v).Bits())
		}
	default:
		return nil, errors.Errorf("unsupported dtype %s for tensor %q", dtype, name)
	}
	return t, nil
}

// Write the tensors in the ".safetensors" format, sorted by name.
func Write(w io.Writer, tensors []*Tensor, metadata map[string]string) error {
	sorted := slices.SortedFunc(slices.Values(tensors), func(a, b *Tensor) int {
		return strings.Compare(a.Name, b.Name)
	})
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = maps.Clone(metadata)
	}
	var offset uint64
	for _, t := range sorted {
		if _, found := header[t.Name]; found {
			return errors.Errorf("duplicate tensor %q", t.Name)
		}
		dtypeName, err := dtypeName(t.DType)
		if err != nil {
			return errors.WithMessagef(err, "tensor %q", t.Name)
		}
		size := uint64(len(t.Data))
		header[t.Name] = tensorInfo{DType: dtypeName, Shape: t.Shape, Offsets: [2]uint64{offset, offset + size}}
		offset += size
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to serialize safetensors header")
	}
	// The data section starts 8 bytes aligned.
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}
	var headerLen [8]byte
	binary.LittleEndian.PutUint64(headerLen[:], uint64(len(headerJSON)))
	if _, err = w.Write(headerLen[:]); err != nil {
		return errors.Wrap(err, "failed to write safetensors header")
	}
	if _, err = w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write safetensors header")
	}
	for _, t := range sorted {
		if _, err = w.Write(t.Data); err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", t.Name)
		}
	}
	return nil
}

func dtypeName(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float32:
		return "F32", nil
	case dtypes.Float64:
		return "F64", nil
	case dtypes.BFloat16:
		return "BF16", nil
	case dtypes.Float16:
		return "F16", nil
	case dtypes.Int32:
		return "I32", nil
	case dtypes.Int64:
		return "I64", nil
	}
	return "", errors.Errorf("dtype %s not supported in safetensors files", dtype)
}
