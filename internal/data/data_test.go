// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/t5train/internal/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func writeDoc(t *testing.T, contents string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "data.json")
	require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	return p
}

func TestLoadRaw(t *testing.T) {
	ctx := context.Background()
	fs := storage.New(storage.Options{})

	t.Run("valid", func(t *testing.T) {
		p := writeDoc(t, `{"train":[{"in_text":"a","out_text":"b"},{"in_text":"","out_text":"c"}],"eval":[]}`)
		raw, err := LoadRaw(ctx, fs, p)
		require.NoError(t, err)
		want := &Raw{
			Train: []Pair{{InText: "a", OutText: "b"}, {InText: "", OutText: "c"}},
			Eval:  []Pair{},
		}
		if diff := cmp.Diff(want, raw); diff != "" {
			t.Errorf("LoadRaw() mismatch (-want +got):\n%s", diff)
		}
	})

	for name, doc := range map[string]string{
		"missing eval":     `{"train":[]}`,
		"missing train":    `{"eval":[]}`,
		"missing in_text":  `{"train":[{"out_text":"b"}],"eval":[]}`,
		"missing out_text": `{"train":[],"eval":[{"in_text":"b"}]}`,
		"not json":         `train: []`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRaw(ctx, fs, writeDoc(t, doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDataFormat), "got %v", err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadRaw(ctx, fs, filepath.Join(t.TempDir(), "nope.json"))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrDataFormat))
	})
}

func TestByteTokenizer(t *testing.T) {
	tok := ByteTokenizer{}
	ids := tok.Encode("hé!")
	assert.Len(t, ids, 4) // "é" is 2 bytes.
	for _, id := range ids {
		assert.GreaterOrEqual(t, id, byteOffset)
		assert.Less(t, id, tok.VocabSize())
	}
	withSpecial := append([]int{tok.PadID()}, ids...)
	withSpecial = append(withSpecial, tok.EOSID())
	assert.Equal(t, "hé!", tok.Decode(withSpecial))
}

func TestTruncate(t *testing.T) {
	ids := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{1, 2, 3}, Truncate(ids, 3, true))
	assert.Equal(t, []int{3, 4, 5}, Truncate(ids, 3, false))
	assert.Equal(t, ids, Truncate(ids, 5, true))
	assert.Equal(t, ids, Truncate(ids, 10, false))
}

// TestPrepareTruncation checks the length bounds and the truncation direction for all
// combinations of options, over examples of many different lengths.
func TestPrepareTruncation(t *testing.T) {
	defer goleak.VerifyNone(t)
	tok := ByteTokenizer{}
	var pairs []Pair
	for n := range 20 {
		pairs = append(pairs, Pair{
			InText:  strings.Repeat("x", n) + "abc"[:n%4],
			OutText: "y" + strings.Repeat("z", n),
		})
	}
	for _, inLast := range []bool{true, false} {
		for _, outLast := range []bool{true, false} {
			t.Run(fmt.Sprintf("inputsLast=%v,outputsLast=%v", inLast, outLast), func(t *testing.T) {
				opts := PrepareOptions{MaxInputLength: 7, MaxOutputLength: 5, TruncInputsLast: inLast, TruncOutputsLast: outLast, Parallelism: 3}
				ds, err := Prepare(context.Background(), tok, pairs, opts)
				require.NoError(t, err)
				require.Equal(t, len(pairs), ds.Len())
				for ii, ex := range ds.Examples {
					fullIn := toInt32(tok.Encode(pairs[ii].InText))
					fullOut := toInt32(append(append([]int{tok.PadID()}, tok.Encode(pairs[ii].OutText)...), tok.EOSID()))
					require.LessOrEqual(t, len(ex.InputIDs), opts.MaxInputLength)
					require.LessOrEqual(t, len(ex.OutputIDs), opts.MaxOutputLength)
					require.Equal(t, min(len(fullIn), opts.MaxInputLength), len(ex.InputIDs))
					if inLast {
						require.Equal(t, fullIn[:len(ex.InputIDs)], ex.InputIDs, "example %d", ii)
					} else {
						require.Equal(t, fullIn[len(fullIn)-len(ex.InputIDs):], ex.InputIDs, "example %d", ii)
					}
					require.Equal(t, int32(tok.EOSID()), ex.OutputIDs[len(ex.OutputIDs)-1], "example %d must end with EOS", ii)
					if outLast {
						n := len(ex.OutputIDs)
						require.Equal(t, fullOut[:n-1], ex.OutputIDs[:n-1], "example %d", ii)
						require.Equal(t, int32(tok.PadID()), ex.OutputIDs[0])
					} else {
						require.Equal(t, fullOut[len(fullOut)-len(ex.OutputIDs):], ex.OutputIDs, "example %d", ii)
					}
				}
				assert.Equal(t, 14, ds.NumTruncatedInputs)
				assert.Equal(t, 17, ds.NumTruncatedOutputs)
			})
		}
	}
}

func TestPrepareInvalidOptions(t *testing.T) {
	_, err := Prepare(context.Background(), ByteTokenizer{}, nil, PrepareOptions{MaxInputLength: 0, MaxOutputLength: 3})
	require.Error(t, err)
}

func TestPrepareCancelled(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Prepare(ctx, ByteTokenizer{}, []Pair{{InText: "a", OutText: "b"}}, PrepareOptions{MaxInputLength: 3, MaxOutputLength: 3})
	require.Error(t, err)
}

func TestPrepareAppendsEOS(t *testing.T) {
	tok := ByteTokenizer{}
	id := func(c byte) int32 { return int32(c) + byteOffset }
	ds, err := Prepare(context.Background(), tok, []Pair{{InText: "hi", OutText: "ok"}},
		PrepareOptions{MaxInputLength: 8, MaxOutputLength: 8, TruncInputsLast: true, TruncOutputsLast: true})
	require.NoError(t, err)
	assert.Equal(t, []int32{bytePad, id('o'), id('k'), byteEOS}, ds.Examples[0].OutputIDs)
	assert.Equal(t, [][]int32{{id('o'), id('k'), byteEOS, 0, 0, 0, 0}}, ds.Tensors().Labels[0].Value())

	// Truncating the end keeps the EOS as the last token.
	ds, err = Prepare(context.Background(), tok, []Pair{{InText: "hi", OutText: "okay"}},
		PrepareOptions{MaxInputLength: 8, MaxOutputLength: 4, TruncInputsLast: true, TruncOutputsLast: true})
	require.NoError(t, err)
	assert.Equal(t, []int32{bytePad, id('o'), id('k'), byteEOS}, ds.Examples[0].OutputIDs)

	// Truncating the start drops the decoder start token, not the EOS.
	ds, err = Prepare(context.Background(), tok, []Pair{{InText: "hi", OutText: "okay"}},
		PrepareOptions{MaxInputLength: 8, MaxOutputLength: 4, TruncInputsLast: true, TruncOutputsLast: false})
	require.NoError(t, err)
	assert.Equal(t, []int32{id('a'), id('y'), byteEOS}, ds.Examples[0].OutputIDs[1:])
}

// eosTokenizer appends the EOS itself, like HuggingFace T5 tokenizers do.
type eosTokenizer struct{ ByteTokenizer }

func (t eosTokenizer) Encode(text string) []int {
	return append(t.ByteTokenizer.Encode(text), byteEOS)
}

func TestPrepareKeepsTokenizerEOS(t *testing.T) {
	ds, err := Prepare(context.Background(), eosTokenizer{}, []Pair{{InText: "a", OutText: "b"}},
		PrepareOptions{MaxInputLength: 4, MaxOutputLength: 4, TruncInputsLast: true, TruncOutputsLast: true})
	require.NoError(t, err)
	assert.Equal(t, []int32{bytePad, int32('b') + byteOffset, byteEOS}, ds.Examples[0].OutputIDs)
}

func TestBatch(t *testing.T) {
	tok := ByteTokenizer{}
	pairs := []Pair{{InText: "ab", OutText: "c"}, {InText: "abcdef", OutText: "xyz"}}
	ds, err := Prepare(context.Background(), tok, pairs, PrepareOptions{MaxInputLength: 4, MaxOutputLength: 4, TruncInputsLast: true, TruncOutputsLast: true})
	require.NoError(t, err)

	b := ds.Tensors()
	require.Equal(t, 2, b.Size)
	require.Len(t, b.Inputs, 3)
	require.Len(t, b.Labels, 2)
	assert.Equal(t, []int{2, 4}, b.Inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 3}, b.Inputs[2].Shape().Dimensions)

	id := func(c byte) int32 { return int32(c) + byteOffset }
	assert.Equal(t, [][]int32{{id('a'), id('b'), 0, 0}, {id('a'), id('b'), id('c'), id('d')}}, b.Inputs[0].Value())
	assert.Equal(t, [][]bool{{true, true, false, false}, {true, true, true, true}}, b.Inputs[1].Value())
	assert.Equal(t, [][]int32{{0, id('c'), 0}, {0, id('x'), id('y')}}, b.Inputs[2].Value())
	assert.Equal(t, [][]int32{{id('c'), byteEOS, 0}, {id('x'), id('y'), byteEOS}}, b.Labels[0].Value())
	assert.Equal(t, [][]bool{{true, true, false}, {true, true, true}}, b.Labels[1].Value())

	sub := ds.Batch(1, 2)
	assert.Equal(t, 1, sub.Size)
	assert.Equal(t, []int32{0, id('x'), id('y')}, tensors.MustCopyFlatData[int32](sub.Inputs[2]))
}

func TestEvalDatasetVisitsAllOnce(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	tok := ByteTokenizer{}
	var pairs []Pair
	for ii := range 7 {
		pairs = append(pairs, Pair{InText: string(rune('a' + ii)), OutText: "o"})
	}
	ds, err := Prepare(context.Background(), tok, pairs, PrepareOptions{MaxInputLength: 2, MaxOutputLength: 3, TruncInputsLast: true, TruncOutputsLast: true})
	require.NoError(t, err)

	evalDS, err := ds.NewEvalDataset(backend, 3)
	require.NoError(t, err)
	var seen []int32
	var sizes []int
	for {
		_, inputs, _, err := evalDS.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, inputs[0].Shape().Dimensions[0])
		flat := tensors.MustCopyFlatData[int32](inputs[0])
		for row := range sizes[len(sizes)-1] {
			seen = append(seen, flat[row*2])
		}
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	require.Len(t, seen, 7)
	for ii, first := range seen {
		assert.Equal(t, int32('a'+ii)+byteOffset, first)
	}

	_, err = (&Dataset{Options: ds.Options}).NewEvalDataset(backend, 3)
	require.Error(t, err)
}

func TestTrainDatasetBatches(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	pairs := []Pair{{InText: "a", OutText: "b"}, {InText: "c", OutText: "d"}, {InText: "e", OutText: "f"}}
	ds, err := Prepare(context.Background(), ByteTokenizer{}, pairs, PrepareOptions{MaxInputLength: 2, MaxOutputLength: 2, TruncInputsLast: true, TruncOutputsLast: true})
	require.NoError(t, err)

	trainDS, err := ds.NewTrainDataset(backend, 2, 1)
	require.NoError(t, err)
	for range 5 {
		_, inputs, labels, err := trainDS.Yield()
		require.NoError(t, err, "train dataset must be infinite")
		assert.Equal(t, 2, inputs[0].Shape().Dimensions[0], "incomplete batches are dropped")
		assert.Equal(t, 2, labels[0].Shape().Dimensions[0])
	}

	// A split smaller than a batch still yields.
	small, err := ds.NewTrainDataset(backend, 8, 1)
	require.NoError(t, err)
	_, inputs, _, err := small.Yield()
	require.NoError(t, err)
	assert.Equal(t, 3, inputs[0].Shape().Dimensions[0])
}
