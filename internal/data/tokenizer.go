// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/pkg/errors"
)

// Tokenizer converts text to token ids and back.
type Tokenizer interface {
	// Encode text. Tokenizers with a post-processor (HuggingFace T5) may append the EOS token.
	Encode(text string) []int

	// Decode ids back to text. Special tokens are skipped.
	Decode(ids []int) string

	// PadID is also used as the decoder start token.
	PadID() int

	// EOSID marks the end of a sequence.
	EOSID() int

	// VocabSize is one more than the largest id the tokenizer generates.
	VocabSize() int
}

// HFTokenizer adapts a HuggingFace tokenizer.
type HFTokenizer struct {
	tok       api.Tokenizer
	padID     int
	eosID     int
	vocabSize int
}

// Compile-time check that HFTokenizer implements Tokenizer.
var _ Tokenizer = (*HFTokenizer)(nil)

// NewHFTokenizer loads the tokenizer of the HuggingFace repository.
//
// vocabSize is usually read from the model configuration, if 0 a fallback from the
// special tokens is used.
func NewHFTokenizer(repo *hub.Repo, vocabSize int) (*HFTokenizer, error) {
	tok, err := tokenizers.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load tokenizer")
	}
	padID, err := tok.SpecialTokenID(api.TokPad)
	if err != nil {
		return nil, errors.WithMessagef(err, "tokenizer has no pad token")
	}
	eosID, err := tok.SpecialTokenID(api.TokEndOfSentence)
	if err != nil {
		return nil, errors.WithMessagef(err, "tokenizer has no end-of-sentence token")
	}
	if vocabSize <= 0 {
		vocabSize = max(padID, eosID) + 1
	}
	return &HFTokenizer{tok: tok, padID: padID, eosID: eosID, vocabSize: vocabSize}, nil
}

// Encode implements Tokenizer.
func (t *HFTokenizer) Encode(text string) []int { return t.tok.Encode(text) }

// Decode implements Tokenizer.
func (t *HFTokenizer) Decode(ids []int) string {
	kept := make([]int, 0, len(ids))
	for _, id := range ids {
		if id != t.padID && id != t.eosID {
			kept = append(kept, id)
		}
	}
	return t.tok.Decode(kept)
}

// PadID implements Tokenizer.
func (t *HFTokenizer) PadID() int { return t.padID }

// EOSID implements Tokenizer.
func (t *HFTokenizer) EOSID() int { return t.eosID }

// VocabSize implements Tokenizer.
func (t *HFTokenizer) VocabSize() int { return t.vocabSize }

// ByteTokenizer maps each byte of UTF-8 text to one token, after the special tokens
// pad (0), eos (1) and unk (2).
//
// It needs no downloads, and it's used for tests and offline runs.
type ByteTokenizer struct{}

// Compile-time check that ByteTokenizer implements Tokenizer.
var _ Tokenizer = ByteTokenizer{}

const (
	bytePad = iota
	byteEOS
	byteUnknown
	byteOffset
)

// Encode implements Tokenizer.
func (ByteTokenizer) Encode(text string) []int {
	ids := make([]int, len(text))
	for ii := range len(text) {
		ids[ii] = int(text[ii]) + byteOffset
	}
	return ids
}

// Decode implements Tokenizer.
func (ByteTokenizer) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id < byteOffset || id >= byteOffset+256 {
			continue
		}
		buf = append(buf, byte(id-byteOffset))
	}
	return string(buf)
}

// PadID implements Tokenizer.
func (ByteTokenizer) PadID() int { return bytePad }

// EOSID implements Tokenizer.
func (ByteTokenizer) EOSID() int { return byteEOS }

// VocabSize implements Tokenizer.
func (ByteTokenizer) VocabSize() int { return byteOffset + 256 }
