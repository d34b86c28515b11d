// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package data loads the raw (input, output) text pairs of a run and prepares them as
// tokenized, truncated and padded datasets.
package data

import (
	"context"
	"encoding/json"

	"github.com/gomlx/t5train/internal/storage"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDataFormat is wrapped by errors caused by a malformed data document.
var ErrDataFormat = errors.New("malformed data")

// Pair is one raw example: the model is trained to generate OutText given InText.
type Pair struct {
	InText  string `json:"in_text"`
	OutText string `json:"out_text"`
}

// Raw holds the two splits of the data document.
type Raw struct {
	Train, Eval []Pair
}

// rawRecord uses pointers to tell missing fields from empty ones.
type rawRecord struct {
	InText  *string `json:"in_text"`
	OutText *string `json:"out_text"`
}

type rawDocument struct {
	Train *[]rawRecord `json:"train"`
	Eval  *[]rawRecord `json:"eval"`
}

// LoadRaw reads the data document at path, a JSON object with the collections "train" and "eval",
// each a list of records with the fields "in_text" and "out_text".
func LoadRaw(ctx context.Context, fs storage.FS, path string) (*Raw, error) {
	contents, err := storage.ReadFile(ctx, fs, path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load data")
	}
	raw, err := ParseRaw(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", path)
	}
	klog.V(1).Infof("Loaded %d train and %d eval examples from %q", len(raw.Train), len(raw.Eval), path)
	return raw, nil
}

// ParseRaw parses the contents of a data document. See LoadRaw.
func ParseRaw(contents []byte) (*Raw, error) {
	var doc rawDocument
	if err := json.Unmarshal(contents, &doc); err != nil {
		return nil, errors.Wrapf(ErrDataFormat, "invalid JSON: %v", err)
	}
	if doc.Train == nil {
		return nil, errors.Wrap(ErrDataFormat, `missing "train" collection`)
	}
	if doc.Eval == nil {
		return nil, errors.Wrap(ErrDataFormat, `missing "eval" collection`)
	}
	raw := &Raw{}
	var err error
	if raw.Train, err = toPairs("train", *doc.Train); err != nil {
		return nil, err
	}
	if raw.Eval, err = toPairs("eval", *doc.Eval); err != nil {
		return nil, err
	}
	return raw, nil
}

func toPairs(split string, records []rawRecord) ([]Pair, error) {
	pairs := make([]Pair, len(records))
	for ii, record := range records {
		if record.InText == nil {
			return nil, errors.Wrapf(ErrDataFormat, `%s[%d] is missing the "in_text" field`, split, ii)
		}
		if record.OutText == nil {
			return nil, errors.Wrapf(ErrDataFormat, `%s[%d] is missing the "out_text" field`, split, ii)
		}
		pairs[ii] = Pair{InText: *record.InText, OutText: *record.OutText}
	}
	return pairs, nil
}

// Inputs returns the InText of each pair.
func Inputs(pairs []Pair) []string {
	texts := make([]string, len(pairs))
	for ii, p := range pairs {
		texts[ii] = p.InText
	}
	return texts
}

// Outputs returns the OutText of each pair.
func Outputs(pairs []Pair) []string {
	texts := make([]string, len(pairs))
	for ii, p := range pairs {
		texts[ii] = p.OutText
	}
	return texts
}
