// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shard computes how parameters and optimizer state are partitioned across the device mesh.
package shard

import (
	"regexp"

	"github.com/gomlx/compute/distributed"
	"github.com/gomlx/t5train/internal/mesh"
)

// Rule assigns an AxisSpec per parameter axis to the parameters whose path matches Pattern.
// Axes beyond the given ones are replicated.
type Rule struct {
	Pattern *regexp.Regexp
	Axes    []distributed.AxisSpec
}

// Rules are matched in order, the first match wins. Unmatched parameters are replicated.
type Rules []Rule

// Match returns the axes for the parameter path and whether a rule matched.
func (rules Rules) Match(path string) ([]distributed.AxisSpec, bool) {
	for _, rule := range rules {
		if rule.Pattern.MatchString(path) {
			return rule.Axes, true
		}
	}
	return nil, false
}

var (
	replicated  = distributed.ReplicatedAxis
	modelShards = distributed.AxisSpec{mesh.ModelAxis}
)

// T5Rules shards the embeddings, the attention heads and the feed-forward hidden units along the
// model parallel axis. Norm scales and relative attention biases are replicated.
func T5Rules() Rules {
	return Rules{
		{regexp.MustCompile(`^/model/shared/embeddings$`), []distributed.AxisSpec{replicated, modelShards}},
		{regexp.MustCompile(`/(attention|cross_attention)/(query|key|value)/kernel$`), []distributed.AxisSpec{replicated, modelShards}},
		{regexp.MustCompile(`/(attention|cross_attention)/output/kernel$`), []distributed.AxisSpec{modelShards}},
		{regexp.MustCompile(`/ffn/wi(_0|_1)?/kernel$`), []distributed.AxisSpec{replicated, modelShards}},
		{regexp.MustCompile(`/ffn/wo/kernel$`), []distributed.AxisSpec{modelShards}},
		{regexp.MustCompile(`^/model/lm_head/kernel$`), []distributed.AxisSpec{modelShards}},
	}
}
