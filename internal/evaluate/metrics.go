// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"math"
	"strings"
)

// Reference metric names returned by ComputeMetrics.
const (
	MetricExactMatch      = "exact_match"
	MetricTokenF1         = "token_f1"
	MetricBLEU            = "bleu"
	MetricRougeL          = "rouge_l"
	MetricNumExamples     = "num_examples"
	MetricAvgOutputLength = "avg_output_length"
)

// maxBLEUOrder is the largest n-gram used by BLEU.
const maxBLEUOrder = 4

// tokenize lower-cases and splits on white space.
func tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// ComputeMetrics compares the generated predictions with their references, pairwise.
//
// exact_match, token_f1 and rouge_l are averaged over the examples; bleu is the corpus BLEU-4 with
// add-one smoothing for n > 1; avg_output_length is the mean number of words of the predictions.
// All metrics are 0 for no examples.
func ComputeMetrics(predictions, references []string) map[string]float64 {
	n := min(len(predictions), len(references))
	metrics := map[string]float64{
		MetricExactMatch:      0,
		MetricTokenF1:         0,
		MetricBLEU:            0,
		MetricRougeL:          0,
		MetricNumExamples:     float64(n),
		MetricAvgOutputLength: 0,
	}
	if n == 0 {
		return metrics
	}

	var bleu bleuStats
	for ii := range n {
		pred, ref := tokenize(predictions[ii]), tokenize(references[ii])
		if strings.TrimSpace(predictions[ii]) == strings.TrimSpace(references[ii]) {
			metrics[MetricExactMatch]++
		}
		metrics[MetricTokenF1] += tokenF1(pred, ref)
		metrics[MetricRougeL] += rougeL(pred, ref)
		metrics[MetricAvgOutputLength] += float64(len(pred))
		bleu.add(pred, ref)
	}
	for _, key := range []string{MetricExactMatch, MetricTokenF1, MetricRougeL, MetricAvgOutputLength} {
		metrics[key] /= float64(n)
	}
	metrics[MetricBLEU] = bleu.score()
	return metrics
}

func countTokens(tokens []string) map[string]int {
	counts := make(map[string]int, len(tokens))
	for _, token := range tokens {
		counts[token]++
	}
	return counts
}

// tokenF1 is the harmonic mean of the precision and recall of the words, counted with multiplicity.
func tokenF1(pred, ref []string) float64 {
	if len(pred) == 0 && len(ref) == 0 {
		return 1
	}
	if len(pred) == 0 || len(ref) == 0 {
		return 0
	}
	refCounts := countTokens(ref)
	common := 0
	for _, token := range pred {
		if refCounts[token] > 0 {
			refCounts[token]--
			common++
		}
	}
	if common == 0 {
		return 0
	}
	precision := float64(common) / float64(len(pred))
	recall := float64(common) / float64(len(ref))
	return 2 * precision * recall / (precision + recall)
}

// lcsLength is the length of the longest common subsequence.
func lcsLength(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for ii := range a {
		for jj := range b {
			if a[ii] == b[jj] {
				curr[jj+1] = prev[jj] + 1
			} else {
				curr[jj+1] = max(prev[jj+1], curr[jj])
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// rougeL is the F-measure of the longest common subsequence.
func rougeL(pred, ref []string) float64 {
	if len(pred) == 0 && len(ref) == 0 {
		return 1
	}
	lcs := lcsLength(pred, ref)
	if lcs == 0 {
		return 0
	}
	precision := float64(lcs) / float64(len(pred))
	recall := float64(lcs) / float64(len(ref))
	return 2 * precision * recall / (precision + recall)
}

// bleuStats accumulates the corpus statistics of BLEU.
type bleuStats struct {
	matches, totals [maxBLEUOrder]int
	predLen, refLen int
}

func ngrams(tokens []string, order int) map[string]int {
	counts := make(map[string]int)
	for ii := 0; ii+order <= len(tokens); ii++ {
		counts[strings.Join(tokens[ii:ii+order], "\x00")]++
	}
	return counts
}

func (s *bleuStats) add(pred, ref []string) {
	s.predLen += len(pred)
	s.refLen += len(ref)
	for order := 1; order <= maxBLEUOrder; order++ {
		refCounts := ngrams(ref, order)
		for gram, count := range ngrams(pred, order) {
			s.matches[order-1] += min(count, refCounts[gram])
		}
		s.totals[order-1] += max(len(pred)-order+1, 0)
	}
}

func (s *bleuStats) score() float64 {
	if s.predLen == 0 || s.matches[0] == 0 {
		return 0
	}
	var logPrecisions float64
	for order := range maxBLEUOrder {
		matches, total := float64(s.matches[order]), float64(s.totals[order])
		if order > 0 {
			matches++
			total++
		}
		logPrecisions += math.Log(matches / total)
	}
	brevity := 1.0
	if s.predLen < s.refLen {
		brevity = math.Exp(1 - float64(s.refLen)/float64(s.predLen))
	}
	return brevity * math.Exp(logPrecisions/maxBLEUOrder)
}
