// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package seq2seq

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of the encoder-decoder architecture.
//
// The JSON fields follow the "config.json" of T5 models in the HuggingFace hub.
type Config struct {
	VocabSize        int     `json:"vocab_size"`
	DModel           int     `json:"d_model"`
	DKV              int     `json:"d_kv"`
	DFF              int     `json:"d_ff"`
	NumLayers        int     `json:"num_layers"`
	NumDecoderLayers int     `json:"num_decoder_layers"`
	NumHeads         int     `json:"num_heads"`
	LayerNormEpsilon float64 `json:"layer_norm_epsilon"`

	// RelativeAttentionNumBuckets and RelativeAttentionMaxDistance configure the relative position bias
	// of the self-attention, see RelativePositionBucket.
	RelativeAttentionNumBuckets  int `json:"relative_attention_num_buckets"`
	RelativeAttentionMaxDistance int `json:"relative_attention_max_distance"`

	// FeedForwardProj is "relu" (T5) or "gated-gelu" (T5 v1.1, flan-t5), or "gated-relu".
	FeedForwardProj string `json:"feed_forward_proj"`

	// TieWordEmbeddings projects the decoder output with the shared embeddings, instead of a separate
	// lm_head. The decoder output is then scaled by 1/sqrt(d_model).
	TieWordEmbeddings bool `json:"tie_word_embeddings"`

	DecoderStartTokenID int `json:"decoder_start_token_id"`
	PadTokenID          int `json:"pad_token_id"`
	EOSTokenID          int `json:"eos_token_id"`

	// MaxInputLength and MaxOutputLength bound the sequences given to the model.
	MaxInputLength  int `json:"-"`
	MaxOutputLength int `json:"-"`

	// DType of the parameters. Logits and loss are always computed in float32.
	DType dtypes.DType `json:"-"`
}

// Context hyperparameters that override the configuration, see ApplyContextParams.
const (
	ParamDModel           = "d_model"
	ParamDKV              = "d_kv"
	ParamDFF              = "d_ff"
	ParamNumLayers        = "num_layers"
	ParamNumDecoderLayers = "num_decoder_layers"
	ParamNumHeads         = "num_heads"
	ParamVocabSize        = "vocab_size"
	ParamFeedForwardProj  = "feed_forward_proj"
)

// Feed-forward variants, the values of Config.FeedForwardProj.
const (
	FeedForwardRelu      = "relu"
	FeedForwardGatedGelu = "gated-gelu"
	FeedForwardGatedRelu = "gated-relu"
)

// DefaultConfig is a small model, used when the model configuration is not downloaded.
func DefaultConfig() Config {
	return Config{
		VocabSize:        32128,
		DModel:           64,
		DKV:              16,
		DFF:              128,
		NumLayers:        2,
		NumDecoderLayers: 2,
		NumHeads:         4,
		LayerNormEpsilon: 1e-6,

		RelativeAttentionNumBuckets:  32,
		RelativeAttentionMaxDistance: 128,
		FeedForwardProj:              FeedForwardRelu,
		TieWordEmbeddings:            true,

		EOSTokenID:      1,
		MaxInputLength:  512,
		MaxOutputLength: 512,
		DType:           dtypes.Float32,
	}
}

// ParseHFConfig parses the contents of a HuggingFace "config.json", using DefaultConfig for missing values.
func ParseHFConfig(contents []byte) (Config, error) {
	cfg := DefaultConfig()
	cfg.NumDecoderLayers = 0
	if err := json.Unmarshal(contents, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse model configuration")
	}
	if cfg.NumDecoderLayers == 0 {
		cfg.NumDecoderLayers = cfg.NumLayers
	}
	return cfg, cfg.Validate()
}

// LoadHFConfig downloads (or reads from the cache) the "config.json" of the repository.
func LoadHFConfig(repo *hub.Repo) (Config, error) {
	configPath, err := repo.DownloadFile("config.json")
	if err != nil {
		return Config{}, errors.WithMessagef(err, "failed to download model configuration")
	}
	contents, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read model configuration from %q", configPath)
	}
	cfg, err := ParseHFConfig(contents)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "in %q", configPath)
	}
	klog.V(1).Infof("Model configuration: %+v", cfg)
	return cfg, nil
}

// ApplyContextParams overrides the architecture with the hyperparameters set in the context, e.g. with
// "-set=d_model=32;num_layers=1".
func (c Config) ApplyContextParams(ctx *context.Context) Config {
	c.DModel = context.GetParamOr(ctx, ParamDModel, c.DModel)
	c.DKV = context.GetParamOr(ctx, ParamDKV, c.DKV)
	c.DFF = context.GetParamOr(ctx, ParamDFF, c.DFF)
	c.NumLayers = context.GetParamOr(ctx, ParamNumLayers, c.NumLayers)
	c.NumDecoderLayers = context.GetParamOr(ctx, ParamNumDecoderLayers, c.NumDecoderLayers)
	c.NumHeads = context.GetParamOr(ctx, ParamNumHeads, c.NumHeads)
	c.VocabSize = context.GetParamOr(ctx, ParamVocabSize, c.VocabSize)
	c.FeedForwardProj = context.GetParamOr(ctx, ParamFeedForwardProj, c.FeedForwardProj)
	return c
}

// IsGated returns whether the feed-forward layers are gated, with two input kernels.
func (c Config) IsGated() bool {
	return strings.HasPrefix(c.FeedForwardProj, "gated-")
}

// activation of the feed-forward layers: "relu" or "gelu".
func (c Config) activation() string {
	return strings.TrimPrefix(c.FeedForwardProj, "gated-")
}

// DefaultContextParams returns the context hyperparameters that can be set, with the values of c.
func (c Config) DefaultContextParams() map[string]any {
	return map[string]any{
		ParamDModel:           c.DModel,
		ParamDKV:              c.DKV,
		ParamDFF:              c.DFF,
		ParamNumLayers:        c.NumLayers,
		ParamNumDecoderLayers: c.NumDecoderLayers,
		ParamNumHeads:         c.NumHeads,
		ParamVocabSize:        c.VocabSize,
		ParamFeedForwardProj:  c.FeedForwardProj,
	}
}

// Validate the configuration.
func (c Config) Validate() error {
	var problems []string
	for _, field := range []struct {
		name  string
		value int
	}{
		{"vocab_size", c.VocabSize},
		{"d_model", c.DModel},
		{"d_kv", c.DKV},
		{"d_ff", c.DFF},
		{"num_layers", c.NumLayers},
		{"num_decoder_layers", c.NumDecoderLayers},
		{"num_heads", c.NumHeads},
		{"max_input_length", c.MaxInputLength},
		{"max_output_length", c.MaxOutputLength},
		{"relative_attention_num_buckets", c.RelativeAttentionNumBuckets},
		{"relative_attention_max_distance", c.RelativeAttentionMaxDistance},
	} {
		if field.value <= 0 {
			problems = append(problems, field.name+" must be > 0")
		}
	}
	if c.RelativeAttentionNumBuckets > 0 && c.RelativeAttentionNumBuckets < 4 {
		problems = append(problems, "relative_attention_num_buckets must be >= 4")
	}
	if c.RelativeAttentionMaxDistance > 0 && c.RelativeAttentionMaxDistance <= c.RelativeAttentionNumBuckets/2 {
		problems = append(problems, "relative_attention_max_distance must be > relative_attention_num_buckets/2")
	}
	switch c.FeedForwardProj {
	case FeedForwardRelu, FeedForwardGatedGelu, FeedForwardGatedRelu:
	default:
		problems = append(problems, fmt.Sprintf("feed_forward_proj must be %q, %q or %q, got %q",
			FeedForwardRelu, FeedForwardGatedGelu, FeedForwardGatedRelu, c.FeedForwardProj))
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid model configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
