// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the RunConfig of a fine-tuning run: every option the t5train
// command accepts, its defaults, and its validation.
//
// A RunConfig is built once (see Load), validated eagerly with RunConfig.Validate,
// and never mutated afterward.
package config

import (
	"fmt"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by all validation errors returned by RunConfig.Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// NoExperiment can be given as the experiment name on the command line to disable
// the persistence of run artifacts.
const NoExperiment = "-"

// RunConfig enumerates every option of a fine-tuning run.
//
// The `koanf` tags are the keys used in YAML configuration files and (upper-cased, with the
// T5TRAIN_ prefix) in environment variables.
type RunConfig struct {
	// ExpName names the experiment. Run artifacts are only persisted if it is set.
	ExpName string `koanf:"exp_name" yaml:"exp_name" json:"exp_name"`

	// ModelName is the HuggingFace repository id of the pretrained model (and tokenizer).
	ModelName string `koanf:"model_name" yaml:"model_name" json:"model_name"`

	// DataJSONPath points to the JSON document with the "train" and "eval" collections.
	// It may be a remote (gs://) path.
	DataJSONPath string `koanf:"data_json_path" yaml:"data_json_path" json:"data_json_path"`

	// CheckpointPath to initialize (or resume) the model from. Optional.
	CheckpointPath string `koanf:"checkpoint_path" yaml:"checkpoint_path" json:"checkpoint_path"`

	// FromPretrained initializes the model with the pretrained weights of ModelName, when no CheckpointPath
	// is given. Otherwise the model is trained from scratch.
	FromPretrained bool `koanf:"from_pretrained" yaml:"from_pretrained" json:"from_pretrained"`

	// CheckpointIsSharded indicates there is one checkpoint sub-directory per process, named "shard_<index>".
	CheckpointIsSharded bool `koanf:"checkpoint_is_sharded" yaml:"checkpoint_is_sharded" json:"checkpoint_is_sharded"`

	// OutputsPath is the root under which run artifacts and checkpoints are written.
	OutputsPath string `koanf:"outputs_path" yaml:"outputs_path" json:"outputs_path"`

	// UseWandb enables experiment tracking, under the WandbProject project.
	UseWandb     bool   `koanf:"use_wandb" yaml:"use_wandb" json:"use_wandb"`
	WandbProject string `koanf:"wandb_project" yaml:"wandb_project" json:"wandb_project"`

	// DoPjit enables the device mesh and the sharding of parameters and optimizer state.
	DoPjit bool `koanf:"do_pjit" yaml:"do_pjit" json:"do_pjit"`

	// ModelPShape and DataPShape are the sizes of the "mp" and "dp" mesh axes.
	ModelPShape int `koanf:"model_p_shape" yaml:"model_p_shape" json:"model_p_shape"`
	DataPShape  int `koanf:"data_p_shape" yaml:"data_p_shape" json:"data_p_shape"`

	// Epochs over the train split. MaxSteps, if > 0, caps the number of train steps.
	Epochs   int `koanf:"epochs" yaml:"epochs" json:"epochs"`
	MaxSteps int `koanf:"max_steps" yaml:"max_steps" json:"max_steps"`

	LR          float64 `koanf:"lr" yaml:"lr" json:"lr"`
	WeightDecay float64 `koanf:"weight_decay" yaml:"weight_decay" json:"weight_decay"`

	// TrainBSize is the global batch size of one train step.
	TrainBSize int `koanf:"train_bsize" yaml:"train_bsize" json:"train_bsize"`

	// GradAccumSteps is the number of train steps whose gradients are accumulated before one update.
	GradAccumSteps int `koanf:"grad_accum_steps" yaml:"grad_accum_steps" json:"grad_accum_steps"`

	// GradientCheckpoint requests re-materialization of activations. See DESIGN.md.
	GradientCheckpoint bool `koanf:"gradient_checkpoint" yaml:"gradient_checkpoint" json:"gradient_checkpoint"`

	MaxInputLength  int `koanf:"max_input_length" yaml:"max_input_length" json:"max_input_length"`
	MaxOutputLength int `koanf:"max_output_length" yaml:"max_output_length" json:"max_output_length"`

	// TruncInputsLast and TruncOutputsLast select which side of an over-length sequence is dropped:
	// if true the overflow is dropped from the end, otherwise from the start.
	TruncInputsLast  bool `koanf:"trunc_inputs_last" yaml:"trunc_inputs_last" json:"trunc_inputs_last"`
	TruncOutputsLast bool `koanf:"trunc_outputs_last" yaml:"trunc_outputs_last" json:"trunc_outputs_last"`

	LogEvery  int `koanf:"log_every" yaml:"log_every" json:"log_every"`
	EvalEvery int `koanf:"eval_every" yaml:"eval_every" json:"eval_every"`

	InferenceBSize    int  `koanf:"inference_bsize" yaml:"inference_bsize" json:"inference_bsize"`
	InferenceDoSample bool `koanf:"inference_do_sample" yaml:"inference_do_sample" json:"inference_do_sample"`

	// GCloudProject is the project used to access remote (gs://) storage.
	GCloudProject string `koanf:"gcloud_project" yaml:"gcloud_project" json:"gcloud_project"`

	// ProcessIndex and ProcessCount identify this process in a multi-process job.
	ProcessIndex int `koanf:"process_index" yaml:"process_index" json:"process_index"`
	ProcessCount int `koanf:"process_count" yaml:"process_count" json:"process_count"`

	// NumDevices to use, 0 uses all devices of the backend.
	NumDevices int `koanf:"num_devices" yaml:"num_devices" json:"num_devices"`

	// Seed is the base seed for training, EvalSeed the base seed of the evaluator.
	Seed     int64 `koanf:"seed" yaml:"seed" json:"seed"`
	EvalSeed int64 `koanf:"eval_seed" yaml:"eval_seed" json:"eval_seed"`

	// SaveEvery saves a checkpoint every given number of steps, if > 0.
	SaveEvery      int  `koanf:"save_every" yaml:"save_every" json:"save_every"`
	SaveAtEnd      bool `koanf:"save_at_end" yaml:"save_at_end" json:"save_at_end"`
	SaveBest       bool `koanf:"save_best" yaml:"save_best" json:"save_best"`
	MaxCheckpoints int  `koanf:"max_checkpoints" yaml:"max_checkpoints" json:"max_checkpoints"`

	// TrackerDir overrides where the experiment tracker writes its metrics. Defaults to the save directory.
	TrackerDir string `koanf:"tracker_dir" yaml:"tracker_dir" json:"tracker_dir"`

	HFToken    string `koanf:"hf_token" yaml:"-" json:"-"`
	HFCacheDir string `koanf:"hf_cache_dir" yaml:"hf_cache_dir" json:"hf_cache_dir"`

	// Tokenizer is either TokenizerHF or TokenizerBytes.
	Tokenizer string `koanf:"tokenizer" yaml:"tokenizer" json:"tokenizer"`

	// Quiet disables the progress bar.
	Quiet bool `koanf:"quiet" yaml:"quiet" json:"quiet"`

	// ModelSettings are GoMLX context hyperparameters, in the format "key=value;key2=value2".
	ModelSettings string `koanf:"set" yaml:"set" json:"set"`

	// ConfigFile used to load this configuration, if any.
	ConfigFile string `koanf:"config" yaml:"-" json:"config"`
}

const (
	TokenizerHF    = "hf"
	TokenizerBytes = "bytes"
)

// Defaults returns the configuration defaults, keyed by option name.
func Defaults() map[string]any {
	return map[string]any{
		"checkpoint_is_sharded": true,
		"from_pretrained":       true,
		"outputs_path":          "outputs/T5_train",
		"use_wandb":             false,
		"do_pjit":               true,
		"model_p_shape":         1,
		"data_p_shape":          1,
		"epochs":                1,
		"max_steps":             0,
		"lr":                    1e-5,
		"weight_decay":          0.0,
		"train_bsize":           16,
		"grad_accum_steps":      1,
		"gradient_checkpoint":   true,
		"max_input_length":      512,
		"max_output_length":     512,
		"trunc_inputs_last":     true,
		"trunc_outputs_last":    true,
		"log_every":             256,
		"eval_every":            256,
		"inference_bsize":       32,
		"inference_do_sample":   true,
		"process_index":         0,
		"process_count":         1,
		"num_devices":           0,
		"seed":                  1,
		"eval_seed":             0,
		"save_every":            0,
		"save_at_end":           false,
		"save_best":             true,
		"max_checkpoints":       0,
		"tokenizer":             TokenizerHF,
	}
}

// HasExperiment returns whether an experiment name was given.
func (c *RunConfig) HasExperiment() bool {
	return c.ExpName != "" && c.ExpName != NoExperiment
}

// CheckpointDir returns the checkpoint directory this process reads from:
// CheckpointPath itself or, if CheckpointIsSharded, its "shard_<ProcessIndex>" sub-directory.
// It returns "" if no CheckpointPath was given.
func (c *RunConfig) CheckpointDir() string {
	if c.CheckpointPath == "" {
		return ""
	}
	if c.CheckpointIsSharded {
		return ShardDir(c.CheckpointPath, c.ProcessIndex)
	}
	return c.CheckpointPath
}

// ShardDir returns the per-process sub-directory of dir.
func ShardDir(dir string, processIndex int) string {
	name := fmt.Sprintf("shard_%d", processIndex)
	if strings.Contains(dir, "://") {
		return strings.TrimSuffix(dir, "/") + "/" + name
	}
	return path.Join(dir, name)
}

// OptimizerAccumulates returns whether gradients are accumulated over multiple steps.
func (c *RunConfig) OptimizerAccumulates() bool {
	return c.GradAccumSteps > 1
}

// Validate checks all options and returns every problem found, wrapping ErrInvalidConfig.
func (c *RunConfig) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if c.ExpName == "" {
		addf("exp_name must be set (use %q for no experiment)", NoExperiment)
	}
	if c.ModelName == "" {
		addf("model_name must be set")
	}
	if c.DataJSONPath == "" {
		addf("data_json_path must be set")
	}
	if c.DataPShape < 1 || c.ModelPShape < 1 {
		addf("mesh shape must be positive, got data_p_shape=%d, model_p_shape=%d", c.DataPShape, c.ModelPShape)
	}
	if c.Epochs < 1 && c.MaxSteps <= 0 {
		addf("either epochs or max_steps must be > 0, got epochs=%d, max_steps=%d", c.Epochs, c.MaxSteps)
	}
	if c.MaxSteps < 0 {
		addf("max_steps must be >= 0, got %d", c.MaxSteps)
	}
	if c.LR <= 0 {
		addf("lr must be > 0, got %g", c.LR)
	}
	if c.WeightDecay < 0 {
		addf("weight_decay must be >= 0, got %g", c.WeightDecay)
	}
	if c.TrainBSize < 1 {
		addf("train_bsize must be > 0, got %d", c.TrainBSize)
	} else if c.DoPjit && c.DataPShape > 0 && c.TrainBSize%c.DataPShape != 0 {
		addf("train_bsize (%d) must be divisible by data_p_shape (%d)", c.TrainBSize, c.DataPShape)
	}
	if c.GradAccumSteps < 1 {
		addf("grad_accum_steps must be > 0, got %d", c.GradAccumSteps)
	}
	if c.MaxInputLength < 1 || c.MaxOutputLength < 2 {
		addf("max_input_length must be > 0 and max_output_length > 1, got %d and %d",
			c.MaxInputLength, c.MaxOutputLength)
	}
	if c.LogEvery < 1 || c.EvalEvery < 1 {
		addf("log_every and eval_every must be > 0, got %d and %d", c.LogEvery, c.EvalEvery)
	}
	if c.InferenceBSize < 1 {
		addf("inference_bsize must be > 0, got %d", c.InferenceBSize)
	}
	if c.ProcessCount < 1 || c.ProcessIndex < 0 || c.ProcessIndex >= c.ProcessCount {
		addf("invalid process_index=%d for process_count=%d", c.ProcessIndex, c.ProcessCount)
	} else if c.DoPjit && c.ProcessCount > 1 {
		addf("do_pjit requires a single process, got process_count=%d: the mesh only spans local devices", c.ProcessCount)
	}
	if c.NumDevices < 0 {
		addf("num_devices must be >= 0, got %d", c.NumDevices)
	}
	if c.SaveEvery < 0 || c.MaxCheckpoints < 0 {
		addf("save_every and max_checkpoints must be >= 0, got %d and %d", c.SaveEvery, c.MaxCheckpoints)
	}
	if c.UseWandb && c.WandbProject == "" {
		addf("wandb_project must be set when use_wandb is enabled")
	}
	if strings.Contains(c.CheckpointPath, "://") {
		addf("checkpoint_path must be a local directory, got %q", c.CheckpointPath)
	}
	switch c.Tokenizer {
	case TokenizerHF, TokenizerBytes:
	default:
		addf("tokenizer must be %q or %q, got %q", TokenizerHF, TokenizerBytes, c.Tokenizer)
	}
	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
