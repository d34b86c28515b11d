// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// t5train fine-tunes a pretrained T5 encoder-decoder on a JSON dataset of (input text, output text) pairs,
// optionally sharded over a mesh of devices.
//
// Usage:
//
//	t5train [flags] <exp_name> <model_name> <data_json_path>
//
// Every option can also be given in a YAML file (--config) or as a T5TRAIN_<OPTION> environment variable.
// Flags take precedence over positional arguments, which take precedence over the environment and the file.
package main

import (
	gocontext "context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/t5train/internal/config"
	"github.com/gomlx/t5train/internal/setup"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// usages of the options, by option key.
var usages = map[string]string{
	"checkpoint_path":       "Checkpoint directory to initialize the model from.",
	"checkpoint_is_sharded": "checkpoint_path holds one shard_<process_index> sub-directory per process.",
	"from_pretrained":       "Without checkpoint_path, load the pretrained weights of model_name (hf tokenizer only).",
	"outputs_path":          "Root directory of the run artifacts: <outputs_path>/<exp_name>/shard_<process_index>.",
	"use_wandb":             "Track the run metrics.",
	"wandb_project":         "Project name recorded by the metrics tracker.",
	"do_pjit":               "Shard the model and the optimizer state over a mesh of devices.",
	"model_p_shape":         "Size of the model-parallel (mp) axis of the mesh.",
	"data_p_shape":          "Size of the data-parallel (dp) axis of the mesh.",
	"epochs":                "Number of epochs over the train split.",
	"max_steps":             "If > 0, the maximum number of train steps.",
	"lr":                    "Learning rate.",
	"weight_decay":          "Weight decay, applied by AdamW.",
	"train_bsize":           "Global batch size of one train step.",
	"grad_accum_steps":      "Number of train steps accumulated into one update.",
	"gradient_checkpoint":   "Rematerialize activations in the backward pass.",
	"max_input_length":      "Maximum number of input tokens.",
	"max_output_length":     "Maximum number of output tokens.",
	"trunc_inputs_last":     "Truncate over-length inputs at the end, otherwise at the start.",
	"trunc_outputs_last":    "Truncate over-length outputs at the end, otherwise at the start.",
	"log_every":             "Log the train loss every given number of steps.",
	"eval_every":            "Evaluate every given number of steps.",
	"inference_bsize":       "Batch size of evaluation and generation.",
	"inference_do_sample":   "Sample tokens in generation, otherwise decode greedily.",
	"gcloud_project":        "Billing project for gs:// paths.",
	"process_index":         "Index of this process in a multi-process job.",
	"process_count":         "Number of processes of the job.",
	"num_devices":           "Number of devices to use, 0 for all.",
	"seed":                  "Seed of the training randomness.",
	"eval_seed":             "Seed of the evaluator.",
	"save_every":            "If > 0, save a checkpoint every given number of steps.",
	"save_at_end":           "Save a checkpoint at the end of training.",
	"save_best":             "Keep a checkpoint of the model with the lowest eval loss.",
	"max_checkpoints":       "Number of periodic checkpoints kept, 0 keeps all.",
	"tracker_dir":           "Directory of the metrics tracker output, defaults to the save directory.",
	"hf_token":              "HuggingFace token, for private or gated models.",
	"hf_cache_dir":          "HuggingFace cache directory.",
	"tokenizer":             fmt.Sprintf("Tokenizer: %q (the model's) or %q.", config.TokenizerHF, config.TokenizerBytes),
	"quiet":                 "Disable the progress bar.",
	"set":                   `Model hyperparameters, e.g. --set="dropout_rate=0;d_ff=1024".`,
}

// defineFlags adds one flag per option, with its default value.
func defineFlags(flags *pflag.FlagSet) {
	values := config.Defaults()
	for key := range usages {
		if _, found := values[key]; !found {
			values[key] = ""
		}
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		name, usage := config.KeyToFlag(key), usages[key]
		switch value := values[key].(type) {
		case bool:
			flags.Bool(name, value, usage)
		case int:
			flags.Int(name, value, usage)
		case float64:
			flags.Float64(name, value, usage)
		case string:
			flags.String(name, value, usage)
		default:
			klog.Fatalf("option %q has unsupported default %v (%T)", key, value, value)
		}
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "t5train [flags] <exp_name> <model_name> <data_json_path>",
		Short: "Fine-tune a T5 model on (input text, output text) pairs",
		Long: `t5train fine-tunes a pretrained T5 encoder-decoder from the HuggingFace hub.

The data document is a JSON object with "train" and "eval" lists of
{"in_text": ..., "out_text": ...} pairs. Use "-" as <exp_name> to not
save anything.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile, map[string]string{
				"exp_name":       args[0],
				"model_name":     args[1],
				"data_json_path": args[2],
			}, cmd.Flags())
			if err != nil {
				return err
			}
			_, _, err = setup.Run(cmd.Context(), cfg, setup.Env{})
			return err
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "YAML configuration file.")
	defineFlags(cmd.Flags())
	return cmd
}

func main() {
	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	cmd := newRootCmd()
	cmd.Flags().AddFlagSet(pflag.CommandLine)

	ctx, stop := signal.NotifyContext(gocontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		klog.Fatalf("t5train: %+v", err)
	}
}
