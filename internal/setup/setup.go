// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package setup wires a run together from its configuration: it loads and tokenizes the data, creates the mesh,
// the model and its sharding plan, the trainer, inference and evaluator, and then runs the training loop.
package setup

import (
	gocontext "context"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/t5train/internal/artifacts"
	"github.com/gomlx/t5train/internal/config"
	"github.com/gomlx/t5train/internal/data"
	"github.com/gomlx/t5train/internal/evaluate"
	"github.com/gomlx/t5train/internal/mesh"
	"github.com/gomlx/t5train/internal/seq2seq"
	"github.com/gomlx/t5train/internal/shard"
	"github.com/gomlx/t5train/internal/storage"
	"github.com/gomlx/t5train/internal/tracking"
	"github.com/gomlx/t5train/internal/trainloop"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Env holds the dependencies of a run that can be injected, mostly for testing.
// Zero values are replaced by the defaults derived from the configuration.
type Env struct {
	// Backend to run on. Defaults to backends.MustNew().
	Backend backends.Backend

	// FS for data, artifacts and tracking. Defaults to storage.New.
	FS storage.FS

	// Tokenizer defaults to the one selected by RunConfig.Tokenizer.
	Tokenizer data.Tokenizer

	// ModelConfig defaults to the "config.json" of the model in the HuggingFace hub, or to
	// seq2seq.DefaultConfig for the bytes tokenizer.
	ModelConfig *seq2seq.Config

	// Weights downloads the files of the pretrained weights. Defaults to the HuggingFace repository of the
	// model for the hf tokenizer. Without it, the bytes tokenizer trains from scratch.
	Weights seq2seq.Downloader
}

// Setup holds every object of a run, built by Build.
type Setup struct {
	Config       *config.RunConfig
	Capabilities config.Capabilities

	Backend   backends.Backend
	FS        storage.FS
	Tokenizer data.Tokenizer

	TrainData, EvalData *data.Dataset

	Scope     mesh.Scope
	Context   *context.Context
	Model     *seq2seq.Model
	Plan      *shard.Plan
	Trainer   *seq2seq.Trainer
	Inference *seq2seq.Inference
	Evaluator *evaluate.Evaluator

	// SaveDir is empty if there is no experiment name or outputs path: nothing is persisted then.
	SaveDir string
}

// Build creates all the objects of the run described by cfg.
func Build(ctx gocontext.Context, cfg *config.RunConfig, env Env) (*Setup, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Setup{Config: cfg, Backend: env.Backend, FS: env.FS, Tokenizer: env.Tokenizer}
	if s.Backend == nil {
		err := exceptions.TryCatch[error](func() { s.Backend = backends.MustNew() })
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create backend")
		}
	}
	if s.FS == nil {
		s.FS = storage.New(storage.Options{GCloudProject: cfg.GCloudProject})
	}
	s.Capabilities = config.QueryCapabilities(s.Backend)
	klog.Infof("Backend %q with %d devices (half precision: %v)",
		s.Capabilities.BackendName, s.Capabilities.NumDevices, s.Capabilities.HalfPrecision)
	if cfg.GradientCheckpoint {
		klog.Warningf("gradient_checkpoint is recorded in the run artifacts, but rematerialization is left to the backend")
	}

	// Model configuration and tokenizer.
	var repo *hub.Repo
	if cfg.Tokenizer == config.TokenizerHF && (env.Tokenizer == nil || env.ModelConfig == nil) {
		repo = newRepo(cfg)
	}
	modelCfg, err := s.modelConfig(repo, env.ModelConfig)
	if err != nil {
		return nil, err
	}
	if s.Tokenizer == nil {
		if repo == nil {
			s.Tokenizer = data.ByteTokenizer{}
		} else if s.Tokenizer, err = data.NewHFTokenizer(repo, modelCfg.VocabSize); err != nil {
			return nil, err
		}
	}
	if s.Tokenizer.VocabSize() > modelCfg.VocabSize {
		return nil, errors.Errorf("tokenizer vocabulary (%d) is larger than the model's (%d)",
			s.Tokenizer.VocabSize(), modelCfg.VocabSize)
	}

	// Datasets.
	raw, err := data.LoadRaw(ctx, s.FS, cfg.DataJSONPath)
	if err != nil {
		return nil, err
	}
	prepareOpts := data.PrepareOptions{
		MaxInputLength:   cfg.MaxInputLength,
		MaxOutputLength:  cfg.MaxOutputLength,
		TruncInputsLast:  cfg.TruncInputsLast,
		TruncOutputsLast: cfg.TruncOutputsLast,
	}
	if s.TrainData, err = data.Prepare(ctx, s.Tokenizer, raw.Train, prepareOpts); err != nil {
		return nil, errors.WithMessagef(err, "train split")
	}
	if s.EvalData, err = data.Prepare(ctx, s.Tokenizer, raw.Eval, prepareOpts); err != nil {
		return nil, errors.WithMessagef(err, "eval split")
	}
	klog.Infof("Datasets: %d train and %d eval examples", s.TrainData.Len(), s.EvalData.Len())

	// Mesh.
	numDevices := s.Capabilities.UsableDevices(cfg.NumDevices)
	s.Scope, err = mesh.New(mesh.Config{DoPjit: cfg.DoPjit, DataParallel: cfg.DataPShape, ModelParallel: cfg.ModelPShape},
		mesh.LocalDevices(numDevices, cfg.ProcessIndex, cfg.ProcessCount))
	if err != nil {
		return nil, err
	}

	// Model, optionally restored from a checkpoint, and its sharding plan.
	modelCfg.MaxInputLength, modelCfg.MaxOutputLength = cfg.MaxInputLength, cfg.MaxOutputLength
	modelCfg.DType = s.Capabilities.ParamDType()
	if s.Model, err = seq2seq.NewModel(modelCfg); err != nil {
		return nil, err
	}
	s.Context.SetRNGStateFromSeed(cfg.Seed)
	if dir := cfg.CheckpointDir(); dir != "" {
		if storage.IsRemote(dir) {
			return nil, errors.Errorf("checkpoint_path must be a local directory, got %q", dir)
		}
		if err = seq2seq.LoadCheckpoint(s.Context, dir); err != nil {
			return nil, err
		}
	}
	if err = s.Model.DeclareVariables(s.Context); err != nil {
		return nil, err
	}
	if cfg.CheckpointDir() == "" {
		if err = s.loadPretrained(repo, env.Weights); err != nil {
			return nil, err
		}
	}
	trainerOpts := seq2seq.TrainerOptions{
		LearningRate:   cfg.LR,
		WeightDecay:    cfg.WeightDecay,
		GradAccumSteps: cfg.GradAccumSteps,
	}
	s.Plan, err = shard.NewPlan(s.Context, s.Scope, shard.T5Rules(), trainerOpts.PlanOptions())
	if err != nil {
		return nil, err
	}

	// Trainer, inference and evaluator share the model variables and the plan.
	if s.Trainer, err = seq2seq.NewTrainer(s.Backend, s.Context, s.Model, s.Plan, trainerOpts); err != nil {
		return nil, err
	}
	if s.Inference, err = seq2seq.NewInference(s.Backend, s.Context, s.Model, s.Plan, s.Tokenizer); err != nil {
		return nil, err
	}
	s.Evaluator, err = evaluate.New(s.EvalData, evaluate.NewSeeds(cfg.EvalSeed), evaluate.Options{
		BatchSize:       cfg.InferenceBSize,
		DoSample:        cfg.InferenceDoSample,
		MaxInputLength:  cfg.MaxInputLength,
		MaxOutputLength: cfg.MaxOutputLength,
		TruncInputsLast: cfg.TruncInputsLast,
	})
	if err != nil {
		return nil, err
	}

	s.SaveDir, _ = artifacts.SaveDir(cfg.OutputsPath, cfg.ExpName, cfg.ProcessIndex)
	return s, nil
}

func newRepo(cfg *config.RunConfig) *hub.Repo {
	repo := hub.New(cfg.ModelName).WithAuth(cfg.HFToken)
	if cfg.HFCacheDir != "" {
		repo = repo.WithCacheDir(cfg.HFCacheDir)
	}
	return repo
}

// loadPretrained sets the model variables to the pretrained weights, unless the run trains from scratch.
func (s *Setup) loadPretrained(repo *hub.Repo, download seq2seq.Downloader) error {
	cfg := s.Config
	if !cfg.FromPretrained {
		klog.Infof("from_pretrained=false: training from scratch")
		return nil
	}
	if download == nil {
		if cfg.Tokenizer != config.TokenizerHF {
			klog.Infof("Tokenizer %q has no pretrained weights: training from scratch", cfg.Tokenizer)
			return nil
		}
		if repo == nil {
			repo = newRepo(cfg)
		}
		download = repo.DownloadFile
	}
	if err := s.Model.LoadPretrained(s.Context, download); err != nil {
		return errors.WithMessagef(err, "failed to load the pretrained weights of %q", cfg.ModelName)
	}
	return nil
}

// modelConfig returns the architecture of the model, with the context hyperparameters applied.
// It also creates the context of the run, holding those hyperparameters.
func (s *Setup) modelConfig(repo *hub.Repo, given *seq2seq.Config) (seq2seq.Config, error) {
	var modelCfg seq2seq.Config
	switch {
	case given != nil:
		modelCfg = *given
	case repo != nil:
		var err error
		if modelCfg, err = seq2seq.LoadHFConfig(repo); err != nil {
			return modelCfg, err
		}
	default:
		modelCfg = seq2seq.DefaultConfig()
		modelCfg.VocabSize = data.ByteTokenizer{}.VocabSize()
	}

	s.Context = context.New()
	s.Context.SetParams(modelCfg.DefaultContextParams())
	if s.Config.ModelSettings != "" {
		paramsSet, err := commandline.ParseContextSettings(s.Context, s.Config.ModelSettings)
		if err != nil {
			return modelCfg, errors.WithMessagef(err, "failed to parse -set=%q", s.Config.ModelSettings)
		}
		klog.Infof("Model hyperparameters: %s", commandline.SprintModifiedContextSettings(s.Context, paramsSet))
	}
	modelCfg = modelCfg.ApplyContextParams(s.Context)
	return modelCfg, modelCfg.Validate()
}

// Run enters the mesh scope and, within it, persists the run artifacts and trains.
// It returns the trained trainer and inference.
//
// A Setup can only be run once.
func (s *Setup) Run(ctx gocontext.Context) (trainer *seq2seq.Trainer, inference *seq2seq.Inference, err error) {
	cfg := s.Config
	err = s.Scope.Within(func() error {
		if s.SaveDir != "" {
			if err := artifacts.Persist(ctx, s.FS, s.SaveDir, cfg, s.Scope); err != nil {
				return err
			}
		} else {
			klog.Infof("No exp_name or outputs_path: run artifacts and checkpoints are not saved")
		}

		trackerDir := cfg.TrackerDir
		if trackerDir == "" {
			trackerDir = s.SaveDir
		}
		args, err := cfg.Args()
		if err != nil {
			return err
		}
		tracker, err := tracking.New(ctx, s.FS, tracking.Options{
			Enabled: cfg.UseWandb,
			Dir:     trackerDir,
			Project: cfg.WandbProject,
			RunName: cfg.ExpName,
			Config:  args,
		})
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := tracker.Close(); closeErr != nil {
				klog.Errorf("Failed to close the tracker: %+v", closeErr)
			}
		}()

		trainer, inference, err = trainloop.Run(ctx, trainloop.Options{
			Trainer:   s.Trainer,
			Inference: s.Inference,
			Evaluator: s.Evaluator,
			TrainData: s.TrainData,
			Seed:      cfg.Seed,
			SaveDir:   s.SaveDir,
			Schedule:  trainloop.ScheduleFromConfig(cfg),
			Tracker:   tracker,
			Quiet:     cfg.Quiet,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return trainer, inference, nil
}

// Run builds and runs the training described by cfg.
func Run(ctx gocontext.Context, cfg *config.RunConfig, env Env) (*seq2seq.Trainer, *seq2seq.Inference, error) {
	s, err := Build(ctx, cfg, env)
	if err != nil {
		return nil, nil, err
	}
	return s.Run(ctx)
}
