// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainloop drives the training of a seq2seq model: it runs the train steps, logs the train loss,
// evaluates periodically and saves checkpoints.
package trainloop

import (
	gocontext "context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/t5train/internal/data"
	"github.com/gomlx/t5train/internal/evaluate"
	"github.com/gomlx/t5train/internal/seq2seq"
	"github.com/gomlx/t5train/internal/storage"
	"github.com/gomlx/t5train/internal/tracking"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BestDir is the sub-directory of the save directory holding the best checkpoint.
const BestDir = "best"

// BestEvalFile in BestDir records the evaluation of the best checkpoint.
const BestEvalFile = "best_eval.json"

// BestEval is the evaluation of the best checkpoint, stored in BestEvalFile.
type BestEval struct {
	Loss       float64 `json:"loss"`
	Step       int     `json:"step"`
	GlobalStep int     `json:"global_step"`
}

// ReadBestEval reads the evaluation of the best checkpoint in bestDir. It returns os.ErrNotExist (wrapped)
// if there is none.
func ReadBestEval(bestDir string) (BestEval, error) {
	var best BestEval
	contents, err := os.ReadFile(filepath.Join(bestDir, BestEvalFile))
	if err != nil {
		return best, errors.Wrapf(err, "failed to read best evaluation")
	}
	if err = json.Unmarshal(contents, &best); err != nil {
		return best, errors.Wrapf(err, "failed to parse %q", filepath.Join(bestDir, BestEvalFile))
	}
	return best, nil
}

// Options for Run.
type Options struct {
	Trainer   *seq2seq.Trainer
	Inference *seq2seq.Inference

	// Evaluator is optional. Without it, there is no evaluation and SaveBest is ignored.
	Evaluator *evaluate.Evaluator

	// TrainData is the prepared training split.
	TrainData *data.Dataset

	// Seed for the shuffling of the training split.
	Seed int64

	// SaveDir where checkpoints are written. If empty, no checkpoint is saved.
	SaveDir string

	Schedule Schedule

	// Tracker receives the train loss and evaluation metrics. Defaults to tracking.Noop.
	Tracker tracking.Tracker

	// Quiet disables the progress bar.
	Quiet bool
}

// state of a run, shared by the loop hooks.
type state struct {
	opts       Options
	ctx        gocontext.Context
	periodic   *checkpoints.Handler
	bestDir    string
	bestLoss   float64
	lastEval   int
	lossSum    float64
	lossCount  int
	lastReport *evaluate.Report
}

// Run trains for the number of steps of the Schedule, and returns the trainer and inference, with the updated
// model.
//
// It is meant to be called within the mesh scope of the run.
func Run(ctx gocontext.Context, opts Options) (*seq2seq.Trainer, *seq2seq.Inference, error) {
	if opts.Trainer == nil || opts.Inference == nil || opts.TrainData == nil {
		return nil, nil, errors.New("trainloop.Run requires a trainer, an inference and a training split")
	}
	if err := opts.Schedule.Validate(); err != nil {
		return nil, nil, err
	}
	if opts.Tracker == nil {
		opts.Tracker = tracking.Noop{}
	}
	if opts.TrainData.Len() == 0 {
		return nil, nil, errors.New("training split is empty")
	}
	s := &state{opts: opts, ctx: ctx, bestLoss: math.Inf(1), lastEval: -1}
	if err := s.createCheckpointHandlers(); err != nil {
		return nil, nil, err
	}

	trainer := opts.Trainer
	ds, err := trainer.TrainDataset(opts.TrainData, opts.Schedule.BatchSize, opts.Seed)
	if err != nil {
		return nil, nil, err
	}
	loop := train.NewLoop(trainer.Trainer)
	if !opts.Quiet {
		commandline.AttachProgressBar(loop, s.progressBarEvalLoss)
	}
	loop.OnStep("t5train", 100, s.onStep)

	totalSteps := opts.Schedule.TotalSteps(opts.TrainData.Len())
	remaining := totalSteps - loop.LoopStep
	klog.Infof("Training %d steps (%d examples, batch size %d, %d gradient accumulation steps), starting at step %d",
		totalSteps, opts.TrainData.Len(), opts.Schedule.BatchSize, opts.Schedule.GradAccumSteps, loop.LoopStep)
	if remaining > 0 {
		if _, err = loop.RunSteps(ds, remaining); err != nil {
			return nil, nil, errors.WithMessagef(err, "training failed")
		}
		klog.Infof("Median train step duration: %s", commandline.FormatDuration(loop.MedianTrainStepDuration()))
	} else {
		klog.Warningf("Model already trained for %d steps, nothing to do", loop.LoopStep)
	}
	if err = ctx.Err(); err != nil {
		return nil, nil, err
	}

	finalStep := loop.LoopStep
	if s.lossCount > 0 {
		if err = s.logTrainLoss(finalStep); err != nil {
			return nil, nil, err
		}
	}
	if s.lastEval != finalStep {
		if err = s.evaluate(finalStep); err != nil {
			return nil, nil, err
		}
	}
	if opts.Schedule.SaveAtEnd && s.periodic != nil {
		if err = s.periodic.Save(); err != nil {
			return nil, nil, errors.WithMessagef(err, "failed to save final checkpoint")
		}
		klog.Infof("Final checkpoint saved to %s", s.periodic.Dir())
	}
	return opts.Trainer, opts.Inference, nil
}

// createCheckpointHandlers must be called before the loop is created: the periodic handler
// restores the latest checkpoint of the save directory, if there is one.
func (s *state) createCheckpointHandlers() error {
	sched := s.opts.Schedule
	saveDir := s.opts.SaveDir
	needsBest := sched.SaveBest && s.opts.Evaluator != nil
	needsPeriodic := sched.SaveEvery > 0 || sched.SaveAtEnd
	if !needsBest && !needsPeriodic {
		return nil
	}
	if saveDir == "" {
		klog.Warningf("No save directory (exp_name or outputs_path unset): checkpoints will not be saved")
		return nil
	}
	if storage.IsRemote(saveDir) {
		klog.Warningf("Checkpoints can only be saved to a local directory, not to %q: checkpoints will not be saved", saveDir)
		return nil
	}

	ctx := s.opts.Trainer.Context()
	var err error
	if needsPeriodic {
		s.periodic, err = checkpoints.Build(ctx).Dir(saveDir).Keep(sched.KeepCheckpoints()).Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to create checkpoints in %q", saveDir)
		}
		if has, _ := s.periodic.HasCheckpoints(); has {
			klog.Infof("Resumed from the latest checkpoint in %s", saveDir)
		}
	}
	if needsBest {
		return s.restoreBest(filepath.Join(saveDir, BestDir))
	}
	return nil
}

// restoreBest sets the best loss to the one of the best checkpoint of a previous run, if any.
// That checkpoint is only replaced by a better one.
func (s *state) restoreBest(bestDir string) error {
	s.bestDir = bestDir
	if err := os.RemoveAll(stagingDir(bestDir)); err != nil {
		return errors.Wrapf(err, "failed to remove incomplete best checkpoint")
	}
	existing, err := filepath.Glob(filepath.Join(bestDir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	if err != nil {
		return errors.Wrapf(err, "failed to list %q", bestDir)
	}
	if len(existing) == 0 {
		return nil
	}
	best, err := ReadBestEval(bestDir)
	if err != nil {
		return errors.WithMessagef(err, "best checkpoint directory %q has no recorded evaluation loss, "+
			"remove it or use a different exp_name", bestDir)
	}
	s.bestLoss = best.Loss
	klog.Infof("Best evaluation loss so far %.4f (step %d), in %s", best.Loss, best.Step, bestDir)
	return nil
}

func stagingDir(bestDir string) string { return bestDir + ".new" }

// saveBest writes a checkpoint with its evaluation to a staging directory, and then swaps it with the
// previous best checkpoint. Each save uses a new handler over an empty directory: a handler over
// existing checkpoints loads them into the context.
func (s *state) saveBest(step int, loss float64) error {
	staging := stagingDir(s.bestDir)
	if err := os.RemoveAll(staging); err != nil {
		return errors.Wrapf(err, "failed to clear %q", staging)
	}
	handler, err := checkpoints.Build(s.opts.Trainer.Context()).Dir(staging).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create best checkpoint in %q", staging)
	}
	if err = handler.Save(); err != nil {
		return err
	}
	contents, err := json.MarshalIndent(BestEval{Loss: loss, Step: step, GlobalStep: int(s.opts.Trainer.GlobalStep())}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize best evaluation")
	}
	if err = os.WriteFile(filepath.Join(staging, BestEvalFile), contents, 0o644); err != nil {
		return errors.Wrap(err, "failed to write best evaluation")
	}

	previous := s.bestDir + ".old"
	if err = os.RemoveAll(previous); err != nil {
		return errors.Wrapf(err, "failed to clear %q", previous)
	}
	if err = os.Rename(s.bestDir, previous); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to move previous best checkpoint")
	}
	if err = os.Rename(staging, s.bestDir); err != nil {
		return errors.Wrapf(err, "failed to move best checkpoint in place")
	}
	if err = os.RemoveAll(previous); err != nil {
		klog.Warningf("Failed to remove previous best checkpoint %q: %v", previous, err)
	}
	return nil
}

func (s *state) onStep(loop *train.Loop, metrics []*tensors.Tensor) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.lossSum += shapes.ConvertTo[float64](metrics[0].Value())
	s.lossCount++

	sched := s.opts.Schedule
	step := loop.LoopStep + 1
	if every(sched.LogEvery, step) {
		if err := s.logTrainLoss(step); err != nil {
			return err
		}
	}
	if every(sched.EvalEvery, step) {
		if err := s.evaluate(step); err != nil {
			return err
		}
	}
	if every(sched.SaveEvery, step) && s.periodic != nil {
		if err := s.periodic.Save(); err != nil {
			return errors.WithMessagef(err, "failed to save checkpoint at step %d", step)
		}
		klog.V(1).Infof("Checkpoint saved at step %d", step)
	}
	return nil
}

// logTrainLoss logs the mean train loss since the last call.
func (s *state) logTrainLoss(step int) error {
	if s.lossCount == 0 {
		return nil
	}
	meanLoss := s.lossSum / float64(s.lossCount)
	s.lossSum, s.lossCount = 0, 0
	klog.Infof("Step %d: train loss %.4f", step, meanLoss)
	return s.opts.Tracker.Log(step, map[string]float64{
		"train/loss":        meanLoss,
		"train/global_step": float64(s.opts.Trainer.GlobalStep()),
	})
}

// evaluate runs the evaluator, if any, and keeps the best checkpoint.
func (s *state) evaluate(step int) error {
	s.lastEval = step
	if s.opts.Evaluator == nil {
		return nil
	}
	report, err := s.opts.Evaluator.Evaluate(s.ctx, s.opts.Inference)
	if err != nil {
		return errors.WithMessagef(err, "evaluation at step %d failed", step)
	}
	s.lastReport = &report
	klog.Infof("Evaluation at step %d:\n%s", step, report.Table())
	if err = s.opts.Tracker.Log(step, report.Flatten()); err != nil {
		return err
	}
	if s.bestDir != "" && report.NumLossExamples > 0 && report.Loss < s.bestLoss {
		s.bestLoss = report.Loss
		if err = s.saveBest(step, report.Loss); err != nil {
			return errors.WithMessagef(err, "failed to save best checkpoint at step %d", step)
		}
		klog.Infof("New best evaluation loss %.4f at step %d, checkpoint saved to %s", report.Loss, step, s.bestDir)
	}
	return nil
}

func (s *state) progressBarEvalLoss() (name, value string) {
	name = "Eval loss"
	if s.lastReport == nil {
		return name, "-"
	}
	return name, fmt.Sprintf("%.4f (best %.4f)", s.lastReport.Loss, s.bestLoss)
}
