// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainloop

import (
	"github.com/gomlx/t5train/internal/config"
	"github.com/pkg/errors"
)

// Schedule of a training run. All step counts are train (micro-batch) steps, as in train.Loop.LoopStep.
type Schedule struct {
	// Epochs over the training split. Ignored if MaxSteps > 0.
	Epochs int

	// MaxSteps of optimizer updates, if > 0.
	MaxSteps int

	// BatchSize of each train step.
	BatchSize int

	// GradAccumSteps is the number of train steps per optimizer update.
	GradAccumSteps int

	// LogEvery, EvalEvery and SaveEvery steps. 0 disables them.
	LogEvery, EvalEvery, SaveEvery int

	// SaveBest keeps a checkpoint of the lowest evaluation loss, and SaveAtEnd saves a final checkpoint.
	SaveBest, SaveAtEnd bool

	// MaxCheckpoints periodic checkpoints are kept. 0 keeps all of them.
	MaxCheckpoints int
}

// ScheduleFromConfig extracts the Schedule of a run configuration.
func ScheduleFromConfig(cfg *config.RunConfig) Schedule {
	return Schedule{
		Epochs:         cfg.Epochs,
		MaxSteps:       cfg.MaxSteps,
		BatchSize:      cfg.TrainBSize,
		GradAccumSteps: cfg.GradAccumSteps,
		LogEvery:       cfg.LogEvery,
		EvalEvery:      cfg.EvalEvery,
		SaveEvery:      cfg.SaveEvery,
		SaveBest:       cfg.SaveBest,
		SaveAtEnd:      cfg.SaveAtEnd,
		MaxCheckpoints: cfg.MaxCheckpoints,
	}
}

// Validate the schedule.
func (s Schedule) Validate() error {
	if s.BatchSize <= 0 {
		return errors.Errorf("batch size must be > 0, got %d", s.BatchSize)
	}
	if s.GradAccumSteps <= 0 {
		return errors.Errorf("grad_accum_steps must be > 0, got %d", s.GradAccumSteps)
	}
	if s.MaxSteps <= 0 && s.Epochs <= 0 {
		return errors.Errorf("either max_steps or epochs must be > 0, got max_steps=%d, epochs=%d", s.MaxSteps, s.Epochs)
	}
	if s.LogEvery < 0 || s.EvalEvery < 0 || s.SaveEvery < 0 || s.MaxCheckpoints < 0 {
		return errors.Errorf("log_every, eval_every, save_every and max_checkpoints must be >= 0")
	}
	return nil
}

// TotalSteps returns the number of train steps for a training split of numExamples.
//
// It is MaxSteps if set, otherwise Epochs * ceil(numExamples/BatchSize), in both cases multiplied by GradAccumSteps.
func (s Schedule) TotalSteps(numExamples int) int {
	updates := s.MaxSteps
	if updates <= 0 {
		updates = s.Epochs * ((numExamples + s.BatchSize - 1) / s.BatchSize)
	}
	return updates * max(s.GradAccumSteps, 1)
}

// KeepCheckpoints returns the argument for checkpoints.Config.Keep.
func (s Schedule) KeepCheckpoints() int {
	if s.MaxCheckpoints <= 0 {
		return -1
	}
	return s.MaxCheckpoints
}

// every reports whether the 1-based step hits the cadence n.
func every(n, step int) bool {
	return n > 0 && step%n == 0
}
