// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainloop

import (
	gocontext "context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/t5train/internal/data"
	"github.com/gomlx/t5train/internal/evaluate"
	"github.com/gomlx/t5train/internal/mesh"
	"github.com/gomlx/t5train/internal/seq2seq"
	"github.com/gomlx/t5train/internal/shard"
	"github.com/gomlx/t5train/internal/storage"
	"github.com/gomlx/t5train/internal/tracking"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalSteps(t *testing.T) {
	for _, tc := range []struct {
		name     string
		schedule Schedule
		examples int
		want     int
	}{
		{"one epoch exact", Schedule{Epochs: 1, BatchSize: 4, GradAccumSteps: 1}, 8, 2},
		{"partial batch rounds up", Schedule{Epochs: 3, BatchSize: 4, GradAccumSteps: 1}, 9, 9},
		{"smaller than a batch", Schedule{Epochs: 2, BatchSize: 16, GradAccumSteps: 1}, 1, 2},
		{"gradient accumulation", Schedule{Epochs: 1, BatchSize: 2, GradAccumSteps: 4}, 4, 8},
		{"max steps wins", Schedule{Epochs: 10, MaxSteps: 5, BatchSize: 2, GradAccumSteps: 2}, 100, 10},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, tc.schedule.Validate())
			assert.Equal(t, tc.want, tc.schedule.TotalSteps(tc.examples))
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	valid := Schedule{Epochs: 1, BatchSize: 1, GradAccumSteps: 1}
	require.NoError(t, valid.Validate())
	for name, modify := range map[string]func(s *Schedule){
		"batch":      func(s *Schedule) { s.BatchSize = 0 },
		"accum":      func(s *Schedule) { s.GradAccumSteps = 0 },
		"no length":  func(s *Schedule) { s.Epochs = 0 },
		"log every":  func(s *Schedule) { s.LogEvery = -1 },
		"keep":       func(s *Schedule) { s.MaxCheckpoints = -2 },
		"save every": func(s *Schedule) { s.SaveEvery = -1 },
	} {
		s := valid
		modify(&s)
		assert.Error(t, s.Validate(), name)
	}
	assert.Equal(t, -1, valid.KeepCheckpoints())
	valid.MaxCheckpoints = 3
	assert.Equal(t, 3, valid.KeepCheckpoints())
}

func TestEvery(t *testing.T) {
	assert.False(t, every(0, 10))
	assert.True(t, every(5, 10))
	assert.False(t, every(3, 10))
}

var tinyPrepareOptions = data.PrepareOptions{
	MaxInputLength:   8,
	MaxOutputLength:  6,
	TruncInputsLast:  true,
	TruncOutputsLast: true,
}

var tinyPairs = []data.Pair{
	{InText: "abc", OutText: "ab"},
	{InText: "def", OutText: "de"},
	{InText: "ghi", OutText: "gh"},
	{InText: "jkl", OutText: "jk"},
}

// newRunOptions builds a tiny model, its trainer, inference and evaluator on a fresh context.
func newRunOptions(t *testing.T, gradAccumSteps int) Options {
	t.Helper()
	backend := graphtest.BuildTestBackend()
	cfg := seq2seq.DefaultConfig()
	cfg.VocabSize = data.ByteTokenizer{}.VocabSize()
	cfg.DModel, cfg.DKV, cfg.DFF, cfg.NumHeads = 16, 4, 32, 2
	cfg.NumLayers, cfg.NumDecoderLayers = 1, 1
	cfg.MaxInputLength, cfg.MaxOutputLength = tinyPrepareOptions.MaxInputLength, tinyPrepareOptions.MaxOutputLength
	model := must.M1(seq2seq.NewModel(cfg))

	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	require.NoError(t, model.DeclareVariables(ctx))
	scope := must.M1(mesh.New(mesh.Config{DoPjit: false}, mesh.LocalDevices(1, 0, 1)))
	plan := must.M1(shard.NewPlan(ctx, scope, shard.T5Rules(), shard.Options{}))

	trainer := must.M1(seq2seq.NewTrainer(backend, ctx, model, plan, seq2seq.TrainerOptions{
		LearningRate:   1e-2,
		GradAccumSteps: gradAccumSteps,
	}))
	inference := must.M1(seq2seq.NewInference(backend, ctx, model, plan, data.ByteTokenizer{}))
	ds := must.M1(data.Prepare(gocontext.Background(), data.ByteTokenizer{}, tinyPairs, tinyPrepareOptions))
	evaluator := must.M1(evaluate.New(ds, evaluate.NewSeeds(0), evaluate.Options{
		BatchSize:       2,
		MaxInputLength:  tinyPrepareOptions.MaxInputLength,
		MaxOutputLength: tinyPrepareOptions.MaxOutputLength,
	}))
	return Options{
		Trainer:   trainer,
		Inference: inference,
		Evaluator: evaluator,
		TrainData: ds,
		Seed:      1,
		Quiet:     true,
	}
}

func listCheckpoints(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
	require.NoError(t, err)
	return files
}

func TestRun(t *testing.T) {
	ctx := gocontext.Background()
	fs := storage.New(storage.Options{})
	saveDir := filepath.Join(t.TempDir(), "exp", "shard_0")
	tracker := must.M1(tracking.New(ctx, fs, tracking.Options{Enabled: true, Dir: saveDir, RunName: "exp"}))

	opts := newRunOptions(t, 1)
	opts.SaveDir = saveDir
	opts.Tracker = tracker
	opts.Schedule = Schedule{
		Epochs:         2,
		BatchSize:      2,
		GradAccumSteps: 1,
		LogEvery:       1,
		EvalEvery:      2,
		SaveEvery:      2,
		SaveBest:       true,
		SaveAtEnd:      true,
		MaxCheckpoints: 1,
	}
	trainer, inference, err := Run(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, tracker.Close())
	assert.Same(t, opts.Trainer, trainer)
	assert.Same(t, opts.Inference, inference)
	assert.Equal(t, 4, int(trainer.GlobalStep()))

	assert.Len(t, listCheckpoints(t, saveDir), 1, "only max_checkpoints periodic checkpoints are kept")
	assert.Len(t, listCheckpoints(t, filepath.Join(saveDir, BestDir)), 1)

	records := must.M1(tracking.ReadRecords(ctx, fs, filepath.Join(saveDir, tracking.FileName)))
	var trainSteps, evalSteps []int
	for _, record := range records[1:] {
		if _, found := record.Metrics["train/loss"]; found {
			trainSteps = append(trainSteps, record.Step)
		}
		if _, found := record.Metrics["loss/loss"]; found {
			evalSteps = append(evalSteps, record.Step)
			assert.Contains(t, record.Metrics, "reference/exact_match")
		}
	}
	assert.Equal(t, []int{1, 2, 3, 4}, trainSteps)
	assert.Equal(t, []int{2, 4}, evalSteps, "no extra evaluation at the end when the last step was evaluated")

	// A new run over the same save directory resumes from the last checkpoint: nothing left to train.
	resumed := newRunOptions(t, 1)
	resumed.SaveDir = saveDir
	resumed.Schedule = opts.Schedule
	resumed.Schedule.SaveBest = false
	trainer, _, err = Run(ctx, resumed)
	require.NoError(t, err)
	assert.Equal(t, 4, int(trainer.GlobalStep()))

	// The best checkpoint of a previous run without its evaluation is not overwritten.
	bestDir := filepath.Join(saveDir, BestDir)
	require.NoError(t, os.Remove(filepath.Join(bestDir, BestEvalFile)))
	stale := newRunOptions(t, 1)
	stale.SaveDir = saveDir
	stale.Schedule = opts.Schedule
	_, _, err = Run(ctx, stale)
	require.Error(t, err)
}

func TestRunTwice(t *testing.T) {
	ctx := gocontext.Background()
	saveDir := filepath.Join(t.TempDir(), "exp", "shard_0")
	bestDir := filepath.Join(saveDir, BestDir)
	schedule := Schedule{Epochs: 2, BatchSize: 2, GradAccumSteps: 1, EvalEvery: 1, SaveBest: true}
	run := func() {
		opts := newRunOptions(t, 1)
		opts.SaveDir = saveDir
		opts.Schedule = schedule
		trainer, _, err := Run(ctx, opts)
		require.NoError(t, err)
		assert.Equal(t, 4, int(trainer.GlobalStep()))
	}

	run()
	first, err := ReadBestEval(bestDir)
	require.NoError(t, err)
	assert.Greater(t, first.Loss, 0.0)
	assert.Equal(t, first.Step, first.GlobalStep)
	firstCheckpoints := listCheckpoints(t, bestDir)
	require.Len(t, firstCheckpoints, 1)

	// The same experiment again: same evaluations, none better than the recorded best.
	run()
	second, err := ReadBestEval(bestDir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, firstCheckpoints, listCheckpoints(t, bestDir))
	_, err = os.Stat(stagingDir(bestDir))
	assert.True(t, os.IsNotExist(err))

	// A worse recorded best is replaced.
	worse := first
	worse.Loss = 1e9
	require.NoError(t, os.WriteFile(filepath.Join(bestDir, BestEvalFile), must.M1(json.Marshal(worse)), 0o644))
	run()
	third, err := ReadBestEval(bestDir)
	require.NoError(t, err)
	assert.Equal(t, first.Loss, third.Loss)
	assert.Len(t, listCheckpoints(t, bestDir), 1)
}

func TestRunMaxStepsWithAccumulation(t *testing.T) {
	opts := newRunOptions(t, 2)
	opts.Evaluator = nil
	opts.Schedule = Schedule{Epochs: 100, MaxSteps: 3, BatchSize: 2, GradAccumSteps: 2, SaveBest: true, SaveAtEnd: true}
	trainer, _, err := Run(gocontext.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, int(trainer.GlobalStep()))
}

func TestRunErrors(t *testing.T) {
	ctx := gocontext.Background()
	_, _, err := Run(ctx, Options{})
	require.Error(t, err)

	opts := newRunOptions(t, 1)
	opts.Schedule = Schedule{Epochs: 1, BatchSize: 0, GradAccumSteps: 1}
	_, _, err = Run(ctx, opts)
	require.Error(t, err)

	opts.Schedule.BatchSize = 2
	cancelled, cancel := gocontext.WithCancel(ctx)
	cancel()
	_, _, err = Run(cancelled, opts)
	require.ErrorIs(t, err, gocontext.Canceled)
}
