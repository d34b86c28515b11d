// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	gocontext "context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/t5train/internal/artifacts"
	"github.com/gomlx/t5train/internal/storage"
	"github.com/gomlx/t5train/internal/tracking"
	"github.com/gomlx/t5train/internal/trainloop"
	"github.com/pkg/errors"
)

// inspector renders the artifacts of one save directory.
type inspector struct {
	w       io.Writer
	fs      storage.FS
	saveDir string
	scope   string
}

// checkpointDirs returns the checkpoint directories of the save directory that hold checkpoints, by name.
func (in *inspector) checkpointDirs() (names, dirs []string, err error) {
	for _, sub := range []string{"", trainloop.BestDir} {
		dir := filepath.Join(in.saveDir, sub)
		files, err := filepath.Glob(filepath.Join(dir, "checkpoint-*"+checkpoints.JsonNameSuffix))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to list checkpoints in %q", dir)
		}
		if len(files) == 0 {
			continue
		}
		name := sub
		if name == "" {
			name = "latest"
		}
		names = append(names, name)
		dirs = append(dirs, dir)
	}
	return
}

// loadCheckpoint reads the most recent checkpoint of dir into a new context.
func loadCheckpoint(dir string) (*context.Context, error) {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(dir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load checkpoint from %q", dir)
	}
	return ctx, nil
}

func (in *inspector) title(title string) {
	_, _ = fmt.Fprintln(in.w, titleStyle.Render(title))
}

// Summary of the run configuration and of its checkpoints.
func (in *inspector) Summary(manifest *artifacts.Manifest) error {
	in.title("Run")
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("save_dir", in.saveDir)
	if manifest != nil {
		cfg := manifest.Snapshot.Config
		table.Row("exp_name", cfg.ExpName)
		table.Row("model_name", cfg.ModelName)
		table.Row("data_json_path", cfg.DataJSONPath)
		if manifest.Snapshot.ConfigFile != "" {
			table.Row("config", manifest.Snapshot.ConfigFile)
		}
		if manifest.Mesh != nil {
			table.Row("mesh (dp x mp)", fmt.Sprintf("%d x %d", len(manifest.Mesh.Mesh), len(manifest.Mesh.Mesh[0])))
			table.Row("process", fmt.Sprintf("%d of %d", manifest.Mesh.ProcessIndex, manifest.Mesh.ProcessCount))
		} else {
			table.Row("mesh", "disabled")
		}
	}
	_, _ = fmt.Fprintln(in.w, table.Render())

	names, dirs, err := in.checkpointDirs()
	if err != nil {
		return err
	}
	if len(dirs) == 0 {
		_, _ = fmt.Fprintln(in.w, "No checkpoints.")
		return nil
	}
	in.title("Checkpoints")
	table = newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"checkpoint"}, names...)...)
	rows := [][]string{{"global_step"}, {"# variables"}, {"# parameters"}, {"# bytes"}}
	for _, dir := range dirs {
		ctx, err := loadCheckpoint(dir)
		if err != nil {
			return err
		}
		var numVars, totalSize int
		var totalMemory uintptr
		ctx.InAbsPath(in.scope).EnumerateVariablesInScope(func(v *context.Variable) {
			numVars++
			totalSize += v.Shape().Size()
			totalMemory += v.Shape().Memory()
		})
		rows[0] = append(rows[0], humanize.Comma(int64(optimizers.GetGlobalStep(ctx))))
		rows[1] = append(rows[1], humanize.Comma(int64(numVars)))
		rows[2] = append(rows[2], humanize.Comma(int64(totalSize)))
		rows[3] = append(rows[3], humanize.Bytes(uint64(totalMemory)))
	}
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(in.w, table.Render())
	return nil
}

// Args lists the input arguments of the run.
func (in *inspector) Args(manifest *artifacts.Manifest) {
	in.title("Input arguments")
	keys := make([]string, 0, len(manifest.Args))
	for key := range manifest.Args {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Headers("Option", "Value")
	for _, key := range keys {
		table.Row(key, fmt.Sprintf("%v", manifest.Args[key]))
	}
	_, _ = fmt.Fprintln(in.w, table.Render())
}

// Mesh renders the device mesh: one row per data-parallel index, one column per model-parallel index.
func (in *inspector) Mesh(manifest *artifacts.Manifest) {
	if manifest.Mesh == nil {
		_, _ = fmt.Fprintln(in.w, "Run without a device mesh (do_pjit=false).")
		return
	}
	in.title(fmt.Sprintf("Device mesh of process %d (of %d)", manifest.Mesh.ProcessIndex, manifest.Mesh.ProcessCount))
	table := newPlainTable(lipgloss.Right, lipgloss.Center)
	header := []string{"dp \\ mp"}
	for mp := range manifest.Mesh.Mesh[0] {
		header = append(header, fmt.Sprintf("%d", mp))
	}
	table.Headers(header...)
	for dp, row := range manifest.Mesh.Mesh {
		cells := []string{fmt.Sprintf("%d", dp)}
		for _, device := range row {
			cells = append(cells, fmt.Sprintf("#%d (proc %d)", device.ID, device.ProcessIndex))
		}
		table.Row(cells...)
	}
	_, _ = fmt.Fprintln(in.w, table.Render())
}

// Vars lists the variables under the scope of the latest checkpoint, with their MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value).
func (in *inspector) Vars(backend backends.Backend, checkpoint string) error {
	dir := in.saveDir
	if checkpoint == trainloop.BestDir {
		dir = filepath.Join(dir, trainloop.BestDir)
	}
	ctx, err := loadCheckpoint(dir)
	if err != nil {
		return err
	}
	statsExec, err := NewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	})
	if err != nil {
		return err
	}
	defer statsExec.Finalize()

	in.title(fmt.Sprintf("Variables in scope %q", in.scope))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	var visitErr error
	ctx.InAbsPath(in.scope).EnumerateVariablesInScope(func(v *context.Variable) {
		if visitErr != nil {
			return
		}
		shape := v.Shape()
		value, err := v.Value()
		if err != nil {
			visitErr = err
			return
		}
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%v", value.Value())
		} else if shape.DType.IsFloat() {
			stats, err := statsExec.Exec(value)
			if err != nil {
				visitErr = errors.WithMessagef(err, "computing statistics of %s", v.ScopeAndName())
				return
			}
			mav = fmt.Sprintf("%.3g", stats[0].Value().(float64))
			rms = fmt.Sprintf("%.3g", stats[1].Value().(float64))
			maxAV = fmt.Sprintf("%.3g", stats[2].Value().(float64))
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	})
	if visitErr != nil {
		return visitErr
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(in.w, table.Render())
	return nil
}

// Metrics lists the last records of the tracker output.
func (in *inspector) Metrics(ctx gocontext.Context, last int) error {
	records, err := tracking.ReadRecords(ctx, in.fs, storage.Join(in.saveDir, tracking.FileName))
	if err != nil {
		return err
	}
	var metricRecords []tracking.Record
	names := make(map[string]bool)
	for _, record := range records {
		if record.Type != tracking.RecordMetrics {
			continue
		}
		metricRecords = append(metricRecords, record)
		for name := range record.Metrics {
			names[name] = true
		}
	}
	if len(metricRecords) == 0 {
		_, _ = fmt.Fprintln(in.w, "No metrics recorded.")
		return nil
	}
	if last > 0 && len(metricRecords) > last {
		metricRecords = metricRecords[len(metricRecords)-last:]
	}
	columns := make([]string, 0, len(names))
	for name := range names {
		columns = append(columns, name)
	}
	sort.Strings(columns)

	in.title("Metrics")
	table := newPlainTable(lipgloss.Right)
	table.Headers(append([]string{"step"}, columns...)...)
	for _, record := range metricRecords {
		row := []string{humanize.Comma(int64(record.Step))}
		for _, name := range columns {
			value, found := record.Metrics[name]
			if !found {
				row = append(row, "")
				continue
			}
			row = append(row, fmt.Sprintf("%.4g", value))
		}
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(in.w, table.Render())
	return nil
}
