// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tracking records the metrics of a run for experiment tracking.
//
// Records are written as JSON lines to "metrics.jsonl": a header record describing the run followed by one
// record per logging call. Remote (gs://) destinations are only written when the tracker is closed.
package tracking

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/t5train/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileName of the tracker output within its directory.
const FileName = "metrics.jsonl"

// Tracker records metrics of a run.
type Tracker interface {
	// Log the metrics at the given train step.
	Log(step int, metrics map[string]float64) error

	// Close flushes and releases the tracker. It must be called once at the end of the run.
	Close() error
}

// Options to create a Tracker.
type Options struct {
	// Enabled selects the JSONL tracker. Otherwise, a Noop tracker is returned.
	Enabled bool

	// Dir where the metrics file is written.
	Dir string

	// Project and RunName identify the run.
	Project, RunName string

	// Config of the run, recorded in the header record.
	Config map[string]any
}

// New creates the tracker for the run.
func New(ctx context.Context, fs storage.FS, opts Options) (Tracker, error) {
	if !opts.Enabled {
		return Noop{}, nil
	}
	if opts.Dir == "" {
		return nil, errors.New("experiment tracking requires an output directory: set exp_name and outputs_path, or tracker_dir")
	}
	if !storage.IsRemote(opts.Dir) {
		if err := fs.MkdirAll(ctx, opts.Dir); err != nil {
			return nil, errors.WithMessagef(err, "failed to create tracker directory")
		}
	}
	path := storage.Join(opts.Dir, FileName)
	writer, err := fs.Create(ctx, path)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create tracker output")
	}
	tracker := &JSONL{
		RunID:  uuid.New(),
		path:   path,
		writer: writer,
		start:  time.Now(),
	}
	header := Record{
		Type:    RecordRun,
		RunID:   tracker.RunID.String(),
		Project: opts.Project,
		RunName: opts.RunName,
		Config:  opts.Config,
	}
	if err = tracker.write(header); err != nil {
		_ = writer.Close()
		return nil, err
	}
	klog.Infof("Tracking run %q (project %q, id %s) in %s", opts.RunName, opts.Project, tracker.RunID, path)
	return tracker, nil
}

// Noop discards everything.
type Noop struct{}

// Log implements Tracker.
func (Noop) Log(int, map[string]float64) error { return nil }

// Close implements Tracker.
func (Noop) Close() error { return nil }

// Record types.
const (
	RecordRun     = "run"
	RecordMetrics = "metrics"
)

// Record is one line of the tracker output.
type Record struct {
	Type    string             `json:"type"`
	Time    time.Time          `json:"time"`
	RunID   string             `json:"run_id,omitempty"`
	Project string             `json:"project,omitempty"`
	RunName string             `json:"run_name,omitempty"`
	Config  map[string]any     `json:"config,omitempty"`
	Step    int                `json:"step,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// NonFinite holds the NaN and infinite metrics as strings ("NaN", "+Inf", "-Inf"), since JSON
	// numbers can't represent them. ReadRecords merges them back into Metrics.
	NonFinite map[string]string `json:"non_finite,omitempty"`
}

// JSONL writes one JSON record per line.
type JSONL struct {
	RunID uuid.UUID

	mu       sync.Mutex
	path     string
	writer   io.WriteCloser
	start    time.Time
	numLines int
	numBytes int
}

// Log implements Tracker.
func (t *JSONL) Log(step int, metrics map[string]float64) error {
	record := Record{Type: RecordMetrics, Step: step, Metrics: metrics}
	for name, value := range metrics {
		if !math.IsNaN(value) && !math.IsInf(value, 0) {
			continue
		}
		if record.NonFinite == nil {
			record.NonFinite = make(map[string]string)
			record.Metrics = make(map[string]float64, len(metrics))
			for k, v := range metrics {
				record.Metrics[k] = v
			}
		}
		record.NonFinite[name] = strconv.FormatFloat(value, 'g', -1, 64)
		delete(record.Metrics, name)
		klog.Warningf("Metric %q is %g at step %d", name, value, step)
	}
	return t.write(record)
}

func (t *JSONL) write(record Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return errors.Errorf("tracker %s already closed", t.path)
	}
	record.Time = time.Now().UTC()
	blob, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to serialize tracker record")
	}
	blob = append(blob, '\n')
	if _, err = t.writer.Write(blob); err != nil {
		return errors.Wrapf(err, "failed writing to %q", t.path)
	}
	t.numLines++
	t.numBytes += len(blob)
	return nil
}

// Close implements Tracker.
func (t *JSONL) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writer == nil {
		return nil
	}
	err := t.writer.Close()
	t.writer = nil
	if err != nil {
		return errors.Wrapf(err, "failed closing %q", t.path)
	}
	klog.V(1).Infof("Tracker closed after %s: %d records, %s written to %s",
		humanize.RelTime(t.start, time.Now(), "", ""), t.numLines, humanize.Bytes(uint64(t.numBytes)), t.path)
	return nil
}

// ReadRecords parses the tracker output at path.
func ReadRecords(ctx context.Context, fs storage.FS, path string) ([]Record, error) {
	reader, err := fs.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	var records []Record
	decoder := json.NewDecoder(reader)
	for {
		var record Record
		err = decoder.Decode(&record)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse tracker record #%d of %q", len(records), path)
		}
		for name, text := range record.NonFinite {
			value, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid value for metric %q in record #%d of %q", name, len(records), path)
			}
			if record.Metrics == nil {
				record.Metrics = make(map[string]float64)
			}
			record.Metrics[name] = value
		}
		records = append(records, record)
	}
	return records, nil
}
