// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifacts persists the description of a run next to its checkpoints: the configuration
// that launched it, every option value, and the layout of the device mesh.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gomlx/t5train/internal/config"
	"github.com/gomlx/t5train/internal/mesh"
	"github.com/gomlx/t5train/internal/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Artifact file names, within the save directory.
const (
	ConfigFileName = "config.yaml"
	ArgsFileName   = "input_args.json"
	MeshFileName   = "system_mesh.json"
)

// SaveDir returns the directory where this process saves its artifacts and checkpoints:
// "<outputsPath>/<expName>/shard_<processIndex>". It returns false if either outputsPath or expName
// is unset, in which case nothing is persisted.
func SaveDir(outputsPath, expName string, processIndex int) (string, bool) {
	if outputsPath == "" || expName == "" || expName == config.NoExperiment {
		return "", false
	}
	return storage.Join(outputsPath, expName, fmt.Sprintf("shard_%d", processIndex)), true
}

// Snapshot is the content of the config.yaml artifact.
type Snapshot struct {
	Config *config.RunConfig `yaml:"config"`

	// ConfigFile and ConfigFileContents are the configuration file used to launch the run, if any.
	ConfigFile         string `yaml:"config_file,omitempty"`
	ConfigFileContents string `yaml:"config_file_contents,omitempty"`
}

// MeshInfo is the content of the system_mesh.json artifact: the devices laid out as the
// [data parallel][model parallel] mesh.
type MeshInfo struct {
	Mesh         [][]mesh.Device `json:"mesh"`
	ProcessIndex int             `json:"process_index"`
	ProcessCount int             `json:"process_count"`
}

// gridder is implemented by scopes with a device mesh.
type gridder interface {
	Grid() [][]mesh.Device
}

// Persist writes the run artifacts to saveDir, creating it if needed.
//
// The mesh layout is only written if the scope is enabled. Any failure is returned, and the run
// should not proceed.
func Persist(ctx context.Context, fs storage.FS, saveDir string, cfg *config.RunConfig, scope mesh.Scope) error {
	if !storage.IsRemote(saveDir) {
		if err := fs.MkdirAll(ctx, saveDir); err != nil {
			return errors.WithMessagef(err, "failed to create save directory")
		}
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snapshot := Snapshot{Config: cfg, ConfigFile: cfg.ConfigFile}
		contents, err := cfg.ConfigFileContents()
		if err != nil {
			return err
		}
		snapshot.ConfigFileContents = string(contents)
		blob, err := yaml.Marshal(&snapshot)
		if err != nil {
			return errors.Wrap(err, "failed to serialize configuration snapshot")
		}
		return storage.WriteFile(gCtx, fs, storage.Join(saveDir, ConfigFileName), blob)
	})
	g.Go(func() error {
		args, err := cfg.Args()
		if err != nil {
			return err
		}
		blob, err := json.MarshalIndent(args, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to serialize input arguments")
		}
		return storage.WriteFile(gCtx, fs, storage.Join(saveDir, ArgsFileName), blob)
	})
	if scope.Enabled() {
		g.Go(func() error {
			info, err := NewMeshInfo(scope)
			if err != nil {
				return err
			}
			blob, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return errors.Wrap(err, "failed to serialize mesh description")
			}
			return storage.WriteFile(gCtx, fs, storage.Join(saveDir, MeshFileName), blob)
		})
	}
	if err := g.Wait(); err != nil {
		return errors.WithMessagef(err, "failed to persist run artifacts to %q", saveDir)
	}
	klog.Infof("Run artifacts saved to %s", saveDir)
	return nil
}

// NewMeshInfo describes the mesh of an enabled scope.
func NewMeshInfo(scope mesh.Scope) (*MeshInfo, error) {
	g, ok := scope.(gridder)
	if !scope.Enabled() || !ok {
		return nil, errors.New("scope has no device mesh")
	}
	topology := scope.Topology()
	return &MeshInfo{
		Mesh:         g.Grid(),
		ProcessIndex: topology.ProcessIndex,
		ProcessCount: topology.ProcessCount,
	}, nil
}

// Manifest holds the artifacts read back from a save directory.
type Manifest struct {
	Snapshot Snapshot
	Args     map[string]any

	// Mesh is nil if the run had no mesh.
	Mesh *MeshInfo
}

// Load reads the artifacts of saveDir.
func Load(ctx context.Context, fs storage.FS, saveDir string) (*Manifest, error) {
	manifest := &Manifest{}
	blob, err := storage.ReadFile(ctx, fs, storage.Join(saveDir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(blob, &manifest.Snapshot); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", ConfigFileName)
	}

	blob, err = storage.ReadFile(ctx, fs, storage.Join(saveDir, ArgsFileName))
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(blob, &manifest.Args); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", ArgsFileName)
	}

	meshPath := storage.Join(saveDir, MeshFileName)
	exists, err := fs.Exists(ctx, meshPath)
	if err != nil {
		return nil, err
	}
	if exists {
		blob, err = storage.ReadFile(ctx, fs, meshPath)
		if err != nil {
			return nil, err
		}
		manifest.Mesh = &MeshInfo{}
		if err = json.Unmarshal(blob, manifest.Mesh); err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s", MeshFileName)
		}
	}
	return manifest, nil
}
