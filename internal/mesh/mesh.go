// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mesh builds the device mesh of a run and the execution scope the training runs within.
//
// With parallelism disabled it returns a NoopScope, otherwise a MeshScope over a 2D device mesh
// with the axes DataAxis ("dp") and ModelAxis ("mp").
package mesh

import (
	"sync"

	"github.com/gomlx/compute/distributed"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DataAxis is the mesh axis the batch is split over.
	DataAxis = "dp"

	// ModelAxis is the mesh axis the parameters are split over.
	ModelAxis = "mp"
)

// ErrShapeMismatch is wrapped by errors caused by a mesh shape that doesn't match the number of devices.
var ErrShapeMismatch = errors.New("mesh shape doesn't match the number of devices")

// ErrMultiProcess is returned when a mesh is requested for a job with more than one process: a mesh
// only spans the devices of the local process.
var ErrMultiProcess = errors.New("a device mesh can't span more than one process")

// Config of the mesh.
type Config struct {
	// DoPjit enables the mesh. If false, everything else is ignored.
	DoPjit bool

	// DataParallel and ModelParallel are the sizes of the mesh axes. Their product must equal
	// the number of devices.
	DataParallel, ModelParallel int
}

// Device is one accelerator participating in the run.
type Device struct {
	// ID is the global device id, unique across processes.
	ID int `json:"id"`

	// ProcessIndex of the process that owns the device.
	ProcessIndex int `json:"process_index"`

	// Local is the device number within its own process, used to execute on it.
	Local int `json:"-"`
}

// Topology of the devices as seen by this process.
type Topology struct {
	Devices      []Device
	ProcessIndex int
	ProcessCount int
}

// LocalDevices enumerates the numDevices devices of this process. Global ids are assigned assuming
// every process owns the same number of devices.
//
// The topology only lists local devices, which is why New refuses to build a mesh when processCount > 1.
func LocalDevices(numDevices, processIndex, processCount int) Topology {
	devices := make([]Device, numDevices)
	for ii := range devices {
		devices[ii] = Device{
			ID:           processIndex*numDevices + ii,
			ProcessIndex: processIndex,
			Local:        ii,
		}
	}
	return Topology{Devices: devices, ProcessIndex: processIndex, ProcessCount: max(processCount, 1)}
}

// Scope is the execution scope of the run: training, evaluation and persistence of the mesh
// description happen within it.
type Scope interface {
	// Enabled returns whether data/model parallelism is in use.
	Enabled() bool

	// Mesh returns the device mesh, or nil if not Enabled.
	Mesh() *distributed.DeviceMesh

	// Topology of the devices in the mesh, laid out in mesh order (data parallel major).
	Topology() Topology

	// Within enters the scope, runs fn and exits the scope, also if fn fails.
	// A scope can only be entered once.
	Within(fn func() error) error
}

// New creates the execution scope.
//
// If cfg.DoPjit is false it returns a NoopScope. Otherwise, the mesh shape must match the number
// of devices in the topology, or it returns an error wrapping ErrShapeMismatch. A topology with
// more than one process returns ErrMultiProcess.
func New(cfg Config, topology Topology) (Scope, error) {
	if !cfg.DoPjit {
		return &NoopScope{topology: topology}, nil
	}
	if topology.ProcessCount > 1 {
		return nil, errors.Wrapf(ErrMultiProcess, "process %d of %d", topology.ProcessIndex, topology.ProcessCount)
	}
	dp, mp := cfg.DataParallel, cfg.ModelParallel
	numDevices := len(topology.Devices)
	if dp <= 0 || mp <= 0 || dp*mp != numDevices {
		return nil, errors.Wrapf(ErrShapeMismatch, "data parallel (%d) x model parallel (%d) = %d, but there are %d devices",
			dp, mp, dp*mp, numDevices)
	}
	deviceMesh, err := distributed.NewDeviceMesh([]int{dp, mp}, []string{DataAxis, ModelAxis})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create device mesh")
	}
	assignment := make([]int, numDevices)
	for ii, device := range topology.Devices {
		assignment[ii] = device.Local
	}
	if err = deviceMesh.SetLogicalDeviceAssignment(assignment...); err != nil {
		return nil, errors.WithMessagef(err, "failed to assign devices to the mesh")
	}
	klog.V(1).Infof("Created %s over %d devices", deviceMesh, numDevices)
	return &MeshScope{mesh: deviceMesh, topology: topology}, nil
}

// scopeState tracks the single entry allowed for a scope.
type scopeState struct {
	mu      sync.Mutex
	entered bool
}

func (s *scopeState) enter() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entered {
		return errors.New("execution scope can only be entered once")
	}
	s.entered = true
	return nil
}

// NoopScope is used when parallelism is disabled: it doesn't hold a mesh.
type NoopScope struct {
	state    scopeState
	topology Topology
}

// Compile-time check that NoopScope implements Scope.
var _ Scope = (*NoopScope)(nil)

// Enabled implements Scope.
func (s *NoopScope) Enabled() bool { return false }

// Mesh implements Scope. It returns nil.
func (s *NoopScope) Mesh() *distributed.DeviceMesh { return nil }

// Topology implements Scope.
func (s *NoopScope) Topology() Topology { return s.topology }

// Within implements Scope.
func (s *NoopScope) Within(fn func() error) error {
	if err := s.state.enter(); err != nil {
		return err
	}
	return fn()
}

// MeshScope holds the device mesh of a run with data/model parallelism.
type MeshScope struct {
	state    scopeState
	mesh     *distributed.DeviceMesh
	topology Topology
}

// Compile-time check that MeshScope implements Scope.
var _ Scope = (*MeshScope)(nil)

// Enabled implements Scope.
func (s *MeshScope) Enabled() bool { return true }

// Mesh implements Scope.
func (s *MeshScope) Mesh() *distributed.DeviceMesh { return s.mesh }

// Topology implements Scope.
func (s *MeshScope) Topology() Topology { return s.topology }

// DataParallel returns the size of the data parallel axis.
func (s *MeshScope) DataParallel() int { return s.mesh.AxesSizes()[0] }

// ModelParallel returns the size of the model parallel axis.
func (s *MeshScope) ModelParallel() int { return s.mesh.AxesSizes()[1] }

// Grid returns the devices laid out as a [DataParallel][ModelParallel] grid.
func (s *MeshScope) Grid() [][]Device {
	dp, mp := s.DataParallel(), s.ModelParallel()
	grid := make([][]Device, dp)
	for ii := range dp {
		grid[ii] = s.topology.Devices[ii*mp : (ii+1)*mp]
	}
	return grid
}

// Within implements Scope.
func (s *MeshScope) Within(fn func() error) error {
	if err := s.state.enter(); err != nil {
		return err
	}
	klog.V(1).Infof("Entering %s", s.mesh)
	defer klog.V(1).Infof("Exiting %s", s.mesh)
	return fn()
}
