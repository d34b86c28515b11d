// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// Capabilities of the accelerator backend, queried once at startup and passed along explicitly.
type Capabilities struct {
	// BackendName as reported by the backend (e.g.: "xla:tpu", "xla:cuda", "go").
	BackendName string

	// NumDevices available in the backend.
	NumDevices int

	// HalfPrecision is set when parameters are kept in bfloat16: only on TPUs.
	HalfPrecision bool
}

// QueryCapabilities of the given backend.
func QueryCapabilities(backend backends.Backend) Capabilities {
	name := backend.Name()
	return Capabilities{
		BackendName:   name,
		NumDevices:    int(backend.NumDevices()),
		HalfPrecision: isTPU(name) || isTPU(backend.Description()),
	}
}

func isTPU(name string) bool {
	return strings.Contains(strings.ToLower(name), "tpu")
}

// ParamDType returns the dtype used for model parameters.
func (c Capabilities) ParamDType() dtypes.DType {
	if c.HalfPrecision {
		return dtypes.BFloat16
	}
	return dtypes.Float32
}

// UsableDevices returns how many devices the run uses: requested if > 0, otherwise all of them.
func (c Capabilities) UsableDevices(requested int) int {
	if requested > 0 && requested < c.NumDevices {
		return requested
	}
	return c.NumDevices
}
