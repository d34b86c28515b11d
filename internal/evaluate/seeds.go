// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import "sync"

// splitmix64 increment: the golden ratio in 64 bits.
const golden = 0x9e3779b97f4a7c15

// mix is the splitmix64 finalizer. It's a bijection on uint64.
func mix(x uint64) uint64 {
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// Seeds derives fresh seeds for each evaluation from a base seed and a counter.
// It's safe for concurrent use.
type Seeds struct {
	mu      sync.Mutex
	base    uint64
	counter uint64
}

// NewSeeds returns a Seeds starting from base.
func NewSeeds(base int64) *Seeds {
	return &Seeds{base: uint64(base)}
}

// Split returns the seeds for the loss computation and for the generation of one evaluation.
//
// The two are distinct from each other and from the base seed, and each call returns new ones.
func (s *Seeds) Split() (lossSeed, genSeed int64) {
	s.mu.Lock()
	counter := s.counter
	s.counter++
	s.mu.Unlock()

	state := s.base + (2*counter+1)*golden
	loss := mix(state)
	gen := mix(state + golden)
	for loss == s.base {
		loss = mix(loss)
	}
	for gen == s.base || gen == loss {
		gen = mix(gen)
	}
	return int64(loss), int64(gen)
}

// Count returns the number of splits taken.
func (s *Seeds) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.counter)
}
