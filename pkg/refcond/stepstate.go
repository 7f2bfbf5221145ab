// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// NormHook is the normalization-channel injection applied by
// normalization-bearing blocks to their output. The interceptor installs
// one on the StepState only for calls that need it; layers invoke it via
// StepState.ApplyNormHook, so nothing global is ever substituted or
// restored.
type NormHook func(holder *NormHolder, x *tensors.Tensor, state *StepState) (*tensors.Tensor, error)

// StepState is the per-forward-call state threaded through every nested
// layer call of the host network. The interceptor fills it; layers only
// read it.
type StepState struct {
	// Per-channel assignment lists for this call. A write list holds the
	// unit whose activations are being banked; a read list holds every
	// unit whose banked activations are to be blended in.
	WriteAttn, ReadAttn   []*Reference
	WriteAdain, ReadAdain []*Reference

	// CondIdxs and UncondIdxs partition the batch rows into conditional
	// and unconditional slots.
	CondIdxs, UncondIdxs []int

	// DisableOtherControls asks the host to skip unrelated control units
	// for this call (set during a reference pass when the unit does not
	// allow other controls to run concurrently).
	DisableOtherControls bool

	normHook NormHook
}

// ApplyNormHook runs the installed normalization hook on a block's output,
// or returns the output unchanged when none is installed. Host blocks call
// this on every forward.
func (s *StepState) ApplyNormHook(holder *NormHolder, x *tensors.Tensor) (*tensors.Tensor, error) {
	if s == nil || s.normHook == nil {
		return x, nil
	}
	return s.normHook(holder, x, s)
}

// splitCondUncond expands the sampler's cond-or-uncond group layout (one
// entry per group, 0=cond, 1=uncond) into per-row index lists for a batch.
func splitCondUncond(batch int, condOrUncond []int) (condIdxs, uncondIdxs []int) {
	if len(condOrUncond) == 0 {
		return nil, nil
	}
	perBatch := batch / len(condOrUncond)
	row := 0
	for _, kind := range condOrUncond {
		for i := 0; i < perBatch; i++ {
			if kind == 1 {
				uncondIdxs = append(uncondIdxs, row)
			} else {
				condIdxs = append(condIdxs, row)
			}
			row++
		}
	}
	return condIdxs, uncondIdxs
}
