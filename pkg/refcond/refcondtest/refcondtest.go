// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package refcondtest holds test utilities for packages exercising the
// reference-conditioning wiring: a cached test backend and a tiny
// fixed-function denoiser with holder-wired attention and norm blocks.
package refcondtest

import (
	"os"
	"sync"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/refcond/pkg/refcond"
	"k8s.io/klog/v2"
)

var (
	backendOnce   sync.Once
	cachedBackend backends.Backend
)

// BuildTestBackend returns a cached backend for tests. It defaults to the
// pure-Go backend so tests need no accelerator runtime; GOMLX_BACKEND
// overrides the choice.
func BuildTestBackend() backends.Backend {
	backendOnce.Do(func() {
		config := "go"
		if selected := os.Getenv(backends.ConfigEnvVar); selected != "" {
			config = selected
		}
		var err error
		cachedBackend, err = backends.NewWithConfig(config)
		if err != nil {
			klog.Fatalf("Failed to create backend %q: %+v", config, err)
		}
	})
	return cachedBackend
}

// ToyDenoiser is a minimal deterministic denoiser over [batch, channels,
// height, width] latents. Each attention block routes its token sequence
// through an AttentionHolder; each norm block hands its activation to the
// step state's norm hook. There are no learned weights, so outputs are
// exactly reproducible across calls.
type ToyDenoiser struct {
	backend backends.Backend

	Attn []*refcond.AttentionHolder
	Norm []*refcond.NormHolder

	// ForwardCalls counts completed and in-flight Forward invocations.
	ForwardCalls int

	// DisableOtherControls records the flag of each Forward call, in order.
	DisableOtherControls []bool
}

// NewToyDenoiser builds a denoiser with numAttn attention blocks and
// numNorm norm blocks, registering every holder in a fresh Injections
// registry.
func NewToyDenoiser(backend backends.Backend, numAttn, numNorm int) (*ToyDenoiser, *refcond.Injections) {
	d := &ToyDenoiser{backend: backend}
	injections := refcond.NewInjections()
	for i := 0; i < numAttn; i++ {
		holder := refcond.NewAttentionHolder(i, 1)
		d.Attn = append(d.Attn, holder)
		injections.RegisterAttention(holder)
	}
	for i := 0; i < numNorm; i++ {
		holder := refcond.NewNormHolder(i)
		holder.IsOutput = true
		d.Norm = append(d.Norm, holder)
		injections.RegisterNorm(holder)
	}
	return d, injections
}

// Forward runs the toy network once. It satisfies refcond.ForwardFn.
func (d *ToyDenoiser) Forward(x *tensors.Tensor, state *refcond.StepState) (*tensors.Tensor, error) {
	d.ForwardCalls++
	d.DisableOtherControls = append(d.DisableOtherControls, state.DisableOtherControls)

	dims := x.Shape().Dimensions
	tokens, err := ExecOnce(d.backend, func(x *Node) *Node {
		x = TransposeAllAxes(x, 0, 2, 3, 1)
		return Reshape(x, dims[0], dims[2]*dims[3], dims[1])
	}, x)
	if err != nil {
		return nil, err
	}
	for _, holder := range d.Attn {
		tokens, err = holder.SelfAttention(d.backend, state, tokens, tokens, d.attend)
		if err != nil {
			return nil, err
		}
	}
	y, err := ExecOnce(d.backend, func(tokens *Node) *Node {
		t := Reshape(tokens, dims[0], dims[2], dims[3], dims[1])
		return TransposeAllAxes(t, 0, 3, 1, 2)
	}, tokens)
	if err != nil {
		return nil, err
	}
	for _, holder := range d.Norm {
		y, err = state.ApplyNormHook(holder, y)
		if err != nil {
			return nil, err
		}
	}
	return y, nil
}

func (d *ToyDenoiser) attend(q, kv *tensors.Tensor, _, _ int) (*tensors.Tensor, error) {
	return ToyAttend(d.backend, q, kv)
}

// ToyAttend is the denoiser's stand-in for scaled dot-product attention. It
// still depends on the whole key/value sequence: half the query plus the
// mean token of kv. Extending kv with banked tokens therefore shifts the
// output in a directly checkable way.
func ToyAttend(backend backends.Backend, q, kv *tensors.Tensor) (*tensors.Tensor, error) {
	return ExecOnce(backend, func(q, kv *Node) *Node {
		mean := ReduceAndKeep(kv, ReduceMean, 1)
		return Add(MulScalar(q, 0.5), MulScalar(mean, 0.5))
	}, q, kv)
}
