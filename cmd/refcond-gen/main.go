// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// refcond-gen runs a toy sampling loop wired through the reference
// conditioning runtime. It is a demonstration of the moving parts -- the
// "denoiser" is a fixed mixing network, not a trained model: it shows how a
// host wires holders into its blocks, threads the step state through, and
// drives the interceptor and the per-step preparation calls.
package main

import (
	"flag"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/refcond/pkg/refcond"
	"github.com/gomlx/refcond/pkg/support/tmath"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

var (
	flagSteps    = flag.Int("steps", 20, "Number of denoising steps to simulate.")
	flagSize     = flag.Int("size", 16, "Spatial size of the toy latent (size x size).")
	flagFidelity = flag.Float64("fidelity", 0.5, "Style fidelity of the reference unit, in [0,1].")
	flagAdain    = flag.Bool("adain", true, "Also feed the group-norm statistics channel.")
	flagSigmaMax = flag.Float64("sigma_max", 10, "Starting noise level of the toy schedule.")
)

var backend = backends.MustNew()

// demoDenoiser is a fixed-function stand-in for a denoising UNet: two
// attention blocks and one normalization block, each wired to its holder.
type demoDenoiser struct {
	attn []*refcond.AttentionHolder
	norm *refcond.NormHolder
}

func newDemoDenoiser() (*demoDenoiser, *refcond.Injections) {
	injections := refcond.NewInjections()
	d := &demoDenoiser{norm: refcond.NewNormHolder(0)}
	for i := 0; i < 2; i++ {
		holder := refcond.NewAttentionHolder(i, 1)
		d.attn = append(d.attn, holder)
		injections.RegisterAttention(holder)
	}
	d.norm.IsOutput = true
	injections.RegisterNorm(d.norm)
	return d, injections
}

func (d *demoDenoiser) forward(x *tensors.Tensor, state *refcond.StepState) (*tensors.Tensor, error) {
	dims := x.Shape().Dimensions
	tokens, err := ExecOnce(backend, func(x *Node) *Node {
		x = TransposeAllAxes(x, 0, 2, 3, 1)
		return Reshape(x, dims[0], dims[2]*dims[3], dims[1])
	}, x)
	if err != nil {
		return nil, err
	}
	for _, holder := range d.attn {
		tokens, err = holder.SelfAttention(backend, state, tokens, tokens, d.attend)
		if err != nil {
			return nil, err
		}
	}
	y, err := ExecOnce(backend, func(tokens *Node) *Node {
		t := Reshape(tokens, dims[0], dims[2], dims[3], dims[1])
		return TransposeAllAxes(t, 0, 3, 1, 2)
	}, tokens)
	if err != nil {
		return nil, err
	}
	return state.ApplyNormHook(d.norm, y)
}

func (d *demoDenoiser) attend(q, kv *tensors.Tensor, _, _ int) (*tensors.Tensor, error) {
	return ExecOnce(backend, func(q, kv *Node) *Node {
		mean := ReduceAndKeep(kv, ReduceMean, 1)
		return Add(MulScalar(q, 0.5), MulScalar(mean, 0.5))
	}, q, kv)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	size := *flagSize
	steps := *flagSteps

	denoiser, injections := newDemoDenoiser()
	it := refcond.NewInterceptor(backend, injections, denoiser.forward)

	refType := refcond.TypeAttn
	if *flagAdain {
		refType = refcond.TypeAttnAdain
	}
	ref := refcond.NewReference(refcond.NewReferenceOptionsCombo(refType, *flagFidelity, 1, false), nil)
	zeros := tensors.FromFlatDataAndDimensions(make([]float32, size*size), 1, 1, size, size)
	refLatent := must.M1(tmath.RandomNormalLike(backend, zeros))
	ref.SetCondHint(refcond.NewPreprocLatent(refLatent))
	ref.PreRun(backend, refcond.ArchGeneric, nil)
	it.SetReferences(ref)

	x := must.M1(tmath.RandomNormalLike(backend, zeros))
	x = must.M1(tmath.MulScalarT(backend, x, *flagSigmaMax))

	bar := progressbar.Default(int64(steps), "sampling")
	for step := 0; step < steps; step++ {
		percent := float64(step) / float64(steps)
		sigmaValue := *flagSigmaMax * (1 - percent)
		sigma := tensors.FromValue(float32(sigmaValue))
		must.M(ref.PrepareStep(x, sigma, percent))

		out := must.M1(it.Forward(x, []int{0}))
		// A real sampler would update x from the model's prediction; the
		// toy loop just feeds the output back in.
		x = out
		must.M(bar.Add(1))
	}
	must.M(bar.Finish())

	fmt.Printf("done: %d steps, output shape %s, banks hold %s\n",
		steps, x.Shape(), humanize.Bytes(uint64(injections.BankMemory())))
	ref.Cleanup()
	injections.Cleanup()
}
