// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond_test

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/refcond/pkg/refcond"
	"github.com/gomlx/refcond/pkg/refcond/refcondtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// The toy denoiser's attention is out = q/2 + mean(kv)/2, applied per batch
// row, so extended key/values shift each output element by a directly
// computable amount. All tests below use channels=1 latents on a 2x2 grid
// (4 tokens per row).

func latent1x4(vals ...float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(vals, 1, 1, 2, 2)
}

func latent2x4(vals ...float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(vals, 2, 1, 2, 2)
}

func flat(t *testing.T, x *tensors.Tensor) []float32 {
	t.Helper()
	return tensors.MustCopyFlatData[float32](x)
}

func requireAllInDelta(t *testing.T, want []float32, got *tensors.Tensor, delta float64) {
	t.Helper()
	gotFlat := flat(t, got)
	require.Len(t, gotFlat, len(want))
	for i, w := range want {
		require.InDelta(t, w, gotFlat[i], delta, "element %d", i)
	}
}

func newAttnRef(t *testing.T, order int, fidelity float64, hint *tensors.Tensor, x *tensors.Tensor) *refcond.Reference {
	t.Helper()
	backend := refcondtest.BuildTestBackend()
	ref := refcond.NewReference(refcond.NewReferenceOptionsCombo(refcond.TypeAttn, fidelity, 1, false), nil)
	ref.Order = order
	ref.SetCondHintLatent(hint)
	ref.PreRun(backend, refcond.ArchGeneric, nil)
	sigma := tensors.FromValue(float32(0))
	require.NoError(t, ref.PrepareStep(x, sigma, 0))
	return ref
}

func requireBanksEmpty(t *testing.T, injections *refcond.Injections) {
	t.Helper()
	for _, h := range injections.AttentionHolders() {
		require.Equal(t, 0, h.Bank.Len(false), "attention layer %d leaked bank entries", h.Index)
	}
	for _, h := range injections.NormHolders() {
		require.Equal(t, 0, h.Bank.Len(false), "norm layer %d leaked bank entries", h.Index)
	}
}

func TestForwardBypass(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 4)
	out, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	require.Equal(t, 1, toy.ForwardCalls)
	// Plain attention: out = x/2 + mean(x)/2, mean(x)=2.5.
	requireAllInDelta(t, []float32{1.75, 2.25, 2.75, 3.25}, out, 1e-5)
}

func TestBypassWhenUnitShouldNotRun(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 4)
	ref := newAttnRef(t, 0, 0.5, latent1x4(5, 5, 5, 5), x)
	ref.Opts.AttnStrength = 0
	it.SetReferences(ref)

	_, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	require.Equal(t, 1, toy.ForwardCalls, "excluded unit must not cost a reference pass")
}

func TestAttentionIdenticalHintIsNeutral(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 4)
	it.SetReferences(newAttnRef(t, 0, 0.5, latent1x4(1, 2, 3, 4), x))

	out, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	require.Equal(t, 2, toy.ForwardCalls, "one reference pass plus the real pass")
	// The banked tokens equal the real tokens, so the extended mean is
	// unchanged and the output matches the plain forward.
	requireAllInDelta(t, []float32{1.75, 2.25, 2.75, 3.25}, out, 1e-5)
	requireBanksEmpty(t, injections)
}

func TestAttentionHintShiftsOutput(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 4)
	it.SetReferences(newAttnRef(t, 0, 0.5, latent1x4(5, 5, 5, 5), x))

	out, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	require.Equal(t, 2, toy.ForwardCalls)
	// Extended mean: (mean(x) + mean(hint))/2 = (2.5+5)/2 = 3.75.
	requireAllInDelta(t, []float32{2.375, 2.875, 3.375, 3.875}, out, 1e-5)
	requireBanksEmpty(t, injections)
}

func TestAttentionStyleFidelity(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	// Same latent on both rows; row 0 is cond, row 1 uncond.
	x := latent2x4(1, 2, 3, 4, 1, 2, 3, 4)
	hint := latent1x4(5, 5, 5, 5)
	extended := []float32{2.375, 2.875, 3.375, 3.875}
	pure := []float32{1.75, 2.25, 2.75, 3.25}
	mid := []float32{2.0625, 2.5625, 3.0625, 3.5625}

	testCases := []struct {
		name             string
		fidelity         float64
		wantCond, wantUC []float32
	}{
		{"fidelity=0", 0, extended, extended},
		{"fidelity=1", 1, extended, pure},
		{"fidelity=0.5", 0.5, extended, mid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
			it := refcond.NewInterceptor(backend, injections, toy.Forward)
			it.SetReferences(newAttnRef(t, 0, tc.fidelity, hint, x))

			out, err := it.Forward(x, []int{0, 1})
			require.NoError(t, err)
			gotFlat := flat(t, out)
			requireAllInDelta(t, tc.wantCond, tensors.FromFlatDataAndDimensions(gotFlat[:4], 1, 1, 2, 2), 1e-5)
			requireAllInDelta(t, tc.wantUC, tensors.FromFlatDataAndDimensions(gotFlat[4:], 1, 1, 2, 2), 1e-5)
			requireBanksEmpty(t, injections)
		})
	}
}

func TestMultipleUnitsOrderMatching(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent2x4(1, 2, 3, 4, 1, 2, 3, 4)
	refA := newAttnRef(t, 7, 0.8, latent1x4(8, 8, 8, 8), x)
	refB := newAttnRef(t, 3, 0.2, latent1x4(2, 2, 2, 2), x)
	it.SetReferences(refA, refB)

	out, err := it.Forward(x, []int{0, 1})
	require.NoError(t, err)
	require.Equal(t, 3, toy.ForwardCalls, "two reference passes plus the real pass")
	// Extended mean over x, hintA, hintB: (2.5+8+2)/3 = 25/6.
	// Average fidelity (0.8+0.2)/2 = 0.5 mixes the uncond row halfway back
	// toward the pure branch.
	gotFlat := flat(t, out)
	extended := []float32{0.5*1 + 25.0 / 12, 0.5*2 + 25.0 / 12, 0.5*3 + 25.0 / 12, 0.5*4 + 25.0 / 12}
	uncond := make([]float32, 4)
	for i, e := range extended {
		pure := 0.5*float32(i+1) + 1.25
		uncond[i] = 0.5*e + 0.5*pure
	}
	requireAllInDelta(t, extended, tensors.FromFlatDataAndDimensions(gotFlat[:4], 1, 1, 2, 2), 1e-5)
	requireAllInDelta(t, uncond, tensors.FromFlatDataAndDimensions(gotFlat[4:], 1, 1, 2, 2), 1e-5)
	requireBanksEmpty(t, injections)
}

func TestOrderMatchingIsNotPositional(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	holder := refcond.NewAttentionHolder(0, 1)

	x := latent1x4(1, 2, 3, 4)
	sigma := tensors.FromValue(float32(0))
	newRef := func(order int, strength float64) *refcond.Reference {
		ref := refcond.NewReference(refcond.NewReferenceOptionsCombo(refcond.TypeAttn, 0, 1, false), nil)
		ref.Order = order
		ref.Opts.AttnStrength = strength
		ref.PreRun(backend, refcond.ArchGeneric, nil)
		require.NoError(t, ref.PrepareStep(x, sigma, 0))
		return ref
	}
	// Entries banked as [7, 3]; the read list arrives as [3, 7].
	ref7 := newRef(7, 0.25)
	ref3 := newRef(3, 0.5)
	n := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 4, 1)
	holder.Bank.Append(tensors.FromFlatDataAndDimensions([]float32{8, 8, 8, 8}, 1, 4, 1), 0, 7, false)
	holder.Bank.Append(tensors.FromFlatDataAndDimensions([]float32{2, 2, 2, 2}, 1, 4, 1), 0, 3, false)
	state := &refcond.StepState{ReadAttn: []*refcond.Reference{ref3, ref7}}

	attend := func(q, kv *tensors.Tensor, _, _ int) (*tensors.Tensor, error) {
		return refcondtest.ToyAttend(backend, q, kv)
	}
	out, err := holder.SelfAttention(backend, state, n, nil, attend)
	require.NoError(t, err)
	// Entry 7 blends with ref7's strength 0.25, entry 3 with ref3's 0.5:
	// extended mean = (10 + 15.5 + 9)/12 = 2.875.
	requireAllInDelta(t, []float32{1.9375, 2.4375, 2.9375, 3.4375},
		tensors.FromFlatDataAndDimensions(flat(t, out), 1, 1, 2, 2), 1e-5)
	require.Equal(t, 0, holder.Bank.Len(false))
}

func TestOrderMismatchPanics(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	holder := refcond.NewAttentionHolder(0, 1)

	n := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 4, 1)
	feat := tensors.FromFlatDataAndDimensions([]float32{5, 5, 5, 5}, 1, 4, 1)
	holder.Bank.Append(feat, 0.5, 7, false)

	owner := refcond.NewReference(refcond.NewReferenceOptionsCombo(refcond.TypeAttn, 0.5, 1, false), nil)
	owner.Order = 3
	state := &refcond.StepState{ReadAttn: []*refcond.Reference{owner}}

	require.Panics(t, func() {
		_, _ = holder.SelfAttention(backend, state, n, nil, func(q, kv *tensors.Tensor, _, _ int) (*tensors.Tensor, error) {
			return q, nil
		})
	})
}

func TestBanksClearedOnForwardError(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	calls := 0
	failing := func(x *tensors.Tensor, state *refcond.StepState) (*tensors.Tensor, error) {
		calls++
		if calls == 2 {
			// The real pass dies with entries still banked.
			return nil, errors.New("backend lost")
		}
		return toy.Forward(x, state)
	}
	it := refcond.NewInterceptor(backend, injections, failing)

	x := latent1x4(1, 2, 3, 4)
	it.SetReferences(newAttnRef(t, 0, 0.5, latent1x4(5, 5, 5, 5), x))

	_, err := it.Forward(x, []int{0})
	require.Error(t, err)
	requireBanksEmpty(t, injections)
}

func TestContextRefLifecycle(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x1 := latent1x4(1, 2, 3, 4)
	x2 := latent1x4(5, 6, 7, 8)
	x3 := latent1x4(10, 10, 10, 10)
	sigma := tensors.FromValue(float32(0))

	ctxRef := refcond.NewContextRef()
	ctxRef.PreRun(backend, refcond.ArchGeneric, nil)
	require.NoError(t, ctxRef.PrepareStep(x1, sigma, 0))
	it.SetContextRefs(ctxRef)
	holder := injections.AttentionHolders()[0]

	// WRITE: the pass itself is unaffected, but the context bank fills.
	it.SetContextStates(refcond.StateWrite, refcond.StateOff)
	out, err := it.Forward(x1, []int{0})
	require.NoError(t, err)
	requireAllInDelta(t, []float32{1.75, 2.25, 2.75, 3.25}, out, 1e-5)
	require.Equal(t, 1, holder.Bank.Len(false))

	// READ: banked x1 tokens extend the context; the bank survives.
	it.SetContextStates(refcond.StateRead, refcond.StateOff)
	out, err = it.Forward(x2, []int{0})
	require.NoError(t, err)
	// Extended mean: (mean(x2) + mean(x1))/2 = (6.5+2.5)/2 = 4.5.
	requireAllInDelta(t, []float32{4.75, 5.25, 5.75, 6.25}, out, 1e-5)
	require.Equal(t, 1, holder.Bank.Len(false))

	// A second READ is reproducible from the same banked entry.
	out, err = it.Forward(x2, []int{0})
	require.NoError(t, err)
	requireAllInDelta(t, []float32{4.75, 5.25, 5.75, 6.25}, out, 1e-5)
	require.Equal(t, 1, holder.Bank.Len(false))

	// WRITE again: the old window is dropped before the new one is banked.
	it.SetContextStates(refcond.StateWrite, refcond.StateOff)
	_, err = it.Forward(x3, []int{0})
	require.NoError(t, err)
	require.Equal(t, 1, holder.Bank.Len(false))

	it.SetContextStates(refcond.StateRead, refcond.StateOff)
	out, err = it.Forward(x2, []int{0})
	require.NoError(t, err)
	// Extended mean now uses x3: (6.5+10)/2 = 8.25.
	requireAllInDelta(t, []float32{6.625, 7.125, 7.625, 8.125}, out, 1e-5)

	// OFF clears the context bank.
	it.SetContextStates(refcond.StateOff, refcond.StateOff)
	_, err = it.Forward(x2, []int{0})
	require.NoError(t, err)
	require.Equal(t, 0, holder.Bank.Len(false))
}

func TestAdainOnlyContextWindow(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 0, 1)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x1 := latent1x4(1, 2, 3, 5)
	x2 := latent1x4(0, 2, 4, 6)
	sigma := tensors.FromValue(float32(0))

	ctxRef := refcond.NewReference(refcond.NewReferenceOptions(refcond.TypeAdain, 0, 1, 0, 1), nil)
	ctxRef.Order = -1
	ctxRef.IsContextRef = true
	ctxRef.PreRun(backend, refcond.ArchGeneric, nil)
	require.NoError(t, ctxRef.PrepareStep(x1, sigma, 0))
	it.SetContextRefs(ctxRef)
	holder := injections.NormHolders()[0]

	// WRITE on the statistics channel, with the attention machine off,
	// banks x1's variance/mean.
	it.SetContextStates(refcond.StateOff, refcond.StateWrite)
	_, err := it.Forward(x1, []int{0})
	require.NoError(t, err)
	require.Equal(t, 1, holder.Bank.Len(false))

	// READ: the attention machine staying off must not drop the window.
	it.SetContextStates(refcond.StateOff, refcond.StateRead)
	out, err := it.Forward(x2, []int{0})
	require.NoError(t, err)
	// x2: mean 3, var 5; x1: mean 2.75, var 2.1875.
	want := make([]float32, 4)
	for i, v := range []float64{0, 2, 4, 6} {
		want[i] = float32((v-3)/math.Sqrt(5)*math.Sqrt(2.1875) + 2.75)
	}
	requireAllInDelta(t, want, out, 1e-4)
	require.Equal(t, 1, holder.Bank.Len(false))

	// OFF on the statistics channel drops the window.
	it.SetContextStates(refcond.StateOff, refcond.StateOff)
	_, err = it.Forward(x2, []int{0})
	require.NoError(t, err)
	require.Equal(t, 0, holder.Bank.Len(false))
}

func TestSelfAttentionPassesHeadGeometry(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	holder := refcond.NewAttentionHolder(0, 1)
	holder.NumHeads, holder.HeadDim = 8, 64

	n := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 4, 1)
	var gotHeads, gotDim int
	out, err := holder.SelfAttention(backend, nil, n, nil,
		func(q, kv *tensors.Tensor, numHeads, headDim int) (*tensors.Tensor, error) {
			gotHeads, gotDim = numHeads, headDim
			return q, nil
		})
	require.NoError(t, err)
	require.Same(t, n, out)
	require.Equal(t, 8, gotHeads)
	require.Equal(t, 64, gotDim)
}

func newAdainRef(t *testing.T, fidelity float64, hint, x *tensors.Tensor) *refcond.Reference {
	t.Helper()
	backend := refcondtest.BuildTestBackend()
	ref := refcond.NewReference(refcond.NewReferenceOptionsCombo(refcond.TypeAdain, fidelity, 1, false), nil)
	ref.SetCondHintLatent(hint)
	ref.PreRun(backend, refcond.ArchGeneric, nil)
	sigma := tensors.FromValue(float32(0))
	require.NoError(t, ref.PrepareStep(x, sigma, 0))
	return ref
}

func TestAdainIdenticalHintIsNeutral(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 0, 1)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 4)
	it.SetReferences(newAdainRef(t, 0.5, latent1x4(1, 2, 3, 4), x))

	out, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	require.Equal(t, 2, toy.ForwardCalls)
	// Banked statistics match the current ones, so the rescale is a no-op.
	requireAllInDelta(t, []float32{1, 2, 3, 4}, out, 1e-4)
	requireBanksEmpty(t, injections)
}

func TestAdainStatisticsTransfer(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 0, 1)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 5)
	it.SetReferences(newAdainRef(t, 0, latent1x4(0, 0, 0, 2), x))

	out, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	// x: mean 2.75, var 2.1875; hint: mean 0.5, var 0.75. The output is x
	// standardized and rescaled to the hint's statistics.
	want := make([]float32, 4)
	for i, v := range []float64{1, 2, 3, 5} {
		want[i] = float32((v-2.75)/math.Sqrt(2.1875)*math.Sqrt(0.75) + 0.5)
	}
	requireAllInDelta(t, want, out, 1e-4)
	requireBanksEmpty(t, injections)
}

func TestAdainStyleFidelity(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	x := latent2x4(1, 2, 3, 5, 1, 2, 3, 5)
	hint := latent1x4(0, 0, 0, 2)

	transferred := make([]float32, 4)
	for i, v := range []float64{1, 2, 3, 5} {
		transferred[i] = float32((v-2.75)/math.Sqrt(2.1875)*math.Sqrt(0.75) + 0.5)
	}
	raw := []float32{1, 2, 3, 5}

	t.Run("fidelity=1", func(t *testing.T) {
		toy, injections := refcondtest.NewToyDenoiser(backend, 0, 1)
		it := refcond.NewInterceptor(backend, injections, toy.Forward)
		it.SetReferences(newAdainRef(t, 1, hint, x))
		out, err := it.Forward(x, []int{0, 1})
		require.NoError(t, err)
		gotFlat := flat(t, out)
		// The uncond row keeps its raw activation at full fidelity.
		requireAllInDelta(t, transferred, tensors.FromFlatDataAndDimensions(gotFlat[:4], 1, 1, 2, 2), 1e-4)
		requireAllInDelta(t, raw, tensors.FromFlatDataAndDimensions(gotFlat[4:], 1, 1, 2, 2), 1e-4)
		requireBanksEmpty(t, injections)
	})

	t.Run("fidelity=0", func(t *testing.T) {
		toy, injections := refcondtest.NewToyDenoiser(backend, 0, 1)
		it := refcond.NewInterceptor(backend, injections, toy.Forward)
		it.SetReferences(newAdainRef(t, 0, hint, x))
		out, err := it.Forward(x, []int{0, 1})
		require.NoError(t, err)
		gotFlat := flat(t, out)
		requireAllInDelta(t, transferred, tensors.FromFlatDataAndDimensions(gotFlat[:4], 1, 1, 2, 2), 1e-4)
		requireAllInDelta(t, transferred, tensors.FromFlatDataAndDimensions(gotFlat[4:], 1, 1, 2, 2), 1e-4)
		requireBanksEmpty(t, injections)
	})
}

func TestCombinedAttnAdain(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 1)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 4)
	ref := refcond.NewReference(refcond.NewReferenceOptionsCombo(refcond.TypeAttnAdain, 0.5, 1, false), nil)
	ref.SetCondHintLatent(latent1x4(5, 5, 6, 6))
	ref.PreRun(backend, refcond.ArchGeneric, nil)
	require.NoError(t, ref.PrepareStep(x, tensors.FromValue(float32(0)), 0))
	it.SetReferences(ref)

	out, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	require.Equal(t, 2, toy.ForwardCalls, "both channels share one reference pass")
	require.NotEqual(t, flat(t, out), []float32{1.75, 2.25, 2.75, 3.25})
	requireBanksEmpty(t, injections)
}

func TestDisableOtherControlsDuringReferencePass(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 4)
	it.SetReferences(newAttnRef(t, 0, 0.5, latent1x4(5, 5, 5, 5), x))

	_, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, toy.DisableOtherControls)
}

func TestMaskedAttentionStrength(t *testing.T) {
	backend := refcondtest.BuildTestBackend()
	toy, injections := refcondtest.NewToyDenoiser(backend, 1, 0)
	it := refcond.NewInterceptor(backend, injections, toy.Forward)

	x := latent1x4(1, 2, 3, 4)
	ref := newAttnRef(t, 0, 0, latent1x4(5, 5, 5, 5), x)
	ref.Sched.Mask = tensors.FromFlatDataAndDimensions([]float32{1, 0, 0, 1}, 2, 2)
	require.NoError(t, ref.PrepareStep(x, tensors.FromValue(float32(0)), 0))
	it.SetReferences(ref)

	out, err := it.Forward(x, []int{0})
	require.NoError(t, err)
	// Masked-out tokens of the banked entry fall back to the live context:
	// banked' = [5, 2, 3, 5], extended mean (2.5+3.75)/2 = 3.125.
	requireAllInDelta(t, []float32{2.0625, 2.5625, 3.0625, 3.5625}, out, 1e-5)
	requireBanksEmpty(t, injections)
}
