// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/refcond/pkg/support/tmath"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ForwardFn is the host denoiser's forward pass. The state must be
// threaded through to every holder-wired layer call.
type ForwardFn func(x *tensors.Tensor, state *StepState) (*tensors.Tensor, error)

// Interceptor wraps the host network's forward pass and drives the
// reference state machine around it: it classifies the active reference
// units, runs the extra reference pass(es) that fill the banks, installs
// the per-call read/write assignments for the real pass, and guarantees
// own-origin banks are cleared when it returns -- normally or by panic.
type Interceptor struct {
	backend    backends.Backend
	injections *Injections
	forward    ForwardFn

	refs        []*Reference
	contextRefs []*Reference

	contextAttnState  MachineState
	contextAdainState MachineState
}

// NewInterceptor wraps forward. The injections registry must list every
// holder the host network was built with.
func NewInterceptor(backend backends.Backend, injections *Injections, forward ForwardFn) *Interceptor {
	return &Interceptor{
		backend:    backend,
		injections: injections,
		forward:    forward,
	}
}

// SetReferences installs the directly attached reference units (RefCN).
// Orders are assigned from position when unset and units share a value.
func (it *Interceptor) SetReferences(refs ...*Reference) {
	it.refs = refs
}

// SetContextRefs installs the context-carried reference units.
func (it *Interceptor) SetContextRefs(refs ...*Reference) {
	it.contextRefs = refs
}

// SetContextStates sets the per-channel ContextRef machine states for
// subsequent calls. Callers running a rolling context window flip these
// between write and read as the window advances.
func (it *Interceptor) SetContextStates(attn, adain MachineState) {
	it.contextAttnState = attn
	it.contextAdainState = adain
}

// ContextStates returns the current per-channel ContextRef machine states.
func (it *Interceptor) ContextStates() (attn, adain MachineState) {
	return it.contextAttnState, it.contextAdainState
}

// Injections returns the wrapped registry.
func (it *Interceptor) Injections() *Injections { return it.injections }

// Forward runs one sampling step's forward call. condOrUncond is the
// sampler's group layout (0=cond, 1=uncond, one entry per group sharing the
// batch).
//
// When no reference unit should run, the wrapped forward is called directly
// -- the zero-overhead path. Otherwise each runnable RefCN unit gets one
// extra forward pass over its noised hint with only its write lists set,
// filling exactly one bank entry per participating layer; the real pass
// then runs with all RefCN units on the read lists and the ContextRef units
// assigned per machine state. Own-origin banks are cleared in a deferred
// phase that also runs when the pass panics; context-origin banks are
// cleared per channel, when that channel's context machine transitions to
// write or off.
func (it *Interceptor) Forward(x *tensors.Tensor, condOrUncond []int) (*tensors.Tensor, error) {
	refs := runnable(it.refs)
	contextRefs := runnable(it.contextRefs)
	if len(refs) == 0 && len(contextRefs) == 0 {
		return it.forward(x, &StepState{})
	}

	// Banks must never leak across calls, no matter how this returns.
	defer func() {
		it.injections.CleanRef()
		it.injections.logBankMemory("after step cleanup")
	}()

	condIdxs, uncondIdxs := splitCondUncond(x.Shape().Dimensions[0], condOrUncond)

	attnCNs, adainCNs := partitionByChannel(refs)
	ctxAttnCNs, ctxAdainCNs := partitionByChannel(contextRefs)
	adainActive := len(adainCNs) > 0 || len(ctxAdainCNs) > 0

	var hook NormHook
	if adainActive {
		backend := it.backend
		hook = func(holder *NormHolder, x *tensors.Tensor, state *StepState) (*tensors.Tensor, error) {
			return normInject(backend, holder, x, state)
		}
	}

	// Reference pass per RefCN unit: write lists hold exactly that unit.
	for _, ref := range refs {
		state := &StepState{
			CondIdxs:             condIdxs,
			UncondIdxs:           uncondIdxs,
			DisableOtherControls: !ref.Opts.RefWithOtherCNs,
			normHook:             hook,
		}
		if ref.Opts.Type.IsAttn() {
			state.WriteAttn = []*Reference{ref}
		}
		if ref.Opts.Type.IsAdain() {
			state.WriteAdain = []*Reference{ref}
		}
		hint := ref.CondHint()
		if hint == nil {
			return nil, errors.Errorf("reference unit order=%d has no prepared hint; call PrepareStep before Forward", ref.Order)
		}
		hint, err := tmath.ConvertLike(it.backend, hint, x)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("refcond: reference pass for unit order=%d (attn=%v adain=%v)",
			ref.Order, ref.Opts.Type.IsAttn(), ref.Opts.Type.IsAdain())
		if _, err := it.forward(hint, state); err != nil {
			return nil, errors.Wrapf(err, "reference pass for unit order=%d", ref.Order)
		}
	}

	// Real pass: RefCN banks are read back; ContextRef units join the
	// lists their machine state dictates.
	state := &StepState{
		CondIdxs:   condIdxs,
		UncondIdxs: uncondIdxs,
		ReadAttn:   append([]*Reference(nil), attnCNs...),
		ReadAdain:  append([]*Reference(nil), adainCNs...),
		normHook:   hook,
	}
	if len(contextRefs) > 0 {
		// Each channel drops its context window when its own machine leaves
		// the read state, so an attention transition cannot wipe a
		// statistics window still to be read (or vice versa).
		if it.contextAttnState == StateWrite || it.contextAttnState == StateOff {
			it.injections.CleanContextRefAttn()
		}
		if it.contextAdainState == StateWrite || it.contextAdainState == StateOff {
			it.injections.CleanContextRefAdain()
		}
		switch it.contextAttnState {
		case StateWrite:
			state.WriteAttn = append(state.WriteAttn, ctxAttnCNs...)
		case StateRead:
			state.ReadAttn = append(state.ReadAttn, ctxAttnCNs...)
		}
		switch it.contextAdainState {
		case StateWrite:
			state.WriteAdain = append(state.WriteAdain, ctxAdainCNs...)
		case StateRead:
			state.ReadAdain = append(state.ReadAdain, ctxAdainCNs...)
		}
	}
	klog.V(1).Infof("refcond: real pass (readAttn=%d writeAttn=%d readAdain=%d writeAdain=%d ctxAttn=%s ctxAdain=%s)",
		len(state.ReadAttn), len(state.WriteAttn), len(state.ReadAdain), len(state.WriteAdain),
		it.contextAttnState, it.contextAdainState)
	return it.forward(x, state)
}

func runnable(refs []*Reference) []*Reference {
	var out []*Reference
	for _, ref := range refs {
		if ref.ShouldRun() {
			out = append(out, ref)
		}
	}
	return out
}

func partitionByChannel(refs []*Reference) (attn, adain []*Reference) {
	for _, ref := range refs {
		if ref.Opts.Type.IsAttn() {
			attn = append(attn, ref)
		}
		if ref.Opts.Type.IsAdain() {
			adain = append(adain, ref)
		}
	}
	return attn, adain
}
