// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

// ReferenceOptions configures one reference binding. It is constructed once
// per user configuration and cloned when attached to a Reference; the
// per-step hot path never mutates it.
//
// Fidelities are held twice: the original value as configured, and the
// current value derived per model architecture at setup time (some
// architecture families are more sensitive to style fidelity, see
// Reference.PreRun). The original is never overwritten.
type ReferenceOptions struct {
	Type ReferenceType

	originalAttnStyleFidelity  float64
	originalAdainStyleFidelity float64

	// AttnStyleFidelity and AdainStyleFidelity are the current,
	// architecture-adjusted fidelities in [0,1]. 1 favors the
	// fidelity-adjusted branch, 0 the bank-blended branch.
	AttnStyleFidelity  float64
	AdainStyleFidelity float64

	// AttnRefWeight and AdainRefWeight gate which layers participate: a
	// layer banks/blends only when the weight exceeds its holder's
	// threshold.
	AttnRefWeight  float64
	AdainRefWeight float64

	// AttnStrength and AdainStrength scale the blend toward the banked
	// activations, per channel.
	AttnStrength  float64
	AdainStrength float64

	// RefWithOtherCNs allows other control units to run during this unit's
	// reference pass. When false, the interceptor asks the host to disable
	// them for that pass.
	RefWithOtherCNs bool
}

// NewReferenceOptions creates options with per-channel fidelities and
// weights. Both channel strengths default to 1.
func NewReferenceOptions(refType ReferenceType, attnStyleFidelity, adainStyleFidelity, attnRefWeight, adainRefWeight float64) *ReferenceOptions {
	return &ReferenceOptions{
		Type:                       refType,
		originalAttnStyleFidelity:  attnStyleFidelity,
		originalAdainStyleFidelity: adainStyleFidelity,
		AttnStyleFidelity:          attnStyleFidelity,
		AdainStyleFidelity:         adainStyleFidelity,
		AttnRefWeight:              attnRefWeight,
		AdainRefWeight:             adainRefWeight,
		AttnStrength:               1,
		AdainStrength:              1,
	}
}

// NewReferenceOptionsCombo creates options applying one fidelity and one
// weight to both channels.
func NewReferenceOptionsCombo(refType ReferenceType, styleFidelity, refWeight float64, refWithOtherCNs bool) *ReferenceOptions {
	opts := NewReferenceOptions(refType, styleFidelity, styleFidelity, refWeight, refWeight)
	opts.RefWithOtherCNs = refWithOtherCNs
	return opts
}

// OriginalAttnStyleFidelity returns the fidelity as configured, before any
// architecture adjustment.
func (o *ReferenceOptions) OriginalAttnStyleFidelity() float64 {
	return o.originalAttnStyleFidelity
}

// OriginalAdainStyleFidelity returns the fidelity as configured, before any
// architecture adjustment.
func (o *ReferenceOptions) OriginalAdainStyleFidelity() float64 {
	return o.originalAdainStyleFidelity
}

// Clone returns a value copy with the current fidelities reset to the
// original configured values.
func (o *ReferenceOptions) Clone() *ReferenceOptions {
	c := *o
	c.AttnStyleFidelity = o.originalAttnStyleFidelity
	c.AdainStyleFidelity = o.originalAdainStyleFidelity
	return &c
}
