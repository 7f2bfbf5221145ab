// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package refcond steers a denoising network toward the visual style of a
// reference image without retraining it: during sampling, intermediate
// activations from a pass over the reference are banked per layer and
// blended into the real generation pass.
//
// Two independent signal channels exist -- self-attention features ("attn")
// and group-norm mean/variance statistics ("adain") -- fed from two
// independent sources: directly attached reference units (RefCN) and a
// rolling, context-carried reference (ContextRef).
//
// The runtime sits between a sampler loop and a forward function it does
// not own. The host network cooperates by constructing its self-attention
// blocks with an *AttentionHolder and its normalization-bearing blocks with
// a *NormHolder, and by threading the per-call *StepState through every
// nested layer call. The Interceptor wraps the host's forward function and
// drives the WRITE/READ state machine around it; banks are always cleared
// when it returns, normally or not.
package refcond

// MachineState is the per-channel state of the ContextRef machine for one
// forward call.
type MachineState int

const (
	// StateOff disables the channel: no writes, no reads.
	StateOff MachineState = iota

	// StateWrite banks the current pass's activations for later reads.
	StateWrite

	// StateRead blends previously banked activations into the current pass.
	StateRead

	// StateStyleAlign is reserved for style-aligned batches; the reference
	// state machine treats it like StateOff.
	StateStyleAlign
)

// String returns the state name.
func (s MachineState) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateWrite:
		return "write"
	case StateRead:
		return "read"
	case StateStyleAlign:
		return "stylealign"
	default:
		return "unknown"
	}
}

// ReferenceType selects which channels a reference unit feeds.
type ReferenceType int

const (
	// TypeAttn feeds only the self-attention channel.
	TypeAttn ReferenceType = iota

	// TypeAdain feeds only the group-norm statistics channel.
	TypeAdain

	// TypeAttnAdain feeds both channels.
	TypeAttnAdain

	// TypeStyleAlign marks a style-aligned unit; it feeds neither bank
	// channel here.
	TypeStyleAlign
)

// IsAttn reports whether the type feeds the attention channel.
func (t ReferenceType) IsAttn() bool {
	return t == TypeAttn || t == TypeAttnAdain
}

// IsAdain reports whether the type feeds the adain channel.
func (t ReferenceType) IsAdain() bool {
	return t == TypeAdain || t == TypeAttnAdain
}

// String returns the type name.
func (t ReferenceType) String() string {
	switch t {
	case TypeAttn:
		return "reference_attn"
	case TypeAdain:
		return "reference_adain"
	case TypeAttnAdain:
		return "reference_attn+adain"
	case TypeStyleAlign:
		return "style_align"
	default:
		return "unknown"
	}
}
