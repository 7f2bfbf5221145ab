// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// AttentionFn is the host block's own attention primitive: queries come
// from q, keys and values from kv. Both are [batch, tokens, dim]; kv's
// token count may differ from q's. numHeads and headDim carry the block's
// attention geometry from its holder; implementations that reshape into
// heads need them, fixed-function ones may ignore them. A patched attention
// replacement installed by an unrelated mechanism satisfies the same
// contract.
type AttentionFn func(q, kv *tensors.Tensor, numHeads, headDim int) (*tensors.Tensor, error)

// SelfAttention performs the attention-channel write/read for one
// self-attention block and returns the block's attention output. Host
// blocks call it in place of their plain self-attention on every forward.
//
// n is the post-norm query input [batch, tokens, dim]. context is the
// key/value source; nil means self-attention (context = n).
//
// WRITE: each write-list unit whose ref weight exceeds the layer threshold
// banks a detached copy of n (captured once, shared between qualifying
// units), tagged with its fidelity and order.
//
// READ: banked entries are paired back to their owning read-list units by
// order, optionally blended toward the current context by the unit's
// strength or mask, then concatenated to the context along the token axis
// as an extended key/value source. The final output mixes that
// extended-context branch with a pure self-attention branch on the
// unconditional rows, weighted by the bank's average fidelity. Own-origin
// entries are consumed by the read; context-origin entries survive until
// the context machine leaves its window.
func (h *AttentionHolder) SelfAttention(backend backends.Backend, state *StepState, n, context *tensors.Tensor, attnFn AttentionFn) (*tensors.Tensor, error) {
	if context == nil {
		context = n
	}
	if state == nil {
		return attnFn(n, context, h.NumHeads, h.HeadDim)
	}

	// A context write in this pass must not be read back in the same pass.
	ignoreContextRead := false
	if len(state.WriteAttn) > 0 {
		var cached *tensors.Tensor
		for _, ref := range state.WriteAttn {
			if ref.Opts.AttnRefWeight <= h.AttnWeight {
				continue
			}
			if cached == nil {
				var err error
				cached, err = n.Clone()
				if err != nil {
					return nil, errors.Wrapf(err, "banking attention features at layer %d", h.Index)
				}
			}
			h.Bank.Append(cached, ref.Opts.AttnStyleFidelity, ref.Order, ref.IsContextRef)
			if ref.IsContextRef {
				ignoreContextRead = true
			}
		}
	}

	if len(state.ReadAttn) == 0 || h.Bank.Len(ignoreContextRead) == 0 {
		return attnFn(n, context, h.NumHeads, h.HeadDim)
	}

	fidelity := h.Bank.AvgFidelity(ignoreContextRead)
	bank := h.Bank.Feats(ignoreContextRead)
	orders := h.Bank.Orders(ignoreContextRead)
	owners := ownersByOrder(state.ReadAttn)
	for idx, order := range orders {
		ref := owners[order]
		if ref == nil {
			exceptions.Panicf("refcond: banked entry with order %d has no owner among the %d attention read units (layer %d)",
				order, len(state.ReadAttn), h.Index)
		}
		if !ref.anyAttnStrengthToApply() {
			continue
		}
		w, err := ref.effectiveAttnWeight(backend, h, n.DType())
		if err != nil {
			return nil, errors.Wrapf(err, "resolving attention strength at layer %d", h.Index)
		}
		bank[idx], err = blendToward(backend, bank[idx], context, w)
		if err != nil {
			return nil, errors.Wrapf(err, "blending banked features at layer %d", h.Index)
		}
	}

	extended, err := concatTokens(backend, append([]*tensors.Tensor{context}, bank...))
	if err != nil {
		return nil, errors.Wrapf(err, "extending attention context at layer %d", h.Index)
	}
	nUC, err := attnFn(n, extended, h.NumHeads, h.HeadDim)
	if err != nil {
		return nil, err
	}
	out := nUC
	if len(state.UncondIdxs) > 0 && !isClose(fidelity, 0) {
		pure, err := attnFn(n, context, h.NumHeads, h.HeadDim)
		if err != nil {
			return nil, err
		}
		nC, err := mixRows(backend, nUC, pure, state.UncondIdxs)
		if err != nil {
			return nil, errors.Wrapf(err, "substituting unconditional rows at layer %d", h.Index)
		}
		out, err = blendToward(backend, nC, nUC, blendWeight{scalar: fidelity})
		if err != nil {
			return nil, errors.Wrapf(err, "mixing fidelity branches at layer %d", h.Index)
		}
	}
	h.Bank.CleanRef()
	return out, nil
}

// ownersByOrder indexes read-list units by their stable order; bank entries
// are paired back to their owner through it, never by position.
func ownersByOrder(refs []*Reference) map[int]*Reference {
	owners := make(map[int]*Reference, len(refs))
	for _, ref := range refs {
		owners[ref.Order] = ref
	}
	return owners
}

// blendToward computes a·w + b·(1−w), with w either a scalar or a mask
// broadcastable against a and b.
func blendToward(backend backends.Backend, a, b *tensors.Tensor, w blendWeight) (*tensors.Tensor, error) {
	if w.mask == nil {
		s := w.scalar
		return ExecOnce(backend, func(a, b *Node) *Node {
			return Add(MulScalar(a, s), MulScalar(b, 1-s))
		}, a, b)
	}
	return ExecOnce(backend, func(a, b, mask *Node) *Node {
		mask = ConvertDType(mask, a.DType())
		return Add(Mul(a, mask), Mul(b, OneMinus(mask)))
	}, a, b, w.mask)
}

// concatTokens concatenates [batch, tokens, dim] tensors along the token
// axis.
func concatTokens(backend backends.Backend, parts []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(parts) == 1 {
		return parts[0], nil
	}
	args := make([]any, len(parts))
	for i, p := range parts {
		args[i] = p
	}
	return ExecOnce(backend, func(xs []*Node) *Node {
		return Concatenate(xs, 1)
	}, args...)
}

// mixRows returns base with the given batch rows taken from repl instead.
func mixRows(backend backends.Backend, base, repl *tensors.Tensor, rows []int) (*tensors.Tensor, error) {
	batch := base.Shape().Dimensions[0]
	indicator := make([]bool, batch)
	for _, row := range rows {
		if row < 0 || row >= batch {
			return nil, errors.Errorf("row %d out of range for batch %d", row, batch)
		}
		indicator[row] = true
	}
	indicatorT := tensors.FromFlatDataAndDimensions(indicator, batch)
	return ExecOnce(backend, func(base, repl, indicator *Node) *Node {
		dims := base.Shape().Dimensions
		ones := make([]int, base.Rank())
		for i := range ones {
			ones[i] = 1
		}
		ones[0] = dims[0]
		cond := BroadcastToDims(Reshape(indicator, ones...), dims...)
		return Where(cond, repl, base)
	}, base, repl, indicatorT)
}
