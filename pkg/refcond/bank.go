// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Banks hold captured activations between the write sub-pass(es) and the
// read sub-pass of one sampling step. Each bank keeps two origins apart:
// "own" entries written by directly attached reference units (RefCN) and
// "context" entries written by the rolling ContextRef. Own entries never
// outlive a forward call; context entries persist until the ContextRef
// machine transitions back to write or off.
//
// Within one origin the parallel slices are index-aligned: one entry per
// write event, appended in write order. Reads pair entries back to their
// owning unit by Order, not by position.

// AttnBank stores post-norm attention feature tensors.
type AttnBank struct {
	own, ctx attnEntries
}

type attnEntries struct {
	feats      []*tensors.Tensor
	fidelities []float64
	orders     []int
}

func (e *attnEntries) append(feat *tensors.Tensor, fidelity float64, order int) {
	e.feats = append(e.feats, feat)
	e.fidelities = append(e.fidelities, fidelity)
	e.orders = append(e.orders, order)
}

func (e *attnEntries) clear() {
	e.feats = nil
	e.fidelities = nil
	e.orders = nil
}

// Append adds one write event. Context-origin entries go to the context
// sub-bank.
func (b *AttnBank) Append(feat *tensors.Tensor, fidelity float64, order int, fromContext bool) {
	if fromContext {
		b.ctx.append(feat, fidelity, order)
	} else {
		b.own.append(feat, fidelity, order)
	}
}

// Feats returns the banked feature tensors, own entries first. With
// ignoreContext, context-origin entries are excluded (used when a context
// write just happened in this same pass).
func (b *AttnBank) Feats(ignoreContext bool) []*tensors.Tensor {
	if ignoreContext {
		return append([]*tensors.Tensor(nil), b.own.feats...)
	}
	return append(append([]*tensors.Tensor(nil), b.own.feats...), b.ctx.feats...)
}

// Orders returns the owning units' orders, aligned with Feats.
func (b *AttnBank) Orders(ignoreContext bool) []int {
	if ignoreContext {
		return b.own.orders
	}
	return append(append([]int(nil), b.own.orders...), b.ctx.orders...)
}

// AvgFidelity averages the fidelities of the entries Feats would return.
func (b *AttnBank) AvgFidelity(ignoreContext bool) float64 {
	fids := b.own.fidelities
	if !ignoreContext {
		fids = append(append([]float64(nil), b.own.fidelities...), b.ctx.fidelities...)
	}
	if len(fids) == 0 {
		return 0
	}
	var sum float64
	for _, f := range fids {
		sum += f
	}
	return sum / float64(len(fids))
}

// Len is the number of entries Feats would return.
func (b *AttnBank) Len(ignoreContext bool) int {
	if ignoreContext {
		return len(b.own.feats)
	}
	return len(b.own.feats) + len(b.ctx.feats)
}

// CleanRef drops all own-origin entries.
func (b *AttnBank) CleanRef() { b.own.clear() }

// CleanContextRef drops all context-origin entries.
func (b *AttnBank) CleanContextRef() { b.ctx.clear() }

// CleanAll drops everything.
func (b *AttnBank) CleanAll() {
	b.own.clear()
	b.ctx.clear()
}

// Memory is the total bytes held by banked tensors.
func (b *AttnBank) Memory() uintptr {
	var total uintptr
	for _, f := range b.own.feats {
		total += f.Shape().Memory()
	}
	for _, f := range b.ctx.feats {
		total += f.Shape().Memory()
	}
	return total
}

// NormBank stores per-channel variance/mean statistic pairs.
type NormBank struct {
	own, ctx normEntries
}

type normEntries struct {
	vars       []*tensors.Tensor
	means      []*tensors.Tensor
	fidelities []float64
	orders     []int
}

func (e *normEntries) append(variance, mean *tensors.Tensor, fidelity float64, order int) {
	e.vars = append(e.vars, variance)
	e.means = append(e.means, mean)
	e.fidelities = append(e.fidelities, fidelity)
	e.orders = append(e.orders, order)
}

func (e *normEntries) clear() {
	e.vars = nil
	e.means = nil
	e.fidelities = nil
	e.orders = nil
}

// Append adds one write event. Context-origin entries go to the context
// sub-bank.
func (b *NormBank) Append(variance, mean *tensors.Tensor, fidelity float64, order int, fromContext bool) {
	if fromContext {
		b.ctx.append(variance, mean, fidelity, order)
	} else {
		b.own.append(variance, mean, fidelity, order)
	}
}

// Vars returns the banked variances, own entries first.
func (b *NormBank) Vars(ignoreContext bool) []*tensors.Tensor {
	if ignoreContext {
		return b.own.vars
	}
	return append(append([]*tensors.Tensor(nil), b.own.vars...), b.ctx.vars...)
}

// Means returns the banked means, aligned with Vars.
func (b *NormBank) Means(ignoreContext bool) []*tensors.Tensor {
	if ignoreContext {
		return b.own.means
	}
	return append(append([]*tensors.Tensor(nil), b.own.means...), b.ctx.means...)
}

// Fidelities returns the banked fidelities, aligned with Vars.
func (b *NormBank) Fidelities(ignoreContext bool) []float64 {
	if ignoreContext {
		return b.own.fidelities
	}
	return append(append([]float64(nil), b.own.fidelities...), b.ctx.fidelities...)
}

// Orders returns the owning units' orders, aligned with Vars.
func (b *NormBank) Orders(ignoreContext bool) []int {
	if ignoreContext {
		return b.own.orders
	}
	return append(append([]int(nil), b.own.orders...), b.ctx.orders...)
}

// Len is the number of entries Vars would return.
func (b *NormBank) Len(ignoreContext bool) int {
	if ignoreContext {
		return len(b.own.vars)
	}
	return len(b.own.vars) + len(b.ctx.vars)
}

// OwnLen is the number of own-origin entries; the adain read path averages
// its accumulation over this count.
func (b *NormBank) OwnLen() int { return len(b.own.vars) }

// CleanRef drops all own-origin entries.
func (b *NormBank) CleanRef() { b.own.clear() }

// CleanContextRef drops all context-origin entries.
func (b *NormBank) CleanContextRef() { b.ctx.clear() }

// CleanAll drops everything.
func (b *NormBank) CleanAll() {
	b.own.clear()
	b.ctx.clear()
}

// Memory is the total bytes held by banked tensors.
func (b *NormBank) Memory() uintptr {
	var total uintptr
	for _, set := range []normEntries{b.own, b.ctx} {
		for _, v := range set.vars {
			total += v.Shape().Memory()
		}
		for _, m := range set.means {
			total += m.Shape().Memory()
		}
	}
	return total
}
