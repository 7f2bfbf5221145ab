// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

import (
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// Injections is the registry of all holder-wired layers of one host
// network. It exists so banks can be cleared in bulk -- a leaked reference
// bank is a memory-growth defect, not a performance detail -- and so
// patching can be torn down as a whole.
type Injections struct {
	attn []*AttentionHolder
	norm []*NormHolder
}

// NewInjections creates an empty registry.
func NewInjections() *Injections {
	return &Injections{}
}

// RegisterAttention adds attention holders to the registry.
func (inj *Injections) RegisterAttention(holders ...*AttentionHolder) {
	inj.attn = append(inj.attn, holders...)
}

// RegisterNorm adds normalization holders to the registry.
func (inj *Injections) RegisterNorm(holders ...*NormHolder) {
	inj.norm = append(inj.norm, holders...)
}

// AttentionHolders returns the registered attention holders.
func (inj *Injections) AttentionHolders() []*AttentionHolder { return inj.attn }

// NormHolders returns the registered normalization holders.
func (inj *Injections) NormHolders() []*NormHolder { return inj.norm }

// CleanRef drops own-origin bank entries across all layers. Failures are
// suppressed per layer so one corrupted holder cannot block the others.
func (inj *Injections) CleanRef() {
	for _, h := range inj.attn {
		cleanQuietly(func() { h.CleanRef() })
	}
	for _, h := range inj.norm {
		cleanQuietly(func() { h.CleanRef() })
	}
}

// CleanContextRef drops context-origin bank entries across all layers.
func (inj *Injections) CleanContextRef() {
	inj.CleanContextRefAttn()
	inj.CleanContextRefAdain()
}

// CleanContextRefAttn drops context-origin entries from the attention
// banks only.
func (inj *Injections) CleanContextRefAttn() {
	for _, h := range inj.attn {
		cleanQuietly(func() { h.CleanContextRef() })
	}
}

// CleanContextRefAdain drops context-origin entries from the normalization
// statistics banks only.
func (inj *Injections) CleanContextRefAdain() {
	for _, h := range inj.norm {
		cleanQuietly(func() { h.CleanContextRef() })
	}
}

// CleanAll drops all bank entries across all layers.
func (inj *Injections) CleanAll() {
	for _, h := range inj.attn {
		cleanQuietly(func() { h.CleanAll() })
	}
	for _, h := range inj.norm {
		cleanQuietly(func() { h.CleanAll() })
	}
}

// BankMemory is the total bytes currently banked across all layers.
func (inj *Injections) BankMemory() uintptr {
	var total uintptr
	for _, h := range inj.attn {
		total += h.Bank.Memory()
	}
	for _, h := range inj.norm {
		total += h.Bank.Memory()
	}
	return total
}

// Cleanup drops all banks and forgets the registered holders. The registry
// is unusable afterwards.
func (inj *Injections) Cleanup() {
	inj.CleanAll()
	inj.attn = nil
	inj.norm = nil
}

// cleanQuietly runs a per-layer clean, suppressing (but logging) panics so
// bulk teardown is best-effort.
func cleanQuietly(clean func()) {
	defer func() {
		if r := recover(); r != nil {
			klog.Warningf("refcond: suppressed panic while clearing a layer bank: %v", r)
		}
	}()
	clean()
}

// logBankMemory traces currently banked bytes at verbosity 2.
func (inj *Injections) logBankMemory(when string) {
	if klog.V(2).Enabled() {
		klog.Infof("refcond: banks hold %s (%s)", humanize.Bytes(uint64(inj.BankMemory())), when)
	}
}
