// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

// AttentionHolder attaches reference-conditioning state to one
// self-attention block of the host network. The block is constructed with
// its holder and calls SelfAttention in place of its plain self-attention;
// the holder carries the layer's bank and the metadata the injection needs.
type AttentionHolder struct {
	// Index identifies the layer, for logs only.
	Index int

	// AttnWeight is the layer's participation threshold: a unit writes to
	// or blends into this layer only when its AttnRefWeight exceeds it.
	AttnWeight float64

	// IsMiddle marks the network's middle block; masks for it are resolved
	// at the middle-block downscale (8) regardless of Downscale.
	IsMiddle bool

	// Downscale is the factor between the latent's spatial size and this
	// layer's token grid, used to resolve spatial masks to the layer's
	// sequence layout.
	Downscale int

	// NumHeads and HeadDim describe the block's attention geometry. The
	// injection itself does not consume them; SelfAttention passes them
	// through to the AttentionFn for replacements that do.
	NumHeads, HeadDim int

	// Bank holds this layer's captured attention features.
	Bank AttnBank
}

// NewAttentionHolder creates a holder for a self-attention block with the
// given latent-to-token downscale factor.
func NewAttentionHolder(index, downscale int) *AttentionHolder {
	return &AttentionHolder{Index: index, Downscale: downscale}
}

// CleanRef drops the holder's own-origin bank entries.
func (h *AttentionHolder) CleanRef() { h.Bank.CleanRef() }

// CleanContextRef drops the holder's context-origin bank entries.
func (h *AttentionHolder) CleanContextRef() { h.Bank.CleanContextRef() }

// CleanAll drops all bank entries.
func (h *AttentionHolder) CleanAll() { h.Bank.CleanAll() }

// NormHolder attaches reference-conditioning state to one
// normalization-bearing block of the host network. The block applies the
// step's normalization hook to its output; the holder carries the layer's
// statistics bank.
type NormHolder struct {
	// Index identifies the layer, for logs only.
	Index int

	// GNWeight is the layer's participation threshold for the adain
	// channel, mirroring AttentionHolder.AttnWeight.
	GNWeight float64

	// Block classification within the network.
	IsMiddle, IsInput, IsOutput bool

	// Bank holds this layer's captured variance/mean statistics.
	Bank NormBank
}

// NewNormHolder creates a holder for a normalization-bearing block.
func NewNormHolder(index int) *NormHolder {
	return &NormHolder{Index: index}
}

// CleanRef drops the holder's own-origin bank entries.
func (h *NormHolder) CleanRef() { h.Bank.CleanRef() }

// CleanContextRef drops the holder's context-origin bank entries.
func (h *NormHolder) CleanContextRef() { h.Bank.CleanContextRef() }

// CleanAll drops all bank entries.
func (h *NormHolder) CleanAll() { h.Bank.CleanAll() }
