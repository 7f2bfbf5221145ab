// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

// NewContextRef returns the shared context-carried reference unit. It is
// attention-only with full fidelity, weight and strength, carries order -1
// so it never collides with directly attached units, and banks its entries
// on the context-origin side of every holder so they survive across steps
// until the machine state transitions back to write or off.
func NewContextRef() *Reference {
	opts := NewReferenceOptions(TypeAttn, 1.0, 0.0, 1.0, 0.0)
	ref := NewReference(opts, nil)
	ref.Order = -1
	ref.IsContextRef = true
	return ref
}
