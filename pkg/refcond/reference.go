// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/refcond/pkg/sched"
	"github.com/gomlx/refcond/pkg/support/tmath"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelArch is the architecture family of the model a Reference is bound
// to. Some families need their style fidelity adjusted at setup time.
type ModelArch int

const (
	// ArchGeneric applies fidelities as configured.
	ArchGeneric ModelArch = iota

	// ArchSDXL is markedly more sensitive to style fidelity; configured
	// fidelities are cubed at bind time.
	ArchSDXL
)

// LatentFormat converts an externally supplied latent into the model's
// internal latent representation (the "process in" scaling step).
type LatentFormat struct {
	ScaleFactor float64
}

// DefaultLatentFormat is the identity format.
func DefaultLatentFormat() *LatentFormat {
	return &LatentFormat{ScaleFactor: 1}
}

// ProcessIn scales a latent into the model's representation.
func (f *LatentFormat) ProcessIn(backend backends.Backend, latent *tensors.Tensor) (*tensors.Tensor, error) {
	if f == nil || f.ScaleFactor == 1 {
		return latent, nil
	}
	return tmath.MulScalarT(backend, latent, f.ScaleFactor)
}

// PreprocLatent wraps a latent that masquerades as an image further up the
// pipeline. The output of a reference preprocessor is NOT a usual image; it
// must be attached to a Reference via SetCondHint and is unusable anywhere
// an image is expected.
type PreprocLatent struct {
	latent *tensors.Tensor
}

// NewPreprocLatent wraps a conditioning latent.
func NewPreprocLatent(latent *tensors.Tensor) *PreprocLatent {
	return &PreprocLatent{latent: latent}
}

// Latent returns the wrapped conditioning latent.
func (p *PreprocLatent) Latent() *tensors.Tensor { return p.latent }

// Reference is one scheduled reference-conditioning unit: either a directly
// attached reference (RefCN) or the per-run ContextRef singleton.
//
// A Reference is a handle bound to model and run state -- hold it by
// pointer, never copy it structurally. Copy is the one sanctioned
// duplication and produces a fresh, schedule-compatible clone without the
// model bindings.
type Reference struct {
	// Opts is owned by this unit (cloned at construction).
	Opts *ReferenceOptions

	// Order is the unit's stable identity; bank entries are paired back to
	// their owning unit by matching it.
	Order int

	// IsContextRef marks the rolling context-carried reference; its bank
	// entries go to the context sub-banks.
	IsContextRef bool

	// Sched is the scheduling collaborator deciding per-step strength and
	// masks.
	Sched *sched.Schedule

	condHintOriginal *tensors.Tensor
	condHint         *tensors.Tensor
	subIdxs          []int
	fullLatentLength int

	// Bound per sampling run by PreRun, released by Cleanup.
	backend      backends.Backend
	latentFormat *LatentFormat
	arch         ModelArch
	runID        string

	// Derived per step by PrepareStep.
	shouldApplyAttnEffectiveStrength  bool
	shouldApplyAdainEffectiveStrength bool
	shouldApplyEffectiveMasks         bool
	latentShape                       []int
}

// NewReference creates a reference unit owning a clone of opts. A nil
// schedule defaults to full strength over the whole run.
func NewReference(opts *ReferenceOptions, schedule *sched.Schedule) *Reference {
	if schedule == nil {
		schedule = sched.NewSchedule()
	}
	return &Reference{
		Opts:  opts.Clone(),
		Sched: schedule,
	}
}

// SetCondHint attaches the reference latent (as produced by a reference
// preprocessor). Only meaningful for RefCN units; ContextRef carries no
// hint of its own.
func (r *Reference) SetCondHint(hint *PreprocLatent) {
	r.condHintOriginal = hint.Latent()
}

// SetCondHintLatent attaches a raw reference latent, shaped
// [b, c, h, w].
func (r *Reference) SetCondHintLatent(latent *tensors.Tensor) {
	r.condHintOriginal = latent
}

// SetSubIdxs restricts hint preparation to a window of the full hint batch:
// when the hint has at least fullLatentLength entries, only the idxs rows
// are used for the step. Used by rolling context windows.
func (r *Reference) SetSubIdxs(idxs []int, fullLatentLength int) {
	r.subIdxs = append([]int(nil), idxs...)
	r.fullLatentLength = fullLatentLength
}

// CondHint returns the per-step prepared (resized, re-noised) hint, or nil
// before PrepareStep.
func (r *Reference) CondHint() *tensors.Tensor { return r.condHint }

// ShouldRun reports whether this unit participates in the current step: the
// schedule must allow it, and at least one enabled channel must have both a
// non-zero ref weight and a non-zero strength. Near-zero configurations are
// treated as zero -- they would make the blend a no-op while still costing a
// reference pass.
func (r *Reference) ShouldRun() bool {
	if r.Sched != nil && !r.Sched.ShouldRun() {
		return false
	}
	attnRun := false
	adainRun := false
	if r.Opts.Type.IsAttn() {
		attnRun = !(isClose(r.Opts.AttnRefWeight, 0) || isClose(r.Opts.AttnStrength, 0))
	}
	if r.Opts.Type.IsAdain() {
		adainRun = !(isClose(r.Opts.AdainRefWeight, 0) || isClose(r.Opts.AdainStrength, 0))
	}
	return attnRun || adainRun
}

// PreRun binds the unit to a model for one sampling run. For
// fidelity-sensitive architectures the current fidelities are derived from
// the configured originals; the originals are never touched.
func (r *Reference) PreRun(backend backends.Backend, arch ModelArch, latentFormat *LatentFormat) {
	r.backend = backend
	r.arch = arch
	if latentFormat == nil {
		latentFormat = DefaultLatentFormat()
	}
	r.latentFormat = latentFormat
	r.runID = uuid.NewString()
	if arch == ArchSDXL {
		r.Opts.AttnStyleFidelity = math.Pow(r.Opts.OriginalAttnStyleFidelity(), 3)
		r.Opts.AdainStyleFidelity = math.Pow(r.Opts.OriginalAdainStyleFidelity(), 3)
	} else {
		r.Opts.AttnStyleFidelity = r.Opts.OriginalAttnStyleFidelity()
		r.Opts.AdainStyleFidelity = r.Opts.OriginalAdainStyleFidelity()
	}
	klog.V(1).Infof("refcond: reference order=%d bound to run %s (arch=%d)", r.Order, r.runID, arch)
}

// PrepareStep refreshes the unit for the current sampling step: it prepares
// the noised hint to match the real input and re-derives the per-step
// strength and mask flags. xNoisy is the current noisy latent
// [b, c, h, w]; sigma the current noise level (scalar or [b]); percent the
// position within the run in [0,1].
//
// The real latent is never touched here; only this unit's own hint is
// prepared. The effect on the generation happens later, through the
// holder-wired layers.
func (r *Reference) PrepareStep(xNoisy, sigma *tensors.Tensor, percent float64) error {
	if r.backend == nil {
		return errors.Errorf("Reference order=%d used before PreRun", r.Order)
	}
	r.Sched.PrepareStep(percent)
	if !r.Sched.ShouldRun() {
		return nil
	}
	dims := xNoisy.Shape().Dimensions
	if r.condHintOriginal != nil {
		hint := r.condHintOriginal
		var err error
		// A rolling window subdivides the full-length hint before scaling.
		if r.subIdxs != nil && hint.Shape().Dimensions[0] >= r.fullLatentLength {
			hint, err = tmath.GatherBatch(r.backend, hint, r.subIdxs)
			if err != nil {
				return errors.Wrapf(err, "windowing reference hint")
			}
		}
		hint, err = tmath.ResizeNearestCenter(r.backend, hint, dims[2], dims[3])
		if err != nil {
			return errors.Wrapf(err, "resizing reference hint to %v", dims)
		}
		hint, err = tmath.ConvertLike(r.backend, hint, xNoisy)
		if err != nil {
			return err
		}
		if hint.Shape().Dimensions[0] != dims[0] {
			hint, err = tmath.BroadcastBatch(r.backend, hint, dims[0])
			if err != nil {
				return errors.Wrapf(err, "broadcasting reference hint to batch %d", dims[0])
			}
		}
		hint, err = r.latentFormat.ProcessIn(r.backend, hint)
		if err != nil {
			return err
		}
		// Noise the hint so its statistics are comparable to the real
		// pass at this step.
		r.condHint, err = tmath.NoiseLatents(r.backend, hint, sigma, nil)
		if err != nil {
			return errors.Wrapf(err, "noising reference hint")
		}
	}
	r.shouldApplyAttnEffectiveStrength = !(isClose(r.Sched.Strength, 1) &&
		isClose(r.Sched.CurrentKeyframeStrength(), 1) &&
		isClose(r.Opts.AttnStrength, 1))
	r.shouldApplyAdainEffectiveStrength = !(isClose(r.Sched.Strength, 1) &&
		isClose(r.Sched.CurrentKeyframeStrength(), 1) &&
		isClose(r.Opts.AdainStrength, 1))
	r.shouldApplyEffectiveMasks = r.Sched.HasMask()
	r.latentShape = append([]int(nil), dims...)
	return nil
}

// Cleanup releases the model bindings at run end.
func (r *Reference) Cleanup() {
	r.backend = nil
	r.latentFormat = nil
	r.condHint = nil
	r.runID = ""
	r.shouldApplyAttnEffectiveStrength = false
	r.shouldApplyAdainEffectiveStrength = false
	r.shouldApplyEffectiveMasks = false
	r.latentShape = nil
}

// Copy returns a fresh schedule-compatible clone of the unit, without the
// per-run model bindings. This is the only sanctioned duplication.
func (r *Reference) Copy() *Reference {
	c := NewReference(r.Opts, r.Sched.Copy())
	c.Order = r.Order
	c.IsContextRef = r.IsContextRef
	c.condHintOriginal = r.condHintOriginal
	c.subIdxs = append([]int(nil), r.subIdxs...)
	c.fullLatentLength = r.fullLatentLength
	return c
}

func (r *Reference) anyAttnStrengthToApply() bool {
	return r.shouldApplyAttnEffectiveStrength || r.shouldApplyEffectiveMasks
}

func (r *Reference) anyAdainStrengthToApply() bool {
	return r.shouldApplyAdainEffectiveStrength || r.shouldApplyEffectiveMasks
}

// blendWeight is either a scalar strength or a spatially resolved mask.
type blendWeight struct {
	scalar float64
	mask   *tensors.Tensor
}

// effectiveAttnWeight resolves this unit's blend strength for one attention
// layer. Without masks it is a plain scalar; with masks it is a
// [b, tokens, 1] tensor aligned with the layer's sequence layout.
func (r *Reference) effectiveAttnWeight(backend backends.Backend, holder *AttentionHolder, dtype dtypes.DType) (blendWeight, error) {
	if !r.shouldApplyEffectiveMasks {
		return blendWeight{scalar: r.Sched.EffectiveStrength() * r.Opts.AttnStrength}, nil
	}
	div := holder.Downscale
	if holder.IsMiddle {
		div = 8
	}
	if div <= 0 {
		div = 1
	}
	b, h, w := r.latentShape[0], r.latentShape[2]/div, r.latentShape[3]/div
	mask, err := onesTimes(backend, dtype, r.Sched.EffectiveStrength()*r.Opts.AttnStrength, b, 1, h, w)
	if err != nil {
		return blendWeight{}, err
	}
	mask, err = r.Sched.ApplyMask(backend, mask)
	if err != nil {
		return blendWeight{}, err
	}
	// [b, 1, h, w] -> [b, h*w, 1] to line up with the token axis.
	mask, err = ExecOnce(backend, func(mask *Node) *Node {
		md := mask.Shape().Dimensions
		mask = TransposeAllAxes(mask, 0, 2, 3, 1)
		return Reshape(mask, md[0], md[2]*md[3], md[1])
	}, mask)
	if err != nil {
		return blendWeight{}, err
	}
	return blendWeight{mask: mask}, nil
}

// effectiveAdainWeight resolves this unit's blend strength for one
// normalization layer, against an [b, c, h, w] activation.
func (r *Reference) effectiveAdainWeight(backend backends.Backend, x *tensors.Tensor) (blendWeight, error) {
	if !r.shouldApplyEffectiveMasks {
		return blendWeight{scalar: r.Sched.EffectiveStrength() * r.Opts.AdainStrength}, nil
	}
	dims := x.Shape().Dimensions
	mask, err := onesTimes(backend, x.DType(), r.Sched.EffectiveStrength()*r.Opts.AdainStrength, dims[0], 1, dims[2], dims[3])
	if err != nil {
		return blendWeight{}, err
	}
	mask, err = r.Sched.ApplyMask(backend, mask)
	if err != nil {
		return blendWeight{}, err
	}
	return blendWeight{mask: mask}, nil
}

func onesTimes(backend backends.Backend, dtype dtypes.DType, scale float64, dims ...int) (*tensors.Tensor, error) {
	return ExecOnce(backend, func(g *Graph) *Node {
		return MulScalar(Ones(g, shapes.Make(dtype, dims...)), scale)
	})
}

// isClose mirrors the near-zero/near-one guards of the configuration
// checks: relative tolerance with a small absolute floor so comparisons
// against zero behave.
func isClose(a, b float64) bool {
	diff := math.Abs(a - b)
	return diff <= 1e-9*math.Max(math.Abs(a), math.Abs(b)) || diff <= 1e-12
}
