// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sched holds the per-unit scheduling state consumed by the
// reference conditioning runtime: timestep keyframes, an overall strength,
// an active sampling-percent range and an optional spatial mask.
//
// The runtime only asks three questions per step: should the unit run at
// all, what is its effective scalar strength, and -- when a mask is set --
// what does that strength look like resolved over a given spatial layout.
package sched

import (
	"sort"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/refcond/pkg/support/tmath"
	"github.com/pkg/errors"
)

// TimestepKeyframe scales a unit's strength starting at a given point of
// the sampling run. StartPercent is in [0,1], 0 being the first step.
type TimestepKeyframe struct {
	StartPercent float64
	Strength     float64
}

// NewTimestepKeyframe returns a keyframe active from startPercent on.
func NewTimestepKeyframe(startPercent, strength float64) *TimestepKeyframe {
	return &TimestepKeyframe{StartPercent: startPercent, Strength: strength}
}

// TimestepKeyframeGroup is an ordered collection of keyframes. The keyframe
// in effect at a given percent is the last one whose StartPercent is not
// past it.
type TimestepKeyframeGroup struct {
	keyframes []*TimestepKeyframe
}

// NewTimestepKeyframeGroup creates a group from the given keyframes, sorted
// by StartPercent. An empty group behaves like a single full-strength
// keyframe at percent 0.
func NewTimestepKeyframeGroup(keyframes ...*TimestepKeyframe) *TimestepKeyframeGroup {
	g := &TimestepKeyframeGroup{keyframes: append([]*TimestepKeyframe(nil), keyframes...)}
	sort.SliceStable(g.keyframes, func(i, j int) bool {
		return g.keyframes[i].StartPercent < g.keyframes[j].StartPercent
	})
	return g
}

// DefaultTimestepKeyframeGroup returns a group with one full-strength
// keyframe covering the whole run.
func DefaultTimestepKeyframeGroup() *TimestepKeyframeGroup {
	return NewTimestepKeyframeGroup(NewTimestepKeyframe(0, 1))
}

// KeyframeAt returns the keyframe in effect at the given percent, or nil if
// no keyframe has started yet (and the group is non-empty).
func (g *TimestepKeyframeGroup) KeyframeAt(percent float64) *TimestepKeyframe {
	if g == nil || len(g.keyframes) == 0 {
		return NewTimestepKeyframe(0, 1)
	}
	var current *TimestepKeyframe
	for _, kf := range g.keyframes {
		if kf.StartPercent > percent {
			break
		}
		current = kf
	}
	return current
}

// Schedule carries the scheduling state of one conditioning unit for one
// sampling run.
type Schedule struct {
	// Strength is the unit's overall strength, multiplied into every
	// keyframe strength.
	Strength float64

	// Keyframes scale Strength over the course of the run. Nil behaves as a
	// single full-strength keyframe.
	Keyframes *TimestepKeyframeGroup

	// StartPercent and EndPercent bound the portion of the run in which the
	// unit is active. The zero value (0, 0) is normalized to (0, 1) by
	// NewSchedule.
	StartPercent, EndPercent float64

	// Mask optionally restricts the unit spatially. Shaped [h, w] or
	// [b, h, w]; values are multiplied into the effective strength.
	Mask *tensors.Tensor

	currentKeyframe *TimestepKeyframe
	currentPercent  float64
}

// NewSchedule returns a full-strength schedule covering the whole run.
func NewSchedule() *Schedule {
	return &Schedule{Strength: 1, EndPercent: 1}
}

// Copy returns a duplicate sharing the (immutable) keyframes and mask.
func (s *Schedule) Copy() *Schedule {
	c := *s
	c.currentKeyframe = nil
	return &c
}

// PrepareStep selects the keyframe in effect at the given percent of the
// sampling run. Must be called once per step before the other queries.
func (s *Schedule) PrepareStep(percent float64) {
	s.currentPercent = percent
	s.currentKeyframe = s.Keyframes.KeyframeAt(percent)
}

// ShouldRun reports whether the unit is scheduled to run at the current
// step at all.
func (s *Schedule) ShouldRun() bool {
	if s.currentPercent < s.StartPercent || s.currentPercent > s.EndPercent {
		return false
	}
	return s.currentKeyframe != nil
}

// CurrentKeyframeStrength returns the strength of the keyframe in effect,
// or 1 if none is set.
func (s *Schedule) CurrentKeyframeStrength() float64 {
	if s.currentKeyframe == nil {
		return 1
	}
	return s.currentKeyframe.Strength
}

// EffectiveStrength is the overall strength scaled by the keyframe in
// effect.
func (s *Schedule) EffectiveStrength() float64 {
	return s.Strength * s.CurrentKeyframeStrength()
}

// HasMask reports whether a spatial mask is configured.
func (s *Schedule) HasMask() bool {
	return s.Mask != nil
}

// ApplyMask multiplies the schedule's mask into x, a strength map shaped
// [b, 1, h, w]. The mask is resized (nearest, center-anchored) to x's
// spatial size and broadcast over x's batch. Without a mask, x is returned
// unchanged.
func (s *Schedule) ApplyMask(backend backends.Backend, x *tensors.Tensor) (*tensors.Tensor, error) {
	if s.Mask == nil {
		return x, nil
	}
	if x.Rank() != 4 {
		return nil, errors.Errorf("ApplyMask expects a [b, 1, h, w] strength map, got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	mask := s.Mask
	// Normalize the mask to [mb, 1, h, w].
	switch mask.Rank() {
	case 2:
		md := mask.Shape().Dimensions
		var err error
		mask, err = reshape4D(backend, mask, 1, 1, md[0], md[1])
		if err != nil {
			return nil, err
		}
	case 3:
		md := mask.Shape().Dimensions
		var err error
		mask, err = reshape4D(backend, mask, md[0], 1, md[1], md[2])
		if err != nil {
			return nil, err
		}
	case 4:
		// Already [mb, 1, h, w].
	default:
		return nil, errors.Errorf("mask must be rank 2, 3 or 4, got %s", mask.Shape())
	}
	mask, err := tmath.ResizeNearestCenter(backend, mask, dims[2], dims[3])
	if err != nil {
		return nil, errors.Wrapf(err, "resizing mask to %dx%d", dims[2], dims[3])
	}
	mask, err = tmath.BroadcastBatch(backend, mask, dims[0])
	if err != nil {
		return nil, errors.Wrapf(err, "broadcasting mask to batch %d", dims[0])
	}
	return ExecOnce(backend, func(x, mask *Node) *Node {
		return Mul(x, ConvertDType(mask, x.DType()))
	}, x, mask)
}

func reshape4D(backend backends.Backend, x *tensors.Tensor, dims ...int) (*tensors.Tensor, error) {
	return ExecOnce(backend, func(x *Node) *Node {
		return Reshape(x, dims...)
	}, x)
}
