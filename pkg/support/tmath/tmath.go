// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tmath provides eager tensor math helpers used by the reference
// conditioning runtime: hint noising, nearest-neighbor resizing, batch
// broadcasting and spatial statistics.
//
// All functions execute immediately on the given backend. They are meant for
// per-step preparation work, not for per-layer hot paths (those keep their
// own cached graph.Exec objects).
package tmath

import (
	"sync"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

var (
	rngMu    sync.Mutex
	rngState *tensors.Tensor
)

// RandomNormalLike returns a standard-normal tensor with the same shape and
// dtype as x. The RNG state is process-wide and advanced on every call.
func RandomNormalLike(backend backends.Backend, x *tensors.Tensor) (*tensors.Tensor, error) {
	return randomLike(backend, x, false)
}

// RandomUniformLike returns a [0,1) uniform tensor with the same shape and
// dtype as x.
func RandomUniformLike(backend backends.Backend, x *tensors.Tensor) (*tensors.Tensor, error) {
	return randomLike(backend, x, true)
}

func randomLike(backend backends.Backend, x *tensors.Tensor, uniform bool) (*tensors.Tensor, error) {
	rngMu.Lock()
	defer rngMu.Unlock()
	if rngState == nil {
		var err error
		rngState, err = RNGState()
		if err != nil {
			return nil, errors.Wrapf(err, "initializing RNG state")
		}
	}
	e, err := NewExec(backend, func(rng, x *Node) (*Node, *Node) {
		if uniform {
			return RandomUniform(rng, x.Shape())
		}
		return RandomNormal(rng, x.Shape())
	})
	if err != nil {
		return nil, err
	}
	defer e.Finalize()
	results, err := e.Exec(rngState, x)
	if err != nil {
		return nil, errors.Wrapf(err, "sampling random values shaped %s", x.Shape())
	}
	rngState = results[0]
	return results[1], nil
}

// NoiseLatents noises latents to look like a noisy latent at the denoising
// step given by sigma: with ᾱ = 1/(σ²+1),
//
//	noised = √ᾱ·latents + √(1−ᾱ)·noise
//
// At σ=0 this returns latents unchanged; as σ grows the result approaches
// pure noise. sigma may be a scalar or shaped [batch]. If noise is nil,
// independent standard-normal noise is sampled.
func NoiseLatents(backend backends.Backend, latents, sigma, noise *tensors.Tensor) (*tensors.Tensor, error) {
	if noise == nil {
		var err error
		noise, err = RandomNormalLike(backend, latents)
		if err != nil {
			return nil, err
		}
	}
	return ExecOnce(backend, func(latents, sigma, noise *Node) *Node {
		sigma = ConvertDType(sigma, latents.DType())
		if !sigma.IsScalar() {
			// One sigma per batch entry: line it up for broadcasting.
			ones := make([]int, latents.Rank())
			for i := range ones {
				ones[i] = 1
			}
			ones[0] = sigma.Shape().Dimensions[0]
			sigma = Reshape(sigma, ones...)
		}
		alphaCumprod := Inverse(OnePlus(Mul(sigma, sigma)))
		sqrtAlpha := Sqrt(alphaCumprod)
		sqrtOneMinusAlpha := Sqrt(OneMinus(alphaCumprod))
		return Add(Mul(sqrtAlpha, latents), Mul(sqrtOneMinusAlpha, noise))
	}, latents, sigma, noise)
}

// SimpleNoiseLatents adds plain scaled noise: latents + noise·sigma.
// If noise is nil, uniform [0,1) noise is sampled.
func SimpleNoiseLatents(backend backends.Backend, latents *tensors.Tensor, sigma float64, noise *tensors.Tensor) (*tensors.Tensor, error) {
	if noise == nil {
		var err error
		noise, err = RandomUniformLike(backend, latents)
		if err != nil {
			return nil, err
		}
	}
	return ExecOnce(backend, func(latents, noise *Node) *Node {
		return Add(latents, MulScalar(noise, sigma))
	}, latents, noise)
}

// ResizeNearestCenter resizes a [batch, channels, height, width] tensor to
// the given spatial size with nearest-neighbor sampling anchored at pixel
// centers.
func ResizeNearestCenter(backend backends.Backend, x *tensors.Tensor, height, width int) (*tensors.Tensor, error) {
	if x.Rank() != 4 {
		return nil, errors.Errorf("ResizeNearestCenter requires a rank-4 [b, c, h, w] tensor, got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	if dims[2] == height && dims[3] == width {
		return x, nil
	}
	return ExecOnce(backend, func(x *Node) *Node {
		return Interpolate(x, NoInterpolation, NoInterpolation, height, width).
			Nearest().HalfPixelCenters(true).AlignCorner(false).
			Done()
	}, x)
}

// BroadcastBatch tiles x along the batch axis until it has targetBatch
// entries. x's batch size must divide targetBatch.
func BroadcastBatch(backend backends.Backend, x *tensors.Tensor, targetBatch int) (*tensors.Tensor, error) {
	batch := x.Shape().Dimensions[0]
	if batch == targetBatch {
		return x, nil
	}
	if batch <= 0 || targetBatch%batch != 0 {
		return nil, errors.Errorf("cannot broadcast batch %d to %d: not a multiple", batch, targetBatch)
	}
	repeats := targetBatch / batch
	return ExecOnce(backend, func(x *Node) *Node {
		parts := make([]*Node, repeats)
		for i := range parts {
			parts[i] = x
		}
		return Concatenate(parts, 0)
	}, x)
}

// VarMeanSpatial computes the per-channel, per-sample population variance
// and mean of a [batch, channels, height, width] tensor over its spatial
// axes. Both results keep the reduced axes with size 1, shaped
// [batch, channels, 1, 1].
func VarMeanSpatial(backend backends.Backend, x *tensors.Tensor) (variance, mean *tensors.Tensor, err error) {
	if x.Rank() != 4 {
		return nil, nil, errors.Errorf("VarMeanSpatial requires a rank-4 [b, c, h, w] tensor, got %s", x.Shape())
	}
	e, err := NewExec(backend, func(x *Node) (*Node, *Node) {
		variance := ReduceAndKeep(x, ReduceVariance, 2, 3)
		mean := ReduceAndKeep(x, ReduceMean, 2, 3)
		return variance, mean
	})
	if err != nil {
		return nil, nil, err
	}
	defer e.Finalize()
	results, err := e.Exec(x)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "computing spatial variance/mean of %s", x.Shape())
	}
	return results[0], results[1], nil
}

// MulScalarT multiplies a tensor by a scalar, returning a new tensor of the
// same shape and dtype.
func MulScalarT(backend backends.Backend, x *tensors.Tensor, scalar float64) (*tensors.Tensor, error) {
	return ExecOnce(backend, func(x *Node) *Node {
		return MulScalar(x, scalar)
	}, x)
}

// GatherBatch selects the given entries along x's batch axis, in order.
func GatherBatch(backend backends.Backend, x *tensors.Tensor, idxs []int) (*tensors.Tensor, error) {
	if len(idxs) == 0 {
		return nil, errors.Errorf("GatherBatch requires at least one index")
	}
	batch := x.Shape().Dimensions[0]
	indices := make([]int32, len(idxs))
	for i, idx := range idxs {
		if idx < 0 || idx >= batch {
			return nil, errors.Errorf("GatherBatch index %d out of range for batch %d", idx, batch)
		}
		indices[i] = int32(idx)
	}
	indicesT := tensors.FromFlatDataAndDimensions(indices, len(indices), 1)
	return ExecOnce(backend, func(x, indices *Node) *Node {
		return Gather(x, indices)
	}, x, indicesT)
}

// ConvertLike casts x to the dtype of like. If the dtypes already match, x
// is returned unchanged.
func ConvertLike(backend backends.Backend, x, like *tensors.Tensor) (*tensors.Tensor, error) {
	if x.DType() == like.DType() {
		return x, nil
	}
	dtype := like.DType()
	return ExecOnce(backend, func(x *Node) *Node {
		return ConvertDType(x, dtype)
	}, x)
}
