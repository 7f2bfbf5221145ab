// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcond

import (
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/refcond/pkg/support/tmath"
	"github.com/pkg/errors"
)

// adainEps avoids division by zero when standardizing against a collapsed
// channel.
const adainEps = 1e-6

// normInject is the adain-channel write/read for one normalization-bearing
// block, applied to the block's forward output x ([batch, channels, h, w]).
// It is installed as the step's NormHook by the interceptor whenever
// adain-capable units exist.
//
// WRITE banks the population variance and mean of x over its spatial axes,
// per sample and channel. READ standardizes x with its current statistics
// and re-scales/shifts it with each banked pair, strength/mask-blended per
// owning unit, averaged over the own-origin entry count when several
// contributed, then mixed against a branch whose unconditional rows keep
// the raw input. The result is cast back to x's dtype.
func normInject(backend backends.Backend, holder *NormHolder, x *tensors.Tensor, state *StepState) (*tensors.Tensor, error) {
	ignoreContextRead := false
	if len(state.WriteAdain) > 0 {
		var variance, mean *tensors.Tensor
		for _, ref := range state.WriteAdain {
			if ref.Opts.AdainRefWeight <= holder.GNWeight {
				continue
			}
			if variance == nil {
				var err error
				variance, mean, err = tmath.VarMeanSpatial(backend, x)
				if err != nil {
					return nil, errors.Wrapf(err, "banking adain statistics at layer %d", holder.Index)
				}
			}
			holder.Bank.Append(variance, mean, ref.Opts.AdainStyleFidelity, ref.Order, ref.IsContextRef)
			if ref.IsContextRef {
				ignoreContextRead = true
			}
		}
	}

	var y *tensors.Tensor
	if len(state.ReadAdain) > 0 {
		if holder.Bank.Len(ignoreContextRead) > 0 {
			var err error
			y, err = adainRead(backend, holder, x, state, ignoreContextRead)
			if err != nil {
				return nil, err
			}
		}
		holder.Bank.CleanRef()
	}
	if y == nil {
		return x, nil
	}
	return tmath.ConvertLike(backend, y, x)
}

func adainRead(backend backends.Backend, holder *NormHolder, x *tensors.Tensor, state *StepState, ignoreContextRead bool) (*tensors.Tensor, error) {
	variance, mean, err := tmath.VarMeanSpatial(backend, x)
	if err != nil {
		return nil, errors.Wrapf(err, "computing adain statistics at layer %d", holder.Index)
	}
	varBank := holder.Bank.Vars(ignoreContextRead)
	meanBank := holder.Bank.Means(ignoreContextRead)
	fidelities := holder.Bank.Fidelities(ignoreContextRead)
	orders := holder.Bank.Orders(ignoreContextRead)

	var yUC *tensors.Tensor
	var fidelity float64
	owners := ownersByOrder(state.ReadAdain)
	for idx, order := range orders {
		ref := owners[order]
		if ref == nil {
			exceptions.Panicf("refcond: banked entry with order %d has no owner among the %d adain read units (layer %d)",
				order, len(state.ReadAdain), holder.Index)
		}
		fidelity = fidelities[idx]
		subY, err := ExecOnce(backend, func(x, variance, mean, varAcc, meanAcc *Node) *Node {
			std := Sqrt(MaxScalar(variance, adainEps))
			stdAcc := Sqrt(MaxScalar(ConvertDType(varAcc, x.DType()), adainEps))
			meanAcc = ConvertDType(meanAcc, x.DType())
			return Add(Mul(Div(Sub(x, mean), std), stdAcc), meanAcc)
		}, x, variance, mean, varBank[idx], meanBank[idx])
		if err != nil {
			return nil, errors.Wrapf(err, "applying banked adain statistics at layer %d", holder.Index)
		}
		if ref.anyAdainStrengthToApply() {
			w, err := ref.effectiveAdainWeight(backend, x)
			if err != nil {
				return nil, errors.Wrapf(err, "resolving adain strength at layer %d", holder.Index)
			}
			subY, err = blendToward(backend, subY, x, w)
			if err != nil {
				return nil, errors.Wrapf(err, "blending adain result at layer %d", holder.Index)
			}
		}
		if yUC == nil {
			yUC = subY
		} else {
			yUC, err = ExecOnce(backend, func(a, b *Node) *Node { return Add(a, b) }, yUC, subY)
			if err != nil {
				return nil, err
			}
		}
	}
	if ownLen := holder.Bank.OwnLen(); ownLen > 1 {
		var err error
		yUC, err = ExecOnce(backend, func(y *Node) *Node {
			return DivScalar(y, float64(ownLen))
		}, yUC)
		if err != nil {
			return nil, err
		}
	}
	y := yUC
	if len(state.UncondIdxs) > 0 && !isClose(fidelity, 0) {
		xLike, err := tmath.ConvertLike(backend, x, yUC)
		if err != nil {
			return nil, err
		}
		yC, err := mixRows(backend, yUC, xLike, state.UncondIdxs)
		if err != nil {
			return nil, errors.Wrapf(err, "substituting unconditional rows at layer %d", holder.Index)
		}
		y, err = blendToward(backend, yC, yUC, blendWeight{scalar: fidelity})
		if err != nil {
			return nil, errors.Wrapf(err, "mixing fidelity branches at layer %d", holder.Index)
		}
	}
	return y, nil
}
