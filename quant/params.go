// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

// Package quant implements the quantization arithmetic of the engine: affine
// (scale, zero-point) parameter sets, the fixed-point requantization
// multiplier, and the solver that derives or validates output parameters for
// a quantized convolution.
//
// Everything here is a pure function of its numeric inputs; nothing depends
// on the graph representation, so the matcher can invoke the solver
// speculatively and treat a *RangeError as "constraint not satisfied" rather
// than a failure.
package quant

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Params is one affine quantization parameter set: real = scale*(q - zp).
//
// Scales has length 1 for per-tensor quantization, or one entry per output
// channel for per-channel quantization. The length is normalized once at
// construction; consumers index with Scale(c) and never branch on the two
// layouts.
type Params struct {
	Scales    []float32
	ZeroPoint int32
}

// NewParams builds a parameter set, validating the package invariants:
// at least one scale, every scale strictly positive, and the zero point
// representable in the quantized dtype.
func NewParams(dtype dtypes.DType, zeroPoint int32, scales ...float32) (Params, error) {
	if len(scales) == 0 {
		return Params{}, errors.Errorf("quant.NewParams: at least one scale required")
	}
	for i, scale := range scales {
		if !(scale > 0) {
			return Params{}, errors.Errorf("quant.NewParams: scale[%d]=%g, must be strictly positive", i, scale)
		}
	}
	lo, hi := IntRange(dtype)
	if int64(zeroPoint) < lo || int64(zeroPoint) > hi {
		return Params{}, errors.Errorf("quant.NewParams: zero point %d outside %s range [%d, %d]",
			zeroPoint, dtype, lo, hi)
	}
	return Params{Scales: scales, ZeroPoint: zeroPoint}, nil
}

// PerTensor is a shortcut for a per-tensor parameter set; it skips the dtype
// range check, for use where the zero point is known-good (e.g. 0).
func PerTensor(scale float32, zeroPoint int32) Params {
	return Params{Scales: []float32{scale}, ZeroPoint: zeroPoint}
}

// Ok reports whether the parameter set was initialized.
func (p Params) Ok() bool { return len(p.Scales) > 0 }

// PerChannel reports whether there is more than one scale.
func (p Params) PerChannel() bool { return len(p.Scales) > 1 }

// Channels returns the number of scale entries (1 for per-tensor).
func (p Params) Channels() int { return len(p.Scales) }

// Scale returns the scale of channel c, broadcasting the per-tensor case.
func (p Params) Scale(c int) float32 {
	if len(p.Scales) == 1 {
		return p.Scales[0]
	}
	return p.Scales[c]
}

// MaxScale returns the largest scale entry.
func (p Params) MaxScale() float32 {
	maxScale := p.Scales[0]
	for _, s := range p.Scales[1:] {
		if s > maxScale {
			maxScale = s
		}
	}
	return maxScale
}

// MinScale returns the smallest scale entry.
func (p Params) MinScale() float32 {
	minScale := p.Scales[0]
	for _, s := range p.Scales[1:] {
		if s < minScale {
			minScale = s
		}
	}
	return minScale
}

// IntRange returns the representable [min, max] of an integer dtype.
// It panics on non-integer dtypes: the quantized pipeline only ever asks
// about integer ranges.
func IntRange(dtype dtypes.DType) (lo, hi int64) {
	switch dtype {
	case dtypes.Int8:
		return -128, 127
	case dtypes.Uint8:
		return 0, 255
	case dtypes.Int16:
		return -32768, 32767
	case dtypes.Int32:
		return -2147483648, 2147483647
	}
	panic(errors.Errorf("quant.IntRange: %s is not a supported integer dtype", dtype))
}
