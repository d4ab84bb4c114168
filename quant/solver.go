// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"fmt"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// RangeError reports that no feasible output quantization parameters exist
// for the given inputs: either the convolution accumulator cannot fit the
// 32-bit budget, or some channel's requantization multiplier is not
// expressible as a normalized fixed-point multiplier.
//
// The pattern matcher interprets it as "no match"; direct callers of the
// solver see it as a regular error.
type RangeError struct {
	Reason string
}

func (e *RangeError) Error() string { return "quant: " + e.Reason }

func rangeErrorf(format string, args ...any) error {
	return &RangeError{Reason: fmt.Sprintf(format, args...)}
}

// maxRightShift bounds the right shift of the normalized fixed-point
// multiplier. CMSIS-NN class kernels requantize with a Q31 mantissa and an
// int32 shift; beyond 31 bits the worst channel would round to zero.
const maxRightShift = 31

// QuantizeMultiplier normalizes a real requantization multiplier into a Q31
// fixed-point mantissa and a right shift, such that
//
//	multiplier ≈ (mantissa / 2³¹) · 2^(-shift)
//
// with mantissa/2³¹ in [0.5, 1.0) and shift in [0, maxRightShift]. The
// multiplier must be in (0, 1): quantized convolution output scales are
// always chosen so the accumulator is scaled down.
func QuantizeMultiplier(multiplier float64) (mantissa int32, shift int, err error) {
	if !(multiplier > 0) {
		return 0, 0, rangeErrorf("requantization multiplier %g must be positive", multiplier)
	}
	if multiplier >= 1.0 {
		return 0, 0, rangeErrorf("requantization multiplier %g must be < 1.0", multiplier)
	}
	frac, exp := math.Frexp(multiplier) // frac in [0.5, 1), multiplier = frac·2^exp, exp <= 0.
	shift = -exp
	q := int64(math.Round(frac * (1 << 31)))
	if q == 1<<31 {
		// Rounded up to 1.0: renormalize.
		q >>= 1
		shift--
	}
	if shift < 0 || shift > maxRightShift {
		return 0, 0, rangeErrorf("requantization multiplier %g needs right shift %d, outside [0, %d]",
			multiplier, shift, maxRightShift)
	}
	return int32(q), shift, nil
}

// SolveConvOutput computes a feasible (outputScale, outputZeroPoint) for a
// quantized convolution given the input and kernel parameter sets, the
// kernel spatial/input-channel extent, and the dtypes involved.
//
// The returned parameters satisfy:
//  1. outputScale > 0;
//  2. outputZeroPoint within the output dtype range;
//  3. every per-channel multiplier inScale·kernelScale[c]/outputScale is
//     expressible per QuantizeMultiplier.
//
// The output scale is the smallest power-of-two multiple of the worst-case
// channel product inScale·max(kernelScale) that both covers the worst-case
// accumulator span of the convolution and keeps every multiplier below 1.0;
// the zero point is the accumulator zero crossing clamped into the output
// dtype range.
//
// It fails with *RangeError when the worst-case accumulator exceeds the
// int32 accumulation budget, or when no bounded shift can express the
// smallest channel multiplier.
func SolveConvOutput(input, kernel Params, kernelH, kernelW, inChannels int,
	inDType, kernelDType, outDType dtypes.DType) (outScale float32, outZeroPoint int32, err error) {
	if !input.Ok() || !kernel.Ok() {
		return 0, 0, errors.Errorf("quant.SolveConvOutput: uninitialized parameter set")
	}
	accMin, accMax, err := convAccRange(input, kernel, kernelH, kernelW, inChannels, inDType, kernelDType)
	if err != nil {
		return 0, 0, err
	}

	outLo, outHi := IntRange(outDType)
	span := accMax - accMin
	if span <= 0 {
		span = 1
	}
	// Scale needed so the accumulator span maps onto the output dtype range.
	coverScale := span / float64(outHi-outLo)

	// The product is taken in float32 so scaling it by 2^k stays exact in
	// the output scale's precision.
	maxProduct := float64(input.Scale(0) * kernel.MaxScale())
	// Smallest k with maxProduct·2^k >= coverScale; k >= 1 keeps the worst
	// channel multiplier (2^-k) strictly below 1.0.
	k := int(math.Ceil(math.Log2(coverScale / maxProduct)))
	if k < 1 {
		k = 1
	}
	outScale = float32(math.Ldexp(maxProduct, k))

	// Every channel multiplier must normalize within the shift budget.
	for c := 0; c < kernel.Channels(); c++ {
		multiplier := float64(input.Scale(0)) * float64(kernel.Scale(c)) / float64(outScale)
		if _, _, err = QuantizeMultiplier(multiplier); err != nil {
			return 0, 0, err
		}
	}

	// Zero crossing of the accumulator, clamped into the output range.
	zp := float64(outLo) - accMin/float64(outScale)
	zeroPoint := int64(math.Round(zp))
	if zeroPoint < outLo {
		zeroPoint = outLo
	} else if zeroPoint > outHi {
		zeroPoint = outHi
	}
	return outScale, int32(zeroPoint), nil
}

// ValidateConvOutput checks that an already-chosen output parameter set is
// feasible for the given convolution: positive scale, in-range zero point,
// accumulator within the int32 budget and every channel multiplier
// normalizable. The matcher calls this speculatively per candidate match.
func ValidateConvOutput(input, kernel, output Params, kernelH, kernelW, inChannels int,
	inDType, kernelDType, outDType dtypes.DType) error {
	if !output.Ok() {
		return errors.Errorf("quant.ValidateConvOutput: uninitialized output parameter set")
	}
	outScale := output.Scale(0)
	if !(outScale > 0) {
		return rangeErrorf("output scale %g must be strictly positive", outScale)
	}
	outLo, outHi := IntRange(outDType)
	if int64(output.ZeroPoint) < outLo || int64(output.ZeroPoint) > outHi {
		return rangeErrorf("output zero point %d outside %s range [%d, %d]",
			output.ZeroPoint, outDType, outLo, outHi)
	}
	if _, _, err := convAccRange(input, kernel, kernelH, kernelW, inChannels, inDType, kernelDType); err != nil {
		return err
	}
	for c := 0; c < kernel.Channels(); c++ {
		multiplier := float64(input.Scale(0)) * float64(kernel.Scale(c)) / float64(outScale)
		if _, _, err := QuantizeMultiplier(multiplier); err != nil {
			return err
		}
	}
	return nil
}

// convAccRange bounds the int32 accumulator of one output element: the
// worst case combines the extreme dequantized input and kernel values over
// kernelH·kernelW·inChannels taps. The bounds are returned in real units
// (scaled); the int32 budget check is done on the raw integer products.
func convAccRange(input, kernel Params, kernelH, kernelW, inChannels int,
	inDType, kernelDType dtypes.DType) (accMin, accMax float64, err error) {
	if kernelH <= 0 || kernelW <= 0 || inChannels <= 0 {
		return 0, 0, errors.Errorf("quant.convAccRange: non-positive kernel extent %dx%dx%d",
			kernelH, kernelW, inChannels)
	}
	inLo, inHi := IntRange(inDType)
	kLo, kHi := IntRange(kernelDType)
	taps := int64(kernelH) * int64(kernelW) * int64(inChannels)

	// Raw integer budget: |in - inZP|·|k - kZP| summed over taps must fit int32.
	maxAbsIn := max64(abs64(inLo-int64(input.ZeroPoint)), abs64(inHi-int64(input.ZeroPoint)))
	maxAbsK := max64(abs64(kLo-int64(kernel.ZeroPoint)), abs64(kHi-int64(kernel.ZeroPoint)))
	if maxAbsIn*maxAbsK*taps > math.MaxInt32 {
		return 0, 0, rangeErrorf("worst-case accumulator %d exceeds the int32 budget (%d taps)",
			maxAbsIn*maxAbsK*taps, taps)
	}

	inputMax := float64(input.Scale(0)) * float64(inHi-int64(input.ZeroPoint))
	inputMin := float64(input.Scale(0)) * float64(inLo-int64(input.ZeroPoint))
	kernelMax := float64(kernel.MaxScale()) * float64(kHi-int64(kernel.ZeroPoint))
	kernelMin := float64(kernel.MinScale()) * float64(kLo-int64(kernel.ZeroPoint))

	limits := [4]float64{
		kernelMax * float64(taps) * inputMax,
		kernelMin * float64(taps) * inputMax,
		kernelMin * float64(taps) * inputMin,
		kernelMax * float64(taps) * inputMin,
	}
	accMin, accMax = limits[0], limits[0]
	for _, l := range limits[1:] {
		accMin = math.Min(accMin, l)
		accMax = math.Max(accMax, l)
	}
	return accMin, accMax, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
