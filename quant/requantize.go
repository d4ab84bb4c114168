// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// Requantize converts an int32 accumulator into the quantized output
// representation: multiply by the normalized fixed-point multiplier
// (mantissa, shift) from QuantizeMultiplier, round half away from zero, add
// the output zero point and saturate to the output dtype range.
//
// This is the integer pipeline the accelerator executes; the reference
// executor uses the same function so the only differences between the fused
// and unfused computations are in operator grouping, not arithmetic.
func Requantize(acc int32, mantissa int32, shift int, outZeroPoint int32, outDType dtypes.DType) int32 {
	// acc·mantissa fits int64: both factors are 32-bit.
	product := int64(acc) * int64(mantissa)

	// Divide by 2^(31+shift), rounding half away from zero.
	den := int64(1) << uint(31+shift)
	quo := product / den
	rem := product % den
	if rem >= (den+1)/2 {
		quo++
	} else if -rem >= (den+1)/2 {
		quo--
	}

	result := quo + int64(outZeroPoint)
	lo, hi := IntRange(outDType)
	if result < lo {
		result = lo
	} else if result > hi {
		result = hi
	}
	return int32(result)
}
