// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestQuantizeMultiplier(t *testing.T) {
	tests := []struct {
		name         string
		multiplier   float64
		wantMantissa int32
		wantShift    int
	}{
		{name: "exact_half", multiplier: 0.5, wantMantissa: 1 << 30, wantShift: 0},
		{name: "exact_quarter", multiplier: 0.25, wantMantissa: 1 << 30, wantShift: 1},
		{name: "point_three", multiplier: 0.3, wantMantissa: 1288490189, wantShift: 1},
		{name: "three_quarters", multiplier: 0.75, wantMantissa: 3 << 29, wantShift: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mantissa, shift, err := QuantizeMultiplier(tt.multiplier)
			require.NoError(t, err)
			require.Equal(t, tt.wantMantissa, mantissa)
			require.Equal(t, tt.wantShift, shift)
			// Normalized: mantissa/2³¹ in [0.5, 1.0).
			require.GreaterOrEqual(t, mantissa, int32(1<<30))
		})
	}
}

func TestQuantizeMultiplierRange(t *testing.T) {
	for _, multiplier := range []float64{0, -0.5, 1.0, 1.5, 1e-12} {
		_, _, err := QuantizeMultiplier(multiplier)
		require.Error(t, err, "multiplier %g", multiplier)
		var rangeErr *RangeError
		require.True(t, errors.As(err, &rangeErr), "multiplier %g: want *RangeError, got %v", multiplier, err)
	}
}

func TestSolveConvOutput(t *testing.T) {
	input := PerTensor(0.0128, 10)
	kernel := Params{Scales: []float32{0.11, 0.22}, ZeroPoint: 0}

	outScale, outZP, err := SolveConvOutput(input, kernel, 3, 3, 12,
		dtypes.Int8, dtypes.Int8, dtypes.Int8)
	require.NoError(t, err)
	require.Greater(t, outScale, float32(0))
	require.GreaterOrEqual(t, outZP, int32(-128))
	require.LessOrEqual(t, outZP, int32(127))

	// The output scale is a power-of-two multiple of the worst-case channel
	// product (taken in float32, like the scale itself), so the ratio is an
	// exact power of two.
	maxProduct := float64(input.Scale(0) * kernel.MaxScale())
	exp := math.Log2(float64(outScale) / maxProduct)
	require.Equal(t, exp, math.Trunc(exp))
	require.GreaterOrEqual(t, exp, 1.0)

	// Every channel multiplier must normalize.
	for c := 0; c < kernel.Channels(); c++ {
		multiplier := float64(input.Scale(0)) * float64(kernel.Scale(c)) / float64(outScale)
		require.Less(t, multiplier, 1.0)
		_, _, err := QuantizeMultiplier(multiplier)
		require.NoError(t, err, "channel %d", c)
	}

	// The solver's output must satisfy its own validator.
	require.NoError(t, ValidateConvOutput(input, kernel, PerTensor(outScale, outZP),
		3, 3, 12, dtypes.Int8, dtypes.Int8, dtypes.Int8))
}

func TestSolveConvOutputPerTensorKernel(t *testing.T) {
	input := PerTensor(1, -64)
	kernel := Params{Scales: []float32{1, 0.0256, 1.37}, ZeroPoint: 0}
	outScale, outZP, err := SolveConvOutput(input, kernel, 3, 3, 4,
		dtypes.Int8, dtypes.Int8, dtypes.Int8)
	require.NoError(t, err)
	require.NoError(t, ValidateConvOutput(input, kernel, PerTensor(outScale, outZP),
		3, 3, 4, dtypes.Int8, dtypes.Int8, dtypes.Int8))
}

func TestSolveConvOutputAccumulatorBudget(t *testing.T) {
	// 128·128·131072 taps exceed the int32 accumulator budget.
	input := PerTensor(1, 0)
	kernel := PerTensor(1, 0)
	_, _, err := SolveConvOutput(input, kernel, 512, 512, 512,
		dtypes.Int8, dtypes.Int8, dtypes.Int8)
	require.Error(t, err)
	var rangeErr *RangeError
	require.True(t, errors.As(err, &rangeErr))
}

func TestValidateConvOutputRejectsBadParams(t *testing.T) {
	input := PerTensor(0.0128, 10)
	kernel := Params{Scales: []float32{0.11, 0.22}, ZeroPoint: 0}

	// Output scale so large the multiplier underflows the shift budget.
	err := ValidateConvOutput(input, kernel, PerTensor(1e9, 0),
		3, 3, 12, dtypes.Int8, dtypes.Int8, dtypes.Int8)
	require.Error(t, err)

	// Multiplier >= 1.0.
	err = ValidateConvOutput(input, kernel, PerTensor(1e-9, 0),
		3, 3, 12, dtypes.Int8, dtypes.Int8, dtypes.Int8)
	require.Error(t, err)
}

func TestNewParams(t *testing.T) {
	_, err := NewParams(dtypes.Int8, 0, 0.5)
	require.NoError(t, err)

	_, err = NewParams(dtypes.Int8, 0)
	require.Error(t, err, "no scales")

	_, err = NewParams(dtypes.Int8, 0, -0.5)
	require.Error(t, err, "negative scale")

	_, err = NewParams(dtypes.Uint8, -33, 0.5)
	require.Error(t, err, "zero point outside uint8")

	p, err := NewParams(dtypes.Int8, -33, 0.1, 0.2)
	require.NoError(t, err)
	require.True(t, p.PerChannel())
	require.Equal(t, float32(0.2), p.MaxScale())
	require.Equal(t, float32(0.1), p.MinScale())
	require.Equal(t, float32(0.2), p.Scale(1))

	perTensor := PerTensor(0.5, 3)
	require.False(t, perTensor.PerChannel())
	require.Equal(t, float32(0.5), perTensor.Scale(7), "per-tensor scale broadcasts")
}

func TestRequantize(t *testing.T) {
	half, shift0, err := QuantizeMultiplier(0.5)
	require.NoError(t, err)

	tests := []struct {
		name string
		acc  int32
		zp   int32
		want int32
	}{
		{name: "exact", acc: 100, zp: 0, want: 50},
		{name: "round_half_away_positive", acc: 5, zp: 0, want: 3},
		{name: "round_half_away_negative", acc: -5, zp: 0, want: -3},
		{name: "zero_point_offset", acc: 100, zp: 10, want: 60},
		{name: "saturate_high", acc: 1000, zp: 0, want: 127},
		{name: "saturate_low", acc: -1000, zp: 0, want: -128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Requantize(tt.acc, half, shift0, tt.zp, dtypes.Int8)
			require.Equal(t, tt.want, got)
		})
	}

	// Unsigned output saturates at 0, not the signed minimum.
	require.Equal(t, int32(0), Requantize(-1000, half, shift0, 0, dtypes.Uint8))
	require.Equal(t, int32(255), Requantize(1000, half, shift0, 0, dtypes.Uint8))
}

func TestIntRange(t *testing.T) {
	lo, hi := IntRange(dtypes.Int8)
	require.Equal(t, int64(-128), lo)
	require.Equal(t, int64(127), hi)
	lo, hi = IntRange(dtypes.Uint8)
	require.Equal(t, int64(0), lo)
	require.Equal(t, int64(255), hi)
	require.Panics(t, func() { IntRange(dtypes.Float32) })
}
