// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Scalar(dtypes.Int32)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())

	shape1 := Make(dtypes.Int8, 1, 28, 28, 12)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 4, shape1.Rank())
	require.Equal(t, 28*28*12, shape1.Size())
	require.Equal(t, 28*28*12, int(shape1.Memory()))
	require.Equal(t, "(Int8)[1 28 28 12]", shape1.String())

	require.Panics(t, func() { Make(dtypes.Int8, 3, 0) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Uint8, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualAndClone(t *testing.T) {
	a := Make(dtypes.Int8, 3, 3, 12, 2)
	b := Make(dtypes.Int8, 3, 3, 12, 2)
	c := Make(dtypes.Uint8, 3, 3, 12, 2)
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.True(t, a.EqualDimensions(c))

	clone := a.Clone()
	clone.Dimensions[0] = 5
	require.Equal(t, 3, a.Dimensions[0])
}
