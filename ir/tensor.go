// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"reflect"

	"github.com/embedml/qfuse/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Tensor is a concrete in-memory value: a shape plus the flat backing slice
// of the corresponding Go type. It backs Const nodes and is the currency of
// the reference executor and the differential validator.
//
// The engine is purely in-memory and single-writer, so unlike a full tensor
// library there is no locking and no on-device state.
type Tensor struct {
	shape shapes.Shape

	// flat is always a slice of the Go type of shape.DType, of length
	// shape.Size().
	flat any
}

// NewTensor creates a zero-initialized tensor of the given shape.
func NewTensor(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("ir.NewTensor: invalid shape")
	}
	size := shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
	return &Tensor{shape: shape, flat: flat}
}

// FromFlat creates a tensor from a flat slice and its dimensions. The dtype
// is inferred from the Go type T. It panics if the flat size does not match
// the dimensions.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		exceptions.Panicf("ir.FromFlat: %d values given for shape %s (size %d)",
			len(flat), shape, shape.Size())
	}
	return &Tensor{shape: shape, flat: flat}
}

// FromScalar creates a rank-0 tensor holding one value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return &Tensor{shape: shapes.Scalar(dtypes.FromGenericsType[T]()), flat: []T{value}}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor elements.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// FlatAny returns the backing slice as an `any`. The caller must not resize
// it; mutating elements is allowed for tensors the caller owns.
func (t *Tensor) FlatAny() any { return t.flat }

// Flat returns the backing slice of t typed as []T.
// It panics if T does not correspond to the tensor's dtype.
func Flat[T dtypes.Supported](t *Tensor) []T {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ir.Flat[%T] is incompatible with tensor dtype %s", v, t.shape.DType)
	}
	return t.flat.([]T)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape.Clone())
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.flat))
	return clone
}

// Equal reports whether two tensors have the same shape and the same
// elements.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}
