// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/embedml/qfuse/quant"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// CallAttrs is the typed attribute record of a Call. Each operator has its
// own concrete type; there is no string-keyed attribute map anywhere in the
// engine.
type CallAttrs interface {
	// check panics if the attribute type does not belong to op.
	check(op OpName)
}

// ConvAttrs configures OpQnnConv2D.
//
// Layouts are fixed to what the backend consumes: NHWC input, HWIO kernel.
// Padding is applied by the operator itself, with the input zero point as
// the pad value.
type ConvAttrs struct {
	Strides    [2]int
	Padding    [4]int // top, left, bottom, right
	Dilation   [2]int
	Groups     int
	Channels   int // output channels
	KernelSize [2]int

	DataLayout   string // "NHWC"
	KernelLayout string // "HWIO"

	// Input and Kernel carry the affine quantization of the two operands.
	// Kernel may be per-channel along the output-channel axis.
	Input  quant.Params
	Kernel quant.Params

	// OutDType is the accumulator dtype, always Int32 for this backend.
	OutDType dtypes.DType
}

func (a *ConvAttrs) check(op OpName) {
	if op != OpQnnConv2D {
		exceptions.Panicf("ir: ConvAttrs attached to %s call", op)
	}
}

// BiasAddAttrs configures OpBiasAdd: the axis of its first input along which
// the 1D bias (second input) is added.
type BiasAddAttrs struct {
	Axis int
}

func (a *BiasAddAttrs) check(op OpName) {
	if op != OpBiasAdd {
		exceptions.Panicf("ir: BiasAddAttrs attached to %s call", op)
	}
}

// RequantizeAttrs configures OpRequantize: converts the int32 accumulator to
// OutDType.
//
// Input carries the accumulator quantization: per-channel scales equal to
// inputScale·kernelScale[c] with zero point 0. Output is the per-tensor
// quantization of the result.
type RequantizeAttrs struct {
	Input    quant.Params
	Output   quant.Params
	OutDType dtypes.DType
}

func (a *RequantizeAttrs) check(op OpName) {
	if op != OpRequantize {
		exceptions.Panicf("ir: RequantizeAttrs attached to %s call", op)
	}
}

// ClipAttrs configures OpClip: saturate to [Min, Max] in the quantized
// domain. A quantized ReLU is Min=zeroPoint, Max=dtypeMax.
type ClipAttrs struct {
	Min, Max int32
}

func (a *ClipAttrs) check(op OpName) {
	if op != OpClip {
		exceptions.Panicf("ir: ClipAttrs attached to %s call", op)
	}
}

// PadAttrs configures OpPad: Widths[axis] = {before, after}, filled with
// Value (in the quantized domain).
type PadAttrs struct {
	Widths [][2]int
	Value  int32
}

func (a *PadAttrs) check(op OpName) {
	if op != OpPad {
		exceptions.Panicf("ir: PadAttrs attached to %s call", op)
	}
}

// InvokeAttrs configures OpInvoke: the name of the module function called.
type InvokeAttrs struct {
	Callee string
}

func (a *InvokeAttrs) check(op OpName) {
	if op != OpInvoke {
		exceptions.Panicf("ir: InvokeAttrs attached to %s call", op)
	}
}
