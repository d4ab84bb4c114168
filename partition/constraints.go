// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"github.com/embedml/qfuse/ir"
	"github.com/embedml/qfuse/quant"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Backend identity: the attribute pair downstream code generation keys off.
const (
	// CompilerName tags functions offloaded to the CMSIS-NN backend.
	CompilerName = "cmsis-nn"

	// CompositeConv2D names the fused convolution pattern.
	CompositeConv2D = "cmsis-nn.qnn_conv2d"
)

// Layouts the backend kernels consume.
const (
	dataLayout   = "NHWC"
	kernelLayout = "HWIO" // output-channel axis last, so per-channel scales align with axis 3
)

// checkConstraints is the side-condition predicate evaluated per candidate
// match. Failure is never an error, only "no match": the matcher is
// exploratory. Speculative quantization-solver failures downgrade the same
// way.
//
// Policy notes:
//   - Kernel zero point must be exactly 0 for signed 8-bit kernels: zero
//     kernel offset is what lets the accelerator run an integer-only fused
//     multiply-accumulate without a correction term. An unsigned kernel may
//     carry any zero point; it constrains the solver's feasible range
//     instead. The asymmetry is a hardware constraint, kept as-is.
//   - int8 and uint8 tensors are supported but never mixed between input
//     and kernel.
func checkConstraints(m *match) bool {
	attrs, ok := m.conv.Attrs.(*ir.ConvAttrs)
	if !ok {
		return false
	}
	requantAttrs, ok := m.requant.Attrs.(*ir.RequantizeAttrs)
	if !ok {
		return false
	}

	inDType := m.conv.Inputs[0].Shape().DType
	kernelShape := m.conv.Inputs[1].Shape()
	kernelDType := kernelShape.DType
	outDType := requantAttrs.OutDType

	if !is8Bit(inDType) || !is8Bit(kernelDType) || !is8Bit(outDType) {
		return reject(m, "dtypes %s/%s/%s outside 8-bit set", inDType, kernelDType, outDType)
	}
	if inDType != kernelDType {
		return reject(m, "mixed input/kernel dtypes %s/%s", inDType, kernelDType)
	}
	if kernelDType == dtypes.Int8 && attrs.Kernel.ZeroPoint != 0 {
		return reject(m, "signed kernel with nonzero zero point %d", attrs.Kernel.ZeroPoint)
	}
	if !zeroPointInRange(attrs.Input.ZeroPoint, inDType) {
		return reject(m, "input zero point %d outside the %s range", attrs.Input.ZeroPoint, inDType)
	}
	if !zeroPointInRange(attrs.Kernel.ZeroPoint, kernelDType) {
		return reject(m, "kernel zero point %d outside the %s range", attrs.Kernel.ZeroPoint, kernelDType)
	}

	if attrs.DataLayout != dataLayout || attrs.KernelLayout != kernelLayout {
		return reject(m, "unsupported layouts %s/%s", attrs.DataLayout, attrs.KernelLayout)
	}
	if kernelShape.Rank() != 4 {
		return reject(m, "kernel rank %d", kernelShape.Rank())
	}
	outChannels := kernelShape.Dim(3)
	if attrs.Channels != outChannels {
		return reject(m, "channels attribute %d does not match kernel output axis %d", attrs.Channels, outChannels)
	}
	if attrs.Kernel.PerChannel() && attrs.Kernel.Channels() != outChannels {
		return reject(m, "%d per-channel kernel scales for %d output channels", attrs.Kernel.Channels(), outChannels)
	}
	if c := requantAttrs.Input.Channels(); c != 1 && c != outChannels {
		return reject(m, "%d requantize input scales for %d output channels", c, outChannels)
	}

	inChannels := m.conv.Inputs[0].Shape().Dim(3)
	if attrs.Groups <= 0 || inChannels%attrs.Groups != 0 || attrs.Channels%attrs.Groups != 0 {
		return reject(m, "groups %d do not divide channels %d/%d evenly", attrs.Groups, inChannels, attrs.Channels)
	}
	if kernelShape.Dim(2)*attrs.Groups != inChannels {
		return reject(m, "kernel input-channel axis %d inconsistent with %d input channels over %d groups",
			kernelShape.Dim(2), inChannels, attrs.Groups)
	}

	// Speculative feasibility: the fused integer pipeline must be able to
	// reproduce the requantization for every channel.
	err := quant.ValidateConvOutput(attrs.Input, attrs.Kernel, requantAttrs.Output,
		attrs.KernelSize[0], attrs.KernelSize[1], kernelShape.Dim(2),
		inDType, kernelDType, outDType)
	if err != nil {
		return reject(m, "infeasible quantization: %v", err)
	}
	return true
}

func is8Bit(dtype dtypes.DType) bool {
	return dtype == dtypes.Int8 || dtype == dtypes.Uint8
}

func zeroPointInRange(zp int32, dtype dtypes.DType) bool {
	lo, hi := quant.IntRange(dtype)
	return int64(zp) >= lo && int64(zp) <= hi
}

func reject(m *match, format string, args ...any) bool {
	if klog.V(2).Enabled() {
		klog.V(2).Infof("partition: rejecting candidate at %s: "+format,
			append([]any{m.root}, args...)...)
	}
	return false
}
