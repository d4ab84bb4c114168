// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/embedml/qfuse/quant"
	"github.com/embedml/qfuse/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Activation selects the optional activation clamp at the end of a
// convolution chain.
type Activation string

const (
	ActivationNone Activation = "NONE"
	ActivationReLU Activation = "RELU"
)

// Padding mode names accepted by ConvChain.
const (
	PaddingSame  = "SAME"
	PaddingValid = "VALID"
)

// ConvChain describes one quantized convolution chain
// (qnn_conv2d → [bias_add] → requantize → [clip]) for the builder. This is
// the front-end shape of the graphs the partitioner consumes; tests and the
// command line tool assemble modules through it.
type ConvChain struct {
	InputShape  []int // NHWC
	KernelSize  [2]int
	OutChannels int

	Padding  string // PaddingSame or PaddingValid
	Strides  [2]int
	Dilation [2]int
	Groups   int

	InDType     dtypes.DType
	KernelDType dtypes.DType
	OutDType    dtypes.DType

	Input  quant.Params // per-tensor
	Kernel quant.Params // per-tensor or per-channel over output channels
	// Output is the requantization target. If unset, Build derives it with
	// quant.SolveConvOutput.
	Output quant.Params

	WithBias   bool
	Activation Activation

	// Parameter names; empty fields default to "input", "w" and "b".
	InputName, WeightName, BiasName string
}

func (cfg ConvChain) withDefaults() ConvChain {
	if cfg.InputName == "" {
		cfg.InputName = "input"
	}
	if cfg.WeightName == "" {
		cfg.WeightName = "w"
	}
	if cfg.BiasName == "" {
		cfg.BiasName = "b"
	}
	if cfg.Strides == [2]int{} {
		cfg.Strides = [2]int{1, 1}
	}
	if cfg.Dilation == [2]int{} {
		cfg.Dilation = [2]int{1, 1}
	}
	if cfg.Groups == 0 {
		cfg.Groups = 1
	}
	if cfg.Padding == "" {
		cfg.Padding = PaddingValid
	}
	if cfg.Activation == "" {
		cfg.Activation = ActivationNone
	}
	return cfg
}

// Build assembles the chain into a module with a single "main" function
// whose parameters are the input, the weights and (if enabled) the bias.
// Weights and bias are free inputs by name; callers bind them through the
// partition entry point or supply them at execution.
func (cfg ConvChain) Build() *Module {
	cfg = cfg.withDefaults()
	if len(cfg.InputShape) != 4 {
		exceptions.Panicf("ir.ConvChain: input shape must be NHWC rank-4, got %v", cfg.InputShape)
	}
	inChannels := cfg.InputShape[3]
	if inChannels%cfg.Groups != 0 {
		exceptions.Panicf("ir.ConvChain: input channels %d not divisible by groups %d", inChannels, cfg.Groups)
	}

	output := cfg.Output
	if !output.Ok() {
		outScale, outZP, err := quant.SolveConvOutput(cfg.Input, cfg.Kernel,
			cfg.KernelSize[0], cfg.KernelSize[1], inChannels/cfg.Groups,
			cfg.InDType, cfg.KernelDType, cfg.OutDType)
		if err != nil {
			exceptions.Panicf("ir.ConvChain: no feasible output quantization: %v", err)
		}
		output = quant.PerTensor(outScale, outZP)
	}

	input := NewVar(cfg.InputName, shapes.Make(cfg.InDType, cfg.InputShape...))
	weight := NewVar(cfg.WeightName, shapes.Make(cfg.KernelDType,
		cfg.KernelSize[0], cfg.KernelSize[1], inChannels/cfg.Groups, cfg.OutChannels))

	var padding [4]int
	if cfg.Padding == PaddingSame {
		padding = SamePadding(cfg.InputShape[1], cfg.InputShape[2], cfg.KernelSize, cfg.Dilation, cfg.Strides)
	}
	accShape := ConvOutputShape(cfg.InputShape, cfg.KernelSize, padding, cfg.Strides, cfg.Dilation, cfg.OutChannels)

	conv := NewCall(OpQnnConv2D, shapes.Make(dtypes.Int32, accShape...), &ConvAttrs{
		Strides:      cfg.Strides,
		Padding:      padding,
		Dilation:     cfg.Dilation,
		Groups:       cfg.Groups,
		Channels:     cfg.OutChannels,
		KernelSize:   cfg.KernelSize,
		DataLayout:   "NHWC",
		KernelLayout: "HWIO",
		Input:        cfg.Input,
		Kernel:       cfg.Kernel,
		OutDType:     dtypes.Int32,
	}, input, weight)

	last := Expr(conv)
	params := []*Var{input, weight}
	if cfg.WithBias {
		bias := NewVar(cfg.BiasName, shapes.Make(dtypes.Int32, cfg.OutChannels))
		last = NewCall(OpBiasAdd, conv.Shape().Clone(), &BiasAddAttrs{Axis: 3}, last, bias)
		params = append(params, bias)
	}

	// The accumulator is quantized with inputScale·kernelScale[c], zero
	// point 0; requantize converts it to the output parameter set.
	accScales := make([]float32, cfg.Kernel.Channels())
	for c := range accScales {
		accScales[c] = cfg.Input.Scale(0) * cfg.Kernel.Scale(c)
	}
	last = NewCall(OpRequantize, shapes.Make(cfg.OutDType, accShape...), &RequantizeAttrs{
		Input:    quant.Params{Scales: accScales, ZeroPoint: 0},
		Output:   output,
		OutDType: cfg.OutDType,
	}, last)

	if cfg.Activation == ActivationReLU {
		_, hi := quant.IntRange(cfg.OutDType)
		last = NewCall(OpClip, last.Shape().Clone(), &ClipAttrs{
			Min: output.ZeroPoint,
			Max: int32(hi),
		}, last)
	}

	return NewModule(NewFunction(MainName, params, last))
}

// SamePadding returns the {top, left, bottom, right} padding that keeps
// output spatial dims at ceil(in/stride), given the kernel size, dilation
// and strides.
func SamePadding(inH, inW int, kernel, dilation, strides [2]int) [4]int {
	padH := samePadAxis(inH, kernel[0], dilation[0], strides[0])
	padW := samePadAxis(inW, kernel[1], dilation[1], strides[1])
	return [4]int{padH[0], padW[0], padH[1], padW[1]}
}

func samePadAxis(in, kernel, dilation, stride int) [2]int {
	dilated := (kernel-1)*dilation + 1
	out := (in + stride - 1) / stride
	total := (out-1)*stride + dilated - in
	if total < 0 {
		total = 0
	}
	return [2]int{total / 2, total - total/2}
}

// ConvOutputShape computes the NHWC result dims of a 2D convolution.
func ConvOutputShape(inputShape []int, kernel [2]int, padding [4]int, strides, dilation [2]int, outChannels int) []int {
	outDim := func(in, k, padBefore, padAfter, stride, dil int) int {
		dilated := (k-1)*dil + 1
		return (in+padBefore+padAfter-dilated)/stride + 1
	}
	return []int{
		inputShape[0],
		outDim(inputShape[1], kernel[0], padding[0], padding[2], strides[0], dilation[0]),
		outDim(inputShape[2], kernel[1], padding[1], padding[3], strides[1], dilation[1]),
		outChannels,
	}
}
