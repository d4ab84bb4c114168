// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

// Package interp executes functions built from the engine's closed operator
// vocabulary (qnn_conv2d, bias_add, requantize, clip, pad and composite
// invocations) on concrete tensors. The differential validator uses it as
// the black-box reference runner: both the original and the partitioned
// module go through the same arithmetic, so any deviation comes from the
// rewriting, not from the executor.
//
// It is deliberately not a general graph interpreter: an operator outside
// the vocabulary is an error.
package interp

import (
	"github.com/embedml/qfuse/ir"
	"github.com/embedml/qfuse/quant"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Interp evaluates functions of one module.
type Interp struct {
	mod *ir.Module
}

// New creates an interpreter over the module; the module is used to resolve
// composite function invocations.
func New(mod *ir.Module) *Interp {
	return &Interp{mod: mod}
}

// Run evaluates fn on the named inputs and returns its outputs (always one
// for this engine, kept as a slice to match the runner contract).
// Every function parameter must be present in inputs.
func (it *Interp) Run(fn *ir.Function, inputs map[string]*ir.Tensor) ([]*ir.Tensor, error) {
	env := make(map[ir.Expr]*ir.Tensor, len(fn.Params))
	for _, p := range fn.Params {
		value, found := inputs[p.Name]
		if !found {
			return nil, errors.Errorf("interp: no value supplied for input %q of function %q", p.Name, fn.Name)
		}
		if !value.Shape().Equal(p.Shape()) {
			return nil, errors.Errorf("interp: input %q has shape %s, function %q expects %s",
				p.Name, value.Shape(), fn.Name, p.Shape())
		}
		env[p] = value
	}
	out, err := it.eval(fn.Body, env)
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluating function %q", fn.Name)
	}
	return []*ir.Tensor{out}, nil
}

func (it *Interp) eval(e ir.Expr, env map[ir.Expr]*ir.Tensor) (*ir.Tensor, error) {
	if value, done := env[e]; done {
		return value, nil
	}
	switch node := e.(type) {
	case *ir.Const:
		return node.Value, nil
	case *ir.Var:
		return nil, errors.Errorf("interp: unbound variable %q", node.Name)
	}
	call := e.(*ir.Call)

	args := make([]*ir.Tensor, len(call.Inputs))
	for i, input := range call.Inputs {
		arg, err := it.eval(input, env)
		if err != nil {
			return nil, err
		}
		args[i] = arg
	}

	var out *ir.Tensor
	var err error
	switch call.Op {
	case ir.OpQnnConv2D:
		out, err = execConv2D(call, args[0], args[1])
	case ir.OpBiasAdd:
		out, err = execBiasAdd(call, args[0], args[1])
	case ir.OpRequantize:
		out, err = execRequantize(call, args[0])
	case ir.OpClip:
		out, err = execClip(call, args[0])
	case ir.OpPad:
		out, err = execPad(call, args[0])
	case ir.OpInvoke:
		out, err = it.execInvoke(call, args)
	default:
		return nil, errors.Errorf("interp: operator %q outside the supported vocabulary", call.Op)
	}
	if err != nil {
		return nil, err
	}
	env[e] = out
	return out, nil
}

func (it *Interp) execInvoke(call *ir.Call, args []*ir.Tensor) (*ir.Tensor, error) {
	callee := it.mod.Function(call.Callee())
	if callee == nil {
		return nil, errors.Errorf("interp: invoke of unknown function %q", call.Callee())
	}
	inputs := make(map[string]*ir.Tensor, len(args))
	for i, p := range callee.Params {
		inputs[p.Name] = args[i]
	}
	outs, err := it.Run(callee, inputs)
	if err != nil {
		return nil, err
	}
	return outs[0], nil
}

// execConv2D computes the quantized convolution: NHWC input, HWIO kernel,
// int32 accumulation of (in - inZP)·(k - kZP) over the kernel window.
// Padding positions contribute zero, the same as padding the input with the
// input zero point.
func execConv2D(call *ir.Call, input, kernel *ir.Tensor) (*ir.Tensor, error) {
	attrs, ok := call.Attrs.(*ir.ConvAttrs)
	if !ok {
		return nil, errors.Errorf("interp: qnn_conv2d call carries %T attributes", call.Attrs)
	}
	if attrs.OutDType != dtypes.Int32 {
		return nil, errors.Errorf("interp: qnn_conv2d accumulator must be int32, got %s", attrs.OutDType)
	}
	in, err := asInt64(input)
	if err != nil {
		return nil, err
	}
	k, err := asInt64(kernel)
	if err != nil {
		return nil, err
	}

	inShape := input.Shape()
	batch, inH, inW, inC := inShape.Dim(0), inShape.Dim(1), inShape.Dim(2), inShape.Dim(3)
	kH, kW := attrs.KernelSize[0], attrs.KernelSize[1]
	outC := attrs.Channels
	groups := attrs.Groups
	icPerGroup := inC / groups
	ocPerGroup := outC / groups

	outShape := call.Shape()
	outH, outW := outShape.Dim(1), outShape.Dim(2)
	out := ir.NewTensor(outShape.Clone())
	outFlat := ir.Flat[int32](out)

	inZP := int64(attrs.Input.ZeroPoint)
	kZP := int64(attrs.Kernel.ZeroPoint)
	padTop, padLeft := attrs.Padding[0], attrs.Padding[1]

	idx := 0
	for n := 0; n < batch; n++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for oc := 0; oc < outC; oc++ {
					g := oc / ocPerGroup
					var acc int64
					for kh := 0; kh < kH; kh++ {
						ih := oh*attrs.Strides[0] + kh*attrs.Dilation[0] - padTop
						if ih < 0 || ih >= inH {
							continue
						}
						for kw := 0; kw < kW; kw++ {
							iw := ow*attrs.Strides[1] + kw*attrs.Dilation[1] - padLeft
							if iw < 0 || iw >= inW {
								continue
							}
							for ic := 0; ic < icPerGroup; ic++ {
								inVal := in[((n*inH+ih)*inW+iw)*inC+g*icPerGroup+ic]
								kVal := k[((kh*kW+kw)*icPerGroup+ic)*outC+oc]
								acc += (inVal - inZP) * (kVal - kZP)
							}
						}
					}
					outFlat[idx] = int32(acc)
					idx++
				}
			}
		}
	}
	return out, nil
}

func execBiasAdd(call *ir.Call, input, bias *ir.Tensor) (*ir.Tensor, error) {
	attrs, ok := call.Attrs.(*ir.BiasAddAttrs)
	if !ok {
		return nil, errors.Errorf("interp: bias_add call carries %T attributes", call.Attrs)
	}
	in, err := asInt64(input)
	if err != nil {
		return nil, err
	}
	b, err := asInt64(bias)
	if err != nil {
		return nil, err
	}
	shape := input.Shape()
	axis := attrs.Axis
	if axis < 0 {
		axis += shape.Rank()
	}
	if axis < 0 || axis >= shape.Rank() || shape.Dim(axis) != bias.Size() {
		return nil, errors.Errorf("interp: bias of %d elements cannot be added along axis %d of %s",
			bias.Size(), attrs.Axis, shape)
	}
	// Stride of the bias axis in the flat layout.
	stride := 1
	for a := axis + 1; a < shape.Rank(); a++ {
		stride *= shape.Dim(a)
	}
	out := ir.NewTensor(call.Shape().Clone())
	outFlat := ir.Flat[int32](out)
	dim := shape.Dim(axis)
	for i, v := range in {
		outFlat[i] = int32(v + b[(i/stride)%dim])
	}
	return out, nil
}

// execRequantize converts the int32 accumulator into the output quantized
// representation through the fixed-point pipeline of the quant package,
// per output channel when the input scales are per-channel.
func execRequantize(call *ir.Call, input *ir.Tensor) (*ir.Tensor, error) {
	attrs, ok := call.Attrs.(*ir.RequantizeAttrs)
	if !ok {
		return nil, errors.Errorf("interp: requantize call carries %T attributes", call.Attrs)
	}
	in, err := asInt64(input)
	if err != nil {
		return nil, err
	}
	channels := attrs.Input.Channels()
	outScale := attrs.Output.Scale(0)

	mantissas := make([]int32, channels)
	shifts := make([]int, channels)
	for c := 0; c < channels; c++ {
		multiplier := float64(attrs.Input.Scale(c)) / float64(outScale)
		mantissas[c], shifts[c], err = quant.QuantizeMultiplier(multiplier)
		if err != nil {
			return nil, errors.WithMessagef(err, "requantize channel %d", c)
		}
	}

	lastDim := input.Shape().Dim(-1)
	if channels != 1 && channels != lastDim {
		return nil, errors.Errorf("interp: %d requantize scales for %d channels", channels, lastDim)
	}
	inZP := int64(attrs.Input.ZeroPoint)
	out := ir.NewTensor(call.Shape().Clone())
	for i, v := range in {
		c := 0
		if channels > 1 {
			c = i % lastDim
		}
		q := quant.Requantize(int32(v-inZP), mantissas[c], shifts[c], attrs.Output.ZeroPoint, attrs.OutDType)
		storeInt64(out, i, int64(q))
	}
	return out, nil
}

func execClip(call *ir.Call, input *ir.Tensor) (*ir.Tensor, error) {
	attrs, ok := call.Attrs.(*ir.ClipAttrs)
	if !ok {
		return nil, errors.Errorf("interp: clip call carries %T attributes", call.Attrs)
	}
	in, err := asInt64(input)
	if err != nil {
		return nil, err
	}
	out := ir.NewTensor(call.Shape().Clone())
	lo, hi := int64(attrs.Min), int64(attrs.Max)
	for i, v := range in {
		if v < lo {
			v = lo
		} else if v > hi {
			v = hi
		}
		storeInt64(out, i, v)
	}
	return out, nil
}

func execPad(call *ir.Call, input *ir.Tensor) (*ir.Tensor, error) {
	attrs, ok := call.Attrs.(*ir.PadAttrs)
	if !ok {
		return nil, errors.Errorf("interp: pad call carries %T attributes", call.Attrs)
	}
	shape := input.Shape()
	if len(attrs.Widths) != shape.Rank() {
		return nil, errors.Errorf("interp: pad widths for %d axes on rank-%d input", len(attrs.Widths), shape.Rank())
	}
	in, err := asInt64(input)
	if err != nil {
		return nil, err
	}
	out := ir.NewTensor(call.Shape().Clone())
	outShape := out.Shape()
	size := outShape.Size()

	// Walk the output index space; positions inside the original bounds copy
	// the input, the rest take the fill value.
	coords := make([]int, outShape.Rank())
	for i := 0; i < size; i++ {
		inside := true
		inIdx := 0
		for a := 0; a < outShape.Rank(); a++ {
			c := coords[a] - attrs.Widths[a][0]
			if c < 0 || c >= shape.Dim(a) {
				inside = false
				break
			}
			inIdx = inIdx*shape.Dim(a) + c
		}
		if inside {
			storeInt64(out, i, in[inIdx])
		} else {
			storeInt64(out, i, int64(attrs.Value))
		}
		for a := outShape.Rank() - 1; a >= 0; a-- {
			coords[a]++
			if coords[a] < outShape.Dim(a) {
				break
			}
			coords[a] = 0
		}
	}
	return out, nil
}

// asInt64 widens any supported integer tensor to a fresh []int64.
func asInt64(t *ir.Tensor) ([]int64, error) {
	out := make([]int64, t.Size())
	switch t.DType() {
	case dtypes.Int8:
		for i, v := range ir.Flat[int8](t) {
			out[i] = int64(v)
		}
	case dtypes.Uint8:
		for i, v := range ir.Flat[uint8](t) {
			out[i] = int64(v)
		}
	case dtypes.Int32:
		for i, v := range ir.Flat[int32](t) {
			out[i] = int64(v)
		}
	default:
		return nil, errors.Errorf("interp: unsupported tensor dtype %s", t.DType())
	}
	return out, nil
}

// storeInt64 writes a value into position i of an integer tensor. The value
// must already be in range for the dtype.
func storeInt64(t *ir.Tensor, i int, v int64) {
	switch t.DType() {
	case dtypes.Int8:
		ir.Flat[int8](t)[i] = int8(v)
	case dtypes.Uint8:
		ir.Flat[uint8](t)[i] = uint8(v)
	case dtypes.Int32:
		ir.Flat[int32](t)[i] = int32(v)
	default:
		panic(errors.Errorf("interp: unsupported tensor dtype %s", t.DType()))
	}
}
