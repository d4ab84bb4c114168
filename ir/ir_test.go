// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"testing"

	"github.com/embedml/qfuse/quant"
	"github.com/embedml/qfuse/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestNodeConstruction(t *testing.T) {
	v := NewVar("input", shapes.Make(dtypes.Int8, 1, 4, 4, 2))
	require.Equal(t, "input", v.Name)
	require.Equal(t, 4, v.Shape().Rank())

	c := NewConst(FromFlat([]int32{1, 2}, 2))
	require.Equal(t, dtypes.Int32, c.Shape().DType)

	require.Panics(t, func() { NewVar("", shapes.Make(dtypes.Int8, 1)) })
	require.Panics(t, func() { NewConst(nil) })
	require.Panics(t, func() { NewCall(OpClip, shapes.Make(dtypes.Int8, 1), &ClipAttrs{}) }, "no inputs")
	require.Panics(t, func() { NewCall(OpClip, shapes.Make(dtypes.Int8, 1), &ClipAttrs{}, nil) }, "nil input")
	require.Panics(t, func() {
		NewCall(OpClip, shapes.Make(dtypes.Int8, 1), &ConvAttrs{}, v)
	}, "mismatched attribute type")
}

func TestTensor(t *testing.T) {
	zeros := NewTensor(shapes.Make(dtypes.Int8, 2, 3))
	require.Equal(t, 6, zeros.Size())
	require.Len(t, Flat[int8](zeros), 6)
	require.Panics(t, func() { Flat[int32](zeros) }, "wrong dtype accessor")

	fromFlat := FromFlat([]int8{1, 2, 3, 4}, 2, 2)
	clone := fromFlat.Clone()
	Flat[int8](clone)[0] = 9
	require.Equal(t, int8(1), Flat[int8](fromFlat)[0])
	require.False(t, fromFlat.Equal(clone))
	require.True(t, fromFlat.Equal(fromFlat.Clone()))

	require.Panics(t, func() { FromFlat([]int8{1, 2, 3}, 2, 2) }, "size mismatch")

	scalar := FromScalar(int32(7))
	require.True(t, scalar.Shape().IsScalar())
	require.Equal(t, int32(7), Flat[int32](scalar)[0])
}

func smallChain() (*Module, *Call) {
	input := NewVar("input", shapes.Make(dtypes.Int8, 1, 4, 4, 2))
	weight := NewVar("w", shapes.Make(dtypes.Int8, 1, 1, 2, 2))
	conv := NewCall(OpQnnConv2D, shapes.Make(dtypes.Int32, 1, 4, 4, 2), &ConvAttrs{
		Strides:      [2]int{1, 1},
		Dilation:     [2]int{1, 1},
		Groups:       1,
		Channels:     2,
		KernelSize:   [2]int{1, 1},
		DataLayout:   "NHWC",
		KernelLayout: "HWIO",
		Input:        quant.PerTensor(0.5, 0),
		Kernel:       quant.PerTensor(0.25, 0),
		OutDType:     dtypes.Int32,
	}, input, weight)
	requant := NewCall(OpRequantize, shapes.Make(dtypes.Int8, 1, 4, 4, 2), &RequantizeAttrs{
		Input:    quant.PerTensor(0.125, 0),
		Output:   quant.PerTensor(0.5, 0),
		OutDType: dtypes.Int8,
	}, conv)
	mod := NewModule(NewFunction(MainName, []*Var{input, weight}, requant))
	return mod, requant
}

func TestPostOrder(t *testing.T) {
	mod, requant := smallChain()
	order := PostOrder(mod.Main().Body)
	require.Len(t, order, 4) // input, w, conv, requantize
	require.Same(t, requant, order[3], "root is last")

	// Dependencies come before consumers.
	position := make(map[Expr]int, len(order))
	for i, e := range order {
		position[e] = i
	}
	for _, e := range order {
		if call, ok := e.(*Call); ok {
			for _, input := range call.Inputs {
				require.Less(t, position[input], position[call])
			}
		}
	}

	// Deterministic across repeated runs.
	again := PostOrder(mod.Main().Body)
	for i := range order {
		require.Same(t, order[i], again[i])
	}
}

func TestConsumers(t *testing.T) {
	mod, requant := smallChain()
	counts := Consumers(mod.Main().Body)
	require.Equal(t, 1, counts[requant.Inputs[0]], "conv consumed once")
	require.Equal(t, 0, counts[requant], "root has no consumers")
}

func TestCountCalls(t *testing.T) {
	mod, _ := smallChain()
	counts := CountCalls(mod)
	require.Equal(t, map[OpName]int{OpQnnConv2D: 1, OpRequantize: 1}, counts)
}

func TestValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		mod, _ := smallChain()
		require.NoError(t, mod.Validate())
	})

	t.Run("free_variable", func(t *testing.T) {
		mod, _ := smallChain()
		f := mod.Main()
		mod2 := NewModule(NewFunction(MainName, f.Params[:1], f.Body)) // drop "w" from the params
		err := mod2.Validate()
		var malformed *MalformedGraphError
		require.ErrorAs(t, err, &malformed)
		require.Equal(t, MainName, malformed.Func)
	})

	t.Run("dangling_function_reference", func(t *testing.T) {
		input := NewVar("input", shapes.Make(dtypes.Int8, 2))
		invoke := NewCall(OpInvoke, shapes.Make(dtypes.Int8, 2), &InvokeAttrs{Callee: "missing"}, input)
		mod := NewModule(NewFunction(MainName, []*Var{input}, invoke))
		var malformed *MalformedGraphError
		require.ErrorAs(t, mod.Validate(), &malformed)
	})

	t.Run("cycle", func(t *testing.T) {
		mod, requant := smallChain()
		conv := requant.Inputs[0].(*Call)
		conv.Inputs[0] = requant // introduce a cycle behind the constructor's back
		var malformed *MalformedGraphError
		require.ErrorAs(t, mod.Validate(), &malformed)
	})

	t.Run("recursive_invocation", func(t *testing.T) {
		input := NewVar("x", shapes.Make(dtypes.Int8, 2))
		invoke := NewCall(OpInvoke, shapes.Make(dtypes.Int8, 2), &InvokeAttrs{Callee: "f"}, input)
		mod := NewModule(NewFunction("f", []*Var{input}, invoke))
		var malformed *MalformedGraphError
		require.ErrorAs(t, mod.Validate(), &malformed)
	})
}

func TestModuleClone(t *testing.T) {
	mod, _ := smallChain()
	clone := mod.Clone()
	require.Equal(t, mod.FunctionNames(), clone.FunctionNames())
	require.NotSame(t, mod.Main(), clone.Main())
	require.NotSame(t, mod.Main().Body, clone.Main().Body, "graphs are never shared across modules")
	require.Equal(t, CountCalls(mod), CountCalls(clone))
}

func TestFunctionAttributes(t *testing.T) {
	mod, _ := smallChain()
	require.False(t, mod.Main().IsExternal())
	mod.Main().Attrs = FunctionAttributes{Composite: "cmsis-nn.qnn_conv2d", Compiler: "cmsis-nn"}
	require.True(t, mod.Main().IsExternal())
}
