// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package validate

import (
	"testing"

	"github.com/embedml/qfuse/ir"
	"github.com/embedml/qfuse/quant"
	"github.com/embedml/qfuse/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	ref := ir.FromFlat([]int8{10, 20, 30}, 3)

	require.NoError(t, Diff(ref, ir.FromFlat([]int8{10, 20, 30}, 3), 0))
	require.NoError(t, Diff(ref, ir.FromFlat([]int8{11, 19, 30}, 3), 1))

	err := Diff(ref, ir.FromFlat([]int8{10, 23, 30}, 3), 1)
	require.ErrorContains(t, err, "index 1")
	require.ErrorContains(t, err, "deviation 3")

	err = Diff(ref, ir.FromFlat([]int8{10, 20, 30, 40}, 4), 1)
	require.ErrorContains(t, err, "shape mismatch")
}

func TestDiffDTypes(t *testing.T) {
	require.NoError(t, Diff(ir.FromFlat([]uint8{200}, 1), ir.FromFlat([]uint8{201}, 1), 1))
	require.NoError(t, Diff(ir.FromFlat([]int32{1 << 20}, 1), ir.FromFlat([]int32{1 << 20}, 1), 0))
}

func convModule(withClip bool) *ir.Module {
	input := ir.NewVar("input", shapes.Make(dtypes.Int8, 1, 4, 4, 2))
	w := ir.NewVar("w", shapes.Make(dtypes.Int8, 1, 1, 2, 2))
	conv := ir.NewCall(ir.OpQnnConv2D, shapes.Make(dtypes.Int32, 1, 4, 4, 2), &ir.ConvAttrs{
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
	}, input, w)
	body := ir.Expr(ir.NewCall(ir.OpRequantize, shapes.Make(dtypes.Int8, 1, 4, 4, 2), &ir.RequantizeAttrs{
		Input:    quant.PerTensor(0.125, 0),
		Output:   quant.PerTensor(0.5, 0),
		OutDType: dtypes.Int8,
	}, conv))
	if withClip {
		body = ir.NewCall(ir.OpClip, body.Shape().Clone(), &ir.ClipAttrs{Min: 0, Max: 127}, body)
	}
	return ir.NewModule(ir.NewFunction(ir.MainName, []*ir.Var{input, w}, body))
}

func TestCheckConservation(t *testing.T) {
	require.NoError(t, CheckConservation(convModule(false), convModule(false)))

	err := CheckConservation(convModule(false), convModule(true))
	require.ErrorContains(t, err, "clip count changed")
	require.ErrorContains(t, err, "0 before, 1 after")
}

// runnerFunc adapts a closure to the Runner interface.
type runnerFunc func(fn *ir.Function, inputs map[string]*ir.Tensor) ([]*ir.Tensor, error)

func (r runnerFunc) Run(fn *ir.Function, inputs map[string]*ir.Tensor) ([]*ir.Tensor, error) {
	return r(fn, inputs)
}

func TestRun(t *testing.T) {
	mod := convModule(false)
	outputs := func(values ...int8) runnerFunc {
		return func(*ir.Function, map[string]*ir.Tensor) ([]*ir.Tensor, error) {
			return []*ir.Tensor{ir.FromFlat(values, len(values))}, nil
		}
	}

	cfg := Config{Tolerance: 1}
	require.NoError(t, Run(mod, mod, outputs(1, 2, 3), outputs(1, 3, 3), cfg))

	err := Run(mod, mod, outputs(1, 2, 3), outputs(1, 5, 3), cfg)
	require.ErrorContains(t, err, "output #0")
	require.ErrorContains(t, err, "deviation 3")

	err = Run(mod, convModule(true), outputs(1), outputs(1), cfg)
	require.ErrorContains(t, err, "count changed")
}

func TestRunMergesParamsIntoReference(t *testing.T) {
	mod := convModule(false)
	var refSeen, partSeen []string
	record := func(seen *[]string) runnerFunc {
		return func(_ *ir.Function, inputs map[string]*ir.Tensor) ([]*ir.Tensor, error) {
			for name := range inputs {
				*seen = append(*seen, name)
			}
			return []*ir.Tensor{ir.FromFlat([]int8{0}, 1)}, nil
		}
	}

	err := Run(mod, mod, record(&refSeen), record(&partSeen), Config{
		Inputs: map[string]*ir.Tensor{"input": ir.FromFlat([]int8{0}, 1)},
		Params: map[string]*ir.Tensor{"w": ir.FromFlat([]int8{0}, 1)},
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"input", "w"}, refSeen)
	require.ElementsMatch(t, []string{"input"}, partSeen)
}
