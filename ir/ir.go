// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

// Package ir holds the minimal computation-graph representation the
// partitioning engine works on: typed tensors, operator calls, attributes
// and constants, organized into functions and modules.
//
// The graph is a DAG of Expr nodes (Var, Const, Call) reachable from each
// function's body. Nodes are immutable once built and shared only through
// node-reference edges within the same function, never across functions.
//
// Graph construction panics (through github.com/gomlx/exceptions) on locally
// detectable mistakes, e.g. a nil input; Validate converts whole-module
// structural violations (dangling function references, cycles) into a
// *MalformedGraphError.
package ir

import (
	"fmt"

	"github.com/embedml/qfuse/types/shapes"
	"github.com/gomlx/exceptions"
)

// OpName identifies a primitive operator.
type OpName string

// The closed operator vocabulary handled by the engine.
const (
	// OpQnnConv2D is a quantized 2D convolution: NHWC input, HWIO kernel,
	// int32 accumulator output. See ConvAttrs.
	OpQnnConv2D OpName = "qnn_conv2d"

	// OpBiasAdd adds a 1D bias along one axis of its input.
	OpBiasAdd OpName = "bias_add"

	// OpRequantize converts an int32 accumulator into the quantized output
	// representation with a fixed-point multiplier and shift. See
	// RequantizeAttrs.
	OpRequantize OpName = "requantize"

	// OpClip clamps integers to [Min, Max]. Used for quantized activations.
	OpClip OpName = "clip"

	// OpPad pads a tensor with a constant value.
	OpPad OpName = "pad"

	// OpInvoke calls another function of the same module. It is not a
	// primitive operator: CountCalls does not count it.
	OpInvoke OpName = "invoke"
)

// Expr is a node of the computation graph: one of *Var, *Const or *Call.
type Expr interface {
	shapes.HasShape
	fmt.Stringer

	exprNode()
}

// Var is a named input of a function. It has a shape and dtype but no value;
// values are supplied at execution (or bound from a params map at partition
// time).
type Var struct {
	Name  string
	shape shapes.Shape
}

// NewVar creates a named input with the given shape.
func NewVar(name string, shape shapes.Shape) *Var {
	if name == "" {
		exceptions.Panicf("ir.NewVar: variable must have a name")
	}
	if !shape.Ok() {
		exceptions.Panicf("ir.NewVar(%q): invalid shape", name)
	}
	return &Var{Name: name, shape: shape}
}

func (v *Var) Shape() shapes.Shape { return v.shape }
func (v *Var) String() string      { return fmt.Sprintf("%%%s%s", v.Name, v.shape) }
func (v *Var) exprNode()           {}

// Const is a fixed value tensor owned by the graph.
type Const struct {
	Value *Tensor
}

// NewConst wraps a tensor as a graph constant.
func NewConst(value *Tensor) *Const {
	if value == nil {
		exceptions.Panicf("ir.NewConst: nil tensor")
	}
	return &Const{Value: value}
}

func (c *Const) Shape() shapes.Shape { return c.Value.Shape() }
func (c *Const) String() string      { return fmt.Sprintf("const%s", c.Shape()) }
func (c *Const) exprNode()           {}

// Call applies an operator to an ordered list of inputs. Attrs is the typed
// attribute record of the operator (one concrete type per OpName, see
// attrs.go); it is nil for attribute-free operators.
type Call struct {
	Op     OpName
	Inputs []Expr
	Attrs  CallAttrs

	shape shapes.Shape
}

// NewCall creates an operator call producing a value of the given shape.
// The result shape is decided by the builder (see build.go helpers); NewCall
// only enforces that inputs are present and non-nil.
func NewCall(op OpName, shape shapes.Shape, attrs CallAttrs, inputs ...Expr) *Call {
	if len(inputs) == 0 {
		exceptions.Panicf("ir.NewCall(%s): operator call requires at least one input", op)
	}
	for i, input := range inputs {
		if input == nil {
			exceptions.Panicf("ir.NewCall(%s): input #%d is nil", op, i)
		}
	}
	if !shape.Ok() {
		exceptions.Panicf("ir.NewCall(%s): invalid result shape", op)
	}
	if attrs != nil {
		attrs.check(op)
	}
	return &Call{Op: op, Inputs: inputs, Attrs: attrs, shape: shape}
}

func (c *Call) Shape() shapes.Shape { return c.shape }

func (c *Call) String() string {
	if c.Op == OpInvoke {
		return fmt.Sprintf("invoke @%s -> %s", c.Callee(), c.shape)
	}
	return fmt.Sprintf("%s -> %s", c.Op, c.shape)
}

func (c *Call) exprNode() {}

// Callee returns the name of the invoked function for OpInvoke calls, and ""
// for every other operator.
func (c *Call) Callee() string {
	if attrs, ok := c.Attrs.(*InvokeAttrs); ok {
		return attrs.Callee
	}
	return ""
}
