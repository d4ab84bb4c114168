// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

// Package partition finds quantized convolution chains
// (qnn_conv2d → [bias_add] → requantize → [clip]) in a module and rewrites
// each accepted match into a composite function tagged for the CMSIS-NN
// backend. Unmatched or constraint-failing regions are left untouched.
package partition

import (
	"github.com/embedml/qfuse/ir"
	"github.com/embedml/qfuse/types"
)

// optional is a tagged present/absent value for the optional pattern stages.
// Consumers must check Present() explicitly; there is no nil sentinel.
type optional[T any] struct {
	value   T
	present bool
}

func some[T any](v T) optional[T] { return optional[T]{value: v, present: true} }

func (o optional[T]) Present() bool { return o.present }
func (o optional[T]) Value() T      { return o.value }

// match is one instance of the target pattern, anchored at root (the clip
// when present, otherwise the requantize). It exists only between matching
// and rewriting; it is never persisted.
type match struct {
	root    *ir.Call
	conv    *ir.Call
	bias    optional[*ir.Call]
	requant *ir.Call
	clip    optional[*ir.Call]

	// nodes is the set of calls consumed by the match.
	nodes types.Set[ir.Expr]

	// name of the composite function the match becomes; set on acceptance.
	name string
}

// externals returns the inputs of the match produced outside it, in
// first-use order following the dataflow (conv operands first). They become
// the parameters of the composite function.
func (m *match) externals() []ir.Expr {
	var ext []ir.Expr
	seen := types.MakeSet[ir.Expr]()
	add := func(e ir.Expr) {
		if m.nodes.Has(e) || seen.Has(e) {
			return
		}
		seen.Insert(e)
		ext = append(ext, e)
	}
	for _, input := range m.conv.Inputs {
		add(input)
	}
	if m.bias.Present() {
		for _, input := range m.bias.Value().Inputs {
			add(input)
		}
	}
	for _, input := range m.requant.Inputs {
		add(input)
	}
	if m.clip.Present() {
		for _, input := range m.clip.Value().Inputs {
			add(input)
		}
	}
	return ext
}

// matchChain decides whether anchor roots an instance of the pattern,
// checking structure only; attribute constraints are applied separately.
//
// Every stage below the root must be consumed exactly once (the consumers
// map counts edges): fusing across a partially-shared intermediate would
// either duplicate computation or break the other consumers.
func matchChain(anchor *ir.Call, consumers map[ir.Expr]int) *match {
	m := &match{root: anchor, nodes: types.SetWith[ir.Expr](anchor)}

	current := anchor
	if current.Op == ir.OpClip {
		m.clip = some(current)
		inner, ok := soleCallInput(current, 0, consumers)
		if !ok || inner.Op != ir.OpRequantize {
			return nil
		}
		m.nodes.Insert(inner)
		current = inner
	}
	if current.Op != ir.OpRequantize {
		return nil
	}
	m.requant = current

	inner, ok := soleCallInput(current, 0, consumers)
	if !ok {
		return nil
	}
	if inner.Op == ir.OpBiasAdd {
		m.bias = some(inner)
		m.nodes.Insert(inner)
		inner, ok = soleCallInput(inner, 0, consumers)
		if !ok {
			return nil
		}
	}
	if inner.Op != ir.OpQnnConv2D {
		return nil
	}
	m.conv = inner
	m.nodes.Insert(inner)
	return m
}

// soleCallInput returns input #i of call if it is a Call consumed exactly
// once in the whole function.
func soleCallInput(call *ir.Call, i int, consumers map[ir.Expr]int) (*ir.Call, bool) {
	if i >= len(call.Inputs) {
		return nil, false
	}
	inner, ok := call.Inputs[i].(*ir.Call)
	if !ok || consumers[inner] != 1 {
		return nil, false
	}
	return inner, true
}
