// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/embedml/qfuse/types"
)

// PostOrder returns every node reachable from root exactly once, with inputs
// before their consumers (dependencies first). The order is deterministic:
// DFS following the declared input order. Iterating it backwards visits
// nodes from the output towards the inputs, which is the order the matcher
// enumerates anchor candidates in, so matching and rewriting are
// reproducible across runs.
func PostOrder(root Expr) []Expr {
	var order []Expr
	visited := types.MakeSet[Expr]()
	var visit func(e Expr)
	visit = func(e Expr) {
		if visited.Has(e) {
			return
		}
		visited.Insert(e)
		if call, ok := e.(*Call); ok {
			for _, input := range call.Inputs {
				visit(input)
			}
		}
		order = append(order, e)
	}
	visit(root)
	return order
}

// Consumers counts, for every node reachable from root, how many consumer
// edges point at it (a node consumed twice by the same call counts twice).
// The matcher uses it to reject fusing across a partially-shared
// intermediate.
func Consumers(root Expr) map[Expr]int {
	counts := make(map[Expr]int)
	for _, e := range PostOrder(root) {
		if call, ok := e.(*Call); ok {
			for _, input := range call.Inputs {
				counts[input]++
			}
		}
	}
	return counts
}

// CountCalls counts primitive operator calls per kind across the whole
// module, descending into every function. OpInvoke is not a primitive
// operator and is not counted: partitioning moves operators into composite
// functions but must conserve these counts exactly.
func CountCalls(m *Module) map[OpName]int {
	counts := make(map[OpName]int)
	for _, name := range m.FunctionNames() {
		for _, e := range PostOrder(m.Function(name).Body) {
			if call, ok := e.(*Call); ok && call.Op != OpInvoke {
				counts[call.Op]++
			}
		}
	}
	return counts
}
