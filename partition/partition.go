// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package partition

import (
	"fmt"

	"github.com/embedml/qfuse/ir"
	"github.com/embedml/qfuse/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Partition finds all non-overlapping instances of the fused convolution
// pattern in the module and rewrites each into a call to a new composite
// function carrying {Composite: CompositeConv2D, Compiler: CompilerName}.
//
// params supplies values for named free inputs (typically weights and bias)
// referenced by name; they are bound as constants before matching and are
// treated as read-only lookups.
//
// The total count of each primitive operator across the module is conserved:
// operators move into composite functions, none are added or removed. If no
// match is accepted the input module is returned unchanged; a structurally
// malformed module aborts with *ir.MalformedGraphError.
func Partition(mod *ir.Module, params map[string]*ir.Tensor) (*ir.Module, error) {
	if err := mod.Validate(); err != nil {
		return nil, err
	}

	// Work on a private copy: the input module stays untouched, and a
	// zero-match pass must not even leave params bound.
	work := mod.Clone()

	result := ir.NewModule()
	accepted := 0
	taken := types.SetWith(work.FunctionNames()...)
	for _, name := range work.FunctionNames() {
		f := work.Function(name)
		if f.IsExternal() {
			// Already-partitioned composites expose a single opaque call
			// chain to the matcher and are carried over as-is.
			result.AddFunction(f)
			continue
		}
		bound, err := bindParams(f, params)
		if err != nil {
			return nil, err
		}
		matches := findMatches(bound, taken)
		rewritten, composites := rewrite(bound, matches)
		result.AddFunction(rewritten)
		for _, composite := range composites {
			result.AddFunction(composite)
		}
		accepted += len(matches)
		if len(matches) > 0 {
			klog.V(1).Infof("partition: function %q: %d match(es) offloaded to %s", name, len(matches), CompilerName)
		}
	}
	if accepted == 0 {
		klog.V(1).Infof("partition: no eligible subgraphs, module unchanged")
		return mod, nil
	}
	return result, nil
}

// findMatches sweeps the function from the outputs towards the inputs,
// trying each unclaimed requantize or clip call as an anchor. A node already
// consumed by an accepted match is not reconsidered, so matches never
// overlap. Accepted matches take the first composite name not in taken, so
// composites carried over from an earlier pass are never shadowed.
func findMatches(f *ir.Function, taken types.Set[string]) []*match {
	consumers := ir.Consumers(f.Body)
	order := ir.PostOrder(f.Body)
	claimed := types.MakeSet[ir.Expr]()

	var matches []*match
	for i := len(order) - 1; i >= 0; i-- {
		call, ok := order[i].(*ir.Call)
		if !ok || claimed.Has(call) {
			continue
		}
		if call.Op != ir.OpRequantize && call.Op != ir.OpClip {
			continue
		}
		m := matchChain(call, consumers)
		if m == nil || !checkConstraints(m) {
			continue
		}
		// Mutual exclusion with previously accepted matches.
		overlap := false
		for node := range m.nodes {
			if claimed.Has(node) {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}
		for suffix := len(matches); ; suffix++ {
			name := fmt.Sprintf("%s_%s_%d", f.Name, "cmsis_nn", suffix)
			if !taken.Has(name) {
				m.name = name
				break
			}
		}
		taken.Insert(m.name)
		matches = append(matches, m)
		for node := range m.nodes {
			claimed.Insert(node)
		}
	}
	return matches
}

// rewrite replaces each match's root with a call to a freshly extracted
// composite function and returns the rewritten function plus the composites.
func rewrite(f *ir.Function, matches []*match) (*ir.Function, []*ir.Function) {
	if len(matches) == 0 {
		return f, nil
	}
	byRoot := make(map[ir.Expr]*match, len(matches))
	for _, m := range matches {
		byRoot[m.root] = m
	}

	composites := make([]*ir.Function, 0, len(matches))
	memo := make(map[ir.Expr]ir.Expr)
	var rewriteExpr func(e ir.Expr) ir.Expr
	rewriteExpr = func(e ir.Expr) ir.Expr {
		if out, done := memo[e]; done {
			return out
		}
		var out ir.Expr
		if m, anchored := byRoot[e]; anchored {
			composite, args := extract(m)
			composites = append(composites, composite)
			rewrittenArgs := make([]ir.Expr, len(args))
			for i, arg := range args {
				rewrittenArgs[i] = rewriteExpr(arg)
			}
			out = ir.NewCall(ir.OpInvoke, e.Shape().Clone(),
				&ir.InvokeAttrs{Callee: m.name}, rewrittenArgs...)
		} else if call, isCall := e.(*ir.Call); isCall {
			inputs := make([]ir.Expr, len(call.Inputs))
			changed := false
			for i, input := range call.Inputs {
				inputs[i] = rewriteExpr(input)
				changed = changed || inputs[i] != input
			}
			if changed {
				out = ir.NewCall(call.Op, call.Shape().Clone(), call.Attrs, inputs...)
			} else {
				out = call
			}
		} else {
			out = e
		}
		memo[e] = out
		return out
	}

	body := rewriteExpr(f.Body)
	rewritten := ir.NewFunction(f.Name, f.Params, body)
	rewritten.Attrs = f.Attrs
	return rewritten, composites
}

// extract builds the composite function of a match: its parameters are
// exactly the match's external inputs in first-use order, its body
// recomputes the same operator chain, and its attributes carry the backend
// tag. The returned args are the original external expressions, to be used
// at the call site.
func extract(m *match) (*ir.Function, []ir.Expr) {
	args := m.externals()
	params := make([]*ir.Var, len(args))
	subst := make(map[ir.Expr]ir.Expr, len(args))
	usedNames := make(map[string]bool, len(args))
	for i, arg := range args {
		name := ""
		if v, isVar := arg.(*ir.Var); isVar {
			name = v.Name
		}
		if name == "" || usedNames[name] {
			name = fmt.Sprintf("p%d", i)
		}
		usedNames[name] = true
		params[i] = ir.NewVar(name, arg.Shape().Clone())
		subst[arg] = params[i]
	}

	var rebuild func(e ir.Expr) ir.Expr
	rebuild = func(e ir.Expr) ir.Expr {
		if replacement, found := subst[e]; found {
			return replacement
		}
		call := e.(*ir.Call) // matched nodes are always calls
		inputs := make([]ir.Expr, len(call.Inputs))
		for i, input := range call.Inputs {
			inputs[i] = rebuild(input)
		}
		rebuilt := ir.NewCall(call.Op, call.Shape().Clone(), call.Attrs, inputs...)
		subst[e] = rebuilt
		return rebuilt
	}

	composite := ir.NewFunction(m.name, params, rebuild(m.root))
	composite.Attrs = ir.FunctionAttributes{
		Composite: CompositeConv2D,
		Compiler:  CompilerName,
	}
	return composite, args
}

// bindParams replaces free variables whose names appear in params with
// constants holding the (cloned) tensors, dropping them from the parameter
// list. Tensors are looked up by name only, never mutated.
func bindParams(f *ir.Function, params map[string]*ir.Tensor) (*ir.Function, error) {
	if len(params) == 0 {
		return f, nil
	}
	subst := make(map[ir.Expr]ir.Expr)
	var remaining []*ir.Var
	for _, p := range f.Params {
		value, found := params[p.Name]
		if !found {
			remaining = append(remaining, p)
			continue
		}
		if !value.Shape().Equal(p.Shape()) {
			return nil, errors.Errorf("partition: parameter %q bound with shape %s, graph expects %s",
				p.Name, value.Shape(), p.Shape())
		}
		subst[p] = ir.NewConst(value.Clone())
	}
	if len(subst) == 0 {
		return f, nil
	}

	var rebuild func(e ir.Expr) ir.Expr
	rebuild = func(e ir.Expr) ir.Expr {
		if out, found := subst[e]; found {
			return out
		}
		call, isCall := e.(*ir.Call)
		if !isCall {
			return e
		}
		inputs := make([]ir.Expr, len(call.Inputs))
		changed := false
		for i, input := range call.Inputs {
			inputs[i] = rebuild(input)
			changed = changed || inputs[i] != input
		}
		var out ir.Expr = call
		if changed {
			out = ir.NewCall(call.Op, call.Shape().Clone(), call.Attrs, inputs...)
		}
		subst[e] = out
		return out
	}

	bound := ir.NewFunction(f.Name, remaining, rebuild(f.Body))
	bound.Attrs = f.Attrs
	return bound, nil
}
