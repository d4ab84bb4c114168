// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"

	"github.com/embedml/qfuse/types"
	"github.com/gomlx/exceptions"
)

// MainName is the designated entry function of a module.
const MainName = "main"

// FunctionAttributes is the closed set of function-level attributes read by
// downstream code generation: the composite pattern name and the backend
// (compiler) identifier. Both empty for ordinary functions.
type FunctionAttributes struct {
	Composite string
	Compiler  string
}

// Function is a named graph: an ordered parameter list and a body expression
// built from Var/Const/Call nodes reachable from one return node.
type Function struct {
	Name   string
	Params []*Var
	Body   Expr
	Attrs  FunctionAttributes
}

// NewFunction builds a function. The body must be non-nil; parameter names
// must be unique.
func NewFunction(name string, params []*Var, body Expr) *Function {
	if body == nil {
		exceptions.Panicf("ir.NewFunction(%q): nil body", name)
	}
	seen := types.MakeSet[string](len(params))
	for _, p := range params {
		if seen.Has(p.Name) {
			exceptions.Panicf("ir.NewFunction(%q): duplicate parameter %q", name, p.Name)
		}
		seen.Insert(p.Name)
	}
	return &Function{Name: name, Params: params, Body: body}
}

// IsExternal reports whether the function is tagged for an external backend
// compiler.
func (f *Function) IsExternal() bool { return f.Attrs.Compiler != "" }

// Clone deep-copies the function, including its body graph, so the copy
// shares no nodes with the original.
func (f *Function) Clone() *Function {
	memo := make(map[Expr]Expr)
	params := make([]*Var, len(f.Params))
	for i, p := range f.Params {
		params[i] = NewVar(p.Name, p.shape.Clone())
		memo[p] = params[i]
	}
	clone := &Function{
		Name:   f.Name,
		Params: params,
		Body:   cloneExpr(f.Body, memo),
		Attrs:  f.Attrs,
	}
	return clone
}

func cloneExpr(e Expr, memo map[Expr]Expr) Expr {
	if dup, ok := memo[e]; ok {
		return dup
	}
	var dup Expr
	switch node := e.(type) {
	case *Var:
		dup = NewVar(node.Name, node.shape.Clone())
	case *Const:
		dup = NewConst(node.Value.Clone())
	case *Call:
		inputs := make([]Expr, len(node.Inputs))
		for i, input := range node.Inputs {
			inputs[i] = cloneExpr(input, memo)
		}
		dup = NewCall(node.Op, node.shape.Clone(), node.Attrs, inputs...)
	}
	memo[e] = dup
	return dup
}

// Module maps function names to functions, with one designated entry
// function (MainName). It exclusively owns its functions and their graphs.
type Module struct {
	functions map[string]*Function
	order     []string
}

// NewModule creates a module holding the given functions.
func NewModule(functions ...*Function) *Module {
	m := &Module{functions: make(map[string]*Function, len(functions))}
	for _, f := range functions {
		m.AddFunction(f)
	}
	return m
}

// AddFunction inserts a function; it panics on duplicate names.
func (m *Module) AddFunction(f *Function) {
	if _, found := m.functions[f.Name]; found {
		exceptions.Panicf("ir.Module.AddFunction: duplicate function %q", f.Name)
	}
	m.functions[f.Name] = f
	m.order = append(m.order, f.Name)
}

// Function returns the function with the given name, or nil.
func (m *Module) Function(name string) *Function { return m.functions[name] }

// Main returns the entry function, or nil if the module has none.
func (m *Module) Main() *Function { return m.functions[MainName] }

// FunctionNames returns all function names in insertion order.
func (m *Module) FunctionNames() []string { return slices.Clone(m.order) }

// NumFunctions returns the number of functions in the module.
func (m *Module) NumFunctions() int { return len(m.functions) }

// Clone deep-copies the module: the copy owns fresh functions and graphs.
func (m *Module) Clone() *Module {
	clone := &Module{functions: make(map[string]*Function, len(m.functions))}
	for _, name := range m.order {
		clone.functions[name] = m.functions[name].Clone()
		clone.order = append(clone.order, name)
	}
	return clone
}

// MalformedGraphError reports a structural invariant violation in the IR:
// a dangling function reference, a free variable, or a cycle. The engine
// does not attempt repair; partitioning aborts for the whole module.
type MalformedGraphError struct {
	Func   string
	Reason string
}

func (e *MalformedGraphError) Error() string {
	return fmt.Sprintf("ir: malformed graph in function %q: %s", e.Func, e.Reason)
}

// Validate checks the module's structural invariants:
//   - every Var reachable from a function body is declared in its parameter
//     list;
//   - every OpInvoke call refers to a function present in the module, with
//     matching arity;
//   - node graphs are acyclic, and so is the function call graph.
func (m *Module) Validate() error {
	for _, name := range m.order {
		f := m.functions[name]
		declared := make(map[*Var]bool, len(f.Params))
		for _, p := range f.Params {
			declared[p] = true
		}
		if err := m.validateExpr(f, f.Body, declared, make(map[Expr]int)); err != nil {
			return err
		}
	}
	return m.validateCallGraph()
}

// Colors of the DFS cycle detection.
const (
	colorVisiting = 1
	colorDone     = 2
)

func (m *Module) validateExpr(f *Function, e Expr, declared map[*Var]bool, color map[Expr]int) error {
	switch color[e] {
	case colorDone:
		return nil
	case colorVisiting:
		return &MalformedGraphError{Func: f.Name, Reason: fmt.Sprintf("cycle through node %s", e)}
	}
	color[e] = colorVisiting
	switch node := e.(type) {
	case *Var:
		if !declared[node] {
			return &MalformedGraphError{Func: f.Name,
				Reason: fmt.Sprintf("free variable %q not in the parameter list", node.Name)}
		}
	case *Const:
		// Nothing to check: constants are self-contained.
	case *Call:
		if node.Op == OpInvoke {
			callee := m.functions[node.Callee()]
			if callee == nil {
				return &MalformedGraphError{Func: f.Name,
					Reason: fmt.Sprintf("reference to function %q absent from the module", node.Callee())}
			}
			if len(callee.Params) != len(node.Inputs) {
				return &MalformedGraphError{Func: f.Name,
					Reason: fmt.Sprintf("invoke of %q with %d arguments, want %d",
						node.Callee(), len(node.Inputs), len(callee.Params))}
			}
		}
		for i, input := range node.Inputs {
			if input == nil {
				return &MalformedGraphError{Func: f.Name,
					Reason: fmt.Sprintf("%s call input #%d is nil", node.Op, i)}
			}
			if err := m.validateExpr(f, input, declared, color); err != nil {
				return err
			}
		}
	}
	color[e] = colorDone
	return nil
}

// validateCallGraph rejects (mutually) recursive function invocations.
func (m *Module) validateCallGraph() error {
	color := make(map[string]int, len(m.functions))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case colorDone:
			return nil
		case colorVisiting:
			return &MalformedGraphError{Func: name, Reason: "recursive function invocation"}
		}
		color[name] = colorVisiting
		for _, e := range PostOrder(m.functions[name].Body) {
			if call, ok := e.(*Call); ok && call.Op == OpInvoke {
				if m.functions[call.Callee()] == nil {
					// Reported by validateExpr with more context.
					continue
				}
				if err := visit(call.Callee()); err != nil {
					return err
				}
			}
		}
		color[name] = colorDone
		return nil
	}
	for _, name := range m.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}
