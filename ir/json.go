// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	json "github.com/goccy/go-json"
)

// functionSummary is the JSON rendering of one function: enough for
// inspection tooling, not a full serialization of the graph.
type functionSummary struct {
	Name      string         `json:"name"`
	Params    []string       `json:"params"`
	Output    string         `json:"output"`
	Composite string         `json:"composite,omitempty"`
	Compiler  string         `json:"compiler,omitempty"`
	Calls     map[string]int `json:"calls,omitempty"`
}

type moduleSummary struct {
	Functions []functionSummary `json:"functions"`
}

// MarshalJSON renders a summary of the module: per function, its signature,
// backend attributes and primitive call counts.
func (m *Module) MarshalJSON() ([]byte, error) {
	summary := moduleSummary{}
	for _, name := range m.FunctionNames() {
		f := m.Function(name)
		fs := functionSummary{
			Name:      f.Name,
			Output:    f.Body.Shape().String(),
			Composite: f.Attrs.Composite,
			Compiler:  f.Attrs.Compiler,
		}
		for _, p := range f.Params {
			fs.Params = append(fs.Params, p.String())
		}
		for _, e := range PostOrder(f.Body) {
			if call, ok := e.(*Call); ok && call.Op != OpInvoke {
				if fs.Calls == nil {
					fs.Calls = make(map[string]int)
				}
				fs.Calls[string(call.Op)]++
			}
		}
		summary.Functions = append(summary.Functions, fs)
	}
	return json.Marshal(summary)
}
