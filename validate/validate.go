// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

// Package validate checks a partitioned module against its pre-partition
// reference: outputs must agree within an absolute tolerance on identical
// inputs, and per-operator call counts must be conserved across the rewrite.
package validate

import (
	"slices"

	"github.com/embedml/qfuse/ir"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Runner executes a function on concrete inputs; it is the black-box
// reference-execution collaborator (interp.Interp satisfies it).
type Runner interface {
	Run(fn *ir.Function, inputs map[string]*ir.Tensor) ([]*ir.Tensor, error)
}

// Diff compares two integer tensors element-wise within an absolute
// tolerance. On failure it names the first offending index and the observed
// deviation.
func Diff(ref, got *ir.Tensor, tolerance int64) error {
	if !ref.Shape().Equal(got.Shape()) {
		return errors.Errorf("validate: shape mismatch: reference %s vs %s", ref.Shape(), got.Shape())
	}
	refFlat, err := flatInt64(ref)
	if err != nil {
		return err
	}
	gotFlat, err := flatInt64(got)
	if err != nil {
		return err
	}
	for i := range refFlat {
		deviation := gotFlat[i] - refFlat[i]
		if deviation < 0 {
			deviation = -deviation
		}
		if deviation > tolerance {
			return errors.Errorf("validate: output differs at index %d: reference %d vs %d (deviation %d > tolerance %d)",
				i, refFlat[i], gotFlat[i], deviation, tolerance)
		}
	}
	return nil
}

// CheckConservation verifies the structural regression invariant: the count
// of every primitive operator kind is identical before and after
// partitioning. Operators move into composite functions; none may appear or
// disappear.
func CheckConservation(before, after *ir.Module) error {
	beforeCounts := ir.CountCalls(before)
	afterCounts := ir.CountCalls(after)
	ops := maps.Keys(beforeCounts)
	for op := range afterCounts {
		if _, found := beforeCounts[op]; !found {
			ops = append(ops, op)
		}
	}
	slices.Sort(ops)
	for _, op := range ops {
		if beforeCounts[op] != afterCounts[op] {
			return errors.Errorf("validate: %s count changed during partitioning: %d before, %d after",
				op, beforeCounts[op], afterCounts[op])
		}
	}
	return nil
}

// Config of one differential validation run.
type Config struct {
	// Inputs are the entry function's runtime inputs.
	Inputs map[string]*ir.Tensor
	// Params are the named constants (weights, bias) that the partitioned
	// module has bound; the reference run receives them as extra inputs.
	Params map[string]*ir.Tensor
	// Tolerance is the absolute per-element error bound.
	Tolerance int64
}

// Run executes the reference and the partitioned module's entry functions
// through the runners and checks output equivalence and call-count
// conservation.
func Run(reference, partitioned *ir.Module, refRunner, partRunner Runner, cfg Config) error {
	if err := CheckConservation(reference, partitioned); err != nil {
		return err
	}

	refInputs := make(map[string]*ir.Tensor, len(cfg.Inputs)+len(cfg.Params))
	for name, t := range cfg.Inputs {
		refInputs[name] = t
	}
	for name, t := range cfg.Params {
		refInputs[name] = t
	}

	refOut, err := refRunner.Run(reference.Main(), refInputs)
	if err != nil {
		return errors.WithMessage(err, "reference run")
	}
	partOut, err := partRunner.Run(partitioned.Main(), cfg.Inputs)
	if err != nil {
		return errors.WithMessage(err, "partitioned run")
	}
	if len(refOut) != len(partOut) {
		return errors.Errorf("validate: %d reference outputs vs %d partitioned", len(refOut), len(partOut))
	}
	for i := range refOut {
		if err := Diff(refOut[i], partOut[i], cfg.Tolerance); err != nil {
			return errors.WithMessagef(err, "output #%d", i)
		}
	}
	return nil
}

func flatInt64(t *ir.Tensor) ([]int64, error) {
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
		return nil, errors.Errorf("validate: %s tensors are not comparable with an integer tolerance", t.DType())
	}
	return out, nil
}
