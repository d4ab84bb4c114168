// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand"
	"os"

	"github.com/embedml/qfuse/ir"
	"github.com/embedml/qfuse/quant"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Scenario is the YAML description of one convolution chain to build,
// partition and differentially validate. It is the data-driven counterpart
// of the engine's test matrix, kept outside the engine itself.
type Scenario struct {
	Name string `yaml:"name"`

	InputShape  []int  `yaml:"input_shape"`
	KernelSize  [2]int `yaml:"kernel_size"`
	OutChannels int    `yaml:"out_channels"`

	Padding  string `yaml:"padding"`
	Strides  [2]int `yaml:"strides"`
	Dilation [2]int `yaml:"dilation"`
	Groups   int    `yaml:"groups"`

	DType       string `yaml:"dtype"`
	KernelDType string `yaml:"kernel_dtype"`

	InputScale      float32   `yaml:"input_scale"`
	InputZeroPoint  int32     `yaml:"input_zero_point"`
	KernelScales    []float32 `yaml:"kernel_scales"`
	KernelZeroPoint int32     `yaml:"kernel_zero_point"`

	WithBias   bool   `yaml:"with_bias"`
	Activation string `yaml:"activation"`

	Seed      int64 `yaml:"seed"`
	Tolerance int64 `yaml:"tolerance"`
}

// LoadScenario reads and sanity-checks a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading scenario %q", path)
	}
	s := &Scenario{
		Padding:    ir.PaddingValid,
		Strides:    [2]int{1, 1},
		Dilation:   [2]int{1, 1},
		Groups:     1,
		Activation: string(ir.ActivationNone),
		Tolerance:  1,
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, errors.Wrapf(err, "parsing scenario %q", path)
	}
	if len(s.InputShape) != 4 {
		return nil, errors.Errorf("scenario %q: input_shape must be NHWC rank-4", path)
	}
	if s.OutChannels <= 0 || len(s.KernelScales) == 0 {
		return nil, errors.Errorf("scenario %q: out_channels and kernel_scales are required", path)
	}
	return s, nil
}

// Chain converts the scenario into the builder configuration.
func (s *Scenario) Chain() (ir.ConvChain, error) {
	inDType, err := parseDType(s.DType)
	if err != nil {
		return ir.ConvChain{}, err
	}
	kernelDType := inDType
	if s.KernelDType != "" {
		if kernelDType, err = parseDType(s.KernelDType); err != nil {
			return ir.ConvChain{}, err
		}
	}
	return ir.ConvChain{
		InputShape:  s.InputShape,
		KernelSize:  s.KernelSize,
		OutChannels: s.OutChannels,
		Padding:     s.Padding,
		Strides:     s.Strides,
		Dilation:    s.Dilation,
		Groups:      s.Groups,
		InDType:     inDType,
		KernelDType: kernelDType,
		OutDType:    inDType,
		Input:       quant.PerTensor(s.InputScale, s.InputZeroPoint),
		Kernel:      quant.Params{Scales: s.KernelScales, ZeroPoint: s.KernelZeroPoint},
		WithBias:    s.WithBias,
		Activation:  ir.Activation(s.Activation),
	}, nil
}

// Tensors draws the scenario's random input, weights and bias.
func (s *Scenario) Tensors(cfg ir.ConvChain) (input *ir.Tensor, params map[string]*ir.Tensor) {
	rng := rand.New(rand.NewSource(s.Seed))
	inChannels := s.InputShape[3] / cfg.Groups

	input = randomTensor(rng, cfg.InDType, s.InputShape...)
	params = map[string]*ir.Tensor{
		"w": randomTensor(rng, cfg.KernelDType, s.KernelSize[0], s.KernelSize[1], inChannels, s.OutChannels),
	}
	if s.WithBias {
		bias := make([]int32, s.OutChannels)
		for i := range bias {
			bias[i] = rng.Int31n(10)
		}
		params["b"] = ir.FromFlat(bias, s.OutChannels)
	}
	return input, params
}

func randomTensor(rng *rand.Rand, dtype dtypes.DType, dims ...int) *ir.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	switch dtype {
	case dtypes.Int8:
		flat := make([]int8, size)
		for i := range flat {
			flat[i] = int8(rng.Intn(256) - 128)
		}
		return ir.FromFlat(flat, dims...)
	case dtypes.Uint8:
		flat := make([]uint8, size)
		for i := range flat {
			flat[i] = uint8(rng.Intn(256))
		}
		return ir.FromFlat(flat, dims...)
	}
	panic(errors.Errorf("unsupported random tensor dtype %s", dtype))
}

func parseDType(name string) (dtypes.DType, error) {
	switch name {
	case "int8", "":
		return dtypes.Int8, nil
	case "uint8":
		return dtypes.Uint8, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported dtype %q (want int8 or uint8)", name)
}
