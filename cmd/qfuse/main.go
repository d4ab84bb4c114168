// Copyright 2025 The qfuse Authors. SPDX-License-Identifier: Apache-2.0

// qfuse is the inspection command of the partitioning engine: it builds a
// quantized convolution module from a YAML scenario file, partitions it for
// the CMSIS-NN backend, differentially validates the rewrite against the
// reference executor and prints a JSON summary.
package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/janpfeifer/must"
	"github.com/urfave/cli/v3"

	"github.com/embedml/qfuse/interp"
	"github.com/embedml/qfuse/ir"
	"github.com/embedml/qfuse/partition"
	"github.com/embedml/qfuse/validate"
)

func main() {
	app := &cli.Command{
		Name:  "qfuse",
		Usage: "Partition quantized convolution graphs for the CMSIS-NN backend",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			partitionCmd(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type report struct {
	Scenario    string     `json:"scenario"`
	Matches     int        `json:"matches"`
	Validated   bool       `json:"validated"`
	Original    *ir.Module `json:"original"`
	Partitioned *ir.Module `json:"partitioned"`
}

func partitionCmd() *cli.Command {
	var scenarioPath string
	var skipValidation bool
	return &cli.Command{
		Name:  "partition",
		Usage: "Build the scenario's module, partition it and validate the rewrite",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "scenario",
				Usage:       "YAML scenario file",
				Required:    true,
				Destination: &scenarioPath,
			},
			&cli.BoolFlag{
				Name:        "skip-validation",
				Usage:       "only partition, do not run the differential check",
				Destination: &skipValidation,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			scenario, err := LoadScenario(scenarioPath)
			if err != nil {
				return err
			}
			chain, err := scenario.Chain()
			if err != nil {
				return err
			}
			original := chain.Build()
			input, params := scenario.Tensors(chain)

			partitioned, err := partition.Partition(original, params)
			if err != nil {
				return err
			}

			matches := 0
			for _, name := range partitioned.FunctionNames() {
				if partitioned.Function(name).IsExternal() {
					matches++
				}
			}

			out := report{
				Scenario:    scenario.Name,
				Matches:     matches,
				Original:    original,
				Partitioned: partitioned,
			}
			if !skipValidation && matches > 0 {
				err = validate.Run(original, partitioned,
					interp.New(original), interp.New(partitioned),
					validate.Config{
						Inputs:    map[string]*ir.Tensor{"input": input},
						Params:    params,
						Tolerance: scenario.Tolerance,
					})
				if err != nil {
					return err
				}
				out.Validated = true
			}

			encoded := must.M1(json.MarshalIndent(out, "", "  "))
			fmt.Println(string(encoded))
			return nil
		},
	}
}
