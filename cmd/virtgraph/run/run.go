// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package run implements the frontend that runs the escape analysis on a
// sample graph and reports what it did.
package run

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/virtgraph/virtgraph/analysis/config"
	"github.com/virtgraph/virtgraph/analysis/pea"
	"github.com/virtgraph/virtgraph/analysis/render"
	"github.com/virtgraph/virtgraph/analysis/samples"
	"github.com/virtgraph/virtgraph/cmd/virtgraph/tools"
	"github.com/virtgraph/virtgraph/internal/formatutil"
)

// Usage for the run sub-command.
const Usage = `Run the escape analysis on a sample graph.
Usage:
  virtgraph run [options] <sample>
Examples:
  % virtgraph run -verbose counted-loop
  % virtgraph run -config=config.yaml -dotout after.dot branch-merge
`

// Flags represents the parsed run sub-command flags.
type Flags struct {
	tools.CommonFlags
	dotOut string
	sample string
}

// NewFlags returns the parsed run sub-command flags from args.
func NewFlags(args []string) (Flags, error) {
	flags := tools.NewUnparsedCommonFlags("run")
	dotOut := flags.FlagSet.String("dotout", "", "output file for the transformed graph in graphviz format (no output if not specified)")
	tools.SetUsage(flags.FlagSet, Usage)
	if err := flags.FlagSet.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("failed to parse command run with args %v: %v", args, err)
	}
	if flags.FlagSet.NArg() != 1 {
		return Flags{}, fmt.Errorf("expected one sample name, available: %s",
			strings.Join(samples.Names(), ", "))
	}

	return Flags{
		CommonFlags: tools.CommonFlags{
			FlagSet:    flags.FlagSet,
			ConfigPath: *flags.ConfigPath,
			Verbose:    *flags.Verbose,
		},
		dotOut: *dotOut,
		sample: flags.FlagSet.Arg(0),
	}, nil
}

// Run executes the escape analysis on the sample named by the flags.
func Run(flags Flags) error {
	cfg, err := tools.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	if flags.Verbose && cfg.LogLevel < int(config.DebugLevel) {
		cfg.LogLevel = int(config.DebugLevel)
	}
	log := config.NewLogGroup(cfg)

	g, entry, err := samples.Build(flags.sample)
	if err != nil {
		return err
	}
	before := g.NodeCount()

	stats, err := pea.Run(context.Background(), g, entry, cfg, log)
	if err != nil {
		return fmt.Errorf("escape analysis failed on %s: %w", flags.sample, err)
	}

	fmt.Printf("%s %s\n", formatutil.Bold("sample:"), flags.sample)
	fmt.Printf("  rounds:       %d\n", stats.Rounds)
	fmt.Printf("  virtualized:  %s\n", formatutil.Green(stats.Virtualized))
	fmt.Printf("  materialized: %s\n", formatutil.Yellow(stats.Materialized))
	fmt.Printf("  nodes before: %d\n", before)

	if flags.dotOut != "" {
		if err := render.GraphvizToFile(g, flags.dotOut); err != nil {
			return err
		}
		fmt.Printf("  wrote %s\n", flags.dotOut)
	}
	if flags.Verbose {
		fmt.Println(formatutil.Faint("transformed graph:"))
		if err := render.WriteSource(g, entry, os.Stdout); err != nil {
			return err
		}
	}
	return nil
}
