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

// Package render implements the frontend for rendering sample graphs, either
// untouched or after the escape analysis ran on them.
// -dotout Given a path for a .dot file, writes the graph in graphviz format.
// -srcout Given a path, writes a Go-like source rendering of the graph.
package render

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/virtgraph/virtgraph/analysis/config"
	"github.com/virtgraph/virtgraph/analysis/ir"
	"github.com/virtgraph/virtgraph/analysis/pea"
	"github.com/virtgraph/virtgraph/analysis/render"
	"github.com/virtgraph/virtgraph/analysis/samples"
	"github.com/virtgraph/virtgraph/cmd/virtgraph/tools"
)

// Usage for the render sub-command.
const Usage = `Render a sample graph in graphviz or Go-like source form.
Usage:
  virtgraph render [options] <sample>
Examples:
Render the graph as it is built:
  % virtgraph render -dotout graph.dot counted-loop
Render the graph after the escape analysis transformed it:
  % virtgraph render -transformed -srcout after.go escape-call
`

// Flags represents the parsed render sub-command flags.
type Flags struct {
	tools.CommonFlags
	dotOut      string
	srcOut      string
	transformed bool
	sample      string
}

// NewFlags returns the parsed render sub-command flags from args.
func NewFlags(args []string) (Flags, error) {
	flags := tools.NewUnparsedCommonFlags("render")
	dotOut := flags.FlagSet.String("dotout", "", "output file for the graph in graphviz format (no output if not specified)")
	srcOut := flags.FlagSet.String("srcout", "", "output file for the Go-like source rendering (standard output if \"-\")")
	transformed := flags.FlagSet.Bool("transformed", false, "run the escape analysis before rendering")
	tools.SetUsage(flags.FlagSet, Usage)
	if err := flags.FlagSet.Parse(args); err != nil {
		return Flags{}, fmt.Errorf("failed to parse command render with args %v: %v", args, err)
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
		dotOut:      *dotOut,
		srcOut:      *srcOut,
		transformed: *transformed,
		sample:      flags.FlagSet.Arg(0),
	}, nil
}

// Run renders the sample named by the flags.
func Run(flags Flags) error {
	g, entry, err := samples.Build(flags.sample)
	if err != nil {
		return err
	}

	if flags.transformed {
		cfg, err := tools.LoadConfig(flags.ConfigPath)
		if err != nil {
			return err
		}
		log := config.NewLogGroup(cfg)
		if _, err := pea.Run(context.Background(), g, entry, cfg, log); err != nil {
			return fmt.Errorf("escape analysis failed on %s: %w", flags.sample, err)
		}
	}

	if flags.dotOut != "" {
		if err := render.GraphvizToFile(g, flags.dotOut); err != nil {
			return err
		}
	}
	if flags.srcOut != "" {
		if err := sourceToFile(g, entry, flags.srcOut); err != nil {
			return err
		}
	}
	if flags.dotOut == "" && flags.srcOut == "" {
		return render.WriteSource(g, entry, os.Stdout)
	}
	return nil
}

func sourceToFile(g *ir.Graph, entry *ir.Node, filename string) error {
	if filename == "-" {
		return render.WriteSource(g, entry, os.Stdout)
	}
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer f.Close()
	return render.WriteSource(g, entry, f)
}
