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

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/virtgraph/virtgraph/analysis/samples"
	"github.com/virtgraph/virtgraph/cmd/virtgraph/render"
	"github.com/virtgraph/virtgraph/cmd/virtgraph/run"
	"github.com/virtgraph/virtgraph/internal/formatutil"
)

const usage = `Virtgraph: partial escape analysis over sea-of-nodes graphs
Usage:
  virtgraph [tool] [options] <sample>
Tools:
  - run: runs the escape analysis on a sample graph and reports statistics
  - render: renders a sample graph in graphviz or Go-like source form
Examples:
  Run the analysis on a loop: virtgraph run -verbose counted-loop
  Render a transformed graph: virtgraph render -transformed -dotout after.dot escape-call`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "error: expected subcommand\n%s\n", usage)
		os.Exit(2)
	}

	// hardcode help flag
	if snd := os.Args[1]; snd == "-help" || snd == "--help" {
		fmt.Println(usage)
		fmt.Printf("Samples: %s\n", strings.Join(samples.Names(), ", "))
		return
	}

	args := os.Args[2:]
	switch cmd := os.Args[1]; cmd {
	case "run":
		flags, err := run.NewFlags(args)
		if err != nil {
			errExit(err)
		}
		if err := run.Run(flags); err != nil {
			errExit(err)
		}
	case "render":
		flags, err := render.NewFlags(args)
		if err != nil {
			errExit(err)
		}
		if err := render.Run(flags); err != nil {
			errExit(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unknown subcommand %q\n%s\n", cmd, usage)
		os.Exit(2)
	}
}

func errExit(err error) {
	fmt.Fprintf(os.Stderr, "%s %s\n", formatutil.Red("error:"), err)
	os.Exit(1)
}
