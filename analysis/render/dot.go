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

// Package render writes graphs out for humans: a graphviz view of the node
// graph and a Go-like source view of the control flow.
package render

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/virtgraph/virtgraph/analysis/ir"
)

// nodeShape picks the graphviz shape for a node: control flow nodes are boxes,
// allocation-related nodes are diamonds and plain values are ellipses.
func nodeShape(n *ir.Node) string {
	switch n.Op() {
	case ir.OpNewInstance, ir.OpCommit, ir.OpAllocatedObject, ir.OpVirtualObject, ir.OpBox:
		return "diamond"
	}
	if n.IsBeginKind() || n.IsTerminator() || n.FixedWithNext() {
		return "box"
	}
	return "ellipse"
}

func nodeLabel(n *ir.Node) string {
	switch n.Op() {
	case ir.OpConst:
		return fmt.Sprintf("%d: const %d", n.ID(), n.IntValue)
	case ir.OpLogicConst:
		return fmt.Sprintf("%d: const %t", n.ID(), n.BoolValue)
	case ir.OpParam:
		return fmt.Sprintf("%d: param %d", n.ID(), n.IntValue)
	case ir.OpBinOp:
		return fmt.Sprintf("%d: %s", n.ID(), n.Kind)
	case ir.OpLoad, ir.OpStore:
		return fmt.Sprintf("%d: %v .f%d", n.ID(), n.Op(), n.Field)
	default:
		return fmt.Sprintf("%d: %v", n.ID(), n.Op())
	}
}

// WriteGraphviz writes a graphviz representation of the graph to w. Data edges
// are dashed, control flow edges are solid and jumps back to their target
// (merges and loop begins) are dotted.
func WriteGraphviz(g *ir.Graph, w io.Writer) error {
	if _, err := fmt.Fprintf(w, "digraph g {\n"); err != nil {
		return fmt.Errorf("error while writing in file: %w", err)
	}
	for id := 0; id < g.NodeCount(); id++ {
		n := g.NodeByID(id)
		if !n.IsAlive() || !n.IsAttached() {
			continue
		}
		if _, err := fmt.Fprintf(w, "  n%d [label=%q,shape=%s];\n",
			n.ID(), nodeLabel(n), nodeShape(n)); err != nil {
			return fmt.Errorf("error while writing in file: %w", err)
		}
		if err := writeEdges(n, w); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "}\n"); err != nil {
		return fmt.Errorf("error while writing in file: %w", err)
	}
	return nil
}

func writeEdges(n *ir.Node, w io.Writer) error {
	for _, in := range n.Inputs() {
		if in == nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "  n%d -> n%d [style=dashed];\n", in.ID(), n.ID()); err != nil {
			return fmt.Errorf("error while writing in file: %w", err)
		}
	}
	if n.FixedWithNext() || n.IsBeginKind() {
		if next := n.Next(); next != nil {
			if _, err := fmt.Fprintf(w, "  n%d -> n%d;\n", n.ID(), next.ID()); err != nil {
				return fmt.Errorf("error while writing in file: %w", err)
			}
		}
	}
	switch n.Op() {
	case ir.OpIf, ir.OpInvoke:
		labels := [2]string{"T", "F"}
		if n.Op() == ir.OpInvoke {
			labels = [2]string{"ok", "ex"}
		}
		for i, s := range []*ir.Node{n.TrueSuccessor(), n.FalseSuccessor()} {
			if s == nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "  n%d -> n%d [label=%q];\n", n.ID(), s.ID(), labels[i]); err != nil {
				return fmt.Errorf("error while writing in file: %w", err)
			}
		}
	case ir.OpEnd, ir.OpLoopEnd:
		if t := n.Target(); t != nil {
			if _, err := fmt.Fprintf(w, "  n%d -> n%d [style=dotted];\n", n.ID(), t.ID()); err != nil {
				return fmt.Errorf("error while writing in file: %w", err)
			}
		}
	}
	return nil
}

// GraphvizToFile writes the graphviz representation of g to the named file.
func GraphvizToFile(g *ir.Graph, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	if err := WriteGraphviz(g, w); err != nil {
		return fmt.Errorf("error while writing graph: %w", err)
	}
	return nil
}
