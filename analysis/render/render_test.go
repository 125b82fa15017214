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

package render

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/virtgraph/virtgraph/analysis/samples"
)

func TestWriteGraphviz(t *testing.T) {
	g, _, err := samples.Build("branch-merge")
	if err != nil {
		t.Fatalf("building sample: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteGraphviz(g, &buf); err != nil {
		t.Fatalf("WriteGraphviz: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "digraph g {") || !strings.HasSuffix(out, "}\n") {
		t.Errorf("output is not a digraph:\n%s", out)
	}
	for id := 0; id < g.NodeCount(); id++ {
		n := g.NodeByID(id)
		if n.IsAlive() && n.IsAttached() && !strings.Contains(out, fmt.Sprintf("n%d [", n.ID())) {
			t.Errorf("node %v missing from the output", n)
		}
	}
	if !strings.Contains(out, "style=dashed") {
		t.Errorf("expected dashed data edges in:\n%s", out)
	}
	if !strings.Contains(out, "shape=diamond") {
		t.Errorf("expected the allocation drawn as a diamond in:\n%s", out)
	}
}

func TestWriteSourceDiamond(t *testing.T) {
	g, entry, err := samples.Build("branch-merge")
	if err != nil {
		t.Fatalf("building sample: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteSource(g, entry, &buf); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"package rendered",
		"func fn(p0 any)",
		"alloc(1)",
		".f0 = 1",
		".f0 = 2",
		"if p0 {",
		"goto b",
		"return",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in rendered source:\n%s", want, out)
		}
	}
}

func TestWriteSourceLoop(t *testing.T) {
	g, entry, err := samples.Build("counted-loop")
	if err != nil {
		t.Fatalf("building sample: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteSource(g, entry, &buf); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"var ", // the loop phi declaration
		"< 10",
		"+ 1",
		"return",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in rendered source:\n%s", want, out)
		}
	}
}

func TestWriteSourceInvoke(t *testing.T) {
	g, entry, err := samples.Build("escape-call")
	if err != nil {
		t.Fatalf("building sample: %v", err)
	}
	var buf bytes.Buffer
	if err := WriteSource(g, entry, &buf); err != nil {
		t.Fatalf("WriteSource: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"invoke(",
		"err != nil",
		".f0 = 42",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in rendered source:\n%s", want, out)
		}
	}
}
