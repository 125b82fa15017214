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

package effects

import (
	"testing"

	"github.com/virtgraph/virtgraph/analysis/ir"
)

// recorder is a BlockClosure that records the traversal and threads a depth
// counter through the blocks.
type recorder struct {
	cfg        *ir.CFG
	visited    []*ir.Block
	mergeSizes map[int]int
	loops      int
}

func (r *recorder) ProcessBlock(b *ir.Block, s int) (int, error) {
	r.visited = append(r.visited, b)
	return s + 1, nil
}

func (r *recorder) MergeStates(merge *ir.Block, states []int) (int, error) {
	r.mergeSizes[merge.Index()] = len(states)
	max := 0
	for _, s := range states {
		if s > max {
			max = s
		}
	}
	return max, nil
}

func (r *recorder) CloneState(s int) int { return s }

func (r *recorder) ProcessLoop(loop *ir.Loop, s int) (LoopInfo[int], error) {
	r.loops++
	return ProcessLoopBody[int](r, r.cfg, loop, s)
}

func buildDiamond(g *ir.Graph) *ir.Node {
	entry := g.NewBegin()
	g.SetStart(entry)
	branch := g.NewIf(g.NewParam(0))
	g.Link(entry, branch)

	tb := g.NewBegin()
	te := g.NewEnd()
	g.Link(tb, te)
	fb := g.NewBegin()
	fe := g.NewEnd()
	g.Link(fb, fe)
	branch.SetBranches(tb, fb)

	merge := g.NewMerge(te, fe)
	ret := g.NewReturn(nil)
	g.Link(merge, ret)
	return entry
}

func buildLoop(g *ir.Graph) *ir.Node {
	entry := g.NewBegin()
	g.SetStart(entry)
	c0 := g.NewConst(0)
	c1 := g.NewConst(1)
	forwardEnd := g.NewEnd()
	g.Link(entry, forwardEnd)

	loopBegin := g.NewLoopBegin(forwardEnd)
	loopEnd := g.NewLoopEnd(loopBegin)
	branch := g.NewIf(g.NewParam(0))
	g.Link(loopBegin, branch)

	body := g.NewBegin()
	work := g.NewStore(c0, 0, c1)
	g.Link(body, work)
	g.Link(work, loopEnd)

	exit := g.NewLoopExit(loopBegin)
	ret := g.NewReturn(nil)
	g.Link(exit, ret)

	branch.SetBranches(body, exit)
	return entry
}

func TestIterateDiamond(t *testing.T) {
	g := ir.NewGraph()
	entry := buildDiamond(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}

	r := &recorder{cfg: cfg, mergeSizes: map[int]int{}}
	if err := Iterate[int](r, cfg, 0); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if len(r.visited) != 4 {
		t.Fatalf("expected 4 blocks visited, got %d", len(r.visited))
	}
	if r.visited[0] != cfg.Entry() {
		t.Errorf("the entry block must be visited first")
	}
	last := r.visited[3]
	if last.Begin().Op() != ir.OpMerge {
		t.Errorf("the merge block must be visited last, got %v", last)
	}
	if got := r.mergeSizes[last.Index()]; got != 2 {
		t.Errorf("expected 2 states at the merge, got %d", got)
	}
}

func TestIterateLoopScopes(t *testing.T) {
	g := ir.NewGraph()
	entry := buildLoop(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}

	r := &recorder{cfg: cfg, mergeSizes: map[int]int{}}
	if err := Iterate[int](r, cfg, 0); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if r.loops != 1 {
		t.Fatalf("expected the loop handed over once, got %d", r.loops)
	}
	// entry, header, body and exit each exactly once
	if len(r.visited) != 4 {
		t.Fatalf("expected 4 blocks visited, got %d: %v", len(r.visited), r.visited)
	}
	seen := map[int]int{}
	for _, b := range r.visited {
		seen[b.Index()]++
	}
	for idx, n := range seen {
		if n != 1 {
			t.Errorf("block %d visited %d times", idx, n)
		}
	}
}

func TestProcessLoopBodyStates(t *testing.T) {
	g := ir.NewGraph()
	entry := buildLoop(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	loop := cfg.Loops()[0]

	r := &recorder{cfg: cfg, mergeSizes: map[int]int{}}
	info, err := ProcessLoopBody[int](r, cfg, loop, 0)
	if err != nil {
		t.Fatalf("ProcessLoopBody: %v", err)
	}
	if len(info.EndStates) != 1 {
		t.Fatalf("expected one backedge state, got %d", len(info.EndStates))
	}
	if len(info.ExitStates) != 1 {
		t.Fatalf("expected one exit state, got %d", len(info.ExitStates))
	}
	// header then body, two blocks deep
	if info.EndStates[0] != 2 {
		t.Errorf("expected the backedge state to have passed 2 blocks, got %d", info.EndStates[0])
	}
	if info.ExitStates[0] != 1 {
		t.Errorf("expected the exit state to have passed 1 block, got %d", info.ExitStates[0])
	}
}

// buildLoopNestEarlyReturn nests two loops and returns straight out of the
// inner body, so the return block leaves both loops at once and belongs to
// neither.
func buildLoopNestEarlyReturn(g *ir.Graph) *ir.Node {
	entry := g.NewBegin()
	g.SetStart(entry)
	outerForward := g.NewEnd()
	g.Link(entry, outerForward)

	outerBegin := g.NewLoopBegin(outerForward)
	outerBranch := g.NewIf(g.NewParam(0))
	g.Link(outerBegin, outerBranch)

	outerBody := g.NewBegin()
	innerForward := g.NewEnd()
	g.Link(outerBody, innerForward)

	innerBegin := g.NewLoopBegin(innerForward)
	innerBranch := g.NewIf(g.NewParam(1))
	g.Link(innerBegin, innerBranch)

	innerBody := g.NewBegin()
	retBranch := g.NewIf(g.NewParam(2))
	g.Link(innerBody, retBranch)

	cont := g.NewBegin()
	innerEnd := g.NewLoopEnd(innerBegin)
	g.Link(cont, innerEnd)

	earlyExit := g.NewLoopExit(innerBegin)
	earlyRet := g.NewReturn(nil)
	g.Link(earlyExit, earlyRet)
	retBranch.SetBranches(earlyExit, cont)

	innerExit := g.NewLoopExit(innerBegin)
	outerEnd := g.NewLoopEnd(outerBegin)
	g.Link(innerExit, outerEnd)
	innerBranch.SetBranches(innerBody, innerExit)

	outerExit := g.NewLoopExit(outerBegin)
	ret := g.NewReturn(nil)
	g.Link(outerExit, ret)
	outerBranch.SetBranches(outerBody, outerExit)

	return entry
}

func TestIterateReturnInsideLoopNest(t *testing.T) {
	g := ir.NewGraph()
	entry := buildLoopNestEarlyReturn(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}

	r := &recorder{cfg: cfg, mergeSizes: map[int]int{}}
	if err := Iterate[int](r, cfg, 0); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if r.loops != 2 {
		t.Fatalf("expected both loops handed over, got %d", r.loops)
	}
	// entry, two headers, two bodies, the continue block and three exits
	if len(r.visited) != 9 {
		t.Fatalf("expected 9 blocks visited, got %d: %v", len(r.visited), r.visited)
	}
	seen := map[int]int{}
	for _, b := range r.visited {
		seen[b.Index()]++
	}
	for idx, n := range seen {
		if n != 1 {
			t.Errorf("block %d visited %d times", idx, n)
		}
	}
}
