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

package ir

import (
	"testing"
)

func TestUsagesMaintained(t *testing.T) {
	g := NewGraph()
	x := g.NewConst(1)
	y := g.NewConst(2)
	op := g.NewBinOp("+", x, y)
	if len(x.Usages()) != 1 || x.Usages()[0] != op {
		t.Errorf("expected %v to be the only usage of %v, got %v", op, x, x.Usages())
	}
	z := g.NewConst(3)
	op.SetInput(0, z)
	if !x.HasNoUsages() {
		t.Errorf("expected no usages of %v after replacement, got %v", x, x.Usages())
	}
	if len(z.Usages()) != 1 {
		t.Errorf("expected one usage of %v, got %v", z, z.Usages())
	}
}

func TestReplaceAtUsages(t *testing.T) {
	g := NewGraph()
	x := g.NewConst(1)
	y := g.NewConst(2)
	a := g.NewBinOp("+", x, x)
	b := g.NewBinOp("*", x, y)
	g.ReplaceAtUsages(x, y)
	if a.Input(0) != y || a.Input(1) != y || b.Input(0) != y {
		t.Errorf("expected all uses of %v replaced by %v, got %v and %v", x, y, a.Inputs(), b.Inputs())
	}
	if !x.HasNoUsages() {
		t.Errorf("expected no usages of %v, got %v", x, x.Usages())
	}
}

func TestInsertAfter(t *testing.T) {
	g := NewGraph()
	begin := g.NewBegin()
	load := g.NewLoad(g.NewConst(0), 0)
	ret := g.NewReturn(nil)
	g.Link(begin, load)
	g.Link(load, ret)

	commit := g.NewDetachedCommit(nil)
	g.InsertAfter(commit, begin)
	if begin.Next() != commit || commit.Next() != load || load.Predecessor() != commit {
		t.Errorf("chain after insertion is %v -> %v -> %v", begin.Next(), commit.Next(), load.Predecessor())
	}
	if !commit.IsAttached() {
		t.Errorf("inserted node %v is not attached", commit)
	}
}

// diamond builds if-then-else control flow over a two-way phi and returns the
// graph with its interesting nodes.
func diamond(g *Graph) (entry, branch, merge, phi, ret *Node) {
	entry = g.NewBegin()
	g.SetStart(entry)
	cond := g.NewParam(0)
	branch = g.NewIf(cond)
	g.Link(entry, branch)

	tb := g.NewBegin()
	te := g.NewEnd()
	g.Link(tb, te)
	fb := g.NewBegin()
	fe := g.NewEnd()
	g.Link(fb, fe)
	branch.SetBranches(tb, fb)

	merge = g.NewMerge(te, fe)
	phi = g.NewPhi(merge, g.NewConst(1), g.NewConst(2))
	ret = g.NewReturn(phi)
	g.Link(merge, ret)
	return
}

func TestKillIfBranch(t *testing.T) {
	g := NewGraph()
	_, branch, merge, phi, ret := diamond(g)

	g.KillIfBranch(branch, true)

	if len(merge.Ends()) != 1 {
		t.Fatalf("expected one end left on %v, got %d", merge, len(merge.Ends()))
	}
	if phi.InputCount() != 1 || phi.Input(0).IntValue != 1 {
		t.Errorf("expected phi reduced to its true input, got %v", phi.Inputs())
	}
	if branch.IsAlive() {
		t.Errorf("expected %v to be dead", branch)
	}
	if !ret.IsAlive() {
		t.Errorf("return %v must survive the branch removal", ret)
	}

	// The surviving path must reach the return.
	reachable := g.ReachableNodes()
	if !reachable.Has(ret.ID()) || !reachable.Has(merge.ID()) {
		t.Errorf("return or merge unreachable after branch removal")
	}
	if reachable.Has(branch.ID()) {
		t.Errorf("killed branch %v still reachable", branch)
	}
}

func TestKillIfBranchCascadesThroughInvoke(t *testing.T) {
	g := NewGraph()
	entry := g.NewBegin()
	g.SetStart(entry)
	cond := g.NewLogicConst(true)
	branch := g.NewIf(cond)
	g.Link(entry, branch)

	tb := g.NewBegin()
	te := g.NewEnd()
	g.Link(tb, te)

	fb := g.NewBegin()
	invoke := g.NewInvoke()
	g.Link(fb, invoke)
	nb := g.NewBegin()
	fe := g.NewEnd()
	g.Link(nb, fe)
	eb := g.NewBegin()
	retEx := g.NewReturn(nil)
	g.Link(eb, retEx)
	invoke.SetBranches(nb, eb)
	branch.SetBranches(tb, fb)

	merge := g.NewMerge(te, fe)
	ret := g.NewReturn(nil)
	g.Link(merge, ret)

	g.KillIfBranch(branch, true)

	for _, n := range []*Node{invoke, nb, eb, retEx, fe, fb} {
		if n.IsAlive() {
			t.Errorf("expected %v to be killed with the false branch", n)
		}
	}
	if len(merge.Ends()) != 1 || merge.Ends()[0] != te {
		t.Errorf("expected only the true end on %v, got %v", merge, merge.Ends())
	}
	if !ret.IsAlive() {
		t.Errorf("return after the merge must survive")
	}
}

func TestKillWithUnusedFloatingInputs(t *testing.T) {
	g := NewGraph()
	begin := g.NewBegin()
	g.SetStart(begin)
	c := g.NewConst(5)
	obj := g.NewInstance(1)
	store := g.NewStore(obj, 0, c)
	ret := g.NewReturn(nil)
	g.Link(begin, obj)
	g.Link(obj, store)
	g.Link(store, ret)

	g.Unlink(store)
	g.Unlink(obj)
	g.KillWithUnusedFloatingInputs(store)
	if store.IsAlive() {
		t.Errorf("store must be dead")
	}
	if c.IsAlive() {
		// The constant had only the store as usage and is floating.
		t.Errorf("floating constant only used by the dead store should be collected")
	}
}
