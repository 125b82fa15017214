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
	"fmt"

	"golang.org/x/tools/container/intsets"
)

// Graph owns the nodes of one compilation unit. Node identifiers are dense and
// never reused, so analysis-side maps can be simple slices indexed by id.
type Graph struct {
	nodes []*Node
	start *Node
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// NodeCount returns the number of node ids ever allocated (including dead and
// detached nodes).
func (g *Graph) NodeCount() int { return len(g.nodes) }

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id int) *Node {
	if id < 0 || id >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Start returns the entry begin node of the graph, once a CFG has been built.
func (g *Graph) Start() *Node { return g.start }

// SetStart marks the entry begin node of the graph.
func (g *Graph) SetStart(n *Node) { g.start = n }

func (g *Graph) newNode(op Op, attached bool, inputs ...*Node) *Node {
	n := &Node{
		id:       len(g.nodes),
		op:       op,
		graph:    g,
		inputs:   inputs,
		alive:    true,
		attached: attached,
	}
	n.addUsages()
	g.nodes = append(g.nodes, n)
	return n
}

// NewBegin creates a plain block begin node.
func (g *Graph) NewBegin() *Node { return g.newNode(OpBegin, true) }

// NewEnd creates a block end that will feed a merge.
func (g *Graph) NewEnd() *Node { return g.newNode(OpEnd, true) }

// NewMerge creates a merge begin joining the given ends, in phi input order.
func (g *Graph) NewMerge(ends ...*Node) *Node {
	m := g.newNode(OpMerge, true)
	for _, e := range ends {
		if e.op != OpEnd {
			panic(fmt.Sprintf("ir: merge predecessor %v is not an end", e))
		}
		e.target = m
		m.ends = append(m.ends, e)
	}
	return m
}

// NewLoopBegin creates a loop header begin with the given forward end.
func (g *Graph) NewLoopBegin(forwardEnd *Node) *Node {
	lb := g.newNode(OpLoopBegin, true)
	forwardEnd.target = lb
	lb.ends = append(lb.ends, forwardEnd)
	return lb
}

// NewLoopEnd creates a backedge jumping to the given loop begin.
func (g *Graph) NewLoopEnd(loopBegin *Node) *Node {
	le := g.newNode(OpLoopEnd, true)
	le.target = loopBegin
	loopBegin.ends = append(loopBegin.ends, le)
	return le
}

// NewLoopExit creates the begin node of a block leaving the given loop.
func (g *Graph) NewLoopExit(loopBegin *Node) *Node {
	le := g.newNode(OpLoopExit, true)
	le.target = loopBegin
	return le
}

// NewProxy attaches a proxy for value to the given loop exit.
func (g *Graph) NewProxy(loopExit *Node, value *Node) *Node {
	p := g.newNode(OpProxy, true, value)
	p.target = loopExit
	loopExit.proxies = append(loopExit.proxies, p)
	return p
}

// NewIf creates a two-way branch on cond.
func (g *Graph) NewIf(cond *Node) *Node { return g.newNode(OpIf, true, cond) }

// SetBranches wires the true and false successors of an OpIf or the normal and
// exception successors of an OpInvoke.
func (n *Node) SetBranches(first, second *Node) {
	n.succs[0] = first
	n.succs[1] = second
	first.prev = n
	second.prev = n
}

// NewReturn creates a return of the given value (which may be nil).
func (g *Graph) NewReturn(value *Node) *Node {
	if value == nil {
		return g.newNode(OpReturn, true)
	}
	return g.newNode(OpReturn, true, value)
}

// NewInvoke creates a may-throw call with the given arguments.
func (g *Graph) NewInvoke(args ...*Node) *Node { return g.newNode(OpInvoke, true, args...) }

// NewParam creates the i-th parameter value.
func (g *Graph) NewParam(i int) *Node {
	p := g.newNode(OpParam, true)
	p.IntValue = int64(i)
	return p
}

// NewConst creates an integer constant.
func (g *Graph) NewConst(v int64) *Node {
	c := g.newNode(OpConst, true)
	c.IntValue = v
	return c
}

// NewLogicConst creates a boolean constant.
func (g *Graph) NewLogicConst(v bool) *Node {
	c := g.newNode(OpLogicConst, true)
	c.BoolValue = v
	return c
}

// NewDetachedLogicConst creates a boolean constant that must be added to the
// graph by an effect before it becomes visible.
func (g *Graph) NewDetachedLogicConst(v bool) *Node {
	c := g.newNode(OpLogicConst, false)
	c.BoolValue = v
	return c
}

// NewDetachedConst creates an integer constant that must be added by an effect.
func (g *Graph) NewDetachedConst(v int64) *Node {
	c := g.newNode(OpConst, false)
	c.IntValue = v
	return c
}

// NewBinOp creates a fixed binary operation.
func (g *Graph) NewBinOp(kind string, x, y *Node) *Node {
	b := g.newNode(OpBinOp, true, x, y)
	b.Kind = kind
	return b
}

// NewInstance creates an allocation of an object with numFields fields.
func (g *Graph) NewInstance(numFields int) *Node {
	n := g.newNode(OpNewInstance, true)
	n.NumFields = numFields
	return n
}

// NewLoad creates a read of object.field.
func (g *Graph) NewLoad(object *Node, field int) *Node {
	l := g.newNode(OpLoad, true, object)
	l.Field = field
	return l
}

// NewStore creates a write of value into object.field.
func (g *Graph) NewStore(object *Node, field int, value *Node) *Node {
	s := g.newNode(OpStore, true, object, value)
	s.Field = field
	return s
}

// NewBox creates a boxing node around value.
func (g *Graph) NewBox(value *Node) *Node { return g.newNode(OpBox, true, value) }

// NewVirtualObject creates the symbolic stand-in for a virtualized allocation.
// Virtual objects are never attached to the graph.
func (g *Graph) NewVirtualObject(numFields int) *Node {
	v := g.newNode(OpVirtualObject, false)
	v.NumFields = numFields
	return v
}

// NewDetachedCommit creates a commit node materializing a virtual object; its
// inputs are the current entry values. It becomes part of the graph only when the
// corresponding add-fixed-node effect is applied.
func (g *Graph) NewDetachedCommit(entries ...*Node) *Node {
	return g.newNode(OpCommit, false, entries...)
}

// NewDetachedAllocatedObject creates the value of a materialized allocation,
// tied to its commit.
func (g *Graph) NewDetachedAllocatedObject(commit *Node) *Node {
	return g.newNode(OpAllocatedObject, false, commit)
}

// NewPhi creates a value phi on the given merge. The number of inputs must match
// the number of ends registered on the merge.
func (g *Graph) NewPhi(merge *Node, inputs ...*Node) *Node {
	if len(inputs) != len(merge.ends) {
		panic(fmt.Sprintf("ir: phi on %v needs %d inputs, got %d", merge, len(merge.ends), len(inputs)))
	}
	p := g.newNode(OpValuePhi, true, inputs...)
	p.target = merge
	merge.usages = append(merge.usages, p)
	return p
}

// NewDetachedPhi creates a value phi on the given merge with numInputs unset
// input slots; the inputs are filled in by initialize-phi-input effects and the
// phi joins the graph via an add-node effect.
func (g *Graph) NewDetachedPhi(merge *Node, numInputs int) *Node {
	p := g.newNode(OpValuePhi, false, make([]*Node, numInputs)...)
	p.target = merge
	merge.usages = append(merge.usages, p)
	return p
}

// Phis returns the value phis attached to a merge or loop begin.
func (n *Node) Phis() []*Node {
	var phis []*Node
	for _, u := range n.usages {
		if u.op == OpValuePhi && u.target == n && u.alive {
			phis = append(phis, u)
		}
	}
	return phis
}

// Link threads b as the fixed successor of a within a block chain.
func (g *Graph) Link(a, b *Node) {
	a.next = b
	b.prev = a
}

// Attach inserts a detached floating node into the graph.
func (g *Graph) Attach(n *Node) {
	if n.attached {
		panic(fmt.Sprintf("ir: node %v is already attached", n))
	}
	n.attached = true
}

// InsertAfter splices the detached fixed node n into the chain right after anchor.
func (g *Graph) InsertAfter(n, anchor *Node) {
	if !n.FixedWithNext() {
		panic(fmt.Sprintf("ir: cannot insert %v into a fixed chain", n))
	}
	n.next = anchor.next
	if anchor.next != nil {
		anchor.next.prev = n
	}
	anchor.next = n
	n.prev = anchor
	n.attached = true
}

// ReplaceAtUsages replaces every use of old with replacement (which may be nil).
func (g *Graph) ReplaceAtUsages(old, replacement *Node) {
	usages := make([]*Node, len(old.usages))
	copy(usages, old.usages)
	for _, user := range usages {
		for i, in := range user.inputs {
			if in == old {
				user.SetInput(i, replacement)
			}
		}
	}
}

// Unlink removes a fixed node from its chain without touching its value edges.
func (g *Graph) Unlink(n *Node) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev, n.next = nil, nil
}

// kill marks the node dead, unlinks it from the chain and drops its value inputs.
func (g *Graph) kill(n *Node) {
	if n == nil || !n.alive {
		return
	}
	n.alive = false
	g.Unlink(n)
	for _, in := range n.inputs {
		if in != nil {
			in.removeUsage(n)
		}
	}
	for i := range n.inputs {
		n.inputs[i] = nil
	}
}

// KillWithUnusedFloatingInputs kills n and recursively kills any floating input
// left without usages.
func (g *Graph) KillWithUnusedFloatingInputs(n *Node) {
	inputs := make([]*Node, len(n.inputs))
	copy(inputs, n.inputs)
	g.kill(n)
	for _, in := range inputs {
		if in != nil && in.alive && in.IsFloating() && in.HasNoUsages() {
			g.KillWithUnusedFloatingInputs(in)
		}
	}
}

// removeEnd unregisters an end from its merge or loop begin and removes the
// matching input slot from every phi, renumbering the following inputs.
func (g *Graph) removeEnd(merge, end *Node) {
	idx := -1
	for i, e := range merge.ends {
		if e == end {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic(fmt.Sprintf("ir: end %v is not registered on %v", end, merge))
	}
	merge.ends = append(merge.ends[:idx], merge.ends[idx+1:]...)
	for _, phi := range merge.Phis() {
		phi.RemoveInput(idx)
	}
}

// KillIfBranch removes a two-way branch whose condition folded to a constant:
// the contradicted successor subgraph is killed (removing its merge ends and
// renumbering phi inputs) and the surviving branch is spliced into the branch's
// block. This is the only control-flow-restructuring mutation of the graph and
// must run after all phi-input effects have been applied.
func (g *Graph) KillIfBranch(ifNode *Node, trueSurvives bool) {
	if ifNode.op != OpIf {
		panic(fmt.Sprintf("ir: KillIfBranch on %v", ifNode))
	}
	if !ifNode.alive {
		return
	}
	surviving := ifNode.succs[0]
	dead := ifNode.succs[1]
	if !trueSurvives {
		surviving, dead = dead, surviving
	}
	anchor := ifNode.prev
	g.kill(ifNode)
	g.killCFG(dead)
	if surviving.op == OpBegin {
		// splice the surviving block into the branch's block
		next := surviving.next
		g.kill(surviving)
		if anchor != nil && next != nil {
			g.Link(anchor, next)
		}
	} else if anchor != nil {
		g.Link(anchor, surviving)
	}
}

// killCFG kills every node reachable on control flow from the given begin node,
// stopping at merges that remain reachable from other predecessors.
func (g *Graph) killCFG(begin *Node) {
	visited := make(map[*Node]bool)
	var killFrom func(n *Node)
	killFrom = func(n *Node) {
		cur := n
		for cur != nil && !visited[cur] {
			visited[cur] = true
			next := cur.next
			switch cur.op {
			case OpEnd, OpLoopEnd:
				merge := cur.target
				g.removeEnd(merge, cur)
				g.kill(cur)
				if cur.op == OpEnd && len(merge.ends) == 0 {
					for _, phi := range merge.Phis() {
						g.kill(phi)
					}
					killFrom(merge)
				}
				return
			case OpIf, OpInvoke:
				a, b := cur.succs[0], cur.succs[1]
				g.kill(cur)
				killFrom(a)
				killFrom(b)
				return
			case OpReturn:
				g.kill(cur)
				return
			case OpLoopExit:
				for _, p := range cur.proxies {
					g.kill(p)
				}
				g.kill(cur)
			default:
				g.kill(cur)
			}
			cur = next
		}
	}
	killFrom(begin)
}

// ReachableNodes returns the set of node ids reachable from the entry begin node
// via control flow and, transitively, value inputs.
func (g *Graph) ReachableNodes() *intsets.Sparse {
	reachable := &intsets.Sparse{}
	if g.start == nil {
		return reachable
	}
	var visitValue func(n *Node)
	visitValue = func(n *Node) {
		if n == nil || !n.alive || !reachable.Insert(n.id) {
			return
		}
		for _, in := range n.inputs {
			visitValue(in)
		}
	}
	var visitControl func(n *Node)
	visitControl = func(n *Node) {
		for cur := n; cur != nil; cur = cur.next {
			if reachable.Has(cur.id) {
				return
			}
			visitValue(cur)
			for _, phi := range cur.Phis() {
				visitValue(phi)
			}
			switch cur.op {
			case OpIf, OpInvoke:
				visitControl(cur.succs[0])
				visitControl(cur.succs[1])
				return
			case OpEnd, OpLoopEnd:
				if cur.target != nil && cur.target.alive {
					visitControl(cur.target)
				}
				return
			case OpReturn:
				return
			}
		}
	}
	visitControl(g.start)
	return reachable
}
