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
	"sort"

	"github.com/virtgraph/virtgraph/internal/funcutil"
	ybgraph "github.com/yourbasic/graph"
	"gonum.org/v1/gonum/graph/flow"
)

// Block is a maximal straight-line sequence of fixed nodes. The begin node is
// one of OpBegin, OpMerge, OpLoopBegin or OpLoopExit; the end node is the
// block's terminator.
type Block struct {
	index int
	begin *Node
	end   *Node
	succs []*Block
	preds []*Block
	loop  *Loop
	idom  *Block
}

// Index returns the block's reverse-postorder position.
func (b *Block) Index() int { return b.index }

// Begin returns the block's first fixed node.
func (b *Block) Begin() *Node { return b.begin }

// End returns the block's terminator.
func (b *Block) End() *Node { return b.end }

// Successors returns the successor blocks. If the terminator is a branch, the
// true (or normal) successor comes first.
func (b *Block) Successors() []*Block { return b.succs }

// Predecessors returns the predecessor blocks. For a merge block the order
// matches the merge's end order, hence the phi input order.
func (b *Block) Predecessors() []*Block { return b.preds }

// Loop returns the innermost loop containing the block, or nil.
func (b *Block) Loop() *Loop { return b.loop }

// Dominator returns the block's immediate dominator, nil for the entry block.
func (b *Block) Dominator() *Block { return b.idom }

// IsLoopHeader reports whether the block begins with a loop begin node.
func (b *Block) IsLoopHeader() bool { return b.begin.op == OpLoopBegin }

// IsLoopExit reports whether the block begins with a loop exit node.
func (b *Block) IsLoopExit() bool { return b.begin.op == OpLoopExit }

// Nodes returns the fixed nodes of the block in execution order.
func (b *Block) Nodes() []*Node {
	var nodes []*Node
	for n := b.begin; n != nil; n = n.next {
		nodes = append(nodes, n)
		if n == b.end {
			break
		}
	}
	return nodes
}

func (b *Block) String() string {
	return fmt.Sprintf("B%d(%v)", b.index, b.begin)
}

// Loop is one loop of the loop forest.
type Loop struct {
	header   *Block
	parent   *Loop
	children []*Loop
	blocks   []*Block
	exits    []*Block
	ends     []*Block
	depth    int
}

// Header returns the loop's header block.
func (l *Loop) Header() *Block { return l.header }

// LoopBegin returns the loop begin node of the header.
func (l *Loop) LoopBegin() *Node { return l.header.begin }

// Parent returns the enclosing loop, or nil for a top-level loop.
func (l *Loop) Parent() *Loop { return l.parent }

// Children returns the directly nested loops.
func (l *Loop) Children() []*Loop { return l.children }

// Blocks returns the loop body including the header, in reverse postorder.
func (l *Loop) Blocks() []*Block { return l.blocks }

// Exits returns the loop exit blocks, in reverse postorder.
func (l *Loop) Exits() []*Block { return l.exits }

// Ends returns the blocks ending in a backedge, in the loop begin's end order.
// Phi inputs for backedge i live at input position i+1.
func (l *Loop) Ends() []*Block { return l.ends }

// Depth returns the nesting depth, 1 for a top-level loop.
func (l *Loop) Depth() int { return l.depth }

// Contains reports whether the block belongs to the loop body.
func (l *Loop) Contains(b *Block) bool {
	for lp := b.loop; lp != nil; lp = lp.parent {
		if lp == l {
			return true
		}
	}
	return false
}

func (l *Loop) String() string {
	return fmt.Sprintf("loop %v depth %d", l.header, l.depth)
}

// CFG is the control flow graph of one graph: its blocks in reverse postorder
// plus the loop forest.
type CFG struct {
	graph   *Graph
	blocks  []*Block
	entry   *Block
	loops   []*Loop
	blockOf []*Block
}

// Graph returns the underlying node graph.
func (c *CFG) Graph() *Graph { return c.graph }

// Blocks returns all blocks in reverse postorder.
func (c *CFG) Blocks() []*Block { return c.blocks }

// Entry returns the entry block.
func (c *CFG) Entry() *Block { return c.entry }

// Loops returns every loop of the forest, outer loops before their children.
func (c *CFG) Loops() []*Loop { return c.loops }

// TopLevelLoops returns the loops with no enclosing loop.
func (c *CFG) TopLevelLoops() []*Loop {
	var top []*Loop
	for _, l := range c.loops {
		if l.parent == nil {
			top = append(top, l)
		}
	}
	return top
}

// MaxLoopDepth returns the deepest nesting level of the loop forest.
func (c *CFG) MaxLoopDepth() int {
	max := 0
	for _, l := range c.loops {
		if l.depth > max {
			max = l.depth
		}
	}
	return max
}

// BlockFor returns the block containing the given fixed node.
func (c *CFG) BlockFor(n *Node) *Block {
	if n.id < len(c.blockOf) {
		return c.blockOf[n.id]
	}
	return nil
}

// BuildCFG derives the block structure, dominator tree and loop forest of the
// graph reachable from the entry begin node. It returns an error if a block
// chain is not properly terminated or if the control flow is irreducible.
func BuildCFG(g *Graph, entry *Node) (*CFG, error) {
	if !entry.IsBeginKind() {
		return nil, fmt.Errorf("entry node %v is not a block begin", entry)
	}
	g.SetStart(entry)

	blockFor := make(map[*Node]*Block)
	var discover func(begin *Node) (*Block, error)
	discover = func(begin *Node) (*Block, error) {
		if b, ok := blockFor[begin]; ok {
			return b, nil
		}
		b := &Block{begin: begin, index: -1}
		blockFor[begin] = b
		end := begin
		for end.next != nil {
			end = end.next
		}
		b.end = end
		var succBegins []*Node
		switch end.op {
		case OpIf, OpInvoke:
			succBegins = []*Node{end.succs[0], end.succs[1]}
		case OpEnd, OpLoopEnd:
			succBegins = []*Node{end.target}
		case OpReturn:
		default:
			return nil, fmt.Errorf("block at %v has no terminator (ends at %v)", begin, end)
		}
		for _, sb := range succBegins {
			if sb == nil {
				return nil, fmt.Errorf("terminator %v has a missing successor", end)
			}
			sblock, err := discover(sb)
			if err != nil {
				return nil, err
			}
			b.succs = append(b.succs, sblock)
		}
		return b, nil
	}
	entryBlock, err := discover(entry)
	if err != nil {
		return nil, err
	}

	// reverse postorder, visiting true/normal successors first
	var postorder []*Block
	visited := make(map[*Block]bool)
	var dfs func(b *Block)
	dfs = func(b *Block) {
		if visited[b] {
			return
		}
		visited[b] = true
		for _, s := range b.succs {
			dfs(s)
		}
		postorder = append(postorder, b)
	}
	dfs(entryBlock)
	funcutil.Reverse(postorder)
	blocks := postorder
	for i, b := range blocks {
		b.index = i
	}

	// predecessors: merge blocks keep the merge end order so that predecessor
	// positions line up with phi inputs
	for _, b := range blocks {
		begin := b.begin
		if len(begin.ends) > 0 {
			for _, e := range begin.ends {
				pb := blockFor[blockBeginOf(e)]
				if pb == nil {
					return nil, fmt.Errorf("end %v of %v is unreachable", e, begin)
				}
				b.preds = append(b.preds, pb)
			}
		}
	}
	for _, b := range blocks {
		for _, s := range b.succs {
			if len(s.begin.ends) == 0 {
				s.preds = append(s.preds, b)
			}
		}
	}

	cfg := &CFG{graph: g, blocks: blocks, entry: entryBlock}
	cfg.blockOf = make([]*Block, g.NodeCount())
	for _, b := range blocks {
		for _, n := range b.Nodes() {
			cfg.blockOf[n.id] = b
		}
	}

	bg := blockGraph{blocks: blocks}
	if err := checkReducible(bg, blocks); err != nil {
		return nil, err
	}

	dt := flow.Dominators(bg.Node(0), bg)
	for _, b := range blocks[1:] {
		idom := dt.DominatorOf(int64(b.index))
		if idom == nil {
			return nil, fmt.Errorf("block %v has no dominator", b)
		}
		b.idom = blocks[idom.ID()]
	}

	if err := buildLoopForest(cfg, blockFor); err != nil {
		return nil, err
	}
	return cfg, nil
}

// blockBeginOf walks back along the fixed chain to the begin node.
func blockBeginOf(n *Node) *Node {
	cur := n
	for cur.prev != nil && cur.prev.next == cur {
		cur = cur.prev
	}
	return cur
}

// checkReducible verifies that every strongly connected component of the block
// graph is entered only through a loop header.
func checkReducible(bg blockGraph, blocks []*Block) error {
	for _, component := range ybgraph.StrongComponents(bg) {
		if len(component) < 2 {
			continue
		}
		inComponent := make(map[int]bool, len(component))
		for _, v := range component {
			inComponent[v] = true
		}
		var entries []*Block
		for _, v := range component {
			enteredFromOutside := funcutil.Exists(blocks[v].preds, func(p *Block) bool {
				return !inComponent[p.index]
			})
			if enteredFromOutside {
				entries = append(entries, blocks[v])
			}
		}
		if len(entries) != 1 || !entries[0].IsLoopHeader() {
			return fmt.Errorf("irreducible control flow: cycle through %v has %d entries", blocks[component[0]], len(entries))
		}
	}
	return nil
}

// buildLoopForest derives natural loop bodies from the backedges, nests them by
// inclusion and records exits and backedge blocks per loop.
func buildLoopForest(cfg *CFG, blockFor map[*Node]*Block) error {
	var loops []*Loop
	for _, b := range cfg.blocks {
		if !b.IsLoopHeader() {
			continue
		}
		l := &Loop{header: b}
		body := map[*Block]bool{b: true}
		// backward walk from each backedge block
		var stack []*Block
		for _, e := range b.begin.ends[1:] {
			eb := blockFor[blockBeginOf(e)]
			if eb == nil {
				return fmt.Errorf("backedge %v of %v is unreachable", e, b.begin)
			}
			if !body[eb] {
				body[eb] = true
				stack = append(stack, eb)
			}
			l.ends = append(l.ends, eb)
		}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, p := range cur.preds {
				if !body[p] {
					body[p] = true
					stack = append(stack, p)
				}
			}
		}
		for _, blk := range cfg.blocks {
			if body[blk] {
				l.blocks = append(l.blocks, blk)
			}
			if blk.IsLoopExit() && blk.begin.target == b.begin {
				l.exits = append(l.exits, blk)
			}
		}
		loops = append(loops, l)
	}

	// innermost-first by body size; ties broken by header order
	ordered := make([]*Loop, len(loops))
	copy(ordered, loops)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].blocks) < len(ordered[j].blocks)
	})
	for _, l := range ordered {
		for _, b := range l.blocks {
			if b.loop == nil {
				b.loop = l
			}
		}
	}
	for _, l := range ordered {
		for _, outer := range ordered {
			if outer == l || len(outer.blocks) < len(l.blocks) {
				continue
			}
			if funcutil.Contains(outer.blocks, l.header) {
				l.parent = outer
				break
			}
		}
	}
	// depth and child links, outer loops first
	sort.SliceStable(loops, func(i, j int) bool {
		return len(loops[i].blocks) > len(loops[j].blocks)
	})
	for _, l := range loops {
		if l.parent == nil {
			l.depth = 1
		} else {
			l.depth = l.parent.depth + 1
			l.parent.children = append(l.parent.children, l)
		}
	}
	cfg.loops = loops
	return nil
}
