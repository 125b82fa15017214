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
	"gonum.org/v1/gonum/graph"
)

// blockGraph is an abstraction over the block adjacency of a CFG to work with
// existing graph libraries. It implements the methods to satisfy graph.Iterator
// and Gonum's graph.Directed, with node ids equal to block indices.
type blockGraph struct {
	blocks []*Block
}

// Order implements the order of the graph.Iterator interface
func (bg blockGraph) Order() int {
	return len(bg.blocks)
}

// Visit implements the graph.Iterator interface
func (bg blockGraph) Visit(v int, do func(w int, c int64) (skip bool)) (aborted bool) {
	if v < 0 || v >= len(bg.blocks) {
		return false
	}
	for _, s := range bg.blocks[v].succs {
		if do(s.index, 1) {
			return true
		}
	}
	return false
}

// *************** Directed interface implementation **********************

// Node implements the Graph interface
func (bg blockGraph) Node(id int64) graph.Node {
	if id < 0 || id >= int64(len(bg.blocks)) {
		return nil
	}
	return blockNode{bg.blocks[id]}
}

// Nodes returns the set of nodes in the graph
func (bg blockGraph) Nodes() graph.Nodes {
	ids := make([]int, len(bg.blocks))
	for i := range bg.blocks {
		ids[i] = i
	}
	return &blockSet{blocks: bg.blocks, ids: ids, cur: -1}
}

// From returns the set of nodes reachable from the id
func (bg blockGraph) From(id int64) graph.Nodes {
	var ids []int
	for _, s := range bg.blocks[id].succs {
		ids = append(ids, s.index)
	}
	return &blockSet{blocks: bg.blocks, ids: ids, cur: -1}
}

// To returns the set of nodes with an edge to the id
func (bg blockGraph) To(id int64) graph.Nodes {
	var ids []int
	for _, p := range bg.blocks[id].preds {
		ids = append(ids, p.index)
	}
	return &blockSet{blocks: bg.blocks, ids: ids, cur: -1}
}

// HasEdgeBetween returns whether an edge exists between the two block indices
func (bg blockGraph) HasEdgeBetween(xid, yid int64) bool {
	return bg.HasEdgeFromTo(xid, yid) || bg.HasEdgeFromTo(yid, xid)
}

// HasEdgeFromTo returns whether a directed edge exists between the two indices
func (bg blockGraph) HasEdgeFromTo(uid, vid int64) bool {
	for _, s := range bg.blocks[uid].succs {
		if int64(s.index) == vid {
			return true
		}
	}
	return false
}

// Edge returns the edge between the two identifiers (nil if none exists)
func (bg blockGraph) Edge(uid, vid int64) graph.Edge {
	if bg.HasEdgeFromTo(uid, vid) {
		return blockEdge{from: blockNode{bg.blocks[uid]}, to: blockNode{bg.blocks[vid]}}
	}
	return nil
}

// blockNode is a wrapper around a *Block that implements the graph.Node interface
type blockNode struct {
	block *Block
}

// ID returns the id of the node
func (n blockNode) ID() int64 {
	return int64(n.block.index)
}

// blockSet implements the graph.Nodes interface, an iterator over a set of blocks
type blockSet struct {
	blocks []*Block
	ids    []int
	cur    int
}

// Next moves the iterator to the next node and returns whether one exists.
func (ns *blockSet) Next() bool {
	if ns.cur < len(ns.ids)-1 {
		ns.cur++
		return true
	}
	return false
}

// Len returns the number of nodes remaining in the set
func (ns *blockSet) Len() int {
	return len(ns.ids) - ns.cur - 1
}

// Reset restores the iterator to its initial position
func (ns *blockSet) Reset() {
	ns.cur = -1
}

// Node returns the current node in the set
func (ns *blockSet) Node() graph.Node {
	return blockNode{ns.blocks[ns.ids[ns.cur]]}
}

// blockEdge implements the graph.Edge interface
type blockEdge struct {
	from blockNode
	to   blockNode
}

// From returns the origin of the edge
func (e blockEdge) From() graph.Node {
	return e.from
}

// To returns the destination of the edge
func (e blockEdge) To() graph.Node {
	return e.to
}

// ReversedEdge returns a new value representing the reversed edge
func (e blockEdge) ReversedEdge() graph.Edge {
	return blockEdge{from: e.to, to: e.from}
}
