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

// Package ir implements the graph intermediate representation the escape analysis
// engine operates on: a sea-of-nodes style graph where fixed nodes are threaded on
// per-block control chains and floating nodes (constants, phis, virtual objects)
// hang off their usages, plus the control-flow graph (blocks, loops, schedule)
// derived from it.
package ir

import "fmt"

// Op is the kind of a graph node.
type Op uint8

const (
	// OpBegin starts a plain block with a unique predecessor.
	OpBegin Op = iota
	// OpMerge starts a block joining several forward ends. The order of the ends
	// defines the input order of the phis attached to the merge.
	OpMerge
	// OpLoopBegin starts a loop header block. Phi input 0 corresponds to the
	// forward end, inputs 1..n to the loop ends in registration order.
	OpLoopBegin
	// OpLoopExit starts a block that leaves a loop; it carries the proxies for the
	// loop-carried values that survive the exit.
	OpLoopExit
	// OpEnd terminates a block and jumps to a merge.
	OpEnd
	// OpLoopEnd terminates a block and jumps back to its loop header.
	OpLoopEnd
	// OpIf is a two-way branch on a logic value.
	OpIf
	// OpReturn terminates the graph on one path.
	OpReturn
	// OpInvoke is a call that may throw: it has a normal and an exception successor.
	OpInvoke
	// OpParam is a function parameter (floating).
	OpParam
	// OpConst is an integer constant (floating).
	OpConst
	// OpLogicConst is a boolean constant (floating).
	OpLogicConst
	// OpBinOp is a fixed binary operation; Kind holds the operator.
	OpBinOp
	// OpNewInstance allocates an object with NumFields fields.
	OpNewInstance
	// OpLoad reads a field of an object.
	OpLoad
	// OpStore writes a field of an object.
	OpStore
	// OpBox wraps a primitive value in a heap cell (administrative bookkeeping node).
	OpBox
	// OpCommit materializes one or more virtual allocations (administrative).
	OpCommit
	// OpAllocatedObject is the value of an object materialized by a commit
	// (administrative, floating).
	OpAllocatedObject
	// OpVirtualObject is the symbolic stand-in for a virtualized allocation. It is
	// never attached to the graph; it only appears as an analysis alias.
	OpVirtualObject
	// OpValuePhi selects a value per predecessor of a merge.
	OpValuePhi
	// OpProxy carries a loop-internal value across a loop exit.
	OpProxy
)

var opNames = [...]string{
	OpBegin:           "Begin",
	OpMerge:           "Merge",
	OpLoopBegin:       "LoopBegin",
	OpLoopExit:        "LoopExit",
	OpEnd:             "End",
	OpLoopEnd:         "LoopEnd",
	OpIf:              "If",
	OpReturn:          "Return",
	OpInvoke:          "Invoke",
	OpParam:           "Param",
	OpConst:           "Const",
	OpLogicConst:      "LogicConst",
	OpBinOp:           "BinOp",
	OpNewInstance:     "NewInstance",
	OpLoad:            "Load",
	OpStore:           "Store",
	OpBox:             "Box",
	OpCommit:          "Commit",
	OpAllocatedObject: "AllocatedObject",
	OpVirtualObject:   "VirtualObject",
	OpValuePhi:        "ValuePhi",
	OpProxy:           "Proxy",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", op)
}

// Node is a single node of the graph. Value inputs are held in inputs; control flow
// is threaded through next/prev for fixed nodes and through the successor fields of
// the terminators.
type Node struct {
	id    int
	op    Op
	graph *Graph

	inputs []*Node
	usages []*Node

	// fixed-node chain within a block
	next *Node
	prev *Node

	// branch successors: If uses [true, false], Invoke uses [normal, exception]
	succs [2]*Node

	// merge bookkeeping: the ends jumping to an OpMerge, or for an OpLoopBegin the
	// forward end at index 0 followed by the loop ends
	ends []*Node

	// target of an OpEnd/OpLoopEnd, the loop begin of an OpLoopExit/OpProxy,
	// or the merge of an OpValuePhi
	target *Node

	// proxies attached to an OpLoopExit
	proxies []*Node

	alive    bool
	attached bool

	// IntValue is the payload of an OpConst.
	IntValue int64
	// BoolValue is the payload of an OpLogicConst.
	BoolValue bool
	// Kind is the operator of an OpBinOp ("+", "-", "==", "<").
	Kind string
	// Field is the field index of an OpLoad/OpStore.
	Field int
	// NumFields is the field count of an OpNewInstance/OpVirtualObject.
	NumFields int
}

// ID returns the dense identifier of the node within its graph.
func (n *Node) ID() int { return n.id }

// Op returns the node kind.
func (n *Node) Op() Op { return n.op }

// Graph returns the graph owning the node.
func (n *Node) Graph() *Graph { return n.graph }

// IsAlive reports whether the node has not been deleted.
func (n *Node) IsAlive() bool { return n != nil && n.alive }

// IsAttached reports whether the node has been inserted into the graph. Nodes
// created during analysis stay detached until an add-node effect is applied.
func (n *Node) IsAttached() bool { return n != nil && n.attached }

// Inputs returns the value inputs of the node. The slice must not be mutated.
func (n *Node) Inputs() []*Node { return n.inputs }

// Input returns the i-th value input, or nil when it is unset.
func (n *Node) Input(i int) *Node {
	if i < 0 || i >= len(n.inputs) {
		return nil
	}
	return n.inputs[i]
}

// InputCount returns the number of value input slots.
func (n *Node) InputCount() int { return len(n.inputs) }

// Usages returns the nodes that use this node as an input. The slice must not be
// mutated; it may contain a user several times if it uses the node in several slots.
func (n *Node) Usages() []*Node { return n.usages }

// HasNoUsages reports whether nothing uses the node.
func (n *Node) HasNoUsages() bool { return len(n.usages) == 0 }

// Next returns the fixed successor within the block chain.
func (n *Node) Next() *Node { return n.next }

// Predecessor returns the unique control predecessor: the previous node on the
// fixed chain, or the branch this begin node hangs off. Merges and loop begins
// have no unique predecessor and return nil.
func (n *Node) Predecessor() *Node { return n.prev }

// TrueSuccessor returns the begin node of the true branch of an OpIf.
func (n *Node) TrueSuccessor() *Node { return n.succs[0] }

// FalseSuccessor returns the begin node of the false branch of an OpIf.
func (n *Node) FalseSuccessor() *Node { return n.succs[1] }

// NormalSuccessor returns the begin node of the non-throwing path of an OpInvoke.
func (n *Node) NormalSuccessor() *Node { return n.succs[0] }

// ExceptionSuccessor returns the begin node of the exception path of an OpInvoke.
func (n *Node) ExceptionSuccessor() *Node { return n.succs[1] }

// Ends returns the ends feeding an OpMerge, or, for an OpLoopBegin, the forward
// end followed by the loop ends. The order fixes the phi input order.
func (n *Node) Ends() []*Node { return n.ends }

// ForwardEnd returns the forward end of an OpLoopBegin.
func (n *Node) ForwardEnd() *Node {
	if n.op != OpLoopBegin || len(n.ends) == 0 {
		return nil
	}
	return n.ends[0]
}

// NumBackedges returns the number of loop ends registered on an OpLoopBegin.
func (n *Node) NumBackedges() int {
	if n.op != OpLoopBegin {
		return 0
	}
	return len(n.ends) - 1
}

// Target returns the merge of an OpEnd, the loop begin of an OpLoopEnd/OpLoopExit,
// or the merge of an OpValuePhi/OpProxy's loop exit.
func (n *Node) Target() *Node { return n.target }

// Merge returns the merge or loop begin an OpValuePhi belongs to.
func (n *Node) Merge() *Node { return n.target }

// LoopBegin returns the loop begin an OpLoopExit or OpLoopEnd belongs to.
func (n *Node) LoopBegin() *Node { return n.target }

// Proxies returns the alive proxies attached to an OpLoopExit.
func (n *Node) Proxies() []*Node {
	var proxies []*Node
	for _, p := range n.proxies {
		if p.alive {
			proxies = append(proxies, p)
		}
	}
	return proxies
}

// IsBeginKind reports whether the node starts a block.
func (n *Node) IsBeginKind() bool {
	switch n.op {
	case OpBegin, OpMerge, OpLoopBegin, OpLoopExit:
		return true
	}
	return false
}

// IsTerminator reports whether the node ends a block.
func (n *Node) IsTerminator() bool {
	switch n.op {
	case OpIf, OpReturn, OpInvoke, OpEnd, OpLoopEnd:
		return true
	}
	return false
}

// FixedWithNext reports whether the node is a fixed node with a deterministic
// single successor, i.e. a valid anchor for inserting new fixed nodes after it.
func (n *Node) FixedWithNext() bool {
	switch n.op {
	case OpBegin, OpMerge, OpLoopBegin, OpLoopExit, OpBinOp, OpNewInstance, OpLoad, OpStore, OpBox, OpCommit:
		return true
	}
	return false
}

// IsFloating reports whether the node is not part of any fixed chain.
func (n *Node) IsFloating() bool {
	switch n.op {
	case OpParam, OpConst, OpLogicConst, OpAllocatedObject, OpVirtualObject, OpValuePhi, OpProxy:
		return true
	}
	return false
}

// SetInput sets the i-th value input, maintaining usage edges. The slot must exist.
func (n *Node) SetInput(i int, v *Node) {
	if i < 0 || i >= len(n.inputs) {
		panic(fmt.Sprintf("ir: input index %d out of range for %v", i, n))
	}
	if old := n.inputs[i]; old != nil {
		old.removeUsage(n)
	}
	n.inputs[i] = v
	if v != nil {
		v.usages = append(v.usages, n)
	}
}

// RemoveInput removes the i-th value input slot and shifts the following slots
// down, renumbering them. Used when a merge predecessor disappears.
func (n *Node) RemoveInput(i int) {
	if i < 0 || i >= len(n.inputs) {
		panic(fmt.Sprintf("ir: input index %d out of range for %v", i, n))
	}
	if old := n.inputs[i]; old != nil {
		old.removeUsage(n)
	}
	n.inputs = append(n.inputs[:i], n.inputs[i+1:]...)
}

func (n *Node) addUsages() {
	for _, in := range n.inputs {
		if in != nil {
			in.usages = append(in.usages, n)
		}
	}
}

func (n *Node) removeUsage(user *Node) {
	for i, u := range n.usages {
		if u == user {
			n.usages = append(n.usages[:i], n.usages[i+1:]...)
			return
		}
	}
}

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	switch n.op {
	case OpConst:
		return fmt.Sprintf("%d@%s(%d)", n.id, n.op, n.IntValue)
	case OpLogicConst:
		return fmt.Sprintf("%d@%s(%t)", n.id, n.op, n.BoolValue)
	case OpBinOp:
		return fmt.Sprintf("%d@%s(%s)", n.id, n.op, n.Kind)
	case OpLoad, OpStore:
		return fmt.Sprintf("%d@%s(.%d)", n.id, n.op, n.Field)
	default:
		return fmt.Sprintf("%d@%s", n.id, n.op)
	}
}
