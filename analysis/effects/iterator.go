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
	"fmt"

	"github.com/virtgraph/virtgraph/analysis/ir"
)

// BlockClosure is the callback set of the reentrant block iterator. States flow
// along control flow edges in reverse postorder; loops are handed to
// ProcessLoop as a whole, which typically calls ProcessLoopBody one or more
// times to drive its body to a fixed point.
type BlockClosure[S any] interface {
	// ProcessBlock interprets one block and returns the state after it.
	ProcessBlock(block *ir.Block, state S) (S, error)
	// MergeStates combines the predecessor states arriving at a merge block.
	// The slice is ordered like the merge's predecessors (phi input order).
	MergeStates(merge *ir.Block, states []S) (S, error)
	// CloneState deep-copies a state when control flow splits.
	CloneState(state S) S
	// ProcessLoop interprets a whole loop given the state at its entry and
	// returns the states at its backedges and exits.
	ProcessLoop(loop *ir.Loop, initialState S) (LoopInfo[S], error)
}

// LoopInfo carries the states leaving one loop: EndStates holds the state at
// each backedge in the loop's end order, ExitStates the state at each loop exit
// block in the loop's exit order. escaped holds states for exit blocks of
// nested loops that leave this loop too (an early return out of a loop nest);
// they belong to an enclosing scope and are delivered there.
type LoopInfo[S any] struct {
	EndStates  []S
	ExitStates []S

	escaped map[*ir.Block]S
}

// Iterate drives the closure over every block of the CFG, entering loops
// through ProcessLoop.
func Iterate[S any](c BlockClosure[S], cfg *ir.CFG, initialState S) error {
	_, err := iterateScope(c, cfg, nil, initialState)
	return err
}

// ProcessLoopBody runs one pass of the closure over the body of the loop,
// starting the header with initialState, and collects the backedge and exit
// states. Nested loops are entered through ProcessLoop.
func ProcessLoopBody[S any](c BlockClosure[S], cfg *ir.CFG, loop *ir.Loop, initialState S) (LoopInfo[S], error) {
	info, err := iterateScope(c, cfg, loop, initialState)
	if err != nil {
		return LoopInfo[S]{}, err
	}
	return *info, nil
}

// iterateScope scans the blocks of one scope (the whole graph when scope is
// nil, otherwise one loop body) in reverse postorder. Within a scope every
// predecessor of a block is scanned before the block itself, backedges
// excepted, so states can be delivered along edges in a single pass.
func iterateScope[S any](c BlockClosure[S], cfg *ir.CFG, scope *ir.Loop, entryState S) (*LoopInfo[S], error) {
	var blocks []*ir.Block
	var entry *ir.Block
	if scope == nil {
		blocks = cfg.Blocks()
		entry = cfg.Entry()
	} else {
		blocks = scope.Blocks()
		entry = scope.Header()
	}

	info := &LoopInfo[S]{}
	if scope != nil {
		info.EndStates = make([]S, len(scope.Ends()))
		info.ExitStates = make([]S, len(scope.Exits()))
	}

	incoming := make(map[*ir.Block][]S)
	arrived := make(map[*ir.Block]int)
	deliver := func(b *ir.Block, from *ir.Block, state S) {
		slots := incoming[b]
		if slots == nil {
			slots = make([]S, len(b.Predecessors()))
			incoming[b] = slots
		}
		for i, p := range b.Predecessors() {
			if p == from {
				slots[i] = state
				arrived[b]++
				return
			}
		}
		panic(fmt.Sprintf("effects: block %v is not a predecessor of %v", from, b))
	}

	// deliverExit routes a loop exit state: exits inside this scope receive it
	// like any forward edge, exits of an enclosing scope are stashed for the
	// caller to deliver.
	deliverExit := func(exit *ir.Block, state S) {
		if scope == nil || scope.Contains(exit) {
			deliver(exit, exit.Predecessors()[0], state)
			return
		}
		if info.escaped == nil {
			info.escaped = make(map[*ir.Block]S)
		}
		info.escaped[exit] = state
	}

	distribute := func(b *ir.Block, state S) error {
		cloned := false
		for _, s := range b.Successors() {
			out := state
			if cloned {
				out = c.CloneState(state)
			}
			cloned = true
			if scope != nil && s == scope.Header() {
				for i, eb := range scope.Ends() {
					if eb == b {
						info.EndStates[i] = out
					}
				}
				continue
			}
			if scope != nil && s.IsLoopExit() && s.Begin().Target() == scope.LoopBegin() {
				for i, eb := range scope.Exits() {
					if eb == s {
						info.ExitStates[i] = out
					}
				}
				continue
			}
			deliver(s, b, out)
		}
		return nil
	}

	for _, b := range blocks {
		var state S
		switch {
		case b == entry:
			state = entryState
		case scope == nil && b.Loop() != nil, scope != nil && b.Loop() != scope:
			// block belongs to a nested loop: enter it at its header, skip
			// the rest of its body
			inner := innerLoopOf(b, scope)
			if inner == nil || b != inner.Header() {
				continue
			}
			forward := len(b.Predecessors()) - inner.LoopBegin().NumBackedges()
			if arrived[b] != forward {
				return nil, fmt.Errorf("loop header %v entered with %d of %d forward states", b, arrived[b], forward)
			}
			loopInfo, err := c.ProcessLoop(inner, incoming[b][0])
			if err != nil {
				return nil, err
			}
			for i, exit := range inner.Exits() {
				deliverExit(exit, loopInfo.ExitStates[i])
			}
			for exit, es := range loopInfo.escaped {
				deliverExit(exit, es)
			}
			continue
		case len(b.Predecessors()) == 1:
			if arrived[b] != 1 {
				return nil, fmt.Errorf("block %v scanned before its predecessor", b)
			}
			state = incoming[b][0]
		default:
			if arrived[b] != len(b.Predecessors()) {
				return nil, fmt.Errorf("merge %v scanned with %d of %d states", b, arrived[b], len(b.Predecessors()))
			}
			merged, err := c.MergeStates(b, incoming[b])
			if err != nil {
				return nil, err
			}
			state = merged
		}
		out, err := c.ProcessBlock(b, state)
		if err != nil {
			return nil, err
		}
		if err := distribute(b, out); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// innerLoopOf returns the direct child loop of scope that contains b, or nil.
func innerLoopOf(b *ir.Block, scope *ir.Loop) *ir.Loop {
	for l := b.Loop(); l != nil; l = l.Parent() {
		if l.Parent() == scope {
			return l
		}
	}
	return nil
}
