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

// MergeProcessor carries the context of one state merge: the alive predecessor
// states in phi input order, the original predecessor positions they arrived
// at, and the two effect lists the merge may record into. MergeEffects run
// before everything else recorded at the merge block (new phis, new
// materializations), AfterMergeEffects run after them (phi input
// initialization).
//
// A merge processor lives as long as its merge block is being analyzed. Loop
// fixed-point iteration resets it between passes but keeps the cache of phis it
// created, so a phi introduced for one abstract value keeps its identity across
// iterations and the merged states can become equivalent.
type MergeProcessor[T any] struct {
	merge             *ir.Block
	stateIndexes      []int
	states            []T
	newState          T
	phiCache          map[any]*ir.Node
	MergeEffects      *EffectList
	AfterMergeEffects *EffectList
}

// NewMergeProcessor returns a merge processor for the given merge block.
func NewMergeProcessor[T any](merge *ir.Block) *MergeProcessor[T] {
	return &MergeProcessor[T]{
		merge:             merge,
		phiCache:          make(map[any]*ir.Node),
		MergeEffects:      NewEffectList(),
		AfterMergeEffects: NewEffectList(),
	}
}

// Reset installs the alive states for a new merge pass; stateIndexes maps each
// state to its original predecessor position. Recorded effects are dropped, the
// phi cache is kept.
func (mp *MergeProcessor[T]) Reset(states []T, stateIndexes []int) {
	mp.states = states
	mp.stateIndexes = stateIndexes
	var zero T
	mp.newState = zero
	mp.MergeEffects.Clear()
	mp.AfterMergeEffects.Clear()
}

// Merge returns the merge block.
func (mp *MergeProcessor[T]) Merge() *ir.Block { return mp.merge }

// StateCount returns the number of alive predecessor states.
func (mp *MergeProcessor[T]) StateCount() int { return len(mp.states) }

// State returns the i-th alive predecessor state.
func (mp *MergeProcessor[T]) State(i int) T { return mp.states[i] }

// States returns the alive predecessor states in phi input order.
func (mp *MergeProcessor[T]) States() []T { return mp.states }

// PredecessorIndex returns the original predecessor position of the i-th alive
// state, which is also its phi input slot.
func (mp *MergeProcessor[T]) PredecessorIndex(i int) int { return mp.stateIndexes[i] }

// PredecessorBlock returns the predecessor block the i-th alive state arrived
// from.
func (mp *MergeProcessor[T]) PredecessorBlock(i int) *ir.Block {
	return mp.merge.Predecessors()[mp.stateIndexes[i]]
}

// TotalPredecessorCount returns the number of predecessors of the merge block,
// alive or not. New phis are created with this many input slots.
func (mp *MergeProcessor[T]) TotalPredecessorCount() int {
	return len(mp.merge.Predecessors())
}

// SetNewState installs the merged state.
func (mp *MergeProcessor[T]) SetNewState(state T) { mp.newState = state }

// NewState returns the merged state.
func (mp *MergeProcessor[T]) NewState() T { return mp.newState }

// GetPhi returns the phi created for the given key, creating a detached one
// with one input slot per predecessor on first use. Its insertion is recorded
// in MergeEffects on every pass, so the surviving pass carries it. Inputs are
// set with SetPhiInput.
func (mp *MergeProcessor[T]) GetPhi(g *ir.Graph, key any) *ir.Node {
	phi := mp.phiCache[key]
	if phi == nil {
		phi = g.NewDetachedPhi(mp.merge.Begin(), mp.TotalPredecessorCount())
		mp.phiCache[key] = phi
	}
	mp.MergeEffects.AddFloatingNode(phi)
	return phi
}

// SetPhiInput records the initialization of the phi input belonging to the
// i-th alive state.
func (mp *MergeProcessor[T]) SetPhiInput(phi *ir.Node, i int, value *ir.Node) {
	if i < 0 || i >= len(mp.stateIndexes) {
		panic(fmt.Sprintf("effects: no alive state %d at %v", i, mp.merge))
	}
	mp.AfterMergeEffects.InitializePhiInput(phi, mp.stateIndexes[i], value)
}
