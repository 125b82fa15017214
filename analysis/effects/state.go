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
	"golang.org/x/tools/container/intsets"
)

// BlockState is the constraint on the per-block abstract state a closure
// threads through the control flow graph. The type parameter is the concrete
// state type itself, so Clone and EquivalentTo stay fully typed.
type BlockState[T any] interface {
	// IsDead reports whether the path carrying this state is unreachable.
	IsDead() bool
	// MarkAsDead marks the path carrying this state unreachable.
	MarkAsDead()
	// Clone returns an independent deep copy of the state.
	Clone() T
	// EquivalentTo reports whether two states describe the same facts. Loop
	// fixed-point iteration stops when the merged backedge state is
	// equivalent to the previous iteration's.
	EquivalentTo(other T) bool
	// AddExceptionEdgeToKill records that the exception successor of the
	// block with the given index can no longer be reached.
	AddExceptionEdgeToKill(blockIndex int)
	// KillsExceptionEdge reports whether the exception successor of the block
	// with the given index was recorded as unreachable.
	KillsExceptionEdge(blockIndex int) bool
}

// BaseState carries the path-liveness bookkeeping shared by every concrete
// block state; concrete states embed it and add their own facts.
type BaseState struct {
	dead           bool
	exceptionEdges intsets.Sparse
}

// IsDead reports whether the path carrying this state is unreachable.
func (s *BaseState) IsDead() bool { return s.dead }

// MarkAsDead marks the path carrying this state unreachable.
func (s *BaseState) MarkAsDead() { s.dead = true }

// AddExceptionEdgeToKill records the exception successor of the given block as
// unreachable.
func (s *BaseState) AddExceptionEdgeToKill(blockIndex int) {
	s.exceptionEdges.Insert(blockIndex)
}

// KillsExceptionEdge reports whether the exception successor of the given block
// was recorded as unreachable.
func (s *BaseState) KillsExceptionEdge(blockIndex int) bool {
	return s.exceptionEdges.Has(blockIndex)
}

// CopyBaseFrom deep-copies the shared bookkeeping from other; concrete Clone
// implementations call it.
func (s *BaseState) CopyBaseFrom(other *BaseState) {
	s.dead = other.dead
	s.exceptionEdges.Copy(&other.exceptionEdges)
}
