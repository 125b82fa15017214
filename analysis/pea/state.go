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

package pea

import (
	"fmt"
	"strings"

	"github.com/virtgraph/virtgraph/analysis/effects"
	"github.com/virtgraph/virtgraph/analysis/ir"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ObjectState tracks one allocation the analysis removed from the graph:
// either still virtual, with the current value of every field, or already
// materialized, in which case only the node standing for the real allocation
// remains relevant.
type ObjectState struct {
	virtual      *ir.Node
	entries      []*ir.Node
	materialized *ir.Node
}

// NewObjectState returns the state of a freshly virtualized object with the
// given field values.
func NewObjectState(virtual *ir.Node, entries []*ir.Node) *ObjectState {
	return &ObjectState{virtual: virtual, entries: entries}
}

// Virtual returns the virtual object node standing for the allocation.
func (o *ObjectState) Virtual() *ir.Node { return o.virtual }

// IsVirtual reports whether the object has not been materialized on this path.
func (o *ObjectState) IsVirtual() bool { return o.materialized == nil }

// Materialized returns the node holding the real allocation, or nil while the
// object is virtual.
func (o *ObjectState) Materialized() *ir.Node { return o.materialized }

// Materialize records the node holding the real allocation.
func (o *ObjectState) Materialize(value *ir.Node) { o.materialized = value }

// Entries returns the current field values.
func (o *ObjectState) Entries() []*ir.Node { return o.entries }

// Entry returns the current value of one field.
func (o *ObjectState) Entry(field int) *ir.Node { return o.entries[field] }

// SetEntry updates the current value of one field.
func (o *ObjectState) SetEntry(field int, value *ir.Node) { o.entries[field] = value }

// Clone returns an independent copy of the object state.
func (o *ObjectState) Clone() *ObjectState {
	entries := make([]*ir.Node, len(o.entries))
	copy(entries, o.entries)
	return &ObjectState{virtual: o.virtual, entries: entries, materialized: o.materialized}
}

// equivalentTo reports whether two object states describe the same facts:
// materialized as the same node, or virtual with identical field values.
func (o *ObjectState) equivalentTo(other *ObjectState) bool {
	if o.virtual != other.virtual || o.materialized != other.materialized {
		return false
	}
	if o.materialized != nil {
		return true
	}
	if len(o.entries) != len(other.entries) {
		return false
	}
	for i, e := range o.entries {
		if e != other.entries[i] {
			return false
		}
	}
	return true
}

func (o *ObjectState) String() string {
	if o.materialized != nil {
		return fmt.Sprintf("%v=mat(%v)", o.virtual, o.materialized)
	}
	fields := make([]string, len(o.entries))
	for i, e := range o.entries {
		fields[i] = fmt.Sprint(e)
	}
	return fmt.Sprintf("%v=[%s]", o.virtual, strings.Join(fields, ","))
}

// State is the abstract state of partial escape analysis at one program point:
// the set of tracked objects, keyed by the id of their virtual object node.
type State struct {
	effects.BaseState
	objects map[int]*ObjectState
}

// NewState returns an empty state.
func NewState() *State {
	return &State{objects: make(map[int]*ObjectState)}
}

// ObjectCount returns the number of tracked objects.
func (s *State) ObjectCount() int { return len(s.objects) }

// GetObjectState returns the state of the object standing behind the given
// virtual object node, or nil if the node is not a tracked virtual object.
func (s *State) GetObjectState(virtual *ir.Node) *ObjectState {
	if virtual == nil || virtual.Op() != ir.OpVirtualObject {
		return nil
	}
	return s.objects[virtual.ID()]
}

// ObjectByID returns the state of the object with the given virtual node id.
func (s *State) ObjectByID(id int) *ObjectState { return s.objects[id] }

// AddObject starts tracking an object.
func (s *State) AddObject(os *ObjectState) {
	s.objects[os.Virtual().ID()] = os
}

// ObjectIDs returns the tracked virtual node ids in increasing order.
func (s *State) ObjectIDs() []int {
	ids := maps.Keys(s.objects)
	slices.Sort(ids)
	return ids
}

// Clone returns an independent deep copy of the state.
func (s *State) Clone() *State {
	clone := NewState()
	clone.CopyBaseFrom(&s.BaseState)
	for id, os := range s.objects {
		clone.objects[id] = os.Clone()
	}
	return clone
}

// EquivalentTo reports whether two states describe the same facts. Loop
// iteration stops when the merged backedge state reaches equivalence.
func (s *State) EquivalentTo(other *State) bool {
	if s.IsDead() != other.IsDead() {
		return false
	}
	if len(s.objects) != len(other.objects) {
		return false
	}
	for id, os := range s.objects {
		otherOS := other.objects[id]
		if otherOS == nil || !os.equivalentTo(otherOS) {
			return false
		}
	}
	return true
}

func (s *State) String() string {
	if s.IsDead() {
		return "dead"
	}
	parts := make([]string, 0, len(s.objects))
	for _, id := range s.ObjectIDs() {
		parts = append(parts, s.objects[id].String())
	}
	return "{" + strings.Join(parts, " ") + "}"
}
