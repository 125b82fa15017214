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

// Package effects implements a deferred-mutation fixed-point engine over the
// control flow graph of an ir.Graph. Analyses run as abstract interpretation
// closures that record their graph changes as effects instead of mutating the
// graph while iterating; once every loop has reached a fixed point the recorded
// effects are applied in two passes, first the value-level changes and then the
// control-flow-restructuring ones.
package effects

import (
	"fmt"
	"strings"

	"github.com/virtgraph/virtgraph/analysis/ir"
	"github.com/virtgraph/virtgraph/internal/funcutil"
	"golang.org/x/tools/container/intsets"
)

// Effect is a single deferred graph mutation.
type Effect struct {
	name       string
	structural bool
	apply      func(g *ir.Graph, obsolete *intsets.Sparse)
}

// IsStructural reports whether the effect restructures control flow and is
// therefore deferred to the second application pass.
func (e *Effect) IsStructural() bool { return e.structural }

func (e *Effect) String() string { return e.name }

// EffectList is an ordered list of deferred effects. Each application pass may
// run at most once per list.
type EffectList struct {
	effects              []*Effect
	appliedNonStructural bool
	appliedStructural    bool
}

// NewEffectList returns an empty effect list.
func NewEffectList() *EffectList {
	return &EffectList{}
}

// Len returns the number of recorded effects.
func (l *EffectList) Len() int { return len(l.effects) }

// Clear drops all recorded effects and re-arms the application passes. Loop
// fixed-point iteration clears and refills the lists of the loop body on every
// retry, so only the converged iteration's effects survive.
func (l *EffectList) Clear() {
	l.effects = l.effects[:0]
	l.appliedNonStructural = false
	l.appliedStructural = false
}

// Clone returns an independent copy of the list. Effects themselves are
// immutable and shared.
func (l *EffectList) Clone() *EffectList {
	clone := &EffectList{
		effects:              make([]*Effect, len(l.effects)),
		appliedNonStructural: l.appliedNonStructural,
		appliedStructural:    l.appliedStructural,
	}
	copy(clone.effects, l.effects)
	return clone
}

// AddAll appends every effect of other to the list.
func (l *EffectList) AddAll(other *EffectList) {
	l.effects = append(l.effects, other.effects...)
}

// InsertAll inserts every effect of other at the given position.
func (l *EffectList) InsertAll(other *EffectList, index int) {
	l.effects = append(l.effects[:index], append(append([]*Effect{}, other.effects...), l.effects[index:]...)...)
}

func (l *EffectList) add(name string, structural bool, apply func(g *ir.Graph, obsolete *intsets.Sparse)) {
	l.effects = append(l.effects, &Effect{name: name, structural: structural, apply: apply})
}

// AddFloatingNode records the insertion of a detached floating node.
func (l *EffectList) AddFloatingNode(node *ir.Node) {
	l.add(fmt.Sprintf("add floating %v", node), false, func(g *ir.Graph, _ *intsets.Sparse) {
		g.Attach(node)
	})
}

// AddFixedNodeAfter records the insertion of a detached fixed node into the
// chain right after anchor.
func (l *EffectList) AddFixedNodeAfter(node, anchor *ir.Node) {
	l.add(fmt.Sprintf("add fixed %v after %v", node, anchor), false, func(g *ir.Graph, _ *intsets.Sparse) {
		g.InsertAfter(node, anchor)
	})
}

// DeleteNode records the removal of a node. The node is unlinked from its fixed
// chain when the effect applies and physically deleted once the apply phase has
// verified it is no longer reachable.
func (l *EffectList) DeleteNode(node *ir.Node) {
	l.add(fmt.Sprintf("delete %v", node), false, func(g *ir.Graph, obsolete *intsets.Sparse) {
		if node.FixedWithNext() {
			g.Unlink(node)
		}
		obsolete.Insert(node.ID())
	})
}

// ReplaceAtUsages records the replacement of every use of node with
// replacement.
func (l *EffectList) ReplaceAtUsages(node, replacement *ir.Node) {
	l.add(fmt.Sprintf("replace %v with %v", node, replacement), false, func(g *ir.Graph, _ *intsets.Sparse) {
		g.ReplaceAtUsages(node, replacement)
	})
}

// ReplaceFirstInput records the replacement of the first occurrence of
// oldInput among node's inputs with newInput. Recording it for a node whose
// input was already rewritten by an earlier effect is fine: applying to a node
// that no longer uses oldInput is a no-op.
func (l *EffectList) ReplaceFirstInput(node, oldInput, newInput *ir.Node) {
	l.add(fmt.Sprintf("input %v: %v -> %v", node, oldInput, newInput), false, func(g *ir.Graph, _ *intsets.Sparse) {
		for i := 0; i < node.InputCount(); i++ {
			if node.Input(i) == oldInput {
				node.SetInput(i, newInput)
				return
			}
		}
	})
}

// InitializePhiInput records setting input index of phi to value.
func (l *EffectList) InitializePhiInput(phi *ir.Node, index int, value *ir.Node) {
	l.add(fmt.Sprintf("phi %v [%d] = %v", phi, index, value), false, func(g *ir.Graph, _ *intsets.Sparse) {
		phi.SetInput(index, value)
	})
}

// KillIfBranch records the removal of a branch whose condition folded to the
// given constant. This is a structural effect: it runs in the second pass, when
// every phi input it may renumber has already been initialized.
func (l *EffectList) KillIfBranch(ifNode *ir.Node, trueSurvives bool) {
	l.add(fmt.Sprintf("kill branch %v (true=%t)", ifNode, trueSurvives), true, func(g *ir.Graph, _ *intsets.Sparse) {
		g.KillIfBranch(ifNode, trueSurvives)
	})
}

// Apply runs one application pass over the list: the non-structural effects
// when structural is false, the structural ones when it is true. Applying the
// same pass twice to one list is a bug in the driver and panics.
func (l *EffectList) Apply(g *ir.Graph, obsolete *intsets.Sparse, structural bool) {
	if structural {
		if l.appliedStructural {
			panic("effects: structural pass already applied to this list")
		}
		l.appliedStructural = true
	} else {
		if l.appliedNonStructural {
			panic("effects: non-structural pass already applied to this list")
		}
		l.appliedNonStructural = true
	}
	for _, e := range l.effects {
		if e.structural == structural {
			e.apply(g, obsolete)
		}
	}
}

func (l *EffectList) String() string {
	return strings.Join(funcutil.Map(l.effects, func(e *Effect) string { return e.name }), "; ")
}
