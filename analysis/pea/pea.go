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

// Package pea implements partial escape analysis: allocations are removed from
// the graph and tracked as virtual objects for as long as they do not escape,
// loads and stores on them fold into the abstract state, and objects are
// materialized back into real allocations only on the paths that actually let
// them escape.
package pea

import (
	"context"
	"fmt"

	"github.com/virtgraph/virtgraph/analysis/config"
	"github.com/virtgraph/virtgraph/analysis/effects"
	"github.com/virtgraph/virtgraph/analysis/ir"
	"github.com/virtgraph/virtgraph/internal/funcutil"
	"golang.org/x/tools/container/intsets"
)

// escapeAnalysisRounds bounds how many analyze-and-apply rounds Run performs;
// a round that changes the graph can expose more virtualization opportunities.
const escapeAnalysisRounds = 2

// Stats summarizes what the analysis did to the graph.
type Stats struct {
	// Virtualized counts allocations removed from the graph.
	Virtualized int
	// Materialized counts the allocations re-created on escaping paths.
	Materialized int
	// Rounds counts the analyze-and-apply rounds performed.
	Rounds int
}

// Run drives partial escape analysis over the graph reachable from entry until
// nothing changes anymore, applying the recorded effects after each round.
func Run(ctx context.Context, g *ir.Graph, entry *ir.Node, conf *config.Config, log *config.LogGroup) (Stats, error) {
	total := Stats{}
	for round := 1; round <= escapeAnalysisRounds; round++ {
		cfg, err := ir.BuildCFG(g, entry)
		if err != nil {
			return total, fmt.Errorf("building CFG: %w", err)
		}
		aliases := effects.NewAliasMap(g.NodeCount())
		v := newVirtualizer(g, aliases, conf, log)
		closure := effects.NewClosure[*State](cfg, v, aliases, log, &conf.Options)
		if err := closure.Run(ctx); err != nil {
			return total, err
		}
		if !closure.HasChanged() {
			return total, nil
		}
		if err := closure.ApplyEffects(); err != nil {
			return total, err
		}
		total.Virtualized += v.stats.Virtualized
		total.Materialized += v.stats.Materialized
		total.Rounds = round
		log.Infof("escape analysis round %d: %d virtualized, %d materialized",
			round, v.stats.Virtualized, v.stats.Materialized)
	}
	return total, nil
}

// phiKey identifies the phi a merge creates for one abstract value, so the phi
// keeps its identity across loop iterations. Field is -1 for the phi merging a
// partially materialized object's value.
type phiKey struct {
	object int
	field  int
}

// virtualizer is the partial escape analysis policy driven by effects.Closure.
type virtualizer struct {
	graph   *ir.Graph
	aliases *effects.AliasMap
	log     *config.LogGroup

	maxObjects int
	zero       *ir.Node

	virtualized intsets.Sparse
	stats       Stats
}

func newVirtualizer(g *ir.Graph, aliases *effects.AliasMap, conf *config.Config, log *config.LogGroup) *virtualizer {
	return &virtualizer{
		graph:      g,
		aliases:    aliases,
		log:        log,
		maxObjects: conf.MaxVirtualObjects,
		zero:       g.NewConst(0),
	}
}

// InitialState implements effects.Virtualizer.
func (v *virtualizer) InitialState() *State { return NewState() }

// CloneState implements effects.Virtualizer.
func (v *virtualizer) CloneState(s *State) *State { return s.Clone() }

// ProcessNode interprets one fixed node. Allocations become virtual objects,
// loads and stores on virtual objects fold into the state, comparisons of
// known scalars fold to constants, and every other node forces its virtual
// inputs to materialize.
func (v *virtualizer) ProcessNode(node *ir.Node, state *State, el *effects.EffectList, lastFixed *ir.Node, mode effects.Mode) (bool, error) {
	switch node.Op() {
	case ir.OpNewInstance:
		return v.virtualize(node, node.NumFields, nil, state, el, lastFixed, mode)

	case ir.OpBox:
		return v.virtualize(node, 1, []*ir.Node{v.aliases.Get(node.Input(0))}, state, el, lastFixed, mode)

	case ir.OpLoad, ir.OpStore:
		obj := v.aliases.Get(node.Input(0))
		if os := state.GetObjectState(obj); os != nil && os.IsVirtual() {
			if node.Op() == ir.OpLoad {
				v.aliases.Set(node, v.aliases.Get(os.Entry(node.Field)))
			} else {
				os.SetEntry(node.Field, v.aliases.Get(node.Input(1)))
			}
			el.DeleteNode(node)
			return true, nil
		}
		return false, v.processInputs(node, state, el, lastFixed)

	case ir.OpBinOp:
		if v.foldBinOp(node, el) {
			return true, nil
		}
		return false, v.processInputs(node, state, el, lastFixed)

	default:
		return false, v.processInputs(node, state, el, lastFixed)
	}
}

// virtualize starts tracking an allocation as a virtual object and deletes the
// allocation node. Outside RegularVirtualization mode the allocation stays.
func (v *virtualizer) virtualize(node *ir.Node, numFields int, entries []*ir.Node, state *State, el *effects.EffectList, lastFixed *ir.Node, mode effects.Mode) (bool, error) {
	if mode != effects.RegularVirtualization {
		return false, v.processInputs(node, state, el, lastFixed)
	}
	if state.ObjectCount() >= v.maxObjects {
		return false, fmt.Errorf("tracking %d objects at %v: %w", state.ObjectCount(), node, effects.ErrOverflow)
	}
	virtual := v.graph.NewVirtualObject(numFields)
	if entries == nil {
		entries = make([]*ir.Node, numFields)
		for i := range entries {
			entries[i] = v.zero
		}
	}
	state.AddObject(NewObjectState(virtual, entries))
	v.aliases.Set(node, virtual)
	el.DeleteNode(node)
	v.virtualized.Insert(node.ID())
	v.stats.Virtualized++
	if v.log.LogsTrace() {
		v.log.Tracef("virtualized %v as %v", node, virtual)
	}
	return true, nil
}

// foldBinOp folds an operation whose operands alias known constants, aliasing
// the node to the folded constant. Folded comparisons feed the dead branch
// elimination of the closure.
func (v *virtualizer) foldBinOp(node *ir.Node, el *effects.EffectList) bool {
	x := v.aliases.GetScalarAlias(node.Input(0))
	y := v.aliases.GetScalarAlias(node.Input(1))
	if x.Op() != ir.OpConst || y.Op() != ir.OpConst {
		return false
	}
	var folded *ir.Node
	switch node.Kind {
	case "==":
		folded = v.graph.NewDetachedLogicConst(x.IntValue == y.IntValue)
	case "!=":
		folded = v.graph.NewDetachedLogicConst(x.IntValue != y.IntValue)
	case "<":
		folded = v.graph.NewDetachedLogicConst(x.IntValue < y.IntValue)
	case "+":
		folded = v.graph.NewDetachedConst(x.IntValue + y.IntValue)
	case "-":
		folded = v.graph.NewDetachedConst(x.IntValue - y.IntValue)
	case "*":
		folded = v.graph.NewDetachedConst(x.IntValue * y.IntValue)
	default:
		return false
	}
	el.AddFloatingNode(folded)
	v.aliases.Set(node, folded)
	el.DeleteNode(node)
	return true
}

// processInputs rewrites the inputs of a node that cannot be virtualized:
// virtual objects flowing into it escape and are materialized before the node,
// scalar-replaced values are swapped in directly.
func (v *virtualizer) processInputs(node *ir.Node, state *State, el *effects.EffectList, lastFixed *ir.Node) error {
	for i := 0; i < node.InputCount(); i++ {
		in := node.Input(i)
		if in == nil {
			continue
		}
		alias := v.aliases.Get(in)
		if alias.Op() == ir.OpVirtualObject {
			os, err := v.ensureMaterialized(state, alias, lastFixed, el)
			if err != nil {
				return err
			}
			el.ReplaceFirstInput(node, in, os.Materialized())
		} else if alias != in {
			el.ReplaceFirstInput(node, in, alias)
		}
	}
	return nil
}

// ensureMaterialized turns a virtual object back into a real allocation on the
// current path: a commit node is inserted after the anchor and the allocated
// object stands for the value from here on. Virtual objects referenced by the
// committed field values are materialized along with it.
func (v *virtualizer) ensureMaterialized(state *State, virtual *ir.Node, anchor *ir.Node, el *effects.EffectList) (*ObjectState, error) {
	os := state.GetObjectState(virtual)
	if os == nil {
		return nil, fmt.Errorf("no object state for %v", virtual)
	}
	if !os.IsVirtual() {
		return os, nil
	}
	if anchor == nil {
		return nil, fmt.Errorf("no anchor to materialize %v at", virtual)
	}
	commit := v.graph.NewDetachedCommit(make([]*ir.Node, len(os.Entries()))...)
	alloc := v.graph.NewDetachedAllocatedObject(commit)
	os.Materialize(alloc)
	el.AddFixedNodeAfter(commit, anchor)
	el.AddFloatingNode(alloc)
	for i, entry := range os.Entries() {
		value := v.aliases.Get(entry)
		if value.Op() == ir.OpVirtualObject {
			inner, err := v.ensureMaterialized(state, value, anchor, el)
			if err != nil {
				return nil, err
			}
			value = inner.Materialized()
		}
		commit.SetInput(i, value)
	}
	v.stats.Materialized++
	if v.log.LogsTrace() {
		v.log.Tracef("materialized %v after %v", virtual, anchor)
	}
	return os, nil
}

// MergeStates implements effects.Virtualizer. Objects tracked on every alive
// path are merged; an object virtual on some paths and materialized on others
// is materialized at the ends of the virtual paths and its value merged with a
// phi. Field values that differ between paths get a phi as well. Objects known
// only on some paths are dropped, values flowing past the merge do so through
// phis.
func (v *virtualizer) MergeStates(mp *effects.MergeProcessor[*State], mode effects.Mode) error {
	states := mp.States()
	merged := NewState()
	for _, id := range states[0].ObjectIDs() {
		oss := make([]*ObjectState, len(states))
		everywhere := true
		for i, s := range states {
			oss[i] = s.ObjectByID(id)
			if oss[i] == nil {
				everywhere = false
				break
			}
		}
		if !everywhere {
			continue
		}
		mergedObject, err := v.mergeObject(mp, id, oss)
		if err != nil {
			return err
		}
		merged.AddObject(mergedObject)
	}
	if err := v.processMergePhis(mp); err != nil {
		return err
	}
	mp.SetNewState(merged)
	return nil
}

// mergeObject combines the per-path states of one object.
func (v *virtualizer) mergeObject(mp *effects.MergeProcessor[*State], id int, oss []*ObjectState) (*ObjectState, error) {
	virtual := oss[0].Virtual()
	if funcutil.Exists(oss, func(os *ObjectState) bool { return !os.IsVirtual() }) {
		values := make([]*ir.Node, len(oss))
		for i, os := range oss {
			if os.IsVirtual() {
				if _, err := v.ensureMaterialized(mp.State(i), virtual, v.predecessorAnchor(mp, i), mp.MergeEffects); err != nil {
					return nil, err
				}
			}
			values[i] = os.Materialized()
		}
		result := NewObjectState(virtual, nil)
		if allSameNode(values) {
			result.Materialize(values[0])
			return result, nil
		}
		phi := mp.GetPhi(v.graph, phiKey{object: id, field: -1})
		for i, value := range values {
			mp.SetPhiInput(phi, i, value)
		}
		result.Materialize(phi)
		return result, nil
	}

	entries := make([]*ir.Node, len(oss[0].Entries()))
	for f := range entries {
		values := make([]*ir.Node, len(oss))
		for i, os := range oss {
			values[i] = os.Entry(f)
		}
		if allSameNode(values) {
			entries[f] = values[0]
			continue
		}
		phi := mp.GetPhi(v.graph, phiKey{object: id, field: f})
		for i, value := range values {
			scalar := v.aliases.Get(value)
			if scalar.Op() == ir.OpVirtualObject {
				os, err := v.ensureMaterialized(mp.State(i), scalar, v.predecessorAnchor(mp, i), mp.MergeEffects)
				if err != nil {
					return nil, err
				}
				scalar = os.Materialized()
			}
			mp.SetPhiInput(phi, i, scalar)
		}
		entries[f] = phi
	}
	return NewObjectState(virtual, entries), nil
}

// processMergePhis rewrites the inputs of the phis already in the graph at the
// merge: scalar-replaced inputs are swapped in, virtual objects flowing into a
// phi escape through it and are materialized on their path. A phi whose alive
// inputs all alias one value is itself aliased to it.
func (v *virtualizer) processMergePhis(mp *effects.MergeProcessor[*State]) error {
	for _, phi := range mp.Merge().Begin().Phis() {
		if !phi.IsAttached() {
			continue
		}
		var common *ir.Node
		uniform := true
		for i := 0; i < mp.StateCount(); i++ {
			in := phi.Input(mp.PredecessorIndex(i))
			if in == nil {
				continue
			}
			alias := v.aliases.Get(in)
			if alias.Op() == ir.OpVirtualObject {
				os, err := v.ensureMaterialized(mp.State(i), alias, v.predecessorAnchor(mp, i), mp.MergeEffects)
				if err != nil {
					return err
				}
				alias = os.Materialized()
			}
			if alias != in {
				mp.SetPhiInput(phi, i, alias)
			}
			if common == nil {
				common = alias
			} else if common != alias {
				uniform = false
			}
		}
		if uniform && common != nil {
			v.aliases.Set(phi, common)
		} else {
			v.aliases.Set(phi, nil)
		}
	}
	return nil
}

// predecessorAnchor returns the fixed node right before the i-th alive
// predecessor's terminator, where that path's materializations are inserted.
func (v *virtualizer) predecessorAnchor(mp *effects.MergeProcessor[*State], i int) *ir.Node {
	return mp.PredecessorBlock(i).End().Predecessor()
}

// ProcessLoopExit resolves the values leaving the loop through proxies. A
// proxy for an object that is still virtual goes away: the consumers reach the
// object through the alias map. A proxy for an object the loop body
// materialized becomes a pass-through of the real allocation.
func (v *virtualizer) ProcessLoopExit(exitNode *ir.Node, loopEntryState, exitState *State, el *effects.EffectList) error {
	for _, proxy := range exitNode.Proxies() {
		in := proxy.Input(0)
		alias := v.aliases.Get(in)
		if alias.Op() == ir.OpVirtualObject {
			os := exitState.GetObjectState(alias)
			if os == nil {
				return fmt.Errorf("no object state for %v at %v", alias, exitNode)
			}
			if os.IsVirtual() {
				v.aliases.Set(proxy, alias)
				el.DeleteNode(proxy)
				continue
			}
			el.ReplaceFirstInput(proxy, in, os.Materialized())
			v.aliases.Set(proxy, nil)
			continue
		}
		if alias != in {
			el.ReplaceFirstInput(proxy, in, alias)
		}
		v.aliases.Set(proxy, alias)
	}
	return nil
}

// ProcessInitialLoopState seeds the aliases of the loop phis with the alias of
// their entry value, so the first pass over the body is optimistic about
// loop-carried objects. Only virtual objects are seeded: a scalar entry value
// holds on the first iteration alone, and nothing after the merge validates
// facts folded from it, so a scalar seed could survive into the effects even
// though later iterations contradict it.
func (v *virtualizer) ProcessInitialLoopState(loop *ir.Loop, state *State) {
	for _, phi := range loop.LoopBegin().Phis() {
		if !phi.IsAttached() {
			continue
		}
		alias := v.aliases.Get(phi.Input(0))
		if alias != nil && alias.Op() == ir.OpVirtualObject {
			v.aliases.Set(phi, alias)
		} else {
			v.aliases.Set(phi, nil)
		}
	}
}

// StripKilledLoopLocations implements effects.Virtualizer. The escape analysis
// entry state carries no speculative location facts to strip; the cache only
// pays off for load elimination states.
func (v *virtualizer) StripKilledLoopLocations(cache *effects.LoopKillCache, state *State) *State {
	if v.log.LogsTrace() && cache.KillsLocations() {
		v.log.Tracef("loop kill cache active (visits=%d)", cache.Visits())
	}
	return state
}

// ProcessKilledLoopLocations records into the kill cache which objects and
// fields the converged loop invalidated relative to its entry state.
func (v *virtualizer) ProcessKilledLoopLocations(loop *ir.Loop, cache *effects.LoopKillCache, initialState, mergedState *State) {
	for _, id := range initialState.ObjectIDs() {
		before := initialState.ObjectByID(id)
		after := mergedState.ObjectByID(id)
		if after == nil || (before.IsVirtual() && !after.IsVirtual()) {
			cache.RememberKilledLocation(effects.Location{ObjectID: id, Field: -1})
			continue
		}
		if before.IsVirtual() && after.IsVirtual() {
			for f := range before.Entries() {
				if before.Entry(f) != after.Entry(f) {
					cache.RememberKilledLocation(effects.Location{ObjectID: id, Field: f})
				}
			}
		}
	}
}

// ProcessStateBeforeLoopOnOverflow materializes every object still virtual
// before the loop entry; the retry in materialize-all mode then starts from a
// state with no virtual objects.
func (v *virtualizer) ProcessStateBeforeLoopOnOverflow(loop *ir.Loop, state *State, anchor *ir.Node, el *effects.EffectList) error {
	for _, id := range state.ObjectIDs() {
		os := state.ObjectByID(id)
		if os.IsVirtual() {
			if _, err := v.ensureMaterialized(state, os.Virtual(), anchor, el); err != nil {
				return err
			}
		}
	}
	return nil
}

// policySnapshot backs up the policy bookkeeping around an overflow recovery.
type policySnapshot struct {
	virtualized intsets.Sparse
	stats       Stats
}

// Snapshot implements effects.Virtualizer.
func (v *virtualizer) Snapshot() any {
	s := &policySnapshot{stats: v.stats}
	s.virtualized.Copy(&v.virtualized)
	return s
}

// Restore implements effects.Virtualizer.
func (v *virtualizer) Restore(snapshot any) {
	s := snapshot.(*policySnapshot)
	v.virtualized.Copy(&s.virtualized)
	v.stats = s.stats
}

func allSameNode(values []*ir.Node) bool {
	return funcutil.ForAll(values[1:], func(v *ir.Node) bool { return v == values[0] })
}
