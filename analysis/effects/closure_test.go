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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/virtgraph/virtgraph/analysis/config"
	"github.com/virtgraph/virtgraph/analysis/ir"
)

// counterState is a minimal abstract state: a counter bumped by the loop body.
type counterState struct {
	BaseState
	counter int
}

func (s *counterState) Clone() *counterState {
	c := &counterState{counter: s.counter}
	c.CopyBaseFrom(&s.BaseState)
	return c
}

func (s *counterState) EquivalentTo(other *counterState) bool {
	return s.IsDead() == other.IsDead() && s.counter == other.counter
}

// counterPolicy bumps the counter on every store it sees, up to a cap, and can
// be configured to overflow, diverge or die to exercise the recovery paths of
// the closure.
type counterPolicy struct {
	cap int

	overflowInRegular  bool
	divergeInRegular   bool
	divergeEverywhere  bool
	dieOnSecondVisit   bool
	recordDeletes      bool
	deleteInvokes      bool
	aliases            *AliasMap
	modesSeen          map[Mode]bool
	restored           bool
	materializedBefore bool
	mergeWidths        []int
}

func newCounterPolicy(cap int) *counterPolicy {
	return &counterPolicy{cap: cap, modesSeen: map[Mode]bool{}}
}

func (p *counterPolicy) InitialState() *counterState { return &counterState{} }

func (p *counterPolicy) CloneState(s *counterState) *counterState { return s.Clone() }

func (p *counterPolicy) ProcessNode(node *ir.Node, state *counterState, el *EffectList, lastFixed *ir.Node, mode Mode) (bool, error) {
	if p.deleteInvokes && node.Op() == ir.OpInvoke {
		el.DeleteNode(node)
		return true, nil
	}
	if node.Op() != ir.OpStore {
		return false, nil
	}
	p.modesSeen[mode] = true
	if mode == RegularVirtualization && p.overflowInRegular {
		if p.aliases != nil {
			el.DeleteNode(node)
			p.aliases.Set(node, node.Input(0))
		}
		return false, ErrOverflow
	}
	if p.dieOnSecondVisit && state.counter >= 1 {
		state.MarkAsDead()
		return false, nil
	}
	diverging := p.divergeEverywhere || (p.divergeInRegular && mode != MaterializeAll)
	if diverging || state.counter < p.cap {
		state.counter++
	}
	if p.recordDeletes {
		el.DeleteNode(node)
		return true, nil
	}
	return false, nil
}

func (p *counterPolicy) ProcessLoopExit(exitNode *ir.Node, loopEntryState, exitState *counterState, el *EffectList) error {
	return nil
}

func (p *counterPolicy) MergeStates(mp *MergeProcessor[*counterState], mode Mode) error {
	p.mergeWidths = append(p.mergeWidths, mp.StateCount())
	max := 0
	for _, s := range mp.States() {
		if s.counter > max {
			max = s.counter
		}
	}
	mp.SetNewState(&counterState{counter: max})
	return nil
}

func (p *counterPolicy) ProcessInitialLoopState(loop *ir.Loop, state *counterState) {}

func (p *counterPolicy) StripKilledLoopLocations(cache *LoopKillCache, state *counterState) *counterState {
	return state
}

func (p *counterPolicy) ProcessKilledLoopLocations(loop *ir.Loop, cache *LoopKillCache, initialState, mergedState *counterState) {
}

func (p *counterPolicy) ProcessStateBeforeLoopOnOverflow(loop *ir.Loop, state *counterState, anchor *ir.Node, effects *EffectList) error {
	p.materializedBefore = true
	return nil
}

func (p *counterPolicy) Snapshot() any { return p.cap }

func (p *counterPolicy) Restore(s any) { p.restored = true }

func newLoopClosure(t *testing.T, policy *counterPolicy, opts *config.Options) *Closure[*counterState] {
	t.Helper()
	g := ir.NewGraph()
	entry := buildLoop(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	log := config.NewLogGroup(config.NewDefault())
	return NewClosure[*counterState](cfg, policy, NewAliasMap(g.NodeCount()), log, opts)
}

func TestClosureLoopConvergence(t *testing.T) {
	policy := newCounterPolicy(3)
	c := newLoopClosure(t, policy, &config.NewDefault().Options)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if policy.modesSeen[MaterializeAll] {
		t.Errorf("a converging loop must not fall back to materialize-all")
	}
	if c.Mode() != RegularVirtualization {
		t.Errorf("mode must be reset after the loop, got %v", c.Mode())
	}
}

func TestClosureLoopCutoffStopsNewVirtualizations(t *testing.T) {
	policy := newCounterPolicy(3)
	opts := config.NewDefault().Options
	opts.EscapeAnalysisLoopCutoff = 0
	c := newLoopClosure(t, policy, &opts)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !policy.modesSeen[StopNewVirtualizationsLoopNest] {
		t.Errorf("expected the loop nest processed without new virtualizations, saw %v", policy.modesSeen)
	}
}

func TestClosureOverflowRecovery(t *testing.T) {
	policy := newCounterPolicy(3)
	policy.overflowInRegular = true
	c := newLoopClosure(t, policy, &config.NewDefault().Options)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run after overflow recovery: %v", err)
	}
	if !policy.restored {
		t.Errorf("the policy snapshot must be restored before the retry")
	}
	if !policy.materializedBefore {
		t.Errorf("the pre-loop state must be materialized before the retry")
	}
	if !policy.modesSeen[MaterializeAll] {
		t.Errorf("the retry must run in materialize-all mode")
	}
}

func TestClosureTooManyIterationsRetry(t *testing.T) {
	policy := newCounterPolicy(3)
	policy.divergeInRegular = true
	c := newLoopClosure(t, policy, &config.NewDefault().Options)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run after non-convergence retry: %v", err)
	}
	if !policy.modesSeen[MaterializeAll] {
		t.Errorf("a diverging loop must be retried in materialize-all mode")
	}
}

func TestClosureTooManyIterationsFatal(t *testing.T) {
	policy := newCounterPolicy(3)
	policy.divergeEverywhere = true
	c := newLoopClosure(t, policy, &config.NewDefault().Options)
	err := c.Run(context.Background())
	if err == nil || !errors.Is(err, ErrTooManyIterations) {
		t.Fatalf("expected a non-convergence error, got %v", err)
	}
}

func TestClosureBackedgeMonotonicityPanics(t *testing.T) {
	policy := newCounterPolicy(3)
	policy.dieOnSecondVisit = true
	c := newLoopClosure(t, policy, &config.NewDefault().Options)
	defer func() {
		if recover() == nil {
			t.Errorf("expected a panic when an alive backedge dies in a later iteration")
		}
	}()
	_ = c.Run(context.Background())
}

func TestClosureCanceledContext(t *testing.T) {
	policy := newCounterPolicy(3)
	c := newLoopClosure(t, policy, &config.NewDefault().Options)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err == nil {
		t.Fatalf("expected an error from a canceled context")
	}
}

func TestClosureMergeRequiresEmptyEffects(t *testing.T) {
	g := ir.NewGraph()
	entry := buildDiamond(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	policy := newCounterPolicy(0)
	log := config.NewLogGroup(config.NewDefault())
	c := NewClosure[*counterState](cfg, policy, NewAliasMap(g.NodeCount()), log, &config.NewDefault().Options)

	var merge *ir.Block
	for _, b := range cfg.Blocks() {
		if b.Begin().Op() == ir.OpMerge {
			merge = b
		}
	}
	c.BlockEffects(merge).AddFloatingNode(g.NewDetachedConst(1))

	defer func() {
		if recover() == nil {
			t.Errorf("expected a panic when merging into a block with pending effects")
		}
	}()
	_ = c.Run(context.Background())
}

// effectLog runs the closure over a fresh copy of the loop graph and renders
// every block's effect list.
func effectLog(t *testing.T) string {
	t.Helper()
	g := ir.NewGraph()
	entry := buildLoop(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	policy := newCounterPolicy(3)
	policy.recordDeletes = true
	log := config.NewLogGroup(config.NewDefault())
	c := NewClosure[*counterState](cfg, policy, NewAliasMap(g.NodeCount()), log, &config.NewDefault().Options)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var sb strings.Builder
	for _, b := range cfg.Blocks() {
		sb.WriteString(b.String())
		sb.WriteString(": ")
		sb.WriteString(c.BlockEffects(b).String())
		sb.WriteString("\n")
	}
	return sb.String()
}

func TestClosureEffectLogIsDeterministic(t *testing.T) {
	first := effectLog(t)
	second := effectLog(t)
	if first != second {
		t.Errorf("two runs over the same graph recorded different effects:\n%s\nvs\n%s", first, second)
	}
}

func TestClosureOverflowRestoresEffectsAndAliases(t *testing.T) {
	g := ir.NewGraph()
	entry := buildLoop(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	var store *ir.Node
	for _, b := range cfg.Blocks() {
		for _, n := range b.Nodes() {
			if n.Op() == ir.OpStore {
				store = n
			}
		}
	}
	aliases := NewAliasMap(g.NodeCount())
	policy := newCounterPolicy(3)
	policy.overflowInRegular = true
	policy.aliases = aliases
	log := config.NewLogGroup(config.NewDefault())
	c := NewClosure[*counterState](cfg, policy, aliases, log, &config.NewDefault().Options)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run after overflow recovery: %v", err)
	}
	for _, b := range cfg.Blocks() {
		if l := c.BlockEffects(b); l.Len() != 0 {
			t.Errorf("block %v kept %d effects from the aborted pass: %v", b, l.Len(), l)
		}
	}
	if got := aliases.Get(store); got != store {
		t.Errorf("the alias written in the aborted pass survived the restore: %v", got)
	}
}

// buildInvokeDiamond links an invoke whose normal and exception paths meet at
// a merge followed by a return.
func buildInvokeDiamond(g *ir.Graph) *ir.Node {
	entry := g.NewBegin()
	g.SetStart(entry)
	invoke := g.NewInvoke(g.NewConst(0))
	g.Link(entry, invoke)

	nb := g.NewBegin()
	ne := g.NewEnd()
	g.Link(nb, ne)
	eb := g.NewBegin()
	ee := g.NewEnd()
	g.Link(eb, ee)
	invoke.SetBranches(nb, eb)

	merge := g.NewMerge(ne, ee)
	ret := g.NewReturn(nil)
	g.Link(merge, ret)
	return entry
}

func TestClosureDeletedInvokeKillsExceptionPath(t *testing.T) {
	g := ir.NewGraph()
	entry := buildInvokeDiamond(g)
	cfg, err := ir.BuildCFG(g, entry)
	if err != nil {
		t.Fatalf("BuildCFG: %v", err)
	}
	policy := newCounterPolicy(0)
	policy.deleteInvokes = true
	log := config.NewLogGroup(config.NewDefault())
	c := NewClosure[*counterState](cfg, policy, NewAliasMap(g.NodeCount()), log, &config.NewDefault().Options)
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(policy.mergeWidths) != 1 || policy.mergeWidths[0] != 1 {
		t.Errorf("only the normal path must stay alive at the merge, got widths %v", policy.mergeWidths)
	}
	if !c.HasChanged() {
		t.Errorf("deleting the invoke must count as a change")
	}
}
