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
	"fmt"

	"github.com/virtgraph/virtgraph/analysis/config"
	"github.com/virtgraph/virtgraph/analysis/ir"
	"golang.org/x/tools/container/intsets"
)

// Mode selects how aggressively a closure may introduce new virtual state.
type Mode int

const (
	// RegularVirtualization allows new virtualizations everywhere.
	RegularVirtualization Mode = iota
	// StopNewVirtualizationsLoopNest keeps existing virtual state alive but
	// forbids new virtualizations while processing a deep loop nest.
	StopNewVirtualizationsLoopNest
	// MaterializeAll forces every virtual object back into real allocations.
	// It is the recovery mode after a state overflow or a loop that failed
	// to converge.
	MaterializeAll
)

func (m Mode) String() string {
	switch m {
	case RegularVirtualization:
		return "regular"
	case StopNewVirtualizationsLoopNest:
		return "stop-new-virtualizations"
	case MaterializeAll:
		return "materialize-all"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

var (
	// ErrOverflow is returned by a policy when its abstract state grew past
	// its configured bounds. The closure recovers by restoring the state
	// saved before the outermost loop and retrying in MaterializeAll mode.
	ErrOverflow = errors.New("virtual state overflow")

	// ErrTooManyIterations is returned when a loop has not reached a fixed
	// point within the configured iteration budget.
	ErrTooManyIterations = errors.New("loop did not converge")
)

// Virtualizer is the policy a Closure drives to a fixed point. It decides what
// gets virtualized, how states merge, and how virtual state leaves loops; the
// closure owns iteration order, effect bookkeeping and overflow recovery.
type Virtualizer[T BlockState[T]] interface {
	// InitialState returns the state at the graph entry.
	InitialState() T
	// CloneState deep-copies a state.
	CloneState(state T) T
	// ProcessNode interprets one fixed node, recording graph changes as
	// effects. lastFixed is the closest preceding fixed node still alive in
	// this block, usable as an insertion anchor. It reports whether the node
	// was deleted; growing the state past its bounds returns ErrOverflow.
	ProcessNode(node *ir.Node, state T, effects *EffectList, lastFixed *ir.Node, mode Mode) (bool, error)
	// ProcessLoopExit reconciles the state leaving a loop with the state the
	// loop was entered with, materializing or proxying as needed.
	ProcessLoopExit(exitNode *ir.Node, loopEntryState, exitState T, effects *EffectList) error
	// MergeStates combines the alive predecessor states of mp into a new
	// state installed with mp.SetNewState.
	MergeStates(mp *MergeProcessor[T], mode Mode) error
	// ProcessInitialLoopState adjusts the state before the first pass over a
	// loop body.
	ProcessInitialLoopState(loop *ir.Loop, state T)
	// StripKilledLoopLocations removes from the entry state the facts the
	// kill cache says the loop body will invalidate anyway.
	StripKilledLoopLocations(cache *LoopKillCache, state T) T
	// ProcessKilledLoopLocations records into the kill cache which locations
	// the converged loop killed, comparing entry and merged state.
	ProcessKilledLoopLocations(loop *ir.Loop, cache *LoopKillCache, initialState, mergedState T)
	// ProcessStateBeforeLoopOnOverflow materializes everything virtual in
	// the pre-loop state, recording the effects after the given anchor.
	ProcessStateBeforeLoopOnOverflow(loop *ir.Loop, state T, anchor *ir.Node, effects *EffectList) error
	// Snapshot and Restore save and re-install the policy's own bookkeeping
	// around an overflow recovery.
	Snapshot() any
	Restore(snapshot any)
}

// Closure drives a Virtualizer over the control flow graph to a fixed point.
// Loops are iterated until the merged backedge state stops changing, nested
// loops reentrantly; all graph changes are deferred as effects and applied by
// ApplyEffects once the analysis is done.
type Closure[T BlockState[T]] struct {
	cfg     *ir.CFG
	policy  Virtualizer[T]
	aliases *AliasMap
	log     *config.LogGroup

	loopCutoff    int
	maxIterations int

	mode             Mode
	blockEffects     []*EffectList
	loopMergeEffects map[*ir.Loop]*EffectList
	loopEntryStates  map[*ir.Loop]T
	loopKillCache    map[*ir.Loop]*LoopKillCache
	mergeProcessors  map[*ir.Block]*MergeProcessor[T]

	snapshot              *sessionSnapshot[T]
	tooManyIterationsSeen bool
	changed               bool
	ctx                   context.Context
}

// NewClosure returns a closure over the given CFG and policy. The alias map
// must be the one the policy records its replacements in.
func NewClosure[T BlockState[T]](cfg *ir.CFG, policy Virtualizer[T], aliases *AliasMap, log *config.LogGroup, opts *config.Options) *Closure[T] {
	blockEffects := make([]*EffectList, len(cfg.Blocks()))
	for i := range blockEffects {
		blockEffects[i] = NewEffectList()
	}
	return &Closure[T]{
		cfg:              cfg,
		policy:           policy,
		aliases:          aliases,
		log:              log,
		loopCutoff:       opts.EscapeAnalysisLoopCutoff,
		maxIterations:    opts.MaxLoopIterations,
		mode:             RegularVirtualization,
		blockEffects:     blockEffects,
		loopMergeEffects: make(map[*ir.Loop]*EffectList),
		loopEntryStates:  make(map[*ir.Loop]T),
		loopKillCache:    make(map[*ir.Loop]*LoopKillCache),
		mergeProcessors:  make(map[*ir.Block]*MergeProcessor[T]),
	}
}

// Aliases returns the alias map shared with the policy.
func (c *Closure[T]) Aliases() *AliasMap { return c.aliases }

// Mode returns the closure's current virtualization mode.
func (c *Closure[T]) Mode() Mode { return c.mode }

// HasChanged reports whether the analysis found anything to change. Phases use
// it to decide whether applying effects and re-running is worthwhile.
func (c *Closure[T]) HasChanged() bool { return c.changed }

// BlockEffects returns the effect list recorded for the given block.
func (c *Closure[T]) BlockEffects(b *ir.Block) *EffectList {
	return c.blockEffects[b.Index()]
}

// LoopKillCacheFor returns the kill cache of the loop, or nil if the loop has
// not converged yet.
func (c *Closure[T]) LoopKillCacheFor(loop *ir.Loop) *LoopKillCache {
	return c.loopKillCache[loop]
}

// Run drives the analysis over the whole graph. The context is checked once
// per loop fixed-point iteration.
func (c *Closure[T]) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx = ctx
	return Iterate[T](c, c.cfg, c.policy.InitialState())
}

// CloneState implements BlockClosure.
func (c *Closure[T]) CloneState(state T) T { return c.policy.CloneState(state) }

// ProcessBlock interprets one block: it first checks whether the path into the
// block died (a branch condition folded to a constant, or a killed exception
// edge), then walks the fixed nodes handing each to the policy.
func (c *Closure[T]) ProcessBlock(b *ir.Block, state T) (T, error) {
	effects := c.blockEffects[b.Index()]
	if !state.IsDead() {
		c.checkDeadPath(b, state, effects)
	}
	if state.IsDead() {
		if c.log.LogsTrace() {
			c.log.Tracef("block %v is dead", b)
		}
		return state, nil
	}
	if c.log.LogsTrace() {
		c.log.Tracef("processing block %v in mode %v", b, c.mode)
	}
	var lastFixed *ir.Node
	for _, node := range b.Nodes() {
		if state.IsDead() {
			break
		}
		c.aliases.Set(node, nil)
		if node.Op() == ir.OpLoopExit {
			exited := c.cfg.BlockFor(node.Target()).Loop()
			entryState, ok := c.loopEntryStates[exited]
			if !ok {
				return state, fmt.Errorf("exit %v processed before loop %v converged", node, exited)
			}
			if err := c.policy.ProcessLoopExit(node, entryState, state, effects); err != nil {
				return state, err
			}
		}
		deleted, err := c.policy.ProcessNode(node, state, effects, lastFixed, c.mode)
		if err != nil {
			return state, err
		}
		if deleted {
			if isSignificantNode(node) {
				c.changed = true
			}
			if node.Op() == ir.OpInvoke {
				state.AddExceptionEdgeToKill(b.Index())
			}
		}
		if !deleted && node.FixedWithNext() {
			lastFixed = node
		}
	}
	return state, nil
}

// checkDeadPath marks the state dead when the edge into the block can no
// longer be taken: its branch condition aliases to a contradicting constant, or
// it is the exception edge of a node that can no longer throw.
func (c *Closure[T]) checkDeadPath(b *ir.Block, state T, effects *EffectList) {
	begin := b.Begin()
	pred := begin.Predecessor()
	if pred == nil {
		return
	}
	switch pred.Op() {
	case ir.OpIf:
		cond := c.aliases.GetScalarAlias(pred.Input(0))
		if cond.Op() == ir.OpLogicConst {
			onTrueEdge := pred.TrueSuccessor() == begin
			if cond.BoolValue != onTrueEdge {
				state.MarkAsDead()
				effects.KillIfBranch(pred, cond.BoolValue)
			}
		}
	case ir.OpInvoke:
		if begin == pred.ExceptionSuccessor() && state.KillsExceptionEdge(c.cfg.BlockFor(pred).Index()) {
			state.MarkAsDead()
		}
	}
}

// isSignificantNode reports whether deleting the node counts as progress.
// Nodes the analysis itself inserts while materializing do not.
func isSignificantNode(n *ir.Node) bool {
	switch n.Op() {
	case ir.OpCommit, ir.OpAllocatedObject, ir.OpBox:
		return false
	default:
		return true
	}
}

// MergeStates implements BlockClosure by merging only the alive predecessor
// states and recording the merge's effects at the merge block. The block's
// effect list must still be empty: a non-empty list means the merge is being
// reprocessed without the iteration machinery clearing it first.
func (c *Closure[T]) MergeStates(merge *ir.Block, states []T) (T, error) {
	if pending := c.blockEffects[merge.Index()]; pending.Len() != 0 {
		panic(fmt.Sprintf("effects: merge %v already carries %d effects", merge, pending.Len()))
	}
	newState, mp, err := c.doMergeWithoutDead(merge, states)
	if err != nil {
		return newState, err
	}
	if mp != nil {
		effects := c.blockEffects[merge.Index()]
		effects.AddAll(mp.MergeEffects)
		effects.AddAll(mp.AfterMergeEffects)
	}
	return newState, nil
}

// doMergeWithoutDead filters out dead predecessor states and hands the alive
// ones, tagged with their original positions, to the policy. With no alive
// state left the merge itself is dead.
func (c *Closure[T]) doMergeWithoutDead(merge *ir.Block, states []T) (T, *MergeProcessor[T], error) {
	var aliveIndexes []int
	for i, s := range states {
		if !s.IsDead() {
			aliveIndexes = append(aliveIndexes, i)
		}
	}
	if len(aliveIndexes) == 0 {
		return states[0], nil, nil
	}
	alive := make([]T, len(aliveIndexes))
	for i, idx := range aliveIndexes {
		alive[i] = states[idx]
	}
	mp := c.mergeProcessors[merge]
	if mp == nil {
		mp = NewMergeProcessor[T](merge)
		c.mergeProcessors[merge] = mp
	}
	mp.Reset(alive, aliveIndexes)
	if err := c.policy.MergeStates(mp, c.mode); err != nil {
		var zero T
		return zero, nil, err
	}
	return mp.NewState(), mp, nil
}

// ProcessLoop drives one loop to its fixed point. A loop whose entry state grew
// past its bounds, or which failed to converge, is retried once from the state
// saved before the outermost loop with every virtual object materialized; a
// second failure is fatal.
func (c *Closure[T]) ProcessLoop(loop *ir.Loop, initialState T) (LoopInfo[T], error) {
	if loop.Depth() == 1 {
		if c.mode == RegularVirtualization && maxNestDepth(loop) > c.loopCutoff {
			// deep nests are processed without new virtualizations to keep
			// the number of fixed-point iterations bounded
			c.log.Debugf("loop nest at %v exceeds depth %d, stopping new virtualizations", loop, c.loopCutoff)
			c.mode = StopNewVirtualizationsLoopNest
		}
		c.snapshot = c.takeSnapshot(initialState)
	}

	info, err := c.processLoopIterations(loop, initialState)
	if err != nil {
		recoverable := errors.Is(err, ErrOverflow) || errors.Is(err, ErrTooManyIterations)
		if !recoverable || loop.Depth() != 1 || c.mode == MaterializeAll {
			return info, err
		}
		if errors.Is(err, ErrTooManyIterations) {
			if c.tooManyIterationsSeen {
				return info, fmt.Errorf("%v: %w", loop, err)
			}
			c.tooManyIterationsSeen = true
		}
		c.log.Debugf("retrying %v in materialize-all mode: %v", loop, err)
		restored := c.restoreSnapshot()
		forwardEnd := loop.LoopBegin().ForwardEnd()
		entryBlock := c.cfg.BlockFor(forwardEnd)
		if merr := c.policy.ProcessStateBeforeLoopOnOverflow(loop, restored, forwardEnd.Predecessor(), c.blockEffects[entryBlock.Index()]); merr != nil {
			return info, merr
		}
		c.mode = MaterializeAll
		info, err = c.processLoopIterations(loop, restored)
		if err != nil {
			return info, fmt.Errorf("loop %v failed after materializing all state: %w", loop, err)
		}
	}

	if loop.Depth() == 1 {
		c.mode = RegularVirtualization
		c.snapshot = nil
	}
	return info, nil
}

// processLoopIterations reprocesses the loop body until the state merged over
// the entry and all backedges is equivalent to the previous iteration's. Only
// the effects of the final iteration survive; earlier iterations' lists are
// cleared. A backedge seen alive must stay alive in later iterations.
func (c *Closure[T]) processLoopIterations(loop *ir.Loop, initialState T) (LoopInfo[T], error) {
	initial := c.policy.CloneState(initialState)
	if cache := c.loopKillCache[loop]; cache != nil && cache.KillsLocations() {
		initial = c.policy.StripKilledLoopLocations(cache, initial)
	}
	loopEntryState := initial
	lastMerged := c.policy.CloneState(initial)
	c.policy.ProcessInitialLoopState(loop, lastMerged)

	var knownAliveEnds intsets.Sparse
	for iteration := 1; iteration <= c.maxIterations; iteration++ {
		if err := c.ctx.Err(); err != nil {
			return LoopInfo[T]{}, err
		}
		for _, b := range loop.Blocks() {
			c.blockEffects[b.Index()].Clear()
		}
		info, err := ProcessLoopBody[T](c, c.cfg, loop, c.policy.CloneState(lastMerged))
		if err != nil {
			return info, err
		}

		var aliveEnds intsets.Sparse
		for i, s := range info.EndStates {
			if !s.IsDead() {
				aliveEnds.Insert(i)
			}
		}
		if !knownAliveEnds.SubsetOf(&aliveEnds) {
			panic(fmt.Sprintf("effects: backedge of %v alive in iteration %d became dead", loop, iteration))
		}
		knownAliveEnds.Copy(&aliveEnds)

		// the entry state is cloned per pass: merging may materialize into
		// its copy, and only the converged pass's effects survive
		states := make([]T, 0, 1+len(info.EndStates))
		states = append(states, c.policy.CloneState(loopEntryState))
		states = append(states, info.EndStates...)
		newState, mp, err := c.doMergeWithoutDead(loop.Header(), states)
		if err != nil {
			return info, err
		}
		if newState.EquivalentTo(lastMerged) {
			c.log.Debugf("%v converged after %d iteration(s)", loop, iteration)
			if mp != nil {
				c.blockEffects[loop.Header().Index()].InsertAll(mp.MergeEffects, 0)
				c.loopMergeEffects[loop] = mp.AfterMergeEffects.Clone()
			} else {
				c.loopMergeEffects[loop] = NewEffectList()
			}
			c.loopEntryStates[loop] = loopEntryState
			c.processKilledLoopLocations(loop, initial, newState)
			return info, nil
		}
		lastMerged = newState
	}
	return LoopInfo[T]{}, fmt.Errorf("%v: %w within %d iterations", loop, ErrTooManyIterations, c.maxIterations)
}

// processKilledLoopLocations updates the loop's kill cache after convergence.
func (c *Closure[T]) processKilledLoopLocations(loop *ir.Loop, initialState, mergedState T) {
	cache := c.loopKillCache[loop]
	if cache == nil {
		cache = NewLoopKillCache(1)
		c.loopKillCache[loop] = cache
	} else {
		cache.Visited()
	}
	c.policy.ProcessKilledLoopLocations(loop, cache, initialState, mergedState)
}

// sessionSnapshot captures everything needed to rewind the analysis to the
// entry of the outermost loop currently being processed.
type sessionSnapshot[T any] struct {
	aliases          *AliasMap
	blockEffects     []*EffectList
	loopMergeEffects map[*ir.Loop]*EffectList
	loopEntryStates  map[*ir.Loop]T
	loopKillCache    map[*ir.Loop]*LoopKillCache
	initialState     T
	policySnapshot   any
	changed          bool
}

func (c *Closure[T]) takeSnapshot(initialState T) *sessionSnapshot[T] {
	s := &sessionSnapshot[T]{
		aliases:          c.aliases.Clone(),
		blockEffects:     make([]*EffectList, len(c.blockEffects)),
		loopMergeEffects: make(map[*ir.Loop]*EffectList, len(c.loopMergeEffects)),
		loopEntryStates:  make(map[*ir.Loop]T, len(c.loopEntryStates)),
		loopKillCache:    make(map[*ir.Loop]*LoopKillCache, len(c.loopKillCache)),
		initialState:     c.policy.CloneState(initialState),
		policySnapshot:   c.policy.Snapshot(),
		changed:          c.changed,
	}
	for i, l := range c.blockEffects {
		s.blockEffects[i] = l.Clone()
	}
	for loop, l := range c.loopMergeEffects {
		s.loopMergeEffects[loop] = l.Clone()
	}
	for loop, st := range c.loopEntryStates {
		s.loopEntryStates[loop] = c.policy.CloneState(st)
	}
	for loop, cache := range c.loopKillCache {
		s.loopKillCache[loop] = cache.Clone()
	}
	return s
}

// restoreSnapshot rewinds the closure to the saved session state and returns
// the state at the outermost loop's entry.
func (c *Closure[T]) restoreSnapshot() T {
	s := c.snapshot
	c.aliases.CopyFrom(s.aliases)
	for i, l := range s.blockEffects {
		c.blockEffects[i] = l.Clone()
	}
	c.loopMergeEffects = make(map[*ir.Loop]*EffectList, len(s.loopMergeEffects))
	for loop, l := range s.loopMergeEffects {
		c.loopMergeEffects[loop] = l.Clone()
	}
	c.loopEntryStates = make(map[*ir.Loop]T, len(s.loopEntryStates))
	for loop, st := range s.loopEntryStates {
		c.loopEntryStates[loop] = c.policy.CloneState(st)
	}
	c.loopKillCache = make(map[*ir.Loop]*LoopKillCache, len(s.loopKillCache))
	for loop, cache := range s.loopKillCache {
		c.loopKillCache[loop] = cache.Clone()
	}
	c.policy.Restore(s.policySnapshot)
	c.changed = s.changed
	return c.policy.CloneState(s.initialState)
}

// maxNestDepth returns the deepest loop depth within the given loop's nest.
func maxNestDepth(loop *ir.Loop) int {
	max := loop.Depth()
	for _, child := range loop.Children() {
		if d := maxNestDepth(child); d > max {
			max = d
		}
	}
	return max
}

// effectsCollector walks the CFG in application order, gathering the effect
// lists: each block's list in reverse postorder, a loop's deferred merge
// effects right after its body, loop exits after that.
type effectsCollector[T BlockState[T]] struct {
	c     *Closure[T]
	lists []*EffectList
}

func (col *effectsCollector[T]) ProcessBlock(b *ir.Block, state struct{}) (struct{}, error) {
	col.lists = append(col.lists, col.c.blockEffects[b.Index()])
	return state, nil
}

func (col *effectsCollector[T]) MergeStates(merge *ir.Block, states []struct{}) (struct{}, error) {
	return struct{}{}, nil
}

func (col *effectsCollector[T]) CloneState(state struct{}) struct{} { return state }

func (col *effectsCollector[T]) ProcessLoop(loop *ir.Loop, state struct{}) (LoopInfo[struct{}], error) {
	info, err := ProcessLoopBody[struct{}](col, col.c.cfg, loop, state)
	if err != nil {
		return info, err
	}
	if deferred := col.c.loopMergeEffects[loop]; deferred != nil {
		col.lists = append(col.lists, deferred)
	}
	return info, nil
}

// ApplyEffects commits the recorded effects to the graph: first every
// non-structural effect in control flow order, then the structural ones, which
// may renumber phi inputs while removing dead branches. Nodes deleted by the
// analysis must be unreachable afterwards; they are then garbage collected
// together with floating inputs they kept alive.
func (c *Closure[T]) ApplyEffects() error {
	col := &effectsCollector[T]{c: c}
	if err := Iterate[struct{}](col, c.cfg, struct{}{}); err != nil {
		return err
	}
	g := c.cfg.Graph()
	obsolete := &intsets.Sparse{}
	for _, l := range col.lists {
		l.Apply(g, obsolete, false)
	}
	for _, l := range col.lists {
		l.Apply(g, obsolete, true)
	}
	reachable := g.ReachableNodes()
	ids := obsolete.AppendTo(nil)
	for _, id := range ids {
		if reachable.Has(id) {
			return fmt.Errorf("deleted node %v is still reachable", g.NodeByID(id))
		}
	}
	for _, id := range ids {
		if n := g.NodeByID(id); n.IsAlive() {
			g.KillWithUnusedFloatingInputs(n)
		}
	}
	return nil
}
