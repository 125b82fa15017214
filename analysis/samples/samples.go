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

// Package samples builds small prebuilt graphs. They are used by the command
// line front end to demonstrate the analysis and by tests as known-shape
// inputs.
package samples

import (
	"fmt"

	"github.com/virtgraph/virtgraph/analysis/ir"
	"github.com/virtgraph/virtgraph/internal/funcutil"
)

// Builder constructs a graph and returns it together with its entry node.
type Builder func() (*ir.Graph, *ir.Node)

// All maps sample names to their builders.
var All = map[string]Builder{
	"straightline": Straightline,
	"branch-merge": BranchMerge,
	"escape-call":  EscapeCall,
	"counted-loop": CountedLoop,
	"dead-branch":  DeadBranch,
}

// Names returns the sample names in increasing order.
func Names() []string {
	return funcutil.OrderedKeys(All)
}

// Build returns the graph for the sample with the given name.
func Build(name string) (*ir.Graph, *ir.Node, error) {
	builder, ok := All[name]
	if !ok {
		return nil, nil, fmt.Errorf("unknown sample %q (available: %v)", name, Names())
	}
	g, entry := builder()
	return g, entry, nil
}

// Straightline allocates an object, writes and reads a field and returns the
// value. Nothing escapes, so the allocation folds away entirely.
//
//	o := alloc(2); o.f0 = 7; return o.f0
func Straightline() (*ir.Graph, *ir.Node) {
	g := ir.NewGraph()
	begin := g.NewBegin()
	g.SetStart(begin)

	c7 := g.NewConst(7)
	obj := g.NewInstance(2)
	store := g.NewStore(obj, 0, c7)
	load := g.NewLoad(obj, 0)
	ret := g.NewReturn(load)

	g.Link(begin, obj)
	g.Link(obj, store)
	g.Link(store, load)
	g.Link(load, ret)
	return g, begin
}

// BranchMerge writes different constants to a field on the two sides of a
// branch and reads the field after the merge. The object stays virtual and the
// read becomes a phi.
//
//	o := alloc(1); if p0 { o.f0 = 1 } else { o.f0 = 2 }; return o.f0
func BranchMerge() (*ir.Graph, *ir.Node) {
	g := ir.NewGraph()
	begin := g.NewBegin()
	g.SetStart(begin)

	p := g.NewParam(0)
	c1 := g.NewConst(1)
	c2 := g.NewConst(2)
	obj := g.NewInstance(1)
	branch := g.NewIf(p)
	g.Link(begin, obj)
	g.Link(obj, branch)

	trueBegin := g.NewBegin()
	storeTrue := g.NewStore(obj, 0, c1)
	endTrue := g.NewEnd()
	g.Link(trueBegin, storeTrue)
	g.Link(storeTrue, endTrue)

	falseBegin := g.NewBegin()
	storeFalse := g.NewStore(obj, 0, c2)
	endFalse := g.NewEnd()
	g.Link(falseBegin, storeFalse)
	g.Link(storeFalse, endFalse)

	branch.SetBranches(trueBegin, falseBegin)

	merge := g.NewMerge(endTrue, endFalse)
	load := g.NewLoad(obj, 0)
	ret := g.NewReturn(load)
	g.Link(merge, load)
	g.Link(load, ret)
	return g, begin
}

// EscapeCall passes the object to a call, which forces it to be materialized
// right before the call site.
//
//	o := alloc(1); o.f0 = 42; invoke(o); return o.f0
func EscapeCall() (*ir.Graph, *ir.Node) {
	g := ir.NewGraph()
	begin := g.NewBegin()
	g.SetStart(begin)

	c0 := g.NewConst(0)
	c42 := g.NewConst(42)
	obj := g.NewInstance(1)
	store := g.NewStore(obj, 0, c42)
	invoke := g.NewInvoke(obj)
	g.Link(begin, obj)
	g.Link(obj, store)
	g.Link(store, invoke)

	normalBegin := g.NewBegin()
	load := g.NewLoad(obj, 0)
	retNormal := g.NewReturn(load)
	g.Link(normalBegin, load)
	g.Link(load, retNormal)

	exBegin := g.NewBegin()
	retEx := g.NewReturn(c0)
	g.Link(exBegin, retEx)

	invoke.SetBranches(normalBegin, exBegin)
	return g, begin
}

// CountedLoop carries a virtual object through a loop, storing the induction
// variable into it on every iteration and reading it back after the loop. The
// object stays virtual across the backedge.
//
//	o := alloc(1); for i := 0; i < 10; i++ { o.f0 = i + 1 }; return o.f0
func CountedLoop() (*ir.Graph, *ir.Node) {
	g := ir.NewGraph()
	begin := g.NewBegin()
	g.SetStart(begin)

	c0 := g.NewConst(0)
	c1 := g.NewConst(1)
	c10 := g.NewConst(10)
	obj := g.NewInstance(1)
	storeInit := g.NewStore(obj, 0, c0)
	forwardEnd := g.NewEnd()
	g.Link(begin, obj)
	g.Link(obj, storeInit)
	g.Link(storeInit, forwardEnd)

	loopBegin := g.NewLoopBegin(forwardEnd)
	loopEnd := g.NewLoopEnd(loopBegin)
	// The backedge input is patched once the increment exists.
	iPhi := g.NewPhi(loopBegin, c0, c0)
	cond := g.NewBinOp("<", iPhi, c10)
	branch := g.NewIf(cond)
	g.Link(loopBegin, cond)
	g.Link(cond, branch)

	bodyBegin := g.NewBegin()
	iNext := g.NewBinOp("+", iPhi, c1)
	storeBody := g.NewStore(obj, 0, iNext)
	g.Link(bodyBegin, iNext)
	g.Link(iNext, storeBody)
	g.Link(storeBody, loopEnd)
	iPhi.SetInput(1, iNext)

	loopExit := g.NewLoopExit(loopBegin)
	objProxy := g.NewProxy(loopExit, obj)
	load := g.NewLoad(objProxy, 0)
	ret := g.NewReturn(load)
	g.Link(loopExit, load)
	g.Link(load, ret)

	branch.SetBranches(bodyBegin, loopExit)
	return g, begin
}

// DeadBranch guards an escaping call with a branch on a constant condition.
// The dead side folds away, so the object is never materialized.
//
//	o := alloc(1); o.f0 = 1; if true { } else { invoke(o) }; return o.f0
func DeadBranch() (*ir.Graph, *ir.Node) {
	g := ir.NewGraph()
	begin := g.NewBegin()
	g.SetStart(begin)

	c0 := g.NewConst(0)
	c1 := g.NewConst(1)
	cond := g.NewLogicConst(true)
	obj := g.NewInstance(1)
	store := g.NewStore(obj, 0, c1)
	branch := g.NewIf(cond)
	g.Link(begin, obj)
	g.Link(obj, store)
	g.Link(store, branch)

	trueBegin := g.NewBegin()
	endTrue := g.NewEnd()
	g.Link(trueBegin, endTrue)

	falseBegin := g.NewBegin()
	invoke := g.NewInvoke(obj)
	g.Link(falseBegin, invoke)

	normalBegin := g.NewBegin()
	endFalse := g.NewEnd()
	g.Link(normalBegin, endFalse)

	exBegin := g.NewBegin()
	retEx := g.NewReturn(c0)
	g.Link(exBegin, retEx)

	invoke.SetBranches(normalBegin, exBegin)
	branch.SetBranches(trueBegin, falseBegin)

	merge := g.NewMerge(endTrue, endFalse)
	load := g.NewLoad(obj, 0)
	ret := g.NewReturn(load)
	g.Link(merge, load)
	g.Link(load, ret)
	return g, begin
}
