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
	"github.com/virtgraph/virtgraph/analysis/ir"
)

// AliasMap records, per node, the value the analysis currently stands the node
// for: either a scalar replacement or a virtual object. It is indexed by node
// id and grows on demand, so snapshots are plain slice copies.
type AliasMap struct {
	aliases []*ir.Node
}

// NewAliasMap returns an alias map sized for the given node count.
func NewAliasMap(nodeCount int) *AliasMap {
	return &AliasMap{aliases: make([]*ir.Node, nodeCount)}
}

func (m *AliasMap) grow(id int) {
	if id >= len(m.aliases) {
		grown := make([]*ir.Node, id+1)
		copy(grown, m.aliases)
		m.aliases = grown
	}
}

// Set records alias as the current stand-in for node. A nil alias clears the
// entry.
func (m *AliasMap) Set(node, alias *ir.Node) {
	m.grow(node.ID())
	m.aliases[node.ID()] = alias
}

// Get returns the recorded stand-in for node, or node itself if none is set.
// The result may be a virtual object.
func (m *AliasMap) Get(node *ir.Node) *ir.Node {
	if node == nil {
		return nil
	}
	if id := node.ID(); id < len(m.aliases) && m.aliases[id] != nil {
		return m.aliases[id]
	}
	return node
}

// GetScalarAlias returns the recorded stand-in for node if it is a real graph
// value, and node itself if no alias is set or the alias is a virtual object.
func (m *AliasMap) GetScalarAlias(node *ir.Node) *ir.Node {
	alias := m.Get(node)
	if alias == nil || alias.Op() == ir.OpVirtualObject {
		return node
	}
	return alias
}

// Clone returns an independent copy of the map.
func (m *AliasMap) Clone() *AliasMap {
	aliases := make([]*ir.Node, len(m.aliases))
	copy(aliases, m.aliases)
	return &AliasMap{aliases: aliases}
}

// CopyFrom overwrites the map contents with those of other.
func (m *AliasMap) CopyFrom(other *AliasMap) {
	m.aliases = make([]*ir.Node, len(other.aliases))
	copy(m.aliases, other.aliases)
}
