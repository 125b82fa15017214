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

import "testing"

func TestLoopKillCacheSingleLocation(t *testing.T) {
	c := NewLoopKillCache(0)
	if c.KillsLocations() {
		t.Errorf("a fresh cache kills nothing")
	}
	loc := Location{ObjectID: 3, Field: 1}
	c.RememberKilledLocation(loc)
	if !c.KillsLocations() || !c.ContainsLocation(loc) {
		t.Errorf("expected %v to be killed", loc)
	}
	if c.ContainsLocation(Location{ObjectID: 3, Field: 0}) {
		t.Errorf("field 0 was never killed")
	}
	// Remembering the same location again must not spill into the map.
	c.RememberKilledLocation(loc)
	if !c.ContainsLocation(loc) {
		t.Errorf("expected %v to still be killed", loc)
	}
}

func TestLoopKillCacheManyLocations(t *testing.T) {
	c := NewLoopKillCache(1)
	a := Location{ObjectID: 1, Field: 0}
	b := Location{ObjectID: 2, Field: -1}
	c.RememberKilledLocation(a)
	c.RememberKilledLocation(b)
	if !c.ContainsLocation(a) || !c.ContainsLocation(b) {
		t.Errorf("expected both locations killed")
	}

	clone := c.Clone()
	clone.RememberKilledLocation(Location{ObjectID: 9, Field: 9})
	if c.ContainsLocation(Location{ObjectID: 9, Field: 9}) {
		t.Errorf("mutating the clone must not affect the original")
	}
}

func TestLoopKillCacheKillsAll(t *testing.T) {
	c := NewLoopKillCache(0)
	c.SetKillsAll()
	if !c.KillsAll() || !c.KillsLocations() {
		t.Errorf("expected the cache to kill everything")
	}
	if !c.ContainsLocation(AnyLocation) {
		t.Errorf("a kills-all cache contains any location")
	}
}

func TestLoopKillCacheVisits(t *testing.T) {
	c := NewLoopKillCache(0)
	c.Visited()
	c.Visited()
	if c.Visits() != 2 {
		t.Errorf("expected 2 visits, got %d", c.Visits())
	}
}
