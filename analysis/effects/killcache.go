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

// Location identifies an abstract memory location killed by a loop body, for
// example one field of one allocation.
type Location struct {
	// ObjectID is the node id of the allocation or virtual object.
	ObjectID int
	// Field is the field index within the object, or -1 for the whole object.
	Field int
}

// AnyLocation marks a loop that may kill every location.
var AnyLocation = Location{ObjectID: -1, Field: -1}

// LoopKillCache remembers which locations a loop's body killed the last time
// the loop was analyzed, so later visits can strip exactly those facts from the
// entry state instead of re-discovering them through extra fixed-point
// iterations. The single most recent location is kept out of the set as a fast
// path, since most loops kill one location.
type LoopKillCache struct {
	visits          int
	firstLocation   *Location
	killedLocations map[Location]bool
	killsAll        bool
}

// NewLoopKillCache returns a cache that has been visited the given number of
// times.
func NewLoopKillCache(visits int) *LoopKillCache {
	return &LoopKillCache{visits: visits}
}

// Clone returns an independent copy of the cache.
func (c *LoopKillCache) Clone() *LoopKillCache {
	clone := &LoopKillCache{visits: c.visits, killsAll: c.killsAll}
	if c.firstLocation != nil {
		loc := *c.firstLocation
		clone.firstLocation = &loc
	}
	if c.killedLocations != nil {
		clone.killedLocations = make(map[Location]bool, len(c.killedLocations))
		for loc := range c.killedLocations {
			clone.killedLocations[loc] = true
		}
	}
	return clone
}

// Visited records one more analysis visit of the loop.
func (c *LoopKillCache) Visited() { c.visits++ }

// Visits returns how many times the loop has been analyzed.
func (c *LoopKillCache) Visits() int { return c.visits }

// SetKillsAll records that the loop may kill any location.
func (c *LoopKillCache) SetKillsAll() { c.killsAll = true }

// KillsAll reports whether the loop may kill any location.
func (c *LoopKillCache) KillsAll() bool { return c.killsAll }

// RememberKilledLocation records one location killed by the loop body.
func (c *LoopKillCache) RememberKilledLocation(loc Location) {
	if c.killsAll {
		return
	}
	if loc == AnyLocation {
		c.killsAll = true
		return
	}
	if c.firstLocation == nil || *c.firstLocation == loc {
		c.firstLocation = &loc
		return
	}
	if c.killedLocations == nil {
		c.killedLocations = make(map[Location]bool)
	}
	c.killedLocations[loc] = true
}

// ContainsLocation reports whether the loop was recorded to kill loc.
func (c *LoopKillCache) ContainsLocation(loc Location) bool {
	if c.killsAll {
		return true
	}
	if c.firstLocation != nil && *c.firstLocation == loc {
		return true
	}
	return c.killedLocations[loc]
}

// KillsLocations reports whether the loop kills any location at all.
func (c *LoopKillCache) KillsLocations() bool {
	return c.killsAll || c.firstLocation != nil
}
