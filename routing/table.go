// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package routing implements the AODV-style on-demand routing engine of spec §4.F: route
// discovery, a bounded route table with multi-path support, forwarding, and deduplication.
// Route bookkeeping follows the struct-per-route, score-promoted idiom used by pinecone's
// router/peer.go peer table.
package routing

import (
	"time"

	"github.com/tve/lorameshd/proto"
)

// DefaultCapacity is the default bound on routes held (spec §4.F).
const DefaultCapacity = 32

// RouteTimeout is how long a route may go unused before it's considered stale.
const RouteTimeout = 10 * time.Minute

// Route is one path to a destination (spec §3 "Route Entry").
type Route struct {
	Destination proto.Addr
	NextHop     proto.Addr
	HopCount    byte
	Quality     byte
	LastUpdated time.Time
	Primary     bool
}

// Score is quality − hop_count*10, used to pick the primary route among multiple (spec §4.F).
func (r Route) Score() int { return int(r.Quality) - int(r.HopCount)*10 }

// Table is the bounded, multi-path route table, owned exclusively by the scheduler (spec §5).
type Table struct {
	capacity int
	routes   map[proto.Addr][]*Route
	count    int
}

// NewTable creates a route table bounded at capacity total route entries.
func NewTable(capacity int) *Table {
	return &Table{capacity: capacity, routes: make(map[proto.Addr][]*Route)}
}

// Upsert installs or refreshes a route to dst via nextHop. Multiple routes per destination
// are retained (spec §4.F multi-path); primary_flag is recomputed after every update.
func (t *Table) Upsert(dst, nextHop proto.Addr, hopCount, quality byte, now time.Time) {
	list := t.routes[dst]
	for _, r := range list {
		if r.NextHop == nextHop {
			r.HopCount, r.Quality, r.LastUpdated = hopCount, quality, now
			t.recomputePrimary(dst)
			return
		}
	}
	if t.count >= t.capacity {
		t.evictOne()
	}
	r := &Route{Destination: dst, NextHop: nextHop, HopCount: hopCount, Quality: quality, LastUpdated: now}
	t.routes[dst] = append(list, r)
	t.count++
	t.recomputePrimary(dst)
}

func (t *Table) recomputePrimary(dst proto.Addr) {
	list := t.routes[dst]
	if len(list) == 0 {
		return
	}
	best := list[0]
	best.Primary = false
	for _, r := range list {
		r.Primary = false
		if r.Score() > best.Score() {
			best = r
		}
	}
	best.Primary = true
}

// evictOne drops the globally oldest route to make room (simple bounded-capacity policy).
func (t *Table) evictOne() {
	var oldestDst proto.Addr
	var oldestIdx int
	var oldestTime time.Time
	found := false
	for dst, list := range t.routes {
		for i, r := range list {
			if !found || r.LastUpdated.Before(oldestTime) {
				oldestDst, oldestIdx, oldestTime, found = dst, i, r.LastUpdated, true
			}
		}
	}
	if !found {
		return
	}
	list := t.routes[oldestDst]
	t.routes[oldestDst] = append(list[:oldestIdx], list[oldestIdx+1:]...)
	if len(t.routes[oldestDst]) == 0 {
		delete(t.routes, oldestDst)
	}
	t.count--
}

// Primary returns the highest-scoring route to dst, if any.
func (t *Table) Primary(dst proto.Addr) (*Route, bool) {
	for _, r := range t.routes[dst] {
		if r.Primary {
			return r, true
		}
	}
	return nil, false
}

// Routes returns all routes to dst, primary first.
func (t *Table) Routes(dst proto.Addr) []*Route {
	list := t.routes[dst]
	out := make([]*Route, len(list))
	copy(out, list)
	for i, r := range out {
		if r.Primary && i != 0 {
			out[0], out[i] = out[i], out[0]
		}
	}
	return out
}

// PromoteNextBest is called when forwarding through the primary next hop fails: it demotes
// the failed route and promotes the next-best remaining route for dst (spec §4.F multi-path).
func (t *Table) PromoteNextBest(dst, failedNextHop proto.Addr) {
	list := t.routes[dst]
	for i, r := range list {
		if r.NextHop == failedNextHop {
			list = append(list[:i], list[i+1:]...)
			t.count--
			break
		}
	}
	t.routes[dst] = list
	if len(list) == 0 {
		delete(t.routes, dst)
		return
	}
	t.recomputePrimary(dst)
}

// InvalidateVia drops every route that forwards through nextHop (spec §4.F ROUTE_ERR
// handling and proactive maintenance), returning the destinations that lost their only route.
func (t *Table) InvalidateVia(nextHop proto.Addr) []proto.Addr {
	var orphaned []proto.Addr
	for dst, list := range t.routes {
		kept := list[:0]
		for _, r := range list {
			if r.NextHop == nextHop {
				t.count--
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(t.routes, dst)
			orphaned = append(orphaned, dst)
		} else {
			t.routes[dst] = kept
			t.recomputePrimary(dst)
		}
	}
	return orphaned
}

// Expire drops routes whose age exceeds RouteTimeout.
func (t *Table) Expire(now time.Time) {
	cutoff := now.Add(-RouteTimeout)
	for dst, list := range t.routes {
		kept := list[:0]
		for _, r := range list {
			if r.LastUpdated.Before(cutoff) {
				t.count--
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(t.routes, dst)
		} else {
			t.routes[dst] = kept
			t.recomputePrimary(dst)
		}
	}
}

// StaleButInUse returns destinations whose primary route age exceeds fraction*RouteTimeout,
// candidates for a proactive HELLO refresh (spec §4.F "Proactive maintenance").
func (t *Table) StaleButInUse(now time.Time, fraction float64) []proto.Addr {
	threshold := time.Duration(float64(RouteTimeout) * fraction)
	var out []proto.Addr
	for dst, list := range t.routes {
		for _, r := range list {
			if r.Primary && now.Sub(r.LastUpdated) > threshold {
				out = append(out, dst)
			}
		}
	}
	return out
}

// Len returns the total number of route entries across all destinations.
func (t *Table) Len() int { return t.count }
