// Package policy - load balancing.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package policy

import (
	"sort"
	"sync/atomic"

	"github.com/kumulus-db/kumulus-go/meta"
)

type (
	// sliceplan yields a pre-ordered host slice once, skipping duplicates.
	sliceplan struct {
		hosts   []*meta.Host
		yielded map[*meta.Host]bool
		i       int
	}

	// RoundRobin rotates over all Up hosts, DC-blind.
	RoundRobin struct {
		robin atomic.Uint64
	}

	// DCAwareRoundRobin rotates over Up hosts of the local datacenter first,
	// then the remotes. An empty LocalDC pins to the first snapshot's first
	// host's DC at Init.
	DCAwareRoundRobin struct {
		LocalDC string
		robin   atomic.Uint64
	}

	// TokenAware routes to replicas of the statement's routing key first
	// (local before remote), then falls back to the child plan.
	TokenAware struct {
		Child LoadBalancing
	}

	tokenPlan struct {
		replicas []*meta.Host
		child    Plan
		seen     map[*meta.Host]bool
		i        int
	}
)

// interface guards
var (
	_ LoadBalancing = (*RoundRobin)(nil)
	_ LoadBalancing = (*DCAwareRoundRobin)(nil)
	_ LoadBalancing = (*TokenAware)(nil)
)

func newSliceplan(hosts []*meta.Host) *sliceplan {
	return &sliceplan{hosts: hosts, yielded: make(map[*meta.Host]bool, len(hosts))}
}

func (p *sliceplan) Next() *meta.Host {
	for p.i < len(p.hosts) {
		h := p.hosts[p.i]
		p.i++
		if !p.yielded[h] {
			p.yielded[h] = true
			return h
		}
	}
	return nil
}

// stable iteration order regardless of map ordering
func sortedUp(snap *meta.Snapshot) []*meta.Host {
	hosts := make([]*meta.Host, 0, len(snap.Hosts))
	for _, h := range snap.Hosts {
		if h.State() != meta.StateDown && h.Distance() != meta.DistanceIgnored {
			hosts = append(hosts, h)
		}
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Endpoint < hosts[j].Endpoint })
	return hosts
}

func rotate(hosts []*meta.Host, by uint64) []*meta.Host {
	if len(hosts) < 2 {
		return hosts
	}
	off := int(by % uint64(len(hosts)))
	out := make([]*meta.Host, 0, len(hosts))
	out = append(out, hosts[off:]...)
	return append(out, hosts[:off]...)
}

func (*RoundRobin) Init(*meta.Snapshot) {}

func (*RoundRobin) Distance(*meta.Host) meta.Distance { return meta.DistanceLocal }

func (p *RoundRobin) NewPlan(snap *meta.Snapshot, _ *QueryInfo) Plan {
	return newSliceplan(rotate(sortedUp(snap), p.robin.Add(1)-1))
}

func (p *DCAwareRoundRobin) Init(snap *meta.Snapshot) {
	if p.LocalDC != "" {
		return
	}
	for _, h := range sortedUp(snap) {
		if h.DC != "" {
			p.LocalDC = h.DC
			return
		}
	}
}

func (p *DCAwareRoundRobin) Distance(h *meta.Host) meta.Distance {
	if p.LocalDC == "" || h.DC == p.LocalDC {
		return meta.DistanceLocal
	}
	return meta.DistanceRemote
}

func (p *DCAwareRoundRobin) NewPlan(snap *meta.Snapshot, _ *QueryInfo) Plan {
	var local, remote []*meta.Host
	for _, h := range sortedUp(snap) {
		if p.Distance(h) == meta.DistanceLocal {
			local = append(local, h)
		} else {
			remote = append(remote, h)
		}
	}
	by := p.robin.Add(1) - 1
	return newSliceplan(append(rotate(local, by), rotate(remote, by)...))
}

func (p *TokenAware) Init(snap *meta.Snapshot) { p.Child.Init(snap) }

func (p *TokenAware) Distance(h *meta.Host) meta.Distance { return p.Child.Distance(h) }

func (p *TokenAware) NewPlan(snap *meta.Snapshot, q *QueryInfo) Plan {
	child := p.Child.NewPlan(snap, q)
	if q == nil || q.RoutingKey == nil || snap.Ring == nil {
		return child
	}
	token := meta.Murmur3Token(q.RoutingKey)
	replicas := snap.Ring.Replicas(snap.Keyspaces[q.Keyspace], token)
	// up replicas only, local before remote, ring order otherwise preserved
	ordered := make([]*meta.Host, 0, len(replicas))
	for _, h := range replicas {
		if h.IsUp() && p.Distance(h) == meta.DistanceLocal {
			ordered = append(ordered, h)
		}
	}
	for _, h := range replicas {
		if h.IsUp() && p.Distance(h) == meta.DistanceRemote {
			ordered = append(ordered, h)
		}
	}
	return &tokenPlan{replicas: ordered, child: child, seen: make(map[*meta.Host]bool, len(ordered))}
}

func (p *tokenPlan) Next() *meta.Host {
	for p.i < len(p.replicas) {
		h := p.replicas[p.i]
		p.i++
		if !p.seen[h] {
			p.seen[h] = true
			return h
		}
	}
	for {
		h := p.child.Next()
		if h == nil {
			return nil
		}
		if !p.seen[h] {
			p.seen[h] = true
			return h
		}
	}
}
