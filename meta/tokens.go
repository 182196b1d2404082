// Package meta maintains the process-wide cluster metadata.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package meta

import (
	"sort"
	"strconv"
	"strings"

	"github.com/twmb/murmur3"
)

const Murmur3Partitioner = "org.apache.cassandra.dht.Murmur3Partitioner"

type (
	ringEntry struct {
		host  *Host
		token int64
	}
	// Ring is the sorted (token -> host) view built from host token sets.
	// Immutable once built; rebuilt on topology refresh.
	Ring struct {
		entries     []ringEntry
		partitioner string
	}
)

// Murmur3Token: token of a serialized partition key. The 64-bit half of the
// 128-bit hash, as the server computes it.
func Murmur3Token(routingKey []byte) int64 {
	h1, _ := murmur3.Sum128(routingKey)
	return int64(h1)
}

// BuildRing parses host token strings into a sorted ring. Only the Murmur3
// partitioner is token-mapped; any other yields a nil ring and token-aware
// routing degrades to the child policy order.
func BuildRing(partitioner string, hosts []*Host) *Ring {
	if !strings.HasSuffix(partitioner, "Murmur3Partitioner") {
		return nil
	}
	r := &Ring{partitioner: partitioner}
	for _, h := range hosts {
		for _, ts := range h.Tokens {
			tok, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				continue
			}
			r.entries = append(r.entries, ringEntry{host: h, token: tok})
		}
	}
	sort.Slice(r.entries, func(i, j int) bool { return r.entries[i].token < r.entries[j].token })
	return r
}

func (r *Ring) Len() int { return len(r.entries) }

// Primary returns the owner of the token: the host with the smallest ring
// token >= the argument, wrapping around.
func (r *Ring) Primary(token int64) *Host {
	if len(r.entries) == 0 {
		return nil
	}
	i := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].token >= token })
	if i == len(r.entries) {
		i = 0
	}
	return r.entries[i].host
}

// Replicas walks the ring from the token owner and selects replicas per the
// keyspace's replication strategy. A nil or unknown keyspace degrades to the
// primary only.
func (r *Ring) Replicas(ks *Keyspace, token int64) []*Host {
	if len(r.entries) == 0 {
		return nil
	}
	start := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].token >= token })
	if start == len(r.entries) {
		start = 0
	}
	if ks == nil {
		return []*Host{r.entries[start].host}
	}
	switch {
	case strings.HasSuffix(ks.StrategyClass, "SimpleStrategy"):
		return r.simpleReplicas(ks, start)
	case strings.HasSuffix(ks.StrategyClass, "NetworkTopologyStrategy"):
		return r.ntsReplicas(ks, start)
	}
	return []*Host{r.entries[start].host}
}

func (r *Ring) simpleReplicas(ks *Keyspace, start int) []*Host {
	rf := parseRF(ks.StrategyOptions["replication_factor"])
	out := make([]*Host, 0, rf)
	for i := 0; i < len(r.entries) && len(out) < rf; i++ {
		h := r.entries[(start+i)%len(r.entries)].host
		if !containsHost(out, h) {
			out = append(out, h)
		}
	}
	return out
}

// per-DC factors; racks within a DC are preferred distinct, then filled
func (r *Ring) ntsReplicas(ks *Keyspace, start int) []*Host {
	var (
		want  = make(map[string]int, len(ks.StrategyOptions))
		got   = make(map[string]int)
		racks = make(map[string]map[string]bool)
		total int
	)
	for dc, v := range ks.StrategyOptions {
		if dc == "class" {
			continue
		}
		if rf := parseRF(v); rf > 0 {
			want[dc] = rf
			total += rf
		}
	}
	if total == 0 {
		return []*Host{r.entries[start].host}
	}
	out := make([]*Host, 0, total)
	// pass 1: distinct racks per DC
	for i := 0; i < len(r.entries) && len(out) < total; i++ {
		h := r.entries[(start+i)%len(r.entries)].host
		if containsHost(out, h) || got[h.DC] >= want[h.DC] {
			continue
		}
		if racks[h.DC] == nil {
			racks[h.DC] = make(map[string]bool)
		}
		if racks[h.DC][h.Rack] {
			continue
		}
		racks[h.DC][h.Rack] = true
		got[h.DC]++
		out = append(out, h)
	}
	// pass 2: fill remaining quota regardless of rack
	for i := 0; i < len(r.entries) && len(out) < total; i++ {
		h := r.entries[(start+i)%len(r.entries)].host
		if containsHost(out, h) || got[h.DC] >= want[h.DC] {
			continue
		}
		got[h.DC]++
		out = append(out, h)
	}
	return out
}

func parseRF(s string) int {
	if s == "" {
		return 1
	}
	// NTS options may carry "3" or "3.0"
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	rf, err := strconv.Atoi(s)
	if err != nil || rf < 1 {
		return 1
	}
	return rf
}

func containsHost(hosts []*Host, h *Host) bool {
	for _, cur := range hosts {
		if cur == h {
			return true
		}
	}
	return false
}
