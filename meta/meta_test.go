// Package meta_test
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package meta_test

import (
	"strconv"
	"sync"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kumulus-db/kumulus-go/meta"
)

func host(dc, rack string, tokens ...string) *meta.Host {
	h := meta.NewHost(uuid.New(), dc+"-"+rack+"-"+tokens[0]+":9042")
	h.DC = dc
	h.Rack = rack
	h.Tokens = tokens
	h.SetState(meta.StateUp)
	return h
}

var _ = Describe("Store", func() {
	It("bumps the revision on every apply and never goes back", func() {
		s := meta.NewStore()
		Expect(s.Revision()).To(BeZero())
		var last int64
		for i := range 10 {
			snap := s.Apply(func(clone *meta.Snapshot) {
				h := host("dc1", "r"+strconv.Itoa(i), strconv.Itoa(i*100))
				clone.Hosts[h.ID] = h
			})
			Expect(snap.Revision).To(BeNumerically(">", last))
			last = snap.Revision
		}
		Expect(s.Revision()).To(Equal(last))
		Expect(s.Hosts()).To(HaveLen(10))
	})

	It("readers keep their snapshot while writers publish", func() {
		s := meta.NewStore()
		h1 := host("dc1", "r1", "0")
		s.Apply(func(clone *meta.Snapshot) { clone.Hosts[h1.ID] = h1 })
		old := s.Snapshot()
		s.Apply(func(clone *meta.Snapshot) { delete(clone.Hosts, h1.ID) })
		Expect(old.Hosts).To(HaveLen(1), "held snapshot is immutable")
		Expect(s.Snapshot().Hosts).To(BeEmpty())
	})

	It("notifies listeners after the swap with the new revision", func() {
		s := meta.NewStore()
		var (
			mu   sync.Mutex
			revs []int64
		)
		s.Listen(listener(func(ev meta.Event, rev int64) {
			mu.Lock()
			revs = append(revs, rev)
			mu.Unlock()
			Expect(s.Revision()).To(BeNumerically(">=", rev), "snapshot visible before notification")
		}))
		h := host("dc1", "r1", "0")
		s.Apply(func(clone *meta.Snapshot) { clone.Hosts[h.ID] = h },
			meta.Event{Kind: meta.HostAdded, Host: h})
		mu.Lock()
		defer mu.Unlock()
		Expect(revs).To(Equal([]int64{1}))
	})
})

type listener func(ev meta.Event, rev int64)

func (l listener) ListenMetaChange(ev meta.Event, rev int64) { l(ev, rev) }

var _ = Describe("Ring", func() {
	It("selects RF distinct hosts for SimpleStrategy", func() {
		hosts := []*meta.Host{
			host("dc1", "r1", "-4000"),
			host("dc1", "r2", "0"),
			host("dc1", "r3", "4000"),
		}
		ring := meta.BuildRing(meta.Murmur3Partitioner, hosts)
		Expect(ring.Len()).To(Equal(3))
		ks := &meta.Keyspace{
			StrategyClass:   "SimpleStrategy",
			StrategyOptions: map[string]string{"replication_factor": "3"},
		}
		// token 1 lands between 0 and 4000: primary is the "4000" host
		replicas := ring.Replicas(ks, 1)
		Expect(replicas).To(HaveLen(3))
		Expect(replicas[0]).To(Equal(hosts[2]))
		seen := map[*meta.Host]bool{}
		for _, r := range replicas {
			Expect(seen[r]).To(BeFalse())
			seen[r] = true
		}
	})

	It("wraps past the largest token", func() {
		hosts := []*meta.Host{host("dc1", "r1", "-100"), host("dc1", "r2", "100")}
		ring := meta.BuildRing(meta.Murmur3Partitioner, hosts)
		Expect(ring.Primary(101)).To(Equal(hosts[0]), "beyond the last token wraps to the smallest")
	})

	It("honors per-DC factors for NetworkTopologyStrategy", func() {
		hosts := []*meta.Host{
			host("dc1", "r1", "-6000"),
			host("dc1", "r2", "-2000"),
			host("dc2", "r1", "2000"),
			host("dc2", "r2", "6000"),
		}
		ring := meta.BuildRing(meta.Murmur3Partitioner, hosts)
		ks := &meta.Keyspace{
			StrategyClass:   "org.apache.cassandra.locator.NetworkTopologyStrategy",
			StrategyOptions: map[string]string{"class": "NetworkTopologyStrategy", "dc1": "2", "dc2": "1"},
		}
		replicas := ring.Replicas(ks, -6500)
		Expect(replicas).To(HaveLen(3))
		var dc1, dc2 int
		for _, r := range replicas {
			if r.DC == "dc1" {
				dc1++
			} else {
				dc2++
			}
		}
		Expect(dc1).To(Equal(2))
		Expect(dc2).To(Equal(1))
	})

	It("builds no ring for unknown partitioners and degrades to the primary for unknown strategies", func() {
		hosts := []*meta.Host{host("dc1", "r1", "0")}
		Expect(meta.BuildRing("ByteOrderedPartitioner", hosts)).To(BeNil())
		ring := meta.BuildRing(meta.Murmur3Partitioner, hosts)
		ks := &meta.Keyspace{StrategyClass: "EverywhereStrategy"}
		Expect(ring.Replicas(ks, 123)).To(HaveLen(1))
	})
})
