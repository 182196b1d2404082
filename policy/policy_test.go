// Package policy_test
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package policy_test

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/meta"
	"github.com/kumulus-db/kumulus-go/policy"
)

func snapWith(hosts ...*meta.Host) *meta.Snapshot {
	snap := &meta.Snapshot{
		Hosts:     make(map[uuid.UUID]*meta.Host, len(hosts)),
		Keyspaces: make(map[string]*meta.Keyspace),
		Revision:  1,
	}
	for _, h := range hosts {
		snap.Hosts[h.ID] = h
	}
	return snap
}

func mkhost(i int, dc string) *meta.Host {
	h := meta.NewHost(uuid.New(), "10.0.0."+strconv.Itoa(i)+":9042")
	h.DC = dc
	h.SetState(meta.StateUp)
	return h
}

var _ = Describe("LoadBalancing", func() {
	It("yields each host at most once and exhaustion is terminal", func() {
		hosts := []*meta.Host{mkhost(1, "dc1"), mkhost(2, "dc1"), mkhost(3, "dc1")}
		snap := snapWith(hosts...)
		lb := &policy.RoundRobin{}
		lb.Init(snap)

		plan := lb.NewPlan(snap, nil)
		seen := make(map[*meta.Host]bool)
		for {
			h := plan.Next()
			if h == nil {
				break
			}
			Expect(seen[h]).To(BeFalse(), "host yielded twice")
			seen[h] = true
		}
		Expect(seen).To(HaveLen(3))
		Expect(plan.Next()).To(BeNil())
		Expect(plan.Next()).To(BeNil(), "exhaustion must be terminal")
	})

	It("skips Down and Ignored hosts", func() {
		up, down, ignored := mkhost(1, "dc1"), mkhost(2, "dc1"), mkhost(3, "dc1")
		down.SetState(meta.StateDown)
		ignored.SetDistance(meta.DistanceIgnored)
		snap := snapWith(up, down, ignored)
		lb := &policy.RoundRobin{}
		plan := lb.NewPlan(snap, nil)
		Expect(plan.Next()).To(Equal(up))
		Expect(plan.Next()).To(BeNil())
	})

	It("rotates the starting host across plans", func() {
		snap := snapWith(mkhost(1, "dc1"), mkhost(2, "dc1"), mkhost(3, "dc1"))
		lb := &policy.RoundRobin{}
		first := make(map[*meta.Host]bool)
		for range 3 {
			first[lb.NewPlan(snap, nil).Next()] = true
		}
		Expect(first).To(HaveLen(3))
	})

	It("orders local datacenter before remote and classifies distance", func() {
		l1, l2, r1 := mkhost(1, "dc1"), mkhost(2, "dc1"), mkhost(3, "dc2")
		snap := snapWith(l1, l2, r1)
		lb := &policy.DCAwareRoundRobin{LocalDC: "dc1"}
		lb.Init(snap)
		Expect(lb.Distance(l1)).To(Equal(meta.DistanceLocal))
		Expect(lb.Distance(r1)).To(Equal(meta.DistanceRemote))

		plan := lb.NewPlan(snap, nil)
		var order []*meta.Host
		for h := plan.Next(); h != nil; h = plan.Next() {
			order = append(order, h)
		}
		Expect(order).To(HaveLen(3))
		Expect(order[2]).To(Equal(r1), "remote host must come last")
	})

	It("puts replicas of the routing key first", func() {
		hosts := []*meta.Host{mkhost(1, "dc1"), mkhost(2, "dc1"), mkhost(3, "dc1")}
		for i, h := range hosts {
			h.Tokens = []string{strconv.FormatInt(int64(i)*1000, 10)}
		}
		snap := snapWith(hosts...)
		snap.Ring = meta.BuildRing(meta.Murmur3Partitioner, hosts)
		snap.Keyspaces["ks"] = &meta.Keyspace{
			Name:            "ks",
			StrategyClass:   "org.apache.cassandra.locator.SimpleStrategy",
			StrategyOptions: map[string]string{"replication_factor": "2"},
		}
		lb := &policy.TokenAware{Child: &policy.RoundRobin{}}
		lb.Init(snap)

		rk := []byte{0, 0, 0, 42}
		token := meta.Murmur3Token(rk)
		primary := snap.Ring.Primary(token)
		plan := lb.NewPlan(snap, &policy.QueryInfo{Keyspace: "ks", RoutingKey: rk})
		Expect(plan.Next()).To(Equal(primary))

		var rest []*meta.Host
		for h := plan.Next(); h != nil; h = plan.Next() {
			rest = append(rest, h)
		}
		Expect(rest).To(HaveLen(2), "remaining hosts exactly once each")
	})
})

var _ = Describe("Retry", func() {
	p := policy.DefaultRetry{}

	It("hops to the next host on unavailable, once", func() {
		err := &cmn.ErrUnavailable{Required: 3, Alive: 1}
		Expect(p.Decide(err, 0, false)).To(Equal(policy.RetryNext))
		Expect(p.Decide(err, 1, false)).To(Equal(policy.Rethrow))
	})

	It("retries the same host on a quorum read timeout without data", func() {
		err := &cmn.ErrReadTimeout{Received: 2, BlockFor: 2, DataPresent: false}
		Expect(p.Decide(err, 0, true)).To(Equal(policy.RetrySame))
		Expect(p.Decide(&cmn.ErrReadTimeout{Received: 1, BlockFor: 2}, 0, true)).To(Equal(policy.Rethrow))
	})

	It("rethrows write timeouts except idempotent batch-log", func() {
		Expect(p.Decide(&cmn.ErrWriteTimeout{WriteType: "SIMPLE"}, 0, true)).To(Equal(policy.Rethrow))
		Expect(p.Decide(&cmn.ErrWriteTimeout{WriteType: "BATCH_LOG"}, 0, true)).To(Equal(policy.RetrySame))
		Expect(p.Decide(&cmn.ErrWriteTimeout{WriteType: "BATCH_LOG"}, 0, false)).To(Equal(policy.Rethrow))
	})

	It("moves on from a dead connection", func() {
		Expect(p.Decide(&cmn.ErrConnectionClosed{}, 0, true)).To(Equal(policy.RetryNext))
		Expect(p.Decide(cmn.ErrHostBusy, 0, false)).To(Equal(policy.RetryNext))
	})

	It("never retries misuse errors", func() {
		Expect(p.Decide(&cmn.ErrSyntax{Message: "x"}, 0, true)).To(Equal(policy.Rethrow))
		Expect(p.Decide(&cmn.ErrInvalid{Message: "x"}, 0, true)).To(Equal(policy.Rethrow))
	})
})

var _ = Describe("SpeculativeExecution", func() {
	It("paces a bounded number of extra executions", func() {
		p := &policy.ConstantSpeculative{Delay: 100 * time.Millisecond, Max: 2}
		s := p.Schedule()
		d, ok := s.NextDelay()
		Expect(ok).To(BeTrue())
		Expect(d).To(Equal(100 * time.Millisecond))
		_, ok = s.NextDelay()
		Expect(ok).To(BeTrue())
		_, ok = s.NextDelay()
		Expect(ok).To(BeFalse())
	})

	It("never fires when disabled", func() {
		_, ok := policy.NoSpeculative{}.Schedule().NextDelay()
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Reconnection", func() {
	It("grows exponentially up to the cap", func() {
		p := &policy.ExponentialReconnection{Base: time.Second, Cap: 10 * time.Second}
		s := p.NewSchedule()
		Expect(s.NextDelay()).To(Equal(time.Second))
		Expect(s.NextDelay()).To(Equal(2 * time.Second))
		Expect(s.NextDelay()).To(Equal(4 * time.Second))
		Expect(s.NextDelay()).To(Equal(8 * time.Second))
		Expect(s.NextDelay()).To(Equal(10 * time.Second))
		Expect(s.NextDelay()).To(Equal(10 * time.Second))
	})

	It("schedules are independent per pool", func() {
		p := &policy.ExponentialReconnection{Base: time.Second, Cap: time.Minute}
		s1, s2 := p.NewSchedule(), p.NewSchedule()
		s1.NextDelay()
		s1.NextDelay()
		Expect(s2.NextDelay()).To(Equal(time.Second))
	})
})

var _ = Describe("TimestampGen", func() {
	It("never repeats a timestamp under concurrency", func() {
		g := &policy.MonotonicTimestampGen{}
		const perG, workers = 200, 8
		out := make(chan int64, perG*workers)
		for range workers {
			go func() {
				for range perG {
					out <- g.Next()
				}
			}()
		}
		seen := make(map[int64]bool, perG*workers)
		for range perG * workers {
			ts := <-out
			Expect(seen[ts]).To(BeFalse(), "duplicate timestamp")
			seen[ts] = true
		}
	})
})
