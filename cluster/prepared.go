// Package cluster - prepared-statement registry.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cluster

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/frame"
	"github.com/kumulus-db/kumulus-go/meta"
	"github.com/kumulus-db/kumulus-go/stats"
	"github.com/kumulus-db/kumulus-go/transport"
)

// fan-out PREPAREs (initial broadcast and reprepare-on-up) share one bounded
// semaphore per cluster
const reprepareParallelism = 64

// registry is the cluster-wide prepared cache keyed by the server-assigned
// id, compared by content.
type registry struct {
	m   *xsync.Map[string, *Prepared]
	sem *semaphore.Weighted
}

func newRegistry() *registry {
	return &registry{
		m:   xsync.NewMap[string, *Prepared](),
		sem: semaphore.NewWeighted(reprepareParallelism),
	}
}

func (r *registry) lookup(id []byte) (*Prepared, bool) { return r.m.Load(string(id)) }

// insert is insert-or-get: the first writer for an id wins.
func (r *registry) insert(p *Prepared) *Prepared {
	actual, _ := r.m.LoadOrStore(string(p.ID), p)
	return actual
}

func (r *registry) forEach(fn func(p *Prepared)) {
	r.m.Range(func(_ string, p *Prepared) bool {
		fn(p)
		return true
	})
}

func (r *registry) queries() []string {
	out := make([]string, 0, r.m.Size())
	r.forEach(func(p *Prepared) { out = append(out, p.CQL) })
	return out
}

// prepareOn runs PREPARE on one borrowed connection and decodes the result.
func (c *Cluster) prepareOn(ctx context.Context, conn *transport.Conn, cql, keyspace string) (*Prepared, error) {
	body := frame.EncodePrepare(cql, keyspace, conn.Version())
	f, err := conn.Request(ctx, frame.OpPrepare, body)
	if err != nil {
		return nil, err
	}
	_, _, rbody := frame.StripEnvelope(f)
	if f.Hdr.Opcode == frame.OpError {
		return nil, frame.DecodeError(rbody)
	}
	res, err := frame.DecodeResult(rbody, conn.Version())
	if err != nil {
		return nil, err
	}
	if res.Kind != frame.ResultPrepared || res.Prepared == nil {
		return nil, &cmn.ErrProtocol{Message: "PREPARE did not return a prepared result"}
	}
	pr := res.Prepared
	return &Prepared{
		CQL:              cql,
		Keyspace:         keyspace,
		ID:               pr.ID,
		ResultMetadataID: pr.ResultMetadataID,
		PKIndices:        pr.PKIndices,
		Variables:        pr.Variables,
		ResultMeta:       pr.ResultMeta,
	}, nil
}

// prepare executes PREPARE on one host picked by the load balancer, inserts
// the statement, and broadcasts it to every other Up host in the background
// (best effort).
func (c *Cluster) prepare(ctx context.Context, cql, keyspace string) (*Prepared, error) {
	snap := c.store.Snapshot()
	plan := c.pol.LB.NewPlan(snap, nil)
	var (
		prepared *Prepared
		coord    *meta.Host
		errs     = make(map[string]error)
	)
	for {
		h := plan.Next()
		if h == nil {
			return nil, &cmn.ErrNoHostAvailable{Errors: errs}
		}
		conn, err := c.borrow(h)
		if err != nil {
			errs[h.Endpoint] = err
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, c.rom.ReadTimeout())
		prepared, err = c.prepareOn(rctx, conn, cql, keyspace)
		cancel()
		if err != nil {
			errs[h.Endpoint] = err
			if cmn.IsRetriableTransport(err) {
				continue
			}
			return nil, err
		}
		coord = h
		break
	}
	prepared = c.prepared.insert(prepared)
	go c.broadcastPrepare(prepared, coord)
	return prepared, nil
}

// broadcastPrepare pushes a freshly prepared statement to the rest of the
// fleet so the first EXECUTE anywhere does not bounce on UNPREPARED.
// Fan-out is concurrent; the registry semaphore bounds it at 64 in flight.
func (c *Cluster) broadcastPrepare(p *Prepared, except *meta.Host) {
	for _, h := range c.store.Hosts() {
		if h == except || !h.IsUp() || h.Distance() == meta.DistanceIgnored {
			continue
		}
		go c.reprepareHost(h, p)
	}
}

// reprepareHost is one best-effort PREPARE on one host, semaphore-bounded;
// failures are logged and swallowed - the executor lazily recovers on
// UNPREPARED.
func (c *Cluster) reprepareHost(h *meta.Host, p *Prepared) {
	ctx, cancel := context.WithTimeout(context.Background(), c.rom.ReadTimeout())
	defer cancel()
	if err := c.prepared.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.prepared.sem.Release(1)
	conn, err := c.borrow(h)
	if err == nil {
		_, err = c.prepareOn(ctx, conn, p.CQL, p.Keyspace)
	}
	if err != nil {
		c.log.Debug("background prepare failed",
			zap.String("host", h.Endpoint), zap.String("cql", p.CQL), zap.Error(err))
		return
	}
	stats.Reprepares.Inc()
}

// reprepareAll runs on Down->Up transitions when reprepare_on_up is set;
// statements go out concurrently under the shared semaphore.
func (c *Cluster) reprepareAll(h *meta.Host) {
	c.prepared.forEach(func(p *Prepared) {
		go c.reprepareHost(h, p)
	})
}
