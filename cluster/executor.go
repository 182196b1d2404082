// Package cluster - the request executor: plan iteration, per-attempt
// dispatch, retry and speculative orchestration, result assembly.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cluster

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/mono"
	"github.com/kumulus-db/kumulus-go/frame"
	"github.com/kumulus-db/kumulus-go/meta"
	"github.com/kumulus-db/kumulus-go/policy"
	"github.com/kumulus-db/kumulus-go/stats"
	"github.com/kumulus-db/kumulus-go/transport"
)

type (
	// request is a fully bound execution: the body closure re-encodes per
	// connection since protocol versions may differ across the fleet.
	request struct {
		body       func(version int) []byte
		prepared   *Prepared // EXECUTE only; enables UNPREPARED recovery
		keyspace   string
		routingKey []byte
		opcode     byte
		idempotent bool
		failures   atomic.Int32 // failed attempts across all hosts: the retry policy's attempt index
	}
	outcome struct {
		res  *Result
		err  error
		host *meta.Host
		// final short-circuits the plan walk: rethrow decisions and the
		// non-idempotent transport guard
		final bool
	}
)

// execute runs one user request to completion: walk the query plan, race
// speculative attempts, settle on the first success.
func (c *Cluster) execute(ctx context.Context, req *request) (*Result, error) {
	stats.Queries.Inc()
	started := mono.NanoTime()
	defer func() { stats.QueryLatency.Observe(mono.Since(started).Seconds()) }()

	snap := c.store.Snapshot()
	plan := c.pol.LB.NewPlan(snap, &policy.QueryInfo{
		Keyspace:   req.keyspace,
		RoutingKey: req.routingKey,
		Idempotent: req.idempotent,
	})

	actx, cancel := context.WithCancel(ctx)
	defer cancel() // first success cancels all sibling attempts

	var (
		resCh    = make(chan outcome, 1)
		errs     = make(map[string]error)
		inflight int
	)
	startNext := func() bool {
		h := plan.Next()
		if h == nil {
			return false
		}
		inflight++
		go c.attempt(actx, req, h, resCh)
		return true
	}
	if !startNext() {
		stats.Errors.WithLabelValues("no_host_available").Inc()
		return nil, &cmn.ErrNoHostAvailable{Errors: errs}
	}

	// speculative executions: idempotent statements only
	var (
		spec   policy.SpecSchedule
		timer  *time.Timer
		timerC <-chan time.Time
	)
	if req.idempotent {
		spec = c.pol.Spec.Schedule()
		if d, ok := spec.NextDelay(); ok {
			timer = time.NewTimer(d)
			timerC = timer.C
			defer timer.Stop()
		}
	}

	for {
		select {
		case out := <-resCh:
			inflight--
			if out.err == nil {
				return out.res, nil
			}
			errs[out.host.Endpoint] = out.err
			if out.final {
				stats.Errors.WithLabelValues(errKind(out.err)).Inc()
				return nil, out.err
			}
			if !startNext() && inflight == 0 {
				stats.Errors.WithLabelValues("no_host_available").Inc()
				return nil, &cmn.ErrNoHostAvailable{Errors: errs}
			}
		case <-timerC:
			if startNext() {
				stats.SpeculativeStarts.Inc()
			}
			if d, ok := spec.NextDelay(); ok {
				timer.Reset(d)
			} else {
				timerC = nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attempt drives retries against a single host; it reports exactly once
// unless the coordinator has moved on (actx canceled).
func (c *Cluster) attempt(actx context.Context, req *request, h *meta.Host, resCh chan<- outcome) {
	report := func(out outcome) {
		out.host = h
		select {
		case resCh <- out:
		case <-actx.Done():
		}
	}
	for {
		res, err, sent := c.send(actx, req, h)
		if err == nil {
			report(outcome{res: res})
			return
		}
		if errors.Is(err, context.Canceled) {
			return // sibling won
		}
		// a non-idempotent statement that has hit the wire is never retried
		if !req.idempotent && sent {
			if _, timedOut := err.(*cmn.ErrOperationTimedOut); timedOut || cmn.IsRetriableTransport(err) {
				report(outcome{err: err, final: true})
				return
			}
		}
		switch c.pol.Retry.Decide(err, int(req.failures.Add(1)-1), req.idempotent) {
		case policy.RetrySame:
			stats.Retries.Inc()
			continue
		case policy.RetryNext:
			stats.Retries.Inc()
			report(outcome{err: err})
			return
		case policy.Ignore:
			report(outcome{res: &Result{Coordinator: h}})
			return
		default:
			report(outcome{err: err, final: true})
			return
		}
	}
}

// send is one network attempt: borrow, fire with the read-timeout deadline,
// decode; one UNPREPARED recovery round-trip allowed. sent=false means the
// request never hit the wire.
func (c *Cluster) send(actx context.Context, req *request, h *meta.Host) (res *Result, err error, sent bool) {
	conn, err := c.borrow(h)
	if err != nil {
		return nil, err, false
	}
	rctx, rcancel := context.WithTimeout(actx, c.rom.ReadTimeout())
	defer rcancel()
	f, err := conn.Request(rctx, req.opcode, req.body(conn.Version()))
	if err != nil {
		return nil, err, !errors.Is(err, cmn.ErrConnBusy)
	}
	res, err = c.decodeResponse(conn, f, h)
	if ue, ok := cmn.IsErrUnprepared(err); ok && req.prepared != nil {
		// one re-prepare on the same host, then replay
		if p, found := c.prepared.lookup(ue.ID); found {
			if _, perr := c.prepareOn(rctx, conn, p.CQL, p.Keyspace); perr == nil {
				f, err = conn.Request(rctx, req.opcode, req.body(conn.Version()))
				if err != nil {
					return nil, err, true
				}
				res, err = c.decodeResponse(conn, f, h)
			}
		}
	}
	return res, err, true
}

func (c *Cluster) decodeResponse(conn *transport.Conn, f *frame.Frame, h *meta.Host) (*Result, error) {
	warnings, payload, body := frame.StripEnvelope(f)
	switch f.Hdr.Opcode {
	case frame.OpError:
		return nil, frame.DecodeError(body)
	case frame.OpResult:
		dec, err := frame.DecodeResult(body, conn.Version())
		if err != nil {
			return nil, err
		}
		res := &Result{Coordinator: h, Warnings: warnings, Payload: payload}
		switch dec.Kind {
		case frame.ResultRows:
			res.Rows = dec.Rows
			res.PagingState = dec.Rows.Meta.PagingState
		case frame.ResultSetKeyspace:
			res.Keyspace = dec.Keyspace
			conn.SetKeyspace(dec.Keyspace)
		case frame.ResultSchemaChange:
			res.SchemaChange = dec.SchemaChange
		}
		return res, nil
	}
	return nil, &cmn.ErrProtocol{Message: "unexpected " + frame.OpName(f.Hdr.Opcode) + " response"}
}

// borrow resolves the host's pool and picks a connection.
func (c *Cluster) borrow(h *meta.Host) (*transport.Conn, error) {
	p := c.pool(h.ID)
	if p == nil {
		return nil, cmn.ErrHostBusy
	}
	return p.Borrow()
}

func errKind(err error) string {
	switch err.(type) {
	case *cmn.ErrUnavailable:
		return "unavailable"
	case *cmn.ErrReadTimeout:
		return "read_timeout"
	case *cmn.ErrWriteTimeout:
		return "write_timeout"
	case *cmn.ErrReadFailure:
		return "read_failure"
	case *cmn.ErrWriteFailure:
		return "write_failure"
	case *cmn.ErrOperationTimedOut:
		return "operation_timed_out"
	case *cmn.ErrInvalid:
		return "invalid"
	case *cmn.ErrSyntax:
		return "syntax"
	case *cmn.ErrUnauthorized:
		return "unauthorized"
	case *cmn.ErrProtocol:
		return "protocol"
	case *cmn.ErrConnectionClosed:
		return "connection_closed"
	default:
		return "other"
	}
}
