// Package pool owns the fixed-size set of connections to a single host:
// distance-aware sizing, lazy/eager fill, round-robin borrow, and
// reconnection with policy-driven backoff.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package pool

import (
	"context"
	"sync"
	ratomic "sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/cos"
	"github.com/kumulus-db/kumulus-go/meta"
	"github.com/kumulus-db/kumulus-go/policy"
	"github.com/kumulus-db/kumulus-go/stats"
	"github.com/kumulus-db/kumulus-go/transport"
)

type (
	// ConnectFn dials a Ready connection to the endpoint; supplied by the
	// cluster so pools stay ignorant of negotiation options.
	ConnectFn func(ctx context.Context, endpoint string, onClose func(*transport.Conn, error)) (*transport.Conn, error)

	Sizing struct {
		CoreLocal  int
		CoreRemote int
	}

	Pool struct {
		host    *meta.Host
		connect ConnectFn
		recon   policy.Reconnection
		rom     *cmn.Rom
		log     *zap.Logger
		sizing  Sizing

		conns ratomic.Pointer[[]*transport.Conn] // copy-on-write live set
		rr    ratomic.Uint64

		mu           sync.Mutex // serializes transitions
		closed       bool
		reconnecting bool
		stopCh       *cos.StopCh
	}
)

func New(host *meta.Host, sizing Sizing, connect ConnectFn, recon policy.Reconnection, rom *cmn.Rom, log *zap.Logger) *Pool {
	if rom == nil {
		rom = cmn.DefaultRom()
	}
	p := &Pool{
		host:    host,
		sizing:  sizing,
		connect: connect,
		recon:   recon,
		rom:     rom,
		log:     log.With(zap.String("host", host.Endpoint)),
		stopCh:  cos.NewStopCh(),
	}
	empty := make([]*transport.Conn, 0, sizing.CoreLocal)
	p.conns.Store(&empty)
	return p
}

func (p *Pool) Host() *meta.Host { return p.host }

// target size is a pure function of the host's distance
func (p *Pool) target() int {
	switch p.host.Distance() {
	case meta.DistanceLocal:
		return p.sizing.CoreLocal
	case meta.DistanceRemote:
		return p.sizing.CoreRemote
	}
	return 0
}

func (p *Pool) Live() int { return len(*p.conns.Load()) }

// Fill eagerly opens connections up to the core count; the first error is
// returned but partial fills stand.
func (p *Pool) Fill(ctx context.Context) error {
	var firstErr error
	for {
		p.mu.Lock()
		if p.closed || len(*p.conns.Load()) >= p.target() {
			p.mu.Unlock()
			return firstErr
		}
		p.mu.Unlock()
		if err := p.addConn(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.kickReconnect()
			return firstErr
		}
	}
}

func (p *Pool) addConn(ctx context.Context) error {
	c, err := p.connect(ctx, p.host.Endpoint, p.onConnClose)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed || len(*p.conns.Load()) >= p.target() {
		p.mu.Unlock()
		c.Close("pool full")
		return nil
	}
	cur := *p.conns.Load()
	next := make([]*transport.Conn, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, c)
	p.conns.Store(&next)
	p.mu.Unlock()
	stats.ConnsOpen.Inc()
	return nil
}

// Borrow picks a live connection round-robin; a connection with no free
// stream is skipped. Fails fast with ErrHostBusy - the executor moves on to
// the next host in the plan - while reconnection proceeds in the background.
func (p *Pool) Borrow() (*transport.Conn, error) {
	conns := *p.conns.Load()
	if len(conns) == 0 {
		p.kickReconnect()
		return nil, cmn.ErrHostBusy
	}
	off := int(p.rr.Add(1) - 1)
	for i := range conns {
		c := conns[(off+i)%len(conns)]
		if c.Ready() && !c.Exhausted() {
			return c, nil
		}
	}
	return nil, cmn.ErrHostBusy
}

func (p *Pool) onConnClose(c *transport.Conn, _ error) {
	p.mu.Lock()
	cur := *p.conns.Load()
	next := make([]*transport.Conn, 0, len(cur))
	for _, cc := range cur {
		if cc != c {
			next = append(next, cc)
		}
	}
	removed := len(next) != len(cur)
	p.conns.Store(&next)
	below := !p.closed && len(next) < p.target()
	p.mu.Unlock()
	if removed {
		stats.ConnsOpen.Dec()
	}
	if below {
		p.kickReconnect()
	}
}

// kickReconnect starts the (single) reconnection task for this pool.
func (p *Pool) kickReconnect() {
	p.mu.Lock()
	if p.closed || p.reconnecting || p.target() == 0 {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()
	go p.reconnectLoop()
}

func (p *Pool) reconnectLoop() {
	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()
	sched := p.recon.NewSchedule()
	for {
		p.mu.Lock()
		done := p.closed || len(*p.conns.Load()) >= p.target()
		p.mu.Unlock()
		if done {
			return
		}
		delay := sched.NextDelay()
		select {
		case <-time.After(delay):
		case <-p.stopCh.Listen():
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.rom.ConnectTimeout())
		err := p.addConn(ctx)
		cancel()
		if err != nil {
			stats.ReconnectFailures.Inc()
			p.log.Debug("reconnect attempt failed", zap.Error(err), zap.Duration("next_in", delay))
			continue
		}
		// success resets the backoff
		sched = p.recon.NewSchedule()
	}
}

// Resize reacts to a distance change; shrinking to Ignored closes everything.
func (p *Pool) Resize(ctx context.Context) {
	tgt := p.target()
	if tgt == 0 {
		p.drain("host ignored")
		return
	}
	p.mu.Lock()
	over := len(*p.conns.Load()) - tgt
	var victims []*transport.Conn
	if over > 0 {
		cur := *p.conns.Load()
		keep := make([]*transport.Conn, tgt)
		copy(keep, cur[:tgt])
		victims = append(victims, cur[tgt:]...)
		p.conns.Store(&keep)
	}
	p.mu.Unlock()
	for _, c := range victims {
		c.Close("pool resized")
	}
	if over < 0 {
		_ = p.Fill(ctx)
	}
}

func (p *Pool) drain(reason string) {
	p.mu.Lock()
	cur := *p.conns.Load()
	empty := make([]*transport.Conn, 0)
	p.conns.Store(&empty)
	p.mu.Unlock()
	for _, c := range cur {
		c.Close(reason)
	}
}

// Close cancels reconnection and closes every connection; pending requests
// on them surface "cluster closing". Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.stopCh.Close()
	p.drain(cmn.ErrClusterClosing.Error())
}
