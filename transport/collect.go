// Package transport provides the multiplexed native-protocol connection.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/cos"
	"github.com/kumulus-db/kumulus-go/cmn/mono"
	"github.com/kumulus-db/kumulus-go/frame"
)

// Connection collector: one slow-path goroutine shared by every connection
// in the process. Each tick it probes connections that have seen no traffic
// for the idle-heartbeat interval with an OPTIONS frame; a probe that misses
// the read-timeout closes the connection.

const dfltTick = time.Second

type (
	ctrl struct {
		c   *Conn
		add bool
	}
	collector struct {
		conns  map[*Conn]struct{}
		ticker *time.Ticker
		ctrlCh chan ctrl
		stopCh *cos.StopCh
	}
)

var (
	gc     *collector
	gcMu   sync.Mutex
	gcRefs int
)

// StartCollector must pair with StopCollector (cluster bootstrap/shutdown);
// the collector runs while at least one cluster is alive.
func StartCollector() {
	gcMu.Lock()
	gcRefs++
	if gcRefs == 1 {
		gc = &collector{
			conns:  make(map[*Conn]struct{}, 16),
			ctrlCh: make(chan ctrl, 64),
			stopCh: cos.NewStopCh(),
		}
		go gc.run()
	}
	gcMu.Unlock()
}

func StopCollector() {
	gcMu.Lock()
	gcRefs--
	if gcRefs == 0 {
		gc.stopCh.Close()
		gc = nil
	}
	gcMu.Unlock()
}

func collectorAdd(c *Conn) {
	gcMu.Lock()
	if gc != nil {
		gc.ctrlCh <- ctrl{c, true}
	}
	gcMu.Unlock()
}

func collectorRemove(c *Conn) {
	gcMu.Lock()
	if gc != nil {
		select {
		case gc.ctrlCh <- ctrl{c, false}:
		default: // collector stopping; it drops its whole map anyway
		}
	}
	gcMu.Unlock()
}

func (gc *collector) run() {
	gc.ticker = time.NewTicker(dfltTick)
	defer gc.ticker.Stop()
	for {
		select {
		case <-gc.ticker.C:
			gc.do()
		case ctrl := <-gc.ctrlCh:
			if ctrl.add {
				gc.conns[ctrl.c] = struct{}{}
			} else {
				delete(gc.conns, ctrl.c)
			}
		case <-gc.stopCh.Listen():
			gc.conns = nil
			return
		}
	}
}

func (gc *collector) do() {
	for c := range gc.conns {
		if !c.Ready() {
			delete(gc.conns, c)
			continue
		}
		// each connection carries its own cluster's heartbeat interval
		if mono.Since(c.lastTraffic.Load()) < c.rom.Heartbeat() {
			continue
		}
		if c.hbInflight.Swap(true) {
			continue // previous probe still in flight
		}
		go c.heartbeat()
	}
}

// heartbeat emits OPTIONS and waits for any reply within the read-timeout.
func (c *Conn) heartbeat() {
	defer c.hbInflight.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), c.rom.ReadTimeout())
	defer cancel()
	if _, err := c.Request(ctx, frame.OpOptions, nil); err != nil {
		c.log.Warn("heartbeat failed, closing", zap.String("endpoint", c.endpoint), zap.Error(err))
		c.teardown(&cmn.ErrConnectionClosed{Reason: "heartbeat timeout"})
	}
}
