// Package policy - client-side timestamp generation.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package policy

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kumulus-db/kumulus-go/cmn/mono"
)

// MonotonicTimestampGen emits strictly increasing microsecond timestamps.
// When the wall clock regresses it continues at last+1 and warns at most
// once per second.
type MonotonicTimestampGen struct {
	Log      *zap.Logger
	last     atomic.Int64
	lastWarn atomic.Int64 // mono nanos of the last drift warning
}

var _ TimestampGen = (*MonotonicTimestampGen)(nil)

func (g *MonotonicTimestampGen) Next() int64 {
	for {
		now := time.Now().UnixMicro()
		last := g.last.Load()
		if now <= last {
			g.warnDrift(last - now)
			now = last + 1
		}
		if g.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (g *MonotonicTimestampGen) warnDrift(driftMicros int64) {
	if g.Log == nil {
		return
	}
	now := mono.NanoTime()
	prev := g.lastWarn.Load()
	if now-prev < int64(time.Second) {
		return
	}
	if g.lastWarn.CompareAndSwap(prev, now) {
		g.Log.Warn("clock skew detected, timestamps pinned to last+1",
			zap.Int64("behind_us", driftMicros))
	}
}
