// Package policy - retry, speculative execution, reconnection.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package policy

import (
	"errors"
	"time"

	"github.com/kumulus-db/kumulus-go/cmn"
)

type (
	// DefaultRetry mirrors coordinator semantics: one hop to the next host
	// when the coordinator itself was the problem, one same-host retry when
	// enough replicas acknowledged, rethrow otherwise.
	DefaultRetry struct{}

	// FallthroughRetry rethrows everything - for callers that do their own
	// retry loop.
	FallthroughRetry struct{}

	// NoSpeculative never starts a second execution.
	NoSpeculative struct{}

	// ConstantSpeculative starts up to Max extra executions, Delay apart.
	ConstantSpeculative struct {
		Delay time.Duration
		Max   int
	}

	constantSchedule struct {
		delay     time.Duration
		remaining int
	}

	// ExponentialReconnection: base * 2^n, capped.
	ExponentialReconnection struct {
		Base time.Duration
		Cap  time.Duration
	}

	expSchedule struct {
		next time.Duration
		cap  time.Duration
	}
)

// interface guards
var (
	_ Retry        = (*DefaultRetry)(nil)
	_ Retry        = (*FallthroughRetry)(nil)
	_ Speculative  = (*NoSpeculative)(nil)
	_ Speculative  = (*ConstantSpeculative)(nil)
	_ Reconnection = (*ExponentialReconnection)(nil)
)

func (DefaultRetry) Decide(err error, attempt int, idempotent bool) RetryDecision {
	var (
		unavailable *cmn.ErrUnavailable
		rdTimeout   *cmn.ErrReadTimeout
		wrTimeout   *cmn.ErrWriteTimeout
	)
	switch {
	case errors.As(err, &unavailable):
		if attempt == 0 {
			return RetryNext
		}
	case errors.As(err, &rdTimeout):
		// enough replicas answered but the data replica lagged - a same-host
		// retry reads from a fresher quorum
		if attempt == 0 && rdTimeout.Received >= rdTimeout.BlockFor && !rdTimeout.DataPresent {
			return RetrySame
		}
	case errors.As(err, &wrTimeout):
		if attempt == 0 && idempotent && wrTimeout.WriteType == "BATCH_LOG" {
			return RetrySame
		}
	default:
		var (
			overloaded *cmn.ErrOverloaded
			bootstrap  *cmn.ErrBootstrapping
			truncate   *cmn.ErrTruncate
			closed     *cmn.ErrConnectionClosed
		)
		switch {
		case errors.As(err, &bootstrap):
			return RetryNext
		case errors.As(err, &overloaded), errors.As(err, &truncate):
			if attempt == 0 {
				return RetryNext
			}
		case errors.As(err, &closed):
			// transport failure: the executor has already suppressed this
			// path for non-idempotent statements that might have been sent
			return RetryNext
		case errors.Is(err, cmn.ErrConnBusy), errors.Is(err, cmn.ErrHostBusy):
			return RetryNext
		}
	}
	return Rethrow
}

func (FallthroughRetry) Decide(error, int, bool) RetryDecision { return Rethrow }

func (NoSpeculative) Schedule() SpecSchedule { return (*constantSchedule)(nil) }

func (p *ConstantSpeculative) Schedule() SpecSchedule {
	return &constantSchedule{delay: p.Delay, remaining: p.Max}
}

func (s *constantSchedule) NextDelay() (time.Duration, bool) {
	if s == nil || s.remaining <= 0 {
		return 0, false
	}
	s.remaining--
	return s.delay, true
}

func (p *ExponentialReconnection) NewSchedule() Schedule {
	base, cp := p.Base, p.Cap
	if base <= 0 {
		base = cmn.DefaultReconnectBase
	}
	if cp <= 0 {
		cp = cmn.DefaultReconnectCap
	}
	return &expSchedule{next: base, cap: cp}
}

func (s *expSchedule) NextDelay() (d time.Duration) {
	d = s.next
	if s.next < s.cap {
		s.next = min(s.next*2, s.cap)
	}
	return d
}
