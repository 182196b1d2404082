// Package policy defines the pluggable routing, retry, speculative
// execution, reconnection, address-translation and timestamp contracts, and
// their default implementations. Policies are pure with respect to the
// metadata snapshot handed to them and must not block.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package policy

import (
	"time"

	"github.com/kumulus-db/kumulus-go/meta"
)

type (
	// QueryInfo is what routing policies may inspect about a statement.
	QueryInfo struct {
		Keyspace   string
		RoutingKey []byte // nil when unknown (simple statements)
		Idempotent bool
	}

	// Plan is a finite, non-restartable lazy host sequence: each host is
	// yielded at most once, nil means exhausted, abandoning midway is fine.
	Plan interface {
		Next() *meta.Host
	}

	LoadBalancing interface {
		// Init is called once with the first metadata snapshot.
		Init(snap *meta.Snapshot)
		Distance(h *meta.Host) meta.Distance
		NewPlan(snap *meta.Snapshot, q *QueryInfo) Plan
	}

	RetryDecision int

	Retry interface {
		// Decide consults the policy after a failed attempt; attempt is
		// zero-based per user request.
		Decide(err error, attempt int, idempotent bool) RetryDecision
	}

	// SpecSchedule paces speculative executions of one request.
	SpecSchedule interface {
		// NextDelay returns the delay before the next speculative attempt;
		// ok=false when no more executions are allowed.
		NextDelay() (d time.Duration, ok bool)
	}

	Speculative interface {
		Schedule() SpecSchedule
	}

	// Schedule produces reconnection delays for one pool (stateful).
	Schedule interface {
		NextDelay() time.Duration
	}

	Reconnection interface {
		NewSchedule() Schedule
	}

	// AddressTranslator maps the address a node advertises to the address
	// the driver should dial.
	AddressTranslator interface {
		Translate(endpoint string) string
	}

	// TimestampGen produces client-side microsecond timestamps.
	TimestampGen interface {
		Next() int64
	}
)

const (
	Rethrow RetryDecision = iota
	RetrySame
	RetryNext
	Ignore
)

func (d RetryDecision) String() string {
	switch d {
	case RetrySame:
		return "retry-same"
	case RetryNext:
		return "retry-next"
	case Ignore:
		return "ignore"
	}
	return "rethrow"
}

type IdentityTranslator struct{}

func (IdentityTranslator) Translate(endpoint string) string { return endpoint }
