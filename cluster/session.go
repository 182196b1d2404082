// Package cluster - sessions: the user-facing query surface.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/frame"
)

// Session is a lightweight handle over the cluster runtime. Sessions share
// pools and the prepared registry; each carries its own id, name, and
// default keyspace binding.
type Session struct {
	cluster *Cluster
	name    string
	id      uuid.UUID

	ksMu     sync.Mutex
	keyspace string

	closed atomic.Bool
}

func (s *Session) ID() uuid.UUID { return s.id }
func (s *Session) Name() string  { return s.name }

func (s *Session) Keyspace() string {
	s.ksMu.Lock()
	defer s.ksMu.Unlock()
	return s.keyspace
}

func (s *Session) setKeyspace(ks string) {
	s.ksMu.Lock()
	s.keyspace = ks
	s.ksMu.Unlock()
}

// PreparedQueries is the session's view of the cluster-wide registry.
func (s *Session) PreparedQueries() []string { return s.cluster.prepared.queries() }

func (s *Session) check() error {
	if s.closed.Load() {
		return cmn.ErrDisposed
	}
	return s.cluster.ready()
}

func (s *Session) markClosed() { s.closed.Store(true) }

// Close detaches the session; the cluster runtime stays up for the others.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	c := s.cluster
	c.sessMu.Lock()
	for i, cur := range c.sessions {
		if cur == s {
			c.sessions = append(c.sessions[:i:i], c.sessions[i+1:]...)
			break
		}
	}
	c.sessMu.Unlock()
}

func (s *Session) timestamp(opts *Options) int64 {
	if opts.NoTimestamp {
		return 0
	}
	if opts.Timestamp != 0 {
		return opts.Timestamp
	}
	return s.cluster.pol.Timestamp.Next()
}

// Query executes a simple statement.
func (s *Session) Query(ctx context.Context, cql string, values [][]byte, opts Options) (*Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.defaults(&opts)
	ks := s.Keyspace()
	ts := s.timestamp(&opts)
	req := &request{
		opcode:     frame.OpQuery,
		keyspace:   ks,
		routingKey: opts.RoutingKey,
		idempotent: opts.Idempotent,
		body: func(version int) []byte {
			params := opts.params(ks, values, ts)
			return frame.EncodeQuery(cql, &params, version)
		},
	}
	res, err := s.cluster.execute(ctx, req)
	if err == nil && res.Keyspace != "" {
		s.setKeyspace(res.Keyspace)
	}
	return res, err
}

// Prepare compiles a statement server-side and registers it fleet-wide.
func (s *Session) Prepare(ctx context.Context, cql string) (*Prepared, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.cluster.prepare(ctx, cql, s.Keyspace())
}

// Execute runs a prepared statement. The routing key is derived from the
// partition-key variables unless overridden.
func (s *Session) Execute(ctx context.Context, p *Prepared, values [][]byte, opts Options) (*Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.defaults(&opts)
	rk := opts.RoutingKey
	if rk == nil {
		if rk = p.RoutingKey(values); rk == nil && len(p.PKIndices) > 0 {
			// misuse: partition-restricted statement with a null key
			return nil, &cmn.ErrInvalid{Message: "null routing key for partition-restricted statement"}
		}
	}
	ts := s.timestamp(&opts)
	req := &request{
		opcode:     frame.OpExecute,
		prepared:   p,
		keyspace:   keyspaceOf(p, s),
		routingKey: rk,
		idempotent: opts.Idempotent,
		body: func(version int) []byte {
			params := opts.params("", values, ts)
			return frame.EncodeExecute(p.ID, p.ResultMetadataID, &params, version)
		},
	}
	return s.cluster.execute(ctx, req)
}

// Batch executes a batch of simple and/or prepared children.
func (s *Session) Batch(ctx context.Context, b *Batch) (*Result, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.defaults(&b.Opts)
	ts := s.timestamp(&b.Opts)
	req := &request{
		opcode:     frame.OpBatch,
		keyspace:   s.Keyspace(),
		idempotent: b.Opts.Idempotent,
		body: func(version int) []byte {
			fb := &frame.Batch{
				Type:     b.Type,
				Children: b.Children,
				Params:   b.Opts.params(s.Keyspace(), nil, ts),
			}
			return frame.EncodeBatch(fb, version)
		},
	}
	return s.cluster.execute(ctx, req)
}

func keyspaceOf(p *Prepared, s *Session) string {
	// routing prefers the statement's own keyspace hint
	if len(p.Variables.Columns) > 0 && p.Variables.Columns[0].Keyspace != "" {
		return p.Variables.Columns[0].Keyspace
	}
	if p.Keyspace != "" {
		return p.Keyspace
	}
	return s.Keyspace()
}
