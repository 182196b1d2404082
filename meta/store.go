// Package meta maintains the process-wide cluster metadata.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package meta

import (
	"sync"
	ratomic "sync/atomic"

	"github.com/google/uuid"

	"github.com/kumulus-db/kumulus-go/cmn/debug"
)

type (
	EventKind int

	// Event is delivered to listeners after a snapshot swap, together with
	// the revision of the snapshot it belongs to.
	Event struct {
		Host     *Host
		Keyspace string
		Kind     EventKind
	}

	// Listener observes metadata changes. Callbacks run outside the write
	// critical section and must not block for long.
	Listener interface {
		ListenMetaChange(ev Event, rev int64)
	}

	// Snapshot is an immutable view: readers hold a reference, the control
	// channel publishes replacements. Host pointers are shared across
	// snapshots; state and distance are the two fields that mutate in place.
	Snapshot struct {
		Hosts        map[uuid.UUID]*Host
		Keyspaces    map[string]*Keyspace
		Ring         *Ring
		ClusterName  string
		Partitioner  string
		ProtoVersion int
		Revision     int64
	}

	// Store: single writer (control channel), many readers.
	Store struct {
		listeners []Listener
		snap      ratomic.Pointer[Snapshot]
		mu        sync.Mutex // serializes writers
		lmu       sync.RWMutex
	}
)

const (
	HostAdded EventKind = iota
	HostRemoved
	HostUp
	HostDown
	SchemaChanged
	ControlDown
)

func (k EventKind) String() string {
	switch k {
	case HostAdded:
		return "host-added"
	case HostRemoved:
		return "host-removed"
	case HostUp:
		return "host-up"
	case HostDown:
		return "host-down"
	case SchemaChanged:
		return "schema-changed"
	}
	return "control-down"
}

func NewStore() *Store {
	s := &Store{}
	s.snap.Store(&Snapshot{
		Hosts:     make(map[uuid.UUID]*Host),
		Keyspaces: make(map[string]*Keyspace),
	})
	return s
}

func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }
func (s *Store) Revision() int64     { return s.Snapshot().Revision }

func (s *Store) Host(id uuid.UUID) *Host { return s.Snapshot().Hosts[id] }

func (s *Store) Hosts() []*Host {
	snap := s.Snapshot()
	hosts := make([]*Host, 0, len(snap.Hosts))
	for _, h := range snap.Hosts {
		hosts = append(hosts, h)
	}
	return hosts
}

func (s *Store) Keyspace(name string) *Keyspace { return s.Snapshot().Keyspaces[name] }

// HostByEndpoint does a linear scan - topology-event handling only.
func (s *Store) HostByEndpoint(endpoint string) *Host {
	for _, h := range s.Snapshot().Hosts {
		if h.Endpoint == endpoint {
			return h
		}
	}
	return nil
}

// Apply clones the current snapshot, lets mut rework the clone, bumps the
// revision, swaps, and then - outside the critical section - notifies
// listeners of evs. Control channel only.
func (s *Store) Apply(mut func(clone *Snapshot), evs ...Event) *Snapshot {
	s.mu.Lock()
	cur := s.snap.Load()
	clone := &Snapshot{
		Hosts:        make(map[uuid.UUID]*Host, len(cur.Hosts)),
		Keyspaces:    make(map[string]*Keyspace, len(cur.Keyspaces)),
		Ring:         cur.Ring,
		ClusterName:  cur.ClusterName,
		Partitioner:  cur.Partitioner,
		ProtoVersion: cur.ProtoVersion,
		Revision:     cur.Revision + 1,
	}
	for id, h := range cur.Hosts {
		clone.Hosts[id] = h
	}
	for name, ks := range cur.Keyspaces {
		clone.Keyspaces[name] = ks
	}
	mut(clone)
	debug.Assert(clone.Revision > cur.Revision)
	s.snap.Store(clone)
	s.mu.Unlock()

	s.Notify(clone.Revision, evs...)
	return clone
}

// Notify delivers events to listeners without a snapshot swap (e.g. pure
// status flips and control-down).
func (s *Store) Notify(rev int64, evs ...Event) {
	s.lmu.RLock()
	listeners := s.listeners
	s.lmu.RUnlock()
	for _, ev := range evs {
		for _, l := range listeners {
			l.ListenMetaChange(ev, rev)
		}
	}
}

func (s *Store) Listen(l Listener) {
	s.lmu.Lock()
	s.listeners = append(append(make([]Listener, 0, len(s.listeners)+1), s.listeners...), l)
	s.lmu.Unlock()
}

func (s *Store) Unlisten(l Listener) {
	s.lmu.Lock()
	for i, cur := range s.listeners {
		if cur == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			break
		}
	}
	s.lmu.Unlock()
}
