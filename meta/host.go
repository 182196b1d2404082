// Package meta maintains the process-wide cluster metadata: hosts, token
// ring, keyspaces - published as immutable snapshots with a monotonically
// increasing revision.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package meta

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/google/uuid"
	version "github.com/hashicorp/go-version"
)

type (
	HostState int32
	Distance  int32
)

const (
	StateUnknown HostState = iota
	StateUp
	StateDown
	StateIgnored
)

const (
	DistanceLocal Distance = iota
	DistanceRemote
	DistanceIgnored
)

func (s HostState) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	case StateIgnored:
		return "ignored"
	}
	return "unknown"
}

func (d Distance) String() string {
	switch d {
	case DistanceLocal:
		return "local"
	case DistanceRemote:
		return "remote"
	}
	return "ignored"
}

// Host is a cluster node. Identity is the routable endpoint plus, once
// known, the cluster-wide host id. Created by the control channel on peer
// discovery; state/distance mutate in place, the rest only under the store's
// write lock. Never destroyed while referenced by a snapshot.
type Host struct {
	ReleaseVersion *version.Version
	Endpoint       string // routable "ip:port" (post address-translation)
	DC             string
	Rack           string
	BroadcastAddr  net.IP
	ListenAddr     net.IP
	Tokens         []string // partitioner-specific token strings
	ID             uuid.UUID
	state          atomic.Int32
	distance       atomic.Int32
}

func NewHost(id uuid.UUID, endpoint string) *Host {
	h := &Host{ID: id, Endpoint: endpoint}
	h.state.Store(int32(StateUnknown))
	h.distance.Store(int32(DistanceLocal))
	return h
}

func (h *Host) State() HostState    { return HostState(h.state.Load()) }
func (h *Host) SetState(s HostState) { h.state.Store(int32(s)) }
func (h *Host) IsUp() bool          { return h.State() == StateUp }

func (h *Host) Distance() Distance     { return Distance(h.distance.Load()) }
func (h *Host) SetDistance(d Distance) { h.distance.Store(int32(d)) }

func (h *Host) String() string {
	return fmt.Sprintf("host[%s %s %s/%s]", h.ID, h.Endpoint, h.DC, h.Rack)
}

// Keyspace is the descriptor the ring needs for replica selection.
type Keyspace struct {
	Name            string
	StrategyClass   string            // "SimpleStrategy" | "NetworkTopologyStrategy" | other
	StrategyOptions map[string]string // "replication_factor" or per-DC factors
	Durable         bool
}
