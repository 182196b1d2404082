// Package cluster is the driver runtime: bootstrap, sessions, the request
// executor, and the cluster-wide prepared-statement registry.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cluster

import (
	"encoding/binary"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/frame"
	"github.com/kumulus-db/kumulus-go/meta"
)

type (
	// Options is the per-request knob bundle; zero values fall back to the
	// session defaults.
	Options struct {
		PagingState       []byte
		RoutingKey        []byte // explicit override for simple statements
		Consistency       cmn.Consistency
		SerialConsistency cmn.Consistency
		PageSize          int32
		Timestamp         int64 // microseconds; 0 - use the generator
		Idempotent        bool
		NoTimestamp       bool // suppress client-side timestamps
	}

	// Prepared is a registry entry: the server-side compiled statement.
	Prepared struct {
		CQL              string
		Keyspace         string
		ID               []byte
		ResultMetadataID []byte
		PKIndices        []uint16
		Variables        frame.RowsMetadata
		ResultMeta       frame.RowsMetadata
	}

	// Batch groups child statements executed as one atomic (or not) unit.
	Batch struct {
		Children []frame.BatchChild
		Type     byte
		Opts     Options
	}

	// Result is what the user gets back.
	Result struct {
		Rows         *frame.Rows
		SchemaChange *frame.SchemaChange
		Coordinator  *meta.Host
		Keyspace     string // set when the statement was a USE
		PagingState  []byte
		Warnings     []string
		Payload      map[string][]byte
	}
)

// RoutingKey derives the token-routing key from the partition-key variables
// of a bound execution; nil when the statement has no (known) partition key
// or any component is unset.
func (p *Prepared) RoutingKey(values [][]byte) []byte {
	if len(p.PKIndices) == 0 {
		return nil
	}
	if len(p.PKIndices) == 1 {
		i := int(p.PKIndices[0])
		if i >= len(values) {
			return nil
		}
		return values[i]
	}
	// composite: per component - [short len][bytes][0]
	var size int
	for _, idx := range p.PKIndices {
		if int(idx) >= len(values) || values[idx] == nil {
			return nil
		}
		size += 3 + len(values[idx])
	}
	key := make([]byte, 0, size)
	for _, idx := range p.PKIndices {
		v := values[idx]
		key = binary.BigEndian.AppendUint16(key, uint16(len(v)))
		key = append(key, v...)
		key = append(key, 0)
	}
	return key
}

func (s *Session) defaults(opts *Options) {
	if opts.Consistency == 0 {
		opts.Consistency = s.cluster.defConsistency
	}
	if opts.SerialConsistency == 0 {
		opts.SerialConsistency = s.cluster.defSerial
	}
	if opts.PageSize == 0 {
		opts.PageSize = int32(s.cluster.cfg.Query.PageSize)
	}
}

func (o *Options) params(keyspace string, values [][]byte, ts int64) frame.QueryParams {
	return frame.QueryParams{
		Consistency:       o.Consistency,
		SerialConsistency: o.SerialConsistency,
		PageSize:          o.PageSize,
		PagingState:       o.PagingState,
		Values:            values,
		Timestamp:         ts,
		Keyspace:          keyspace,
	}
}
