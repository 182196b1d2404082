// Package frame implements the native-protocol frame codec (v3-v5).
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package frame

import (
	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/debug"
)

// QUERY/EXECUTE parameter flags
const (
	qfValues            = 0x01
	qfSkipMetadata      = 0x02
	qfPageSize          = 0x04
	qfPagingState       = 0x08
	qfSerialConsistency = 0x10
	qfTimestamp         = 0x20
	qfNamedValues       = 0x40
	qfKeyspace          = 0x80 // v5+
)

// BATCH types
const (
	BatchLogged   = 0
	BatchUnlogged = 1
	BatchCounter  = 2
)

type (
	// QueryParams is the <query_parameters> bundle shared by QUERY and
	// EXECUTE. Values are pre-serialized cells; nil means null.
	QueryParams struct {
		PagingState       []byte
		Values            [][]byte
		Keyspace          string // v5+, simple statements only
		Consistency       cmn.Consistency
		SerialConsistency cmn.Consistency
		PageSize          int32
		Timestamp         int64 // microseconds; 0 - generator not engaged
		SkipMetadata      bool
	}
	BatchChild struct {
		Query  string // set for simple children
		ID     []byte // set for prepared children
		Values [][]byte
	}
	Batch struct {
		Children []BatchChild
		Type     byte
		Params   QueryParams // Values/PageSize/PagingState unused for batches
	}
)

func (p *QueryParams) flags(version int) (fl int32) {
	if len(p.Values) > 0 {
		fl |= qfValues
	}
	if p.SkipMetadata {
		fl |= qfSkipMetadata
	}
	if p.PageSize > 0 {
		fl |= qfPageSize
	}
	if p.PagingState != nil {
		fl |= qfPagingState
	}
	if p.SerialConsistency != 0 {
		fl |= qfSerialConsistency
	}
	if p.Timestamp != 0 {
		fl |= qfTimestamp
	}
	if version >= 5 && p.Keyspace != "" {
		fl |= qfKeyspace
	}
	return fl
}

func (p *QueryParams) encode(w *Wbuf, version int) {
	fl := p.flags(version)
	w.Consistency(p.Consistency)
	if version >= 5 {
		w.Int(fl)
	} else {
		w.Byte(byte(fl))
	}
	if fl&qfValues != 0 {
		w.Short(uint16(len(p.Values)))
		for _, v := range p.Values {
			w.Bytes(v)
		}
	}
	if fl&qfPageSize != 0 {
		w.Int(p.PageSize)
	}
	if fl&qfPagingState != 0 {
		w.Bytes(p.PagingState)
	}
	if fl&qfSerialConsistency != 0 {
		w.Consistency(p.SerialConsistency)
	}
	if fl&qfTimestamp != 0 {
		w.Long(p.Timestamp)
	}
	if fl&qfKeyspace != 0 {
		w.String(p.Keyspace)
	}
}

// EncodeStartup builds the STARTUP body from negotiated options.
func EncodeStartup(compression, appName, appVersion, clientID string) []byte {
	m := map[string]string{
		"CQL_VERSION":    "3.0.0",
		"DRIVER_NAME":    DriverName,
		"DRIVER_VERSION": DriverVersion,
	}
	if compression != "" && compression != cmn.CompNone {
		m["COMPRESSION"] = compression
	}
	if appName != "" {
		m["APPLICATION_NAME"] = appName
	}
	if appVersion != "" {
		m["APPLICATION_VERSION"] = appVersion
	}
	if clientID != "" {
		m["CLIENT_ID"] = clientID
	}
	w := NewWbuf(64)
	w.StringMap(m)
	return w.B
}

func EncodeRegister(events []string) []byte {
	w := NewWbuf(48)
	w.StringList(events)
	return w.B
}

func EncodeAuthResponse(token []byte) []byte {
	w := NewWbuf(len(token) + 4)
	w.Bytes(token)
	return w.B
}

func EncodeQuery(cql string, p *QueryParams, version int) []byte {
	w := NewWbuf(len(cql) + 64)
	w.LongString(cql)
	p.encode(w, version)
	return w.B
}

func EncodePrepare(cql, keyspace string, version int) []byte {
	w := NewWbuf(len(cql) + 16)
	w.LongString(cql)
	if version >= 5 {
		if keyspace != "" {
			w.Int(0x01)
			w.String(keyspace)
		} else {
			w.Int(0)
		}
	}
	return w.B
}

// EncodeExecute: id is the server-assigned prepared id; resultMetadataID is
// required on v5+.
func EncodeExecute(id, resultMetadataID []byte, p *QueryParams, version int) []byte {
	w := NewWbuf(len(id) + 64)
	w.ShortBytes(id)
	if version >= 5 {
		debug.Assert(resultMetadataID != nil)
		w.ShortBytes(resultMetadataID)
	}
	p.encode(w, version)
	return w.B
}

func EncodeBatch(b *Batch, version int) []byte {
	w := NewWbuf(256)
	w.Byte(b.Type)
	w.Short(uint16(len(b.Children)))
	for i := range b.Children {
		c := &b.Children[i]
		if c.ID != nil {
			w.Byte(1)
			w.ShortBytes(c.ID)
		} else {
			w.Byte(0)
			w.LongString(c.Query)
		}
		w.Short(uint16(len(c.Values)))
		for _, v := range c.Values {
			w.Bytes(v)
		}
	}
	p := &b.Params
	w.Consistency(p.Consistency)
	fl := int32(0)
	if p.SerialConsistency != 0 {
		fl |= qfSerialConsistency
	}
	if p.Timestamp != 0 {
		fl |= qfTimestamp
	}
	if version >= 5 && p.Keyspace != "" {
		fl |= qfKeyspace
	}
	if version >= 5 {
		w.Int(fl)
	} else {
		w.Byte(byte(fl))
	}
	if fl&qfSerialConsistency != 0 {
		w.Consistency(p.SerialConsistency)
	}
	if fl&qfTimestamp != 0 {
		w.Long(p.Timestamp)
	}
	if fl&qfKeyspace != 0 {
		w.String(p.Keyspace)
	}
	return w.B
}
