// Package control owns the dedicated control connection: topology/schema
// queries, event subscription, debounced refresh, and metadata mutation.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package control

import (
	"encoding/binary"
	"net"

	"github.com/google/uuid"

	"github.com/kumulus-db/kumulus-go/frame"
)

// row is one system-table row indexed by column name; cells stay raw.
type row map[string][]byte

func indexRows(rows *frame.Rows) []row {
	out := make([]row, 0, len(rows.Content))
	for _, cells := range rows.Content {
		r := make(row, len(cells))
		for i, spec := range rows.Meta.Columns {
			if i < len(cells) {
				r[spec.Name] = cells[i]
			}
		}
		out = append(out, r)
	}
	return out
}

// The decoders below cover exactly the types the system tables use; user
// cell values are never interpreted by the driver.

func (r row) str(col string) string { return string(r[col]) }

func (r row) uuid(col string) (uuid.UUID, bool) {
	b := r[col]
	if len(b) != 16 {
		return uuid.UUID{}, false
	}
	id, err := uuid.FromBytes(b)
	return id, err == nil
}

func (r row) ip(col string) net.IP {
	b := r[col]
	if len(b) != 4 && len(b) != 16 {
		return nil
	}
	return net.IP(append([]byte(nil), b...))
}

func (r row) int32(col string) (int32, bool) {
	b := r[col]
	if len(b) != 4 {
		return 0, false
	}
	return int32(binary.BigEndian.Uint32(b)), true
}

func (r row) bool(col string) bool {
	b := r[col]
	return len(b) == 1 && b[0] != 0
}

// set<text> / list<text>: [int count] then count x ([int len] bytes)
func (r row) strSet(col string) []string {
	b := r[col]
	if len(b) < 4 {
		return nil
	}
	n := int(int32(binary.BigEndian.Uint32(b)))
	b = b[4:]
	out := make([]string, 0, max(n, 0))
	for range n {
		if len(b) < 4 {
			return out
		}
		l := int(int32(binary.BigEndian.Uint32(b)))
		b = b[4:]
		if l < 0 || len(b) < l {
			return out
		}
		out = append(out, string(b[:l]))
		b = b[l:]
	}
	return out
}

// map<text, text>
func (r row) strMap(col string) map[string]string {
	b := r[col]
	if len(b) < 4 {
		return nil
	}
	n := int(int32(binary.BigEndian.Uint32(b)))
	b = b[4:]
	out := make(map[string]string, max(n, 0))
	for range n {
		var k, v string
		var ok bool
		if k, b, ok = takeStr(b); !ok {
			return out
		}
		if v, b, ok = takeStr(b); !ok {
			return out
		}
		out[k] = v
	}
	return out
}

func takeStr(b []byte) (string, []byte, bool) {
	if len(b) < 4 {
		return "", b, false
	}
	l := int(int32(binary.BigEndian.Uint32(b)))
	b = b[4:]
	if l < 0 || len(b) < l {
		return "", b, false
	}
	return string(b[:l]), b[l:], true
}
