// Package mocknode - simulated system tables and response-body builders.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package mocknode

import (
	"encoding/binary"
	"net"
	"strings"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/frame"
)

type Col struct {
	Name string
	Type uint16
	Elem uint16 // set element / map key
	Val  uint16 // map value
}

func (n *Node) serveQuery(cql string) (byte, []byte) {
	switch {
	case strings.Contains(cql, "FROM system.local"):
		return frame.OpResult, n.localBody()
	case strings.Contains(cql, "FROM system.peers_v2"):
		return frame.OpResult, n.peersBody()
	case strings.Contains(cql, "FROM system.peers"):
		return frame.OpError, ErrorBody(cmn.ErrCodeInvalid, "unconfigured table peers")
	case strings.Contains(cql, "FROM system_schema.keyspaces"):
		return frame.OpResult, n.keyspacesBody()
	}
	return frame.OpResult, VoidBody()
}

func (n *Node) localBody() []byte {
	cols := []Col{
		{Name: "host_id", Type: tUUID},
		{Name: "cluster_name", Type: tVarchar},
		{Name: "data_center", Type: tVarchar},
		{Name: "rack", Type: tVarchar},
		{Name: "release_version", Type: tVarchar},
		{Name: "tokens", Type: tSet, Elem: tVarchar},
		{Name: "partitioner", Type: tVarchar},
		{Name: "broadcast_address", Type: tInet},
		{Name: "listen_address", Type: tInet},
		{Name: "rpc_address", Type: tInet},
	}
	row := [][]byte{
		n.spec.HostID[:],
		[]byte(n.fleet.ClusterName),
		[]byte(n.spec.DC),
		[]byte(n.spec.Rack),
		[]byte("4.1.0"),
		SetTextCell(n.spec.Tokens),
		[]byte(n.fleet.Partitioner),
		InetCell(n.IP()),
		InetCell(n.IP()),
		InetCell(n.IP()),
	}
	return RowsBody("system", "local", cols, [][][]byte{row})
}

func (n *Node) peersBody() []byte {
	cols := []Col{
		{Name: "host_id", Type: tUUID},
		{Name: "peer", Type: tInet},
		{Name: "native_address", Type: tInet},
		{Name: "native_port", Type: tInt},
		{Name: "data_center", Type: tVarchar},
		{Name: "rack", Type: tVarchar},
		{Name: "release_version", Type: tVarchar},
		{Name: "tokens", Type: tSet, Elem: tVarchar},
	}
	n.fleet.mu.Lock()
	peers := make([]*Node, 0, len(n.fleet.Nodes))
	for _, p := range n.fleet.Nodes {
		if p != n && !p.stopped.Load() {
			peers = append(peers, p)
		}
	}
	n.fleet.mu.Unlock()
	rows := make([][][]byte, 0, len(peers))
	for _, p := range peers {
		rows = append(rows, [][]byte{
			p.spec.HostID[:],
			InetCell(p.IP()),
			InetCell(p.IP()),
			IntCell(int32(p.Port())),
			[]byte(p.spec.DC),
			[]byte(p.spec.Rack),
			[]byte("4.1.0"),
			SetTextCell(p.spec.Tokens),
		})
	}
	return RowsBody("system", "peers_v2", cols, rows)
}

func (n *Node) keyspacesBody() []byte {
	cols := []Col{
		{Name: "keyspace_name", Type: tVarchar},
		{Name: "durable_writes", Type: tBoolean},
		{Name: "replication", Type: tMap, Elem: tVarchar, Val: tVarchar},
	}
	rows := make([][][]byte, 0, len(n.fleet.Keyspaces))
	for _, ks := range n.fleet.Keyspaces {
		rows = append(rows, [][]byte{
			[]byte(ks.Name),
			{1},
			MapTextCell(ks.Replication),
		})
	}
	return RowsBody("system_schema", "keyspaces", cols, rows)
}

//
// body builders
//

func VoidBody() []byte {
	w := frame.NewWbuf(4)
	w.Int(frame.ResultVoid)
	return w.B
}

func ErrorBody(code int32, msg string) []byte {
	w := frame.NewWbuf(len(msg) + 8)
	w.Int(code)
	w.String(msg)
	return w.B
}

func UnpreparedBody(id []byte) []byte {
	w := frame.NewWbuf(len(id) + 32)
	w.Int(cmn.ErrCodeUnprepared)
	w.String("unknown prepared id")
	w.ShortBytes(id)
	return w.B
}

func writeCols(w *frame.Wbuf, cols []Col) {
	for _, c := range cols {
		w.String(c.Name)
		w.Short(c.Type)
		switch c.Type {
		case tSet:
			w.Short(c.Elem)
		case tMap:
			w.Short(c.Elem)
			w.Short(c.Val)
		}
	}
}

// RowsBody builds a RESULT Rows body with a global table spec.
func RowsBody(ks, table string, cols []Col, rows [][][]byte) []byte {
	w := frame.NewWbuf(256)
	w.Int(frame.ResultRows)
	w.Int(0x01) // global_tables_spec
	w.Int(int32(len(cols)))
	w.String(ks)
	w.String(table)
	writeCols(w, cols)
	w.Int(int32(len(rows)))
	for _, row := range rows {
		for _, cell := range row {
			w.Bytes(cell)
		}
	}
	return w.B
}

type PreparedVars struct {
	Keyspace  string
	Table     string
	Cols      []Col
	PKIndices []uint16
}

// PreparedBody builds a v4 RESULT Prepared body.
func PreparedBody(id []byte, vars *PreparedVars) []byte {
	if vars == nil {
		vars = &PreparedVars{Keyspace: "ks", Table: "t"}
	}
	w := frame.NewWbuf(256)
	w.Int(frame.ResultPrepared)
	w.ShortBytes(id)
	// variables metadata
	w.Int(0x01) // global_tables_spec
	w.Int(int32(len(vars.Cols)))
	w.Int(int32(len(vars.PKIndices)))
	for _, pk := range vars.PKIndices {
		w.Short(pk)
	}
	w.String(vars.Keyspace)
	w.String(vars.Table)
	writeCols(w, vars.Cols)
	// result metadata: no rows spec
	w.Int(0x04) // no_metadata
	w.Int(0)
	return w.B
}

// PreparedIDFor derives a stable fake server id from the query text.
func PreparedIDFor(cql string) []byte {
	sum := uint64(1469598103934665603)
	for i := 0; i < len(cql); i++ {
		sum = (sum ^ uint64(cql[i])) * 1099511628211
	}
	id := make([]byte, 8)
	binary.BigEndian.PutUint64(id, sum)
	return id
}

func InetCell(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

func IntCell(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func SetTextCell(vals []string) []byte {
	w := frame.NewWbuf(32)
	w.Int(int32(len(vals)))
	for _, v := range vals {
		w.Int(int32(len(v)))
		w.Raw([]byte(v))
	}
	return w.B
}

func MapTextCell(m map[string]string) []byte {
	w := frame.NewWbuf(64)
	w.Int(int32(len(m)))
	for k, v := range m {
		w.Int(int32(len(k)))
		w.Raw([]byte(k))
		w.Int(int32(len(v)))
		w.Raw([]byte(v))
	}
	return w.B
}
