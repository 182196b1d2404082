// Package mocknode runs in-process nodes speaking the native protocol
// (v3/v4 framing) for driver tests: system-table answers, primed responses,
// pushed events.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package mocknode

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kumulus-db/kumulus-go/frame"
)

// column type ids used by the simulated system tables
const (
	tBoolean = 0x0004
	tInt     = 0x0009
	tUUID    = 0x000C
	tVarchar = 0x000D
	tInet    = 0x0010
	tMap     = 0x0021
	tSet     = 0x0022
)

// special Handler response opcodes
const (
	NoResponse = 0xFE // swallow the request, keep the connection
	DropConn   = 0xFD // close the connection without responding
)

type (
	// Handler intercepts a request before default dispatch; return ok=false
	// to fall through.
	Handler func(hdr frame.Header, body []byte) (respOpcode byte, respBody []byte, ok bool)

	NodeSpec struct {
		HostID uuid.UUID
		DC     string
		Rack   string
		Tokens []string
	}

	KeyspaceSpec struct {
		Name        string
		Replication map[string]string // must include "class"
	}

	// Fleet is a set of mock nodes sharing one simulated topology.
	Fleet struct {
		ClusterName string
		Partitioner string
		Keyspaces   []KeyspaceSpec
		Nodes       []*Node
		mu          sync.Mutex
	}

	Node struct {
		fleet *Fleet
		spec  NodeSpec
		ln    net.Listener
		addr  string

		handlerMu sync.Mutex
		handler   Handler

		conns   sync.Map // *nodeConn -> struct{}
		stopped atomic.Bool

		// observability for tests
		Startups  atomic.Int64
		Optionses atomic.Int64
		Registers atomic.Int64
		Executes  atomic.Int64
		Prepares  atomic.Int64
		Queries   atomic.Int64
	}

	nodeConn struct {
		nc net.Conn
		wm sync.Mutex
	}
)

// StartFleet launches n nodes with distinct host ids, one rack, one DC, and
// evenly spread Murmur3 tokens.
func StartFleet(n int, keyspaces []KeyspaceSpec) (*Fleet, error) {
	f := &Fleet{
		ClusterName: "mock",
		Partitioner: "org.apache.cassandra.dht.Murmur3Partitioner",
		Keyspaces:   keyspaces,
	}
	step := ^uint64(0)/uint64(max(n, 1)) + 1
	for i := range n {
		tok := int64(uint64(1)<<63 + uint64(i)*step) // min-token + i*step, wrapping
		spec := NodeSpec{
			HostID: uuid.New(),
			DC:     "dc1",
			Rack:   "rack1",
			Tokens: []string{strconv.FormatInt(tok, 10)},
		}
		if _, err := f.AddNode(spec); err != nil {
			f.Stop()
			return nil, err
		}
	}
	return f, nil
}

func (f *Fleet) AddNode(spec NodeSpec) (*Node, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	n := &Node{fleet: f, spec: spec, ln: ln, addr: ln.Addr().String()}
	f.mu.Lock()
	f.Nodes = append(f.Nodes, n)
	f.mu.Unlock()
	go n.acceptLoop()
	return n, nil
}

func (f *Fleet) Stop() {
	f.mu.Lock()
	nodes := f.Nodes
	f.mu.Unlock()
	for _, n := range nodes {
		n.Stop()
	}
}

func (f *Fleet) Endpoints() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		out = append(out, n.addr)
	}
	return out
}

func (n *Node) Addr() string     { return n.addr }
func (n *Node) Spec() NodeSpec   { return n.spec }
func (n *Node) IP() net.IP       { h, _, _ := net.SplitHostPort(n.addr); return net.ParseIP(h) }
func (n *Node) Port() int        { _, p, _ := net.SplitHostPort(n.addr); v, _ := strconv.Atoi(p); return v }

func (n *Node) SetHandler(h Handler) {
	n.handlerMu.Lock()
	n.handler = h
	n.handlerMu.Unlock()
}

func (n *Node) Stop() {
	if n.stopped.Swap(true) {
		return
	}
	_ = n.ln.Close()
	n.conns.Range(func(k, _ any) bool {
		_ = k.(*nodeConn).nc.Close()
		return true
	})
}

func (n *Node) acceptLoop() {
	for {
		nc, err := n.ln.Accept()
		if err != nil {
			return
		}
		conn := &nodeConn{nc: nc}
		n.conns.Store(conn, struct{}{})
		go n.serve(conn)
	}
}

func (n *Node) serve(conn *nodeConn) {
	defer func() {
		_ = conn.nc.Close()
		n.conns.Delete(conn)
	}()
	for {
		f, err := frame.ReadFrom(conn.nc, nil, 16<<20)
		if err != nil {
			return
		}
		op, body := n.dispatch(f)
		if op == NoResponse {
			continue
		}
		if op == DropConn {
			return
		}
		resp := &frame.Frame{
			Hdr:  frame.Header{Version: f.Hdr.Version, Stream: f.Hdr.Stream, Opcode: op, Response: true},
			Body: body,
		}
		conn.wm.Lock()
		err = resp.WriteTo(conn.nc, nil)
		conn.wm.Unlock()
		if err != nil {
			return
		}
	}
}

func (n *Node) dispatch(f *frame.Frame) (byte, []byte) {
	n.handlerMu.Lock()
	h := n.handler
	n.handlerMu.Unlock()
	if h != nil {
		if op, body, ok := h(f.Hdr, f.Body); ok {
			return op, body
		}
	}
	switch f.Hdr.Opcode {
	case frame.OpOptions:
		n.Optionses.Add(1)
		w := frame.NewWbuf(64)
		w.Short(2)
		w.String("CQL_VERSION")
		w.StringList([]string{"3.0.0"})
		w.String("COMPRESSION")
		w.StringList([]string{"lz4", "snappy"})
		return frame.OpSupported, w.B
	case frame.OpStartup:
		n.Startups.Add(1)
		return frame.OpReady, nil
	case frame.OpRegister:
		n.Registers.Add(1)
		return frame.OpReady, nil
	case frame.OpQuery:
		n.Queries.Add(1)
		cql := frame.NewRbuf(f.Body).LongString()
		return n.serveQuery(cql)
	case frame.OpPrepare:
		n.Prepares.Add(1)
		cql := frame.NewRbuf(f.Body).LongString()
		return frame.OpResult, PreparedBody(PreparedIDFor(cql), nil)
	case frame.OpExecute:
		n.Executes.Add(1)
		return frame.OpResult, VoidBody()
	case frame.OpBatch:
		return frame.OpResult, VoidBody()
	}
	return frame.OpError, ErrorBody(0x000A, "unsupported "+frame.OpName(f.Hdr.Opcode))
}

// SendEvent pushes an EVENT frame (stream -1) to every live connection.
func (n *Node) SendEvent(version int, body []byte) {
	ev := &frame.Frame{
		Hdr:  frame.Header{Version: version, Stream: frame.EventStream, Opcode: frame.OpEvent, Response: true},
		Body: body,
	}
	n.conns.Range(func(k, _ any) bool {
		conn := k.(*nodeConn)
		conn.wm.Lock()
		_ = ev.WriteTo(conn.nc, nil)
		conn.wm.Unlock()
		return true
	})
}

// EventBody builds a TOPOLOGY_CHANGE/STATUS_CHANGE EVENT body.
func EventBody(evType, change string, ip net.IP, port int) []byte {
	w := frame.NewWbuf(48)
	w.String(evType)
	w.String(change)
	w.Inet(ip, port)
	return w.B
}
