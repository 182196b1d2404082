// Package cluster
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cluster

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/frame"
	"github.com/kumulus-db/kumulus-go/meta"
	"github.com/kumulus-db/kumulus-go/policy"
	"github.com/kumulus-db/kumulus-go/tools/mocknode"
)

var testKeyspaces = []mocknode.KeyspaceSpec{
	{Name: "ks", Replication: map[string]string{"class": "SimpleStrategy", "replication_factor": "3"}},
}

func startCluster(t *testing.T, nodes int, extra Extra) (*Fixture, *Session) {
	t.Helper()
	fleet, err := mocknode.StartFleet(nodes, testKeyspaces)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fleet.Stop)

	n0 := fleet.Nodes[0]
	cfg := &cmn.Config{
		ContactPoints:   []string{n0.Addr()},
		Port:            n0.Port(),
		ProtocolVersion: 4,
		Pooling:         cmn.PoolingConf{CoreLocal: 1, CoreRemote: 1},
	}
	c, err := New(cfg, extra)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s, err := c.Connect(ctx)
	if err != nil {
		t.Fatal(err)
	}
	return &Fixture{fleet: fleet, cluster: c}, s
}

type Fixture struct {
	fleet   *mocknode.Fleet
	cluster *Cluster
}

func (fx *Fixture) nodeFor(id uuid.UUID) *mocknode.Node {
	for _, n := range fx.fleet.Nodes {
		if n.Spec().HostID == id {
			return n
		}
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func intCell(v int32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// S1: startup against three nodes
func TestStartupThreeNodes(t *testing.T) {
	fx, s := startCluster(t, 3, Extra{})

	snap := fx.cluster.store.Snapshot()
	if len(snap.Hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %d", len(snap.Hosts))
	}
	seen := map[uuid.UUID]bool{}
	for id := range snap.Hosts {
		if seen[id] {
			t.Fatal("duplicate host id")
		}
		seen[id] = true
	}
	if s.Keyspace() != "" {
		t.Fatalf("default keyspace must be unset, got %q", s.Keyspace())
	}
	if s.Name() != "s1" {
		t.Fatalf("session name: %q", s.Name())
	}
	if s.ID() == (uuid.UUID{}) {
		t.Fatal("session id unset")
	}
	var registers int64
	for _, n := range fx.fleet.Nodes {
		if n.Startups.Load() < 1 {
			t.Fatalf("node %s never saw STARTUP", n.Addr())
		}
		registers += n.Registers.Load()
	}
	if registers != 1 {
		t.Fatalf("exactly one control REGISTER expected, got %d", registers)
	}
}

// S2: token-aware routing picks the primary replica as coordinator
func TestTokenAwareRouting(t *testing.T) {
	fx, s := startCluster(t, 3, Extra{})
	for _, n := range fx.fleet.Nodes {
		n.SetHandler(func(hdr frame.Header, _ []byte) (byte, []byte, bool) {
			if hdr.Opcode == frame.OpPrepare {
				return frame.OpResult, mocknode.PreparedBody(
					mocknode.PreparedIDFor("ins"),
					&mocknode.PreparedVars{
						Keyspace:  "ks",
						Table:     "t",
						Cols:      []mocknode.Col{{Name: "k", Type: 0x0009}, {Name: "v", Type: 0x000D}},
						PKIndices: []uint16{0},
					}), true
			}
			return 0, nil, false
		})
	}
	ctx := context.Background()
	p, err := s.Prepare(ctx, "INSERT INTO t(k,v) VALUES (?,?)")
	if err != nil {
		t.Fatal(err)
	}
	if len(p.PKIndices) != 1 {
		t.Fatalf("pk indices: %v", p.PKIndices)
	}

	key := intCell(42)
	token := meta.Murmur3Token(key)
	primary := fx.cluster.store.Snapshot().Ring.Primary(token)
	coordNode := fx.nodeFor(primary.ID)
	before := coordNode.Executes.Load()

	res, err := s.Execute(ctx, p, [][]byte{key, []byte("val")}, Options{Consistency: cmn.LocalOne})
	if err != nil {
		t.Fatal(err)
	}
	if res.Coordinator != primary {
		t.Fatalf("coordinator %s, expected primary replica %s", res.Coordinator, primary)
	}
	if coordNode.Executes.Load() != before+1 {
		t.Fatal("primary replica did not receive the EXECUTE")
	}
}

// S3: UNPREPARED bounce recovers with a PREPARE on the same host
func TestUnpreparedRecovery(t *testing.T) {
	fx, s := startCluster(t, 3, Extra{})
	ctx := context.Background()
	p, err := s.Prepare(ctx, "SELECT v FROM t WHERE k = ?")
	if err != nil {
		t.Fatal(err)
	}

	var bounced, executes atomic.Int64
	for _, n := range fx.fleet.Nodes {
		n.SetHandler(func(hdr frame.Header, _ []byte) (byte, []byte, bool) {
			if hdr.Opcode != frame.OpExecute {
				return 0, nil, false
			}
			if executes.Add(1) == 1 {
				bounced.Add(1)
				return frame.OpError, mocknode.UnpreparedBody(p.ID), true
			}
			return frame.OpResult, mocknode.VoidBody(), true
		})
	}

	res, err := s.Execute(ctx, p, [][]byte{intCell(1)}, Options{Idempotent: true})
	if err != nil {
		t.Fatalf("user must see a single success, got %v", err)
	}
	if res == nil || bounced.Load() != 1 || executes.Load() != 2 {
		t.Fatalf("bounced=%d executes=%d", bounced.Load(), executes.Load())
	}
}

// S4: NEW_NODE event grows metadata and pools within the bound
func TestTopologyEventAddsHost(t *testing.T) {
	fx, _ := startCluster(t, 3, Extra{})

	step := ^uint64(0) / 4
	n4, err := fx.fleet.AddNode(mocknode.NodeSpec{
		HostID: uuid.New(),
		DC:     "dc1",
		Rack:   "rack1",
		Tokens: []string{strconv.FormatInt(int64(uint64(1)<<63+3*step+17), 10)},
	})
	if err != nil {
		t.Fatal(err)
	}
	fx.fleet.Nodes[0].SendEvent(4, mocknode.EventBody("TOPOLOGY_CHANGE", "NEW_NODE", n4.IP(), n4.Port()))

	waitFor(t, 2*time.Second, func() bool {
		return len(fx.cluster.store.Snapshot().Hosts) == 4
	})
	h := fx.cluster.store.Host(n4.Spec().HostID)
	if h == nil {
		t.Fatal("new host missing from metadata")
	}
	waitFor(t, 2*time.Second, func() bool {
		p := fx.cluster.pool(h.ID)
		return p != nil && p.Live() >= 1
	})
}

// S5: speculative execution wins the race for idempotent reads
func TestSpeculativeExecution(t *testing.T) {
	var firstSeen atomic.Int64
	fx, s := startCluster(t, 3, Extra{
		Policies: Policies{Spec: &policy.ConstantSpeculative{Delay: 100 * time.Millisecond, Max: 1}},
	})
	p, err := s.Prepare(context.Background(), "SELECT v FROM t WHERE k = ?")
	if err != nil {
		t.Fatal(err)
	}
	var executes atomic.Int64
	for _, n := range fx.fleet.Nodes {
		n.SetHandler(func(hdr frame.Header, _ []byte) (byte, []byte, bool) {
			if hdr.Opcode != frame.OpExecute {
				return 0, nil, false
			}
			executes.Add(1)
			if firstSeen.Add(1) == 1 {
				time.Sleep(500 * time.Millisecond)
			}
			return frame.OpResult, mocknode.VoidBody(), true
		})
	}

	started := time.Now()
	_, err = s.Execute(context.Background(), p, [][]byte{intCell(7)}, Options{Idempotent: true})
	elapsed := time.Since(started)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed > 400*time.Millisecond {
		t.Fatalf("speculative result took %v", elapsed)
	}
	waitFor(t, time.Second, func() bool { return executes.Load() == 2 })
}

// idempotence guard: one network attempt per user call on transport failure
func TestNonIdempotentNeverRetriesTransport(t *testing.T) {
	fx, s := startCluster(t, 3, Extra{})
	var attempts atomic.Int64
	for _, n := range fx.fleet.Nodes {
		n.SetHandler(func(hdr frame.Header, body []byte) (byte, []byte, bool) {
			if hdr.Opcode == frame.OpQuery &&
				strings.Contains(frame.NewRbuf(body).LongString(), "non_idempotent_write") {
				attempts.Add(1)
				return mocknode.DropConn, nil, true
			}
			return 0, nil, false
		})
	}
	_, err := s.Query(context.Background(), "UPDATE t SET non_idempotent_write = 1", nil, Options{})
	if err == nil {
		t.Fatal("expected a transport error")
	}
	time.Sleep(200 * time.Millisecond) // would-be retries had plenty of time
	if n := attempts.Load(); n != 1 {
		t.Fatalf("exactly one network attempt expected, got %d", n)
	}
}

// prepared re-registration on Down->Up
func TestReprepareOnUp(t *testing.T) {
	fx, s := startCluster(t, 3, Extra{})
	p, err := s.Prepare(context.Background(), "SELECT v FROM t WHERE k = ?")
	if err != nil {
		t.Fatal(err)
	}
	_ = p

	var h *meta.Host
	for _, cand := range fx.cluster.store.Hosts() {
		if cand.Endpoint != fx.fleet.Nodes[0].Addr() {
			h = cand
			break
		}
	}
	node := fx.nodeFor(h.ID)
	time.Sleep(300 * time.Millisecond) // let the initial broadcast settle
	before := node.Prepares.Load()

	h.SetState(meta.StateDown)
	fx.cluster.store.Notify(fx.cluster.store.Revision(), meta.Event{Kind: meta.HostDown, Host: h})
	h.SetState(meta.StateUp)
	fx.cluster.store.Notify(fx.cluster.store.Revision(), meta.Event{Kind: meta.HostUp, Host: h})

	waitFor(t, 2*time.Second, func() bool { return node.Prepares.Load() > before })
}

// S6: shutdown under load
func TestShutdown(t *testing.T) {
	fx, s1 := startCluster(t, 3, Extra{})
	sessions := []*Session{s1}
	for range 4 {
		s, err := fx.cluster.Connect(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, s)
	}

	for _, n := range fx.fleet.Nodes {
		n.SetHandler(func(hdr frame.Header, body []byte) (byte, []byte, bool) {
			if hdr.Opcode == frame.OpQuery &&
				strings.Contains(frame.NewRbuf(body).LongString(), "sleepy") {
				return mocknode.NoResponse, nil, true
			}
			return 0, nil, false
		})
	}
	errCh := make(chan error, len(sessions))
	for _, s := range sessions {
		go func() {
			_, err := s.Query(context.Background(), "SELECT sleepy FROM t", nil, Options{})
			errCh <- err
		}()
	}
	time.Sleep(150 * time.Millisecond) // let the queries reach the wire

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fx.cluster.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown within the timeout: %v", err)
	}
	for range sessions {
		select {
		case err := <-errCh:
			if err == nil || !strings.Contains(err.Error(), "cluster closing") {
				t.Fatalf("pending query error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending query never failed")
		}
	}
	if _, err := fx.cluster.Connect(context.Background()); !errors.Is(err, cmn.ErrDisposed) {
		t.Fatalf("connect after dispose: %v", err)
	}
	if err := fx.cluster.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown must be idempotent: %v", err)
	}
}

// sticky init failure: the stored cause resurfaces verbatim
func TestInitFaultIsSticky(t *testing.T) {
	cfg := &cmn.Config{
		ContactPoints:   []string{"127.0.0.1:1"}, // nothing listens on port 1
		Port:            1,
		ProtocolVersion: 4,
		Timeout:         cmn.TimeoutConf{InitFloorMs: 1000},
	}
	c, err := New(cfg, Extra{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err1 := c.Connect(ctx)
	if err1 == nil {
		t.Fatal("expected init failure")
	}
	_, err2 := c.Connect(ctx)
	if !errors.Is(err2, err1) && err1.Error() != err2.Error() {
		t.Fatalf("sticky cause mismatch: %v vs %v", err1, err2)
	}
}
