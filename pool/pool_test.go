// Package pool_test
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package pool_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/meta"
	"github.com/kumulus-db/kumulus-go/policy"
	"github.com/kumulus-db/kumulus-go/pool"
	"github.com/kumulus-db/kumulus-go/tools/mocknode"
	"github.com/kumulus-db/kumulus-go/transport"
)

func connectFn(t *testing.T) pool.ConnectFn {
	t.Helper()
	return func(ctx context.Context, endpoint string, onClose func(*transport.Conn, error)) (*transport.Conn, error) {
		return transport.Dial(ctx, endpoint, transport.Options{Version: 4, OnClose: onClose})
	}
}

func newPool(t *testing.T, target int) (*pool.Pool, *mocknode.Node) {
	t.Helper()
	fleet, err := mocknode.StartFleet(1, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fleet.Stop)
	n := fleet.Nodes[0]
	h := meta.NewHost(uuid.New(), n.Addr())
	h.SetState(meta.StateUp)
	p := pool.New(h, pool.Sizing{CoreLocal: target, CoreRemote: 1}, connectFn(t),
		&policy.ExponentialReconnection{Base: 30 * time.Millisecond, Cap: 200 * time.Millisecond},
		cmn.DefaultRom(), zap.NewNop())
	t.Cleanup(p.Close)
	return p, n
}

func TestFillAndBorrow(t *testing.T) {
	p, _ := newPool(t, 2)
	if err := p.Fill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.Live() != 2 {
		t.Fatalf("live=%d want 2", p.Live())
	}
	c1, err := p.Borrow()
	if err != nil {
		t.Fatal(err)
	}
	c2, err := p.Borrow()
	if err != nil {
		t.Fatal(err)
	}
	if c1 == c2 {
		t.Fatal("round-robin must alternate over two connections")
	}
}

func TestBorrowEmptyIsHostBusy(t *testing.T) {
	p, n := newPool(t, 1)
	n.Stop()
	if _, err := p.Borrow(); !errors.Is(err, cmn.ErrHostBusy) {
		t.Fatalf("expected host busy, got %v", err)
	}
}

func TestReconnectRefillsAfterDeath(t *testing.T) {
	fleet, err := mocknode.StartFleet(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(fleet.Stop)
	n1, n2 := fleet.Nodes[0], fleet.Nodes[1]

	// the dial target is redirectable so the test can simulate the node
	// coming back
	var target atomic.Value
	target.Store(n1.Addr())
	connect := func(ctx context.Context, _ string, onClose func(*transport.Conn, error)) (*transport.Conn, error) {
		return transport.Dial(ctx, target.Load().(string), transport.Options{Version: 4, OnClose: onClose})
	}
	h := meta.NewHost(uuid.New(), n1.Addr())
	h.SetState(meta.StateUp)
	p := pool.New(h, pool.Sizing{CoreLocal: 1, CoreRemote: 1}, connect,
		&policy.ExponentialReconnection{Base: 30 * time.Millisecond, Cap: 200 * time.Millisecond},
		cmn.DefaultRom(), zap.NewNop())
	t.Cleanup(p.Close)

	if err := p.Fill(context.Background()); err != nil {
		t.Fatal(err)
	}
	n1.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for p.Live() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Live() != 0 {
		t.Fatalf("dead connection still counted: %d", p.Live())
	}
	target.Store(n2.Addr())
	deadline = time.Now().Add(3 * time.Second)
	for p.Live() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if p.Live() != 1 {
		t.Fatal("reconnection task never refilled the pool")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p, _ := newPool(t, 1)
	_ = p.Fill(context.Background())
	p.Close()
	p.Close()
	if _, err := p.Borrow(); !errors.Is(err, cmn.ErrHostBusy) {
		t.Fatal("closed pool must not lend connections")
	}
}
