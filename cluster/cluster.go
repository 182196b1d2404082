// Package cluster - bootstrap and lifecycle of the driver runtime.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cluster

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/cos"
	"github.com/kumulus-db/kumulus-go/control"
	"github.com/kumulus-db/kumulus-go/frame"
	"github.com/kumulus-db/kumulus-go/meta"
	"github.com/kumulus-db/kumulus-go/policy"
	"github.com/kumulus-db/kumulus-go/pool"
	"github.com/kumulus-db/kumulus-go/stats"
	"github.com/kumulus-db/kumulus-go/transport"
)

// cluster states
const (
	clNew = iota
	clInitializing
	clReady
	clFailed
	clDisposed
)

type (
	Policies struct {
		LB         policy.LoadBalancing
		Retry      policy.Retry
		Spec       policy.Speculative
		Recon      policy.Reconnection
		Translator policy.AddressTranslator
		Timestamp  policy.TimestampGen
	}

	// Extra carries the external collaborators that are objects rather than
	// configuration values.
	Extra struct {
		Policies
		Auth   transport.Authenticator
		Dialer transport.Dialer // TLS wrapping happens here
	}

	// Cluster is the owned runtime handle; sessions are cheap views over it.
	Cluster struct {
		cfg      *cmn.Config
		rom      *cmn.Rom // cfg's hot-knob snapshot; owned, never package-global
		log      *zap.Logger
		pol      Policies
		auth     transport.Authenticator
		dialer   transport.Dialer
		store    *meta.Store
		ctl      *control.Control
		prepared *registry
		clientID string
		contact  []string
		implicit bool // no contact points given, defaulted to loopback

		poolsMu sync.Mutex
		pools   map[uuid.UUID]*pool.Pool

		sessMu   sync.Mutex
		sessions []*Session
		sessCnt  atomic.Int64

		state    atomic.Int32
		initOnce sync.Once
		initDone chan struct{}
		initErr  error

		defConsistency cmn.Consistency
		defSerial      cmn.Consistency
	}
)

// interface guard
var _ meta.Listener = (*Cluster)(nil)

func New(cfg *cmn.Config, extra Extra) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Cluster{
		cfg:      cfg,
		rom:      cfg.Rom(),
		log:      cfg.Logger.Named("kumulus"),
		pol:      extra.Policies,
		auth:     extra.Auth,
		dialer:   extra.Dialer,
		store:    meta.NewStore(),
		prepared: newRegistry(),
		pools:    make(map[uuid.UUID]*pool.Pool, 8),
		initDone: make(chan struct{}),
	}
	c.clientID = cfg.ClusterID
	if c.clientID == "" {
		c.clientID = cos.GenRunID()
	}
	c.defConsistency, _ = cmn.ParseConsistency(cfg.Query.Consistency)
	c.defSerial, _ = cmn.ParseConsistency(cfg.Query.SerialConsistency)
	c.poldefaults()
	c.state.Store(clNew)
	return c, nil
}

func (c *Cluster) poldefaults() {
	if c.pol.LB == nil {
		c.pol.LB = &policy.TokenAware{Child: &policy.DCAwareRoundRobin{}}
	}
	if c.pol.Retry == nil {
		c.pol.Retry = policy.DefaultRetry{}
	}
	if c.pol.Spec == nil {
		c.pol.Spec = policy.NoSpeculative{}
	}
	if c.pol.Recon == nil {
		c.pol.Recon = &policy.ExponentialReconnection{Base: c.cfg.ReconnectBase(), Cap: c.cfg.ReconnectCap()}
	}
	if c.pol.Translator == nil {
		c.pol.Translator = policy.IdentityTranslator{}
	}
	if c.pol.Timestamp == nil {
		c.pol.Timestamp = &policy.MonotonicTimestampGen{Log: c.log}
	}
}

// Connect initializes the cluster on first use (the stored init outcome is
// sticky) and opens a session.
func (c *Cluster) Connect(ctx context.Context) (*Session, error) {
	if c.state.Load() == clDisposed {
		return nil, cmn.ErrDisposed
	}
	c.initOnce.Do(func() { go c.init() })
	select {
	case <-c.initDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.initErr != nil {
		return nil, c.initErr
	}
	if c.state.Load() == clDisposed {
		return nil, cmn.ErrDisposed
	}
	s := &Session{
		cluster: c,
		id:      uuid.New(),
		name:    sessionBase + strconv.FormatInt(c.sessCnt.Add(1), 10),
	}
	c.sessMu.Lock()
	c.sessions = append(c.sessions, s)
	c.sessMu.Unlock()
	return s, nil
}

const sessionBase = "s"

func (c *Cluster) init() {
	defer close(c.initDone)
	c.state.Store(clInitializing)

	contacts, implicit, err := resolveContacts(c.cfg)
	if err != nil {
		c.fail(err)
		return
	}
	c.contact, c.implicit = contacts, implicit
	if implicit {
		c.log.Info("no contact points configured, using loopback", zap.Strings("contacts", contacts))
	}

	// overall bound on initialization: 2 x connect-timeout x candidate count,
	// floored
	budget := max(2*c.rom.ConnectTimeout()*time.Duration(len(contacts)), c.cfg.InitFloor())
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	transport.StartCollector()
	stats.Register(nil)

	c.ctl = control.New(c.store, contacts, c.cfg.Port, c.controlDial, c.pol.Translator, c.pol.Recon, c.rom, c.log)
	if err := c.ctl.Start(ctx); err != nil {
		transport.StopCollector()
		c.fail(err)
		return
	}

	snap := c.store.Snapshot()
	c.pol.LB.Init(snap)
	for _, h := range snap.Hosts {
		h.SetDistance(c.pol.LB.Distance(h))
	}

	// eager pools for every reachable host, in parallel
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range snap.Hosts {
		p := c.newPool(h)
		if p == nil {
			continue
		}
		g.Go(func() error { return p.Fill(gctx) })
	}
	if err := g.Wait(); err != nil {
		// partial pools are fine as long as the control plane is up;
		// reconnection tasks are already backing off
		c.log.Warn("eager pool fill incomplete", zap.Error(err))
	}
	if ctx.Err() != nil {
		c.Shutdown(context.Background())
		c.fail(&cmn.ErrDriverInternal{Message: "initialization timed out after " + budget.String()})
		return
	}

	c.store.Listen(c)
	if !c.state.CompareAndSwap(clInitializing, clReady) {
		return // disposed mid-init
	}
	c.log.Info("cluster ready",
		zap.String("cluster", snap.ClusterName),
		zap.Int("hosts", len(snap.Hosts)),
		zap.Int("protocol", snap.ProtoVersion))
}

// init faults are sticky: every subsequent operation re-surfaces the cause.
func (c *Cluster) fail(err error) {
	c.initErr = err
	c.state.Store(clFailed)
	c.log.Error("cluster initialization failed", zap.Error(err))
}

func (c *Cluster) ready() error {
	switch c.state.Load() {
	case clReady:
		return nil
	case clDisposed:
		return cmn.ErrDisposed
	case clFailed:
		return c.initErr
	}
	return cmn.ErrClusterClosing
}

//
// dialing
//

func (c *Cluster) connOptions(onClose func(*transport.Conn, error), onEvent func(*frame.Event)) transport.Options {
	return transport.Options{
		Dialer:      c.dialer,
		Auth:        c.auth,
		Log:         c.log,
		Rom:         c.rom,
		OnClose:     onClose,
		OnEvent:     onEvent,
		Compression: c.cfg.Compression,
		AppName:     c.cfg.AppName,
		AppVersion:  c.cfg.AppVersion,
		ClientID:    c.clientID,
		Version:     c.protoVersion(),
		Beta:        c.cfg.BetaProtocol,
		KeepAlive:   c.cfg.Socket.KeepAlive,
		NoDelay:     c.cfg.Socket.TCPNoDelay,
	}
}

// pool connections pin the version the control connection negotiated; a
// STARTUP failure on a pool connection is a transport (retriable) error.
func (c *Cluster) protoVersion() int {
	if c.cfg.ProtocolVersion != 0 {
		return c.cfg.ProtocolVersion
	}
	if v := c.store.Snapshot().ProtoVersion; v != 0 {
		return v
	}
	return 0 // negotiate
}

func (c *Cluster) controlDial(ctx context.Context, endpoint string, onClose func(*transport.Conn, error), onEvent func(*frame.Event)) (*transport.Conn, error) {
	return transport.Dial(ctx, endpoint, c.connOptions(onClose, onEvent))
}

func (c *Cluster) poolDial(ctx context.Context, endpoint string, onClose func(*transport.Conn, error)) (*transport.Conn, error) {
	return transport.Dial(ctx, endpoint, c.connOptions(onClose, nil))
}

//
// pools
//

func (c *Cluster) pool(id uuid.UUID) *pool.Pool {
	c.poolsMu.Lock()
	p := c.pools[id]
	c.poolsMu.Unlock()
	return p
}

func (c *Cluster) newPool(h *meta.Host) *pool.Pool {
	if h.Distance() == meta.DistanceIgnored {
		return nil
	}
	sizing := pool.Sizing{CoreLocal: c.cfg.Pooling.CoreLocal, CoreRemote: c.cfg.Pooling.CoreRemote}
	c.poolsMu.Lock()
	defer c.poolsMu.Unlock()
	if p, ok := c.pools[h.ID]; ok {
		return p
	}
	p := pool.New(h, sizing, c.poolDial, c.pol.Recon, c.rom, c.log)
	c.pools[h.ID] = p
	return p
}

func (c *Cluster) dropPool(id uuid.UUID) {
	c.poolsMu.Lock()
	p := c.pools[id]
	delete(c.pools, id)
	c.poolsMu.Unlock()
	if p != nil {
		p.Close()
	}
}

// ListenMetaChange reconciles pools (and the prepared registry) against
// metadata events.
func (c *Cluster) ListenMetaChange(ev meta.Event, _ int64) {
	switch ev.Kind {
	case meta.HostAdded:
		ev.Host.SetDistance(c.pol.LB.Distance(ev.Host))
		if p := c.newPool(ev.Host); p != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), c.rom.ConnectTimeout())
				defer cancel()
				_ = p.Fill(ctx)
				c.prepared.forEach(func(pr *Prepared) { go c.reprepareHost(ev.Host, pr) })
			}()
		}
	case meta.HostRemoved:
		c.dropPool(ev.Host.ID)
	case meta.HostUp:
		p := c.newPool(ev.Host)
		if p == nil {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), c.rom.ConnectTimeout())
			defer cancel()
			_ = p.Fill(ctx)
			if *c.cfg.Query.ReprepareOnUp {
				c.reprepareAll(ev.Host)
			}
		}()
	case meta.HostDown:
		// pool reconnection handles it; nothing to tear down proactively
	}
}

//
// shutdown
//

// Shutdown is idempotent: sessions, pools, control channel, timers - all
// disposed; pending requests fail with "cluster closing"; subsequent
// Connect calls fail with "object disposed".
func (c *Cluster) Shutdown(ctx context.Context) error {
	prev := c.state.Swap(clDisposed)
	if prev == clDisposed {
		return nil
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.sessMu.Lock()
		sessions := c.sessions
		c.sessions = nil
		c.sessMu.Unlock()
		for _, s := range sessions {
			s.markClosed()
		}
		if c.ctl != nil {
			c.ctl.Close()
		}
		c.poolsMu.Lock()
		pools := make([]*pool.Pool, 0, len(c.pools))
		for id, p := range c.pools {
			pools = append(pools, p)
			delete(c.pools, id)
		}
		c.poolsMu.Unlock()
		for _, p := range pools {
			p.Close()
		}
		if prev == clReady || prev == clInitializing {
			transport.StopCollector()
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

//
// contact points
//

// resolveContacts resolves hostnames, validates the shared port, and
// dedupes. An empty list defaults to one loopback candidate (implicit).
func resolveContacts(cfg *cmn.Config) (eps []string, implicit bool, _ error) {
	port := strconv.Itoa(cfg.Port)
	if len(cfg.ContactPoints) == 0 {
		return []string{net.JoinHostPort("127.0.0.1", port)}, true, nil
	}
	seen := make(map[string]bool, len(cfg.ContactPoints))
	for _, cp := range cfg.ContactPoints {
		host, p, err := net.SplitHostPort(cp)
		if err != nil {
			host, p = cp, port
		} else if p != port {
			return nil, false, &cmn.ErrDriverInternal{Message: "contact points must share the configured port: " + cp}
		}
		addrs := []string{host}
		if net.ParseIP(host) == nil {
			if addrs, err = net.LookupHost(host); err != nil {
				return nil, false, &cmn.ErrDriverInternal{Message: "cannot resolve contact point " + cp + ": " + err.Error()}
			}
		}
		for _, a := range addrs {
			ep := net.JoinHostPort(a, port)
			if !seen[ep] {
				seen[ep] = true
				eps = append(eps, ep)
			}
		}
	}
	return eps, false, nil
}
