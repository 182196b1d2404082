// Package control owns the dedicated control connection.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package control

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	version "github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/cos"
	"github.com/kumulus-db/kumulus-go/frame"
	"github.com/kumulus-db/kumulus-go/meta"
	"github.com/kumulus-db/kumulus-go/policy"
	"github.com/kumulus-db/kumulus-go/transport"
)

const (
	selLocal     = "SELECT host_id, cluster_name, data_center, rack, release_version, tokens, partitioner, broadcast_address, listen_address, rpc_address FROM system.local"
	selPeersV2   = "SELECT host_id, peer, native_address, native_port, data_center, rack, release_version, tokens FROM system.peers_v2"
	selPeersV1   = "SELECT host_id, peer, rpc_address, data_center, rack, release_version, tokens FROM system.peers"
	selKeyspaces = "SELECT keyspace_name, durable_writes, replication FROM system_schema.keyspaces"
)

var registeredEvents = []string{"TOPOLOGY_CHANGE", "STATUS_CHANGE", "SCHEMA_CHANGE"}

type (
	// DialFn opens a Ready connection with control-plane hooks attached.
	DialFn func(ctx context.Context, endpoint string, onClose func(*transport.Conn, error), onEvent func(*frame.Event)) (*transport.Conn, error)

	Control struct {
		store      *meta.Store
		dial       DialFn
		translator policy.AddressTranslator
		recon      policy.Reconnection
		rom        *cmn.Rom
		log        *zap.Logger
		contact    []string // translated contact endpoints, probe order
		port       int
		debounce   time.Duration

		evCh   chan *frame.Event
		stopCh *cos.StopCh

		refreshMu  sync.Mutex // serializes refreshes (event loop vs reconnect)
		mu         sync.Mutex
		conn       *transport.Conn
		closed     bool
		down       bool
		usePeersV1 bool
		probeIdx   int
	}
)

func New(store *meta.Store, contact []string, port int, dial DialFn,
	translator policy.AddressTranslator, recon policy.Reconnection, rom *cmn.Rom, log *zap.Logger) *Control {
	translated := make([]string, 0, len(contact))
	for _, ep := range contact {
		translated = append(translated, translator.Translate(ep))
	}
	if rom == nil {
		rom = cmn.DefaultRom()
	}
	return &Control{
		store:      store,
		dial:       dial,
		translator: translator,
		recon:      recon,
		rom:        rom,
		log:        log.Named("control"),
		contact:    translated,
		port:       port,
		debounce:   cmn.DefaultEventDebounce,
		evCh:       make(chan *frame.Event, 64),
		stopCh:     cos.NewStopCh(),
	}
}

// Start probes candidates in order, registers for events (before the first
// refresh, so nothing is missed in the window), performs the initial
// refresh, and launches the event loop.
func (ct *Control) Start(ctx context.Context) error {
	if err := ct.connectAny(ctx); err != nil {
		return err
	}
	go ct.eventLoop()
	return nil
}

// connectAny walks the candidate list starting at probeIdx.
func (ct *Control) connectAny(ctx context.Context) error {
	cands := ct.candidates()
	if len(cands) == 0 {
		return &cmn.ErrNoHostAvailable{}
	}
	errs := make(map[string]error, len(cands))
	for i := range cands {
		ep := cands[(ct.probeIdx+i)%len(cands)]
		if err := ct.connectTo(ctx, ep); err != nil {
			errs[ep] = err
			ct.log.Debug("control candidate failed", zap.String("endpoint", ep), zap.Error(err))
			continue
		}
		ct.probeIdx = (ct.probeIdx + i + 1) % len(cands)
		return nil
	}
	return &cmn.ErrNoHostAvailable{Errors: errs}
}

func (ct *Control) connectTo(ctx context.Context, endpoint string) error {
	conn, err := ct.dial(ctx, endpoint, ct.onClose, ct.onEvent)
	if err != nil {
		return err
	}
	// REGISTER first, then refresh
	f, err := conn.Request(ctx, frame.OpRegister, frame.EncodeRegister(registeredEvents))
	if err == nil && f.Hdr.Opcode == frame.OpError {
		err = frame.DecodeError(f.Body)
	}
	if err != nil {
		conn.Close("register failed")
		return err
	}
	ct.mu.Lock()
	ct.conn = conn
	ct.down = false
	ct.mu.Unlock()

	if err := ct.RefreshAll(ctx); err != nil {
		// detach before closing so onClose does not treat this as a drop
		ct.mu.Lock()
		if ct.conn == conn {
			ct.conn = nil
		}
		ct.mu.Unlock()
		conn.Close("initial refresh failed")
		return err
	}
	ct.log.Info("control connection established", zap.String("endpoint", endpoint), zap.Int("protocol", conn.Version()))
	return nil
}

// candidates: contact points first, then every currently known host.
func (ct *Control) candidates() []string {
	out := make([]string, 0, 8)
	seen := make(map[string]bool, 8)
	for _, ep := range ct.contact {
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}
	for _, h := range ct.store.Hosts() {
		if !seen[h.Endpoint] {
			seen[h.Endpoint] = true
			out = append(out, h.Endpoint)
		}
	}
	return out
}

func (ct *Control) current() (*transport.Conn, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.closed {
		return nil, cmn.ErrDisposed
	}
	if ct.conn == nil || ct.down || !ct.conn.Ready() {
		return nil, cmn.ErrControlDown
	}
	return ct.conn, nil
}

//
// disconnect / reconnect
//

func (ct *Control) onClose(c *transport.Conn, err error) {
	ct.mu.Lock()
	if ct.closed || ct.conn != c {
		ct.mu.Unlock()
		return
	}
	ct.conn = nil
	ct.down = true
	ct.mu.Unlock()
	ct.log.Warn("control connection lost", zap.String("endpoint", c.Endpoint()), zap.Error(err))
	// stale metadata from here on; the only notification until reconnect
	ct.store.Notify(ct.store.Revision(), meta.Event{Kind: meta.ControlDown})
	go ct.reconnectLoop()
}

func (ct *Control) reconnectLoop() {
	sched := ct.recon.NewSchedule()
	for {
		ct.mu.Lock()
		stop := ct.closed || !ct.down
		ct.mu.Unlock()
		if stop {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), ct.rom.ConnectTimeout())
		err := ct.connectAny(ctx)
		cancel()
		if err == nil {
			return
		}
		select {
		case <-time.After(sched.NextDelay()):
		case <-ct.stopCh.Listen():
			return
		}
	}
}

func (ct *Control) Close() {
	ct.mu.Lock()
	if ct.closed {
		ct.mu.Unlock()
		return
	}
	ct.closed = true
	conn := ct.conn
	ct.conn = nil
	ct.mu.Unlock()
	ct.stopCh.Close()
	if conn != nil {
		conn.Close(cmn.ErrClusterClosing.Error())
	}
}

//
// events, debounced refresh
//

func (ct *Control) onEvent(ev *frame.Event) {
	select {
	case ct.evCh <- ev:
	default:
		ct.log.Warn("event channel full, dropping", zap.String("type", ev.Type))
	}
}

func (ct *Control) eventLoop() {
	var (
		timer  = time.NewTimer(time.Hour)
		armed  bool
		hosts  bool
		schema bool
	)
	if !timer.Stop() {
		<-timer.C
	}
	arm := func() {
		if !armed {
			timer.Reset(ct.debounce)
			armed = true
		}
	}
	for {
		select {
		case ev := <-ct.evCh:
			switch ev.Type {
			case "STATUS_CHANGE":
				ct.applyStatus(ev)
			case "TOPOLOGY_CHANGE":
				hosts = true
				arm()
			case "SCHEMA_CHANGE":
				schema = true
				arm()
			}
		case <-timer.C:
			armed = false
			doHosts, doSchema := hosts, schema
			hosts, schema = false, false
			ctx, cancel := context.WithTimeout(context.Background(), ct.rom.ReadTimeout())
			if doHosts {
				if err := ct.RefreshHosts(ctx); err != nil {
					ct.log.Warn("topology refresh failed", zap.Error(err))
				}
			}
			if doSchema {
				if err := ct.RefreshKeyspaces(ctx); err != nil {
					ct.log.Warn("schema refresh failed", zap.Error(err))
				}
			}
			cancel()
		case <-ct.stopCh.Listen():
			return
		}
	}
}

// applyStatus flips host state in place - no snapshot swap needed.
func (ct *Control) applyStatus(ev *frame.Event) {
	ep := ct.translator.Translate(joinHostPort(ev.Address, ev.Port, ct.port))
	h := ct.store.HostByEndpoint(ep)
	if h == nil {
		// unknown host coming up: treat as topology change
		if ev.Change == "UP" {
			ctx, cancel := context.WithTimeout(context.Background(), ct.rom.ReadTimeout())
			defer cancel()
			if err := ct.RefreshHosts(ctx); err != nil {
				ct.log.Warn("host refresh after UP failed", zap.Error(err))
			}
		}
		return
	}
	switch ev.Change {
	case "UP":
		if h.State() != meta.StateUp {
			h.SetState(meta.StateUp)
			ct.store.Notify(ct.store.Revision(), meta.Event{Kind: meta.HostUp, Host: h})
		}
	case "DOWN":
		if h.State() != meta.StateDown {
			h.SetState(meta.StateDown)
			ct.store.Notify(ct.store.Revision(), meta.Event{Kind: meta.HostDown, Host: h})
		}
	}
}

//
// refresh
//

func (ct *Control) RefreshAll(ctx context.Context) error {
	if err := ct.RefreshHosts(ctx); err != nil {
		return err
	}
	return ct.RefreshKeyspaces(ctx)
}

func (ct *Control) RefreshHosts(ctx context.Context) error {
	ct.refreshMu.Lock()
	defer ct.refreshMu.Unlock()
	conn, err := ct.current()
	if err != nil {
		return err
	}
	localRows, err := ct.query(ctx, conn, selLocal)
	if err != nil {
		return err
	}
	peerRows, err := ct.queryPeers(ctx, conn)
	if err != nil {
		return err
	}

	var (
		clusterName string
		partitioner string
		next        = make(map[string]*meta.Host, len(peerRows.Content)+1)
	)
	for _, r := range indexRows(localRows) {
		clusterName = r.str("cluster_name")
		partitioner = r.str("partitioner")
		if h := ct.upsertHost(r, conn.Endpoint()); h != nil {
			next[h.Endpoint] = h
		}
	}
	for _, r := range indexRows(peerRows) {
		ep := ct.peerEndpoint(r)
		if ep == "" {
			continue
		}
		if h := ct.upsertHost(r, ep); h != nil {
			next[h.Endpoint] = h
		}
	}
	if len(next) == 0 {
		return &cmn.ErrDriverInternal{Message: "topology refresh returned no hosts"}
	}

	hosts := make([]*meta.Host, 0, len(next))
	for _, h := range next {
		hosts = append(hosts, h)
	}
	ring := meta.BuildRing(partitioner, hosts)

	// diff against the current snapshot up front - Apply wants the event set
	// at call time
	var evs []meta.Event
	cur := ct.store.Snapshot()
	for _, h := range cur.Hosts {
		if _, ok := next[h.Endpoint]; !ok {
			evs = append(evs, meta.Event{Kind: meta.HostRemoved, Host: h})
		}
	}
	for _, h := range next {
		if _, ok := cur.Hosts[h.ID]; !ok {
			evs = append(evs, meta.Event{Kind: meta.HostAdded, Host: h})
		}
	}
	ct.store.Apply(func(clone *meta.Snapshot) {
		clone.Hosts = make(map[uuid.UUID]*meta.Host, len(next))
		for _, h := range next {
			clone.Hosts[h.ID] = h
		}
		clone.Ring = ring
		clone.ClusterName = clusterName
		clone.Partitioner = partitioner
		clone.ProtoVersion = conn.Version()
	}, evs...)
	return nil
}

// upsertHost reuses the existing *Host for a known id so that state and
// distance survive refreshes.
func (ct *Control) upsertHost(r row, endpoint string) *meta.Host {
	id, ok := r.uuid("host_id")
	if !ok {
		ct.log.Warn("system row without host_id, skipping", zap.String("endpoint", endpoint))
		return nil
	}
	h := ct.store.Host(id)
	if h == nil {
		h = meta.NewHost(id, endpoint)
		h.SetState(meta.StateUp)
	}
	h.Endpoint = endpoint
	h.DC = r.str("data_center")
	h.Rack = r.str("rack")
	h.Tokens = r.strSet("tokens")
	h.BroadcastAddr = r.ip("broadcast_address")
	if h.BroadcastAddr == nil {
		h.BroadcastAddr = r.ip("peer")
	}
	h.ListenAddr = r.ip("listen_address")
	if rv := r.str("release_version"); rv != "" {
		if v, err := version.NewVersion(rv); err == nil {
			h.ReleaseVersion = v
		}
	}
	return h
}

func (ct *Control) peerEndpoint(r row) string {
	if ip := r.ip("native_address"); ip != nil { // peers_v2
		port := ct.port
		if p, ok := r.int32("native_port"); ok && p > 0 {
			port = int(p)
		}
		return ct.translator.Translate(joinHostPort(ip, port, ct.port))
	}
	if ip := r.ip("rpc_address"); ip != nil {
		return ct.translator.Translate(joinHostPort(ip, ct.port, ct.port))
	}
	if ip := r.ip("peer"); ip != nil {
		return ct.translator.Translate(joinHostPort(ip, ct.port, ct.port))
	}
	return ""
}

func (ct *Control) queryPeers(ctx context.Context, conn *transport.Conn) (*frame.Rows, error) {
	ct.mu.Lock()
	v1 := ct.usePeersV1
	ct.mu.Unlock()
	if !v1 {
		rows, err := ct.query(ctx, conn, selPeersV2)
		if err == nil {
			return rows, nil
		}
		if _, invalid := err.(*cmn.ErrInvalid); !invalid {
			if _, syntax := err.(*cmn.ErrSyntax); !syntax {
				return nil, err
			}
		}
		// older server: remember for the life of this control connection
		ct.mu.Lock()
		ct.usePeersV1 = true
		ct.mu.Unlock()
	}
	return ct.query(ctx, conn, selPeersV1)
}

func (ct *Control) RefreshKeyspaces(ctx context.Context) error {
	ct.refreshMu.Lock()
	defer ct.refreshMu.Unlock()
	conn, err := ct.current()
	if err != nil {
		return err
	}
	rows, err := ct.query(ctx, conn, selKeyspaces)
	if err != nil {
		return err
	}
	next := make(map[string]*meta.Keyspace, len(rows.Content))
	for _, r := range indexRows(rows) {
		name := r.str("keyspace_name")
		if name == "" {
			continue
		}
		repl := r.strMap("replication")
		next[name] = &meta.Keyspace{
			Name:            name,
			Durable:         r.bool("durable_writes"),
			StrategyClass:   repl["class"],
			StrategyOptions: repl,
		}
	}
	ct.store.Apply(func(clone *meta.Snapshot) {
		clone.Keyspaces = next
	}, meta.Event{Kind: meta.SchemaChanged})
	return nil
}

func (ct *Control) query(ctx context.Context, conn *transport.Conn, cql string) (*frame.Rows, error) {
	params := frame.QueryParams{Consistency: cmn.One}
	f, err := conn.Request(ctx, frame.OpQuery, frame.EncodeQuery(cql, &params, conn.Version()))
	if err != nil {
		return nil, err
	}
	_, _, body := frame.StripEnvelope(f)
	switch f.Hdr.Opcode {
	case frame.OpError:
		return nil, frame.DecodeError(body)
	case frame.OpResult:
		res, err := frame.DecodeResult(body, conn.Version())
		if err != nil {
			return nil, err
		}
		if res.Kind != frame.ResultRows {
			return nil, &cmn.ErrProtocol{Message: fmt.Sprintf("expected rows for %q, got result kind %d", cql, res.Kind)}
		}
		return res.Rows, nil
	}
	return nil, &cmn.ErrProtocol{Message: "unexpected " + frame.OpName(f.Hdr.Opcode) + " in response to QUERY"}
}

func joinHostPort(ip net.IP, port, dflt int) string {
	if port <= 0 {
		port = dflt
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}
