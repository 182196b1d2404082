// Package transport provides the multiplexed native-protocol connection.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/cos"
	"github.com/kumulus-db/kumulus-go/cmn/debug"
	"github.com/kumulus-db/kumulus-go/cmn/mono"
	"github.com/kumulus-db/kumulus-go/frame"
)

// connection states
const (
	stOpening = iota
	stNegotiating
	stAuthenticating
	stReady
	stClosing
	stClosed
)

// a request whose deadline expired keeps its stream id until the server
// responds or the connection dies; more than this many orphans force a reset
const maxOrphans = 16

const writeBufSize = 32 * 1024

type (
	Options struct {
		Dialer Dialer
		Auth   Authenticator
		Log    *zap.Logger
		// Rom is the owning cluster's hot-knob snapshot (timeouts, frame
		// cap); nil falls back to the built-in defaults.
		Rom         *cmn.Rom
		OnClose     func(c *Conn, err error)
		OnEvent     func(ev *frame.Event)
		Compression string
		AppName     string
		AppVersion  string
		ClientID    string
		Version     int // 0 - negotiate highest supported
		Beta        bool
		KeepAlive   bool
		NoDelay     bool
	}

	// exactly one side settles a pending request: the reader (delivery),
	// the requester (timeout - the stream id is then orphaned), or teardown
	pending struct {
		ch   chan *frame.Frame
		done atomic.Bool
	}

	// Conn is one multiplexed stream to one node. In Ready state any I/O
	// error closes the connection, fails every pending request with a
	// retriable error, and notifies the owner.
	Conn struct {
		nc       net.Conn
		bw       *bufio.Writer
		opts     Options
		rom      *cmn.Rom
		log      *zap.Logger
		compr    frame.Compressor
		streams  *streamAlloc
		pend     map[int16]*pending
		stopCh   cos.StopCh
		endpoint string
		keyspace string
		closeErr error

		pendMu sync.Mutex
		wmu    sync.Mutex
		ksMu   sync.Mutex
		cmu    sync.Mutex

		lastTraffic atomic.Int64 // mono nanos
		state       atomic.Int32
		orphans     atomic.Int32
		hbInflight  atomic.Bool

		version int

		// v5 inbound segment reassembly
		segbuf []byte
	}
)

// Dial opens, negotiates, and authenticates a connection; on return the
// connection is Ready. A PROTOCOL_ERROR during STARTUP triggers a one-shot
// downgrade and redial.
func Dial(ctx context.Context, endpoint string, opts Options) (*Conn, error) {
	ver := opts.Version
	if ver == 0 {
		ver = cmn.MaxProtoVersion
	}
	c, err := dial1(ctx, endpoint, opts, ver)
	if err != nil && opts.Version == 0 && ver > cmn.MinProtoVersion && cmn.IsErrProtocol(err) {
		// one-shot downgrade
		c, err = dial1(ctx, endpoint, opts, ver-1)
	}
	return c, err
}

func dial1(ctx context.Context, endpoint string, opts Options, version int) (*Conn, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	rom := opts.Rom
	if rom == nil {
		rom = cmn.DefaultRom()
	}
	c := &Conn{
		opts:     opts,
		rom:      rom,
		log:      log,
		endpoint: endpoint,
		version:  version,
		pend:     make(map[int16]*pending, 8),
	}
	c.stopCh.Init()
	c.state.Store(stOpening)

	d := opts.Dialer
	if d == nil {
		d = &net.Dialer{Timeout: rom.ConnectTimeout(), KeepAlive: keepAlivePeriod(opts.KeepAlive)}
	}
	dctx, cancel := context.WithTimeout(ctx, rom.ConnectTimeout())
	defer cancel()
	nc, err := d.DialContext(dctx, "tcp", endpoint)
	if err != nil {
		return nil, &cmn.ErrConnectionClosed{Reason: "cannot open " + endpoint + ": " + err.Error()}
	}
	if tc, ok := nc.(*net.TCPConn); ok && opts.NoDelay {
		_ = tc.SetNoDelay(true)
	}
	c.nc = nc
	c.bw = bufio.NewWriterSize(nc, writeBufSize)
	c.streams = newStreamAlloc(frame.MaxStreams(version))
	c.touch()

	if err := c.open(ctx); err != nil {
		c.teardown(err)
		return nil, err
	}
	c.state.Store(stReady)
	go c.readLoop()
	collectorAdd(c)
	return c, nil
}

func keepAlivePeriod(on bool) time.Duration {
	if !on {
		return -1
	}
	return 15 * time.Second
}

// open drives OPTIONS/SUPPORTED -> STARTUP -> (auth) -> READY over
// synchronous round-trips on stream 0. Any failure here is fatal for the
// connection ("cannot open").
func (c *Conn) open(ctx context.Context) error {
	c.state.Store(stNegotiating)
	resp, err := c.roundTrip(ctx, frame.OpOptions, nil)
	if err != nil {
		return err
	}
	if resp.Hdr.Opcode != frame.OpSupported {
		return &cmn.ErrProtocol{Message: "expected SUPPORTED, got " + frame.OpName(resp.Hdr.Opcode)}
	}
	supported := frame.NewRbuf(resp.Body).StringMultiMap()
	comp := c.opts.Compression
	if comp != "" && comp != cmn.CompNone && !contains(supported["COMPRESSION"], comp) {
		c.log.Warn("server does not support compression, proceeding without",
			zap.String("algo", comp), zap.String("endpoint", c.endpoint))
		comp = ""
	}

	resp, err = c.roundTrip(ctx, frame.OpStartup,
		frame.EncodeStartup(comp, c.opts.AppName, c.opts.AppVersion, c.opts.ClientID))
	if err != nil {
		return err
	}
	// compression is in effect for every frame after STARTUP
	if comp != "" && comp != cmn.CompNone {
		if c.compr, err = frame.NewCompressor(comp); err != nil {
			return err
		}
	}
	switch resp.Hdr.Opcode {
	case frame.OpReady:
	case frame.OpAuthenticate:
		if err := c.authenticate(ctx, resp); err != nil {
			return err
		}
	case frame.OpError:
		return frame.DecodeError(resp.Body)
	default:
		return &cmn.ErrProtocol{Message: "unexpected " + frame.OpName(resp.Hdr.Opcode) + " in response to STARTUP"}
	}
	return nil
}

func (c *Conn) authenticate(ctx context.Context, authFrame *frame.Frame) error {
	c.state.Store(stAuthenticating)
	mechanism := frame.NewRbuf(authFrame.Body).String()
	if c.opts.Auth == nil {
		return &cmn.ErrAuthentication{Message: "server requires authentication (" + mechanism + "), no authenticator configured"}
	}
	token, err := c.opts.Auth.InitialResponse(mechanism)
	if err != nil {
		return &cmn.ErrAuthentication{Message: err.Error()}
	}
	for {
		resp, err := c.roundTrip(ctx, frame.OpAuthResponse, frame.EncodeAuthResponse(token))
		if err != nil {
			return err
		}
		switch resp.Hdr.Opcode {
		case frame.OpAuthSuccess:
			var final []byte
			if len(resp.Body) > 0 {
				final = frame.NewRbuf(resp.Body).Bytes()
			}
			return c.opts.Auth.Success(final)
		case frame.OpAuthChallenge:
			challenge := frame.NewRbuf(resp.Body).Bytes()
			if token, err = c.opts.Auth.EvaluateChallenge(challenge); err != nil {
				return &cmn.ErrAuthentication{Message: err.Error()}
			}
		case frame.OpError:
			err = frame.DecodeError(resp.Body)
			if _, ok := err.(*cmn.ErrAuthentication); ok {
				return err
			}
			return &cmn.ErrAuthentication{Message: err.Error()}
		default:
			return &cmn.ErrProtocol{Message: "unexpected " + frame.OpName(resp.Hdr.Opcode) + " during auth exchange"}
		}
	}
}

// roundTrip is the pre-Ready synchronous path on stream 0 (the read loop is
// not running yet).
func (c *Conn) roundTrip(ctx context.Context, opcode byte, body []byte) (*frame.Frame, error) {
	req := &frame.Frame{Hdr: frame.Header{Version: c.version, Stream: 0, Opcode: opcode}, Body: body}
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(dl)
	} else {
		_ = c.nc.SetDeadline(time.Now().Add(c.rom.ConnectTimeout()))
	}
	defer c.nc.SetDeadline(time.Time{})
	if err := c.writeFrame(req); err != nil {
		return nil, err
	}
	f, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	c.touch()
	return f, nil
}

//
// Ready-state request path
//

// Request sends one frame and blocks until the paired response, ctx
// expiration, or connection death. On ctx expiration the stream id is
// orphaned, not reused, until the server responds or the connection closes.
func (c *Conn) Request(ctx context.Context, opcode byte, body []byte) (*frame.Frame, error) {
	if c.state.Load() != stReady {
		return nil, &cmn.ErrConnectionClosed{Reason: "not ready"}
	}
	stream, ok := c.streams.alloc()
	if !ok {
		return nil, cmn.ErrConnBusy
	}
	p := &pending{ch: make(chan *frame.Frame, 1)}
	c.pendMu.Lock()
	c.pend[stream] = p
	c.pendMu.Unlock()

	req := &frame.Frame{Hdr: frame.Header{Version: c.version, Stream: stream, Opcode: opcode}, Body: body}
	if c.opts.Beta && c.version >= cmn.MaxProtoVersion {
		req.Hdr.Flags |= frame.FlagBeta
	}
	c.wmu.Lock()
	err := c.writeFrame(req)
	c.wmu.Unlock()
	if err != nil {
		c.unregister(stream)
		c.teardown(err)
		return nil, &cmn.ErrConnectionClosed{Reason: err.Error()}
	}
	c.touch()

	select {
	case f := <-p.ch:
		if f == nil {
			return nil, c.closedErr()
		}
		return f, nil
	case <-ctx.Done():
		if !p.done.CompareAndSwap(false, true) {
			// the reader settled first; the response is in the buffer
			if f := <-p.ch; f != nil {
				return f, nil
			}
			return nil, c.closedErr()
		}
		// orphan: the id stays claimed (cross-talk prevention) until the
		// server responds or the connection dies
		if n := c.orphans.Add(1); n > maxOrphans {
			c.teardown(&cmn.ErrProtocol{Message: "too many orphaned streams"})
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &cmn.ErrOperationTimedOut{Endpoint: c.endpoint}
		}
		return nil, ctx.Err()
	case <-c.stopCh.Listen():
		return nil, c.closedErr()
	}
}

func (c *Conn) unregister(stream int16) {
	c.pendMu.Lock()
	delete(c.pend, stream)
	c.pendMu.Unlock()
	c.streams.release(stream)
}

func (c *Conn) writeFrame(f *frame.Frame) error {
	enc := f.Encode(c.compr)
	var err error
	if c.version >= 5 && c.state.Load() == stReady {
		err = frame.WriteSegments(c.bw, enc)
	} else {
		_, err = c.bw.Write(enc)
	}
	if err != nil {
		return err
	}
	return c.bw.Flush()
}

// readFrame reads one inbound frame, reassembling v5 segments as needed.
func (c *Conn) readFrame() (*frame.Frame, error) {
	if c.version < 5 || c.state.Load() != stReady {
		return frame.ReadFrom(c.nc, c.compr, c.rom.MaxFrameSize())
	}
	for {
		if f, n, err := frame.Decode(c.segbuf, c.compr, c.rom.MaxFrameSize()); err != nil {
			return nil, err
		} else if f != nil {
			c.segbuf = c.segbuf[n:]
			return f, nil
		}
		payload, _, err := frame.ReadSegment(c.nc)
		if err != nil {
			return nil, err
		}
		c.segbuf = append(c.segbuf, payload...)
	}
}

func (c *Conn) readLoop() {
	for {
		f, err := c.readFrame()
		if err != nil {
			c.teardown(err)
			return
		}
		c.touch()
		if f.Hdr.Stream == frame.EventStream {
			if ev, err := frame.DecodeEvent(f.Body); err != nil {
				c.log.Warn("dropping undecodable event", zap.Error(err), zap.String("endpoint", c.endpoint))
			} else if c.opts.OnEvent != nil {
				c.opts.OnEvent(ev)
			}
			continue
		}
		c.pendMu.Lock()
		p := c.pend[f.Hdr.Stream]
		delete(c.pend, f.Hdr.Stream)
		c.pendMu.Unlock()
		if p == nil {
			c.log.Warn("response on unknown stream", zap.Int16("stream", f.Hdr.Stream), zap.String("endpoint", c.endpoint))
			continue
		}
		c.streams.release(f.Hdr.Stream)
		if !p.done.CompareAndSwap(false, true) {
			// late response to a timed-out request: id reclaimed, result dropped
			c.orphans.Add(-1)
			continue
		}
		p.ch <- f
	}
}

//
// keyspace binding
//

func (c *Conn) Keyspace() string {
	c.ksMu.Lock()
	ks := c.keyspace
	c.ksMu.Unlock()
	return ks
}

func (c *Conn) SetKeyspace(ks string) {
	c.ksMu.Lock()
	c.keyspace = ks
	c.ksMu.Unlock()
}

//
// lifecycle
//

func (c *Conn) Endpoint() string { return c.endpoint }
func (c *Conn) Version() int     { return c.version }
func (c *Conn) Ready() bool      { return c.state.Load() == stReady }

// InFlight is the number of outstanding stream ids (orphans included).
func (c *Conn) InFlight() int { return c.streams.inUse() }

// Exhausted: no free stream id at this instant.
func (c *Conn) Exhausted() bool { return c.streams.exhausted() }

func (c *Conn) touch() { c.lastTraffic.Store(mono.NanoTime()) }

func (c *Conn) closedErr() error {
	c.cmu.Lock()
	err := c.closeErr
	c.cmu.Unlock()
	if err == nil {
		err = &cmn.ErrConnectionClosed{}
	}
	return err
}

// Close is the graceful variant (pool shutdown).
func (c *Conn) Close(reason string) {
	c.teardown(&cmn.ErrConnectionClosed{Reason: reason})
}

// teardown closes exactly once: transitions the state machine, fails every
// pending request with a retriable error, and notifies the owner.
func (c *Conn) teardown(cause error) {
	c.cmu.Lock()
	if st := c.state.Load(); st == stClosing || st == stClosed {
		c.cmu.Unlock()
		return
	}
	c.state.Store(stClosing)
	if _, ok := cause.(*cmn.ErrConnectionClosed); !ok && cause != nil {
		cause = &cmn.ErrConnectionClosed{Reason: cause.Error()}
	}
	c.closeErr = cause
	c.cmu.Unlock()

	collectorRemove(c)
	c.stopCh.Close()
	_ = c.nc.Close()

	c.pendMu.Lock()
	pend := c.pend
	c.pend = make(map[int16]*pending)
	c.pendMu.Unlock()
	for stream, p := range pend {
		c.streams.release(stream)
		if !p.done.CompareAndSwap(false, true) {
			c.orphans.Add(-1) // its requester counted an orphan on timeout
			continue
		}
		close(p.ch) // receiver maps nil frame to closedErr
	}
	debug.AssertFunc(func() bool { return c.streams.inUse() >= 0 })

	c.state.Store(stClosed)
	if c.opts.OnClose != nil {
		c.opts.OnClose(c, cause)
	}
}

func contains(l []string, s string) bool {
	for _, cur := range l {
		if cur == s {
			return true
		}
	}
	return false
}
