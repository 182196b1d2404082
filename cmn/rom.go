// Package cmn provides common constants, types, and configuration for
// the kumulus-go driver runtime.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cmn

import "time"

// protocol versions this driver speaks
const (
	MinProtoVersion = 3
	MaxProtoVersion = 5
)

// compression algorithms (STARTUP option value)
const (
	CompNone   = "none"
	CompLZ4    = "lz4"
	CompSnappy = "snappy"
)

// Rom is the read-mostly snapshot of the most often used knobs, assigned
// once per (re)configure to avoid chasing the Config tree on the hot path.
// Each Config owns its own snapshot - clusters in one process never share
// timeouts through package state.
type Rom struct {
	timeout struct {
		connect   time.Duration
		read      time.Duration
		heartbeat time.Duration
	}
	maxFrameSize int64
}

// DefaultRom returns a snapshot of the built-in defaults (no Config).
func DefaultRom() *Rom {
	rom := &Rom{}
	rom.setDefaults()
	return rom
}

func (rom *Rom) setDefaults() {
	rom.timeout.connect = DefaultConnectTimeout
	rom.timeout.read = DefaultReadTimeout
	rom.timeout.heartbeat = DefaultHeartbeat
	rom.maxFrameSize = DefaultMaxFrameSize
}

func (rom *Rom) set(cfg *Config) {
	rom.timeout.connect = cfg.ConnectTimeout()
	rom.timeout.read = cfg.ReadTimeout()
	rom.timeout.heartbeat = cfg.Heartbeat()
	rom.maxFrameSize = cfg.MaxFrameSize
}

func (rom *Rom) ConnectTimeout() time.Duration { return rom.timeout.connect }
func (rom *Rom) ReadTimeout() time.Duration    { return rom.timeout.read }
func (rom *Rom) Heartbeat() time.Duration      { return rom.timeout.heartbeat }
func (rom *Rom) MaxFrameSize() int64           { return rom.maxFrameSize }
