// Package cmn provides common constants, types, and configuration for
// the kumulus-go driver runtime.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cmn

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultPort = 9042

	// frames whose declared length exceeds the cap are a fatal protocol error
	DefaultMaxFrameSize = 256 * 1024 * 1024

	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 12 * time.Second
	DefaultHeartbeat      = 30 * time.Second
	DefaultMetadataAbort  = time.Minute
	DefaultReconnectBase  = time.Second
	DefaultReconnectCap   = 10 * time.Minute
	DefaultInitFloor      = 10 * time.Second

	DefaultPageSize   = 5000
	DefaultCoreLocal  = 2
	DefaultCoreRemote = 1
	DefaultMaxLocal   = 8
	DefaultMaxRemote  = 2

	// event refresh coalescing window (control channel)
	DefaultEventDebounce = time.Second
)

type (
	Config struct {
		Logger          *zap.Logger `json:"-"`
		AppName         string      `json:"application_name"`
		AppVersion      string      `json:"application_version"`
		ClusterID       string      `json:"cluster_id"`
		Compression     string      `json:"compression"` // "" | "lz4" | "snappy"
		ContactPoints   []string    `json:"contact_points"`
		Pooling         PoolingConf `json:"pooling"`
		Socket          SocketConf  `json:"socket"`
		Query           QueryConf   `json:"query"`
		Timeout         TimeoutConf `json:"timeout"`
		MaxFrameSize    int64       `json:"max_frame_size"`
		Port            int         `json:"port"`
		ProtocolVersion int         `json:"protocol_version"` // 0 - negotiate
		BetaProtocol    bool        `json:"beta_protocol"`

		rom Rom // filled by Validate
	}
	PoolingConf struct {
		CoreLocal   int   `json:"core_local"`
		CoreRemote  int   `json:"core_remote"`
		MaxLocal    int   `json:"max_local"`
		MaxRemote   int   `json:"max_remote"`
		HeartbeatMs int64 `json:"heartbeat_ms"`
	}
	SocketConf struct {
		ConnectTimeoutMs int64 `json:"connect_timeout_ms"`
		ReadTimeoutMs    int64 `json:"read_timeout_ms"`
		KeepAlive        bool  `json:"keep_alive"`
		TCPNoDelay       bool  `json:"tcp_no_delay"`
	}
	QueryConf struct {
		Consistency       string `json:"consistency"`        // default LOCAL_ONE
		SerialConsistency string `json:"serial_consistency"` // default SERIAL
		PageSize          int    `json:"page_size"`
		ReprepareOnUp     *bool  `json:"reprepare_on_up"` // default true
		Serverless        bool   `json:"serverless"`      // raises default consistency to LOCAL_QUORUM
	}
	TimeoutConf struct {
		MetadataAbortMs int64 `json:"metadata_abort_ms"`
		ReconnectBaseMs int64 `json:"reconnect_base_ms"`
		ReconnectCapMs  int64 `json:"reconnect_cap_ms"`
		InitFloorMs     int64 `json:"init_floor_ms"`
	}
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Load reads a JSON config file and validates it.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := &Config{}
	if err := jsonAPI.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills defaults in place and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("invalid port %d", c.Port)
	}
	switch c.Compression {
	case "", CompNone, CompLZ4, CompSnappy:
	default:
		return errors.Errorf("unknown compression %q", c.Compression)
	}
	if c.ProtocolVersion != 0 && (c.ProtocolVersion < MinProtoVersion || c.ProtocolVersion > MaxProtoVersion) {
		return errors.Errorf("unsupported protocol version %d", c.ProtocolVersion)
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.Pooling.CoreLocal <= 0 {
		c.Pooling.CoreLocal = DefaultCoreLocal
	}
	if c.Pooling.CoreRemote <= 0 {
		c.Pooling.CoreRemote = DefaultCoreRemote
	}
	if c.Pooling.MaxLocal < c.Pooling.CoreLocal {
		c.Pooling.MaxLocal = max(DefaultMaxLocal, c.Pooling.CoreLocal)
	}
	if c.Pooling.MaxRemote < c.Pooling.CoreRemote {
		c.Pooling.MaxRemote = max(DefaultMaxRemote, c.Pooling.CoreRemote)
	}
	if c.Pooling.HeartbeatMs <= 0 {
		c.Pooling.HeartbeatMs = DefaultHeartbeat.Milliseconds()
	}
	if c.Socket.ConnectTimeoutMs <= 0 {
		c.Socket.ConnectTimeoutMs = DefaultConnectTimeout.Milliseconds()
	}
	if c.Socket.ReadTimeoutMs <= 0 {
		c.Socket.ReadTimeoutMs = DefaultReadTimeout.Milliseconds()
	}
	if c.Query.PageSize <= 0 {
		c.Query.PageSize = DefaultPageSize
	}
	if c.Query.Consistency == "" {
		if c.Query.Serverless {
			c.Query.Consistency = LocalQuorum.String()
		} else {
			c.Query.Consistency = LocalOne.String()
		}
	}
	if _, err := ParseConsistency(c.Query.Consistency); err != nil {
		return err
	}
	if c.Query.SerialConsistency == "" {
		c.Query.SerialConsistency = Serial.String()
	}
	if sc, err := ParseConsistency(c.Query.SerialConsistency); err != nil {
		return err
	} else if !sc.IsSerial() {
		return errors.Errorf("serial consistency must be SERIAL or LOCAL_SERIAL, got %s", sc)
	}
	if c.Query.ReprepareOnUp == nil {
		t := true
		c.Query.ReprepareOnUp = &t
	}
	if c.Timeout.MetadataAbortMs <= 0 {
		c.Timeout.MetadataAbortMs = DefaultMetadataAbort.Milliseconds()
	}
	if c.Timeout.ReconnectBaseMs <= 0 {
		c.Timeout.ReconnectBaseMs = DefaultReconnectBase.Milliseconds()
	}
	if c.Timeout.ReconnectCapMs <= 0 {
		c.Timeout.ReconnectCapMs = DefaultReconnectCap.Milliseconds()
	}
	if c.Timeout.InitFloorMs <= 0 {
		c.Timeout.InitFloorMs = DefaultInitFloor.Milliseconds()
	}
	c.rom.set(c)
	return nil
}

// Rom is the validated Config's read-mostly snapshot of the hot knobs.
func (c *Config) Rom() *Rom { return &c.rom }

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Socket.ConnectTimeoutMs) * time.Millisecond
}
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Socket.ReadTimeoutMs) * time.Millisecond
}
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Pooling.HeartbeatMs) * time.Millisecond
}
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.Timeout.ReconnectBaseMs) * time.Millisecond
}
func (c *Config) ReconnectCap() time.Duration {
	return time.Duration(c.Timeout.ReconnectCapMs) * time.Millisecond
}
func (c *Config) MetadataAbort() time.Duration {
	return time.Duration(c.Timeout.MetadataAbortMs) * time.Millisecond
}
func (c *Config) InitFloor() time.Duration {
	return time.Duration(c.Timeout.InitFloorMs) * time.Millisecond
}
