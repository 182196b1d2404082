// Package frame implements the native-protocol frame codec (v3-v5).
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package frame

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/debug"
)

const (
	HeaderSize = 9

	// direction bit of the version byte
	dirRequest  = 0x00
	dirResponse = 0x80
	verMask     = 0x7f
)

// frame flags
const (
	FlagCompressed    = 0x01
	FlagTracing       = 0x02
	FlagCustomPayload = 0x04
	FlagWarning       = 0x08
	FlagBeta          = 0x10
)

// opcodes
const (
	OpError         = 0x00
	OpStartup       = 0x01
	OpReady         = 0x02
	OpAuthenticate  = 0x03
	OpOptions       = 0x05
	OpSupported     = 0x06
	OpQuery         = 0x07
	OpResult        = 0x08
	OpPrepare       = 0x09
	OpExecute       = 0x0A
	OpRegister      = 0x0B
	OpEvent         = 0x0C
	OpBatch         = 0x0D
	OpAuthChallenge = 0x0E
	OpAuthResponse  = 0x0F
	OpAuthSuccess   = 0x10
)

// stream-id space per protocol version
const (
	MaxStreamsV3 = 128
	MaxStreamsV5 = 32768

	// EVENT frames arrive on the reserved stream
	EventStream = -1
)

var opNames = map[byte]string{
	OpError: "ERROR", OpStartup: "STARTUP", OpReady: "READY",
	OpAuthenticate: "AUTHENTICATE", OpOptions: "OPTIONS", OpSupported: "SUPPORTED",
	OpQuery: "QUERY", OpResult: "RESULT", OpPrepare: "PREPARE", OpExecute: "EXECUTE",
	OpRegister: "REGISTER", OpEvent: "EVENT", OpBatch: "BATCH",
	OpAuthChallenge: "AUTH_CHALLENGE", OpAuthResponse: "AUTH_RESPONSE",
	OpAuthSuccess: "AUTH_SUCCESS",
}

func OpName(op byte) string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("OPCODE(0x%02x)", op)
}

// MaxStreams returns the size of the stream-id space for a protocol version.
func MaxStreams(version int) int {
	if version >= 5 {
		return MaxStreamsV5
	}
	return MaxStreamsV3
}

type (
	Header struct {
		Version  int // protocol version, direction bit stripped
		Flags    byte
		Stream   int16
		Opcode   byte
		Length   int32
		Response bool
	}
	// Frame is a decoded header plus raw (decompressed) body.
	Frame struct {
		Body []byte
		Hdr  Header
	}
)

func (h *Header) String() string {
	return fmt.Sprintf("v%d/%s[stream=%d len=%d flags=0x%02x]", h.Version, OpName(h.Opcode), h.Stream, h.Length, h.Flags)
}

// EncodeHeader packs the 9-byte frame header.
func EncodeHeader(h *Header, b []byte) {
	debug.Assert(len(b) >= HeaderSize)
	v := byte(h.Version) & verMask
	if h.Response {
		v |= dirResponse
	}
	b[0] = v
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:], uint16(h.Stream))
	b[4] = h.Opcode
	binary.BigEndian.PutUint32(b[5:], uint32(h.Length))
}

// DecodeHeader unpacks and validates the 9-byte frame header against the
// configured length cap.
func DecodeHeader(b []byte, maxFrameSize int64) (h Header, err error) {
	debug.Assert(len(b) >= HeaderSize)
	h.Version = int(b[0] & verMask)
	h.Response = b[0]&dirResponse != 0
	h.Flags = b[1]
	h.Stream = int16(binary.BigEndian.Uint16(b[2:]))
	h.Opcode = b[4]
	h.Length = int32(binary.BigEndian.Uint32(b[5:]))
	if h.Version < cmn.MinProtoVersion || h.Version > cmn.MaxProtoVersion {
		return h, &cmn.ErrProtocol{Message: fmt.Sprintf("unsupported protocol version %d", h.Version)}
	}
	if h.Length < 0 || int64(h.Length) > maxFrameSize {
		return h, &cmn.ErrProtocol{Message: fmt.Sprintf("frame length %d exceeds cap %d", h.Length, maxFrameSize)}
	}
	if _, ok := opNames[h.Opcode]; !ok {
		return h, &cmn.ErrProtocol{Message: "unsupported " + OpName(h.Opcode)}
	}
	return h, nil
}

// Encode serializes header+body into a single buffer, compressing the body
// when compr is set and the opcode allows it (STARTUP and OPTIONS always go
// uncompressed).
func (f *Frame) Encode(compr Compressor) []byte {
	body := f.Body
	hdr := f.Hdr
	if compr != nil && hdr.Opcode != OpStartup && hdr.Opcode != OpOptions && len(body) > 0 {
		if cb := compr.Compress(body); cb != nil {
			body = cb
			hdr.Flags |= FlagCompressed
		}
	}
	hdr.Length = int32(len(body))
	out := make([]byte, HeaderSize+len(body))
	EncodeHeader(&hdr, out)
	copy(out[HeaderSize:], body)
	return out
}

// WriteTo encodes the frame to w.
func (f *Frame) WriteTo(w io.Writer, compr Compressor) error {
	_, err := w.Write(f.Encode(compr))
	return err
}

// Decode parses one frame out of buf (which must hold the entire frame),
// returning the frame and the number of bytes consumed; (nil, 0) when buf
// does not yet hold a complete frame.
func Decode(buf []byte, compr Compressor, maxFrameSize int64) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, nil
	}
	hdr, err := DecodeHeader(buf, maxFrameSize)
	if err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(hdr.Length)
	if len(buf) < total {
		return nil, 0, nil
	}
	body := make([]byte, hdr.Length)
	copy(body, buf[HeaderSize:total])
	if hdr.Flags&FlagCompressed != 0 {
		if compr == nil {
			return nil, 0, &cmn.ErrProtocol{Message: "compressed frame on a connection without negotiated compression"}
		}
		if body, err = compr.Decompress(body); err != nil {
			return nil, 0, &cmn.ErrProtocol{Message: "decompress: " + err.Error()}
		}
		hdr.Flags &^= FlagCompressed
		hdr.Length = int32(len(body))
	}
	return &Frame{Hdr: hdr, Body: body}, total, nil
}

// ReadFrom reads and decodes one frame, decompressing the body if flagged.
func ReadFrom(r io.Reader, compr Compressor, maxFrameSize int64) (*Frame, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, err
	}
	hdr, err := DecodeHeader(hb[:], maxFrameSize)
	if err != nil {
		return nil, err
	}
	body := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	if hdr.Flags&FlagCompressed != 0 {
		if compr == nil {
			return nil, &cmn.ErrProtocol{Message: "compressed frame on a connection without negotiated compression"}
		}
		if body, err = compr.Decompress(body); err != nil {
			return nil, &cmn.ErrProtocol{Message: "decompress: " + err.Error()}
		}
		hdr.Flags &^= FlagCompressed
		hdr.Length = int32(len(body))
	}
	return &Frame{Hdr: hdr, Body: body}, nil
}
