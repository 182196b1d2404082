// Package frame implements the native-protocol frame codec (v3-v5).
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/cmn/debug"
)

// v5+ segment envelope: once a v5 connection is Ready every frame travels
// inside segments; negotiation and auth frames go out plain.
//
//	header   [4]byte - bits 0..16 payload length, bit 17 self-contained
//	hdrCRC   [4]byte - CRC32C of the header
//	payload  [n]byte - one or more frames, or a slice of a large frame
//	crc      [4]byte - CRC32C of the payload
const (
	MaxSegmentPayload = 128*1024 - 1

	segHeaderSize  = 4
	segSelfContain = 1 << 17
	segLenMask     = segSelfContain - 1
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// EncodeSegment wraps payload into a checksummed segment envelope.
func EncodeSegment(payload []byte, selfContained bool) []byte {
	debug.Assert(len(payload) <= MaxSegmentPayload)
	hdr := uint32(len(payload))
	if selfContained {
		hdr |= segSelfContain
	}
	out := make([]byte, segHeaderSize+4+len(payload)+4)
	binary.BigEndian.PutUint32(out, hdr)
	binary.BigEndian.PutUint32(out[segHeaderSize:], crc32.Checksum(out[:segHeaderSize], castagnoli))
	copy(out[segHeaderSize+4:], payload)
	binary.BigEndian.PutUint32(out[segHeaderSize+4+len(payload):], crc32.Checksum(payload, castagnoli))
	return out
}

// ReadSegment reads one segment envelope, validating both checksums.
// CRC mismatch is a fatal protocol error.
func ReadSegment(r io.Reader) (payload []byte, selfContained bool, err error) {
	var hb [segHeaderSize + 4]byte
	if _, err = io.ReadFull(r, hb[:]); err != nil {
		return nil, false, err
	}
	if got, want := crc32.Checksum(hb[:segHeaderSize], castagnoli), binary.BigEndian.Uint32(hb[segHeaderSize:]); got != want {
		return nil, false, &cmn.ErrProtocol{Message: fmt.Sprintf("segment header CRC mismatch: 0x%08x != 0x%08x", got, want)}
	}
	hdr := binary.BigEndian.Uint32(hb[:])
	n := int(hdr & segLenMask)
	selfContained = hdr&segSelfContain != 0
	payload = make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return nil, false, err
	}
	var cb [4]byte
	if _, err = io.ReadFull(r, cb[:]); err != nil {
		return nil, false, err
	}
	if got, want := crc32.Checksum(payload, castagnoli), binary.BigEndian.Uint32(cb[:]); got != want {
		return nil, false, &cmn.ErrProtocol{Message: fmt.Sprintf("segment payload CRC mismatch: 0x%08x != 0x%08x", got, want)}
	}
	return payload, selfContained, nil
}

// WriteSegments splits an encoded frame into as many segments as needed
// (single self-contained segment in the common case).
func WriteSegments(w io.Writer, encodedFrame []byte) error {
	if len(encodedFrame) <= MaxSegmentPayload {
		_, err := w.Write(EncodeSegment(encodedFrame, true))
		return err
	}
	for off := 0; off < len(encodedFrame); off += MaxSegmentPayload {
		end := min(off+MaxSegmentPayload, len(encodedFrame))
		if _, err := w.Write(EncodeSegment(encodedFrame[off:end], false)); err != nil {
			return err
		}
	}
	return nil
}
