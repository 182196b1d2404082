// Package frame implements the native-protocol frame codec (v3-v5).
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package frame

import (
	"encoding/binary"

	"github.com/golang/snappy"
	lz4 "github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"

	"github.com/kumulus-db/kumulus-go/cmn"
)

// Compressor compresses/decompresses frame bodies. Compress returns nil when
// the input is incompressible - the frame then goes out unflagged.
// Implementations are safe for concurrent use.
type Compressor interface {
	Name() string
	Compress(src []byte) []byte
	Decompress(src []byte) ([]byte, error)
}

func NewCompressor(name string) (Compressor, error) {
	switch name {
	case "", cmn.CompNone:
		return nil, nil
	case cmn.CompLZ4:
		return lz4Compressor{}, nil
	case cmn.CompSnappy:
		return snappyCompressor{}, nil
	}
	return nil, errors.Errorf("unknown compression %q", name)
}

// LZ4 block format prefixed with the uncompressed length ([int]), as the
// server expects it.
type lz4Compressor struct{}

func (lz4Compressor) Name() string { return cmn.CompLZ4 }

func (lz4Compressor) Compress(src []byte) []byte {
	var (
		ht  = make([]int, 64<<10)
		dst = make([]byte, 4+lz4.CompressBlockBound(len(src)))
	)
	binary.BigEndian.PutUint32(dst, uint32(len(src)))
	n, err := lz4.CompressBlock(src, dst[4:], ht)
	if err != nil || n == 0 {
		return nil // incompressible
	}
	return dst[:4+n]
}

func (lz4Compressor) Decompress(src []byte) ([]byte, error) {
	if len(src) < 4 {
		return nil, errors.New("lz4: short block")
	}
	size := binary.BigEndian.Uint32(src)
	if size == 0 {
		return nil, nil
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(src[4:], dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

type snappyCompressor struct{}

func (snappyCompressor) Name() string { return cmn.CompSnappy }

func (snappyCompressor) Compress(src []byte) []byte {
	dst := snappy.Encode(nil, src)
	if len(dst) >= len(src) {
		return nil
	}
	return dst
}

func (snappyCompressor) Decompress(src []byte) ([]byte, error) { return snappy.Decode(nil, src) }
