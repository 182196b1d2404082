// Package frame_test
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package frame_test

import (
	"bytes"
	"testing"

	"github.com/kumulus-db/kumulus-go/cmn"
	"github.com/kumulus-db/kumulus-go/frame"
)

var allOpcodes = []byte{
	frame.OpError, frame.OpStartup, frame.OpReady, frame.OpAuthenticate,
	frame.OpOptions, frame.OpSupported, frame.OpQuery, frame.OpResult,
	frame.OpPrepare, frame.OpExecute, frame.OpRegister, frame.OpEvent,
	frame.OpBatch, frame.OpAuthChallenge, frame.OpAuthResponse, frame.OpAuthSuccess,
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, version := range []int{3, 4, 5} {
		for _, op := range allOpcodes {
			for _, stream := range []int16{-1, 0, 1, 127, 32767} {
				h := frame.Header{Version: version, Flags: frame.FlagWarning, Stream: stream, Opcode: op, Length: 42, Response: true}
				var b [frame.HeaderSize]byte
				frame.EncodeHeader(&h, b[:])
				got, err := frame.DecodeHeader(b[:], cmn.DefaultMaxFrameSize)
				if err != nil {
					t.Fatalf("v%d %s stream=%d: %v", version, frame.OpName(op), stream, err)
				}
				if got != h {
					t.Fatalf("round trip mismatch: %+v != %+v", got, h)
				}
			}
		}
	}
}

func TestFrameLengthCap(t *testing.T) {
	h := frame.Header{Version: 4, Opcode: frame.OpResult, Length: 1 << 20, Response: true}
	var b [frame.HeaderSize]byte
	frame.EncodeHeader(&h, b[:])
	if _, err := frame.DecodeHeader(b[:], 1<<10); !cmn.IsErrProtocol(err) {
		t.Fatalf("expected fatal protocol error, got %v", err)
	}
}

func TestFrameEncodeDecode(t *testing.T) {
	body := frame.EncodeStartup("", "app", "1.0", "cid")
	f := &frame.Frame{Hdr: frame.Header{Version: 4, Stream: 7, Opcode: frame.OpStartup}, Body: body}
	enc := f.Encode(nil)
	got, n, err := frame.Decode(enc, nil, cmn.DefaultMaxFrameSize)
	if err != nil || got == nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d of %d", n, len(enc))
	}
	if got.Hdr.Stream != 7 || got.Hdr.Opcode != frame.OpStartup || !bytes.Equal(got.Body, body) {
		t.Fatalf("mismatch: %+v", got.Hdr)
	}
	// partial buffer yields no frame, no error
	if pf, _, err := frame.Decode(enc[:len(enc)-1], nil, cmn.DefaultMaxFrameSize); pf != nil || err != nil {
		t.Fatalf("partial decode: %v %v", pf, err)
	}
}

func TestPrimitives(t *testing.T) {
	w := frame.NewWbuf(64)
	w.Byte(0xAB)
	w.Short(0xBEEF)
	w.Int(-17)
	w.Long(1 << 40)
	w.String("hello")
	w.LongString("long hello")
	w.Bytes([]byte{1, 2, 3})
	w.Bytes(nil)
	w.ShortBytes([]byte{9})
	w.StringList([]string{"a", "bb"})
	w.StringMap(map[string]string{"k": "v"})
	w.Consistency(cmn.LocalQuorum)

	r := frame.NewRbuf(w.B)
	if r.Byte() != 0xAB || r.Short() != 0xBEEF || r.Int() != -17 || r.Long() != 1<<40 {
		t.Fatal("scalar mismatch")
	}
	if r.String() != "hello" || r.LongString() != "long hello" {
		t.Fatal("string mismatch")
	}
	if !bytes.Equal(r.Bytes(), []byte{1, 2, 3}) || r.Bytes() != nil || !bytes.Equal(r.ShortBytes(), []byte{9}) {
		t.Fatal("bytes mismatch")
	}
	if l := r.StringList(); len(l) != 2 || l[1] != "bb" {
		t.Fatal("list mismatch")
	}
	if m := r.StringMap(); m["k"] != "v" {
		t.Fatal("map mismatch")
	}
	if r.Consistency() != cmn.LocalQuorum {
		t.Fatal("consistency mismatch")
	}
	if r.Err() != nil || r.Len() != 0 {
		t.Fatalf("err=%v rem=%d", r.Err(), r.Len())
	}
	// underrun sticks
	if r.Int(); r.Err() == nil {
		t.Fatal("expected underrun error")
	}
}

func TestCompressorsRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("kumulus wide column store "), 100)
	for _, algo := range []string{cmn.CompLZ4, cmn.CompSnappy} {
		c, err := frame.NewCompressor(algo)
		if err != nil {
			t.Fatal(err)
		}
		enc := c.Compress(src)
		if enc == nil {
			t.Fatalf("%s: compressible input declined", algo)
		}
		if len(enc) >= len(src) {
			t.Fatalf("%s: no gain (%d >= %d)", algo, len(enc), len(src))
		}
		dec, err := c.Decompress(enc)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(dec, src) {
			t.Fatalf("%s: round trip mismatch", algo)
		}
	}
}

func TestCompressedFrame(t *testing.T) {
	c, _ := frame.NewCompressor(cmn.CompLZ4)
	body := bytes.Repeat([]byte("row "), 500)
	f := &frame.Frame{Hdr: frame.Header{Version: 4, Stream: 3, Opcode: frame.OpResult, Response: true}, Body: body}
	enc := f.Encode(c)
	if len(enc) >= frame.HeaderSize+len(body) {
		t.Fatal("body did not compress")
	}
	got, _, err := frame.Decode(enc, c, cmn.DefaultMaxFrameSize)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Body, body) || got.Hdr.Flags&frame.FlagCompressed != 0 {
		t.Fatal("decompressed frame mismatch")
	}
}

func TestSegmentRoundTrip(t *testing.T) {
	payload := []byte("self contained frame bytes")
	seg := frame.EncodeSegment(payload, true)
	got, self, err := frame.ReadSegment(bytes.NewReader(seg))
	if err != nil || !self || !bytes.Equal(got, payload) {
		t.Fatalf("round trip: %v self=%t", err, self)
	}
}

func TestSegmentCRCMismatch(t *testing.T) {
	seg := frame.EncodeSegment([]byte("payload under test"), true)
	seg[len(seg)-1] ^= 0xFF // corrupt payload CRC
	if _, _, err := frame.ReadSegment(bytes.NewReader(seg)); !cmn.IsErrProtocol(err) {
		t.Fatalf("expected fatal protocol error, got %v", err)
	}
	seg = frame.EncodeSegment([]byte("payload under test"), true)
	seg[0] ^= 0x01 // corrupt header
	if _, _, err := frame.ReadSegment(bytes.NewReader(seg)); !cmn.IsErrProtocol(err) {
		t.Fatalf("expected header CRC error, got %v", err)
	}
}

func TestDecodeErrorBodies(t *testing.T) {
	w := frame.NewWbuf(64)
	w.Int(cmn.ErrCodeUnavailable)
	w.String("not enough replicas")
	w.Consistency(cmn.Quorum)
	w.Int(3)
	w.Int(1)
	err := frame.DecodeError(w.B)
	ue, ok := err.(*cmn.ErrUnavailable)
	if !ok || ue.Required != 3 || ue.Alive != 1 || ue.Consistency != cmn.Quorum {
		t.Fatalf("unavailable decode: %#v", err)
	}

	w = frame.NewWbuf(64)
	w.Int(cmn.ErrCodeUnprepared)
	w.String("unknown id")
	w.ShortBytes([]byte{0xCA, 0xFE})
	if up, ok := frame.DecodeError(w.B).(*cmn.ErrUnprepared); !ok || !bytes.Equal(up.ID, []byte{0xCA, 0xFE}) {
		t.Fatal("unprepared decode")
	}

	w = frame.NewWbuf(64)
	w.Int(cmn.ErrCodeReadTimeout)
	w.String("timed out")
	w.Consistency(cmn.LocalOne)
	w.Int(0)
	w.Int(1)
	w.Byte(0)
	if rt, ok := frame.DecodeError(w.B).(*cmn.ErrReadTimeout); !ok || rt.BlockFor != 1 || rt.DataPresent {
		t.Fatal("read timeout decode")
	}
}

func TestDecodeEvent(t *testing.T) {
	w := frame.NewWbuf(48)
	w.String("STATUS_CHANGE")
	w.String("UP")
	w.Inet([]byte{10, 0, 0, 7}, 9042)
	ev, err := frame.DecodeEvent(w.B)
	if err != nil || ev.Change != "UP" || ev.Port != 9042 || ev.Address.String() != "10.0.0.7" {
		t.Fatalf("event decode: %+v %v", ev, err)
	}
	if _, err = frame.DecodeEvent(frame.NewWbuf(8).B); err == nil {
		t.Fatal("empty event must fail")
	}
}

func TestDecodeRowsResult(t *testing.T) {
	w := frame.NewWbuf(128)
	w.Int(frame.ResultRows)
	w.Int(0x01) // global tables spec
	w.Int(2)    // columns
	w.String("ks")
	w.String("t")
	w.String("k")
	w.Short(0x0009) // int
	w.String("v")
	w.Short(0x000D) // varchar
	w.Int(2)        // rows
	w.Bytes([]byte{0, 0, 0, 42})
	w.Bytes([]byte("hello"))
	w.Bytes(nil) // null cell
	w.Bytes([]byte("world"))

	res, err := frame.DecodeResult(w.B, 4)
	if err != nil {
		t.Fatal(err)
	}
	rows := res.Rows
	if rows == nil || len(rows.Content) != 2 || rows.Meta.ColumnCount != 2 {
		t.Fatalf("rows shape: %+v", res)
	}
	if rows.Meta.Columns[0].Name != "k" || rows.Meta.Columns[1].Keyspace != "ks" {
		t.Fatal("column specs")
	}
	if rows.Content[1][0] != nil || string(rows.Content[1][1]) != "world" {
		t.Fatal("cells")
	}
}
