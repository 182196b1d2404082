// Package frame implements the native-protocol frame codec (v3-v5):
// header and body primitives, request/response bodies, the v5 segment
// envelope, and body compression.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package frame

import (
	"encoding/binary"
	"net"

	"github.com/kumulus-db/kumulus-go/cmn"
)

// Wbuf appends protocol primitives to a byte buffer. All multi-byte
// quantities are big-endian.
type Wbuf struct {
	B []byte
}

func NewWbuf(sizeHint int) *Wbuf { return &Wbuf{B: make([]byte, 0, sizeHint)} }

func (w *Wbuf) Byte(b byte)     { w.B = append(w.B, b) }
func (w *Wbuf) Short(v uint16)  { w.B = binary.BigEndian.AppendUint16(w.B, v) }
func (w *Wbuf) Int(v int32)     { w.B = binary.BigEndian.AppendUint32(w.B, uint32(v)) }
func (w *Wbuf) Long(v int64)    { w.B = binary.BigEndian.AppendUint64(w.B, uint64(v)) }
func (w *Wbuf) Raw(b []byte)    { w.B = append(w.B, b...) }

func (w *Wbuf) String(s string) {
	w.Short(uint16(len(s)))
	w.B = append(w.B, s...)
}

func (w *Wbuf) LongString(s string) {
	w.Int(int32(len(s)))
	w.B = append(w.B, s...)
}

// Bytes writes [bytes]; nil encodes as length -1 (null).
func (w *Wbuf) Bytes(b []byte) {
	if b == nil {
		w.Int(-1)
		return
	}
	w.Int(int32(len(b)))
	w.B = append(w.B, b...)
}

func (w *Wbuf) ShortBytes(b []byte) {
	w.Short(uint16(len(b)))
	w.B = append(w.B, b...)
}

func (w *Wbuf) StringList(l []string) {
	w.Short(uint16(len(l)))
	for _, s := range l {
		w.String(s)
	}
}

func (w *Wbuf) StringMap(m map[string]string) {
	w.Short(uint16(len(m)))
	for k, v := range m {
		w.String(k)
		w.String(v)
	}
}

func (w *Wbuf) Consistency(c cmn.Consistency) { w.Short(uint16(c)) }

func (w *Wbuf) Inet(ip net.IP, port int) {
	b := ip.To4()
	if b == nil {
		b = ip.To16()
	}
	w.Byte(byte(len(b)))
	w.Raw(b)
	w.Int(int32(port))
}

// Rbuf consumes protocol primitives from a byte buffer. The first decode
// error sticks; every subsequent read returns zero values.
type Rbuf struct {
	B   []byte
	off int
	err error
}

func NewRbuf(b []byte) *Rbuf { return &Rbuf{B: b} }

func (r *Rbuf) Err() error { return r.err }
func (r *Rbuf) Len() int   { return len(r.B) - r.off }

func (r *Rbuf) fail(what string) {
	if r.err == nil {
		r.err = &cmn.ErrProtocol{Message: "buffer underrun reading " + what}
	}
}

func (r *Rbuf) take(n int, what string) []byte {
	if r.err != nil || n < 0 || r.off+n > len(r.B) {
		r.fail(what)
		return nil
	}
	b := r.B[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Rbuf) Byte() byte {
	b := r.take(1, "byte")
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Rbuf) Short() uint16 {
	b := r.take(2, "short")
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Rbuf) Int() int32 {
	b := r.take(4, "int")
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (r *Rbuf) Long() int64 {
	b := r.take(8, "long")
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *Rbuf) String() string {
	n := int(r.Short())
	return string(r.take(n, "string"))
}

func (r *Rbuf) LongString() string {
	n := int(r.Int())
	return string(r.take(n, "long string"))
}

// Bytes reads [bytes]; negative length decodes as nil (null cell).
func (r *Rbuf) Bytes() []byte {
	n := r.Int()
	if n < 0 {
		return nil
	}
	b := r.take(int(n), "bytes")
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Rbuf) ShortBytes() []byte {
	n := int(r.Short())
	b := r.take(n, "short bytes")
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *Rbuf) StringList() []string {
	n := int(r.Short())
	l := make([]string, 0, n)
	for range n {
		l = append(l, r.String())
	}
	return l
}

func (r *Rbuf) StringMap() map[string]string {
	n := int(r.Short())
	m := make(map[string]string, n)
	for range n {
		k := r.String()
		m[k] = r.String()
	}
	return m
}

func (r *Rbuf) StringMultiMap() map[string][]string {
	n := int(r.Short())
	m := make(map[string][]string, n)
	for range n {
		k := r.String()
		m[k] = r.StringList()
	}
	return m
}

func (r *Rbuf) Consistency() cmn.Consistency { return cmn.Consistency(r.Short()) }

func (r *Rbuf) Inet() (net.IP, int) {
	n := int(r.Byte())
	ip := net.IP(r.take(n, "inet"))
	port := int(r.Int())
	if ip != nil {
		ip = append(net.IP(nil), ip...)
	}
	return ip, port
}
