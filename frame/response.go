// Package frame implements the native-protocol frame codec (v3-v5).
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package frame

import (
	"fmt"
	"net"

	"github.com/kumulus-db/kumulus-go/cmn"
)

// RESULT kinds
const (
	ResultVoid         = 0x0001
	ResultRows         = 0x0002
	ResultSetKeyspace  = 0x0003
	ResultPrepared     = 0x0004
	ResultSchemaChange = 0x0005
)

// rows-metadata flags
const (
	rmfGlobalTablesSpec = 0x01
	rmfHasMorePages     = 0x02
	rmfNoMetadata       = 0x04
	rmfMetadataChanged  = 0x08 // v5+
)

// data-type option ids (only structure is needed here; cell values stay raw)
const (
	TypeCustom = 0x0000
	TypeList   = 0x0020
	TypeMap    = 0x0021
	TypeSet    = 0x0022
	TypeUDT    = 0x0030
	TypeTuple  = 0x0031
)

type (
	DataType struct {
		Custom string
		Elems  []DataType
		ID     uint16
	}
	ColumnSpec struct {
		Keyspace string
		Table    string
		Name     string
		Type     DataType
	}
	RowsMetadata struct {
		PagingState      []byte
		NewMetadataID    []byte // v5+, set when rmfMetadataChanged
		Columns          []ColumnSpec
		ColumnCount      int
		HasMorePages     bool
		NoMetadata       bool
	}
	// Rows: cell values are raw bytes; nil is a null cell.
	Rows struct {
		Meta    RowsMetadata
		Content [][][]byte
	}
	Prepared struct {
		ID               []byte
		ResultMetadataID []byte // v5+
		PKIndices        []uint16
		Variables        RowsMetadata
		ResultMeta       RowsMetadata
	}
	SchemaChange struct {
		ChangeType string // CREATED | UPDATED | DROPPED
		Target     string // KEYSPACE | TABLE | TYPE | FUNCTION | AGGREGATE
		Keyspace   string
		Name       string
	}
	// Result is the decoded RESULT body (exactly one member set, per Kind).
	Result struct {
		Rows         *Rows
		Prepared     *Prepared
		SchemaChange *SchemaChange
		Keyspace     string // set for ResultSetKeyspace
		Kind         int32
	}
	// Event is a decoded EVENT body.
	Event struct {
		Type       string // TOPOLOGY_CHANGE | STATUS_CHANGE | SCHEMA_CHANGE
		Change     string // NEW_NODE/REMOVED_NODE | UP/DOWN | CREATED/...
		Address    net.IP
		Port       int
		Schema     *SchemaChange
	}
)

func decodeType(r *Rbuf) (dt DataType) {
	dt.ID = r.Short()
	switch dt.ID {
	case TypeCustom:
		dt.Custom = r.String()
	case TypeList, TypeSet:
		dt.Elems = []DataType{decodeType(r)}
	case TypeMap:
		dt.Elems = []DataType{decodeType(r), decodeType(r)}
	case TypeUDT:
		_ = r.String() // keyspace
		_ = r.String() // name
		n := int(r.Short())
		for range n {
			_ = r.String() // field name
			dt.Elems = append(dt.Elems, decodeType(r))
		}
	case TypeTuple:
		n := int(r.Short())
		for range n {
			dt.Elems = append(dt.Elems, decodeType(r))
		}
	}
	return dt
}

func decodeRowsMetadata(r *Rbuf, version int) (m RowsMetadata) {
	fl := r.Int()
	m.ColumnCount = int(r.Int())
	if fl&rmfHasMorePages != 0 {
		m.HasMorePages = true
		m.PagingState = r.Bytes()
	}
	if version >= 5 && fl&rmfMetadataChanged != 0 {
		m.NewMetadataID = r.ShortBytes()
	}
	if fl&rmfNoMetadata != 0 {
		m.NoMetadata = true
		return m
	}
	var gks, gtab string
	if fl&rmfGlobalTablesSpec != 0 {
		gks = r.String()
		gtab = r.String()
	}
	m.Columns = make([]ColumnSpec, 0, m.ColumnCount)
	for range m.ColumnCount {
		cs := ColumnSpec{Keyspace: gks, Table: gtab}
		if fl&rmfGlobalTablesSpec == 0 {
			cs.Keyspace = r.String()
			cs.Table = r.String()
		}
		cs.Name = r.String()
		cs.Type = decodeType(r)
		m.Columns = append(m.Columns, cs)
	}
	return m
}

func decodeSchemaChange(r *Rbuf) *SchemaChange {
	sc := &SchemaChange{ChangeType: r.String(), Target: r.String(), Keyspace: r.String()}
	if sc.Target != "KEYSPACE" {
		sc.Name = r.String()
	}
	return sc
}

// DecodeResult parses a RESULT body.
func DecodeResult(body []byte, version int) (*Result, error) {
	r := NewRbuf(body)
	res := &Result{Kind: r.Int()}
	switch res.Kind {
	case ResultVoid:
	case ResultRows:
		rows := &Rows{Meta: decodeRowsMetadata(r, version)}
		cnt := int(r.Int())
		rows.Content = make([][][]byte, 0, cnt)
		for range cnt {
			row := make([][]byte, rows.Meta.ColumnCount)
			for i := range rows.Meta.ColumnCount {
				row[i] = r.Bytes()
			}
			rows.Content = append(rows.Content, row)
		}
		res.Rows = rows
	case ResultSetKeyspace:
		res.Keyspace = r.String()
	case ResultPrepared:
		p := &Prepared{ID: r.ShortBytes()}
		if version >= 5 {
			p.ResultMetadataID = r.ShortBytes()
		}
		p.Variables = decodeRowsMetadataWithPK(r, version, &p.PKIndices)
		p.ResultMeta = decodeRowsMetadata(r, version)
		res.Prepared = p
	case ResultSchemaChange:
		res.SchemaChange = decodeSchemaChange(r)
	default:
		return nil, &cmn.ErrProtocol{Message: fmt.Sprintf("unknown RESULT kind %d", res.Kind)}
	}
	return res, r.Err()
}

// prepared-variables metadata carries partition-key indices on v4+
func decodeRowsMetadataWithPK(r *Rbuf, version int, pk *[]uint16) RowsMetadata {
	fl := r.Int()
	colCount := int(r.Int())
	if version >= 4 {
		n := int(r.Int())
		*pk = make([]uint16, 0, n)
		for range n {
			*pk = append(*pk, r.Short())
		}
	}
	m := RowsMetadata{ColumnCount: colCount}
	var gks, gtab string
	if fl&rmfGlobalTablesSpec != 0 {
		gks = r.String()
		gtab = r.String()
	}
	m.Columns = make([]ColumnSpec, 0, colCount)
	for range colCount {
		cs := ColumnSpec{Keyspace: gks, Table: gtab}
		if fl&rmfGlobalTablesSpec == 0 {
			cs.Keyspace = r.String()
			cs.Table = r.String()
		}
		cs.Name = r.String()
		cs.Type = decodeType(r)
		m.Columns = append(m.Columns, cs)
	}
	return m
}

// DecodeEvent parses an EVENT body (stream -1).
func DecodeEvent(body []byte) (*Event, error) {
	r := NewRbuf(body)
	ev := &Event{Type: r.String()}
	switch ev.Type {
	case "TOPOLOGY_CHANGE", "STATUS_CHANGE":
		ev.Change = r.String()
		ev.Address, ev.Port = r.Inet()
	case "SCHEMA_CHANGE":
		ev.Schema = decodeSchemaChange(r)
		ev.Change = ev.Schema.ChangeType
	default:
		return nil, &cmn.ErrProtocol{Message: "unknown event type " + ev.Type}
	}
	return ev, r.Err()
}

// StripEnvelope peels the optional response prefixes - tracing id, warnings,
// custom payload - off a RESULT/ERROR body, in wire order.
func StripEnvelope(f *Frame) (warnings []string, payload map[string][]byte, body []byte) {
	body = f.Body
	r := NewRbuf(body)
	if f.Hdr.Flags&FlagTracing != 0 {
		r.take(16, "tracing id")
	}
	if f.Hdr.Flags&FlagWarning != 0 {
		warnings = r.StringList()
	}
	if f.Hdr.Flags&FlagCustomPayload != 0 {
		n := int(r.Short())
		payload = make(map[string][]byte, n)
		for range n {
			k := r.String()
			payload[k] = r.Bytes()
		}
	}
	if r.Err() != nil {
		return nil, nil, f.Body
	}
	return warnings, payload, body[r.off:]
}

// DecodeError maps an ERROR body to a typed error.
func DecodeError(body []byte) error {
	r := NewRbuf(body)
	code := r.Int()
	msg := r.String()
	var err error
	switch code {
	case cmn.ErrCodeUnavailable:
		err = &cmn.ErrUnavailable{Message: msg, Consistency: r.Consistency(), Required: r.Int(), Alive: r.Int()}
	case cmn.ErrCodeWriteTimeout:
		e := &cmn.ErrWriteTimeout{Consistency: r.Consistency(), Received: r.Int(), BlockFor: r.Int()}
		e.WriteType = r.String()
		err = e
	case cmn.ErrCodeReadTimeout:
		e := &cmn.ErrReadTimeout{Consistency: r.Consistency(), Received: r.Int(), BlockFor: r.Int()}
		e.DataPresent = r.Byte() != 0
		err = e
	case cmn.ErrCodeReadFailure:
		e := &cmn.ErrReadFailure{Consistency: r.Consistency(), Received: r.Int(), BlockFor: r.Int(), NumFailures: r.Int()}
		e.DataPresent = r.Byte() != 0
		err = e
	case cmn.ErrCodeWriteFailure:
		e := &cmn.ErrWriteFailure{Consistency: r.Consistency(), Received: r.Int(), BlockFor: r.Int(), NumFailures: r.Int()}
		e.WriteType = r.String()
		err = e
	case cmn.ErrCodeAlreadyExists:
		err = &cmn.ErrAlreadyExists{Keyspace: r.String(), Table: r.String()}
	case cmn.ErrCodeUnprepared:
		err = &cmn.ErrUnprepared{Message: msg, ID: r.ShortBytes()}
	case cmn.ErrCodeSyntax:
		err = &cmn.ErrSyntax{Message: msg}
	case cmn.ErrCodeUnauthorized:
		err = &cmn.ErrUnauthorized{Message: msg}
	case cmn.ErrCodeInvalid:
		err = &cmn.ErrInvalid{Message: msg}
	case cmn.ErrCodeConfig:
		err = &cmn.ErrConfigServer{Message: msg}
	case cmn.ErrCodeFunctionFailure:
		err = &cmn.ErrFunction{Message: msg}
	case cmn.ErrCodeProtocol:
		err = &cmn.ErrProtocol{Message: msg}
	case cmn.ErrCodeBadCredentials:
		err = &cmn.ErrAuthentication{Message: msg}
	case cmn.ErrCodeOverloaded:
		err = &cmn.ErrOverloaded{Message: msg}
	case cmn.ErrCodeIsBootstrapping:
		err = &cmn.ErrBootstrapping{Message: msg}
	case cmn.ErrCodeTruncate:
		err = &cmn.ErrTruncate{Message: msg}
	default:
		err = &cmn.ErrServer{Code: code, Message: msg}
	}
	if rerr := r.Err(); rerr != nil {
		return rerr
	}
	return err
}
