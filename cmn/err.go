// Package cmn provides common constants, types, and configuration for
// the kumulus-go driver runtime.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cmn

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// server-side error codes (ERROR frame body, native protocol v3+)
const (
	ErrCodeServer          = 0x0000
	ErrCodeProtocol        = 0x000A
	ErrCodeBadCredentials  = 0x0100
	ErrCodeUnavailable     = 0x1000
	ErrCodeOverloaded      = 0x1001
	ErrCodeIsBootstrapping = 0x1002
	ErrCodeTruncate        = 0x1003
	ErrCodeWriteTimeout    = 0x1100
	ErrCodeReadTimeout     = 0x1200
	ErrCodeReadFailure     = 0x1300
	ErrCodeFunctionFailure = 0x1400
	ErrCodeWriteFailure    = 0x1500
	ErrCodeSyntax          = 0x2000
	ErrCodeUnauthorized    = 0x2100
	ErrCodeInvalid         = 0x2200
	ErrCodeConfig          = 0x2300
	ErrCodeAlreadyExists   = 0x2400
	ErrCodeUnprepared      = 0x2500
)

type (
	// ErrServer is the catch-all for coordinator ERROR responses that have
	// no dedicated type below.
	ErrServer struct {
		Message string
		Code    int32
	}
	ErrUnavailable struct {
		Message     string
		Consistency Consistency
		Required    int32
		Alive       int32
	}
	ErrReadTimeout struct {
		Consistency Consistency
		Received    int32
		BlockFor    int32
		DataPresent bool
	}
	ErrWriteTimeout struct {
		WriteType   string
		Consistency Consistency
		Received    int32
		BlockFor    int32
	}
	ErrReadFailure struct {
		Consistency Consistency
		Received    int32
		BlockFor    int32
		NumFailures int32
		DataPresent bool
	}
	ErrWriteFailure struct {
		WriteType   string
		Consistency Consistency
		Received    int32
		BlockFor    int32
		NumFailures int32
	}
	ErrAlreadyExists struct {
		Keyspace string
		Table    string
	}
	// ErrUnprepared: coordinator no longer knows the prepared id.
	ErrUnprepared struct {
		Message string
		ID      []byte
	}
	ErrSyntax        struct{ Message string }
	ErrUnauthorized  struct{ Message string }
	ErrInvalid       struct{ Message string }
	ErrConfigServer  struct{ Message string }
	ErrFunction      struct{ Message string }
	ErrOverloaded    struct{ Message string }
	ErrBootstrapping struct{ Message string }
	ErrTruncate      struct{ Message string }

	// ErrProtocol is fatal for its connection (codec violation, unsupported
	// frame, length-cap overflow, CRC mismatch).
	ErrProtocol struct{ Message string }

	// ErrAuthentication: credentials rejected or exchange failed after
	// version negotiation - fatal, never retried.
	ErrAuthentication struct{ Message string }

	// ErrConnectionClosed fails every request pending on a dying connection;
	// always retriable on another host.
	ErrConnectionClosed struct{ Reason string }

	// ErrOperationTimedOut: per-request read-timeout expired.
	ErrOperationTimedOut struct{ Endpoint string }

	// ErrNoHostAvailable: the query plan was exhausted; carries the last
	// error observed per attempted endpoint.
	ErrNoHostAvailable struct {
		Errors map[string]error
	}

	ErrDriverInternal struct{ Message string }
)

// sentinels
var (
	ErrConnBusy       = errors.New("connection busy: no free stream")
	ErrHostBusy       = errors.New("host busy: no connection with a free stream")
	ErrClusterClosing = errors.New("cluster closing")
	ErrDisposed       = errors.New("object disposed")
	ErrControlDown    = errors.New("control connection down")
)

func (e *ErrServer) Error() string {
	return fmt.Sprintf("server error 0x%04x: %s", e.Code, e.Message)
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("unavailable: consistency %s requires %d replicas, %d alive", e.Consistency, e.Required, e.Alive)
}

func (e *ErrReadTimeout) Error() string {
	return fmt.Sprintf("read timeout at %s: received %d of %d (data=%t)", e.Consistency, e.Received, e.BlockFor, e.DataPresent)
}

func (e *ErrWriteTimeout) Error() string {
	return fmt.Sprintf("write timeout at %s (%s): received %d of %d", e.Consistency, e.WriteType, e.Received, e.BlockFor)
}

func (e *ErrReadFailure) Error() string {
	return fmt.Sprintf("read failure at %s: %d failures, received %d of %d", e.Consistency, e.NumFailures, e.Received, e.BlockFor)
}

func (e *ErrWriteFailure) Error() string {
	return fmt.Sprintf("write failure at %s (%s): %d failures, received %d of %d", e.Consistency, e.WriteType, e.NumFailures, e.Received, e.BlockFor)
}

func (e *ErrAlreadyExists) Error() string {
	if e.Table == "" {
		return "keyspace " + e.Keyspace + " already exists"
	}
	return "table " + e.Keyspace + "." + e.Table + " already exists"
}

func (e *ErrUnprepared) Error() string {
	return fmt.Sprintf("unprepared: unknown prepared id %x", e.ID)
}

func (e *ErrSyntax) Error() string        { return "syntax error: " + e.Message }
func (e *ErrUnauthorized) Error() string  { return "unauthorized: " + e.Message }
func (e *ErrInvalid) Error() string       { return "invalid query: " + e.Message }
func (e *ErrConfigServer) Error() string  { return "config error: " + e.Message }
func (e *ErrFunction) Error() string      { return "function failure: " + e.Message }
func (e *ErrOverloaded) Error() string    { return "coordinator overloaded: " + e.Message }
func (e *ErrBootstrapping) Error() string { return "coordinator is bootstrapping: " + e.Message }
func (e *ErrTruncate) Error() string      { return "truncate error: " + e.Message }

func (e *ErrProtocol) Error() string       { return "protocol error: " + e.Message }
func (e *ErrAuthentication) Error() string { return "authentication failed: " + e.Message }

func (e *ErrConnectionClosed) Error() string {
	if e.Reason == "" {
		return "connection closed"
	}
	return "connection closed: " + e.Reason
}

func (e *ErrOperationTimedOut) Error() string {
	return "operation timed out on " + e.Endpoint
}

func (e *ErrNoHostAvailable) Error() string {
	if len(e.Errors) == 0 {
		return "no host available to execute the query"
	}
	eps := make([]string, 0, len(e.Errors))
	for ep := range e.Errors {
		eps = append(eps, ep)
	}
	sort.Strings(eps)
	var sb strings.Builder
	sb.WriteString("no host available to execute the query, attempted: ")
	for i, ep := range eps {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(ep + ": " + e.Errors[ep].Error())
	}
	return sb.String()
}

func (e *ErrDriverInternal) Error() string { return "driver internal error: " + e.Message }

//
// classification
//

func IsErrProtocol(err error) bool {
	var pe *ErrProtocol
	return errors.As(err, &pe)
}

func IsErrUnprepared(err error) (*ErrUnprepared, bool) {
	var ue *ErrUnprepared
	ok := errors.As(err, &ue)
	return ue, ok
}

// IsRetriableTransport reports errors that fail an attempt without telling us
// anything about the statement's fate server-side prior to write completion.
func IsRetriableTransport(err error) bool {
	var ce *ErrConnectionClosed
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrConnBusy) || errors.Is(err, ErrHostBusy)
}
