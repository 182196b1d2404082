// Package transport provides the multiplexed native-protocol connection.
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package transport

import (
	"context"
	"net"
)

type (
	// Authenticator is the SASL-style challenge/response contract. The
	// concrete provider (plain-text, kerberos, ...) is an external
	// collaborator.
	Authenticator interface {
		InitialResponse(mechanism string) ([]byte, error)
		EvaluateChallenge(token []byte) ([]byte, error)
		// Success is handed the final server token (may be nil).
		Success(token []byte) error
	}

	// Dialer opens the raw transport. TLS is layered by supplying a dialer
	// that wraps the stream; certificate validation stays with the
	// collaborator.
	Dialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
)
