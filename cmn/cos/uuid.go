// Package cos provides common low-level types and utilities for kumulus-go
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cos

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/teris-io/shortid"
)

// Alphabet compatible with shortid.DEFAULT_ABC, reordered to keep generated
// run IDs log-greppable (no leading dash).
const runIDABC = "5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_-"

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func init() {
	sid = shortid.MustNew(1 /*worker*/, runIDABC, uint64(uuid.New().ID()))
}

// GenUUID returns a standard random UUID string (session and host identity).
func GenUUID() string { return uuid.NewString() }

// GenRunID returns a short, locally unique run/cluster instance ID.
func GenRunID() (id string) {
	id = sid.MustGenerate()
	c := id[len(id)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		id += string(rune('a' + tie%26))
	}
	return id
}
