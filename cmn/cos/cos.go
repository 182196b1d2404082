// Package cos provides common low-level types and utilities for kumulus-go
/*
 * Copyright (c) 2024, Kumulus Project. All rights reserved.
 */
package cos

import (
	"sync"
)

type (
	// StopCh is a reusable stop/abort primitive: Close is idempotent,
	// Listen returns the channel to select on.
	StopCh struct {
		ch   chan struct{}
		once sync.Once
	}
)

func NewStopCh() *StopCh {
	s := &StopCh{}
	s.Init()
	return s
}

func (s *StopCh) Init()                   { s.ch = make(chan struct{}) }
func (s *StopCh) Listen() <-chan struct{} { return s.ch }

func (s *StopCh) Close() {
	s.once.Do(func() { close(s.ch) })
}

func (s *StopCh) Stopped() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func Plural(n int) (s string) {
	if n != 1 {
		s = "s"
	}
	return
}
