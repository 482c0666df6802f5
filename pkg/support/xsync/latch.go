// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements some extra synchronization tools.
package xsync

import (
	"context"
	"sync"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch. Triggering an already triggered latch is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// WaitContext waits for the latch to be triggered or for ctx to be done, in which case it returns ctx.Err().
func (l *Latch) WaitContext(ctx context.Context) error {
	select {
	case <-l.wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// LatchWithValue is a Latch with a value associated with its triggering.
// The first Trigger sets the value, later ones are discarded.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{
		latch: NewLatch(),
	}
}

// Trigger latch and saves the associated value.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if l.latch.Test() {
		return
	}
	l.value = value
	close(l.latch.wait)
}

// Wait waits for the latch to be triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// WaitContext waits for the latch or for ctx to be done. It returns the zero value and ctx.Err() in the latter case.
func (l *LatchWithValue[T]) WaitContext(ctx context.Context) (T, error) {
	if err := l.latch.WaitContext(ctx); err != nil {
		var zero T
		return zero, err
	}
	return l.value, nil
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}
