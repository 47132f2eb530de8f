// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the byte buffers used to size message payloads and
// to stream trace exports.
package bufpool

import (
	"bytes"
	"sync"
)

const (
	initialCap = 512

	// Buffers that grew past this while encoding a large payload are left
	// for the garbage collector instead of pinning memory in the pool.
	maxPooledCap = 64 * 1024
)

var pool = sync.Pool{
	New: func() any { return bytes.NewBuffer(make([]byte, 0, initialCap)) },
}

// Get returns an empty buffer from the pool.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// With runs fn with a pooled buffer and releases it once fn returns.
// fn must not retain the buffer or slices of its contents.
func With(fn func(*bytes.Buffer) error) error {
	b := Get()
	defer Put(b)
	return fn(b)
}
