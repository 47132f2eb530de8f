// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tracebuf keeps a sampled, fixed-size history of published
// messages for inspection and export.
package tracebuf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/absmach/panbus/internal/bufpool"
	"github.com/absmach/panbus/storage"
	"github.com/absmach/panbus/topics"
	"github.com/klauspost/compress/zstd"
)

// Entry is a recorded message.
type Entry struct {
	Seq        uint64          `json:"seq"`
	RecordedAt time.Time       `json:"recorded_at"`
	Message    storage.Message `json:"message"`
	Delivered  int             `json:"delivered"`
}

// Buffer is a ring buffer of sampled messages. When full, the oldest entry
// is overwritten.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	seq     uint64
	rate    float64
	sample  func() float64
	now     func() time.Time
}

// New creates a buffer holding up to capacity entries and recording each
// offered message with probability sampleRate, clamped to [0, 1].
func New(capacity int, sampleRate float64) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		rate:    clamp(sampleRate),
		sample:  rand.Float64,
		now:     time.Now,
	}
}

func clamp(rate float64) float64 {
	switch {
	case rate != rate, rate < 0: // NaN or negative
		return 0
	case rate > 1:
		return 1
	}
	return rate
}

// SampleRate returns the current sampling probability.
func (b *Buffer) SampleRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rate
}

// SetSampleRate changes the sampling probability.
func (b *Buffer) SetSampleRate(rate float64) {
	b.mu.Lock()
	b.rate = clamp(rate)
	b.mu.Unlock()
}

// Record offers msg to the buffer and reports whether it was sampled.
func (b *Buffer) Record(msg storage.Message, delivered int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rate <= 0 || (b.rate < 1 && b.sample() >= b.rate) {
		return false
	}

	b.seq++
	b.entries[b.next] = Entry{
		Seq:        b.seq,
		RecordedAt: b.now(),
		Message:    storage.CopyMessage(msg),
		Delivered:  delivered,
	}
	b.next++
	if b.next == len(b.entries) {
		b.next = 0
		b.full = true
	}
	return true
}

// Len returns the number of recorded entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.full {
		return len(b.entries)
	}
	return b.next
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return len(b.entries)
}

// All returns every recorded entry, oldest first.
func (b *Buffer) All() []Entry {
	return b.filter(func(Entry) bool { return true })
}

// Query returns the entries whose topic matches pattern, oldest first.
func (b *Buffer) Query(pattern string) []Entry {
	return b.filter(func(e Entry) bool { return topics.Match(e.Message.Topic, pattern) })
}

// Range returns the entries whose message timestamp falls in [from, to],
// oldest first. A zero bound is open.
func (b *Buffer) Range(from, to time.Time) []Entry {
	return b.filter(func(e Entry) bool {
		ts := e.Message.Timestamp
		if !from.IsZero() && ts.Before(from) {
			return false
		}
		if !to.IsZero() && ts.After(to) {
			return false
		}
		return true
	})
}

// Reset drops every recorded entry.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.next = 0
	b.full = false
}

func (b *Buffer) filter(keep func(Entry) bool) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Entry
	visit := func(e Entry) {
		if keep(e) {
			e.Message = storage.CopyMessage(e.Message)
			out = append(out, e)
		}
	}
	if b.full {
		for _, e := range b.entries[b.next:] {
			visit(e)
		}
	}
	for _, e := range b.entries[:b.next] {
		visit(e)
	}
	return out
}

// Export writes entries to w as JSON lines.
func Export(w io.Writer, entries []Entry) error {
	return bufpool.With(func(buf *bytes.Buffer) error {
		enc := json.NewEncoder(buf)
		enc.SetEscapeHTML(false)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("failed to encode trace entry %d: %w", e.Seq, err)
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return err
			}
			buf.Reset()
		}
		return nil
	})
}

// ExportCompressed writes entries to w as zstd-compressed JSON lines.
func ExportCompressed(w io.Writer, entries []Entry) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := Export(zw, entries); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
