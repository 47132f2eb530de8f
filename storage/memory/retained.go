// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/absmach/panbus/storage"
	"github.com/absmach/panbus/topics"
	"github.com/hashicorp/golang-lru/simplelru"
)

var _ storage.RetainedStore = (*RetainedStore)(nil)

// unboundedEntries stands in for "no entry limit"; simplelru requires a size.
const unboundedEntries = int(^uint(0) >> 1)

// RetainedStore is a bounded in-memory implementation of storage.RetainedStore.
// Entries are evicted least-recently-used first, where both reads and writes
// count as use, whenever the entry count or the total size exceeds its budget.
type RetainedStore struct {
	mu       sync.Mutex
	lru      *simplelru.LRU // topic -> *entry
	bytes    int
	maxBytes int
	evicted  []string // collected by onEvict during a single operation
}

type entry struct {
	msg  storage.Message
	size int
}

// NewRetainedStore creates a new in-memory retained message store.
// Zero or negative limits disable the corresponding budget.
func NewRetainedStore(maxEntries, maxBytes int) *RetainedStore {
	if maxEntries <= 0 {
		maxEntries = unboundedEntries
	}
	s := &RetainedStore{maxBytes: maxBytes}
	// NewLRU only fails for non-positive sizes, which are ruled out above.
	s.lru, _ = simplelru.NewLRU(maxEntries, s.onEvict)
	return s
}

func (s *RetainedStore) onEvict(key, value interface{}) {
	s.bytes -= value.(*entry).size
	s.evicted = append(s.evicted, key.(string))
}

// Put stores or updates a retained message.
func (s *RetainedStore) Put(topic string, msg storage.Message) ([]string, error) {
	size, err := entrySize(msg)
	if err != nil {
		return nil, err
	}
	if s.maxBytes > 0 && size > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes, budget %d", storage.ErrRetainedTooLarge, size, s.maxBytes)
	}

	cp := storage.CopyMessage(msg)
	cp.Topic = topic
	cp.Retain = true

	s.mu.Lock()
	defer s.mu.Unlock()

	s.evicted = nil
	if old, ok := s.lru.Peek(topic); ok {
		s.bytes -= old.(*entry).size
	}
	// Add refreshes recency and, when over the entry budget, evicts the
	// oldest entry, which can never be the one being written.
	s.lru.Add(topic, &entry{msg: cp, size: size})
	s.bytes += size

	for s.maxBytes > 0 && s.bytes > s.maxBytes {
		if _, _, ok := s.lru.RemoveOldest(); !ok {
			break
		}
	}

	evicted := s.evicted
	s.evicted = nil
	return evicted, nil
}

// Get retrieves a retained message by exact topic.
func (s *RetainedStore) Get(topic string) (storage.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.lru.Get(topic)
	if !ok {
		return storage.Message{}, false
	}
	return storage.CopyMessage(v.(*entry).msg), true
}

// GetAll returns all retained messages matching any of the patterns, ordered by topic.
func (s *RetainedStore) GetAll(patterns []string) []storage.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []string
	for _, k := range s.lru.Keys() {
		topic := k.(string)
		if topics.MatchAny(topic, patterns) {
			matched = append(matched, topic)
		}
	}
	sort.Strings(matched)

	result := make([]storage.Message, 0, len(matched))
	for _, topic := range matched {
		v, ok := s.lru.Get(topic)
		if !ok {
			continue
		}
		result = append(result, storage.CopyMessage(v.(*entry).msg))
	}
	return result
}

// Remove deletes a retained message.
func (s *RetainedStore) Remove(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.lru.Remove(topic)
	// Explicit removals are not evictions.
	s.evicted = nil
	return removed
}

// Len returns the number of retained messages.
func (s *RetainedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Bytes returns the total size of retained messages.
func (s *RetainedStore) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func entrySize(msg storage.Message) (int, error) {
	if msg.Size > 0 {
		return msg.Size, nil
	}
	return storage.EncodedSize(msg.Data)
}
