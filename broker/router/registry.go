// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"slices"
	"sync"

	"github.com/absmach/panbus/topics"
)

type bucket map[uint64]*Subscription

// Registry indexes subscriptions by the literal first segment of their
// pattern. Patterns starting with a wildcard, the global wildcard included,
// share a single bucket that is scanned for every topic.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	all      map[uint64]*Subscription
	literal  map[string]bucket
	wildcard bucket
	owners   map[string]map[uint64]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		all:      make(map[uint64]*Subscription),
		literal:  make(map[string]bucket),
		wildcard: make(bucket),
		owners:   make(map[string]map[uint64]struct{}),
	}
}

// Add assigns the next subscription id to sub and indexes it.
func (r *Registry) Add(sub *Subscription) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub.ID = r.nextID
	r.all[sub.ID] = sub

	if first, ok := topics.LiteralPrefix(sub.Pattern); ok {
		b, ok := r.literal[first]
		if !ok {
			b = make(bucket)
			r.literal[first] = b
		}
		b[sub.ID] = sub
	} else {
		r.wildcard[sub.ID] = sub
	}

	if sub.OwnerID != "" {
		ids, ok := r.owners[sub.OwnerID]
		if !ok {
			ids = make(map[uint64]struct{})
			r.owners[sub.OwnerID] = ids
		}
		ids[sub.ID] = struct{}{}
	}
	return sub.ID
}

// Remove unregisters the subscription with the given id. Removing an
// unknown or already removed id is a no-op that returns nil.
func (r *Registry) Remove(id uint64) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(id)
}

func (r *Registry) remove(id uint64) *Subscription {
	sub, ok := r.all[id]
	if !ok {
		return nil
	}
	delete(r.all, id)

	if first, ok := topics.LiteralPrefix(sub.Pattern); ok {
		if b, ok := r.literal[first]; ok {
			delete(b, id)
			if len(b) == 0 {
				delete(r.literal, first)
			}
		}
	} else {
		delete(r.wildcard, id)
	}

	if ids, ok := r.owners[sub.OwnerID]; ok {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.owners, sub.OwnerID)
		}
	}
	return sub
}

// RemoveOwner unregisters every subscription of ownerID and returns them
// ordered by id.
func (r *Registry) RemoveOwner(ownerID string) []*Subscription {
	if ownerID == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.owners[ownerID]
	removed := make([]*Subscription, 0, len(ids))
	for id := range ids {
		if sub := r.remove(id); sub != nil {
			removed = append(removed, sub)
		}
	}
	sortByID(removed)
	return removed
}

// Drain unregisters every subscription and returns them ordered by id.
func (r *Registry) Drain() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := make([]*Subscription, 0, len(r.all))
	for _, sub := range r.all {
		drained = append(drained, sub)
	}
	sortByID(drained)

	r.all = make(map[uint64]*Subscription)
	r.literal = make(map[string]bucket)
	r.wildcard = make(bucket)
	r.owners = make(map[string]map[uint64]struct{})
	return drained
}

// Resolve returns a snapshot of the subscriptions matching topic, ordered
// by id. The slice is owned by the caller.
func (r *Registry) Resolve(topic string) []*Subscription {
	if topic == "" {
		return nil
	}

	r.mu.RLock()
	candidates := acquireCandidates()
	defer releaseCandidates(candidates)

	for _, sub := range r.literal[topics.FirstSegment(topic)] {
		if topics.Match(topic, sub.Pattern) {
			*candidates = append(*candidates, sub)
		}
	}
	for _, sub := range r.wildcard {
		if topics.Match(topic, sub.Pattern) {
			*candidates = append(*candidates, sub)
		}
	}
	r.mu.RUnlock()

	if len(*candidates) == 0 {
		return nil
	}
	matched := slices.Clone(*candidates)
	sortByID(matched)
	return matched
}

// Get returns the subscription with the given id.
func (r *Registry) Get(id uint64) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.all[id]
	return sub, ok
}

// Count returns the number of registered subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// OwnerCount returns the number of subscriptions held by ownerID.
func (r *Registry) OwnerCount(ownerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners[ownerID])
}

func sortByID(subs []*Subscription) {
	slices.SortFunc(subs, func(a, b *Subscription) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
