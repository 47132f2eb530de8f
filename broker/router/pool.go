// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import "sync"

// candidatePool recycles the scratch slices Resolve fills before it sorts
// and copies out the matching subscriptions.
var candidatePool = sync.Pool{
	New: func() any {
		s := make([]*Subscription, 0, 64)
		return &s
	},
}

func acquireCandidates() *[]*Subscription {
	return candidatePool.Get().(*[]*Subscription)
}

func releaseCandidates(s *[]*Subscription) {
	if s == nil {
		return
	}
	clear(*s)
	*s = (*s)[:0]
	candidatePool.Put(s)
}
