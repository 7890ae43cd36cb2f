/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package engine

import (
	"sort"
	"sync"

	"github.com/carverauto/peersync/pkg/datasync"
	"github.com/carverauto/peersync/pkg/models"
)

// Subscriptions records which peers subscribed to which local queries so
// local changes can be pushed to them.
type Subscriptions struct {
	mu    sync.Mutex
	peers map[models.PeerIdentity]map[string]models.Query
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{peers: make(map[models.PeerIdentity]map[string]models.Query)}
}

func (s *Subscriptions) Subscribe(peer models.PeerIdentity, q models.Query) {
	s.mu.Lock()
	defer s.mu.Unlock()

	qs, ok := s.peers[peer]
	if !ok {
		qs = make(map[string]models.Query)
		s.peers[peer] = qs
	}

	qs[q.Identify()] = q
}

// Unsubscribe drops q for peer, or every query of peer when q is nil.
func (s *Subscriptions) Unsubscribe(peer models.PeerIdentity, q *models.Query) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q == nil {
		delete(s.peers, peer)

		return
	}

	qs, ok := s.peers[peer]
	if !ok {
		return
	}

	delete(qs, q.Identify())

	if len(qs) == 0 {
		delete(s.peers, peer)
	}
}

// RemoveDevice drops the subscriptions of every user of device and returns
// how many were removed.
func (s *Subscriptions) RemoveDevice(device string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for peer, qs := range s.peers {
		if peer.Device == device {
			n += len(qs)
			delete(s.peers, peer)
		}
	}

	return n
}

// Subscription is one peer's interest in one query.
type Subscription struct {
	Peer  models.PeerIdentity
	Query models.Query
}

// Snapshot lists every subscription ordered by peer then query.
func (s *Subscriptions) Snapshot() []Subscription {
	s.mu.Lock()

	out := make([]Subscription, 0, len(s.peers))

	for peer, qs := range s.peers {
		for _, q := range qs {
			out = append(out, Subscription{Peer: peer, Query: q})
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer.String() < out[j].Peer.String()
		}

		return out[i].Query.Identify() < out[j].Query.Identify()
	})

	return out
}

func (s *Subscriptions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, qs := range s.peers {
		n += len(qs)
	}

	return n
}

var _ datasync.SubscriptionRecorder = (*Subscriptions)(nil)
