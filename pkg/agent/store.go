// Copyright 2024 The Flamelet Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agent

import (
	"sync"
	"time"

	"github.com/flamelet/flamelet/pkg/fold"
)

// SnapshotStore holds the most recently completed aggregation. Publishing
// stores an independent copy, so readers never see the pipeline's working
// state and never block it.
type SnapshotStore struct {
	mtx         sync.RWMutex
	latest      *fold.Profile
	publishedAt time.Time

	subscribers map[int]chan *fold.Profile
	nextID      int
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		subscribers: map[int]chan *fold.Profile{},
	}
}

// Publish stores a copy of the profile as the latest snapshot and offers it
// to all subscribers. A slow subscriber loses its pending snapshot, not the
// pipeline's time.
func (s *SnapshotStore) Publish(p *fold.Profile) {
	snapshot := p.Clone()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.latest = snapshot
	s.publishedAt = time.Now()

	for _, ch := range s.subscribers {
		select {
		case ch <- snapshot:
			continue
		default:
		}
		// Buffer full: replace the stale pending snapshot with the new one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Latest returns the most recently published snapshot, or false when
// nothing has been published yet. The returned profile is shared between
// readers and must not be mutated.
func (s *SnapshotStore) Latest() (*fold.Profile, time.Time, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if s.latest == nil {
		return nil, time.Time{}, false
	}
	return s.latest, s.publishedAt, true
}

// Subscribe registers for snapshot updates. The channel has a buffer of one
// and always carries the newest snapshot the subscriber has not consumed.
// The returned cancel function must be called to release the subscription.
func (s *SnapshotStore) Subscribe() (<-chan *fold.Profile, func()) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan *fold.Profile, 1)
	s.subscribers[id] = ch

	cancel := func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}
