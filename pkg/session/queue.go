// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"github.com/zhangyunhao116/skipmap"
)

// sessionQueue is a FIFO of sessions ordered by a per-worker sequence:
// pushing to the tail takes the next sequence, so ascending keys are
// insertion order. Only the owning worker pushes and removes; `Len` and
// `head` are safe from any goroutine.
type sessionQueue struct {
	seq   *uint64
	items *skipmap.Uint64Map[*Session]
}

func newSessionQueue(seq *uint64) *sessionQueue {
	return &sessionQueue{
		seq:   seq,
		items: skipmap.NewUint64[*Session](),
	}
}

func (q *sessionQueue) pushTail(s *Session, key *uint64) {
	*q.seq++
	*key = *q.seq
	q.items.Store(*key, s)
}

func (q *sessionQueue) remove(key *uint64) bool {
	if *key == 0 {
		return false
	}
	removed := q.items.Delete(*key)
	*key = 0
	return removed
}

func (q *sessionQueue) moveTail(s *Session, key *uint64) {
	q.remove(key)
	q.pushTail(s, key)
}

func (q *sessionQueue) head() (*Session, bool) {
	var head *Session
	q.items.Range(func(_ uint64, s *Session) bool {
		head = s
		return false
	})
	return head, head != nil
}

func (q *sessionQueue) Len() int {
	return q.items.Len()
}

func (q *sessionQueue) each(fn func(*Session) bool) {
	q.items.Range(func(_ uint64, s *Session) bool {
		return fn(s)
	})
}
