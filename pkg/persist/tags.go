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

package persist

import (
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/gchux/pcap-sessions/pkg/session"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
)

type (
	// tagDefiner publishes a newly allocated tag id.
	tagDefiner = func(field session.FieldID, name string, tag uint32)

	// TagStore maps tag names to ids. Known names resolve inline; unknown
	// names are allocated on a worker pool and complete asynchronously.
	TagStore struct {
		mu   sync.Mutex
		ids  *haxmap.Map[string, uint32]
		next uint32
		pool *ants.Pool

		onDefine tagDefiner
	}
)

func newTagStore(poolSize int, onDefine tagDefiner) (*TagStore, error) {
	poolOpts := ants.Options{
		PreAlloc:       false,
		Nonblocking:    true,
		ExpiryDuration: 10 * time.Second,
		PanicHandler: func(i interface{}) {
			persistLogger.Printf("tag resolution panic: %v\n", i)
		},
	}

	pool, err := ants.NewPool(poolSize, ants.WithOptions(poolOpts))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tag resolution pool")
	}

	return &TagStore{
		ids:      haxmap.New[string, uint32](),
		pool:     pool,
		onDefine: onDefine,
	}, nil
}

// Peek returns the id of `name` if it was ever resolved.
func (ts *TagStore) Peek(name string) (uint32, bool) {
	return ts.ids.Get(name)
}

func (ts *TagStore) Len() int {
	return int(ts.ids.Len())
}

// Resolve calls `done` with the id of `name`; synchronously when the name
// is known, from the pool otherwise. It never blocks: a saturated pool
// fails the resolution with `ants.ErrPoolOverload`.
func (ts *TagStore) Resolve(field session.FieldID, name string, done session.TagCallback) {
	if tag, ok := ts.ids.Get(name); ok {
		done(tag, false, nil)
		return
	}

	err := ts.pool.Submit(func() {
		done(ts.define(field, name), true, nil)
	})
	if err != nil {
		done(0, false, errors.Wrapf(err, "tag: %s", name))
	}
}

func (ts *TagStore) define(field session.FieldID, name string) uint32 {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if tag, ok := ts.ids.Get(name); ok {
		return tag
	}
	ts.next++
	tag := ts.next

	// published before it becomes visible to inline resolutions
	if ts.onDefine != nil {
		ts.onDefine(field, name, tag)
	}
	ts.ids.Set(name, tag)
	return tag
}

// Release waits up to `timeout` for pending resolutions.
func (ts *TagStore) Release(timeout time.Duration) error {
	return ts.pool.ReleaseTimeout(timeout)
}
