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
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"
)

type (
	resolveMode uint8

	savedSession struct {
		id      string
		final   bool
		rootID  string
		packets uint64
		tags    []uint32
	}

	pendingTag struct {
		tag  uint32
		done TagCallback
	}

	fakePersister struct {
		mu      sync.Mutex
		mode    resolveMode
		tags    map[string]uint32
		saved   []savedSession
		pending []pendingTag
	}
)

const (
	resolveSync resolveMode = iota
	resolveAsync
	resolveFail
	resolveAsyncFail
)

var errResolve = errors.New("resolver unavailable")

func newFakePersister(mode resolveMode) *fakePersister {
	return &fakePersister{
		mode: mode,
		tags: map[string]uint32{"known": 42},
	}
}

func (p *fakePersister) SaveSession(s *Session, final bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	saved := savedSession{
		id:      s.String(),
		final:   final,
		rootID:  s.RootID,
		packets: s.Packets[0] + s.Packets[1],
	}
	if f := s.fields[s.worker.tracker.tagsField]; f != nil {
		saved.tags = f.Ints()
	}
	p.saved = append(p.saved, saved)
}

func (p *fakePersister) ResolveTag(_ *Session, _ FieldID, name string, done TagCallback) {
	p.mu.Lock()
	tag, ok := p.tags[name]
	if !ok {
		tag = uint32(100 + len(p.tags))
		p.tags[name] = tag
	}
	mode := p.mode
	if mode == resolveAsync || mode == resolveAsyncFail {
		p.pending = append(p.pending, pendingTag{tag: tag, done: done})
	}
	p.mu.Unlock()

	switch mode {
	case resolveSync:
		done(tag, false, nil)
	case resolveFail:
		done(0, false, errResolve)
	}
}

func (p *fakePersister) PeekTag(name string) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tag, ok := p.tags[name]
	return tag, ok
}

// complete runs every pending resolution from another goroutine.
func (p *fakePersister) complete() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	fail := p.mode == resolveAsyncFail
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, pt := range pending {
		wg.Add(1)
		go func(pt pendingTag) {
			defer wg.Done()
			if fail {
				pt.done(0, true, errResolve)
			} else {
				pt.done(pt.tag, true, nil)
			}
		}(pt)
	}
	wg.Wait()
}

func (p *fakePersister) savedSessions() []savedSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]savedSession(nil), p.saved...)
}

func newTestTracker(t *testing.T, cfg Config, persister Persister) *Tracker {
	t.Helper()
	tracker, err := NewTracker(cfg, persister)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	return tracker
}

func udpIdentity(n int) Identity {
	client := netip.AddrFrom4([4]byte{192, 168, byte(n >> 8), byte(n)})
	return NewIdentity(client, 5353, netip.MustParseAddr("10.0.0.53"), 53)
}

func tcpIdentity() Identity {
	return NewIdentity(netip.MustParseAddr("192.168.1.5"), 1000, netip.MustParseAddr("10.0.0.2"), 80)
}

// touch creates or finds a session and records a packet at `secs`.
func touch(tracker *Tracker, class Class, id *Identity, secs int64) *Session {
	ts := time.Unix(secs, 0)
	tracker.AdvanceClock(ts)
	s, _ := tracker.FindOrCreate(class, id)
	s.Touch(ts)
	s.AddPacket(0, 64, 0)
	return s
}
