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
	"context"
	"slices"
	"testing"
	"time"
)

func TestSyncTags(t *testing.T) {
	tracker := newTestTracker(t, Config{DontSaveTags: map[string]int{"blocked": 7}}, newFakePersister(resolveSync))
	id := tcpIdentity()
	s := touch(tracker, ClassTCP, &id, 1000)

	t.Run("must-add-resolved-tag-immediately", func(t *testing.T) {
		before := s.Outstanding()
		tracker.AddTag(s, "known")
		if !s.HasInt(tracker.TagsField(), 42) {
			t.Fatalf("tag 42 must be attached")
		}
		if s.Outstanding() != before {
			t.Fatalf("outstanding %d, want %d", s.Outstanding(), before)
		}
		if !tracker.HasTag(s, "known") || tracker.HasTag(s, "unknown") {
			t.Fatalf("wrong tag lookup")
		}
	})

	t.Run("must-stop-saving-on-listed-tag", func(t *testing.T) {
		tracker.AddTag(s, "blocked")
		if s.StopSaving != 7 {
			t.Fatalf("stop saving %d, want 7", s.StopSaving)
		}
	})

	t.Run("must-track-protocols", func(t *testing.T) {
		tracker.AddProtocol(s, "http")
		tracker.AddProtocol(s, "http")
		if !tracker.HasProtocol(s, "http") || tracker.HasProtocol(s, "tls") {
			t.Fatalf("wrong protocols")
		}
		if f := s.fields[tracker.ProtocolField()]; f.Len() != 1 {
			t.Fatalf("protocols %d, want 1", f.Len())
		}
	})

	t.Run("must-list-populated-fields", func(t *testing.T) {
		fields := s.Fields()
		if len(fields) != 2 || fields[0].Def.Name != "tags" || fields[1].Def.Name != "protocols" {
			t.Fatalf("wrong fields: %d", len(fields))
		}
		if !slices.Equal(fields[0].Ints(), []uint32{42, 101}) {
			t.Fatalf("wrong tags: %v", fields[0].Ints())
		}
	})
}

func TestTagFailures(t *testing.T) {
	t.Run("must-decrement-on-sync-failure", func(t *testing.T) {
		tracker := newTestTracker(t, Config{}, newFakePersister(resolveFail))
		id := tcpIdentity()
		s := touch(tracker, ClassTCP, &id, 1000)

		tracker.AddTag(s, "known")
		if s.Outstanding() != 0 || tracker.Stats().TagFailures != 1 {
			t.Fatalf("outstanding %d | failures %d", s.Outstanding(), tracker.Stats().TagFailures)
		}
		if s.HasInt(tracker.TagsField(), 42) {
			t.Fatalf("failed tag must not be attached")
		}
	})

	t.Run("must-decrement-on-async-failure", func(t *testing.T) {
		persister := newFakePersister(resolveAsyncFail)
		tracker := newTestTracker(t, Config{}, persister)
		id := tcpIdentity()
		s := touch(tracker, ClassTCP, &id, 1000)

		tracker.AddTag(s, "known")
		persister.complete()
		if s.Outstanding() != 1 {
			t.Fatalf("outstanding %d before drain, want 1", s.Outstanding())
		}
		tracker.Worker(0).DrainCommands()
		if s.Outstanding() != 0 || tracker.Stats().TagFailures != 1 {
			t.Fatalf("outstanding %d | failures %d", s.Outstanding(), tracker.Stats().TagFailures)
		}
	})
}

func TestDeferredFree(t *testing.T) {
	persister := newFakePersister(resolveAsync)
	tracker := newTestTracker(t, Config{}, persister)
	w := tracker.Worker(0)

	id := tcpIdentity()
	s := touch(tracker, ClassTCP, &id, 1000)

	tracker.AddTag(s, "known")
	tracker.AddTag(s, "other")
	if s.Outstanding() != 2 {
		t.Fatalf("outstanding %d, want 2", s.Outstanding())
	}

	w.save(s)

	t.Run("must-wait-for-outstanding-work", func(t *testing.T) {
		if s.State() != StatePendingFree {
			t.Fatalf("state %s, want %s", s.State(), StatePendingFree)
		}
		if len(persister.savedSessions()) != 0 {
			t.Fatalf("must not persist while enrichment is outstanding")
		}
		if tracker.Monitoring() != 0 || tracker.WatchCount(ClassTCP) != 0 {
			t.Fatalf("pending session must leave index and queues")
		}
		if w.pendingFree.Load() != 1 {
			t.Fatalf("pending free %d, want 1", w.pendingFree.Load())
		}
	})

	t.Run("must-ignore-repeated-save", func(t *testing.T) {
		w.save(s)
		if w.pendingFree.Load() != 1 || len(persister.savedSessions()) != 0 {
			t.Fatalf("repeated save must be a no-op")
		}
	})

	t.Run("must-free-exactly-once", func(t *testing.T) {
		persister.complete()
		if n := w.DrainCommands(); n != 2 {
			t.Fatalf("drained %d commands, want 2", n)
		}

		saved := persister.savedSessions()
		if len(saved) != 1 || !saved[0].final {
			t.Fatalf("must persist exactly once: %+v", saved)
		}
		if !slices.Equal(saved[0].tags, []uint32{42, 101}) {
			t.Fatalf("record must carry late tags: %v", saved[0].tags)
		}
		if s.State() != StateFreed || w.pendingFree.Load() != 0 {
			t.Fatalf("state %s | pending %d", s.State(), w.pendingFree.Load())
		}
		if stats := tracker.Stats(); stats.Saved != 1 || stats.Freed != 1 {
			t.Fatalf("wrong stats: %+v", stats)
		}
	})

	t.Run("must-ignore-tags-on-freed-session", func(t *testing.T) {
		w.applyTag(s, tracker.TagsField(), 7)
		w.save(s)
		if len(persister.savedSessions()) != 1 || tracker.Stats().Freed != 1 {
			t.Fatalf("freed session must stay freed")
		}
	})
}

func TestFlushPending(t *testing.T) {
	persister := newFakePersister(resolveAsync)
	tracker := newTestTracker(t, Config{Workers: 2}, persister)

	ids := []Identity{tcpIdentity(), udpIdentity(1), udpIdentity(2)}
	classes := []Class{ClassTCP, ClassUDP, ClassUDP}
	for i := range ids {
		s := touch(tracker, classes[i], &ids[i], 1000)
		tracker.AddTag(s, "known")
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		persister.complete()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tracker.Flush(ctx); err != nil {
		t.Fatalf("failed to flush: %v", err)
	}

	t.Run("must-persist-pending-sessions", func(t *testing.T) {
		saved := persister.savedSessions()
		if len(saved) != 3 {
			t.Fatalf("saved %d sessions, want 3", len(saved))
		}
		for _, s := range saved {
			if !slices.Equal(s.tags, []uint32{42}) {
				t.Fatalf("record %s must carry tag 42: %v", s.id, s.tags)
			}
		}
		if tracker.pendingFree() != 0 || tracker.Monitoring() != 0 {
			t.Fatalf("nothing must be pending after flush")
		}
	})

	t.Run("must-honor-context", func(t *testing.T) {
		persister := newFakePersister(resolveAsync)
		tracker := newTestTracker(t, Config{}, persister)
		id := tcpIdentity()
		s := touch(tracker, ClassTCP, &id, 1000)
		tracker.AddTag(s, "known")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		if err := tracker.Flush(ctx); err == nil {
			t.Fatalf("flush must fail while enrichment is outstanding")
		}
		if s.State() != StatePendingFree {
			t.Fatalf("state %s, want %s", s.State(), StatePendingFree)
		}
	})
}
