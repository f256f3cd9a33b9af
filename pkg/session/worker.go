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
	"fmt"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
)

type (
	// PacketHandler applies one packet to the session table of its owning worker.
	PacketHandler interface {
		HandlePacket(w *Worker)
	}

	sessionIndex = *haxmap.Map[string, *Session]

	// Worker owns a shard of sessions: every session whose `hash % workers`
	// is `index`. Sessions, queues and the index are only mutated by the
	// goroutine running the worker; other goroutines go through `commands`.
	Worker struct {
		index        int
		tracker      *Tracker
		loggerPrefix string

		seq      uint64
		sessions [numClasses]sessionIndex
		active   [numClasses]*sessionQueue
		closing  *sessionQueue
		tcp      *sessionQueue

		commands *commandQueue
		packets  chan PacketHandler

		pendingFree atomic.Int64
	}
)

func newWorker(t *Tracker, index int, hashSize uintptr) *Worker {
	w := &Worker{
		index:        index,
		tracker:      t,
		loggerPrefix: fmt.Sprintf("[worker:%d] -", index),
		commands:     newCommandQueue(),
		packets:      make(chan PacketHandler, 1000),
	}
	for class := range numClasses {
		sessions := haxmap.New[string, *Session](hashSize)
		sessions.SetHasher(hashKey)
		w.sessions[class] = sessions
		w.active[class] = newSessionQueue(&w.seq)
	}
	w.closing = newSessionQueue(&w.seq)
	w.tcp = newSessionQueue(&w.seq)
	return w
}

func (w *Worker) Index() int { return w.index }

func (w *Worker) Tracker() *Tracker { return w.tracker }

// FindOrCreate returns the session keyed by `id`, creating it when unseen.
// Hits that are not closing move to the tail of their active queue.
func (w *Worker) FindOrCreate(class Class, id *Identity) (*Session, bool) {
	key := id.key()

	if s, ok := w.sessions[class].Get(key); ok {
		if s.state != StateClosing {
			w.active[class].moveTail(s, &s.queueKey)
		}
		return s, false
	}

	s := newSession(w, class, id)
	w.sessions[class].Set(key, s)
	w.active[class].pushTail(s, &s.queueKey)
	w.tracker.stats.created.Add(1)
	w.tracker.log(s, "created")

	return s, true
}

func (w *Worker) find(class Class, id *Identity) *Session {
	if s, ok := w.sessions[class].Get(id.key()); ok {
		return s
	}
	return nil
}

// TrackTCP schedules periodic partial saves of a TCP session.
func (w *Worker) TrackTCP(s *Session) {
	if s.class != ClassTCP || s.state != StateActive || s.tcpKey != 0 {
		return
	}
	s.saveTime = s.lastPacketSecs() + w.tracker.tcpSaveSecs
	w.tcp.pushTail(s, &s.tcpKey)
}

// MarkForClose moves `s` from its active queue into the closing queue; it
// will be saved once `CloseGrace` has elapsed since its last packet.
// Must be called at most once per session.
func (w *Worker) MarkForClose(s *Session) {
	s.state = StateClosing
	s.saveTime = s.lastPacketSecs() + w.tracker.closeGraceSecs
	w.active[s.class].remove(&s.queueKey)
	w.closing.pushTail(s, &s.queueKey)
	w.tcp.remove(&s.tcpKey)
	w.tracker.log(s, "closing")
}

// ProcessTick drains commands and runs the eviction scan; every queue is
// popped while its head is eligible and the scan stops at the first one
// that is not.
func (w *Worker) ProcessTick() {
	w.DrainCommands()

	t := w.tracker
	now := t.Now()

	for {
		s, ok := w.closing.head()
		if !ok || s.saveTime > now {
			break
		}
		w.save(s)
	}

	for class := range numClasses {
		queue := w.active[class]
		timeout := t.cfg.timeout(class)
		for {
			s, ok := queue.head()
			if !ok || (queue.Len() <= t.cfg.MaxStreams && s.lastPacketSecs()+timeout > now) {
				break
			}
			w.save(s)
		}
	}

	for {
		s, ok := w.tcp.head()
		if !ok || s.saveTime > now {
			break
		}
		w.PartialSave(s, now)
	}
}

func (w *Worker) run(ctx context.Context, tick time.Duration) {
	defer w.tracker.wg.Done()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sessionLogger.Printf("%s stopped: %v\n", w.loggerPrefix, ctx.Err())
			return

		case handler, ok := <-w.packets:
			if !ok {
				w.DrainCommands()
				sessionLogger.Printf("%s intake closed\n", w.loggerPrefix)
				return
			}
			handler.HandlePacket(w)

		case <-w.commands.wake:
			w.DrainCommands()

		case <-ticker.C:
			w.ProcessTick()
		}
	}
}

// flush terminal-saves every indexed session; only safe once the worker
// goroutine is gone.
func (w *Worker) flush() int {
	w.DrainCommands()

	flushed := 0
	for class := range numClasses {
		sessions := make([]*Session, 0, w.sessions[class].Len())
		w.sessions[class].ForEach(func(_ string, s *Session) bool {
			sessions = append(sessions, s)
			return true
		})
		for _, s := range sessions {
			w.save(s)
			flushed++
		}
	}
	return flushed
}

func (w *Worker) monitoring() int {
	count := 0
	for class := range numClasses {
		count += int(w.sessions[class].Len())
	}
	return count
}
