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
	"sync"

	"github.com/eapache/queue"
)

type (
	CommandKind uint8

	CommandFunc = func(s *Session, arg1, arg2 any)

	// Command is a deferred mutation of a session, executed by its owning worker.
	Command struct {
		Session *Session
		Kind    CommandKind
		TagType FieldID
		Tag     uint32
		Func    CommandFunc
		Arg1    any
		Arg2    any
	}

	// commandQueue is the only structure shared between workers and other
	// goroutines; `mu` guards the ring, never the sessions it references.
	commandQueue struct {
		mu    sync.Mutex
		items *queue.Queue
		wake  chan struct{}
	}
)

const (
	CmdAddTag CommandKind = iota + 1
	CmdFunc
)

func newCommandQueue() *commandQueue {
	return &commandQueue{
		items: queue.New(),
		wake:  make(chan struct{}, 1),
	}
}

func (q *commandQueue) push(cmd *Command) {
	q.mu.Lock()
	q.items.Add(cmd)
	q.mu.Unlock()

	// coalesce wake-ups: one pending signal is enough for a full drain
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *commandQueue) pop() (*Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return nil, false
	}
	return q.items.Remove().(*Command), true
}

func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// DrainCommands executes queued commands in FIFO order until the queue is empty.
// Must run on the owning worker.
func (w *Worker) DrainCommands() int {
	executed := 0
	for {
		cmd, ok := w.commands.pop()
		if !ok {
			return executed
		}
		w.execute(cmd)
		executed++
	}
}

func (w *Worker) execute(cmd *Command) {
	s := cmd.Session

	switch cmd.Kind {
	case CmdAddTag:
		w.applyTag(s, cmd.TagType, cmd.Tag)
	case CmdFunc:
		if s.state == StateFreed {
			sessionLogger.Printf("%s dropping command for freed session: %s\n", w.loggerPrefix, s)
			return
		}
		cmd.Func(s, cmd.Arg1, cmd.Arg2)
	default:
		w.tracker.stats.unknownCommands.Add(1)
		sessionLogger.Printf("%s unknown command: %d\n", w.loggerPrefix, cmd.Kind)
	}
}

func (w *Worker) enqueue(cmd *Command) {
	w.commands.push(cmd)
}
