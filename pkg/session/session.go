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
	"sync/atomic"
	"time"
)

type (
	Class uint8

	State uint8

	// Extension is per-session parser state saved and released with the session.
	Extension interface {
		Save(s *Session, final bool)
		Free(s *Session)
	}

	// PreSaveHook is invoked for every session right before it is persisted.
	PreSaveHook interface {
		PreSave(s *Session, final bool)
	}

	// Reassembler owns buffered TCP segments for a session.
	Reassembler interface {
		Release(s *Session)
	}

	// TagCallback completes a tag resolution; `async` is true when it runs
	// outside of the call to `ResolveTag`, possibly on another goroutine.
	TagCallback = func(tag uint32, async bool, err error)

	Persister interface {
		SaveSession(s *Session, final bool)
		ResolveTag(s *Session, field FieldID, name string, done TagCallback)
		PeekTag(name string) (uint32, bool)
	}

	Session struct {
		id    Identity
		idA   uint64
		idB   uint32
		class Class

		worker *Worker
		state  State

		// key within the active or closing queue, whichever holds the session
		queueKey uint64
		// key within the TCP save queue; 0 when not queued
		tcpKey uint64

		lastPacket  atomic.Int64 // unix nanos
		firstPacket time.Time
		saveTime    int64 // unix seconds

		Bytes     [2]uint64
		DataBytes [2]uint64
		Packets   [2]uint64

		FilePos     []uint64
		FileLen     []uint16
		FileNum     []uint32
		LastFileNum uint32

		fields     []*Field
		extensions []Extension
		pluginData []any

		outstanding int
		StopSaving  int
		RootID      string
	}
)

const (
	ClassTCP Class = iota
	ClassUDP
	ClassICMP
	numClasses
)

const (
	StateActive State = iota
	StateClosing
	StatePendingFree
	StateFreed
)

const RootSentinel = "ROOT"

var (
	classNames     = [numClasses]string{"tcp", "udp", "icmp"}
	classProtocols = [numClasses]int{6, 17, 1}
	stateNames     = [...]string{"active", "closing", "pending-free", "freed"}
)

func (c Class) String() string {
	if c < numClasses {
		return classNames[c]
	}
	return "unknown"
}

// Protocol returns the IP protocol number of the class.
func (c Class) Protocol() int {
	if c < numClasses {
		return classProtocols[c]
	}
	return 0
}

func (st State) String() string {
	if int(st) < len(stateNames) {
		return stateNames[st]
	}
	return "unknown"
}

func newSession(w *Worker, class Class, id *Identity) *Session {
	cfg := w.tracker.cfg

	s := &Session{
		id:         *id,
		class:      class,
		worker:     w,
		state:      StateActive,
		FilePos:    make([]uint64, 0, 100),
		FileLen:    make([]uint16, 0, 100),
		FileNum:    make([]uint32, 0),
		fields:     make([]*Field, cfg.MaxFields),
		extensions: make([]Extension, 0, cfg.NumParsers),
	}
	s.idA, s.idB = id.halves()
	if cfg.NumPlugins > 0 {
		s.pluginData = make([]any, cfg.NumPlugins)
	}
	return s
}

func (s *Session) ID() Identity { return s.id }

func (s *Session) Class() Class { return s.class }

func (s *Session) State() State { return s.state }

// Thread is the index of the owning worker.
func (s *Session) Thread() int { return s.worker.index }

func (s *Session) Worker() *Worker { return s.worker }

func (s *Session) IsClosing() bool { return s.state == StateClosing }

func (s *Session) Outstanding() int { return s.outstanding }

func (s *Session) SaveTime() int64 { return s.saveTime }

func (s *Session) FirstPacket() time.Time { return s.firstPacket }

func (s *Session) LastPacket() time.Time {
	return time.Unix(0, s.lastPacket.Load())
}

func (s *Session) lastPacketSecs() int64 {
	return s.lastPacket.Load() / int64(time.Second)
}

// Touch records a packet timestamp.
func (s *Session) Touch(ts time.Time) {
	if s.firstPacket.IsZero() {
		s.firstPacket = ts
	}
	s.lastPacket.Store(ts.UnixNano())
}

// AddPacket accounts a packet seen in direction `dir` (0: sent by the low endpoint).
func (s *Session) AddPacket(dir int, bytes, dataBytes uint64) {
	s.Packets[dir]++
	s.Bytes[dir] += bytes
	s.DataBytes[dir] += dataBytes
}

// AddFilePos buffers where a packet of this session was written.
func (s *Session) AddFilePos(pos uint64, length uint16, fileNum uint32) {
	if len(s.FileNum) == 0 || s.LastFileNum != fileNum {
		s.FileNum = append(s.FileNum, fileNum)
		s.LastFileNum = fileNum
	}
	s.FilePos = append(s.FilePos, pos)
	s.FileLen = append(s.FileLen, length)
}

// AddExtension attaches parser state; extensions are saved and freed in insertion order.
func (s *Session) AddExtension(ext Extension) {
	s.extensions = append(s.extensions, ext)
}

func (s *Session) Extensions() []Extension { return s.extensions }

func (s *Session) PluginData(slot int) any {
	if slot < 0 || slot >= len(s.pluginData) {
		return nil
	}
	return s.pluginData[slot]
}

func (s *Session) SetPluginData(slot int, data any) bool {
	if slot < 0 || slot >= len(s.pluginData) {
		return false
	}
	s.pluginData[slot] = data
	return true
}

func (s *Session) String() string {
	return s.id.String(s.class.Protocol())
}

func (s *Session) resetInterval() {
	s.FilePos = s.FilePos[:0]
	s.FileLen = s.FileLen[:0]
	s.FileNum = s.FileNum[:0]
	s.LastFileNum = 0
	s.Bytes = [2]uint64{}
	s.DataBytes = [2]uint64{}
	s.Packets = [2]uint64{}
}
