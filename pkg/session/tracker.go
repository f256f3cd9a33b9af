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
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/wissance/stringFormatter"
)

var sessionLogger = log.New(os.Stderr, "[session] - ", log.LstdFlags)

type (
	stats struct {
		created         atomic.Uint64
		saved           atomic.Uint64
		midSaved        atomic.Uint64
		freed           atomic.Uint64
		tagFailures     atomic.Uint64
		unknownCommands atomic.Uint64
	}

	Stats struct {
		Created         uint64
		Saved           uint64
		MidSaved        uint64
		Freed           uint64
		TagFailures     uint64
		UnknownCommands uint64
	}

	// Tracker is the session table: a fixed set of workers, each owning the
	// sessions whose identity hash maps to it.
	Tracker struct {
		cfg     *Config
		workers []*Worker

		fields        *fieldRegistry
		tagsField     FieldID
		protocolField FieldID

		persister   Persister
		reassembler Reassembler
		hooks       []PreSaveHook

		tcpSaveSecs    int64
		closeGraceSecs int64

		// reference clock: seconds of the most recent packet
		now atomic.Int64

		stats stats

		intake       sync.RWMutex
		intakeClosed bool
		wg           sync.WaitGroup
	}
)

var (
	errNoPersister  = errors.New("a persister is required")
	errIntakeClosed = errors.New("session intake is closed")
)

var hashSizes = []uintptr{10007, 49999, 99991, 199799, 400009, 500009, 732209, 1092757, 1299827, 1500007, 1987411, 2999999}

func indexSize(maxStreams int) uintptr {
	for _, size := range hashSizes {
		if size >= uintptr(maxStreams/2) {
			return size
		}
	}
	return hashSizes[len(hashSizes)-1]
}

// NewTracker builds the per-worker session tables; zero values of `cfg`
// are replaced by `DefaultConfig`.
func NewTracker(cfg Config, persister Persister) (*Tracker, error) {
	if persister == nil {
		return nil, errNoPersister
	}

	config, err := withDefaults(&cfg)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:            config,
		fields:         newFieldRegistry(config.MaxFields),
		persister:      persister,
		tcpSaveSecs:    max(1, seconds(config.TCPSaveTimeout)),
		closeGraceSecs: seconds(config.CloseGrace),
	}

	tags, err := t.fields.define(tagsFieldName, FieldKindInt)
	if err != nil {
		return nil, err
	}
	t.tagsField = tags.ID

	protocols, err := t.fields.define(protocolFieldName, FieldKindString)
	if err != nil {
		return nil, err
	}
	t.protocolField = protocols.ID

	size := indexSize(config.MaxStreams)
	if config.Debug {
		sessionLogger.Printf("session hash size %d\n", size)
	}

	t.workers = make([]*Worker, config.Workers)
	for i := range t.workers {
		t.workers[i] = newWorker(t, i, size)
	}

	return t, nil
}

func (t *Tracker) Config() Config { return *t.cfg }

// DefineField registers an attribute; it fails once `MaxFields` are defined.
func (t *Tracker) DefineField(name string, kind FieldKind) (FieldID, error) {
	def, err := t.fields.define(name, kind)
	if err != nil {
		return -1, err
	}
	return def.ID, nil
}

func (t *Tracker) FieldByName(name string) (*FieldDef, bool) {
	return t.fields.lookup(name)
}

func (t *Tracker) TagsField() FieldID { return t.tagsField }

func (t *Tracker) ProtocolField() FieldID { return t.protocolField }

func (t *Tracker) AddPreSaveHook(hook PreSaveHook) {
	t.hooks = append(t.hooks, hook)
}

func (t *Tracker) SetReassembler(r Reassembler) {
	t.reassembler = r
}

func (t *Tracker) preSave(s *Session, final bool) {
	for _, hook := range t.hooks {
		hook.PreSave(s, final)
	}
}

func (t *Tracker) releaseSegments(s *Session) {
	if t.reassembler != nil {
		t.reassembler.Release(s)
	}
}

// Now returns the reference clock in unix seconds.
func (t *Tracker) Now() int64 {
	return t.now.Load()
}

// AdvanceClock moves the reference clock forward to `ts`; it never goes back.
func (t *Tracker) AdvanceClock(ts time.Time) {
	secs := ts.Unix()
	for {
		now := t.now.Load()
		if secs <= now || t.now.CompareAndSwap(now, secs) {
			return
		}
	}
}

func (t *Tracker) Workers() int { return len(t.workers) }

func (t *Tracker) Worker(index int) *Worker { return t.workers[index] }

// WorkerFor returns the index of the worker that owns `id`.
func (t *Tracker) WorkerFor(id *Identity) int {
	return int(id.Hash() % uint32(len(t.workers)))
}

// FindOrCreate must only be called from the goroutine of the worker that owns `id`.
func (t *Tracker) FindOrCreate(class Class, id *Identity) (*Session, bool) {
	return t.workers[t.WorkerFor(id)].FindOrCreate(class, id)
}

// Find looks `id` up without side effects.
func (t *Tracker) Find(class Class, id *Identity) *Session {
	return t.workers[t.WorkerFor(id)].find(class, id)
}

// Start runs one goroutine per worker until the intake is closed or `ctx` is done.
func (t *Tracker) Start(ctx context.Context) {
	for _, w := range t.workers {
		t.wg.Add(1)
		go w.run(ctx, t.cfg.TickInterval)
	}
	sessionLogger.Printf("STARTED | workers: %d\n", len(t.workers))
}

// Submit routes a packet to the worker that owns `id`.
func (t *Tracker) Submit(ctx context.Context, id *Identity, handler PacketHandler) error {
	t.intake.RLock()
	defer t.intake.RUnlock()

	if t.intakeClosed {
		return errIntakeClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case t.workers[t.WorkerFor(id)].packets <- handler:
		return nil
	}
}

// CloseIntake stops accepting packets; workers exit once their backlog is handled.
func (t *Tracker) CloseIntake() {
	t.intake.Lock()
	defer t.intake.Unlock()

	if t.intakeClosed {
		return
	}
	t.intakeClosed = true
	for _, w := range t.workers {
		close(w.packets)
	}
}

// Wait blocks until all worker goroutines are gone.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) pendingFree() int64 {
	var pending int64
	for _, w := range t.workers {
		pending += w.pendingFree.Load()
	}
	return pending
}

// Flush saves every remaining session. It must only be called once packet
// intake has stopped and the workers are gone; it returns after sessions
// waiting on enrichment have been freed as well, or when `ctx` is done.
func (t *Tracker) Flush(ctx context.Context) error {
	flushed := 0
	for _, w := range t.workers {
		flushed += w.flush()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for t.pendingFree() > 0 {
		for _, w := range t.workers {
			w.DrainCommands()
		}
		if t.pendingFree() == 0 {
			break
		}
		select {
		case <-ctx.Done():
			sessionLogger.Printf("flush interrupted | flushed: %d | pending: %d\n", flushed, t.pendingFree())
			return ctx.Err()
		case <-ticker.C:
		}
	}

	sessionLogger.Printf("FLUSHED | sessions: %d\n", flushed)
	return nil
}

// Exit logs what is still being tracked and flushes it.
func (t *Tracker) Exit(ctx context.Context) error {
	sessionLogger.Printf("sessions: %d tcp: %d udp: %d icmp: %d\n",
		t.Monitoring(), t.WatchCount(ClassTCP), t.WatchCount(ClassUDP), t.WatchCount(ClassICMP))
	return t.Flush(ctx)
}

// Monitoring is the number of indexed sessions across workers and classes.
func (t *Tracker) Monitoring() int {
	count := 0
	for _, w := range t.workers {
		count += w.monitoring()
	}
	return count
}

// WatchCount is the summed depth of the active queues of `class`.
func (t *Tracker) WatchCount(class Class) int {
	count := 0
	for _, w := range t.workers {
		count += w.active[class].Len()
	}
	return count
}

// IdleSeconds is how far past its timeout the stalest active session of `class` is.
func (t *Tracker) IdleSeconds(class Class) int64 {
	now := t.Now()
	timeout := t.cfg.timeout(class)

	var idle int64
	for _, w := range t.workers {
		s, ok := w.active[class].head()
		if !ok {
			continue
		}
		if tmp := now - (s.lastPacketSecs() + timeout); tmp > idle {
			idle = tmp
		}
	}
	return idle
}

// CommandBacklog is the number of queued commands across workers.
func (t *Tracker) CommandBacklog() int {
	count := 0
	for _, w := range t.workers {
		count += w.commands.Len()
	}
	return count
}

// ClosingBacklog is the number of sessions waiting in closing queues.
func (t *Tracker) ClosingBacklog() int {
	count := 0
	for _, w := range t.workers {
		count += w.closing.Len()
	}
	return count
}

// CanQuit is zero once no work is left that would be lost on exit.
func (t *Tracker) CanQuit() int {
	return t.CommandBacklog() + t.ClosingBacklog()
}

func (t *Tracker) Stats() Stats {
	return Stats{
		Created:         t.stats.created.Load(),
		Saved:           t.stats.saved.Load(),
		MidSaved:        t.stats.midSaved.Load(),
		Freed:           t.stats.freed.Load(),
		TagFailures:     t.stats.tagFailures.Load(),
		UnknownCommands: t.stats.unknownCommands.Load(),
	}
}

func (t *Tracker) log(s *Session, message string) {
	if !t.cfg.Debug {
		return
	}

	json := gabs.New()

	sessionJSON, _ := json.Object("session")
	sessionJSON.Set(s.String(), "id")
	sessionJSON.Set(s.class.String(), "class")
	sessionJSON.Set(s.state.String(), "state")
	sessionJSON.Set(s.outstanding, "outstanding")
	sessionJSON.Set(s.saveTime, "save_time")

	timestampJSON, _ := json.Object("timestamp")
	lastPacket := s.LastPacket()
	timestampJSON.Set(lastPacket.Unix(), "seconds")
	timestampJSON.Set(lastPacket.Nanosecond(), "nanos")

	json.Set(s.worker.index, "worker")
	json.Set(stringFormatter.Format("worker:{0} | {1} | {2}", s.worker.index, s.String(), message), "message")

	io.WriteString(os.Stderr, json.String()+"\n")
}
