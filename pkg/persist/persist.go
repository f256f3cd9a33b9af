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
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/gchux/pcap-sessions/pkg/session"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	concurrently "github.com/tejzpr/ordered-concurrently/v3"
)

var persistLogger = log.New(os.Stderr, "[persist] - ", log.LstdFlags)

type (
	Config struct {
		Format  string
		Writers []io.Writer
		// goroutines encoding records; output order is preserved
		PoolSize int
		// goroutines resolving unknown tags
		TagPoolSize int
		// name of this capture node, added to every record
		Node  string
		Debug bool
	}

	Stats struct {
		Records      uint64
		Partial      uint64
		Tags         uint64
		Bytes        uint64
		EncodeErrors uint64
		WriteErrors  uint64
	}

	// Persister encodes session snapshots on an ordered pool and fans the
	// encoded records out to every writer.
	Persister struct {
		node    string
		debug   bool
		encode  encoder
		writers []io.Writer
		tags    *TagStore

		ich    chan concurrently.WorkFunction
		och    <-chan concurrently.OrderedOutput
		cancel context.CancelFunc
		done   chan struct{}

		mu     sync.RWMutex
		closed bool

		records      atomic.Uint64
		partial      atomic.Uint64
		defined      atomic.Uint64
		bytes        atomic.Uint64
		encodeErrors atomic.Uint64
		writeErrors  atomic.Uint64
	}

	encodeTask struct {
		encode encoder
		record *gabs.Container
	}

	encodedRecord struct {
		data []byte
		err  error
	}
)

var errPersisterClosed = errors.New("persister is closed")

func (t *encodeTask) Run(_ context.Context) (out interface{}) {
	defer func() {
		if r := recover(); r != nil {
			persistLogger.Printf("encode panic: %s\n%s\n", r, string(debug.Stack()))
			out = &encodedRecord{err: fmt.Errorf("encode panic: %v", r)}
		}
	}()
	data, err := t.encode(t.record)
	return &encodedRecord{data: data, err: err}
}

func NewPersister(ctx context.Context, cfg *Config) (*Persister, error) {
	format, err := ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	tagPoolSize := cfg.TagPoolSize
	if tagPoolSize <= 0 {
		tagPoolSize = 25
	}

	// the pipeline outlives packet capture: it is stopped by `Close`
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p := &Persister{
		node:    cfg.Node,
		debug:   cfg.Debug,
		encode:  encoders[format],
		writers: cfg.Writers,
		cancel:  cancel,
		done:    make(chan struct{}),
		ich:     make(chan concurrently.WorkFunction, 100),
	}

	p.tags, err = newTagStore(tagPoolSize, p.publishTag)
	if err != nil {
		cancel()
		return nil, err
	}

	p.och = concurrently.Process(ctx, p.ich, &concurrently.Options{
		PoolSize:         poolSize,
		OutChannelBuffer: 100,
	})

	go p.consume()

	persistLogger.Printf("CREATED | format: %s | writers: %d | pool: %d\n", cfg.Format, len(p.writers), poolSize)

	return p, nil
}

func (p *Persister) publish(record *gabs.Container) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errPersisterClosed
	}
	p.ich <- &encodeTask{encode: p.encode, record: record}
	return nil
}

func (p *Persister) publishTag(field session.FieldID, name string, tag uint32) {
	if err := p.publish(newTagRecord(field, name, tag)); err != nil {
		persistLogger.Printf("dropped tag %s(%d): %v\n", name, tag, err)
		return
	}
	p.defined.Add(1)
}

// consume writes encoded records in submission order; one writer failing
// does not stop the others.
func (p *Persister) consume() {
	defer close(p.done)

	for output := range p.och {
		encoded := output.Value.(*encodedRecord)
		if encoded.err != nil {
			p.encodeErrors.Add(1)
			persistLogger.Printf("failed to encode record: %v\n", encoded.err)
			continue
		}
		for i, writer := range p.writers {
			n, err := writer.Write(encoded.data)
			if err != nil {
				p.writeErrors.Add(1)
				persistLogger.Printf("%v\n", errors.Wrapf(err, "writer:%d", i))
				continue
			}
			p.bytes.Add(uint64(n))
		}
	}
}

// SaveSession snapshots `s` and queues it for encoding. A partially saved
// session gets a root id on its first save; later records of the same
// session carry it.
func (p *Persister) SaveSession(s *session.Session, final bool) {
	if s.RootID == session.RootSentinel {
		s.RootID = uuid.NewString()
	}

	record := newSessionRecord(s, final, p.node)
	if err := p.publish(record); err != nil {
		persistLogger.Printf("dropped session %s: %v\n", s, err)
		return
	}

	p.records.Add(1)
	if !final {
		p.partial.Add(1)
	}
	if p.debug {
		persistLogger.Printf("worker:%d | saved %s | final: %t\n", s.Thread(), s, final)
	}
}

func (p *Persister) ResolveTag(_ *session.Session, field session.FieldID, name string, done session.TagCallback) {
	p.tags.Resolve(field, name, done)
}

func (p *Persister) PeekTag(name string) (uint32, bool) {
	return p.tags.Peek(name)
}

func (p *Persister) Stats() Stats {
	return Stats{
		Records:      p.records.Load(),
		Partial:      p.partial.Load(),
		Tags:         p.defined.Load(),
		Bytes:        p.bytes.Load(),
		EncodeErrors: p.encodeErrors.Load(),
		WriteErrors:  p.writeErrors.Load(),
	}
}

// Close stops accepting records and waits until every queued record is
// written or `ctx` is done. Sessions must have been flushed already.
func (p *Persister) Close(ctx context.Context) error {
	ts := time.Now()

	timeout := 3 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := p.tags.Release(timeout); err != nil {
		persistLogger.Printf("tag pool: %v\n", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPersisterClosed
	}
	p.closed = true
	close(p.ich)
	p.mu.Unlock()

	defer p.cancel()

	select {
	case <-p.done:
		persistLogger.Printf("CLOSED | records: %d | latency: %v\n", p.records.Load(), time.Since(ts))
		return nil
	case <-ctx.Done():
		persistLogger.Printf("timed out waiting for records to be written\n")
		return ctx.Err()
	}
}
