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
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/gchux/pcap-sessions/pkg/session"
	"github.com/panjf2000/ants/v2"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

type failingWriter struct{}

var errBrokenWriter = errors.New("broken writer")

func (failingWriter) Write(_ []byte) (int, error) {
	return 0, errBrokenWriter
}

func newTestPersister(t *testing.T, format string, writers ...io.Writer) *Persister {
	t.Helper()
	p, err := NewPersister(context.Background(), &Config{
		Format:  format,
		Writers: writers,
		Node:    "test-node",
	})
	if err != nil {
		t.Fatalf("failed to create persister: %v", err)
	}
	return p
}

func newTestSession(t *testing.T, p *Persister) (*session.Tracker, *session.Session) {
	t.Helper()

	tracker, err := session.NewTracker(session.Config{Workers: 1}, p)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	method, err := tracker.DefineField("http.method", session.FieldKindString)
	if err != nil {
		t.Fatalf("failed to define field: %v", err)
	}

	id := session.NewIdentity(netip.MustParseAddr("192.168.1.5"), 1000, netip.MustParseAddr("10.0.0.2"), 80)
	ts := time.Unix(1000, 0)
	tracker.AdvanceClock(ts)

	s, _ := tracker.FindOrCreate(session.ClassTCP, &id)
	s.Touch(ts)
	s.AddPacket(0, 100, 40)
	s.AddPacket(1, 1500, 1440)
	s.AddFilePos(24, 100, 1)
	s.AddFilePos(124, 1500, 1)
	s.StringAdd(method, "GET")

	return tracker, s
}

func closePersister(t *testing.T, p *Persister) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("failed to close persister: %v", err)
	}
}

func parseLines(t *testing.T, data []byte) []*gabs.Container {
	t.Helper()
	var records []*gabs.Container
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		record, err := gabs.ParseJSON([]byte(line))
		if err != nil {
			t.Fatalf("invalid record %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

func TestJSONRecords(t *testing.T) {
	var first, second bytes.Buffer
	p := newTestPersister(t, "json", &first, &second)
	_, s := newTestSession(t, p)

	s.RootID = session.RootSentinel
	p.SaveSession(s, false)
	rootID := s.RootID
	p.SaveSession(s, true)

	closePersister(t, p)

	t.Run("must-assign-root-id", func(t *testing.T) {
		if rootID == session.RootSentinel || rootID == "" {
			t.Fatalf("root id must be replaced: %s", rootID)
		}
		if s.RootID != rootID {
			t.Fatalf("root id must be stable: %s != %s", s.RootID, rootID)
		}
	})

	t.Run("must-write-to-every-writer", func(t *testing.T) {
		if !bytes.Equal(first.Bytes(), second.Bytes()) {
			t.Fatalf("writers must receive the same records")
		}
	})

	records := parseLines(t, first.Bytes())

	t.Run("must-preserve-order", func(t *testing.T) {
		if len(records) != 2 {
			t.Fatalf("expected 2 records, got %d", len(records))
		}
		if records[0].S("final").Data().(bool) || !records[1].S("final").Data().(bool) {
			t.Fatalf("partial record must precede the final one")
		}
	})

	t.Run("must-describe-session", func(t *testing.T) {
		record := records[1]

		if id := record.S("id").Data().(string); id != "6;10.0.0.2:80,192.168.1.5:1000" {
			t.Fatalf("unexpected id: %s", id)
		}
		if record.S("root_id").Data().(string) != rootID {
			t.Fatalf("records must share the root id")
		}
		if record.S("flow").Data().(string) != records[0].S("flow").Data().(string) {
			t.Fatalf("records must share the flow id")
		}
		if node := record.S("node").Data().(string); node != "test-node" {
			t.Fatalf("unexpected node: %s", node)
		}
		if ip := record.S("low", "ip").Data().(string); ip != "10.0.0.2" {
			t.Fatalf("unexpected low ip: %s", ip)
		}
		if bytes := record.S("low", "bytes").Data().(float64); bytes != 100 {
			t.Fatalf("unexpected low bytes: %v", bytes)
		}
		if bytes := record.S("high", "data_bytes").Data().(float64); bytes != 1440 {
			t.Fatalf("unexpected high data bytes: %v", bytes)
		}
		if first := record.S("timestamp", "first_packet").Data().(float64); first != 1000*1e6 {
			t.Fatalf("unexpected first packet: %v", first)
		}
		positions := record.S("files", "positions").Children()
		if len(positions) != 2 || positions[1].Data().(float64) != 124 {
			t.Fatalf("unexpected positions: %v", record.S("files", "positions"))
		}
		methods := record.S("fields", "http.method").Children()
		if len(methods) != 1 || methods[0].Data().(string) != "GET" {
			t.Fatalf("unexpected http.method: %v", record.S("fields"))
		}
	})

	t.Run("must-count-records", func(t *testing.T) {
		stats := p.Stats()
		if stats.Records != 2 || stats.Partial != 1 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
		if stats.Bytes != uint64(first.Len()+second.Len()) {
			t.Fatalf("unexpected bytes: %d", stats.Bytes)
		}
	})
}

func TestProtoRecords(t *testing.T) {
	var buf bytes.Buffer
	p := newTestPersister(t, "proto", &buf)
	_, s := newTestSession(t, p)

	p.SaveSession(s, true)
	closePersister(t, p)

	reader := bufio.NewReader(&buf)
	record := &structpb.Struct{}
	if err := protodelim.UnmarshalFrom(reader, record); err != nil {
		t.Fatalf("failed to decode record: %v", err)
	}

	t.Run("must-decode-delimited-struct", func(t *testing.T) {
		fields := record.GetFields()
		if fields["type"].GetStringValue() != "session" {
			t.Fatalf("unexpected type: %v", fields["type"])
		}
		if fields["class"].GetStringValue() != "tcp" {
			t.Fatalf("unexpected class: %v", fields["class"])
		}
		high := fields["high"].GetStructValue().GetFields()
		if port := high["port"].GetNumberValue(); port != 1000 {
			t.Fatalf("unexpected high port: %v", port)
		}
	})

	t.Run("must-consume-whole-stream", func(t *testing.T) {
		if err := protodelim.UnmarshalFrom(reader, &structpb.Struct{}); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got: %v", err)
		}
	})
}

func TestTagStore(t *testing.T) {
	var mu sync.Mutex
	defined := map[string]uint32{}

	store, err := newTagStore(2, func(_ session.FieldID, name string, tag uint32) {
		mu.Lock()
		defer mu.Unlock()
		defined[name] = tag
	})
	if err != nil {
		t.Fatalf("failed to create tag store: %v", err)
	}
	defer store.Release(time.Second)

	resolve := func(t *testing.T, name string) (uint32, bool, error) {
		t.Helper()
		type result struct {
			tag   uint32
			async bool
			err   error
		}
		ch := make(chan result, 1)
		store.Resolve(0, name, func(tag uint32, async bool, err error) {
			ch <- result{tag, async, err}
		})
		select {
		case r := <-ch:
			return r.tag, r.async, r.err
		case <-time.After(5 * time.Second):
			t.Fatalf("tag %s was never resolved", name)
		}
		return 0, false, nil
	}

	t.Run("must-resolve-unknown-tags-async", func(t *testing.T) {
		tag, async, err := resolve(t, "capture")
		if err != nil || !async || tag != 1 {
			t.Fatalf("unexpected resolution: %d/%t/%v", tag, async, err)
		}
	})

	t.Run("must-resolve-known-tags-inline", func(t *testing.T) {
		tag, async, err := resolve(t, "capture")
		if err != nil || async || tag != 1 {
			t.Fatalf("unexpected resolution: %d/%t/%v", tag, async, err)
		}
	})

	t.Run("must-allocate-new-ids", func(t *testing.T) {
		tag, _, _ := resolve(t, "mirror")
		if tag != 2 {
			t.Fatalf("unexpected tag: %d", tag)
		}
		if peeked, ok := store.Peek("mirror"); !ok || peeked != 2 {
			t.Fatalf("unexpected peek: %d/%t", peeked, ok)
		}
		if _, ok := store.Peek("unknown"); ok {
			t.Fatalf("unknown tag must not be peeked")
		}
	})

	t.Run("must-define-every-tag-once", func(t *testing.T) {
		mu.Lock()
		defer mu.Unlock()
		if len(defined) != 2 || defined["capture"] != 1 || defined["mirror"] != 2 {
			t.Fatalf("unexpected definitions: %v", defined)
		}
		if store.Len() != 2 {
			t.Fatalf("unexpected store size: %d", store.Len())
		}
	})
}

func TestTagStoreSaturation(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})

	store, err := newTagStore(1, func(_ session.FieldID, name string, _ uint32) {
		if name == "slow" {
			close(entered)
			<-unblock
		}
	})
	if err != nil {
		t.Fatalf("failed to create tag store: %v", err)
	}
	defer store.Release(time.Second)

	slow := make(chan error, 1)
	store.Resolve(0, "slow", func(_ uint32, _ bool, err error) {
		slow <- err
	})
	<-entered

	t.Run("must-fail-instead-of-blocking", func(t *testing.T) {
		result := make(chan error, 1)
		go store.Resolve(0, "fast", func(tag uint32, async bool, err error) {
			if async || tag != 0 {
				err = errors.Join(err, errors.New("must fail inline"))
			}
			result <- err
		})

		select {
		case err := <-result:
			if !errors.Is(err, ants.ErrPoolOverload) {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("resolution blocked on a saturated pool")
		}
		if _, ok := store.Peek("fast"); ok {
			t.Fatalf("failed tag must not be defined")
		}
	})

	close(unblock)

	t.Run("must-complete-in-flight-resolution", func(t *testing.T) {
		select {
		case err := <-slow:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("tag slow was never resolved")
		}
	})
}

func TestTagRecords(t *testing.T) {
	var buf bytes.Buffer
	p := newTestPersister(t, "json", &buf)

	done := make(chan uint32, 1)
	p.ResolveTag(nil, 3, "capture", func(tag uint32, _ bool, _ error) {
		done <- tag
	})

	select {
	case tag := <-done:
		if tag != 1 {
			t.Fatalf("unexpected tag: %d", tag)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("tag was never resolved")
	}

	closePersister(t, p)

	records := parseLines(t, buf.Bytes())
	if len(records) != 1 {
		t.Fatalf("expected 1 tag record, got %d", len(records))
	}
	record := records[0]
	if record.S("type").Data().(string) != "tag" || record.S("name").Data().(string) != "capture" {
		t.Fatalf("unexpected tag record: %s", record)
	}
	if record.S("field").Data().(float64) != 3 {
		t.Fatalf("unexpected field: %s", record)
	}
	if p.Stats().Tags != 1 {
		t.Fatalf("unexpected stats: %+v", p.Stats())
	}
}

func TestPersisterErrors(t *testing.T) {
	t.Run("must-reject-unknown-format", func(t *testing.T) {
		if _, err := NewPersister(context.Background(), &Config{Format: "xml"}); !errors.Is(err, errUnavailableFormat) {
			t.Fatalf("expected unavailable format, got: %v", err)
		}
	})

	t.Run("must-isolate-failing-writers", func(t *testing.T) {
		var buf bytes.Buffer
		p := newTestPersister(t, "json", failingWriter{}, &buf)
		_, s := newTestSession(t, p)

		p.SaveSession(s, true)
		closePersister(t, p)

		if buf.Len() == 0 {
			t.Fatalf("healthy writer must receive records")
		}
		if p.Stats().WriteErrors != 1 {
			t.Fatalf("unexpected write errors: %d", p.Stats().WriteErrors)
		}
	})

	t.Run("must-drop-records-after-close", func(t *testing.T) {
		var buf bytes.Buffer
		p := newTestPersister(t, "json", &buf)
		_, s := newTestSession(t, p)

		closePersister(t, p)
		p.SaveSession(s, true)

		if p.Stats().Records != 0 || buf.Len() != 0 {
			t.Fatalf("closed persister must drop records")
		}
		if err := p.Close(context.Background()); !errors.Is(err, errPersisterClosed) {
			t.Fatalf("expected closed persister, got: %v", err)
		}
	})
}

func TestRotatingWriter(t *testing.T) {
	dir := t.TempDir()

	writer, err := NewRotatingWriter(&RotatingWriterConfig{
		Directory: dir,
		Template:  "sessions-%Y%m%d",
		Extension: "json",
		Interval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	if _, err := writer.Write([]byte("{\"type\":\"session\"}\n")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	files, err := filepath.Glob(filepath.Join(dir, "sessions-*.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected 1 output file, got: %v (%v)", files, err)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if !strings.Contains(string(data), "\"session\"") {
		t.Fatalf("unexpected output: %s", data)
	}
}
