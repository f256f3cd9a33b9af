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

package dispatch

import (
	"bytes"
	"io"
	"regexp"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gchux/pcap-sessions/pkg/session"
	"golang.org/x/net/http2"
)

type httpParser struct {
	methodField, uriField, streamsField session.FieldID

	attempts int
	isHTTP   bool
	isHTTP2  bool

	methods mapset.Set[string]
	uris    mapset.Set[string]
	streams mapset.Set[uint32]
}

const (
	http11RequestPayloadRegexStr = `^(?P<method>[A-Z]+?)\s(?P<url>\S+?)\sHTTP/1\.[01]\r?\n`
	// values kept per session and field
	maxHTTPValues = 32
)

var (
	http11RequestPayloadRegex = regexp.MustCompile(http11RequestPayloadRegexStr)
	http2Preface              = []byte(http2.ClientPreface)
)

func provideHTTPParser(tracker *session.Tracker) (parserFactory, error) {
	strs, err := defineFields(tracker, session.FieldKindString, "http.method", "http.uri")
	if err != nil {
		return nil, err
	}
	ints, err := defineFields(tracker, session.FieldKindInt, "http.streams")
	if err != nil {
		return nil, err
	}
	return func(s *session.Session) session.Extension {
		if s.Class() != session.ClassTCP {
			return nil
		}
		return &httpParser{
			methodField:  strs[0],
			uriField:     strs[1],
			streamsField: ints[0],
			methods:      mapset.NewThreadUnsafeSet[string](),
			uris:         mapset.NewThreadUnsafeSet[string](),
			streams:      mapset.NewThreadUnsafeSet[uint32](),
		}
	}, nil
}

// readFrames collects the ids of streams opened by HEADERS frames; it stops
// at the first frame that is truncated.
func (p *httpParser) readFrames(data []byte) {
	framer := http2.NewFramer(io.Discard, bytes.NewReader(data))
	for p.streams.Cardinality() < maxHTTPValues {
		frame, err := framer.ReadFrame()
		if err != nil {
			return
		}
		if headers, ok := frame.(*http2.HeadersFrame); ok {
			p.streams.Add(headers.StreamID)
		}
	}
}

func (p *httpParser) Parse(s *session.Session, _ int, payload []byte) {
	if !p.isHTTP && !p.isHTTP2 {
		if p.attempts >= maxParseAttempts {
			return
		}
		p.attempts++
	}

	tracker := s.Worker().Tracker()

	switch {
	case bytes.HasPrefix(payload, http2Preface):
		if !p.isHTTP2 {
			p.isHTTP2 = true
			tracker.AddProtocol(s, "http2")
		}
		p.readFrames(payload[len(http2Preface):])

	case p.isHTTP2:
		p.readFrames(payload)

	default:
		request := http11RequestPayloadRegex.FindSubmatch(payload)
		if request == nil {
			return
		}
		if !p.isHTTP {
			p.isHTTP = true
			tracker.AddProtocol(s, "http")
		}
		if p.methods.Cardinality() < maxHTTPValues {
			p.methods.Add(string(request[1]))
		}
		if p.uris.Cardinality() < maxHTTPValues {
			p.uris.Add(string(request[2]))
		}
	}
}

func (p *httpParser) Save(s *session.Session, _ bool) {
	p.methods.Each(func(method string) bool {
		s.StringAdd(p.methodField, method)
		return false
	})
	p.uris.Each(func(uri string) bool {
		s.StringAdd(p.uriField, uri)
		return false
	})
	p.streams.Each(func(stream uint32) bool {
		s.IntAdd(p.streamsField, stream)
		return false
	})
}

func (p *httpParser) Free(_ *session.Session) {
	p.methods.Clear()
	p.uris.Clear()
	p.streams.Clear()
}
