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
	"github.com/gchux/pcap-sessions/pkg/session"
)

type (
	// PayloadParser is implemented by extensions that inspect payloads;
	// `Parse` runs on the owning worker for every packet carrying data.
	PayloadParser interface {
		session.Extension
		Parse(s *session.Session, dir int, payload []byte)
	}

	parserFactory = func(*session.Session) session.Extension

	// parserProvider defines the fields a parser writes and returns a
	// factory for its per-session state.
	parserProvider = func(*session.Tracker) (parserFactory, error)
)

// packets inspected before a parser gives up on a session
const maxParseAttempts = 4

var parserProviders = map[string]parserProvider{
	"tls":  provideTLSParser,
	"http": provideHTTPParser,
}

func defineFields(tracker *session.Tracker, kind session.FieldKind, names ...string) ([]session.FieldID, error) {
	ids := make([]session.FieldID, len(names))
	for i, name := range names {
		id, err := tracker.DefineField(name, kind)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}
