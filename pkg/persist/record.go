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
	"bytes"
	"errors"
	"fmt"

	"github.com/Jeffail/gabs/v2"
	"github.com/gchux/pcap-sessions/pkg/session"
	"github.com/segmentio/fasthash/fnv1a"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

type (
	Format uint8

	// encoder turns a record into one self-delimited entry of the output.
	encoder = func(*gabs.Container) ([]byte, error)
)

const (
	JSON Format = iota
	PROTO
)

var formats = map[string]Format{
	"json":  JSON,
	"proto": PROTO,
}

var errUnavailableFormat = errors.New("record format is unavailable")

var encoders = map[Format]encoder{
	JSON:  encodeJSON,
	PROTO: encodeProto,
}

func ParseFormat(format string) (Format, error) {
	if f, ok := formats[format]; ok {
		return f, nil
	}
	return 0, errors.Join(errUnavailableFormat, fmt.Errorf("format: %s", format))
}

func toAnySlice[T any](values []T) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// flowID is stable for a flow across partial and final records.
func flowID(s *session.Session) uint64 {
	id := s.ID()
	return fnv1a.AddUint64(fnv1a.HashBytes64(id[:]), uint64(s.Class().Protocol()))
}

// newSessionRecord snapshots `s`; it must run on the owning worker.
func newSessionRecord(s *session.Session, final bool, node string) *gabs.Container {
	id := s.ID()
	lowAddr, lowPort := id.Low()
	highAddr, highPort := id.High()

	json := gabs.New()

	json.Set("session", "type")
	json.Set(s.String(), "id")
	json.Set(fmt.Sprintf("%016x", flowID(s)), "flow")
	json.Set(s.Class().String(), "class")
	json.Set(s.Class().Protocol(), "protocol")
	json.Set(final, "final")
	json.Set(s.Thread(), "worker")
	if node != "" {
		json.Set(node, "node")
	}
	if s.RootID != "" {
		json.Set(s.RootID, "root_id")
	}
	if s.StopSaving != 0 {
		json.Set(s.StopSaving, "stop_saving")
	}

	json.Set(lowAddr.String(), "low", "ip")
	json.Set(int(lowPort), "low", "port")
	json.Set(s.Packets[0], "low", "packets")
	json.Set(s.Bytes[0], "low", "bytes")
	json.Set(s.DataBytes[0], "low", "data_bytes")

	json.Set(highAddr.String(), "high", "ip")
	json.Set(int(highPort), "high", "port")
	json.Set(s.Packets[1], "high", "packets")
	json.Set(s.Bytes[1], "high", "bytes")
	json.Set(s.DataBytes[1], "high", "data_bytes")

	json.Set(s.FirstPacket().UnixMicro(), "timestamp", "first_packet")
	json.Set(s.LastPacket().UnixMicro(), "timestamp", "last_packet")

	if len(s.FilePos) > 0 {
		json.Set(toAnySlice(s.FilePos), "files", "positions")
		lengths := make([]any, len(s.FileLen))
		for i, length := range s.FileLen {
			lengths[i] = uint32(length)
		}
		json.Set(lengths, "files", "lengths")
		json.Set(toAnySlice(s.FileNum), "files", "numbers")
	}

	fields, _ := json.Object("fields")
	for _, f := range s.Fields() {
		// names are dotted; `Set` keeps them as a single key
		if f.Def.Kind == session.FieldKindInt {
			fields.Set(toAnySlice(f.Ints()), f.Def.Name)
		} else {
			fields.Set(toAnySlice(f.Strings()), f.Def.Name)
		}
	}

	return json
}

func newTagRecord(field session.FieldID, name string, tag uint32) *gabs.Container {
	json := gabs.New()
	json.Set("tag", "type")
	json.Set(name, "name")
	json.Set(tag, "id")
	json.Set(int(field), "field")
	return json
}

func encodeJSON(record *gabs.Container) ([]byte, error) {
	return append(record.Bytes(), '\n'), nil
}

func encodeProto(record *gabs.Container) ([]byte, error) {
	data, ok := record.Data().(map[string]interface{})
	if !ok {
		return nil, errors.New("record is not an object")
	}
	message, err := structpb.NewStruct(data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := protodelim.MarshalTo(&buf, message); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
