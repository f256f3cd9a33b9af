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
	"errors"

	"github.com/gchux/pcap-sessions/pkg/session"
	"github.com/google/gopacket/layers"
	"golang.org/x/crypto/cryptobyte"
)

type (
	clientHello struct {
		version    uint16
		serverName string
		alpn       []string
		ciphers    []uint16
	}

	tlsParser struct {
		hostField, alpnField, versionField session.FieldID

		attempts int
		hello    *clientHello
	}
)

const (
	tlsExtensionServerName  = 0
	tlsExtensionALPN        = 16
	tlsHandshakeClientHello = 1
)

var (
	errTLSRecordTooShort = errors.New("TLS record too short")
	errTLSNotHandshake   = errors.New("TLS record is not a handshake")
	errTLSNotClientHello = errors.New("TLS handshake is not a ClientHello")
	errTLSMalformed      = errors.New("malformed TLS ClientHello")
)

func provideTLSParser(tracker *session.Tracker) (parserFactory, error) {
	ids, err := defineFields(tracker, session.FieldKindString, "tls.host", "tls.alpn", "tls.version")
	if err != nil {
		return nil, err
	}
	return func(s *session.Session) session.Extension {
		if s.Class() != session.ClassTCP {
			return nil
		}
		return &tlsParser{hostField: ids[0], alpnField: ids[1], versionField: ids[2]}
	}, nil
}

// decodeClientHello reads the first record of `data`; only a ClientHello
// that fits in it is decoded.
func decodeClientHello(data []byte) (*clientHello, error) {
	record := cryptobyte.String(data)

	var contentType uint8
	var recordVersion uint16
	var fragment cryptobyte.String
	if !record.ReadUint8(&contentType) ||
		!record.ReadUint16(&recordVersion) ||
		!record.ReadUint16LengthPrefixed(&fragment) {
		return nil, errTLSRecordTooShort
	}
	if layers.TLSType(contentType) != layers.TLSHandshake {
		return nil, errTLSNotHandshake
	}

	var messageType uint8
	var body cryptobyte.String
	if !fragment.ReadUint8(&messageType) || messageType != tlsHandshakeClientHello {
		return nil, errTLSNotClientHello
	}
	if !fragment.ReadUint24LengthPrefixed(&body) {
		return nil, errTLSMalformed
	}

	hello := &clientHello{}

	var sessionID, ciphers, compression cryptobyte.String
	if !body.ReadUint16(&hello.version) ||
		!body.Skip(32) || // random
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&ciphers) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return nil, errTLSMalformed
	}

	for !ciphers.Empty() {
		var cipher uint16
		if !ciphers.ReadUint16(&cipher) {
			return nil, errTLSMalformed
		}
		hello.ciphers = append(hello.ciphers, cipher)
	}

	if body.Empty() {
		return hello, nil
	}

	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return nil, errTLSMalformed
	}

	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return nil, errTLSMalformed
		}

		switch extType {
		case tlsExtensionServerName:
			var names cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&names) {
				return nil, errTLSMalformed
			}
			for !names.Empty() {
				var nameType uint8
				var name cryptobyte.String
				if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
					return nil, errTLSMalformed
				}
				if nameType == 0 { // host_name
					hello.serverName = string(name)
				}
			}

		case tlsExtensionALPN:
			var protos cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&protos) {
				return nil, errTLSMalformed
			}
			for !protos.Empty() {
				var proto cryptobyte.String
				if !protos.ReadUint8LengthPrefixed(&proto) {
					return nil, errTLSMalformed
				}
				hello.alpn = append(hello.alpn, string(proto))
			}
		}
	}

	return hello, nil
}

func (p *tlsParser) Parse(s *session.Session, _ int, payload []byte) {
	if p.hello != nil || p.attempts >= maxParseAttempts {
		return
	}
	p.attempts++

	hello, err := decodeClientHello(payload)
	if err != nil {
		return
	}
	p.hello = hello
	s.Worker().Tracker().AddProtocol(s, "tls")
}

func (p *tlsParser) Save(s *session.Session, _ bool) {
	if p.hello == nil {
		return
	}
	if p.hello.serverName != "" {
		s.StringAdd(p.hostField, p.hello.serverName)
	}
	for _, proto := range p.hello.alpn {
		s.StringAdd(p.alpnField, proto)
	}
	s.StringAdd(p.versionField, layers.TLSVersion(p.hello.version).String())
}

func (p *tlsParser) Free(_ *session.Session) {
	p.hello = nil
}
