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
	"encoding/binary"
	"net/netip"

	"github.com/segmentio/fasthash/fnv1a"
	"github.com/wissance/stringFormatter"
)

// Identity is the canonical key of a flow:
//
//	[0:4]   low address  (network byte order)
//	[4:6]   low port     (network byte order)
//	[6:10]  high address (network byte order)
//	[10:12] high port    (network byte order)
//
// `Hash` and `Equals` depend on this exact layout.
type Identity [12]byte

const identityLen = len(Identity{})

func putEndpoint(buf []byte, addr [4]byte, port uint16) {
	copy(buf[0:4], addr[:])
	binary.BigEndian.PutUint16(buf[4:6], port)
}

// NewIdentity canonicalizes an unordered endpoint pair; both orderings of
// the same pair produce the same `Identity`. Only IPv4 addresses are keyed.
func NewIdentity(addr1 netip.Addr, port1 uint16, addr2 netip.Addr, port2 uint16) Identity {
	var id Identity

	a1, a2 := addr1.As4(), addr2.As4()

	// numeric address order; ports are compared as read off the wire (`ntohs`)
	switch c := addr1.Compare(addr2); {
	case c < 0, c == 0 && port1 < port2:
		putEndpoint(id[0:6], a1, port1)
		putEndpoint(id[6:12], a2, port2)
	default:
		putEndpoint(id[0:6], a2, port2)
		putEndpoint(id[6:12], a1, port1)
	}

	return id
}

// IdentityString renders the display form `proto;A:portA,B:portB`.
// It orders endpoints independently of `NewIdentity`: same address rule,
// but ports are compared in host order as handed in by the caller.
func IdentityString(protocol int, addr1 netip.Addr, port1 int, addr2 netip.Addr, port2 int) string {
	if c := addr1.Compare(addr2); c > 0 || (c == 0 && port1 >= port2) {
		addr1, port1, addr2, port2 = addr2, port2, addr1, port1
	}
	return stringFormatter.Format("{0};{1}:{2},{3}:{4}",
		protocol, addr1.String(), port1, addr2.String(), port2)
}

// Hash mixes bytes 1-5 and 8-11 of the key; it must stay bit-exact since
// worker assignment (`hash % workers`) is derived from it.
func (id *Identity) Hash() uint32 {
	p := id
	return ((uint32(p[1])<<24 ^ uint32(p[2])<<18 ^ uint32(p[3])<<12 ^ uint32(p[4])<<6 ^ uint32(p[5])) * 13) ^
		(uint32(p[8])<<24 | uint32(p[9])<<16 | uint32(p[10])<<8 | uint32(p[11]))
}

func (id *Identity) halves() (uint64, uint32) {
	return binary.BigEndian.Uint64(id[0:8]), binary.BigEndian.Uint32(id[8:12])
}

// Equals reports whether `s` is keyed by `id`; it is an equality test, not an ordering.
func (id *Identity) Equals(s *Session) bool {
	a, b := id.halves()
	return a == s.idA && b == s.idB
}

func (id *Identity) key() string {
	return string(id[:])
}

// hashKey spreads keys across the whole word: haxmap picks buckets from the
// top bits, which `Hash` leaves empty on 64-bit builds.
func hashKey(key string) uintptr {
	return uintptr(fnv1a.HashString64(key))
}

// Low returns the endpoint that sorts first.
func (id *Identity) Low() (netip.Addr, uint16) {
	return netip.AddrFrom4([4]byte(id[0:4])), binary.BigEndian.Uint16(id[4:6])
}

// High returns the endpoint that sorts last.
func (id *Identity) High() (netip.Addr, uint16) {
	return netip.AddrFrom4([4]byte(id[6:10])), binary.BigEndian.Uint16(id[10:12])
}

// IsLow reports whether (addr, port) is the low endpoint of the flow.
func (id *Identity) IsLow(addr netip.Addr, port uint16) bool {
	low, lowPort := id.Low()
	return low == addr && lowPort == port
}

// String renders the identity with the given IP protocol number.
func (id *Identity) String(protocol int) string {
	low, lowPort := id.Low()
	high, highPort := id.High()
	return IdentityString(protocol, low, int(lowPort), high, int(highPort))
}
