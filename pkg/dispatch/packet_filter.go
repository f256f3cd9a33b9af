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
	"net/netip"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gchux/pcap-sessions/pkg/session"
	"github.com/google/btree"
	"github.com/wissance/stringFormatter"
)

type (
	L4Proto uint8

	// PacketFilters is an allow-list: a packet is dispatched only if it
	// matches every non-empty criterion.
	PacketFilters struct {
		// filter IPs in O(log N)
		networks *btree.BTreeG[netip.Prefix]
		// filter ports and protocols in O(1)
		ports  mapset.Set[uint16]
		protos mapset.Set[uint8]
		flags  uint8
	}
)

const (
	L4ProtoICMP = L4Proto(0x01)
	L4ProtoTCP  = L4Proto(0x06)
	L4ProtoUDP  = L4Proto(0x11)
)

func ipLessThanFunc(a, b netip.Prefix) bool {
	// overlapping prefixes are equal: looking up a host finds the range that holds it
	if a.Overlaps(b) {
		return false
	}
	return bytes.Compare(a.Addr().AsSlice(), b.Addr().AsSlice()) < 0
}

func NewPacketFilters() *PacketFilters {
	return &PacketFilters{
		networks: btree.NewG[netip.Prefix](2, ipLessThanFunc),
		ports:    mapset.NewSet[uint16](),
		protos:   mapset.NewSet[uint8](),
		flags:    tcpFlagNil,
	}
}

func (f *PacketFilters) addNetwork(ipRange string) bool {
	prefix, err := netip.ParsePrefix(ipRange)
	if err != nil || !prefix.Addr().Is4() {
		return false
	}
	f.networks.ReplaceOrInsert(prefix.Masked())
	return true
}

func (f *PacketFilters) AddIPv4s(IPv4s ...string) {
	for _, IPv4 := range IPv4s {
		f.addNetwork(stringFormatter.Format("{0}/32", IPv4))
	}
}

func (f *PacketFilters) AddIPv4Ranges(IPv4Ranges ...string) {
	for _, IPv4Range := range IPv4Ranges {
		f.addNetwork(IPv4Range)
	}
}

func (f *PacketFilters) AddPorts(ports ...uint16) {
	f.ports.Append(ports...)
}

func (f *PacketFilters) AddL4Protos(protos ...L4Proto) {
	for _, proto := range protos {
		f.protos.Add(uint8(proto))
	}
}

func (f *PacketFilters) AddTCPFlags(flags ...TCPFlag) {
	for _, flag := range flags {
		f.flags |= flag.materialize()
	}
}

func (f *PacketFilters) HasIPs() bool {
	return f.networks.Len() > 0
}

func (f *PacketFilters) HasL4Addrs() bool {
	return !f.ports.IsEmpty()
}

func (f *PacketFilters) HasL4Protos() bool {
	return !f.protos.IsEmpty()
}

func (f *PacketFilters) HasTCPflags() bool {
	return f.flags > tcpFlagNil
}

func (f *PacketFilters) IsEmpty() bool {
	return !f.HasIPs() && !f.HasL4Addrs() && !f.HasL4Protos() && !f.HasTCPflags()
}

func (f *PacketFilters) AllowsIPv4Addr(ip4 netip.Addr) bool {
	return f.networks.Has(netip.PrefixFrom(ip4, 32))
}

func (f *PacketFilters) AllowsL4Proto(proto uint8) bool {
	return f.protos.Contains(proto)
}

func (f *PacketFilters) AllowsAnyL4Addr(ports ...uint16) bool {
	return f.ports.ContainsAny(ports...)
}

func (f *PacketFilters) AllowsAnyTCPflags(flags uint8) bool {
	return (flags & f.flags) > 0
}

// Allows applies every configured criterion to a decoded packet.
func (f *PacketFilters) Allows(p *flowPacket) bool {
	proto := uint8(p.class.Protocol())

	if f.HasL4Protos() && !f.AllowsL4Proto(proto) {
		return false
	}
	if f.HasIPs() && !f.AllowsIPv4Addr(p.src) && !f.AllowsIPv4Addr(p.dst) {
		return false
	}
	if f.HasL4Addrs() && p.class != session.ClassICMP && !f.AllowsAnyL4Addr(p.srcPort, p.dstPort) {
		return false
	}
	if f.HasTCPflags() && proto == uint8(L4ProtoTCP) && !f.AllowsAnyTCPflags(p.tcpFlags) {
		return false
	}
	return true
}
