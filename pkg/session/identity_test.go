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
	"encoding/hex"
	"math/bits"
	"net/netip"
	"testing"
)

func TestIdentity(t *testing.T) {
	client := netip.MustParseAddr("192.168.1.5")
	server := netip.MustParseAddr("10.0.0.2")

	forward := NewIdentity(client, 1000, server, 80)
	reverse := NewIdentity(server, 80, client, 1000)

	t.Run("must-be-symmetric", func(t *testing.T) {
		if forward != reverse {
			t.Fatalf("identities differ: %x != %x", forward, reverse)
		}
		if forward.Hash() != reverse.Hash() {
			t.Fatalf("hashes differ: %d != %d", forward.Hash(), reverse.Hash())
		}
	})

	t.Run("must-use-lower-address-as-low-endpoint", func(t *testing.T) {
		low, lowPort := forward.Low()
		if low != server || lowPort != 80 {
			t.Fatalf("wrong low endpoint: %s:%d", low, lowPort)
		}
		high, highPort := forward.High()
		if high != client || highPort != 1000 {
			t.Fatalf("wrong high endpoint: %s:%d", high, highPort)
		}
		if !forward.IsLow(server, 80) || forward.IsLow(client, 1000) {
			t.Fatalf("wrong direction for: %s", forward.String(6))
		}
	})

	t.Run("must-render-display-string", func(t *testing.T) {
		const expected = "6;10.0.0.2:80,192.168.1.5:1000"
		if got := forward.String(6); got != expected {
			t.Fatalf("got %q, want %q", got, expected)
		}
		if got := IdentityString(6, client, 1000, server, 80); got != expected {
			t.Fatalf("got %q, want %q", got, expected)
		}
		if got := IdentityString(6, server, 80, client, 1000); got != expected {
			t.Fatalf("got %q, want %q", got, expected)
		}
	})

	t.Run("must-break-address-ties-by-port", func(t *testing.T) {
		host := netip.MustParseAddr("10.0.0.1")
		id := NewIdentity(host, 443, host, 80)
		if _, port := id.Low(); port != 80 {
			t.Fatalf("wrong low port: %d", port)
		}
		if id != NewIdentity(host, 80, host, 443) {
			t.Fatalf("identities differ for swapped ports")
		}
	})
}

func TestIdentityLayout(t *testing.T) {
	id := NewIdentity(netip.MustParseAddr("10.0.0.2"), 80, netip.MustParseAddr("10.0.0.1"), 1234)

	t.Run("must-serialize-in-network-order", func(t *testing.T) {
		const expected = "0a00000104d20a0000020050"
		if got := hex.EncodeToString(id[:]); got != expected {
			t.Fatalf("got %s, want %s", got, expected)
		}
	})

	t.Run("must-hash-deterministically", func(t *testing.T) {
		// ((0<<24 ^ 0<<18 ^ 1<<12 ^ 0x04<<6 ^ 0xd2) * 13) ^ 0x00020050
		const expected = uint32(0x0002e7fa)
		if got := id.Hash(); got != expected {
			t.Fatalf("got 0x%08x, want 0x%08x", got, expected)
		}
		if got := uint32(hashKey(id.key())); got != expected {
			t.Fatalf("index hasher got 0x%08x, want 0x%08x", got, expected)
		}
	})

	t.Run("must-split-into-halves", func(t *testing.T) {
		a, b := id.halves()
		if a != 0x0a00000104d20a00 || b != 0x00020050 {
			t.Fatalf("wrong halves: 0x%016x 0x%08x", a, b)
		}
	})
}

func TestIndexHasher(t *testing.T) {
	server := netip.MustParseAddr("10.0.0.53")

	t.Run("must-use-top-bits", func(t *testing.T) {
		// haxmap resolves buckets from the most significant bits
		buckets := make(map[uintptr]struct{})
		for n := range 4096 {
			client := netip.AddrFrom4([4]byte{192, 168, byte(n >> 8), byte(n)})
			id := NewIdentity(client, uint16(1024+n), server, 53)
			buckets[hashKey(id.key())>>(bits.UintSize-8)] = struct{}{}
		}
		if len(buckets) < 128 {
			t.Fatalf("keys spread over %d of 256 top buckets", len(buckets))
		}
	})

	t.Run("must-be-stable", func(t *testing.T) {
		id := NewIdentity(netip.MustParseAddr("192.168.1.5"), 1000, server, 53)
		if hashKey(id.key()) != hashKey(string(id[:])) {
			t.Fatalf("hash must depend on key bytes only")
		}
	})
}
