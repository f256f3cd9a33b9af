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
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gchux/pcap-sessions/pkg/session"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var dispatchLogger = log.New(os.Stderr, "[dispatch] - ", log.LstdFlags)

type (
	Config struct {
		// tags attached to every new session
		Tags []string
		// names of the payload parsers to attach to new sessions: `tls`, `http`
		Parsers []string
		Filters *PacketFilters
		// bytes of payload kept for parsers; 0 disables payload copies
		MaxPayload int
		Debug      bool
	}

	Stats struct {
		Dispatched  uint64
		Unsupported uint64
		Filtered    uint64
	}

	// Dispatcher decodes packets into flow identities and hands them to the
	// session worker that owns the flow.
	Dispatcher struct {
		tracker    *session.Tracker
		filters    *PacketFilters
		tags       []string
		parsers    []parserFactory
		maxPayload int
		debug      bool

		serial      atomic.Uint64
		dispatched  atomic.Uint64
		unsupported atomic.Uint64
		filtered    atomic.Uint64
	}

	// flowPacket is the decoded part of a packet that the owning worker needs.
	flowPacket struct {
		d *Dispatcher

		id    session.Identity
		class session.Class

		src, dst         netip.Addr
		srcPort, dstPort uint16
		tcpFlags         uint8

		ts         time.Time
		length     uint64
		dataLength uint64
		payload    []byte

		serial  uint64
		filePos int64
		fileNum uint32
	}
)

var (
	ErrUnsupported = errors.New("packet is not IPv4 TCP, UDP or ICMP")
	ErrFiltered    = errors.New("packet filtered")
)

func NewDispatcher(tracker *session.Tracker, cfg *Config) (*Dispatcher, error) {
	d := &Dispatcher{
		tracker:    tracker,
		filters:    cfg.Filters,
		tags:       mapset.NewThreadUnsafeSet(cfg.Tags...).ToSlice(),
		maxPayload: cfg.MaxPayload,
		debug:      cfg.Debug,
	}

	if d.filters != nil && d.filters.IsEmpty() {
		d.filters = nil
	}

	for _, name := range cfg.Parsers {
		provider, ok := parserProviders[name]
		if !ok {
			return nil, fmt.Errorf("unknown parser: %s", name)
		}
		factory, err := provider(tracker)
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("parser: %s", name))
		}
		d.parsers = append(d.parsers, factory)
	}

	dispatchLogger.Printf("CREATED | parsers: %v | tags: %v | filters: %t\n", cfg.Parsers, d.tags, d.filters != nil)

	return d, nil
}

func (d *Dispatcher) decode(packet gopacket.Packet) (*flowPacket, error) {
	ip4, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, ErrUnsupported
	}

	p := &flowPacket{d: d}

	p.src, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
	p.dst, _ = netip.AddrFromSlice(ip4.DstIP.To4())

	var payload []byte

	switch ip4.Protocol {
	case layers.IPProtocolTCP:
		tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			return nil, ErrUnsupported
		}
		p.class = session.ClassTCP
		p.srcPort, p.dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		p.tcpFlags = parseTCPflags(tcp)
		payload = tcp.Payload

	case layers.IPProtocolUDP:
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return nil, ErrUnsupported
		}
		p.class = session.ClassUDP
		p.srcPort, p.dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		payload = udp.Payload

	case layers.IPProtocolICMPv4:
		icmp, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok {
			return nil, ErrUnsupported
		}
		p.class = session.ClassICMP
		payload = icmp.Payload

	default:
		return nil, ErrUnsupported
	}

	p.id = session.NewIdentity(p.src, p.srcPort, p.dst, p.dstPort)

	metadata := packet.Metadata()
	p.ts = metadata.Timestamp
	p.length = uint64(metadata.Length)
	if p.length == 0 {
		p.length = uint64(len(packet.Data()))
	}
	p.dataLength = uint64(len(payload))

	// packet sources may reuse buffers
	if n := min(len(payload), d.maxPayload); n > 0 && len(d.parsers) > 0 {
		p.payload = make([]byte, n)
		copy(p.payload, payload[:n])
	}

	return p, nil
}

// Dispatch decodes `packet` and routes it to its owning worker; `filePos`
// is where the packet was written in file `fileNum`, or -1 if it was not.
func (d *Dispatcher) Dispatch(ctx context.Context, packet gopacket.Packet, filePos int64, fileNum uint32) error {
	p, err := d.decode(packet)
	if err != nil {
		d.unsupported.Add(1)
		return err
	}

	if d.filters != nil && !d.filters.Allows(p) {
		d.filtered.Add(1)
		return ErrFiltered
	}

	p.serial = d.serial.Add(1)
	p.filePos, p.fileNum = filePos, fileNum

	d.tracker.AdvanceClock(p.ts)

	if err := d.tracker.Submit(ctx, &p.id, p); err != nil {
		return err
	}
	d.dispatched.Add(1)
	return nil
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:  d.dispatched.Load(),
		Unsupported: d.unsupported.Load(),
		Filtered:    d.filtered.Load(),
	}
}

func (d *Dispatcher) initSession(w *session.Worker, s *session.Session) {
	t := w.Tracker()

	t.AddProtocol(s, s.Class().String())
	for _, tag := range d.tags {
		t.AddTag(s, tag)
	}

	for _, factory := range d.parsers {
		if ext := factory(s); ext != nil {
			s.AddExtension(ext)
		}
	}

	w.TrackTCP(s)

	if d.debug {
		dispatchLogger.Printf("worker:%d | new session: %s\n", w.Index(), s)
	}
}

// HandlePacket runs on the worker that owns the flow.
func (p *flowPacket) HandlePacket(w *session.Worker) {
	s, created := w.FindOrCreate(p.class, &p.id)
	s.Touch(p.ts)

	if created {
		p.d.initSession(w, s)
	}

	// 0: sent by the low endpoint
	dir := 1
	if p.id.IsLow(p.src, p.srcPort) {
		dir = 0
	}

	s.AddPacket(dir, p.length, p.dataLength)
	if p.filePos >= 0 {
		s.AddFilePos(uint64(p.filePos), uint16(min(p.length, math.MaxUint16)), p.fileNum)
	}

	if len(p.payload) > 0 {
		for _, ext := range s.Extensions() {
			if parser, ok := ext.(PayloadParser); ok {
				parser.Parse(s, dir, p.payload)
			}
		}
	}

	if p.class == session.ClassTCP && isConnectionTermination(p.tcpFlags) && !s.IsClosing() {
		w.MarkForClose(s)
	}
}
