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

package pcap

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gchux/pcap-sessions/pkg/dispatch"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

var gopacketLogger = log.New(os.Stderr, "[gopacket] - ", log.LstdFlags)

func (p *Pcap) IsActive() bool {
	return p.isActive.Load()
}

func (p *Pcap) newPcap(_ context.Context) (*pcap.InactiveHandle, error) {
	cfg := *p.config

	inactiveHandle, err := pcap.NewInactiveHandle(cfg.Iface)
	if err != nil {
		gopacketLogger.Printf("could not create: %v\n", err)
		return nil, err
	}

	if err = inactiveHandle.SetSnapLen(cfg.Snaplen); err != nil {
		gopacketLogger.Printf("could not set snap length: %v\n", err)
		return nil, err
	}

	if err = inactiveHandle.SetPromisc(cfg.Promisc); err != nil {
		gopacketLogger.Printf("could not set promisc mode: %v\n", err)
		return nil, err
	}

	if err = inactiveHandle.SetTimeout(100 * time.Millisecond); err != nil {
		gopacketLogger.Printf("could not set timeout: %v\n", err)
		return nil, err
	}

	if cfg.TsType != "" {
		if t, err := pcap.TimestampSourceFromString(cfg.TsType); err != nil {
			gopacketLogger.Printf("Supported timestamp types: %v\n", inactiveHandle.SupportedTimestamps())
			return nil, err
		} else if err := inactiveHandle.SetTimestampSource(t); err != nil {
			gopacketLogger.Printf("Supported timestamp types: %v\n", inactiveHandle.SupportedTimestamps())
			return nil, err
		}
	}

	p.inactiveHandle = inactiveHandle

	return inactiveHandle, nil
}

func (p *Pcap) newWriter(handle *pcap.Handle) (*PcapWriter, error) {
	cfg := p.config
	if cfg.Output == "" {
		return nil, nil
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		location = time.UTC
	}

	return NewPcapWriter(&PcapWriterConfig{
		Output:    cfg.Output,
		Extension: cfg.Extension,
		Location:  location,
		Snaplen:   cfg.Snaplen,
		LinkType:  handle.LinkType(),
		Interval:  time.Duration(cfg.Interval) * time.Second,
	})
}

// Start captures packets until `ctx` is done; it blocks.
func (p *Pcap) Start(ctx context.Context, sink PacketSink) error {
	// atomically activate the packet capture
	if !p.isActive.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}
	defer p.isActive.Store(false)

	inactiveHandle, err := p.newPcap(ctx)
	if err != nil {
		return err
	}
	defer inactiveHandle.CleanUp()

	handle, err := inactiveHandle.Activate()
	if err != nil {
		return fmt.Errorf("failed to activate: %s", err)
	}
	defer handle.Close()
	p.activeHandle = handle

	cfg := *p.config

	ifaceIndex, ifaceName := anyDeviceIndex, anyDeviceName
	if cfg.Device != nil {
		ifaceIndex, ifaceName = cfg.Device.NetInterface.Index, cfg.Device.Name
	}
	loggerPrefix := fmt.Sprintf("[%d/%s]", ifaceIndex, ifaceName)

	// set packet capture filter; i/e: `tcp port 8080`
	if cfg.Filter != "" {
		if err = handle.SetBPFFilter(cfg.Filter); err != nil {
			gopacketLogger.Printf("%s - BPF filter error: [%s] => %+v\n", loggerPrefix, cfg.Filter, err)
			return fmt.Errorf("BPF filter error: %s", err)
		}
		gopacketLogger.Printf("%s - filter: %s\n", loggerPrefix, cfg.Filter)
	}

	writer, err := p.newWriter(handle)
	if err != nil {
		return err
	}
	if writer != nil {
		defer writer.Close()
	}

	gopacketLogger.Printf("%s - starting packet capture\n", loggerPrefix)

	source := gopacket.NewPacketSource(handle, handle.LinkType())
	// https://github.com/google/gopacket/blob/master/packet.go#L660-L680
	source.Lazy = true
	// https://github.com/google/gopacket/blob/master/packet.go#L655-L659
	source.NoCopy = true
	source.SkipDecodeRecovery = false
	source.DecodeStreamsAsDatagrams = true

	stats := consume(ctx, gopacketLogger, loggerPrefix, source, writer, sink,
		cfg.Debug, dispatch.ErrUnsupported, dispatch.ErrFiltered)

	gopacketLogger.Printf("%s - total packets: %d | written: %d | rejected: %d | failed: %d\n",
		loggerPrefix, stats.packets.Load(), stats.written.Load(), stats.rejected.Load(), stats.failed.Load())

	return ctx.Err()
}

func NewPcap(config *PcapConfig) (PcapEngine, error) {
	var isActive atomic.Bool
	isActive.Store(false)

	debug := config.Debug
	if debugEnvVar, err := strconv.ParseBool(os.Getenv("PCAP_DEBUG")); err == nil {
		config.Debug = debug || debugEnvVar
	}

	if config.Snaplen <= 0 {
		config.Snaplen = defaultSnaplen
	}

	pcap := Pcap{config: config, isActive: &isActive}

	if strings.EqualFold(config.Iface, anyDeviceName) {
		config.Device = nil
	} else if config.Device == nil {
		devices, err := FindDevicesByName(&config.Iface)
		if err == nil && len(devices) > 0 {
			config.Device = devices[0]
		}
	}

	return &pcap, nil
}
