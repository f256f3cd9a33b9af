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
	"errors"
	"log"
	"net"
	"regexp"
	"sync/atomic"

	"github.com/google/gopacket"
	gpcap "github.com/google/gopacket/pcap"
)

type (
	PcapConfig struct {
		Promisc bool
		Iface   string
		Snaplen int
		TsType  string
		Filter  string
		// directory and strftime template of the pcap files; empty disables writing
		Output    string
		Extension string
		Timezone  string
		// seconds between pcap file rotations; 0 disables rotation
		Interval int
		Debug    bool
		Device   *PcapDevice
	}

	// PacketSink receives every captured packet along with where it was
	// written; `filePos` is -1 when the packet was not written.
	PacketSink interface {
		Dispatch(ctx context.Context, packet gopacket.Packet, filePos int64, fileNum uint32) error
	}

	PcapEngine interface {
		Start(context.Context, PacketSink) error
		IsActive() bool
	}

	PcapDevice struct {
		NetInterface *net.Interface
		gpcap.Interface
	}

	Pcap struct {
		config         *PcapConfig
		isActive       *atomic.Bool
		activeHandle   *gpcap.Handle
		inactiveHandle *gpcap.InactiveHandle
	}

	Tcpdump struct {
		config   *PcapConfig
		isActive *atomic.Bool
		tcpdump  string
	}

	// captureStats are the totals of a single capture loop.
	captureStats struct {
		packets  atomic.Uint64
		written  atomic.Uint64
		rejected atomic.Uint64
		failed   atomic.Uint64
	}
)

const (
	anyDeviceName  = "any"
	anyDeviceIndex = 0

	defaultSnaplen = 65535
)

var errAlreadyStarted = errors.New("already started")

func findAllDevs(compare func(*string) bool) ([]*PcapDevice, error) {
	devices, err := gpcap.FindAllDevs()
	if err != nil {
		return nil, err
	}

	var devs []*PcapDevice

	for _, device := range devices {
		if compare(&device.Name) {
			iface, err := net.InterfaceByName(device.Name)
			if err != nil {
				continue
			}
			devs = append(devs, &PcapDevice{iface, device})
		}
	}

	return devs, nil
}

func FindDevicesByRegex(exp *regexp.Regexp) ([]*PcapDevice, error) {
	compare := func(deviceName *string) bool {
		return exp.MatchString(*deviceName)
	}
	return findAllDevs(compare)
}

func FindDevicesByName(deviceName *string) ([]*PcapDevice, error) {
	name := *deviceName
	compare := func(deviceName *string) bool {
		return name == *deviceName
	}
	return findAllDevs(compare)
}

// isRejection reports errors that only mean the packet is not tracked.
func isRejection(err error, rejections ...error) bool {
	for _, rejection := range rejections {
		if errors.Is(err, rejection) {
			return true
		}
	}
	return false
}

// consume feeds every packet of `source` into `sink`, writing it first when
// `writer` is set. It returns when `ctx` is done or the source is exhausted.
func consume(
	ctx context.Context,
	logger *log.Logger,
	prefix string,
	source *gopacket.PacketSource,
	writer *PcapWriter,
	sink PacketSink,
	debug bool,
	rejections ...error,
) *captureStats {
	stats := &captureStats{}
	packets := source.Packets()

	for {
		select {
		case <-ctx.Done():
			return stats

		case packet, ok := <-packets:
			if !ok {
				return stats
			}
			serial := stats.packets.Add(1)

			filePos, fileNum := int64(-1), uint32(0)
			if writer != nil {
				var err error
				if filePos, fileNum, err = writer.WritePacket(packet); err != nil {
					logger.Printf("%s - #:%d | failed to write: %v\n", prefix, serial, err)
					filePos = -1
				} else {
					stats.written.Add(1)
				}
			}

			err := sink.Dispatch(ctx, packet, filePos, fileNum)
			if err == nil {
				continue
			}
			if isRejection(err, rejections...) {
				stats.rejected.Add(1)
				if debug {
					logger.Printf("%s - #:%d | %v\n", prefix, serial, err)
				}
				continue
			}
			if ctx.Err() != nil {
				return stats
			}
			stats.failed.Add(1)
			logger.Printf("%s - #:%d | failed to dispatch: %v\n", prefix, serial, err)
		}
	}
}
