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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gchux/pcap-sessions/pkg/dispatch"
	"github.com/gchux/pcap-sessions/pkg/pcap"
	"github.com/gchux/pcap-sessions/pkg/persist"
	"github.com/gchux/pcap-sessions/pkg/session"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
)

var (
	engine   = flag.String("eng", "google", "Engine to use for capturing packets: tcpdump or google")
	iface    = flag.String("i", "any", "Interface to read packets from")
	snaplen  = flag.Int("s", 0, "Snap length (number of bytes max to read per packet")
	tsType   = flag.String("ts_type", "", "Type of timestamps to use")
	promisc  = flag.Bool("promisc", true, "Set promiscuous mode")
	filter   = flag.String("filter", "", "Set BPF filter to be used")
	timeout  = flag.Int("timeout", 0, "Set packet capturing total duration in seconds")
	timezone = flag.String("tz", "UTC", "timezone to be used by file name templates")
	debug    = flag.Bool("debug", false, "Log every session event")

	pcapOut  = flag.String("pcap", "", "Where to write raw packets to: directory and strftime template; empty disables it")
	interval = flag.Int("interval", 0, "Set pcap and session files rotation interval in seconds")

	writeTo    = flag.String("w", "stdout", "Where to write sessions to: stdout or a directory")
	format     = flag.String("fmt", "json", "Set the sessions output format: json or proto")
	template   = flag.String("template", "sessions-%Y%m%dT%H%M%S", "strftime template of session file names")
	maxSize    = flag.Int64("max_size", 64<<20, "Size in bytes after which session files are rotated")
	node       = flag.String("node", "", "Name of this capture node, added to every session")
	encoders   = flag.Int("encoders", 4, "Number of goroutines encoding sessions")
	tagWorkers = flag.Int("tag_workers", 25, "Number of goroutines resolving tags")

	workers      = flag.Int("workers", 1, "Number of session workers")
	maxStreams   = flag.Int("max_streams", 1500000, "Max sessions per worker and protocol")
	tcpTimeout   = flag.Duration("tcp_timeout", 480*time.Second, "Idle time after which TCP sessions are saved")
	udpTimeout   = flag.Duration("udp_timeout", 60*time.Second, "Idle time after which UDP sessions are saved")
	icmpTimeout  = flag.Duration("icmp_timeout", 10*time.Second, "Idle time after which ICMP sessions are saved")
	tcpSave      = flag.Duration("tcp_save_timeout", 480*time.Second, "Interval between partial saves of long lived TCP sessions")
	closeGrace   = flag.Duration("close_grace", 5*time.Second, "Time a closing TCP session waits before it is saved")
	tags         = flag.String("tags", "", "Comma separated tags added to every session")
	dontSaveTags = flag.String("dont_save_tags", "", "Comma separated tags that stop saving sessions: tag[:reason]")
	parsers      = flag.String("parsers", "", "Comma separated payload parsers: tls, http")
	maxPayload   = flag.Int("max_payload", 2048, "Bytes of payload kept for parsers")

	hosts     = flag.String("hosts", "", "Comma separated IPv4 addresses or ranges to track")
	ports     = flag.String("ports", "", "Comma separated ports to track")
	protos    = flag.String("protos", "", "Comma separated protocols to track: tcp, udp, icmp")
	tcpFlags  = flag.String("tcp_flags", "", "Comma separated TCP flags to track: syn, ack, fin, rst, psh, urg, ece, cwr")
	flushWait = flag.Duration("flush_timeout", 10*time.Second, "Time allowed to save remaining sessions on exit")
)

var logger = log.New(os.Stderr, "[pcap] - ", log.LstdFlags)

var l4Protos = map[string]dispatch.L4Proto{
	"tcp":  dispatch.L4ProtoTCP,
	"udp":  dispatch.L4ProtoUDP,
	"icmp": dispatch.L4ProtoICMP,
}

func handleError(prefix *string, err error) {
	if errors.Is(err, context.Canceled) {
		logger.Printf("%s cancelled\n", *prefix)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		logger.Printf("%s complete\n", *prefix)
		return
	}

	logger.Printf("%s failed: %v\n", *prefix, err)
}

func splitList(list string) []string {
	var items []string
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func newPcapEngine(engine *string, config *pcap.PcapConfig) (pcap.PcapEngine, error) {
	pcapEngine := *engine

	switch pcapEngine {
	case "google":
		return pcap.NewPcap(config)
	case "tcpdump":
		return pcap.NewTcpdump(config)
	default:
		/* no-go */
	}

	return nil, fmt.Errorf("unavailable: %s", pcapEngine)
}

func provideDontSaveTags() (map[string]int, error) {
	dontSave := make(map[string]int)
	for _, item := range splitList(*dontSaveTags) {
		name, reason, found := strings.Cut(item, ":")
		if !found {
			dontSave[name] = 1
			continue
		}
		code, err := strconv.Atoi(reason)
		if err != nil || code <= 0 {
			return nil, fmt.Errorf("invalid reason for tag %s: %s", name, reason)
		}
		dontSave[name] = code
	}
	return dontSave, nil
}

func providePacketFilters() (*dispatch.PacketFilters, error) {
	filters := dispatch.NewPacketFilters()

	for _, host := range splitList(*hosts) {
		if strings.Contains(host, "/") {
			filters.AddIPv4Ranges(host)
		} else {
			filters.AddIPv4s(host)
		}
	}

	for _, port := range splitList(*ports) {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %s", port)
		}
		filters.AddPorts(uint16(p))
	}

	for _, proto := range splitList(*protos) {
		l4Proto, ok := l4Protos[strings.ToLower(proto)]
		if !ok {
			return nil, fmt.Errorf("invalid protocol: %s", proto)
		}
		filters.AddL4Protos(l4Proto)
	}

	for _, tcpFlag := range splitList(*tcpFlags) {
		filters.AddTCPFlags(dispatch.TCPFlag(tcpFlag))
	}

	return filters, nil
}

func provideWriters() ([]io.Writer, []io.Closer, error) {
	if *writeTo == "stdout" {
		stdout := persist.NewStdoutWriter()
		return []io.Writer{stdout}, []io.Closer{stdout}, nil
	}

	location, err := time.LoadLocation(*timezone)
	if err != nil {
		return nil, nil, err
	}

	writer, err := persist.NewRotatingWriter(&persist.RotatingWriterConfig{
		Directory: *writeTo,
		Template:  *template,
		Extension: *format,
		Location:  location,
		MaxSize:   *maxSize,
		Interval:  time.Duration(*interval) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return []io.Writer{writer}, []io.Closer{writer}, nil
}

func provideSessionConfig() (session.Config, error) {
	dontSave, err := provideDontSaveTags()
	if err != nil {
		return session.Config{}, err
	}

	return session.Config{
		Workers:        *workers,
		MaxStreams:     *maxStreams,
		TCPTimeout:     *tcpTimeout,
		UDPTimeout:     *udpTimeout,
		ICMPTimeout:    *icmpTimeout,
		TCPSaveTimeout: *tcpSave,
		CloseGrace:     *closeGrace,
		DontSaveTags:   dontSave,
		Debug:          *debug,
	}, nil
}

func renderStats(tracker *session.Tracker, dispatcher *dispatch.Dispatcher, persister *persist.Persister) {
	ts := tracker.Stats()
	ds := dispatcher.Stats()
	ps := persister.Stats()

	data := pterm.TableData{
		{"component", "metric", "value"},
		{"dispatch", "dispatched", strconv.FormatUint(ds.Dispatched, 10)},
		{"dispatch", "unsupported", strconv.FormatUint(ds.Unsupported, 10)},
		{"dispatch", "filtered", strconv.FormatUint(ds.Filtered, 10)},
		{"session", "created", strconv.FormatUint(ts.Created, 10)},
		{"session", "saved", strconv.FormatUint(ts.Saved, 10)},
		{"session", "mid-saved", strconv.FormatUint(ts.MidSaved, 10)},
		{"session", "freed", strconv.FormatUint(ts.Freed, 10)},
		{"session", "tag failures", strconv.FormatUint(ts.TagFailures, 10)},
		{"session", "unknown commands", strconv.FormatUint(ts.UnknownCommands, 10)},
		{"persist", "records", strconv.FormatUint(ps.Records, 10)},
		{"persist", "partial", strconv.FormatUint(ps.Partial, 10)},
		{"persist", "tags", strconv.FormatUint(ps.Tags, 10)},
		{"persist", "bytes", strconv.FormatUint(ps.Bytes, 10)},
		{"persist", "encode errors", strconv.FormatUint(ps.EncodeErrors, 10)},
		{"persist", "write errors", strconv.FormatUint(ps.WriteErrors, 10)},
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		logger.Printf("failed to render stats: %v\n", err)
	}
}

func main() {
	flag.Parse()

	if debugEnvVar, err := strconv.ParseBool(os.Getenv("PCAP_DEBUG")); err == nil {
		*debug = *debug || debugEnvVar
	}

	id := fmt.Sprintf("cli/%s", uuid.New())
	if *node == "" {
		*node = id
	}

	exp, _ := regexp.Compile(fmt.Sprintf("^(?:ipvlan-)?%s.*", *iface))
	devs, _ := pcap.FindDevicesByRegex(exp)
	if len(devs) == 0 {
		logger.Fatalf("no devices match: %s\n", *iface)
	}
	if *pcapOut != "" && len(devs) > 1 {
		logger.Printf("%d devices match '%s'; raw packets will not be written\n", len(devs), *iface)
		*pcapOut = ""
	}

	sessionConfig, err := provideSessionConfig()
	if err != nil {
		logger.Fatalf("%v\n", err)
	}

	filters, err := providePacketFilters()
	if err != nil {
		logger.Fatalf("%v\n", err)
	}

	writers, closers, err := provideWriters()
	if err != nil {
		logger.Fatalf("%v\n", err)
	}

	// the pipeline and the workers must outlive packet capture
	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	persister, err := persist.NewPersister(backgroundCtx, &persist.Config{
		Format:      *format,
		Writers:     writers,
		PoolSize:    *encoders,
		TagPoolSize: *tagWorkers,
		Node:        *node,
		Debug:       *debug,
	})
	if err != nil {
		logger.Fatalf("%v\n", err)
	}

	tracker, err := session.NewTracker(sessionConfig, persister)
	if err != nil {
		logger.Fatalf("%v\n", err)
	}

	dispatcher, err := dispatch.NewDispatcher(tracker, &dispatch.Config{
		Tags:       splitList(*tags),
		Parsers:    splitList(*parsers),
		Filters:    filters,
		MaxPayload: *maxPayload,
		Debug:      *debug,
	})
	if err != nil {
		logger.Fatalf("%v\n", err)
	}

	tracker.Start(backgroundCtx)

	ctx := context.Background()
	var cancel context.CancelFunc

	if *timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*timeout)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signals
		cancel()
	}()

	var wg sync.WaitGroup
	for _, dev := range devs {
		wg.Add(1)
		go startPCAP(ctx, &id, dev, dispatcher, &wg)
	}
	wg.Wait()

	// stop intake, let workers handle their backlog, then save what remains
	tracker.CloseIntake()
	tracker.Wait()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), *flushWait)
	defer flushCancel()

	if err := tracker.Exit(flushCtx); err != nil {
		logger.Printf("failed to flush sessions: %v\n", err)
	}
	if err := persister.Close(flushCtx); err != nil {
		logger.Printf("failed to close persister: %v\n", err)
	}
	for _, closer := range closers {
		if err := closer.Close(); err != nil {
			logger.Printf("failed to close writer: %v\n", err)
		}
	}

	renderStats(tracker, dispatcher, persister)
}

func startPCAP(
	ctx context.Context,
	id *string,
	dev *pcap.PcapDevice,
	sink pcap.PacketSink,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	iface := dev.NetInterface.Name

	logger.Printf("device: %+v\n", iface)

	config := &pcap.PcapConfig{
		Promisc:   *promisc,
		Iface:     iface,
		Snaplen:   *snaplen,
		TsType:    *tsType,
		Filter:    *filter,
		Output:    *pcapOut,
		Extension: "pcap",
		Timezone:  *timezone,
		Interval:  *interval,
		Debug:     *debug,
		Device:    dev,
	}

	pcapEngine, err := newPcapEngine(engine, config)
	if err != nil {
		logger.Printf("%s\n", err)
		return
	}

	prefix := fmt.Sprintf("[iface:%s] execution '%s'", iface, *id)
	logger.Printf("%s started", prefix)
	// this is a blocking call
	if err = pcapEngine.Start(ctx, sink); err != nil {
		handleError(&prefix, err)
	}
}
