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
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gchux/pcap-sessions/pkg/dispatch"
	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"
	ps "github.com/mitchellh/go-ps"
)

var tcpdumpLogger = log.New(os.Stderr, "[tcpdump] - ", log.LstdFlags)

func (t *Tcpdump) IsActive() bool {
	return t.isActive.Load()
}

// buildArgs streams raw packets into stdout; pcap files are written by
// `PcapWriter` so every packet position is known.
func (t *Tcpdump) buildArgs() []string {
	cfg := t.config

	iface := cfg.Iface
	if iface == "" {
		iface = anyDeviceName
	}

	args := []string{"-n", "-U", "-Z", "root", "-i", iface, "-s", fmt.Sprintf("%d", cfg.Snaplen), "-w", "-"}

	if cfg.TsType != "" {
		args = append(args, "-j", cfg.TsType)
	}

	if !cfg.Promisc {
		args = append(args, "-p")
	}

	if cfg.Filter != "" {
		args = append(args, cfg.Filter)
	}

	return args
}

func (t *Tcpdump) kill(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}

func (t *Tcpdump) findAndKill(pid int) (int, int, error) {
	processes, err := ps.Processes()
	if err != nil {
		return 0, 0, err
	}

	killCounter := 0
	procsCounter := 0
	for _, p := range processes {
		procId := p.Pid()
		execName := p.Executable()
		if execName == "tcpdump" && procId == pid {
			tcpdumpLogger.Printf("killing %s(%d)\n", execName, procId)
			if err := t.kill(procId); err == nil {
				killCounter++
			}
			procsCounter++
		}
	}
	return killCounter, procsCounter, nil
}

func (t *Tcpdump) newWriter(reader *pcapgo.Reader) (*PcapWriter, error) {
	cfg := t.config
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
		Snaplen:   int(reader.Snaplen()),
		LinkType:  reader.LinkType(),
		Interval:  time.Duration(cfg.Interval) * time.Second,
	})
}

func (t *Tcpdump) Start(ctx context.Context, sink PacketSink) error {
	// atomically activate the packet capture
	if !t.isActive.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}
	defer t.isActive.Store(false)

	args := t.buildArgs()

	cmd := exec.CommandContext(ctx, t.tcpdump, args...)

	// prevent child process from hijacking signals
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, Pgid: 0,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = os.Stderr

	cmdLine := strings.Join(cmd.Args[:], " ")
	if err := cmd.Start(); err != nil {
		tcpdumpLogger.Printf("'%+v' - error: %+v\n", cmdLine, err)
		return err
	}

	pid := cmd.Process.Pid
	tcpdumpLogger.Printf("EXEC(%d): %v\n", pid, cmdLine)

	loggerPrefix := fmt.Sprintf("[%d/%s]", pid, t.config.Iface)

	var stats *captureStats
	reader, readErr := pcapgo.NewReader(stdout)
	if readErr == nil {
		writer, err := t.newWriter(reader)
		if err != nil {
			readErr = err
		} else {
			if writer != nil {
				defer writer.Close()
			}
			source := gopacket.NewPacketSource(reader, reader.LinkType())
			source.Lazy = true
			source.DecodeStreamsAsDatagrams = true

			stats = consume(ctx, tcpdumpLogger, loggerPrefix, source, writer, sink,
				t.config.Debug, dispatch.ErrUnsupported, dispatch.ErrFiltered)
		}
	}
	if readErr != nil {
		tcpdumpLogger.Printf("%s - failed to read packets: %v\n", loggerPrefix, readErr)
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		tcpdumpLogger.Printf("[pid:%d] - %+v' - error: %+v\n", pid, cmdLine, err)
		_ = cmd.Process.Kill()
	} else {
		defer time.AfterFunc(1*time.Second, func() {
			_ = cmd.Process.Kill()
		}).Stop()
	}

	// make sure previous execution does not survive
	killedProcs, numProcs, killErr := t.findAndKill(pid)
	tcpdumpLogger.Printf("STOP [tcpdump(%d)] <%d/%d>: %+v\n", pid, killedProcs, numProcs, cmdLine)
	_ = cmd.Wait()

	if stats != nil {
		tcpdumpLogger.Printf("%s - total packets: %d | written: %d | rejected: %d | failed: %d\n",
			loggerPrefix, stats.packets.Load(), stats.written.Load(), stats.rejected.Load(), stats.failed.Load())
	}

	return errors.Join(ctx.Err(), readErr, killErr)
}

func NewTcpdump(config *PcapConfig) (PcapEngine, error) {
	tcpdumpBin, err := exec.LookPath("tcpdump")
	if err != nil {
		return nil, fmt.Errorf("tcpdump is unavailable")
	}

	if config.Snaplen <= 0 {
		config.Snaplen = defaultSnaplen
	}

	var isActive atomic.Bool
	isActive.Store(false)

	tcpdump := Tcpdump{config: config, tcpdump: tcpdumpBin, isActive: &isActive}
	return &tcpdump, nil
}
