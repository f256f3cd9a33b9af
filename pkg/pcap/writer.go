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
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/itchyny/timefmt-go"
	"github.com/pkg/errors"
)

var writerLogger = log.New(os.Stderr, "[pcap/writer] - ", log.LstdFlags)

type (
	PcapWriterConfig struct {
		// directory and strftime template, i.e.: `/tmp/capture-%Y%m%dT%H%M%S`
		Output    string
		Extension string
		Location  *time.Location
		Snaplen   int
		LinkType  layers.LinkType
		// time between rotations; 0 disables rotation
		Interval time.Duration
	}

	// PcapWriter writes packets into numbered pcap files and reports where
	// each packet landed so sessions can reference it.
	PcapWriter struct {
		mu sync.Mutex

		directory string
		template  string
		extension string
		location  *time.Location
		snaplen   uint32
		linkType  layers.LinkType
		interval  time.Duration

		file     *os.File
		buffer   *bufio.Writer
		writer   *pcapgo.Writer
		fileNum  uint32
		pos      int64
		openedAt time.Time
	}
)

const (
	pcapFileHeaderLen   = 24
	pcapRecordHeaderLen = 16
)

func NewPcapWriter(cfg *PcapWriterConfig) (*PcapWriter, error) {
	extension := cfg.Extension
	if extension == "" {
		extension = "pcap"
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	snaplen := cfg.Snaplen
	if snaplen <= 0 {
		snaplen = defaultSnaplen
	}
	linkType := cfg.LinkType
	if linkType == 0 {
		linkType = layers.LinkTypeEthernet
	}

	directory := filepath.Dir(cfg.Output)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, errors.Wrapf(err, "pcap directory: %s", directory)
	}

	w := &PcapWriter{
		directory: directory,
		template:  filepath.Base(cfg.Output),
		extension: extension,
		location:  location,
		snaplen:   uint32(snaplen),
		linkType:  linkType,
		interval:  cfg.Interval,
	}

	if err := w.rotate(time.Now()); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *PcapWriter) fileName(ts time.Time, fileNum uint32) string {
	name := timefmt.Format(ts.In(w.location), w.template)
	return filepath.Join(w.directory, fmt.Sprintf("%s.%d.%s", name, fileNum, w.extension))
}

func (w *PcapWriter) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.buffer.Flush()
	if closeErr := w.file.Close(); err == nil {
		err = closeErr
	}
	w.file, w.buffer, w.writer = nil, nil, nil
	return err
}

func (w *PcapWriter) rotate(now time.Time) error {
	if err := w.closeFile(); err != nil {
		writerLogger.Printf("failed to close file #%d: %v\n", w.fileNum, err)
	}

	w.fileNum++
	name := w.fileName(now, w.fileNum)

	file, err := os.Create(name)
	if err != nil {
		return errors.Wrapf(err, "pcap file: %s", name)
	}

	buffer := bufio.NewWriter(file)
	writer := pcapgo.NewWriter(buffer)
	if err := writer.WriteFileHeader(w.snaplen, w.linkType); err != nil {
		file.Close()
		return errors.Wrapf(err, "pcap header: %s", name)
	}

	w.file, w.buffer, w.writer = file, buffer, writer
	w.pos = pcapFileHeaderLen
	w.openedAt = now

	writerLogger.Printf("file #%d: %s\n", w.fileNum, name)
	return nil
}

// WritePacket appends `packet` to the current file and returns the offset
// of its record header along with the file number.
func (w *PcapWriter) WritePacket(packet gopacket.Packet) (int64, uint32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if w.writer == nil || (w.interval > 0 && now.Sub(w.openedAt) >= w.interval) {
		if err := w.rotate(now); err != nil {
			return -1, 0, err
		}
	}

	ci := packet.Metadata().CaptureInfo
	data := packet.Data()
	if ci.CaptureLength != len(data) {
		ci.CaptureLength = len(data)
	}
	if ci.Length < ci.CaptureLength {
		ci.Length = ci.CaptureLength
	}

	pos := w.pos
	if err := w.writer.WritePacket(ci, data); err != nil {
		return -1, 0, errors.Wrapf(err, "file #%d", w.fileNum)
	}
	w.pos += int64(pcapRecordHeaderLen + len(data))

	return pos, w.fileNum, nil
}

func (w *PcapWriter) FileNum() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fileNum
}

func (w *PcapWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}
