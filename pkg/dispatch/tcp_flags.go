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
	"strings"

	"github.com/google/gopacket/layers"
)

type TCPFlag string

const tcpFlagNil = uint8(0b00000000)

var (
	tcpFlags = map[string]uint8{
		"FIN": 0b00000001,
		"SYN": 0b00000010,
		"RST": 0b00000100,
		"PSH": 0b00001000,
		"ACK": 0b00010000,
		"URG": 0b00100000,
		"ECE": 0b01000000,
		"CWR": 0b10000000,
	}

	tcpFin = tcpFlags["FIN"]
	tcpSyn = tcpFlags["SYN"]
	tcpRst = tcpFlags["RST"]
	tcpPsh = tcpFlags["PSH"]
	tcpAck = tcpFlags["ACK"]
	tcpUrg = tcpFlags["URG"]
	tcpEce = tcpFlags["ECE"]
	tcpCwr = tcpFlags["CWR"]
)

func (flag TCPFlag) materialize() uint8 {
	if f, ok := tcpFlags[strings.ToUpper(string(flag))]; ok {
		return f
	}
	return tcpFlagNil
}

func parseTCPflags(tcp *layers.TCP) uint8 {
	var setFlags uint8 = 0

	if tcp.SYN {
		setFlags = setFlags | tcpSyn
	}
	if tcp.ACK {
		setFlags = setFlags | tcpAck
	}
	if tcp.PSH {
		setFlags = setFlags | tcpPsh
	}
	if tcp.FIN {
		setFlags = setFlags | tcpFin
	}
	if tcp.RST {
		setFlags = setFlags | tcpRst
	}
	if tcp.URG {
		setFlags = setFlags | tcpUrg
	}
	if tcp.ECE {
		setFlags = setFlags | tcpEce
	}
	if tcp.CWR {
		setFlags = setFlags | tcpCwr
	}

	return setFlags
}

// isConnectionTermination is true for FIN or RST segments.
func isConnectionTermination(tcpFlags uint8) bool {
	return tcpFlags&(tcpFin|tcpRst) != 0
}
