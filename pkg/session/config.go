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
	"time"

	"dario.cat/mergo"
)

type Config struct {
	// number of workers; each owns the sessions whose `hash % Workers` is its index
	Workers int
	// max depth of each active queue (per worker, per class)
	MaxStreams int

	TCPTimeout  time.Duration
	UDPTimeout  time.Duration
	ICMPTimeout time.Duration

	// interval between partial saves of long lived TCP sessions
	TCPSaveTimeout time.Duration
	// time a closing session waits after its last packet before it is saved
	CloseGrace time.Duration
	// interval between eviction scans
	TickInterval time.Duration

	// capacity of the per-session attribute map
	MaxFields  int
	NumParsers int
	NumPlugins int

	// tags that stop bulk saving of a session, mapped to their reason code
	DontSaveTags map[string]int

	Debug bool
}

func DefaultConfig() Config {
	return Config{
		Workers:        1,
		MaxStreams:     1500000,
		TCPTimeout:     480 * time.Second,
		UDPTimeout:     60 * time.Second,
		ICMPTimeout:    10 * time.Second,
		TCPSaveTimeout: 480 * time.Second,
		CloseGrace:     5 * time.Second,
		TickInterval:   1 * time.Second,
		MaxFields:      64,
		NumParsers:     4,
	}
}

// withDefaults fills every zero value of `cfg` from `DefaultConfig`.
func withDefaults(cfg *Config) (*Config, error) {
	merged := *cfg
	if err := mergo.Merge(&merged, DefaultConfig()); err != nil {
		return nil, err
	}
	return &merged, nil
}

func (cfg *Config) timeout(class Class) int64 {
	var timeout time.Duration
	switch class {
	case ClassTCP:
		timeout = cfg.TCPTimeout
	case ClassUDP:
		timeout = cfg.UDPTimeout
	case ClassICMP:
		timeout = cfg.ICMPTimeout
	}
	return int64(timeout / time.Second)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
