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

package persist

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/easyCZ/logrotate"
	"github.com/itchyny/timefmt-go"
	"github.com/pkg/errors"
)

type (
	RotatingWriterConfig struct {
		Directory string
		// strftime pattern, i.e.: `sessions-%Y%m%dT%H%M%S`
		Template string
		// extension appended to every file name, i.e.: `json`
		Extension string
		Location  *time.Location
		MaxSize   int64
		Interval  time.Duration
	}

	// nopCloser keeps process streams open when writers are closed.
	nopCloser struct {
		io.Writer
	}
)

const (
	defaultTemplate = "sessions-%Y%m%dT%H%M%S"
	defaultMaxSize  = 64 << 20
)

func (nopCloser) Close() error { return nil }

func NewStdoutWriter() io.WriteCloser {
	return nopCloser{os.Stdout}
}

// NewRotatingWriter returns a writer that moves to a new file in `Directory`
// whenever the current one grows past `MaxSize` or gets older than `Interval`.
func NewRotatingWriter(cfg *RotatingWriterConfig) (io.WriteCloser, error) {
	template := cfg.Template
	if template == "" {
		template = defaultTemplate
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}

	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, errors.Wrapf(err, "output directory: %s", cfg.Directory)
	}

	fileName := func() string {
		name := timefmt.Format(time.Now().In(location), template)
		if cfg.Extension == "" {
			return name
		}
		return fmt.Sprintf("%s.%s", name, cfg.Extension)
	}

	logger := log.New(os.Stderr, fmt.Sprintf("[persist/%s] - ", cfg.Directory), log.LstdFlags)

	writer, err := logrotate.New(logger, logrotate.Options{
		Directory:            cfg.Directory,
		MaximumFileSize:      maxSize,
		MaximumLifetime:      cfg.Interval,
		FlushAfterEveryWrite: true,
		FileNameFunc:         fileName,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rotating writer")
	}
	return writer, nil
}
