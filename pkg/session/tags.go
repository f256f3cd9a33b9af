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

import "errors"

var errUnresolvedTag = errors.New("tag could not be resolved")

// AddTag attaches `name` to the `tags` field of `s`.
func (t *Tracker) AddTag(s *Session, name string) {
	t.AddTagType(s, t.tagsField, name)
}

// AddTagType attaches `name` to the int field `field` of `s`. The tag id is
// resolved by the persister; the session cannot be freed until the
// resolution completes. Must be called on the owning worker.
func (t *Tracker) AddTagType(s *Session, field FieldID, name string) {
	if s.StopSaving == 0 && len(t.cfg.DontSaveTags) > 0 {
		if reason, ok := t.cfg.DontSaveTags[name]; ok {
			s.StopSaving = reason
		}
	}

	s.outstanding++
	w := s.worker

	t.persister.ResolveTag(s, field, name, func(tag uint32, async bool, err error) {
		if err == nil && tag == 0 {
			err = errUnresolvedTag
		}

		switch {
		case err != nil:
			t.stats.tagFailures.Add(1)
			sessionLogger.Printf("%s ERROR - not adding tag %s type %d: %v\n", w.loggerPrefix, name, field, err)
			if async {
				w.enqueue(&Command{Session: s, Kind: CmdFunc, Func: w.decrementOutstandingFn})
			} else {
				w.DecrementOutstanding(s)
			}

		case async:
			// the completion may be running on any goroutine
			w.enqueue(&Command{Session: s, Kind: CmdAddTag, TagType: field, Tag: tag})

		default:
			w.applyTag(s, field, tag)
		}
	})
}

func (w *Worker) applyTag(s *Session, field FieldID, tag uint32) {
	if s.state != StateFreed {
		s.IntAdd(field, tag)
	}
	w.DecrementOutstanding(s)
}

func (w *Worker) decrementOutstandingFn(s *Session, _, _ any) {
	w.DecrementOutstanding(s)
}

// HasTag reports whether `name` is already attached to `s`; tags still
// being resolved are not visible.
func (t *Tracker) HasTag(s *Session, name string) bool {
	tag, ok := t.persister.PeekTag(name)
	if !ok || tag == 0 {
		return false
	}
	return s.HasInt(t.tagsField, tag)
}

func (t *Tracker) AddProtocol(s *Session, protocol string) {
	s.StringAdd(t.protocolField, protocol)
}

func (t *Tracker) HasProtocol(s *Session, protocol string) bool {
	return s.HasString(t.protocolField, protocol)
}

// AddCommand runs `fn` on the owning worker of `s`; safe from any goroutine.
func (t *Tracker) AddCommand(s *Session, fn CommandFunc, arg1, arg2 any) {
	s.worker.enqueue(&Command{Session: s, Kind: CmdFunc, Func: fn, Arg1: arg1, Arg2: arg2})
}
