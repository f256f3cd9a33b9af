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

// lifecycle:
//
//	Active ──MarkForClose──► Closing ──┐
//	  │  ▲                             ├─save─► (outstanding > 0) PendingFree ──DecrementOutstanding──► Freed
//	  │  └──PartialSave (TCP)          └─save─► (outstanding == 0) ────────────────────────────────────► Freed
//	  └──save (idle/size eviction, flush)
//
// `finish` is the only transition into Freed.

// save is the terminal save: the session leaves the index and every queue,
// then it is persisted and freed, unless enrichment is still outstanding.
func (w *Worker) save(s *Session) {
	if s.state == StatePendingFree || s.state == StateFreed {
		return
	}

	w.sessions[s.class].Del(s.id.key())

	if s.state == StateClosing {
		w.closing.remove(&s.queueKey)
	} else {
		w.active[s.class].remove(&s.queueKey)
	}

	w.tracker.releaseSegments(s)

	for _, ext := range s.extensions {
		ext.Save(s, true)
	}
	w.tracker.preSave(s, true)

	w.tcp.remove(&s.tcpKey)

	if s.outstanding > 0 {
		s.state = StatePendingFree
		w.pendingFree.Add(1)
		w.tracker.log(s, "pending")
		return
	}

	w.finish(s)
}

func (w *Worker) finish(s *Session) {
	if s.state == StatePendingFree {
		w.pendingFree.Add(-1)
	}
	// set ahead of persisting: tags added while saving must not re-enter `finish`
	s.state = StateFreed

	w.tracker.persister.SaveSession(s, true)
	w.tracker.stats.saved.Add(1)
	w.tracker.log(s, "saved")

	w.free(s)
}

// free drops what the session still holds; `save` already unlinked it.
func (w *Worker) free(s *Session) {
	s.FilePos = nil
	s.FileLen = nil
	s.FileNum = nil
	s.RootID = ""

	for _, ext := range s.extensions {
		ext.Free(s)
	}
	s.extensions = nil
	s.pluginData = nil
	s.fields = nil

	w.tracker.stats.freed.Add(1)
}

// PartialSave persists a long lived TCP session without tearing it down:
// interval counters and file positions start over and the next partial
// save is scheduled `TCPSaveTimeout` after `now`.
func (w *Worker) PartialSave(s *Session, now int64) {
	for _, ext := range s.extensions {
		ext.Save(s, false)
	}
	w.tracker.preSave(s, false)

	if s.RootID == "" {
		s.RootID = RootSentinel
	}

	w.tracker.persister.SaveSession(s, false)
	w.tracker.stats.midSaved.Add(1)

	s.resetInterval()

	if s.tcpKey != 0 {
		w.tcp.moveTail(s, &s.tcpKey)
	}
	s.saveTime = now + w.tracker.tcpSaveSecs
}

// DecrementOutstanding releases one unit of outstanding enrichment; when it
// was the last one of a session waiting to be freed, the session is saved
// and freed. It returns false if the session no longer exists.
// Must run on the owning worker.
func (w *Worker) DecrementOutstanding(s *Session) bool {
	s.outstanding--
	if s.state == StatePendingFree && s.outstanding <= 0 {
		w.finish(s)
		return false
	}
	return s.state != StateFreed
}
