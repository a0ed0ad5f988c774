// Copyright 2024 The Durastore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package report

import (
	"time"

	"github.com/google/uuid"
)

// A Recorder receives classified storage events. The storage package calls Record for every
// read-path recovery (schema incompatibility, I/O failure) and for every background flush result;
// the host application decides how to surface them (log, UI, metric).
//
// Read-path events are recorded synchronously during Store.Init. Flush events arrive from the
// background write worker, after the save call that triggered them has already returned, so
// implementations must be safe for concurrent use.
type Recorder interface {
	Record(event Event)
}

// Class identifies the kind of condition an Event describes.
type Class int

const (
	// SchemaIncompatible means a stored file exists but cannot be decoded under the current
	// format version. The file has been moved to quarantine and the value treated as absent.
	SchemaIncompatible Class = iota

	// ReadFailure means the stored file could not be read or parsed for a reason other than a
	// version mismatch. The file is left untouched and the value treated as absent for this run.
	ReadFailure

	// BackupFailure means a verified-good file could not be copied to the backup directory.
	// The primary file and the returned value are unaffected.
	BackupFailure

	// FlushFailure means a background write did not reach disk. The write worker stays alive
	// and the next save request will retry with fresh data.
	FlushFailure

	// Flushed means a background write committed successfully.
	Flushed
)

func (c Class) String() string {
	switch c {
	case SchemaIncompatible:
		return "schema-incompatible"
	case ReadFailure:
		return "read-failure"
	case BackupFailure:
		return "backup-failure"
	case FlushFailure:
		return "flush-failure"
	case Flushed:
		return "flushed"
	}
	return "unknown"
}

// An Event is a single classified condition for one named value.
type Event struct {
	// Id uniquely identifies this event.
	Id string

	// Name is the logical name of the value the event concerns.
	Name string

	// Class is the event classification.
	Class Class

	// Err is the underlying error, or nil for Flushed events.
	Err error

	// Time is when the event occurred.
	Time time.Time
}

// NewEvent creates an Event with a fresh unique id.
func NewEvent(name string, class Class, err error, at time.Time) Event {
	return Event{
		Id:    uuid.New().String(),
		Name:  name,
		Class: class,
		Err:   err,
		Time:  at,
	}
}

type noopRecorder struct{}

// NewNoopRecorder returns a Recorder that does nothing.
func NewNoopRecorder() Recorder {
	return &noopRecorder{}
}

func (*noopRecorder) Record(Event) {}
