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

import "github.com/golang/glog"

type logRecorder struct{}

// NewLogRecorder returns a Recorder that writes events to the process log. Schema
// incompatibilities are warnings since the store recovers by starting fresh; read and flush
// failures are errors.
func NewLogRecorder() Recorder {
	return &logRecorder{}
}

func (*logRecorder) Record(event Event) {
	switch event.Class {
	case SchemaIncompatible:
		glog.Warningf("storage %v [%v]: persisted version incompatible, starting fresh: %+v", event.Name, event.Id, event.Err)
	case ReadFailure, BackupFailure, FlushFailure:
		glog.Errorf("storage %v [%v]: %v: %+v", event.Name, event.Id, event.Class, event.Err)
	case Flushed:
		glog.V(2).Infof("storage %v: flushed", event.Name)
	}
}
