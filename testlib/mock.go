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

package testlib

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/durastore/durastore/report"
)

// Type waitForCalls is a base type that provides a doAndWait function.
type waitForCalls struct {
	calls    int32
	waitChan chan bool
}

// DoAndWait executes the given function and then waits until the total number of calls reaches
// the given value.
func (wfc *waitForCalls) DoAndWait(t *testing.T, calls int32, f func()) {
	f()
	for atomic.LoadInt32(&wfc.calls) < calls {
		select {
		case <-wfc.waitChan:
		case <-time.After(5 * time.Second):
			t.Fatal("DoAndWait: nothing happened after 5 seconds")
		}
	}
}

func (wfc *waitForCalls) called() {
	atomic.AddInt32(&wfc.calls, 1)
	wfc.waitChan <- true
}

func (wfc *waitForCalls) Calls() int32 {
	return atomic.LoadInt32(&wfc.calls)
}

func (wfc *waitForCalls) wfcInit() {
	wfc.waitChan = make(chan bool, 100)
}

// MockRecorder is a report.Recorder that captures every recorded event.
type MockRecorder struct {
	waitForCalls
	mu     sync.Mutex
	events []report.Event
}

func (r *MockRecorder) Record(event report.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	r.called()
}

// Events returns a copy of all recorded events.
func (r *MockRecorder) Events() []report.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Event(nil), r.events...)
}

// EventsOf returns the recorded events with the given class.
func (r *MockRecorder) EventsOf(class report.Class) []report.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []report.Event
	for _, e := range r.events {
		if e.Class == class {
			out = append(out, e)
		}
	}
	return out
}

// NewMockRecorder creates a new MockRecorder.
func NewMockRecorder() *MockRecorder {
	r := &MockRecorder{}
	r.wfcInit()
	return r
}
