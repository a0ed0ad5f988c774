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

package clock

import "time"

// Clock is a simple interface that returns a "current" timestamp and creates timers. This will
// generally reflect the system clock, but the Clock interface can be mocked during testing to make
// testing time-sensitive components deterministic.
type Clock interface {
	// Now returns the current time, as defined by this Clock.
	Now() time.Time

	// NewTimer creates a new Timer that fires after the given duration has elapsed.
	NewTimer(d time.Duration) Timer

	// NewTimerAt creates a new Timer that fires once the Clock's time reaches the given point.
	// Components that compute a deadline from a known base time should prefer NewTimerAt over
	// NewTimer; see testlib.MockClock for the race this avoids in tests.
	NewTimerAt(at time.Time) Timer
}

// Timer mimics a time.Timer, providing a channel that delivers a signal after a certain amount of
// time has elapsed.
type Timer interface {

	// GetC returns this Timer's signal channel. For real clocks, this simply returns a time.Timer.C.
	GetC() <-chan time.Time

	// Stop stops the timer. Like time.Timer.Stop(), it returns true if the call stops the timer,
	// false if the timer has already expired or been stopped. See documentation for time.Timer.Stop()
	// for more information about this method's behavior.
	Stop() bool
}

// NewRealClock creates a new Clock instance that returns the current time.
func NewRealClock() Clock {
	return &realClock{}
}

type realClock struct{}

func (rc *realClock) Now() time.Time {
	return time.Now()
}

func (rc *realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (rc *realClock) NewTimerAt(at time.Time) Timer {
	return &realTimer{t: time.NewTimer(time.Until(at))}
}

type realTimer struct {
	t *time.Timer
}

func (t *realTimer) GetC() <-chan time.Time {
	return t.t.C
}

func (t *realTimer) Stop() bool {
	return t.t.Stop()
}
