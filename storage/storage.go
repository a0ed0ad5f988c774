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

// Package storage persists one application-level value per logical name to disk. Every value
// gets its own file to minimize the blast radius of a corrupted write, and files are only trusted
// after decoding successfully once per run, at which point a backup copy is refreshed.
// Incompatible files are quarantined rather than deleted so critical data can be recovered by
// hand. Save requests are debounced on a background goroutine: bursts of saves collapse into a
// single write carrying the last snapshot.
//
// The read happens synchronously at Init since the data is small and startup-time correctness
// matters more than startup latency. Saves never block the caller on disk I/O; their failures
// arrive asynchronously through the injected report.Recorder. Durability across an ungraceful
// shutdown is best effort only. Callers that need a stronger guarantee call Flush (or Close,
// which flushes) before exiting.
package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/durastore/durastore/clock"
	"github.com/durastore/durastore/codec"
	"github.com/durastore/durastore/config"
	"github.com/durastore/durastore/report"
)

// Store binds one logical name and one in-memory value of type T to durable storage. Exactly one
// Store should exist per name within a base directory; uniqueness is the caller's responsibility.
// A Store is safe for concurrent use once Init has returned.
type Store[T any] struct {
	name        string
	fm          *FileManager
	mutex       sync.Mutex
	value       T
	initialized bool
}

// New creates a Store for the file named name under dir, using the default write delay.
func New[T any](dir, name string, c codec.Codec, r report.Recorder) (*Store[T], error) {
	return NewWithDelay[T](dir, name, c, r, DefaultWriteDelay)
}

// NewWithDelay creates a Store with a custom debounce quiet interval.
func NewWithDelay[T any](dir, name string, c codec.Codec, r report.Recorder, delay time.Duration) (*Store[T], error) {
	return newStore[T](dir, name, c, r, delay, clock.NewRealClock())
}

// NewFromConfig creates a Store using settings from a config.Storage section.
func NewFromConfig[T any](conf *config.Storage, name string, r report.Recorder) (*Store[T], error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	delay := conf.WriteDelay()
	if delay == 0 {
		delay = DefaultWriteDelay
	}
	return NewWithDelay[T](conf.Directory, name, conf.Codec(), r, delay)
}

func newStore[T any](dir, name string, c codec.Codec, r report.Recorder, delay time.Duration, cl clock.Clock) (*Store[T], error) {
	fm, err := newFileManager(dir, name, c, r, delay, cl)
	if err != nil {
		return nil, err
	}
	return &Store[T]{name: name, fm: fm}, nil
}

// Init performs the one-time startup read and must be called exactly once, before any Save. It
// returns the persisted value and true if a well-formed file exists, or def and false otherwise.
// Read-path failures never surface here; they are classified and sent to the Recorder while the
// store proceeds with def (see FileManager.Read). Init panics if called twice.
func (s *Store[T]) Init(def T) (T, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.initialized {
		panic(fmt.Sprintf("storage: Init called twice for %v", s.name))
	}
	s.initialized = true
	var stored T
	if s.fm.Read(&stored) {
		s.value = stored
		return stored, true
	}
	s.value = def
	return def, false
}

// Save records v as the current value and schedules a debounced background write of a snapshot
// taken now. Save returns without waiting for disk I/O; write failures are reported through the
// Recorder. Save panics if called before Init.
func (s *Store[T]) Save(v T) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.initialized {
		panic(fmt.Sprintf("storage: Save called before Init for %v", s.name))
	}
	s.value = v
	return s.fm.SaveLater(v)
}

// Value returns the last value passed to Init or Save.
func (s *Store[T]) Value() T {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.value
}

// Name returns the store's logical name.
func (s *Store[T]) Name() string {
	return s.name
}

// Flush commits any pending write and blocks until it has reached disk.
func (s *Store[T]) Flush() error {
	return s.fm.Flush()
}

// Remove cancels any pending write and deletes the primary file. See FileManager.Remove.
func (s *Store[T]) Remove() error {
	return s.fm.Remove()
}

// Destroy removes the primary file and its backup copy. See FileManager.Destroy.
func (s *Store[T]) Destroy() error {
	return s.fm.Destroy()
}

// Close shuts down the background write goroutine, committing any pending write first.
func (s *Store[T]) Close() error {
	return s.fm.Close()
}
