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

package storage

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/durastore/durastore/clock"
	"github.com/durastore/durastore/codec"
	"github.com/durastore/durastore/report"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

const (
	fileMode      = 0644 // Mode bits used when creating files
	directoryMode = 0755 // Mode bits used when creating directories

	backupDirName  = "backup"
	corruptDirName = "corrupted"
)

// DefaultWriteDelay is the quiet interval used by FileManagers created without an explicit delay.
// A save request is committed to disk once no further save request arrives for this long.
const DefaultWriteDelay = 500 * time.Millisecond

type saveMsg struct {
	data   []byte
	at     time.Time
	result chan error
}

// FileManager is the sole owner of one value's physical file, its backup copy, and its write
// scheduling. Writes are debounced: each SaveLater replaces any pending snapshot and restarts the
// quiet-interval timer, so a burst of save requests results in exactly one physical write carrying
// the last snapshot. All writes happen on a single background goroutine and use an atomic replace,
// so a reader never observes a half-written file.
//
// A FileManager's file and backup are exclusively owned by that instance. Creating two
// FileManagers for the same path is a caller error with undefined behavior.
type FileManager struct {
	name       string
	dir        string
	path       string
	delay      time.Duration
	codec      codec.Codec
	recorder   report.Recorder
	clock      clock.Clock
	save       chan saveMsg
	flush      chan chan error
	remove     chan chan error
	closed     bool
	closeMutex sync.RWMutex
	wait       sync.WaitGroup
}

// NewFileManager creates a FileManager for the file named name under dir, and starts its write
// goroutine. The directory is created if it does not exist.
func NewFileManager(dir, name string, c codec.Codec, r report.Recorder, delay time.Duration) (*FileManager, error) {
	return newFileManager(dir, name, c, r, delay, clock.NewRealClock())
}

func newFileManager(dir, name string, c codec.Codec, r report.Recorder, delay time.Duration, cl clock.Clock) (*FileManager, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if delay <= 0 {
		return nil, fmt.Errorf("storage: write delay must be positive, got %v", delay)
	}
	if err := os.MkdirAll(dir, directoryMode); err != nil {
		return nil, fmt.Errorf("storage: could not create directory %v: %v", dir, err)
	}
	fm := &FileManager{
		name:     name,
		dir:      dir,
		path:     path.Join(dir, name),
		delay:    delay,
		codec:    c,
		recorder: r,
		clock:    cl,
		save:     make(chan saveMsg),
		flush:    make(chan chan error),
		remove:   make(chan chan error),
	}
	fm.wait.Add(1)
	go fm.run()
	return fm, nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("storage: name must not be empty")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("storage: invalid name: %v", name)
	}
	// The backup and quarantine subdirectories live in the same base directory as the values.
	if name == backupDirName || name == corruptDirName {
		return fmt.Errorf("storage: name %v is reserved", name)
	}
	return nil
}

// Name returns the logical name this FileManager persists.
func (fm *FileManager) Name() string {
	return fm.name
}

// Path returns the location of the primary file.
func (fm *FileManager) Path() string {
	return fm.path
}

// BackupPath returns the location of the verified-good backup copy.
func (fm *FileManager) BackupPath() string {
	return path.Join(fm.dir, backupDirName, fm.name)
}

// Read attempts to load and decode the primary file into obj, returning true if obj was
// populated. A file is never trusted until it has decoded successfully once in this run; on
// success the backup copy is refreshed from the just-verified data. On a version or schema
// incompatibility the file is moved into quarantine (a rescue copy is kept, never silently
// deleted) and the value is treated as absent. A missing file is a normal first run. Any other
// read failure leaves the file untouched, since the cause may be transient.
//
// All failures are classified and sent to the Recorder rather than returned; Read is part of
// startup and must not abort it.
//
// Read performs disk I/O on the calling goroutine and must be called before the first SaveLater.
func (fm *FileManager) Read(obj any) bool {
	data, err := os.ReadFile(fm.path)
	if err != nil {
		if os.IsNotExist(err) {
			glog.V(2).Infof("FileManager %v: no stored file, first run", fm.name)
			return false
		}
		fm.record(report.ReadFailure, err)
		return false
	}
	if err := fm.codec.Decode(data, obj); err != nil {
		if codec.IsIncompatible(err) {
			if qerr := fm.quarantine(); qerr != nil {
				fm.record(report.ReadFailure, qerr)
			} else {
				fm.record(report.SchemaIncompatible, err)
			}
		} else {
			fm.record(report.ReadFailure, err)
		}
		return false
	}
	if err := fm.refreshBackup(data); err != nil {
		fm.record(report.BackupFailure, err)
	}
	return true
}

// SaveLater encodes a snapshot of obj and schedules it for writing once the quiet interval
// elapses with no further save request. The snapshot replaces any previously pending one.
// SaveLater returns once the snapshot has been handed to the write goroutine; it never blocks on
// disk I/O. An encoding failure is returned synchronously; write failures are reported
// asynchronously through the Recorder.
func (fm *FileManager) SaveLater(obj any) error {
	data, err := fm.codec.Encode(obj)
	if err != nil {
		return err
	}
	fm.closeMutex.RLock()
	defer fm.closeMutex.RUnlock()
	if fm.closed {
		return errors.New("storage: SaveLater called on closed FileManager")
	}
	msg := saveMsg{
		data:   data,
		at:     fm.clock.Now(),
		result: make(chan error, 1),
	}
	fm.save <- msg
	return <-msg.result
}

// Flush immediately commits any pending snapshot and blocks until it has reached disk. Flush
// returns nil when nothing is pending.
func (fm *FileManager) Flush() error {
	fm.closeMutex.RLock()
	defer fm.closeMutex.RUnlock()
	if fm.closed {
		return errors.New("storage: Flush called on closed FileManager")
	}
	done := make(chan error, 1)
	fm.flush <- done
	return <-done
}

// Remove cancels any pending snapshot and deletes the primary file. No backup is taken; Remove is
// for data that has become permanently irrelevant. Removing an absent file is not an error. The
// backup and any quarantined copies are unaffected.
func (fm *FileManager) Remove() error {
	fm.closeMutex.RLock()
	defer fm.closeMutex.RUnlock()
	if fm.closed {
		return errors.New("storage: Remove called on closed FileManager")
	}
	done := make(chan error, 1)
	fm.remove <- done
	return <-done
}

// Destroy removes the primary file, its pending snapshot, and its backup copy. Quarantined rescue
// copies are kept for manual recovery.
func (fm *FileManager) Destroy() error {
	var merr *multierror.Error
	if err := fm.Remove(); err != nil {
		merr = multierror.Append(merr, err)
	}
	if err := os.Remove(fm.BackupPath()); err != nil && !os.IsNotExist(err) {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// Close instructs the write goroutine to shut down, committing any pending snapshot first, and
// blocks until it has finished. After Close, all other operations fail.
func (fm *FileManager) Close() error {
	fm.closeMutex.Lock()
	if !fm.closed {
		close(fm.save)
		fm.closed = true
	}
	fm.closeMutex.Unlock()
	fm.wait.Wait()
	return nil
}

func (fm *FileManager) run() {
	var pending []byte
	var deadline time.Time
	running := true
	for running {
		var timer clock.Timer
		var timerC <-chan time.Time
		if pending != nil {
			timer = fm.clock.NewTimerAt(deadline)
			timerC = timer.GetC()
		}
		select {
		case msg, ok := <-fm.save:
			if ok {
				// Last writer wins: the new snapshot replaces the pending one and the
				// quiet interval restarts from the request time.
				pending = msg.data
				deadline = msg.at.Add(fm.delay)
				msg.result <- nil
			} else {
				// Closing. Commit the pending snapshot so a graceful shutdown loses
				// nothing.
				if pending != nil {
					fm.commit(pending)
					pending = nil
				}
				running = false
			}
		case done := <-fm.flush:
			var err error
			if pending != nil {
				err = fm.commit(pending)
				pending = nil
			}
			done <- err
		case done := <-fm.remove:
			// Drop the pending snapshot first so a stale debounced write can't resurrect
			// the file after deletion.
			pending = nil
			done <- fm.removeFile()
		case <-timerC:
			fm.commit(pending)
			pending = nil
		}
		if timer != nil {
			timer.Stop()
		}
	}
	fm.wait.Done()
}

// commit writes data to the primary file. Failures are recorded but never stop the write
// goroutine; the next save request supplies fresh data.
func (fm *FileManager) commit(data []byte) error {
	glog.V(2).Infof("FileManager %v: committing %v bytes", fm.name, len(data))
	if err := fm.writeAtomic(data); err != nil {
		fm.record(report.FlushFailure, err)
		return err
	}
	fm.record(report.Flushed, nil)
	return nil
}

// writeAtomic writes data to a temporary file in the same directory and renames it into place, so
// a concurrent reader sees either the previous complete file or the new complete file.
func (fm *FileManager) writeAtomic(data []byte) error {
	if err := os.MkdirAll(fm.dir, directoryMode); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fm.dir, fm.name+"-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fm.path)
}

// refreshBackup stores the just-verified encoded data as the backup copy for this name.
func (fm *FileManager) refreshBackup(data []byte) error {
	dir := path.Join(fm.dir, backupDirName)
	if err := os.MkdirAll(dir, directoryMode); err != nil {
		return err
	}
	return os.WriteFile(path.Join(dir, fm.name), data, fileMode)
}

// quarantine moves the primary file aside into the corrupted directory. Each rescue copy gets a
// distinct name, so a repeated incompatibility never destroys an earlier copy.
func (fm *FileManager) quarantine() error {
	dir := path.Join(fm.dir, corruptDirName)
	if err := os.MkdirAll(dir, directoryMode); err != nil {
		return err
	}
	rescue := fmt.Sprintf("%s-%s-%s", fm.name, fm.clock.Now().UTC().Format("20060102T150405"), uuid.New().String()[:8])
	return os.Rename(fm.path, path.Join(dir, rescue))
}

func (fm *FileManager) removeFile() error {
	if err := os.Remove(fm.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (fm *FileManager) record(class report.Class, err error) {
	fm.recorder.Record(report.NewEvent(fm.name, class, err, fm.clock.Now()))
}
