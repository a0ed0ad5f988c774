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
	"fmt"
	"os"
	"path"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/durastore/durastore/codec"
	"github.com/durastore/durastore/report"
	"github.com/durastore/durastore/testlib"
)

type prefs struct {
	Theme string `json:"theme"`
	Size  int    `json:"size"`
}

const testDelay = 500 * time.Millisecond

func newTestManager(t *testing.T, dir string) (*FileManager, testlib.MockClock, *testlib.MockRecorder) {
	t.Helper()
	mc := testlib.NewMockClock()
	mc.SetNow(time.Unix(0, 0))
	rec := testlib.NewMockRecorder()
	fm, err := newFileManager(dir, "Prefs", codec.NewJSON(), rec, testDelay, mc)
	if err != nil {
		t.Fatalf("unexpected error creating FileManager: %+v", err)
	}
	return fm, mc, rec
}

func decodePrefs(t *testing.T, file string) prefs {
	t.Helper()
	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("unexpected error reading %v: %+v", file, err)
	}
	var p prefs
	if err := codec.NewJSON().Decode(data, &p); err != nil {
		t.Fatalf("unexpected error decoding %v: %+v", file, err)
	}
	return p
}

func TestFileManager_DebounceCoalescing(t *testing.T) {
	fm, mc, rec := newTestManager(t, t.TempDir())
	defer fm.Close()

	if err := fm.SaveLater(prefs{Theme: "light", Size: 1}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	// A second save inside the quiet interval replaces the pending snapshot and restarts the
	// timer; it must not produce a second write.
	mc.SetNow(time.Unix(0, int64(300*time.Millisecond)))
	if err := fm.SaveLater(prefs{Theme: "dark", Size: 2}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	rec.DoAndWait(t, 1, func() {
		mc.SetNow(time.Unix(1, 0))
	})

	if got := rec.EventsOf(report.Flushed); len(got) != 1 {
		t.Fatalf("expected exactly 1 flush, got %v: %+v", len(got), got)
	}
	if got, want := decodePrefs(t, fm.Path()), (prefs{Theme: "dark", Size: 2}); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected the last snapshot %+v on disk, got %+v", want, got)
	}
}

func TestFileManager_WriteStarvationUnderChurn(t *testing.T) {
	fm, mc, rec := newTestManager(t, t.TempDir())
	defer fm.Close()

	// Save requests spaced closer than the quiet interval never flush until they stop.
	step := 300 * time.Millisecond
	for i := 0; i < 5; i++ {
		mc.SetNow(time.Unix(0, 0).Add(time.Duration(i) * step))
		if err := fm.SaveLater(prefs{Theme: "churn", Size: i}); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
	}
	if calls := rec.Calls(); calls != 0 {
		t.Fatalf("expected zero flushes under continuous churn, got %v events: %+v", calls, rec.Events())
	}
	if _, err := os.Stat(fm.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected no file under continuous churn, stat returned: %+v", err)
	}

	// Once the churn stops, the last snapshot is committed.
	rec.DoAndWait(t, 1, func() {
		mc.SetNow(time.Unix(10, 0))
	})
	if got := rec.EventsOf(report.Flushed); len(got) != 1 {
		t.Fatalf("expected exactly 1 flush, got %v", len(got))
	}
	if got, want := decodePrefs(t, fm.Path()), (prefs{Theme: "churn", Size: 4}); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected the last snapshot %+v on disk, got %+v", want, got)
	}
}

func TestFileManager_RemoveCancelsPending(t *testing.T) {
	fm, mc, rec := newTestManager(t, t.TempDir())
	defer fm.Close()

	if err := fm.SaveLater(prefs{Theme: "doomed"}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm.Remove(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	// Even well past the quiet interval, the cancelled snapshot must not resurrect the file.
	mc.SetNow(time.Unix(10, 0))
	if err := fm.Flush(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if _, err := os.Stat(fm.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected no file after remove, stat returned: %+v", err)
	}
	if calls := rec.Calls(); calls != 0 {
		t.Fatalf("expected no events after remove, got: %+v", rec.Events())
	}
}

func TestFileManager_RemoveAbsentFile(t *testing.T) {
	fm, _, _ := newTestManager(t, t.TempDir())
	defer fm.Close()

	if err := fm.Remove(); err != nil {
		t.Fatalf("removing an absent file should not be an error, got: %+v", err)
	}
}

func TestFileManager_FlushCommitsImmediately(t *testing.T) {
	fm, _, rec := newTestManager(t, t.TempDir())
	defer fm.Close()

	if err := fm.SaveLater(prefs{Theme: "now"}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm.Flush(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if got, want := decodePrefs(t, fm.Path()), (prefs{Theme: "now"}); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v on disk, got %+v", want, got)
	}
	if got := rec.EventsOf(report.Flushed); len(got) != 1 {
		t.Fatalf("expected exactly 1 flush, got %v", len(got))
	}

	// A flush with nothing pending is a no-op.
	if err := fm.Flush(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if got := rec.EventsOf(report.Flushed); len(got) != 1 {
		t.Fatalf("expected no additional flush, got %v", len(got))
	}
}

func TestFileManager_FlushFailureKeepsWorkerAlive(t *testing.T) {
	fm, mc, rec := newTestManager(t, t.TempDir())
	defer fm.Close()

	// A directory at the primary path makes the atomic rename fail.
	if err := os.Mkdir(fm.Path(), 0755); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm.SaveLater(prefs{Theme: "blocked"}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	rec.DoAndWait(t, 1, func() {
		mc.SetNow(time.Unix(1, 0))
	})
	failures := rec.EventsOf(report.FlushFailure)
	if len(failures) != 1 {
		t.Fatalf("expected exactly 1 flush-failure event, got: %+v", rec.Events())
	}
	if failures[0].Err == nil {
		t.Fatal("expected the flush-failure event to carry the underlying error")
	}
	if len(rec.EventsOf(report.Flushed)) != 0 {
		t.Fatalf("expected no successful flush, got: %+v", rec.Events())
	}

	// The worker must survive the failure and commit fresh data once the path is writable.
	if err := os.Remove(fm.Path()); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm.SaveLater(prefs{Theme: "recovered"}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm.Flush(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if got, want := decodePrefs(t, fm.Path()), (prefs{Theme: "recovered"}); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v on disk after recovery, got %+v", want, got)
	}
}

func TestFileManager_BackupFailureStillReturnsValue(t *testing.T) {
	dir := t.TempDir()

	fm1, _, _ := newTestManager(t, dir)
	want := prefs{Theme: "dark", Size: 7}
	if err := fm1.SaveLater(want); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm1.Flush(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	fm1.Close()

	// A file where the backup directory belongs makes the backup refresh fail.
	if err := os.WriteFile(path.Join(dir, backupDirName), []byte("in the way"), 0644); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	fm2, _, rec := newTestManager(t, dir)
	defer fm2.Close()
	var got prefs
	if !fm2.Read(&got) {
		t.Fatal("expected the verified value despite the backup failure")
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if len(rec.EventsOf(report.BackupFailure)) != 1 {
		t.Fatalf("expected 1 backup-failure event, got: %+v", rec.Events())
	}
	if len(rec.EventsOf(report.ReadFailure)) != 0 || len(rec.EventsOf(report.SchemaIncompatible)) != 0 {
		t.Fatalf("a backup failure must not be reported as a read failure, got: %+v", rec.Events())
	}
}

func TestFileManager_CloseCommitsPending(t *testing.T) {
	dir := t.TempDir()
	fm, _, _ := newTestManager(t, dir)

	if err := fm.SaveLater(prefs{Theme: "closing"}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm.Close(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if got, want := decodePrefs(t, fm.Path()), (prefs{Theme: "closing"}); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v on disk after close, got %+v", want, got)
	}

	// Operations on a closed manager fail rather than hang.
	if err := fm.SaveLater(prefs{}); err == nil {
		t.Fatal("expected an error from SaveLater on a closed FileManager")
	}
	if err := fm.Flush(); err == nil {
		t.Fatal("expected an error from Flush on a closed FileManager")
	}
	if err := fm.Remove(); err == nil {
		t.Fatal("expected an error from Remove on a closed FileManager")
	}
	if err := fm.Close(); err != nil {
		t.Fatalf("closing twice should be a no-op, got: %+v", err)
	}
}

func TestFileManager_ReadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	fm1, _, _ := newTestManager(t, dir)
	var missing prefs
	if fm1.Read(&missing) {
		t.Fatal("expected no stored value on first run")
	}
	want := prefs{Theme: "dark", Size: 14}
	if err := fm1.SaveLater(want); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm1.Flush(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm1.Close(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	// A new manager (a new process, conceptually) reads the value back and refreshes the
	// backup copy from the verified data.
	fm2, _, rec := newTestManager(t, dir)
	defer fm2.Close()
	var got prefs
	if !fm2.Read(&got) {
		t.Fatal("expected a stored value")
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if backup := decodePrefs(t, fm2.BackupPath()); !reflect.DeepEqual(backup, want) {
		t.Fatalf("expected backup %+v, got %+v", want, backup)
	}
	if calls := rec.Calls(); calls != 0 {
		t.Fatalf("expected no events on a clean read, got: %+v", rec.Events())
	}
}

func TestFileManager_ReadQuarantinesIncompatible(t *testing.T) {
	dir := t.TempDir()
	fm, _, rec := newTestManager(t, dir)
	defer fm.Close()

	// A file written under a future format version cannot be decoded.
	stale := []byte(`{"version":99,"payload":{"theme":"dark"}}`)
	if err := os.WriteFile(fm.Path(), stale, 0644); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	var got prefs
	if fm.Read(&got) {
		t.Fatal("expected Read to treat an incompatible file as absent")
	}
	if _, err := os.Stat(fm.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected no file at the primary path after quarantine, stat returned: %+v", err)
	}
	events := rec.EventsOf(report.SchemaIncompatible)
	if len(events) != 1 {
		t.Fatalf("expected 1 schema-incompatible event, got: %+v", rec.Events())
	}
	if !codec.IsIncompatible(events[0].Err) {
		t.Fatalf("expected an incompatible error in the event, got: %+v", events[0].Err)
	}

	corruptDir := path.Join(dir, corruptDirName)
	entries, err := os.ReadDir(corruptDir)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 rescue copy, got %v", len(entries))
	}
	rescued, err := os.ReadFile(path.Join(corruptDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if string(rescued) != string(stale) {
		t.Fatalf("rescue copy does not match the original file: %q", rescued)
	}
}

func TestFileManager_RepeatedQuarantineKeepsAllRescueCopies(t *testing.T) {
	dir := t.TempDir()

	for i := 0; i < 2; i++ {
		fm, _, _ := newTestManager(t, dir)
		stale := []byte(fmt.Sprintf(`{"version":99,"payload":{"size":%d}}`, i))
		if err := os.WriteFile(fm.Path(), stale, 0644); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		var got prefs
		if fm.Read(&got) {
			t.Fatal("expected Read to treat an incompatible file as absent")
		}
		fm.Close()
	}

	entries, err := os.ReadDir(path.Join(dir, corruptDirName))
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 rescue copies, got %v", len(entries))
	}
}

func TestFileManager_ReadLeavesMalformedFile(t *testing.T) {
	dir := t.TempDir()
	fm, _, rec := newTestManager(t, dir)
	defer fm.Close()

	// Malformed data (e.g. a truncated external write) may be transient; the file stays put.
	malformed := []byte(`{"version":1,"payl`)
	if err := os.WriteFile(fm.Path(), malformed, 0644); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	var got prefs
	if fm.Read(&got) {
		t.Fatal("expected Read to treat a malformed file as absent")
	}
	if len(rec.EventsOf(report.ReadFailure)) != 1 {
		t.Fatalf("expected 1 read-failure event, got: %+v", rec.Events())
	}
	data, err := os.ReadFile(fm.Path())
	if err != nil {
		t.Fatalf("expected the malformed file to be left in place: %+v", err)
	}
	if string(data) != string(malformed) {
		t.Fatalf("expected the malformed file to be untouched, got: %q", data)
	}
	if len(rec.EventsOf(report.SchemaIncompatible)) != 0 {
		t.Fatalf("malformed data must not be quarantined, got: %+v", rec.Events())
	}
}

func TestFileManager_Destroy(t *testing.T) {
	dir := t.TempDir()

	fm1, _, _ := newTestManager(t, dir)
	if err := fm1.SaveLater(prefs{Theme: "gone"}); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm1.Flush(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	fm1.Close()

	fm2, _, _ := newTestManager(t, dir)
	defer fm2.Close()
	var got prefs
	if !fm2.Read(&got) {
		t.Fatal("expected a stored value")
	}
	if _, err := os.Stat(fm2.BackupPath()); err != nil {
		t.Fatalf("expected a backup copy: %+v", err)
	}

	if err := fm2.Destroy(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if _, err := os.Stat(fm2.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected no primary file after destroy, stat returned: %+v", err)
	}
	if _, err := os.Stat(fm2.BackupPath()); !os.IsNotExist(err) {
		t.Fatalf("expected no backup file after destroy, stat returned: %+v", err)
	}
}

func TestFileManager_ConcurrentSavers(t *testing.T) {
	dir := t.TempDir()
	fm, err := NewFileManager(dir, "Conc", codec.NewJSON(), report.NewNoopRecorder(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if err := fm.SaveLater(prefs{Theme: "conc", Size: n*100 + j}); err != nil {
					t.Errorf("unexpected error: %+v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	if err := fm.Flush(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if err := fm.Close(); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}

	// Whatever interleaving occurred, the file must decode cleanly to one of the snapshots.
	got := decodePrefs(t, fm.Path())
	if got.Theme != "conc" {
		t.Fatalf("file does not contain a saved snapshot: %+v", got)
	}
}

func TestFileManager_InvalidName(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`, "backup", "corrupted"} {
		if _, err := NewFileManager(t.TempDir(), name, codec.NewJSON(), report.NewNoopRecorder(), testDelay); err == nil {
			t.Fatalf("expected an error for name %q", name)
		}
	}
}

func TestFileManager_InvalidDelay(t *testing.T) {
	if _, err := NewFileManager(t.TempDir(), "Prefs", codec.NewJSON(), report.NewNoopRecorder(), 0); err == nil {
		t.Fatal("expected an error for a non-positive delay")
	}
}
