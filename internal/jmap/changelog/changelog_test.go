/*
Teal Mail Server - IMAP, POP3 and JMAP mailbox backend.
Copyright © 2025 The Teal Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package changelog

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/tealmail/teal/internal/kv"
)

func newTestLog(maxEntries int64) *Log {
	return &Log{KV: kv.NewMemory(), MaxEntries: maxEntries}
}

func TestAppendMonotonic(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(0)

	for want := uint64(1); want <= 5; want++ {
		seq, err := l.Append(ctx, "mira", TypeCreated, fmt.Sprintf("m%d", want))
		if err != nil {
			t.Fatal(err)
		}
		if seq != want {
			t.Errorf("Append returned seq %d, want %d", seq, want)
		}
	}
	// Another user's sequence is independent.
	seq, err := l.Append(ctx, "sam", TypeCreated, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("Append for second user returned seq %d, want 1", seq)
	}
}

func TestAppendConcurrent(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(0)

	const n = 50
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := l.Append(ctx, "mira", TypeUpdated, fmt.Sprintf("m%d", i))
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- seq
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("seq %d assigned twice", seq)
		}
		seen[seq] = true
	}
	for want := uint64(1); want <= n; want++ {
		if !seen[want] {
			t.Errorf("seq %d never assigned", want)
		}
	}
}

func TestAppendBulkContiguous(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(0)

	first, last, err := l.AppendBulk(ctx, "mira", []Change{
		{TypeCreated, "m1"},
		{TypeCreated, "m2"},
		{TypeCreated, "m3"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 || last != 3 {
		t.Errorf("bulk range [%d, %d], want [1, 3]", first, last)
	}

	first, last, err = l.AppendBulk(ctx, "mira", []Change{{TypeUpdated, "m1"}})
	if err != nil {
		t.Fatal(err)
	}
	if first != 4 || last != 4 {
		t.Errorf("second bulk range [%d, %d], want [4, 4]", first, last)
	}

	entries, err := l.entries(ctx, "mira")
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Errorf("entry %d has seq %d", i, e.Seq)
		}
	}
}

func TestChangesSinceCategorized(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(0)

	mustAppend := func(typ, id string) {
		t.Helper()
		if _, err := l.Append(ctx, "mira", typ, id); err != nil {
			t.Fatal(err)
		}
	}
	mustAppend(TypeCreated, "a")   // seq 1, before the window
	mustAppend(TypeCreated, "b")   // 2: created
	mustAppend(TypeUpdated, "a")   // 3: updated
	mustAppend(TypeUpdated, "b")   // 4: still created
	mustAppend(TypeCreated, "c")   // 5
	mustAppend(TypeDestroyed, "c") // 6: created+destroyed, omitted
	mustAppend(TypeDestroyed, "a") // 7: destroyed wins over updated

	res, err := l.ChangesSince(ctx, "mira", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.CannotCalculate {
		t.Fatal("unexpected cannotCalculateChanges")
	}
	if res.NewState != 7 {
		t.Errorf("NewState = %d, want 7", res.NewState)
	}
	if want := []string{"b"}; !reflect.DeepEqual(res.Created, want) {
		t.Errorf("Created = %v, want %v", res.Created, want)
	}
	if want := []string{"a"}; !reflect.DeepEqual(res.Destroyed, want) {
		t.Errorf("Destroyed = %v, want %v", res.Destroyed, want)
	}
	if len(res.Updated) != 0 {
		t.Errorf("Updated = %v, want empty", res.Updated)
	}
}

func TestChangesSinceNoChanges(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(0)
	if _, err := l.Append(ctx, "mira", TypeCreated, "a"); err != nil {
		t.Fatal(err)
	}
	res, err := l.ChangesSince(ctx, "mira", 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.CannotCalculate || len(res.Created)+len(res.Updated)+len(res.Destroyed) != 0 {
		t.Errorf("up-to-date client got %+v", res)
	}
}

func TestCannotCalculateChanges(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(5)

	for i := 1; i <= 10; i++ {
		if _, err := l.Append(ctx, "mira", TypeCreated, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	// Retained: seqs 6..10.

	res, err := l.ChangesSince(ctx, "mira", 2)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CannotCalculate {
		t.Error("trimmed window not reported as cannotCalculateChanges")
	}

	// The oldest retained entry is exactly sinceSeq+1: nothing lost.
	res, err = l.ChangesSince(ctx, "mira", 5)
	if err != nil {
		t.Fatal(err)
	}
	if res.CannotCalculate {
		t.Error("complete window reported as cannotCalculateChanges")
	}
	if len(res.Created) != 5 {
		t.Errorf("Created = %v, want 5 ids", res.Created)
	}

	// A state from the future is unanswerable too.
	res, err = l.ChangesSince(ctx, "mira", 99)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CannotCalculate {
		t.Error("future state not reported as cannotCalculateChanges")
	}
}

func TestCompactIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(0)

	for i := 1; i <= 10; i++ {
		if _, err := l.Append(ctx, "mira", TypeCreated, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	arch, err := OpenArchive(filepath.Join(t.TempDir(), "changes.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer arch.Close()

	c := &Compactor{Log: l, Archive: arch, Keep: 4}

	snapshot := func() ([]Entry, []Entry) {
		t.Helper()
		cached, err := l.entries(ctx, "mira")
		if err != nil {
			t.Fatal(err)
		}
		archived, err := arch.Entries(ctx, "mira", 0)
		if err != nil {
			t.Fatal(err)
		}
		return cached, archived
	}

	if err := c.Compact(ctx, "mira"); err != nil {
		t.Fatal(err)
	}
	cached, archived := snapshot()
	if len(cached) != 4 || cached[0].Seq != 7 {
		t.Fatalf("cache after compaction: %d entries, first seq %d; want 4 starting at 7", len(cached), cached[0].Seq)
	}
	if len(archived) != 6 || archived[0].Seq != 1 || archived[5].Seq != 6 {
		t.Fatalf("archive after compaction: %+v, want seqs 1..6", archived)
	}

	// Second run with no appends is a no-op.
	if err := c.Compact(ctx, "mira"); err != nil {
		t.Fatal(err)
	}
	cached2, archived2 := snapshot()
	if !reflect.DeepEqual(cached, cached2) || !reflect.DeepEqual(archived, archived2) {
		t.Error("second compaction run changed state")
	}

	// Re-archiving overlapping entries (the crash-recovery path) is
	// absorbed by the archive.
	if err := arch.store(ctx, "mira", archived[:3]); err != nil {
		t.Fatal(err)
	}
	_, archived3 := snapshot()
	if !reflect.DeepEqual(archived, archived3) {
		t.Error("re-archiving duplicated entries")
	}
}

func TestChangesAfterCompaction(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(0)
	for i := 1; i <= 10; i++ {
		if _, err := l.Append(ctx, "mira", TypeCreated, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	arch, err := OpenArchive(filepath.Join(t.TempDir(), "changes.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer arch.Close()
	c := &Compactor{Log: l, Archive: arch, Keep: 4}
	if err := c.Compact(ctx, "mira"); err != nil {
		t.Fatal(err)
	}

	// The cache now starts at seq 7; a client at 3 must resync.
	res, err := l.ChangesSince(ctx, "mira", 3)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CannotCalculate {
		t.Error("compacted-away window not reported as cannotCalculateChanges")
	}
}
