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

package blob

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/tealmail/teal/framework/module"
)

// TestStore runs the module.BlobStore conformance suite shared by the
// backend packages. newStore must return a fresh, empty store;
// cleanStore releases whatever newStore allocated.
func TestStore(t *testing.T, newStore func() module.BlobStore, cleanStore func(module.BlobStore)) {
	ctx := context.Background()

	write := func(t *testing.T, store module.BlobStore, key string, data []byte, size int64) {
		t.Helper()
		b, err := store.Create(ctx, key, size)
		if err != nil {
			t.Fatalf("Create %s: %v", key, err)
		}
		if _, err := b.Write(data); err != nil {
			t.Fatalf("Write %s: %v", key, err)
		}
		if err := b.Sync(); err != nil {
			t.Fatalf("Sync %s: %v", key, err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("Close %s: %v", key, err)
		}
	}
	read := func(t *testing.T, store module.BlobStore, key string) []byte {
		t.Helper()
		r, err := store.Open(ctx, key)
		if err != nil {
			t.Fatalf("Open %s: %v", key, err)
		}
		defer r.Close()
		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll %s: %v", key, err)
		}
		return data
	}

	t.Run("round trip", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "k1", []byte("hello blob"), 10)
		if got := read(t, store, "k1"); string(got) != "hello blob" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("unknown size", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "k1", []byte("unsized"), module.UnknownBlobSize)
		if got := read(t, store, "k1"); string(got) != "unsized" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("missing key", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		r, err := store.Open(ctx, "nonexistent")
		if err == nil {
			// Some backends defer the existence check to the first read.
			_, err = io.ReadAll(r)
			r.Close()
		}
		if err == nil {
			t.Fatal("Open of missing key succeeded")
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "k1", []byte("first"), 5)
		write(t, store, "k1", []byte("second"), 6)
		if got := read(t, store, "k1"); string(got) != "second" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "k1", []byte("data"), 4)
		if err := store.Delete(ctx, []string{"k1", "never-existed"}); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := store.Open(ctx, "k1"); !errors.Is(err, module.ErrNoSuchBlob) {
			t.Errorf("Open after Delete: %v, want ErrNoSuchBlob", err)
		}
	})

	t.Run("slash in key", func(t *testing.T) {
		store := newStore()
		defer cleanStore(store)

		write(t, store, "blob/abc/0", []byte("chunk"), 5)
		if got := read(t, store, "blob/abc/0"); string(got) != "chunk" {
			t.Errorf("got %q", got)
		}
	})
}
