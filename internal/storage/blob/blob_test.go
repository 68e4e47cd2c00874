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
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/tealmail/teal/framework/module"
)

// memStore is an in-memory module.BlobStore for facade tests.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}}
}

type memBlob struct {
	store *memStore
	key   string
	buf   bytes.Buffer
}

func (b *memBlob) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *memBlob) Sync() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.blobs[b.key] = append([]byte(nil), b.buf.Bytes()...)
	return nil
}

func (b *memBlob) Close() error { return nil }

func (s *memStore) Create(_ context.Context, key string, _ int64) (module.Blob, error) {
	return &memBlob{store: s, key: key}, nil
}

func (s *memStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, module.ErrNoSuchBlob
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStore) Delete(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.blobs, k)
	}
	return nil
}

func TestFacadeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	f := &Facade{Backend: store, ChunkSize: 8}

	content := "this content spans several eight-byte chunks"
	info, err := f.Add(ctx, "mira", Upload{
		Filename:    "note.txt",
		ContentType: "text/plain",
		Content:     strings.NewReader(content),
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("Size = %d, want %d", info.Size, len(content))
	}
	if want := (len(content) + 7) / 8; info.Chunks != want {
		t.Errorf("Chunks = %d, want %d", info.Chunks, want)
	}

	got, r, err := f.Open(ctx, "mira", info.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if got.Filename != "note.txt" || got.ContentType != "text/plain" {
		t.Errorf("metadata = %+v", got)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != content {
		t.Errorf("content = %q, want %q", data, content)
	}
}

func TestFacadeBase64(t *testing.T) {
	ctx := context.Background()
	f := &Facade{Backend: newMemStore(), ChunkSize: 8}

	raw := []byte("binary\x00payload with \xffbytes")
	encoded := base64.StdEncoding.EncodeToString(raw)
	info, err := f.Add(ctx, "mira", Upload{
		ContentType: "application/octet-stream",
		Encoding:    "base64",
		Content:     strings.NewReader(encoded),
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != int64(len(raw)) {
		t.Errorf("Size = %d, want %d (decoded length, not encoded)", info.Size, len(raw))
	}

	_, r, err := f.Open(ctx, "mira", info.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, raw) {
		t.Errorf("decoded content mismatch: %q != %q", data, raw)
	}
}

func TestFacadeBadEncoding(t *testing.T) {
	f := &Facade{Backend: newMemStore()}
	_, err := f.Add(context.Background(), "mira", Upload{
		Encoding: "quoted-printable",
		Content:  strings.NewReader("x"),
	})
	if !errors.Is(err, ErrBadEncoding) {
		t.Errorf("Add with bad encoding: %v, want ErrBadEncoding", err)
	}
}

func TestFacadeOwnership(t *testing.T) {
	ctx := context.Background()
	f := &Facade{Backend: newMemStore(), ChunkSize: 8}

	info, err := f.Add(ctx, "mira", Upload{
		ContentType: "text/plain",
		Content:     strings.NewReader("private"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Another user's access is indistinguishable from a missing blob.
	if _, _, err := f.Open(ctx, "sam", info.ID); !IsNotFound(err) {
		t.Errorf("Open by non-owner: %v, want not-found", err)
	}
	if err := f.Delete(ctx, "sam", info.ID); !IsNotFound(err) {
		t.Errorf("Delete by non-owner: %v, want not-found", err)
	}

	// The owner still sees it.
	if _, _, err := f.Open(ctx, "mira", info.ID); err != nil {
		t.Errorf("Open by owner after failed foreign delete: %v", err)
	}
}

func TestFacadeDelete(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	f := &Facade{Backend: store, ChunkSize: 8}

	info, err := f.Add(ctx, "mira", Upload{
		ContentType: "text/plain",
		Content:     strings.NewReader("0123456789abcdef0"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Delete(ctx, "mira", info.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.Open(ctx, "mira", info.ID); !IsNotFound(err) {
		t.Errorf("Open after Delete: %v, want not-found", err)
	}

	store.mu.Lock()
	leftover := len(store.blobs)
	store.mu.Unlock()
	if leftover != 0 {
		t.Errorf("%d backend objects left after Delete", leftover)
	}
}

func TestFacadeEmptyContent(t *testing.T) {
	ctx := context.Background()
	f := &Facade{Backend: newMemStore()}

	info, err := f.Add(ctx, "mira", Upload{
		ContentType: "text/plain",
		Content:     strings.NewReader(""),
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 0 || info.Chunks != 0 {
		t.Errorf("empty upload: size %d, chunks %d", info.Size, info.Chunks)
	}
	_, r, err := f.Open(ctx, "mira", info.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil || len(data) != 0 {
		t.Errorf("empty blob read: %q, %v", data, err)
	}
}
