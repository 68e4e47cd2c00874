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

// Package blob implements the per-user blob facade used by JMAP upload
// and attachment handling.
//
// Content is split into fixed-size chunks stored as individual objects
// in a module.BlobStore backend (fs or s3), with a small JSON metadata
// object written last. A blob is visible only to its owner; access by
// anyone else is indistinguishable from the blob not existing.
package blob

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/tealmail/teal/framework/module"
)

// DefaultChunkSize is the per-chunk object size.
const DefaultChunkSize = 255 * 1024

// ErrBadEncoding is returned by Add for an unsupported content encoding.
var ErrBadEncoding = errors.New("blob: unsupported encoding")

// Upload describes content to store.
type Upload struct {
	Filename    string
	ContentType string

	// Encoding is empty for raw content or "base64" for content that
	// must be decoded while streaming. Anything else is an input error.
	Encoding string

	// CID is the optional Content-ID for inline attachments.
	CID string

	Content io.Reader
}

// Info is stored blob metadata.
type Info struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	CID         string `json:"cid,omitempty"`
	Chunks      int    `json:"chunks"`
}

// Facade is the chunked per-user blob store.
type Facade struct {
	Backend module.BlobStore

	// ChunkSize overrides DefaultChunkSize (tests).
	ChunkSize int64
}

func (f *Facade) chunkSize() int64 {
	if f.ChunkSize == 0 {
		return DefaultChunkSize
	}
	return f.ChunkSize
}

func metaKey(id string) string         { return "blob/" + id + "/meta" }
func chunkKey(id string, n int) string { return fmt.Sprintf("blob/%s/%d", id, n) }

func chunkKeys(id string, chunks int) []string {
	keys := make([]string, 0, chunks+1)
	for i := 0; i < chunks; i++ {
		keys = append(keys, chunkKey(id, i))
	}
	keys = append(keys, metaKey(id))
	return keys
}

// Add stores the upload and returns its metadata. Content with
// Encoding "base64" is decoded on the fly; chunks never buffer more
// than the chunk size.
func (f *Facade) Add(ctx context.Context, owner string, up Upload) (*Info, error) {
	content := up.Content
	switch strings.ToLower(up.Encoding) {
	case "":
	case "base64":
		content = base64.NewDecoder(base64.StdEncoding, content)
	default:
		return nil, ErrBadEncoding
	}

	info := &Info{
		ID:          uuid.New().String(),
		Owner:       owner,
		Filename:    up.Filename,
		ContentType: up.ContentType,
		CID:         up.CID,
	}

	buf := make([]byte, f.chunkSize())
	for {
		n, rerr := io.ReadFull(content, buf)
		if n > 0 {
			if err := f.writeChunk(ctx, chunkKey(info.ID, info.Chunks), buf[:n]); err != nil {
				f.Backend.Delete(ctx, chunkKeys(info.ID, info.Chunks))
				return nil, err
			}
			info.Chunks++
			info.Size += int64(n)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			f.Backend.Delete(ctx, chunkKeys(info.ID, info.Chunks))
			return nil, rerr
		}
	}

	// Metadata last: a blob without metadata does not exist yet.
	meta, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := f.writeChunk(ctx, metaKey(info.ID), meta); err != nil {
		f.Backend.Delete(ctx, chunkKeys(info.ID, info.Chunks))
		return nil, err
	}
	return info, nil
}

func (f *Facade) writeChunk(ctx context.Context, key string, data []byte) error {
	blob, err := f.Backend.Create(ctx, key, int64(len(data)))
	if err != nil {
		return err
	}
	if _, err := blob.Write(data); err != nil {
		blob.Close()
		return err
	}
	if err := blob.Sync(); err != nil {
		blob.Close()
		return err
	}
	return blob.Close()
}

func (f *Facade) info(ctx context.Context, owner, id string) (*Info, error) {
	r, err := f.Backend.Open(ctx, metaKey(id))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var info Info
	if err := json.NewDecoder(r).Decode(&info); err != nil {
		return nil, err
	}
	if info.Owner != owner {
		// Someone else's blob looks exactly like a missing one.
		return nil, module.ErrNoSuchBlob
	}
	return &info, nil
}

// Open returns the blob's metadata and a reader over its content.
// module.ErrNoSuchBlob is returned both for unknown ids and for blobs
// owned by someone else.
func (f *Facade) Open(ctx context.Context, owner, id string) (*Info, io.ReadCloser, error) {
	info, err := f.info(ctx, owner, id)
	if err != nil {
		return nil, nil, err
	}
	return info, &chunkReader{ctx: ctx, facade: f, id: id, chunks: info.Chunks}, nil
}

// Delete removes the blob. The metadata object goes first, so a
// concurrent Open sees either the whole blob or none of it.
func (f *Facade) Delete(ctx context.Context, owner, id string) error {
	info, err := f.info(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := f.Backend.Delete(ctx, []string{metaKey(id)}); err != nil {
		return err
	}
	keys := make([]string, 0, info.Chunks)
	for i := 0; i < info.Chunks; i++ {
		keys = append(keys, chunkKey(id, i))
	}
	return f.Backend.Delete(ctx, keys)
}

type chunkReader struct {
	ctx    context.Context
	facade *Facade
	id     string
	chunks int

	next int
	cur  io.ReadCloser
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.next >= r.chunks {
				return 0, io.EOF
			}
			cur, err := r.facade.Backend.Open(r.ctx, chunkKey(r.id, r.next))
			if err != nil {
				return 0, err
			}
			r.cur = cur
			r.next++
		}
		n, err := r.cur.Read(p)
		if err == io.EOF {
			if cerr := r.cur.Close(); cerr != nil {
				return n, cerr
			}
			r.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.cur != nil {
		err := r.cur.Close()
		r.cur = nil
		return err
	}
	return nil
}

// IsNotFound reports whether err means the blob does not exist for the
// caller, including the ownership-mismatch case.
func IsNotFound(err error) bool {
	return errors.Is(err, module.ErrNoSuchBlob)
}

// ValidateEncoding checks an upload encoding value without storing
// anything.
func ValidateEncoding(encoding string) error {
	switch strings.ToLower(encoding) {
	case "", "base64":
		return nil
	default:
		return ErrBadEncoding
	}
}
