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

// Package fs stores blobs as plain files in a directory.
package fs

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/module"
)

const modName = "storage.blob.fs"

// Store is a directory on the local filesystem used to store blobs.
type Store struct {
	instName string
	root     string
}

func New(_, instName string, inlineArgs []string) (module.Module, error) {
	s := &Store{instName: instName}
	switch len(inlineArgs) {
	case 0:
	case 1:
		s.root = inlineArgs[0]
	default:
		return nil, fmt.Errorf("%s: 1 or 0 arguments expected", modName)
	}
	return s, nil
}

func (s *Store) Name() string {
	return modName
}

func (s *Store) InstanceName() string {
	return s.instName
}

func (s *Store) Init(cfg *config.Map) error {
	cfg.String("root", false, false, s.root, &s.root)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if s.root == "" {
		return fmt.Errorf("%s: root directory not set", modName)
	}
	return os.MkdirAll(s.root, os.ModeDir|os.ModePerm)
}

// path maps a key to a file name. Keys may contain '/', which must not
// escape the root.
func (s *Store) path(key string) string {
	return filepath.Join(s.root, url.PathEscape(key))
}

func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, module.ErrNoSuchBlob
		}
		return nil, err
	}
	return f, nil
}

func (s *Store) Create(_ context.Context, key string, blobSize int64) (module.Blob, error) {
	f, err := os.Create(s.path(key))
	if err != nil {
		return nil, err
	}
	if blobSize >= 0 {
		if err := f.Truncate(blobSize); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func (s *Store) Delete(_ context.Context, keys []string) error {
	for _, key := range keys {
		if err := os.Remove(s.path(key)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func init() {
	var _ module.BlobStore = &Store{}
	module.Register(modName, New)
}
