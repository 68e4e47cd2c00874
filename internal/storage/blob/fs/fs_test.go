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

package fs

import (
	"testing"

	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/storage/blob"
)

func TestFS(t *testing.T) {
	blob.TestStore(t, func() module.BlobStore {
		return &Store{instName: "test", root: t.TempDir()}
	}, func(module.BlobStore) {})
}
