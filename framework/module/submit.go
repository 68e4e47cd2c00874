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

package module

import (
	"context"
	"io"
)

// Submitter is the interface implemented by modules handing outgoing
// messages to a transfer agent. Queueing and retry policy are the
// implementation's business.
//
// Modules implementing this interface should be registered with prefix
// "submit." in name.
type Submitter interface {
	Submit(ctx context.Context, from string, rcpts []string, body io.Reader) error
}
