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

// Package testutils holds test helpers shared by the server packages.
package testutils

import (
	"flag"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/tealmail/teal/framework/log"
)

var (
	debugLog  = flag.Bool("test.debuglog", false, "(teal) Turn on debug log messages")
	directLog = flag.Bool("test.directlog", false, "(teal) Log to stderr instead of test log")
)

// Logger returns a logger that routes messages to t.Log, or to stderr
// when the -test.directlog flag is set (useful when a test hangs or
// crashes the process before t.Log output is flushed).
func Logger(t *testing.T, name string) log.Logger {
	if *directLog {
		return log.Logger{
			Out:   log.WriterOutput(os.Stderr, true),
			Name:  name,
			Debug: *debugLog,
		}
	}

	return log.Logger{
		Out: log.FuncOutput(func(_ time.Time, debug bool, str string) {
			t.Helper()
			str = strings.TrimSuffix(str, "\n")
			if debug {
				str = "[debug] " + str
			}
			t.Log(str)
		}, func() error {
			return nil
		}),
		Name:  name,
		Debug: *debugLog,
	}
}
