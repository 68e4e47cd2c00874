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

package pop3

import "bufio"

// dotWriter byte-stuffs a multi-line POP3 response per RFC 1939 §3:
// a leading '.' on a line is doubled, bare LF is normalized to CRLF,
// and Close appends the ".\r\n" terminator (after completing the last
// line if the stream did not end with CRLF).
//
// onChunk runs for every Write call and lets the session push its
// socket deadline forward while streaming a large message.
type dotWriter struct {
	w       *bufio.Writer
	onChunk func()

	lineStart bool
	prevCR    bool
	wrote     bool
}

func newDotWriter(w *bufio.Writer, onChunk func()) *dotWriter {
	return &dotWriter{w: w, onChunk: onChunk, lineStart: true}
}

func (d *dotWriter) Write(p []byte) (int, error) {
	if d.onChunk != nil {
		d.onChunk()
	}
	for _, b := range p {
		if d.lineStart && b == '.' {
			if err := d.w.WriteByte('.'); err != nil {
				return 0, err
			}
		}
		d.lineStart = false
		switch b {
		case '\r':
			d.prevCR = true
			if err := d.w.WriteByte('\r'); err != nil {
				return 0, err
			}
		case '\n':
			if !d.prevCR {
				if err := d.w.WriteByte('\r'); err != nil {
					return 0, err
				}
			}
			d.prevCR = false
			d.lineStart = true
			if err := d.w.WriteByte('\n'); err != nil {
				return 0, err
			}
		default:
			d.prevCR = false
			if err := d.w.WriteByte(b); err != nil {
				return 0, err
			}
		}
	}
	d.wrote = d.wrote || len(p) > 0
	return len(p), nil
}

// Close terminates the response. It does not flush; the caller owns
// the bufio.Writer.
func (d *dotWriter) Close() error {
	if !d.lineStart {
		if _, err := d.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	_, err := d.w.WriteString(".\r\n")
	return err
}
