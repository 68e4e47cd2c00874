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

package imapparser

import (
	"bufio"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestScanner(t *testing.T, input string) *Scanner {
	t.Helper()
	f := filer.BufferFile(1024)
	t.Cleanup(func() { f.Close() })
	return NewScanner(bufio.NewReader(strings.NewReader(input)), f, nil)
}

func TestScannerTokens(t *testing.T) {
	s := newTestScanner(t, "A001 LOGIN \"fred \\\"f\\\" bloggs\" secret\r\n")
	if !s.Next(TokenTag) || string(s.Value) != "A001" {
		t.Fatalf("tag=%q token=%s err=%v", s.Value, s.Token, s.Error)
	}
	if !s.Next(TokenAtom) || string(s.Value) != "LOGIN" {
		t.Fatalf("atom=%q token=%s err=%v", s.Value, s.Token, s.Error)
	}
	if !s.Next(TokenString) || string(s.Value) != `fred "f" bloggs` {
		t.Fatalf("quoted=%q token=%s err=%v", s.Value, s.Token, s.Error)
	}
	if !s.Next(TokenString) || string(s.Value) != "secret" {
		t.Fatalf("astring=%q token=%s err=%v", s.Value, s.Token, s.Error)
	}
	if !s.Next(TokenEnd) {
		t.Fatalf("end token=%s err=%v", s.Token, s.Error)
	}
}

func TestScannerSequences(t *testing.T) {
	tests := []struct {
		input string
		want  []SeqRange
	}{
		{"1", []SeqRange{{1, 1}}},
		{"1:5", []SeqRange{{1, 5}}},
		{"9:7", []SeqRange{{7, 9}}}, // reversed ranges normalize
		{"*", []SeqRange{{0, 0}}},
		{"4:*", []SeqRange{{4, 0}}},
		{"1,3:5,9", []SeqRange{{1, 1}, {3, 5}, {9, 9}}},
	}
	for _, test := range tests {
		s := newTestScanner(t, test.input+"\r\n")
		if !s.Next(TokenSequences) {
			t.Errorf("%q: token=%s err=%v", test.input, s.Token, s.Error)
			continue
		}
		if !reflect.DeepEqual(s.Sequences, test.want) {
			t.Errorf("%q: sequences=%v, want %v", test.input, s.Sequences, test.want)
		}
	}
}

func TestScannerRejectsZeroSeqNumber(t *testing.T) {
	s := newTestScanner(t, "0:4\r\n")
	if s.Next(TokenSequences) {
		t.Errorf("seq-number 0 scanned: %v", s.Sequences)
	}
}

func TestScannerDate(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
	}{
		{"1-Feb-1994", time.Date(1994, 2, 1, 0, 0, 0, 0, time.UTC)},
		{`"17-Jul-2026"`, time.Date(2026, 7, 17, 0, 0, 0, 0, time.UTC)},
	}
	for _, test := range tests {
		s := newTestScanner(t, test.input+"\r\n")
		if !s.Next(TokenDate) {
			t.Errorf("%q: token=%s err=%v", test.input, s.Token, s.Error)
			continue
		}
		if !s.Date.Equal(test.want) {
			t.Errorf("%q: date=%v, want %v", test.input, s.Date, test.want)
		}
	}
}

func TestScannerFlags(t *testing.T) {
	s := newTestScanner(t, "\\Seen $Forwarded\r\n")
	if !s.Next(TokenFlag) || string(s.Value) != `\Seen` {
		t.Fatalf("flag=%q err=%v", s.Value, s.Error)
	}
	if !s.Next(TokenFlag) || string(s.Value) != "$Forwarded" {
		t.Fatalf("keyword=%q err=%v", s.Value, s.Error)
	}

	// Only the five RFC 3501 system flags are valid.
	s = newTestScanner(t, "\\Borked\r\n")
	if s.Next(TokenFlag) {
		t.Errorf("invalid system flag scanned: %q", s.Value)
	}
}

func TestScannerRejectsNUL(t *testing.T) {
	s := newTestScanner(t, "AB\x00C\r\n")
	// The atom ends at the NUL; the error surfaces on the next read.
	if !s.Next(TokenAtom) || string(s.Value) != "AB" {
		t.Fatalf("atom=%q token=%s err=%v", s.Value, s.Token, s.Error)
	}
	if s.Next(TokenAtom) {
		t.Errorf("scan continued past NUL: %q", s.Value)
	}
	if s.Error == nil || !strings.Contains(s.Error.Error(), "NUL") {
		t.Errorf("err=%v, want NUL error", s.Error)
	}
}

func TestScannerLiteralTooBig(t *testing.T) {
	s := newTestScanner(t, "{100}\r\n")
	s.MaxLiteralSize = 50
	if s.Next(0) {
		t.Fatalf("oversize literal scanned")
	}
	if s.Error == nil || !strings.Contains(s.Error.Error(), "exceeds limit") {
		t.Errorf("err=%v, want literal limit error", s.Error)
	}
}

func TestScannerLineLength(t *testing.T) {
	s := newTestScanner(t, strings.Repeat("a", 100)+"\r\n")
	s.MaxLineLength = 50
	if s.Next(TokenAtom) {
		t.Fatal("overlong line scanned")
	}
	if s.Error != ErrLineTooLong {
		t.Errorf("err=%v, want ErrLineTooLong", s.Error)
	}
}

// Literal bytes are exempt from the line length cap.
func TestScannerLiteralBytesNotCounted(t *testing.T) {
	payload := strings.Repeat("b", 100)
	s := newTestScanner(t, "{100}\r\n"+payload+"\r\n")
	s.MaxLineLength = 50
	if !s.Next(0) {
		t.Fatalf("token=%s err=%v", s.Token, s.Error)
	}
	if s.Token != TokenLiteral {
		t.Fatalf("token=%s, want literal", s.Token)
	}
	if size := s.Literal.Size(); size != 100 {
		t.Errorf("literal size=%d, want 100", size)
	}
	if !s.Next(TokenEnd) {
		t.Fatalf("end token=%s err=%v", s.Token, s.Error)
	}
}

func TestScannerSetSource(t *testing.T) {
	s := newTestScanner(t, "A1 NOOP\r\n")
	if !s.Next(TokenTag) || string(s.Value) != "A1" {
		t.Fatalf("tag=%q err=%v", s.Value, s.Error)
	}
	if !s.Next(TokenAtom) || !s.Next(TokenEnd) {
		t.Fatalf("token=%s err=%v", s.Token, s.Error)
	}

	// Splice in a new source, as the COMPRESS hot-swap does.
	s.SetSource(bufio.NewReader(strings.NewReader("A2 CAPABILITY\r\n")))
	if !s.Next(TokenTag) || string(s.Value) != "A2" {
		t.Fatalf("tag after splice=%q err=%v", s.Value, s.Error)
	}
}
