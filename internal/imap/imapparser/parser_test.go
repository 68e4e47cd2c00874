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
	"bytes"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
)

var parseCommandTests = []struct {
	name   string
	input  string
	mode   Mode
	output Command
	errstr string
}{
	{
		input:  "\r\n",
		errstr: "no command tag",
	},
	{
		input:  "3 FOO\r\n",
		errstr: "unknown command",
	},
	{
		input:  "0 UID FOO\r\n",
		errstr: "unknown command",
	},
	{
		input:  "0 UID LOGIN\r\n",
		errstr: "does not support the UID prefix",
	},
	{
		input:  "0 NOOP\r\n",
		output: Command{Tag: []byte("0"), Name: "NOOP"},
	},
	{
		input:  "0 LOGIN\r\n",
		mode:   ModeAuth,
		errstr: "bad mode for command LOGIN",
	},
	{
		input:  "0 LOGIN me\r\n",
		errstr: "missing password",
	},
	{
		input: "0 LOGIN me secret\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "LOGIN",
			Auth: struct{ Username, Password []byte }{
				Username: []byte("me"),
				Password: []byte("secret"),
			},
		},
	},
	{
		input:  "0 AUTHENTICATE\r\n",
		errstr: "missing mechanism",
	},
	{
		input:  "0 AUTHENTICATE PLAIN\r\n",
		errstr: "EOF",
	},
	{
		// SASL-IR: the initial response rides on the command line.
		// base64("\x00fred\x00secret key")
		input: "0 AUTHENTICATE PLAIN AGZyZWQAc2VjcmV0IGtleQ==\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "AUTHENTICATE",
			Auth: struct{ Username, Password []byte }{
				Username: []byte("fred"),
				Password: []byte("secret key"),
			},
		},
	},
	{
		input:  "0 ENABLE\r\n",
		mode:   ModeAuth,
		errstr: "missing required arg",
	},
	{
		input: "0 ENABLE QRESYNC CONDSTORE\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:    []byte("0"),
			Name:   "ENABLE",
			Params: [][]byte{[]byte("QRESYNC"), []byte("CONDSTORE")},
		},
	},
	{
		input:  "0 ID\r\n",
		errstr: "missing parameter list",
	},
	{
		input: "0 ID NIL\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "ID",
		},
	},
	{
		input: `0 ID ("name" "sodr" "version" "19.34")` + "\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "ID",
			Params: [][]byte{
				[]byte("name"), []byte("sodr"),
				[]byte("version"), []byte("19.34"),
			},
		},
	},
	{
		input:  "a NAMESPACE\r\n",
		errstr: "bad mode for command NAMESPACE",
	},
	{
		input:  "a NAMESPACE\r\n",
		mode:   ModeAuth,
		output: Command{Tag: []byte("a"), Name: "NAMESPACE"},
	},
	{
		input:  "a UNSELECT\r\n",
		mode:   ModeAuth,
		errstr: "bad mode for command UNSELECT",
	},
	{
		input:  "a UNSELECT\r\n",
		mode:   ModeSelected,
		output: Command{Tag: []byte("a"), Name: "UNSELECT"},
	},
	{
		input:  "b1 COMPRESS DEFLATE\r\n",
		mode:   ModeAuth,
		output: Command{Tag: []byte("b1"), Name: "COMPRESS"},
	},
	{
		input:  "b2 COMPRESS LZW\r\n",
		mode:   ModeAuth,
		errstr: "unsupported mechanism",
	},
	{
		// Compression starts only after login.
		input:  "b3 COMPRESS DEFLATE\r\n",
		errstr: "bad mode for command COMPRESS",
	},
	{
		input:  "A142 SELECT INBOX\r\n",
		mode:   ModeAuth,
		output: Command{Tag: []byte("A142"), Name: "SELECT", Mailbox: []byte("INBOX")},
	},
	{
		input:  "A142 SELECT inbox\r\n",
		mode:   ModeAuth,
		output: Command{Tag: []byte("A142"), Name: "SELECT", Mailbox: []byte("INBOX")},
	},
	{
		input: "A142 SELECT Spam (CONDSTORE)\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:       []byte("A142"),
			Name:      "SELECT",
			Mailbox:   []byte("Spam"),
			Condstore: true,
		},
	},
	{
		input: "A02 SELECT INBOX (QRESYNC (67890007 20050715194045000 41,43:211,214:541))\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("A02"),
			Name:    "SELECT",
			Mailbox: []byte("INBOX"),
			Qresync: QresyncParam{
				UIDValidity: 67890007,
				ModSeq:      20050715194045000,
				UIDs:        []SeqRange{{41, 41}, {43, 211}, {214, 541}},
			},
		},
	},
	{
		input:  "A02 SELECT INBOX (QRESYNC (67890007 90060115194045000 *))\r\n",
		mode:   ModeAuth,
		errstr: "'*' is not allowed",
	},
	{
		// RFC 3501 section 5.1.3 example, "&Jjo" is a white queen.
		input: "c CREATE ~peter/mail/&U,BTFw-/&ZeVnLIqe-\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("c"),
			Name:    "CREATE",
			Mailbox: []byte("~peter/mail/台北/日本語"),
		},
	},
	{
		input: "c RENAME blurdybloop sarasoop\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("c"),
			Name: "RENAME",
			Rename: struct{ OldMailbox, NewMailbox []byte }{
				OldMailbox: []byte("blurdybloop"),
				NewMailbox: []byte("sarasoop"),
			},
		},
	},
	{
		input: `A101 LIST "" ""` + "\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("A101"),
			Name: "LIST",
			List: List{
				ReferenceName: []byte{},
				MailboxGlob:   []byte{},
			},
		},
	},
	{
		input: `A102 LIST (SUBSCRIBED) "" "*" RETURN (CHILDREN SPECIAL-USE)` + "\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("A102"),
			Name: "LIST",
			List: List{
				ReferenceName: []byte{},
				MailboxGlob:   []byte("*"),
				SelectOptions: []string{"SUBSCRIBED"},
				ReturnOptions: []string{"CHILDREN", "SPECIAL-USE"},
			},
		},
	},
	{
		input: "A042 STATUS blurdybloop (UIDNEXT MESSAGES HIGHESTMODSEQ)\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("A042"),
			Name:    "STATUS",
			Mailbox: []byte("blurdybloop"),
			Status: struct{ Items []StatusItem }{
				Items: []StatusItem{StatusUIDNext, StatusMessages, StatusHighestModSeq},
			},
		},
	},
	{
		name:  "append",
		input: "A003 APPEND saved-messages (\\Seen) {14}\r\nhello, append\n\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("A003"),
			Name:    "APPEND",
			Mailbox: []byte("saved-messages"),
			Append: struct {
				Flags [][]byte
				Date  []byte
			}{
				Flags: [][]byte{[]byte(`\Seen`)},
			},
			Literal: literal("hello, append\n"),
		},
	},
	{
		name:  "append non-sync literal",
		input: "A003 APPEND saved-messages {5+}\r\nhello\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("A003"),
			Name:    "APPEND",
			Mailbox: []byte("saved-messages"),
			Literal: literal("hello"),
		},
	},
	{
		input:  "E1 EXPUNGE\r\n",
		mode:   ModeSelected,
		output: Command{Tag: []byte("E1"), Name: "EXPUNGE"},
	},
	{
		input: "E2 UID EXPUNGE 3:5,9\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("E2"),
			Name:      "EXPUNGE",
			UID:       true,
			Sequences: []SeqRange{{3, 5}, {9, 9}},
		},
	},
	{
		input: "F1 FETCH 2:4 (FLAGS UID)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("F1"),
			Name:      "FETCH",
			Sequences: []SeqRange{{2, 4}},
			FetchItems: []FetchItem{
				{Type: FetchFlags},
				{Type: FetchUID},
			},
		},
	},
	{
		// A UID FETCH implicitly includes the UID item.
		input: "F2 UID FETCH 1:* FLAGS\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("F2"),
			Name:      "FETCH",
			UID:       true,
			Sequences: []SeqRange{{1, 0}},
			FetchItems: []FetchItem{
				{Type: FetchFlags},
				{Type: FetchUID},
			},
		},
	},
	{
		input: "F3 FETCH 1:* (FLAGS MODSEQ) (CHANGEDSINCE 620162338 VANISHED)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("F3"),
			Name:      "FETCH",
			Sequences: []SeqRange{{1, 0}},
			FetchItems: []FetchItem{
				{Type: FetchFlags},
				{Type: FetchModSeq},
			},
			ChangedSince: 620162338,
			Vanished:     true,
		},
	},
	{
		input: "F4 FETCH 1 BODY.PEEK[HEADER.FIELDS (Subject Date)]<0.512>\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("F4"),
			Name:      "FETCH",
			Sequences: []SeqRange{{1, 1}},
			FetchItems: []FetchItem{
				{
					Type: FetchBody,
					Peek: true,
					Section: FetchItemSection{
						Name:    "HEADER.FIELDS",
						Headers: [][]byte{[]byte("Subject"), []byte("Date")},
					},
					Partial: struct{ Start, Length uint32 }{0, 512},
				},
			},
		},
	},
	{
		input: "S1 STORE 7,9 +FLAGS.SILENT (\\Deleted)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("S1"),
			Name:      "STORE",
			Sequences: []SeqRange{{7, 7}, {9, 9}},
			Store: Store{
				Mode:   StoreAdd,
				Silent: true,
				Flags:  [][]byte{[]byte(`\Deleted`)},
			},
		},
	},
	{
		input: "d105 STORE 7,5,9 (UNCHANGEDSINCE 320162338) +FLAGS.SILENT (\\Deleted)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("d105"),
			Name:      "STORE",
			Sequences: []SeqRange{{7, 7}, {5, 5}, {9, 9}},
			Store: Store{
				Mode:              StoreAdd,
				Silent:            true,
				Flags:             [][]byte{[]byte(`\Deleted`)},
				UnchangedSince:    320162338,
				UnchangedSinceSet: true,
			},
		},
	},
	{
		// UNCHANGEDSINCE 0 is distinct from the modifier being absent.
		input: "d106 STORE 1 (UNCHANGEDSINCE 0) FLAGS ()\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("d106"),
			Name:      "STORE",
			Sequences: []SeqRange{{1, 1}},
			Store: Store{
				Mode:              StoreReplace,
				UnchangedSinceSet: true,
			},
		},
	},
	{
		input: "A003 COPY 2:4 MEETING\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("A003"),
			Name:      "COPY",
			Sequences: []SeqRange{{2, 4}},
			Mailbox:   []byte("MEETING"),
		},
	},
	{
		input: "A003 UID MOVE 2:4 MEETING\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("A003"),
			UID:       true,
			Name:      "MOVE",
			Sequences: []SeqRange{{2, 4}},
			Mailbox:   []byte("MEETING"),
		},
	},
	{
		input: "s1 SEARCH UNSEEN\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("s1"),
			Name: "SEARCH",
			Search: Search{
				Op: &SearchOp{Key: "UNSEEN"},
			},
		},
	},
	{
		input: "s2 SEARCH CHARSET UTF-8 OR FROM fred SUBJECT dinner\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("s2"),
			Name: "SEARCH",
			Search: Search{
				Charset: "UTF-8",
				Op: &SearchOp{
					Key: "OR",
					Children: []SearchOp{
						{Key: "FROM", Value: "fred"},
						{Key: "SUBJECT", Value: "dinner"},
					},
				},
			},
		},
	},
	{
		input: "s3 SEARCH NOT (DELETED SINCE 1-Feb-1994)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("s3"),
			Name: "SEARCH",
			Search: Search{
				Op: &SearchOp{
					Key: "NOT",
					Children: []SearchOp{
						{
							Key: "AND",
							Children: []SearchOp{
								{Key: "DELETED"},
								{Key: "SINCE", Date: time.Date(1994, 2, 1, 0, 0, 0, 0, time.UTC)},
							},
						},
					},
				},
			},
		},
	},
	{
		input: "s4 SEARCH RETURN (MIN COUNT) 1:100 UNSEEN\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("s4"),
			Name: "SEARCH",
			Search: Search{
				Return: []string{"MIN", "COUNT"},
				Op: &SearchOp{
					Key: "AND",
					Children: []SearchOp{
						{Key: "SEQSET", Sequences: []SeqRange{{1, 100}}},
						{Key: "UNSEEN"},
					},
				},
			},
		},
	},
	{
		input: "s5 SEARCH MODSEQ 620162338\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("s5"),
			Name: "SEARCH",
			Search: Search{
				Op: &SearchOp{Key: "MODSEQ", Num: 620162338},
			},
		},
	},
	{
		// Per-metadata entry names are accepted and ignored.
		input: `s6 SEARCH MODSEQ "/flags/\\draft" all 620162338` + "\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("s6"),
			Name: "SEARCH",
			Search: Search{
				Op: &SearchOp{Key: "MODSEQ", Num: 620162338},
			},
		},
	},
	{
		input: "s7 UID SEARCH UID 443:557 LARGER 1024\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("s7"),
			Name: "SEARCH",
			UID:  true,
			Search: Search{
				Op: &SearchOp{
					Key: "AND",
					Children: []SearchOp{
						{Key: "UID", Sequences: []SeqRange{{443, 557}}},
						{Key: "LARGER", Num: 1024},
					},
				},
			},
		},
	},
	{
		input:  "s8 SEARCH XDRIVE\r\n",
		mode:   ModeSelected,
		errstr: "SEARCH key unknown",
	},
}

func literal(contents string) *iox.BufferFile {
	f := filer.BufferFile(0)
	if _, err := io.WriteString(f, contents); err != nil {
		panic(err)
	}
	return f
}

var filer = iox.NewFiler(0)

func TestParseCommand(t *testing.T) {
	for _, test := range parseCommandTests {
		name := test.name
		if name == "" {
			name = test.input
		}
		t.Run(name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(test.input))
			f := filer.BufferFile(1024)
			defer f.Close()
			p := &Parser{
				Scanner: NewScanner(r, f, nil),
				Mode:    test.mode,
			}
			err := p.ParseCommand()
			if err != nil {
				t.Logf("err=%v", err)
				errstr := err.Error()
				if !strings.Contains(errstr, test.errstr) {
					t.Errorf("parse error %q, want substring %q", errstr, test.errstr)
				}
				if test.errstr == "" {
					t.Errorf("unexpected parse error: %v", err)
				} else {
					if _, err := r.Peek(1); err != io.EOF {
						t.Errorf("unconsumed buffer on error: %d", r.Buffered())
					}
				}
				return
			}
			if test.errstr != "" {
				t.Fatalf("no parse error, want substring %q", test.errstr)
			}
			if !equalCommand(p.Command, test.output) {
				t.Errorf("ParseCommand=\n\t%v\n, want\n\t%v", p.Command, test.output)
			}
		})
	}
}

func equalSeqRange(s0, s1 []SeqRange) bool {
	if len(s0) == 0 && len(s1) == 0 {
		return true
	}
	return reflect.DeepEqual(s0, s1)
}

func equalCommand(c0, c1 Command) bool {
	if !bytes.Equal(c0.Tag, c1.Tag) {
		return false
	}
	if c0.Name != c1.Name {
		return false
	}
	if c0.UID != c1.UID {
		return false
	}
	if !bytes.Equal(c0.Mailbox, c1.Mailbox) {
		return false
	}
	if c0.Condstore != c1.Condstore {
		return false
	}
	if c0.Qresync.UIDValidity != c1.Qresync.UIDValidity {
		return false
	}
	if c0.Qresync.ModSeq != c1.Qresync.ModSeq {
		return false
	}
	if !equalSeqRange(c0.Qresync.UIDs, c1.Qresync.UIDs) {
		return false
	}
	if !equalSeqRange(c0.Qresync.KnownSeqNumMatch, c1.Qresync.KnownSeqNumMatch) {
		return false
	}
	if !equalSeqRange(c0.Qresync.KnownUIDMatch, c1.Qresync.KnownUIDMatch) {
		return false
	}
	if !equalSeqRange(c0.Sequences, c1.Sequences) {
		return false
	}
	if c0.Literal != nil || c1.Literal != nil {
		var c0len, c1len int64
		if c0.Literal != nil {
			c0len = c0.Literal.Size()
		}
		if c1.Literal != nil {
			c1len = c1.Literal.Size()
		}
		if c0len != c1len {
			return false
		}
		if c0len != 0 {
			r0 := io.NewSectionReader(c0.Literal, 0, c0.Literal.Size())
			b0, err := io.ReadAll(r0)
			if err != nil {
				return false
			}
			r1 := io.NewSectionReader(c1.Literal, 0, c1.Literal.Size())
			b1, err := io.ReadAll(r1)
			if err != nil {
				return false
			}
			if !bytes.Equal(b0, b1) {
				return false
			}
		}
	}
	if !bytes.Equal(c0.Rename.OldMailbox, c1.Rename.OldMailbox) {
		return false
	}
	if !bytes.Equal(c0.Rename.NewMailbox, c1.Rename.NewMailbox) {
		return false
	}
	if len(c0.Params) > 0 || len(c1.Params) > 0 {
		if !reflect.DeepEqual(c0.Params, c1.Params) {
			return false
		}
	}
	if !bytes.Equal(c0.Auth.Username, c1.Auth.Username) {
		return false
	}
	if !bytes.Equal(c0.Auth.Password, c1.Auth.Password) {
		return false
	}
	if len(c0.List.SelectOptions) > 0 || len(c1.List.SelectOptions) > 0 {
		if !reflect.DeepEqual(c0.List.SelectOptions, c1.List.SelectOptions) {
			return false
		}
	}
	if !bytes.Equal(c0.List.MailboxGlob, c1.List.MailboxGlob) {
		return false
	}
	if !bytes.Equal(c0.List.ReferenceName, c1.List.ReferenceName) {
		return false
	}
	if len(c0.List.ReturnOptions) > 0 || len(c1.List.ReturnOptions) > 0 {
		if !reflect.DeepEqual(c0.List.ReturnOptions, c1.List.ReturnOptions) {
			return false
		}
	}
	if len(c0.Status.Items) > 0 || len(c1.Status.Items) > 0 {
		if !reflect.DeepEqual(c0.Status.Items, c1.Status.Items) {
			return false
		}
	}
	if len(c0.Append.Flags) > 0 || len(c1.Append.Flags) > 0 {
		if !reflect.DeepEqual(c0.Append.Flags, c1.Append.Flags) {
			return false
		}
	}
	if !bytes.Equal(c0.Append.Date, c1.Append.Date) {
		return false
	}
	if len(c0.FetchItems) > 0 || len(c1.FetchItems) > 0 {
		if !reflect.DeepEqual(c0.FetchItems, c1.FetchItems) {
			return false
		}
	}
	if c0.ChangedSince != c1.ChangedSince {
		return false
	}
	if c0.Vanished != c1.Vanished {
		return false
	}
	if c0.Store.Mode != c1.Store.Mode {
		return false
	}
	if c0.Store.Silent != c1.Store.Silent {
		return false
	}
	if c0.Store.UnchangedSince != c1.Store.UnchangedSince {
		return false
	}
	if c0.Store.UnchangedSinceSet != c1.Store.UnchangedSinceSet {
		return false
	}
	if len(c0.Store.Flags) > 0 || len(c1.Store.Flags) > 0 {
		if !reflect.DeepEqual(c0.Store.Flags, c1.Store.Flags) {
			return false
		}
	}
	if !reflect.DeepEqual(c0.Search.Op, c1.Search.Op) {
		return false
	}
	if c0.Search.Charset != c1.Search.Charset {
		return false
	}
	if len(c0.Search.Return) > 0 || len(c1.Search.Return) > 0 {
		if !reflect.DeepEqual(c0.Search.Return, c1.Search.Return) {
			return false
		}
	}
	return true
}

func TestLiteralContinuationFunc(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	cont := make(chan string)
	contFn := func(msg string, len uint32) {
		if !strings.HasPrefix(msg, "+ ") {
			t.Errorf(`continuation message %q missing "+ " prefix`, msg)
		}
		if !strings.HasSuffix(msg, "\r\n") {
			t.Errorf("continuation message %q missing CRLF", msg)
		}
		cont <- msg
	}

	f := filer.BufferFile(1024)
	defer f.Close()

	p := &Parser{
		Scanner: NewScanner(bufio.NewReader(r), f, contFn),
	}
	parseErr := make(chan error)
	go func() {
		parseErr <- p.ParseCommand()
	}()

	if _, err := w.WriteString("A001 LOGIN {11}\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cont:
	case err := <-parseErr:
		t.Fatalf("parse error before username: %v", err)
	case <-time.After(1 * time.Second):
		t.Fatal("timeout before username")
	}
	if _, err := w.WriteString("FRED FOOBAR {7}\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cont:
	case err := <-parseErr:
		t.Fatalf("parse error before password: %v", err)
	case <-time.After(1 * time.Second):
		t.Fatal("timeout before password")
	}
	if _, err := w.WriteString("fat man\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-parseErr:
		if err != nil {
			t.Fatalf("parse error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for command")
	}

	cmd := &p.Command
	if cmd.Name != "LOGIN" {
		t.Errorf("command name is %q, want LOGIN", cmd.Name)
	}
	if got := string(cmd.Auth.Username); got != "FRED FOOBAR" {
		t.Errorf("username is %q, want FRED FOOBAR", got)
	}
	if got := string(cmd.Auth.Password); got != "fat man" {
		t.Errorf("password is %q, want fat man", got)
	}
}

// A non-synchronizing literal must not trigger a continuation request.
func TestNonSyncLiteralNoContinuation(t *testing.T) {
	contFn := func(msg string, len uint32) {
		t.Errorf("unexpected continuation request: %q", msg)
	}
	f := filer.BufferFile(1024)
	defer f.Close()

	input := "A001 LOGIN {4+}\r\nfred {6+}\r\nsecret\r\n"
	p := &Parser{
		Scanner: NewScanner(bufio.NewReader(strings.NewReader(input)), f, contFn),
	}
	if err := p.ParseCommand(); err != nil {
		t.Fatal(err)
	}
	if got := string(p.Command.Auth.Username); got != "fred" {
		t.Errorf("username is %q, want fred", got)
	}
	if got := string(p.Command.Auth.Password); got != "secret" {
		t.Errorf("password is %q, want secret", got)
	}
}

// A parse error must not desynchronize the session: the next command on
// the wire still parses.
func TestParseErrorRecovery(t *testing.T) {
	input := "A001 STORE 1 FLAGS (\\Seen)\r\nA002 NOOP\r\n"
	f := filer.BufferFile(1024)
	defer f.Close()
	p := &Parser{
		Scanner: NewScanner(bufio.NewReader(strings.NewReader(input)), f, nil),
		Mode:    ModeAuth, // STORE requires ModeSelected
	}
	err := p.ParseCommand()
	if err == nil {
		t.Fatal("STORE in auth mode did not error")
	}
	te, ok := err.(TaggedError)
	if !ok {
		t.Fatalf("error %v (%T), want TaggedError", err, err)
	}
	if te.Tag != "A001" {
		t.Errorf("error tag %q, want A001", te.Tag)
	}
	if err := p.ParseCommand(); err != nil {
		t.Fatalf("command after drain: %v", err)
	}
	if p.Command.Name != "NOOP" || string(p.Command.Tag) != "A002" {
		t.Errorf("command after drain is %s %s, want A002 NOOP", p.Command.Tag, p.Command.Name)
	}
}

func TestLineTooLong(t *testing.T) {
	f := filer.BufferFile(1024)
	defer f.Close()
	input := "A001 LOGIN " + strings.Repeat("x", 9000) + " secret\r\nA002 NOOP\r\n"
	sc := NewScanner(bufio.NewReader(strings.NewReader(input)), f, nil)
	sc.MaxLineLength = 8192
	p := &Parser{Scanner: sc}
	err := p.ParseCommand()
	if err != ErrLineTooLong {
		t.Fatalf("err=%v, want ErrLineTooLong", err)
	}
}
