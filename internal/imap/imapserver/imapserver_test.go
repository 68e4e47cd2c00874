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

package imapserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/imap/imapparser"
)

func TestLoginFailure(t *testing.T) {
	env := newTestEnv(t)
	s := env.dial(t)
	s.write("a1 LOGIN mira wrongpass")
	line := s.expect("a1 NO")
	if !strings.Contains(line, "AUTHENTICATIONFAILED") {
		t.Errorf("got %q, want AUTHENTICATIONFAILED response code", line)
	}
}

func TestBadCommandRecovery(t *testing.T) {
	env := newTestEnv(t)
	s := env.dial(t)
	s.write("a1 XDRIVE")
	s.expect("a1 BAD")
	s.write("a2 NOOP")
	s.expect("a2 OK")
}

func TestSelectPreamble(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)
	s := env.dial(t)
	s.login()

	s.write("a2 SELECT INBOX")
	var untagged []string
	var tagged string
	for {
		line := s.readLine()
		if strings.HasPrefix(line, "a2 ") {
			tagged = line
			break
		}
		untagged = append(untagged, line)
	}
	if !strings.HasPrefix(tagged, "a2 OK [READ-WRITE]") {
		t.Errorf("tagged response %q, want OK [READ-WRITE]", tagged)
	}
	want := []string{"* 1 EXISTS", "* 0 RECENT", "* OK [UIDVALIDITY 1]", "* OK [UIDNEXT 2]", "* OK [HIGHESTMODSEQ 2]"}
	for _, w := range want {
		found := false
		for _, line := range untagged {
			if line == w {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing untagged response %q in %q", w, untagged)
		}
	}
}

func TestFetchBasic(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)
	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write("a3 FETCH 1 (FLAGS UID)")
	s.expect("* 1 FETCH (FLAGS () UID 1)")
	s.expect("a3 OK")

	s.write("a4 FETCH 1 RFC822.SIZE")
	got := s.expect("* 1 FETCH (RFC822.SIZE ")
	if want := fmt.Sprintf("* 1 FETCH (RFC822.SIZE %d)", len(testMsgRaw)); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	s.expect("a4 OK")
}

func TestFetchBodySection(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)
	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write("a3 FETCH 1 BODY.PEEK[HEADER.FIELDS (Subject)]")
	line := s.expect("* 1 FETCH (BODY[HEADER.FIELDS (Subject)] {")
	// The literal spans lines; read its contents.
	if !strings.HasSuffix(line, "}") {
		t.Fatalf("no literal in %q", line)
	}
	s.expect("Subject: afternoon meeting")
	s.expectUntil("a3 OK")

	// Peek must not set \Seen.
	s.write("a4 FETCH 1 FLAGS")
	s.expect("* 1 FETCH (FLAGS ())")
	s.expect("a4 OK")
}

// BODYSTRUCTURE output is byte-stable: MIME parameters come out in
// sorted order, not Go map order.
func TestFetchBodyStructureStableParams(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, "From: foobar@example.org\r\n"+
		"To: mira@example.org\r\n"+
		"Subject: params\r\n"+
		"Content-Type: text/plain; format=flowed; charset=utf-8; delsp=no\r\n"+
		"\r\n"+
		"Hello.\r\n")
	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write("a3 FETCH 1 BODYSTRUCTURE")
	first := s.expect("* 1 FETCH (BODYSTRUCTURE ")
	s.expect("a3 OK")

	wantParams := "(CHARSET utf-8 DELSP no FORMAT flowed)"
	if !strings.Contains(first, wantParams) {
		t.Errorf("parameter list not sorted: %q, want substring %q", first, wantParams)
	}

	s.write("a4 FETCH 1 BODYSTRUCTURE")
	second := s.expect("* 1 FETCH (BODYSTRUCTURE ")
	s.expect("a4 OK")
	if first != second {
		t.Errorf("BODYSTRUCTURE varies between fetches:\n%q\n%q", first, second)
	}
}

// Untagged responses for concurrent changes are written before the next
// tagged response.
func TestUntaggedBeforeTagged(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)
	s := env.dial(t)
	s.login()
	s.selectInbox()

	env.deliver(t, testMsgRaw)

	s.write("a3 NOOP")
	s.expect("* 2 EXISTS")
	s.expect("a3 OK")

	// The new message is addressable immediately.
	s.write("a4 FETCH 2 UID")
	s.expect("* 2 FETCH (UID 2)")
	s.expect("a4 OK")
}

// STORE UNCHANGEDSINCE skips messages changed after the given MODSEQ
// and reports them in the MODIFIED response code.
func TestStoreUnchangedSince(t *testing.T) {
	env := newTestEnv(t)
	m1 := env.deliver(t, testMsgRaw)
	m2 := env.deliver(t, testMsgRaw)
	m3 := env.deliver(t, testMsgRaw)
	m1.ModSeq = 50
	m2.ModSeq = 80
	m3.ModSeq = 60
	env.inbox.ModifyIndex = 100

	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write(`a3 STORE 1:3 (UNCHANGEDSINCE 70) +FLAGS (\Flagged)`)
	s.expect(`* 1 FETCH (UID 1 FLAGS (\Flagged) MODSEQ (101))`)
	s.expect(`* 3 FETCH (UID 3 FLAGS (\Flagged) MODSEQ (102))`)
	s.expect("a3 OK [MODIFIED 2] STORE completed")

	if m2.HasFlag(module.FlagFlagged) {
		t.Error("message with MODSEQ above UNCHANGEDSINCE was modified")
	}
	if !m1.HasFlag(module.FlagFlagged) || !m3.HasFlag(module.FlagFlagged) {
		t.Error("messages below UNCHANGEDSINCE were not modified")
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	m1 := env.deliver(t, testMsgRaw)
	env.deliver(t, testMsgRaw)
	m1.Flags = []string{module.FlagSeen}
	m1.SyncFlags()

	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write("a3 SEARCH UNSEEN")
	s.expect("* SEARCH 2")
	s.expect("a3 OK")

	s.write("a4 SEARCH RETURN (MIN COUNT) ALL")
	s.expect(`* ESEARCH (TAG "a4") MIN 1 COUNT 2`)
	s.expect("a4 OK")

	s.write("a5 UID SEARCH RETURN (ALL) UNSEEN")
	s.expect(`* ESEARCH (TAG "a5") UID ALL 2`)
	s.expect("a5 OK")

	s.write("a6 SEARCH TEXT 3:30")
	s.expect("* SEARCH 1 2")
	s.expect("a6 OK")
}

func TestExpunge(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)
	env.deliver(t, testMsgRaw)

	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write(`a3 STORE 1 +FLAGS.SILENT (\Deleted)`)
	s.expect("a3 OK")
	s.write("a4 EXPUNGE")
	s.expect("* 1 EXPUNGE")
	s.expect("a4 OK")

	// The remaining message renumbers to 1.
	s.write("a5 FETCH 1 UID")
	s.expect("* 1 FETCH (UID 2)")
	s.expect("a5 OK")
}

func TestCopyMove(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)
	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write("a3 CREATE Archive")
	s.expect("a3 OK")

	s.write("a4 COPY 1 Archive")
	s.expect("a4 OK [COPYUID 1 1 1] COPY completed")

	s.write("a5 UID MOVE 1 Archive")
	s.expect("* OK [COPYUID 1 1 2]")
	s.expect("* 1 EXPUNGE")
	s.expect("a5 OK MOVE completed")
}

func TestIdle(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)
	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write("a3 IDLE")
	s.expect("+ idling")

	// Give the session time to register its watcher.
	time.Sleep(100 * time.Millisecond)
	env.deliver(t, testMsgRaw)

	s.expect("* 2 EXISTS")
	s.write("DONE")
	s.expect("a3 OK IDLE terminated")
}

func TestQresyncVanished(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)       // modseq 2
	m2 := env.deliver(t, testMsgRaw) // modseq 3

	// Expunge the second message out of band.
	if err := env.store.DeleteMessage("mira", m2.ID); err != nil {
		t.Fatal(err)
	}
	err := env.notifier.Notify(context.Background(), "mira", module.JournalEntry{
		Mailbox: env.inbox.ID,
		Kind:    module.JournalExpunge,
		UID:     m2.UID,
	})
	if err != nil {
		t.Fatal(err)
	}

	s := env.dial(t)
	s.login()
	s.write("a2 ENABLE QRESYNC")
	s.expect("* ENABLED QRESYNC")
	s.expect("a2 OK")

	s.write("a3 SELECT INBOX (QRESYNC (1 2))")
	s.expectUntil("* VANISHED (EARLIER) 2")
	s.expectUntil("a3 OK")
}

func TestUnselect(t *testing.T) {
	env := newTestEnv(t)
	env.deliver(t, testMsgRaw)
	s := env.dial(t)
	s.login()
	s.selectInbox()

	s.write("a3 UNSELECT")
	s.expect("a3 OK")

	// Selected-state commands are rejected now.
	s.write("a4 FETCH 1 UID")
	s.expect("a4 BAD")
}

// COMPRESS must be refused once the connection has begun closing, so
// the DEFLATE swap never races connection teardown.
func TestCompressWhileClosing(t *testing.T) {
	env := newTestEnv(t)
	out := new(bytes.Buffer)
	c := &Conn{
		server:  env.server,
		closing: true,
	}
	c.bw = bufio.NewWriter(out)
	c.p = &imapparser.Parser{}
	c.p.Command.Tag = []byte("a1")
	c.p.Command.Name = "COMPRESS"

	c.cmdCompress()
	if got := out.String(); got != "a1 NO connection is shutting down\r\n" {
		t.Errorf("got %q", got)
	}
	if c.compressing {
		t.Error("compression engaged on a closing connection")
	}
}

func TestServerClose(t *testing.T) {
	env := newTestEnv(t)
	s := env.dial(t)
	s.write("a1 NOOP")
	s.expect("a1 OK")

	done := make(chan struct{})
	go func() {
		env.server.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not drain connections")
	}
}
