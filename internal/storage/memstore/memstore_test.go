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

package memstore

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/tealmail/teal/framework/module"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mod, err := New("storage.memory", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	return mod.(*Store)
}

func deliver(t *testing.T, s *Store, user, mailboxID, raw string) *module.Message {
	t.Helper()
	msg := &module.Message{User: user, Mailbox: mailboxID}
	if err := s.AddMessage(msg, strings.NewReader(raw)); err != nil {
		t.Fatal(err)
	}
	return msg
}

const testMsg = "From: sam@example.org\r\n" +
	"To: mira@example.org\r\n" +
	"Subject: Re: budget\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 -0700\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attached\r\n"

func TestMailboxLifecycle(t *testing.T) {
	s := newTestStore(t)

	inbox, err := s.CreateMailbox("mira", "INBOX", module.SpecialUseNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateMailbox("mira", "INBOX", module.SpecialUseNone); !errors.Is(err, module.ErrMailboxExists) {
		t.Fatalf("duplicate create: want ErrMailboxExists, got %v", err)
	}

	archive, err := s.CreateMailbox("mira", "Archive", module.SpecialUseArchive)
	if err != nil {
		t.Fatal(err)
	}
	if archive.UIDValidity == inbox.UIDValidity {
		t.Error("UIDVALIDITY reused across mailboxes")
	}
	if archive.ModifyIndex <= inbox.ModifyIndex {
		t.Errorf("ModifyIndex not monotonic: %d then %d", inbox.ModifyIndex, archive.ModifyIndex)
	}

	if err := s.RenameMailbox("mira", "Archive", "Old"); err != nil {
		t.Fatal(err)
	}
	if err := s.RenameMailbox("mira", "Old", "INBOX"); !errors.Is(err, module.ErrMailboxExists) {
		t.Fatalf("rename onto existing: want ErrMailboxExists, got %v", err)
	}

	boxes, err := s.Mailboxes("mira")
	if err != nil {
		t.Fatal(err)
	}
	if len(boxes) != 2 || boxes[0].Path != "INBOX" || boxes[1].Path != "Old" {
		t.Fatalf("unexpected mailbox list: %+v", boxes)
	}

	if _, err := s.Mailbox("sam", "INBOX"); !errors.Is(err, module.ErrNoSuchMailbox) {
		t.Fatalf("cross-user access: want ErrNoSuchMailbox, got %v", err)
	}
}

func TestAddMessageAssignsUIDAndModSeq(t *testing.T) {
	s := newTestStore(t)
	inbox, err := s.CreateMailbox("mira", "INBOX", module.SpecialUseNone)
	if err != nil {
		t.Fatal(err)
	}

	first := deliver(t, s, "mira", inbox.ID, testMsg)
	second := deliver(t, s, "mira", inbox.ID, testMsg)

	if first.UID != 1 || second.UID != 2 {
		t.Errorf("UIDs: got %d, %d", first.UID, second.UID)
	}
	if second.ModSeq <= first.ModSeq {
		t.Errorf("ModSeq not monotonic: %d then %d", first.ModSeq, second.ModSeq)
	}
	if first.Size != int64(len(testMsg)) {
		t.Errorf("size: want %d, got %d", len(testMsg), first.Size)
	}
}

func TestParseContent(t *testing.T) {
	s := newTestStore(t)
	inbox, _ := s.CreateMailbox("mira", "INBOX", module.SpecialUseNone)
	msg := deliver(t, s, "mira", inbox.ID, testMsg)

	if got := msg.Header("Subject"); got != "Re: budget" {
		t.Errorf("Subject: got %q", got)
	}
	if msg.Text != "see attached\r\n" {
		t.Errorf("Text: got %q", msg.Text)
	}
	if msg.HDate.IsZero() {
		t.Error("HDate not parsed")
	}
	// Reply prefix folds into the same thread as the original subject.
	if msg.Thread != "budget" {
		t.Errorf("Thread: got %q", msg.Thread)
	}
}

func TestThreadKey(t *testing.T) {
	for _, test := range []struct {
		subject, want string
	}{
		{"budget", "budget"},
		{"Re: budget", "budget"},
		{"RE: FWD: budget", "budget"},
		{"Fw:   Budget  Report", "budget report"},
		{"", ""},
	} {
		if got := threadKey(test.subject); got != test.want {
			t.Errorf("threadKey(%q): want %q, got %q", test.subject, test.want, got)
		}
	}
}

func TestSetFlagsAndMove(t *testing.T) {
	s := newTestStore(t)
	inbox, _ := s.CreateMailbox("mira", "INBOX", module.SpecialUseNone)
	archive, _ := s.CreateMailbox("mira", "Archive", module.SpecialUseArchive)
	msg := deliver(t, s, "mira", inbox.ID, testMsg)

	updated, err := s.SetFlags("mira", msg.ID, []string{module.FlagSeen})
	if err != nil {
		t.Fatal(err)
	}
	if !updated.HasFlag(module.FlagSeen) || updated.Unseen {
		t.Error("flag update not reflected")
	}

	prevSeq := updated.ModSeq
	moved, err := s.MoveMessage("mira", msg.ID, archive.ID)
	if err != nil {
		t.Fatal(err)
	}
	if moved.Mailbox != archive.ID {
		t.Error("message not moved")
	}
	if moved.UID != 1 {
		t.Errorf("UID not reassigned from destination: got %d", moved.UID)
	}
	if moved.ModSeq <= prevSeq {
		t.Errorf("ModSeq not advanced on move: %d then %d", prevSeq, moved.ModSeq)
	}

	if _, err := s.MoveMessage("mira", msg.ID, "nope"); !errors.Is(err, module.ErrNoSuchMailbox) {
		t.Fatalf("move to unknown mailbox: want ErrNoSuchMailbox, got %v", err)
	}
}

func TestOpenBody(t *testing.T) {
	s := newTestStore(t)
	inbox, _ := s.CreateMailbox("mira", "INBOX", module.SpecialUseNone)
	msg := deliver(t, s, "mira", inbox.ID, testMsg)

	body, err := s.OpenBody("mira", msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != testMsg {
		t.Error("body roundtrip mismatch")
	}
	if body.Size != int64(len(testMsg)) {
		t.Errorf("size: want %d, got %d", len(testMsg), body.Size)
	}

	if _, err := s.OpenBody("sam", msg.ID); !errors.Is(err, module.ErrNoSuchMsg) {
		t.Fatalf("cross-user body access: want ErrNoSuchMsg, got %v", err)
	}
}

func TestJournal(t *testing.T) {
	s := newTestStore(t)
	inbox, _ := s.CreateMailbox("mira", "INBOX", module.SpecialUseNone)
	msg := deliver(t, s, "mira", inbox.ID, testMsg)

	err := s.AppendJournal("mira", module.JournalEntry{
		Mailbox: inbox.ID,
		Kind:    module.JournalExists,
		UID:     msg.UID,
		ModSeq:  msg.ModSeq,
	})
	if err != nil {
		t.Fatal(err)
	}
	// ModSeq 0 entries get the next account modseq assigned.
	if err := s.AppendJournal("mira", module.JournalEntry{
		Mailbox: inbox.ID,
		Kind:    module.JournalExpunge,
		UID:     msg.UID,
	}); err != nil {
		t.Fatal(err)
	}

	entries, err := s.JournalSince("mira", inbox.ID, msg.ModSeq)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != module.JournalExpunge {
		t.Fatalf("unexpected journal tail: %+v", entries)
	}
	if entries[0].ModSeq <= msg.ModSeq {
		t.Error("assigned journal modseq not past message modseq")
	}

	high, err := s.HighestModSeq("mira")
	if err != nil {
		t.Fatal(err)
	}
	if high < msg.ModSeq {
		t.Errorf("HighestModSeq %d below message modseq %d", high, msg.ModSeq)
	}
}
