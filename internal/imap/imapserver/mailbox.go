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
	"context"
	"sort"
	"strings"
	"time"

	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/imap/imapparser"
	"github.com/tealmail/teal/internal/imap/imapparser/utf7"
)

// writeString writes s as an IMAP atom, quoted string, or literal,
// whichever is the simplest encoding that can carry it.
func (c *Conn) writeString(s string) {
	if s == "" {
		c.bw.WriteString(`""`)
		return
	}
	atom, quotable := true, true
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b < 0x20 || b > 0x7e {
			atom, quotable = false, false
			break
		}
		switch b {
		case '"', '\\':
			atom = false
		case ' ', '(', ')', '{', '%', '*', ']':
			atom = false
		}
	}
	switch {
	case atom:
		c.bw.WriteString(s)
	case quotable:
		c.bw.WriteByte('"')
		for i := 0; i < len(s); i++ {
			if s[i] == '"' || s[i] == '\\' {
				c.bw.WriteByte('\\')
			}
			c.bw.WriteByte(s[i])
		}
		c.bw.WriteByte('"')
	default:
		c.writef("{%d}\r\n%s", len(s), s)
	}
}

// writeMailbox writes the mailbox path, UTF-7 encoded per RFC 3501 §5.1.3.
func (c *Conn) writeMailbox(path string) {
	c.writeString(utf7.Encode(path))
}

func flagList(flags []string) string {
	return "(" + strings.Join(flags, " ") + ")"
}

// drainJournal writes the untagged responses for journal entries the
// session has not seen yet and advances the drain position. Entries the
// session itself already applied are skipped by inspecting the view.
func (c *Conn) drainJournal() {
	sel := c.sel
	entries, err := c.server.Store.JournalSince(c.user, sel.mailbox.ID, sel.journalModSeq)
	if err != nil {
		c.log.Error("journal read", err)
		return
	}
	for i := range entries {
		e := &entries[i]
		if e.ModSeq > sel.journalModSeq {
			sel.journalModSeq = e.ModSeq
		}
		switch e.Kind {
		case module.JournalExists:
			if sel.seqNum(e.UID) != 0 {
				continue
			}
			sel.uids = append(sel.uids, e.UID)
			c.writef("* %d EXISTS\r\n", len(sel.uids))
		case module.JournalExpunge:
			n := sel.seqNum(e.UID)
			if n == 0 {
				continue
			}
			sel.uids = append(sel.uids[:n-1], sel.uids[n:]...)
			c.writef("* %d EXPUNGE\r\n", n)
		case module.JournalFetch:
			n := sel.seqNum(e.UID)
			if n == 0 {
				continue
			}
			c.writef("* %d FETCH (UID %d FLAGS %s", n, e.UID, flagList(e.Flags))
			if c.condstore {
				c.writef(" MODSEQ (%d)", e.ModSeq)
			}
			c.writef(")\r\n")
		}
	}
}

func (c *Conn) notify(entry module.JournalEntry) {
	if c.server.Notifier == nil {
		return
	}
	if err := c.server.Notifier.Notify(context.Background(), c.user, entry); err != nil {
		c.log.Error("notify", err)
	}
}

func (c *Conn) unselect() {
	c.sel = nil
	c.p.Mode = imapparser.ModeAuth
}

// expungeSilently removes \Deleted messages without emitting untagged
// EXPUNGE responses, as CLOSE requires.
func (c *Conn) expungeSilently() {
	if c.sel == nil || c.sel.readOnly {
		return
	}
	msgs, err := c.server.Store.Messages(c.user, c.sel.mailbox.ID)
	if err != nil {
		c.log.Error("CLOSE expunge", err)
		return
	}
	for _, msg := range msgs {
		if msg.Undeleted {
			continue
		}
		if err := c.server.Store.DeleteMessage(c.user, msg.ID); err != nil {
			c.log.Error("CLOSE expunge", err, "uid", msg.UID)
			continue
		}
		c.notify(module.JournalEntry{
			Mailbox: c.sel.mailbox.ID,
			Kind:    module.JournalExpunge,
			UID:     msg.UID,
		})
	}
}

func (c *Conn) cmdSelect() {
	cmd := &c.p.Command

	// A failed SELECT leaves the session deselected (RFC 3501 §6.3.1).
	c.unselect()

	mbox, err := c.server.Store.Mailbox(c.user, string(cmd.Mailbox))
	if err != nil {
		if err == module.ErrNoSuchMailbox {
			c.respondln("NO %s no such mailbox", cmd.Name)
		} else {
			c.log.Error("SELECT", err)
			c.respondln("NO %s failed", cmd.Name)
		}
		return
	}
	msgs, err := c.server.Store.Messages(c.user, mbox.ID)
	if err != nil {
		c.log.Error("SELECT", err)
		c.respondln("NO %s failed", cmd.Name)
		return
	}

	sel := &selected{
		mailbox:       mbox,
		readOnly:      cmd.Name == "EXAMINE",
		uids:          make([]uint32, len(msgs)),
		journalModSeq: mbox.ModifyIndex,
	}
	firstUnseen := uint32(0)
	for i, msg := range msgs {
		sel.uids[i] = msg.UID
		if firstUnseen == 0 && msg.Unseen {
			firstUnseen = uint32(i) + 1
		}
	}
	c.sel = sel
	c.p.Mode = imapparser.ModeSelected
	if cmd.Condstore {
		c.condstore = true
	}

	flags := mbox.Flags
	if len(flags) == 0 {
		flags = []string{module.FlagSeen, module.FlagAnswered, module.FlagFlagged, module.FlagDeleted, module.FlagDraft}
	}
	c.writef("* FLAGS %s\r\n", flagList(flags))
	c.writef("* %d EXISTS\r\n", len(msgs))
	c.writef("* 0 RECENT\r\n")
	if firstUnseen != 0 {
		c.writef("* OK [UNSEEN %d]\r\n", firstUnseen)
	}
	if sel.readOnly {
		c.writef("* OK [PERMANENTFLAGS ()] read-only mailbox\r\n")
	} else {
		c.writef("* OK [PERMANENTFLAGS (%s \\*)]\r\n", strings.Join(flags, " "))
	}
	c.writef("* OK [UIDVALIDITY %d]\r\n", mbox.UIDValidity)
	c.writef("* OK [UIDNEXT %d]\r\n", mbox.UIDNext)
	c.writef("* OK [HIGHESTMODSEQ %d]\r\n", mbox.ModifyIndex)

	if cmd.Qresync.UIDValidity != 0 {
		c.qresyncPreamble(msgs)
	}

	if sel.readOnly {
		c.respondln("OK [READ-ONLY] EXAMINE completed")
	} else {
		c.respondln("OK [READ-WRITE] %s completed", cmd.Name)
	}
}

// qresyncPreamble replays, at SELECT time, what the client missed since
// the MODSEQ it presented (RFC 7162 §3.2.5).
func (c *Conn) qresyncPreamble(msgs []*module.Message) {
	q := &c.p.Command.Qresync
	mbox := c.sel.mailbox
	if q.UIDValidity != mbox.UIDValidity {
		// UIDVALIDITY changed; the client resyncs from scratch.
		return
	}

	limit := func(uid uint32) bool {
		return len(q.UIDs) == 0 || imapparser.SeqContains(q.UIDs, uid)
	}

	entries, err := c.server.Store.JournalSince(c.user, mbox.ID, q.ModSeq)
	if err != nil {
		c.log.Error("QRESYNC journal read", err)
		return
	}
	var vanished []imapparser.SeqRange
	for _, e := range entries {
		if e.Kind == module.JournalExpunge && limit(e.UID) {
			vanished = imapparser.AppendSeqRange(vanished, e.UID)
		}
	}
	if len(vanished) > 0 {
		c.writef("* VANISHED (EARLIER) ")
		imapparser.FormatSeqs(c.bw, vanished)
		c.writef("\r\n")
	}

	for i, msg := range msgs {
		if msg.ModSeq <= q.ModSeq || !limit(msg.UID) {
			continue
		}
		c.writef("* %d FETCH (UID %d FLAGS %s MODSEQ (%d))\r\n",
			i+1, msg.UID, flagList(msg.Flags), msg.ModSeq)
	}
}

func (c *Conn) cmdStatus() {
	cmd := &c.p.Command
	mbox, err := c.server.Store.Mailbox(c.user, string(cmd.Mailbox))
	if err != nil {
		c.respondln("NO STATUS no such mailbox")
		return
	}
	msgs, err := c.server.Store.Messages(c.user, mbox.ID)
	if err != nil {
		c.log.Error("STATUS", err)
		c.respondln("NO STATUS failed")
		return
	}
	unseen := 0
	for _, msg := range msgs {
		if msg.Unseen {
			unseen++
		}
	}

	c.writef("* STATUS ")
	c.writeMailbox(mbox.Path)
	c.writef(" (")
	for i, item := range cmd.Status.Items {
		if i > 0 {
			c.writef(" ")
		}
		switch item {
		case imapparser.StatusMessages:
			c.writef("MESSAGES %d", len(msgs))
		case imapparser.StatusRecent:
			c.writef("RECENT 0")
		case imapparser.StatusUIDNext:
			c.writef("UIDNEXT %d", mbox.UIDNext)
		case imapparser.StatusUIDValidity:
			c.writef("UIDVALIDITY %d", mbox.UIDValidity)
		case imapparser.StatusUnseen:
			c.writef("UNSEEN %d", unseen)
		case imapparser.StatusHighestModSeq:
			c.writef("HIGHESTMODSEQ %d", mbox.ModifyIndex)
		}
	}
	c.writef(")\r\n")
	c.respondln("OK STATUS completed")
}

func (c *Conn) cmdCreate() {
	path := string(c.p.Command.Mailbox)
	if strings.EqualFold(path, "INBOX") || strings.HasSuffix(path, "/") {
		c.respondln("NO CREATE invalid mailbox name")
		return
	}
	if _, err := c.server.Store.CreateMailbox(c.user, path, module.SpecialUseNone); err != nil {
		if err == module.ErrMailboxExists {
			c.respondln("NO [ALREADYEXISTS] mailbox exists")
		} else {
			c.log.Error("CREATE", err)
			c.respondln("NO CREATE failed")
		}
		return
	}
	c.respondln("OK CREATE completed")
}

// mailboxGlobMatch matches an RFC 3501 LIST pattern: '*' matches any
// characters, '%' matches any characters except the hierarchy delimiter.
func mailboxGlobMatch(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if mailboxGlobMatch(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(name); i++ {
			if mailboxGlobMatch(pattern[1:], name[i:]) {
				return true
			}
			if i < len(name) && name[i] == '/' {
				return false
			}
		}
		return false
	default:
		if name == "" || name[0] != pattern[0] {
			return false
		}
		return mailboxGlobMatch(pattern[1:], name[1:])
	}
}

func hasOption(opts []string, name string) bool {
	for _, o := range opts {
		if o == name {
			return true
		}
	}
	return false
}

func (c *Conn) cmdList() {
	cmd := &c.p.Command
	verb := cmd.Name // LIST or LSUB

	// An empty pattern queries the hierarchy delimiter.
	if len(cmd.List.MailboxGlob) == 0 {
		c.writef("* %s (\\Noselect) \"/\" \"\"\r\n", verb)
		c.respondln("OK %s completed", verb)
		return
	}

	pattern := string(cmd.List.ReferenceName) + string(cmd.List.MailboxGlob)
	onlySubscribed := verb == "LSUB" || hasOption(cmd.List.SelectOptions, "SUBSCRIBED")
	onlySpecialUse := hasOption(cmd.List.SelectOptions, "SPECIAL-USE")
	returnChildren := hasOption(cmd.List.ReturnOptions, "CHILDREN")

	mailboxes, err := c.server.Store.Mailboxes(c.user)
	if err != nil {
		c.log.Error(verb, err)
		c.respondln("NO %s failed", verb)
		return
	}
	sort.Slice(mailboxes, func(i, j int) bool { return mailboxes[i].Path < mailboxes[j].Path })

	for _, mbox := range mailboxes {
		if !mailboxGlobMatch(pattern, mbox.Path) {
			continue
		}
		if onlySubscribed && !mbox.Subscribed {
			continue
		}
		if onlySpecialUse && mbox.SpecialUse == module.SpecialUseNone {
			continue
		}

		var attrs []string
		if mbox.SpecialUse != module.SpecialUseNone && mbox.SpecialUse != module.SpecialUseInbox {
			attrs = append(attrs, mbox.SpecialUse)
		}
		if verb == "LIST" && hasOption(cmd.List.ReturnOptions, "SUBSCRIBED") && mbox.Subscribed {
			attrs = append(attrs, "\\Subscribed")
		}
		if returnChildren {
			hasChildren := false
			prefix := mbox.Path + "/"
			for _, other := range mailboxes {
				if strings.HasPrefix(other.Path, prefix) {
					hasChildren = true
					break
				}
			}
			if hasChildren {
				attrs = append(attrs, "\\HasChildren")
			} else {
				attrs = append(attrs, "\\HasNoChildren")
			}
		}

		c.writef("* %s %s \"/\" ", verb, flagList(attrs))
		c.writeMailbox(mbox.Path)
		c.writef("\r\n")
	}
	c.respondln("OK %s completed", verb)
}

func (c *Conn) cmdAppend() {
	cmd := &c.p.Command
	mbox, err := c.server.Store.Mailbox(c.user, string(cmd.Mailbox))
	if err != nil {
		c.respondln("NO [TRYCREATE] no such mailbox")
		return
	}
	if cmd.Literal == nil || cmd.Literal.Size() == 0 {
		c.respondln("NO APPEND empty message")
		return
	}

	idate := time.Now()
	if len(cmd.Append.Date) > 0 {
		t, err := time.Parse("2-Jan-2006 15:04:05 -0700", string(cmd.Append.Date))
		if err != nil {
			c.respondln("BAD APPEND invalid date-time")
			return
		}
		idate = t
	}
	flags := make([]string, 0, len(cmd.Append.Flags))
	for _, f := range cmd.Append.Flags {
		flags = append(flags, string(f))
	}

	msg := &module.Message{
		User:    c.user,
		Mailbox: mbox.ID,
		Flags:   flags,
		IDate:   idate,
		Size:    cmd.Literal.Size(),
	}
	msg.SyncFlags()

	if _, err := cmd.Literal.Seek(0, 0); err != nil {
		c.log.Error("APPEND", err)
		c.respondln("NO APPEND failed")
		return
	}
	if err := c.server.Store.AddMessage(msg, cmd.Literal); err != nil {
		c.log.Error("APPEND", err)
		c.respondln("NO APPEND failed")
		return
	}
	c.notify(module.JournalEntry{
		Mailbox: mbox.ID,
		ModSeq:  msg.ModSeq,
		Kind:    module.JournalExists,
		UID:     msg.UID,
	})

	// If the target is the selected mailbox the new message shows up
	// through the journal drain before the next tagged response.
	if c.sel != nil && c.sel.mailbox.ID == mbox.ID {
		c.drainJournal()
	}
	c.respondln("OK [APPENDUID %d %d] APPEND completed", mbox.UIDValidity, msg.UID)
}
