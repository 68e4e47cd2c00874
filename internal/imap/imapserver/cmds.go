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
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"

	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/imap/imapparser"
)

// resolvedMsgs returns the messages addressed by the command's sequence
// set, in mailbox order. The UID form resolves against UIDs, the plain
// form against the session's sequence numbers.
func (c *Conn) resolvedMsgs() ([]*module.Message, error) {
	cmd := &c.p.Command
	sel := c.sel

	msgs, err := c.server.Store.Messages(c.user, sel.mailbox.ID)
	if err != nil {
		return nil, err
	}
	byUID := make(map[uint32]*module.Message, len(msgs))
	for _, msg := range msgs {
		byUID[msg.UID] = msg
	}

	var uids []uint32
	if cmd.UID {
		uids = imapparser.ResolveSeqs(cmd.Sequences, sel.uids)
	} else {
		nums := make([]uint32, len(sel.uids))
		for i := range nums {
			nums[i] = uint32(i) + 1
		}
		for _, n := range imapparser.ResolveSeqs(cmd.Sequences, nums) {
			uids = append(uids, sel.uids[n-1])
		}
	}

	out := make([]*module.Message, 0, len(uids))
	for _, uid := range uids {
		if msg := byUID[uid]; msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (c *Conn) cmdExpunge() {
	cmd := &c.p.Command
	if c.sel.readOnly {
		c.respondln("NO mailbox is read-only")
		return
	}
	msgs, err := c.server.Store.Messages(c.user, c.sel.mailbox.ID)
	if err != nil {
		c.log.Error("EXPUNGE", err)
		c.respondln("NO EXPUNGE failed")
		return
	}

	// The UID form removes only \Deleted messages within the UID set.
	var limit []imapparser.SeqRange
	if cmd.UID {
		limit = cmd.Sequences
	}

	sel := c.sel
	for _, msg := range msgs {
		if msg.Undeleted {
			continue
		}
		if limit != nil && !imapparser.SeqContains(limit, msg.UID) {
			continue
		}
		if err := c.server.Store.DeleteMessage(c.user, msg.ID); err != nil {
			c.log.Error("EXPUNGE", err, "uid", msg.UID)
			continue
		}
		c.notify(module.JournalEntry{
			Mailbox: sel.mailbox.ID,
			Kind:    module.JournalExpunge,
			UID:     msg.UID,
		})
		if n := sel.seqNum(msg.UID); n != 0 {
			sel.uids = append(sel.uids[:n-1], sel.uids[n:]...)
			c.writef("* %d EXPUNGE\r\n", n)
		}
	}
	c.respondln("OK EXPUNGE completed")
}

func (c *Conn) cmdStore() {
	cmd := &c.p.Command
	if c.sel.readOnly {
		c.respondln("NO mailbox is read-only")
		return
	}
	msgs, err := c.resolvedMsgs()
	if err != nil {
		c.log.Error("STORE", err)
		c.respondln("NO STORE failed")
		return
	}

	st := &cmd.Store
	if st.UnchangedSinceSet {
		// Any CONDSTORE enabling command turns the extension on
		// (RFC 7162 §3.1).
		c.condstore = true
	}
	flags := make([]string, 0, len(st.Flags))
	for _, f := range st.Flags {
		flags = append(flags, string(f))
	}

	// UIDs (or sequence numbers, for the plain form) of messages the
	// UNCHANGEDSINCE test refused to touch.
	var modified []imapparser.SeqRange

	for _, msg := range msgs {
		if st.UnchangedSinceSet && msg.ModSeq > st.UnchangedSince {
			v := msg.UID
			if !cmd.UID {
				v = c.sel.seqNum(msg.UID)
			}
			modified = imapparser.AppendSeqRange(modified, v)
			continue
		}

		var newFlags []string
		switch st.Mode {
		case imapparser.StoreReplace:
			newFlags = flags
		case imapparser.StoreAdd:
			newFlags = append(newFlags, msg.Flags...)
			for _, f := range flags {
				if !msg.HasFlag(f) {
					newFlags = append(newFlags, f)
				}
			}
		case imapparser.StoreRemove:
			for _, have := range msg.Flags {
				drop := false
				for _, f := range flags {
					if strings.EqualFold(have, f) {
						drop = true
						break
					}
				}
				if !drop {
					newFlags = append(newFlags, have)
				}
			}
		}

		updated, err := c.server.Store.SetFlags(c.user, msg.ID, newFlags)
		if err != nil {
			c.log.Error("STORE", err, "uid", msg.UID)
			c.respondln("NO STORE failed")
			return
		}
		c.notify(module.JournalEntry{
			Mailbox: c.sel.mailbox.ID,
			ModSeq:  updated.ModSeq,
			Kind:    module.JournalFetch,
			UID:     updated.UID,
			Flags:   updated.Flags,
		})

		// With UNCHANGEDSINCE in play even .SILENT stores report the
		// new MODSEQ (RFC 7162 §3.1.3).
		if !st.Silent || (st.UnchangedSinceSet && c.condstore) {
			c.writef("* %d FETCH (UID %d FLAGS %s", c.sel.seqNum(updated.UID), updated.UID, flagList(updated.Flags))
			if c.condstore {
				c.writef(" MODSEQ (%d)", updated.ModSeq)
			}
			c.writef(")\r\n")
		}
	}

	if len(modified) > 0 {
		c.bw.Write(c.p.Command.Tag)
		c.writef(" OK [MODIFIED ")
		imapparser.FormatSeqs(c.bw, modified)
		c.writef("] STORE completed\r\n")
		if err := c.flush(); err != nil {
			c.close()
		}
		return
	}
	c.respondln("OK STORE completed")
}

// matchMsg adapts a stored message to the search matcher, loading the
// message content only when the matcher reaches a content key.
type matchMsg struct {
	c      *Conn
	msg    *module.Message
	seqNum uint32

	text       string
	textLoaded bool
}

func (m *matchMsg) SeqNum() uint32            { return m.seqNum }
func (m *matchMsg) UID() uint32               { return m.msg.UID }
func (m *matchMsg) ModSeq() uint64            { return m.msg.ModSeq }
func (m *matchMsg) Flag(name string) bool     { return m.msg.HasFlag(name) }
func (m *matchMsg) Header(name string) string { return m.msg.Header(name) }
func (m *matchMsg) InternalDate() time.Time   { return m.msg.IDate }
func (m *matchMsg) SentDate() time.Time       { return m.msg.HDate }
func (m *matchMsg) RFC822Size() uint64        { return uint64(m.msg.Size) }

func (m *matchMsg) Text() string {
	if !m.textLoaded {
		m.text = m.c.loadText(m.msg)
		m.textLoaded = true
	}
	return m.text
}

// loadText extracts the searchable text of a message. The extracted
// text column is preferred; otherwise the raw body is parsed and its
// text/* parts concatenated.
func (c *Conn) loadText(msg *module.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	body, err := c.server.Store.OpenBody(c.user, msg.ID)
	if err != nil {
		c.log.Error("search body read", err, "uid", msg.UID)
		return ""
	}
	defer body.Close()
	ent, err := message.Read(body)
	if err != nil {
		return ""
	}
	return collectText(ent)
}

func collectText(ent *message.Entity) string {
	if mr := ent.MultipartReader(); mr != nil {
		var sb strings.Builder
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			sb.WriteString(collectText(part))
		}
		return sb.String()
	}
	t, _, _ := ent.Header.ContentType()
	if strings.HasPrefix(t, "text/") {
		b, _ := io.ReadAll(ent.Body)
		return string(b)
	}
	return ""
}

func hasModSeqOp(op *imapparser.SearchOp) bool {
	if op == nil {
		return false
	}
	if op.Key == "MODSEQ" {
		return true
	}
	for i := range op.Children {
		if hasModSeqOp(&op.Children[i]) {
			return true
		}
	}
	return false
}

func (c *Conn) cmdSearch() {
	cmd := &c.p.Command

	op := cmd.Search.Op
	if op == nil {
		op = &imapparser.SearchOp{Key: "ALL"}
	}
	matcher, err := imapparser.NewMatcher(op)
	if err != nil {
		c.respondln("BAD SEARCH %v", err)
		return
	}

	msgs, err := c.server.Store.Messages(c.user, c.sel.mailbox.ID)
	if err != nil {
		c.log.Error("SEARCH", err)
		c.respondln("NO SEARCH failed")
		return
	}

	var results []uint32 // UIDs or sequence numbers, ascending
	var maxModSeq uint64
	for _, msg := range msgs {
		seqNum := c.sel.seqNum(msg.UID)
		if seqNum == 0 {
			continue
		}
		m := &matchMsg{c: c, msg: msg, seqNum: seqNum}
		if !matcher.Match(m) {
			continue
		}
		if cmd.UID {
			results = append(results, msg.UID)
		} else {
			results = append(results, seqNum)
		}
		if msg.ModSeq > maxModSeq {
			maxModSeq = msg.ModSeq
		}
	}

	withModSeq := hasModSeqOp(cmd.Search.Op)
	if withModSeq {
		c.condstore = true
	}

	if len(cmd.Search.Return) > 0 {
		c.writeESearch(results, withModSeq, maxModSeq)
	} else {
		c.writef("* SEARCH")
		for _, v := range results {
			c.writef(" %d", v)
		}
		if withModSeq && len(results) > 0 {
			c.writef(" (MODSEQ %d)", maxModSeq)
		}
		c.writef("\r\n")
	}
	c.respondln("OK SEARCH completed")
}

// writeESearch writes the RFC 4731 ESEARCH response. Result options
// appear in the fixed order MIN, MAX, COUNT, ALL; MODSEQ follows the
// RFC 4731 §3.2 rules for which modseq value it reports.
func (c *Conn) writeESearch(results []uint32, withModSeq bool, maxModSeq uint64) {
	cmd := &c.p.Command

	c.writef("* ESEARCH (TAG \"%s\")", cmd.Tag)
	if cmd.UID {
		c.writef(" UID")
	}
	want := func(name string) bool { return hasOption(cmd.Search.Return, name) }
	if len(results) > 0 {
		if want("MIN") {
			c.writef(" MIN %d", results[0])
		}
		if want("MAX") {
			c.writef(" MAX %d", results[len(results)-1])
		}
	}
	if want("COUNT") {
		c.writef(" COUNT %d", len(results))
	}
	if want("ALL") && len(results) > 0 {
		var seqs []imapparser.SeqRange
		for _, v := range results {
			seqs = imapparser.AppendSeqRange(seqs, v)
		}
		c.writef(" ALL ")
		imapparser.FormatSeqs(c.bw, seqs)
	}
	if withModSeq && len(results) > 0 {
		c.writef(" MODSEQ %d", maxModSeq)
	}
	c.writef("\r\n")
}

func (c *Conn) cmdCopyOrMove() {
	cmd := &c.p.Command
	dest, err := c.server.Store.Mailbox(c.user, string(cmd.Mailbox))
	if err != nil {
		c.respondln("NO [TRYCREATE] no such mailbox")
		return
	}
	if dest.ID == c.sel.mailbox.ID {
		c.respondln("NO %s destination is the source mailbox", cmd.Name)
		return
	}
	msgs, err := c.resolvedMsgs()
	if err != nil {
		c.log.Error(cmd.Name, err)
		c.respondln("NO %s failed", cmd.Name)
		return
	}
	if len(msgs) == 0 {
		c.respondln("OK %s completed", cmd.Name)
		return
	}

	var srcUIDs, dstUIDs []imapparser.SeqRange
	sel := c.sel
	for _, msg := range msgs {
		srcUID := msg.UID
		var newUID uint32

		if cmd.Name == "MOVE" {
			moved, err := c.server.Store.MoveMessage(c.user, msg.ID, dest.ID)
			if err != nil {
				c.log.Error("MOVE", err, "uid", srcUID)
				c.respondln("NO MOVE failed")
				return
			}
			newUID = moved.UID
			c.notify(module.JournalEntry{
				Mailbox: sel.mailbox.ID,
				Kind:    module.JournalExpunge,
				UID:     srcUID,
			})
			c.notify(module.JournalEntry{
				Mailbox: dest.ID,
				ModSeq:  moved.ModSeq,
				Kind:    module.JournalExists,
				UID:     moved.UID,
			})
		} else {
			body, err := c.server.Store.OpenBody(c.user, msg.ID)
			if err != nil {
				c.log.Error("COPY", err, "uid", srcUID)
				c.respondln("NO COPY failed")
				return
			}
			clone := &module.Message{
				User:    c.user,
				Mailbox: dest.ID,
				Flags:   append([]string(nil), msg.Flags...),
				IDate:   msg.IDate,
				HDate:   msg.HDate,
				Size:    msg.Size,
			}
			clone.SyncFlags()
			err = c.server.Store.AddMessage(clone, body)
			body.Close()
			if err != nil {
				c.log.Error("COPY", err, "uid", srcUID)
				c.respondln("NO COPY failed")
				return
			}
			newUID = clone.UID
			c.notify(module.JournalEntry{
				Mailbox: dest.ID,
				ModSeq:  clone.ModSeq,
				Kind:    module.JournalExists,
				UID:     clone.UID,
			})
		}

		srcUIDs = imapparser.AppendSeqRange(srcUIDs, srcUID)
		dstUIDs = imapparser.AppendSeqRange(dstUIDs, newUID)
	}

	if cmd.Name == "MOVE" {
		// RFC 6851: COPYUID rides an untagged OK, then the source
		// messages are expunged.
		c.writef("* OK [COPYUID %d ", dest.UIDValidity)
		imapparser.FormatSeqs(c.bw, srcUIDs)
		c.writef(" ")
		imapparser.FormatSeqs(c.bw, dstUIDs)
		c.writef("]\r\n")
		for _, msg := range msgs {
			if n := sel.seqNum(msg.UID); n != 0 {
				sel.uids = append(sel.uids[:n-1], sel.uids[n:]...)
				c.writef("* %d EXPUNGE\r\n", n)
			}
		}
		c.respondln("OK MOVE completed")
		return
	}

	c.bw.Write(cmd.Tag)
	c.writef(" OK [COPYUID %d ", dest.UIDValidity)
	imapparser.FormatSeqs(c.bw, srcUIDs)
	c.writef(" ")
	imapparser.FormatSeqs(c.bw, dstUIDs)
	c.writef("] COPY completed\r\n")
	if err := c.flush(); err != nil {
		c.close()
	}
}
