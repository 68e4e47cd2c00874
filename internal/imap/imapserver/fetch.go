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
	"bytes"
	"fmt"
	"io"
	"net/mail"
	"sort"
	"strings"

	"github.com/emersion/go-message"

	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/imap/imapparser"
)

func expandFetchMacro(items []imapparser.FetchItem) []imapparser.FetchItem {
	if len(items) != 1 {
		return items
	}
	mk := func(types ...imapparser.FetchItemType) []imapparser.FetchItem {
		out := make([]imapparser.FetchItem, len(types))
		for i, t := range types {
			out[i] = imapparser.FetchItem{Type: t}
		}
		return out
	}
	switch items[0].Type {
	case imapparser.FetchFast:
		return mk(imapparser.FetchFlags, imapparser.FetchInternalDate, imapparser.FetchRFC822Size)
	case imapparser.FetchAll:
		return mk(imapparser.FetchFlags, imapparser.FetchInternalDate, imapparser.FetchRFC822Size, imapparser.FetchEnvelope)
	case imapparser.FetchFull:
		return mk(imapparser.FetchFlags, imapparser.FetchInternalDate, imapparser.FetchRFC822Size, imapparser.FetchEnvelope, imapparser.FetchBodyStructure)
	}
	return items
}

func (c *Conn) cmdFetch() {
	cmd := &c.p.Command

	if cmd.ChangedSince > 0 {
		c.condstore = true
	}
	if cmd.Vanished {
		if cmd.ChangedSince == 0 {
			c.respondln("BAD VANISHED requires CHANGEDSINCE")
			return
		}
		c.writeVanished(cmd.ChangedSince, cmd.Sequences)
	}

	msgs, err := c.resolvedMsgs()
	if err != nil {
		c.log.Error("FETCH", err)
		c.respondln("NO FETCH failed")
		return
	}

	items := expandFetchMacro(cmd.FetchItems)

	withModSeq := false
	setSeen := false
	for _, item := range items {
		if item.Type == imapparser.FetchModSeq {
			withModSeq = true
		}
		if item.Type == imapparser.FetchBody && !item.Peek && item.Section.Name != "MIME" {
			setSeen = true
		}
		if item.Type == imapparser.FetchRFC822Text {
			setSeen = true
		}
	}
	// CHANGEDSINCE makes every response carry MODSEQ (RFC 7162 §3.1.4.1).
	if c.condstore && cmd.ChangedSince > 0 {
		withModSeq = true
	}

	for _, msg := range msgs {
		if cmd.ChangedSince > 0 && msg.ModSeq <= cmd.ChangedSince {
			continue
		}
		if setSeen && msg.Unseen && !c.sel.readOnly {
			updated, err := c.server.Store.SetFlags(c.user, msg.ID, append(append([]string(nil), msg.Flags...), module.FlagSeen))
			if err != nil {
				c.log.Error("FETCH set \\Seen", err, "uid", msg.UID)
			} else {
				c.notify(module.JournalEntry{
					Mailbox: c.sel.mailbox.ID,
					ModSeq:  updated.ModSeq,
					Kind:    module.JournalFetch,
					UID:     updated.UID,
					Flags:   updated.Flags,
				})
				msg = updated
			}
		}
		if err := c.writeFetchResponse(msg, items, withModSeq); err != nil {
			c.log.Error("FETCH", err, "uid", msg.UID)
			c.respondln("NO FETCH failed")
			return
		}
	}
	c.respondln("OK FETCH completed")
}

// writeVanished emits the "* VANISHED (EARLIER)" response for UIDs
// expunged after changedSince, limited to the requested UID set.
func (c *Conn) writeVanished(changedSince uint64, uidSet []imapparser.SeqRange) {
	entries, err := c.server.Store.JournalSince(c.user, c.sel.mailbox.ID, changedSince)
	if err != nil {
		c.log.Error("FETCH VANISHED", err)
		return
	}
	var vanished []imapparser.SeqRange
	for _, e := range entries {
		if e.Kind != module.JournalExpunge {
			continue
		}
		if len(uidSet) > 0 && !imapparser.SeqContains(uidSet, e.UID) {
			continue
		}
		vanished = imapparser.AppendSeqRange(vanished, e.UID)
	}
	if len(vanished) == 0 {
		return
	}
	c.writef("* VANISHED (EARLIER) ")
	imapparser.FormatSeqs(c.bw, vanished)
	c.writef("\r\n")
}

func (c *Conn) writeFetchResponse(msg *module.Message, items []imapparser.FetchItem, withModSeq bool) error {
	cmd := &c.p.Command
	c.writef("* %d FETCH (", c.sel.seqNum(msg.UID))

	first := true
	sep := func() {
		if !first {
			c.writef(" ")
		}
		first = false
	}

	wroteUID := false
	for i := range items {
		item := &items[i]
		switch item.Type {
		case imapparser.FetchUID:
			sep()
			c.writef("UID %d", msg.UID)
			wroteUID = true
		case imapparser.FetchFlags:
			sep()
			c.writef("FLAGS %s", flagList(msg.Flags))
		case imapparser.FetchInternalDate:
			sep()
			c.writef("INTERNALDATE \"%s\"", msg.IDate.Format("02-Jan-2006 15:04:05 -0700"))
		case imapparser.FetchRFC822Size:
			sep()
			c.writef("RFC822.SIZE %d", msg.Size)
		case imapparser.FetchEnvelope:
			sep()
			c.writef("ENVELOPE ")
			c.writeEnvelope(msg)
		case imapparser.FetchModSeq:
			// written below, once
		case imapparser.FetchBodyStructure:
			sep()
			c.writef("BODYSTRUCTURE ")
			if err := c.writeBodyStructure(msg); err != nil {
				return err
			}
		case imapparser.FetchRFC822Header:
			sep()
			c.writef("RFC822.HEADER ")
			c.writeSectionLiteral(headerBytes(msg.Headers), nil)
		case imapparser.FetchRFC822Text:
			b, err := c.sectionBytes(msg, &imapparser.FetchItem{
				Type:    imapparser.FetchBody,
				Section: imapparser.FetchItemSection{Name: "TEXT"},
			})
			if err != nil {
				return err
			}
			sep()
			c.writef("RFC822.TEXT ")
			c.writeSectionLiteral(b, nil)
		case imapparser.FetchBody:
			b, err := c.sectionBytes(msg, item)
			if err != nil {
				return err
			}
			sep()
			c.writef("BODY[%s]", sectionSpec(item))
			if item.Partial.Length > 0 {
				c.writef("<%d>", item.Partial.Start)
			}
			c.writef(" ")
			c.writeSectionLiteral(b, item)
		}
	}
	if withModSeq {
		sep()
		c.writef("MODSEQ (%d)", msg.ModSeq)
	}
	if cmd.UID && !wroteUID {
		sep()
		c.writef("UID %d", msg.UID)
	}
	c.writef(")\r\n")
	return c.flush()
}

func sectionSpec(item *imapparser.FetchItem) string {
	var parts []string
	for _, p := range item.Section.Path {
		parts = append(parts, fmt.Sprintf("%d", p))
	}
	spec := strings.Join(parts, ".")
	if item.Section.Name != "" {
		if spec != "" {
			spec += "."
		}
		spec += item.Section.Name
		if strings.HasPrefix(item.Section.Name, "HEADER.FIELDS") {
			var names []string
			for _, h := range item.Section.Headers {
				names = append(names, string(h))
			}
			spec += " (" + strings.Join(names, " ") + ")"
		}
	}
	return spec
}

// writeSectionLiteral writes b as a literal, applying the item's
// partial range if any.
func (c *Conn) writeSectionLiteral(b []byte, item *imapparser.FetchItem) {
	if item != nil && item.Partial.Length > 0 {
		start := item.Partial.Start
		if uint32(len(b)) < start {
			b = nil
		} else {
			b = b[start:]
		}
		if uint32(len(b)) > item.Partial.Length {
			b = b[:item.Partial.Length]
		}
	}
	c.writef("{%d}\r\n", len(b))
	c.bw.Write(b)
}

func headerBytes(headers []module.HeaderField) []byte {
	buf := new(bytes.Buffer)
	for _, h := range headers {
		fmt.Fprintf(buf, "%s: %s\r\n", h.Key, h.Value)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func (c *Conn) rawBody(msg *module.Message) ([]byte, error) {
	body, err := c.server.Store.OpenBody(c.user, msg.ID)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

// sectionBytes materializes one BODY[...] section of the message.
func (c *Conn) sectionBytes(msg *module.Message, item *imapparser.FetchItem) ([]byte, error) {
	raw, err := c.rawBody(msg)
	if err != nil {
		return nil, err
	}

	if len(item.Section.Path) == 0 {
		switch item.Section.Name {
		case "":
			return raw, nil
		case "HEADER":
			return splitMessage(raw, true), nil
		case "TEXT":
			return splitMessage(raw, false), nil
		case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
			return filterHeaderFields(splitMessage(raw, true), item), nil
		}
		return nil, fmt.Errorf("imapserver: unsupported section %q", item.Section.Name)
	}

	part, err := findPart(raw, item.Section.Path)
	if err != nil {
		return nil, err
	}
	switch item.Section.Name {
	case "":
		b, err := io.ReadAll(part.Body)
		return b, err
	case "MIME", "HEADER":
		buf := new(bytes.Buffer)
		fields := part.Header.Fields()
		for fields.Next() {
			fmt.Fprintf(buf, "%s: %s\r\n", fields.Key(), fields.Value())
		}
		buf.WriteString("\r\n")
		return buf.Bytes(), nil
	case "TEXT":
		b, err := io.ReadAll(part.Body)
		return b, err
	case "HEADER.FIELDS", "HEADER.FIELDS.NOT":
		buf := new(bytes.Buffer)
		fields := part.Header.Fields()
		for fields.Next() {
			fmt.Fprintf(buf, "%s: %s\r\n", fields.Key(), fields.Value())
		}
		buf.WriteString("\r\n")
		return filterHeaderFields(buf.Bytes(), item), nil
	}
	return nil, fmt.Errorf("imapserver: unsupported section %q", item.Section.Name)
}

// splitMessage returns the header (including the blank line) or the
// body of a raw RFC 2822 message.
func splitMessage(raw []byte, header bool) []byte {
	i := bytes.Index(raw, []byte("\r\n\r\n"))
	if i < 0 {
		if header {
			return raw
		}
		return nil
	}
	if header {
		return raw[:i+4]
	}
	return raw[i+4:]
}

// filterHeaderFields applies HEADER.FIELDS or HEADER.FIELDS.NOT to a
// raw header block, preserving the original field text.
func filterHeaderFields(rawHeader []byte, item *imapparser.FetchItem) []byte {
	negate := item.Section.Name == "HEADER.FIELDS.NOT"
	want := func(name string) bool {
		for _, h := range item.Section.Headers {
			if strings.EqualFold(string(h), name) {
				return !negate
			}
		}
		return negate
	}

	buf := new(bytes.Buffer)
	lines := bytes.Split(rawHeader, []byte("\r\n"))
	keep := false
	for _, line := range lines {
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// continuation of the previous field
			if keep {
				buf.Write(line)
				buf.WriteString("\r\n")
			}
			continue
		}
		i := bytes.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		keep = want(string(bytes.TrimSpace(line[:i])))
		if keep {
			buf.Write(line)
			buf.WriteString("\r\n")
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// findPart walks the numeric section path into the MIME structure.
// Part 1 of a non-multipart message is the message itself.
func findPart(raw []byte, path []uint16) (*message.Entity, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	for _, idx := range path {
		mr := ent.MultipartReader()
		if mr == nil {
			if idx == 1 {
				continue
			}
			return nil, fmt.Errorf("imapserver: no such body part")
		}
		var part *message.Entity
		for i := uint16(0); i < idx; i++ {
			part, err = mr.NextPart()
			if err != nil {
				return nil, fmt.Errorf("imapserver: no such body part")
			}
		}
		ent = part
	}
	return ent, nil
}

func (c *Conn) writeNString(s string) {
	if s == "" {
		c.writef("NIL")
		return
	}
	c.writeString(s)
}

func (c *Conn) writeAddressList(raw string) {
	if raw == "" {
		c.writef("NIL")
		return
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil || len(addrs) == 0 {
		c.writef("NIL")
		return
	}
	c.writef("(")
	for _, a := range addrs {
		mailbox, host := a.Address, ""
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
			mailbox, host = a.Address[:i], a.Address[i+1:]
		}
		c.writef("(")
		c.writeNString(a.Name)
		c.writef(" NIL ")
		c.writeNString(mailbox)
		c.writef(" ")
		c.writeNString(host)
		c.writef(")")
	}
	c.writef(")")
}

// writeEnvelope writes the RFC 3501 ENVELOPE structure from the parsed
// header fields.
func (c *Conn) writeEnvelope(msg *module.Message) {
	from := msg.Header("From")
	sender := msg.Header("Sender")
	if sender == "" {
		sender = from
	}
	replyTo := msg.Header("Reply-To")
	if replyTo == "" {
		replyTo = from
	}

	c.writef("(")
	c.writeNString(msg.Header("Date"))
	c.writef(" ")
	c.writeNString(msg.Header("Subject"))
	c.writef(" ")
	c.writeAddressList(from)
	c.writef(" ")
	c.writeAddressList(sender)
	c.writef(" ")
	c.writeAddressList(replyTo)
	c.writef(" ")
	c.writeAddressList(msg.Header("To"))
	c.writef(" ")
	c.writeAddressList(msg.Header("Cc"))
	c.writef(" ")
	c.writeAddressList(msg.Header("Bcc"))
	c.writef(" ")
	c.writeNString(msg.Header("In-Reply-To"))
	c.writef(" ")
	c.writeNString(msg.Header("Message-Id"))
	c.writef(")")
}

// writeBodyStructure writes the non-extensible BODYSTRUCTURE form,
// parsed from the raw message.
func (c *Conn) writeBodyStructure(msg *module.Message) error {
	raw, err := c.rawBody(msg)
	if err != nil {
		return err
	}
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		// Unparsable message; report an opaque text part.
		c.writef(`("TEXT" "PLAIN" ("CHARSET" "utf-8") NIL NIL "7BIT" %d %d)`,
			len(raw), bytes.Count(raw, []byte("\n")))
		return nil
	}
	c.writeEntityStructure(ent)
	return nil
}

func (c *Conn) writeEntityStructure(ent *message.Entity) {
	if mr := ent.MultipartReader(); mr != nil {
		c.writef("(")
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			c.writeEntityStructure(part)
		}
		t, _, _ := ent.Header.ContentType()
		sub := "MIXED"
		if i := strings.IndexByte(t, '/'); i >= 0 {
			sub = strings.ToUpper(t[i+1:])
		}
		c.writef(" ")
		c.writeString(sub)
		c.writef(")")
		return
	}

	t, params, _ := ent.Header.ContentType()
	typ, sub := "text", "plain"
	if i := strings.IndexByte(t, '/'); i >= 0 {
		typ, sub = t[:i], t[i+1:]
	}
	body, _ := io.ReadAll(ent.Body)

	c.writef("(")
	c.writeString(strings.ToUpper(typ))
	c.writef(" ")
	c.writeString(strings.ToUpper(sub))
	c.writef(" ")
	if len(params) == 0 {
		c.writef("NIL")
	} else {
		// Deterministic parameter order.
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		c.writef("(")
		for i, k := range keys {
			if i > 0 {
				c.writef(" ")
			}
			c.writeString(strings.ToUpper(k))
			c.writef(" ")
			c.writeString(params[k])
		}
		c.writef(")")
	}
	c.writef(" NIL NIL ")
	enc := ent.Header.Get("Content-Transfer-Encoding")
	if enc == "" {
		enc = "7BIT"
	}
	c.writeString(strings.ToUpper(enc))
	c.writef(" %d", len(body))
	if strings.EqualFold(typ, "text") {
		c.writef(" %d", bytes.Count(body, []byte("\n")))
	}
	c.writef(")")
}
