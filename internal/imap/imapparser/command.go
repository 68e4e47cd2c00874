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

// Package imapparser implements the server side of the IMAP command
// grammar.
//
// At its core it covers RFC 3501, along with the grammar of the extensions
// the server advertises (CONDSTORE/QRESYNC, UIDPLUS, MOVE, LIST-EXTENDED,
// ENABLE, ID, COMPRESS). See RFC 4466 for the grammar shared by typical
// IMAP extensions.
//
// The Scanner tokenizes the inbound byte stream, honoring literal length
// prefixes, and the Parser assembles tokens into a typed Command. Both
// reuse their internal buffers: any []byte reachable from a Command is
// invalidated by the next ParseCommand call.
package imapparser

import (
	"time"

	"crawshaw.io/iox"
)

// Mode is the connection state the parser gates commands on.
type Mode int

const (
	ModeNonAuth Mode = iota
	ModeAuth
	ModeSelected
)

// Command is one parsed client command. Which fields are meaningful
// depends on Name.
type Command struct {
	Tag  []byte
	Name string

	// UID means the command carried the UID prefix and its response
	// reports UIDs instead of sequence numbers. Name is one of:
	// COPY, MOVE, FETCH, SEARCH, STORE, EXPUNGE.
	UID bool

	// Name is one of: SELECT, EXAMINE, CREATE, DELETE, STATUS, APPEND,
	// COPY, MOVE, SUBSCRIBE, UNSUBSCRIBE.
	Mailbox []byte

	// Name is one of: SELECT, EXAMINE
	Condstore bool
	Qresync   QresyncParam

	// Name is one of: FETCH, STORE, COPY, MOVE, EXPUNGE (UID form)
	Sequences []SeqRange

	// Name is one of: APPEND
	Literal *iox.BufferFile

	Rename struct { // Name: RENAME
		OldMailbox []byte
		NewMailbox []byte
	}

	Params [][]byte // Name: ENABLE, ID

	Auth struct { // Name: LOGIN, AUTHENTICATE PLAIN
		Username []byte
		Password []byte
	}

	List List // Name is one of: LIST, LSUB

	Status struct { // Name: STATUS
		Items []StatusItem
	}

	Append struct { // Name: APPEND
		Flags [][]byte
		Date  []byte
	}

	FetchItems   []FetchItem // Name: FETCH
	ChangedSince uint64      // Name: FETCH
	Vanished     bool        // Name: FETCH

	Store Store // Name: STORE

	Search Search // Name: SEARCH
}

// List carries the arguments of LIST and LSUB, including the RFC 5258
// LIST-EXTENDED selection and return options.
type List struct {
	ReferenceName []byte
	MailboxGlob   []byte

	SelectOptions []string // SUBSCRIBED, REMOTE, RECURSIVEMATCH, SPECIAL-USE
	ReturnOptions []string // SUBSCRIBED, CHILDREN, SPECIAL-USE
}

// QresyncParam is the RFC 7162 QRESYNC parameter of SELECT.
type QresyncParam struct {
	UIDValidity      uint32
	ModSeq           uint64
	UIDs             []SeqRange
	KnownSeqNumMatch []SeqRange
	KnownUIDMatch    []SeqRange
}

type Store struct {
	Mode           StoreMode
	Silent         bool
	Flags          [][]byte
	UnchangedSince uint64

	// UnchangedSinceSet distinguishes (UNCHANGEDSINCE 0) from the
	// modifier being absent.
	UnchangedSinceSet bool
}

type StoreMode int

const (
	StoreUnknown StoreMode = iota
	StoreAdd               // +FLAGS
	StoreRemove            // -FLAGS
	StoreReplace           //  FLAGS
)

func (s StoreMode) String() string {
	switch s {
	case StoreAdd:
		return "+FLAGS"
	case StoreRemove:
		return "-FLAGS"
	case StoreReplace:
		return "FLAGS"
	}
	return "StoreUnknown"
}

type StatusItem int

const (
	StatusUnknownItem StatusItem = iota
	StatusMessages
	StatusRecent
	StatusUIDNext
	StatusUIDValidity
	StatusUnseen
	StatusHighestModSeq
)

type FetchItem struct {
	Type    FetchItemType
	Peek    bool             // BODY.PEEK
	Section FetchItemSection // Type is FetchBody
	Partial struct {
		Start  uint32
		Length uint32
	}
}

type FetchItemSection struct {
	Path    []uint16
	Name    string // One of: HEADER, HEADER.FIELDS[.NOT], TEXT, MIME
	Headers [][]byte
}

type FetchItemType string

const (
	FetchUnknown = FetchItemType("FetchUnknown")

	// Macro items, only valid as the sole fetch item.
	FetchAll  = FetchItemType("ALL")
	FetchFull = FetchItemType("FULL")
	FetchFast = FetchItemType("FAST")

	FetchEnvelope      = FetchItemType("ENVELOPE")
	FetchFlags         = FetchItemType("FLAGS")
	FetchInternalDate  = FetchItemType("INTERNALDATE")
	FetchRFC822Header  = FetchItemType("RFC822.HEADER")
	FetchRFC822Size    = FetchItemType("RFC822.SIZE")
	FetchRFC822Text    = FetchItemType("RFC822.TEXT")
	FetchUID           = FetchItemType("UID")
	FetchBodyStructure = FetchItemType("BODYSTRUCTURE")
	FetchBody          = FetchItemType("BODY")
	FetchModSeq        = FetchItemType("MODSEQ")
)

type Search struct {
	Op      *SearchOp
	Charset string
	Return  []string // MIN, MAX, ALL, COUNT
}

// SearchOp is a node of the parsed SEARCH key tree.
type SearchOp struct {
	// Key is an IMAP search key. Two keys exist that are not in RFC 3501:
	//
	//	AND: every element of Children must match. It stands in for
	//	the '(' grammar and lets the whole command be one SearchOp.
	//
	//	SEQSET: match against message sequence numbers. This names the
	//	implicit <sequence-set> search key.
	Key SearchKey

	// Children is set when Key is one of: AND, OR, NOT.
	// For NOT, len(Children) == 1.
	Children []SearchOp

	// Value is set when Key is one of: BCC, BODY, CC, FROM,
	// HEADER ("<field-name>: <string>"), KEYWORD, UNKEYWORD, SUBJECT,
	// TEXT, TO.
	Value string

	Num       uint64     // Key is one of: LARGER, SMALLER, MODSEQ
	Sequences []SeqRange // Key is one of: SEQSET, UID

	Date time.Time // Key is one of: BEFORE, ON, SINCE, SENTBEFORE, SENTON, SENTSINCE
}

type SearchKey string

func clearBytes(b *[]byte) {
	if *b != nil {
		*b = (*b)[:0]
	}
}

func (cmd *Command) reset() {
	clearBytes(&cmd.Tag)
	cmd.Name = ""
	cmd.UID = false
	clearBytes(&cmd.Mailbox)
	cmd.Condstore = false
	cmd.Qresync = QresyncParam{}
	if cmd.Sequences != nil {
		cmd.Sequences = cmd.Sequences[:0]
	}
	if cmd.Literal != nil {
		if err := cmd.Literal.Truncate(0); err != nil {
			panic(err)
		}
		if _, err := cmd.Literal.Seek(0, 0); err != nil {
			panic(err)
		}
	}
	clearBytes(&cmd.Rename.OldMailbox)
	clearBytes(&cmd.Rename.NewMailbox)
	cmd.Params = nil // rarely used (ENABLE, ID), release the memory
	clearBytes(&cmd.Auth.Username)
	clearBytes(&cmd.Auth.Password)
	cmd.List.SelectOptions = cmd.List.SelectOptions[:0]
	cmd.List.ReturnOptions = cmd.List.ReturnOptions[:0]
	clearBytes(&cmd.List.ReferenceName)
	clearBytes(&cmd.List.MailboxGlob)
	if cmd.Status.Items != nil {
		cmd.Status.Items = cmd.Status.Items[:0]
	}
	cmd.Append.Flags = clearValues(cmd.Append.Flags)
	clearBytes(&cmd.Append.Date)
	cmd.FetchItems = clearItems(cmd.FetchItems)
	cmd.ChangedSince = 0
	cmd.Vanished = false
	cmd.Store = Store{Flags: clearValues(cmd.Store.Flags)}
	cmd.Search.Op = nil
	cmd.Search.Charset = ""
	cmd.Search.Return = cmd.Search.Return[:0]
}

func clearItems(items []FetchItem) []FetchItem {
	if items == nil {
		return nil
	}
	items = items[:cap(items)]
	for i := range items {
		items[i].reset()
	}
	return items[:0]
}

func clearValues(values [][]byte) [][]byte {
	if values == nil {
		return nil
	}
	values = values[:cap(values)]
	for i := range values {
		values[i] = values[i][:0]
	}
	return values[:0]
}

// appendValue appends a copy of src as a new element, reusing element
// capacity left behind by clearValues.
func appendValue(values [][]byte, src []byte) [][]byte {
	if len(values) < cap(values) {
		values = values[:len(values)+1]
	} else {
		values = append(values, make([]byte, 0, len(src)))
	}
	values[len(values)-1] = append(values[len(values)-1], src...)
	return values
}

func appendItem(items []FetchItem, src *FetchItem) []FetchItem {
	if len(items) < cap(items) {
		items = items[:len(items)+1]
	} else {
		items = append(items, FetchItem{})
	}
	copyItem(&items[len(items)-1], src)
	return items
}

func (item *FetchItem) reset() {
	item.Type = ""
	item.Peek = false
	item.Section.Name = ""
	if item.Section.Path != nil {
		item.Section.Path = item.Section.Path[:0]
	}
	item.Section.Headers = clearValues(item.Section.Headers)
	item.Partial.Start = 0
	item.Partial.Length = 0
}

func copyItem(dst, src *FetchItem) {
	dst.Type = src.Type
	dst.Peek = src.Peek
	dst.Section.Name = src.Section.Name
	dst.Section.Path = append(dst.Section.Path[:0], src.Section.Path...)
	dst.Section.Headers = dst.Section.Headers[:0]
	for _, h := range src.Section.Headers {
		dst.Section.Headers = appendValue(dst.Section.Headers, h)
	}
	dst.Partial = src.Partial
}
