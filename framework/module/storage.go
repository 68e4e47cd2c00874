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

package module

import (
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrNoSuchMailbox is returned by Storage for lookups of mailboxes that
	// do not exist or are not owned by the requesting user.
	ErrNoSuchMailbox = errors.New("storage: no such mailbox")

	// ErrNoSuchMsg is returned by Storage for lookups of messages that do
	// not exist or are not owned by the requesting user.
	ErrNoSuchMsg = errors.New("storage: no such message")

	// ErrMailboxExists is returned by CreateMailbox if the path is taken.
	ErrMailboxExists = errors.New("storage: mailbox already exists")
)

// Special-use attributes (RFC 6154). SpecialUseNone marks a regular mailbox.
const (
	SpecialUseNone    = ""
	SpecialUseInbox   = "\\Inbox"
	SpecialUseSent    = "\\Sent"
	SpecialUseDrafts  = "\\Drafts"
	SpecialUseTrash   = "\\Trash"
	SpecialUseJunk    = "\\Junk"
	SpecialUseArchive = "\\Archive"
)

// System flags (RFC 3501 §2.3.2).
const (
	FlagSeen     = "\\Seen"
	FlagAnswered = "\\Answered"
	FlagFlagged  = "\\Flagged"
	FlagDeleted  = "\\Deleted"
	FlagDraft    = "\\Draft"
	FlagRecent   = "\\Recent"
)

// Mailbox is the metadata record of a single mailbox.
//
// UIDValidity is fixed at creation. UIDNext only grows and is always larger
// than any UID ever assigned in this mailbox. ModifyIndex is the
// mailbox-scoped MODSEQ source and only grows.
type Mailbox struct {
	ID          string
	User        string
	Path        string
	UIDNext     uint32
	UIDValidity uint32
	ModifyIndex uint64
	SpecialUse  string
	Subscribed  bool

	// Flags permitted on messages in this mailbox, reported in the
	// FLAGS untagged response on SELECT.
	Flags []string
}

// HeaderField is a single parsed message header.
type HeaderField struct {
	Key   string
	Value string
}

// Message is the metadata record of a single stored message.
//
// The Unseen, Flagged, Draft and Undeleted booleans mirror Flags and must
// be kept in sync through SyncFlags.
type Message struct {
	ID      string
	User    string
	Mailbox string
	UID     uint32
	ModSeq  uint64

	Flags     []string
	Unseen    bool
	Flagged   bool
	Draft     bool
	Undeleted bool

	IDate  time.Time
	HDate  time.Time
	Size   int64
	Thread string

	Headers []HeaderField
	Text    string
	HTML    string
}

// HasFlag reports whether the message carries the named flag. System flags
// (backslash-prefixed) compare case-insensitively.
func (m *Message) HasFlag(name string) bool {
	for _, f := range m.Flags {
		if f == name {
			return true
		}
		if strings.HasPrefix(name, "\\") && strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// SyncFlags recomputes the mirror booleans from Flags.
func (m *Message) SyncFlags() {
	m.Unseen = !m.HasFlag(FlagSeen)
	m.Flagged = m.HasFlag(FlagFlagged)
	m.Draft = m.HasFlag(FlagDraft)
	m.Undeleted = !m.HasFlag(FlagDeleted)
}

// Header returns the first header with the given key (case-insensitive)
// or an empty string.
func (m *Message) Header(key string) string {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// Journal entry kinds, ordered per mailbox by ModSeq.
const (
	JournalExists  = "EXISTS"  // new message
	JournalExpunge = "EXPUNGE" // message removed
	JournalFetch   = "FETCH"   // flags or metadata changed
)

// JournalEntry is a single mailbox mutation record consumed by sessions
// that have the mailbox selected.
type JournalEntry struct {
	Mailbox string
	ModSeq  uint64
	Kind    string
	UID     uint32

	// Flags carries the post-change flag set for JournalFetch entries.
	Flags []string
}

// UnknownBodySize is the Size of a BodyStream whose length is not known
// upfront.
const UnknownBodySize int64 = -1

// BodyStream is a raw RFC 2822 message body returned by Storage.
//
// Size is UnknownBodySize when the backend cannot report it; consumers
// must still deliver the stream correctly.
type BodyStream struct {
	io.ReadCloser
	Size int64
}

// Storage is the interface implemented by modules providing the message
// store.
//
// All lookups are scoped to the passed user name; objects owned by another
// user are reported as missing, never as permission errors.
//
// Modules implementing this interface should be registered with prefix
// "storage." in name.
type Storage interface {
	Mailboxes(user string) ([]*Mailbox, error)
	Mailbox(user, path string) (*Mailbox, error)
	MailboxByID(user, id string) (*Mailbox, error)
	CreateMailbox(user, path, specialUse string) (*Mailbox, error)
	DeleteMailbox(user, path string) error
	RenameMailbox(user, oldPath, newPath string) error
	SetSubscribed(user, path string, subscribed bool) error

	// Messages returns all messages of the mailbox ordered by UID.
	Messages(user, mailboxID string) ([]*Message, error)
	Message(user, id string) (*Message, error)

	// AddMessage stores the message and its raw body. The store assigns
	// UID and ModSeq and fills them in msg before returning.
	AddMessage(msg *Message, body io.Reader) error

	// SetFlags replaces the flag set of the message, bumps its ModSeq and
	// the mailbox ModifyIndex and returns the updated record.
	SetFlags(user, id string, flags []string) (*Message, error)

	// MoveMessage moves the message into destMailboxID, assigning a fresh
	// UID there, and returns the updated record.
	MoveMessage(user, id, destMailboxID string) (*Message, error)

	DeleteMessage(user, id string) error

	// OpenBody returns the raw message body for streaming (POP3 RETR,
	// IMAP BODY[]).
	OpenBody(user, id string) (BodyStream, error)

	// AppendJournal records a mailbox mutation. Only the notifier calls
	// this.
	AppendJournal(user string, entry JournalEntry) error

	// JournalSince returns journal entries of the mailbox with
	// ModSeq > sinceModSeq, ordered by ModSeq.
	JournalSince(user, mailboxID string, sinceModSeq uint64) ([]JournalEntry, error)

	// HighestModSeq reports the largest ModSeq assigned to any object of
	// the user, at least 1.
	HighestModSeq(user string) (uint64, error)
}
