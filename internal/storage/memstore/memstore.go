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

// Package memstore implements an in-memory module.Storage, used by the
// dev profile and by tests of everything that consumes a message store.
// Nothing survives a restart except UIDVALIDITY monotonicity across
// instances created in the same second.
package memstore

import (
	"bytes"
	"io"
	"mime"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"

	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
)

type account struct {
	// modSeq is the per-user MODSEQ source. Every mutation of any
	// message or mailbox of the user takes the next value, so message
	// ModSeq is monotonic across the whole account.
	modSeq uint64
}

type Store struct {
	instName string

	mu          sync.Mutex
	accounts    map[string]*account
	mailboxes   map[string]*module.Mailbox
	messages    map[string]*module.Message
	bodies      map[string][]byte
	journal     map[string][]module.JournalEntry
	uidValidity uint32

	Log log.Logger
}

func New(_, instName string, _ []string) (module.Module, error) {
	return &Store{
		instName:    instName,
		accounts:    make(map[string]*account),
		mailboxes:   make(map[string]*module.Mailbox),
		messages:    make(map[string]*module.Message),
		bodies:      make(map[string][]byte),
		journal:     make(map[string][]module.JournalEntry),
		uidValidity: uint32(time.Now().Unix()),
		Log:         log.Logger{Name: "storage.memory"},
	}, nil
}

func (s *Store) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &s.Log.Debug)
	_, err := cfg.Process()
	return err
}

func (s *Store) Name() string         { return "storage.memory" }
func (s *Store) InstanceName() string { return s.instName }

func (s *Store) account(user string) *account {
	acct := s.accounts[user]
	if acct == nil {
		acct = &account{modSeq: 1}
		s.accounts[user] = acct
	}
	return acct
}

func (s *Store) nextModSeq(user string) uint64 {
	acct := s.account(user)
	acct.modSeq++
	return acct.modSeq
}

func (s *Store) Mailboxes(user string) ([]*module.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*module.Mailbox
	for _, m := range s.mailboxes {
		if m.User == user {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) Mailbox(user, path string) (*module.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mailboxLocked(user, path)
}

func (s *Store) mailboxLocked(user, path string) (*module.Mailbox, error) {
	for _, m := range s.mailboxes {
		if m.User == user && m.Path == path {
			return m, nil
		}
	}
	return nil, module.ErrNoSuchMailbox
}

func (s *Store) MailboxByID(user, id string) (*module.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.mailboxes[id]; m != nil && m.User == user {
		return m, nil
	}
	return nil, module.ErrNoSuchMailbox
}

func (s *Store) CreateMailbox(user, path, specialUse string) (*module.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.mailboxLocked(user, path); err == nil {
		return nil, module.ErrMailboxExists
	}
	s.uidValidity++
	m := &module.Mailbox{
		ID:          uuid.New().String(),
		User:        user,
		Path:        path,
		UIDNext:     1,
		UIDValidity: s.uidValidity,
		ModifyIndex: s.nextModSeq(user),
		SpecialUse:  specialUse,
	}
	s.mailboxes[m.ID] = m
	return m, nil
}

func (s *Store) DeleteMailbox(user, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox, err := s.mailboxLocked(user, path)
	if err != nil {
		return err
	}
	for id, msg := range s.messages {
		if msg.Mailbox == mbox.ID {
			delete(s.messages, id)
			delete(s.bodies, id)
		}
	}
	delete(s.journal, mbox.ID)
	delete(s.mailboxes, mbox.ID)
	return nil
}

func (s *Store) RenameMailbox(user, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.mailboxLocked(user, newPath); err == nil {
		return module.ErrMailboxExists
	}
	mbox, err := s.mailboxLocked(user, oldPath)
	if err != nil {
		return err
	}
	mbox.Path = newPath
	mbox.ModifyIndex = s.nextModSeq(user)
	return nil
}

func (s *Store) SetSubscribed(user, path string, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox, err := s.mailboxLocked(user, path)
	if err != nil {
		return err
	}
	mbox.Subscribed = subscribed
	return nil
}

func (s *Store) Messages(user, mailboxID string) ([]*module.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*module.Message
	for _, m := range s.messages {
		if m.User == user && m.Mailbox == mailboxID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *Store) Message(user, id string) (*module.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.messages[id]; m != nil && m.User == user {
		return m, nil
	}
	return nil, module.ErrNoSuchMsg
}

func (s *Store) AddMessage(msg *module.Message, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	mbox := s.mailboxes[msg.Mailbox]
	if mbox == nil || mbox.User != msg.User {
		return module.ErrNoSuchMailbox
	}

	msg.ID = uuid.New().String()
	msg.UID = mbox.UIDNext
	mbox.UIDNext++
	mbox.ModifyIndex = s.nextModSeq(msg.User)
	msg.ModSeq = mbox.ModifyIndex
	msg.Size = int64(len(raw))
	if msg.IDate.IsZero() {
		msg.IDate = time.Now()
	}

	parseContent(msg, raw)
	msg.SyncFlags()

	s.messages[msg.ID] = msg
	s.bodies[msg.ID] = raw
	return nil
}

// parseContent fills Headers, HDate, Thread and the text/html bodies
// from the raw message. A message that does not parse is still stored;
// searches over its content simply find nothing.
func parseContent(msg *module.Message, raw []byte) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return
	}

	dec := new(mime.WordDecoder)
	for fields := ent.Header.Fields(); fields.Next(); {
		val := fields.Value()
		if decoded, err := dec.DecodeHeader(val); err == nil {
			val = decoded
		}
		msg.Headers = append(msg.Headers, module.HeaderField{Key: fields.Key(), Value: val})
	}

	if date := msg.Header("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			msg.HDate = t
		}
	}
	if msg.HDate.IsZero() {
		msg.HDate = msg.IDate
	}
	msg.Thread = threadKey(msg.Header("Subject"))

	collectBodies(msg, ent)
}

func collectBodies(msg *module.Message, ent *message.Entity) {
	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err != nil {
				return
			}
			collectBodies(msg, part)
		}
	}

	t, _, err := ent.Header.ContentType()
	if err != nil {
		t = "text/plain"
	}
	switch t {
	case "text/plain":
		if msg.Text == "" {
			if b, err := io.ReadAll(ent.Body); err == nil {
				msg.Text = string(b)
			}
		}
	case "text/html":
		if msg.HTML == "" {
			if b, err := io.ReadAll(ent.Body); err == nil {
				msg.HTML = string(b)
			}
		}
	}
}

// threadKey normalizes the subject the way IMAP THREAD does: strip
// reply/forward prefixes and fold whitespace and case.
func threadKey(subject string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(subject)
	if err == nil {
		subject = decoded
	}
	for {
		trimmed := strings.TrimSpace(subject)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "re:"):
			subject = trimmed[3:]
		case strings.HasPrefix(lower, "fwd:"):
			subject = trimmed[4:]
		case strings.HasPrefix(lower, "fw:"):
			subject = trimmed[3:]
		default:
			return strings.Join(strings.Fields(strings.ToLower(trimmed)), " ")
		}
	}
}

func (s *Store) SetFlags(user, id string, flags []string) (*module.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	if msg == nil || msg.User != user {
		return nil, module.ErrNoSuchMsg
	}
	mbox := s.mailboxes[msg.Mailbox]
	mbox.ModifyIndex = s.nextModSeq(user)
	msg.ModSeq = mbox.ModifyIndex
	msg.Flags = append([]string(nil), flags...)
	msg.SyncFlags()
	return msg, nil
}

func (s *Store) MoveMessage(user, id, destMailboxID string) (*module.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	if msg == nil || msg.User != user {
		return nil, module.ErrNoSuchMsg
	}
	dest := s.mailboxes[destMailboxID]
	if dest == nil || dest.User != user {
		return nil, module.ErrNoSuchMailbox
	}
	msg.Mailbox = destMailboxID
	msg.UID = dest.UIDNext
	dest.UIDNext++
	dest.ModifyIndex = s.nextModSeq(user)
	msg.ModSeq = dest.ModifyIndex
	return msg, nil
}

func (s *Store) DeleteMessage(user, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	if msg == nil || msg.User != user {
		return module.ErrNoSuchMsg
	}
	delete(s.messages, id)
	delete(s.bodies, id)
	return nil
}

func (s *Store) OpenBody(user, id string) (module.BodyStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	if msg == nil || msg.User != user {
		return module.BodyStream{}, module.ErrNoSuchMsg
	}
	raw := s.bodies[id]
	return module.BodyStream{
		ReadCloser: io.NopCloser(bytes.NewReader(raw)),
		Size:       int64(len(raw)),
	}, nil
}

func (s *Store) AppendJournal(user string, entry module.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox := s.mailboxes[entry.Mailbox]
	if mbox == nil || mbox.User != user {
		return module.ErrNoSuchMailbox
	}
	if entry.ModSeq == 0 {
		mbox.ModifyIndex = s.nextModSeq(user)
		entry.ModSeq = mbox.ModifyIndex
	}
	s.journal[entry.Mailbox] = append(s.journal[entry.Mailbox], entry)
	return nil
}

func (s *Store) JournalSince(user, mailboxID string, sinceModSeq uint64) ([]module.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []module.JournalEntry
	for _, e := range s.journal[mailboxID] {
		if e.ModSeq > sinceModSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) HighestModSeq(user string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64 = 1
	for _, m := range s.messages {
		if m.User == user && m.ModSeq > max {
			max = m.ModSeq
		}
	}
	for _, m := range s.mailboxes {
		if m.User == user && m.ModifyIndex > max {
			max = m.ModifyIndex
		}
	}
	return max, nil
}

func init() {
	module.Register("storage.memory", New)
}
