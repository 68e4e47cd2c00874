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
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"crawshaw.io/iox"

	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
)

var testFiler = iox.NewFiler(0)

// fakeStore is an in-memory module.Storage for session tests.
type fakeStore struct {
	mu        sync.Mutex
	nextID    int
	mailboxes map[string]*module.Mailbox // by ID
	messages  map[string]*module.Message // by ID
	bodies    map[string][]byte
	journal   map[string][]module.JournalEntry // by mailbox ID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mailboxes: make(map[string]*module.Mailbox),
		messages:  make(map[string]*module.Message),
		bodies:    make(map[string][]byte),
		journal:   make(map[string][]module.JournalEntry),
	}
}

func (s *fakeStore) id() string {
	s.nextID++
	return fmt.Sprintf("id%d", s.nextID)
}

func (s *fakeStore) Mailboxes(user string) ([]*module.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*module.Mailbox
	for _, m := range s.mailboxes {
		if m.User == user {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) Mailbox(user, path string) (*module.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailboxes {
		if m.User == user && m.Path == path {
			return m, nil
		}
	}
	return nil, module.ErrNoSuchMailbox
}

func (s *fakeStore) MailboxByID(user, id string) (*module.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.mailboxes[id]; m != nil && m.User == user {
		return m, nil
	}
	return nil, module.ErrNoSuchMailbox
}

func (s *fakeStore) CreateMailbox(user, path, specialUse string) (*module.Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailboxes {
		if m.User == user && m.Path == path {
			return nil, module.ErrMailboxExists
		}
	}
	m := &module.Mailbox{
		ID:          s.id(),
		User:        user,
		Path:        path,
		UIDNext:     1,
		UIDValidity: 1,
		ModifyIndex: 1,
		SpecialUse:  specialUse,
	}
	s.mailboxes[m.ID] = m
	return m, nil
}

func (s *fakeStore) DeleteMailbox(user, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.mailboxes {
		if m.User == user && m.Path == path {
			delete(s.mailboxes, id)
			return nil
		}
	}
	return module.ErrNoSuchMailbox
}

func (s *fakeStore) RenameMailbox(user, oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailboxes {
		if m.User == user && m.Path == oldPath {
			m.Path = newPath
			return nil
		}
	}
	return module.ErrNoSuchMailbox
}

func (s *fakeStore) SetSubscribed(user, path string, subscribed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mailboxes {
		if m.User == user && m.Path == path {
			m.Subscribed = subscribed
			return nil
		}
	}
	return module.ErrNoSuchMailbox
}

func (s *fakeStore) Messages(user, mailboxID string) ([]*module.Message, error) {
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

func (s *fakeStore) Message(user, id string) (*module.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.messages[id]; m != nil && m.User == user {
		return m, nil
	}
	return nil, module.ErrNoSuchMsg
}

func parseTestHeaders(raw []byte) []module.HeaderField {
	var out []module.HeaderField
	for _, line := range strings.Split(string(raw), "\r\n") {
		if line == "" {
			break
		}
		if i := strings.IndexByte(line, ':'); i > 0 {
			out = append(out, module.HeaderField{
				Key:   line[:i],
				Value: strings.TrimSpace(line[i+1:]),
			})
		}
	}
	return out
}

func (s *fakeStore) AddMessage(msg *module.Message, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mbox := s.mailboxes[msg.Mailbox]
	if mbox == nil {
		return module.ErrNoSuchMailbox
	}
	msg.ID = s.id()
	msg.UID = mbox.UIDNext
	mbox.UIDNext++
	mbox.ModifyIndex++
	msg.ModSeq = mbox.ModifyIndex
	msg.Size = int64(len(raw))
	msg.Headers = parseTestHeaders(raw)
	if i := strings.Index(string(raw), "\r\n\r\n"); i >= 0 {
		msg.Text = string(raw[i+4:])
	}
	s.messages[msg.ID] = msg
	s.bodies[msg.ID] = raw
	return nil
}

func (s *fakeStore) SetFlags(user, id string, flags []string) (*module.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	if msg == nil || msg.User != user {
		return nil, module.ErrNoSuchMsg
	}
	mbox := s.mailboxes[msg.Mailbox]
	mbox.ModifyIndex++
	msg.Flags = append([]string(nil), flags...)
	msg.ModSeq = mbox.ModifyIndex
	msg.SyncFlags()
	return msg, nil
}

func (s *fakeStore) MoveMessage(user, id, destMailboxID string) (*module.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := s.messages[id]
	if msg == nil || msg.User != user {
		return nil, module.ErrNoSuchMsg
	}
	dest := s.mailboxes[destMailboxID]
	if dest == nil {
		return nil, module.ErrNoSuchMailbox
	}
	msg.Mailbox = destMailboxID
	msg.UID = dest.UIDNext
	dest.UIDNext++
	dest.ModifyIndex++
	msg.ModSeq = dest.ModifyIndex
	return msg, nil
}

func (s *fakeStore) DeleteMessage(user, id string) error {
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

func (s *fakeStore) OpenBody(user, id string) (module.BodyStream, error) {
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

func (s *fakeStore) AppendJournal(user string, entry module.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ModSeq == 0 {
		mbox := s.mailboxes[entry.Mailbox]
		if mbox == nil {
			return module.ErrNoSuchMailbox
		}
		mbox.ModifyIndex++
		entry.ModSeq = mbox.ModifyIndex
	}
	s.journal[entry.Mailbox] = append(s.journal[entry.Mailbox], entry)
	return nil
}

func (s *fakeStore) JournalSince(user, mailboxID string, sinceModSeq uint64) ([]module.JournalEntry, error) {
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

func (s *fakeStore) HighestModSeq(user string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64 = 1
	for _, m := range s.mailboxes {
		if m.User == user && m.ModifyIndex > max {
			max = m.ModifyIndex
		}
	}
	return max, nil
}

type fakeAuth struct{}

func (fakeAuth) AuthPlain(username, password string) error {
	if username == "mira" && password == "sesame" {
		return nil
	}
	return module.ErrUnknownCredentials
}

// fakeNotifier journals mutations and wakes watchers in-process.
type fakeNotifier struct {
	store *fakeStore

	mu       sync.Mutex
	watchers map[chan struct{}]string
}

func newFakeNotifier(store *fakeStore) *fakeNotifier {
	return &fakeNotifier{store: store, watchers: make(map[chan struct{}]string)}
}

func (n *fakeNotifier) Notify(ctx context.Context, user string, entry module.JournalEntry) error {
	if err := n.store.AppendJournal(user, entry); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch, u := range n.watchers {
		if u != user {
			continue
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *fakeNotifier) Watch(ctx context.Context, user string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.watchers[ch] = user
	n.mu.Unlock()
	cancel := func() {
		n.mu.Lock()
		delete(n.watchers, ch)
		n.mu.Unlock()
	}
	return ch, cancel, nil
}

type testEnv struct {
	server   *Server
	store    *fakeStore
	notifier *fakeNotifier
	inbox    *module.Mailbox
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newFakeStore()
	notifier := newFakeNotifier(store)
	inbox, err := store.CreateMailbox("mira", "INBOX", module.SpecialUseInbox)
	if err != nil {
		t.Fatal(err)
	}
	server := &Server{
		Hostname:      "mx.example.org",
		Version:       "test",
		Filer:         testFiler,
		Log:           log.Logger{},
		Store:         store,
		Auth:          fakeAuth{},
		Notifier:      notifier,
		SocketTimeout: 5 * time.Second,
	}
	return &testEnv{server: server, store: store, notifier: notifier, inbox: inbox}
}

// deliver stores a message and journals its arrival, like the SMTP
// delivery path would.
func (env *testEnv) deliver(t *testing.T, raw string) *module.Message {
	t.Helper()
	msg := &module.Message{
		User:    "mira",
		Mailbox: env.inbox.ID,
		IDate:   time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
	msg.SyncFlags()
	if err := env.store.AddMessage(msg, strings.NewReader(raw)); err != nil {
		t.Fatal(err)
	}
	err := env.notifier.Notify(context.Background(), "mira", module.JournalEntry{
		Mailbox: env.inbox.ID,
		ModSeq:  msg.ModSeq,
		Kind:    module.JournalExists,
		UID:     msg.UID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

const testMsgRaw = "From: Fred Foobar <foobar@example.org>\r\n" +
	"To: mira@example.org\r\n" +
	"Subject: afternoon meeting\r\n" +
	"Date: Mon, 9 Feb 2026 23:50:00 +0000\r\n" +
	"Message-Id: <B27397-0100000@example.org>\r\n" +
	"\r\n" +
	"Hello Mira, do you think we can meet at 3:30 tomorrow?\r\n"

type testSession struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func (env *testEnv) dial(t *testing.T) *testSession {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go env.server.ServeConn(serverSide, true)
	t.Cleanup(func() { clientSide.Close() })

	s := &testSession{t: t, conn: clientSide, br: bufio.NewReader(clientSide)}
	greeting := s.readLine()
	if !strings.HasPrefix(greeting, "* OK [CAPABILITY ") {
		t.Fatalf("bad greeting: %q", greeting)
	}
	return s
}

func (s *testSession) write(line string) {
	s.t.Helper()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(s.conn, line+"\r\n"); err != nil {
		s.t.Fatalf("write %q: %v", line, err)
	}
}

func (s *testSession) readLine() string {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read: %v (got %q)", err, line)
	}
	return strings.TrimRight(line, "\r\n")
}

// expect reads one line and requires the given prefix.
func (s *testSession) expect(prefix string) string {
	s.t.Helper()
	line := s.readLine()
	if !strings.HasPrefix(line, prefix) {
		s.t.Fatalf("got %q, want prefix %q", line, prefix)
	}
	return line
}

// expectUntil reads lines until one has the given prefix, skipping
// everything else (untagged responses, literal contents).
func (s *testSession) expectUntil(prefix string) string {
	s.t.Helper()
	for i := 0; i < 64; i++ {
		line := s.readLine()
		if strings.HasPrefix(line, prefix) {
			return line
		}
	}
	s.t.Fatalf("no line with prefix %q", prefix)
	return ""
}

func (s *testSession) login() {
	s.t.Helper()
	s.write("a1 LOGIN mira sesame")
	s.expectUntil("a1 OK")
}

func (s *testSession) selectInbox() {
	s.t.Helper()
	s.write("a2 SELECT INBOX")
	s.expectUntil("a2 OK")
}
