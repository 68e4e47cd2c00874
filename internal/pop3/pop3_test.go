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

package pop3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
)

func TestDotWriter(t *testing.T) {
	tests := []struct {
		name string
		in   []string // separate Write calls
		want string
	}{
		{
			name: "plain",
			in:   []string{"hello\r\nworld\r\n"},
			want: "hello\r\nworld\r\n.\r\n",
		},
		{
			name: "leading dot stuffed",
			in:   []string{".hidden\r\n..twice\r\n"},
			want: "..hidden\r\n...twice\r\n.\r\n",
		},
		{
			name: "bare LF normalized",
			in:   []string{"one\ntwo\n"},
			want: "one\r\ntwo\r\n.\r\n",
		},
		{
			name: "missing final newline",
			in:   []string{"no newline"},
			want: "no newline\r\n.\r\n",
		},
		{
			name: "dot split across writes",
			in:   []string{"a\r\n", ".b\r\n"},
			want: "a\r\n..b\r\n.\r\n",
		},
		{
			name: "empty body",
			in:   nil,
			want: ".\r\n",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			bw := bufio.NewWriter(buf)
			dw := newDotWriter(bw, nil)
			for _, chunk := range test.in {
				if _, err := io.WriteString(dw, chunk); err != nil {
					t.Fatal(err)
				}
			}
			if err := dw.Close(); err != nil {
				t.Fatal(err)
			}
			bw.Flush()
			if got := buf.String(); got != test.want {
				t.Errorf("got %q, want %q", got, test.want)
			}
		})
	}
}

// maildropStore is the minimal module.Storage a POP3 session touches.
type maildropStore struct {
	mu      sync.Mutex
	mbox    *module.Mailbox
	msgs    []*module.Message
	bodies  map[string][]byte
	nextUID uint32
}

func newMaildropStore() *maildropStore {
	return &maildropStore{
		mbox: &module.Mailbox{
			ID:          "mb1",
			User:        "mira",
			Path:        "INBOX",
			UIDValidity: 7,
			UIDNext:     1,
		},
		bodies:  make(map[string][]byte),
		nextUID: 1,
	}
}

func (s *maildropStore) add(raw string) *module.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &module.Message{
		ID:      fmt.Sprintf("m%d", s.nextUID),
		User:    "mira",
		Mailbox: s.mbox.ID,
		UID:     s.nextUID,
		Size:    int64(len(raw)),
	}
	s.nextUID++
	s.msgs = append(s.msgs, msg)
	s.bodies[msg.ID] = []byte(raw)
	return msg
}

var errNotImplemented = errors.New("not implemented")

func (s *maildropStore) Mailboxes(user string) ([]*module.Mailbox, error) {
	return []*module.Mailbox{s.mbox}, nil
}
func (s *maildropStore) Mailbox(user, path string) (*module.Mailbox, error) {
	if path != "INBOX" || user != "mira" {
		return nil, module.ErrNoSuchMailbox
	}
	return s.mbox, nil
}
func (s *maildropStore) MailboxByID(user, id string) (*module.Mailbox, error) {
	return s.mbox, nil
}
func (s *maildropStore) CreateMailbox(user, path, specialUse string) (*module.Mailbox, error) {
	return nil, errNotImplemented
}
func (s *maildropStore) DeleteMailbox(user, path string) error             { return errNotImplemented }
func (s *maildropStore) RenameMailbox(user, oldPath, newPath string) error { return errNotImplemented }
func (s *maildropStore) SetSubscribed(user, path string, sub bool) error   { return errNotImplemented }
func (s *maildropStore) Messages(user, mailboxID string) ([]*module.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*module.Message(nil), s.msgs...), nil
}
func (s *maildropStore) Message(user, id string) (*module.Message, error) {
	return nil, errNotImplemented
}
func (s *maildropStore) AddMessage(msg *module.Message, body io.Reader) error {
	return errNotImplemented
}
func (s *maildropStore) SetFlags(user, id string, flags []string) (*module.Message, error) {
	return nil, errNotImplemented
}
func (s *maildropStore) MoveMessage(user, id, dest string) (*module.Message, error) {
	return nil, errNotImplemented
}
func (s *maildropStore) DeleteMessage(user, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, msg := range s.msgs {
		if msg.ID == id {
			s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
			delete(s.bodies, id)
			return nil
		}
	}
	return module.ErrNoSuchMsg
}
func (s *maildropStore) OpenBody(user, id string) (module.BodyStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.bodies[id]
	if !ok {
		return module.BodyStream{}, module.ErrNoSuchMsg
	}
	return module.BodyStream{
		ReadCloser: io.NopCloser(bytes.NewReader(raw)),
		Size:       int64(len(raw)),
	}, nil
}
func (s *maildropStore) AppendJournal(user string, e module.JournalEntry) error { return nil }
func (s *maildropStore) JournalSince(user, mailboxID string, since uint64) ([]module.JournalEntry, error) {
	return nil, nil
}
func (s *maildropStore) HighestModSeq(user string) (uint64, error) { return 1, nil }

type popAuth struct{}

func (popAuth) AuthPlain(username, password string) error {
	if username == "mira" && password == "sesame" {
		return nil
	}
	return module.ErrUnknownCredentials
}

type journalRecorder struct {
	mu      sync.Mutex
	entries []module.JournalEntry
}

func (r *journalRecorder) Notify(ctx context.Context, user string, e module.JournalEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

type popSession struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialPop(t *testing.T, server *Server) *popSession {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	go server.ServeConn(serverSide)
	t.Cleanup(func() { clientSide.Close() })
	s := &popSession{t: t, conn: clientSide, br: bufio.NewReader(clientSide)}
	if got := s.readLine(); !strings.HasPrefix(got, "+OK") {
		t.Fatalf("bad greeting %q", got)
	}
	return s
}

func (s *popSession) write(line string) {
	s.t.Helper()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(s.conn, line+"\r\n"); err != nil {
		s.t.Fatalf("write %q: %v", line, err)
	}
}

func (s *popSession) readLine() string {
	s.t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Fatalf("read: %v (got %q)", err, line)
	}
	return strings.TrimRight(line, "\r\n")
}

func (s *popSession) expect(prefix string) string {
	s.t.Helper()
	line := s.readLine()
	if !strings.HasPrefix(line, prefix) {
		s.t.Fatalf("got %q, want prefix %q", line, prefix)
	}
	return line
}

func (s *popSession) login() {
	s.t.Helper()
	s.write("USER mira")
	s.expect("+OK")
	s.write("PASS sesame")
	s.expect("+OK maildrop locked")
}

func newPopServer(store *maildropStore, notifier Notifier) *Server {
	return &Server{
		Hostname:      "mx.example.org",
		Log:           log.Logger{},
		Store:         store,
		Auth:          popAuth{},
		Notifier:      notifier,
		SocketTimeout: 5 * time.Second,
	}
}

func TestAuthFailure(t *testing.T) {
	s := dialPop(t, newPopServer(newMaildropStore(), nil))
	s.write("USER mira")
	s.expect("+OK")
	s.write("PASS wrong")
	s.expect("-ERR [AUTH]")

	// Transaction commands stay rejected.
	s.write("STAT")
	s.expect("-ERR")
}

func TestStatListUidl(t *testing.T) {
	store := newMaildropStore()
	store.add("Subject: a\r\n\r\nfirst\r\n")
	store.add("Subject: b\r\n\r\nsecond message\r\n")
	s := dialPop(t, newPopServer(store, nil))
	s.login()

	s.write("STAT")
	got := s.expect("+OK ")
	want := fmt.Sprintf("+OK 2 %d", 21+30)
	if got != want {
		t.Errorf("STAT: got %q, want %q", got, want)
	}

	s.write("LIST")
	s.expect("+OK")
	s.expect("1 21")
	s.expect("2 30")
	s.expect(".")

	s.write("UIDL")
	s.expect("+OK")
	s.expect("1 7.1")
	s.expect("2 7.2")
	s.expect(".")

	s.write("LIST 2")
	s.expect("+OK 2 30")
	s.write("LIST 9")
	s.expect("-ERR no such message")
}

func TestRetrDotStuffed(t *testing.T) {
	store := newMaildropStore()
	store.add("Subject: x\r\n\r\n.leading dot\r\nbody\r\n")
	s := dialPop(t, newPopServer(store, nil))
	s.login()

	s.write("RETR 1")
	s.expect("+OK")
	s.expect("Subject: x")
	s.expect("")
	s.expect("..leading dot") // stuffed
	s.expect("body")
	s.expect(".")
}

// Pipelined commands get their responses in issue order, each
// multi-line response fully terminated before the next begins.
func TestPipelinedRetr(t *testing.T) {
	store := newMaildropStore()
	store.add("Subject: 1\r\n\r\none\r\n")
	store.add("Subject: 2\r\n\r\ntwo\r\n")
	store.add("Subject: 3\r\n\r\nthree\r\n")
	s := dialPop(t, newPopServer(store, nil))
	s.login()

	// One write, three commands.
	s.write("RETR 1\r\nRETR 2\r\nRETR 3")

	var out strings.Builder
	for i := 0; i < 3; i++ {
		for {
			line := s.readLine()
			out.WriteString(line + "\r\n")
			if line == "." {
				break
			}
		}
	}

	// Three well-formed responses, bodies in command order.
	re := regexp.MustCompile(`(?s)^\+OK [^\r\n]*\r\n.*?\r\none\r\n\.\r\n\+OK [^\r\n]*\r\n.*?\r\ntwo\r\n\.\r\n\+OK [^\r\n]*\r\n.*?\r\nthree\r\n\.\r\n$`)
	if !re.MatchString(out.String()) {
		t.Errorf("pipelined output out of order or malformed:\n%q", out.String())
	}
}

func TestTop(t *testing.T) {
	store := newMaildropStore()
	store.add("Subject: x\r\n\r\nline1\r\nline2\r\nline3\r\n")
	s := dialPop(t, newPopServer(store, nil))
	s.login()

	s.write("TOP 1 2")
	s.expect("+OK")
	s.expect("Subject: x")
	s.expect("")
	s.expect("line1")
	s.expect("line2")
	s.expect(".")

	s.write("TOP 1 0")
	s.expect("+OK")
	s.expect("Subject: x")
	s.expect("")
	s.expect(".")
}

func TestDeleRsetQuit(t *testing.T) {
	store := newMaildropStore()
	store.add("Subject: 1\r\n\r\none\r\n")
	store.add("Subject: 2\r\n\r\ntwo\r\n")
	rec := &journalRecorder{}
	s := dialPop(t, newPopServer(store, rec))
	s.login()

	s.write("DELE 1")
	s.expect("+OK")

	// Deleted messages disappear from listings.
	s.write("LIST")
	s.expect("+OK")
	s.expect("2 ")
	s.expect(".")

	s.write("DELE 1")
	s.expect("-ERR no such message")

	s.write("RSET")
	s.expect("+OK")
	s.write("STAT")
	s.expect("+OK 2 ")

	// Delete again and QUIT; the UPDATE state applies it.
	s.write("DELE 2")
	s.expect("+OK")
	s.write("QUIT")
	s.expect("+OK")

	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, _ := store.Messages("mira", "mb1")
		if len(msgs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deleted message not expunged: %d left", len(msgs))
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.entries) != 1 || rec.entries[0].Kind != module.JournalExpunge || rec.entries[0].UID != 2 {
		t.Errorf("journal entries = %+v, want one EXPUNGE for uid 2", rec.entries)
	}
}

func TestCapa(t *testing.T) {
	s := dialPop(t, newPopServer(newMaildropStore(), nil))
	s.write("CAPA")
	s.expect("+OK")
	seen := map[string]bool{}
	for {
		line := s.readLine()
		if line == "." {
			break
		}
		seen[strings.Fields(line)[0]] = true
	}
	for _, want := range []string{"USER", "UIDL", "TOP", "PIPELINING"} {
		if !seen[want] {
			t.Errorf("CAPA missing %s", want)
		}
	}
	if seen["STLS"] {
		t.Error("CAPA advertises STLS without TLS config")
	}
}

func TestOnConnectReject(t *testing.T) {
	server := newPopServer(newMaildropStore(), nil)
	server.OnConnect = func(c *Conn) error {
		return errors.New("too many connections")
	}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	go server.ServeConn(serverSide)

	br := bufio.NewReader(clientSide)
	clientSide.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "-ERR") {
		t.Errorf("got %q, want -ERR", line)
	}
	if _, err := br.ReadString('\n'); err == nil {
		t.Error("connection not closed after rejection")
	}
}

func TestVerifyAPOPDigest(t *testing.T) {
	// Example from RFC 1939 §7.
	banner := "<1896.697170952@dbc.mtview.ca.us>"
	if !VerifyAPOPDigest(banner, "tanstaaf", "c4c9334bac560ecc979e58001b3e22fb") {
		t.Error("RFC 1939 example digest rejected")
	}
	if VerifyAPOPDigest(banner, "wrong", "c4c9334bac560ecc979e58001b3e22fb") {
		t.Error("bad password accepted")
	}
}
