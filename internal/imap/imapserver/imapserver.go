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

// Package imapserver implements an IMAP4rev1 (RFC 3501) server over a
// module.Storage backend.
//
// Supported extension RFCs:
//
//	RFC 2177 IDLE
//	RFC 2971 ID
//	RFC 2342 NAMESPACE
//	RFC 3691 UNSELECT
//	RFC 4315 UIDPLUS
//	RFC 4731 ESEARCH
//	RFC 4959 SASL-IR
//	RFC 4978 COMPRESS=DEFLATE
//	RFC 5161 ENABLE
//	RFC 5258 LIST-EXTENDED
//	RFC 6154 SPECIAL-USE
//	RFC 6851 MOVE
//	RFC 7162 CONDSTORE/QRESYNC
//	RFC 7888 LITERAL+
//
// Each connection is served by one goroutine that owns the socket, the
// parser pipeline and the untagged update queue. Untagged journal
// updates are written between commands and during IDLE only.
package imapserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/imap/imapparser"
)

var ErrServerClosed = errors.New("imapserver: server closed")

// Notifier fans out mailbox mutations to other sessions of the same
// user. Notify records the mutation in the mailbox journal and wakes
// watchers; Watch delivers wake-ups only, the woken session re-reads
// the journal itself, so missed wake-ups are tolerated.
type Notifier interface {
	Notify(ctx context.Context, user string, entry module.JournalEntry) error
	Watch(ctx context.Context, user string) (updates <-chan struct{}, cancel func(), err error)
}

type Server struct {
	Hostname string
	Version  string

	// TLSConfig enables STARTTLS when set. Connections accepted by
	// ServeTLS are wrapped before the greeting instead.
	TLSConfig *tls.Config

	Filer *iox.Filer
	Log   log.Logger

	Store    module.Storage
	Auth     module.PlainAuth
	Notifier Notifier

	// OnConnect runs before the greeting. A non-nil error emits
	// "* BYE" and closes the connection.
	OnConnect func(c *Conn) error
	// OnClose runs exactly once per connection, after the socket is
	// closed.
	OnClose func(c *Conn)

	SocketTimeout  time.Duration // default 30s
	MaxLineLength  int           // default 64 KiB
	MaxLiteralSize int64         // APPEND literal cap, default 25 MiB
	MaxConns       int

	mu       sync.Mutex
	cond     *sync.Cond
	conns    map[*Conn]struct{}
	shutdown bool
}

func (server *Server) socketTimeout() time.Duration {
	if server.SocketTimeout == 0 {
		return 30 * time.Second
	}
	return server.SocketTimeout
}

func (server *Server) maxLineLength() int {
	if server.MaxLineLength == 0 {
		return 64 << 10
	}
	return server.MaxLineLength
}

func (server *Server) maxLiteralSize() int64 {
	if server.MaxLiteralSize == 0 {
		return 25 << 20
	}
	return server.MaxLiteralSize
}

// Serve accepts connections until the listener fails or Close is called.
// The greeting advertises STARTTLS; use ServeTLS for implicit-TLS ports.
func (server *Server) Serve(ln net.Listener) error {
	return server.serve(ln, false)
}

// ServeTLS wraps every accepted connection in TLS before the greeting.
func (server *Server) ServeTLS(ln net.Listener) error {
	return server.serve(ln, true)
}

func (server *Server) serve(ln net.Listener, implicitTLS bool) error {
	server.mu.Lock()
	if server.conns == nil {
		server.conns = make(map[*Conn]struct{})
		server.cond = sync.NewCond(&server.mu)
	}
	shutdown := server.shutdown
	server.mu.Unlock()
	if shutdown {
		return ErrServerClosed
	}

	var tempDelay time.Duration // sleep on accept failure
	for {
		netConn, err := ln.Accept()
		if err != nil {
			server.mu.Lock()
			shutdown := server.shutdown
			server.mu.Unlock()
			if shutdown {
				return ErrServerClosed
			}
			if ne, _ := err.(net.Error); ne != nil && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				}
				tempDelay *= 2
				if tempDelay > 1*time.Second {
					tempDelay = 1 * time.Second
				}
				server.Log.Error("accept", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		if implicitTLS && server.TLSConfig != nil {
			netConn = tls.Server(netConn, server.TLSConfig)
		}
		go server.ServeConn(netConn, implicitTLS)
	}
}

// Close stops accepting commands on all live connections and waits for
// them to drain.
func (server *Server) Close() error {
	server.mu.Lock()
	server.shutdown = true
	for c := range server.conns {
		c.close()
	}
	for len(server.conns) > 0 {
		server.cond.Wait()
	}
	server.mu.Unlock()
	return nil
}

// ServeConn runs the IMAP session for one accepted connection.
// It returns when the connection is closed.
func (server *Server) ServeConn(netConn net.Conn, tlsStarted bool) {
	sessionID := uuid.New().String()

	c := &Conn{
		ID:     sessionID,
		server: server,
		log: log.Logger{
			Out:   server.Log.Out,
			Name:  server.Log.Name,
			Debug: server.Log.Debug,
			Fields: map[string]interface{}{
				"session": sessionID,
			},
		},
		netConn:    netConn,
		tlsStarted: tlsStarted,
	}
	if addr := netConn.RemoteAddr(); addr != nil {
		c.RemoteAddr = addr.String()
	}

	server.mu.Lock()
	if server.conns == nil {
		server.conns = make(map[*Conn]struct{})
		server.cond = sync.NewCond(&server.mu)
	}
	if server.MaxConns > 0 {
		for len(server.conns) >= server.MaxConns && !server.shutdown {
			server.cond.Wait()
		}
	}
	if server.shutdown {
		server.mu.Unlock()
		netConn.Close()
		return
	}
	server.conns[c] = struct{}{}
	server.mu.Unlock()

	c.serve()
}

// Conn is one IMAP session. All fields are owned by the connection
// goroutine; bw and the closing flag are additionally guarded by bwMu
// because continuation writes and the close path touch them.
type Conn struct {
	ID         string
	RemoteAddr string

	server *Server
	log    log.Logger

	user      string
	sel       *selected // non-nil iff parser mode is ModeSelected
	enabled   map[string]bool
	condstore bool

	netConn    net.Conn
	tlsStarted bool
	br         *bufio.Reader
	p          *imapparser.Parser
	litf       *iox.BufferFile

	bwMu          sync.Mutex
	bw            *bufio.Writer
	closing       bool // close() ran; rejects COMPRESS and further writes
	closeOnce     sync.Once
	compressing   bool
	compressFlush func() error
	idling        bool
}

// selected is the per-mailbox state of a Selected session.
type selected struct {
	mailbox  *module.Mailbox
	readOnly bool

	// uids is the session's view of the mailbox, sorted ascending.
	// Index+1 is the message sequence number.
	uids []uint32

	// journalModSeq is the drain position in the mailbox journal.
	journalModSeq uint64
}

func (sel *selected) seqNum(uid uint32) uint32 {
	for i, u := range sel.uids {
		if u == uid {
			return uint32(i) + 1
		}
	}
	return 0
}

func (c *Conn) initBufio(r io.Reader, w io.Writer) {
	c.br = bufio.NewReader(r)
	c.bw = bufio.NewWriter(w)
	if c.p != nil {
		c.p.Scanner.SetSource(c.br)
	}
}

func (c *Conn) flush() error {
	if err := c.bw.Flush(); err != nil {
		return err
	}
	if c.compressFlush != nil {
		if err := c.compressFlush(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writef(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, format, v...)
}

// "<tag> msg\r\n", flushed.
func (c *Conn) respondln(format string, v ...interface{}) {
	c.bw.Write(c.p.Command.Tag)
	c.bw.WriteByte(' ')
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteByte('\r')
	c.bw.WriteByte('\n')
	if err := c.flush(); err != nil {
		c.close()
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.bwMu.Lock()
		c.closing = true
		c.bwMu.Unlock()
		c.netConn.Close()
	})
}

func (c *Conn) serve() {
	defer func() {
		c.close()
		if c.litf != nil {
			c.litf.Close()
		}
		if c.p != nil && c.p.Command.Literal != nil && c.p.Command.Literal != c.litf {
			c.p.Command.Literal.Close()
		}

		c.server.mu.Lock()
		delete(c.server.conns, c)
		c.server.cond.Broadcast()
		c.server.mu.Unlock()

		if c.server.OnClose != nil {
			c.server.OnClose(c)
		}

		if r := recover(); r != nil {
			c.log.Msg("panic serving connection", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	c.initBufio(c.netConn, c.netConn)

	if c.server.OnConnect != nil {
		if err := c.server.OnConnect(c); err != nil {
			c.log.Error("connect hook rejected connection", err)
			c.writef("* BYE %v\r\n", err)
			c.flush()
			return
		}
	}

	c.writef("* OK [CAPABILITY %s] %s ready\r\n", c.capabilities(), c.server.Hostname)
	if err := c.flush(); err != nil {
		return
	}

	c.litf = c.server.Filer.BufferFile(0)

	contFn := func(msg string, n uint32) {
		c.bwMu.Lock()
		defer c.bwMu.Unlock()
		c.writef("%s", msg)
		c.flush()
	}

	sc := imapparser.NewScanner(c.br, c.litf, contFn)
	sc.MaxLineLength = c.server.maxLineLength()
	sc.MaxLiteralSize = c.server.maxLiteralSize()
	c.p = &imapparser.Parser{Scanner: sc}

	for {
		c.netConn.SetReadDeadline(time.Now().Add(c.server.socketTimeout()))
		if _, err := c.br.Peek(1); err != nil {
			c.bwMu.Lock()
			if !c.closing {
				c.writef("* BYE inactive\r\n")
				c.flush()
			}
			c.bwMu.Unlock()
			return
		}
		if !c.serveParseCmd() {
			return
		}
	}
}

func (c *Conn) serveParseCmd() bool {
	err := c.p.ParseCommand()
	switch {
	case err == nil:
		// fall through to dispatch
	case err == io.EOF:
		return false
	case err == imapparser.ErrLineTooLong:
		c.bwMu.Lock()
		c.writef("* BAD line too long\r\n")
		c.flush()
		c.bwMu.Unlock()
		return false
	default:
		if ne, _ := err.(net.Error); ne != nil {
			return false
		}
		if te, isTagged := err.(imapparser.TaggedError); isTagged {
			c.bwMu.Lock()
			fmt.Fprintf(c.bw, "%s BAD %v\r\n", te.Tag, te.Err)
			c.flush()
			c.bwMu.Unlock()
			return true
		}
		if _, isParseError := err.(imapparser.ParseError); isParseError {
			c.log.DebugMsg("parse error", "error", err.Error())
			c.bwMu.Lock()
			fmt.Fprintf(c.bw, "* BAD %v\r\n", err)
			c.flush()
			c.bwMu.Unlock()
			return true
		}
		c.log.Error("connection error", err)
		c.bwMu.Lock()
		fmt.Fprintf(c.bw, "* BAD connection error\r\n")
		c.flush()
		c.bwMu.Unlock()
		return false
	}

	c.serveCmd()
	return c.p.Command.Name != "LOGOUT"
}

func (c *Conn) capabilities() string {
	caps := "IMAP4rev1"
	if c.p == nil || c.p.Mode == imapparser.ModeNonAuth {
		if c.server.TLSConfig != nil && !c.tlsStarted {
			caps += " STARTTLS"
		}
		caps += " LITERAL+ SASL-IR AUTH=PLAIN ENABLE ID"
		return caps
	}
	caps += " LITERAL+ IDLE NAMESPACE CONDSTORE ENABLE QRESYNC" +
		" UIDPLUS MOVE SPECIAL-USE UNSELECT ID ESEARCH LIST-EXTENDED"
	if !c.compressing {
		caps += " COMPRESS=DEFLATE"
	}
	return caps
}

func (c *Conn) serveCmd() {
	c.bwMu.Lock()
	defer c.bwMu.Unlock()

	// Untagged updates belong between commands.
	if c.sel != nil {
		c.drainJournal()
	}

	cmd := &c.p.Command
	switch cmd.Name {
	case "CAPABILITY":
		c.writef("* CAPABILITY %s\r\n", c.capabilities())
		c.respondln("OK CAPABILITY completed")

	case "NOOP":
		c.respondln("OK NOOP completed")

	case "LOGOUT":
		c.writef("* BYE %s logging out\r\n", c.server.Hostname)
		c.respondln("OK LOGOUT completed")
		c.close()

	case "STARTTLS":
		c.cmdStartTLS()

	case "LOGIN", "AUTHENTICATE":
		c.cmdLogin()

	case "COMPRESS":
		c.cmdCompress()

	case "ID":
		for i := 0; i+1 < len(cmd.Params); i += 2 {
			c.log.DebugMsg("client ID", "field", string(cmd.Params[i]), "value", string(cmd.Params[i+1]))
		}
		c.writef(`* ID ("name" "teal" "version" %q)`+"\r\n", c.server.Version)
		c.respondln("OK ID completed")

	case "ENABLE":
		c.cmdEnable()

	case "NAMESPACE":
		// One personal namespace, no shared or other-user namespaces.
		c.writef("* NAMESPACE ((\"\" \"/\")) NIL NIL\r\n")
		c.respondln("OK NAMESPACE completed")

	case "IDLE":
		c.cmdIdle()

	case "SELECT", "EXAMINE":
		c.cmdSelect()
	case "STATUS":
		c.cmdStatus()
	case "LIST", "LSUB":
		c.cmdList()
	case "CREATE":
		c.cmdCreate()
	case "DELETE":
		if err := c.server.Store.DeleteMailbox(c.user, string(cmd.Mailbox)); err != nil {
			c.respondln("NO DELETE %v", err)
		} else {
			c.respondln("OK DELETE completed")
		}
	case "RENAME":
		if err := c.server.Store.RenameMailbox(c.user, string(cmd.Rename.OldMailbox), string(cmd.Rename.NewMailbox)); err != nil {
			c.respondln("NO RENAME %v", err)
		} else {
			c.respondln("OK RENAME completed")
		}
	case "SUBSCRIBE", "UNSUBSCRIBE":
		if err := c.server.Store.SetSubscribed(c.user, string(cmd.Mailbox), cmd.Name == "SUBSCRIBE"); err != nil {
			c.respondln("NO %s %v", cmd.Name, err)
		} else {
			c.respondln("OK %s completed", cmd.Name)
		}
	case "APPEND":
		c.cmdAppend()

	case "CHECK":
		c.respondln("OK CHECK completed")
	case "CLOSE":
		c.expungeSilently()
		c.unselect()
		c.respondln("OK CLOSE completed")
	case "UNSELECT":
		c.unselect()
		c.respondln("OK UNSELECT completed")

	case "EXPUNGE":
		c.cmdExpunge()
	case "FETCH":
		c.cmdFetch()
	case "STORE":
		c.cmdStore()
	case "SEARCH":
		c.cmdSearch()
	case "COPY", "MOVE":
		c.cmdCopyOrMove()

	default:
		c.respondln("BAD unsupported command")
	}
}

func (c *Conn) cmdStartTLS() {
	if c.server.TLSConfig == nil {
		c.respondln("NO STARTTLS not available")
		return
	}
	if c.tlsStarted {
		c.respondln("BAD TLS already active")
		return
	}
	c.respondln("OK begin TLS negotiation")

	tlsConn := tls.Server(c.netConn, c.server.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.log.Error("TLS handshake failed", err)
		c.close()
		return
	}
	c.netConn = tlsConn
	c.tlsStarted = true
	// The framer restarts on the TLS stream; no cleartext bytes may
	// carry across the handshake.
	c.initBufio(c.netConn, c.netConn)
}

func (c *Conn) cmdLogin() {
	cmd := &c.p.Command
	if err := c.server.Auth.AuthPlain(string(cmd.Auth.Username), string(cmd.Auth.Password)); err != nil {
		if err == module.ErrUnknownCredentials {
			c.respondln("NO [AUTHENTICATIONFAILED] invalid credentials")
		} else {
			c.log.Error("authentication", err, "username", string(cmd.Auth.Username))
			c.respondln("NO [UNAVAILABLE] authentication failed")
		}
		return
	}
	c.user = string(cmd.Auth.Username)
	c.p.Mode = imapparser.ModeAuth
	c.log.DebugMsg("authenticated", "username", c.user)
	c.respondln("OK [CAPABILITY %s] logged in", c.capabilities())
}

func (c *Conn) cmdEnable() {
	if c.enabled == nil {
		c.enabled = make(map[string]bool)
	}
	var accepted []string
	for _, p := range c.p.Command.Params {
		name := strings.ToUpper(string(p))
		switch name {
		case "CONDSTORE":
			c.condstore = true
		case "QRESYNC":
			// QRESYNC implies CONDSTORE (RFC 7162 section 3.2.3).
			c.condstore = true
		default:
			continue
		}
		c.enabled[name] = true
		accepted = append(accepted, name)
	}
	if len(accepted) > 0 {
		c.writef("* ENABLED %s\r\n", strings.Join(accepted, " "))
	} else {
		c.writef("* ENABLED\r\n")
	}
	c.respondln("OK ENABLE completed")
}

// cmdCompress engages the RFC 4978 DEFLATE pipeline. The swap is
// rejected when the session is already closing, so the inbound pipeline
// is never left half-reconnected.
func (c *Conn) cmdCompress() {
	if c.compressing {
		c.respondln("NO [COMPRESSIONACTIVE] DEFLATE active")
		return
	}
	if c.closing {
		c.respondln("NO connection is shutting down")
		return
	}
	c.compressing = true
	c.respondln("OK DEFLATE active")

	// Cleartext the client sent after the COMPRESS line is already
	// compressed, but it sits buffered in c.br; chain the buffered
	// bytes in front of the raw socket so the inflater sees all of it.
	var src io.Reader = c.netConn
	if n := c.br.Buffered(); n > 0 {
		buffered := make([]byte, n)
		io.ReadFull(c.br, buffered)
		src = io.MultiReader(bytes.NewReader(buffered), c.netConn)
	}
	r := flate.NewReader(src)
	w, _ := flate.NewWriter(c.netConn, flate.BestSpeed)
	c.compressFlush = w.Flush
	c.initBufio(r, w)
}

func (c *Conn) cmdIdle() {
	if c.sel != nil {
		c.drainJournal()
	}
	if err := c.flush(); err != nil {
		c.close()
		return
	}
	c.idling = true
	defer func() { c.idling = false }()

	var updates <-chan struct{}
	cancelWatch := func() {}
	if c.server.Notifier != nil && c.user != "" {
		ch, cancel, err := c.server.Notifier.Watch(context.Background(), c.user)
		if err != nil {
			c.log.Error("IDLE watch", err)
		} else {
			updates = ch
			cancelWatch = cancel
		}
	}
	defer cancelWatch()

	// The client ends IDLE with a bare "DONE" line.
	done := make(chan error, 1)
	lines := make(chan string, 1)
	go func() {
		c.netConn.SetReadDeadline(time.Time{}) // IDLE suspends the inactivity timeout
		sl, err := c.br.ReadSlice('\n')
		if err != nil {
			done <- err
			return
		}
		lines <- string(sl)
		done <- nil
	}()

	for {
		select {
		case <-updates:
			if c.sel != nil {
				c.drainJournal()
				if err := c.flush(); err != nil {
					c.close()
					return
				}
			}
		case err := <-done:
			if err != nil {
				c.respondln("BAD IDLE terminated: %v", err)
				return
			}
			sl := <-lines
			if strings.EqualFold(strings.TrimRight(sl, "\r\n"), "DONE") {
				c.respondln("OK IDLE terminated")
			} else {
				c.respondln("BAD IDLE terminated: expecting DONE")
			}
			return
		}
	}
}
