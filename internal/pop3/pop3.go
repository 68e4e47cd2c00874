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

// Package pop3 implements a POP3 (RFC 1939) server over the user's
// INBOX, with the CAPA, UIDL, TOP and STLS extensions (RFC 2449,
// RFC 2595).
//
// The maildrop view is fixed when the session enters the TRANSACTION
// state: message numbers stay stable for the whole session and
// deletions are applied only by QUIT. Commands are processed strictly
// in arrival order, so pipelined clients always receive responses in
// the order they issued commands; a multi-line response is terminated
// and flushed before the next queued command is parsed.
package pop3

import (
	"bufio"
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
)

var ErrServerClosed = errors.New("pop3: server closed")

const maxCmdLength = 255

// Notifier records maildrop mutations in the mailbox journal so that
// IMAP sessions observe POP3 deletions.
type Notifier interface {
	Notify(ctx context.Context, user string, entry module.JournalEntry) error
}

// APOPAuth is implemented by authenticators that can verify an RFC 1939
// APOP digest. Authenticators that store only hashed passwords cannot.
type APOPAuth interface {
	AuthAPOP(username, banner, digest string) error
}

type Server struct {
	Hostname string

	// TLSConfig enables STLS when set.
	TLSConfig *tls.Config

	Log log.Logger

	Store    module.Storage
	Auth     module.PlainAuth
	Notifier Notifier

	OnConnect func(c *Conn) error
	OnClose   func(c *Conn)

	SocketTimeout time.Duration // default 30s

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

func (server *Server) Serve(ln net.Listener) error {
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

	for {
		netConn, err := ln.Accept()
		if err != nil {
			server.mu.Lock()
			shutdown := server.shutdown
			server.mu.Unlock()
			if shutdown {
				return ErrServerClosed
			}
			return err
		}
		go server.ServeConn(netConn)
	}
}

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

// Conn is one POP3 session, owned by a single goroutine.
type Conn struct {
	ID         string
	RemoteAddr string

	server *Server
	log    log.Logger

	netConn    net.Conn
	tlsStarted bool
	br         *bufio.Reader
	bw         *bufio.Writer

	state sessionState

	// banner is the APOP challenge sent in the greeting.
	banner string

	user string

	// The maildrop view, fixed at TRANSACTION entry. Message number i+1
	// addresses msgs[i]; deleted marks DELEd messages.
	mbox    *module.Mailbox
	msgs    []*module.Message
	deleted map[int]bool

	closeOnce sync.Once
}

type sessionState int

const (
	stateAuthorization sessionState = iota
	stateTransaction
	stateUpdate
)

func (server *Server) ServeConn(netConn net.Conn) {
	c := &Conn{
		ID:      uuid.New().String(),
		server:  server,
		netConn: netConn,
		deleted: make(map[int]bool),
	}
	c.log = log.Logger{
		Out:   server.Log.Out,
		Name:  server.Log.Name,
		Debug: server.Log.Debug,
		Fields: map[string]interface{}{
			"session": c.ID,
		},
	}
	if addr := netConn.RemoteAddr(); addr != nil {
		c.RemoteAddr = addr.String()
	}
	if _, isTLS := netConn.(*tls.Conn); isTLS {
		c.tlsStarted = true
	}

	server.mu.Lock()
	if server.conns == nil {
		server.conns = make(map[*Conn]struct{})
		server.cond = sync.NewCond(&server.mu)
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

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.netConn.Close()
	})
}

func (c *Conn) initBufio() {
	c.br = bufio.NewReader(c.netConn)
	c.bw = bufio.NewWriter(c.netConn)
}

func (c *Conn) ok(format string, v ...interface{}) error {
	fmt.Fprintf(c.bw, "+OK "+format+"\r\n", v...)
	return c.bw.Flush()
}

func (c *Conn) err(format string, v ...interface{}) error {
	fmt.Fprintf(c.bw, "-ERR "+format+"\r\n", v...)
	return c.bw.Flush()
}

func (c *Conn) line(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, format+"\r\n", v...)
}

func (c *Conn) serve() {
	defer func() {
		c.close()
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

	c.initBufio()

	if c.server.OnConnect != nil {
		if err := c.server.OnConnect(c); err != nil {
			c.log.Error("connect hook rejected connection", err)
			c.err("%v", err)
			return
		}
	}

	c.banner = fmt.Sprintf("<%s@%s>", uuid.New().String(), c.server.Hostname)
	if err := c.ok("%s POP3 ready %s", c.server.Hostname, c.banner); err != nil {
		return
	}

	for {
		cmd, args, err := c.readCommand()
		if err != nil {
			return
		}
		quit, err := c.dispatch(cmd, args)
		if err != nil || quit {
			return
		}
	}
}

func (c *Conn) readCommand() (cmd string, args []string, err error) {
	c.netConn.SetReadDeadline(time.Now().Add(c.server.socketTimeout()))
	line, err := c.br.ReadString('\n')
	if err != nil {
		return "", nil, err
	}
	if len(line) > maxCmdLength {
		c.err("command line too long")
		return "", nil, errors.New("pop3: command line too long")
	}
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) == 0 {
		return "", nil, nil
	}
	return strings.ToUpper(fields[0]), fields[1:], nil
}

func (c *Conn) dispatch(cmd string, args []string) (quit bool, err error) {
	switch cmd {
	case "":
		return false, nil
	case "QUIT":
		return true, c.cmdQuit()
	case "CAPA":
		return false, c.cmdCapa()
	case "NOOP":
		return false, c.ok("")
	case "STLS":
		return false, c.cmdStls()
	case "USER", "PASS", "APOP":
		if c.state != stateAuthorization {
			return false, c.err("command valid only in AUTHORIZATION state")
		}
		return false, c.cmdAuth(cmd, args)
	case "STAT", "LIST", "UIDL", "RETR", "TOP", "DELE", "RSET":
		if c.state != stateTransaction {
			return false, c.err("command valid only in TRANSACTION state")
		}
		switch cmd {
		case "STAT":
			return false, c.cmdStat()
		case "LIST":
			return false, c.cmdList(args, false)
		case "UIDL":
			return false, c.cmdList(args, true)
		case "RETR":
			return false, c.cmdRetr(args)
		case "TOP":
			return false, c.cmdTop(args)
		case "DELE":
			return false, c.cmdDele(args)
		case "RSET":
			c.deleted = make(map[int]bool)
			return false, c.ok("")
		}
	}
	return false, c.err("unknown command %q", cmd)
}

func (c *Conn) cmdCapa() error {
	if err := c.ok("capability list follows"); err != nil {
		return err
	}
	c.line("USER")
	c.line("UIDL")
	c.line("TOP")
	c.line("PIPELINING")
	c.line("RESP-CODES")
	if c.server.TLSConfig != nil && !c.tlsStarted {
		c.line("STLS")
	}
	c.line("IMPLEMENTATION teal")
	c.line(".")
	return c.bw.Flush()
}

func (c *Conn) cmdStls() error {
	if c.server.TLSConfig == nil {
		return c.err("STLS not available")
	}
	if c.tlsStarted {
		return c.err("TLS already active")
	}
	if c.state != stateAuthorization {
		return c.err("STLS valid only in AUTHORIZATION state")
	}
	if err := c.ok("begin TLS negotiation"); err != nil {
		return err
	}
	tlsConn := tls.Server(c.netConn, c.server.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		c.log.Error("TLS handshake failed", err)
		return err
	}
	c.netConn = tlsConn
	c.tlsStarted = true
	c.initBufio()
	return nil
}

// pendingUser carries USER between commands; PASS consumes it.
var errAuthFailed = errors.New("pop3: authentication failed")

func (c *Conn) cmdAuth(cmd string, args []string) error {
	switch cmd {
	case "USER":
		if len(args) != 1 {
			return c.err("no user specified")
		}
		c.user = args[0]
		return c.ok("send PASS")
	case "PASS":
		if c.user == "" {
			return c.err("USER first")
		}
		if len(args) == 0 {
			return c.err("no password specified")
		}
		// A password may contain spaces.
		if err := c.server.Auth.AuthPlain(c.user, strings.Join(args, " ")); err != nil {
			c.log.Msg("authentication failed", "username", c.user)
			c.user = ""
			return c.err("[AUTH] invalid username or password")
		}
	case "APOP":
		if len(args) != 2 {
			return c.err("APOP requires name and digest")
		}
		apop, ok := c.server.Auth.(APOPAuth)
		if !ok {
			return c.err("APOP not supported")
		}
		if err := apop.AuthAPOP(args[0], c.banner, args[1]); err != nil {
			c.log.Msg("authentication failed", "username", args[0])
			return c.err("[AUTH] invalid username or password")
		}
		c.user = args[0]
	}

	if err := c.openMaildrop(); err != nil {
		c.log.Error("maildrop open failed", err, "username", c.user)
		c.user = ""
		return c.err("[SYS/TEMP] maildrop unavailable")
	}
	c.state = stateTransaction
	return c.ok("maildrop locked and ready")
}

func (c *Conn) openMaildrop() error {
	mbox, err := c.server.Store.Mailbox(c.user, "INBOX")
	if err != nil {
		return err
	}
	msgs, err := c.server.Store.Messages(c.user, mbox.ID)
	if err != nil {
		return err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	c.mbox = mbox
	c.msgs = msgs
	return nil
}

// msg resolves a message-number argument against the maildrop view.
func (c *Conn) msg(arg string) (*module.Message, int, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(c.msgs) || c.deleted[n-1] {
		return nil, 0, false
	}
	return c.msgs[n-1], n, true
}

func (c *Conn) cmdStat() error {
	count, size := 0, int64(0)
	for i, msg := range c.msgs {
		if c.deleted[i] {
			continue
		}
		count++
		size += msg.Size
	}
	return c.ok("%d %d", count, size)
}

// uidl is stable across sessions as long as UIDVALIDITY holds.
func (c *Conn) uidl(msg *module.Message) string {
	return fmt.Sprintf("%d.%d", c.mbox.UIDValidity, msg.UID)
}

func (c *Conn) cmdList(args []string, uidl bool) error {
	entry := func(n int, msg *module.Message) string {
		if uidl {
			return fmt.Sprintf("%d %s", n, c.uidl(msg))
		}
		return fmt.Sprintf("%d %d", n, msg.Size)
	}
	switch len(args) {
	case 0:
		if err := c.ok("scan listing follows"); err != nil {
			return err
		}
		for i, msg := range c.msgs {
			if c.deleted[i] {
				continue
			}
			c.line("%s", entry(i+1, msg))
		}
		c.line(".")
		return c.bw.Flush()
	case 1:
		msg, n, ok := c.msg(args[0])
		if !ok {
			return c.err("no such message")
		}
		return c.ok("%s", entry(n, msg))
	default:
		return c.err("invalid arguments")
	}
}

func (c *Conn) cmdRetr(args []string) error {
	if len(args) != 1 {
		return c.err("invalid arguments")
	}
	msg, _, ok := c.msg(args[0])
	if !ok {
		return c.err("no such message")
	}
	body, err := c.server.Store.OpenBody(c.user, msg.ID)
	if err != nil {
		c.log.Error("RETR", err, "uid", msg.UID)
		return c.err("[SYS/TEMP] message unavailable")
	}
	defer body.Close()

	if body.Size != module.UnknownBodySize {
		if err := c.ok("%d octets", body.Size); err != nil {
			return err
		}
	} else if err := c.ok("message follows"); err != nil {
		return err
	}

	// The terminating ".\r\n" is written and flushed before the next
	// pipelined command is even parsed, so response order always
	// matches command order.
	dw := newDotWriter(c.bw, func() {
		c.netConn.SetWriteDeadline(time.Now().Add(c.server.socketTimeout()))
	})
	if _, err := io.Copy(dw, body); err != nil {
		// The message stream broke mid-response; the only safe exit is
		// dropping the connection.
		return err
	}
	if err := dw.Close(); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) cmdTop(args []string) error {
	if len(args) != 2 {
		return c.err("invalid arguments")
	}
	msg, _, ok := c.msg(args[0])
	if !ok {
		return c.err("no such message")
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n < 0 {
		return c.err("invalid line count")
	}
	body, err := c.server.Store.OpenBody(c.user, msg.ID)
	if err != nil {
		c.log.Error("TOP", err, "uid", msg.UID)
		return c.err("[SYS/TEMP] message unavailable")
	}
	defer body.Close()

	if err := c.ok("top of message follows"); err != nil {
		return err
	}
	dw := newDotWriter(c.bw, func() {
		c.netConn.SetWriteDeadline(time.Now().Add(c.server.socketTimeout()))
	})

	// Headers in full, then n body lines.
	br := bufio.NewReader(body)
	inBody := false
	bodyLines := 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if inBody {
				bodyLines++
			}
			if _, werr := io.WriteString(dw, line); werr != nil {
				return werr
			}
			if !inBody && (line == "\r\n" || line == "\n") {
				inBody = true
			}
			if inBody && bodyLines >= n {
				break
			}
		}
		if err != nil {
			break
		}
	}
	if err := dw.Close(); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) cmdDele(args []string) error {
	if len(args) != 1 {
		return c.err("invalid arguments")
	}
	_, n, ok := c.msg(args[0])
	if !ok {
		return c.err("no such message")
	}
	c.deleted[n-1] = true
	return c.ok("message %d deleted", n)
}

// cmdQuit applies pending deletions (the UPDATE state) and signs off.
func (c *Conn) cmdQuit() error {
	if c.state == stateTransaction {
		c.state = stateUpdate
		failed := 0
		for i, msg := range c.msgs {
			if !c.deleted[i] {
				continue
			}
			if err := c.server.Store.DeleteMessage(c.user, msg.ID); err != nil {
				c.log.Error("QUIT expunge", err, "uid", msg.UID)
				failed++
				continue
			}
			if c.server.Notifier != nil {
				err := c.server.Notifier.Notify(context.Background(), c.user, module.JournalEntry{
					Mailbox: c.mbox.ID,
					Kind:    module.JournalExpunge,
					UID:     msg.UID,
				})
				if err != nil {
					c.log.Error("QUIT notify", err, "uid", msg.UID)
				}
			}
		}
		if failed > 0 {
			return c.err("some deleted messages not removed")
		}
	}
	return c.ok("%s signing off", c.server.Hostname)
}

// VerifyAPOPDigest computes the RFC 1939 APOP check for implementations
// that keep plaintext secrets.
func VerifyAPOPDigest(banner, password, digest string) bool {
	sum := md5.Sum([]byte(banner + password))
	return hex.EncodeToString(sum[:]) == strings.ToLower(digest)
}
