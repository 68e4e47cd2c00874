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

package notify

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
)

// PQ is a PubSub transport over PostgreSQL LISTEN/NOTIFY, for
// deployments that already run PostgreSQL and do not want Redis pub/sub
// for event delivery. The worker registry still lives in the KV.
type PQ struct {
	listener *pq.Listener
	sender   *sql.DB

	Log log.Logger

	mu   sync.Mutex
	subs map[string][]*pqSub
}

func NewPQ(dsn string) (*PQ, error) {
	p := &PQ{
		Log:  log.Logger{Name: "notify.pq"},
		subs: make(map[string][]*pqSub),
	}
	p.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, p.event)
	sender, err := sql.Open("postgres", dsn)
	if err != nil {
		p.listener.Close()
		return nil, err
	}
	p.sender = sender

	go func() {
		for n := range p.listener.Notify {
			if n == nil {
				// Reconnect marker; subscribers may have missed events,
				// which sessions absorb by re-reading the journal.
				continue
			}
			p.dispatch(n.Channel, []byte(n.Extra))
		}
		p.closeAllSubs()
	}()
	return p, nil
}

func (p *PQ) event(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		p.Log.DebugMsg("connected")
	case pq.ListenerEventReconnected:
		p.Log.Msg("connection reestablished")
	case pq.ListenerEventConnectionAttemptFailed:
		p.Log.Error("connection attempt failed", err)
	case pq.ListenerEventDisconnected:
		p.Log.Msg("connection closed", "err", err)
	}
}

func (p *PQ) dispatch(channel string, payload []byte) {
	// Sends stay under the lock so a concurrent Close cannot close a
	// channel mid-send. They never block.
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs[channel] {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case s.msgs <- cp:
		default:
			// Slow subscriber, drop.
		}
	}
}

func (p *PQ) closeAllSubs() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, subs := range p.subs {
		for _, s := range subs {
			s.once.Do(func() { close(s.msgs) })
		}
	}
	p.subs = make(map[string][]*pqSub)
}

func (p *PQ) Close() error {
	err := p.listener.Close()
	if serr := p.sender.Close(); err == nil {
		err = serr
	}
	return err
}

func (p *PQ) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := p.sender.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload))
	return err
}

func (p *PQ) Subscribe(_ context.Context, channel string) (module.KVSubscription, error) {
	p.mu.Lock()
	first := len(p.subs[channel]) == 0
	s := &pqSub{pq: p, channel: channel, msgs: make(chan []byte, 64)}
	p.subs[channel] = append(p.subs[channel], s)
	p.mu.Unlock()

	if first {
		if err := p.listener.Listen(channel); err != nil {
			p.mu.Lock()
			p.subs[channel] = nil
			p.mu.Unlock()
			return nil, err
		}
	}
	return s, nil
}

type pqSub struct {
	pq      *PQ
	channel string
	msgs    chan []byte
	once    sync.Once
}

func (s *pqSub) Messages() <-chan []byte {
	return s.msgs
}

func (s *pqSub) Close() error {
	s.pq.mu.Lock()
	subs := s.pq.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.pq.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	unlisten := len(s.pq.subs[s.channel]) == 0
	s.once.Do(func() { close(s.msgs) })
	s.pq.mu.Unlock()

	if unlisten {
		return s.pq.listener.Unlisten(s.channel)
	}
	return nil
}
