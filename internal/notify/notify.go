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

// Package notify fans mailbox changes out to the server workers hosting
// sessions for the affected user.
//
// Each worker subscribes to its own worker:{workerId} channel and
// registers itself in a per-user users:{userId} sorted set scored by
// registration time. Publishing a change looks up the user's live
// workers, evicts entries whose score has gone stale and sends a small
// JSON event to each remaining worker channel. Registrations are
// refreshed at TTL/4, so a crashed worker disappears from every registry
// within one TTL.
//
// The notifier is the sole producer of mailbox journal entries. Sessions
// never rely on event delivery for correctness: a wake-up only tells
// them to re-read the journal, so lost events delay updates but never
// lose them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
)

// PubSub is the wake-up transport. module.KV implements it; pq.go
// provides a PostgreSQL LISTEN/NOTIFY alternative.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (module.KVSubscription, error)
}

// Notifier journals mailbox mutations and wakes the sessions watching
// the affected user, on this worker and on every other registered one.
type Notifier struct {
	Store module.Storage

	// KV holds the per-user worker registry.
	KV module.KV

	// Transport overrides KV as the pub/sub transport when set.
	Transport PubSub

	WorkerID string

	// TTL is how long a worker registration lives without refresh.
	// Default 120s.
	TTL time.Duration

	// OnEvent, when set, receives events that carry a payload (JMAP
	// state pushes). Payload-less wake-ups never reach it.
	OnEvent func(user string, payload []byte)

	Logger log.Logger

	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
	sub      module.KVSubscription
	stop     chan struct{}
	started  bool
}

func usersKey(user string) string       { return "users:" + user }
func workerChan(workerID string) string { return "worker:" + workerID }

func (n *Notifier) ttl() time.Duration {
	if n.TTL == 0 {
		return 120 * time.Second
	}
	return n.TTL
}

func (n *Notifier) transport() PubSub {
	if n.Transport != nil {
		return n.Transport
	}
	return n.KV
}

// Start subscribes to this worker's channel and begins the receive and
// registration-refresh loops. Watch calls it lazily.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.startLocked(ctx)
}

func (n *Notifier) startLocked(ctx context.Context) error {
	if n.started {
		return nil
	}
	if n.WorkerID == "" {
		return errors.New("notify: worker ID not set")
	}
	sub, err := n.transport().Subscribe(ctx, workerChan(n.WorkerID))
	if err != nil {
		return err
	}
	n.sub = sub
	n.stop = make(chan struct{})
	n.watchers = make(map[string]map[chan struct{}]struct{})
	n.started = true
	go n.recvLoop(sub)
	go n.refreshLoop()
	return nil
}

// Close stops the loops and drops this worker's subscription. Active
// Watch cancel functions remain safe to call.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return nil
	}
	n.started = false
	close(n.stop)
	return n.sub.Close()
}

func (n *Notifier) recvLoop(sub module.KVSubscription) {
	for msg := range sub.Messages() {
		user, payload, err := decodeEvent(msg)
		if err != nil {
			n.Logger.Error("malformed event", err)
			continue
		}
		if payload != nil && n.OnEvent != nil {
			n.OnEvent(user, payload)
		}
		n.mu.Lock()
		for ch := range n.watchers[user] {
			select {
			case ch <- struct{}{}:
			default:
				// Watcher already has a pending wake-up.
			}
		}
		n.mu.Unlock()
	}
}

func (n *Notifier) refreshLoop() {
	t := time.NewTicker(n.ttl() / 4)
	defer t.Stop()
	for {
		select {
		case <-n.stop:
			return
		case <-t.C:
		}
		n.mu.Lock()
		users := make([]string, 0, len(n.watchers))
		for user := range n.watchers {
			users = append(users, user)
		}
		n.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		score := float64(time.Now().Unix())
		for _, user := range users {
			if err := n.KV.ZAdd(ctx, usersKey(user), n.WorkerID, score); err != nil {
				n.Logger.Error("registration refresh failed", err, "user", user)
			}
		}
		cancel()
	}
}

// Watch registers interest in user's mailbox changes. The returned
// channel receives a token whenever something may have changed; the
// caller re-reads the journal to find out what. cancel unregisters.
func (n *Notifier) Watch(ctx context.Context, user string) (<-chan struct{}, func(), error) {
	n.mu.Lock()
	if err := n.startLocked(ctx); err != nil {
		n.mu.Unlock()
		return nil, nil, err
	}
	ch := make(chan struct{}, 1)
	set := n.watchers[user]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		n.watchers[user] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	if err := n.KV.ZAdd(ctx, usersKey(user), n.WorkerID, float64(time.Now().Unix())); err != nil {
		n.removeWatcher(user, ch)
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { n.removeWatcher(user, ch) })
	}
	return ch, cancel, nil
}

func (n *Notifier) removeWatcher(user string, ch chan struct{}) {
	n.mu.Lock()
	set := n.watchers[user]
	delete(set, ch)
	last := len(set) == 0
	if last {
		delete(n.watchers, user)
	}
	n.mu.Unlock()

	if last {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.KV.ZRem(ctx, usersKey(user), n.WorkerID); err != nil {
			n.Logger.Error("unregister failed", err, "user", user)
		}
	}
}

// Notify appends entry to user's mailbox journal and wakes every worker
// hosting sessions for user. It is the only journal write path in the
// server.
func (n *Notifier) Notify(ctx context.Context, user string, entry module.JournalEntry) error {
	if err := n.Store.AppendJournal(user, entry); err != nil {
		return err
	}
	return n.fanout(ctx, user, nil)
}

// Publish sends a payload-carrying event (a JMAP state push) to user's
// workers without touching the journal.
func (n *Notifier) Publish(ctx context.Context, user string, payload []byte) error {
	return n.fanout(ctx, user, payload)
}

func (n *Notifier) fanout(ctx context.Context, user string, payload []byte) error {
	key := usersKey(user)
	stale := float64(time.Now().Add(-n.ttl()).Unix())
	if _, err := n.KV.ZDropBelow(ctx, key, stale); err != nil {
		return err
	}
	workers, err := n.KV.ZRangeByScore(ctx, key, stale, float64(time.Now().Unix())+1)
	if err != nil {
		return err
	}

	msg := encodeEvent(user, payload)
	for _, workerID := range workers {
		if err := n.transport().Publish(ctx, workerChan(workerID), msg); err != nil {
			// A dead transport target must not fail the mutation; the
			// worker's sessions will catch up from the journal.
			n.Logger.Error("event publish failed", err, "worker", workerID, "user", user)
		}
	}
	return nil
}

type event struct {
	E string          `json:"e"`
	P json.RawMessage `json:"p,omitempty"`
}

func encodeEvent(user string, payload []byte) []byte {
	if payload == nil && !needsEscape(user) {
		// The payload-less form is built by hand so its shape is
		// exactly the one decodeEvent fingerprints.
		buf := make([]byte, 0, len(user)+8)
		buf = append(buf, `{"e":"`...)
		buf = append(buf, user...)
		buf = append(buf, `"}`...)
		return buf
	}
	msg, err := json.Marshal(event{E: user, P: payload})
	if err != nil {
		// payload is required to be valid JSON.
		panic("notify: unencodable event payload: " + err.Error())
	}
	return msg
}

func needsEscape(user string) bool {
	for i := 0; i < len(user); i++ {
		if c := user[i]; c == '"' || c == '\\' || c < 0x20 || c >= 0x80 {
			return true
		}
	}
	return false
}

var (
	eventPrefix = []byte(`{"e":"`)
	eventSuffix = []byte(`"}`)
)

// decodeEvent recognizes the payload-less form by shape alone and skips
// JSON parsing for it; anything else goes through encoding/json.
func decodeEvent(msg []byte) (user string, payload []byte, err error) {
	if bytes.HasPrefix(msg, eventPrefix) && bytes.HasSuffix(msg, eventSuffix) {
		inner := msg[len(eventPrefix) : len(msg)-len(eventSuffix)]
		if !bytes.ContainsAny(inner, `"\`) {
			return string(inner), nil, nil
		}
	}
	var ev event
	if err := json.Unmarshal(msg, &ev); err != nil {
		return "", nil, err
	}
	return ev.E, ev.P, nil
}
