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

// Package changelog maintains the per-user JMAP change log: an ordered
// record of object lifecycle events served to */changes methods
// (RFC 8620 §5.2).
//
// The log lives in the shared KV cache as a bounded list plus an atomic
// sequence counter. A compactor moves overflow entries into a durable
// sqlite archive so that the cache holds only the recent tail.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/tealmail/teal/framework/module"
)

const (
	TypeCreated   = "created"
	TypeUpdated   = "updated"
	TypeDestroyed = "destroyed"
)

// Change is one lifecycle event to record.
type Change struct {
	Type string
	ID   string
}

// Entry is a recorded change. Seq is strictly increasing per user.
type Entry struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"t"`
	ID   string `json:"id"`
	TS   int64  `json:"ts"`
}

// Changes is the result of ChangesSince. When CannotCalculate is set the
// log no longer retains every entry after the requested state and the
// caller must resynchronize from scratch.
type Changes struct {
	Created   []string
	Updated   []string
	Destroyed []string
	NewState  uint64

	CannotCalculate bool
}

// Log is the per-user change log over a module.KV.
type Log struct {
	KV module.KV

	// MaxEntries bounds the in-cache log per user. Default 5000.
	MaxEntries int64

	// now is a test hook.
	now func() time.Time
}

func (l *Log) maxEntries() int64 {
	if l.MaxEntries == 0 {
		return 5000
	}
	return l.MaxEntries
}

func (l *Log) timestamp() int64 {
	if l.now != nil {
		return l.now().Unix()
	}
	return time.Now().Unix()
}

func stateKey(user string) string   { return "jmap:state:" + user }
func changesKey(user string) string { return "jmap:changes:" + user }

const usersKey = "jmap:users"

// Append records a single change and returns its seq.
func (l *Log) Append(ctx context.Context, user, typ, id string) (uint64, error) {
	_, last, err := l.AppendBulk(ctx, user, []Change{{Type: typ, ID: id}})
	return last, err
}

// AppendBulk records changes in order and returns the contiguous seq
// range [first, last] assigned to them. The range is reserved with a
// single counter increment and the entries land in the list in one
// pipelined round trip, so concurrent appenders never interleave their
// sequence numbers.
func (l *Log) AppendBulk(ctx context.Context, user string, changes []Change) (first, last uint64, err error) {
	if len(changes) == 0 {
		return 0, 0, nil
	}
	end, err := l.KV.IncrBy(ctx, stateKey(user), int64(len(changes)))
	if err != nil {
		return 0, 0, err
	}
	last = uint64(end)
	first = last - uint64(len(changes)) + 1

	ts := l.timestamp()
	values := make([]string, len(changes))
	for i, ch := range changes {
		raw, err := json.Marshal(Entry{
			Seq:  first + uint64(i),
			Type: ch.Type,
			ID:   ch.ID,
			TS:   ts,
		})
		if err != nil {
			return 0, 0, err
		}
		values[i] = string(raw)
	}
	if err := l.KV.ListAppendTrim(ctx, changesKey(user), l.maxEntries(), values...); err != nil {
		return 0, 0, err
	}
	// Registry of users with a non-empty log, consumed by the compactor.
	if err := l.KV.ZAdd(ctx, usersKey, user, float64(ts)); err != nil {
		return 0, 0, err
	}
	return first, last, nil
}

// Users returns every user that ever had a change recorded.
func (l *Log) Users(ctx context.Context) ([]string, error) {
	return l.KV.ZRangeByScore(ctx, usersKey, math.Inf(-1), math.Inf(1))
}

// State returns the user's current change sequence. A user with no
// recorded changes has state 0.
func (l *Log) State(ctx context.Context, user string) (uint64, error) {
	raw, err := l.KV.Get(ctx, stateKey(user))
	if errors.Is(err, module.ErrNoSuchKey) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

// entries returns the retained log in seq order.
func (l *Log) entries(ctx context.Context, user string) ([]Entry, error) {
	raw, err := l.KV.ListRange(ctx, changesKey(user), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ChangesSince categorizes the ids changed after sinceSeq. An id that
// went through several states within the window is reported once with
// its net effect; an id both created and destroyed inside the window is
// omitted entirely.
func (l *Log) ChangesSince(ctx context.Context, user string, sinceSeq uint64) (Changes, error) {
	state, err := l.State(ctx, user)
	if err != nil {
		return Changes{}, err
	}
	res := Changes{NewState: state}

	if sinceSeq > state {
		// The client claims a state this log never issued.
		res.CannotCalculate = true
		return res, nil
	}
	if sinceSeq == state {
		return res, nil
	}

	entries, err := l.entries(ctx, user)
	if err != nil {
		return Changes{}, err
	}
	// Entries (sinceSeq, oldest) have been trimmed or compacted away.
	if len(entries) == 0 || entries[0].Seq > sinceSeq+1 {
		res.CannotCalculate = true
		return res, nil
	}

	type lifecycle struct {
		created   bool
		destroyed bool
	}
	lifecycles := make(map[string]*lifecycle)
	var order []string
	for _, e := range entries {
		if e.Seq <= sinceSeq {
			continue
		}
		lc := lifecycles[e.ID]
		if lc == nil {
			lc = &lifecycle{}
			lifecycles[e.ID] = lc
			order = append(order, e.ID)
		}
		switch e.Type {
		case TypeCreated:
			lc.created = true
			lc.destroyed = false
		case TypeDestroyed:
			lc.destroyed = true
		}
	}
	for _, id := range order {
		lc := lifecycles[id]
		switch {
		case lc.created && lc.destroyed:
			// Came and went within the window.
		case lc.created:
			res.Created = append(res.Created, id)
		case lc.destroyed:
			res.Destroyed = append(res.Destroyed, id)
		default:
			res.Updated = append(res.Updated, id)
		}
	}
	return res, nil
}
