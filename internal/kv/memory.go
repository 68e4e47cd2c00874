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

// Package kv provides the shared key-value cache implementations.
//
// kv.redis talks to a Redis server and is what production configurations
// use. kv.memory keeps everything in process memory and exists for tests
// and the dev profile; it implements the same narrow module.KV surface
// so the change log and the worker registry cannot tell them apart.
package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/module"
)

type zmember struct {
	member string
	score  float64
}

// Memory is an in-process module.KV implementation.
type Memory struct {
	instName string

	mu      sync.Mutex
	strings map[string]string
	lists   map[string][]string
	zsets   map[string][]zmember

	subsMu sync.Mutex
	subs   map[string][]*memorySub
}

// NewMemory returns a ready-to-use Memory instance that does not need Init.
// Tests construct it directly.
func NewMemory() *Memory {
	return &Memory{
		strings: map[string]string{},
		lists:   map[string][]string{},
		zsets:   map[string][]zmember{},
		subs:    map[string][]*memorySub{},
	}
}

func memoryMod(modName, instName string, _ []string) (module.Module, error) {
	m := NewMemory()
	m.instName = instName
	return m, nil
}

func (m *Memory) Init(cfg *config.Map) error {
	_, err := cfg.Process()
	return err
}

func (m *Memory) Name() string {
	return "kv.memory"
}

func (m *Memory) InstanceName() string {
	return m.instName
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.strings[key]
	if !ok {
		return "", module.ErrNoSuchKey
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = value
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.lists, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := int64(0)
	if v, ok := m.strings[key]; ok {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		cur = parsed
	}
	cur += delta
	m.strings[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) ListAppendTrim(_ context.Context, key string, maxLen int64, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := append(m.lists[key], values...)
	if maxLen > 0 && int64(len(l)) > maxLen {
		l = l[int64(len(l))-maxLen:]
	}
	m.lists[key] = l
	return nil
}

// clampRange translates Redis-style inclusive list indices (negative counts
// from the tail) into Go slice bounds.
func clampRange(n int64, start, stop int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}

func (m *Memory) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lists[key]
	start, stop, ok := clampRange(int64(len(l)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, l[start:stop+1])
	return out, nil
}

func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.lists[key])), nil
}

func (m *Memory) ListTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.lists[key]
	start, stop, ok := clampRange(int64(len(l)), start, stop)
	if !ok {
		delete(m.lists, key)
		return nil
	}
	m.lists[key] = l[start : stop+1]
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zs := m.zsets[key]
	for i := range zs {
		if zs[i].member == member {
			zs[i].score = score
			return nil
		}
	}
	m.zsets[key] = append(zs, zmember{member, score})
	return nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zs := m.zsets[key]
	kept := zs[:0]
	for _, zm := range zs {
		drop := false
		for _, rm := range members {
			if zm.member == rm {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, zm)
		}
	}
	m.zsets[key] = kept
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []zmember
	for _, zm := range m.zsets[key] {
		if zm.score >= min && zm.score <= max {
			matched = append(matched, zm)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].score < matched[j].score })

	out := make([]string, 0, len(matched))
	for _, zm := range matched {
		out = append(out, zm.member)
	}
	return out, nil
}

func (m *Memory) ZDropBelow(_ context.Context, key string, threshold float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zs := m.zsets[key]
	kept := zs[:0]
	removed := int64(0)
	for _, zm := range zs {
		if zm.score < threshold {
			removed++
			continue
		}
		kept = append(kept, zm)
	}
	m.zsets[key] = kept
	return removed, nil
}

type memorySub struct {
	kv      *Memory
	channel string
	msgs    chan []byte
	once    sync.Once
}

func (s *memorySub) Messages() <-chan []byte {
	return s.msgs
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.kv.subsMu.Lock()
		subs := s.kv.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.kv.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(s.msgs)
		s.kv.subsMu.Unlock()
	})
	return nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	// Sends stay under the lock so a concurrent Close cannot close a
	// channel mid-send. They never block.
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, s := range m.subs[channel] {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case s.msgs <- cp:
		default:
			// Slow subscriber, drop. The notifier tolerates missed
			// wake-ups since sessions re-read the journal by modseq.
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (module.KVSubscription, error) {
	s := &memorySub{kv: m, channel: channel, msgs: make(chan []byte, 64)}
	m.subsMu.Lock()
	m.subs[channel] = append(m.subs[channel], s)
	m.subsMu.Unlock()
	return s, nil
}

func init() {
	module.Register("kv.memory", memoryMod)
}
