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
	"context"
	"errors"
)

// ErrNoSuchKey is returned by KV.Get for keys that were never set.
var ErrNoSuchKey = errors.New("kv: no such key")

// KVSubscription is an active pub/sub channel subscription.
type KVSubscription interface {
	// Messages returns the channel delivering published payloads. It is
	// closed after Close or when the underlying transport fails.
	Messages() <-chan []byte

	Close() error
}

// KV is the interface implemented by modules providing the shared
// key-value cache.
//
// It deliberately exposes only the narrow operations the change log and
// the worker registry are built on, not a generic command surface, so
// that the in-memory implementation used in tests stays honest.
//
// Modules implementing this interface should be registered with prefix
// "kv." in name.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error

	// IncrBy atomically adds delta to the integer at key (missing key
	// counts as 0) and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// ListAppendTrim appends values to the tail of the list at key and
	// trims the list to its last maxLen elements, in a single pipelined
	// round trip. maxLen <= 0 disables the trim.
	ListAppendTrim(ctx context.Context, key string, maxLen int64, values ...string) error

	// ListRange returns list elements between start and stop inclusive.
	// Negative indices count from the tail, -1 being the last element.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	ListLen(ctx context.Context, key string) (int64, error)

	// ListTrim keeps only elements between start and stop inclusive.
	ListTrim(ctx context.Context, key string, start, stop int64) error

	// ZAdd adds the member to the sorted set at key with the given score,
	// updating the score if the member is already present.
	ZAdd(ctx context.Context, key, member string, score float64) error

	ZRem(ctx context.Context, key string, members ...string) error

	// ZRangeByScore returns members with min <= score <= max, ordered by
	// score.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)

	// ZDropBelow removes members with score < threshold and returns how
	// many were removed.
	ZDropBelow(ctx context.Context, key string, threshold float64) (int64, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (KVSubscription, error)
}
