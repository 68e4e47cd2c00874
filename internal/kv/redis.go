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

package kv

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
)

// Redis is a module.KV implementation backed by a Redis server.
type Redis struct {
	instName string
	log      log.Logger

	addr     string
	password string
	db       int

	client *redis.Client
}

func redisMod(modName, instName string, inlineArgs []string) (module.Module, error) {
	r := &Redis{
		instName: instName,
		log:      log.Logger{Name: modName},
	}
	if len(inlineArgs) >= 1 {
		r.addr = inlineArgs[0]
	}
	return r, nil
}

func (r *Redis) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &r.log.Debug)
	cfg.String("addr", false, false, "localhost:6379", &r.addr)
	cfg.String("password", false, false, "", &r.password)
	cfg.Int("db", false, false, 0, &r.db)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     r.addr,
		Password: r.password,
		DB:       r.db,
	})
	return nil
}

func (r *Redis) Name() string {
	return "kv.redis"
}

func (r *Redis) InstanceName() string {
	return r.instName
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", module.ErrNoSuchKey
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return r.client.IncrBy(ctx, key, delta).Result()
}

func (r *Redis) ListAppendTrim(ctx context.Context, key string, maxLen int64, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}

	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, args...)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, -maxLen, -1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, key).Result()
}

func (r *Redis) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return r.client.LTrim(ctx, key, start, stop).Err()
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	return r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.ZRem(ctx, key, args...).Err()
}

func (r *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (r *Redis) ZDropBelow(ctx context.Context, key string, threshold float64) (int64, error) {
	return r.client.ZRemRangeByScore(ctx, key, "-inf", "("+formatScore(threshold)).Result()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

type redisSub struct {
	ps   *redis.PubSub
	msgs chan []byte
	done chan struct{}
}

func (s *redisSub) Messages() <-chan []byte {
	return s.msgs
}

func (s *redisSub) Close() error {
	close(s.done)
	return s.ps.Close()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (module.KVSubscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before returning so callers
	// do not publish into the void right after Subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	sub := &redisSub{ps: ps, msgs: make(chan []byte, 64), done: make(chan struct{})}
	go func() {
		defer close(sub.msgs)
		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.msgs <- []byte(msg.Payload):
				case <-sub.done:
					return
				}
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

func init() {
	module.Register("kv.redis", redisMod)
}
