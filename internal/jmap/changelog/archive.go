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

package changelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tealmail/teal/framework/log"
)

// Archive is the durable spill target for compacted change-log entries.
type Archive struct {
	db *sql.DB
}

// OpenArchive opens (creating if needed) the sqlite archive at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS changes (
			user TEXT NOT NULL,
			seq  INTEGER NOT NULL,
			type TEXT NOT NULL,
			id   TEXT NOT NULL,
			ts   INTEGER NOT NULL,
			PRIMARY KEY (user, seq)
		)`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// store writes entries in one transaction. Entries already present are
// left untouched, which is what makes compaction safe to re-run after a
// crash between archive commit and cache trim.
func (a *Archive) store(ctx context.Context, user string, entries []Entry) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO changes (user, seq, type, id, ts) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, user, e.Seq, e.Type, e.ID, e.TS); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Entries returns archived entries for user with seq > sinceSeq, in seq
// order.
func (a *Archive) Entries(ctx context.Context, user string, sinceSeq uint64) ([]Entry, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT seq, type, id, ts FROM changes WHERE user = ? AND seq > ? ORDER BY seq`,
		user, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Type, &e.ID, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Compactor moves the overflow of a user's in-cache log into the
// archive, keeping only the most recent Keep entries in the cache.
type Compactor struct {
	Log     *Log
	Archive *Archive

	// Keep is how many entries stay in the cache. Default 1000.
	Keep int64

	Logger log.Logger
}

func (c *Compactor) keep() int64 {
	if c.Keep == 0 {
		return 1000
	}
	return c.Keep
}

// Compact spills user's overflow entries. It archives before it trims,
// so a crash in between only leaves entries present in both places; the
// next run re-archives them as no-ops and finishes the trim. Running
// Compact twice with no intervening appends changes nothing.
func (c *Compactor) Compact(ctx context.Context, user string) error {
	key := changesKey(user)
	n, err := c.Log.KV.ListLen(ctx, key)
	if err != nil {
		return err
	}
	overflow := n - c.keep()
	if overflow <= 0 {
		return nil
	}

	raw, err := c.Log.KV.ListRange(ctx, key, 0, overflow-1)
	if err != nil {
		return err
	}
	entries := make([]Entry, 0, len(raw))
	for _, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return err
		}
		entries = append(entries, e)
	}
	if err := c.Archive.store(ctx, user, entries); err != nil {
		return err
	}

	// Concurrent appends only grow the tail, so head-relative trim
	// indices stay valid.
	if err := c.Log.KV.ListTrim(ctx, key, overflow, -1); err != nil {
		return err
	}
	c.Logger.DebugMsg("compacted change log", "user", user, "archived", len(entries))
	return nil
}

// Run compacts every user returned by users at each interval tick until
// ctx is canceled. Per-user failures are logged and do not stop the
// loop.
func (c *Compactor) Run(ctx context.Context, interval time.Duration, users func(context.Context) ([]string, error)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		list, err := users(ctx)
		if err != nil {
			c.Logger.Error("listing users for compaction", err)
			continue
		}
		for _, user := range list {
			if err := c.Compact(ctx, user); err != nil {
				c.Logger.Error("compaction failed", err, "user", user)
			}
		}
	}
}
