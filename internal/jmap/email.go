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

package jmap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"

	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/jmap/changelog"
)

// JMAP keywords (RFC 8621 §4.1.1) for the IMAP system flags. Other
// keywords pass through unchanged.
var keywordToFlag = map[string]string{
	"$seen":     module.FlagSeen,
	"$flagged":  module.FlagFlagged,
	"$draft":    module.FlagDraft,
	"$answered": module.FlagAnswered,
}

func flagToKeyword(flag string) string {
	for kw, f := range keywordToFlag {
		if strings.EqualFold(f, flag) {
			return kw
		}
	}
	return flag
}

// keywordsToFlags converts a JMAP keyword map to an IMAP flag list,
// dropping keywords mapped to false.
func keywordsToFlags(keywords map[string]bool) []string {
	flags := make([]string, 0, len(keywords))
	for kw, set := range keywords {
		if !set {
			continue
		}
		if f, ok := keywordToFlag[strings.ToLower(kw)]; ok {
			flags = append(flags, f)
		} else {
			flags = append(flags, kw)
		}
	}
	sort.Strings(flags)
	return flags
}

func flagsToKeywords(flags []string) map[string]bool {
	keywords := make(map[string]bool, len(flags))
	for _, f := range flags {
		if strings.EqualFold(f, module.FlagDeleted) || strings.EqualFold(f, module.FlagRecent) {
			continue
		}
		keywords[flagToKeyword(f)] = true
	}
	return keywords
}

type emailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func parseAddressHeader(msg *module.Message, key string) []emailAddress {
	raw := msg.Header(key)
	if raw == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(raw)
	if err != nil {
		// Deliver what we can; a single unparsable mailbox becomes a
		// bare email field.
		return []emailAddress{{Email: raw}}
	}
	out := make([]emailAddress, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, emailAddress{Name: a.Name, Email: a.Address})
	}
	return out
}

const previewLength = 256

func preview(msg *module.Message) string {
	text := msg.Text
	if text == "" {
		text = msg.HTML
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > previewLength {
		text = text[:previewLength]
	}
	return text
}

type bodyPart struct {
	PartID string `json:"partId"`
	Type   string `json:"type"`
}

// emailObject projects the message onto the requested JMAP Email
// properties. A nil props slice selects the default set.
func (h *Handler) emailObject(msg *module.Message, props []string, fetchBodies bool) map[string]interface{} {
	all := map[string]func() interface{}{
		"id":         func() interface{} { return msg.ID },
		"blobId":     func() interface{} { return msg.ID },
		"threadId":   func() interface{} { return msg.Thread },
		"mailboxIds": func() interface{} { return map[string]bool{msg.Mailbox: true} },
		"keywords":   func() interface{} { return flagsToKeywords(msg.Flags) },
		"size":       func() interface{} { return msg.Size },
		"receivedAt": func() interface{} { return msg.IDate.UTC().Format(time.RFC3339) },
		"sentAt":     func() interface{} { return msg.HDate.UTC().Format(time.RFC3339) },
		"subject":    func() interface{} { return msg.Header("Subject") },
		"from":       func() interface{} { return parseAddressHeader(msg, "From") },
		"to":         func() interface{} { return parseAddressHeader(msg, "To") },
		"cc":         func() interface{} { return parseAddressHeader(msg, "Cc") },
		"bcc":        func() interface{} { return parseAddressHeader(msg, "Bcc") },
		"replyTo":    func() interface{} { return parseAddressHeader(msg, "Reply-To") },
		"preview":    func() interface{} { return preview(msg) },
		"textBody": func() interface{} {
			if msg.Text == "" {
				return []bodyPart{}
			}
			return []bodyPart{{PartID: "text", Type: "text/plain"}}
		},
		"htmlBody": func() interface{} {
			if msg.HTML == "" {
				return []bodyPart{}
			}
			return []bodyPart{{PartID: "html", Type: "text/html"}}
		},
		"bodyValues": func() interface{} {
			values := map[string]interface{}{}
			if !fetchBodies {
				return values
			}
			if msg.Text != "" {
				values["text"] = map[string]interface{}{"value": msg.Text, "isTruncated": false}
			}
			if msg.HTML != "" {
				values["html"] = map[string]interface{}{"value": msg.HTML, "isTruncated": false}
			}
			return values
		},
	}

	if props == nil {
		props = []string{
			"id", "blobId", "threadId", "mailboxIds", "keywords", "size",
			"receivedAt", "sentAt", "subject", "from", "to", "cc", "bcc",
			"preview", "textBody", "htmlBody", "bodyValues",
		}
	}

	obj := map[string]interface{}{"id": msg.ID}
	for _, p := range props {
		if fn := all[p]; fn != nil {
			obj[p] = fn()
		}
	}
	return obj
}

type emailFilter struct {
	InMailbox  string `json:"inMailbox"`
	HasKeyword string `json:"hasKeyword"`
	NotKeyword string `json:"notKeyword"`
	Text       string `json:"text"`
	Subject    string `json:"subject"`
}

func (f *emailFilter) matches(msg *module.Message) bool {
	if f.InMailbox != "" && msg.Mailbox != f.InMailbox {
		return false
	}
	if f.HasKeyword != "" && !flagsToKeywords(msg.Flags)[strings.ToLower(f.HasKeyword)] {
		return false
	}
	if f.NotKeyword != "" && flagsToKeywords(msg.Flags)[strings.ToLower(f.NotKeyword)] {
		return false
	}
	if f.Subject != "" && !containsFold(msg.Header("Subject"), f.Subject) {
		return false
	}
	if f.Text != "" {
		if !containsFold(msg.Header("Subject"), f.Text) &&
			!containsFold(msg.Text, f.Text) &&
			!containsFold(msg.HTML, f.Text) {
			return false
		}
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

type emailSort struct {
	Property    string `json:"property"`
	IsAscending *bool  `json:"isAscending"`
}

type emailQueryArgs struct {
	Filter   *emailFilter `json:"filter"`
	Sort     []emailSort  `json:"sort"`
	Position int64        `json:"position"`
	Limit    *int64       `json:"limit"`
}

func (h *Handler) emailQuery(_ context.Context, user string, rawArgs json.RawMessage) (interface{}, error) {
	var args emailQueryArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, errInvalidArguments("%v", err)
		}
	}

	limit := int64(maxQueryLimit)
	if args.Limit != nil {
		if *args.Limit < 0 {
			return nil, errInvalidArguments("limit must not be negative")
		}
		if *args.Limit < limit {
			limit = *args.Limit
		}
	}

	msgs, err := h.userMessages(user)
	if err != nil {
		return nil, err
	}

	matched := msgs[:0:0]
	for _, msg := range msgs {
		if args.Filter == nil || args.Filter.matches(msg) {
			matched = append(matched, msg)
		}
	}

	if err := sortMessages(matched, args.Sort); err != nil {
		return nil, err
	}

	total := int64(len(matched))
	position := args.Position
	if position < 0 {
		position = 0
	}
	if position > total {
		position = total
	}
	end := position + limit
	if end > total {
		end = total
	}
	ids := make([]string, 0, end-position)
	for _, msg := range matched[position:end] {
		ids = append(ids, msg.ID)
	}

	state, err := h.accountState(user)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"accountId":           user,
		"queryState":          strconv.FormatUint(state, 10),
		"canCalculateChanges": false,
		"position":            position,
		"total":               total,
		"ids":                 ids,
	}, nil
}

func (h *Handler) userMessages(user string) ([]*module.Message, error) {
	mboxes, err := h.Store.Mailboxes(user)
	if err != nil {
		return nil, err
	}
	var all []*module.Message
	for _, mbox := range mboxes {
		msgs, err := h.Store.Messages(user, mbox.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
	}
	return all, nil
}

func sortMessages(msgs []*module.Message, keys []emailSort) error {
	if len(keys) == 0 {
		keys = []emailSort{{Property: "receivedAt"}}
	}
	type cmpFunc func(a, b *module.Message) int
	cmps := make([]cmpFunc, 0, len(keys))
	for _, key := range keys {
		var cmp cmpFunc
		switch key.Property {
		case "receivedAt":
			cmp = func(a, b *module.Message) int { return a.IDate.Compare(b.IDate) }
		case "sentAt":
			cmp = func(a, b *module.Message) int { return a.HDate.Compare(b.HDate) }
		case "subject":
			cmp = func(a, b *module.Message) int {
				return strings.Compare(strings.ToLower(a.Header("Subject")), strings.ToLower(b.Header("Subject")))
			}
		case "size":
			cmp = func(a, b *module.Message) int {
				switch {
				case a.Size < b.Size:
					return -1
				case a.Size > b.Size:
					return 1
				}
				return 0
			}
		default:
			return errInvalidArguments("unsupported sort property %q", key.Property)
		}
		// receivedAt defaults to newest first (RFC 8621 §4.4.2).
		descending := key.Property == "receivedAt"
		if key.IsAscending != nil {
			descending = !*key.IsAscending
		}
		if descending {
			inner := cmp
			cmp = func(a, b *module.Message) int { return -inner(a, b) }
		}
		cmps = append(cmps, cmp)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		for _, cmp := range cmps {
			switch c := cmp(msgs[i], msgs[j]); {
			case c < 0:
				return true
			case c > 0:
				return false
			}
		}
		return false
	})
	return nil
}

type emailGetArgs struct {
	IDs                 *[]string `json:"ids"`
	Properties          []string  `json:"properties"`
	FetchTextBodyValues bool      `json:"fetchTextBodyValues"`
	FetchHTMLBodyValues bool      `json:"fetchHTMLBodyValues"`
	FetchAllBodyValues  bool      `json:"fetchAllBodyValues"`
}

func (h *Handler) emailGet(_ context.Context, user string, rawArgs json.RawMessage) (interface{}, error) {
	var args emailGetArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, errInvalidArguments("%v", err)
		}
	}
	if args.IDs == nil {
		// Unlike Mailbox/get, fetching all emails of the account is
		// not allowed (RFC 8621 §4.2).
		return nil, &methodError{Type: "requestTooLarge", Description: "ids is required"}
	}

	fetchBodies := args.FetchAllBodyValues || args.FetchTextBodyValues || args.FetchHTMLBodyValues

	list := make([]map[string]interface{}, 0, len(*args.IDs))
	notFound := []string{}
	for _, id := range *args.IDs {
		msg, err := h.Store.Message(user, id)
		switch {
		case errors.Is(err, module.ErrNoSuchMsg):
			notFound = append(notFound, id)
			continue
		case err != nil:
			return nil, err
		}
		list = append(list, h.emailObject(msg, args.Properties, fetchBodies))
	}

	state, err := h.accountState(user)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"accountId": user,
		"state":     strconv.FormatUint(state, 10),
		"list":      list,
		"notFound":  notFound,
	}, nil
}

type emailCreate struct {
	MailboxIDs map[string]bool           `json:"mailboxIds"`
	Keywords   map[string]bool           `json:"keywords"`
	Subject    string                    `json:"subject"`
	From       []emailAddress            `json:"from"`
	To         []emailAddress            `json:"to"`
	Cc         []emailAddress            `json:"cc"`
	Bcc        []emailAddress            `json:"bcc"`
	TextBody   []bodyPart                `json:"textBody"`
	HTMLBody   []bodyPart                `json:"htmlBody"`
	BodyValues map[string]emailBodyValue `json:"bodyValues"`
}

type emailBodyValue struct {
	Value string `json:"value"`
}

type emailUpdate struct {
	MailboxIDs map[string]bool `json:"mailboxIds"`
	Keywords   map[string]bool `json:"keywords"`
}

type emailSetArgs struct {
	IfInState *string                 `json:"ifInState"`
	Create    map[string]*emailCreate `json:"create"`
	Update    map[string]*emailUpdate `json:"update"`
	Destroy   []string                `json:"destroy"`
}

func (h *Handler) emailSet(ctx context.Context, user string, rawArgs json.RawMessage) (interface{}, error) {
	var args emailSetArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, errInvalidArguments("%v", err)
	}

	oldState, err := h.accountState(user)
	if err != nil {
		return nil, err
	}
	if args.IfInState != nil && *args.IfInState != strconv.FormatUint(oldState, 10) {
		return nil, &methodError{Type: "stateMismatch"}
	}

	created := map[string]interface{}{}
	notCreated := map[string]*methodError{}
	for cid, create := range args.Create {
		msg, err := h.createEmail(ctx, user, create)
		if err != nil {
			var me *methodError
			if !errors.As(err, &me) {
				return nil, err
			}
			notCreated[cid] = me
			continue
		}
		created[cid] = map[string]interface{}{
			"id":     msg.ID,
			"blobId": msg.ID,
			"size":   msg.Size,
		}
	}

	updated := map[string]interface{}{}
	notUpdated := map[string]*methodError{}
	for id, update := range args.Update {
		if err := h.applyEmailUpdate(ctx, user, id, update); err != nil {
			var me *methodError
			if !errors.As(err, &me) {
				return nil, err
			}
			notUpdated[id] = me
			continue
		}
		updated[id] = nil
	}

	destroyed := []string{}
	notDestroyed := map[string]*methodError{}
	for _, id := range args.Destroy {
		if err := h.destroyEmail(ctx, user, id); err != nil {
			var me *methodError
			if !errors.As(err, &me) {
				return nil, err
			}
			notDestroyed[id] = me
			continue
		}
		destroyed = append(destroyed, id)
	}

	newState, err := h.accountState(user)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"accountId":    user,
		"oldState":     strconv.FormatUint(oldState, 10),
		"newState":     strconv.FormatUint(newState, 10),
		"created":      created,
		"notCreated":   notCreated,
		"updated":      updated,
		"notUpdated":   notUpdated,
		"destroyed":    destroyed,
		"notDestroyed": notDestroyed,
	}, nil
}

func formatAddressList(addrs []emailAddress) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, (&mail.Address{Name: a.Name, Address: a.Email}).String())
	}
	return strings.Join(parts, ", ")
}

func (create *emailCreate) bodyValue(parts []bodyPart) string {
	for _, p := range parts {
		if v, ok := create.BodyValues[p.PartID]; ok {
			return v.Value
		}
	}
	return ""
}

// createEmail builds an RFC 2822 message from the creation object and
// stores it, normally as a draft.
func (h *Handler) createEmail(ctx context.Context, user string, create *emailCreate) (*module.Message, error) {
	if create == nil || len(create.MailboxIDs) != 1 {
		return nil, errInvalidArguments("exactly one mailbox id is required")
	}
	var mailboxID string
	for id, set := range create.MailboxIDs {
		if !set {
			return nil, errInvalidArguments("mailboxIds values must be true")
		}
		mailboxID = id
	}
	mbox, err := h.Store.MailboxByID(user, mailboxID)
	if errors.Is(err, module.ErrNoSuchMailbox) {
		return nil, &methodError{Type: "notFound", Description: "no such mailbox"}
	} else if err != nil {
		return nil, err
	}

	text := create.bodyValue(create.TextBody)
	html := create.bodyValue(create.HTMLBody)

	now := time.Now()
	raw, err := composeMessage(create, text, html, now)
	if err != nil {
		return nil, errInvalidArguments("%v", err)
	}

	msg := &module.Message{
		User:    user,
		Mailbox: mbox.ID,
		Flags:   keywordsToFlags(create.Keywords),
		IDate:   now,
		HDate:   now,
	}
	msg.SyncFlags()
	if err := h.Store.AddMessage(msg, bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	h.recordChange(ctx, user, changelog.TypeCreated, msg.ID)
	h.journal(ctx, user, module.JournalEntry{
		Mailbox: mbox.ID,
		ModSeq:  msg.ModSeq,
		Kind:    module.JournalExists,
		UID:     msg.UID,
	})
	return msg, nil
}

func composeMessage(create *emailCreate, text, html string, date time.Time) ([]byte, error) {
	var h message.Header
	h.Set("Date", date.Format(time.RFC1123Z))
	h.Set("Message-Id", "<"+uuid.New().String()+"@teal>")
	if create.Subject != "" {
		h.Set("Subject", create.Subject)
	}
	for _, hdr := range []struct {
		key   string
		addrs []emailAddress
	}{
		{"From", create.From},
		{"To", create.To},
		{"Cc", create.Cc},
		{"Bcc", create.Bcc},
	} {
		if len(hdr.addrs) > 0 {
			h.Set(hdr.key, formatAddressList(hdr.addrs))
		}
	}

	textHeader := func(contentType string) message.Header {
		var ph message.Header
		ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
		return ph
	}

	var buf bytes.Buffer
	switch {
	case text != "" && html != "":
		h.SetContentType("multipart/alternative", nil)
		w, err := message.CreateWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		for _, part := range []struct {
			contentType string
			body        string
		}{
			{"text/plain", text},
			{"text/html", html},
		} {
			pw, err := w.CreatePart(textHeader(part.contentType))
			if err != nil {
				return nil, err
			}
			if _, err := io.WriteString(pw, part.body); err != nil {
				return nil, err
			}
			pw.Close()
		}
		w.Close()
	case html != "":
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := message.CreateWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, html); err != nil {
			return nil, err
		}
		w.Close()
	default:
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := message.CreateWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, text); err != nil {
			return nil, err
		}
		w.Close()
	}
	return buf.Bytes(), nil
}

// applyEmailUpdate handles the supported update properties: keywords
// (replacement semantics, a keyword absent from the map is cleared) and
// mailboxIds (move).
func (h *Handler) applyEmailUpdate(ctx context.Context, user, id string, update *emailUpdate) error {
	if update == nil {
		return errInvalidArguments("empty update")
	}
	msg, err := h.Store.Message(user, id)
	if errors.Is(err, module.ErrNoSuchMsg) {
		return &methodError{Type: "notFound"}
	} else if err != nil {
		return err
	}

	if update.Keywords != nil {
		flags := keywordsToFlags(update.Keywords)
		// \Deleted and \Recent have no JMAP keyword form; whatever the
		// message carries stays.
		for _, f := range msg.Flags {
			if strings.EqualFold(f, module.FlagDeleted) || strings.EqualFold(f, module.FlagRecent) {
				flags = append(flags, f)
			}
		}
		updated, err := h.Store.SetFlags(user, id, flags)
		if err != nil {
			return err
		}
		h.journal(ctx, user, module.JournalEntry{
			Mailbox: updated.Mailbox,
			ModSeq:  updated.ModSeq,
			Kind:    module.JournalFetch,
			UID:     updated.UID,
			Flags:   updated.Flags,
		})
		msg = updated
	}

	if update.MailboxIDs != nil {
		if len(update.MailboxIDs) != 1 {
			return errInvalidArguments("exactly one mailbox id is required")
		}
		var destID string
		for mid, set := range update.MailboxIDs {
			if !set {
				return errInvalidArguments("mailboxIds values must be true")
			}
			destID = mid
		}
		if destID != msg.Mailbox {
			if _, err := h.Store.MailboxByID(user, destID); errors.Is(err, module.ErrNoSuchMailbox) {
				return &methodError{Type: "notFound", Description: "no such mailbox"}
			} else if err != nil {
				return err
			}
			srcMailbox, srcUID := msg.Mailbox, msg.UID
			moved, err := h.Store.MoveMessage(user, id, destID)
			if err != nil {
				return err
			}
			h.journal(ctx, user, module.JournalEntry{
				Mailbox: srcMailbox,
				Kind:    module.JournalExpunge,
				UID:     srcUID,
			})
			h.journal(ctx, user, module.JournalEntry{
				Mailbox: moved.Mailbox,
				ModSeq:  moved.ModSeq,
				Kind:    module.JournalExists,
				UID:     moved.UID,
			})
		}
	}

	h.recordChange(ctx, user, changelog.TypeUpdated, id)
	return nil
}

func (h *Handler) destroyEmail(ctx context.Context, user, id string) error {
	msg, err := h.Store.Message(user, id)
	if errors.Is(err, module.ErrNoSuchMsg) {
		return &methodError{Type: "notFound"}
	} else if err != nil {
		return err
	}
	if err := h.Store.DeleteMessage(user, id); err != nil {
		return err
	}
	h.journal(ctx, user, module.JournalEntry{
		Mailbox: msg.Mailbox,
		Kind:    module.JournalExpunge,
		UID:     msg.UID,
	})
	h.recordChange(ctx, user, changelog.TypeDestroyed, id)
	return nil
}

func (h *Handler) recordChange(ctx context.Context, user, typ, id string) {
	if h.Changes == nil {
		return
	}
	if _, err := h.Changes.Append(ctx, user, typ, id); err != nil {
		h.Log.Error("change log append failed", err, "user", user, "id", id)
	}
}

func (h *Handler) journal(ctx context.Context, user string, entry module.JournalEntry) {
	if h.Notifier == nil {
		return
	}
	if err := h.Notifier.Notify(ctx, user, entry); err != nil {
		h.Log.Error("journal append failed", err, "user", user, "mailbox", entry.Mailbox)
	}
}

type emailChangesArgs struct {
	SinceState string `json:"sinceState"`
	MaxChanges int64  `json:"maxChanges"`
}

func (h *Handler) emailChanges(ctx context.Context, user string, rawArgs json.RawMessage) (interface{}, error) {
	var args emailChangesArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, errInvalidArguments("%v", err)
	}
	if h.Changes == nil {
		return nil, errCannotCalculateChanges
	}
	sinceSeq, err := strconv.ParseUint(args.SinceState, 10, 64)
	if err != nil {
		return nil, errInvalidArguments("bad sinceState %q", args.SinceState)
	}

	changes, err := h.Changes.ChangesSince(ctx, user, sinceSeq)
	if err != nil {
		return nil, err
	}
	if changes.CannotCalculate {
		return nil, errCannotCalculateChanges
	}
	return map[string]interface{}{
		"accountId":      user,
		"oldState":       args.SinceState,
		"newState":       strconv.FormatUint(changes.NewState, 10),
		"hasMoreChanges": false,
		"created":        emptyIfNil(changes.Created),
		"updated":        emptyIfNil(changes.Updated),
		"destroyed":      emptyIfNil(changes.Destroyed),
	}, nil
}

func emptyIfNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
