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
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/tealmail/teal/framework/module"
)

// JMAP mailbox roles (RFC 8621 §2) to IMAP special-use mapping.
var roleToSpecialUse = map[string]string{
	"inbox":   module.SpecialUseInbox,
	"sent":    module.SpecialUseSent,
	"drafts":  module.SpecialUseDrafts,
	"trash":   module.SpecialUseTrash,
	"junk":    module.SpecialUseJunk,
	"archive": module.SpecialUseArchive,
}

func specialUseToRole(specialUse string) string {
	for role, su := range roleToSpecialUse {
		if su == specialUse {
			return role
		}
	}
	return ""
}

func (h *Handler) mailboxObject(user string, mbox *module.Mailbox) (map[string]interface{}, error) {
	msgs, err := h.Store.Messages(user, mbox.ID)
	if err != nil {
		return nil, err
	}
	unread := 0
	for _, msg := range msgs {
		if msg.Unseen {
			unread++
		}
	}

	role := specialUseToRole(mbox.SpecialUse)
	if strings.EqualFold(mbox.Path, "INBOX") {
		role = "inbox"
	}

	obj := map[string]interface{}{
		"id":           mbox.ID,
		"name":         pathBase(mbox.Path),
		"parentId":     nil,
		"role":         nil,
		"sortOrder":    0,
		"totalEmails":  len(msgs),
		"unreadEmails": unread,
		"isSubscribed": mbox.Subscribed,
	}
	if role != "" {
		obj["role"] = role
	}
	if parent := pathParent(mbox.Path); parent != "" {
		parentBox, err := h.Store.Mailbox(user, parent)
		if err == nil {
			obj["parentId"] = parentBox.ID
		}
	}
	return obj, nil
}

func pathBase(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func pathParent(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}

type mailboxGetArgs struct {
	IDs *[]string `json:"ids"`
}

func (h *Handler) mailboxGet(_ context.Context, user string, rawArgs json.RawMessage) (interface{}, error) {
	var args mailboxGetArgs
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, errInvalidArguments("%v", err)
		}
	}

	mboxes, err := h.Store.Mailboxes(user)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*module.Mailbox, len(mboxes))
	for _, mbox := range mboxes {
		byID[mbox.ID] = mbox
	}

	wanted := make([]*module.Mailbox, 0, len(mboxes))
	notFound := []string{}
	if args.IDs == nil {
		wanted = mboxes
	} else {
		for _, id := range *args.IDs {
			if mbox := byID[id]; mbox != nil {
				wanted = append(wanted, mbox)
			} else {
				notFound = append(notFound, id)
			}
		}
	}

	list := make([]map[string]interface{}, 0, len(wanted))
	for _, mbox := range wanted {
		obj, err := h.mailboxObject(user, mbox)
		if err != nil {
			return nil, err
		}
		list = append(list, obj)
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

type mailboxCreate struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId"`
	Role     string `json:"role"`
}

type mailboxSetArgs struct {
	Create  map[string]*mailboxCreate  `json:"create"`
	Update  map[string]json.RawMessage `json:"update"`
	Destroy []string                   `json:"destroy"`
}

func (h *Handler) mailboxSet(ctx context.Context, user string, rawArgs json.RawMessage) (interface{}, error) {
	var args mailboxSetArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, errInvalidArguments("%v", err)
	}

	oldState, err := h.accountState(user)
	if err != nil {
		return nil, err
	}

	created := map[string]interface{}{}
	notCreated := map[string]*methodError{}

	for cid, create := range args.Create {
		if create == nil || create.Name == "" {
			notCreated[cid] = errInvalidArguments("name is required")
			continue
		}
		if strings.ContainsRune(create.Name, '/') {
			notCreated[cid] = errInvalidArguments("name must not contain '/'")
			continue
		}

		path := create.Name
		if create.ParentID != "" {
			parent, err := h.Store.MailboxByID(user, create.ParentID)
			if err != nil {
				notCreated[cid] = &methodError{Type: "notFound", Description: "no such parent mailbox"}
				continue
			}
			path = parent.Path + "/" + create.Name
		}

		specialUse := ""
		if create.Role != "" {
			su, ok := roleToSpecialUse[create.Role]
			if !ok {
				notCreated[cid] = errInvalidArguments("unknown role %q", create.Role)
				continue
			}
			specialUse = su
		}

		mbox, err := h.Store.CreateMailbox(user, path, specialUse)
		switch {
		case errors.Is(err, module.ErrMailboxExists):
			notCreated[cid] = &methodError{Type: "alreadyExists", Description: "mailbox exists"}
			continue
		case err != nil:
			return nil, err
		}
		created[cid] = map[string]interface{}{"id": mbox.ID}
	}

	// Only creation is supported over JMAP.
	notUpdated := map[string]*methodError{}
	for id := range args.Update {
		notUpdated[id] = &methodError{Type: "forbidden", Description: "mailbox update is not supported"}
	}
	notDestroyed := map[string]*methodError{}
	for _, id := range args.Destroy {
		notDestroyed[id] = &methodError{Type: "forbidden", Description: "mailbox destroy is not supported"}
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
		"updated":      map[string]interface{}{},
		"notUpdated":   notUpdated,
		"destroyed":    []string{},
		"notDestroyed": notDestroyed,
	}, nil
}
