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
	"net/mail"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/tealmail/teal/framework/module"
)

type submissionAddress struct {
	Email string `json:"email"`
}

type submissionEnvelope struct {
	MailFrom submissionAddress   `json:"mailFrom"`
	RcptTo   []submissionAddress `json:"rcptTo"`
}

type submissionCreate struct {
	EmailID  string              `json:"emailId"`
	Envelope *submissionEnvelope `json:"envelope"`
}

type submissionSetArgs struct {
	Create map[string]*submissionCreate `json:"create"`

	// OnSuccessUpdateEmail patches are keyed by "#" + creation id and
	// applied to the submitted email after the hand-off succeeds
	// (RFC 8621 §7.5). Only keywords and mailboxIds are honored, which
	// covers the usual "clear $draft, move to Sent" pattern.
	OnSuccessUpdateEmail  map[string]*emailUpdate `json:"onSuccessUpdateEmail"`
	OnSuccessDestroyEmail []string                `json:"onSuccessDestroyEmail"`
}

func (h *Handler) submissionSet(ctx context.Context, user string, rawArgs json.RawMessage) (interface{}, error) {
	var args submissionSetArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return nil, errInvalidArguments("%v", err)
	}
	if h.Submit == nil {
		return nil, &methodError{Type: "serverFail", Description: "submission is not configured"}
	}

	oldState, err := h.accountState(user)
	if err != nil {
		return nil, err
	}

	created := map[string]interface{}{}
	notCreated := map[string]*methodError{}
	for cid, create := range args.Create {
		if create == nil || create.EmailID == "" {
			notCreated[cid] = errInvalidArguments("emailId is required")
			continue
		}
		if err := h.submitEmail(ctx, user, create); err != nil {
			var me *methodError
			if !errors.As(err, &me) {
				return nil, err
			}
			notCreated[cid] = me
			continue
		}
		created[cid] = map[string]interface{}{"id": uuid.New().String()}

		if patch := args.OnSuccessUpdateEmail["#"+cid]; patch != nil {
			if err := h.applyEmailUpdate(ctx, user, create.EmailID, patch); err != nil {
				h.Log.Error("post-submission update failed", err, "user", user, "email", create.EmailID)
			}
		}
		for _, ref := range args.OnSuccessDestroyEmail {
			if ref != "#"+cid {
				continue
			}
			if err := h.destroyEmail(ctx, user, create.EmailID); err != nil {
				h.Log.Error("post-submission destroy failed", err, "user", user, "email", create.EmailID)
			}
		}
	}

	newState, err := h.accountState(user)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"accountId":  user,
		"oldState":   strconv.FormatUint(oldState, 10),
		"newState":   strconv.FormatUint(newState, 10),
		"created":    created,
		"notCreated": notCreated,
	}, nil
}

func (h *Handler) submitEmail(ctx context.Context, user string, create *submissionCreate) error {
	msg, err := h.Store.Message(user, create.EmailID)
	if errors.Is(err, module.ErrNoSuchMsg) {
		return &methodError{Type: "emailNotFound"}
	} else if err != nil {
		return err
	}

	from, rcpts, err := envelopeFor(msg, create.Envelope)
	if err != nil {
		return err
	}

	body, err := h.Store.OpenBody(user, create.EmailID)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := h.Submit.Submit(ctx, from, rcpts, body); err != nil {
		h.Log.Error("submission failed", err, "user", user, "email", create.EmailID)
		return &methodError{Type: "serverFail", Description: "submission failed"}
	}
	return nil
}

// envelopeFor uses the supplied envelope or derives one from the message
// headers (From for the reverse path, To/Cc/Bcc for recipients).
func envelopeFor(msg *module.Message, env *submissionEnvelope) (from string, rcpts []string, err error) {
	if env != nil {
		if env.MailFrom.Email == "" || len(env.RcptTo) == 0 {
			return "", nil, errInvalidArguments("envelope needs mailFrom and rcptTo")
		}
		for _, rcpt := range env.RcptTo {
			rcpts = append(rcpts, rcpt.Email)
		}
		return env.MailFrom.Email, rcpts, nil
	}

	fromAddrs := parseAddressHeader(msg, "From")
	if len(fromAddrs) == 0 {
		return "", nil, errInvalidArguments("message has no From header and no envelope was given")
	}
	for _, key := range []string{"To", "Cc", "Bcc"} {
		raw := msg.Header(key)
		if raw == "" {
			continue
		}
		addrs, err := mail.ParseAddressList(raw)
		if err != nil {
			return "", nil, errInvalidArguments("bad %s header: %v", strings.ToLower(key), err)
		}
		for _, a := range addrs {
			rcpts = append(rcpts, a.Address)
		}
	}
	if len(rcpts) == 0 {
		return "", nil, &methodError{Type: "noRecipients"}
	}
	return fromAddrs[0].Email, rcpts, nil
}
