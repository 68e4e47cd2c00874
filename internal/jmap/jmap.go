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

// Package jmap implements the JMAP method dispatcher (RFC 8620) and the
// Mail method subset (RFC 8621) served over it: Mailbox/get,
// Mailbox/set (create), Email/query, Email/get, Email/set,
// Email/changes and EmailSubmission/set, plus blob upload and download.
package jmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/jmap/changelog"
	"github.com/tealmail/teal/internal/storage/blob"
)

// DefaultMaxUpload caps blob uploads.
const DefaultMaxUpload = 25 * 1024 * 1024

// maxQueryLimit caps Email/query result pages.
const maxQueryLimit = 1000

// Notifier records mailbox mutations in the journal so IMAP and POP3
// sessions observe changes made over JMAP.
type Notifier interface {
	Notify(ctx context.Context, user string, entry module.JournalEntry) error
}

// Handler executes JMAP request batches for authenticated users.
type Handler struct {
	Store    module.Storage
	Changes  *changelog.Log
	Blobs    *blob.Facade
	Submit   module.Submitter
	Notifier Notifier

	// MaxUpload overrides DefaultMaxUpload.
	MaxUpload int64

	Log log.Logger

	methodsOnce sync.Once
	methods     map[string]methodFunc
}

type methodFunc func(ctx context.Context, user string, args json.RawMessage) (interface{}, error)

func (h *Handler) methodTable() map[string]methodFunc {
	h.methodsOnce.Do(func() {
		h.methods = map[string]methodFunc{
			"Mailbox/get":         h.mailboxGet,
			"Mailbox/set":         h.mailboxSet,
			"Email/query":         h.emailQuery,
			"Email/get":           h.emailGet,
			"Email/set":           h.emailSet,
			"Email/changes":       h.emailChanges,
			"EmailSubmission/set": h.submissionSet,
		}
	})
	return h.methods
}

// Invocation is the [name, args, callId] triple of RFC 8620 §3.2.
type Invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (inv Invocation) MarshalJSON() ([]byte, error) {
	args := inv.Args
	if args == nil {
		args = json.RawMessage(`{}`)
	}
	return json.Marshal([3]interface{}{inv.Name, args, inv.CallID})
}

func (inv *Invocation) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("jmap: method call has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &inv.Name); err != nil {
		return err
	}
	inv.Args = parts[1]
	return json.Unmarshal(parts[2], &inv.CallID)
}

// Request is the JMAP request envelope.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// Response is the JMAP response envelope.
type Response struct {
	MethodResponses []Invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// methodError is a per-call JMAP error, serialized as
// ["error", {type, description}, callId].
type methodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func (e *methodError) Error() string {
	if e.Description == "" {
		return e.Type
	}
	return e.Type + ": " + e.Description
}

func errUnknownMethod(name string) *methodError {
	return &methodError{Type: "unknownMethod", Description: name}
}

func errInvalidArguments(format string, v ...interface{}) *methodError {
	return &methodError{Type: "invalidArguments", Description: fmt.Sprintf(format, v...)}
}

var errCannotCalculateChanges = &methodError{Type: "cannotCalculateChanges"}

// Process runs the batch in order and returns the response envelope.
// Per-call failures become error invocations; they never abort the rest
// of the batch.
func (h *Handler) Process(ctx context.Context, user string, req *Request) *Response {
	resp := &Response{MethodResponses: []Invocation{}}

	for _, call := range req.MethodCalls {
		args, err := resolveBackrefs(call.Args, resp.MethodResponses)
		if err != nil {
			resp.MethodResponses = append(resp.MethodResponses, errorInvocation(call.CallID,
				&methodError{Type: "invalidResultReference", Description: err.Error()}))
			continue
		}

		fn := h.methodTable()[call.Name]
		if fn == nil {
			resp.MethodResponses = append(resp.MethodResponses, errorInvocation(call.CallID, errUnknownMethod(call.Name)))
			continue
		}

		result, err := fn(ctx, user, args)
		if err != nil {
			var me *methodError
			if !errors.As(err, &me) {
				h.Log.Error("method failed", err, "method", call.Name, "user", user)
				me = &methodError{Type: "serverFail", Description: "internal error"}
			}
			resp.MethodResponses = append(resp.MethodResponses, errorInvocation(call.CallID, me))
			continue
		}

		raw, err := json.Marshal(result)
		if err != nil {
			h.Log.Error("response marshal failed", err, "method", call.Name)
			resp.MethodResponses = append(resp.MethodResponses, errorInvocation(call.CallID,
				&methodError{Type: "serverFail", Description: "internal error"}))
			continue
		}
		resp.MethodResponses = append(resp.MethodResponses, Invocation{
			Name:   call.Name,
			Args:   raw,
			CallID: call.CallID,
		})
	}

	state, err := h.accountState(user)
	if err != nil {
		h.Log.Error("account state", err, "user", user)
		state = 1
	}
	resp.SessionState = strconv.FormatUint(state, 10)
	return resp
}

// accountState is max(mailbox modifyIndex, message modseq, 1) for the
// account.
func (h *Handler) accountState(user string) (uint64, error) {
	state, err := h.Store.HighestModSeq(user)
	if err != nil {
		return 0, err
	}
	mboxes, err := h.Store.Mailboxes(user)
	if err != nil {
		return 0, err
	}
	for _, mbox := range mboxes {
		if mbox.ModifyIndex > state {
			state = mbox.ModifyIndex
		}
	}
	if state < 1 {
		state = 1
	}
	return state, nil
}

func errorInvocation(callID string, me *methodError) Invocation {
	raw, err := json.Marshal(me)
	if err != nil {
		raw = json.RawMessage(`{"type":"serverFail"}`)
	}
	return Invocation{Name: "error", Args: raw, CallID: callID}
}

// resolveBackrefs substitutes {resultOf, name, path} values in args with
// data from earlier responses of the same batch (RFC 8620 §3.7).
func resolveBackrefs(args json.RawMessage, prior []Invocation) (json.RawMessage, error) {
	if len(args) == 0 {
		return args, nil
	}
	var decoded interface{}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return nil, err
	}
	resolved, changed, err := substituteBackrefs(decoded, prior)
	if err != nil {
		return nil, err
	}
	if !changed {
		return args, nil
	}
	return json.Marshal(resolved)
}

func substituteBackrefs(v interface{}, prior []Invocation) (interface{}, bool, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if ref, ok := asBackref(val); ok {
			resolved, err := resolveBackref(ref, prior)
			return resolved, true, err
		}
		changed := false
		for k, elem := range val {
			sub, c, err := substituteBackrefs(elem, prior)
			if err != nil {
				return nil, false, err
			}
			if c {
				val[k] = sub
				changed = true
			}
		}
		return val, changed, nil
	case []interface{}:
		changed := false
		for i, elem := range val {
			sub, c, err := substituteBackrefs(elem, prior)
			if err != nil {
				return nil, false, err
			}
			if c {
				val[i] = sub
				changed = true
			}
		}
		return val, changed, nil
	default:
		return v, false, nil
	}
}

type backref struct {
	resultOf string
	name     string
	path     string
}

func asBackref(m map[string]interface{}) (backref, bool) {
	if len(m) != 3 {
		return backref{}, false
	}
	resultOf, ok1 := m["resultOf"].(string)
	name, ok2 := m["name"].(string)
	path, ok3 := m["path"].(string)
	if !ok1 || !ok2 || !ok3 {
		return backref{}, false
	}
	return backref{resultOf: resultOf, name: name, path: path}, true
}

func resolveBackref(ref backref, prior []Invocation) (interface{}, error) {
	for i := len(prior) - 1; i >= 0; i-- {
		inv := prior[i]
		if inv.CallID != ref.resultOf || inv.Name != ref.name {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal(inv.Args, &decoded); err != nil {
			return nil, err
		}
		return jsonPointer(decoded, ref.path)
	}
	return nil, fmt.Errorf("no response %q from call %q", ref.name, ref.resultOf)
}

// jsonPointer evaluates an RFC 6901 pointer, extended with the RFC 8620
// "*" array wildcard that maps the rest of the pointer over the array
// and flattens one level.
func jsonPointer(v interface{}, path string) (interface{}, error) {
	if path == "" || path == "/" {
		return v, nil
	}
	path = strings.TrimPrefix(path, "/")
	tokens := strings.Split(path, "/")

	return evalPointer(v, tokens)
}

func evalPointer(v interface{}, tokens []string) (interface{}, error) {
	if len(tokens) == 0 {
		return v, nil
	}
	token := strings.ReplaceAll(strings.ReplaceAll(tokens[0], "~1", "/"), "~0", "~")
	rest := tokens[1:]

	switch val := v.(type) {
	case map[string]interface{}:
		sub, ok := val[token]
		if !ok {
			return nil, fmt.Errorf("no member %q", token)
		}
		return evalPointer(sub, rest)
	case []interface{}:
		if token == "*" {
			var out []interface{}
			for _, elem := range val {
				sub, err := evalPointer(elem, rest)
				if err != nil {
					return nil, err
				}
				if items, ok := sub.([]interface{}); ok {
					out = append(out, items...)
				} else {
					out = append(out, sub)
				}
			}
			return out, nil
		}
		idx, err := strconv.Atoi(token)
		if err != nil || idx < 0 || idx >= len(val) {
			return nil, fmt.Errorf("bad array index %q", token)
		}
		return evalPointer(val[idx], rest)
	default:
		return nil, fmt.Errorf("cannot descend into %T", v)
	}
}
