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
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/tealmail/teal/internal/storage/blob"
)

func (h *Handler) maxUpload() int64 {
	if h.MaxUpload == 0 {
		return DefaultMaxUpload
	}
	return h.MaxUpload
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type requestError struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func writeRequestError(w http.ResponseWriter, status int, typ, detail string) {
	writeJSON(w, status, requestError{Type: typ, Status: status, Detail: detail})
}

// ServeAPI handles a POST to the JMAP API endpoint for the
// authenticated user.
func (h *Handler) ServeAPI(w http.ResponseWriter, r *http.Request, user string) {
	if r.Method != http.MethodPost {
		writeRequestError(w, http.StatusMethodNotAllowed, "urn:ietf:params:jmap:error:notRequest", "POST required")
		return
	}
	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxUpload())).Decode(&req); err != nil {
		writeRequestError(w, http.StatusBadRequest, "urn:ietf:params:jmap:error:notJSON", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Process(r.Context(), user, &req))
}

// ServeSession handles the JMAP session resource (RFC 8620 §2).
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request, user string, baseURL string) {
	state, err := h.accountState(user)
	if err != nil {
		h.Log.Error("account state", err, "user", user)
		writeRequestError(w, http.StatusInternalServerError, "urn:ietf:params:jmap:error:serverFail", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": map[string]interface{}{
			"urn:ietf:params:jmap:core": map[string]interface{}{
				"maxSizeUpload":         h.maxUpload(),
				"maxConcurrentUpload":   4,
				"maxSizeRequest":        h.maxUpload(),
				"maxConcurrentRequests": 4,
				"maxCallsInRequest":     16,
				"maxObjectsInGet":       500,
				"maxObjectsInSet":       500,
				"collationAlgorithms":   []string{"i;unicode-casemap"},
			},
			"urn:ietf:params:jmap:mail": map[string]interface{}{},
		},
		"accounts": map[string]interface{}{
			user: map[string]interface{}{
				"name":      user,
				"isPrimary": true,
			},
		},
		"primaryAccounts": map[string]interface{}{
			"urn:ietf:params:jmap:mail": user,
		},
		"username":       user,
		"apiUrl":         baseURL + "/api",
		"uploadUrl":      baseURL + "/upload/{accountId}",
		"downloadUrl":    baseURL + "/download/{accountId}/{blobId}",
		"eventSourceUrl": baseURL + "/events",
		"state":          strconv.FormatUint(state, 10),
	})
}

// ServeUpload stores the request body as a blob owned by the user
// (RFC 8620 §6.1).
func (h *Handler) ServeUpload(w http.ResponseWriter, r *http.Request, user string) {
	if r.Method != http.MethodPost {
		writeRequestError(w, http.StatusMethodNotAllowed, "urn:ietf:params:jmap:error:notRequest", "POST required")
		return
	}
	if h.Blobs == nil {
		writeRequestError(w, http.StatusNotImplemented, "urn:ietf:params:jmap:error:serverFail", "no blob store")
		return
	}
	if r.ContentLength > h.maxUpload() {
		writeRequestError(w, http.StatusRequestEntityTooLarge, "urn:ietf:params:jmap:error:limit", "upload too large")
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := h.Blobs.Add(r.Context(), user, blob.Upload{
		ContentType: contentType,
		Content:     http.MaxBytesReader(w, r.Body, h.maxUpload()),
	})
	if err != nil {
		h.Log.Error("blob upload failed", err, "user", user)
		writeRequestError(w, http.StatusInternalServerError, "urn:ietf:params:jmap:error:serverFail", "")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"accountId": user,
		"blobId":    info.ID,
		"type":      info.ContentType,
		"size":      info.Size,
	})
}

// ServeDownload streams the blob back to its owner (RFC 8620 §6.2).
// Message ids double as blob ids for raw message download.
func (h *Handler) ServeDownload(w http.ResponseWriter, r *http.Request, user, blobID string) {
	if h.Blobs != nil {
		info, rc, err := h.Blobs.Open(r.Context(), user, blobID)
		switch {
		case err == nil:
			defer rc.Close()
			w.Header().Set("Content-Type", info.ContentType)
			w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
			if info.Filename != "" {
				w.Header().Set("Content-Disposition", `attachment; filename="`+info.Filename+`"`)
			}
			io.Copy(w, rc)
			return
		case !blob.IsNotFound(err):
			h.Log.Error("blob download failed", err, "user", user, "blob", blobID)
			writeRequestError(w, http.StatusInternalServerError, "urn:ietf:params:jmap:error:serverFail", "")
			return
		}
	}

	body, err := h.Store.OpenBody(user, blobID)
	if err != nil {
		writeRequestError(w, http.StatusNotFound, "urn:ietf:params:jmap:error:notFound", "")
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "message/rfc822")
	if body.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(body.Size, 10))
	}
	io.Copy(w, body)
}
