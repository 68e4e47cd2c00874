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

// Package jmap implements the JMAP endpoint module: an HTTP server with
// Basic authentication in front of the method dispatcher in
// internal/jmap, plus the session resource, blob upload/download and an
// EventSource push channel.
package jmap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/jmap"
	"github.com/tealmail/teal/internal/jmap/changelog"
	"github.com/tealmail/teal/internal/modconfig"
	"github.com/tealmail/teal/internal/notify"
	"github.com/tealmail/teal/internal/storage/blob"
)

type Endpoint struct {
	addrs     []string
	handler   *jmap.Handler
	notifier  *notify.Notifier
	changes   *changelog.Log
	archive   *changelog.Archive
	compactWg chan struct{}
	cancelBg  context.CancelFunc
	listeners []net.Listener
	servers   []*http.Server
	group     errgroup.Group

	tlsConfig *tls.Config
	store     module.Storage
	auth      module.PlainAuth
	cache     module.KV

	Log log.Logger
}

func New(_ string, addrs []string) (module.Module, error) {
	return &Endpoint{
		addrs: addrs,
		Log:   log.Logger{Name: "jmap"},
	}, nil
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	var (
		workerID        string
		notifierTTL     time.Duration
		maxUpload       int64
		logMaxEntries   int64
		compactKeep     int64
		compactInterval time.Duration
		archivePath     string
		blobs           module.BlobStore
		submit          module.Submitter
	)

	cfg.Custom("storage", false, true, nil, modconfig.StorageDirective,
		func(v interface{}) { endp.store = v.(module.Storage) })
	cfg.Custom("auth", false, true, nil, modconfig.AuthDirective,
		func(v interface{}) { endp.auth = v.(module.PlainAuth) })
	cfg.Custom("kv", false, true, nil, modconfig.KVDirective,
		func(v interface{}) { endp.cache = v.(module.KV) })
	cfg.Custom("blob", false, true, nil, modconfig.BlobDirective,
		func(v interface{}) { blobs = v.(module.BlobStore) })
	cfg.Custom("submitter", false, false, func() (interface{}, error) { return nil, nil },
		modconfig.SubmitterDirective, func(v interface{}) {
			if v != nil {
				submit = v.(module.Submitter)
			}
		})
	cfg.Custom("tls", true, false, func() (interface{}, error) { return nil, nil },
		config.TLSDirective, func(v interface{}) {
			if v != nil {
				endp.tlsConfig = v.(*tls.Config)
			}
		})
	cfg.String("worker_id", false, false, "", &workerID)
	cfg.Duration("notifier_ttl", false, false, 120*time.Second, &notifierTTL)
	cfg.DataSize("max_upload", false, false, 25*1024*1024, &maxUpload)
	cfg.Int64("changelog_max_entries", false, false, 5000, &logMaxEntries)
	cfg.Int64("changelog_compact_keep", false, false, 1000, &compactKeep)
	cfg.Duration("changelog_compact_interval", false, false, 5*time.Minute, &compactInterval)
	cfg.String("changelog_archive", false, false, "", &archivePath)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if workerID == "" {
		workerID = "jmap-" + uuid.New().String()
	}
	endp.notifier = &notify.Notifier{
		Store:    endp.store,
		KV:       endp.cache,
		WorkerID: workerID,
		TTL:      notifierTTL,
		Logger:   log.Logger{Name: "jmap/notify", Debug: endp.Log.Debug},
	}
	if err := endp.notifier.Start(context.Background()); err != nil {
		return fmt.Errorf("jmap: notifier: %w", err)
	}

	endp.changes = &changelog.Log{KV: endp.cache, MaxEntries: logMaxEntries}
	endp.handler = &jmap.Handler{
		Store:     endp.store,
		Changes:   endp.changes,
		Blobs:     &blob.Facade{Backend: blobs},
		Submit:    submit,
		Notifier:  endp.notifier,
		MaxUpload: maxUpload,
		Log:       endp.Log,
	}

	if archivePath != "" {
		archive, err := changelog.OpenArchive(archivePath)
		if err != nil {
			return fmt.Errorf("jmap: changelog archive: %w", err)
		}
		endp.archive = archive
		endp.startCompactor(compactKeep, compactInterval)
	}

	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("jmap: invalid address: %s", addr)
		}
		addresses = append(addresses, saddr)
	}
	return endp.setupListeners(addresses)
}

// startCompactor spills change-log overflow into the sqlite archive in
// the background until Close.
func (endp *Endpoint) startCompactor(keep int64, interval time.Duration) {
	compactor := &changelog.Compactor{
		Log:     endp.changes,
		Archive: endp.archive,
		Keep:    keep,
		Logger:  log.Logger{Name: "jmap/compact", Debug: endp.Log.Debug},
	}
	ctx, cancel := context.WithCancel(context.Background())
	endp.cancelBg = cancel
	done := make(chan struct{})
	endp.compactWg = done
	go func() {
		defer close(done)
		compactor.Run(ctx, interval, endp.changes.Users)
	}()
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", endp.withAuth(func(w http.ResponseWriter, r *http.Request, user string) {
		endp.handler.ServeSession(w, r, user, baseURL(r))
	}))
	mux.HandleFunc("/api", endp.withAuth(endp.handler.ServeAPI))
	mux.HandleFunc("/upload/", endp.withAuth(endp.serveUpload))
	mux.HandleFunc("/download/", endp.withAuth(endp.serveDownload))
	mux.HandleFunc("/events", endp.withAuth(endp.serveEvents))

	for _, addr := range addresses {
		l, err := net.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("jmap: %v", err)
		}
		endp.Log.Printf("listening on %v", addr)

		if addr.IsTLS() {
			if endp.tlsConfig == nil {
				l.Close()
				return errors.New("jmap: can't bind on TLS endpoint without TLS configuration")
			}
			l = tls.NewListener(l, endp.tlsConfig)
		}

		serv := &http.Server{
			Handler:      mux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}
		endp.listeners = append(endp.listeners, l)
		endp.servers = append(endp.servers, serv)
		endp.group.Go(func() error {
			err := serv.Serve(l)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return nil
}

// withAuth enforces HTTP Basic authentication and hands the
// authenticated username to h.
func (endp *Endpoint) withAuth(h func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="jmap"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if err := endp.auth.AuthPlain(username, password); err != nil {
			endp.Log.Msg("authentication failed", "username", username, "src_addr", r.RemoteAddr)
			failedLogins.Inc()
			w.Header().Set("WWW-Authenticate", `Basic realm="jmap"`)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		requestsProcessed.WithLabelValues(r.URL.Path).Inc()
		h(w, r, username)
	}
}

// serveUpload dispatches POST /upload/{accountId}.
func (endp *Endpoint) serveUpload(w http.ResponseWriter, r *http.Request, user string) {
	acct := strings.TrimPrefix(r.URL.Path, "/upload/")
	if acct != user {
		http.Error(w, "unknown account", http.StatusNotFound)
		return
	}
	endp.handler.ServeUpload(w, r, user)
}

// serveDownload dispatches GET /download/{accountId}/{blobId}.
func (endp *Endpoint) serveDownload(w http.ResponseWriter, r *http.Request, user string) {
	rest := strings.TrimPrefix(r.URL.Path, "/download/")
	acct, blobID, ok := strings.Cut(rest, "/")
	if !ok || acct != user || blobID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	endp.handler.ServeDownload(w, r, user, blobID)
}

// serveEvents is the EventSource resource: one "state" event per
// mailbox change observed through the notifier.
func (endp *Endpoint) serveEvents(w http.ResponseWriter, r *http.Request, user string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	updates, cancel, err := endp.notifier.Watch(r.Context(), user)
	if err != nil {
		endp.Log.Error("watch failed", err, "user", user)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			state, err := endp.changes.State(r.Context(), user)
			if err != nil {
				endp.Log.Error("state read failed", err, "user", user)
				return
			}
			fmt.Fprintf(w, "event: state\ndata: {\"changed\":{%q:{\"Email\":\"%d\"}}}\n\n", user, state)
			flusher.Flush()
		}
	}
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (endp *Endpoint) Name() string         { return "jmap" }
func (endp *Endpoint) InstanceName() string { return "jmap" }

func (endp *Endpoint) Close() error {
	if endp.cancelBg != nil {
		endp.cancelBg()
		<-endp.compactWg
	}
	for _, serv := range endp.servers {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		serv.Shutdown(ctx)
		cancel()
	}
	for _, l := range endp.listeners {
		l.Close()
	}
	if err := endp.group.Wait(); err != nil {
		endp.Log.Error("serve failed", err)
	}
	if endp.archive != nil {
		endp.archive.Close()
	}
	if endp.notifier != nil {
		return endp.notifier.Close()
	}
	return nil
}

func init() {
	module.RegisterEndpoint("jmap", New)
}
