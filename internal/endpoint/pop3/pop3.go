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

// Package pop3 implements the POP3 endpoint module around the session
// engine in internal/pop3.
package pop3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
	"github.com/tealmail/teal/internal/modconfig"
	"github.com/tealmail/teal/internal/notify"
	"github.com/tealmail/teal/internal/pop3"
)

type Endpoint struct {
	addrs     []string
	serv      *pop3.Server
	notifier  *notify.Notifier
	listeners []net.Listener

	hostname  string
	tlsConfig *tls.Config
	store     module.Storage
	auth      module.PlainAuth
	cache     module.KV

	listenersWg sync.WaitGroup

	Log log.Logger
}

func New(_ string, addrs []string) (module.Module, error) {
	return &Endpoint{
		addrs: addrs,
		Log:   log.Logger{Name: "pop3"},
	}, nil
}

func (endp *Endpoint) Init(cfg *config.Map) error {
	var (
		workerID      string
		notifierTTL   time.Duration
		socketTimeout time.Duration
	)

	cfg.String("hostname", true, false, "localhost", &endp.hostname)
	cfg.Custom("storage", false, true, nil, modconfig.StorageDirective,
		func(v interface{}) { endp.store = v.(module.Storage) })
	cfg.Custom("auth", false, true, nil, modconfig.AuthDirective,
		func(v interface{}) { endp.auth = v.(module.PlainAuth) })
	cfg.Custom("kv", false, true, nil, modconfig.KVDirective,
		func(v interface{}) { endp.cache = v.(module.KV) })
	cfg.Custom("tls", true, false, func() (interface{}, error) { return nil, nil },
		config.TLSDirective, func(v interface{}) {
			if v != nil {
				endp.tlsConfig = v.(*tls.Config)
			}
		})
	cfg.String("worker_id", false, false, "", &workerID)
	cfg.Duration("notifier_ttl", false, false, 120*time.Second, &notifierTTL)
	cfg.Duration("socket_timeout", false, false, 30*time.Second, &socketTimeout)
	cfg.Bool("debug", true, false, &endp.Log.Debug)
	if _, err := cfg.Process(); err != nil {
		return err
	}

	if workerID == "" {
		workerID = "pop3-" + uuid.New().String()
	}
	// POP3 sessions never wait for updates, the notifier is used only
	// to broadcast expunges done by DELE/QUIT to IMAP and JMAP workers.
	endp.notifier = &notify.Notifier{
		Store:    endp.store,
		KV:       endp.cache,
		WorkerID: workerID,
		TTL:      notifierTTL,
		Logger:   log.Logger{Name: "pop3/notify", Debug: endp.Log.Debug},
	}
	if err := endp.notifier.Start(context.Background()); err != nil {
		return fmt.Errorf("pop3: notifier: %w", err)
	}

	endp.serv = &pop3.Server{
		Hostname:      endp.hostname,
		TLSConfig:     endp.tlsConfig,
		Log:           endp.Log,
		Store:         endp.store,
		Auth:          endp.auth,
		Notifier:      endp.notifier,
		SocketTimeout: socketTimeout,
		OnConnect: func(c *pop3.Conn) error {
			openConnections.Inc()
			startedConnections.Inc()
			return nil
		},
		OnClose: func(c *pop3.Conn) {
			openConnections.Dec()
		},
	}

	addresses := make([]config.Endpoint, 0, len(endp.addrs))
	for _, addr := range endp.addrs {
		saddr, err := config.ParseEndpoint(addr)
		if err != nil {
			return fmt.Errorf("pop3: invalid address: %s", addr)
		}
		addresses = append(addresses, saddr)
	}
	return endp.setupListeners(addresses)
}

func (endp *Endpoint) setupListeners(addresses []config.Endpoint) error {
	for _, addr := range addresses {
		l, err := net.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("pop3: %v", err)
		}
		endp.Log.Printf("listening on %v", addr)

		if addr.IsTLS() {
			if endp.tlsConfig == nil {
				l.Close()
				return errors.New("pop3: can't bind on POP3S endpoint without TLS configuration")
			}
			l = tls.NewListener(l, endp.tlsConfig)
		}

		endp.listeners = append(endp.listeners, l)
		endp.listenersWg.Add(1)
		addr := addr
		go func() {
			err := endp.serv.Serve(l)
			if err != nil && !errors.Is(err, pop3.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
				endp.Log.Error("serve failed", err, "addr", addr.String())
			}
			endp.listenersWg.Done()
		}()
	}

	if endp.tlsConfig == nil {
		endp.Log.Println("TLS is disabled, this is insecure configuration and should be used only for testing!")
	}
	return nil
}

func (endp *Endpoint) Name() string         { return "pop3" }
func (endp *Endpoint) InstanceName() string { return "pop3" }

func (endp *Endpoint) Close() error {
	for _, l := range endp.listeners {
		l.Close()
	}
	if err := endp.serv.Close(); err != nil {
		return err
	}
	endp.listenersWg.Wait()
	if endp.notifier != nil {
		return endp.notifier.Close()
	}
	return nil
}

func init() {
	module.RegisterEndpoint("pop3", New)
}
