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

// Package memauth implements an in-memory auth. module. Credentials
// are stored as bcrypt hashes and are lost on restart; it exists for
// the dev profile and tests.
package memauth

import (
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/log"
	"github.com/tealmail/teal/framework/module"
)

type Auth struct {
	instName string
	Log      log.Logger

	bcryptCost int

	mu    sync.RWMutex
	users map[string][]byte // normalized username -> bcrypt hash
}

func New(_, instName string, _ []string) (module.Module, error) {
	return &Auth{
		instName: instName,
		users:    make(map[string][]byte),
		Log:      log.Logger{Name: "auth.memory"},
	}, nil
}

func (a *Auth) Init(cfg *config.Map) error {
	cfg.Bool("debug", true, false, &a.Log.Debug)
	cfg.Int("bcrypt_cost", false, false, bcrypt.DefaultCost, &a.bcryptCost)
	if _, err := cfg.Process(); err != nil {
		return err
	}
	if a.bcryptCost < bcrypt.MinCost || a.bcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("auth.memory: bcrypt_cost %d out of range", a.bcryptCost)
	}
	return nil
}

func (a *Auth) Name() string         { return "auth.memory" }
func (a *Auth) InstanceName() string { return a.instName }

func normalize(username string) (string, error) {
	key, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return "", fmt.Errorf("auth.memory: bad username: %w", err)
	}
	return key, nil
}

func (a *Auth) AuthPlain(username, password string) error {
	key, err := normalize(username)
	if err != nil {
		return err
	}

	a.mu.RLock()
	hash, ok := a.users[key]
	a.mu.RUnlock()
	if !ok {
		// Burn time anyway so missing and present users are not
		// distinguishable by response timing.
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return module.ErrUnknownCredentials
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return module.ErrUnknownCredentials
	}
	return nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("teal.invalid"), bcrypt.MinCost)

func (a *Auth) ListUsers() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	users := make([]string, 0, len(a.users))
	for u := range a.users {
		users = append(users, u)
	}
	return users, nil
}

func (a *Auth) CreateUser(username, password string) error {
	key, err := normalize(username)
	if err != nil {
		return err
	}
	hash, err := a.hash(password)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[key]; ok {
		return fmt.Errorf("auth.memory: user %s already exists", key)
	}
	a.users[key] = hash
	return nil
}

func (a *Auth) SetUserPassword(username, password string) error {
	key, err := normalize(username)
	if err != nil {
		return err
	}
	hash, err := a.hash(password)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[key]; !ok {
		return module.ErrUnknownCredentials
	}
	a.users[key] = hash
	return nil
}

func (a *Auth) DeleteUser(username string) error {
	key, err := normalize(username)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[key]; !ok {
		return module.ErrUnknownCredentials
	}
	delete(a.users, key)
	return nil
}

func (a *Auth) hash(password string) ([]byte, error) {
	cost := a.bcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

func init() {
	module.Register("auth.memory", New)
}
