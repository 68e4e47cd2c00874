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

package module

import (
	"fmt"
	"sync"
)

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]FuncNewModule)
	endpoints = make(map[string]FuncNewEndpoint)
)

// Register adds the module constructor to the global registry.
//
// Panics if the name is already registered. Typically called from an init
// function of the package implementing the module.
func Register(name string, fn FuncNewModule) {
	modulesMu.Lock()
	defer modulesMu.Unlock()

	if _, ok := modules[name]; ok {
		panic("module: duplicate module name: " + name)
	}
	modules[name] = fn
}

// RegisterEndpoint adds the endpoint module constructor to the global
// registry.
func RegisterEndpoint(name string, fn FuncNewEndpoint) {
	modulesMu.Lock()
	defer modulesMu.Unlock()

	if _, ok := endpoints[name]; ok {
		panic("module: duplicate endpoint name: " + name)
	}
	endpoints[name] = fn
}

// IsEndpoint reports whether name refers to a registered endpoint module.
func IsEndpoint(name string) bool {
	modulesMu.RLock()
	defer modulesMu.RUnlock()

	_, ok := endpoints[name]
	return ok
}

// New creates a new module instance using a registered constructor.
func New(modName, instName string, inlineArgs []string) (Module, error) {
	modulesMu.RLock()
	fn := modules[modName]
	modulesMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("unknown module: %s", modName)
	}
	return fn(modName, instName, inlineArgs)
}

// NewEndpoint creates a new endpoint module instance using a registered
// constructor.
func NewEndpoint(modName string, addrs []string) (Module, error) {
	modulesMu.RLock()
	fn := endpoints[modName]
	modulesMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("unknown endpoint: %s", modName)
	}
	return fn(modName, addrs)
}
