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

// Package module contains the modules registry and interfaces implemented
// by modules.
//
// Interfaces are placed here to prevent circular dependencies.
//
// Each pluggable piece of the server is an object called "module": message
// storage, authentication, blob storage, the KV cache, outbound submission.
// Protocol endpoints (IMAP, POP3, JMAP) are modules too, created from the
// endpoint registry.
package module

import (
	"github.com/tealmail/teal/framework/config"
)

// Module is the interface implemented by all module instances.
//
// Additionally, a module can implement io.Closer if it needs to perform
// clean-up on shutdown. If a module starts long-lived goroutines - they
// should be stopped *before* Close method returns to ensure graceful
// shutdown.
type Module interface {
	// Init performs actual initialization of the module.
	//
	// It is not done in FuncNewModule so all module instances are
	// registered at the time of initialization, thus initialization does
	// not depend on ordering of configuration blocks and modules can
	// reference each other without any problems.
	//
	// Module can use the passed config.Map to read its configuration
	// variables.
	Init(*config.Map) error

	// Name method reports module name.
	//
	// It is used to reference the module in the configuration and in logs.
	Name() string

	// InstanceName method reports unique name of this module instance or
	// empty string if the module instance is unnamed.
	InstanceName() string
}

// FuncNewModule is a function that creates a new instance of a module with
// the specified name.
//
// Module.InstanceName() of the returned module object should return
// instName. If the module is defined inline, instName will be empty and all
// values specified after the module name in configuration will be in
// inlineArgs.
type FuncNewModule func(modName, instName string, inlineArgs []string) (Module, error)

// FuncNewEndpoint is a function that creates a new instance of an endpoint
// module.
//
// Compared to regular modules, endpoint module instances are not registered
// in the global instances registry, can't be defined inline and don't have
// a unique name. All config arguments are passed as an 'addrs' slice.
type FuncNewEndpoint func(modName string, addrs []string) (Module, error)
