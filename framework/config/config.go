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

// Package config implements the directive-based configuration format used
// by the server and the config.Map helper for mapping directives onto Go
// variables.
package config

import (
	"fmt"
)

// Node is a single directive from the configuration tree.
//
// A directive has a name, zero or more arguments and an optional block of
// child directives enclosed in braces.
type Node struct {
	Name string
	Args []string

	Children []Node

	// Position of the directive, for error messages.
	File string
	Line int
}

// NodeErr returns an error message prefixed with the node position.
func NodeErr(node Node, format string, args ...interface{}) error {
	if node.File == "" {
		return fmt.Errorf(format, args...)
	}
	return fmt.Errorf("%s:%d: %s", node.File, node.Line, fmt.Sprintf(format, args...))
}

// Version is the version of the build, set by the linker.
var Version = "go-build"

// RuntimeDirectory is the directory for Unix sockets and other ephemeral
// state. It is set by the command-line entry point before modules are
// initialized.
var RuntimeDirectory = "/run/teal"

// StateDirectory is the directory for durable server state (the change-log
// archive, blob chunks of the fs backend and so on).
var StateDirectory = "/var/lib/teal"
