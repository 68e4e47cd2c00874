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

// Package modconfig provides config.Map matchers that resolve module
// references in the configuration, either by instance name or as an
// inline definition:
//
//	storage local_store        # reference to a named instance
//	storage storage.memory { } # inline definition
package modconfig

import (
	"github.com/tealmail/teal/framework/config"
	"github.com/tealmail/teal/framework/module"
)

func moduleFromNode(m *config.Map, node config.Node) (module.Module, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least one argument")
	}

	// A reference to a named instance unless the name is a known
	// module or the directive carries a configuration block.
	if len(node.Args) == 1 && node.Children == nil && module.HasInstance(node.Args[0]) {
		return module.GetInstance(node.Args[0])
	}

	mod, err := module.New(node.Args[0], "", node.Args[1:])
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	if err := mod.Init(config.NewMap(m.Globals, node)); err != nil {
		return nil, err
	}
	return mod, nil
}

// StorageDirective resolves a module.Storage reference.
func StorageDirective(m *config.Map, node config.Node) (interface{}, error) {
	mod, err := moduleFromNode(m, node)
	if err != nil {
		return nil, err
	}
	store, ok := mod.(module.Storage)
	if !ok {
		return nil, config.NodeErr(node, "module %s is not a message store", mod.Name())
	}
	return store, nil
}

// AuthDirective resolves a module.PlainAuth reference.
func AuthDirective(m *config.Map, node config.Node) (interface{}, error) {
	mod, err := moduleFromNode(m, node)
	if err != nil {
		return nil, err
	}
	auth, ok := mod.(module.PlainAuth)
	if !ok {
		return nil, config.NodeErr(node, "module %s is not an authentication provider", mod.Name())
	}
	return auth, nil
}

// KVDirective resolves a module.KV reference.
func KVDirective(m *config.Map, node config.Node) (interface{}, error) {
	mod, err := moduleFromNode(m, node)
	if err != nil {
		return nil, err
	}
	cache, ok := mod.(module.KV)
	if !ok {
		return nil, config.NodeErr(node, "module %s is not a KV cache", mod.Name())
	}
	return cache, nil
}

// BlobDirective resolves a module.BlobStore reference.
func BlobDirective(m *config.Map, node config.Node) (interface{}, error) {
	mod, err := moduleFromNode(m, node)
	if err != nil {
		return nil, err
	}
	blobs, ok := mod.(module.BlobStore)
	if !ok {
		return nil, config.NodeErr(node, "module %s is not a blob store", mod.Name())
	}
	return blobs, nil
}

// SubmitterDirective resolves a module.Submitter reference.
func SubmitterDirective(m *config.Map, node config.Node) (interface{}, error) {
	mod, err := moduleFromNode(m, node)
	if err != nil {
		return nil, err
	}
	submit, ok := mod.(module.Submitter)
	if !ok {
		return nil, config.NodeErr(node, "module %s is not a submitter", mod.Name())
	}
	return submit, nil
}
