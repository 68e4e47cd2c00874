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

package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type matcher struct {
	name          string
	required      bool
	inheritGlobal bool
	defaultVal    func() (interface{}, error)
	mapper        func(*Map, Node) (interface{}, error)
	assign        func(interface{})

	customCallback func(*Map, Node) error
}

// Map implements conversion between configuration directives and Go
// variables.
//
// Directive handlers are registered using the typed methods (Bool, String,
// Duration, ...) and applied when Process is called. Each handler assigns
// either the parsed directive value or the registered default into the
// provided store pointer.
type Map struct {
	allowUnknown bool

	// Values saved by Map during processing, keyed by directive name.
	Values map[string]interface{}

	entries map[string]matcher
	order   []string

	// Globals is the directive map of the global configuration block,
	// consulted for directives registered with inheritGlobal.
	Globals map[string]interface{}

	// Block that will be used by Process.
	Block Node
}

func NewMap(globals map[string]interface{}, block Node) *Map {
	return &Map{Globals: globals, Block: block}
}

// AllowUnknown makes Map skip unknown directives instead of failing.
// Process returns skipped directives.
func (m *Map) AllowUnknown() {
	m.allowUnknown = true
}

func (m *Map) addEntry(e matcher) {
	if m.entries == nil {
		m.entries = make(map[string]matcher)
	}
	if _, ok := m.entries[e.name]; ok {
		panic("config.Map: duplicate directive: " + e.name)
	}
	m.entries[e.name] = e
	m.order = append(m.order, e.name)
}

func singleArg(node Node) (string, error) {
	if len(node.Args) != 1 {
		return "", NodeErr(node, "%s: expected exactly one argument", node.Name)
	}
	return node.Args[0], nil
}

// ParseBool parses the true/false textual forms accepted in directives.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("bool directive value should be 'yes' or 'no'")
}

// ParseDataSize parses a value with an optional size suffix
// (K, M, G; powers of 1024) into a byte count.
func ParseDataSize(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty data size")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case 'B', 'b':
		s = s[:len(s)-1]
	}

	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.New("negative data size")
	}
	return v * mult, nil
}

func (m *Map) Bool(name string, inheritGlobal, defaultVal bool, store *bool) {
	m.addEntry(matcher{
		name:          name,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			if len(node.Args) == 0 {
				return true, nil
			}
			arg, err := singleArg(node)
			if err != nil {
				return nil, err
			}
			b, err := ParseBool(arg)
			if err != nil {
				return nil, NodeErr(node, "%s: %v", node.Name, err)
			}
			return b, nil
		},
		assign: func(v interface{}) { *store = v.(bool) },
	})
}

func (m *Map) String(name string, inheritGlobal, required bool, defaultVal string, store *string) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			return singleArg(node)
		},
		assign: func(v interface{}) { *store = v.(string) },
	})
}

func (m *Map) StringList(name string, inheritGlobal, required bool, defaultVal []string, store *[]string) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			if len(node.Args) == 0 {
				return nil, NodeErr(node, "%s: expected at least one argument", node.Name)
			}
			return node.Args, nil
		},
		assign: func(v interface{}) { *store, _ = v.([]string) },
	})
}

func (m *Map) Int(name string, inheritGlobal, required bool, defaultVal int, store *int) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			arg, err := singleArg(node)
			if err != nil {
				return nil, err
			}
			i, err := strconv.Atoi(arg)
			if err != nil {
				return nil, NodeErr(node, "%s: invalid integer: %s", node.Name, arg)
			}
			return i, nil
		},
		assign: func(v interface{}) { *store = v.(int) },
	})
}

func (m *Map) Int64(name string, inheritGlobal, required bool, defaultVal int64, store *int64) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			arg, err := singleArg(node)
			if err != nil {
				return nil, err
			}
			i, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return nil, NodeErr(node, "%s: invalid integer: %s", node.Name, arg)
			}
			return i, nil
		},
		assign: func(v interface{}) { *store = v.(int64) },
	})
}

func (m *Map) UInt32(name string, inheritGlobal, required bool, defaultVal uint32, store *uint32) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			arg, err := singleArg(node)
			if err != nil {
				return nil, err
			}
			i, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return nil, NodeErr(node, "%s: invalid integer: %s", node.Name, arg)
			}
			return uint32(i), nil
		},
		assign: func(v interface{}) { *store = v.(uint32) },
	})
}

func (m *Map) Duration(name string, inheritGlobal, required bool, defaultVal time.Duration, store *time.Duration) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			arg, err := singleArg(node)
			if err != nil {
				return nil, err
			}
			d, err := time.ParseDuration(arg)
			if err != nil {
				return nil, NodeErr(node, "%s: invalid duration: %s", node.Name, arg)
			}
			return d, nil
		},
		assign: func(v interface{}) { *store = v.(time.Duration) },
	})
}

func (m *Map) DataSize(name string, inheritGlobal, required bool, defaultVal int64, store *int64) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			arg, err := singleArg(node)
			if err != nil {
				return nil, err
			}
			sz, err := ParseDataSize(arg)
			if err != nil {
				return nil, NodeErr(node, "%s: invalid size: %s", node.Name, arg)
			}
			return sz, nil
		},
		assign: func(v interface{}) { *store = v.(int64) },
	})
}

func (m *Map) Enum(name string, inheritGlobal, required bool, allowed []string, defaultVal string, store *string) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    func() (interface{}, error) { return defaultVal, nil },
		mapper: func(_ *Map, node Node) (interface{}, error) {
			arg, err := singleArg(node)
			if err != nil {
				return nil, err
			}
			for _, a := range allowed {
				if a == arg {
					return arg, nil
				}
			}
			return nil, NodeErr(node, "%s: invalid value, want one of: %s", node.Name, strings.Join(allowed, ", "))
		},
		assign: func(v interface{}) { *store = v.(string) },
	})
}

// Custom registers a directive that is mapped using an arbitrary function.
//
// defaultVal may be nil if the directive is required. store must be a
// pointer; assignment is done through the provided setter to avoid
// reflection, so Custom takes the setter directly.
func (m *Map) Custom(name string, inheritGlobal, required bool, defaultVal func() (interface{}, error), mapper func(*Map, Node) (interface{}, error), set func(interface{})) {
	m.addEntry(matcher{
		name:          name,
		required:      required,
		inheritGlobal: inheritGlobal,
		defaultVal:    defaultVal,
		mapper:        mapper,
		assign:        set,
	})
}

// Callback registers a directive that may appear any number of times.
// No default handling or value storage is done.
func (m *Map) Callback(name string, cb func(*Map, Node) error) {
	m.addEntry(matcher{
		name:           name,
		customCallback: cb,
	})
}

// Process maps the directives of m.Block using the registered handlers.
//
// Handlers for directives not present in the block receive their default
// value (or the inherited global value). Directives with no registered
// handler cause an error unless AllowUnknown was called, in which case
// they are returned.
func (m *Map) Process() (unknown []Node, err error) {
	return m.ProcessWith(m.Globals, m.Block)
}

// ProcessWith is Process but using the specified global directive map and
// block.
func (m *Map) ProcessWith(globalCfg map[string]interface{}, block Node) (unknown []Node, err error) {
	if m.Values == nil {
		m.Values = make(map[string]interface{})
	}
	matched := make(map[string]bool)

	for _, node := range block.Children {
		e, ok := m.entries[node.Name]
		if !ok {
			if !m.allowUnknown {
				return nil, NodeErr(node, "unexpected directive: %s", node.Name)
			}
			unknown = append(unknown, node)
			continue
		}

		if e.customCallback != nil {
			if err := e.customCallback(m, node); err != nil {
				return nil, err
			}
			matched[node.Name] = true
			continue
		}

		if matched[node.Name] {
			return nil, NodeErr(node, "duplicate directive: %s", node.Name)
		}
		matched[node.Name] = true

		val, err := e.mapper(m, node)
		if err != nil {
			return nil, err
		}
		m.Values[node.Name] = val
		e.assign(val)
	}

	for _, name := range m.order {
		e := m.entries[name]
		if matched[name] || e.customCallback != nil {
			continue
		}

		if e.inheritGlobal && globalCfg != nil {
			if val, ok := globalCfg[name]; ok {
				m.Values[name] = val
				e.assign(val)
				continue
			}
		}

		if e.required {
			return nil, NodeErr(block, "missing required directive: %s", name)
		}

		if e.defaultVal == nil {
			continue
		}
		val, err := e.defaultVal()
		if err != nil {
			return nil, err
		}
		m.Values[name] = val
		e.assign(val)
	}

	return unknown, nil
}
