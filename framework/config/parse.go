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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Read parses the configuration from the reader.
//
// The format is line-oriented:
//
//	directive arg1 "arg 2" {
//	    child_directive arg
//	}
//
// '#' starts a comment that extends to the end of line. Quoted arguments
// may contain spaces and '#'. A '{' as the last argument opens a block of
// child directives terminated by '}' on its own line.
func Read(r io.Reader, location string) ([]Node, error) {
	p := parser{
		scanner:  bufio.NewScanner(r),
		location: location,
	}
	nodes, err := p.readBlock(0)
	if err != nil {
		return nil, err
	}
	if p.depth != 0 {
		return nil, fmt.Errorf("%s:%d: unexpected end of file, unclosed block", location, p.line)
	}
	return nodes, nil
}

// ReadFile is Read for a file path.
func ReadFile(path string) ([]Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f, path)
}

type parser struct {
	scanner  *bufio.Scanner
	location string
	line     int
	depth    int
}

func (p *parser) readBlock(depth int) ([]Node, error) {
	var nodes []Node
	for p.scanner.Scan() {
		p.line++
		line := strings.TrimSpace(p.scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "}" {
			if depth == 0 {
				return nil, fmt.Errorf("%s:%d: unexpected }", p.location, p.line)
			}
			p.depth--
			return nodes, nil
		}

		args, openBrace, err := splitArgs(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", p.location, p.line, err)
		}
		if len(args) == 0 {
			continue
		}

		node := Node{
			Name: args[0],
			Args: args[1:],
			File: p.location,
			Line: p.line,
		}
		if openBrace {
			p.depth++
			children, err := p.readBlock(depth + 1)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		nodes = append(nodes, node)
	}
	if err := p.scanner.Err(); err != nil {
		return nil, err
	}
	if depth != 0 {
		return nil, fmt.Errorf("%s:%d: unexpected end of file, unclosed block", p.location, p.line)
	}
	return nodes, nil
}

func splitArgs(line string) (args []string, openBrace bool, err error) {
	var cur strings.Builder
	inQuote := false
	haveCur := false
	flush := func() {
		if haveCur {
			args = append(args, cur.String())
			cur.Reset()
			haveCur = false
		}
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			if inQuote {
				inQuote = false
				args = append(args, cur.String())
				cur.Reset()
				haveCur = false
			} else {
				inQuote = true
				haveCur = true
			}
		case c == '\\' && inQuote && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case (c == ' ' || c == '\t') && !inQuote:
			flush()
		case c == '#' && !inQuote:
			flush()
			i = len(line)
		default:
			cur.WriteByte(c)
			haveCur = true
		}
	}
	if inQuote {
		return nil, false, fmt.Errorf("unterminated quoted string")
	}
	flush()

	if len(args) > 0 && args[len(args)-1] == "{" {
		return args[:len(args)-1], true, nil
	}
	return args, false, nil
}
