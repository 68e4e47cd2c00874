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

package imapparser

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// MatchMessage is one message as seen by the SEARCH evaluator.
//
// Text is only called when the search tree contains a BODY or TEXT key,
// so implementations can defer loading message content until then.
// Callers can check with Matcher.NeedsContent before building the
// expensive parts of a MatchMessage.
type MatchMessage interface {
	SeqNum() uint32
	UID() uint32
	ModSeq() uint64
	Flag(name string) bool
	Header(name string) string
	InternalDate() time.Time
	SentDate() time.Time
	RFC822Size() uint64
	Text() string
}

// Matcher evaluates a parsed SEARCH key tree against messages.
type Matcher struct {
	op           *SearchOp
	needsContent bool
}

func NewMatcher(op *SearchOp) (*Matcher, error) {
	m := &Matcher{op: op}
	if err := m.check(op); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Matcher) check(op *SearchOp) error {
	switch op.Key {
	case "AND", "OR", "NOT":
		if op.Key == "NOT" && len(op.Children) != 1 {
			return fmt.Errorf("imapparser: search key NOT has %d children", len(op.Children))
		}
		for i := range op.Children {
			if err := m.check(&op.Children[i]); err != nil {
				return err
			}
		}
		return nil
	case "BODY", "TEXT":
		m.needsContent = true
		return nil
	case "SEQSET", "UID", "ALL", "ANSWERED", "UNANSWERED", "BCC", "BEFORE",
		"CC", "DELETED", "UNDELETED", "DRAFT", "UNDRAFT", "FLAGGED",
		"UNFLAGGED", "FROM", "HEADER", "KEYWORD", "UNKEYWORD", "LARGER",
		"SMALLER", "MODSEQ", "NEW", "OLD", "ON", "RECENT", "SEEN", "UNSEEN",
		"SENTBEFORE", "SENTON", "SENTSINCE", "SINCE", "SUBJECT", "TO":
		return nil
	}
	return fmt.Errorf("imapparser: unknown search key: %q", op.Key)
}

// NeedsContent reports whether evaluating the search requires message
// content, that is, whether any BODY or TEXT key appears in the tree.
// When false, matching only touches flags, headers, dates, and sizes.
func (m *Matcher) NeedsContent() bool {
	return m.needsContent
}

func (m *Matcher) Match(msg MatchMessage) bool {
	return m.match(msg, m.op)
}

// caseFolder implements the i;unicode-casemap comparator, which RFC 5051
// defines as Unicode case folding. It covers both the UTF-8 and US-ASCII
// search charsets.
var caseFolder = cases.Fold()

// containsFold reports whether substr appears in s under case folding.
func containsFold(s, substr string) bool {
	return strings.Contains(caseFolder.String(s), caseFolder.String(substr))
}

// dateOnly strips the time of day, as RFC 3501 requires for the date
// comparison search keys.
func dateOnly(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func (m *Matcher) match(msg MatchMessage, op *SearchOp) bool {
	switch op.Key {
	case "AND":
		for i := range op.Children {
			if !m.match(msg, &op.Children[i]) {
				return false
			}
		}
		return true
	case "OR":
		for i := range op.Children {
			if m.match(msg, &op.Children[i]) {
				return true
			}
		}
		return false
	case "NOT":
		if len(op.Children) != 1 {
			return false // bad tree, avoid panic
		}
		return !m.match(msg, &op.Children[0])
	case "SEQSET":
		return SeqContains(op.Sequences, msg.SeqNum())
	case "UID":
		return SeqContains(op.Sequences, msg.UID())
	case "ALL":
		return true
	case "BEFORE":
		return dateOnly(msg.InternalDate()).Before(op.Date)
	case "ON":
		return dateOnly(msg.InternalDate()).Equal(op.Date)
	case "SINCE":
		t := dateOnly(msg.InternalDate())
		return t.Equal(op.Date) || t.After(op.Date)
	case "SENTBEFORE":
		return dateOnly(msg.SentDate()).Before(op.Date)
	case "SENTON":
		return dateOnly(msg.SentDate()).Equal(op.Date)
	case "SENTSINCE":
		t := dateOnly(msg.SentDate())
		return t.Equal(op.Date) || t.After(op.Date)
	case "KEYWORD":
		return msg.Flag(op.Value)
	case "UNKEYWORD":
		return !msg.Flag(op.Value)
	case "LARGER":
		return msg.RFC822Size() > op.Num
	case "SMALLER":
		return msg.RFC822Size() < op.Num
	case "MODSEQ":
		return msg.ModSeq() >= op.Num
	case "NEW":
		// equivalent to (RECENT UNSEEN)
		return msg.Flag(`\Recent`) && !msg.Flag(`\Seen`)
	case "OLD":
		return !msg.Flag(`\Recent`)
	case "RECENT":
		return msg.Flag(`\Recent`)
	case "SEEN":
		return msg.Flag(`\Seen`)
	case "UNSEEN":
		return !msg.Flag(`\Seen`)
	case "ANSWERED":
		return msg.Flag(`\Answered`)
	case "UNANSWERED":
		return !msg.Flag(`\Answered`)
	case "DELETED":
		return msg.Flag(`\Deleted`)
	case "UNDELETED":
		return !msg.Flag(`\Deleted`)
	case "DRAFT":
		return msg.Flag(`\Draft`)
	case "UNDRAFT":
		return !msg.Flag(`\Draft`)
	case "FLAGGED":
		return msg.Flag(`\Flagged`)
	case "UNFLAGGED":
		return !msg.Flag(`\Flagged`)
	case "HEADER":
		i := strings.IndexByte(op.Value, ':')
		if i < 1 {
			return false
		}
		name := op.Value[:i]
		value := ""
		if i < len(op.Value)-1 {
			value = op.Value[i+2:]
		}
		// An empty value matches any message with the header present.
		if value == "" {
			return msg.Header(name) != ""
		}
		return containsFold(msg.Header(name), value)
	case "SUBJECT":
		return containsFold(msg.Header("Subject"), op.Value)
	case "TO":
		return containsFold(msg.Header("To"), op.Value)
	case "FROM":
		return containsFold(msg.Header("From"), op.Value)
	case "CC":
		return containsFold(msg.Header("Cc"), op.Value)
	case "BCC":
		return containsFold(msg.Header("Bcc"), op.Value)
	case "BODY":
		return containsFold(msg.Text(), op.Value)
	case "TEXT":
		if containsFold(msg.Text(), op.Value) {
			return true
		}
		// TEXT also covers the header.
		for _, h := range []string{"Subject", "From", "To", "Cc", "Bcc"} {
			if containsFold(msg.Header(h), op.Value) {
				return true
			}
		}
		return false
	}
	return false
}
