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
	"io"
	"sort"
)

// SeqRange is a normalized IMAP seq-range.
// Normalized means that Min is always less than or equal to Max,
// except that the value 0 is a placeholder for '*'.
//
// When Min == Max, a SeqRange refers to a single value.
type SeqRange struct {
	Min uint32
	Max uint32
}

// FormatSeqs writes the textual sequence-set form of seqs.
func FormatSeqs(w io.Writer, seqs []SeqRange) error {
	for i, seq := range seqs {
		if i > 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		if seq.Min == seq.Max {
			if _, err := io.WriteString(w, seqStr(seq.Min)); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s:%s", seqStr(seq.Min), seqStr(seq.Max)); err != nil {
			return err
		}
	}
	return nil
}

func seqStr(v uint32) string {
	if v == 0 {
		return "*"
	}
	return fmt.Sprintf("%d", v)
}

// AppendSeqRange appends the value v to seqs, extending the final range
// when v directly follows it. Used to build compact sequence-sets for
// responses (UIDPLUS COPYUID, MODIFIED).
func AppendSeqRange(seqs []SeqRange, v uint32) []SeqRange {
	if len(seqs) > 0 && v > 0 {
		last := &seqs[len(seqs)-1]
		if last.Max > 0 && last.Max == v-1 {
			last.Max++
			return seqs
		}
	}
	return append(seqs, SeqRange{Min: v, Max: v})
}

// SeqContains reports whether seqNum falls inside any of the ranges.
func SeqContains(sequences []SeqRange, seqNum uint32) bool {
	for _, seq := range sequences {
		if seq.Min == 0 && seq.Max == 0 {
			continue // bare '*', caller must clamp first
		}
		if seq.Min <= seqNum && (seq.Max == 0 || seq.Max >= seqNum) {
			return true
		}
	}
	return false
}

// ResolveSeqs expands a sequence-set against list, which must be sorted
// ascending. It reports the members of list selected by seqs, in list
// order, with duplicates collapsed. '*' clamps to the largest member;
// ranges entirely out of range select nothing.
//
// Each range is located with binary search, so the cost is
// O((len(seqs) + len(list)) * log len(list)) regardless of how wide the
// ranges are relative to the list.
func ResolveSeqs(seqs []SeqRange, list []uint32) []uint32 {
	if len(list) == 0 || len(seqs) == 0 {
		return nil
	}
	last := list[len(list)-1]

	// Translate every range into a half-open index interval of list,
	// then merge the intervals so overlapping ranges and duplicates
	// cost nothing extra.
	type span struct{ i, j int }
	spans := make([]span, 0, len(seqs))
	for _, seq := range seqs {
		lo, hi := seq.Min, seq.Max
		if lo == 0 && hi == 0 { // '*'
			lo, hi = last, last
		} else if lo == 0 { // '*:n' means n:*
			lo, hi = hi, last
		} else if hi == 0 { // 'n:*'
			hi = last
		}
		if lo > hi {
			lo, hi = hi, lo
		}

		i := sort.Search(len(list), func(k int) bool { return list[k] >= lo })
		j := sort.Search(len(list), func(k int) bool { return list[k] > hi })
		if i < j {
			spans = append(spans, span{i, j})
		}
	}
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(a, b int) bool { return spans[a].i < spans[b].i })

	var out []uint32
	cur := spans[0]
	flush := func(s span) { out = append(out, list[s.i:s.j]...) }
	for _, s := range spans[1:] {
		if s.i <= cur.j {
			if s.j > cur.j {
				cur.j = s.j
			}
			continue
		}
		flush(cur)
		cur = s
	}
	flush(cur)
	return out
}
