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
	"bytes"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"
)

var resolveSeqsTests = []struct {
	name string
	seqs []SeqRange
	list []uint32
	want []uint32
}{
	{
		name: "sparse uid list",
		seqs: []SeqRange{{44, 44}, {54, 0}}, // "44,54:*"
		list: []uint32{39, 40, 44, 52, 53, 54, 59, 72},
		want: []uint32{44, 54, 59, 72},
	},
	{
		name: "full range",
		seqs: []SeqRange{{1, 0}}, // "1:*"
		list: []uint32{3, 5, 9},
		want: []uint32{3, 5, 9},
	},
	{
		name: "star",
		seqs: []SeqRange{{0, 0}}, // "*"
		list: []uint32{39, 40, 72},
		want: []uint32{72},
	},
	{
		name: "star range", // "*:50" means 50:*
		seqs: []SeqRange{{0, 50}},
		list: []uint32{39, 40, 44, 52, 53, 72},
		want: []uint32{52, 53, 72},
	},
	{
		name: "out of range",
		seqs: []SeqRange{{100, 200}},
		list: []uint32{39, 40, 72},
		want: nil,
	},
	{
		name: "overlapping ranges collapse",
		seqs: []SeqRange{{1, 50}, {40, 60}, {54, 54}},
		list: []uint32{39, 40, 44, 52, 53, 54, 59, 72},
		want: []uint32{39, 40, 44, 52, 53, 54, 59},
	},
	{
		name: "duplicate singles",
		seqs: []SeqRange{{44, 44}, {44, 44}, {40, 40}},
		list: []uint32{39, 40, 44},
		want: []uint32{40, 44},
	},
	{
		name: "empty list",
		seqs: []SeqRange{{1, 0}},
		list: nil,
		want: nil,
	},
	{
		name: "empty seqs",
		seqs: nil,
		list: []uint32{1, 2, 3},
		want: nil,
	},
}

func TestResolveSeqs(t *testing.T) {
	for _, test := range resolveSeqsTests {
		t.Run(test.name, func(t *testing.T) {
			got := ResolveSeqs(test.seqs, test.list)
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("ResolveSeqs(%v, %v)=%v, want %v", test.seqs, test.list, got, test.want)
			}
		})
	}
}

// resolveSeqsSlow is the obvious quadratic implementation, used to
// cross-check ResolveSeqs on random inputs.
func resolveSeqsSlow(seqs []SeqRange, list []uint32) []uint32 {
	if len(list) == 0 {
		return nil
	}
	last := list[len(list)-1]
	var out []uint32
	for _, v := range list {
		matched := false
		for _, seq := range seqs {
			lo, hi := seq.Min, seq.Max
			if lo == 0 && hi == 0 {
				lo, hi = last, last
			} else if lo == 0 {
				lo, hi = hi, last
			} else if hi == 0 {
				hi = last
			}
			if lo > hi {
				lo, hi = hi, lo
			}
			if lo <= v && v <= hi {
				matched = true
				break
			}
		}
		if matched {
			out = append(out, v)
		}
	}
	return out
}

func TestResolveSeqsRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		seen := make(map[uint32]bool)
		list := make([]uint32, 0, 50)
		for i := 0; i < 50; i++ {
			v := uint32(rng.Intn(500)) + 1
			if !seen[v] {
				seen[v] = true
				list = append(list, v)
			}
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })

		seqs := make([]SeqRange, rng.Intn(8)+1)
		for i := range seqs {
			a := uint32(rng.Intn(520))
			b := uint32(rng.Intn(520))
			if a > b && b != 0 {
				a, b = b, a
			}
			seqs[i] = SeqRange{Min: a, Max: b}
		}

		got := ResolveSeqs(seqs, list)
		want := resolveSeqsSlow(seqs, list)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("iter %d: ResolveSeqs(%v, %v)=%v, want %v", iter, seqs, list, got, want)
		}
	}
}

// largeUIDList returns n odd UIDs, so roughly half of all random probe
// values fall between list entries.
func largeUIDList(n int) []uint32 {
	list := make([]uint32, n)
	for i := range list {
		list[i] = uint32(2*i + 1)
	}
	return list
}

func largeSeqSet(rng *rand.Rand, list []uint32, singles, ranges int) []SeqRange {
	seqs := make([]SeqRange, 0, singles+ranges)
	for i := 0; i < singles; i++ {
		v := list[rng.Intn(len(list))]
		seqs = append(seqs, SeqRange{Min: v, Max: v})
	}
	for i := 0; i < ranges; i++ {
		lo := list[rng.Intn(len(list))]
		seqs = append(seqs, SeqRange{Min: lo, Max: lo + uint32(rng.Intn(5000))})
	}
	return seqs
}

// Large-mailbox resolution must stay interactive: a client fetching an
// arbitrary subset of a 200k-message mailbox cannot stall the session.
func TestResolveSeqsLargeMailbox(t *testing.T) {
	if testing.Short() {
		t.Skip("large-list resolution timing")
	}
	rng := rand.New(rand.NewSource(7))

	list := largeUIDList(200000)
	seqs := largeSeqSet(rng, list, 500, 200)

	start := time.Now()
	ResolveSeqs(seqs, list)
	ResolveSeqs([]SeqRange{{Min: 1, Max: 0}}, list) // "1:*"
	if d := time.Since(start); d > 1500*time.Millisecond {
		t.Errorf("500 UIDs + 200 ranges and 1:* over 200k UIDs took %v, want <1.5s", d)
	}

	big := largeUIDList(500000)
	seqs = largeSeqSet(rng, big, 3000, 0)

	start = time.Now()
	ResolveSeqs(seqs, big)
	if d := time.Since(start); d > 3*time.Second {
		t.Errorf("3000 sequence numbers over 500k UIDs took %v, want <3s", d)
	}
}

func BenchmarkResolveSeqs(b *testing.B) {
	rng := rand.New(rand.NewSource(7))
	list := largeUIDList(200000)
	seqs := largeSeqSet(rng, list, 500, 200)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ResolveSeqs(seqs, list)
	}
}

func TestAppendSeqRange(t *testing.T) {
	var seqs []SeqRange
	for _, v := range []uint32{1, 2, 3, 5, 9, 10} {
		seqs = AppendSeqRange(seqs, v)
	}
	want := []SeqRange{{1, 3}, {5, 5}, {9, 10}}
	if !reflect.DeepEqual(seqs, want) {
		t.Errorf("AppendSeqRange result %v, want %v", seqs, want)
	}
}

func TestFormatSeqs(t *testing.T) {
	tests := []struct {
		seqs []SeqRange
		want string
	}{
		{[]SeqRange{{1, 3}, {5, 5}, {9, 10}}, "1:3,5,9:10"},
		{[]SeqRange{{44, 44}, {54, 0}}, "44,54:*"},
		{[]SeqRange{{0, 0}}, "*"},
	}
	for _, test := range tests {
		buf := new(bytes.Buffer)
		if err := FormatSeqs(buf, test.seqs); err != nil {
			t.Fatal(err)
		}
		if got := buf.String(); got != test.want {
			t.Errorf("FormatSeqs(%v)=%q, want %q", test.seqs, got, test.want)
		}
	}
}

func TestSeqContains(t *testing.T) {
	seqs := []SeqRange{{3, 5}, {9, 0}}
	for _, test := range []struct {
		v    uint32
		want bool
	}{
		{1, false}, {3, true}, {4, true}, {5, true},
		{6, false}, {9, true}, {4000, true},
	} {
		if got := SeqContains(seqs, test.v); got != test.want {
			t.Errorf("SeqContains(%v, %d)=%v, want %v", seqs, test.v, got, test.want)
		}
	}
}
