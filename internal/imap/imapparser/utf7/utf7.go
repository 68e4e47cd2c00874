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

// Package utf7 implements the "Modified UTF-7" mailbox name encoding.
//
// Modified UTF-7 is described in RFC 3501 section 5.1.3, based on the
// original UTF-7 defined in RFC 2152. Several MUST requirements of the
// spec are relaxed for decoding: there are no good options when faced
// with bad UTF-7 from a client, so we make do as best we can.
package utf7

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

var ErrInvalid = errors.New("utf7: invalid modified UTF-7")

// Modified UTF-7 uses "modified BASE64, with a further modification from
// [UTF-7] that ',' is used instead of '/'", and no padding.
var b64 = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,",
).WithPadding(base64.NoPadding)

// AppendDecode appends the decoded UTF-8 form of the modified UTF-7
// bytes in src to dst.
func AppendDecode(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		c := src[0]
		src = src[1:]
		if c != '&' {
			dst = append(dst, c)
			continue
		}
		i := bytes.IndexByte(src, '-')
		if i == -1 {
			return nil, ErrInvalid
		}
		if i == 0 {
			// "&-" is the escape for a literal '&'.
			src = src[1:]
			dst = append(dst, '&')
			continue
		}
		scratch := make([]byte, b64.DecodedLen(i))
		n, err := b64.Decode(scratch, src[:i])
		src = src[i+1:]
		if err != nil {
			return nil, fmt.Errorf("utf7: decode: %v", err)
		}
		scratch = scratch[:n]
		if n%2 == 1 {
			return nil, ErrInvalid
		}
		for len(scratch) > 0 {
			r := rune(scratch[0])<<8 | rune(scratch[1])
			scratch = scratch[2:]
			if utf16.IsSurrogate(r) {
				if len(scratch) == 0 {
					return nil, ErrInvalid
				}
				r2 := rune(scratch[0])<<8 | rune(scratch[1])
				scratch = scratch[2:]
				r = utf16.DecodeRune(r, r2)
			}
			var b [4]byte
			dst = append(dst, b[:utf8.EncodeRune(b[:], r)]...)
		}
	}
	return dst, nil
}

// AppendEncode appends the modified UTF-7 form of the UTF-8 bytes in src
// to dst.
func AppendEncode(dst, src []byte) []byte {
	for len(src) > 0 {
		r, _ := utf8.DecodeRune(src)
		if r == '&' {
			dst = append(dst, '&', '-')
			src = src[1:]
			continue
		}
		if r < utf8.RuneSelf {
			dst = append(dst, byte(r))
			src = src[1:]
			continue
		}

		// A run of non-ASCII encodes as base64 UTF-16BE.
		scratch := make([]byte, 0, 64)
		for len(src) > 0 {
			r, sz := utf8.DecodeRune(src)
			if r < utf8.RuneSelf {
				break
			}
			src = src[sz:]
			if r1, r2 := utf16.EncodeRune(r); r1 != '�' {
				scratch = append(scratch, byte(r1>>8), byte(r1))
				r = r2
			}
			scratch = append(scratch, byte(r>>8), byte(r))
		}

		b64len := b64.EncodedLen(len(scratch))
		dst = append(dst, '&')
		dst = append(dst, make([]byte, b64len)...)
		b64.Encode(dst[len(dst)-b64len:], scratch)
		dst = append(dst, '-')
	}

	return dst
}

// Decode converts a modified UTF-7 mailbox name to UTF-8.
func Decode(s string) (string, error) {
	b, err := AppendDecode(nil, []byte(s))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode converts a UTF-8 mailbox name to modified UTF-7.
func Encode(s string) string {
	return string(AppendEncode(nil, []byte(s)))
}
