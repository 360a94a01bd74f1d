// Copyright 2026 European Digital Reading Lab. All rights reserved.
// Use of this source code is governed by a BSD-style license
// specified in the Github project LICENSE file.

package ident

import (
	"errors"
	"fmt"
	"math"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var (
	ErrInvalidBase62 = errors.New("invalid character in base62 encoding")
	ErrOverflow      = errors.New("base62 decoding overflowed")
)

// ToBase62 encodes a non-negative number. Zero encodes to "0".
func ToBase62(num int64) string {
	if num <= 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	for num > 0 {
		i--
		buf[i] = base62Chars[num%62]
		num /= 62
	}
	return string(buf[i:])
}

// ParseBase62 decodes a base62 string into a numeric id.
// Values that do not fit in an int64 are rejected.
func ParseBase62(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty string: %w", ErrInvalidBase62)
	}
	var num int64
	for _, c := range s {
		var digit int64
		switch {
		case c >= '0' && c <= '9':
			digit = int64(c - '0')
		case c >= 'A' && c <= 'Z':
			digit = 10 + int64(c-'A')
		case c >= 'a' && c <= 'z':
			digit = 36 + int64(c-'a')
		default:
			return 0, fmt.Errorf("%q: %w", c, ErrInvalidBase62)
		}
		if num > (math.MaxInt64-digit)/62 {
			return 0, ErrOverflow
		}
		num = num*62 + digit
	}
	return num, nil
}
