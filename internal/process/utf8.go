package process

import "unicode/utf8"

// completeUTF8Prefix returns the length of b without a trailing, possibly
// incomplete, multi-byte sequence. Invalid bytes are not held back.
func completeUTF8Prefix(b []byte) int {
	n := len(b)
	// a rune is at most 4 bytes, so only the last 3 can start an incomplete one
	for i := 1; i <= 3 && i <= n; i++ {
		c := b[n-i]
		if c < utf8.RuneSelf {
			return n
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(b[n-i:]) {
				return n - i
			}
			return n
		}
	}
	return n
}
