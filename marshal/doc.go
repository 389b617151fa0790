// Package marshal converts between NUL-terminated strings in guest linear
// memory and Go strings.
//
// Decoding stops at the first NUL unless ignoreNul is set, in which case
// exactly maxBytes bytes are read. A negative maxBytes means unbounded.
// Runs longer than 16 bytes go through a bulk decoder that replaces invalid
// sequences with U+FFFD; shorter runs are decoded byte by byte and a
// malformed leading byte is reported once per process.
//
// Encoding never splits a multi-byte sequence and always writes a NUL
// terminator when at least one byte of space is available.
package marshal
