// Package codec implements the wire buffer used to build request payloads and
// parse response payloads.
//
// Every field has a fixed width and a fixed byte order (little-endian), so a
// client and a cache server built on different platforms agree on the layout.
// Variable-length fields are prefixed with their byte length as a uint64:
//
//	┌───────────────┬──────────────────┐
//	│ len (uint64)  │  len raw bytes   │
//	└───────────────┴──────────────────┘
//
// Writing and reading are split into two types. A Builder only appends, a
// Reader only consumes; each call owns its own instances.
package codec

import "encoding/binary"

// ByteOrder is the byte order of every multi-byte field on the wire.
var ByteOrder = binary.LittleEndian

// Field widths in bytes.
const (
	SizeInt8    = 1
	SizeInt16   = 2
	SizeInt32   = 4
	SizeInt64   = 8
	SizeFloat32 = 4
	SizeFloat64 = 8

	// SizeLenPrefix is the width of the length prefix in front of bytes/strings.
	SizeLenPrefix = 8
)
