// Package wire implements the binary primitives of the SSH agent protocol:
// 4-byte big-endian length-prefixed frames, opaque strings, mpints, and
// typed decode errors for malformed input.
package wire
