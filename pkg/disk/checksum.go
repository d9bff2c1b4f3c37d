package disk

import (
	"bytes"

	blake2b "github.com/minio/blake2b-simd"
)

// ChecksumSize is the size of the integrity digest stored in headers
const ChecksumSize = 32

// Checksum is a blake2b-256 digest
type Checksum [ChecksumSize]byte

// seal computes the digest of buf with the checksum area zeroed, and stores it at offset
func seal(buf []byte, offset int) Checksum {
	var zero Checksum
	copy(buf[offset:offset+ChecksumSize], zero[:])
	sum := Checksum(blake2b.Sum256(buf))
	copy(buf[offset:offset+ChecksumSize], sum[:])
	return sum
}

// verify recomputes the digest of buf and compares it with the one stored at offset.
// buf is left untouched.
func verify(buf []byte, offset int) bool {
	var stored Checksum
	copy(stored[:], buf[offset:offset+ChecksumSize])

	scratch := make([]byte, len(buf))
	copy(scratch, buf)
	computed := seal(scratch, offset)
	return bytes.Equal(stored[:], computed[:])
}
