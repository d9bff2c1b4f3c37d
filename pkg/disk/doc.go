// Package disk encodes and decodes the bit-exact on-disk structures of a capstore volume.
//
// A volume is an array of 512 bytes sectors. Objects live in 4096 bytes frames:
//
//	sector 0           volume header
//	sector N..N+3      division table (primary, and optional alternate copy)
//	object division    [tag pot][128 data frames][tag pot][128 data frames]...
//	log division       [root slot 0][root slot 1][log frames, circular...]
//
// Every integer is little endian. Structures that must survive a torn write carry a
// blake2b-256 checksum.
package disk
