// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package integrity

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 digest. Block checksums and dedup
// fingerprints are this size.
type Digest [32]byte

// IsZero reports whether the digest is all zeroes. A zero digest never
// occurs as a real BLAKE3 output in practice and marks an unset
// checksum field.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the hex encoding of the digest. This is the canonical
// format for logs and chainfs-inspect output.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the first 12 hex characters of the digest, for
// human-oriented output where the full 64 characters are noise.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:6])
}

// ParseDigest parses a 64-character hex string into a Digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures that the same input bytes produce different
// digests in different contexts, preventing cross-domain collisions.
type domainKey [32]byte

// Domain separation keys. These are fixed format constants — changing
// them invalidates every existing volume. The byte values are the
// ASCII encoding of the domain name, zero-padded to 32 bytes, which
// keeps the keys inspectable in hex dumps without sacrificing any
// cryptographic property (BLAKE3 keyed mode treats the key as an
// opaque 32-byte value).
var (
	blockDomainKey = domainKey{
		'c', 'h', 'a', 'i', 'n', 'f', 's', '.',
		'b', 'l', 'o', 'c', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	fingerprintDomainKey = domainKey{
		'c', 'h', 'a', 'i', 'n', 'f', 's', '.',
		'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	nameDomainKey = domainKey{
		'c', 'h', 'a', 'i', 'n', 'f', 's', '.',
		'n', 'a', 'm', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	superblockDomainKey = domainKey{
		'c', 'h', 'a', 'i', 'n', 'f', 's', '.',
		's', 'u', 'p', 'e', 'r', 'b', 'l', 'o', 'c', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// ErrChecksum is the sentinel for a checksum mismatch. It is always
// fatal to the read that discovered it; callers must not retry with
// the corrupt bytes or mask the failure.
var ErrChecksum = errors.New("checksum mismatch")

// Checksum computes the block-domain digest of the given payload.
// This is the digest stored in block headers and block references.
// Always computed over uncompressed bytes, so a checksum survives a
// change of compression codec.
func Checksum(payload []byte) Digest {
	return keyedHash(blockDomainKey, payload)
}

// Verify checks payload against the expected block-domain digest.
// Returns nil on match, or an error wrapping [ErrChecksum] with both
// digests on mismatch.
func Verify(payload []byte, expected Digest) error {
	actual := Checksum(payload)
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksum, expected.Short(), actual.Short())
	}
	return nil
}

// Fingerprint computes the fingerprint-domain digest of the given
// payload. The allocator uses fingerprints to detect identical data
// blocks and share a single physical block between them.
func Fingerprint(payload []byte) Digest {
	return keyedHash(fingerprintDomainKey, payload)
}

// SuperblockChecksum computes the superblock-domain digest over the
// serialized superblock bytes (excluding the checksum field itself).
func SuperblockChecksum(serialized []byte) Digest {
	return keyedHash(superblockDomainKey, serialized)
}

// NameHash derives the directory-entry key for a file name: the first
// 8 bytes of the name-domain digest with the low collision bits
// cleared. The cleared bits leave room for a collision-disambiguating
// suffix, so up to [NameHashCollisionSlots] same-hash names can coexist
// in one directory.
func NameHash(name string) uint64 {
	digest := keyedHash(nameDomainKey, []byte(name))
	return binary.LittleEndian.Uint64(digest[:8]) &^ (NameHashCollisionSlots - 1)
}

// NameHashCollisionSlots is the number of key slots reserved per name
// hash for collision disambiguation. Directory keys are
// NameHash(name) + suffix with suffix in [0, NameHashCollisionSlots).
const NameHashCollisionSlots = 256

// keyedHash computes the BLAKE3 keyed hash with the given domain key.
func keyedHash(key domainKey, data []byte) Digest {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	// The error is only returned for wrong key length, so this cannot
	// fail with our fixed-size type.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("integrity: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
