// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package integrity

import (
	"bytes"
	"errors"
	"testing"
)

func TestChecksumDeterministic(t *testing.T) {
	payload := bytes.Repeat([]byte("block payload "), 100)
	first := Checksum(payload)
	second := Checksum(payload)
	if first != second {
		t.Fatalf("checksum not deterministic: %s vs %s", first, second)
	}
	if first.IsZero() {
		t.Error("checksum of non-empty payload is zero")
	}
}

func TestVerify(t *testing.T) {
	payload := []byte("the quick brown fox")
	digest := Checksum(payload)

	if err := Verify(payload, digest); err != nil {
		t.Fatalf("Verify of matching payload failed: %v", err)
	}

	// Flip one bit.
	corrupted := append([]byte(nil), payload...)
	corrupted[3] ^= 0x01
	err := Verify(corrupted, digest)
	if err == nil {
		t.Fatal("Verify of corrupted payload succeeded")
	}
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("Verify error = %v, want ErrChecksum", err)
	}
}

func TestDomainSeparation(t *testing.T) {
	// The same bytes must hash differently in each domain, otherwise a
	// fingerprint could be forged from a known checksum.
	payload := []byte("identical input bytes")
	if Checksum(payload) == Fingerprint(payload) {
		t.Error("block and fingerprint domains produced the same digest")
	}
	if Checksum(payload) == SuperblockChecksum(payload) {
		t.Error("block and superblock domains produced the same digest")
	}
}

func TestFingerprintMatchesIdenticalContent(t *testing.T) {
	a := bytes.Repeat([]byte{0xAB}, 4096)
	b := bytes.Repeat([]byte{0xAB}, 4096)
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("identical content produced different fingerprints")
	}
	b[4095] = 0xAC
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("different content produced the same fingerprint")
	}
}

func TestNameHashCollisionSlots(t *testing.T) {
	// The low suffix bits must be clear so the directory layer can add
	// a collision-disambiguating suffix without overflowing into the
	// next hash bucket.
	for _, name := range []string{"a", "README.md", "журнал", "x/y"} {
		hash := NameHash(name)
		if hash&(NameHashCollisionSlots-1) != 0 {
			t.Errorf("NameHash(%q) = %#x has non-zero collision bits", name, hash)
		}
	}
}

func TestNameHashDistinct(t *testing.T) {
	if NameHash("alpha") == NameHash("beta") {
		t.Error("distinct names produced the same hash (astronomically unlikely)")
	}
}

func TestParseDigest(t *testing.T) {
	digest := Checksum([]byte("payload"))
	parsed, err := ParseDigest(digest.String())
	if err != nil {
		t.Fatalf("ParseDigest failed: %v", err)
	}
	if parsed != digest {
		t.Error("ParseDigest did not round-trip")
	}

	if _, err := ParseDigest("abcd"); err == nil {
		t.Error("ParseDigest accepted a short string")
	}
	if _, err := ParseDigest("zz"); err == nil {
		t.Error("ParseDigest accepted non-hex input")
	}
}
