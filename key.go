package datgateway

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// KeySize is the size of an ArchiveKey in bytes (256 bits).
const KeySize = 32

// base32Encoding is RFC4648 base32 without padding, lowercased, matching the
// Dat network's convention for representing a key as a subdomain label.
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var (
	hexKeyPattern    = regexp.MustCompile(`^[0-9a-f]{64}$`)
	base32KeyPattern = regexp.MustCompile(`^[0-9A-Za-z]{52}$`)
)

// ArchiveKey identifies a Dat archive by its 32-byte public key. It is the
// sole identity used by the registry; equality is byte-equality.
type ArchiveKey [KeySize]byte

// String returns the canonical 64-character lowercase hex representation.
func (k ArchiveKey) String() string {
	return hex.EncodeToString(k[:])
}

// Base32 returns the 52-character base32 (RFC4648, no padding) representation
// used for subdomain redirects.
func (k ArchiveKey) Base32() string {
	return strings.ToLower(base32Encoding.EncodeToString(k[:]))
}

// IsZero reports whether the key is the zero value.
func (k ArchiveKey) IsZero() bool {
	return k == ArchiveKey{}
}

// ParseArchiveKey parses a 64-character hex string into an ArchiveKey. The
// input must already be lowercase; callers resolving user-supplied addresses
// should use ParseAddress instead, which normalizes case.
func ParseArchiveKey(s string) (ArchiveKey, error) {
	var k ArchiveKey
	if len(s) != KeySize*2 {
		return k, fmt.Errorf("invalid archive key length: expected %d hex chars, got %d", KeySize*2, len(s))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return ArchiveKey{}, fmt.Errorf("invalid archive key: %w", err)
	}
	return k, nil
}

// ArchiveKeyFromBase32 decodes a 52-character base32 (RFC4648, no padding)
// label into an ArchiveKey.
func ArchiveKeyFromBase32(s string) (ArchiveKey, error) {
	var k ArchiveKey
	decoded, err := base32Encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return k, fmt.Errorf("invalid base32 archive key: %w", err)
	}
	if len(decoded) != KeySize {
		return k, fmt.Errorf("invalid base32 archive key length: expected %d bytes, got %d", KeySize, len(decoded))
	}
	copy(k[:], decoded)
	return k, nil
}

// IsHexKey reports whether s matches the 64-character lowercase hex key
// pattern exactly.
func IsHexKey(s string) bool {
	return hexKeyPattern.MatchString(s)
}

// IsBase32Key reports whether s has the fixed length of a base32-encoded
// key (52 characters). Per the subdomain redirect invariant, labels of any
// other length must never be decoded as a key.
func IsBase32Key(s string) bool {
	return base32KeyPattern.MatchString(s)
}
