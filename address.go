package datgateway

import (
	"fmt"
	"strings"
)

// AddressKind classifies a user-supplied Address before resolution.
type AddressKind int

const (
	// AddressHex is a 64-character lowercase hex ArchiveKey.
	AddressHex AddressKind = iota
	// AddressBase32 is a 52-character base32 ArchiveKey, used for
	// subdomain-redirect labels.
	AddressBase32
	// AddressDNSName requires a well-known Dat DNS lookup to resolve.
	AddressDNSName
)

func (k AddressKind) String() string {
	switch k {
	case AddressHex:
		return "hex"
	case AddressBase32:
		return "base32"
	case AddressDNSName:
		return "dns"
	default:
		return "unknown"
	}
}

// Address is a user-supplied archive locator: an ArchiveKey in hex, a
// base32-encoded key (52 characters), or a DNS name resolvable via
// well-known Dat DNS records. Resolution to an ArchiveKey is the Name
// Resolver's job; Address only classifies the input shape.
type Address string

// ParseAddress validates and normalizes a raw path segment or hostname label
// into an Address. Hex addresses are lowercased for comparison; base32 and
// DNS forms are left as supplied so callers can distinguish a malformed hex
// string from a genuine DNS name.
func ParseAddress(raw string) (Address, error) {
	if raw == "" {
		return "", fmt.Errorf("empty address")
	}
	lower := strings.ToLower(raw)
	if IsHexKey(lower) {
		return Address(lower), nil
	}
	if IsBase32Key(raw) {
		return Address(raw), nil
	}
	return Address(raw), nil
}

// Kind classifies the address by shape, per the invariant that only a
// 64-character hex string or an exactly-52-character label may be decoded
// as a key; anything else is treated as a DNS name.
func (a Address) Kind() AddressKind {
	s := string(a)
	switch {
	case IsHexKey(s):
		return AddressHex
	case IsBase32Key(s):
		return AddressBase32
	default:
		return AddressDNSName
	}
}

// String returns the raw address string.
func (a Address) String() string {
	return string(a)
}
