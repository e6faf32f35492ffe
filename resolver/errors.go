package resolver

import "errors"

// ErrMalformedAddress indicates the address was neither a valid hex key,
// a valid base32 key, nor an acceptable DNS hostname.
var ErrMalformedAddress = errors.New("malformed address")

// ResolutionError wraps a DNS lookup or parse failure encountered while
// resolving an address to an ArchiveKey. Callers translate it to a 500
// response at the HTTP boundary and an error message at the WS boundary.
type ResolutionError struct {
	Address string
	Err     error
}

func (e *ResolutionError) Error() string {
	return "resolving address " + e.Address + ": " + e.Err.Error()
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
