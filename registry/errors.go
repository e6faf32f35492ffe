package registry

import "errors"

// ErrNotReady is returned when admission does not observe a materialized
// event within the readiness timeout. Front ends translate it to 404.
var ErrNotReady = errors.New("archive not ready")

// ErrEmpty is returned by EvictOldest when no key is resident.
var ErrEmpty = errors.New("registry is empty")
