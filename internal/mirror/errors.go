package mirror

import "github.com/cockroachdb/errors"

// Failure classes, attached with errors.Mark so callers can test with
// errors.Is. Whether a failure aborts a run depends on where it occurs,
// not on its class: a network error on the manifest is fatal, the same
// error on a package record is counted and skipped.
var (
	// ErrNetwork marks connection failures, unexpected HTTP statuses and
	// truncated transfers.
	ErrNetwork = errors.New("network error")

	// ErrLocalIO marks failures reading or writing the local mirror tree.
	ErrLocalIO = errors.New("local I/O error")
)
