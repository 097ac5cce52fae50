package types

import "errors"

// Driver-independent failure classes. Driver implementations return errors
// that match these through errors.Is.
var (
	// ErrNotFound reports that no element matches a locator.
	ErrNotFound = errors.New("element not found")
	// ErrStale reports that a previously located element vanished.
	ErrStale = errors.New("element is stale")
	// ErrSessionUnusable reports that the browser session is gone.
	ErrSessionUnusable = errors.New("browser session unusable")
)
