package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, caches and upstream clients return
// these (optionally wrapped) so the resolver can classify failures without inspecting
// driver-specific error types.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store or cache
// - ErrUnavailable: store, cache or upstream temporarily unavailable
// - ErrInvalidState: component misconfigured or used in the wrong state
// - ErrConflict: write collided with an existing record
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
