package hpm

import "context"

// PropRID is the registry property identifying the controller instance.
// Only the primary instance (RID 0) accepts the DFU procedure.
const PropRID = "RID"

// Candidate is one registry entry that may host a controller.
type Candidate interface {
	// Path is the registry path used in diagnostics.
	Path() string
	// Property returns an integer registry property.
	Property(name string) (int64, bool)
	// Bind negotiates a live transport with the instance. The returned
	// transport is owned by the caller and outlives the candidate.
	Bind() (Transport, error)
	// Release frees the registry entry. It does not close transports
	// returned by Bind.
	Release() error
}

// Registry enumerates controller candidates.
type Registry interface {
	// Enumerate returns the candidates in registry order. The caller must
	// Release every candidate.
	Enumerate(ctx context.Context) ([]Candidate, error)
}
