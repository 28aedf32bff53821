package concurrency

import "time"

// FunctionConcurrencySnapshot is the persisted concurrency state of a function.
type FunctionConcurrencySnapshot struct {
	Concurrency int `json:"Concurrency"`
}

// HostConcurrencySnapshot is the persisted concurrency state of a host. The JSON
// representation is the contract between versions, field names must not change.
type HostConcurrencySnapshot struct {
	NumberOfCores     int                                    `json:"NumberOfCores"`
	Timestamp         time.Time                              `json:"Timestamp"`
	FunctionSnapshots map[string]FunctionConcurrencySnapshot `json:"FunctionSnapshots"`
}

// Copy returns a deep copy of the snapshot.
func (h HostConcurrencySnapshot) Copy() HostConcurrencySnapshot {
	fs := make(map[string]FunctionConcurrencySnapshot, len(h.FunctionSnapshots))
	for id, s := range h.FunctionSnapshots {
		fs[id] = s
	}

	h.FunctionSnapshots = fs
	return h
}

// EqualFunctions returns true if both snapshots have the same functions
// with the same concurrency, host metadata is ignored.
func (h HostConcurrencySnapshot) EqualFunctions(other HostConcurrencySnapshot) bool {
	if len(h.FunctionSnapshots) != len(other.FunctionSnapshots) {
		return false
	}

	for id, s := range h.FunctionSnapshots {
		os, ok := other.FunctionSnapshots[id]
		if !ok || os != s {
			return false
		}
	}

	return true
}
