package state

import (
	"errors"
	"fmt"
	"math"

	"algobounty/storage"
)

// StateVersion identifies the expected on-disk schema layout. Increment it
// whenever the stored record encoding changes.
const StateVersion uint32 = 1

// ErrStateVersionMismatch indicates the stored schema version does not match
// the version supported by the current binary.
var ErrStateVersionMismatch = errors.New("state: schema version mismatch")

// StateVersion returns the stored schema version and whether it was present.
func (m *Manager) StateVersion() (uint32, bool, error) {
	if m == nil {
		return 0, false, fmt.Errorf("state: manager unavailable")
	}
	var stored uint64
	ok, err := m.KVGet(stateVersionKey, &stored)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if stored > uint64(math.MaxUint32) {
		return 0, false, fmt.Errorf("state: schema version overflow: %d", stored)
	}
	return uint32(stored), true, nil
}

// EnsureStateVersion verifies that an existing database was written by a
// compatible binary. A fresh database passes.
func EnsureStateVersion(db storage.Database) error {
	if db == nil {
		return fmt.Errorf("state: database must not be nil")
	}
	version, ok, err := NewManager(db).StateVersion()
	if err != nil {
		return err
	}
	if !ok || version == StateVersion {
		return nil
	}
	return fmt.Errorf("%w: on-disk=%d expected=%d", ErrStateVersionMismatch, version, StateVersion)
}
