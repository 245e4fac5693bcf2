package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"algobounty/native/bounty"
	"algobounty/storage"
)

// Manager persists the bounty ledger in a key-value database. Values are RLP
// encoded; every ledger commit is written through a single batch.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

type storedBounty struct {
	Key               string
	TotalFunded       uint64
	TotalClaimed      uint64
	IsClosed          bool
	IsClaimed         bool
	AuthorizedClaimer [20]byte
}

func newStoredBounty(record *bounty.BountyRecord) *storedBounty {
	return &storedBounty{
		Key:               record.Key,
		TotalFunded:       record.TotalFunded,
		TotalClaimed:      record.TotalClaimed,
		IsClosed:          record.IsClosed,
		IsClaimed:         record.IsClaimed,
		AuthorizedClaimer: record.AuthorizedClaimer,
	}
}

func (s *storedBounty) toRecord() *bounty.BountyRecord {
	return &bounty.BountyRecord{
		Key:               s.Key,
		TotalFunded:       s.TotalFunded,
		TotalClaimed:      s.TotalClaimed,
		IsClosed:          s.IsClosed,
		IsClaimed:         s.IsClaimed,
		AuthorizedClaimer: bounty.Principal(s.AuthorizedClaimer),
	}
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return true, nil
}

// BountyGet loads the record stored for key.
func (m *Manager) BountyGet(key string) (*bounty.BountyRecord, bool, error) {
	var stored storedBounty
	ok, err := m.KVGet(BountyKey(key), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toRecord(), true, nil
}

// BountyIterate visits every stored record in key order.
func (m *Manager) BountyIterate(fn func(record *bounty.BountyRecord) bool) error {
	var decodeErr error
	err := m.db.Iterate(bountyPrefix, func(key, value []byte) bool {
		var stored storedBounty
		if err := rlp.DecodeBytes(value, &stored); err != nil {
			decodeErr = fmt.Errorf("state: decode bounty %q: %w", key, err)
			return false
		}
		return fn(stored.toRecord())
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// LedgerMeta loads the administrator and locked counter. The ledger counts as
// initialized once an administrator has been stored.
func (m *Manager) LedgerMeta() (*bounty.LedgerMeta, bool, error) {
	var admin [20]byte
	ok, err := m.KVGet(ledgerAdminKey, &admin)
	if err != nil || !ok {
		return nil, false, err
	}
	var locked uint64
	if _, err := m.KVGet(ledgerLockedKey, &locked); err != nil {
		return nil, false, err
	}
	return &bounty.LedgerMeta{Admin: bounty.Principal(admin), TotalLocked: locked}, true, nil
}

// Commit applies the changes of one ledger operation atomically.
func (m *Manager) Commit(changes *bounty.Changes) error {
	if changes == nil {
		return nil
	}
	batch := m.db.NewBatch()
	if changes.Meta != nil {
		admin := [20]byte(changes.Meta.Admin)
		if err := putRLP(batch, ledgerAdminKey, admin); err != nil {
			return err
		}
		if err := putRLP(batch, ledgerLockedKey, changes.Meta.TotalLocked); err != nil {
			return err
		}
		if err := putRLP(batch, stateVersionKey, uint64(StateVersion)); err != nil {
			return err
		}
	}
	if changes.Bounty != nil {
		if err := bounty.ValidateKey(changes.Bounty.Key); err != nil {
			return err
		}
		if err := putRLP(batch, BountyKey(changes.Bounty.Key), newStoredBounty(changes.Bounty)); err != nil {
			return err
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

func putRLP(batch storage.Batch, key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	batch.Put(key, encoded)
	return nil
}
