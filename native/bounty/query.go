package bounty

import "errors"

// Read-only queries take the engine lock so they never observe a partially
// applied operation. Unknown keys yield zero values rather than errors.

// Snapshot is the full read view of one bounty key.
type Snapshot struct {
	Key               string    `json:"key"`
	TotalFunded       uint64    `json:"totalFunded"`
	TotalClaimed      uint64    `json:"totalClaimed"`
	Remaining         uint64    `json:"remaining"`
	IsClosed          bool      `json:"isClosed"`
	IsClaimed         bool      `json:"isClaimed"`
	AuthorizedClaimer Principal `json:"authorizedClaimer"`
	Status            Status    `json:"status"`
}

func (e *Engine) lookup(key string) (*BountyRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return e.readRecord(key)
}

// GetBounty returns the snapshot for key.
func (e *Engine) GetBounty(key string) (Snapshot, error) {
	record, err := e.lookup(key)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Key:               key,
		TotalFunded:       record.TotalFunded,
		TotalClaimed:      record.TotalClaimed,
		Remaining:         record.Remaining(),
		IsClosed:          record.IsClosed,
		IsClaimed:         record.IsClaimed,
		AuthorizedClaimer: record.AuthorizedClaimer,
		Status:            record.Status(),
	}, nil
}

// GetTotalFunded returns the cumulative funding recorded for key.
func (e *Engine) GetTotalFunded(key string) (uint64, error) {
	record, err := e.lookup(key)
	if err != nil {
		return 0, err
	}
	return record.TotalFunded, nil
}

// GetTotalClaimed returns the amount already paid out for key.
func (e *Engine) GetTotalClaimed(key string) (uint64, error) {
	record, err := e.lookup(key)
	if err != nil {
		return 0, err
	}
	return record.TotalClaimed, nil
}

// IsBountyClosed reports whether the admin has closed key.
func (e *Engine) IsBountyClosed(key string) (bool, error) {
	record, err := e.lookup(key)
	if err != nil {
		return false, err
	}
	return record.IsClosed, nil
}

// IsBountyClaimed reports whether key has been paid out.
func (e *Engine) IsBountyClaimed(key string) (bool, error) {
	record, err := e.lookup(key)
	if err != nil {
		return false, err
	}
	return record.IsClaimed, nil
}

// GetAuthorizedClaimer returns the assigned claimer, ZeroPrincipal when none.
func (e *Engine) GetAuthorizedClaimer(key string) (Principal, error) {
	record, err := e.lookup(key)
	if err != nil {
		return ZeroPrincipal, err
	}
	return record.AuthorizedClaimer, nil
}

// Admin returns the current administrator and whether the ledger has been
// initialized.
func (e *Engine) Admin() (Principal, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta, err := e.loadMeta()
	if errors.Is(err, ErrNotInitialized) {
		return ZeroPrincipal, false, nil
	}
	if err != nil {
		return ZeroPrincipal, false, err
	}
	return meta.Admin, true, nil
}

// TotalLocked returns the funded-but-unclaimed balance across every bounty.
func (e *Engine) TotalLocked() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	meta, err := e.loadMeta()
	if errors.Is(err, ErrNotInitialized) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return meta.TotalLocked, nil
}
