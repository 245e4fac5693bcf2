package state

var (
	bountyPrefix    = []byte("b:")
	ledgerAdminKey  = []byte("g:admin")
	ledgerLockedKey = []byte("g:total_locked")
	stateVersionKey = []byte("g:version")
)

// BountyKey returns the storage key holding the record for a bounty key.
func BountyKey(key string) []byte {
	buf := make([]byte, 0, len(bountyPrefix)+len(key))
	buf = append(buf, bountyPrefix...)
	return append(buf, key...)
}

// BountyPrefix returns the prefix shared by every bounty record key.
func BountyPrefix() []byte { return append([]byte(nil), bountyPrefix...) }

// LedgerAdminKey returns the storage key of the administrator principal.
func LedgerAdminKey() []byte { return append([]byte(nil), ledgerAdminKey...) }

// LedgerLockedKey returns the storage key of the locked balance counter.
func LedgerLockedKey() []byte { return append([]byte(nil), ledgerLockedKey...) }
