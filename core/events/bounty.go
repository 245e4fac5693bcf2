package events

import (
	"strconv"

	"algobounty/core/types"
	"algobounty/crypto"
)

const (
	TypeLedgerInitialized = "ledger_initialized"
	TypeAdminUpdated      = "admin_updated"
	TypeBountyFunded      = "bounty_funded"
	TypeBountyClosed      = "bounty_closed"
	TypeClaimerAssigned   = "claimer_assigned"
	TypeBountyClaimed     = "bounty_claimed"
)

type LedgerInitialized struct {
	Admin [20]byte
}

func (LedgerInitialized) EventType() string { return TypeLedgerInitialized }

func (e LedgerInitialized) Event() *types.Event {
	return &types.Event{
		Type:       TypeLedgerInitialized,
		Attributes: map[string]string{"admin": formatPrincipal(e.Admin)},
	}
}

type AdminUpdated struct {
	Previous [20]byte
	Admin    [20]byte
}

func (AdminUpdated) EventType() string { return TypeAdminUpdated }

func (e AdminUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeAdminUpdated,
		Attributes: map[string]string{
			"previous": formatPrincipal(e.Previous),
			"admin":    formatPrincipal(e.Admin),
		},
	}
}

// BountyFunded is emitted for every accepted contribution. TotalFunded is the
// record's running total after the contribution was applied.
type BountyFunded struct {
	Key         string
	Funder      [20]byte
	Amount      uint64
	TotalFunded uint64
	Reference   string
}

func (BountyFunded) EventType() string { return TypeBountyFunded }

func (e BountyFunded) Event() *types.Event {
	attrs := map[string]string{
		"key":         e.Key,
		"funder":      formatPrincipal(e.Funder),
		"amount":      strconv.FormatUint(e.Amount, 10),
		"totalFunded": strconv.FormatUint(e.TotalFunded, 10),
	}
	if e.Reference != "" {
		attrs["reference"] = e.Reference
	}
	return &types.Event{Type: TypeBountyFunded, Attributes: attrs}
}

type BountyClosed struct {
	Key     string
	Claimer [20]byte
}

func (BountyClosed) EventType() string { return TypeBountyClosed }

func (e BountyClosed) Event() *types.Event {
	attrs := map[string]string{"key": e.Key}
	if e.Claimer != ([20]byte{}) {
		attrs["claimer"] = formatPrincipal(e.Claimer)
	}
	return &types.Event{Type: TypeBountyClosed, Attributes: attrs}
}

type ClaimerAssigned struct {
	Key     string
	Claimer [20]byte
}

func (ClaimerAssigned) EventType() string { return TypeClaimerAssigned }

func (e ClaimerAssigned) Event() *types.Event {
	return &types.Event{
		Type: TypeClaimerAssigned,
		Attributes: map[string]string{
			"key":     e.Key,
			"claimer": formatPrincipal(e.Claimer),
		},
	}
}

type BountyClaimed struct {
	Key       string
	Recipient [20]byte
	Amount    uint64
	PayoutRef string
}

func (BountyClaimed) EventType() string { return TypeBountyClaimed }

func (e BountyClaimed) Event() *types.Event {
	attrs := map[string]string{
		"key":       e.Key,
		"recipient": formatPrincipal(e.Recipient),
		"amount":    strconv.FormatUint(e.Amount, 10),
	}
	if e.PayoutRef != "" {
		attrs["payoutRef"] = e.PayoutRef
	}
	return &types.Event{Type: TypeBountyClaimed, Attributes: attrs}
}

func formatPrincipal(addr [20]byte) string {
	return crypto.NewAddress(crypto.BountyPrefix, addr[:]).String()
}
