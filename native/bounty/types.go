package bounty

import (
	"fmt"
	"strconv"
	"strings"

	"algobounty/crypto"
)

// Principal identifies an account usable as admin, funder, claimer or
// recipient. The zero value means "unassigned".
type Principal [crypto.AddressLength]byte

// ZeroPrincipal is the distinguished "no claimer assigned" value.
var ZeroPrincipal Principal

// IsZero reports whether p is the all-zero principal.
func (p Principal) IsZero() bool { return p == ZeroPrincipal }

// String renders the principal in its bech32 form.
func (p Principal) String() string {
	return crypto.NewAddress(crypto.BountyPrefix, p[:]).String()
}

// MarshalText implements encoding.TextMarshaler. The zero principal renders
// as an empty string.
func (p Principal) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return []byte{}, nil
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*p = ZeroPrincipal
		return nil
	}
	parsed, err := ParsePrincipal(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePrincipal decodes a bech32 or 0x-hex address.
func ParsePrincipal(input string) (Principal, error) {
	raw, err := crypto.ParseAddress(input)
	if err != nil {
		return ZeroPrincipal, err
	}
	return Principal(raw), nil
}

// Status is the lifecycle stage of a bounty key.
type Status uint8

const (
	StatusUnfunded Status = iota
	StatusOpen
	StatusClosed
	StatusClaimed
)

func (s Status) String() string {
	switch s {
	case StatusUnfunded:
		return "unfunded"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts the textual lifecycle stage back into a Status.
func ParseStatus(input string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "unfunded":
		return StatusUnfunded, nil
	case "open":
		return StatusOpen, nil
	case "closed":
		return StatusClosed, nil
	case "claimed":
		return StatusClaimed, nil
	default:
		return StatusUnfunded, fmt.Errorf("unknown bounty status %q", input)
	}
}

// BountyRecord is the per-key escrow ledger entry. A record is only
// considered to exist once TotalFunded > 0.
type BountyRecord struct {
	Key               string
	TotalFunded       uint64
	TotalClaimed      uint64
	IsClosed          bool
	IsClaimed         bool
	AuthorizedClaimer Principal
}

// Clone returns a copy of the record that callers can mutate freely.
func (r *BountyRecord) Clone() *BountyRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Funded reports whether the record has any funding history.
func (r *BountyRecord) Funded() bool { return r != nil && r.TotalFunded > 0 }

// Remaining returns the unclaimed balance held for the record.
func (r *BountyRecord) Remaining() uint64 {
	if r == nil || r.TotalClaimed > r.TotalFunded {
		return 0
	}
	return r.TotalFunded - r.TotalClaimed
}

// Status derives the lifecycle stage from the record flags.
func (r *BountyRecord) Status() Status {
	switch {
	case !r.Funded():
		return StatusUnfunded
	case r.IsClaimed:
		return StatusClaimed
	case r.IsClosed:
		return StatusClosed
	default:
		return StatusOpen
	}
}

// LedgerMeta carries the process-wide ledger state.
type LedgerMeta struct {
	Admin       Principal
	TotalLocked uint64
}

// Payment is an incoming value transfer that the payment source has already
// authenticated. Reference is the source's transfer identifier.
type Payment struct {
	Amount    uint64
	Sender    Principal
	Receiver  Principal
	Reference string
}

// MaxKeyLength bounds bounty keys so that "b:"+key fits a 64 byte storage name.
const MaxKeyLength = 62

// KeyFor builds the conventional "<owner>/<repo>#<issue>" bounty key.
func KeyFor(owner, repo, issue string) string {
	return fmt.Sprintf("%s/%s#%s", strings.TrimSpace(owner), strings.TrimSpace(repo), strings.TrimSpace(issue))
}

// ValidateKey checks that key is usable as an opaque bounty identifier.
func ValidateKey(key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// UnitsPerWhole is the number of indivisible micro-units in one whole unit.
const UnitsPerWhole = 1_000_000

const unitDecimals = 6

// ParseUnits converts a decimal amount of whole units ("1.5") into
// micro-units. Digits beyond the sixth decimal place are truncated.
func ParseUnits(input string) (uint64, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, fmt.Errorf("amount required")
	}
	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if whole == "" && (!hasFrac || frac == "") {
		return 0, fmt.Errorf("invalid amount %q", input)
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (hasFrac && frac != "" && !isDigits(frac)) {
		return 0, fmt.Errorf("invalid amount %q", input)
	}
	if len(frac) > unitDecimals {
		frac = frac[:unitDecimals]
	}
	frac += strings.Repeat("0", unitDecimals-len(frac))

	wholeValue, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", input, err)
	}
	fracValue, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", input, err)
	}
	if wholeValue > (^uint64(0)-fracValue)/UnitsPerWhole {
		return 0, fmt.Errorf("amount %q out of range", input)
	}
	return wholeValue*UnitsPerWhole + fracValue, nil
}

// FormatUnits renders micro-units as a decimal amount of whole units.
func FormatUnits(amount uint64) string {
	whole := amount / UnitsPerWhole
	frac := amount % UnitsPerWhole
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fracStr := fmt.Sprintf("%06d", frac)
	return strconv.FormatUint(whole, 10) + "." + strings.TrimRight(fracStr, "0")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
