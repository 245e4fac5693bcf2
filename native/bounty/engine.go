package bounty

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"algobounty/core/events"
)

type engineState interface {
	BountyGet(key string) (*BountyRecord, bool, error)
	BountyIterate(fn func(record *BountyRecord) bool) error
	LedgerMeta() (*LedgerMeta, bool, error)
	Commit(changes *Changes) error
}

// Changes is the set of writes produced by one ledger operation. The state
// backend must apply all of them or none.
type Changes struct {
	Meta   *LedgerMeta
	Bounty *BountyRecord
}

// Payer is the outbound payment channel used to release a claimed balance. It
// returns the channel's reference for the submitted transfer.
type Payer interface {
	Pay(ctx context.Context, recipient Principal, amount uint64, memo string) (string, error)
}

// PayerFunc adapts a function to the Payer interface.
type PayerFunc func(ctx context.Context, recipient Principal, amount uint64, memo string) (string, error)

// Pay implements Payer.
func (f PayerFunc) Pay(ctx context.Context, recipient Principal, amount uint64, memo string) (string, error) {
	return f(ctx, recipient, amount, memo)
}

// Observer receives operation outcomes, typically a metrics registry.
type Observer interface {
	ObserveOperation(op string, err error)
	ObserveFunded(amount uint64)
	ObserveClaimed(amount uint64)
	SetLocked(total uint64)
}

// Engine is the escrow ledger. Every operation runs under a single mutex so
// calls are applied one at a time in a total order; the outbound transfer of
// a claim happens inside that critical section.
type Engine struct {
	mu sync.Mutex

	state    engineState
	emitter  events.Emitter
	payer    Payer
	holding  Principal
	observer Observer

	rejectFundingAfterClose bool
	requireAssignedClaimer  bool

	// keys whose payout was submitted but whose commit failed; claims on
	// them stay blocked until an operator reconciles the ledger.
	pendingPayouts map[string]string
}

// EngineOption customises engine policy.
type EngineOption func(*Engine)

// WithRejectFundingAfterClose makes FundBounty fail for closed bounties.
// Off by default: funding is permissionless regardless of closed state.
func WithRejectFundingAfterClose(reject bool) EngineOption {
	return func(e *Engine) { e.rejectFundingAfterClose = reject }
}

// WithRequireAssignedClaimer makes ClaimBounty fail when no claimer was ever
// assigned. Off by default: an unassigned bounty may be claimed by anyone.
func WithRequireAssignedClaimer(require bool) EngineOption {
	return func(e *Engine) { e.requireAssignedClaimer = require }
}

// WithObserver attaches an operation observer.
func WithObserver(observer Observer) EngineOption {
	return func(e *Engine) { e.observer = observer }
}

// NewEngine creates a ledger engine with a no-op emitter. State, payer and
// holding address must be configured before use.
func NewEngine(opts ...EngineOption) *Engine {
	engine := &Engine{
		emitter:        events.NoopEmitter{},
		pendingPayouts: make(map[string]string),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetPayer configures the outbound payment channel.
func (e *Engine) SetPayer(payer Payer) { e.payer = payer }

// SetHoldingAddress configures the account that incoming payments must target.
func (e *Engine) SetHoldingAddress(addr Principal) { e.holding = addr }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// HoldingAddress returns the configured holding account.
func (e *Engine) HoldingAddress() Principal { return e.holding }

func (e *Engine) emit(evt events.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) observe(op string, err error) {
	if e.observer != nil {
		e.observer.ObserveOperation(op, err)
	}
}

func (e *Engine) loadMeta() (*LedgerMeta, error) {
	if e.state == nil {
		return nil, errNilState
	}
	meta, ok, err := e.state.LedgerMeta()
	if err != nil {
		return nil, fmt.Errorf("bounty engine: load ledger meta: %w", err)
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return meta, nil
}

func (e *Engine) readRecord(key string) (*BountyRecord, error) {
	if e.state == nil {
		return nil, errNilState
	}
	record, ok, err := e.state.BountyGet(key)
	if err != nil {
		return nil, fmt.Errorf("bounty engine: load %q: %w", key, err)
	}
	if !ok || record == nil {
		return &BountyRecord{Key: key}, nil
	}
	record = record.Clone()
	record.Key = key
	return record, nil
}

func (e *Engine) readExistingRecord(key string) (*BountyRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	record, err := e.readRecord(key)
	if err != nil {
		return nil, err
	}
	if !record.Funded() {
		return nil, ErrBountyNotFunded
	}
	return record, nil
}

func (e *Engine) requireAdmin(caller Principal) (*LedgerMeta, error) {
	meta, err := e.loadMeta()
	if err != nil {
		return nil, err
	}
	if caller != meta.Admin {
		return nil, ErrAdminRequired
	}
	return meta, nil
}

// Initialize sets the caller as administrator and zeroes the locked counter.
// It can run exactly once per ledger.
func (e *Engine) Initialize(caller Principal) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("initialize", err) }()

	if e.state == nil {
		return errNilState
	}
	if caller.IsZero() {
		return ErrAdminAddressMissing
	}
	_, ok, err := e.state.LedgerMeta()
	if err != nil {
		return fmt.Errorf("bounty engine: load ledger meta: %w", err)
	}
	if ok {
		return ErrAlreadyInitialized
	}
	if err := e.state.Commit(&Changes{Meta: &LedgerMeta{Admin: caller}}); err != nil {
		return fmt.Errorf("bounty engine: commit initialize: %w", err)
	}
	e.emit(events.LedgerInitialized{Admin: caller})
	return nil
}

// UpdateAdmin replaces the administrator. Only the current admin may call it.
func (e *Engine) UpdateAdmin(caller, newAdmin Principal) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("update_admin", err) }()

	meta, err := e.requireAdmin(caller)
	if err != nil {
		return err
	}
	if newAdmin.IsZero() {
		return ErrAdminAddressMissing
	}
	updated := *meta
	updated.Admin = newAdmin
	if err := e.state.Commit(&Changes{Meta: &updated}); err != nil {
		return fmt.Errorf("bounty engine: commit admin update: %w", err)
	}
	e.emit(events.AdminUpdated{Previous: meta.Admin, Admin: newAdmin})
	return nil
}

// FundBounty credits a verified incoming payment to the bounty key. Funding
// is permissionless; the record is created on first contribution.
func (e *Engine) FundBounty(caller Principal, key string, payment Payment) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("fund", err) }()

	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := e.verifyPayment(caller, payment); err != nil {
		return err
	}
	meta, err := e.loadMeta()
	if err != nil {
		return err
	}
	record, err := e.readRecord(key)
	if err != nil {
		return err
	}
	if e.rejectFundingAfterClose && record.IsClosed {
		return ErrBountyClosed
	}

	funded, carry := bits.Add64(record.TotalFunded, payment.Amount, 0)
	if carry != 0 {
		return ErrAmountOverflow
	}
	locked, carry := bits.Add64(meta.TotalLocked, payment.Amount, 0)
	if carry != 0 {
		return ErrAmountOverflow
	}
	record.TotalFunded = funded
	updatedMeta := *meta
	updatedMeta.TotalLocked = locked

	if err := e.state.Commit(&Changes{Meta: &updatedMeta, Bounty: record}); err != nil {
		return fmt.Errorf("bounty engine: commit funding: %w", err)
	}
	if e.observer != nil {
		e.observer.ObserveFunded(payment.Amount)
		e.observer.SetLocked(locked)
	}
	e.emit(events.BountyFunded{
		Key:         key,
		Funder:      payment.Sender,
		Amount:      payment.Amount,
		TotalFunded: funded,
		Reference:   payment.Reference,
	})
	return nil
}

func (e *Engine) verifyPayment(caller Principal, payment Payment) error {
	if payment.Amount == 0 {
		return ErrAmountNotPositive
	}
	if e.holding.IsZero() {
		return errNilHolding
	}
	if payment.Receiver != e.holding {
		return ErrPaymentTarget
	}
	if payment.Sender != caller {
		return ErrSenderMismatch
	}
	return nil
}

// MarkIssueClosed closes a funded bounty. A non-zero claimer replaces the
// authorized claimer; a zero claimer leaves the current assignment untouched.
func (e *Engine) MarkIssueClosed(caller Principal, key string, claimer Principal) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("close", err) }()

	if _, err := e.requireAdmin(caller); err != nil {
		return err
	}
	record, err := e.readExistingRecord(key)
	if err != nil {
		return err
	}
	record.IsClosed = true
	if !claimer.IsZero() {
		record.AuthorizedClaimer = claimer
	}
	if err := e.state.Commit(&Changes{Bounty: record}); err != nil {
		return fmt.Errorf("bounty engine: commit close: %w", err)
	}
	e.emit(events.BountyClosed{Key: key, Claimer: record.AuthorizedClaimer})
	return nil
}

// AssignClaimer sets the authorized claimer of a funded bounty regardless of
// its closed state.
func (e *Engine) AssignClaimer(caller Principal, key string, claimer Principal) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("assign_claimer", err) }()

	if _, err := e.requireAdmin(caller); err != nil {
		return err
	}
	record, err := e.readExistingRecord(key)
	if err != nil {
		return err
	}
	record.AuthorizedClaimer = claimer
	if err := e.state.Commit(&Changes{Bounty: record}); err != nil {
		return fmt.Errorf("bounty engine: commit claimer assignment: %w", err)
	}
	e.emit(events.ClaimerAssigned{Key: key, Claimer: claimer})
	return nil
}

// ClaimBounty releases the full unclaimed balance of a closed bounty to
// recipient. The outbound transfer is submitted first; state is committed
// only once the payer accepted it.
func (e *Engine) ClaimBounty(ctx context.Context, key string, recipient Principal) (amount uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() { e.observe("claim", err) }()

	record, err := e.readExistingRecord(key)
	if err != nil {
		return 0, err
	}
	if !record.IsClosed {
		return 0, ErrBountyStillOpen
	}
	if record.IsClaimed {
		return 0, ErrAlreadyClaimed
	}
	if _, pending := e.pendingPayouts[key]; pending {
		return 0, ErrPayoutPending
	}
	if err := e.ensureClaimAuthorization(record, recipient); err != nil {
		return 0, err
	}
	remaining := record.Remaining()
	if remaining == 0 {
		return 0, ErrNothingToClaim
	}
	meta, err := e.loadMeta()
	if err != nil {
		return 0, err
	}
	if meta.TotalLocked < remaining {
		return 0, fmt.Errorf("bounty engine: locked total %d below claim %d", meta.TotalLocked, remaining)
	}
	if e.payer == nil {
		return 0, errNilPayer
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ref, err := e.payer.Pay(ctx, recipient, remaining, key)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}

	record.TotalClaimed += remaining
	record.IsClaimed = true
	updatedMeta := *meta
	updatedMeta.TotalLocked -= remaining
	if err := e.state.Commit(&Changes{Meta: &updatedMeta, Bounty: record}); err != nil {
		e.pendingPayouts[key] = ref
		return 0, fmt.Errorf("bounty engine: payout %s submitted but commit failed: %w", ref, err)
	}
	if e.observer != nil {
		e.observer.ObserveClaimed(remaining)
		e.observer.SetLocked(updatedMeta.TotalLocked)
	}
	e.emit(events.BountyClaimed{Key: key, Recipient: recipient, Amount: remaining, PayoutRef: ref})
	return remaining, nil
}

func (e *Engine) ensureClaimAuthorization(record *BountyRecord, recipient Principal) error {
	if !record.AuthorizedClaimer.IsZero() {
		if record.AuthorizedClaimer != recipient {
			return ErrRecipientNotAllowed
		}
		return nil
	}
	if e.requireAssignedClaimer {
		return ErrClaimerNotAssigned
	}
	return nil
}

// PendingPayouts lists keys whose payout reference was submitted without a
// matching state commit, mapped to that reference.
func (e *Engine) PendingPayouts() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.pendingPayouts))
	for k, v := range e.pendingPayouts {
		out[k] = v
	}
	return out
}

// IsLedgerError reports whether err is a classified ledger rejection rather
// than an infrastructure failure.
func IsLedgerError(err error) bool {
	var classified *Error
	return errors.As(err, &classified)
}
