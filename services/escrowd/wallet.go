package escrowd

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"algobounty/native/bounty"
)

// Wallet captures what escrowd requires from the treasury hot wallet that
// releases claimed balances.
type Wallet interface {
	Transfer(ctx context.Context, key, destination string, amount uint64) (string, error)
}

// FuncWallet adapts a callback to the Wallet interface.
type FuncWallet struct {
	TransferFunc func(ctx context.Context, key, destination string, amount uint64) (string, error)
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, key, destination string, amount uint64) (string, error) {
	if w.TransferFunc == nil {
		return "", fmt.Errorf("treasury wallet not configured")
	}
	return w.TransferFunc(ctx, key, destination, amount)
}

// JournalWallet durably queues payouts in sqlite for an external signer. The
// journal row is the transfer: once it is written the payout counts as
// submitted.
type JournalWallet struct {
	store *SQLiteStore
}

func NewJournalWallet(store *SQLiteStore) *JournalWallet {
	return &JournalWallet{store: store}
}

// Transfer implements Wallet.
func (w *JournalWallet) Transfer(ctx context.Context, key, destination string, amount uint64) (string, error) {
	reference := uuid.NewString()
	err := w.store.InsertPayout(ctx, PayoutRecord{
		Reference: reference,
		Key:       key,
		Recipient: destination,
		Amount:    amount,
		Status:    PayoutSubmitted,
		CreatedAt: w.store.now(),
	})
	if err != nil {
		return "", fmt.Errorf("journal payout: %w", err)
	}
	return reference, nil
}

// walletPayer exposes a Wallet as the engine's outbound payment channel.
type walletPayer struct {
	wallet Wallet
}

func (p walletPayer) Pay(ctx context.Context, recipient bounty.Principal, amount uint64, memo string) (string, error) {
	return p.wallet.Transfer(ctx, memo, recipient.String(), amount)
}
