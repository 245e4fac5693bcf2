package escrowd

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"algobounty/native/bounty"
)

// PaymentReceipt is the payment source's attestation of an incoming transfer
// to the holding account.
type PaymentReceipt struct {
	Reference string `json:"reference"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Amount    uint64 `json:"amount"`
	Signature string `json:"signature"`
}

var (
	errReceiptReference = &bounty.Error{Kind: bounty.KindValidation, Message: "receipt reference required"}
	errReceiptSignature = &bounty.Error{Kind: bounty.KindValidation, Message: "receipt signature invalid"}
	errReceiptAddress   = &bounty.Error{Kind: bounty.KindValidation, Message: "receipt address invalid"}
)

func receiptPayload(r PaymentReceipt) string {
	return strings.Join([]string{
		strings.TrimSpace(r.Reference),
		strings.TrimSpace(r.Sender),
		strings.TrimSpace(r.Receiver),
		strconv.FormatUint(r.Amount, 10),
	}, "\n")
}

// SignReceipt computes the hex HMAC-SHA256 signature of a receipt.
func SignReceipt(secret string, receipt PaymentReceipt) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(receiptPayload(receipt)))
	return hex.EncodeToString(mac.Sum(nil))
}

// ReceiptVerifier turns signed receipts into ledger payments. Every reference
// is accepted at most once.
type ReceiptVerifier struct {
	mu     sync.Mutex
	secret []byte
	store  *SQLiteStore
}

func NewReceiptVerifier(secret string, store *SQLiteStore) *ReceiptVerifier {
	return &ReceiptVerifier{secret: []byte(secret), store: store}
}

// Verify checks the signature and decodes the receipt principals.
func (v *ReceiptVerifier) Verify(receipt PaymentReceipt) (bounty.Payment, error) {
	if strings.TrimSpace(receipt.Reference) == "" {
		return bounty.Payment{}, errReceiptReference
	}
	provided, err := hex.DecodeString(strings.TrimSpace(receipt.Signature))
	if err != nil {
		return bounty.Payment{}, errReceiptSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(receiptPayload(receipt)))
	if !hmac.Equal(mac.Sum(nil), provided) {
		return bounty.Payment{}, errReceiptSignature
	}
	sender, err := bounty.ParsePrincipal(receipt.Sender)
	if err != nil {
		return bounty.Payment{}, fmt.Errorf("%w: sender: %v", errReceiptAddress, err)
	}
	receiver, err := bounty.ParsePrincipal(receipt.Receiver)
	if err != nil {
		return bounty.Payment{}, fmt.Errorf("%w: receiver: %v", errReceiptAddress, err)
	}
	return bounty.Payment{
		Amount:    receipt.Amount,
		Sender:    sender,
		Receiver:  receiver,
		Reference: strings.TrimSpace(receipt.Reference),
	}, nil
}

// Apply verifies the receipt, reserves its reference and hands the payment to
// fund. The reservation is dropped again when fund fails so the same payment
// can be retried, and confirmed once fund succeeds.
func (v *ReceiptVerifier) Apply(ctx context.Context, key string, receipt PaymentReceipt, fund func(bounty.Payment) error) error {
	payment, err := v.Verify(receipt)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	fresh, err := v.store.ReserveReceipt(ctx, payment.Reference, key, payment.Sender.String(), payment.Amount)
	if err != nil {
		return fmt.Errorf("reserve receipt: %w", err)
	}
	if !fresh {
		return bounty.ErrPaymentReplayed
	}
	if err := fund(payment); err != nil {
		if releaseErr := v.store.ReleaseReceipt(ctx, payment.Reference); releaseErr != nil {
			return errors.Join(err, fmt.Errorf("release receipt: %w", releaseErr))
		}
		return err
	}
	if err := v.store.ConfirmReceipt(ctx, payment.Reference); err != nil {
		// The funding is committed; ReconcileReceipts confirms it on restart.
		slog.Default().Warn("receipt confirmation failed",
			slog.String("reference", payment.Reference),
			slog.String("key", key),
			slog.Any("error", err))
	}
	return nil
}

// Release frees a receipt left reserved by an interrupted funding so the
// sender can submit it again. Receipts whose funding reached the event log
// are confirmed instead and cannot be released.
func (v *ReceiptVerifier) Release(ctx context.Context, reference string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.store.ReconcileReceipts(ctx); err != nil {
		return fmt.Errorf("reconcile receipts: %w", err)
	}
	return v.store.ReleaseReservedReceipt(ctx, strings.TrimSpace(reference))
}
