package bounty

import (
	"fmt"

	"github.com/holiman/uint256"
)

// AuditReport summarizes a reconciliation pass over every stored record.
type AuditReport struct {
	Bounties     int      `json:"bounties"`
	TotalFunded  string   `json:"totalFunded"`
	TotalClaimed string   `json:"totalClaimed"`
	SumUnclaimed string   `json:"sumUnclaimed"`
	TotalLocked  uint64   `json:"totalLocked"`
	Pending      []string `json:"pendingPayouts,omitempty"`
	Violations   []string `json:"violations,omitempty"`
}

// Healthy reports whether the pass found no violations.
func (r *AuditReport) Healthy() bool { return r != nil && len(r.Violations) == 0 }

// Audit walks all bounty records and checks the ledger invariants: claimed
// never exceeds funded, a claimed bounty is closed, and the sum of unclaimed
// balances equals the locked counter. Sums are accumulated in 256 bits so an
// inconsistent store cannot hide behind uint64 wraparound.
func (e *Engine) Audit() (*AuditReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == nil {
		return nil, errNilState
	}
	report := &AuditReport{}
	var locked uint64
	meta, ok, err := e.state.LedgerMeta()
	if err != nil {
		return nil, fmt.Errorf("bounty engine: load ledger meta: %w", err)
	}
	if ok {
		locked = meta.TotalLocked
	}
	report.TotalLocked = locked

	funded := new(uint256.Int)
	claimed := new(uint256.Int)
	unclaimed := new(uint256.Int)
	err = e.state.BountyIterate(func(record *BountyRecord) bool {
		report.Bounties++
		funded.Add(funded, uint256.NewInt(record.TotalFunded))
		claimed.Add(claimed, uint256.NewInt(record.TotalClaimed))
		if record.TotalClaimed > record.TotalFunded {
			report.Violations = append(report.Violations,
				fmt.Sprintf("%s: claimed %d exceeds funded %d", record.Key, record.TotalClaimed, record.TotalFunded))
		} else {
			unclaimed.Add(unclaimed, uint256.NewInt(record.TotalFunded-record.TotalClaimed))
		}
		if record.IsClaimed && !record.IsClosed {
			report.Violations = append(report.Violations, fmt.Sprintf("%s: claimed while open", record.Key))
		}
		if !record.Funded() {
			report.Violations = append(report.Violations, fmt.Sprintf("%s: stored without funding", record.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("bounty engine: iterate records: %w", err)
	}

	report.TotalFunded = funded.Dec()
	report.TotalClaimed = claimed.Dec()
	report.SumUnclaimed = unclaimed.Dec()
	if !unclaimed.Eq(uint256.NewInt(locked)) {
		report.Violations = append(report.Violations,
			fmt.Sprintf("locked total %d differs from unclaimed sum %s", locked, unclaimed.Dec()))
	}
	for key := range e.pendingPayouts {
		report.Pending = append(report.Pending, key)
	}
	return report, nil
}
