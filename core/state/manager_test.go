package state

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"

	"algobounty/native/bounty"
	"algobounty/storage"
)

func newTestPrincipal(fill byte) bounty.Principal {
	var p bounty.Principal
	copy(p[:], bytes.Repeat([]byte{fill}, len(p)))
	return p
}

func backends(t *testing.T) map[string]storage.Database {
	t.Helper()
	level, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(level.Close)
	return map[string]storage.Database{
		"memdb":   storage.NewMemDB(),
		"leveldb": level,
	}
}

func TestStorageKeyLayout(t *testing.T) {
	if got := string(BountyKey("o/r#1")); got != "b:o/r#1" {
		t.Fatalf("unexpected bounty key %q", got)
	}
	if string(LedgerAdminKey()) != "g:admin" || string(LedgerLockedKey()) != "g:total_locked" {
		t.Fatalf("unexpected global keys")
	}
	if len(BountyKey(string(bytes.Repeat([]byte("x"), bounty.MaxKeyLength)))) != 64 {
		t.Fatalf("max-length key must fit 64 bytes")
	}
}

func TestManagerRoundTrip(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mgr := NewManager(db)
			if _, ok, err := mgr.LedgerMeta(); err != nil || ok {
				t.Fatalf("expected empty ledger, ok=%v err=%v", ok, err)
			}
			admin := newTestPrincipal(0x11)
			claimer := newTestPrincipal(0x22)
			record := &bounty.BountyRecord{
				Key:               "owner/repo#7",
				TotalFunded:       9_000,
				TotalClaimed:      0,
				IsClosed:          true,
				AuthorizedClaimer: claimer,
			}
			err := mgr.Commit(&bounty.Changes{
				Meta:   &bounty.LedgerMeta{Admin: admin, TotalLocked: 9_000},
				Bounty: record,
			})
			if err != nil {
				t.Fatalf("commit: %v", err)
			}

			meta, ok, err := mgr.LedgerMeta()
			if err != nil || !ok {
				t.Fatalf("load meta: ok=%v err=%v", ok, err)
			}
			if meta.Admin != admin || meta.TotalLocked != 9_000 {
				t.Fatalf("unexpected meta %+v", meta)
			}
			loaded, ok, err := mgr.BountyGet("owner/repo#7")
			if err != nil || !ok {
				t.Fatalf("load bounty: ok=%v err=%v", ok, err)
			}
			if *loaded != *record {
				t.Fatalf("record mismatch: %+v != %+v", loaded, record)
			}
			if _, ok, err := mgr.BountyGet("owner/repo#8"); err != nil || ok {
				t.Fatalf("expected missing record, ok=%v err=%v", ok, err)
			}
			version, ok, err := mgr.StateVersion()
			if err != nil || !ok || version != StateVersion {
				t.Fatalf("unexpected version %d ok=%v err=%v", version, ok, err)
			}
		})
	}
}

func TestManagerIterateInKeyOrder(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			mgr := NewManager(db)
			for _, key := range []string{"z/z#1", "a/a#1", "m/m#1"} {
				if err := mgr.Commit(&bounty.Changes{Bounty: &bounty.BountyRecord{Key: key, TotalFunded: 1}}); err != nil {
					t.Fatalf("commit %s: %v", key, err)
				}
			}
			if err := mgr.Commit(&bounty.Changes{Meta: &bounty.LedgerMeta{Admin: newTestPrincipal(1)}}); err != nil {
				t.Fatalf("commit meta: %v", err)
			}
			var keys []string
			if err := mgr.BountyIterate(func(record *bounty.BountyRecord) bool {
				keys = append(keys, record.Key)
				return true
			}); err != nil {
				t.Fatalf("iterate: %v", err)
			}
			if len(keys) != 3 || keys[0] != "a/a#1" || keys[1] != "m/m#1" || keys[2] != "z/z#1" {
				t.Fatalf("unexpected iteration order %v", keys)
			}
		})
	}
}

func TestManagerIterateReportsCorruptRecord(t *testing.T) {
	db := storage.NewMemDB()
	if err := db.Put(BountyKey("bad/record#1"), []byte{0xff, 0x00}); err != nil {
		t.Fatalf("put: %v", err)
	}
	err := NewManager(db).BountyIterate(func(*bounty.BountyRecord) bool { return true })
	if err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestCommitRejectsInvalidKey(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	err := mgr.Commit(&bounty.Changes{Bounty: &bounty.BountyRecord{Key: "", TotalFunded: 1}})
	if !errors.Is(err, bounty.ErrKeyRequired) {
		t.Fatalf("expected key required, got %v", err)
	}
}

func TestEnsureStateVersion(t *testing.T) {
	db := storage.NewMemDB()
	if err := EnsureStateVersion(db); err != nil {
		t.Fatalf("fresh database: %v", err)
	}
	encoded, err := rlp.EncodeToBytes(uint64(StateVersion + 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := db.Put(stateVersionKey, encoded); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := EnsureStateVersion(db); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
}

func TestEngineOverPersistentState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger")
	db, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	admin := newTestPrincipal(0x01)
	funder := newTestPrincipal(0x02)
	claimer := newTestPrincipal(0x03)
	holding := newTestPrincipal(0xEE)
	const key = "algorand/indexer#9"

	engine := bounty.NewEngine()
	engine.SetState(NewManager(db))
	engine.SetHoldingAddress(holding)
	if err := engine.Initialize(admin); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.FundBounty(funder, key, bounty.Payment{Amount: 4_000_000, Sender: funder, Receiver: holding}); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := engine.MarkIssueClosed(admin, key, claimer); err != nil {
		t.Fatalf("close: %v", err)
	}
	db.Close()

	reopened, err := storage.NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer reopened.Close()
	var paid uint64
	engine = bounty.NewEngine()
	engine.SetState(NewManager(reopened))
	engine.SetHoldingAddress(holding)
	engine.SetPayer(bounty.PayerFunc(func(_ context.Context, recipient bounty.Principal, amount uint64, _ string) (string, error) {
		if recipient != claimer {
			t.Fatalf("unexpected recipient %v", recipient)
		}
		paid += amount
		return "tx-1", nil
	}))
	amount, err := engine.ClaimBounty(context.Background(), key, claimer)
	if err != nil {
		t.Fatalf("claim after reopen: %v", err)
	}
	if amount != 4_000_000 || paid != 4_000_000 {
		t.Fatalf("unexpected payout amount=%d paid=%d", amount, paid)
	}
	locked, err := engine.TotalLocked()
	if err != nil || locked != 0 {
		t.Fatalf("expected zero locked, got %d err=%v", locked, err)
	}
	report, err := engine.Audit()
	if err != nil || !report.Healthy() {
		t.Fatalf("audit failed: %+v err=%v", report, err)
	}
}
