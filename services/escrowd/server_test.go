package escrowd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"algobounty/native/bounty"
)

const (
	testAuthSecret    = "auth-secret"
	testPaymentSecret = "pay-secret"
)

var (
	testAdmin   = principal(0x01)
	testHolding = principal(0xAA)
)

func principal(fill byte) bounty.Principal {
	var p bounty.Principal
	for i := range p {
		p[i] = fill
	}
	return p
}

// ledgerWallet is an in-memory payout channel tracking recipient balances.
type ledgerWallet struct {
	mu       sync.Mutex
	err      error
	balances map[string]uint64
	memos    []string
}

func (w *ledgerWallet) Transfer(_ context.Context, key, destination string, amount uint64) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", w.err
	}
	if w.balances == nil {
		w.balances = make(map[string]uint64)
	}
	w.balances[destination] += amount
	w.memos = append(w.memos, key)
	return "wallet-" + key, nil
}

func (w *ledgerWallet) balance(p bounty.Principal) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balances[p.String()]
}

type testEnv struct {
	t       *testing.T
	app     *App
	handler http.Handler
	wallet  *ledgerWallet
	refs    int
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		DataDir:        MemoryStore,
		SQLitePath:     filepath.Join(t.TempDir(), "escrowd.db"),
		HoldingAddress: testHolding.String(),
		AdminAddress:   testAdmin.String(),
		Auth:           AuthConfig{HMACSecret: testAuthSecret},
		Payments:       PaymentsConfig{Secret: testPaymentSecret},
		RateLimit:      RateLimitConfig{RequestsPerMinute: 60_000, Burst: 1_000},
	}
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	wallet := &ledgerWallet{}
	app, err := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithWallet(wallet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return &testEnv{t: t, app: app, handler: app.Server.Handler(), wallet: wallet}
}

func (e *testEnv) token(p bounty.Principal) string {
	e.t.Helper()
	token, err := IssueToken(testAuthSecret, p, "", "", time.Hour, time.Now())
	require.NoError(e.t, err)
	return token
}

func (e *testEnv) do(method, path string, caller *bounty.Principal, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:40000"
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+e.token(*caller))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) fund(path string, funder bounty.Principal, amount uint64) *httptest.ResponseRecorder {
	e.t.Helper()
	e.refs++
	receipt := PaymentReceipt{
		Reference: "tx-" + string(rune('a'+e.refs)),
		Sender:    funder.String(),
		Receiver:  testHolding.String(),
		Amount:    amount,
	}
	receipt.Signature = SignReceipt(testPaymentSecret, receipt)
	return e.do(http.MethodPost, path+"/fund", &funder, fundRequest{Receipt: receipt})
}

func (e *testEnv) snapshot(path string) bounty.Snapshot {
	e.t.Helper()
	rec := e.do(http.MethodGet, path, nil, nil)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	var snap bounty.Snapshot
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func (e *testEnv) ledger() LedgerView {
	e.t.Helper()
	rec := e.do(http.MethodGet, "/v1/ledger", nil, nil)
	require.Equal(e.t, http.StatusOK, rec.Code)
	var view LedgerView
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view
}

func requireAPIError(t *testing.T, rec *httptest.ResponseRecorder, status int, kind, message string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, kind, body.Error.Kind)
	if message != "" {
		require.Equal(t, message, body.Error.Message)
	}
}

const issuePath = "/v1/bounties/a/b/1"

func TestFundCloseClaimLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	funder := principal(0x11)
	claimer := principal(0x22)

	rec := env.fund(issuePath, funder, 2_000_000)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := env.snapshot(issuePath)
	require.Equal(t, "a/b#1", snap.Key)
	require.Equal(t, uint64(2_000_000), snap.TotalFunded)
	require.False(t, snap.IsClosed)
	require.Equal(t, bounty.StatusOpen, snap.Status)
	require.Equal(t, uint64(2_000_000), env.ledger().TotalLocked)

	require.Equal(t, http.StatusOK, env.fund(issuePath, funder, 1_000_000).Code)
	rec = env.do(http.MethodPost, issuePath+"/claim", &claimer, nil)
	requireAPIError(t, rec, http.StatusConflict, "StateError", "bounty still open")
	require.Equal(t, uint64(3_000_000), env.snapshot(issuePath).TotalFunded)

	rec = env.do(http.MethodPost, issuePath+"/close", &testAdmin, claimerRequest{ClaimerAddress: claimer.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, issuePath+"/claim", &claimer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claim ClaimResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claim))
	require.Equal(t, uint64(3_000_000), claim.Amount)
	require.Equal(t, claimer, claim.Recipient)

	snap = env.snapshot(issuePath)
	require.Equal(t, uint64(3_000_000), snap.TotalClaimed)
	require.True(t, snap.IsClaimed)
	require.Equal(t, bounty.StatusClaimed, snap.Status)
	require.Zero(t, env.ledger().TotalLocked)
	require.Equal(t, uint64(3_000_000), env.wallet.balance(claimer))
	require.Equal(t, []string{"a/b#1"}, env.wallet.memos)

	rec = env.do(http.MethodPost, issuePath+"/claim", &claimer, nil)
	requireAPIError(t, rec, http.StatusConflict, "StateError", "bounty already claimed")
}

func TestTwoFundersOpaqueKey(t *testing.T) {
	env := newTestEnv(t, nil)
	path := "/v1/bounty?key=repo%2342"
	claimer := principal(0x33)

	fundPath := func(suffix string) string { return "/v1/bounty/" + suffix + "?key=repo%2342" }
	fundOne := func(funder bounty.Principal, amount uint64) {
		env.refs++
		receipt := PaymentReceipt{Reference: "opaque-" + funder.String(), Sender: funder.String(), Receiver: testHolding.String(), Amount: amount}
		receipt.Signature = SignReceipt(testPaymentSecret, receipt)
		rec := env.do(http.MethodPost, fundPath("fund"), &funder, fundRequest{Receipt: receipt})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	fundOne(principal(0x11), 2_000_000)
	fundOne(principal(0x12), 4_000_000)

	snap := env.snapshot(path)
	require.Equal(t, "repo#42", snap.Key)
	require.Equal(t, uint64(6_000_000), snap.TotalFunded)

	rec := env.do(http.MethodPost, fundPath("close"), &testAdmin, claimerRequest{ClaimerAddress: claimer.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, fundPath("claim"), &claimer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Equal(t, uint64(6_000_000), env.wallet.balance(claimer))
	require.Zero(t, env.ledger().TotalLocked)
}

func TestAssignedClaimerSurvivesCloseWithoutOverride(t *testing.T) {
	env := newTestEnv(t, nil)
	claimer := principal(0x22)
	impostor := principal(0x66)
	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 500).Code)

	rec := env.do(http.MethodPost, issuePath+"/assign", &testAdmin, claimerRequest{ClaimerAddress: claimer.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, issuePath+"/close", &testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, claimer, env.snapshot(issuePath).AuthorizedClaimer)

	rec = env.do(http.MethodPost, issuePath+"/claim", &impostor, nil)
	requireAPIError(t, rec, http.StatusForbidden, "AuthorizationError", "recipient not authorized")

	rec = env.do(http.MethodPost, issuePath+"/claim", &impostor, claimRequest{RecipientAddress: claimer.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint64(500), env.wallet.balance(claimer))
}

func TestAssignWithBlankAddressClearsClaimer(t *testing.T) {
	env := newTestEnv(t, nil)
	claimer := principal(0x22)
	other := principal(0x33)
	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 700).Code)

	rec := env.do(http.MethodPost, issuePath+"/assign", &testAdmin, claimerRequest{ClaimerAddress: claimer.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, claimer, env.snapshot(issuePath).AuthorizedClaimer)

	rec = env.do(http.MethodPost, issuePath+"/assign", &testAdmin, claimerRequest{ClaimerAddress: "  "})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, env.snapshot(issuePath).AuthorizedClaimer.IsZero())

	rec = env.do(http.MethodPost, issuePath+"/close", &testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, issuePath+"/claim", &other, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, uint64(700), env.wallet.balance(other))
}

func TestAdminOnlyRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	outsider := principal(0x77)
	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 500).Code)
	before := env.snapshot(issuePath)

	for _, route := range []struct {
		path string
		body any
	}{
		{issuePath + "/close", nil},
		{issuePath + "/assign", claimerRequest{ClaimerAddress: outsider.String()}},
		{"/v1/ledger/admin", adminRequest{Admin: outsider.String()}},
	} {
		rec := env.do(http.MethodPost, route.path, &outsider, route.body)
		requireAPIError(t, rec, http.StatusForbidden, "AuthorizationError", "admin required")
	}
	require.Equal(t, before, env.snapshot(issuePath))
	require.Equal(t, testAdmin, env.ledger().Admin)
}

func TestUpdateAdminRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	next := principal(0x02)
	rec := env.do(http.MethodPost, "/v1/ledger/admin", &testAdmin, adminRequest{Admin: next.String()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, next, env.ledger().Admin)

	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 500).Code)
	rec = env.do(http.MethodPost, issuePath+"/close", &testAdmin, nil)
	requireAPIError(t, rec, http.StatusForbidden, "AuthorizationError", "admin required")
	rec = env.do(http.MethodPost, issuePath+"/close", &next, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/v1/ledger/admin", &next, adminRequest{Admin: bounty.ZeroPrincipal.String()})
	requireAPIError(t, rec, http.StatusBadRequest, "ValidationError", "admin address required")
}

func TestInitializeRoute(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.AdminAddress = "" })
	require.False(t, env.ledger().Initialized)

	requireAPIError(t, env.fund(issuePath, principal(0x11), 10), http.StatusConflict, "StateError", "ledger not initialized")

	caller := principal(0x05)
	rec := env.do(http.MethodPost, "/v1/ledger/initialize", &caller, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := env.ledger()
	require.True(t, view.Initialized)
	require.Equal(t, caller, view.Admin)
	require.Equal(t, testHolding, view.HoldingAddress)

	rec = env.do(http.MethodPost, "/v1/ledger/initialize", &testAdmin, nil)
	requireAPIError(t, rec, http.StatusConflict, "StateError", "already initialized")
}

func TestFundingValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	funder := principal(0x11)
	other := principal(0x12)

	sign := func(r PaymentReceipt) PaymentReceipt {
		r.Signature = SignReceipt(testPaymentSecret, r)
		return r
	}
	cases := []struct {
		name    string
		caller  bounty.Principal
		receipt PaymentReceipt
		message string
	}{
		{"zero amount", funder, sign(PaymentReceipt{Reference: "v1", Sender: funder.String(), Receiver: testHolding.String()}), "amount must be > 0"},
		{"wrong receiver", funder, sign(PaymentReceipt{Reference: "v2", Sender: funder.String(), Receiver: other.String(), Amount: 5}), "payment must target contract"},
		{"sender mismatch", other, sign(PaymentReceipt{Reference: "v3", Sender: funder.String(), Receiver: testHolding.String(), Amount: 5}), "sender mismatch"},
		{"bad signature", funder, PaymentReceipt{Reference: "v4", Sender: funder.String(), Receiver: testHolding.String(), Amount: 5, Signature: "00"}, "receipt signature invalid"},
		{"missing reference", funder, sign(PaymentReceipt{Sender: funder.String(), Receiver: testHolding.String(), Amount: 5}), "receipt reference required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			caller := tc.caller
			rec := env.do(http.MethodPost, issuePath+"/fund", &caller, fundRequest{Receipt: tc.receipt})
			requireAPIError(t, rec, http.StatusBadRequest, "ValidationError", tc.message)
		})
	}
	require.Zero(t, env.ledger().TotalLocked)

	// A rejected receipt is released and can be applied once the caller is right.
	retry := sign(PaymentReceipt{Reference: "v3", Sender: funder.String(), Receiver: testHolding.String(), Amount: 5})
	rec := env.do(http.MethodPost, issuePath+"/fund", &funder, fundRequest{Receipt: retry})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, issuePath+"/fund", &funder, fundRequest{Receipt: retry})
	requireAPIError(t, rec, http.StatusBadRequest, "ValidationError", "payment already applied")
	require.Equal(t, uint64(5), env.ledger().TotalLocked)

	tooLong := "/v1/bounty/fund?key=" + string(bytes.Repeat([]byte("k"), bounty.MaxKeyLength+1))
	rec = env.do(http.MethodPost, tooLong, &funder, fundRequest{Receipt: retry})
	requireAPIError(t, rec, http.StatusBadRequest, "ValidationError", "bounty key too long")
}

func TestRequestErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	claimer := principal(0x22)

	rec := env.do(http.MethodPost, issuePath+"/claim", nil, nil)
	requireAPIError(t, rec, http.StatusUnauthorized, "AuthenticationError", "missing bearer token")

	rec = env.do(http.MethodPost, issuePath+"/claim", &claimer, nil)
	requireAPIError(t, rec, http.StatusNotFound, "NotFoundError", "bounty not funded")

	rec = env.do(http.MethodPost, issuePath+"/close", &testAdmin, nil)
	requireAPIError(t, rec, http.StatusNotFound, "NotFoundError", "bounty not funded")

	rec = env.do(http.MethodPost, issuePath+"/assign", &testAdmin, claimerRequest{ClaimerAddress: "nope"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, issuePath+"/close", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+env.token(testAdmin))
	res := httptest.NewRecorder()
	env.handler.ServeHTTP(res, req)
	requireAPIError(t, res, http.StatusBadRequest, "ValidationError", "invalid JSON body")

	snap := env.snapshot("/v1/bounties/nobody/none/9")
	require.Equal(t, bounty.StatusUnfunded, snap.Status)
	require.Zero(t, snap.TotalFunded)

	rec = env.do(http.MethodGet, "/v1/events?limit=abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPayoutFailureMapsToBadGateway(t *testing.T) {
	env := newTestEnv(t, nil)
	env.wallet.err = errors.New("node unreachable")
	claimer := principal(0x22)
	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 900).Code)
	rec := env.do(http.MethodPost, issuePath+"/close", &testAdmin, claimerRequest{ClaimerAddress: claimer.String()})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, issuePath+"/claim", &claimer, nil)
	requireAPIError(t, rec, http.StatusBadGateway, "PayoutError", "payout failed")
	snap := env.snapshot(issuePath)
	require.False(t, snap.IsClaimed)
	require.Equal(t, uint64(900), env.ledger().TotalLocked)

	env.wallet.mu.Lock()
	env.wallet.err = nil
	env.wallet.mu.Unlock()
	rec = env.do(http.MethodPost, issuePath+"/claim", &claimer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDefaultWalletJournalsPayouts(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	env := &testEnv{t: t, app: app, handler: app.Server.Handler()}
	claimer := principal(0x22)

	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 700).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, issuePath+"/close", &testAdmin, nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, issuePath+"/claim", &claimer, nil).Code)

	payouts, err := app.Store.ListPayouts(context.Background(), PayoutSubmitted)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	require.Equal(t, "a/b#1", payouts[0].Key)
	require.Equal(t, claimer.String(), payouts[0].Recipient)
	require.Equal(t, uint64(700), payouts[0].Amount)
}

func TestPolicyOptionsFromConfig(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Policy.RejectFundingAfterClose = true
		cfg.Policy.RequireAssignedClaimer = true
	})
	anyone := principal(0x44)
	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 100).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, issuePath+"/close", &testAdmin, nil).Code)

	requireAPIError(t, env.fund(issuePath, principal(0x11), 100), http.StatusConflict, "StateError", "bounty closed")
	rec := env.do(http.MethodPost, issuePath+"/claim", &anyone, nil)
	requireAPIError(t, rec, http.StatusForbidden, "AuthorizationError", "claimer not assigned")
}

func TestEventsRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	claimer := principal(0x22)
	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 100).Code)
	require.Equal(t, http.StatusOK, env.fund("/v1/bounties/c/d/2", principal(0x11), 50).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, issuePath+"/close", &testAdmin, claimerRequest{ClaimerAddress: claimer.String()}).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, issuePath+"/claim", &claimer, nil).Code)

	var all EventsResponse
	rec := env.do(http.MethodGet, "/v1/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	var types []string
	for _, evt := range all.Events {
		types = append(types, evt.Type)
	}
	require.Equal(t, []string{"ledger_initialized", "bounty_funded", "bounty_funded", "bounty_closed", "bounty_claimed"}, types)
	require.Equal(t, all.Events[len(all.Events)-1].Sequence, all.Next)
	require.Equal(t, "100", all.Events[1].Attributes["amount"])

	var page EventsResponse
	rec = env.do(http.MethodGet, "/v1/events?after=1&limit=2", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	require.Equal(t, all.Events[2].Sequence, page.Next)

	var scoped EventsResponse
	rec = env.do(http.MethodGet, issuePath+"/events", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scoped))
	require.Len(t, scoped.Events, 3)
	for _, evt := range scoped.Events {
		require.Equal(t, "a/b#1", evt.Attributes["key"])
	}
	require.Equal(t, claimer.String(), scoped.Events[2].Attributes["recipient"])
	require.Equal(t, "wallet-a/b#1", scoped.Events[2].Attributes["payoutRef"])
}

func TestAuditAndHealthRoutes(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 100).Code)

	rec := env.do(http.MethodGet, "/v1/ledger/audit", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report bounty.AuditReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.True(t, report.Healthy())
	require.Equal(t, 1, report.Bounties)
	require.Equal(t, uint64(100), report.TotalLocked)

	rec = env.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMutatingRoutesAreRateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.RateLimit = RateLimitConfig{RequestsPerMinute: 1, Burst: 1}
	})
	claimer := principal(0x22)
	rec := env.do(http.MethodPost, issuePath+"/claim", &claimer, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(http.MethodPost, issuePath+"/claim", &claimer, nil)
	requireAPIError(t, rec, http.StatusTooManyRequests, "RateLimitError", "")

	// Queries are not limited.
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(http.MethodGet, issuePath, nil, nil).Code)
	}
}

func TestPersistentLedgerSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	mutate := func(cfg *Config) { cfg.DataDir = dataDir; cfg.SQLitePath = filepath.Join(dataDir, "escrowd.db") }
	cfg := testConfig(t)
	mutate(&cfg)

	app, err := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithWallet(&ledgerWallet{}))
	require.NoError(t, err)
	env := &testEnv{t: t, app: app, handler: app.Server.Handler()}
	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 1_234).Code)
	require.NoError(t, app.Close())

	cfg.AdminAddress = principal(0x09).String()
	reopened := newTestEnv(t, func(c *Config) { *c = cfg })
	view := reopened.ledger()
	require.Equal(t, testAdmin, view.Admin)
	require.Equal(t, uint64(1_234), view.TotalLocked)
	require.Equal(t, uint64(1_234), reopened.snapshot(issuePath).TotalFunded)

	// The receipt journal survives too, so the same payment cannot be replayed.
	reopened.refs = 0
	requireAPIError(t, reopened.fund(issuePath, principal(0x11), 1_234), http.StatusBadRequest, "ValidationError", "payment already applied")
}

func TestInterruptedFundingReceiptIsReconciled(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testConfig(t)
	cfg.DataDir = dataDir
	cfg.SQLitePath = filepath.Join(dataDir, "escrowd.db")
	funder := principal(0x11)
	ctx := context.Background()

	app, err := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), WithWallet(&ledgerWallet{}))
	require.NoError(t, err)
	env := &testEnv{t: t, app: app, handler: app.Server.Handler()}
	require.Equal(t, http.StatusOK, env.fund(issuePath, funder, 1_000).Code)

	// tx-b was funded but its confirmation was lost; tx-c never reached the ledger.
	_, err = app.Store.db.ExecContext(ctx, `UPDATE payment_receipts SET status = ? WHERE reference = ?`, ReceiptReserved, "tx-b")
	require.NoError(t, err)
	fresh, err := app.Store.ReserveReceipt(ctx, "tx-c", "a/b#1", funder.String(), 500)
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, app.Close())

	reopened := newTestEnv(t, func(c *Config) { *c = cfg })
	var listed struct {
		Receipts []ReceiptRecord `json:"receipts"`
	}
	rec := reopened.do(http.MethodGet, "/v1/receipts", &testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Receipts, 1)
	require.Equal(t, "tx-c", listed.Receipts[0].Reference)
	require.Equal(t, uint64(500), listed.Receipts[0].Amount)

	rec = reopened.do(http.MethodGet, "/v1/receipts", &funder, nil)
	requireAPIError(t, rec, http.StatusForbidden, "AuthorizationError", "admin required")

	reopened.refs = 1
	requireAPIError(t, reopened.fund(issuePath, funder, 500), http.StatusBadRequest, "ValidationError", "payment already applied")

	rec = reopened.do(http.MethodPost, "/v1/receipts/tx-b/release", &testAdmin, nil)
	requireAPIError(t, rec, http.StatusNotFound, "NotFoundError", "")
	rec = reopened.do(http.MethodPost, "/v1/receipts/tx-c/release", &testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	reopened.refs = 1
	require.Equal(t, http.StatusOK, reopened.fund(issuePath, funder, 500).Code)
	require.Equal(t, uint64(1_500), reopened.snapshot(issuePath).TotalFunded)

	reserved, err := reopened.app.Store.ReservedReceipts(ctx)
	require.NoError(t, err)
	require.Empty(t, reserved)
}

func TestStatusForError(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, statusForError(bounty.ErrAmountNotPositive))
	require.Equal(t, http.StatusNotFound, statusForError(bounty.ErrBountyNotFunded))
	require.Equal(t, http.StatusConflict, statusForError(bounty.ErrPayoutPending))
	require.Equal(t, http.StatusForbidden, statusForError(bounty.ErrRecipientNotAllowed))
	require.Equal(t, http.StatusBadGateway, statusForError(errors.Join(bounty.ErrPayoutFailed, errors.New("x"))))
	require.Equal(t, http.StatusInternalServerError, statusForError(errors.New("disk full")))
}

func TestPayoutRoutes(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	env := &testEnv{t: t, app: app, handler: app.Server.Handler()}
	claimer := principal(0x22)

	require.Equal(t, http.StatusOK, env.fund(issuePath, principal(0x11), 300).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, issuePath+"/close", &testAdmin, claimerRequest{ClaimerAddress: claimer.String()}).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, issuePath+"/claim", &claimer, nil).Code)

	rec := env.do(http.MethodGet, "/v1/payouts", &claimer, nil)
	requireAPIError(t, rec, http.StatusForbidden, "AuthorizationError", "admin required")

	var listed struct {
		Payouts []PayoutRecord `json:"payouts"`
	}
	rec = env.do(http.MethodGet, "/v1/payouts?status=submitted", &testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Payouts, 1)
	reference := listed.Payouts[0].Reference

	rec = env.do(http.MethodPost, "/v1/payouts/"+reference+"/settle", &testAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/v1/payouts/unknown/settle", &testAdmin, nil)
	requireAPIError(t, rec, http.StatusNotFound, "NotFoundError", "")

	rec = env.do(http.MethodGet, "/v1/payouts?status=submitted", &testAdmin, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Empty(t, listed.Payouts)

	rec = env.do(http.MethodGet, "/v1/payouts?status=lost", &testAdmin, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
