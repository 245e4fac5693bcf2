package escrowd

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"algobounty/native/bounty"
	telemetry "algobounty/observability/otel"
)

const (
	maxBodyBytes      = 64 << 10
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Engine        *bounty.Engine
	Store         *SQLiteStore
	Receipts      *ReceiptVerifier
	Authenticator *Authenticator
	RateLimiter   *RateLimiter
	Observability *Observability
	Logger        *slog.Logger
}

// Server exposes the escrow ledger over HTTP.
type Server struct {
	engine   *bounty.Engine
	store    *SQLiteStore
	receipts *ReceiptVerifier
	auth     *Authenticator
	limiter  *RateLimiter
	obs      *Observability
	logger   *slog.Logger
	tracer   trace.Tracer

	router http.Handler
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		engine:   cfg.Engine,
		store:    cfg.Store,
		receipts: cfg.Receipts,
		auth:     cfg.Authenticator,
		limiter:  cfg.RateLimiter,
		obs:      cfg.Observability,
		logger:   logger,
		tracer:   telemetry.Tracer(serviceName),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.obs != nil {
		r.Use(s.obs.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Get("/ledger", s.handleLedger)
		api.Get("/ledger/audit", s.handleAudit)
		api.Get("/events", s.handleEvents)

		api.Group(func(protected chi.Router) {
			protected.Use(s.auth.Middleware)
			if s.limiter != nil {
				protected.Use(s.limiter.Middleware)
			}
			protected.Post("/ledger/initialize", s.handleInitialize)
			protected.Post("/ledger/admin", s.handleUpdateAdmin)
			protected.Get("/payouts", s.handleListPayouts)
			protected.Post("/payouts/{reference}/settle", s.handleSettlePayout)
			protected.Get("/receipts", s.handleReservedReceipts)
			protected.Post("/receipts/{reference}/release", s.handleReleaseReceipt)
		})

		api.Route("/bounties/{owner}/{repo}/{issue}", func(br chi.Router) {
			s.mountBounty(br, func(r *http.Request) string {
				return bounty.KeyFor(chi.URLParam(r, "owner"), chi.URLParam(r, "repo"), chi.URLParam(r, "issue"))
			})
		})
		api.Route("/bounty", func(br chi.Router) {
			s.mountBounty(br, func(r *http.Request) string {
				return r.URL.Query().Get("key")
			})
		})
	})
	return otelhttp.NewHandler(r, serviceName)
}

// mountBounty registers the per-key routes; resolve extracts the bounty key
// from the request.
func (s *Server) mountBounty(r chi.Router, resolve func(*http.Request) string) {
	r.Get("/", func(w http.ResponseWriter, req *http.Request) { s.handleGetBounty(w, req, resolve(req)) })
	r.Get("/events", func(w http.ResponseWriter, req *http.Request) { s.handleBountyEvents(w, req, resolve(req)) })
	r.Group(func(protected chi.Router) {
		protected.Use(s.auth.Middleware)
		if s.limiter != nil {
			protected.Use(s.limiter.Middleware)
		}
		protected.Post("/fund", func(w http.ResponseWriter, req *http.Request) { s.handleFund(w, req, resolve(req)) })
		protected.Post("/close", func(w http.ResponseWriter, req *http.Request) { s.handleClose(w, req, resolve(req)) })
		protected.Post("/assign", func(w http.ResponseWriter, req *http.Request) { s.handleAssign(w, req, resolve(req)) })
		protected.Post("/claim", func(w http.ResponseWriter, req *http.Request) { s.handleClaim(w, req, resolve(req)) })
	})
}

// LedgerView is the response of GET /v1/ledger.
type LedgerView struct {
	Initialized    bool              `json:"initialized"`
	Admin          bounty.Principal  `json:"admin"`
	TotalLocked    uint64            `json:"totalLocked"`
	HoldingAddress bounty.Principal  `json:"holdingAddress"`
	PendingPayouts map[string]string `json:"pendingPayouts,omitempty"`
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request) {
	admin, initialized, err := s.engine.Admin()
	if err != nil {
		s.writeError(w, err)
		return
	}
	locked, err := s.engine.TotalLocked()
	if err != nil {
		s.writeError(w, err)
		return
	}
	view := LedgerView{
		Initialized:    initialized,
		Admin:          admin,
		TotalLocked:    locked,
		HoldingAddress: s.engine.HoldingAddress(),
	}
	if pending := s.engine.PendingPayouts(); len(pending) > 0 {
		view.PendingPayouts = pending
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAudit(w http.ResponseWriter, _ *http.Request) {
	report, err := s.engine.Audit()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.Initialize(caller); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("ledger initialized", slog.String("admin", caller.String()))
	writeJSON(w, http.StatusOK, map[string]any{"admin": caller})
}

type adminRequest struct {
	Admin string `json:"admin"`
}

func (s *Server) handleUpdateAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if !s.decode(w, r, &req) {
		return
	}
	newAdmin, ok := s.parsePrincipal(w, req.Admin)
	if !ok {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.UpdateAdmin(caller, newAdmin); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"admin": newAdmin})
}

// requireAdmin rejects callers other than the current ledger admin.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	caller, _ := CallerFromContext(r.Context())
	admin, initialized, err := s.engine.Admin()
	if err != nil {
		s.writeError(w, err)
		return false
	}
	if !initialized {
		s.writeError(w, bounty.ErrNotInitialized)
		return false
	}
	if caller != admin {
		s.writeError(w, bounty.ErrAdminRequired)
		return false
	}
	return true
}

func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	switch status {
	case "", PayoutSubmitted, PayoutSettled:
	default:
		writeJSONError(w, http.StatusBadRequest, string(bounty.KindValidation), "unknown payout status")
		return
	}
	payouts, err := s.store.ListPayouts(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if payouts == nil {
		payouts = []PayoutRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": payouts})
}

// handleSettlePayout records that the external signer broadcast a journaled
// payout.
func (s *Server) handleSettlePayout(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	reference := chi.URLParam(r, "reference")
	if err := s.store.MarkPayoutSettled(r.Context(), reference); err != nil {
		if errors.Is(err, ErrPayoutNotFound) {
			writeJSONError(w, http.StatusNotFound, string(bounty.KindNotFound), err.Error())
			return
		}
		s.writeError(w, err)
		return
	}
	s.logger.Info("payout settled", slog.String("reference", reference))
	writeJSON(w, http.StatusOK, map[string]any{"reference": reference, "status": PayoutSettled})
}

// handleReservedReceipts lists receipts consumed without a ledger commit.
func (s *Server) handleReservedReceipts(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	receipts, err := s.store.ReservedReceipts(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (s *Server) handleReleaseReceipt(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	reference := chi.URLParam(r, "reference")
	if err := s.receipts.Release(r.Context(), reference); err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			writeJSONError(w, http.StatusNotFound, string(bounty.KindNotFound), err.Error())
			return
		}
		s.writeError(w, err)
		return
	}
	s.logger.Warn("payment receipt released", slog.String("reference", reference))
	writeJSON(w, http.StatusOK, map[string]any{"reference": reference, "status": "released"})
}

func (s *Server) handleGetBounty(w http.ResponseWriter, _ *http.Request, key string) {
	snapshot, err := s.engine.GetBounty(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type fundRequest struct {
	Receipt PaymentReceipt `json:"receipt"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request, key string) {
	var req fundRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := bounty.ValidateKey(key); err != nil {
		s.writeError(w, err)
		return
	}
	caller, _ := CallerFromContext(r.Context())
	err := s.receipts.Apply(r.Context(), key, req.Receipt, func(payment bounty.Payment) error {
		return s.engine.FundBounty(caller, key, payment)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, key)
}

type claimerRequest struct {
	ClaimerAddress string `json:"claimerAddress"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request, key string) {
	var req claimerRequest
	if !s.decode(w, r, &req) {
		return
	}
	claimer, ok := s.parseOptionalPrincipal(w, req.ClaimerAddress)
	if !ok {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.MarkIssueClosed(caller, key, claimer); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, key)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request, key string) {
	var req claimerRequest
	if !s.decode(w, r, &req) {
		return
	}
	claimer, ok := s.parseOptionalPrincipal(w, req.ClaimerAddress)
	if !ok {
		return
	}
	caller, _ := CallerFromContext(r.Context())
	if err := s.engine.AssignClaimer(caller, key, claimer); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSnapshot(w, key)
}

type claimRequest struct {
	RecipientAddress string `json:"recipientAddress"`
}

// ClaimResponse is the response of a successful claim.
type ClaimResponse struct {
	Key       string           `json:"key"`
	Recipient bounty.Principal `json:"recipient"`
	Amount    uint64           `json:"amount"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, key string) {
	var req claimRequest
	if !s.decode(w, r, &req) {
		return
	}
	recipient, _ := CallerFromContext(r.Context())
	if strings.TrimSpace(req.RecipientAddress) != "" {
		var ok bool
		if recipient, ok = s.parsePrincipal(w, req.RecipientAddress); !ok {
			return
		}
	}
	ctx, span := s.tracer.Start(r.Context(), "bounty.claim", trace.WithAttributes(
		attribute.String("bounty.key", key),
		attribute.String("bounty.recipient", recipient.String()),
	))
	amount, err := s.engine.ClaimBounty(ctx, key, recipient)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim rejected")
		span.End()
		s.writeError(w, err)
		return
	}
	span.SetAttributes(attribute.String("bounty.amount", strconv.FormatUint(amount, 10)))
	span.End()
	s.logger.Info("bounty claimed",
		slog.String("key", key),
		slog.String("recipient", recipient.String()),
		slog.Uint64("amount", amount))
	writeJSON(w, http.StatusOK, ClaimResponse{Key: key, Recipient: recipient, Amount: amount})
}

// EventsResponse pages through the event log.
type EventsResponse struct {
	Events []StoredEvent `json:"events"`
	Next   int64         `json:"next"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.listEvents(w, r, "")
}

func (s *Server) handleBountyEvents(w http.ResponseWriter, r *http.Request, key string) {
	if err := bounty.ValidateKey(key); err != nil {
		s.writeError(w, err)
		return
	}
	s.listEvents(w, r, key)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, key string) {
	query := r.URL.Query()
	after, err := parseQueryInt(query.Get("after"), 0)
	if err != nil || after < 0 {
		writeJSONError(w, http.StatusBadRequest, string(bounty.KindValidation), "invalid after cursor")
		return
	}
	limit, err := parseQueryInt(query.Get("limit"), defaultEventLimit)
	if err != nil || limit <= 0 {
		writeJSONError(w, http.StatusBadRequest, string(bounty.KindValidation), "invalid limit")
		return
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	evts, err := s.store.ListEvents(r.Context(), after, int(limit), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	next := after
	if len(evts) > 0 {
		next = evts[len(evts)-1].Sequence
	}
	writeJSON(w, http.StatusOK, EventsResponse{Events: evts, Next: next})
}

func parseQueryInt(raw string, fallback int64) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, key string) {
	snapshot, err := s.engine.GetBounty(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(bounty.KindValidation), "unable to read request body")
		return false
	}
	if len(body) > maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, string(bounty.KindValidation), "request body too large")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(bounty.KindValidation), "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) parsePrincipal(w http.ResponseWriter, raw string) (bounty.Principal, bool) {
	principal, err := bounty.ParsePrincipal(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(bounty.KindValidation), "invalid address: "+err.Error())
		return bounty.ZeroPrincipal, false
	}
	return principal, true
}

// parseOptionalPrincipal treats a blank address as ZeroPrincipal, which
// clears the claimer assignment.
func (s *Server) parseOptionalPrincipal(w http.ResponseWriter, raw string) (bounty.Principal, bool) {
	if strings.TrimSpace(raw) == "" {
		return bounty.ZeroPrincipal, true
	}
	return s.parsePrincipal(w, raw)
}

// statusForError maps ledger error kinds onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, bounty.ErrPayoutFailed):
		return http.StatusBadGateway
	case errors.Is(err, bounty.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, bounty.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, bounty.ErrState):
		return http.StatusConflict
	case errors.Is(err, bounty.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	var classified *bounty.Error
	switch {
	case status == http.StatusBadGateway:
		s.logger.Error("payout failed", "error", err.Error())
		writeJSONError(w, status, "PayoutError", "payout failed")
	case errors.As(err, &classified):
		writeJSONError(w, status, string(classified.Kind), classified.Message)
	default:
		s.logger.Error("request failed", "error", err.Error())
		writeJSONError(w, status, "InternalError", "internal error")
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
