/*
handlers.go - HTTP API handlers for the Rebound engine

PURPOSE:
  Exposes the entitlement, economy, badge and guidance services via REST.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain services. No business rule lives here.

ENDPOINTS:
  Auth (rate limited):
    POST   /api/auth/signup                 Create account, returns token
    POST   /api/auth/login                  Returns token

  Me (bearer token):
    GET    /api/me                          Profile, counters, balances
    PUT    /api/me/archetype                Set content flavor
    GET    /api/me/balance                  Balance summary
    GET    /api/me/balance/at?at=           Balance replayed up to a time
    GET    /api/me/balance/verify           Replay ledger vs materialized
    GET    /api/me/transactions             Ledger entries, newest first (?from=&to=&limit=)
    POST   /api/me/activities               Complete an activity
    POST   /api/me/purchases                Buy a catalog item
    GET    /api/me/entitlements             Feature matrix for my tier
    GET    /api/me/entitlements/{feature}   One decision
    GET    /api/me/badges                   Held badges + visible catalog
    POST   /api/me/badges/evaluate          Unlock newly satisfied badges
    GET    /api/me/guidance/today           Today's guidance

  Public:
    GET    /api/catalog                     Spending catalog
    GET    /api/rules                       Earning rules
    POST   /api/webhooks/payments           Signed payment events

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input at the boundary (activity tags, feature keys, items)
  3. Load the user (tier is never taken from the token)
  4. Call the domain service
  5. Serialize response, or map the error kind to a status

ERROR HANDLING:
  See errors.go. Domain errors carry kinds (errors.Is); writeDomainError
  maps kinds to statuses. Idempotent replays are 200 with the original
  result, never an error.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - webhook.go: Payment webhook
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/rebound-engine/accounts"
	"github.com/warp/rebound-engine/activity"
	"github.com/warp/rebound-engine/badges"
	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/guidance"
	"github.com/warp/rebound-engine/metrics"
	"github.com/warp/rebound-engine/notify"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps are the services the handlers delegate to.
type Deps struct {
	Accounts      *accounts.Service
	Ledger        *economy.Service
	Activities    *activity.Recorder
	Badges        *badges.Evaluator
	Guidance      *guidance.Selector
	Resolver      *entitlement.Resolver
	Tokens        *TokenIssuer
	Publisher     notify.Publisher
	Metrics       *metrics.Collector
	Log           *zap.Logger
	WebhookSecret string
	// Ping reports database health for /healthz.
	Ping func(context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Deps
	now func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewCollector("")
	}
	if d.Publisher == nil {
		d.Publisher = notify.NewLogPublisher(d.Log)
	}
	return &Handler{Deps: d, now: time.Now}
}

// WithClock replaces the time source. Tests only.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Accounts.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeToken(w, http.StatusCreated, u)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Accounts.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.writeToken(w, http.StatusOK, u)
}

func (h *Handler) writeToken(w http.ResponseWriter, status int, u accounts.User) {
	token, exp, err := h.Tokens.Issue(u.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue token", nil)
		return
	}
	writeJSON(w, status, AuthResponse{Token: token, ExpiresAt: exp, User: toUserDTO(u)})
}

// =============================================================================
// PROFILE HANDLERS
// =============================================================================

// currentUser loads the caller. Disabled users are refused everywhere.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (accounts.User, bool) {
	u, err := h.Accounts.Get(r.Context(), userIDFrom(r.Context()))
	if errors.Is(err, generic.ErrEntityNotFound) {
		writeError(w, http.StatusUnauthorized, "Unknown user", nil)
		return accounts.User{}, false
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return accounts.User{}, false
	}
	if u.Disabled {
		h.writeDomainError(w, r, accounts.ErrUserDisabled)
		return accounts.User{}, false
	}
	return u, true
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	counters, err := h.Accounts.Counters(ctx, u.ID, h.Ledger.Location())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	sum, err := h.Ledger.Summary(ctx, u.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	counters.BytesEarned = int(sum.LifetimeEarned.Int())
	writeJSON(w, http.StatusOK, ProfileDTO{
		User:     toUserDTO(u),
		Counters: counters,
		Bytes:    sum.Bytes.Int(),
		XP:       sum.XP.Int(),
	})
}

func (h *Handler) SetArchetype(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req ArchetypeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Archetype != "" && !h.Guidance.KnownArchetype(req.Archetype) {
		writeErrorCode(w, http.StatusBadRequest, "Unknown archetype", "unknown_archetype", h.Guidance.Archetypes())
		return
	}
	if err := h.Accounts.SetArchetype(r.Context(), u.ID, req.Archetype); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	u.Archetype = req.Archetype
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	sum, err := h.Ledger.Summary(r.Context(), u.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(sum))
}

// GetBalanceAt replays the ledger up to ?at= (RFC 3339).
func (h *Handler) GetBalanceAt(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	at, ok := queryTime(w, r, "at")
	if !ok {
		return
	}
	if at.IsZero() {
		writeError(w, http.StatusBadRequest, "at is required", nil)
		return
	}
	sum, err := h.Ledger.BalanceAt(r.Context(), u.ID, at)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceAtDTO{At: at, Bytes: sum.Bytes.Int(), XP: sum.XP.Int()})
}

func (h *Handler) VerifyBalance(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	sum, err := h.Ledger.Verify(r.Context(), u.ID)
	if errors.Is(err, generic.ErrBalanceDiverged) {
		h.Log.Error("balance diverged", zap.String("user_id", string(u.ID)), zap.Error(err))
		writeJSON(w, http.StatusConflict, VerifyDTO{Consistent: false, Detail: err.Error()})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyDTO{Consistent: true, Bytes: sum.Bytes.Int(), XP: sum.XP.Int()})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 0 and 500", nil)
			return
		}
		limit = n
	}
	from, ok := queryTime(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryTime(w, r, "to")
	if !ok {
		return
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		writeError(w, http.StatusBadRequest, "to must be after from", nil)
		return
	}
	txs, err := h.Ledger.Transactions(r.Context(), u.ID, economy.TransactionQuery{From: from, To: to, Limit: limit})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// ACTIVITY / PURCHASE HANDLERS
// =============================================================================

// CompleteActivity records an activity. 201 for a new completion, 200 for
// a replayed idempotency key. A capped completion still succeeds; the
// outcome says why nothing was credited.
func (h *Handler) CompleteActivity(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req CompleteActivityRequest
	if !decode(w, r, &req) {
		return
	}
	act, err := economy.ParseActivity(req.Activity)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	out, err := h.Activities.Complete(r.Context(), activity.Request{
		UserID:         u.ID,
		Activity:       act,
		IdempotencyKey: req.IdempotencyKey,
		OccurredAt:     h.now(),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	status := http.StatusCreated
	if out.Duplicate {
		status = http.StatusOK
	} else {
		var credited int64
		if out.Credit != nil {
			credited = out.Credit.Credited.Int()
		}
		h.Metrics.RecordActivity(string(act), out.Status, credited)
		for _, b := range out.NewBadges {
			h.Metrics.RecordBadge(b.ID, b.BytesReward)
		}
	}
	writeJSON(w, status, out)
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required", nil)
		return
	}

	res, err := h.Ledger.Purchase(r.Context(), economy.PurchaseRequest{
		UserID:         u.ID,
		Tier:           u.Tier,
		ItemID:         req.ItemID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		switch {
		case errors.Is(err, generic.ErrInsufficientBalance):
			h.Metrics.RecordPurchase(req.ItemID, "insufficient", 0)
		case errors.Is(err, generic.ErrNotEntitled):
			h.Metrics.RecordPurchase(req.ItemID, "denied", 0)
		}
		h.writeDomainError(w, r, err)
		return
	}

	result := "ok"
	if res.Duplicate {
		result = "duplicate"
	}
	h.Metrics.RecordPurchase(res.Item.ID, result, res.Debited.Int())
	writeJSON(w, http.StatusOK, PurchaseDTO{
		Item:      res.Item,
		Debited:   res.Debited.Int(),
		Balance:   res.Balance.Int(),
		Duplicate: res.Duplicate,
	})
}

// =============================================================================
// ENTITLEMENT HANDLERS
// =============================================================================

func (h *Handler) ListEntitlements(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	matrix, err := h.Resolver.Matrix(u.Tier)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matrix)
}

func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	feature := entitlement.Feature(chi.URLParam(r, "feature"))
	// Client-supplied keys are validated here; an unknown key past this
	// point is a configuration bug and surfaces as 500.
	if !h.Resolver.Known(feature) {
		writeErrorCode(w, http.StatusNotFound, "Unknown feature", "unknown_feature", nil)
		return
	}
	d, err := h.Resolver.Resolve(u.Tier, feature)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !d.Allowed {
		h.Metrics.RecordDenial(string(feature))
	}
	writeJSON(w, http.StatusOK, d)
}

// =============================================================================
// BADGE HANDLERS
// =============================================================================

func (h *Handler) ListBadges(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	held, err := h.Badges.Held(r.Context(), u.ID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if held == nil {
		held = []badges.UserBadge{}
	}
	catalog := h.Badges.Catalog(u.Tier)
	if catalog == nil {
		catalog = []badges.Badge{}
	}
	writeJSON(w, http.StatusOK, BadgesDTO{Held: held, Catalog: catalog})
}

func (h *Handler) EvaluateBadges(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	unlocked, err := h.Badges.Evaluate(r.Context(), u.ID, h.now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if unlocked == nil {
		unlocked = []badges.Badge{}
	}
	for _, b := range unlocked {
		h.Metrics.RecordBadge(b.ID, b.BytesReward)
	}
	writeJSON(w, http.StatusOK, EvaluateDTO{Unlocked: unlocked})
}

// =============================================================================
// GUIDANCE HANDLERS
// =============================================================================

func (h *Handler) TodayGuidance(w http.ResponseWriter, r *http.Request) {
	u, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	rec, err := h.Guidance.Select(u.EnrolledAt, u.Tier, u.Archetype, h.now())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// =============================================================================
// PUBLIC HANDLERS
// =============================================================================

func (h *Handler) ListCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Ledger.Catalog().All())
}

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Ledger.Rules().All())
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst, writing 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// queryTime parses an optional RFC 3339 query parameter. A missing value is
// the zero time.
func queryTime(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, name+" must be an RFC 3339 time", err)
		return time.Time{}, false
	}
	return t.UTC(), true
}
