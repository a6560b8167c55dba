package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/notify"
)

func (s *testServer) signedRequest(t *testing.T, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/payments", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) webhook(t *testing.T, ev WebhookEvent) WebhookResult {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	rec := s.signedRequest(t, body, Sign(testWebhookSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out WebhookResult
	decodeBody(t, rec, &out)
	return out
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	auth := s.signup(t, "ada@example.com")

	body, _ := json.Marshal(WebhookEvent{Type: WebhookBytesPurchased, UserID: auth.User.ID, Amount: 100, PaymentRef: "pay-1"})

	tests := []struct {
		name      string
		signature string
	}{
		{"missing", ""},
		{"not hex", "zz"},
		{"wrong secret", Sign("guess", body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.signedRequest(t, body, tt.signature)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	// Nothing was deposited
	rec := s.do(t, http.MethodGet, "/api/me/balance", auth.Token, nil)
	var bal BalanceDTO
	decodeBody(t, rec, &bal)
	assert.Equal(t, int64(0), bal.Bytes)
}

func TestWebhook_BytesPurchasedIsIdempotent(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	auth := s.signup(t, "ada@example.com")
	ev := WebhookEvent{Type: WebhookBytesPurchased, UserID: auth.User.ID, Amount: 100, PaymentRef: "pay-1"}

	// WHEN: the provider delivers the same event twice
	first := s.webhook(t, ev)
	second := s.webhook(t, ev)

	// THEN: one deposit
	assert.Equal(t, int64(100), first.Credited)
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(100), second.Balance)

	rec := s.do(t, http.MethodGet, "/api/me/balance", auth.Token, nil)
	var bal BalanceDTO
	decodeBody(t, rec, &bal)
	assert.Equal(t, BalanceDTO{Bytes: 100, Purchased: 100}, bal)
}

func TestWebhook_PurchasedBytesIgnoreEarningCaps(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	auth := s.signup(t, "ada@example.com")

	// Far above any monthly earning cap
	res := s.webhook(t, WebhookEvent{Type: WebhookBytesPurchased, UserID: auth.User.ID, Amount: 5000, PaymentRef: "pay-big"})
	assert.Equal(t, int64(5000), res.Credited)

	// Earning still works normally afterwards
	code, out := s.complete(t, auth.Token, "daily_ritual", "k1")
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, int64(8), out.Credit.Credited.Int())
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	auth := s.signup(t, "ada@example.com")

	res := s.webhook(t, WebhookEvent{Type: WebhookSubscriptionUpdated, UserID: auth.User.ID, Tier: "Premium"})
	assert.Equal(t, "premium", res.Tier)

	rec := s.do(t, http.MethodGet, "/api/me/entitlements/ai-therapy", auth.Token, nil)
	var d entitlement.Decision
	decodeBody(t, rec, &d)
	assert.True(t, d.Allowed, "tier change applies to the next request")

	s.webhook(t, WebhookEvent{Type: WebhookSubscriptionCanceled, UserID: auth.User.ID})
	rec = s.do(t, http.MethodGet, "/api/me/entitlements/ai-therapy", auth.Token, nil)
	decodeBody(t, rec, &d)
	assert.False(t, d.Allowed)

	var tiers []string
	for _, ev := range s.events.Events() {
		if ev.Type == notify.EventTierChanged {
			tiers = append(tiers, ev.Payload["tier"])
		}
	}
	assert.Equal(t, []string{"premium", "free"}, tiers)
}

func TestWebhook_InvalidEvents(t *testing.T) {
	s := newTestServer(t, RouterOptions{})
	auth := s.signup(t, "ada@example.com")

	tests := []struct {
		name   string
		ev     WebhookEvent
		status int
	}{
		{"unknown user", WebhookEvent{Type: WebhookSubscriptionUpdated, UserID: "ghost", Tier: "premium"}, http.StatusNotFound},
		{"unknown tier", WebhookEvent{Type: WebhookSubscriptionUpdated, UserID: auth.User.ID, Tier: "platinum"}, http.StatusBadRequest},
		{"no payment ref", WebhookEvent{Type: WebhookBytesPurchased, UserID: auth.User.ID, Amount: 10}, http.StatusBadRequest},
		{"zero amount", WebhookEvent{Type: WebhookBytesPurchased, UserID: auth.User.ID, PaymentRef: "pay-0"}, http.StatusBadRequest},
		{"unsupported", WebhookEvent{Type: "refund.created", UserID: auth.User.ID}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.ev)
			rec := s.signedRequest(t, body, Sign(testWebhookSecret, body))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}
