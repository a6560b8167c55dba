/*
webhook.go - Signed payment provider callbacks

PURPOSE:
  The payment provider reports subscription changes and Bytes purchases.
  Tier changes take effect on the user's next request because the tier is
  always read from the store.

SIGNATURE:
  X-Rebound-Signature: hex(HMAC-SHA256(WEBHOOK_SECRET, raw body))
  Requests with a missing or wrong signature are 401 and change nothing.

EVENTS:
  subscription.updated   {user_id, tier}           -> ChangeTier
  subscription.canceled  {user_id}                 -> ChangeTier(free)
  bytes.purchased        {user_id, amount, payment_ref} -> Deposit

  Deposits are idempotent on payment_ref; a redelivered event is 200 with
  duplicate=true.
*/
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/rebound-engine/economy"
	"github.com/warp/rebound-engine/entitlement"
	"github.com/warp/rebound-engine/generic"
	"github.com/warp/rebound-engine/notify"
)

const SignatureHeader = "X-Rebound-Signature"

const (
	WebhookSubscriptionUpdated  = "subscription.updated"
	WebhookSubscriptionCanceled = "subscription.canceled"
	WebhookBytesPurchased       = "bytes.purchased"
)

type WebhookEvent struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	Tier       string `json:"tier,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

type WebhookResult struct {
	Type      string `json:"type"`
	Tier      string `json:"tier,omitempty"`
	Credited  int64  `json:"credited,omitempty"`
	Balance   int64  `json:"balance,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if !validSignature(h.WebhookSecret, body, r.Header.Get(SignatureHeader)) {
		h.Metrics.RecordWebhook("unknown", "bad_signature")
		writeErrorCode(w, http.StatusUnauthorized, "Invalid signature", "bad_signature", nil)
		return
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.UserID == "" {
		h.Metrics.RecordWebhook(ev.Type, "invalid")
		writeError(w, http.StatusBadRequest, "Invalid event", err)
		return
	}

	ctx := r.Context()
	userID := generic.EntityID(ev.UserID)
	if _, err := h.Accounts.Get(ctx, userID); err != nil {
		h.Metrics.RecordWebhook(ev.Type, "error")
		h.writeDomainError(w, r, err)
		return
	}

	var res WebhookResult
	switch ev.Type {
	case WebhookSubscriptionUpdated, WebhookSubscriptionCanceled:
		tier := entitlement.TierFree
		if ev.Type == WebhookSubscriptionUpdated {
			tier, err = entitlement.ParseTier(ev.Tier)
			if err != nil {
				h.Metrics.RecordWebhook(ev.Type, "invalid")
				writeErrorCode(w, http.StatusBadRequest, "Unknown tier", "unknown_tier", nil)
				return
			}
		}
		if err := h.Accounts.ChangeTier(ctx, userID, tier); err != nil {
			h.Metrics.RecordWebhook(ev.Type, "error")
			h.writeDomainError(w, r, err)
			return
		}
		h.publish(r, notify.Event{
			Type:    notify.EventTierChanged,
			UserID:  userID,
			At:      h.now(),
			Payload: map[string]string{"tier": string(tier)},
		})
		res = WebhookResult{Type: ev.Type, Tier: string(tier)}

	case WebhookBytesPurchased:
		if ev.PaymentRef == "" {
			h.Metrics.RecordWebhook(ev.Type, "invalid")
			writeError(w, http.StatusBadRequest, "payment_ref is required", nil)
			return
		}
		credit, err := h.Ledger.Deposit(ctx, economy.DepositRequest{
			UserID:     userID,
			Amount:     ev.Amount,
			PaymentRef: ev.PaymentRef,
			At:         h.now(),
		})
		if err != nil {
			h.Metrics.RecordWebhook(ev.Type, "error")
			h.writeDomainError(w, r, err)
			return
		}
		if !credit.Duplicate {
			h.Metrics.RecordDeposit(credit.Credited.Int())
		}
		res = WebhookResult{
			Type:      ev.Type,
			Credited:  credit.Credited.Int(),
			Balance:   credit.Balance.Int(),
			Duplicate: credit.Duplicate,
		}

	default:
		h.Metrics.RecordWebhook(ev.Type, "ignored")
		writeErrorCode(w, http.StatusBadRequest, "Unsupported event type", "unsupported_event", nil)
		return
	}

	h.Metrics.RecordWebhook(ev.Type, "ok")
	h.Log.Info("webhook processed",
		zap.String("type", ev.Type),
		zap.String("user_id", ev.UserID),
		zap.Bool("duplicate", res.Duplicate))
	writeJSON(w, http.StatusOK, res)
}

// publish sends ev after the change has committed. Delivery failures are
// logged; the change itself stands.
func (h *Handler) publish(r *http.Request, ev notify.Event) {
	if err := h.Publisher.Publish(r.Context(), ev); err != nil {
		h.Log.Warn("publish failed", zap.String("type", ev.Type), zap.Error(err))
	}
}
