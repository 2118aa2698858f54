package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/metrics"
	"github.com/harunnryd/ringdesk/pkg/store"
)

const (
	webhookSource  = "polar"
	maxWebhookBody = 1 << 20
)

type polarEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type polarSubscription struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	CurrentPeriodStart *time.Time     `json:"current_period_start"`
	CurrentPeriodEnd   *time.Time     `json:"current_period_end"`
	CancelAtPeriodEnd  bool           `json:"cancel_at_period_end"`
	EndedAt            *time.Time     `json:"ended_at"`
	CustomerID         string         `json:"customer_id"`
	ProductID          string         `json:"product_id"`
	Metadata           map[string]any `json:"metadata"`
	Customer           struct {
		ID         string `json:"id"`
		ExternalID string `json:"external_id"`
		Email      string `json:"email"`
	} `json:"customer"`
	Product struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"product"`
}

type polarOrder struct {
	ID             string         `json:"id"`
	BillingReason  string         `json:"billing_reason"`
	SubscriptionID string         `json:"subscription_id"`
	Metadata       map[string]any `json:"metadata"`
}

// Webhooks receives Polar subscription events and keeps the local
// subscription row in sync.
type Webhooks struct {
	store   Store
	catalog *Catalog
	secret  string
	obs     metrics.Observer
	log     *slog.Logger
	now     func() time.Time
	// OnChange, when set, is called after a subscription row was written.
	OnChange func(ctx context.Context, sub *store.Subscription)
}

func NewWebhooks(st Store, catalog *Catalog, secret string, obs metrics.Observer, log *slog.Logger) *Webhooks {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Webhooks{store: st, catalog: catalog, secret: secret, obs: obs, log: log, now: time.Now}
}

func (w *Webhooks) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeStatus(rw, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := VerifyWebhook(w.secret, r.Header, body, w.now()); err != nil {
		w.log.Warn("polar_webhook_invalid_signature", "error", err)
		metrics.Record(w.obs, metrics.EventWebhookRejected, 1, map[string]string{"source": webhookSource})
		writeStatus(rw, http.StatusUnauthorized, "invalid signature")
		return
	}
	var ev polarEvent
	if err := json.Unmarshal(body, &ev); err != nil || ev.Type == "" {
		w.log.Warn("polar_webhook_bad_payload", "error", err)
		writeStatus(rw, http.StatusBadRequest, "bad payload")
		return
	}

	ctx := r.Context()
	id := r.Header.Get(HeaderWebhookID)
	fresh, err := w.store.RecordWebhookEvent(ctx, webhookSource, id, ev.Type)
	if err != nil {
		w.log.Error("polar_webhook_record_failed", "error", err)
		writeStatus(rw, http.StatusInternalServerError, "storage error")
		return
	}
	if !fresh {
		w.log.Info("polar_webhook_duplicate", "webhook_id", id, "type", ev.Type)
		writeStatus(rw, http.StatusOK, "duplicate")
		return
	}

	if err := w.Handle(ctx, ev.Type, ev.Data); err != nil {
		if errorsx.HasReason(err, errorsx.ReasonWebhookPayload) {
			// Nothing to retry; keep the delivery recorded.
			w.log.Warn("polar_webhook_ignored", "webhook_id", id, "type", ev.Type, "error", err)
			writeStatus(rw, http.StatusAccepted, "ignored")
			return
		}
		if ferr := w.store.ForgetWebhookEvent(ctx, webhookSource, id); ferr != nil {
			w.log.Error("polar_webhook_forget_failed", "error", ferr)
		}
		w.log.Error("polar_webhook_failed", "webhook_id", id, "type", ev.Type, "error", err)
		writeStatus(rw, http.StatusInternalServerError, "processing failed")
		return
	}
	metrics.Record(w.obs, metrics.EventWebhookProcessed, 1, map[string]string{"source": webhookSource, "type": ev.Type})
	writeStatus(rw, http.StatusOK, "ok")
}

// Handle applies one verified event.
func (w *Webhooks) Handle(ctx context.Context, eventType string, data json.RawMessage) error {
	switch eventType {
	case "subscription.created", "subscription.updated", "subscription.active",
		"subscription.canceled", "subscription.uncanceled", "subscription.revoked":
		var ps polarSubscription
		if err := json.Unmarshal(data, &ps); err != nil {
			return errorsx.Wrap(fmt.Errorf("decode subscription: %w", err), errorsx.ReasonWebhookPayload)
		}
		return w.applySubscription(ctx, eventType, ps)
	case "order.paid":
		var po polarOrder
		if err := json.Unmarshal(data, &po); err != nil {
			return errorsx.Wrap(fmt.Errorf("decode order: %w", err), errorsx.ReasonWebhookPayload)
		}
		return w.applyOrder(ctx, po)
	default:
		w.log.Debug("polar_webhook_unhandled", "type", eventType)
		return nil
	}
}

func (w *Webhooks) applySubscription(ctx context.Context, eventType string, ps polarSubscription) error {
	if ps.ID == "" {
		return errorsx.New(errorsx.ReasonWebhookPayload, "subscription without id")
	}
	businessID := metadataString(ps.Metadata, "business_id")
	if businessID == "" {
		businessID = strings.TrimSpace(ps.Customer.ExternalID)
	}
	if businessID == "" {
		known, err := w.store.FindSubscriptionByPolarID(ctx, ps.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if known != nil {
			businessID = known.BusinessID
		}
	}
	if businessID == "" {
		return errorsx.New(errorsx.ReasonWebhookPayload, "subscription %s has no business reference", ps.ID)
	}
	if _, err := w.store.GetBusiness(ctx, businessID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorsx.New(errorsx.ReasonWebhookPayload, "unknown business %s", businessID)
		}
		return err
	}

	existing, err := w.store.GetSubscriptionByBusiness(ctx, businessID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	sub := &store.Subscription{BusinessID: businessID}
	if existing != nil {
		*sub = *existing
	}
	sub.PolarSubscriptionID = ps.ID
	sub.PolarCustomerID = firstNonEmpty(ps.CustomerID, ps.Customer.ID, sub.PolarCustomerID)
	sub.Status = store.SubscriptionStatus(ps.Status)
	if eventType == "subscription.revoked" {
		sub.Status = store.SubscriptionRevoked
	}
	sub.CancelAtPeriodEnd = ps.CancelAtPeriodEnd
	sub.EndedAt = ps.EndedAt

	productID := firstNonEmpty(ps.ProductID, ps.Product.ID)
	if plan, ok := w.catalog.Lookup(productID); ok {
		sub.Plan = plan.Name
		sub.MinutesLimit = plan.Minutes
	} else if productID != sub.ProductID {
		w.log.Warn("polar_unknown_product", "product_id", productID, "business_id", businessID)
		sub.Plan = firstNonEmpty(ps.Product.Name, productID)
	}
	sub.ProductID = productID

	// Usage is owned by the store: an upsert never overwrites it and only a
	// later period start resets it.
	if existing == nil {
		sub.MinutesUsed = 0
	}
	if ps.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = ps.CurrentPeriodStart.UTC()
	}
	if ps.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = ps.CurrentPeriodEnd.UTC()
	}

	if err := w.store.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	w.log.Info("subscription_synced", "business_id", businessID, "event", eventType,
		"status", sub.Status, "plan", sub.Plan)
	if w.OnChange != nil {
		w.OnChange(ctx, sub)
	}
	return nil
}

func (w *Webhooks) applyOrder(ctx context.Context, po polarOrder) error {
	if po.BillingReason != "subscription_cycle" || po.SubscriptionID == "" {
		return nil
	}
	sub, err := w.store.FindSubscriptionByPolarID(ctx, po.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorsx.New(errorsx.ReasonWebhookPayload, "order for unknown subscription %s", po.SubscriptionID)
		}
		return err
	}
	sub, err = w.store.ResetMinutesUsed(ctx, sub.BusinessID)
	if err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}
	w.log.Info("usage_reset", "business_id", sub.BusinessID, "order_id", po.ID)
	if w.OnChange != nil {
		w.OnChange(ctx, sub)
	}
	return nil
}

func metadataString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func writeStatus(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(map[string]string{"status": msg})
}
