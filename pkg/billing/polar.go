package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/ringdesk/pkg/config"
	"github.com/harunnryd/ringdesk/pkg/errorsx"
	"github.com/harunnryd/ringdesk/pkg/resilience"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/harunnryd/ringdesk/pkg/billing")

// PolarClient calls the Polar REST API for checkout and portal sessions.
type PolarClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewPolarClient(s config.PolarSettings, httpClient *http.Client) *PolarClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &PolarClient{
		baseURL: strings.TrimRight(s.BaseURL, "/"),
		token:   s.AccessToken,
		http:    httpClient,
	}
}

type CheckoutRequest struct {
	ProductID  string
	BusinessID string
	Email      string
	SuccessURL string
}

type checkoutBody struct {
	Products           []string          `json:"products"`
	SuccessURL         string            `json:"success_url,omitempty"`
	CustomerEmail      string            `json:"customer_email,omitempty"`
	ExternalCustomerID string            `json:"external_customer_id,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// CreateCheckout opens a hosted checkout and returns its URL. The business id
// travels as metadata and external customer id so webhooks can be matched.
func (c *PolarClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	if req.ProductID == "" || req.BusinessID == "" {
		return "", errorsx.New(errorsx.ReasonValidation, "product and business are required")
	}
	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	err := c.do(ctx, "polar.create_checkout", "/v1/checkouts/", checkoutBody{
		Products:           []string{req.ProductID},
		SuccessURL:         req.SuccessURL,
		CustomerEmail:      req.Email,
		ExternalCustomerID: req.BusinessID,
		Metadata:           map[string]string{"business_id": req.BusinessID},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", errorsx.New(errorsx.ReasonBilling, "checkout %s returned no url", out.ID)
	}
	return out.URL, nil
}

// CreateCustomerSession returns a customer portal URL for subscription management.
func (c *PolarClient) CreateCustomerSession(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", errorsx.New(errorsx.ReasonValidation, "customer id is required")
	}
	var out struct {
		CustomerPortalURL string `json:"customer_portal_url"`
	}
	if err := c.do(ctx, "polar.create_customer_session", "/v1/customer-sessions/",
		map[string]string{"customer_id": customerID}, &out); err != nil {
		return "", err
	}
	return out.CustomerPortalURL, nil
}

func (c *PolarClient) do(ctx context.Context, op, path string, in, out any) error {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("http.path", path))

	err := c.send(ctx, path, in, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *PolarClient) send(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("polar %s: %w", path, err), errorsx.ReasonBilling)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "polar", Message: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode >= 300 {
		return errorsx.New(errorsx.ReasonBilling, "polar %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errorsx.Wrap(fmt.Errorf("decode polar response: %w", err), errorsx.ReasonBilling)
	}
	return nil
}
