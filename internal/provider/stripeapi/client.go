// Package stripeapi implements the provider client against a Stripe-shaped
// HTTP API.
package stripeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/plangate/internal/config"
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
	"go.uber.org/zap"
)

type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	log        *zap.Logger

	maxRetries int
	baseDelay  time.Duration
}

func New(cfg config.Config, log *zap.Logger) providerdomain.Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.Provider.BaseURL, "/"),
		secretKey: cfg.Provider.SecretKey,
		httpClient: &http.Client{
			Timeout: cfg.Provider.RequestTimeout,
		},
		log:        log.Named("provider.stripeapi"),
		maxRetries: cfg.Provider.MaxRetries,
		baseDelay:  cfg.Provider.RetryBaseDelay,
	}
}

func (c *Client) FetchSubscription(ctx context.Context, providerSubscriptionID string) (*providerdomain.RemoteSubscription, error) {
	var sub wireSubscription
	err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), nil, "", &sub)
	if err != nil {
		return nil, err
	}
	return sub.toSnapshot(), nil
}

func (c *Client) CancelAtPeriodEnd(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*providerdomain.RemoteSubscription, error) {
	form := url.Values{}
	form.Set("cancel_at_period_end", "true")

	var sub wireSubscription
	err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), form, idempotencyKey, &sub)
	if err != nil {
		return nil, err
	}
	return sub.toSnapshot(), nil
}

func (c *Client) CancelNow(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*providerdomain.RemoteSubscription, error) {
	var sub wireSubscription
	err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), nil, idempotencyKey, &sub)
	if err != nil {
		return nil, err
	}
	return sub.toSnapshot(), nil
}

func (c *Client) Resume(ctx context.Context, providerSubscriptionID, idempotencyKey string) (*providerdomain.RemoteSubscription, error) {
	form := url.Values{}
	form.Set("cancel_at_period_end", "false")

	var sub wireSubscription
	err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(providerSubscriptionID), form, idempotencyKey, &sub)
	if err != nil {
		return nil, err
	}
	return sub.toSnapshot(), nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req providerdomain.CheckoutSessionRequest, idempotencyKey string) (*providerdomain.CheckoutSession, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("metadata[organization_id]", req.OrganizationID)
	if req.PlanID != "" {
		form.Set("metadata[plan_id]", req.PlanID)
	}
	if req.BundleID != "" {
		form.Set("metadata[bundle_id]", req.BundleID)
	}
	if req.TrialDays > 0 {
		form.Set("subscription_data[trial_period_days]", strconv.Itoa(req.TrialDays))
	}

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, idempotencyKey, &session); err != nil {
		return nil, err
	}
	return &providerdomain.CheckoutSession{SessionID: session.ID, URL: session.URL}, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, providerCustomerID string) (*providerdomain.PortalSession, error) {
	form := url.Values{}
	form.Set("customer", providerCustomerID)

	var session struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/billing_portal/sessions", form, "", &session); err != nil {
		return nil, err
	}
	return &providerdomain.PortalSession{URL: session.URL}, nil
}

func (c *Client) ListInvoices(ctx context.Context, providerCustomerID string) ([]providerdomain.Invoice, error) {
	var list struct {
		Data []struct {
			ID         string `json:"id"`
			Number     string `json:"number"`
			Status     string `json:"status"`
			Total      int64  `json:"total"`
			Currency   string `json:"currency"`
			Created    int64  `json:"created"`
			InvoicePDF string `json:"invoice_pdf"`
		} `json:"data"`
	}
	path := "/v1/invoices?customer=" + url.QueryEscape(providerCustomerID)
	if err := c.do(ctx, http.MethodGet, path, nil, "", &list); err != nil {
		return nil, err
	}

	invoices := make([]providerdomain.Invoice, 0, len(list.Data))
	for _, item := range list.Data {
		invoices = append(invoices, providerdomain.Invoice{
			ID:        item.ID,
			Number:    item.Number,
			Status:    item.Status,
			Total:     item.Total,
			Currency:  strings.ToUpper(item.Currency),
			CreatedAt: time.Unix(item.Created, 0).UTC(),
			PDFURL:    item.InvoicePDF,
		})
	}
	return invoices, nil
}

// do executes one API call with bounded exponential backoff. Only transport
// errors and 5xx/429 responses are retried; a retried POST is safe because
// every mutating call carries an idempotency key.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var lastErr error
	delay := c.baseDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		status, body, err := c.roundTrip(ctx, method, path, form, idempotencyKey)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			lastErr = err
			c.log.Warn("provider request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		switch {
		case status == http.StatusNotFound:
			return providerdomain.ErrRemoteNotFound
		case status == http.StatusTooManyRequests || status >= 500:
			lastErr = fmt.Errorf("provider returned status %d", status)
			continue
		case status >= 400:
			return fmt.Errorf("%w: status %d: %s", providerdomain.ErrProviderUnavailable, status, truncate(body, 256))
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return providerdomain.ErrInvalidPayload
		}
		return nil
	}

	return fmt.Errorf("%w: %v", providerdomain.ErrProviderUnavailable, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, form url.Values, idempotencyKey string) (int, []byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	TrialStart         int64             `json:"trial_start"`
	TrialEnd           int64             `json:"trial_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	Created            int64             `json:"created"`
	Metadata           map[string]string `json:"metadata"`
}

func (s wireSubscription) toSnapshot() *providerdomain.RemoteSubscription {
	return &providerdomain.RemoteSubscription{
		ProviderSubscriptionID: s.ID,
		Status:                 strings.TrimSpace(s.Status),
		TrialStart:             unixTimePtr(s.TrialStart),
		TrialEnd:               unixTimePtr(s.TrialEnd),
		CurrentPeriodStart:     unixTimePtr(s.CurrentPeriodStart),
		CurrentPeriodEnd:       unixTimePtr(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:      s.CancelAtPeriodEnd,
		CanceledAt:             unixTimePtr(s.CanceledAt),
		// Fetch responses carry no provider-side updated timestamp, so a
		// pulled snapshot is stamped with local receipt time. Clock skew can
		// make a pull outrank a webhook carrying a later provider event;
		// acceptable since a pull reflects current remote state anyway.
		UpdatedAt: time.Now().UTC(),
		Metadata:  s.Metadata,
	}
}

func unixTimePtr(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
