// Package webhook verifies and decodes signed provider notifications before
// they reach the reconciler.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/plangate/internal/config"
	providerdomain "github.com/smallbiznis/plangate/internal/provider/domain"
)

type Webhook struct {
	secret string
}

func New(cfg config.Config) providerdomain.Webhook {
	return &Webhook{secret: cfg.Provider.WebhookSecret}
}

// Verify checks the t/v1 HMAC-SHA256 signature scheme against the shared
// webhook secret.
func (w *Webhook) Verify(ctx context.Context, payload []byte, signatureHeader string) error {
	header := strings.TrimSpace(signatureHeader)
	if header == "" {
		return providerdomain.ErrInvalidSignature
	}

	timestamp, signatures, ok := parseSignatureHeader(header)
	if !ok {
		return providerdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(w.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return providerdomain.ErrInvalidSignature
}

func (w *Webhook) Parse(ctx context.Context, payload []byte) (*providerdomain.Event, error) {
	var event wireEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, providerdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, providerdomain.ErrInvalidEvent
	}

	var eventType providerdomain.EventType
	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		eventType = providerdomain.EventTypeCheckoutCompleted
	case "customer.subscription.created":
		eventType = providerdomain.EventTypeSubscriptionCreated
	case "customer.subscription.updated":
		eventType = providerdomain.EventTypeSubscriptionUpdated
	case "customer.subscription.deleted":
		eventType = providerdomain.EventTypeSubscriptionDeleted
	case "invoice.paid":
		eventType = providerdomain.EventTypeInvoicePaid
	case "invoice.payment_failed":
		eventType = providerdomain.EventTypeInvoiceFailed
	default:
		return nil, providerdomain.ErrEventIgnored
	}

	snapshot, err := parseSubscriptionObject(event)
	if err != nil {
		return nil, err
	}

	return &providerdomain.Event{
		ProviderEventID: event.ID,
		Type:            eventType,
		OccurredAt:      unixTime(event.Created, time.Now().UTC()),
		Subscription:    snapshot,
		RawPayload:      payload,
	}, nil
}

type wireEvent struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Created int64         `json:"created"`
	Data    wireEventData `json:"data"`
}

type wireEventData struct {
	Object json.RawMessage `json:"object"`
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Subscription       string            `json:"subscription"`
	Status             string            `json:"status"`
	TrialStart         int64             `json:"trial_start"`
	TrialEnd           int64             `json:"trial_end"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	Created            int64             `json:"created"`
	CardFingerprint    string            `json:"card_fingerprint"`
	Metadata           map[string]string `json:"metadata"`
}

func parseSubscriptionObject(event wireEvent) (*providerdomain.RemoteSubscription, error) {
	var object wireSubscription
	if err := json.Unmarshal(event.Data.Object, &object); err != nil {
		return nil, providerdomain.ErrInvalidPayload
	}

	// Checkout and invoice events carry the subscription id in a
	// `subscription` field rather than `id`.
	subscriptionID := strings.TrimSpace(object.Subscription)
	if subscriptionID == "" {
		subscriptionID = strings.TrimSpace(object.ID)
	}
	if subscriptionID == "" {
		return nil, providerdomain.ErrInvalidEvent
	}

	snapshot := &providerdomain.RemoteSubscription{
		ProviderSubscriptionID: subscriptionID,
		Status:                 strings.TrimSpace(object.Status),
		TrialStart:             unixTimePtr(object.TrialStart),
		TrialEnd:               unixTimePtr(object.TrialEnd),
		CurrentPeriodStart:     unixTimePtr(object.CurrentPeriodStart),
		CurrentPeriodEnd:       unixTimePtr(object.CurrentPeriodEnd),
		CancelAtPeriodEnd:      object.CancelAtPeriodEnd,
		CanceledAt:             unixTimePtr(object.CanceledAt),
		UpdatedAt:              unixTime(event.Created, time.Now().UTC()),
		CardFingerprint:        strings.TrimSpace(object.CardFingerprint),
		Metadata:               object.Metadata,
	}
	return snapshot, nil
}

func parseSignatureHeader(header string) (string, []string, bool) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, false
	}
	return timestamp, signatures, true
}

func unixTime(value int64, fallback time.Time) time.Time {
	if value == 0 {
		return fallback
	}
	return time.Unix(value, 0).UTC()
}

func unixTimePtr(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}
