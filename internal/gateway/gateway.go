// Package gateway adapts the hosted payment providers to one shape: signed
// notifications in, normalized status out, plus checkout creation and status
// queries for backup reconciliation.
//
// Provider credentials never live in shared mutable state. Every outbound
// call builds its own session from the adapter's configuration.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"PeachCredit/internal/models"
	"PeachCredit/internal/pricing"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
)

type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusExpired
	// StatusIgnored marks provider events that carry no payment state.
	StatusIgnored
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusExpired:
		return "expired"
	case StatusIgnored:
		return "ignored"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Attempt maps s onto the tracked attempt lifecycle.
func (s Status) Attempt() models.AttemptStatus {
	switch s {
	case StatusSucceeded:
		return models.AttemptSettled
	case StatusFailed:
		return models.AttemptFailed
	case StatusExpired:
		return models.AttemptExpired
	}
	return models.AttemptPending
}

// Notification is a provider event reduced to what reconciliation needs.
type Notification struct {
	OrderID   string
	PaymentID string
	Status    Status
	RawStatus string
	Amount    decimal.Decimal
	Currency  string
}

type CheckoutRequest struct {
	OrderID     string
	Package     pricing.Package
	SuccessURL  string
	CancelURL   string
	CallbackURL string
}

type Checkout struct {
	// PaymentID is empty when the provider assigns it only after the
	// customer picks a payment method.
	PaymentID string
	URL       string
}

type Gateway interface {
	Name() models.Gateway
	SignatureHeader() string
	// VerifySignature authenticates the raw request body. It returns false
	// when no secret is configured.
	VerifySignature(body []byte, signature string) bool
	ParseNotification(body []byte) (*Notification, error)
	QueryStatus(ctx context.Context, paymentID string) (*Notification, error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
}

// Registry resolves gateways by their path name.
type Registry map[models.Gateway]Gateway

func NewRegistry(gws ...Gateway) Registry {
	r := make(Registry, len(gws))
	for _, g := range gws {
		if g != nil {
			r[g.Name()] = g
		}
	}
	return r
}

func (r Registry) Get(name string) (Gateway, error) {
	g, ok := r[models.Gateway(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownGateway, name)
	}
	return g, nil
}

// RetryPolicy bounds status query retries.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        4,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsed:      10 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxTries == 0 {
		p.MaxTries = d.MaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	return p
}

// retry runs op with exponential backoff. Client errors other than 429 are
// not retried.
func retry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	p = p.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	)
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("gateway http status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("gateway http status %d", e.Code)
}

// session is one authenticated conversation with a provider API.
type session struct {
	baseURL string
	header  http.Header
	client  *http.Client
}

func newSession(baseURL string, client *http.Client) *session {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &session{
		baseURL: strings.TrimRight(baseURL, "/"),
		header:  make(http.Header),
		client:  client,
	}
}

func (s *session) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, v := range s.header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func unparsable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrUnparsablePayload, fmt.Sprintf(format, args...))
}
