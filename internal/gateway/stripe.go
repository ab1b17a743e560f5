package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"PeachCredit/internal/models"

	"github.com/shopspring/decimal"
)

const (
	StripeAPIBase          = "https://api.stripe.com"
	stripeSignatureHeader  = "Stripe-Signature"
	defaultStripeTolerance = 300 * time.Second
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Tolerance bounds the age of the signed timestamp.
	Tolerance  time.Duration
	BaseURL    string
	HTTPClient *http.Client
	Retry      RetryPolicy
	Now        func() time.Time
}

// Stripe settles card payments through Checkout Sessions. The order token
// travels in client_reference_id.
type Stripe struct {
	cfg StripeConfig
}

func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultStripeTolerance
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = StripeAPIBase
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Stripe{cfg: cfg}
}

func (s *Stripe) Name() models.Gateway { return models.GatewayStripe }

func (s *Stripe) SignatureHeader() string { return stripeSignatureHeader }

// VerifySignature checks a "t=<unix>,v1=<hex>[,v1=<hex>]" header against
// HMAC-SHA256 of "<t>.<body>".
func (s *Stripe) VerifySignature(body []byte, signature string) bool {
	if s.cfg.WebhookSecret == "" || signature == "" {
		return false
	}
	var (
		ts   int64
		sigs [][]byte
	)
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return false
			}
			ts = n
		case "v1":
			b, err := hex.DecodeString(v)
			if err == nil {
				sigs = append(sigs, b)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return false
	}
	age := s.cfg.Now().Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if age > s.cfg.Tolerance {
		return false
	}

	expected := stripeMAC(s.cfg.WebhookSecret, ts, body)
	for _, sig := range sigs {
		if hmac.Equal(expected, sig) {
			return true
		}
	}
	return false
}

func stripeMAC(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignStripePayload builds a signature header for body. Used by tests and
// the operator CLI to replay events.
func SignStripePayload(secret string, ts time.Time, body []byte) string {
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + ",v1=" + hex.EncodeToString(stripeMAC(secret, ts.Unix(), body))
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeSession struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	ClientReferenceID string            `json:"client_reference_id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	URL               string            `json:"url"`
	Metadata          map[string]string `json:"metadata"`
}

func (s stripeSession) notification(status Status, raw string) *Notification {
	order := s.ClientReferenceID
	if order == "" {
		order = s.Metadata["order_id"]
	}
	return &Notification{
		OrderID:   order,
		PaymentID: s.ID,
		Status:    status,
		RawStatus: raw,
		Amount:    decimal.New(s.AmountTotal, -2),
		Currency:  strings.ToLower(s.Currency),
	}
}

func (s *Stripe) ParseNotification(body []byte) (*Notification, error) {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, unparsable("stripe event: %v", err)
	}
	if ev.Type == "" {
		return nil, unparsable("stripe event without type")
	}
	if !strings.HasPrefix(ev.Type, "checkout.session.") {
		return &Notification{Status: StatusIgnored, RawStatus: ev.Type}, nil
	}

	var cs stripeSession
	if err := json.Unmarshal(ev.Data.Object, &cs); err != nil {
		return nil, unparsable("stripe checkout session: %v", err)
	}
	if cs.ID == "" {
		return nil, unparsable("stripe checkout session without id")
	}

	switch ev.Type {
	case "checkout.session.completed":
		if stripePaid(cs.PaymentStatus) {
			return cs.notification(StatusSucceeded, ev.Type), nil
		}
		// Delayed methods complete unpaid and report again asynchronously.
		return cs.notification(StatusPending, ev.Type), nil
	case "checkout.session.async_payment_succeeded":
		return cs.notification(StatusSucceeded, ev.Type), nil
	case "checkout.session.async_payment_failed":
		return cs.notification(StatusFailed, ev.Type), nil
	case "checkout.session.expired":
		return cs.notification(StatusExpired, ev.Type), nil
	}
	return cs.notification(StatusIgnored, ev.Type), nil
}

func stripePaid(paymentStatus string) bool {
	return paymentStatus == "paid" || paymentStatus == "no_payment_required"
}

func (s *Stripe) session() *session {
	sess := newSession(s.cfg.BaseURL, s.cfg.HTTPClient)
	sess.header.Set("Authorization", "Bearer "+s.cfg.SecretKey)
	return sess
}

func (s *Stripe) QueryStatus(ctx context.Context, paymentID string) (*Notification, error) {
	if s.cfg.SecretKey == "" {
		return nil, models.ErrGatewayNotConfigured
	}
	return retry(ctx, s.cfg.Retry, func() (*Notification, error) {
		var cs stripeSession
		if err := s.session().do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(paymentID), nil, "", &cs); err != nil {
			return nil, err
		}
		status := StatusPending
		switch {
		case cs.Status == "complete" && stripePaid(cs.PaymentStatus):
			status = StatusSucceeded
		case cs.Status == "expired":
			status = StatusExpired
		}
		return cs.notification(status, cs.Status+"/"+cs.PaymentStatus), nil
	})
}

func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if s.cfg.SecretKey == "" {
		return nil, models.ErrGatewayNotConfigured
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.OrderID)
	form.Set("metadata[order_id]", req.OrderID)
	form.Set("metadata[package]", req.Package.ID)
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", req.Package.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Package.MinorUnits(), 10))
	form.Set("line_items[0][price_data][product_data][name]",
		strconv.FormatInt(req.Package.Credits, 10)+" credits ("+req.Package.ID+")")

	var cs stripeSession
	err := s.session().do(ctx, http.MethodPost, "/v1/checkout/sessions",
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &cs)
	if err != nil {
		return nil, err
	}
	return &Checkout{PaymentID: cs.ID, URL: cs.URL}, nil
}
