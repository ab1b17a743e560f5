package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"PeachCredit/internal/models"

	"github.com/shopspring/decimal"
)

const (
	NOWPaymentsAPIBase     = "https://api.nowpayments.io/v1"
	NOWPaymentsSandboxBase = "https://api-sandbox.nowpayments.io/v1"
	nowpaymentsSigHeader   = "x-nowpayments-sig"
)

type NOWPaymentsConfig struct {
	APIKey     string
	IPNSecret  string
	Sandbox    bool
	BaseURL    string
	HTTPClient *http.Client
	Retry      RetryPolicy
}

// NOWPayments settles crypto payments through hosted invoices. The order
// token travels in order_id.
type NOWPayments struct {
	cfg NOWPaymentsConfig
}

func NewNOWPayments(cfg NOWPaymentsConfig) *NOWPayments {
	if cfg.BaseURL == "" {
		cfg.BaseURL = NOWPaymentsAPIBase
		if cfg.Sandbox {
			cfg.BaseURL = NOWPaymentsSandboxBase
		}
	}
	return &NOWPayments{cfg: cfg}
}

func (n *NOWPayments) Name() models.Gateway { return models.GatewayNOWPayments }

func (n *NOWPayments) SignatureHeader() string { return nowpaymentsSigHeader }

// VerifySignature compares hex HMAC-SHA512 of the raw body.
func (n *NOWPayments) VerifySignature(body []byte, signature string) bool {
	if n.cfg.IPNSecret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(nowpaymentsMAC(n.cfg.IPNSecret, body), got)
}

func nowpaymentsMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func SignNOWPaymentsPayload(secret string, body []byte) string {
	return hex.EncodeToString(nowpaymentsMAC(secret, body))
}

// flexID accepts ids sent either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*f = flexID(num.String())
	return nil
}

type nowpaymentsPayment struct {
	PaymentID     flexID              `json:"payment_id"`
	PaymentStatus string              `json:"payment_status"`
	OrderID       string              `json:"order_id"`
	PriceAmount   decimal.NullDecimal `json:"price_amount"`
	PriceCurrency string              `json:"price_currency"`
	ActuallyPaid  decimal.NullDecimal `json:"actually_paid"`
	PayCurrency   string              `json:"pay_currency"`
}

func (p nowpaymentsPayment) notification() *Notification {
	n := &Notification{
		OrderID:   p.OrderID,
		PaymentID: string(p.PaymentID),
		Status:    nowpaymentsStatus(p.PaymentStatus),
		RawStatus: p.PaymentStatus,
		Currency:  strings.ToLower(p.PriceCurrency),
	}
	if p.PriceAmount.Valid {
		n.Amount = p.PriceAmount.Decimal
	}
	return n
}

func nowpaymentsStatus(s string) Status {
	switch strings.ToLower(s) {
	case "finished":
		return StatusSucceeded
	case "failed", "refunded":
		return StatusFailed
	case "expired":
		return StatusExpired
	}
	// waiting, confirming, confirmed, sending, partially_paid and anything new.
	return StatusPending
}

func (n *NOWPayments) ParseNotification(body []byte) (*Notification, error) {
	var p nowpaymentsPayment
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, unparsable("nowpayments ipn: %v", err)
	}
	if p.PaymentStatus == "" {
		return nil, unparsable("nowpayments ipn without payment_status")
	}
	return p.notification(), nil
}

func (n *NOWPayments) session() *session {
	sess := newSession(n.cfg.BaseURL, n.cfg.HTTPClient)
	sess.header.Set("x-api-key", n.cfg.APIKey)
	return sess
}

func (n *NOWPayments) QueryStatus(ctx context.Context, paymentID string) (*Notification, error) {
	if n.cfg.APIKey == "" {
		return nil, models.ErrGatewayNotConfigured
	}
	return retry(ctx, n.cfg.Retry, func() (*Notification, error) {
		var p nowpaymentsPayment
		if err := n.session().do(ctx, http.MethodGet, "/payment/"+url.PathEscape(paymentID), nil, "", &p); err != nil {
			return nil, err
		}
		if p.PaymentID == "" {
			p.PaymentID = flexID(paymentID)
		}
		return p.notification(), nil
	})
}

type nowpaymentsInvoiceRequest struct {
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description"`
	IPNCallbackURL   string      `json:"ipn_callback_url,omitempty"`
	SuccessURL       string      `json:"success_url,omitempty"`
	CancelURL        string      `json:"cancel_url,omitempty"`
}

type nowpaymentsInvoice struct {
	ID         flexID `json:"id"`
	InvoiceURL string `json:"invoice_url"`
}

// CreateCheckout opens a hosted invoice. The payment id is only assigned
// once the customer selects a coin, so it is learned from the first IPN.
func (n *NOWPayments) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if n.cfg.APIKey == "" {
		return nil, models.ErrGatewayNotConfigured
	}
	body, err := json.Marshal(nowpaymentsInvoiceRequest{
		PriceAmount:      json.Number(req.Package.Price.StringFixed(2)),
		PriceCurrency:    req.Package.Currency,
		OrderID:          req.OrderID,
		OrderDescription: req.Package.ID + " credit package",
		IPNCallbackURL:   req.CallbackURL,
		SuccessURL:       req.SuccessURL,
		CancelURL:        req.CancelURL,
	})
	if err != nil {
		return nil, err
	}
	var inv nowpaymentsInvoice
	if err := n.session().do(ctx, http.MethodPost, "/invoice", bytes.NewReader(body), "application/json", &inv); err != nil {
		return nil, err
	}
	return &Checkout{URL: inv.InvoiceURL}, nil
}
