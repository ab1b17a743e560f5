package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"PeachCredit/internal/gateway"
	"PeachCredit/internal/models"
	"PeachCredit/internal/ordertoken"
	"PeachCredit/internal/pricing"
	"PeachCredit/internal/store"

	"go.uber.org/zap/zaptest"
)

func newTestCheckout(t *testing.T, handler http.HandlerFunc) (CheckoutService, *store.SQLite) {
	t.Helper()
	st, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(st.Close)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cat, _ := pricing.NewCatalogue(nil)
	return CheckoutService{
		Store:     st,
		Codec:     ordertoken.NewCodec(0),
		Catalogue: cat,
		Gateways: gateway.NewRegistry(
			gateway.NewStripe(gateway.StripeConfig{SecretKey: "sk_test", BaseURL: srv.URL}),
			gateway.NewNOWPayments(gateway.NOWPaymentsConfig{APIKey: "np_key", BaseURL: srv.URL}),
		),
		PublicURL: "https://api.example.com/",
		Log:       zaptest.NewLogger(t),
	}, st
}

func TestCreate_Stripe(t *testing.T) {
	var form url.Values
	svc, st := newTestCheckout(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(b))
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "cs_123", "url": "https://checkout.stripe.com/c/pay/cs_123"})
	})

	a, err := svc.Create(context.Background(), "user|with:separators", "starter", "stripe")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if a.ProviderPaymentID != "cs_123" || a.Credits != 50 || a.Status != models.AttemptCreated {
		t.Errorf("attempt = %+v", a)
	}
	if got := form.Get("success_url"); got != "https://api.example.com/payments/return/stripe?payment_id={CHECKOUT_SESSION_ID}" {
		t.Errorf("success_url = %q", got)
	}

	o, err := svc.Codec.Decode(form.Get("client_reference_id"))
	if err != nil {
		t.Fatalf("token sent to gateway does not decode: %v", err)
	}
	if o.UserID != "user|with:separators" || o.Credits != 50 || o.Tier != "starter" {
		t.Errorf("decoded order = %+v", o)
	}

	stored, err := st.GetAttempt(context.Background(), a.OrderID)
	if err != nil {
		t.Fatalf("GetAttempt() error: %v", err)
	}
	if stored.CheckoutURL == "" || stored.Gateway != models.GatewayStripe {
		t.Errorf("stored attempt = %+v", stored)
	}
}

func TestCreate_NOWPaymentsCallbackURL(t *testing.T) {
	var req map[string]any
	svc, _ := newTestCheckout(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		_, _ = io.WriteString(w, `{"id":"991","invoice_url":"https://nowpayments.io/payment/?iid=991"}`)
	})

	a, err := svc.Create(context.Background(), "u1", "pro", "nowpayments")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if a.ProviderPaymentID != "" || a.CheckoutURL == "" {
		t.Errorf("attempt = %+v", a)
	}
	if req["ipn_callback_url"] != "https://api.example.com/payments/webhooks/nowpayments" {
		t.Errorf("ipn_callback_url = %v", req["ipn_callback_url"])
	}
}

func TestCreate_Errors(t *testing.T) {
	svc, _ := newTestCheckout(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	ctx := context.Background()

	if _, err := svc.Create(ctx, "", "starter", "stripe"); !errors.Is(err, models.ErrMissingUserID) {
		t.Errorf("missing user err = %v", err)
	}
	if _, err := svc.Create(ctx, "u1", "gold", "stripe"); !errors.Is(err, models.ErrUnknownPackage) {
		t.Errorf("unknown package err = %v", err)
	}
	if _, err := svc.Create(ctx, "u1", "starter", "paypal"); !errors.Is(err, models.ErrUnknownGateway) {
		t.Errorf("unknown gateway err = %v", err)
	}
	var se *gateway.StatusError
	if _, err := svc.Create(ctx, "u1", "starter", "stripe"); !errors.As(err, &se) {
		t.Errorf("provider failure err = %v", err)
	}
}
