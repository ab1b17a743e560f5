package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"PeachCredit/internal/gateway"
	"PeachCredit/internal/logging"
	"PeachCredit/internal/models"
	"PeachCredit/internal/ordertoken"
	"PeachCredit/internal/pricing"
	"PeachCredit/internal/store"

	"go.uber.org/zap"
)

var ErrPublicURLNotConfigured = errors.New("public url not configured")

// CheckoutService starts a credit purchase: it mints the order token, opens
// a hosted checkout and records the attempt for the sweep worker.
type CheckoutService struct {
	Store     store.Store
	Codec     ordertoken.Codec
	Catalogue *pricing.Catalogue
	Gateways  gateway.Registry
	// PublicURL is where providers reach this API.
	PublicURL string
	// CancelURL is where users land when they abandon checkout.
	CancelURL string
	Log       *zap.Logger
}

func (s CheckoutService) Create(ctx context.Context, userID, packageID, gatewayName string) (*models.PaymentAttempt, error) {
	if userID == "" {
		return nil, models.ErrMissingUserID
	}
	if s.PublicURL == "" {
		return nil, ErrPublicURLNotConfigured
	}
	pkg, err := s.Catalogue.Lookup(packageID)
	if err != nil {
		return nil, err
	}
	gw, err := s.Gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	token, err := s.Codec.Encode(userID, pkg.Credits, pkg.ID)
	if err != nil {
		return nil, err
	}

	co, err := gw.CreateCheckout(ctx, gateway.CheckoutRequest{
		OrderID:     token,
		Package:     pkg,
		SuccessURL:  s.returnURL(gw.Name()),
		CancelURL:   s.cancelURL(),
		CallbackURL: s.base() + "/payments/webhooks/" + string(gw.Name()),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	attempt := &models.PaymentAttempt{
		OrderID:           token,
		Gateway:           gw.Name(),
		ProviderPaymentID: co.PaymentID,
		UserID:            userID,
		Credits:           pkg.Credits,
		Tier:              pkg.ID,
		Status:            models.AttemptCreated,
		CheckoutURL:       co.URL,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.CreateAttempt(ctx, attempt); err != nil {
		// The token carries the order, so the webhook can still settle it.
		logging.OrNop(s.Log).Error("record payment attempt failed",
			zap.String("order_id", token),
			zap.String("gateway", string(gw.Name())),
			zap.Error(err),
		)
	}
	logging.OrNop(s.Log).Info("checkout created",
		zap.String("order_id", token),
		zap.String("gateway", string(gw.Name())),
		zap.String("user_id", userID),
		zap.String("package", pkg.ID),
		zap.String("payment_id", co.PaymentID),
	)
	return attempt, nil
}

func (s CheckoutService) base() string {
	return strings.TrimRight(s.PublicURL, "/")
}

func (s CheckoutService) returnURL(gw models.Gateway) string {
	u := s.base() + "/payments/return/" + string(gw)
	if gw == models.GatewayStripe {
		// Stripe substitutes the session id on redirect.
		u += "?payment_id={CHECKOUT_SESSION_ID}"
	}
	return u
}

func (s CheckoutService) cancelURL() string {
	if s.CancelURL != "" {
		return s.CancelURL
	}
	return s.base() + "/payments/packages"
}
