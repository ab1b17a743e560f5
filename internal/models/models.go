package models

import "time"

type Gateway string

const (
	GatewayStripe      Gateway = "stripe"
	GatewayNOWPayments Gateway = "nowpayments"
)

type AttemptStatus string

const (
	AttemptCreated AttemptStatus = "created"
	AttemptPending AttemptStatus = "pending"
	AttemptSettled AttemptStatus = "settled"
	AttemptFailed  AttemptStatus = "failed"
	AttemptExpired AttemptStatus = "expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s AttemptStatus) Terminal() bool {
	switch s {
	case AttemptSettled, AttemptFailed, AttemptExpired:
		return true
	}
	return false
}

type EntryKind string

const (
	EntrySignup   EntryKind = "signup"
	EntryDebit    EntryKind = "debit"
	EntryRefund   EntryKind = "refund"
	EntryPurchase EntryKind = "purchase"
	EntryGrant    EntryKind = "grant"
)

type CreditBalance struct {
	UserID    string
	Credits   int64
	UpdatedAt time.Time
}

// ProcessedPayment is written once per settled order and never updated.
type ProcessedPayment struct {
	OrderID        string
	PaymentID      string
	UserID         string
	CreditsGranted int64
	Amount         string
	Currency       string
	Gateway        Gateway
	ProcessedAt    time.Time
}

type PaymentAttempt struct {
	OrderID           string
	Gateway           Gateway
	ProviderPaymentID string
	UserID            string
	Credits           int64
	Tier              string
	Status            AttemptStatus
	CheckoutURL       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type LedgerEntry struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Kind         EntryKind `json:"kind"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balanceAfter"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
