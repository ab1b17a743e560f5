// Package pricing holds the static tier price table for priced operations
// and the catalogue of credit packages users can buy.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"PeachCredit/internal/models"

	"github.com/shopspring/decimal"
)

type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Table maps an operation tier to its price in credits.
type Table map[Tier]int64

func DefaultTable() Table {
	return Table{
		TierLow:    2,
		TierMedium: 4,
		TierHigh:   6,
	}
}

func (t Table) Price(tier Tier) (int64, error) {
	p, ok := t[tier]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%w: %q", models.ErrUnknownTier, tier)
	}
	return p, nil
}

// Package is a purchasable bundle of credits.
type Package struct {
	ID       string          `json:"id" yaml:"id" toml:"id"`
	Credits  int64           `json:"credits" yaml:"credits" toml:"credits"`
	Price    decimal.Decimal `json:"price" yaml:"price" toml:"price"`
	Currency string          `json:"currency" yaml:"currency" toml:"currency"`
}

// MinorUnits returns the price in cents.
func (p Package) MinorUnits() int64 {
	return p.Price.Shift(2).Round(0).IntPart()
}

var (
	ErrCreditsMismatch  = errors.New("credits do not match package")
	ErrAmountMismatch   = errors.New("paid amount below package price")
	ErrCurrencyMismatch = errors.New("currency does not match package")
)

type Catalogue struct {
	byID map[string]Package
}

func DefaultPackages() []Package {
	return []Package{
		{ID: "mini", Credits: 6, Price: decimal.RequireFromString("1.00"), Currency: "usd"},
		{ID: "starter", Credits: 50, Price: decimal.RequireFromString("5.00"), Currency: "usd"},
		{ID: "creator", Credits: 120, Price: decimal.RequireFromString("10.00"), Currency: "usd"},
		{ID: "pro", Credits: 300, Price: decimal.RequireFromString("20.00"), Currency: "usd"},
	}
}

func NewCatalogue(pkgs []Package) (*Catalogue, error) {
	if len(pkgs) == 0 {
		pkgs = DefaultPackages()
	}
	c := &Catalogue{byID: make(map[string]Package, len(pkgs))}
	for _, p := range pkgs {
		p.ID = strings.TrimSpace(p.ID)
		p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
		if p.Currency == "" {
			p.Currency = "usd"
		}
		if p.ID == "" || p.Credits <= 0 || !p.Price.IsPositive() {
			return nil, fmt.Errorf("invalid package %q", p.ID)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate package %q", p.ID)
		}
		c.byID[p.ID] = p
	}
	return c, nil
}

func (c *Catalogue) Lookup(id string) (Package, error) {
	p, ok := c.byID[id]
	if !ok {
		return Package{}, fmt.Errorf("%w: %q", models.ErrUnknownPackage, id)
	}
	return p, nil
}

// List returns the packages cheapest first.
func (c *Catalogue) List() []Package {
	out := make([]Package, 0, len(c.byID))
	for _, p := range c.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price.Equal(out[j].Price) {
			return out[i].ID < out[j].ID
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Verify checks a settled order against the package named by its tier tag.
// Overpayment is accepted; crypto invoices can settle slightly above price.
func (c *Catalogue) Verify(tier string, credits int64, paid decimal.Decimal, currency string) error {
	p, err := c.Lookup(tier)
	if err != nil {
		return err
	}
	if credits != p.Credits {
		return fmt.Errorf("%w: order %d, package %d", ErrCreditsMismatch, credits, p.Credits)
	}
	if !strings.EqualFold(strings.TrimSpace(currency), p.Currency) {
		return fmt.Errorf("%w: %q", ErrCurrencyMismatch, currency)
	}
	if paid.LessThan(p.Price) {
		return fmt.Errorf("%w: paid %s, price %s", ErrAmountMismatch, paid.StringFixed(2), p.Price.StringFixed(2))
	}
	return nil
}
