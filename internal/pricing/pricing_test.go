package pricing

import (
	"errors"
	"testing"

	"PeachCredit/internal/models"

	"github.com/shopspring/decimal"
)

func TestTablePrice(t *testing.T) {
	table := DefaultTable()
	tests := []struct {
		tier    Tier
		want    int64
		wantErr bool
	}{
		{TierLow, 2, false},
		{TierMedium, 4, false},
		{TierHigh, 6, false},
		{Tier("ultra"), 0, true},
	}
	for _, tt := range tests {
		got, err := table.Price(tt.tier)
		if tt.wantErr {
			if !errors.Is(err, models.ErrUnknownTier) {
				t.Errorf("Price(%q) err = %v, want ErrUnknownTier", tt.tier, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Price(%q) = %d, %v; want %d", tt.tier, got, err, tt.want)
		}
	}
}

func TestCatalogueListAndLookup(t *testing.T) {
	c, err := NewCatalogue(nil)
	if err != nil {
		t.Fatal(err)
	}
	list := c.List()
	wantOrder := []string{"mini", "starter", "creator", "pro"}
	if len(list) != len(wantOrder) {
		t.Fatalf("List() len = %d, want %d", len(list), len(wantOrder))
	}
	for i, id := range wantOrder {
		if list[i].ID != id {
			t.Errorf("List()[%d] = %q, want %q", i, list[i].ID, id)
		}
	}

	p, err := c.Lookup("starter")
	if err != nil {
		t.Fatal(err)
	}
	if p.Credits != 50 || p.MinorUnits() != 500 {
		t.Errorf("starter = %+v, minor %d", p, p.MinorUnits())
	}
	if _, err := c.Lookup("nope"); !errors.Is(err, models.ErrUnknownPackage) {
		t.Errorf("Lookup(nope) err = %v", err)
	}
}

func TestNewCatalogue_Rejects(t *testing.T) {
	bad := [][]Package{
		{{ID: "", Credits: 1, Price: decimal.NewFromInt(1)}},
		{{ID: "a", Credits: 0, Price: decimal.NewFromInt(1)}},
		{{ID: "a", Credits: 1, Price: decimal.Zero}},
		{{ID: "a", Credits: 1, Price: decimal.NewFromInt(1)}, {ID: "a", Credits: 2, Price: decimal.NewFromInt(2)}},
	}
	for i, pkgs := range bad {
		if _, err := NewCatalogue(pkgs); err == nil {
			t.Errorf("case %d: NewCatalogue() succeeded", i)
		}
	}
}

func TestCatalogueVerify(t *testing.T) {
	c, _ := NewCatalogue(nil)
	tests := []struct {
		name     string
		tier     string
		credits  int64
		paid     string
		currency string
		wantErr  error
	}{
		{"exact", "starter", 50, "5.00", "usd", nil},
		{"upper currency", "starter", 50, "5", "USD", nil},
		{"overpaid", "pro", 300, "20.37", "usd", nil},
		{"credits inflated", "starter", 5000, "5.00", "usd", ErrCreditsMismatch},
		{"underpaid", "creator", 120, "1.00", "usd", ErrAmountMismatch},
		{"wrong currency", "mini", 6, "1.00", "eur", ErrCurrencyMismatch},
		{"unknown package", "gold", 6, "1.00", "usd", models.ErrUnknownPackage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Verify(tt.tier, tt.credits, decimal.RequireFromString(tt.paid), tt.currency)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Verify() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
