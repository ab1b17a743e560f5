package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"PeachCredit/internal/models"
	"PeachCredit/internal/store"

	"go.uber.org/zap/zaptest"
)

func newTestLedger(t *testing.T, grant int64) *Ledger {
	t.Helper()
	st, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(st.Close)
	return New(st, grant, zaptest.NewLogger(t))
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int64
}

func (n *recordingNotifier) BalanceChanged(userID string, balance int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = map[string]int64{}
	}
	n.calls[userID] = balance
}

func TestGetBalance_OpensAccountWithGrant(t *testing.T) {
	l := newTestLedger(t, 10)
	ctx := context.Background()

	got, err := l.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	if got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}

	// Second access must not grant again.
	got, err = l.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got != 10 {
		t.Errorf("balance after second access = %d, want 10", got)
	}

	entries, err := l.History(ctx, "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Kind != models.EntrySignup {
		t.Errorf("history = %+v, want one signup entry", entries)
	}
}

func TestGetBalance_MissingUser(t *testing.T) {
	l := newTestLedger(t, 0)
	if _, err := l.GetBalance(context.Background(), ""); !errors.Is(err, models.ErrMissingUserID) {
		t.Errorf("err = %v, want ErrMissingUserID", err)
	}
}

func TestTryDebit(t *testing.T) {
	tests := []struct {
		name        string
		grant       int64
		amount      int64
		wantOK      bool
		wantBalance int64
	}{
		{"covered", 10, 4, true, 6},
		{"exact", 6, 6, true, 0},
		{"insufficient", 2, 6, false, 2},
		{"empty account", 0, 1, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t, tt.grant)
			ok, balance, err := l.TryDebit(context.Background(), "u1", tt.amount, "test")
			if err != nil {
				t.Fatalf("TryDebit() error: %v", err)
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
			if balance != tt.wantBalance {
				t.Errorf("balance = %d, want %d", balance, tt.wantBalance)
			}
			got, _ := l.GetBalance(context.Background(), "u1")
			if got != tt.wantBalance {
				t.Errorf("stored balance = %d, want %d", got, tt.wantBalance)
			}
		})
	}
}

func TestTryDebit_RejectsNonPositive(t *testing.T) {
	l := newTestLedger(t, 10)
	for _, amount := range []int64{0, -5} {
		if _, _, err := l.TryDebit(context.Background(), "u1", amount, ""); !errors.Is(err, models.ErrInvalidAmount) {
			t.Errorf("TryDebit(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestTryDebit_ConcurrentNeverOverdraws(t *testing.T) {
	const (
		start   = 100
		price   = 3
		workers = 60
	)
	l := newTestLedger(t, start)
	ctx := context.Background()
	if _, err := l.GetBalance(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	var succeeded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, balance, err := l.TryDebit(ctx, "u1", price, "race")
			if err != nil {
				t.Errorf("TryDebit() error: %v", err)
				return
			}
			if balance < 0 {
				t.Errorf("observed negative balance %d", balance)
			}
			if ok {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	got, err := l.GetBalance(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	want := start - price*succeeded.Load()
	if got != want {
		t.Errorf("final balance = %d, want %d (successes=%d)", got, want, succeeded.Load())
	}
	if succeeded.Load() != start/price {
		t.Errorf("successes = %d, want %d", succeeded.Load(), start/price)
	}
}

func TestCredit(t *testing.T) {
	l := newTestLedger(t, 0)
	n := &recordingNotifier{}
	l.Notifier = n

	balance, err := l.Credit(context.Background(), "u1", 50, models.EntryGrant, "ops")
	if err != nil {
		t.Fatalf("Credit() error: %v", err)
	}
	if balance != 50 {
		t.Errorf("balance = %d, want 50", balance)
	}
	if n.calls["u1"] != 50 {
		t.Errorf("notified balance = %d, want 50", n.calls["u1"])
	}
}

func TestCreditOnce_ClaimGatesIncrement(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()

	claim := func(ctx context.Context, tx store.Tx) (bool, error) {
		return tx.InsertIfAbsent(ctx, &models.ProcessedPayment{
			OrderID:        "order-1",
			PaymentID:      "pay-1",
			UserID:         "u1",
			CreditsGranted: 50,
			Amount:         "5.00",
			Currency:       "usd",
			Gateway:        models.GatewayStripe,
		})
	}

	for i := 0; i < 3; i++ {
		_, claimed, err := l.CreditOnce(ctx, "u1", 50, models.EntryPurchase, "order-1", claim)
		if err != nil {
			t.Fatalf("CreditOnce() error: %v", err)
		}
		if claimed != (i == 0) {
			t.Errorf("call %d claimed = %v", i, claimed)
		}
	}

	got, _ := l.GetBalance(ctx, "u1")
	if got != 50 {
		t.Errorf("balance = %d, want 50", got)
	}
}

func TestCreditOnce_ClaimErrorRollsBack(t *testing.T) {
	l := newTestLedger(t, 0)
	boom := errors.New("boom")

	_, claimed, err := l.CreditOnce(context.Background(), "u1", 5, models.EntryPurchase, "x",
		func(ctx context.Context, tx store.Tx) (bool, error) { return false, boom })
	if !errors.Is(err, boom) || !errors.Is(err, models.ErrLedgerWrite) {
		t.Errorf("err = %v, want boom wrapped as ledger write failure", err)
	}
	if claimed {
		t.Error("claimed = true after claim error")
	}
}
