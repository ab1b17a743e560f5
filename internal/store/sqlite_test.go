package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PeachCredit/internal/models"
)

func openTest(t *testing.T) *SQLite {
	t.Helper()
	st, err := OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestGetBalance_CreatesOnce(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()

	b, created, err := st.GetBalance(ctx, "u1", 10)
	if err != nil || !created || b != 10 {
		t.Fatalf("first GetBalance = %d %v %v", b, created, err)
	}
	b, created, err = st.GetBalance(ctx, "u1", 99)
	if err != nil || created || b != 10 {
		t.Fatalf("second GetBalance = %d %v %v", b, created, err)
	}
}

func TestAtomicDecrement(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	if _, _, err := st.GetBalance(ctx, "u1", 5); err != nil {
		t.Fatal(err)
	}

	b, ok, err := st.AtomicDecrement(ctx, "u1", 3)
	if err != nil || !ok || b != 2 {
		t.Fatalf("decrement 3 = %d %v %v", b, ok, err)
	}
	b, ok, err = st.AtomicDecrement(ctx, "u1", 3)
	if err != nil || ok || b != 2 {
		t.Fatalf("decrement past zero = %d %v %v", b, ok, err)
	}
	if _, _, err := st.AtomicDecrement(ctx, "ghost", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing account error = %v", err)
	}
}

func TestAtomicDecrement_Concurrent(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	if _, _, err := st.GetBalance(ctx, "u1", 10); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := st.AtomicDecrement(ctx, "u1", 1)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 10 {
		t.Errorf("wins = %d, want 10", wins)
	}
	if b, _, _ := st.GetBalance(ctx, "u1", 0); b != 0 {
		t.Errorf("balance = %d, want 0", b)
	}
}

func TestInsertIfAbsent(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	p := &models.ProcessedPayment{
		OrderID:        "pc1abc",
		PaymentID:      "cs_1",
		UserID:         "u1",
		CreditsGranted: 50,
		Amount:         "5.00",
		Currency:       "usd",
		Gateway:        models.GatewayStripe,
		ProcessedAt:    time.Now(),
	}
	ok, err := st.InsertIfAbsent(ctx, p)
	if err != nil || !ok {
		t.Fatalf("first insert = %v %v", ok, err)
	}
	dup := *p
	dup.PaymentID = "cs_2"
	ok, err = st.InsertIfAbsent(ctx, &dup)
	if err != nil || ok {
		t.Fatalf("second insert = %v %v", ok, err)
	}

	got, err := st.GetProcessedPayment(ctx, "pc1abc")
	if err != nil {
		t.Fatal(err)
	}
	if got.PaymentID != "cs_1" || got.Gateway != models.GatewayStripe || got.CreditsGranted != 50 {
		t.Errorf("stored = %+v, want the first record", got)
	}
	if _, err := st.GetProcessedPayment(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing error = %v", err)
	}
}

func TestInTx_RollsBack(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.InTx(ctx, func(tx Tx) error {
		if _, _, err := tx.GetBalance(ctx, "u1", 7); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v", err)
	}
	if _, _, err := st.AtomicDecrement(ctx, "u1", 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("account survived rollback: %v", err)
	}
}

func TestListEntries_NewestFirst(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	for i, kind := range []models.EntryKind{models.EntrySignup, models.EntryDebit, models.EntryRefund} {
		err := st.AppendEntry(ctx, &models.LedgerEntry{
			ID:        string(kind),
			UserID:    "u1",
			Kind:      kind,
			Delta:     int64(i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	entries, err := st.ListEntries(ctx, "u1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Kind != models.EntryRefund || entries[1].Kind != models.EntryDebit {
		t.Errorf("entries = %+v", entries)
	}
	if !entries[0].CreatedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("created_at = %s", entries[0].CreatedAt)
	}
}

func TestTrackAttempt_TerminalIsAbsorbing(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	a := &models.PaymentAttempt{
		OrderID: "pc1order",
		Gateway: models.GatewayNOWPayments,
		UserID:  "u1",
		Credits: 50,
		Tier:    "starter",
		Status:  models.AttemptCreated,
	}
	if err := st.CreateAttempt(ctx, a); err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		status    models.AttemptStatus
		paymentID string
		want      models.AttemptStatus
	}{
		{models.AttemptPending, "np_1", models.AttemptPending},
		{models.AttemptExpired, "np_1", models.AttemptExpired},
		{models.AttemptPending, "np_1", models.AttemptExpired},
		{models.AttemptSettled, "np_1", models.AttemptExpired},
	}
	for i, s := range steps {
		next := *a
		next.Status = s.status
		next.ProviderPaymentID = s.paymentID
		got, err := st.TrackAttempt(ctx, &next)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got != s.want {
			t.Errorf("step %d: status = %s, want %s", i, got, s.want)
		}
	}

	stored, err := st.GetAttempt(ctx, "pc1order")
	if err != nil {
		t.Fatal(err)
	}
	if stored.ProviderPaymentID != "np_1" {
		t.Errorf("provider id = %q, want it learned from the first report", stored.ProviderPaymentID)
	}
}

func TestTrackAttempt_InsertsUnknownOrder(t *testing.T) {
	st := openTest(t)
	got, err := st.TrackAttempt(context.Background(), &models.PaymentAttempt{
		OrderID:           "pc1new",
		Gateway:           models.GatewayStripe,
		ProviderPaymentID: "cs_9",
		UserID:            "u2",
		Credits:           6,
		Tier:              "mini",
		Status:            models.AttemptSettled,
	})
	if err != nil || got != models.AttemptSettled {
		t.Fatalf("TrackAttempt() = %s, %v", got, err)
	}
	if _, err := st.GetAttempt(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing error = %v", err)
	}
}
