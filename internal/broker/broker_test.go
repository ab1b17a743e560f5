package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"PeachCredit/internal/generation"
	"PeachCredit/internal/ledger"
	"PeachCredit/internal/models"
	"PeachCredit/internal/pricing"
	"PeachCredit/internal/store"

	"go.uber.org/zap/zaptest"
)

// flakyStore fails balance increments on demand, which is how a refund
// write failure looks to the ledger.
type flakyStore struct {
	store.Store
	failIncrement atomic.Bool
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(flakyTx{Tx: tx, s: s})
	})
}

type flakyTx struct {
	store.Tx
	s *flakyStore
}

func (t flakyTx) AtomicIncrement(ctx context.Context, userID string, amount int64) (int64, error) {
	if t.s.failIncrement.Load() {
		return 0, errors.New("disk I/O error")
	}
	return t.Tx.AtomicIncrement(ctx, userID, amount)
}

type fakeGenerator struct {
	calls atomic.Int32
	err   error
}

func (g *fakeGenerator) Execute(ctx context.Context, tier pricing.Tier, req generation.Request) (*generation.Result, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return &generation.Result{ID: "gen_1", Content: req.Prompt}, nil
}

func newTestBroker(t *testing.T, grant int64, gen generation.Service) (*Broker, *flakyStore) {
	t.Helper()
	lite, err := store.OpenSQLite(t.TempDir())
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	t.Cleanup(lite.Close)
	st := &flakyStore{Store: lite}
	log := zaptest.NewLogger(t)
	return New(ledger.New(st, grant, log), nil, gen, log), st
}

func balance(t *testing.T, b *Broker, user string) int64 {
	t.Helper()
	got, err := b.Ledger.GetBalance(context.Background(), user)
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	return got
}

func TestGenerate_InsufficientNeverCallsGenerator(t *testing.T) {
	gen := &fakeGenerator{}
	b, _ := newTestBroker(t, 2, gen)

	_, _, err := b.Generate(context.Background(), "u1", pricing.TierHigh, generation.Request{Prompt: "x"})
	var ie *models.InsufficientCreditsError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want *InsufficientCreditsError", err)
	}
	if ie.Required != 6 || ie.Available != 2 {
		t.Errorf("insufficient = %+v, want required 6 available 2", ie)
	}
	if !errors.Is(err, models.ErrInsufficientCredits) {
		t.Error("errors.Is(ErrInsufficientCredits) = false")
	}
	if gen.calls.Load() != 0 {
		t.Errorf("generator called %d times", gen.calls.Load())
	}
	if got := balance(t, b, "u1"); got != 2 {
		t.Errorf("balance = %d, want 2", got)
	}
}

func TestGenerate_SuccessDebits(t *testing.T) {
	gen := &fakeGenerator{}
	b, _ := newTestBroker(t, 10, gen)

	res, bal, err := b.Generate(context.Background(), "u1", pricing.TierMedium, generation.Request{Prompt: "hello"})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if res.Content != "hello" || bal != 6 {
		t.Errorf("result = %+v balance %d, want balance 6", res, bal)
	}
	if got := balance(t, b, "u1"); got != 6 {
		t.Errorf("stored balance = %d, want 6", got)
	}
}

func TestGenerate_FailureRefunds(t *testing.T) {
	upstream := errors.New("model timeout")
	gen := &fakeGenerator{err: upstream}
	b, _ := newTestBroker(t, 10, gen)

	_, bal, err := b.Generate(context.Background(), "u1", pricing.TierLow, generation.Request{Prompt: "x"})
	if !errors.Is(err, upstream) {
		t.Fatalf("err = %v, want the operation error", err)
	}
	if errors.Is(err, models.ErrRefundFailure) {
		t.Error("refunded failure reported as refund failure")
	}
	if bal != 10 {
		t.Errorf("returned balance = %d, want 10", bal)
	}
	if got := balance(t, b, "u1"); got != 10 {
		t.Errorf("stored balance = %d, want 10", got)
	}

	entries, _ := b.Ledger.History(context.Background(), "u1", 10)
	var debit, refund int
	for _, e := range entries {
		switch e.Kind {
		case models.EntryDebit:
			debit++
		case models.EntryRefund:
			refund++
		}
	}
	if debit != 1 || refund != 1 {
		t.Errorf("journal debit=%d refund=%d, want one of each", debit, refund)
	}
}

func TestRun_PanicIsRefunded(t *testing.T) {
	b, _ := newTestBroker(t, 10, nil)

	_, _, err := Run(context.Background(), b, "u1", pricing.TierHigh, func(ctx context.Context) (string, error) {
		panic("nil map write")
	})
	if !errors.Is(err, ErrOperationPanic) {
		t.Fatalf("err = %v, want ErrOperationPanic", err)
	}
	if got := balance(t, b, "u1"); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestRun_CancelledContextStillRefunds(t *testing.T) {
	b, _ := newTestBroker(t, 10, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, _, err := Run(ctx, b, "u1", pricing.TierLow, func(ctx context.Context) (int, error) {
		cancel()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if got := balance(t, b, "u1"); got != 10 {
		t.Errorf("balance = %d, want 10", got)
	}
}

func TestRun_RefundFailure(t *testing.T) {
	b, st := newTestBroker(t, 10, nil)
	opErr := errors.New("upstream 500")

	_, _, err := Run(context.Background(), b, "u1", pricing.TierMedium, func(ctx context.Context) (int, error) {
		st.failIncrement.Store(true)
		return 0, opErr
	})
	var rf *models.RefundFailureError
	if !errors.As(err, &rf) {
		t.Fatalf("err = %v, want *RefundFailureError", err)
	}
	if rf.Amount != 4 || rf.UserID != "u1" {
		t.Errorf("refund failure = %+v", rf)
	}
	if !errors.Is(err, models.ErrRefundFailure) || !errors.Is(err, opErr) {
		t.Error("refund failure does not expose both causes")
	}

	st.failIncrement.Store(false)
	if got := balance(t, b, "u1"); got != 6 {
		t.Errorf("balance = %d, want 6 (debited, not refunded)", got)
	}
}

func TestRun_UnknownTier(t *testing.T) {
	b, _ := newTestBroker(t, 10, nil)
	called := false
	_, _, err := Run(context.Background(), b, "u1", pricing.Tier("ultra"), func(ctx context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if !errors.Is(err, models.ErrUnknownTier) || called {
		t.Errorf("err = %v called = %v", err, called)
	}
}

func TestRun_ConcurrentSameUser(t *testing.T) {
	b, _ := newTestBroker(t, 10, nil)
	if _, err := b.Ledger.GetBalance(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}

	var (
		wg           sync.WaitGroup
		ran          atomic.Int32
		insufficient atomic.Int32
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := Run(context.Background(), b, "u1", pricing.TierLow, func(ctx context.Context) (int, error) {
				ran.Add(1)
				return 1, nil
			})
			switch {
			case err == nil:
			case errors.Is(err, models.ErrInsufficientCredits):
				insufficient.Add(1)
			default:
				t.Errorf("Run() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ran.Load() != 5 || insufficient.Load() != 7 {
		t.Errorf("ran=%d insufficient=%d, want 5 and 7", ran.Load(), insufficient.Load())
	}
	if got := balance(t, b, "u1"); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}
