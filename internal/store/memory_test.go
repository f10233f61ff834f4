package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func seedAccount(t *testing.T, s *MemoryStore, id string, balance int64) {
	t.Helper()
	err := s.CreateAccount(context.Background(), &model.Account{
		ID: id, Balance: decimal.NewFromInt(balance), CreatedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func TestMemoryStore_InTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "a1", 100)

	err := s.InTx(ctx, func(tx Tx) error {
		a, err := tx.GetAccount(ctx, "a1")
		if err != nil {
			return err
		}
		a.Balance = a.Balance.Sub(decimal.NewFromInt(40))
		return tx.SaveAccount(ctx, a)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	a, _ := s.GetAccount(ctx, "a1")
	if !a.Balance.Equal(decimal.NewFromInt(60)) {
		t.Errorf("expected balance 60, got %s", a.Balance)
	}
}

func TestMemoryStore_InTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "a1", 100)
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		a, _ := tx.GetAccount(ctx, "a1")
		a.Balance = decimal.Zero
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.AppendPointsTransaction(ctx, &model.PointsTransaction{
			ID: "p1", AccountID: "a1", TradeType: model.TradeTypeManual, ReferenceID: "r1",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	a, _ := s.GetAccount(ctx, "a1")
	if !a.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("rolled back tx should leave balance 100, got %s", a.Balance)
	}
	pts, _ := s.ListPointsTransactions(ctx, "a1", 0)
	if len(pts) != 0 {
		t.Errorf("rolled back tx should leave no points rows, got %d", len(pts))
	}
}

func TestMemoryStore_InTxSeesOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "a1", 100)

	err := s.InTx(ctx, func(tx Tx) error {
		a, _ := tx.GetAccount(ctx, "a1")
		a.Balance = decimal.NewFromInt(7)
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		again, _ := tx.GetAccount(ctx, "a1")
		if !again.Balance.Equal(decimal.NewFromInt(7)) {
			t.Errorf("tx should read its own write, got %s", again.Balance)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestMemoryStore_PointsTransactionUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "a1", 100)

	pt := &model.PointsTransaction{ID: "p1", AccountID: "a1", TradeType: model.TradeTypePerpClose, ReferenceID: "pos-1"}
	if err := s.InTx(ctx, func(tx Tx) error { return tx.AppendPointsTransaction(ctx, pt) }); err != nil {
		t.Fatalf("first append: %v", err)
	}

	err := s.InTx(ctx, func(tx Tx) error {
		exists, err := tx.HasPointsTransaction(ctx, "a1", model.TradeTypePerpClose, "pos-1")
		if err != nil {
			return err
		}
		if !exists {
			t.Error("expected existing points transaction")
		}
		return tx.AppendPointsTransaction(ctx, &model.PointsTransaction{
			ID: "p2", AccountID: "a1", TradeType: model.TradeTypePerpClose, ReferenceID: "pos-1",
		})
	})
	if !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for duplicate key, got %v", err)
	}
}

func TestMemoryStore_ListPointsTransactionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "a1", 100)

	for _, ref := range []string{"r1", "r2", "r3"} {
		_ = s.InTx(ctx, func(tx Tx) error {
			return tx.AppendPointsTransaction(ctx, &model.PointsTransaction{
				ID: ref, AccountID: "a1", TradeType: model.TradeTypeManual, ReferenceID: ref,
			})
		})
	}

	pts, _ := s.ListPointsTransactions(ctx, "a1", 2)
	if len(pts) != 2 || pts[0].ReferenceID != "r3" || pts[1].ReferenceID != "r2" {
		t.Errorf("expected [r3 r2], got %+v", pts)
	}
}

func TestMemoryStore_DueQuestionsAndResolveOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	due := &model.Question{ID: "q1", Status: model.QuestionActive, CreatedAt: t0, ResolvesAt: t0.Add(time.Hour)}
	later := &model.Question{ID: "q2", Status: model.QuestionActive, CreatedAt: t0, ResolvesAt: t0.Add(48 * time.Hour)}
	_ = s.CreateQuestion(ctx, due)
	_ = s.CreateQuestion(ctx, later)

	list, _ := s.ListDueQuestions(ctx, t0.Add(2*time.Hour))
	if len(list) != 1 || list[0].ID != "q1" {
		t.Fatalf("expected only q1 due, got %+v", list)
	}

	if err := s.ResolveQuestion(ctx, "q1", true, t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.ResolveQuestion(ctx, "q1", false, t0.Add(3*time.Hour)); !errors.Is(err, model.ErrQuestionClosed) {
		t.Errorf("second resolve should return ErrQuestionClosed, got %v", err)
	}
	q, _ := s.GetQuestion(ctx, "q1")
	if q.ResolvedOutcome == nil || !*q.ResolvedOutcome {
		t.Errorf("outcome must not change after first resolution")
	}
}

func TestMemoryStore_MarketPerQuestionUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateMarket(ctx, &model.Market{ID: "m1", QuestionID: "q1"}); err != nil {
		t.Fatalf("create market: %v", err)
	}
	if err := s.CreateMarket(ctx, &model.Market{ID: "m2", QuestionID: "q1"}); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_UpdatePositionMarkSkipsClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "a1", 100)

	_ = s.InTx(ctx, func(tx Tx) error {
		return tx.CreatePosition(ctx, &model.Position{ID: "p1", AccountID: "a1", Status: model.PositionClosed})
	})
	if err := s.UpdatePositionMark(ctx, "p1", decimal.NewFromInt(5), decimal.NewFromInt(1)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	p, _ := s.GetPosition(ctx, "p1")
	if !p.CurrentPrice.IsZero() {
		t.Errorf("closed position should not be re-marked, got %s", p.CurrentPrice)
	}
}

func TestMemoryStore_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "a1", 100)

	a, _ := s.GetAccount(ctx, "a1")
	a.Balance = decimal.Zero

	again, _ := s.GetAccount(ctx, "a1")
	if !again.Balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("mutating a returned account must not affect the store")
	}
}

func TestMemoryStore_PriceHistoryLimit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateAsset(ctx, &model.Asset{Ticker: "ABC", Price: decimal.NewFromInt(10)})

	for i := 1; i <= 5; i++ {
		if err := s.ApplyPricePoint(ctx, model.PricePoint{
			Ticker: "ABC", Price: decimal.NewFromInt(int64(10 + i)), Timestamp: t0.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}

	h, _ := s.ListPriceHistory(ctx, "ABC", 2)
	if len(h) != 2 || !h[1].Price.Equal(decimal.NewFromInt(15)) {
		t.Errorf("expected last two points ending at 15, got %+v", h)
	}
	a, _ := s.GetAsset(ctx, "ABC")
	if !a.Price.Equal(decimal.NewFromInt(15)) {
		t.Errorf("asset price should track latest point, got %s", a.Price)
	}
}

func TestMemoryStore_ListUnsettledMarkets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	markets := []model.Market{
		{ID: "open", QuestionID: "q1", Status: model.MarketOpen, CreatedAt: t0},
		{ID: "resolved", QuestionID: "q2", Status: model.MarketResolved, CreatedAt: t0.Add(time.Minute)},
		{ID: "void", QuestionID: "q3", Status: model.MarketVoid, CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "done", QuestionID: "q4", Status: model.MarketResolved, CreatedAt: t0.Add(3 * time.Minute)},
		{ID: "empty", QuestionID: "q5", Status: model.MarketVoid, CreatedAt: t0.Add(4 * time.Minute)},
	}
	for i := range markets {
		if err := s.CreateMarket(ctx, &markets[i]); err != nil {
			t.Fatalf("create market %s: %v", markets[i].ID, err)
		}
	}

	one := decimal.NewFromInt(1)
	holdings := []model.Holding{
		{ID: "h1", AccountID: "a1", MarketID: "open", YesShares: one},
		{ID: "h2", AccountID: "a1", MarketID: "resolved", YesShares: one},
		{ID: "h3", AccountID: "a2", MarketID: "resolved", YesShares: one, Settled: true},
		{ID: "h4", AccountID: "a1", MarketID: "void", NoShares: one},
		{ID: "h5", AccountID: "a1", MarketID: "done", YesShares: one, Settled: true},
	}
	err := s.InTx(ctx, func(tx Tx) error {
		for i := range holdings {
			if err := tx.SaveHolding(ctx, &holdings[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("save holdings: %v", err)
	}

	got, err := s.ListUnsettledMarkets(ctx)
	if err != nil {
		t.Fatalf("ListUnsettledMarkets: %v", err)
	}
	if len(got) != 2 || got[0].ID != "resolved" || got[1].ID != "void" {
		t.Fatalf("unsettled markets = %v, want [resolved void]", marketIDs(got))
	}

	// Settling the last holding drops the market from the list.
	err = s.InTx(ctx, func(tx Tx) error {
		h, err := tx.GetHolding(ctx, "a1", "void")
		if err != nil {
			return err
		}
		h.Settled = true
		return tx.SaveHolding(ctx, h)
	})
	if err != nil {
		t.Fatalf("settle holding: %v", err)
	}
	got, _ = s.ListUnsettledMarkets(ctx)
	if len(got) != 1 || got[0].ID != "resolved" {
		t.Errorf("unsettled markets = %v, want [resolved]", marketIDs(got))
	}
}

func marketIDs(ms []model.Market) []string {
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.ID
	}
	return ids
}
