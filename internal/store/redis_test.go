package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// racingStore runs during once, right after the primary read of an account
// and before the cache fill, the window in which a concurrent commit lands.
type racingStore struct {
	Store
	during func()
}

func (r *racingStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := r.Store.GetAccount(ctx, id)
	if f := r.during; f != nil {
		r.during = nil
		f()
	}
	return a, err
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("SIM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SIM_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}
	return rdb
}

func debit(ctx context.Context, s Store, id string, amount int64) error {
	return s.InTx(ctx, func(tx Tx) error {
		a, err := tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		a.Balance = a.Balance.Sub(decimal.NewFromInt(amount))
		return tx.SaveAccount(ctx, a)
	})
}

func TestCachedStore_InvalidationDuringFillIsNotCached(t *testing.T) {
	ctx := context.Background()
	rdb := testRedis(t)

	mem := NewMemoryStore()
	id := fmt.Sprintf("race-%d", time.Now().UnixNano())
	seedAccount(t, mem, id, 100)
	t.Cleanup(func() { rdb.Del(ctx, accountKey(id), versionKey(accountKey(id))) })

	primary := &racingStore{Store: mem}
	s := NewCachedStore(primary, rdb, time.Minute)
	primary.during = func() {
		if err := debit(ctx, s, id, 40); err != nil {
			t.Errorf("debit: %v", err)
		}
	}

	// The racing read still answers with what it saw.
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !a.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("racing read balance = %s, want 100", a.Balance)
	}

	// Its fill was discarded, so the next read sees the commit.
	a, err = s.GetAccount(ctx, id)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !a.Balance.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("balance after invalidation = %s, want 60", a.Balance)
	}

	// An undisturbed fill is cached and then invalidated by the next commit.
	if n, _ := rdb.Exists(ctx, accountKey(id)).Result(); n != 1 {
		t.Fatalf("account not cached after clean fill")
	}
	if err := debit(ctx, s, id, 10); err != nil {
		t.Fatalf("debit: %v", err)
	}
	a, _ = s.GetAccount(ctx, id)
	if !a.Balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("balance = %s, want 50", a.Balance)
	}
}

func TestCachedStore_RedisDownFallsBackToPrimary(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	mem := NewMemoryStore()
	seedAccount(t, mem, "a1", 100)
	s := NewCachedStore(mem, rdb, time.Minute)

	if err := debit(ctx, s, "a1", 25); err != nil {
		t.Fatalf("debit: %v", err)
	}
	a, err := s.GetAccount(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !a.Balance.Equal(decimal.NewFromInt(75)) {
		t.Errorf("balance = %s, want 75", a.Balance)
	}

	if _, err := s.GetMarket(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetMarket missing: err = %v, want ErrNotFound", err)
	}
}
