package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/sim-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and accounts. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Transactional writes invalidate every touched key after commit.
//
// Every invalidation bumps a per-key version. A read-through fill watches
// that version and is discarded if an invalidation lands between the
// primary read and the cache write, so a stale value is never cached after
// the commit that replaced it.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.getJSON(ctx, marketKey(id), &m) {
		return &m, nil
	}
	return readThrough(ctx, s, marketKey(id), func() (*model.Market, error) {
		return s.Store.GetMarket(ctx, id)
	})
}

func (s *CachedStore) GetMarketByQuestion(ctx context.Context, questionID string) (*model.Market, error) {
	// Try cache via question→marketID mapping. The mapping never changes.
	marketID, err := s.rdb.Get(ctx, questionKey(questionID)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.Store.GetMarketByQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, questionKey(questionID), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.getJSON(ctx, accountKey(id), &a) {
		return &a, nil
	}
	return readThrough(ctx, s, accountKey(id), func() (*model.Account, error) {
		return s.Store.GetAccount(ctx, id)
	})
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.Store.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, accountKey(a.ID))
	return nil
}

// InTx delegates to the primary and records the accounts and markets the
// transaction saved. Their cache entries are dropped once it commits.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.Store.InTx(ctx, func(tx Tx) error {
		// fn may be retried; only the final attempt's keys matter.
		touched = touched[:0]
		return fn(&trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, touched...)
	return nil
}

// trackingTx records the cache keys invalidated by a transaction.
type trackingTx struct {
	Tx
	touched *[]string
}

func (t *trackingTx) SaveAccount(ctx context.Context, a *model.Account) error {
	if err := t.Tx.SaveAccount(ctx, a); err != nil {
		return err
	}
	*t.touched = append(*t.touched, accountKey(a.ID))
	return nil
}

func (t *trackingTx) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.SaveMarket(ctx, m); err != nil {
		return err
	}
	*t.touched = append(*t.touched, marketKey(m.ID))
	return nil
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// readThrough loads a value from the primary and caches it unless the key
// was invalidated while the load ran. Cache errors never fail the read.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	var (
		v       *T
		loadErr error
		loaded  bool
	)
	// A failed watch means either a cache error or redis.TxFailedErr from an
	// invalidation mid-fill. Nothing was cached in either case.
	_ = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, loadErr = load()
		loaded = true
		if loadErr != nil {
			return loadErr
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, versionKey(key))
	if !loaded {
		// Redis was unreachable before the load ran.
		return load()
	}
	if loadErr != nil {
		return nil, loadErr
	}
	return v, nil
}

// invalidate drops cached values and bumps their versions so in-flight
// fills that read the old value are discarded.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	_, _ = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, versionKey(k))
			p.Expire(ctx, versionKey(k), s.ttl+versionGrace)
		}
		p.Del(ctx, keys...)
		return nil
	})
}

// versionGrace keeps a version key alive past any fill that could still be
// watching it.
const versionGrace = time.Minute

func versionKey(key string) string { return "ver:" + key }

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

func questionKey(id string) string { return fmt.Sprintf("question-market:%s", id) }

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
