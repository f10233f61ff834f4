package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// InTx holds the store-wide write lock for the duration of fn, which
// serializes every transactional mutation (and therefore every per-account
// mutation) without extra bookkeeping.
type MemoryStore struct {
	mu         sync.RWMutex
	questions  map[string]*model.Question
	assets     map[string]*model.Asset
	history    map[string][]model.PricePoint
	markets    map[string]*model.Market
	holdings   map[string]*model.Holding // key: accountID/marketID
	trades     []model.Trade
	positions  map[string]*model.Position
	accounts   map[string]*model.Account
	points     []model.PointsTransaction
	pointsKeys map[string]struct{}
	watermarks map[string]time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questions:  make(map[string]*model.Question),
		assets:     make(map[string]*model.Asset),
		history:    make(map[string][]model.PricePoint),
		markets:    make(map[string]*model.Market),
		holdings:   make(map[string]*model.Holding),
		positions:  make(map[string]*model.Position),
		accounts:   make(map[string]*model.Account),
		pointsKeys: make(map[string]struct{}),
		watermarks: make(map[string]time.Time),
	}
}

func holdingKey(accountID, marketID string) string { return accountID + "/" + marketID }

func pointsKey(accountID, tradeType, ref string) string {
	return accountID + "/" + tradeType + "/" + ref
}

// --- Questions ---

func (s *MemoryStore) CreateQuestion(_ context.Context, q *model.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.questions[q.ID]; ok {
		return fmt.Errorf("question %s: %w", q.ID, model.ErrAlreadyExists)
	}
	cp := *q
	s.questions[q.ID] = &cp
	return nil
}

func (s *MemoryStore) GetQuestion(_ context.Context, id string) (*model.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.questions[id]
	if !ok {
		return nil, fmt.Errorf("question %s: %w", id, model.ErrNotFound)
	}
	cp := *q
	return &cp, nil
}

func (s *MemoryStore) ListActiveQuestions(_ context.Context) ([]model.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Question
	for _, q := range s.questions {
		if q.Status == model.QuestionActive {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListDueQuestions(_ context.Context, now time.Time) ([]model.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Question
	for _, q := range s.questions {
		if q.Status == model.QuestionActive && !q.ResolvesAt.After(now) {
			out = append(out, *q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResolvesAt.Before(out[j].ResolvesAt) })
	return out, nil
}

func (s *MemoryStore) ResolveQuestion(_ context.Context, id string, outcome bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return fmt.Errorf("question %s: %w", id, model.ErrNotFound)
	}
	if q.Status != model.QuestionActive {
		return fmt.Errorf("question %s is %s: %w", id, q.Status, model.ErrQuestionClosed)
	}
	q.Status = model.QuestionResolved
	q.ResolvedOutcome = &outcome
	q.ResolvedAt = &at
	return nil
}

func (s *MemoryStore) CancelQuestion(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return fmt.Errorf("question %s: %w", id, model.ErrNotFound)
	}
	if q.Status != model.QuestionActive {
		return fmt.Errorf("question %s is %s: %w", id, q.Status, model.ErrQuestionClosed)
	}
	q.Status = model.QuestionCancelled
	q.ResolvedAt = &at
	return nil
}

// --- Assets ---

func (s *MemoryStore) CreateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[a.Ticker]; ok {
		return fmt.Errorf("asset %s: %w", a.Ticker, model.ErrAlreadyExists)
	}
	cp := *a
	s.assets[a.Ticker] = &cp
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, ticker string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[ticker]
	if !ok {
		return nil, fmt.Errorf("asset %s: %w", ticker, model.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

func (s *MemoryStore) ApplyPricePoint(_ context.Context, p model.PricePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[p.Ticker]
	if !ok {
		return fmt.Errorf("asset %s: %w", p.Ticker, model.ErrNotFound)
	}
	a.Price = p.Price
	a.UpdatedAt = p.Timestamp
	s.history[p.Ticker] = append(s.history[p.Ticker], p)
	return nil
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, ticker string, limit int) ([]model.PricePoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[ticker]
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := make([]model.PricePoint, len(h))
	copy(out, h)
	return out, nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.QuestionID == m.QuestionID {
			return fmt.Errorf("market for question %s: %w", m.QuestionID, model.ErrAlreadyExists)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMarket(id)
}

func (s *MemoryStore) getMarket(id string) (*model.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketByQuestion(_ context.Context, questionID string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.QuestionID == questionID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("market for question %s: %w", questionID, model.ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].CreatedAt.After(markets[j].CreatedAt) })
	return markets, nil
}

func (s *MemoryStore) ListUnsettledMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make(map[string]bool)
	for _, h := range s.holdings {
		if !h.Settled {
			pending[h.MarketID] = true
		}
	}
	var out []model.Market
	for id := range pending {
		if m, ok := s.markets[id]; ok && m.Status != model.MarketOpen {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListHoldingsByMarket(_ context.Context, marketID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Holding
	for _, h := range s.holdings {
		if h.MarketID == marketID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *MemoryStore) ListHoldingsByAccount(_ context.Context, accountID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Holding
	for _, h := range s.holdings {
		if h.AccountID == accountID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, nil
}

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPosition(id)
}

func (s *MemoryStore) getPosition(id string) (*model.Position, error) {
	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.IsOpen() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) ListPositionsByAccount(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *MemoryStore) UpdatePositionMark(_ context.Context, id string, price, unrealized decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	if !p.IsOpen() {
		return nil
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = unrealized
	return nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrAlreadyExists)
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getAccount(id)
}

func (s *MemoryStore) getAccount(id string) (*model.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) ListPointsTransactions(_ context.Context, accountID string, limit int) ([]model.PointsTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PointsTransaction
	for i := len(s.points) - 1; i >= 0; i-- {
		if s.points[i].AccountID != accountID {
			continue
		}
		out = append(out, s.points[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Watermarks ---

func (s *MemoryStore) GetWatermark(_ context.Context, key string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[key], nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, key string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[key] = t
	return nil
}

// --- Transactions ---

// InTx stages writes in a memTx and applies them only when fn succeeds,
// so a rejected operation leaves no side effects.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		accounts:  make(map[string]*model.Account),
		markets:   make(map[string]*model.Market),
		holdings:  make(map[string]*model.Holding),
		positions: make(map[string]*model.Position),
		pointKeys: make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx is a write-staging view over a locked MemoryStore.
type memTx struct {
	s         *MemoryStore
	accounts  map[string]*model.Account
	markets   map[string]*model.Market
	holdings  map[string]*model.Holding
	positions map[string]*model.Position
	newPos    []string
	points    []model.PointsTransaction
	pointKeys map[string]struct{}
	trades    []model.Trade
}

func (t *memTx) GetAccount(_ context.Context, id string) (*model.Account, error) {
	if a, ok := t.accounts[id]; ok {
		cp := *a
		return &cp, nil
	}
	return t.s.getAccount(id)
}

func (t *memTx) SaveAccount(_ context.Context, a *model.Account) error {
	if _, ok := t.accounts[a.ID]; !ok {
		if _, ok := t.s.accounts[a.ID]; !ok {
			return fmt.Errorf("account %s: %w", a.ID, model.ErrNotFound)
		}
	}
	cp := *a
	t.accounts[a.ID] = &cp
	return nil
}

func (t *memTx) HasPointsTransaction(_ context.Context, accountID, tradeType, referenceID string) (bool, error) {
	k := pointsKey(accountID, tradeType, referenceID)
	if _, ok := t.pointKeys[k]; ok {
		return true, nil
	}
	_, ok := t.s.pointsKeys[k]
	return ok, nil
}

func (t *memTx) AppendPointsTransaction(_ context.Context, pt *model.PointsTransaction) error {
	k := pointsKey(pt.AccountID, pt.TradeType, pt.ReferenceID)
	if _, ok := t.pointKeys[k]; ok {
		return fmt.Errorf("points transaction %s: %w", k, model.ErrAlreadyExists)
	}
	if _, ok := t.s.pointsKeys[k]; ok {
		return fmt.Errorf("points transaction %s: %w", k, model.ErrAlreadyExists)
	}
	t.pointKeys[k] = struct{}{}
	t.points = append(t.points, *pt)
	return nil
}

func (t *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	if m, ok := t.markets[id]; ok {
		cp := *m
		return &cp, nil
	}
	return t.s.getMarket(id)
}

func (t *memTx) SaveMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.s.markets[m.ID]; !ok {
		return fmt.Errorf("market %s: %w", m.ID, model.ErrNotFound)
	}
	cp := *m
	t.markets[m.ID] = &cp
	return nil
}

func (t *memTx) GetHolding(_ context.Context, accountID, marketID string) (*model.Holding, error) {
	k := holdingKey(accountID, marketID)
	if h, ok := t.holdings[k]; ok {
		cp := *h
		return &cp, nil
	}
	if h, ok := t.s.holdings[k]; ok {
		cp := *h
		return &cp, nil
	}
	return nil, fmt.Errorf("holding %s: %w", k, model.ErrNotFound)
}

func (t *memTx) SaveHolding(_ context.Context, h *model.Holding) error {
	cp := *h
	t.holdings[holdingKey(h.AccountID, h.MarketID)] = &cp
	return nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.trades = append(t.trades, *tr)
	return nil
}

func (t *memTx) GetPosition(_ context.Context, id string) (*model.Position, error) {
	if p, ok := t.positions[id]; ok {
		cp := *p
		return &cp, nil
	}
	return t.s.getPosition(id)
}

func (t *memTx) CreatePosition(_ context.Context, p *model.Position) error {
	if _, ok := t.s.positions[p.ID]; ok {
		return fmt.Errorf("position %s: %w", p.ID, model.ErrAlreadyExists)
	}
	cp := *p
	t.positions[p.ID] = &cp
	t.newPos = append(t.newPos, p.ID)
	return nil
}

func (t *memTx) SavePosition(_ context.Context, p *model.Position) error {
	if _, ok := t.positions[p.ID]; !ok {
		if _, ok := t.s.positions[p.ID]; !ok {
			return fmt.Errorf("position %s: %w", p.ID, model.ErrNotFound)
		}
	}
	cp := *p
	t.positions[p.ID] = &cp
	return nil
}

// commit applies staged writes. Caller holds s.mu.
func (t *memTx) commit() {
	s := t.s
	for id, a := range t.accounts {
		s.accounts[id] = a
	}
	for id, m := range t.markets {
		s.markets[id] = m
	}
	for k, h := range t.holdings {
		s.holdings[k] = h
	}
	for id, p := range t.positions {
		s.positions[id] = p
	}
	for k := range t.pointKeys {
		s.pointsKeys[k] = struct{}{}
	}
	s.points = append(s.points, t.points...)
	s.trades = append(s.trades, t.trades...)
}
