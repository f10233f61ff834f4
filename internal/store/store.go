// Package store defines the persistence interface for the simulation engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Balance, points, share inventory and position lifecycle changes only
// happen through InTx so that per-account mutations are serialized.
type Store interface {
	// --- Questions ---

	// CreateQuestion persists a new active question.
	CreateQuestion(ctx context.Context, q *model.Question) error

	// GetQuestion retrieves a question by ID.
	GetQuestion(ctx context.Context, id string) (*model.Question, error)

	// ListActiveQuestions returns every question still in the active state.
	ListActiveQuestions(ctx context.Context) ([]model.Question, error)

	// ListDueQuestions returns active questions whose ResolvesAt <= now.
	ListDueQuestions(ctx context.Context, now time.Time) ([]model.Question, error)

	// ResolveQuestion moves an active question to resolved. Returns
	// model.ErrQuestionClosed if it is no longer active.
	ResolveQuestion(ctx context.Context, id string, outcome bool, at time.Time) error

	// CancelQuestion moves an active question to cancelled. Returns
	// model.ErrQuestionClosed if it is no longer active.
	CancelQuestion(ctx context.Context, id string, at time.Time) error

	// --- Assets ---

	// CreateAsset persists a tradable asset.
	CreateAsset(ctx context.Context, a *model.Asset) error

	// GetAsset retrieves an asset by ticker.
	GetAsset(ctx context.Context, ticker string) (*model.Asset, error)

	// ListAssets returns all assets ordered by ticker.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// ApplyPricePoint sets the asset price and appends the history point
	// in one step.
	ApplyPricePoint(ctx context.Context, p model.PricePoint) error

	// ListPriceHistory returns the most recent points for a ticker, oldest first.
	ListPriceHistory(ctx context.Context, ticker string, limit int) ([]model.PricePoint, error)

	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketByQuestion retrieves the market backing a question.
	GetMarketByQuestion(ctx context.Context, questionID string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// ListUnsettledMarkets returns markets that are no longer open and still
	// have at least one unsettled holding, oldest first.
	ListUnsettledMarkets(ctx context.Context) ([]model.Market, error)

	// ListHoldingsByMarket returns every holding in a market.
	ListHoldingsByMarket(ctx context.Context, marketID string) ([]model.Holding, error)

	// ListHoldingsByAccount returns every holding owned by an account.
	ListHoldingsByAccount(ctx context.Context, accountID string) ([]model.Holding, error)

	// ListTradesByMarket returns the immutable trade log of a market.
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// --- Positions ---

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// ListOpenPositions returns all positions in the open state.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// ListPositionsByAccount returns all positions of an account.
	ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error)

	// UpdatePositionMark stores the latest mark price and unrealized P&L.
	// A position that is no longer open is left untouched.
	UpdatePositionMark(ctx context.Context, id string, price, unrealized decimal.Decimal) error

	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListPointsTransactions returns the newest points transactions first.
	ListPointsTransactions(ctx context.Context, accountID string, limit int) ([]model.PointsTransaction, error)

	// --- Engine watermarks ---

	// GetWatermark returns the stored time for key, or the zero time.
	GetWatermark(ctx context.Context, key string) (time.Time, error)

	// SetWatermark stores t under key.
	SetWatermark(ctx context.Context, key string, t time.Time) error

	// InTx runs fn inside a transaction. Writes made through tx become
	// visible only if fn returns nil. fn may be invoked more than once when
	// the backend retries a conflicting transaction, so it must not leak
	// state between attempts.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view used for balance, points, holdings and
// position lifecycle mutations. Getters lock the row for the lifetime of
// the transaction.
type Tx interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	SaveAccount(ctx context.Context, a *model.Account) error

	// HasPointsTransaction reports whether a points row already exists for
	// (accountID, tradeType, referenceID).
	HasPointsTransaction(ctx context.Context, accountID, tradeType, referenceID string) (bool, error)
	AppendPointsTransaction(ctx context.Context, pt *model.PointsTransaction) error

	GetMarket(ctx context.Context, id string) (*model.Market, error)
	SaveMarket(ctx context.Context, m *model.Market) error

	// GetHolding returns model.ErrNotFound when the account holds nothing
	// in the market.
	GetHolding(ctx context.Context, accountID, marketID string) (*model.Holding, error)
	SaveHolding(ctx context.Context, h *model.Holding) error
	InsertTrade(ctx context.Context, t *model.Trade) error

	GetPosition(ctx context.Context, id string) (*model.Position, error)
	CreatePosition(ctx context.Context, p *model.Position) error
	SavePosition(ctx context.Context, p *model.Position) error
}
