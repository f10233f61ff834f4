package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultTxAttempts = 8
	defaultTxBackoff  = 75 * time.Millisecond
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// InTx runs at SERIALIZABLE isolation and locks the rows it reads with
// FOR UPDATE. Serialization failures are retried with exponential backoff
// and surface as model.ErrConcurrentModification once attempts run out.
type PostgresStore struct {
	pool        *pgxpool.Pool
	maxAttempts int
	backoff     time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:        pool,
		maxAttempts: defaultTxAttempts,
		backoff:     defaultTxBackoff,
	}
}

// WithRetryPolicy overrides the serialization retry policy.
func (s *PostgresStore) WithRetryPolicy(maxAttempts int, backoff time.Duration) *PostgresStore {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if backoff > 0 {
		s.backoff = backoff
	}
	return s
}

// Migrate applies the embedded SQL migrations in lexicographic order and
// records them in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// num parses a NUMERIC column read as TEXT.
func num(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// mapErr translates driver errors into model sentinels.
func mapErr(what string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, model.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, model.ErrAlreadyExists)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// --- Questions ---

const questionColumns = `id, text, cohort, tickers, created_at, resolves_at, status,
	expected_outcome, resolved_outcome, resolved_at`

func scanQuestion(row pgx.Row) (*model.Question, error) {
	var q model.Question
	if err := row.Scan(&q.ID, &q.Text, &q.Cohort, &q.Tickers, &q.CreatedAt, &q.ResolvesAt,
		&q.Status, &q.ExpectedOutcome, &q.ResolvedOutcome, &q.ResolvedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

func collectQuestions(rows pgx.Rows) ([]model.Question, error) {
	defer rows.Close()
	var out []model.Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	tickers := q.Tickers
	if tickers == nil {
		tickers = []string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO questions (id, text, cohort, tickers, created_at, resolves_at, status, expected_outcome)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		q.ID, q.Text, q.Cohort, tickers, q.CreatedAt, q.ResolvesAt, string(q.Status), q.ExpectedOutcome,
	)
	return mapErr("create question "+q.ID, err)
}

func (s *PostgresStore) GetQuestion(ctx context.Context, id string) (*model.Question, error) {
	q, err := scanQuestion(s.pool.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get question "+id, err)
	}
	return q, nil
}

func (s *PostgresStore) ListActiveQuestions(ctx context.Context) ([]model.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	return collectQuestions(rows)
}

func (s *PostgresStore) ListDueQuestions(ctx context.Context, now time.Time) ([]model.Question, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM questions
		 WHERE status = 'active' AND resolves_at <= $1 ORDER BY resolves_at`, now)
	if err != nil {
		return nil, err
	}
	return collectQuestions(rows)
}

func (s *PostgresStore) ResolveQuestion(ctx context.Context, id string, outcome bool, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE questions SET status = 'resolved', resolved_outcome = $2, resolved_at = $3
		 WHERE id = $1 AND status = 'active'`, id, outcome, at)
	if err != nil {
		return mapErr("resolve question "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.closedOrMissing(ctx, id)
	}
	return nil
}

func (s *PostgresStore) CancelQuestion(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE questions SET status = 'cancelled', resolved_at = $2
		 WHERE id = $1 AND status = 'active'`, id, at)
	if err != nil {
		return mapErr("cancel question "+id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.closedOrMissing(ctx, id)
	}
	return nil
}

func (s *PostgresStore) closedOrMissing(ctx context.Context, id string) error {
	q, err := s.GetQuestion(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("question %s is %s: %w", id, q.Status, model.ErrQuestionClosed)
}

// --- Assets ---

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (ticker, name, price, initial_price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
		a.Ticker, a.Name, a.Price.String(), a.InitialPrice.String(), a.UpdatedAt,
	)
	return mapErr("create asset "+a.Ticker, err)
}

func scanAsset(row pgx.Row) (*model.Asset, error) {
	var a model.Asset
	var price, initial string
	if err := row.Scan(&a.Ticker, &a.Name, &price, &initial, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Price = num(price)
	a.InitialPrice = num(initial)
	return &a, nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, ticker string) (*model.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx,
		`SELECT ticker, name, price::TEXT, initial_price::TEXT, updated_at
		 FROM assets WHERE ticker = $1`, ticker))
	if err != nil {
		return nil, mapErr("get asset "+ticker, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, name, price::TEXT, initial_price::TEXT, updated_at
		 FROM assets ORDER BY ticker`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyPricePoint(ctx context.Context, p model.PricePoint) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE assets SET price = $2::NUMERIC, updated_at = $3 WHERE ticker = $1`,
			p.Ticker, p.Price.String(), p.Timestamp)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("asset %s: %w", p.Ticker, model.ErrNotFound)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO price_history (ticker, price, delta, delta_percent, ts)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)`,
			p.Ticker, p.Price.String(), p.Delta.String(), p.DeltaPercent.String(), p.Timestamp)
		return err
	})
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, ticker string, limit int) ([]model.PricePoint, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT ticker, price::TEXT, delta::TEXT, delta_percent::TEXT, ts FROM (
		     SELECT * FROM price_history WHERE ticker = $1 ORDER BY id DESC LIMIT $2
		 ) h ORDER BY id`, ticker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var price, delta, pct string
		if err := rows.Scan(&p.Ticker, &price, &delta, &pct, &p.Timestamp); err != nil {
			return nil, err
		}
		p.Price, p.Delta, p.DeltaPercent = num(price), num(delta), num(pct)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Markets ---

const marketColumns = `id, question_id, q_yes::TEXT, q_no::TEXT, b::TEXT,
	price_yes::TEXT, price_no::TEXT, status, winning_outcome, created_at, resolved_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var qYes, qNo, b, priceYes, priceNo string
	var winning *string
	if err := row.Scan(&m.ID, &m.QuestionID, &qYes, &qNo, &b, &priceYes, &priceNo,
		&m.Status, &winning, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	m.QYes = num(qYes)
	m.QNo = num(qNo)
	m.B = num(b)
	m.PriceYes = num(priceYes)
	m.PriceNo = num(priceNo)
	if winning != nil {
		o := model.Outcome(*winning)
		m.WinningOutcome = &o
	}
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, question_id, q_yes, q_no, b, price_yes, price_no, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		m.ID, m.QuestionID,
		m.QYes.String(), m.QNo.String(), m.B.String(),
		m.PriceYes.String(), m.PriceNo.String(),
		string(m.Status), m.CreatedAt,
	)
	return mapErr("create market "+m.ID, err)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get market "+id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByQuestion(ctx context.Context, questionID string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE question_id = $1`, questionID))
	if err != nil {
		return nil, mapErr("get market by question "+questionID, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) ListUnsettledMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets m
		 WHERE m.status <> 'open'
		   AND EXISTS (SELECT 1 FROM holdings h WHERE h.market_id = m.id AND NOT h.settled)
		 ORDER BY m.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

const holdingColumns = `id, account_id, market_id, yes_shares::TEXT, no_shares::TEXT, yes_cost::TEXT, no_cost::TEXT, settled`

func scanHolding(row pgx.Row) (*model.Holding, error) {
	var h model.Holding
	var yes, no, yesCost, noCost string
	if err := row.Scan(&h.ID, &h.AccountID, &h.MarketID, &yes, &no, &yesCost, &noCost, &h.Settled); err != nil {
		return nil, err
	}
	h.YesShares, h.NoShares = num(yes), num(no)
	h.YesCost, h.NoCost = num(yesCost), num(noCost)
	return &h, nil
}

func (s *PostgresStore) listHoldings(ctx context.Context, where string, arg string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE `+where+` ORDER BY account_id, market_id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListHoldingsByMarket(ctx context.Context, marketID string) ([]model.Holding, error) {
	return s.listHoldings(ctx, "market_id = $1", marketID)
}

func (s *PostgresStore) ListHoldingsByAccount(ctx context.Context, accountID string) ([]model.Holding, error) {
	return s.listHoldings(ctx, "account_id = $1", accountID)
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, market_id, outcome,
		        quantity::TEXT, price::TEXT, cost::TEXT, realized_pnl::TEXT, ts
		 FROM trades WHERE market_id = $1 ORDER BY ts`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price, cost, pnl string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.MarketID, &t.Outcome,
			&qty, &price, &cost, &pnl, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Quantity, t.Price, t.Cost, t.RealizedPnL = num(qty), num(price), num(cost), num(pnl)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Positions ---

const positionColumns = `id, account_id, ticker, side, size::TEXT, leverage, margin::TEXT,
	entry_price::TEXT, current_price::TEXT, liquidation_price::TEXT, unrealized_pnl::TEXT,
	funding_paid::TEXT, realized_pnl::TEXT, exit_price::TEXT, status, opened_at, closed_at,
	last_funding_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var size, margin, entry, current, liq, unrealized, funding, realized, exit string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Ticker, &p.Side, &size, &p.Leverage, &margin,
		&entry, &current, &liq, &unrealized, &funding, &realized, &exit,
		&p.Status, &p.OpenedAt, &p.ClosedAt, &p.LastFundingAt); err != nil {
		return nil, err
	}
	p.Size = num(size)
	p.Margin = num(margin)
	p.EntryPrice = num(entry)
	p.CurrentPrice = num(current)
	p.LiquidationPrice = num(liq)
	p.UnrealizedPnL = num(unrealized)
	p.FundingPaid = num(funding)
	p.RealizedPnL = num(realized)
	p.ExitPrice = num(exit)
	return &p, nil
}

func collectPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get position "+id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

func (s *PostgresStore) ListPositionsByAccount(ctx context.Context, accountID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE account_id = $1 ORDER BY opened_at`, accountID)
	if err != nil {
		return nil, err
	}
	return collectPositions(rows)
}

func (s *PostgresStore) UpdatePositionMark(ctx context.Context, id string, price, unrealized decimal.Decimal) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE positions SET current_price = $2::NUMERIC, unrealized_pnl = $3::NUMERIC
		 WHERE id = $1 AND status = 'open'`,
		id, price.String(), unrealized.String())
	return mapErr("mark position "+id, err)
}

// --- Accounts ---

const accountColumns = `id, balance::TEXT, lifetime_pnl::TEXT, earned_points, invite_points,
	bonus_points, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var balance, pnl string
	if err := row.Scan(&a.ID, &balance, &pnl, &a.EarnedPoints, &a.InvitePoints,
		&a.BonusPoints, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Balance = num(balance)
	a.LifetimePnL = num(pnl)
	return &a, nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance, lifetime_pnl, earned_points, invite_points, bonus_points, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7, $8)`,
		a.ID, a.Balance.String(), a.LifetimePnL.String(),
		a.EarnedPoints, a.InvitePoints, a.BonusPoints, a.CreatedAt, a.UpdatedAt,
	)
	return mapErr("create account "+a.ID, err)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr("get account "+id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListPointsTransactions(ctx context.Context, accountID string, limit int) ([]model.PointsTransaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, amount, reason, trade_type, reference_id, pnl_delta::TEXT,
		        points_before, points_after, ts
		 FROM points_transactions WHERE account_id = $1 ORDER BY ts DESC, id DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PointsTransaction
	for rows.Next() {
		var pt model.PointsTransaction
		var delta string
		if err := rows.Scan(&pt.ID, &pt.AccountID, &pt.Amount, &pt.Reason, &pt.TradeType,
			&pt.ReferenceID, &delta, &pt.PointsBefore, &pt.PointsAfter, &pt.Timestamp); err != nil {
			return nil, err
		}
		pt.PnLDelta = num(delta)
		out = append(out, pt)
	}
	return out, rows.Err()
}

// --- Watermarks ---

func (s *PostgresStore) GetWatermark(ctx context.Context, key string) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT value FROM engine_watermarks WHERE key = $1`, key).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	return t, err
}

func (s *PostgresStore) SetWatermark(ctx context.Context, key string, t time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO engine_watermarks (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, t)
	return err
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	backoff := s.backoff
	for attempt := 1; ; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt >= s.maxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", model.ErrConcurrentModification, attempt, err)
		}
		if err := sleepWithContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgTx implements Tx on top of a serializable pgx transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(t.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr("get account "+id, err)
	}
	return a, nil
}

func (t *pgTx) SaveAccount(ctx context.Context, a *model.Account) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, lifetime_pnl = $3::NUMERIC,
		        earned_points = $4, invite_points = $5, bonus_points = $6, updated_at = $7
		 WHERE id = $1`,
		a.ID, a.Balance.String(), a.LifetimePnL.String(),
		a.EarnedPoints, a.InvitePoints, a.BonusPoints, a.UpdatedAt)
	if err != nil {
		return mapErr("save account "+a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.ID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) HasPointsTransaction(ctx context.Context, accountID, tradeType, referenceID string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM points_transactions
		               WHERE account_id = $1 AND trade_type = $2 AND reference_id = $3)`,
		accountID, tradeType, referenceID).Scan(&exists)
	return exists, err
}

func (t *pgTx) AppendPointsTransaction(ctx context.Context, pt *model.PointsTransaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO points_transactions (id, account_id, amount, reason, trade_type, reference_id,
		                                  pnl_delta, points_before, points_after, ts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		pt.ID, pt.AccountID, pt.Amount, pt.Reason, pt.TradeType, pt.ReferenceID,
		pt.PnLDelta.String(), pt.PointsBefore, pt.PointsAfter, pt.Timestamp)
	return mapErr("append points transaction", err)
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(t.q.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr("get market "+id, err)
	}
	return m, nil
}

func (t *pgTx) SaveMarket(ctx context.Context, m *model.Market) error {
	var winning *string
	if m.WinningOutcome != nil {
		w := string(*m.WinningOutcome)
		winning = &w
	}
	_, err := t.q.Exec(ctx,
		`UPDATE markets
		 SET q_yes = $2::NUMERIC, q_no = $3::NUMERIC,
		     price_yes = $4::NUMERIC, price_no = $5::NUMERIC,
		     status = $6, winning_outcome = $7, resolved_at = $8
		 WHERE id = $1`,
		m.ID, m.QYes.String(), m.QNo.String(), m.PriceYes.String(), m.PriceNo.String(),
		string(m.Status), winning, m.ResolvedAt)
	return mapErr("save market "+m.ID, err)
}

func (t *pgTx) GetHolding(ctx context.Context, accountID, marketID string) (*model.Holding, error) {
	h, err := scanHolding(t.q.QueryRow(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE account_id = $1 AND market_id = $2 FOR UPDATE`,
		accountID, marketID))
	if err != nil {
		return nil, mapErr("get holding "+accountID+"/"+marketID, err)
	}
	return h, nil
}

func (t *pgTx) SaveHolding(ctx context.Context, h *model.Holding) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO holdings (id, account_id, market_id, yes_shares, no_shares, yes_cost, no_cost, settled)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)
		 ON CONFLICT (account_id, market_id) DO UPDATE
		 SET yes_shares = EXCLUDED.yes_shares, no_shares = EXCLUDED.no_shares,
		     yes_cost = EXCLUDED.yes_cost, no_cost = EXCLUDED.no_cost, settled = EXCLUDED.settled`,
		h.ID, h.AccountID, h.MarketID,
		h.YesShares.String(), h.NoShares.String(), h.YesCost.String(), h.NoCost.String(), h.Settled)
	return mapErr("save holding "+h.ID, err)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trades (id, account_id, market_id, outcome, quantity, price, cost, realized_pnl, ts)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		tr.ID, tr.AccountID, tr.MarketID, string(tr.Outcome),
		tr.Quantity.String(), tr.Price.String(), tr.Cost.String(), tr.RealizedPnL.String(),
		tr.Timestamp)
	return mapErr("insert trade "+tr.ID, err)
}

func (t *pgTx) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(t.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, mapErr("get position "+id, err)
	}
	return p, nil
}

func (t *pgTx) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, account_id, ticker, side, size, leverage, margin, entry_price,
		                        current_price, liquidation_price, unrealized_pnl, funding_paid,
		                        realized_pnl, exit_price, status, opened_at, closed_at, last_funding_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15, $16, $17, $18)`,
		p.ID, p.AccountID, p.Ticker, string(p.Side), p.Size.String(), p.Leverage, p.Margin.String(),
		p.EntryPrice.String(), p.CurrentPrice.String(), p.LiquidationPrice.String(),
		p.UnrealizedPnL.String(), p.FundingPaid.String(), p.RealizedPnL.String(), p.ExitPrice.String(),
		string(p.Status), p.OpenedAt, p.ClosedAt, p.LastFundingAt)
	return mapErr("create position "+p.ID, err)
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`UPDATE positions
		 SET current_price = $2::NUMERIC, unrealized_pnl = $3::NUMERIC, funding_paid = $4::NUMERIC,
		     realized_pnl = $5::NUMERIC, exit_price = $6::NUMERIC, status = $7, closed_at = $8,
		     last_funding_at = $9
		 WHERE id = $1`,
		p.ID, p.CurrentPrice.String(), p.UnrealizedPnL.String(), p.FundingPaid.String(),
		p.RealizedPnL.String(), p.ExitPrice.String(), string(p.Status), p.ClosedAt, p.LastFundingAt)
	return mapErr("save position "+p.ID, err)
}
