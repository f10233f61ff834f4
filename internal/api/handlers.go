// Package api exposes engine operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/sim-engine/internal/market"
	"github.com/atmx/sim-engine/internal/model"
	"github.com/atmx/sim-engine/internal/perps"
)

// Engine is the set of operations served over HTTP.
type Engine interface {
	OpenAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountSummary(ctx context.Context, accountID string) (*model.AccountSummary, error)
	RecordRealizedPnL(ctx context.Context, accountID string, pnl decimal.Decimal, tradeType, referenceID string) (*model.PointsTransaction, error)
	OpenPosition(ctx context.Context, req perps.OpenRequest) (*perps.OpenResult, error)
	ClosePosition(ctx context.Context, positionID string) (*perps.CloseResult, error)
	GetMarket(ctx context.Context, marketID string) (*model.Market, error)
	QuoteShares(ctx context.Context, marketID string, outcome model.Outcome, amount decimal.Decimal) (*market.Quote, error)
	BuyShares(ctx context.Context, req market.BuyRequest) (*market.TradeResult, error)
	SellShares(ctx context.Context, req market.SellRequest) (*market.TradeResult, error)
	ActiveQuestions(ctx context.Context) ([]model.Question, error)
	CancelQuestion(ctx context.Context, questionID string) (*market.Resolution, error)
	Assets(ctx context.Context) ([]model.Asset, error)
}

// Handler serves the engine's HTTP API.
type Handler struct {
	engine Engine
	logger *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(e Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: e, logger: logger}
}

// Routes mounts every endpoint on r, relative to /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/{accountID}", h.GetAccount)
	r.Post("/accounts/{accountID}/pnl", h.RecordPnL)

	r.Post("/positions", h.OpenPosition)
	r.Post("/positions/{positionID}/close", h.ClosePosition)

	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/quote", h.Quote)
	r.Post("/markets/{marketID}/buy", h.Buy)
	r.Post("/markets/{marketID}/sell", h.Sell)

	r.Get("/questions", h.ListQuestions)
	r.Post("/questions/{questionID}/cancel", h.CancelQuestion)

	r.Get("/assets", h.ListAssets)
}

// --- Request types ---

// CreateAccountRequest is the JSON body for POST /accounts. ID is optional.
type CreateAccountRequest struct {
	ID string `json:"id"`
}

// RecordPnLRequest is the JSON body for POST /accounts/{accountID}/pnl.
type RecordPnLRequest struct {
	PnL         decimal.Decimal `json:"pnl"`
	TradeType   string          `json:"trade_type"`
	ReferenceID string          `json:"reference_id"`
}

// TradeRequest is the JSON body for market buy and sell.
type TradeRequest struct {
	AccountID string          `json:"account_id"`
	Outcome   model.Outcome   `json:"outcome"`
	Amount    decimal.Decimal `json:"amount"`
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	acct, err := h.engine.OpenAccount(r.Context(), req.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
// Returns balance, reputation, open positions, holdings and recent points.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	sum, err := h.engine.GetAccountSummary(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// RecordPnL handles POST /api/v1/accounts/{accountID}/pnl
func (h *Handler) RecordPnL(w http.ResponseWriter, r *http.Request) {
	var req RecordPnLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TradeType == "" {
		req.TradeType = model.TradeTypeManual
	}
	if model.SettlementTradeType(req.TradeType) {
		writeError(w, fmt.Sprintf("trade type %q is reserved for settlement", req.TradeType), http.StatusBadRequest)
		return
	}
	pt, err := h.engine.RecordRealizedPnL(r.Context(), chi.URLParam(r, "accountID"), req.PnL, req.TradeType, req.ReferenceID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if pt == nil {
		// Already recorded under this reference.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, pt)
}

// --- Positions ---

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req perps.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.engine.OpenPosition(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ClosePosition(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Markets ---

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Quote handles GET /api/v1/markets/{marketID}/quote?outcome=YES&amount=10
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, "amount must be a decimal", http.StatusBadRequest)
		return
	}
	outcome := model.Outcome(r.URL.Query().Get("outcome"))
	q, err := h.engine.QuoteShares(r.Context(), chi.URLParam(r, "marketID"), outcome, amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Buy handles POST /api/v1/markets/{marketID}/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.engine.BuyShares(r.Context(), market.BuyRequest{
		AccountID: req.AccountID,
		MarketID:  chi.URLParam(r, "marketID"),
		Outcome:   req.Outcome,
		Amount:    req.Amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/markets/{marketID}/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := h.engine.SellShares(r.Context(), market.SellRequest{
		AccountID: req.AccountID,
		MarketID:  chi.URLParam(r, "marketID"),
		Outcome:   req.Outcome,
		Amount:    req.Amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Questions and assets ---

// ListQuestions handles GET /api/v1/questions
func (h *Handler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	qs, err := h.engine.ActiveQuestions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if qs == nil {
		qs = []model.Question{}
	}
	writeJSON(w, http.StatusOK, qs)
}

// CancelQuestion handles POST /api/v1/questions/{questionID}/cancel
func (h *Handler) CancelQuestion(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.CancelQuestion(r.Context(), chi.URLParam(r, "questionID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListAssets handles GET /api/v1/assets
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.engine.Assets(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if assets == nil {
		assets = []model.Asset{}
	}
	writeJSON(w, http.StatusOK, assets)
}

// --- Errors ---

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrMarketResolved),
		errors.Is(err, model.ErrPositionClosed),
		errors.Is(err, model.ErrQuestionClosed),
		errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, model.ErrCollaboratorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	if errors.Is(err, model.ErrConcurrentModification) {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
