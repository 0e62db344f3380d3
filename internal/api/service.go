// Package api provides the HTTP handlers for the perp engine: collateral
// deposits and withdrawals, position lifecycle, governance actions, and
// read-only analytics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/perpx/perp-engine/internal/engine"
	"github.com/perpx/perp-engine/internal/metrics"
	"github.com/perpx/perp-engine/internal/model"
)

// Service exposes engine operations over HTTP.
type Service struct {
	engine *engine.Engine
	hub    *Hub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new API service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(e *engine.Engine, hub *Hub) *Service {
	return &Service{engine: e, hub: hub}
}

// RegisterRoutes mounts all API routes on the given router.
func (s *Service) RegisterRoutes(r chi.Router) {
	r.Post("/deposit", s.Deposit)
	r.Post("/withdraw", s.Withdraw)

	r.Post("/positions", s.OpenPosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Post("/positions/{positionID}/close", s.ClosePosition)
	r.Post("/positions/{positionID}/liquidate", s.LiquidatePosition)
	r.Get("/positions/{positionID}/analytics", s.GetAnalytics)
	r.Get("/positions/{positionID}/risk", s.GetRisk)

	r.Get("/balance/{trader}", s.GetBalance)
	r.Get("/price", s.GetPrice)
	r.Get("/liquidation-price", s.GetLiquidationPrice)
	r.Get("/status", s.GetStatus)

	r.Post("/admin/price", s.UpdatePrice)
	r.Post("/admin/pause", s.SetPaused)
	r.Post("/admin/treasury", s.SetTreasury)
	r.Post("/admin/transfer-admin", s.TransferAdmin)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// --- Request types ---

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Trader model.Identity `json:"trader"`
	Amount uint64         `json:"amount"`
}

// OpenRequest is the JSON body for POST /positions.
type OpenRequest struct {
	Trader    model.Identity  `json:"trader"`
	Direction model.Direction `json:"direction"` // "LONG" or "SHORT"
	Size      uint64          `json:"size"`
	Leverage  uint64          `json:"leverage"`
}

// CallerRequest identifies the caller for close/liquidate/admin actions.
type CallerRequest struct {
	Caller model.Identity `json:"caller"`
}

// PriceRequest is the JSON body for POST /admin/price.
type PriceRequest struct {
	Caller model.Identity `json:"caller"`
	Price  uint64         `json:"price"`
}

// PauseRequest is the JSON body for POST /admin/pause.
type PauseRequest struct {
	Caller model.Identity `json:"caller"`
	Paused bool           `json:"paused"`
}

// IdentityRequest carries a target identity for admin rotation actions.
type IdentityRequest struct {
	Caller   model.Identity `json:"caller"`
	Identity model.Identity `json:"identity"`
}

// --- Collateral handlers ---

// Deposit handles POST /api/v1/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.Deposit(r.Context(), req.Trader, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.DepositsTotal.Inc()

	writeJSON(w, http.StatusOK, map[string]any{"trader": req.Trader, "deposited": req.Amount})
}

// Withdraw handles POST /api/v1/withdraw.
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.Withdraw(r.Context(), req.Trader, req.Amount); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.WithdrawalsTotal.Inc()

	writeJSON(w, http.StatusOK, map[string]any{"trader": req.Trader, "withdrawn": req.Amount})
}

// --- Position handlers ---

// OpenPosition handles POST /api/v1/positions.
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.engine.Open(r.Context(), req.Trader, req.Direction, req.Size, req.Leverage)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.PositionsOpened.WithLabelValues(string(req.Direction)).Inc()

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:       EventPositionOpened,
			PositionID: id,
			Trader:     string(req.Trader),
			Direction:  string(req.Direction),
			Size:       req.Size,
		})
	}

	writeJSON(w, http.StatusCreated, map[string]uint64{"position_id": id})
}

// GetPosition handles GET /api/v1/positions/{positionID}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}

	p, err := s.engine.Position(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close.
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.engine.Close(r.Context(), req.Caller, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.PositionsClosed.Inc()
	metrics.ProtocolFees.Add(float64(receipt.Fee))

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:       EventPositionClosed,
			PositionID: id,
			Trader:     string(req.Caller),
			PnL:        receipt.PnL,
		})
	}

	writeJSON(w, http.StatusOK, receipt)
}

// LiquidatePosition handles POST /api/v1/positions/{positionID}/liquidate.
// Callable by any identity; liquidation works even while paused.
func (s *Service) LiquidatePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}
	var req CallerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := s.engine.Liquidate(r.Context(), req.Caller, id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.LiquidationsTotal.Inc()
	metrics.LiquidationFees.Add(float64(receipt.LiquidationFee))

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:       EventPositionLiquidated,
			PositionID: id,
			Trader:     string(receipt.Trader),
		})
	}

	writeJSON(w, http.StatusOK, receipt)
}

// GetAnalytics handles GET /api/v1/positions/{positionID}/analytics.
func (s *Service) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}

	a, err := s.engine.PositionAnalytics(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trader":      a.Trader,
		"direction":   a.Direction,
		"age_seconds": int64(a.Age.Seconds()),
	})
}

// GetRisk handles GET /api/v1/positions/{positionID}/risk.
func (s *Service) GetRisk(w http.ResponseWriter, r *http.Request) {
	id, ok := positionID(w, r)
	if !ok {
		return
	}

	atRisk, err := s.engine.IsAtRisk(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position_id": id, "at_risk": atRisk})
}

// --- Read-only handlers ---

// GetBalance handles GET /api/v1/balance/{trader}.
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	trader := model.Identity(chi.URLParam(r, "trader"))

	balance, err := s.engine.Balance(r.Context(), trader)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trader": trader, "balance": balance})
}

// GetPrice handles GET /api/v1/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.engine.CurrentPrice(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"price": price})
}

// GetLiquidationPrice handles GET /api/v1/liquidation-price.
// Query params: entry, direction, leverage.
func (s *Service) GetLiquidationPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entry, err := strconv.ParseUint(q.Get("entry"), 10, 64)
	if err != nil {
		writeError(w, "invalid entry price", http.StatusBadRequest)
		return
	}
	leverage, err := strconv.ParseUint(q.Get("leverage"), 10, 64)
	if err != nil {
		writeError(w, "invalid leverage", http.StatusBadRequest)
		return
	}
	direction := model.Direction(q.Get("direction"))

	price, err := s.engine.LiquidationPriceOf(entry, direction, leverage)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"liquidation_price": price})
}

// GetStatus handles GET /api/v1/status.
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Governance handlers ---

// UpdatePrice handles POST /api/v1/admin/price.
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.UpdateOraclePrice(r.Context(), req.Caller, req.Price); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.OraclePrice.Set(float64(req.Price))

	if s.hub != nil {
		s.hub.Broadcast(WSMessage{Type: EventPriceUpdated, Price: req.Price})
	}

	writeJSON(w, http.StatusOK, map[string]uint64{"price": req.Price})
}

// SetPaused handles POST /api/v1/admin/pause.
func (s *Service) SetPaused(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetPaused(r.Context(), req.Caller, req.Paused); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

// SetTreasury handles POST /api/v1/admin/treasury.
func (s *Service) SetTreasury(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetTreasury(r.Context(), req.Caller, req.Identity); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Identity{"treasury": req.Identity})
}

// TransferAdmin handles POST /api/v1/admin/transfer-admin.
func (s *Service) TransferAdmin(w http.ResponseWriter, r *http.Request) {
	var req IdentityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.TransferAdmin(r.Context(), req.Caller, req.Identity); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Identity{"admin": req.Identity})
}

// --- Helpers ---

func positionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "positionID"), 10, 64)
	if err != nil {
		writeError(w, "invalid position id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
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

// writeEngineError maps engine error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, engine.ErrInvalidParams):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotAuthorized):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrPositionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrTransferFailed):
		status = http.StatusBadGateway
	case errors.Is(err, engine.ErrPaused),
		errors.Is(err, engine.ErrStalePrice),
		errors.Is(err, engine.ErrPositionTooLarge),
		errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrInsufficientMargin),
		errors.Is(err, engine.ErrNotLiquidatable):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}
	writeError(w, err.Error(), status)
}
