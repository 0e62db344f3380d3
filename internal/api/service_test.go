package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/perpx/perp-engine/internal/api"
	"github.com/perpx/perp-engine/internal/engine"
	"github.com/perpx/perp-engine/internal/model"
	"github.com/perpx/perp-engine/internal/store"
	"github.com/perpx/perp-engine/internal/transfer"
)

const (
	admin    = model.Identity("admin")
	treasury = model.Identity("treasury")
	custody  = model.Identity("custody")
)

// newTestEnv creates an API service over an in-memory store and vault,
// mounted on a chi router.
func newTestEnv(t *testing.T) (*transfer.Vault, chi.Router) {
	t.Helper()

	st := store.NewMemoryStore()
	vault := transfer.NewVault()
	eng, err := engine.New(context.Background(), st, vault, engine.SystemClock{}, engine.Config{
		Admin:    admin,
		Treasury: treasury,
		Custody:  custody,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	svc := api.NewService(eng, nil)
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		svc.RegisterRoutes(r)
	})
	return vault, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// setPrice updates the oracle via the admin endpoint.
func setPrice(t *testing.T, router chi.Router, price uint64) {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/admin/price", api.PriceRequest{Caller: admin, Price: price})
	if w.Code != http.StatusOK {
		t.Fatalf("failed to set price: %d %s", w.Code, w.Body.String())
	}
}

// fundAndDeposit mints vault balance for a trader and deposits it.
func fundAndDeposit(t *testing.T, vault *transfer.Vault, router chi.Router, trader model.Identity, amount uint64) {
	t.Helper()
	vault.Mint(trader, amount)
	w := doJSON(t, router, "POST", "/api/v1/deposit", api.AmountRequest{Trader: trader, Amount: amount})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit failed: %d %s", w.Code, w.Body.String())
	}
}

// --- Collateral ---

func TestDepositAndBalance(t *testing.T) {
	vault, router := newTestEnv(t)
	fundAndDeposit(t, vault, router, "alice", 1000)

	w := doJSON(t, router, "GET", "/api/v1/balance/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Balance uint64 `json:"balance"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Balance != 1000 {
		t.Errorf("expected balance=1000, got %d", resp.Balance)
	}
}

func TestDeposit_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/deposit", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", w.Code)
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	vault, router := newTestEnv(t)
	fundAndDeposit(t, vault, router, "alice", 100)

	w := doJSON(t, router, "POST", "/api/v1/withdraw", api.AmountRequest{Trader: "alice", Amount: 500})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for insufficient funds, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Positions ---

func TestOpenPosition_Flow(t *testing.T) {
	vault, router := newTestEnv(t)
	setPrice(t, router, 100)
	fundAndDeposit(t, vault, router, "alice", 1000)

	w := doJSON(t, router, "POST", "/api/v1/positions", api.OpenRequest{
		Trader: "alice", Direction: model.Long, Size: 10, Leverage: 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var opened struct {
		PositionID uint64 `json:"position_id"`
	}
	json.Unmarshal(w.Body.Bytes(), &opened)
	if opened.PositionID != 1 {
		t.Errorf("expected position_id=1, got %d", opened.PositionID)
	}

	w = doJSON(t, router, "GET", "/api/v1/positions/1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var p model.Position
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Trader != "alice" {
		t.Errorf("expected trader=alice, got %s", p.Trader)
	}
	if p.Margin != 100 {
		t.Errorf("expected margin=100, got %d", p.Margin)
	}
	if p.LiquidationPrice != 90 {
		t.Errorf("expected liquidation_price=90, got %d", p.LiquidationPrice)
	}
}

func TestOpenPosition_InsufficientMargin(t *testing.T) {
	_, router := newTestEnv(t)
	setPrice(t, router, 100)

	w := doJSON(t, router, "POST", "/api/v1/positions", api.OpenRequest{
		Trader: "alice", Direction: model.Long, Size: 10, Leverage: 10,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for unfunded trader, got %d: %s", w.Code, w.Body.String())
	}
}

func TestOpenPosition_BadDirection(t *testing.T) {
	vault, router := newTestEnv(t)
	setPrice(t, router, 100)
	fundAndDeposit(t, vault, router, "alice", 1000)

	w := doJSON(t, router, "POST", "/api/v1/positions", api.OpenRequest{
		Trader: "alice", Direction: "MAYBE", Size: 10, Leverage: 10,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad direction, got %d", w.Code)
	}
}

func TestGetPosition_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/positions/42", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestClosePosition_WrongOwner(t *testing.T) {
	vault, router := newTestEnv(t)
	setPrice(t, router, 100)
	fundAndDeposit(t, vault, router, "alice", 1000)

	doJSON(t, router, "POST", "/api/v1/positions", api.OpenRequest{
		Trader: "alice", Direction: model.Long, Size: 10, Leverage: 10,
	})

	w := doJSON(t, router, "POST", "/api/v1/positions/1/close", api.CallerRequest{Caller: "mallory"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for wrong owner, got %d: %s", w.Code, w.Body.String())
	}
}

func TestClosePosition_ReturnsReceipt(t *testing.T) {
	vault, router := newTestEnv(t)
	setPrice(t, router, 100)
	fundAndDeposit(t, vault, router, "alice", 1000)

	doJSON(t, router, "POST", "/api/v1/positions", api.OpenRequest{
		Trader: "alice", Direction: model.Long, Size: 10, Leverage: 10,
	})
	setPrice(t, router, 120)

	w := doJSON(t, router, "POST", "/api/v1/positions/1/close", api.CallerRequest{Caller: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var receipt engine.CloseReceipt
	json.Unmarshal(w.Body.Bytes(), &receipt)
	if receipt.PnL != 200 {
		t.Errorf("expected pnl=200, got %d", receipt.PnL)
	}
	if receipt.Payout != 300 {
		t.Errorf("expected payout=300, got %d", receipt.Payout)
	}
}

func TestLiquidate_NotEligible(t *testing.T) {
	vault, router := newTestEnv(t)
	setPrice(t, router, 100)
	fundAndDeposit(t, vault, router, "alice", 1000)

	doJSON(t, router, "POST", "/api/v1/positions", api.OpenRequest{
		Trader: "alice", Direction: model.Long, Size: 10, Leverage: 10,
	})

	w := doJSON(t, router, "POST", "/api/v1/positions/1/liquidate", api.CallerRequest{Caller: "bob"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for healthy position, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLiquidate_Eligible(t *testing.T) {
	vault, router := newTestEnv(t)
	setPrice(t, router, 100)
	fundAndDeposit(t, vault, router, "alice", 1000)

	doJSON(t, router, "POST", "/api/v1/positions", api.OpenRequest{
		Trader: "alice", Direction: model.Long, Size: 10, Leverage: 10,
	})
	setPrice(t, router, 80)

	w := doJSON(t, router, "POST", "/api/v1/positions/1/liquidate", api.CallerRequest{Caller: "bob"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var receipt engine.LiquidationReceipt
	json.Unmarshal(w.Body.Bytes(), &receipt)
	if receipt.LiquidationFee != 5 {
		t.Errorf("expected liquidation_fee=5, got %d", receipt.LiquidationFee)
	}
	if vault.Balance("bob") != 5 {
		t.Errorf("expected liquidator vault balance=5, got %d", vault.Balance("bob"))
	}
}

// --- Read endpoints ---

func TestLiquidationPriceEndpoint(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/liquidation-price?entry=100&direction=LONG&leverage=10", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		LiquidationPrice uint64 `json:"liquidation_price"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.LiquidationPrice != 90 {
		t.Errorf("expected 90, got %d", resp.LiquidationPrice)
	}

	w = doJSON(t, router, "GET", "/api/v1/liquidation-price?entry=100&direction=LONG&leverage=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad leverage, got %d", w.Code)
	}
}

func TestPriceEndpoint(t *testing.T) {
	_, router := newTestEnv(t)
	setPrice(t, router, 175)

	w := doJSON(t, router, "GET", "/api/v1/price", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Price uint64 `json:"price"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Price != 175 {
		t.Errorf("expected price=175, got %d", resp.Price)
	}
}

func TestRiskEndpoint(t *testing.T) {
	vault, router := newTestEnv(t)
	setPrice(t, router, 100)
	fundAndDeposit(t, vault, router, "alice", 1000)

	doJSON(t, router, "POST", "/api/v1/positions", api.OpenRequest{
		Trader: "alice", Direction: model.Long, Size: 10, Leverage: 10,
	})
	setPrice(t, router, 92)

	w := doJSON(t, router, "GET", "/api/v1/positions/1/risk", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		AtRisk bool `json:"at_risk"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.AtRisk {
		t.Error("expected at_risk=true at price 92 with trigger 90")
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, router := newTestEnv(t)
	setPrice(t, router, 250)

	w := doJSON(t, router, "GET", "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var status engine.Status
	json.Unmarshal(w.Body.Bytes(), &status)
	if status.Admin != admin {
		t.Errorf("expected admin=%s, got %s", admin, status.Admin)
	}
	if status.Price != 250 {
		t.Errorf("expected price=250, got %d", status.Price)
	}
	if status.Paused {
		t.Error("expected paused=false")
	}
}

// --- Governance ---

func TestAdminEndpoints_NotAuthorized(t *testing.T) {
	_, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/admin/price", api.PriceRequest{Caller: "mallory", Price: 100})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin price update, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/v1/admin/pause", api.PauseRequest{Caller: "mallory", Paused: true})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin pause, got %d", w.Code)
	}
}

func TestPauseBlocksDeposit(t *testing.T) {
	vault, router := newTestEnv(t)

	w := doJSON(t, router, "POST", "/api/v1/admin/pause", api.PauseRequest{Caller: admin, Paused: true})
	if w.Code != http.StatusOK {
		t.Fatalf("pause failed: %d %s", w.Code, w.Body.String())
	}

	vault.Mint("alice", 100)
	w = doJSON(t, router, "POST", "/api/v1/deposit", api.AmountRequest{Trader: "alice", Amount: 100})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 while paused, got %d: %s", w.Code, w.Body.String())
	}
}
