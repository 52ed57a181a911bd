package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/adapter/storage"
	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

type mockIdempotencyStore struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *mockIdempotencyStore) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *mockIdempotencyStore) ClearIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	store := storage.NewMemoryStore()
	ledger := service.NewLedgerService(store, service.Config{RequireReservation: true},
		service.WithIdempotencyStore(&mockIdempotencyStore{keys: map[string]bool{}}))
	t.Cleanup(ledger.Close)
	return NewHTTPHandler(ledger, service.NewQueryService(store)).Router()
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

func do[T any](t *testing.T, h http.Handler, method, path string, body interface{}, headers ...string) (int, envelope[T]) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out envelope[T]
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func createProduct(t *testing.T, h http.Handler, productID string, qty int) {
	t.Helper()
	code, resp := do[InventoryResponse](t, h, http.MethodPost, "/api/inventory",
		CreateInventoryRequest{ProductID: productID, InitialQuantity: qty})
	require.Equal(t, http.StatusCreated, code, resp.Error)
}

func TestHTTP_CreateAndGet(t *testing.T) {
	h := newTestServer(t)

	code, created := do[InventoryResponse](t, h, http.MethodPost, "/api/inventory",
		CreateInventoryRequest{ProductID: "sku-1", InitialQuantity: 30})
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, created.Success)
	assert.Equal(t, 30, created.Data.Available)
	assert.Equal(t, 30, created.Data.Total)

	code, got := do[InventoryResponse](t, h, http.MethodGet, "/api/inventory/sku-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sku-1", got.Data.ProductID)

	code, dup := do[InventoryResponse](t, h, http.MethodPost, "/api/inventory",
		CreateInventoryRequest{ProductID: "sku-1", InitialQuantity: 1})
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, dup.Success)

	code, _ = do[InventoryResponse](t, h, http.MethodGet, "/api/inventory/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTP_ReservationFlow(t *testing.T) {
	h := newTestServer(t)
	createProduct(t, h, "sku-1", 100)

	code, inv := do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/reserve",
		StockRequest{Quantity: 10, ReferenceID: "ORDER-1"})
	require.Equal(t, http.StatusOK, code, inv.Error)
	assert.Equal(t, 90, inv.Data.Available)
	assert.Equal(t, 10, inv.Data.Reserved)

	code, inv = do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/commit",
		StockRequest{Quantity: 10, ReferenceID: "ORDER-1"})
	require.Equal(t, http.StatusOK, code, inv.Error)
	assert.Equal(t, 90, inv.Data.Total)
	assert.Equal(t, 0, inv.Data.Reserved)

	code, view := do[ReservationViewResponse](t, h, http.MethodGet, "/api/inventory/sku-1/reservations/ORDER-1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, view.Data.Reservation)
	assert.Equal(t, string(domain.ReservationCommitted), view.Data.Reservation.Status)
	assert.Len(t, view.Data.Movements, 2)

	code, _ = do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/reserve",
		StockRequest{Quantity: 5, ReferenceID: "ORDER-2"})
	require.Equal(t, http.StatusOK, code)

	code, _ = do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/release",
		StockRequest{Quantity: 1, ReferenceID: "ORDER-404"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTP_BusinessRejections(t *testing.T) {
	h := newTestServer(t)
	createProduct(t, h, "sku-1", 5)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
	}{
		{"insufficient", "/api/inventory/sku-1/reserve", StockRequest{Quantity: 6}, http.StatusUnprocessableEntity},
		{"over release", "/api/inventory/sku-1/release", StockRequest{Quantity: 1}, http.StatusUnprocessableEntity},
		{"zero quantity", "/api/inventory/sku-1/reserve", StockRequest{Quantity: 0}, http.StatusBadRequest},
		{"bad kind", "/api/inventory/sku-1/reduce", StockRequest{Quantity: 1, Kind: "THEFT"}, http.StatusBadRequest},
		{"wrong kind", "/api/inventory/sku-1/add", StockRequest{Quantity: 1, Kind: "SALE"}, http.StatusBadRequest},
		{"bad body", "/api/inventory/sku-1/reserve", "not an object", http.StatusBadRequest},
		{"unknown product", "/api/inventory/nope/reserve", StockRequest{Quantity: 1}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := do[InventoryResponse](t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, code)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
		})
	}

	code, inv := do[InventoryResponse](t, h, http.MethodGet, "/api/inventory/sku-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 5, inv.Data.Available)
	assert.Equal(t, 0, inv.Data.Version)
}

func TestHTTP_AddClassifiesReturns(t *testing.T) {
	h := newTestServer(t)
	createProduct(t, h, "sku-1", 0)

	code, _ := do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/add",
		StockRequest{Quantity: 3, ReferenceID: "RMA-77"})
	require.Equal(t, http.StatusOK, code)
	code, _ = do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/add",
		StockRequest{Quantity: 10, ReferenceID: "PO-1"})
	require.Equal(t, http.StatusOK, code)

	code, returns := do[[]MovementResponse](t, h, http.MethodGet, "/api/inventory/sku-1/movements?kind=RETURN", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, returns.Data, 1)
	assert.Equal(t, "RMA-77", returns.Data[0].ReferenceID)
	assert.Equal(t, 3, returns.Data[0].QuantityChange)

	code, byRef := do[[]MovementResponse](t, h, http.MethodGet, "/api/movements?reference=PO-1", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, byRef.Data, 1)
	assert.Equal(t, string(domain.MovementPurchase), byRef.Data[0].Kind)

	code, summary := do[[]SummaryResponse](t, h, http.MethodGet, "/api/inventory/sku-1/movements/summary", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, summary.Data, 3)

	code, _ = do[[]MovementResponse](t, h, http.MethodGet, "/api/inventory/sku-1/movements?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_AdjustAndReplay(t *testing.T) {
	h := newTestServer(t)
	createProduct(t, h, "sku-1", 20)

	code, inv := do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/adjust",
		AdjustRequest{NewTotal: 17, ReferenceID: "COUNT-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 17, inv.Data.Total)

	code, report := do[ReplayResponse](t, h, http.MethodGet, "/api/inventory/sku-1/replay", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, report.Data.Consistent)
	assert.Equal(t, 17, report.Data.ReplayedTotal)
	assert.Equal(t, 2, report.Data.Movements)
}

func TestHTTP_StockListsAndAvailability(t *testing.T) {
	h := newTestServer(t)
	createProduct(t, h, "plenty", 100)
	createProduct(t, h, "low", 3)
	createProduct(t, h, "empty", 0)

	code, low := do[[]InventoryResponse](t, h, http.MethodGet, "/api/stock/low", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, low.Data, 2)
	assert.Equal(t, "empty", low.Data[0].ProductID)
	assert.True(t, low.Data[1].LowStock)

	code, out := do[[]InventoryResponse](t, h, http.MethodGet, "/api/stock/out", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, out.Data, 1)

	code, avail := do[AvailabilityResponse](t, h, http.MethodGet, "/api/inventory/low/availability?quantity=3", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, avail.Data.Available)

	code, avail = do[AvailabilityResponse](t, h, http.MethodGet, "/api/inventory/missing/availability?quantity=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, avail.Data.Available)

	code, _ = do[AvailabilityResponse](t, h, http.MethodGet, "/api/inventory/low/availability?quantity=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_IdempotencyKey(t *testing.T) {
	h := newTestServer(t)
	createProduct(t, h, "sku-1", 10)

	code, _ := do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/reserve",
		StockRequest{Quantity: 2}, IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusOK, code)

	code, resp := do[InventoryResponse](t, h, http.MethodPost, "/api/inventory/sku-1/reserve",
		StockRequest{Quantity: 2}, IdempotencyHeader, "req-1")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, service.ErrDuplicateRequest.Error(), resp.Error)

	code, inv := do[InventoryResponse](t, h, http.MethodGet, "/api/inventory/sku-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, inv.Data.Reserved)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ledger_http_requests_total")
}

func TestHTTP_CORSWithoutCredentials(t *testing.T) {
	h := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://shop.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("load: %w", domain.ErrReservationNotFound), http.StatusNotFound},
		{domain.ErrDuplicateKey, http.StatusConflict},
		{domain.ErrReservationExists, http.StatusConflict},
		{service.ErrDuplicateRequest, http.StatusConflict},
		{domain.ErrConcurrentModification, http.StatusConflict},
		{&domain.InsufficientStockError{Available: 1, Requested: 2}, http.StatusUnprocessableEntity},
		{&domain.BelowReservedError{Reserved: 3, Requested: 1}, http.StatusUnprocessableEntity},
		{&domain.ReservationMismatchError{ReferenceID: "A", Held: 1, Requested: 2}, http.StatusUnprocessableEntity},
		{domain.ErrInvalidQuantity, http.StatusBadRequest},
		{domain.ErrMissingProductID, http.StatusBadRequest},
		{&domain.InvariantViolationError{ProductID: "x", Detail: "broken"}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
