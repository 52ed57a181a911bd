package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
)

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type CreateInventoryRequest struct {
	ProductID         string `json:"product_id"`
	InitialQuantity   int    `json:"initial_quantity"`
	LowStockThreshold *int   `json:"low_stock_threshold,omitempty"`
	Notes             string `json:"notes"`
}

type StockRequest struct {
	Quantity    int    `json:"quantity"`
	ReferenceID string `json:"reference_id"`
	Kind        string `json:"kind,omitempty"`
	Notes       string `json:"notes"`
}

type AdjustRequest struct {
	NewTotal    int    `json:"new_total"`
	ReferenceID string `json:"reference_id"`
	Notes       string `json:"notes"`
}

type InventoryResponse struct {
	ProductID         string    `json:"product_id"`
	Available         int       `json:"available"`
	Reserved          int       `json:"reserved"`
	Total             int       `json:"total"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	LowStock          bool      `json:"low_stock"`
	Version           int       `json:"version"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type MovementResponse struct {
	ID             int64     `json:"id"`
	ProductID      string    `json:"product_id"`
	Kind           string    `json:"kind"`
	QuantityChange int       `json:"quantity_change"`
	QuantityBefore int       `json:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type SummaryResponse struct {
	Kind        string `json:"kind"`
	Count       int    `json:"count"`
	TotalChange int    `json:"total_change"`
}

type ReservationResponse struct {
	ProductID   string     `json:"product_id"`
	ReferenceID string     `json:"reference_id"`
	Quantity    int        `json:"quantity"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type ReservationViewResponse struct {
	Reservation *ReservationResponse `json:"reservation,omitempty"`
	Movements   []MovementResponse   `json:"movements"`
}

type AvailabilityResponse struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Available bool   `json:"available"`
}

type ReplayResponse struct {
	ProductID     string `json:"product_id"`
	StoredTotal   int    `json:"stored_total"`
	ReplayedTotal int    `json:"replayed_total"`
	Movements     int    `json:"movements"`
	Chained       bool   `json:"chained"`
	Consistent    bool   `json:"consistent"`
}

func toInventoryResponse(inv domain.Inventory) InventoryResponse {
	return InventoryResponse{
		ProductID:         inv.ProductID,
		Available:         inv.Available,
		Reserved:          inv.Reserved,
		Total:             inv.Total,
		LowStockThreshold: inv.LowStockThreshold,
		LowStock:          inv.IsLowStock(),
		Version:           inv.Version,
		CreatedAt:         inv.CreatedAt,
		UpdatedAt:         inv.UpdatedAt,
	}
}

func toInventoryList(list []domain.Inventory) []InventoryResponse {
	out := make([]InventoryResponse, 0, len(list))
	for _, inv := range list {
		out = append(out, toInventoryResponse(inv))
	}
	return out
}

func toMovementList(list []domain.Movement) []MovementResponse {
	out := make([]MovementResponse, 0, len(list))
	for _, m := range list {
		out = append(out, MovementResponse{
			ID:             m.ID,
			ProductID:      m.ProductID,
			Kind:           string(m.Kind),
			QuantityChange: m.QuantityChange,
			QuantityBefore: m.QuantityBefore,
			QuantityAfter:  m.QuantityAfter,
			ReferenceID:    m.ReferenceID,
			Notes:          m.Notes,
			CreatedAt:      m.CreatedAt,
		})
	}
	return out
}

func toReservationResponse(r domain.Reservation) ReservationResponse {
	resp := ReservationResponse{
		ProductID:   r.ProductID,
		ReferenceID: r.ReferenceID,
		Quantity:    r.Quantity,
		Status:      string(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if !r.ExpiresAt.IsZero() {
		expires := r.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}

func toReservationList(list []domain.Reservation) []ReservationResponse {
	out := make([]ReservationResponse, 0, len(list))
	for _, r := range list {
		out = append(out, toReservationResponse(r))
	}
	return out
}

func toReservationView(view *service.ReservationView) ReservationViewResponse {
	resp := ReservationViewResponse{Movements: toMovementList(view.Movements)}
	if view.Reservation != nil {
		r := toReservationResponse(*view.Reservation)
		resp.Reservation = &r
	}
	return resp
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrReservationNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateKey),
		errors.Is(err, domain.ErrReservationExists),
		errors.Is(err, service.ErrDuplicateRequest),
		errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrOverRelease),
		errors.Is(err, domain.ErrOverCommit),
		errors.Is(err, domain.ErrBelowReserved),
		errors.Is(err, domain.ErrReservationMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidKind),
		errors.Is(err, domain.ErrMissingProductID):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if errors.Is(err, domain.ErrConcurrentModification) {
		w.Header().Set("Retry-After", "1")
	}

	message := err.Error()
	if status == http.StatusInternalServerError && !domain.IsInvariantViolation(err) {
		message = "internal error"
	}

	writeJSON(w, status, Response{
		Success: false,
		Error:   message,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
