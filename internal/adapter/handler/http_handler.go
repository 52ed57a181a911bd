package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rl1809/stock-ledger/internal/core/domain"
	"github.com/rl1809/stock-ledger/internal/core/service"
	"github.com/rl1809/stock-ledger/internal/port"
	"github.com/rl1809/stock-ledger/pkg/logger"
	"github.com/rl1809/stock-ledger/pkg/metrics"
)

// IdempotencyHeader carries the client's request id for write operations.
const IdempotencyHeader = "Idempotency-Key"

type HTTPHandler struct {
	ledger *service.LedgerService
	query  *service.QueryService
}

func NewHTTPHandler(ledger *service.LedgerService, query *service.QueryService) *HTTPHandler {
	return &HTTPHandler{ledger: ledger, query: query}
}

// RegisterRoutes registers all ledger routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/inventory", h.CreateInventory).Methods(http.MethodPost)
	router.HandleFunc("/api/inventory/{productID}", h.GetInventory).Methods(http.MethodGet)

	router.HandleFunc("/api/inventory/{productID}/reserve", h.stockAction(h.ledger.ReserveStock)).Methods(http.MethodPost)
	router.HandleFunc("/api/inventory/{productID}/release", h.stockAction(h.ledger.ReleaseReservation)).Methods(http.MethodPost)
	router.HandleFunc("/api/inventory/{productID}/commit", h.stockAction(h.ledger.CommitReservation)).Methods(http.MethodPost)
	router.HandleFunc("/api/inventory/{productID}/add", h.AddStock).Methods(http.MethodPost)
	router.HandleFunc("/api/inventory/{productID}/reduce", h.ReduceStock).Methods(http.MethodPost)
	router.HandleFunc("/api/inventory/{productID}/adjust", h.AdjustStock).Methods(http.MethodPost)

	router.HandleFunc("/api/inventory/{productID}/availability", h.CheckAvailability).Methods(http.MethodGet)
	router.HandleFunc("/api/inventory/{productID}/movements", h.ProductMovements).Methods(http.MethodGet)
	router.HandleFunc("/api/inventory/{productID}/movements/summary", h.Summary).Methods(http.MethodGet)
	router.HandleFunc("/api/inventory/{productID}/replay", h.Replay).Methods(http.MethodGet)
	router.HandleFunc("/api/inventory/{productID}/reservations", h.Reservations).Methods(http.MethodGet)
	router.HandleFunc("/api/inventory/{productID}/reservations/{referenceID}", h.Reservation).Methods(http.MethodGet)

	router.HandleFunc("/api/stock/low", h.LowStock).Methods(http.MethodGet)
	router.HandleFunc("/api/stock/out", h.OutOfStock).Methods(http.MethodGet)
	router.HandleFunc("/api/movements", h.Movements).Methods(http.MethodGet)

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler())
}

// Router builds the full HTTP stack: routes, request metrics, CORS and
// tracing.
func (h *HTTPHandler) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(metricsMiddleware)
	h.RegisterRoutes(router)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	return otelhttp.NewHandler(c.Handler(router), "stock-ledger-http")
}

func (h *HTTPHandler) CreateInventory(w http.ResponseWriter, r *http.Request) {
	var req CreateInventoryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inv, err := h.ledger.CreateInventory(r.Context(), service.CreateCommand{
		ProductID:         req.ProductID,
		InitialQuantity:   req.InitialQuantity,
		LowStockThreshold: req.LowStockThreshold,
		Notes:             req.Notes,
		RequestID:         r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, Response{
		Success: true,
		Message: "inventory created",
		Data:    toInventoryResponse(*inv),
	})
}

func (h *HTTPHandler) GetInventory(w http.ResponseWriter, r *http.Request) {
	inv, err := h.query.GetInventory(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: toInventoryResponse(*inv)})
}

type stockOperation func(ctx context.Context, cmd service.StockCommand) (*domain.Inventory, error)

// stockAction adapts reserve, release and commit, which share one request
// shape and take no kind.
func (h *HTTPHandler) stockAction(op stockOperation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, ok := decodeStockCommand(w, r)
		if !ok {
			return
		}
		inv, err := op(r.Context(), cmd)
		h.respondMutation(w, inv, err)
	}
}

// AddStock uses the kind from the body when given, otherwise classifies the
// reference.
func (h *HTTPHandler) AddStock(w http.ResponseWriter, r *http.Request) {
	cmd, ok := decodeStockCommand(w, r)
	if !ok {
		return
	}
	if cmd.Kind == "" {
		cmd.Kind = service.ClassifyAddition(cmd.ReferenceID)
	}

	inv, err := h.ledger.AddStock(r.Context(), cmd)
	h.respondMutation(w, inv, err)
}

func (h *HTTPHandler) ReduceStock(w http.ResponseWriter, r *http.Request) {
	cmd, ok := decodeStockCommand(w, r)
	if !ok {
		return
	}

	inv, err := h.ledger.ReduceStock(r.Context(), cmd)
	h.respondMutation(w, inv, err)
}

func (h *HTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inv, err := h.ledger.AdjustStock(r.Context(), service.AdjustCommand{
		ProductID:   mux.Vars(r)["productID"],
		NewTotal:    req.NewTotal,
		ReferenceID: req.ReferenceID,
		Notes:       req.Notes,
		RequestID:   r.Header.Get(IdempotencyHeader),
	})
	h.respondMutation(w, inv, err)
}

func (h *HTTPHandler) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	productID := mux.Vars(r)["productID"]
	qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "quantity must be an integer"})
		return
	}

	available, err := h.query.CheckAvailability(r.Context(), productID, qty)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    AvailabilityResponse{ProductID: productID, Quantity: qty, Available: available},
	})
}

func (h *HTTPHandler) ProductMovements(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseMovementFilter(w, r)
	if !ok {
		return
	}
	filter.ProductID = mux.Vars(r)["productID"]
	h.respondMovements(w, r, filter)
}

// Movements searches the whole log, typically by reference.
func (h *HTTPHandler) Movements(w http.ResponseWriter, r *http.Request) {
	filter, ok := parseMovementFilter(w, r)
	if !ok {
		return
	}
	filter.ProductID = r.URL.Query().Get("product")
	h.respondMovements(w, r, filter)
}

func (h *HTTPHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.query.Summary(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		respondError(w, err)
		return
	}

	out := make([]SummaryResponse, 0, len(summary))
	for _, s := range summary {
		out = append(out, SummaryResponse{Kind: string(s.Kind), Count: s.Count, TotalChange: s.TotalChange})
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: out})
}

func (h *HTTPHandler) Replay(w http.ResponseWriter, r *http.Request) {
	report, err := h.query.Replay(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: ReplayResponse(*report)})
}

func (h *HTTPHandler) Reservations(w http.ResponseWriter, r *http.Request) {
	list, err := h.query.Reservations(r.Context(), mux.Vars(r)["productID"])
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: toReservationList(list)})
}

func (h *HTTPHandler) Reservation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	view, err := h.query.Reservation(r.Context(), vars["productID"], vars["referenceID"])
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Data: toReservationView(view)})
}

func (h *HTTPHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	list, err := h.query.LowStock(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toInventoryList(list)})
}

func (h *HTTPHandler) OutOfStock(w http.ResponseWriter, r *http.Request) {
	list, err := h.query.OutOfStock(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toInventoryList(list)})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.query.Ping(r.Context()); err != nil {
		logger.Error(r.Context()).Err(err).Msg("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, Response{
			Success: false,
			Error:   "store unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) respondMutation(w http.ResponseWriter, inv *domain.Inventory, err error) {
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toInventoryResponse(*inv)})
}

func (h *HTTPHandler) respondMovements(w http.ResponseWriter, r *http.Request, filter port.MovementFilter) {
	movements, err := h.query.History(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: toMovementList(movements)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Error:   "invalid request body",
		})
		return false
	}
	return true
}

func decodeStockCommand(w http.ResponseWriter, r *http.Request) (service.StockCommand, bool) {
	var req StockRequest
	if !decodeBody(w, r, &req) {
		return service.StockCommand{}, false
	}

	cmd := service.StockCommand{
		ProductID:   mux.Vars(r)["productID"],
		Quantity:    req.Quantity,
		ReferenceID: req.ReferenceID,
		Notes:       req.Notes,
		RequestID:   r.Header.Get(IdempotencyHeader),
	}
	if req.Kind != "" {
		kind, err := domain.ParseMovementKind(req.Kind)
		if err != nil {
			respondError(w, err)
			return service.StockCommand{}, false
		}
		cmd.Kind = kind
	}
	return cmd, true
}

func parseMovementFilter(w http.ResponseWriter, r *http.Request) (port.MovementFilter, bool) {
	q := r.URL.Query()
	filter := port.MovementFilter{ReferenceID: q.Get("reference")}

	if raw := q.Get("kind"); raw != "" {
		kind, err := domain.ParseMovementKind(raw)
		if err != nil {
			respondError(w, err)
			return filter, false
		}
		filter.Kind = kind
	}

	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: name + " must be RFC3339"})
			return filter, false
		}
		*dst = t
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "limit must be a non-negative integer"})
			return filter, false
		}
		filter.Limit = limit
	}
	return filter, true
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
	})
}
