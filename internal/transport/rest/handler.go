// Package rest provides the HTTP surface of the till.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/tillworks/tillsync/internal/engine"
	"github.com/tillworks/tillsync/internal/model"
	"github.com/tillworks/tillsync/pkg/web"
)

// Engine is the slice of the reconciliation core the HTTP layer uses.
type Engine interface {
	Products() []model.Product
	FindProduct(barcode string) (model.Product, bool)
	AddProduct(ctx context.Context, p model.Product) error
	UpdateProduct(ctx context.Context, patch model.ProductPatch) error
	RemoveProduct(ctx context.Context, barcode string) error
	RestockProduct(ctx context.Context, barcode string, amount int64) error
	EnrichProductInfo(ctx context.Context, barcode string) (string, bool)

	Cart() []model.CartItem
	CartTotal() decimal.Decimal
	AddToCart(barcode string, qty int64) error
	SetCartQty(barcode string, qty int64) error
	RemoveFromCart(barcode string)
	Checkout(ctx context.Context) (model.Order, error)

	Orders() []model.Order
	TodaySales() decimal.Decimal
	TodayOrderCount() int

	PendingOperations() []model.PendingOperation
	DrainPending(ctx context.Context) (confirmed, failed int)
	SyncNow(ctx context.Context) error
}

type Handler struct {
	engine   Engine
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates the HTTP handler over the given engine.
func NewHandler(engine Engine, logger *slog.Logger) *Handler {
	return &Handler{
		engine:   engine,
		validate: validator.New(),
		logger:   logger.With("component", "rest"),
	}
}

// RegisterRoutes registers all till routes on the router.
func (h *Handler) RegisterRoutes(r *chi.Mux) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.CreateProduct)

			r.Route("/{barcode}", func(r chi.Router) {
				r.Get("/", h.FindProduct)
				r.Put("/", h.UpdateProduct)
				r.Delete("/", h.DeleteProduct)
				r.Post("/restock", h.Restock)
				r.Post("/enrich", h.Enrich)
			})
		})

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", h.GetCart)
			r.Post("/items", h.AddToCart)
			r.Put("/items/{barcode}", h.SetCartQty)
			r.Delete("/items/{barcode}", h.RemoveFromCart)
		})

		r.Post("/checkout", h.Checkout)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", h.ListOrders)
			r.Get("/summary", h.OrdersSummary)
		})

		r.Post("/sync", h.Sync)
		r.Get("/pending", h.ListPending)
	})

	r.Get("/healthz", h.HealthCheck)
}

type productCreateDto struct {
	Barcode string          `json:"barcode" validate:"required"`
	Name    string          `json:"name" validate:"required"`
	Price   decimal.Decimal `json:"price"`
	Stock   int64           `json:"stock" validate:"gte=0"`
}

type productUpdateDto struct {
	Name  *string          `json:"name,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
	Stock *int64           `json:"stock,omitempty"`
}

type restockDto struct {
	Amount int64 `json:"amount" validate:"required"`
}

type cartAddDto struct {
	Barcode string `json:"barcode" validate:"required"`
	Qty     int64  `json:"qty" validate:"gte=1"`
}

type cartQtyDto struct {
	Qty int64 `json:"qty" validate:"gte=0"`
}

// ListProducts returns the full catalog, soft-deleted rows included. The UI
// filters tombstones itself so that resurrections keep their position.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	list := h.engine.Products()
	mLogger.DebugContext(r.Context(), "Retrieved product list", "count", len(list))
	web.RespondJSON(w, mLogger, http.StatusOK, list)
}

// FindProduct retrieves one product by barcode.
func (h *Handler) FindProduct(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	barcode, ok := web.ParseBarcode(w, r, mLogger)
	if !ok {
		return
	}
	found, ok := h.engine.FindProduct(barcode)
	if !ok {
		mLogger.WarnContext(r.Context(), "Product not found", "barcode", barcode)
		web.RespondError(w, mLogger, http.StatusNotFound, fmt.Sprintf("Product with barcode %s not found", barcode))
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, found)
}

// CreateProduct registers a new product. The change is applied locally first
// and confirmed remotely in the background.
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	var dto productCreateDto
	if !h.decodeValid(w, r, mLogger, &dto) {
		return
	}
	mLogger.DebugContext(r.Context(), "Received request to create product", "barcode", dto.Barcode)

	p := model.Product{
		Barcode: dto.Barcode,
		Name:    dto.Name,
		Price:   dto.Price,
		Stock:   dto.Stock,
	}
	if err := h.engine.AddProduct(r.Context(), p); err != nil {
		switch {
		case errors.Is(err, engine.ErrDuplicateBarcode):
			mLogger.WarnContext(r.Context(), "Duplicate barcode", "barcode", dto.Barcode)
			web.RespondError(w, mLogger, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrInvalidProduct):
			web.RespondError(w, mLogger, http.StatusBadRequest, err.Error())
		default:
			mLogger.ErrorContext(r.Context(), "Error creating product", "barcode", dto.Barcode, "error", err)
			web.RespondError(w, mLogger, http.StatusInternalServerError, "Failed to create product")
		}
		return
	}
	created, _ := h.engine.FindProduct(dto.Barcode)
	mLogger.InfoContext(r.Context(), "Product created", "barcode", created.Barcode, "name", created.Name)
	web.RespondJSON(w, mLogger, http.StatusCreated, created)
}

// UpdateProduct merges the supplied fields onto an existing product.
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	barcode, ok := web.ParseBarcode(w, r, mLogger)
	if !ok {
		return
	}
	var dto productUpdateDto
	if !h.decodeValid(w, r, mLogger, &dto) {
		return
	}

	patch := model.ProductPatch{
		Barcode: barcode,
		Name:    dto.Name,
		Price:   dto.Price,
		Stock:   dto.Stock,
	}
	if err := h.engine.UpdateProduct(r.Context(), patch); err != nil {
		switch {
		case errors.Is(err, engine.ErrProductNotFound):
			mLogger.WarnContext(r.Context(), "Product not found for update", "barcode", barcode)
			web.RespondError(w, mLogger, http.StatusNotFound, fmt.Sprintf("Product with barcode %s not found", barcode))
		case errors.Is(err, engine.ErrInvalidProduct):
			web.RespondError(w, mLogger, http.StatusBadRequest, err.Error())
		default:
			mLogger.ErrorContext(r.Context(), "Error updating product", "barcode", barcode, "error", err)
			web.RespondError(w, mLogger, http.StatusInternalServerError, "Failed to update product")
		}
		return
	}
	updated, _ := h.engine.FindProduct(barcode)
	mLogger.InfoContext(r.Context(), "Product updated", "barcode", barcode)
	web.RespondJSON(w, mLogger, http.StatusOK, updated)
}

// DeleteProduct soft-deletes a product. Deleting an unknown barcode succeeds
// so retried deletes stay idempotent.
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	barcode, ok := web.ParseBarcode(w, r, mLogger)
	if !ok {
		return
	}
	if err := h.engine.RemoveProduct(r.Context(), barcode); err != nil {
		mLogger.ErrorContext(r.Context(), "Error deleting product", "barcode", barcode, "error", err)
		web.RespondError(w, mLogger, http.StatusInternalServerError, "Failed to delete product")
		return
	}
	mLogger.InfoContext(r.Context(), "Product deleted", "barcode", barcode)
	w.WriteHeader(http.StatusNoContent)
}

// Restock adjusts a product's stock by a signed amount.
func (h *Handler) Restock(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	barcode, ok := web.ParseBarcode(w, r, mLogger)
	if !ok {
		return
	}
	var dto restockDto
	if !h.decodeValid(w, r, mLogger, &dto) {
		return
	}
	if err := h.engine.RestockProduct(r.Context(), barcode, dto.Amount); err != nil {
		mLogger.ErrorContext(r.Context(), "Error restocking product", "barcode", barcode, "error", err)
		web.RespondError(w, mLogger, http.StatusInternalServerError, "Failed to restock product")
		return
	}
	updated, found := h.engine.FindProduct(barcode)
	if !found {
		web.RespondError(w, mLogger, http.StatusNotFound, fmt.Sprintf("Product with barcode %s not found", barcode))
		return
	}
	mLogger.InfoContext(r.Context(), "Product restocked", "barcode", barcode, "stock", updated.Stock)
	web.RespondJSON(w, mLogger, http.StatusOK, updated)
}

// Enrich resolves the barcode against the external lookup service and applies
// the corrected name and price.
func (h *Handler) Enrich(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	barcode, ok := web.ParseBarcode(w, r, mLogger)
	if !ok {
		return
	}
	name, found := h.engine.EnrichProductInfo(r.Context(), barcode)
	if !found {
		web.RespondJSON(w, mLogger, http.StatusOK, map[string]any{"found": false})
		return
	}
	mLogger.InfoContext(r.Context(), "Product enriched", "barcode", barcode, "name", name)
	web.RespondJSON(w, mLogger, http.StatusOK, map[string]any{"found": true, "name": name})
}

type cartResponse struct {
	Items []model.CartItem `json:"items"`
	Total decimal.Decimal  `json:"total"`
}

// GetCart returns the current cart and its total.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	web.RespondJSON(w, mLogger, http.StatusOK, cartResponse{
		Items: h.engine.Cart(),
		Total: h.engine.CartTotal(),
	})
}

// AddToCart adds a quantity of a product to the cart.
func (h *Handler) AddToCart(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	var dto cartAddDto
	if !h.decodeValid(w, r, mLogger, &dto) {
		return
	}
	if err := h.engine.AddToCart(dto.Barcode, dto.Qty); err != nil {
		switch {
		case errors.Is(err, engine.ErrProductNotFound):
			web.RespondError(w, mLogger, http.StatusNotFound, fmt.Sprintf("Product with barcode %s not found", dto.Barcode))
		case errors.Is(err, engine.ErrInvalidQuantity):
			web.RespondError(w, mLogger, http.StatusBadRequest, err.Error())
		default:
			mLogger.ErrorContext(r.Context(), "Error adding to cart", "barcode", dto.Barcode, "error", err)
			web.RespondError(w, mLogger, http.StatusInternalServerError, "Failed to add to cart")
		}
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, cartResponse{
		Items: h.engine.Cart(),
		Total: h.engine.CartTotal(),
	})
}

// SetCartQty sets a cart line's quantity; zero removes the line.
func (h *Handler) SetCartQty(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	barcode, ok := web.ParseBarcode(w, r, mLogger)
	if !ok {
		return
	}
	var dto cartQtyDto
	if !h.decodeValid(w, r, mLogger, &dto) {
		return
	}
	if err := h.engine.SetCartQty(barcode, dto.Qty); err != nil {
		web.RespondError(w, mLogger, http.StatusNotFound, fmt.Sprintf("No cart line for barcode %s", barcode))
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, cartResponse{
		Items: h.engine.Cart(),
		Total: h.engine.CartTotal(),
	})
}

// RemoveFromCart drops a cart line.
func (h *Handler) RemoveFromCart(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	barcode, ok := web.ParseBarcode(w, r, mLogger)
	if !ok {
		return
	}
	h.engine.RemoveFromCart(barcode)
	w.WriteHeader(http.StatusNoContent)
}

// Checkout converts the cart into an order. Stock for every line is validated
// before anything is decremented, so a failed checkout leaves state untouched.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	order, err := h.engine.Checkout(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrEmptyCart):
			web.RespondError(w, mLogger, http.StatusBadRequest, err.Error())
		case errors.Is(err, engine.ErrInsufficientStock):
			mLogger.WarnContext(r.Context(), "Checkout rejected", "error", err)
			web.RespondError(w, mLogger, http.StatusConflict, err.Error())
		default:
			mLogger.ErrorContext(r.Context(), "Error during checkout", "error", err)
			web.RespondError(w, mLogger, http.StatusInternalServerError, "Checkout failed")
		}
		return
	}
	mLogger.InfoContext(r.Context(), "Checkout complete", "order_id", order.ID, "total", order.Total)
	web.RespondJSON(w, mLogger, http.StatusCreated, order)
}

// ListOrders returns the order history, newest first.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	web.RespondJSON(w, mLogger, http.StatusOK, h.engine.Orders())
}

// OrdersSummary returns today's sales total and order count.
func (h *Handler) OrdersSummary(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	web.RespondJSON(w, mLogger, http.StatusOK, map[string]any{
		"today_sales":  h.engine.TodaySales(),
		"today_orders": h.engine.TodayOrderCount(),
	})
}

// Sync pushes the pending queue out and pulls remote state back in.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	if err := h.engine.SyncNow(r.Context()); err != nil {
		mLogger.WarnContext(r.Context(), "Sync failed", "error", err)
		web.RespondError(w, mLogger, http.StatusBadGateway, "Sync failed; local state is unchanged")
		return
	}
	web.RespondJSON(w, mLogger, http.StatusOK, map[string]any{
		"pending": len(h.engine.PendingOperations()),
	})
}

// ListPending exposes the not-yet-confirmed operation log for diagnostics.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	mLogger := h.loggerWithReqID(r)
	web.RespondJSON(w, mLogger, http.StatusOK, h.engine.PendingOperations())
}

// HealthCheck is a simple health check endpoint.
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// decodeValid decodes the JSON body into dto and validates it, writing the
// error response itself on failure.
func (h *Handler) decodeValid(w http.ResponseWriter, r *http.Request, mLogger *slog.Logger, dto any) bool {
	if err := json.NewDecoder(r.Body).Decode(dto); err != nil {
		mLogger.ErrorContext(r.Context(), "Error decoding request body", "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dto); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			errorResponse := make(map[string]string)
			for _, fieldErr := range validationErrors {
				errorResponse[fieldErr.Field()] = "failed on rule: " + fieldErr.Tag()
			}
			mLogger.WarnContext(r.Context(), "Validation errors occurred", "errors", errorResponse)
			web.RespondJSON(w, mLogger, http.StatusBadRequest, map[string]any{"validation_errors": errorResponse})
			return false
		}
		mLogger.ErrorContext(r.Context(), "Error validating request body", "error", err)
		web.RespondError(w, mLogger, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// loggerWithReqID creates a logger with the request ID from the context.
func (h *Handler) loggerWithReqID(r *http.Request) *slog.Logger {
	reqID := middleware.GetReqID(r.Context())
	return h.logger.With("request_id", reqID)
}
