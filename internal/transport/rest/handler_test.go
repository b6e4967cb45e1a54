package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillworks/tillsync/internal/engine"
	"github.com/tillworks/tillsync/internal/model"
)

// stubEngine is a hand-rolled Engine with canned state and errors.
type stubEngine struct {
	products []model.Product
	cart     []model.CartItem
	orders   []model.Order
	pending  []model.PendingOperation

	err     error
	syncErr error

	removedFromCart string
	drained         bool
}

func (s *stubEngine) Products() []model.Product { return s.products }

func (s *stubEngine) FindProduct(barcode string) (model.Product, bool) {
	for _, p := range s.products {
		if p.Barcode == barcode {
			return p, true
		}
	}
	return model.Product{}, false
}

func (s *stubEngine) AddProduct(_ context.Context, p model.Product) error {
	if s.err != nil {
		return s.err
	}
	s.products = append(s.products, p)
	return nil
}

func (s *stubEngine) UpdateProduct(_ context.Context, _ model.ProductPatch) error { return s.err }

func (s *stubEngine) RemoveProduct(_ context.Context, _ string) error { return s.err }

func (s *stubEngine) RestockProduct(_ context.Context, _ string, _ int64) error { return s.err }

func (s *stubEngine) EnrichProductInfo(_ context.Context, _ string) (string, bool) {
	return "Cola (330ml)", s.err == nil
}

func (s *stubEngine) Cart() []model.CartItem { return s.cart }

func (s *stubEngine) CartTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range s.cart {
		total = total.Add(item.LineTotal())
	}
	return total
}

func (s *stubEngine) AddToCart(barcode string, qty int64) error {
	if s.err != nil {
		return s.err
	}
	s.cart = append(s.cart, model.CartItem{Barcode: barcode, Qty: qty})
	return nil
}

func (s *stubEngine) SetCartQty(_ string, _ int64) error { return s.err }

func (s *stubEngine) RemoveFromCart(barcode string) { s.removedFromCart = barcode }

func (s *stubEngine) Checkout(_ context.Context) (model.Order, error) {
	if s.err != nil {
		return model.Order{}, s.err
	}
	order := model.Order{ID: "123-abcd", Items: s.cart, Total: s.CartTotal()}
	s.orders = append([]model.Order{order}, s.orders...)
	s.cart = nil
	return order, nil
}

func (s *stubEngine) Orders() []model.Order { return s.orders }

func (s *stubEngine) TodaySales() decimal.Decimal { return decimal.RequireFromString("4.50") }

func (s *stubEngine) TodayOrderCount() int { return len(s.orders) }

func (s *stubEngine) PendingOperations() []model.PendingOperation { return s.pending }

func (s *stubEngine) DrainPending(_ context.Context) (int, int) {
	s.drained = true
	return len(s.pending), 0
}

func (s *stubEngine) SyncNow(_ context.Context) error { return s.syncErr }

func newTestRouter(stub *stubEngine) *chi.Mux {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := chi.NewRouter()
	NewHandler(stub, logger).RegisterRoutes(mux)
	return mux
}

func doRequest(t *testing.T, mux *chi.Mux, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func Test_Handler_ListProducts(t *testing.T) {
	stub := &stubEngine{products: []model.Product{{Barcode: "4711", Name: "Cola"}}}
	mux := newTestRouter(stub)

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/products/", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var products []model.Product
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &products))
	require.Len(t, products, 1)
	assert.Equal(t, "4711", products[0].Barcode)
}

func Test_Handler_FindProduct(t *testing.T) {
	stub := &stubEngine{products: []model.Product{{Barcode: "4711", Name: "Cola"}}}
	mux := newTestRouter(stub)

	t.Run("found", func(t *testing.T) {
		rec := doRequest(t, mux, http.MethodGet, "/api/v1/products/4711/", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("not found", func(t *testing.T) {
		rec := doRequest(t, mux, http.MethodGet, "/api/v1/products/0000/", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func Test_Handler_CreateProduct(t *testing.T) {
	testCases := []struct {
		name     string
		body     any
		err      error
		wantCode int
	}{
		{
			name:     "created",
			body:     map[string]any{"barcode": "4711", "name": "Cola", "price": "1.50", "stock": 10},
			wantCode: http.StatusCreated,
		},
		{
			name:     "missing barcode fails validation",
			body:     map[string]any{"name": "Cola"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "duplicate barcode",
			body:     map[string]any{"barcode": "4711", "name": "Cola"},
			err:      engine.ErrDuplicateBarcode,
			wantCode: http.StatusConflict,
		},
		{
			name:     "invalid payload",
			body:     map[string]any{"barcode": "4711", "name": "Cola"},
			err:      engine.ErrInvalidProduct,
			wantCode: http.StatusBadRequest,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newTestRouter(&stubEngine{err: tc.err})
			rec := doRequest(t, mux, http.MethodPost, "/api/v1/products/", tc.body)
			assert.Equal(t, tc.wantCode, rec.Code)
		})
	}
}

func Test_Handler_UpdateProduct_NotFound(t *testing.T) {
	mux := newTestRouter(&stubEngine{err: engine.ErrProductNotFound})

	rec := doRequest(t, mux, http.MethodPut, "/api/v1/products/0000/", map[string]any{"name": "x"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func Test_Handler_DeleteProduct(t *testing.T) {
	mux := newTestRouter(&stubEngine{})

	rec := doRequest(t, mux, http.MethodDelete, "/api/v1/products/4711/", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func Test_Handler_Restock(t *testing.T) {
	stub := &stubEngine{products: []model.Product{{Barcode: "4711", Stock: 15}}}
	mux := newTestRouter(stub)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/products/4711/restock", map[string]any{"amount": 5})

	assert.Equal(t, http.StatusOK, rec.Code)
}

func Test_Handler_Enrich(t *testing.T) {
	mux := newTestRouter(&stubEngine{})

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/products/4711/enrich", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["found"])
	assert.Equal(t, "Cola (330ml)", body["name"])
}

func Test_Handler_Cart(t *testing.T) {
	stub := &stubEngine{cart: []model.CartItem{{Barcode: "4711", Price: decimal.RequireFromString("1.50"), Qty: 2}}}
	mux := newTestRouter(stub)

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/cart/", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body cartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.True(t, body.Total.Equal(decimal.RequireFromString("3.00")))
}

func Test_Handler_AddToCart(t *testing.T) {
	testCases := []struct {
		name     string
		body     any
		err      error
		wantCode int
	}{
		{name: "added", body: map[string]any{"barcode": "4711", "qty": 2}, wantCode: http.StatusOK},
		{name: "unknown product", body: map[string]any{"barcode": "0000", "qty": 1}, err: engine.ErrProductNotFound, wantCode: http.StatusNotFound},
		{name: "invalid qty", body: map[string]any{"barcode": "4711", "qty": -1}, wantCode: http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newTestRouter(&stubEngine{err: tc.err})
			rec := doRequest(t, mux, http.MethodPost, "/api/v1/cart/items", tc.body)
			assert.Equal(t, tc.wantCode, rec.Code)
		})
	}
}

func Test_Handler_RemoveFromCart(t *testing.T) {
	stub := &stubEngine{}
	mux := newTestRouter(stub)

	rec := doRequest(t, mux, http.MethodDelete, "/api/v1/cart/items/4711", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "4711", stub.removedFromCart)
}

func Test_Handler_Checkout(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "created", err: nil, wantCode: http.StatusCreated},
		{name: "empty cart", err: engine.ErrEmptyCart, wantCode: http.StatusBadRequest},
		{name: "insufficient stock", err: engine.ErrInsufficientStock, wantCode: http.StatusConflict},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mux := newTestRouter(&stubEngine{err: tc.err})
			rec := doRequest(t, mux, http.MethodPost, "/api/v1/checkout", nil)
			assert.Equal(t, tc.wantCode, rec.Code)
		})
	}
}

func Test_Handler_OrdersSummary(t *testing.T) {
	stub := &stubEngine{orders: []model.Order{{ID: "1"}, {ID: "2"}}}
	mux := newTestRouter(stub)

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/orders/summary", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.JSONEq(t, `2`, string(body["today_orders"]))
}

func Test_Handler_Sync(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		mux := newTestRouter(&stubEngine{})
		rec := doRequest(t, mux, http.MethodPost, "/api/v1/sync", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
	t.Run("remote unreachable", func(t *testing.T) {
		mux := newTestRouter(&stubEngine{syncErr: context.DeadlineExceeded})
		rec := doRequest(t, mux, http.MethodPost, "/api/v1/sync", nil)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})
}

func Test_Handler_ListPending(t *testing.T) {
	stub := &stubEngine{pending: []model.PendingOperation{{ID: "op-1", Kind: model.OpAdd}}}
	mux := newTestRouter(stub)

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/pending", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var ops []model.PendingOperation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	require.Len(t, ops, 1)
	assert.Equal(t, "op-1", ops[0].ID)
}

func Test_Handler_HealthCheck(t *testing.T) {
	mux := newTestRouter(&stubEngine{})

	rec := doRequest(t, mux, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}
