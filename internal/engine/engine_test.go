package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillworks/tillsync/internal/enrich"
	"github.com/tillworks/tillsync/internal/model"
	"github.com/tillworks/tillsync/internal/remote"
)

// memCache is an in-memory Cache for tests. It is shared between engine
// instances to simulate process restarts.
type memCache struct {
	mu       sync.Mutex
	products []model.Product
	orders   []model.Order
	pending  []model.PendingOperation
}

func (m *memCache) SaveProducts(_ context.Context, products []model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = append([]model.Product(nil), products...)
	return nil
}

func (m *memCache) LoadProducts(_ context.Context) ([]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Product(nil), m.products...), nil
}

func (m *memCache) SaveOrders(_ context.Context, orders []model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append([]model.Order(nil), orders...)
	return nil
}

func (m *memCache) LoadOrders(_ context.Context) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Order(nil), m.orders...), nil
}

func (m *memCache) SavePending(_ context.Context, ops []model.PendingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append([]model.PendingOperation(nil), ops...)
	return nil
}

func (m *memCache) LoadPending(_ context.Context) ([]model.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.PendingOperation(nil), m.pending...), nil
}

// fakeStore is an in-memory remote.Store with an offline switch. Documents
// are merged field by field the way the jsonb store merges them.
type fakeStore struct {
	mu      sync.Mutex
	offline bool
	docs    map[string]map[string]map[string]json.RawMessage
}

var errOffline = errors.New("network unreachable")

func newFakeStore() *fakeStore {
	return &fakeStore{docs: map[string]map[string]map[string]json.RawMessage{
		remote.Products: {},
		remote.Orders:   {},
	}}
}

func (f *fakeStore) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

func (f *fakeStore) doc(collection, key string) (map[string]json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[collection][key]
	return doc, ok
}

func (f *fakeStore) put(collection, key, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		panic(err)
	}
	f.docs[collection][key] = doc
}

func (f *fakeStore) Select(_ context.Context, collection string, filter *remote.Filter) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	keys := make([]string, 0, len(f.docs[collection]))
	for k := range f.docs[collection] {
		keys = append(keys, k)
	}
	if filter != nil && filter.OrderByDesc != "" {
		field := filter.OrderByDesc
		sort.Slice(keys, func(i, j int) bool {
			var a, b string
			_ = json.Unmarshal(f.docs[collection][keys[i]][field], &a)
			_ = json.Unmarshal(f.docs[collection][keys[j]][field], &b)
			return a > b
		})
	} else {
		sort.Strings(keys)
	}
	if filter != nil && filter.Limit > 0 && len(keys) > filter.Limit {
		keys = keys[:filter.Limit]
	}
	var out []json.RawMessage
	for _, k := range keys {
		raw, err := json.Marshal(f.docs[collection][k])
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (f *fakeStore) Insert(_ context.Context, collection string, records []json.RawMessage) error {
	_, err := f.merge(collection, records, false)
	return err
}

func (f *fakeStore) Update(_ context.Context, collection string, patch json.RawMessage, key, value string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return 0, errOffline
	}
	doc, ok := f.docs[collection][value]
	if !ok {
		return 0, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &fields); err != nil {
		return 0, err
	}
	for k, v := range fields {
		doc[k] = v
	}
	_ = key
	return 1, nil
}

func (f *fakeStore) Upsert(_ context.Context, collection string, records []json.RawMessage, conflictKey string) (int64, error) {
	return f.merge(collection, records, true)
}

func (f *fakeStore) merge(collection string, records []json.RawMessage, upsert bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return 0, errOffline
	}
	var affected int64
	for _, rec := range records {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(rec, &fields); err != nil {
			return affected, err
		}
		keyField := "barcode"
		if collection == remote.Orders {
			keyField = "id"
		}
		var key string
		if err := json.Unmarshal(fields[keyField], &key); err != nil {
			return affected, err
		}
		existing, ok := f.docs[collection][key]
		if ok && !upsert {
			return affected, errors.New("duplicate key")
		}
		if !ok {
			existing = map[string]json.RawMessage{}
			f.docs[collection][key] = existing
		}
		for k, v := range fields {
			existing[k] = v
		}
		affected++
	}
	return affected, nil
}

func (f *fakeStore) Delete(_ context.Context, collection, _ string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errOffline
	}
	delete(f.docs[collection], value)
	return nil
}

func (f *fakeStore) Invoke(_ context.Context, _ string, _ any) ([]byte, error) {
	return nil, remote.ErrFunctionsDisabled
}

// fakeLookuper returns a canned enrichment result.
type fakeLookuper struct {
	result enrich.Result
	err    error
	called int
}

func (f *fakeLookuper) Lookup(_ context.Context, _ string) (enrich.Result, error) {
	f.called++
	return f.result, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cache Cache, store remote.Store, opts ...Option) *Engine {
	t.Helper()
	e, err := New(context.Background(), cache, store, &fakeLookuper{}, testLogger(), opts...)
	require.NoError(t, err)
	return e
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func cola() model.Product {
	return model.Product{Barcode: "4711", Name: "Cola", Price: price("1.50"), Stock: 10}
}

func Test_Engine_AddProduct_VisibleBeforeRemoteConfirms(t *testing.T) {
	// given: the network is down
	store := newFakeStore()
	store.setOffline(true)
	e := newTestEngine(t, &memCache{}, store)

	// when
	require.NoError(t, e.AddProduct(context.Background(), cola()))
	e.Wait()

	// then: the product is served locally and the write is queued, unconfirmed
	got, found := e.FindProduct("4711")
	require.True(t, found)
	assert.Equal(t, "Cola", got.Name)

	pending := e.PendingOperations()
	require.Len(t, pending, 1)
	assert.Equal(t, model.OpAdd, pending[0].Kind)
	assert.Equal(t, model.OpFailed, pending[0].Status)

	_, ok := store.doc(remote.Products, "4711")
	assert.False(t, ok)
}

func Test_Engine_AddProduct_Validation(t *testing.T) {
	e := newTestEngine(t, &memCache{}, newFakeStore())

	testCases := []struct {
		name    string
		product model.Product
	}{
		{name: "missing barcode", product: model.Product{Name: "x"}},
		{name: "negative price", product: model.Product{Barcode: "1", Price: price("-1")}},
		{name: "negative stock", product: model.Product{Barcode: "1", Stock: -1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.AddProduct(context.Background(), tc.product)
			assert.ErrorIs(t, err, ErrInvalidProduct)
		})
	}
}

func Test_Engine_AddProduct_DuplicateBarcodeRejected(t *testing.T) {
	e := newTestEngine(t, &memCache{}, newFakeStore())
	require.NoError(t, e.AddProduct(context.Background(), cola()))

	err := e.AddProduct(context.Background(), cola())

	assert.ErrorIs(t, err, ErrDuplicateBarcode)
	e.Wait()
}

func Test_Engine_AddProduct_ResurrectsTombstoneInPlace(t *testing.T) {
	e := newTestEngine(t, &memCache{}, newFakeStore())
	require.NoError(t, e.AddProduct(context.Background(), cola()))
	require.NoError(t, e.AddProduct(context.Background(), model.Product{Barcode: "9999", Name: "Chips", Price: price("2.00")}))
	require.NoError(t, e.RemoveProduct(context.Background(), "4711"))

	// when: the same barcode is added again
	require.NoError(t, e.AddProduct(context.Background(), model.Product{Barcode: "4711", Name: "Cola Zero", Price: price("1.60"), Stock: 5}))
	e.Wait()

	// then: the row is live again and kept its position
	products := e.Products()
	require.Len(t, products, 2)
	assert.Equal(t, "4711", products[0].Barcode)
	assert.Equal(t, "Cola Zero", products[0].Name)
	assert.False(t, products[0].IsDeleted)
}

func Test_Engine_RemoveProduct_SoftDeletes(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, &memCache{}, store)
	require.NoError(t, e.AddProduct(context.Background(), cola()))

	require.NoError(t, e.RemoveProduct(context.Background(), "4711"))
	e.Wait()

	// then: the local row is retained as a tombstone
	got, found := e.FindProduct("4711")
	require.True(t, found)
	assert.True(t, got.IsDeleted)

	// and the remote document carries the flag instead of being dropped
	doc, ok := store.doc(remote.Products, "4711")
	require.True(t, ok)
	assert.JSONEq(t, `true`, string(doc["is_deleted"]))
}

func Test_Engine_RemoveProduct_UnknownBarcodeIsNoop(t *testing.T) {
	e := newTestEngine(t, &memCache{}, newFakeStore())

	require.NoError(t, e.RemoveProduct(context.Background(), "nope"))
	e.Wait()

	assert.Empty(t, e.PendingOperations())
}

func Test_Engine_UpdateProduct_RefreshesCartLine(t *testing.T) {
	e := newTestEngine(t, &memCache{}, newFakeStore())
	require.NoError(t, e.AddProduct(context.Background(), cola()))
	require.NoError(t, e.AddToCart("4711", 2))

	newName := "Cola Classic"
	newPrice := price("1.80")
	require.NoError(t, e.UpdateProduct(context.Background(), model.ProductPatch{
		Barcode: "4711", Name: &newName, Price: &newPrice,
	}))
	e.Wait()

	cart := e.Cart()
	require.Len(t, cart, 1)
	assert.Equal(t, "Cola Classic", cart[0].Name)
	assert.True(t, cart[0].Price.Equal(newPrice))
	assert.True(t, e.CartTotal().Equal(price("3.60")))
}

func Test_Engine_UpdateProduct_CannotChangeDeleteFlag(t *testing.T) {
	e := newTestEngine(t, &memCache{}, newFakeStore())
	require.NoError(t, e.AddProduct(context.Background(), cola()))
	require.NoError(t, e.RemoveProduct(context.Background(), "4711"))

	newName := "Still gone"
	require.NoError(t, e.UpdateProduct(context.Background(), model.ProductPatch{Barcode: "4711", Name: &newName}))
	e.Wait()

	got, _ := e.FindProduct("4711")
	assert.True(t, got.IsDeleted)
	assert.Equal(t, "Still gone", got.Name)
}

func Test_Engine_UpdateProduct_UnknownBarcode(t *testing.T) {
	e := newTestEngine(t, &memCache{}, newFakeStore())

	err := e.UpdateProduct(context.Background(), model.ProductPatch{Barcode: "nope"})

	assert.ErrorIs(t, err, ErrProductNotFound)
	e.Wait()
}

func Test_Engine_RestockProduct_AdjustsStock(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(t, &memCache{}, store)
	require.NoError(t, e.AddProduct(context.Background(), cola()))

	require.NoError(t, e.RestockProduct(context.Background(), "4711", 5))
	require.NoError(t, e.RestockProduct(context.Background(), "4711", -3))
	e.Wait()

	got, _ := e.FindProduct("4711")
	assert.Equal(t, int64(12), got.Stock)

	doc, ok := store.doc(remote.Products, "4711")
	require.True(t, ok)
	assert.JSONEq(t, `12`, string(doc["stock"]))
}

func Test_Engine_QueueConverges_WhenNetworkRecovers(t *testing.T) {
	// given: a burst of offline mutations
	store := newFakeStore()
	store.setOffline(true)
	e := newTestEngine(t, &memCache{}, store)

	require.NoError(t, e.AddProduct(context.Background(), cola()))
	require.NoError(t, e.RestockProduct(context.Background(), "4711", 5))
	require.NoError(t, e.AddProduct(context.Background(), model.Product{Barcode: "9999", Name: "Chips", Price: price("2.00"), Stock: 3}))
	e.Wait()
	require.NotEmpty(t, e.PendingOperations())

	// when: the network comes back and the queue is drained
	store.setOffline(false)
	confirmed, failed := e.DrainPending(context.Background())

	// then: every operation confirmed and the remote store caught up
	assert.Zero(t, failed)
	assert.Equal(t, 3, confirmed)
	assert.Empty(t, e.PendingOperations())

	doc, ok := store.doc(remote.Products, "4711")
	require.True(t, ok)
	assert.JSONEq(t, `15`, string(doc["stock"]))
	_, ok = store.doc(remote.Products, "9999")
	assert.True(t, ok)
}

func Test_Engine_PendingQueue_SurvivesRestart(t *testing.T) {
	cache := &memCache{}
	store := newFakeStore()
	store.setOffline(true)

	e := newTestEngine(t, cache, store)
	require.NoError(t, e.AddProduct(context.Background(), cola()))
	e.Wait()

	// when: the process restarts with the same cache file
	restarted := newTestEngine(t, cache, store)

	// then: the unconfirmed operation is still queued and still deliverable
	require.Len(t, restarted.PendingOperations(), 1)

	store.setOffline(false)
	confirmed, failed := restarted.DrainPending(context.Background())
	assert.Equal(t, 1, confirmed)
	assert.Zero(t, failed)
	_, ok := store.doc(remote.Products, "4711")
	assert.True(t, ok)
}

func Test_Engine_UpdateFallsBackToUpsert_WhenRemoteRowMissing(t *testing.T) {
	// given: a product that exists locally but never reached the remote store
	cache := &memCache{}
	store := newFakeStore()
	store.setOffline(true)
	e := newTestEngine(t, cache, store)
	require.NoError(t, e.AddProduct(context.Background(), cola()))
	e.Wait()

	// simulate losing the ADD: only the UPDATE remains queued
	require.NoError(t, cache.SavePending(context.Background(), nil))
	e2 := newTestEngine(t, cache, store)
	require.NoError(t, e2.RestockProduct(context.Background(), "4711", 5))
	e2.Wait()

	// when
	store.setOffline(false)
	confirmed, failed := e2.DrainPending(context.Background())

	// then: the patch was upserted into a fresh row rather than dropped
	assert.Equal(t, 1, confirmed)
	assert.Zero(t, failed)
	doc, ok := store.doc(remote.Products, "4711")
	require.True(t, ok)
	assert.JSONEq(t, `15`, string(doc["stock"]))
}

func Test_Engine_EnrichProductInfo_RewritesProductAndCart(t *testing.T) {
	store := newFakeStore()
	lookuper := &fakeLookuper{result: enrich.Result{
		Found: true, Name: "Cola", Price: price("1.80"), Spec: "330ml",
	}}
	e, err := New(context.Background(), &memCache{}, store, lookuper, testLogger())
	require.NoError(t, err)

	require.NoError(t, e.AddProduct(context.Background(), model.Product{Barcode: "4711", Name: "4711", Price: price("0"), Stock: 10}))
	require.NoError(t, e.AddToCart("4711", 1))

	// when
	name, found := e.EnrichProductInfo(context.Background(), "4711")
	e.Wait()

	// then
	require.True(t, found)
	assert.Equal(t, "Cola (330ml)", name)

	got, _ := e.FindProduct("4711")
	assert.Equal(t, "Cola (330ml)", got.Name)
	assert.True(t, got.Price.Equal(price("1.80")))
	assert.Equal(t, int64(10), got.Stock, "stock must never come from the lookup")

	cart := e.Cart()
	require.Len(t, cart, 1)
	assert.Equal(t, "Cola (330ml)", cart[0].Name)

	doc, ok := store.doc(remote.Products, "4711")
	require.True(t, ok)
	assert.JSONEq(t, `"Cola (330ml)"`, string(doc["name"]))
	assert.JSONEq(t, `10`, string(doc["stock"]))
}

func Test_Engine_EnrichProductInfo_NotFound(t *testing.T) {
	lookuper := &fakeLookuper{result: enrich.Result{Found: false}}
	e, err := New(context.Background(), &memCache{}, newFakeStore(), lookuper, testLogger())
	require.NoError(t, err)

	name, found := e.EnrichProductInfo(context.Background(), "0000")
	e.Wait()

	assert.False(t, found)
	assert.Empty(t, name)
	assert.Empty(t, e.PendingOperations())
}

func Test_Engine_EnrichProductInfo_LookupFailureIsNotFatal(t *testing.T) {
	lookuper := &fakeLookuper{err: errors.New("gateway timeout")}
	e, err := New(context.Background(), &memCache{}, newFakeStore(), lookuper, testLogger())
	require.NoError(t, err)
	require.NoError(t, e.AddProduct(context.Background(), cola()))

	_, found := e.EnrichProductInfo(context.Background(), "4711")
	e.Wait()

	assert.False(t, found)
	got, _ := e.FindProduct("4711")
	assert.Equal(t, "Cola", got.Name)
}
