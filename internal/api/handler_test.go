package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/payments"
	"checkout-service/internal/service"
	"checkout-service/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_handler"

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

type testServer struct {
	router   *gin.Engine
	store    *memstore.Store
	provider *payments.MockProvider
	queue    *broker.MemoryQueue
}

func newTestServer(t *testing.T, db Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	st.PutVariant(models.Variant{ID: "hoodie", Name: "Hoodie", UnitPrice: decimal.RequireFromString("45.00"), Currency: "EUR", AvailableQuantity: 2})

	provider := payments.NewMockProvider("https://pay.test")
	gateway := payments.NewStripeGateway(payments.StripeConfig{WebhookSecret: testSecret})
	queue := broker.NewMemoryQueue(8)

	ledger := service.NewStockLedger(st)
	carts := service.NewCartService(st, st, ledger)
	checkout := service.NewCheckoutService(st, st, st, st, st, ledger, provider, service.CheckoutConfig{})
	ingestor := service.NewWebhookIngestor(st, gateway, queue, payments.ProviderName)

	router := gin.New()
	NewHandler(carts, checkout, ingestor, db).SetupRoutes(router)
	return &testServer{router: router, store: st, provider: provider, queue: queue}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (s *testServer) createCart(t *testing.T, qty int) string {
	t.Helper()
	w, body := s.do(t, http.MethodPost, "/api/v1/carts", gin.H{"variant_id": "hoodie", "quantity": qty})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return body["cart"].(map[string]interface{})["id"].(string)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, pinger{})
	w, _ := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	down := newTestServer(t, pinger{err: errors.New("no db")})
	w, _ = down.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCartLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	cartID := s.createCart(t, 1)

	w, body := s.do(t, http.MethodPut, "/api/v1/carts/"+cartID+"/items/hoodie", gin.H{"quantity": 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "90.00", body["total"])

	w, body = s.do(t, http.MethodPost, "/api/v1/carts/"+cartID+"/items", gin.H{"variant_id": "hoodie", "quantity": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "Insufficient stock", body["error"])

	w, body = s.do(t, http.MethodDelete, "/api/v1/carts/"+cartID+"/items/hoodie", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0.00", body["total"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/carts/"+cartID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodGet, "/api/v1/carts/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBadRequestBodies(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := s.do(t, http.MethodPost, "/api/v1/carts", []byte(`{"variant_id":`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, http.MethodPost, "/api/v1/carts", gin.H{"variant_id": "hoodie", "quantity": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = s.do(t, http.MethodPost, "/api/v1/carts", gin.H{"variant_id": "hoodie", "quantity": 5000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w, _ = s.do(t, http.MethodPost, "/api/v1/checkout", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckoutFlow(t *testing.T) {
	s := newTestServer(t, nil)
	cartID := s.createCart(t, 2)

	w, body := s.do(t, http.MethodPost, "/api/v1/checkout", gin.H{"cart_id": cartID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sessionID := body["session_id"].(string)
	assert.Contains(t, body["redirect_url"], "https://pay.test/")

	w, _ = s.do(t, http.MethodPost, "/api/v1/checkout", gin.H{"cart_id": cartID})
	assert.Equal(t, http.StatusConflict, w.Code)

	w, body = s.do(t, http.MethodGet, "/api/v1/checkout/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PENDING", body["status"])

	w, body = s.do(t, http.MethodPost, "/api/v1/checkout/"+sessionID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["cancelled"])

	v, err := s.store.GetVariant(context.Background(), "hoodie")
	require.NoError(t, err)
	assert.Equal(t, 2, v.AvailableQuantity)

	w, body = s.do(t, http.MethodGet, "/api/v1/checkout/"+sessionID+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := body["events"].([]interface{})
	require.Len(t, events, 2)
	assert.Equal(t, "session_cancelled", events[0].(map[string]interface{})["event_type"])
	assert.Equal(t, "inventory_released", events[1].(map[string]interface{})["event_type"])
}

func TestCheckoutErrors(t *testing.T) {
	s := newTestServer(t, nil)

	cartID := s.createCart(t, 1)
	_, _ = s.do(t, http.MethodDelete, "/api/v1/carts/"+cartID+"/items/hoodie", nil)
	w, _ := s.do(t, http.MethodPost, "/api/v1/checkout", gin.H{"cart_id": cartID})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	full := s.createCart(t, 1)
	s.provider.SetFailure(errors.New("stripe down"))
	w, _ = s.do(t, http.MethodPost, "/api/v1/checkout", gin.H{"cart_id": full})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w, _ = s.do(t, http.MethodGet, "/api/v1/checkout/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = s.do(t, http.MethodGet, "/api/v1/checkout/missing/audit", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStripeWebhook(t *testing.T) {
	s := newTestServer(t, nil)
	payload := []byte(`{"id":"evt_123","object":"event","type":"checkout.session.completed","created":1700000000,"data":{"object":{"id":"cs_1"}}}`)
	sig := payments.SignPayload(payload, testSecret, time.Now())

	w, body := s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload, "Stripe-Signature", sig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "accepted", body["result"])

	w, body = s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload, "Stripe-Signature", sig)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "duplicate", body["result"])
	assert.Equal(t, 1, s.queue.Len())

	w, _ = s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", payload, "Stripe-Signature", "t=1,v1=deadbeef")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	garbage := []byte(`{"object":"event"}`)
	w, _ = s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", garbage, "Stripe-Signature", payments.SignPayload(garbage, testSecret, time.Now()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrInsufficientStock:   http.StatusConflict,
		models.ErrCartClosed:          http.StatusConflict,
		models.ErrSessionExpired:      http.StatusGone,
		models.ErrNotFound:            http.StatusNotFound,
		models.ErrCartEmpty:           http.StatusUnprocessableEntity,
		models.ErrValidation:          http.StatusUnprocessableEntity,
		models.ErrInvalidSignature:    http.StatusBadRequest,
		models.ErrProviderUnavailable: http.StatusBadGateway,
		errors.New("boom"):            http.StatusInternalServerError,
	}
	for err, want := range cases {
		got, _ := statusFor(err)
		assert.Equal(t, want, got, err.Error())
	}
}
