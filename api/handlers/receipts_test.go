package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/clearing/api/handlers"
	apitesting "github.com/malbeclabs/clearing/api/testing"
	"github.com/malbeclabs/clearing/settlement/pkg/receipt"
)

// buildReceiptRequest returns a receipt body for paymentID signed by key.
func buildReceiptRequest(t *testing.T, env *apitesting.Env, key solana.PrivateKey, paymentID string) handlers.CreateReceiptRequest {
	t.Helper()

	req := handlers.CreateReceiptRequest{
		PaymentID:   paymentID,
		Payer:       solana.NewWallet().PrivateKey.PublicKey().String(),
		Merchant:    solana.NewWallet().PrivateKey.PublicKey().String(),
		Token:       env.RewardToken.String(),
		Amount:      10_000,
		ProtocolFee: 250,
		PaidAt:      apitesting.TestStart,
	}
	msg := fmt.Sprintf("clearing:receipt:v1:%s:%s:%s:%s:%s:%d:%d",
		req.PaymentID, req.Payer, req.Merchant, req.Agent, req.Token, req.Amount, req.ProtocolFee)
	req.Signer, req.Signature = apitesting.Sign(t, key, msg)
	return req
}

// postReceipt runs the handler against body and returns the recorder.
func postReceipt(t *testing.T, body handlers.CreateReceiptRequest) *httptest.ResponseRecorder {
	t.Helper()

	buf, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/api/receipts", bytes.NewReader(buf))
	w := httptest.NewRecorder()
	handlers.PostReceipt(w, req)
	return w
}

// withRouteParam injects a chi URL parameter the way the router would.
func withRouteParam(r *http.Request, key, value string) *http.Request {
	return withRouteParams(r, map[string]string{key: value})
}

// withRouteParams injects multiple chi URL parameters.
func withRouteParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestPostReceipt_RecordsIntoCurrentEpoch(t *testing.T) {
	env := apitesting.Setup(t, testDB)

	body := buildReceiptRequest(t, env, env.Ingress, "pay-record-1")
	w := postReceipt(t, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp handlers.ReceiptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "pay-record-1", resp.PaymentID)
	assert.Equal(t, body.Payer, resp.Payer)
	assert.Equal(t, body.Merchant, resp.Merchant)
	assert.Equal(t, uint64(10_000), resp.Amount)
	assert.Equal(t, uint64(250), resp.ProtocolFee)
	assert.Equal(t, uint64(1), resp.EpochID)
	assert.True(t, resp.RecordedAt.Equal(apitesting.TestStart))
}

func TestPostReceipt_DuplicatePaymentID(t *testing.T) {
	env := apitesting.Setup(t, testDB)

	body := buildReceiptRequest(t, env, env.Ingress, "pay-dup-1")
	w := postReceipt(t, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = postReceipt(t, body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestPostReceipt_TamperedBody(t *testing.T) {
	env := apitesting.Setup(t, testDB)

	// Amount changed after signing, so the signature no longer covers the
	// body.
	body := buildReceiptRequest(t, env, env.Ingress, "pay-tamper-1")
	body.Amount = 99_999

	w := postReceipt(t, body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPostReceipt_UnknownSigner(t *testing.T) {
	env := apitesting.Setup(t, testDB)

	// Valid signature from a key outside the ingress set.
	outsider := solana.NewWallet().PrivateKey
	body := buildReceiptRequest(t, env, outsider, "pay-outsider-1")

	w := postReceipt(t, body)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPostReceipt_MalformedSignature(t *testing.T) {
	env := apitesting.Setup(t, testDB)

	body := buildReceiptRequest(t, env, env.Ingress, "pay-badsig-1")
	body.Signature = "not-base64!!!"

	w := postReceipt(t, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostReceipt_InvalidPayerKey(t *testing.T) {
	env := apitesting.Setup(t, testDB)

	// The signature covers the malformed payer, so verification passes and
	// key parsing is what rejects the request.
	req := handlers.CreateReceiptRequest{
		PaymentID:   "pay-badkey-1",
		Payer:       "not-a-public-key",
		Merchant:    solana.NewWallet().PrivateKey.PublicKey().String(),
		Token:       env.RewardToken.String(),
		Amount:      5_000,
		ProtocolFee: 100,
		PaidAt:      apitesting.TestStart,
	}
	msg := fmt.Sprintf("clearing:receipt:v1:%s:%s:%s:%s:%s:%d:%d",
		req.PaymentID, req.Payer, req.Merchant, req.Agent, req.Token, req.Amount, req.ProtocolFee)
	req.Signer, req.Signature = apitesting.Sign(t, env.Ingress, msg)

	w := postReceipt(t, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "payer")
}

func TestGetReceipt_ReturnsRecorded(t *testing.T) {
	env := apitesting.Setup(t, testDB)

	body := buildReceiptRequest(t, env, env.Ingress, "pay-get-1")
	w := postReceipt(t, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	req := httptest.NewRequest("GET", "/api/receipts/pay-get-1", nil)
	req = withRouteParam(req, "paymentID", "pay-get-1")
	w = httptest.NewRecorder()
	handlers.GetReceipt(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp handlers.ReceiptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "pay-get-1", resp.PaymentID)
	assert.Equal(t, body.Payer, resp.Payer)
	assert.Equal(t, uint64(1), resp.EpochID)
}

func TestGetReceipt_NotFound(t *testing.T) {
	apitesting.Setup(t, testDB)

	req := httptest.NewRequest("GET", "/api/receipts/pay-missing", nil)
	req = withRouteParam(req, "paymentID", "pay-missing")
	w := httptest.NewRecorder()
	handlers.GetReceipt(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListEpochReceipts_Paginates(t *testing.T) {
	env := apitesting.Setup(t, testDB)

	for i := 0; i < 3; i++ {
		_, err := env.Engine.RecordReceipt(t.Context(), receipt.Receipt{
			PaymentID:   fmt.Sprintf("pay-list-%d", i),
			Payer:       solana.NewWallet().PrivateKey.PublicKey(),
			Merchant:    solana.NewWallet().PrivateKey.PublicKey(),
			Token:       env.RewardToken,
			Amount:      1_000,
			ProtocolFee: 25,
			PaidAt:      apitesting.TestStart,
		})
		require.NoError(t, err)
	}

	req := httptest.NewRequest("GET", "/api/epochs/1/receipts?limit=2", nil)
	req = withRouteParam(req, "id", "1")
	w := httptest.NewRecorder()
	handlers.ListEpochReceipts(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var page handlers.PaginatedResponse[handlers.ReceiptResponse]
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	req = httptest.NewRequest("GET", "/api/epochs/1/receipts?limit=2&offset=2", nil)
	req = withRouteParam(req, "id", "1")
	w = httptest.NewRecorder()
	handlers.ListEpochReceipts(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	page = handlers.PaginatedResponse[handlers.ReceiptResponse]{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	require.Len(t, page.Items, 1)
	assert.False(t, page.HasMore)
}
