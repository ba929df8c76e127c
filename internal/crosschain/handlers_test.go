package crosschain

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/escrow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(h *harness) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	handler := NewHandler(h.orch)
	handler.RegisterRoutes(v1)
	handler.RegisterInternalRoutes(v1.Group("/internal"))
	return r
}

func post(r *gin.Engine, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeTx(t *testing.T, w *httptest.ResponseRecorder) *Transaction {
	t.Helper()
	var resp struct {
		Transaction *Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Transaction)
	return resp.Transaction
}

func TestHandler_CrossChainLifecycle(t *testing.T) {
	h := newHarness(t)
	r := setupTestRouter(h)
	deal := h.createDeal(t, solBuyer, "", "delivery")

	w := post(r, "/v1/internal/deals/"+deal.ID+"/crosschain", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decodeTx(t, w)
	assert.Len(t, tx.Steps, 3)

	w = post(r, "/v1/internal/crosschain/"+tx.ID+"/steps/1", gin.H{"txRef": "solsig"})
	assert.Equal(t, http.StatusConflict, w.Code, "deposit not confirmed yet")

	_, err := h.deals.ConfirmDeposit(context.Background(), deal.ID, "1000000", "")
	require.NoError(t, err)

	w = post(r, "/v1/internal/crosschain/"+tx.ID+"/steps/abc", gin.H{"txRef": "solsig"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/v1/internal/crosschain/"+tx.ID+"/steps/1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/v1/internal/crosschain/"+tx.ID+"/steps/3", gin.H{"txRef": "0xrel"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = post(r, "/v1/internal/crosschain/"+tx.ID+"/steps/1", gin.H{"txRef": "solsig"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusProcessing, decodeTx(t, w).Status)

	h.provider.set("bridge_1", TransferPending)
	w = post(r, "/v1/internal/crosschain/"+tx.ID+"/steps/2", gin.H{"txRef": "bridge_1"})
	assert.Equal(t, http.StatusAccepted, w.Code)

	h.provider.set("bridge_1", TransferFailed)
	w = post(r, "/v1/internal/crosschain/"+tx.ID+"/steps/2", gin.H{"txRef": "bridge_1"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = post(r, "/v1/internal/crosschain/"+tx.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusProcessing, decodeTx(t, w).Status)

	req := httptest.NewRequest(http.MethodGet, "/v1/crosschain/"+tx.ID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decodeTx(t, rec).LastStatusCheck)
}

func TestHandler_PrepareErrors(t *testing.T) {
	h := newHarness(t)
	r := setupTestRouter(h)

	w := post(r, "/v1/internal/deals/deal_missing/crosschain", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	local, err := h.deals.CreateDeal(context.Background(), escrow.CreateRequest{
		BuyerID: "buyer", SellerID: "seller",
		BuyerWallet: evmBuyer, SellerWallet: evmSeller,
		Amount: "1000", Token: "USDC",
	})
	require.NoError(t, err)
	w = post(r, "/v1/internal/deals/"+local.ID+"/crosschain", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/crosschain/xct_missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
