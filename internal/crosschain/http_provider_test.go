package crosschain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/retry"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*HTTPProvider, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	p := NewHTTPProvider(HTTPProviderConfig{BaseURL: srv.URL + "/", APIKey: "test-key", RPS: 100})
	p.retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return p, &hits
}

func TestHTTPProvider_FindRouteCaches(t *testing.T) {
	p, hits := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/routes", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "solana", r.URL.Query().Get("from"))
		assert.Equal(t, "ethereum", r.URL.Query().Get("to"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"bridge":           "wormhole",
			"estimatedSeconds": 900,
			"fee":              "2000",
			"quoteId":          "q_42",
		})
	})
	req := RouteRequest{SourceNetwork: "solana", TargetNetwork: "ethereum", Token: "USDC", Amount: "1000000"}

	route, err := p.FindRoute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "wormhole", route.Bridge)
	assert.Equal(t, 15*time.Minute, route.EstimatedTime)
	assert.Equal(t, "q_42", route.QuoteID)

	again, err := p.FindRoute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, route, again)
	assert.Equal(t, int32(1), hits.Load(), "second quote served from cache")
}

func TestHTTPProvider_NoRoute(t *testing.T) {
	p, hits := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := p.FindRoute(context.Background(), RouteRequest{SourceNetwork: "bitcoin", TargetNetwork: "solana"})
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.Equal(t, int32(1), hits.Load(), "404 is not retried")
}

func TestHTTPProvider_RetriesServerErrors(t *testing.T) {
	p, hits := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := p.FindRoute(context.Background(), RouteRequest{SourceNetwork: "solana", TargetNetwork: "ethereum"})
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
	assert.Equal(t, int32(3), hits.Load())
}

func TestHTTPProvider_ClientErrorNotRetried(t *testing.T) {
	p, hits := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad_request","message":"amount required"}`))
	})

	_, err := p.FindRoute(context.Background(), RouteRequest{SourceNetwork: "solana", TargetNetwork: "ethereum"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount required")
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPProvider_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	p, hits := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	p.retry = retry.Policy{MaxAttempts: 1}

	for i := 0; i < 5; i++ {
		_, _ = p.GetTransferStatus(context.Background(), "ref")
	}
	_, err := p.GetTransferStatus(context.Background(), "ref")
	assert.ErrorIs(t, err, ErrBridgeUnavailable)
	assert.Equal(t, int32(5), hits.Load(), "open circuit short-circuits the call")
}

func TestHTTPProvider_GetTransferStatus(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/transfers/done":
			_, _ = w.Write([]byte(`{"status":"completed"}`))
		case "/v1/transfers/waiting":
			_, _ = w.Write([]byte(`{"status":"pending","detail":"awaiting guardians"}`))
		case "/v1/transfers/weird":
			_, _ = w.Write([]byte(`{"status":"exploded"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	done, err := p.GetTransferStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, done.State)

	waiting, err := p.GetTransferStatus(ctx, "waiting")
	require.NoError(t, err)
	assert.Equal(t, TransferPending, waiting.State)
	assert.Equal(t, "awaiting guardians", waiting.Detail)

	_, err = p.GetTransferStatus(ctx, "weird")
	assert.ErrorIs(t, err, ErrBridgeUnavailable)

	_, err = p.GetTransferStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrStepFailed)

	_, err = p.GetTransferStatus(ctx, "")
	assert.ErrorIs(t, err, ErrMissingReference)
}
