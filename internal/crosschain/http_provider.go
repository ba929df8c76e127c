package crosschain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
)

// HTTPProviderConfig configures the bridge aggregator client.
type HTTPProviderConfig struct {
	BaseURL  string        // e.g. "https://bridge.example.com"
	APIKey   string        // sent as a bearer token when set
	RPS      float64       // client-side request rate; 0 = 5/s
	Timeout  time.Duration // per request; 0 = 10s
	CacheTTL time.Duration // route quote cache; 0 = 1m
}

// HTTPProvider talks to a bridge aggregator over JSON/HTTP. Requests are
// rate limited, retried with backoff, and short-circuited while the API is
// failing. Route quotes are cached briefly since they are requested once per
// deal preparation but are stable for minutes.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	quotes  *cache.Cache
	breaker *circuitbreaker.Breaker
	retry   retry.Policy
}

const breakerKey = "bridge_api"

// NewHTTPProvider creates a bridge API client.
func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.RPS <= 0 {
		cfg.RPS = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), int(math.Max(1, math.Ceil(cfg.RPS)))),
		quotes:  cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
		breaker: circuitbreaker.New(5, 30*time.Second),
		retry:   retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (p *HTTPProvider) WithHTTPClient(c *http.Client) *HTTPProvider {
	p.client = c
	return p
}

type routeResponse struct {
	Bridge           string `json:"bridge"`
	EstimatedSeconds int64  `json:"estimatedSeconds"`
	Fee              string `json:"fee"`
	QuoteID          string `json:"quoteId"`
}

func (p *HTTPProvider) FindRoute(ctx context.Context, req RouteRequest) (*Route, error) {
	key := strings.Join([]string{req.SourceNetwork, req.TargetNetwork, req.Token, req.TargetToken, req.Amount}, "|")
	if cached, ok := p.quotes.Get(key); ok {
		metrics.BridgeQuotesTotal.WithLabelValues("cache").Inc()
		r := cached.(Route)
		return &r, nil
	}

	q := url.Values{}
	q.Set("from", req.SourceNetwork)
	q.Set("to", req.TargetNetwork)
	q.Set("token", req.Token)
	if req.TargetToken != "" {
		q.Set("targetToken", req.TargetToken)
	}
	q.Set("amount", req.Amount)

	var resp routeResponse
	if err := p.get(ctx, "/v1/routes", q, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrNoRoute, req.SourceNetwork, req.TargetNetwork)
		}
		return nil, err
	}
	if resp.Bridge == "" {
		return nil, fmt.Errorf("%w: empty route in response", ErrBridgeUnavailable)
	}

	route := Route{
		Bridge:        resp.Bridge,
		EstimatedTime: time.Duration(resp.EstimatedSeconds) * time.Second,
		Fee:           resp.Fee,
		QuoteID:       resp.QuoteID,
	}
	p.quotes.Set(key, route, cache.DefaultExpiration)
	metrics.BridgeQuotesTotal.WithLabelValues("provider").Inc()
	return &route, nil
}

func (p *HTTPProvider) GetTransferStatus(ctx context.Context, ref string) (*TransferStatus, error) {
	if ref == "" {
		return nil, ErrMissingReference
	}
	var status TransferStatus
	if err := p.get(ctx, "/v1/transfers/"+url.PathEscape(ref), nil, &status); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("transfer %s not found: %w", ref, ErrStepFailed)
		}
		return nil, err
	}
	switch status.State {
	case TransferPending, TransferCompleted, TransferFailed:
		return &status, nil
	default:
		return nil, fmt.Errorf("%w: unknown transfer status %q", ErrBridgeUnavailable, status.State)
	}
}

var errNotFound = errors.New("not found")

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// get performs a GET and decodes the JSON body into out. 4xx responses are
// not retried and do not count against the circuit.
func (p *HTTPProvider) get(ctx context.Context, path string, query url.Values, out any) error {
	u := p.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	err := p.retry.Do(ctx, func() error {
		if !p.breaker.Allow(breakerKey) {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrBridgeUnavailable, circuitbreaker.ErrOpen))
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		err := p.do(ctx, u, out)
		var pe *retry.PermanentError
		if err == nil || errors.As(err, &pe) {
			p.breaker.RecordSuccess(breakerKey)
		} else {
			p.breaker.RecordFailure(breakerKey)
		}
		return err
	})
	return err
}

func (p *HTTPProvider) do(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrBridgeUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(errNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrBridgeUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return retry.Permanent(fmt.Errorf("bridge API error (%d): %s", resp.StatusCode, apiErr.Message))
		}
		return retry.Permanent(fmt.Errorf("bridge API error (%d): %s", resp.StatusCode, string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return retry.Permanent(fmt.Errorf("%w: decode response: %v", ErrBridgeUnavailable, err))
	}
	return nil
}
