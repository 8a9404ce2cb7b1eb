package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"challenge-escrow-system/models"
	"challenge-escrow-system/utils"
)

// BalanceSource answers available-balance queries. The ledger depends on this
// interface so tests can inject doubles.
type BalanceSource interface {
	AvailableBalance(ctx context.Context, account string, asset models.AssetType) (int64, error)
}

type cachedBalance struct {
	amount    int64
	fetchedAt time.Time
}

// BalanceOracle adapts the external balance provider with a staleness-tolerant
// cache. The provider is rate-limited and balances change far slower than the
// UI polls, so values younger than the freshness window are served without a
// remote call. On fetch failure the last cached value is returned if present,
// else zero, so a flaky provider can never over-admit a commitment.
type BalanceOracle struct {
	baseURL      string
	serviceToken string
	freshness    time.Duration
	httpClient   *http.Client

	mu    sync.RWMutex
	cache map[string]cachedBalance
}

func NewBalanceOracle(baseURL, serviceToken string, freshness time.Duration) *BalanceOracle {
	if freshness <= 0 {
		freshness = 60 * time.Second
	}
	return &BalanceOracle{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		freshness:    freshness,
		httpClient:   utils.HTTPClient,
		cache:        make(map[string]cachedBalance),
	}
}

func cacheKey(account string, asset models.AssetType) string {
	return account + "|" + string(asset)
}

func (o *BalanceOracle) AvailableBalance(ctx context.Context, account string, asset models.AssetType) (int64, error) {
	key := cacheKey(account, asset)

	o.mu.RLock()
	entry, ok := o.cache[key]
	o.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < o.freshness {
		return entry.amount, nil
	}

	amount, err := o.fetchRemote(ctx, account, asset)
	if err != nil {
		if ok {
			log.Printf("[ORACLE] remote fetch failed for %s (%s), serving cached value: %v", account, asset, err)
			return entry.amount, nil
		}
		log.Printf("[ORACLE] remote fetch failed for %s (%s) with cold cache, failing closed: %v", account, asset, err)
		return 0, nil
	}

	// Refreshes may race; last write wins and that is fine for a
	// read-mostly cache.
	o.mu.Lock()
	o.cache[key] = cachedBalance{amount: amount, fetchedAt: time.Now()}
	o.mu.Unlock()

	return amount, nil
}

func (o *BalanceOracle) fetchRemote(ctx context.Context, account string, asset models.AssetType) (int64, error) {
	u, err := url.Parse(fmt.Sprintf("%s/api/v1/balances/%s", o.baseURL, url.PathEscape(account)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse balance URL: %w", err)
	}
	q := u.Query()
	q.Set("asset", string(asset))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", o.serviceToken)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call balance service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("balance service returned status %d: %s", resp.StatusCode, string(body))
	}

	var response struct {
		Account   string `json:"account"`
		AssetType string `json:"asset_type"`
		Available int64  `json:"available"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, fmt.Errorf("failed to decode balance response: %w", err)
	}

	return response.Available, nil
}

// Invalidate drops the cached value so the next read refetches. Settlement
// calls this for both parties since their balances just moved.
func (o *BalanceOracle) Invalidate(account string, asset models.AssetType) {
	o.mu.Lock()
	delete(o.cache, cacheKey(account, asset))
	o.mu.Unlock()
}
