// Package rules resolves the tax-lot consumption method for a contract.
//
// The contract-rules service answers GET /contracts/{id}/rules with
// {"tax_lot_method": "FIFO"|"LIFO"|"HIFO"}. Responses are cached in redis
// for the configured TTL. Any miss, timeout, or malformed answer falls back
// to the configured default method — a rules outage must never stop trade
// processing.
package rules

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"tradelot/pkg/types"
)

// Resolver looks up contract rules with a redis-backed TTL cache.
type Resolver struct {
	http          *resty.Client
	rdb           *redis.Client
	ttl           time.Duration
	defaultMethod types.Method
	logger        *slog.Logger
}

// New creates a resolver. baseURL may be empty (static default method only);
// rdb may be nil (no caching).
func New(baseURL string, rdb *redis.Client, ttl time.Duration, defaultMethod types.Method, logger *slog.Logger) *Resolver {
	var client *resty.Client
	if baseURL != "" {
		client = resty.New().
			SetBaseURL(baseURL).
			SetTimeout(2 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(100 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			})
	}
	return &Resolver{
		http:          client,
		rdb:           rdb,
		ttl:           ttl,
		defaultMethod: defaultMethod,
		logger:        logger.With("component", "contract-rules"),
	}
}

type rulesResponse struct {
	TaxLotMethod string `json:"tax_lot_method"`
}

// Method resolves the lot method for a contract, defaulting on any failure
// or when the trade carries no contract id.
func (r *Resolver) Method(ctx context.Context, contractID string) types.Method {
	if contractID == "" || r.http == nil {
		return r.defaultMethod
	}

	cacheKey := "rules:" + contractID
	if r.rdb != nil {
		if cached, err := r.rdb.Get(ctx, cacheKey).Result(); err == nil {
			return types.ParseMethod(cached)
		}
	}

	var result rulesResponse
	resp, err := r.http.R().
		SetContext(ctx).
		SetResult(&result).
		SetPathParam("id", contractID).
		Get("/contracts/{id}/rules")
	if err != nil || resp.StatusCode() != http.StatusOK || result.TaxLotMethod == "" {
		r.logger.Debug("rules lookup failed, using default",
			"contract_id", contractID, "default", r.defaultMethod, "error", err)
		return r.defaultMethod
	}

	method := types.ParseMethod(result.TaxLotMethod)
	if r.rdb != nil {
		if err := r.rdb.Set(ctx, cacheKey, string(method), r.ttl).Err(); err != nil {
			r.logger.Debug("rules cache put failed", "contract_id", contractID, "error", err)
		}
	}
	return method
}
