// Package iam wraps the entitlements service.
//
// The engine asks two questions: may this user invoke a function, and may
// this user touch this account. Decisions are cached in redis for a short
// TTL and the upstream sits behind a circuit breaker. The production stance
// is fail-closed: if the service is unreachable or the breaker is open, the
// answer is no.
package iam

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// Client answers entitlement questions with caching and a breaker.
type Client struct {
	http       *resty.Client
	rdb        *redis.Client
	breaker    *gobreaker.CircuitBreaker
	ttl        time.Duration
	failClosed bool
	logger     *slog.Logger
}

// New builds the client. rdb may be nil to disable decision caching.
func New(baseURL, token string, rdb *redis.Client, ttl time.Duration, failClosed bool, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(2 * time.Second).
		SetAuthToken(token)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "iam",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:       httpClient,
		rdb:        rdb,
		breaker:    breaker,
		ttl:        ttl,
		failClosed: failClosed,
		logger:     logger.With("component", "iam"),
	}
}

// HasEntitlement reports whether the user may invoke a function.
func (c *Client) HasEntitlement(ctx context.Context, userID, function string) bool {
	return c.decide(ctx, fmt.Sprintf("iam:fn:%s:%s", userID, function), "/entitlements/check", map[string]string{
		"user_id":  userID,
		"function": function,
	})
}

// HasAccountAccess reports whether the user may touch an account.
func (c *Client) HasAccountAccess(ctx context.Context, userID, account string) bool {
	return c.decide(ctx, fmt.Sprintf("iam:acct:%s:%s", userID, account), "/entitlements/account", map[string]string{
		"user_id": userID,
		"account": account,
	})
}

type decision struct {
	Allowed bool `json:"allowed"`
}

func (c *Client) decide(ctx context.Context, cacheKey, path string, params map[string]string) bool {
	if c.rdb != nil {
		if cached, err := c.rdb.Get(ctx, cacheKey).Result(); err == nil {
			return cached == "1"
		}
	}

	result, err := c.breaker.Execute(func() (any, error) {
		var d decision
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&d).
			Get(path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("iam status %d", resp.StatusCode())
		}
		return d.Allowed, nil
	})
	if err != nil {
		c.logger.Warn("entitlement check unavailable", "path", path, "fail_closed", c.failClosed, "error", err)
		return !c.failClosed
	}

	allowed := result.(bool)
	if c.rdb != nil {
		val := "0"
		if allowed {
			val = "1"
		}
		if err := c.rdb.Set(ctx, cacheKey, val, c.ttl).Err(); err != nil {
			c.logger.Debug("iam cache put failed", "error", err)
		}
	}
	return allowed
}
