package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"math"
)

// RateLimiter implements a token bucket rate limiting mechanism using Redis.
// Buckets are keyed by client IP; the presence HTTP surface is unauthenticated
// read traffic.
type RateLimiter struct {
	redisClient *redis.Client
	// Token bucket parameters
	capacity int64   // Maximum number of tokens the bucket can hold
	rate     float64 // Tokens added per second
	mu       sync.Mutex
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redisClient: redisClient,
		capacity:    20,
		rate:        5.0, // 5 tokens per second
	}
}

// Middleware applies rate limiting to HTTP requests.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ip := clientIP(req)

		if !rl.Allow(req.Context(), ip) {
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, req)
	})
}

// clientIP extracts the remote address without the ephemeral port.
func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// Allow checks if a request is allowed for a given client. The bucket
// read-modify-write is serialized so concurrent requests for one client
// cannot both spend the last token.
func (rl *RateLimiter) Allow(ctx context.Context, client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	key := fmt.Sprintf("rate_limit:%s", client)

	// Get current tokens and last refill time from Redis
	val, err := rl.redisClient.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		// Log error but allow request to proceed to avoid blocking in case of Redis issues
		fmt.Printf("Error getting rate limit info from Redis: %v\n", err)
		return true
	}

	currentTokens := rl.capacity
	lastRefillTime := time.Now()

	if val[0] != nil && val[1] != nil {
		if t, err := strconv.ParseFloat(val[0].(string), 64); err == nil {
			currentTokens = int64(t)
		}
		if t, err := time.Parse(time.RFC3339Nano, val[1].(string)); err == nil {
			lastRefillTime = t
		}
	}

	// Refill tokens
	now := time.Now()
	diff := now.Sub(lastRefillTime).Seconds()
	tokensToAdd := int64(diff * rl.rate)
	currentTokens = int64(math.Min(float64(rl.capacity), float64(currentTokens+tokensToAdd)))
	lastRefillTime = now

	// Consume token
	if currentTokens >= 1 {
		currentTokens--
		// Update Redis with new token count and last refill time
		_, err = rl.redisClient.HMSet(ctx, key, "tokens", currentTokens, "last_refill", lastRefillTime.Format(time.RFC3339Nano)).Result()
		if err != nil {
			fmt.Printf("Error setting rate limit info to Redis: %v\n", err)
			return true // Allow request even if Redis update fails
		}
		return true
	}

	return false
}
