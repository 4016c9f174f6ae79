// Package retry runs idempotent broker reads with jittered exponential backoff.
// Order placement never goes through here.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"time"
)

// Config controls attempts and pacing.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Nil means IsTransient.
	Retryable func(error) bool
}

// DefaultConfig retries transient failures three times, 1s growing to 30s.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client executes operations with retries.
type Client struct {
	logger *log.Logger
	config Config
}

// NewClient creates a retry client. Invalid config values fall back to DefaultConfig.
func NewClient(logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
		if cfg.MaxRetries < 0 {
			cfg.MaxRetries = DefaultConfig.MaxRetries
		}
		if cfg.InitialBackoff <= 0 {
			cfg.InitialBackoff = DefaultConfig.InitialBackoff
		}
		if cfg.MaxBackoff <= 0 {
			cfg.MaxBackoff = DefaultConfig.MaxBackoff
		}
		if cfg.Timeout <= 0 {
			cfg.Timeout = DefaultConfig.Timeout
		}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[RETRY] ", log.LstdFlags)
	}

	return &Client{
		logger: logger,
		config: cfg,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
func (c *Client) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return errors.New("retry: nil operation")
	}
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", op, ctx.Err())
		}
		if opCtx.Err() != nil {
			return fmt.Errorf("%s timed out after %v: %w", op, c.config.Timeout, opCtx.Err())
		}

		err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				c.logger.Printf("%s succeeded on attempt %d/%d", op, attempt+1, c.config.MaxRetries+1)
			}
			return nil
		}

		lastErr = err
		c.logger.Printf("%s attempt %d/%d failed: %v", op, attempt+1, c.config.MaxRetries+1, err)

		if !c.retryable(err) || attempt == c.config.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, c.config.MaxRetries+1, lastErr)
}

// Value runs fn through c.Do and returns its result.
func Value[T any](ctx context.Context, c *Client, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Client) retryable(err error) bool {
	if c.config.Retryable != nil {
		return c.config.Retryable(err)
	}
	return IsTransient(err)
}

// Always retries every error; used where any failure is worth another look.
func Always(error) bool { return true }

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"too many requests",
	"429", // HTTP 429 Too Many Requests
	"502", // HTTP 502 Bad Gateway
	"503", // HTTP 503 Service Unavailable
	"504", // HTTP 504 Gateway Timeout
	"circuit breaker is open",
	"network",
	"dns",
	"tcp",
	"eof",
}

// IsTransient reports whether err looks like a network or overload failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
