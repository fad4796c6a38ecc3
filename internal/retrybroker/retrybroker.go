// Package retrybroker wraps a gateway.Gateway with retry logic and
// exponential backoff for the mutating calls a copy pipeline issues
// (ExecuteTrade, ModifyPosition, ClosePosition), generalized from the
// teacher's single-purpose close-position retry client (§4.A).
package retrybroker

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/coretrace/copyengine/internal/gateway"
)

// Config contains retry configuration parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig provides sensible defaults for retry operations.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client wraps a gateway.Gateway with retry logic on its mutating
// operations. Stream and read operations (ConnectStream, GetPositions,
// GetAccountInfo) pass straight through — retrying those would duplicate
// reconciliation work rather than fix a transient fault.
type Client struct {
	next   gateway.Gateway
	logger *log.Logger
	config Config
}

// NewClient creates a new retry client wrapping next, with an optional Config.
func NewClient(next gateway.Gateway, logger *log.Logger, config ...Config) *Client {
	if next == nil {
		panic("retrybroker: nil gateway")
	}

	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}

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
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &Client{next: next, logger: logger, config: cfg}
}

// withRetry runs op, retrying on transient errors with exponential backoff
// plus jitter, up to config.MaxRetries additional attempts.
func (c *Client) withRetry(ctx context.Context, label string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if opCtx.Err() != nil {
			return fmt.Errorf("%s timed out after %v: %w", label, c.config.Timeout, opCtx.Err())
		}

		err := op(opCtx)
		if err == nil {
			return nil
		}

		lastErr = err
		c.logger.Printf("%s attempt %d/%d failed: %v", label, attempt+1, c.config.MaxRetries+1, err)

		if !isTransientError(err) || attempt >= c.config.MaxRetries {
			break
		}

		c.logger.Printf("%s transient error, retrying in %v", label, backoff)
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", label, opCtx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", label, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

var transientPatterns = []string{
	"timeout",
	"i/o timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"temporarily unavailable",
	"server error",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"network",
	"dns",
	"tcp",
	"no such host",
	"deadline exceeded",
	"tls handshake",
	"broken pipe",
	"eof",
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// ExecuteTrade retries trade placement on transient failure. A
// FailureRejected or FailureInsufficientMargin result is not a Go error —
// those are terminal outcomes the filter chain's caller handles directly —
// so only transport-level errors trigger a retry here.
func (c *Client) ExecuteTrade(ctx context.Context, accountID, region string, order gateway.Order) (gateway.ExecuteResult, error) {
	var res gateway.ExecuteResult
	err := c.withRetry(ctx, "ExecuteTrade", func(opCtx context.Context) error {
		var innerErr error
		res, innerErr = c.next.ExecuteTrade(opCtx, accountID, region, order)
		return innerErr
	})
	return res, err
}

// ModifyPosition retries stop/take-profit modification.
func (c *Client) ModifyPosition(ctx context.Context, accountID, positionID string, sl, tp *float64) error {
	return c.withRetry(ctx, "ModifyPosition", func(opCtx context.Context) error {
		return c.next.ModifyPosition(opCtx, accountID, positionID, sl, tp)
	})
}

// ClosePosition retries position closure, the teacher's original use case.
func (c *Client) ClosePosition(ctx context.Context, accountID, positionID string) (gateway.CloseResult, error) {
	var res gateway.CloseResult
	err := c.withRetry(ctx, "ClosePosition", func(opCtx context.Context) error {
		var innerErr error
		res, innerErr = c.next.ClosePosition(opCtx, accountID, positionID)
		return innerErr
	})
	return res, err
}

// ConnectStream passes straight through; reconnect-with-backoff for streams
// is the supervisor's concern, not a single-call retry (§4.H).
func (c *Client) ConnectStream(ctx context.Context, accountID, region string) (*gateway.StreamHandle, error) {
	return c.next.ConnectStream(ctx, accountID, region)
}

// GetPositions passes straight through.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]gateway.Position, error) {
	return c.next.GetPositions(ctx, accountID)
}

// GetAccountInfo passes straight through.
func (c *Client) GetAccountInfo(ctx context.Context, accountID string) (gateway.AccountInfo, error) {
	return c.next.GetAccountInfo(ctx, accountID)
}

var _ gateway.Gateway = (*Client)(nil)
