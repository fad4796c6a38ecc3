package retrybroker

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/coretrace/copyengine/internal/gateway"
	"github.com/stretchr/testify/require"
)

type flakyGateway struct {
	gateway.Gateway
	failsBeforeSuccess int
	calls              int
	err                error
}

func (f *flakyGateway) ExecuteTrade(ctx context.Context, accountID, region string, order gateway.Order) (gateway.ExecuteResult, error) {
	f.calls++
	if f.calls <= f.failsBeforeSuccess {
		return gateway.ExecuteResult{}, f.err
	}
	return gateway.ExecuteResult{BrokerOrderID: "ok"}, nil
}

func TestClient_ExecuteTrade_RetriesTransientThenSucceeds(t *testing.T) {
	fg := &flakyGateway{failsBeforeSuccess: 2, err: errors.New("connection reset")}
	c := NewClient(fg, log.Default(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second})

	res, err := c.ExecuteTrade(context.Background(), "acct", "us", gateway.Order{})
	require.NoError(t, err)
	require.Equal(t, "ok", res.BrokerOrderID)
	require.Equal(t, 3, fg.calls)
}

func TestClient_ExecuteTrade_NonTransientDoesNotRetry(t *testing.T) {
	fg := &flakyGateway{failsBeforeSuccess: 100, err: errors.New("symbol unknown")}
	c := NewClient(fg, log.Default(), Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second})

	_, err := c.ExecuteTrade(context.Background(), "acct", "us", gateway.Order{})
	require.Error(t, err)
	require.Equal(t, 1, fg.calls)
}

func TestClient_ExecuteTrade_ExhaustsRetriesAndFails(t *testing.T) {
	fg := &flakyGateway{failsBeforeSuccess: 100, err: errors.New("timeout")}
	c := NewClient(fg, log.Default(), Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Timeout: time.Second})

	_, err := c.ExecuteTrade(context.Background(), "acct", "us", gateway.Order{})
	require.Error(t, err)
	require.Equal(t, 3, fg.calls)
}

func TestIsTransientError(t *testing.T) {
	require.True(t, isTransientError(errors.New("read tcp: connection reset by peer")))
	require.True(t, isTransientError(errors.New("HTTP 503 Service Unavailable")))
	require.False(t, isTransientError(errors.New("insufficient margin")))
	require.False(t, isTransientError(nil))
}
