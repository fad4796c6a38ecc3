package alertlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLog_FireRecordsAndThrottles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	fired, err := l.Fire(now, CategoryConnectionIssue, "r1", "acct-1", "connection lost")
	require.NoError(t, err)
	require.True(t, fired)

	fired, err = l.Fire(now.Add(time.Minute), CategoryConnectionIssue, "r1", "acct-1", "connection lost again")
	require.NoError(t, err)
	require.False(t, fired, "should be throttled within 5 minutes")

	fired, err = l.Fire(now.Add(6*time.Minute), CategoryConnectionIssue, "r1", "acct-1", "still down")
	require.NoError(t, err)
	require.True(t, fired)

	require.Len(t, l.Recent(10), 2)
}

func TestLog_DifferentKeysDoNotThrottleEachOther(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	now := time.Now()
	fired1, _ := l.Fire(now, CategoryOrphanDetected, "r1", "acct-1", "orphan")
	fired2, _ := l.Fire(now, CategoryOrphanDetected, "r1", "acct-2", "orphan")
	require.True(t, fired1)
	require.True(t, fired2)
}

func TestLog_NeverSuppressedCategoriesAlwaysFire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	now := time.Now()
	fired1, _ := l.Fire(now, CategoryEmergencyStop, "r1", "acct-1", "stop")
	fired2, _ := l.Fire(now, CategoryEmergencyStop, "r1", "acct-1", "stop again")
	require.True(t, fired1)
	require.True(t, fired2)
}

func TestLog_SurvivesRestartPreservingThrottleState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	l, err := Open(path)
	require.NoError(t, err)

	now := time.Now()
	_, err = l.Fire(now, CategoryConnectionIssue, "r1", "acct-1", "down")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	require.Len(t, l2.Recent(10), 1)

	fired, err := l2.Fire(now.Add(time.Minute), CategoryConnectionIssue, "r1", "acct-1", "still down")
	require.NoError(t, err)
	require.False(t, fired, "throttle state should survive restart")
}
