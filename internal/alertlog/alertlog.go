// Package alertlog records operator-facing alerts (connection issues,
// orphan detections, daily-limit hits, phase upgrades, emergency stops)
// to an append-only JSON-lines file and throttles duplicate alerts per
// category/key, generalizing the per-account throttle in
// internal/gateway.Monitor (§3 "Operator alert suppression", §4.I).
package alertlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category identifies the kind of alert raised.
type Category string

const (
	CategoryConnectionIssue Category = "connection_issue"
	CategoryOrphanDetected  Category = "orphan_detected"
	CategoryDailyLimit      Category = "daily_limit"
	CategoryPhaseUpgraded   Category = "phase_upgraded"
	CategoryEmergencyStop   Category = "emergency_stop"
)

// defaultThrottle is the per-category/key minimum gap between repeated
// alerts, unless overridden via Log's WithThrottle option.
var defaultThrottle = map[Category]time.Duration{
	CategoryConnectionIssue: 5 * time.Minute,
	CategoryOrphanDetected:  24 * time.Hour,
	CategoryDailyLimit:      24 * time.Hour,
	CategoryPhaseUpgraded:   0, // never suppressed; each upgrade is distinct
	CategoryEmergencyStop:   0, // never suppressed; operator must see every one
}

// Record is one persisted alert line.
type Record struct {
	Time     time.Time `json:"time"`
	Category Category  `json:"category"`
	RouteID  string    `json:"routeId,omitempty"`
	Key      string    `json:"key"`
	Message  string    `json:"message"`
}

// Log is an append-only alert sink with per-category/key throttling.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	lastFired map[string]time.Time // throttleKey -> last fire time
	recent    []Record             // ring-buffer-ish in-memory tail for the operator surface
	maxRecent int
}

// Open creates (or appends to) the alert log file at path.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("alertlog: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("alertlog: creating dir %q: %w", dir, err)
		}
	}

	l := &Log{path: path, lastFired: make(map[string]time.Time), maxRecent: 500}

	if existing, err := os.Open(path); err == nil { // #nosec G304 -- operator-provided path
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			var rec Record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				continue
			}
			l.appendRecent(rec)
			l.lastFired[throttleKey(rec.Category, rec.Key)] = rec.Time
		}
		_ = existing.Close()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("alertlog: reading existing log %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304 -- operator-provided path
	if err != nil {
		return nil, fmt.Errorf("alertlog: opening %q: %w", path, err)
	}
	l.file = f
	return l, nil
}

func throttleKey(cat Category, key string) string {
	return string(cat) + "|" + key
}

func (l *Log) appendRecent(rec Record) {
	l.recent = append(l.recent, rec)
	if len(l.recent) > l.maxRecent {
		l.recent = l.recent[len(l.recent)-l.maxRecent:]
	}
}

// Fire raises an alert for category/key, unless the same category/key pair
// fired within its throttle window. now is passed in so callers (and tests)
// control time rather than the package reading the wall clock internally.
// Returns true if the alert was actually recorded (not suppressed).
func (l *Log) Fire(now time.Time, cat Category, routeID, key, message string) (bool, error) {
	l.mu.Lock()
	tk := throttleKey(cat, key)
	if last, ok := l.lastFired[tk]; ok {
		if window, has := defaultThrottle[cat]; has && window > 0 && now.Sub(last) < window {
			l.mu.Unlock()
			return false, nil
		}
	}
	l.lastFired[tk] = now
	rec := Record{Time: now, Category: cat, RouteID: routeID, Key: key, Message: message}
	l.appendRecent(rec)
	l.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return true, fmt.Errorf("alertlog: marshaling record: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return true, fmt.Errorf("alertlog: writing record: %w", err)
	}
	return true, l.file.Sync()
}

// Recent returns up to n most recent alerts, newest last, for the operator
// status surface (§4.I).
func (l *Log) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.recent) {
		n = len(l.recent)
	}
	out := make([]Record, n)
	copy(out, l.recent[len(l.recent)-n:])
	return out
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
