// Package ratelimit provides per-account provider rate limiting with
// advisory lockouts.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Window is the length of both the connection and request counters.
const Window = 60 * time.Second

// ProviderLimits is the per-minute budget of a mail provider.
type ProviderLimits struct {
	ConnectionsPerMin int
	RequestsPerMin    int
	CooldownSeconds   int
}

// FallbackProvider is used for providers missing from the limits table.
const FallbackProvider = "custom"

// DefaultProviderLimits keeps well under the published provider quotas.
var DefaultProviderLimits = map[string]ProviderLimits{
	"gmail":   {ConnectionsPerMin: 15, RequestsPerMin: 250, CooldownSeconds: 60},
	"outlook": {ConnectionsPerMin: 10, RequestsPerMin: 150, CooldownSeconds: 120},
	"custom":  {ConnectionsPerMin: 5, RequestsPerMin: 60, CooldownSeconds: 300},
}

// Limiter never blocks. It tells callers how long to back off and leaves
// honouring that to them.
type Limiter struct {
	store  CounterStore
	limits map[string]ProviderLimits
}

func NewLimiter(store CounterStore, limits map[string]ProviderLimits) *Limiter {
	merged := make(map[string]ProviderLimits, len(DefaultProviderLimits)+len(limits))
	for k, v := range DefaultProviderLimits {
		merged[k] = v
	}
	for k, v := range limits {
		merged[k] = v
	}
	return &Limiter{store: store, limits: merged}
}

// LimitsFor returns the provider's limits, falling back to custom.
func (l *Limiter) LimitsFor(provider string) ProviderLimits {
	if lim, ok := l.limits[provider]; ok {
		return lim
	}
	return l.limits[FallbackProvider]
}

func connKey(provider, accountID string) string {
	return fmt.Sprintf("ratelimit:%s:%s:conn", provider, accountID)
}

func reqKey(provider, accountID string) string {
	return fmt.Sprintf("ratelimit:%s:%s:req", provider, accountID)
}

func lockoutKey(provider, accountID string) string {
	return fmt.Sprintf("ratelimit:%s:%s:lockout", provider, accountID)
}

// AcquireConnection counts a new provider connection. It is denied, and a
// lockout started, when the window already holds the full allowance.
func (l *Limiter) AcquireConnection(ctx context.Context, provider, accountID string) (bool, error) {
	lim := l.LimitsFor(provider)

	n, err := l.store.IncrWithExpiry(ctx, connKey(provider, accountID), Window)
	if err != nil {
		return false, fmt.Errorf("count connection: %w", err)
	}
	if n > int64(lim.ConnectionsPerMin) {
		if _, err := l.Lockout(ctx, provider, accountID, lim.CooldownSeconds); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Hit counts one provider request and reports whether it breached the
// request limit (which starts a lockout).
func (l *Limiter) Hit(ctx context.Context, provider, accountID string) (bool, error) {
	lim := l.LimitsFor(provider)

	n, err := l.store.IncrWithExpiry(ctx, reqKey(provider, accountID), Window)
	if err != nil {
		return false, fmt.Errorf("count request: %w", err)
	}
	if n > int64(lim.RequestsPerMin) {
		if _, err := l.Lockout(ctx, provider, accountID, lim.CooldownSeconds); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// Check returns the whole seconds left on an active lockout, 0 if none.
func (l *Limiter) Check(ctx context.Context, provider, accountID string) (int, error) {
	ttl, err := l.store.TTL(ctx, lockoutKey(provider, accountID))
	if err != nil {
		return 0, fmt.Errorf("check lockout: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return int(math.Ceil(ttl.Seconds())), nil
}

// Lockout starts a cooldown unless one is already running. An active
// lockout is never extended.
func (l *Limiter) Lockout(ctx context.Context, provider, accountID string, seconds int) (bool, error) {
	until := time.Now().Add(time.Duration(seconds) * time.Second).Unix()
	ok, err := l.store.SetNX(ctx, lockoutKey(provider, accountID), strconv.FormatInt(until, 10), time.Duration(seconds)*time.Second)
	if err != nil {
		return false, fmt.Errorf("set lockout: %w", err)
	}
	return ok, nil
}

// Usage is a snapshot of the current window, used for observability.
type Usage struct {
	Connections      int64 `json:"connections"`
	Requests         int64 `json:"requests"`
	LockoutRemaining int   `json:"lockout_remaining"`
}

func (l *Limiter) Usage(ctx context.Context, provider, accountID string) (*Usage, error) {
	conns, err := l.store.Get(ctx, connKey(provider, accountID))
	if err != nil {
		return nil, err
	}
	reqs, err := l.store.Get(ctx, reqKey(provider, accountID))
	if err != nil {
		return nil, err
	}
	remaining, err := l.Check(ctx, provider, accountID)
	if err != nil {
		return nil, err
	}
	return &Usage{Connections: conns, Requests: reqs, LockoutRemaining: remaining}, nil
}
