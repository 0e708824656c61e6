// Package httputil builds the pooled HTTP clients used for provider APIs
// and OAuth token endpoints.
package httputil

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ClientConfig holds transport settings.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration
	KeepAliveInterval   time.Duration
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// GmailClientConfig allows wider per-host concurrency and longer responses
// for message pages.
func GmailClientConfig() *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.MaxIdleConnsPerHost = 50
	cfg.IdleConnTimeout = 120 * time.Second
	cfg.ResponseTimeout = 60 * time.Second
	return cfg
}

// TokenClientConfig is for OAuth token endpoints: few hosts, short calls.
func TokenClientConfig() *ClientConfig {
	cfg := DefaultClientConfig()
	cfg.MaxIdleConns = 20
	cfg.MaxIdleConnsPerHost = 10
	cfg.MaxConnsPerHost = 20
	cfg.ResponseTimeout = 15 * time.Second
	return cfg
}

// NewClient creates a pooled client.
func NewClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}

// OAuthContext attaches client to ctx so golang.org/x/oauth2 uses it for
// token requests.
func OAuthContext(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
