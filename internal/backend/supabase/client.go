// Package supabase implements backend.Backend over a hosted Postgres service: the
// PostgREST row API, its auth endpoint and the realtime websocket.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/orbitthread/dmsync/internal/backend"
)

// BreakerConfig controls the circuit breaker wrapped around REST calls.
type BreakerConfig struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// RealtimeConfig controls the realtime websocket client.
type RealtimeConfig struct {
	Heartbeat    time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// Config describes how to reach the project.
type Config struct {
	URL         string
	AnonKey     string
	AccessToken string
	JWTSecret   string
	HTTPTimeout time.Duration
	Breaker     BreakerConfig
	Realtime    RealtimeConfig
}

// Observer receives transport events, typically to feed metrics.
type Observer interface {
	BreakerStateChanged(name, state string)
	RealtimeReconnected()
}

type nopObserver struct{}

func (nopObserver) BreakerStateChanged(string, string) {}
func (nopObserver) RealtimeReconnected()               {}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for REST and auth calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithObserver installs an observer for breaker and realtime events.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		if o != nil {
			c.observer = o
		}
	}
}

// Client talks to one project on behalf of the actor owning the access token.
type Client struct {
	cfg      Config
	restURL  *url.URL
	authURL  *url.URL
	http     *http.Client
	cb       *gobreaker.CircuitBreaker
	log      *zap.Logger
	observer Observer
	realtime *Realtime

	tokenMu sync.RWMutex
	token   string
	actor   string
}

var _ backend.Backend = (*Client)(nil)

// New validates cfg and builds a client. No network call is made.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return nil, errors.New("supabase url is required")
	}
	if cfg.AnonKey == "" {
		return nil, errors.New("supabase anon key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse supabase url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("supabase url must be http or https, got %q", base.Scheme)
	}
	applyDefaults(&cfg)

	c := &Client{
		cfg:      cfg,
		restURL:  base.JoinPath("rest", "v1"),
		authURL:  base.JoinPath("auth", "v1"),
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		log:      logger.Named("supabase"),
		observer: nopObserver{},
		token:    cfg.AccessToken,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "supabase-rest",
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		IsSuccessful: breakerSuccess,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
			c.observer.BreakerStateChanged(name, to.String())
		},
	})

	c.realtime = newRealtime(realtimeEndpoint(base, cfg.AnonKey), c.AccessToken, cfg.Realtime, c.log, c.observer)
	return c, nil
}

func applyDefaults(cfg *Config) {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.Breaker.MaxFailures == 0 {
		cfg.Breaker.MaxFailures = 5
	}
	if cfg.Breaker.Timeout <= 0 {
		cfg.Breaker.Timeout = 30 * time.Second
	}
	if cfg.Realtime.Heartbeat <= 0 {
		cfg.Realtime.Heartbeat = 30 * time.Second
	}
	if cfg.Realtime.DialTimeout <= 0 {
		cfg.Realtime.DialTimeout = 10 * time.Second
	}
	if cfg.Realtime.WriteTimeout <= 0 {
		cfg.Realtime.WriteTimeout = 10 * time.Second
	}
	if cfg.Realtime.MaxRetries <= 0 {
		cfg.Realtime.MaxRetries = 5
	}
	if cfg.Realtime.RetryDelay <= 0 {
		cfg.Realtime.RetryDelay = time.Second
	}
}

// breakerSuccess keeps client-side rejections (RLS, conflicts, missing rows) from
// counting against the service's health.
func breakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return be.Status > 0 && be.Status < http.StatusInternalServerError
	}
	return false
}

func realtimeEndpoint(base *url.URL, anonKey string) string {
	u := *base.JoinPath("realtime", "v1", "websocket")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	q.Set("apikey", anonKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String()
}

// AccessToken returns the token used for REST and realtime calls.
func (c *Client) AccessToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// SetAccessToken rotates the token. The realtime connection picks it up on its next
// join.
func (c *Client) SetAccessToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.actor = ""
	c.tokenMu.Unlock()
}

// Close tears down the realtime connection and every open stream.
func (c *Client) Close() error {
	return c.realtime.Close()
}
