package vaultpki

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/vaultpki/internal/retry"
)

// Client timeout constants.
const (
	// DefaultTokenRenewalTimeout is the timeout for token renewal operations.
	DefaultTokenRenewalTimeout = 30 * time.Second

	// DefaultCloseTimeout is the timeout for waiting for goroutines to stop.
	DefaultCloseTimeout = 5 * time.Second

	// MinRenewalInterval is the minimum interval for token renewal.
	MinRenewalInterval = time.Minute
)

// Client is the transport client for Vault. It owns authentication, token
// renewal, retry, circuit breaking, and error classification. All PKI and
// sys operations go through it. The token is the only shared mutable state;
// the underlying API client guards it with its own lock, so a Client is
// safe for concurrent use.
type Client struct {
	config  *Config
	api     *vaultapi.Client
	auth    AuthMethod
	logger  *zap.Logger
	metrics *Metrics
	breaker *gobreaker.CircuitBreaker

	// Token state
	tokenTTL    atomic.Int64
	tokenExpiry atomic.Int64

	// Lifecycle
	mu           sync.RWMutex
	closed       bool
	renewStarted bool
	stopCh       chan struct{}
	stoppedCh    chan struct{}
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithMetrics sets the metrics recorder for the client.
func WithMetrics(metrics *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// WithAuthMethod overrides the auth method derived from the configuration.
func WithAuthMethod(auth AuthMethod) ClientOption {
	return func(c *Client) {
		c.auth = auth
	}
}

// New creates a new Vault transport client. The client is not authenticated
// until Login is called.
func New(cfg *Config, logger *zap.Logger, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, newConfigError("", "configuration is nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.GetTimeout()
	// Retry is handled by this package so classification stays in one place
	apiConfig.MaxRetries = 0

	if cfg.TLS != nil {
		tlsConfig := &vaultapi.TLSConfig{
			CACert:        cfg.TLS.CACert,
			CAPath:        cfg.TLS.CAPath,
			ClientCert:    cfg.TLS.ClientCert,
			ClientKey:     cfg.TLS.ClientKey,
			TLSServerName: cfg.TLS.ServerName,
			Insecure:      cfg.TLS.SkipVerify,
		}
		if err := apiConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, newOpError("init", "tls", err)
		}
	}

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, newOpError("init", "", err)
	}

	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	client := &Client{
		config:    cfg,
		api:       api,
		logger:    logger.With(zap.String("component", "vaultpki")),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(client)
	}

	if client.metrics == nil {
		client.metrics = NewMetrics("vaultpki")
	}

	if client.auth == nil {
		auth, err := authMethodFromConfig(cfg)
		if err != nil {
			return nil, err
		}
		client.auth = auth
	}

	client.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "vault",
		Interval: time.Minute,
		Timeout:  15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Policy and validation rejections are healthy backend responses;
		// only transport and server failures count against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			client.logger.Warn("circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			client.metrics.SetBreakerState(breakerStateValue(to))
		},
	})

	return client, nil
}

// breakerStateValue maps gobreaker states onto the metrics gauge.
func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Login authenticates with Vault using the configured auth method and
// starts the token renewal loop.
func (c *Client) Login(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	start := time.Now()

	secret, err := c.auth.Login(ctx, c.api)
	if err != nil {
		c.metrics.RecordAuthentication(c.auth.Name(), false)
		return err
	}

	c.storeAuth(secret)
	c.metrics.RecordAuthentication(c.auth.Name(), true)
	c.logger.Info("authenticated with vault",
		zap.String("method", c.auth.Name()),
		zap.Duration("duration", time.Since(start)),
	)

	c.startRenewalLoop()

	return nil
}

// storeAuth stores the token and lease data from an auth secret.
func (c *Client) storeAuth(secret *vaultapi.Secret) {
	if secret == nil || secret.Auth == nil {
		return
	}

	if secret.Auth.ClientToken != "" {
		c.api.SetToken(secret.Auth.ClientToken)
	}

	ttl := int64(secret.Auth.LeaseDuration)
	c.tokenTTL.Store(ttl)
	if ttl > 0 {
		expiry := time.Now().Add(time.Duration(ttl) * time.Second)
		c.tokenExpiry.Store(expiry.Unix())
		c.metrics.SetTokenExpiry(expiry)
	}
	c.metrics.SetTokenTTL(float64(ttl))
}

// RenewToken renews the current token.
func (c *Client) RenewToken(ctx context.Context) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	start := time.Now()

	secret, err := c.api.Auth().Token().RenewSelfWithContext(ctx, 0)
	if err != nil {
		c.metrics.RecordRequest("renew_token", statusError, time.Since(start))
		return classify("renew_token", "auth/token/renew-self", err)
	}

	c.storeAuth(secret)
	c.metrics.RecordRequest("renew_token", statusSuccess, time.Since(start))
	c.logger.Debug("token renewed", zap.Int64("ttl_seconds", c.tokenTTL.Load()))

	return nil
}

// Health returns Vault health status.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	if err := c.checkClosed(); err != nil {
		return nil, err
	}

	start := time.Now()

	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		c.metrics.RecordRequest("health", statusError, time.Since(start))
		return nil, classify("health", "sys/health", err)
	}

	c.metrics.RecordRequest("health", statusSuccess, time.Since(start))

	return &HealthStatus{
		Initialized: health.Initialized,
		Sealed:      health.Sealed,
		Standby:     health.Standby,
		Version:     health.Version,
		ClusterName: health.ClusterName,
		ClusterID:   health.ClusterID,
	}, nil
}

// HealthStatus represents Vault health status.
type HealthStatus struct {
	// Initialized indicates if Vault is initialized.
	Initialized bool

	// Sealed indicates if Vault is sealed.
	Sealed bool

	// Standby indicates if this is a standby node.
	Standby bool

	// Version is the Vault version.
	Version string

	// ClusterName is the cluster name.
	ClusterName string

	// ClusterID is the cluster ID.
	ClusterID string
}

// Close stops the renewal loop and releases client resources.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	renewStarted := c.renewStarted
	c.mu.Unlock()

	close(c.stopCh)

	if renewStarted {
		select {
		case <-c.stoppedCh:
			c.logger.Debug("token renewal goroutine stopped")
		case <-time.After(DefaultCloseTimeout):
			c.logger.Warn("timeout waiting for token renewal to stop")
		}
	}

	c.logger.Info("vault client closed")
	return nil
}

// checkClosed returns ErrClientClosed when the client has been closed.
func (c *Client) checkClosed() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

// write performs a logical write through the breaker and retry layers.
func (c *Client) write(ctx context.Context, op, path string, data map[string]interface{}) (*vaultapi.Secret, error) {
	var secret *vaultapi.Secret
	err := c.do(ctx, op, path, func() error {
		var err error
		secret, err = c.api.Logical().WriteWithContext(ctx, path, data)
		return err
	})
	return secret, err
}

// read performs a logical read through the breaker and retry layers.
func (c *Client) read(ctx context.Context, op, path string) (*vaultapi.Secret, error) {
	var secret *vaultapi.Secret
	err := c.do(ctx, op, path, func() error {
		var err error
		secret, err = c.api.Logical().ReadWithContext(ctx, path)
		return err
	})
	return secret, err
}

// delete performs a logical delete through the breaker and retry layers.
func (c *Client) delete(ctx context.Context, op, path string) error {
	return c.do(ctx, op, path, func() error {
		_, err := c.api.Logical().DeleteWithContext(ctx, path)
		return err
	})
}

// do runs a single logical operation: breaker inside, retry outside, with
// metrics and classified errors. Only transient classifications are retried.
func (c *Client) do(ctx context.Context, op, path string, fn func() error) error {
	if err := c.checkClosed(); err != nil {
		return err
	}

	requestID := uuid.NewString()
	start := time.Now()

	attempt := func() error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			if err := fn(); err != nil {
				return nil, classify(op, path, err)
			}
			return nil, nil
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &OpError{Op: op, Path: path, Message: err.Error(), Err: ErrTransport}
		}
		return err
	}

	err := retry.Do(ctx, c.retryConfig(), attempt, &retry.Options{
		ShouldRetry: IsRetryable,
		OnRetry: func(n int, err error, backoff time.Duration) {
			c.metrics.RecordRetry(op)
			c.logger.Debug("retrying vault operation",
				zap.String("request_id", requestID),
				zap.String("operation", op),
				zap.Int("attempt", n),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		},
	})

	duration := time.Since(start)
	if err != nil {
		c.metrics.RecordRequest(op, statusError, duration)
		c.logger.Debug("vault operation failed",
			zap.String("request_id", requestID),
			zap.String("operation", op),
			zap.String("path", path),
			zap.Error(err),
		)
		return err
	}

	c.metrics.RecordRequest(op, statusSuccess, duration)
	return nil
}

// retryConfig returns the effective retry configuration.
func (c *Client) retryConfig() *retry.Config {
	cfg := c.config.Retry
	return &retry.Config{
		MaxRetries:     cfg.GetMaxRetries(),
		InitialBackoff: cfg.GetBackoffBase(),
		MaxBackoff:     cfg.GetBackoffMax(),
		JitterFactor:   retry.DefaultJitterFactor,
	}
}

// startRenewalLoop starts the token renewal goroutine once.
func (c *Client) startRenewalLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renewStarted || c.closed {
		return
	}
	c.renewStarted = true
	go c.tokenRenewalLoop()
}

// tokenRenewalLoop renews the token at 2/3 of its TTL and re-authenticates
// when the token has expired. It runs until Close.
func (c *Client) tokenRenewalLoop() {
	defer close(c.stoppedCh)

	interval := c.renewalInterval()
	if interval <= 0 {
		c.logger.Debug("token renewal disabled (no TTL)")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("started token renewal loop", zap.Duration("interval", interval))

	for {
		select {
		case <-c.stopCh:
			c.logger.Info("token renewal stopped")
			return
		case <-ticker.C:
			c.renewOnce()
			if next := c.renewalInterval(); next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
				c.logger.Debug("updated token renewal interval", zap.Duration("interval", interval))
			}
		}
	}
}

// renewOnce performs a single renewal attempt with a bounded context.
func (c *Client) renewOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTokenRenewalTimeout)
	defer cancel()

	if err := c.RenewToken(ctx); err != nil {
		c.logger.Error("failed to renew token", zap.Error(err))
		if c.isTokenExpired() {
			c.logger.Info("token expired, attempting re-authentication")
			if secret, err := c.auth.Login(ctx, c.api); err != nil {
				c.metrics.RecordAuthentication(c.auth.Name(), false)
				c.logger.Error("failed to re-authenticate", zap.Error(err))
			} else {
				c.storeAuth(secret)
				c.metrics.RecordAuthentication(c.auth.Name(), true)
			}
		}
	}
}

// renewalInterval calculates the renewal interval from the current TTL.
func (c *Client) renewalInterval() time.Duration {
	ttl := c.tokenTTL.Load()
	if ttl <= 0 {
		return 0
	}

	interval := time.Duration(ttl*2/3) * time.Second
	if interval < MinRenewalInterval {
		interval = MinRenewalInterval
	}
	return interval
}

// isTokenExpired checks if the current token has expired.
func (c *Client) isTokenExpired() bool {
	expiry := c.tokenExpiry.Load()
	if expiry == 0 {
		return false
	}
	return time.Now().Unix() >= expiry
}
