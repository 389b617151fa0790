package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
)

// DefaultMaxBytes bounds a downloaded binary.
const DefaultMaxBytes int64 = 1 << 30

// BreakerConfig configures the circuit breaker guarding downloads.
type BreakerConfig struct {
	MaxRequests uint32        `yaml:"max_requests"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`
}

// DefaultBreakerConfig opens after five consecutive failures and retries
// after 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// NewBreaker builds a circuit breaker that logs state changes to log.
func NewBreaker(name string, cfg BreakerConfig, log *zap.Logger) *gobreaker.CircuitBreaker {
	if log == nil {
		log = zap.NewNop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = DefaultBreakerConfig().FailureThreshold
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("fetch circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// HTTPOptions configures HTTP downloads.
type HTTPOptions struct {
	Client *http.Client
	// Breaker is shared between sources when set. Otherwise each source
	// gets its own with DefaultBreakerConfig.
	Breaker  *gobreaker.CircuitBreaker
	Logger   *zap.Logger
	Timeout  time.Duration
	MaxBytes int64
}

// HTTPSource downloads a binary, failing fast while its circuit breaker is
// open.
type HTTPSource struct {
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	log      *zap.Logger
	url      string
	timeout  time.Duration
	maxBytes int64
}

// NewHTTP creates a source for url.
func NewHTTP(url string, opts HTTPOptions) *HTTPSource {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Breaker == nil {
		opts.Breaker = NewBreaker("fetch "+url, DefaultBreakerConfig(), opts.Logger)
	}
	return &HTTPSource{
		client:   opts.Client,
		breaker:  opts.Breaker,
		log:      opts.Logger,
		url:      url,
		timeout:  opts.Timeout,
		maxBytes: opts.MaxBytes,
	}
}

// Name returns the URL.
func (s *HTTPSource) Name() string { return s.url }

// Fetch downloads the binary. Non-2xx responses count as failures.
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	v, err := s.breaker.Execute(func() (interface{}, error) {
		return s.download(ctx)
	})
	if err != nil {
		return nil, errors.Fetch(s.url, err)
	}
	data := v.([]byte)
	s.log.Debug("module downloaded", zap.String("url", s.url), zap.Int("bytes", len(data)))
	return data, nil
}

func (s *HTTPSource) download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/wasm")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to load wasm binary file at '%s': %s", s.url, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("binary exceeds %d bytes", s.maxBytes)
	}
	return data, nil
}
