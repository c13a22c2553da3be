package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Getter performs an HTTP GET and returns the body with its status code.
// A non-2xx response is not an error at this level.
type Getter interface {
	GetBytes(ctx context.Context, uri string) ([]byte, int, error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, uri string) ([]byte, int, error)

// GetBytes implements Getter.
func (f GetterFunc) GetBytes(ctx context.Context, uri string) ([]byte, int, error) {
	return f(ctx, uri)
}

// Transport defaults.
const (
	DefaultTimeout         = 15 * time.Second
	DefaultMaxConnsPerHost = 6
	DefaultMaxBodyBytes    = 32 << 20
)

// maxBreakerHosts bounds the per-host breakers kept; the least recently
// used host is forgotten first.
const maxBreakerHosts = 256

// GetterConfig tunes the dedicated transport used for image downloads.
type GetterConfig struct {
	Timeout         time.Duration
	MaxConnsPerHost int
	MaxBodyBytes    int64
	UserAgent       string
	// CircuitBreaker enables a per-host breaker that opens after five
	// consecutive failures and probes again after 30s.
	CircuitBreaker bool
}

func (c *GetterConfig) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
}

// HTTPGetter is the production Getter.
type HTTPGetter struct {
	client    *http.Client
	maxBody   int64
	userAgent string
	logger    *zap.Logger

	breakersOn bool
	mu         sync.Mutex
	breakers   *simplelru.LRU[string, *gobreaker.CircuitBreaker]
}

var _ Getter = (*HTTPGetter)(nil)

// NewHTTPGetter builds a getter on its own transport.
func NewHTTPGetter(cfg GetterConfig, logger *zap.Logger) *HTTPGetter {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	}

	breakers, _ := simplelru.NewLRU[string, *gobreaker.CircuitBreaker](maxBreakerHosts, nil)

	return &HTTPGetter{
		client:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		maxBody:    cfg.MaxBodyBytes,
		userAgent:  cfg.UserAgent,
		logger:     logger,
		breakersOn: cfg.CircuitBreaker,
		breakers:   breakers,
	}
}

// GetBytes implements Getter.
func (g *HTTPGetter) GetBytes(ctx context.Context, uri string) ([]byte, int, error) {
	if !g.breakersOn {
		return g.get(ctx, uri)
	}

	cb, err := g.breaker(uri)
	if err != nil {
		return nil, 0, err
	}

	var (
		data   []byte
		status int
		getErr error
	)
	_, err = cb.Execute(func() (interface{}, error) {
		data, status, getErr = g.get(ctx, uri)
		if getErr != nil {
			return nil, getErr
		}
		if status >= http.StatusInternalServerError {
			return nil, fmt.Errorf("server error %d", status)
		}
		return nil, nil
	})
	if getErr != nil {
		return nil, status, getErr
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, 0, fmt.Errorf("host %s: %w", cb.Name(), err)
	}
	return data, status, nil
}

func (g *HTTPGetter) get(ctx context.Context, uri string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "image/webp,image/png,image/jpeg,image/*;q=0.8")
	if g.userAgent != "" {
		req.Header.Set("User-Agent", g.userAgent)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, resp.StatusCode, nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBody+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > g.maxBody {
		return nil, resp.StatusCode, fmt.Errorf("response exceeds %d bytes", g.maxBody)
	}
	return data, resp.StatusCode, nil
}

func (g *HTTPGetter) breaker(uri string) (*gobreaker.CircuitBreaker, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers.Get(u.Host); ok {
		return cb, nil
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        u.Host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Info("image host breaker changed state",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	g.breakers.Add(u.Host, cb)
	return cb, nil
}
