package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// API is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type API interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is the interface that wraps GetParameter.
// The relay's upstream client depends on this rather than the concrete
// *Client so it stays testable without real AWS calls.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type cachedValue struct {
	value   string
	fetched time.Time
}

// Client wraps an AWS SSM API for parameter retrieval. Values are cached per
// name for cacheTTL; a zero TTL disables caching.
type Client struct {
	api      API
	cacheTTL time.Duration
	now      func() time.Time

	mu    sync.Mutex
	cache map[string]cachedValue
}

type Option func(*Client)

// WithCacheTTL keeps successfully fetched values for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cacheTTL = ttl }
}

// New creates a Client with the given SSM API implementation.
func New(api API, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{api: api, now: time.Now, cache: make(map[string]cachedValue)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name joins a prefix such as "/chat-relay/" and a leaf into a parameter path.
func Name(prefix, leaf string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	leaf = strings.TrimLeft(strings.TrimSpace(leaf), "/")
	if prefix == "" {
		return "/" + leaf
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix + "/" + leaf
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.lookup(name); ok {
		return v, nil
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	value := *out.Parameter.Value
	c.store(name, value)
	return value, nil
}

// Invalidate drops a cached value so the next read goes to SSM.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	delete(c.cache, strings.TrimSpace(name))
	c.mu.Unlock()
}

func (c *Client) lookup(name string) (string, bool) {
	if c.cacheTTL <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.cache[name]
	if !ok || c.now().Sub(cv.fetched) >= c.cacheTTL {
		return "", false
	}
	return cv.value, true
}

func (c *Client) store(name, value string) {
	if c.cacheTTL <= 0 {
		return
	}
	c.mu.Lock()
	c.cache[name] = cachedValue{value: value, fetched: c.now()}
	c.mu.Unlock()
}
