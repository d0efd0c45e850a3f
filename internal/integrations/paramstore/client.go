// Package paramstore reads secrets from AWS SSM Parameter Store.
package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 15 * time.Minute
)

// ssmAPI is the subset of *ssm.Client the store calls.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter is implemented by Client and Static. Consumers depend on it so they
// stay testable without AWS.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads decrypted parameters and caches them for a while, so rotated
// secrets are picked up without a restart.
type Client struct {
	api   ssmAPI
	cache *expirable.LRU[string, string]
}

type Option func(*clientConfig)

type clientConfig struct {
	ttl time.Duration
}

// WithCacheTTL sets how long a fetched value is served from memory. Zero or
// negative disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *clientConfig) { c.ttl = d }
}

func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	cfg := clientConfig{ttl: defaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	c := &Client{api: api}
	if cfg.ttl > 0 {
		c.cache = expirable.NewLRU[string, string](defaultCacheSize, nil, cfg.ttl)
	}
	return c, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if c.cache != nil {
		if v, ok := c.cache.Get(name); ok {
			return v, nil
		}
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
	if c.cache != nil {
		c.cache.Add(name, *out.Parameter.Value)
	}
	return *out.Parameter.Value, nil
}
