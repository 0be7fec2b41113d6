package objectstore

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bull/shardsearch/internal/apperr"
)

// RetryPolicy bounds the exponential backoff applied to transient failures.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryPolicy mirrors the backoff used for the embedding API.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// RetryingStore wraps a Store and retries operations that fail with
// apperr.ErrTransientIO. All other errors are returned immediately.
type RetryingStore struct {
	inner  Store
	policy RetryPolicy
}

// WithRetry wraps inner with bounded exponential backoff.
func WithRetry(inner Store, policy RetryPolicy) *RetryingStore {
	return &RetryingStore{inner: inner, policy: policy}
}

func (r *RetryingStore) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = r.policy.MaxElapsedTime
	return backoff.WithContext(b, ctx)
}

func classify(err error) error {
	if err == nil || apperr.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (r *RetryingStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	var etag string
	err := backoff.Retry(func() error {
		var err error
		etag, err = r.inner.Put(ctx, key, data)
		return classify(err)
	}, r.backoff(ctx))
	return etag, err
}

func (r *RetryingStore) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	var etag string
	err := backoff.Retry(func() error {
		var err error
		etag, err = r.inner.PutIfAbsent(ctx, key, data)
		return classify(err)
	}, r.backoff(ctx))
	return etag, err
}

func (r *RetryingStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := backoff.Retry(func() error {
		var err error
		data, err = r.inner.Get(ctx, key)
		return classify(err)
	}, r.backoff(ctx))
	return data, err
}

func (r *RetryingStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := backoff.Retry(func() error {
		var err error
		keys, err = r.inner.List(ctx, prefix)
		return classify(err)
	}, r.backoff(ctx))
	return keys, err
}

// Health delegates to the wrapped store when it supports health checks.
func (r *RetryingStore) Health(ctx context.Context) error {
	if hc, ok := r.inner.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}
